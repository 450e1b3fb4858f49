package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// API 指标
var (
	APIRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "maintflow_api_requests_total",
			Help: "API 请求总数",
		},
		[]string{"method", "path", "status"},
	)

	APIRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "maintflow_api_request_duration_seconds",
			Help:    "API 请求延迟分布",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"method", "path"},
	)
)

// 任务队列指标
var (
	// JobsEnqueuedTotal 投递任务数（deduplicated 表示命中去重键）
	JobsEnqueuedTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "maintflow_jobs_enqueued_total",
			Help: "任务投递总数",
		},
		[]string{"job_type", "result"},
	)

	// JobsProcessedTotal 任务执行结果：completed, retried, failed
	JobsProcessedTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "maintflow_jobs_processed_total",
			Help: "任务执行总数",
		},
		[]string{"job_type", "outcome"},
	)

	JobDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "maintflow_job_duration_seconds",
			Help:    "任务处理耗时分布",
			Buckets: []float64{0.01, 0.05, 0.1, 0.5, 1, 5, 15, 30, 60, 120},
		},
		[]string{"job_type"},
	)

	// JobClaimConflictsTotal 抢占失败次数（被其他执行器先领取）
	JobClaimConflictsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "maintflow_job_claim_conflicts_total",
			Help: "任务领取冲突次数",
		},
		[]string{"job_type"},
	)

	StaleJobsRecoveredTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "maintflow_stale_jobs_recovered_total",
			Help: "超时未完成被回收的任务数",
		},
	)
)

// 业务指标
var (
	EscalationsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "maintflow_escalations_total",
			Help: "工单升级总数",
		},
		[]string{"action"},
	)

	EscalationFailuresTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "maintflow_escalation_failures_total",
			Help: "单个工单升级失败次数",
		},
	)

	EscalationScanDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "maintflow_escalation_scan_duration_seconds",
			Help:    "升级扫描耗时分布",
			Buckets: prometheus.DefBuckets,
		},
	)

	PmWorkOrdersGeneratedTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "maintflow_pm_work_orders_generated_total",
			Help: "预防性维护工单生成总数",
		},
		[]string{"frequency"},
	)

	SchedulerTicksTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "maintflow_scheduler_ticks_total",
			Help: "调度器周期执行次数",
		},
		[]string{"result"},
	)

	NotificationsSentTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "maintflow_notifications_sent_total",
			Help: "通知投递次数",
		},
		[]string{"driver", "result"},
	)
)

// BuildInfo 构建信息
var BuildInfo = promauto.NewGaugeVec(
	prometheus.GaugeOpts{
		Name: "maintflow_build_info",
		Help: "构建信息",
	},
	[]string{"version", "go_version"},
)

// RecordBuildInfo 记录构建信息
func RecordBuildInfo(version, goVersion string) {
	BuildInfo.WithLabelValues(version, goVersion).Set(1)
}

// Package scheduler 周期性投递升级扫描并维持 PM 任务链
package scheduler

import (
	"context"
	"fmt"
	"sync"
	"time"

	"maintflow/internal/jobs"
	"maintflow/internal/logger"
	"maintflow/internal/maintenance"
	"maintflow/internal/metrics"
	"maintflow/internal/worker/tasks"

	"github.com/robfig/cron/v3"
	"go.uber.org/zap"
)

const tickLockKey = "maintflow:scheduler:tick"

// TemplateLister 启用模板查询
type TemplateLister interface {
	ListActiveTemplates(ctx context.Context) ([]maintenance.PmTemplate, error)
}

// Enqueuer 带去重键的任务投递
type Enqueuer interface {
	EnqueueUnique(ctx context.Context, n jobs.NewJob) (*jobs.Job, bool, error)
}

// TickReport 一次调度的结果
type TickReport struct {
	Skipped        bool `json:"skipped"`
	ScanEnqueued   bool `json:"scanEnqueued"`
	PmBootstrapped int  `json:"pmBootstrapped"`
	Errors         int  `json:"errors"`
}

// Orchestrator 调度器
type Orchestrator struct {
	templates TemplateLister
	enqueuer  Enqueuer
	interval  time.Duration
	locker    Locker
	logger    *zap.Logger

	mu   sync.Mutex
	cron *cron.Cron
}

type Option func(*Orchestrator)

// WithLocker 多实例部署时用分布式锁避免同一周期重复引导
func WithLocker(l Locker) Option {
	return func(o *Orchestrator) { o.locker = l }
}

func WithLogger(l *zap.Logger) Option {
	return func(o *Orchestrator) {
		if l != nil {
			o.logger = l
		}
	}
}

func NewOrchestrator(templates TemplateLister, enqueuer Enqueuer, interval time.Duration, opts ...Option) *Orchestrator {
	o := &Orchestrator{
		templates: templates,
		enqueuer:  enqueuer,
		interval:  interval,
		logger:    logger.Named("scheduler"),
	}
	if o.interval <= 0 {
		o.interval = 5 * time.Minute
	}
	for _, opt := range opts {
		opt(o)
	}
	return o
}

// Tick 投递一个升级扫描任务，并为缺少存活任务的启用模板补建 PM 任务链
// 投递失败只记录日志，下个周期会再次尝试
func (o *Orchestrator) Tick(ctx context.Context) TickReport {
	var rep TickReport

	if o.locker != nil {
		ok, err := o.locker.TryLock(ctx, tickLockKey, o.lockTTL())
		switch {
		case err != nil:
			// 锁不可用时仍继续，去重键保证不会重复投递
			o.logger.Warn("获取调度锁失败", zap.Error(err))
		case !ok:
			rep.Skipped = true
			metrics.SchedulerTicksTotal.WithLabelValues("skipped").Inc()
			return rep
		}
	}

	_, created, err := o.enqueuer.EnqueueUnique(ctx, jobs.NewJob{
		Type:     tasks.TypeEscalationCheck,
		Payload:  tasks.EscalationCheckPayload{Trigger: "scheduler"},
		DedupKey: tasks.EscalationDedupKey,
	})
	if err != nil {
		rep.Errors++
		o.logger.Error("投递升级扫描任务失败", zap.Error(err))
	}
	rep.ScanEnqueued = created

	templates, err := o.templates.ListActiveTemplates(ctx)
	if err != nil {
		rep.Errors++
		o.logger.Error("查询启用模板失败", zap.Error(err))
	}
	for i := range templates {
		id := templates[i].ID
		_, created, err := o.enqueuer.EnqueueUnique(ctx, jobs.NewJob{
			Type:     tasks.TypePmGeneration,
			Payload:  tasks.PmGenerationPayload{TemplateID: id},
			DedupKey: tasks.PmDedupKey(id),
		})
		if err != nil {
			rep.Errors++
			o.logger.Error("引导 PM 任务链失败", zap.String("template_id", id), zap.Error(err))
			continue
		}
		if created {
			rep.PmBootstrapped++
		}
	}

	result := "ok"
	if rep.Errors > 0 {
		result = "error"
	}
	metrics.SchedulerTicksTotal.WithLabelValues(result).Inc()
	o.logger.Debug("调度周期完成",
		zap.Bool("scan_enqueued", rep.ScanEnqueued),
		zap.Int("pm_bootstrapped", rep.PmBootstrapped),
		zap.Int("errors", rep.Errors),
	)
	return rep
}

func (o *Orchestrator) lockTTL() time.Duration {
	ttl := o.interval / 2
	if ttl < time.Second {
		ttl = time.Second
	}
	return ttl
}

// Start 立即执行一次 Tick，然后按间隔周期执行；重复调用无副作用
func (o *Orchestrator) Start(ctx context.Context) error {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.cron != nil {
		return nil
	}

	cl := cronLogger{o.logger.Sugar()}
	c := cron.New(
		cron.WithLocation(time.UTC),
		cron.WithLogger(cl),
		cron.WithChain(cron.Recover(cl), cron.SkipIfStillRunning(cl)),
	)
	schedule := fmt.Sprintf("@every %s", o.interval)
	if _, err := c.AddFunc(schedule, func() {
		if ctx.Err() != nil {
			return
		}
		o.Tick(ctx)
	}); err != nil {
		return fmt.Errorf("注册调度周期失败: %w", err)
	}

	o.Tick(ctx)
	c.Start()
	o.cron = c
	o.logger.Info("调度器已启动", zap.Duration("interval", o.interval))
	return nil
}

// Stop 停止调度并等待进行中的 Tick 结束
func (o *Orchestrator) Stop() {
	o.mu.Lock()
	c := o.cron
	o.cron = nil
	o.mu.Unlock()
	if c == nil {
		return
	}
	<-c.Stop().Done()
	o.logger.Info("调度器已停止")
}

// cronLogger 把 cron 的日志接到 zap
type cronLogger struct {
	s *zap.SugaredLogger
}

func (l cronLogger) Info(msg string, keysAndValues ...interface{}) {
	l.s.Debugw(msg, keysAndValues...)
}

func (l cronLogger) Error(err error, msg string, keysAndValues ...interface{}) {
	l.s.Errorw(msg, append(keysAndValues, "error", err)...)
}

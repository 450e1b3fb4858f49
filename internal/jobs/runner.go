package jobs

import (
	"context"
	"errors"
	"fmt"
	"iter"
	"os"
	"sync"
	"time"

	"maintflow/internal/common"
	"maintflow/internal/logger"
	"maintflow/internal/metrics"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

// Handler 任务处理函数；返回的 NewJob 会在任务完成时作为后继任务写入
type Handler func(ctx context.Context, job *Job) (*NewJob, error)

// Result 单次分发的结果
type Result string

const (
	ResultCompleted Result = "completed"
	ResultRetried   Result = "retried"
	ResultFailed    Result = "failed"
	// ResultClaimLost 处理期间领取被回收，状态未写入
	ResultClaimLost Result = "claim_lost"
	// ResultReleased 执行器关停时交还领取，不计入尝试次数
	ResultReleased Result = "released"
)

// Outcome 一次任务分发的结果
type Outcome struct {
	JobID     uint
	JobType   string
	Attempt   int
	Result    Result
	Err       error
	NextRunAt *time.Time
}

// Options 执行器参数
type Options struct {
	WorkerID           string
	DefaultMaxAttempts int
	Backoff            Backoff
	HandlerTimeout     time.Duration
	StaleAfter         time.Duration
}

// DefaultOptions 默认执行器参数
func DefaultOptions() Options {
	host, _ := os.Hostname()
	return Options{
		WorkerID:           fmt.Sprintf("%s-%s", host, uuid.NewString()[:8]),
		DefaultMaxAttempts: 5,
		Backoff:            Backoff{Base: 10 * time.Second, Max: time.Hour},
		HandlerTimeout:     2 * time.Minute,
		StaleAfter:         10 * time.Minute,
	}
}

// Runner 轮询到期任务并按类型分发
type Runner struct {
	store    Store
	clock    common.Clock
	opts     Options
	logger   *zap.Logger
	mu       sync.RWMutex
	handlers map[string]Handler
}

// RunnerOption 执行器配置项
type RunnerOption func(*Runner)

func WithClock(c common.Clock) RunnerOption {
	return func(r *Runner) { r.clock = c }
}

func WithOptions(o Options) RunnerOption {
	return func(r *Runner) {
		if o.WorkerID == "" {
			o.WorkerID = r.opts.WorkerID
		}
		r.opts = o
	}
}

func WithLogger(l *zap.Logger) RunnerOption {
	return func(r *Runner) {
		if l != nil {
			r.logger = l
		}
	}
}

func NewRunner(store Store, opts ...RunnerOption) *Runner {
	r := &Runner{
		store:    store,
		clock:    common.SystemClock{},
		opts:     DefaultOptions(),
		logger:   logger.Named("jobs"),
		handlers: make(map[string]Handler),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Register 注册任务类型处理函数
func (r *Runner) Register(jobType string, h Handler) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.handlers[jobType] = h
}

func (r *Runner) handler(jobType string) (Handler, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	h, ok := r.handlers[jobType]
	return h, ok
}

// Store 底层任务存储
func (r *Runner) Store() Store {
	return r.store
}

// Enqueue 写入 pending 任务；去重键被占用时返回已存在的任务与 ErrDuplicate
func (r *Runner) Enqueue(ctx context.Context, n NewJob) (*Job, error) {
	job, err := NewRecord(n, r.clock.Now(), r.opts.DefaultMaxAttempts)
	if err != nil {
		return nil, err
	}

	err = r.store.Insert(ctx, job)
	if errors.Is(err, ErrDuplicate) {
		metrics.JobsEnqueuedTotal.WithLabelValues(n.Type, "deduplicated").Inc()
		existing, findErr := r.store.FindLive(ctx, n.DedupKey)
		if findErr != nil {
			// 持有者恰好在两次查询之间结束
			return nil, fmt.Errorf("去重键 %s 冲突: %w", n.DedupKey, err)
		}
		return existing, ErrDuplicate
	}
	if err != nil {
		metrics.JobsEnqueuedTotal.WithLabelValues(n.Type, "error").Inc()
		return nil, err
	}

	metrics.JobsEnqueuedTotal.WithLabelValues(n.Type, "created").Inc()
	r.logger.Debug("任务已投递",
		zap.Uint("job_id", job.ID),
		zap.String("job_type", job.JobType),
		zap.Time("scheduled_at", job.ScheduledAt),
	)
	return job, nil
}

// EnqueueUnique 投递带去重键的任务，已存在时返回 created=false
func (r *Runner) EnqueueUnique(ctx context.Context, n NewJob) (*Job, bool, error) {
	if n.DedupKey == "" {
		return nil, false, fmt.Errorf("EnqueueUnique 需要去重键")
	}
	job, err := r.Enqueue(ctx, n)
	if errors.Is(err, ErrDuplicate) {
		return job, false, nil
	}
	if err != nil {
		return nil, false, err
	}
	return job, true, nil
}

// DrainDue 回收超时任务后，按 scheduled_at 顺序分发至多 batchSize 个到期任务
// 到期列表按 now 确定；迭代时逐个领取并执行，claimed_at 取领取当刻的时钟，
// 被其他执行器抢先的任务不会产出
func (r *Runner) DrainDue(ctx context.Context, now time.Time, batchSize int) (iter.Seq[Outcome], error) {
	if err := r.RecoverStale(ctx, now); err != nil {
		r.logger.Warn("回收超时任务失败", zap.Error(err))
	}

	due, err := r.store.ListDue(ctx, now, batchSize)
	if err != nil {
		return nil, err
	}

	return func(yield func(Outcome) bool) {
		for i := range due {
			if ctx.Err() != nil {
				return
			}
			job := due[i]
			token := uuid.NewString()
			claimedAt := r.clock.Now()
			ok, err := r.store.Claim(ctx, job.ID, token, r.opts.WorkerID, now, claimedAt)
			if err != nil {
				r.logger.Warn("领取任务失败", zap.Uint("job_id", job.ID), zap.Error(err))
				continue
			}
			if !ok {
				metrics.JobClaimConflictsTotal.WithLabelValues(job.JobType).Inc()
				continue
			}
			job.Status = StatusProcessing
			job.Attempts++
			job.ClaimToken = token
			job.ClaimedBy = r.opts.WorkerID
			job.ClaimedAt = &claimedAt

			if !yield(r.dispatch(ctx, &job)) {
				return
			}
		}
	}, nil
}

// RunOnce 执行一轮并收集结果
func (r *Runner) RunOnce(ctx context.Context, batchSize int) ([]Outcome, error) {
	seq, err := r.DrainDue(ctx, r.clock.Now(), batchSize)
	if err != nil {
		return nil, err
	}
	var out []Outcome
	for o := range seq {
		out = append(out, o)
	}
	return out, nil
}

func (r *Runner) dispatch(ctx context.Context, job *Job) Outcome {
	log := r.logger.With(
		zap.Uint("job_id", job.ID),
		zap.String("job_type", job.JobType),
		zap.Int("attempt", job.Attempts),
	)
	start := time.Now()

	var (
		next *NewJob
		err  error
	)
	if h, ok := r.handler(job.JobType); ok {
		next, err = r.invoke(ctx, h, job)
	} else {
		err = Permanent(fmt.Errorf("%w: %s", ErrNoHandler, job.JobType))
	}
	metrics.JobDuration.WithLabelValues(job.JobType).Observe(time.Since(start).Seconds())

	// 关停时仍需写回状态
	writeCtx := context.WithoutCancel(ctx)
	now := r.clock.Now()
	out := Outcome{JobID: job.ID, JobType: job.JobType, Attempt: job.Attempts, Err: err}

	if err == nil {
		var successor *Job
		if next != nil {
			successor, err = NewRecord(*next, now, r.opts.DefaultMaxAttempts)
			if err != nil {
				err = Permanent(fmt.Errorf("构造后继任务失败: %w", err))
				out.Err = err
			}
		}
		if err == nil {
			if werr := r.store.Complete(writeCtx, job, now, successor); werr != nil {
				return r.writeFailed(log, out, werr)
			}
			out.Result = ResultCompleted
			if successor != nil {
				out.NextRunAt = &successor.ScheduledAt
			}
			metrics.JobsProcessedTotal.WithLabelValues(job.JobType, string(ResultCompleted)).Inc()
			log.Info("任务执行完成", zap.Duration("elapsed", time.Since(start)))
			return out
		}
	}

	if errors.Is(err, ErrInterrupted) {
		return r.release(writeCtx, log, job, out, now)
	}
	return r.settleFailure(writeCtx, log, job, out, err, now)
}

// release 关停中断的任务回到 pending，保留原有尝试次数
func (r *Runner) release(ctx context.Context, log *zap.Logger, job *Job, out Outcome, now time.Time) Outcome {
	if werr := r.store.Release(ctx, job, now); werr != nil {
		return r.writeFailed(log, out, werr)
	}
	out.Result = ResultReleased
	out.Attempt = job.Attempts - 1
	metrics.JobsProcessedTotal.WithLabelValues(job.JobType, string(ResultReleased)).Inc()
	log.Warn("执行器关停，任务已交还", zap.Error(out.Err))
	return out
}

// settleFailure 根据剩余次数决定重试或终止
func (r *Runner) settleFailure(ctx context.Context, log *zap.Logger, job *Job, out Outcome, cause error, now time.Time) Outcome {
	msg := cause.Error()
	if IsPermanent(cause) || job.Attempts >= job.MaxAttempts {
		if werr := r.store.Fail(ctx, job, msg, now); werr != nil {
			return r.writeFailed(log, out, werr)
		}
		out.Result = ResultFailed
		metrics.JobsProcessedTotal.WithLabelValues(job.JobType, string(ResultFailed)).Inc()
		log.Error("任务执行失败，不再重试",
			zap.Int("max_attempts", job.MaxAttempts),
			zap.Bool("permanent", IsPermanent(cause)),
			zap.Error(cause),
		)
		return out
	}

	nextAt := now.Add(r.opts.Backoff.Delay(job.Attempts))
	if werr := r.store.Retry(ctx, job, msg, nextAt, now); werr != nil {
		return r.writeFailed(log, out, werr)
	}
	out.Result = ResultRetried
	out.NextRunAt = &nextAt
	metrics.JobsProcessedTotal.WithLabelValues(job.JobType, string(ResultRetried)).Inc()
	log.Warn("任务执行失败，等待重试", zap.Time("next_run_at", nextAt), zap.Error(cause))
	return out
}

func (r *Runner) writeFailed(log *zap.Logger, out Outcome, werr error) Outcome {
	if errors.Is(werr, ErrClaimLost) {
		out.Result = ResultClaimLost
		log.Warn("任务领取已被回收，放弃写回结果")
		return out
	}
	// 写回失败时任务保持 processing，由超时回收处理
	out.Result = ResultClaimLost
	if out.Err == nil {
		out.Err = werr
	}
	log.Error("写回任务状态失败", zap.Error(werr))
	return out
}

// invoke 在超时限制内执行处理函数
// 超时记为失败；ctx 被取消（关停）时等待处理函数在剩余超时内返回，
// 返回错误或仍未结束都视为中断
func (r *Runner) invoke(ctx context.Context, h Handler, job *Job) (*NewJob, error) {
	hctx, cancel := context.WithTimeout(ctx, r.opts.HandlerTimeout)
	defer cancel()
	deadline, _ := hctx.Deadline()

	type result struct {
		next *NewJob
		err  error
	}
	done := make(chan result, 1)
	go func() {
		defer func() {
			if p := recover(); p != nil {
				done <- result{err: fmt.Errorf("任务处理 panic: %v", p)}
			}
		}()
		next, err := h(hctx, job)
		done <- result{next: next, err: err}
	}()

	select {
	case res := <-done:
		if res.err != nil && ctx.Err() != nil {
			return nil, fmt.Errorf("%w: %v", ErrInterrupted, res.err)
		}
		return res.next, res.err
	case <-hctx.Done():
	}

	if ctx.Err() == nil && errors.Is(hctx.Err(), context.DeadlineExceeded) {
		return nil, fmt.Errorf("%w: %v", ErrHandlerTimeout, hctx.Err())
	}

	wait := time.NewTimer(time.Until(deadline))
	defer wait.Stop()
	select {
	case res := <-done:
		if res.err != nil {
			return nil, fmt.Errorf("%w: %v", ErrInterrupted, res.err)
		}
		return res.next, nil
	case <-wait.C:
		return nil, fmt.Errorf("%w: 处理函数未在超时前退出", ErrInterrupted)
	}
}

// RecoverStale 把领取超过 StaleAfter 仍未结束的任务视为一次失败
func (r *Runner) RecoverStale(ctx context.Context, now time.Time) error {
	if r.opts.StaleAfter <= 0 {
		return nil
	}
	stale, err := r.store.ListStale(ctx, now.Add(-r.opts.StaleAfter), 100)
	if err != nil {
		return err
	}
	for i := range stale {
		job := &stale[i]
		log := r.logger.With(
			zap.Uint("job_id", job.ID),
			zap.String("job_type", job.JobType),
			zap.String("claimed_by", job.ClaimedBy),
		)
		cause := fmt.Errorf("%w: 领取后 %s 未完成", ErrHandlerTimeout, r.opts.StaleAfter)
		out := r.settleFailure(ctx, log, job, Outcome{JobID: job.ID, JobType: job.JobType, Attempt: job.Attempts}, cause, now)
		if out.Result != ResultClaimLost {
			metrics.StaleJobsRecoveredTotal.Inc()
		}
	}
	return nil
}

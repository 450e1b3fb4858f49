package worker

import (
	"context"
	"errors"
	"sync"
	"time"

	"maintflow/internal/config"
	"maintflow/internal/jobs"
	"maintflow/internal/worker/handlers"
	"maintflow/internal/worker/tasks"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

// Handlers 注册到执行器的全部任务处理器
type Handlers struct {
	Escalation   *handlers.EscalationHandler
	Pm           *handlers.PmHandler
	Notification *handlers.NotificationHandler
}

// Register 按任务类型注册处理器
func (h Handlers) Register(r *jobs.Runner) {
	r.Register(tasks.TypeEscalationCheck, h.Escalation.HandleEscalationCheck)
	r.Register(tasks.TypePmGeneration, h.Pm.HandlePmGeneration)
	r.Register(tasks.TypeNotificationSend, h.Notification.HandleNotificationSend)
}

// Server 运行若干并发的轮询循环，每个循环独立领取到期任务
type Server struct {
	runner       *jobs.Runner
	concurrency  int
	batchSize    int
	pollInterval time.Duration
	logger       *zap.Logger

	mu     sync.Mutex
	cancel context.CancelFunc
	done   chan error
}

func NewServer(runner *jobs.Runner, cfg config.WorkerConfig, logger *zap.Logger) *Server {
	s := &Server{
		runner:       runner,
		concurrency:  cfg.Concurrency,
		batchSize:    cfg.BatchSize,
		pollInterval: cfg.PollInterval,
		logger:       logger,
	}
	if s.concurrency <= 0 {
		s.concurrency = 1
	}
	if s.batchSize <= 0 {
		s.batchSize = 20
	}
	if s.pollInterval <= 0 {
		s.pollInterval = 2 * time.Second
	}
	return s
}

// Run 阻塞运行，直到 ctx 取消
func (s *Server) Run(ctx context.Context) error {
	s.logger.Info("Worker 服务器启动中...",
		zap.Int("concurrency", s.concurrency),
		zap.Int("batch_size", s.batchSize),
		zap.Duration("poll_interval", s.pollInterval),
	)

	g, gctx := errgroup.WithContext(ctx)
	for i := 0; i < s.concurrency; i++ {
		g.Go(func() error {
			return s.loop(gctx, i)
		})
	}
	err := g.Wait()
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}

// Start 非阻塞启动
func (s *Server) Start(ctx context.Context) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.cancel != nil {
		return
	}
	ctx, s.cancel = context.WithCancel(ctx)
	s.done = make(chan error, 1)
	go func() { s.done <- s.Run(ctx) }()
}

// Shutdown 停止轮询并等待进行中的任务结束
func (s *Server) Shutdown() {
	s.mu.Lock()
	cancel, done := s.cancel, s.done
	s.cancel = nil
	s.mu.Unlock()
	if cancel == nil {
		return
	}

	s.logger.Info("Worker 服务器停止中...")
	cancel()
	if err := <-done; err != nil {
		s.logger.Error("Worker 服务器异常退出", zap.Error(err))
	}
}

func (s *Server) loop(ctx context.Context, id int) error {
	log := s.logger.With(zap.Int("loop", id))
	ticker := time.NewTicker(s.pollInterval)
	defer ticker.Stop()

	for {
		// 整批取满说明可能还有积压，立即再取一轮
		for {
			outcomes, err := s.runner.RunOnce(ctx, s.batchSize)
			if err != nil {
				if ctx.Err() != nil {
					return ctx.Err()
				}
				log.Error("拉取到期任务失败", zap.Error(err))
				break
			}
			if len(outcomes) < s.batchSize {
				break
			}
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
	}
}

package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"runtime"
	"syscall"
	"time"

	"maintflow/api"
	"maintflow/api/handlers/engine"
	"maintflow/internal/admin"
	"maintflow/internal/common"
	"maintflow/internal/config"
	"maintflow/internal/escalation"
	"maintflow/internal/infra"
	"maintflow/internal/jobs"
	"maintflow/internal/logger"
	"maintflow/internal/maintenance"
	"maintflow/internal/metrics"
	"maintflow/internal/pm"
	"maintflow/internal/scheduler"
	"maintflow/internal/worker"
	"maintflow/internal/worker/handlers"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
	gormLogger "gorm.io/gorm/logger"
)

var version = "dev"

func main() {
	// 0. 统一加载 .env，便于集中管理 APP_* 环境变量
	config.LoadEnvFile()
	env := config.Env()

	// 1. 加载配置
	cfg, err := config.Load(env, os.Getenv("APP_CONFIG_FILE"))
	if err != nil {
		fmt.Printf("加载配置失败: %v\n", err)
		os.Exit(1)
	}

	// 2. 初始化日志
	if err := logger.Init(cfg.Log.Level, cfg.Log.Format, cfg.Log.OutputPath); err != nil {
		fmt.Printf("初始化日志失败: %v\n", err)
		os.Exit(1)
	}
	defer logger.Sync()

	metrics.RecordBuildInfo(version, runtime.Version())
	logger.Info("应用启动中...",
		zap.String("env", env),
		zap.String("version", version),
		zap.String("mode", cfg.Server.Mode),
	)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// 3. 初始化数据库
	db, err := infra.OpenDatabase(&cfg.Database, gormLevel(cfg.Log.Level))
	if err != nil {
		logger.Fatal("初始化数据库失败", zap.Error(err))
	}
	defer func() {
		if err := infra.CloseDatabase(db); err != nil {
			logger.Error("数据库关闭异常", zap.Error(err))
		}
	}()

	// 4. 执行数据库迁移（根据配置）
	if cfg.Database.AutoMigrate {
		models := append(maintenance.Models(), &jobs.Job{})
		if err := infra.AutoMigrate(db, models...); err != nil {
			logger.Fatal("数据库迁移失败", zap.Error(err))
		}
	} else {
		logger.Info("跳过自动迁移（配置已禁用）")
	}

	// 5. Redis（通知投递与调度锁）
	var rdb redis.UniversalClient
	if cfg.Redis.Enabled {
		rdb, err = infra.OpenRedis(ctx, &cfg.Redis)
		if err != nil {
			logger.Fatal("初始化 Redis 失败", zap.Error(err))
		}
		defer rdb.Close()
	}

	// 6. 通知出口
	sink, closeSink, err := newSink(cfg)
	if err != nil {
		logger.Fatal("初始化通知出口失败", zap.Error(err))
	}
	defer closeSink()

	// 7. 任务执行器与处理器
	clock := common.SystemClock{}
	repo := maintenance.NewRepository(db)
	store := jobs.NewGormStore(db)
	runner := jobs.NewRunner(store,
		jobs.WithClock(clock),
		jobs.WithOptions(runnerOptions(cfg.Worker)),
		jobs.WithLogger(logger.Named("jobs")),
	)

	evaluator := escalation.NewEvaluator(repo, store,
		escalation.WithPageSize(cfg.Escalation.PageSize),
		escalation.WithNotificationMaxAttempts(cfg.Worker.MaxAttempts),
	)
	generator := pm.NewGenerator(repo)
	worker.Handlers{
		Escalation:   handlers.NewEscalationHandler(evaluator, clock, logger.Named("escalation")),
		Pm:           handlers.NewPmHandler(generator, clock, logger.Named("pm")),
		Notification: handlers.NewNotificationHandler(sink, logger.Named("notification")),
	}.Register(runner)

	workerServer := worker.NewServer(runner, cfg.Worker, logger.Named("worker"))
	if cfg.Worker.Enabled {
		workerServer.Start(ctx)
	}

	// 8. 调度器
	var schedOpts []scheduler.Option
	if cfg.Scheduler.TickLock {
		schedOpts = append(schedOpts, scheduler.WithLocker(scheduler.NewRedisLocker(rdb)))
	}
	orchestrator := scheduler.NewOrchestrator(repo, runner, cfg.Scheduler.Interval, schedOpts...)
	if cfg.Scheduler.Enabled {
		if err := orchestrator.Start(ctx); err != nil {
			logger.Fatal("调度器启动失败", zap.Error(err))
		}
	}

	// 9. HTTP 管理接口
	router := api.NewRouter(cfg.Server.Mode)
	api.RegisterRoutes(router, db, rdb, &api.Handlers{
		Engine: engine.NewHandler(admin.NewService(runner, repo, logger.Named("admin"))),
	})
	server := &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.Server.Port),
		Handler:      router,
		ReadTimeout:  time.Duration(cfg.Server.ReadTimeout) * time.Second,
		WriteTimeout: time.Duration(cfg.Server.WriteTimeout) * time.Second,
	}
	go func() {
		logger.Info("HTTP 服务器启动", zap.Int("port", cfg.Server.Port))
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Fatal("HTTP 服务器启动失败", zap.Error(err))
		}
	}()

	// 10. 优雅关闭
	<-ctx.Done()
	gracefulShutdown(server, orchestrator, workerServer)
}

func runnerOptions(w config.WorkerConfig) jobs.Options {
	opts := jobs.DefaultOptions()
	if w.MaxAttempts > 0 {
		opts.DefaultMaxAttempts = w.MaxAttempts
	}
	if w.BackoffBase > 0 {
		opts.Backoff = jobs.Backoff{Base: w.BackoffBase, Max: w.BackoffMax}
	}
	if w.HandlerTimeout > 0 {
		opts.HandlerTimeout = w.HandlerTimeout
	}
	if w.StaleAfter > 0 {
		opts.StaleAfter = w.StaleAfter
	}
	return opts
}

func gormLevel(level string) gormLogger.LogLevel {
	switch level {
	case "debug":
		return gormLogger.Info
	case "error":
		return gormLogger.Error
	default:
		return gormLogger.Warn
	}
}

// gracefulShutdown 依次停止 HTTP、调度器与 Worker
func gracefulShutdown(server *http.Server, orchestrator *scheduler.Orchestrator, workerServer *worker.Server) {
	logger.Info("正在关闭服务器...")

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := server.Shutdown(ctx); err != nil {
		logger.Error("服务器关闭异常", zap.Error(err))
	}

	orchestrator.Stop()
	workerServer.Shutdown()

	logger.Info("服务器已安全关闭")
}

package main

import (
	"context"
	"flag"
	"fmt"
	"os"

	"maintflow/internal/config"
	"maintflow/internal/infra"
	"maintflow/internal/jobs"
	"maintflow/internal/logger"
	"maintflow/internal/maintenance"

	"go.uber.org/zap"
	gormLogger "gorm.io/gorm/logger"
)

func main() {
	file := flag.String("file", "config/seed.example.yaml", "初始化数据文件 (YAML)")
	migrate := flag.Bool("migrate", true, "导入前执行数据库迁移")
	flag.Parse()

	config.LoadEnvFile()
	cfg, err := config.Load(config.Env(), os.Getenv("APP_CONFIG_FILE"))
	if err != nil {
		fmt.Printf("加载配置失败: %v\n", err)
		os.Exit(1)
	}
	if err := logger.Init(cfg.Log.Level, cfg.Log.Format, cfg.Log.OutputPath); err != nil {
		fmt.Printf("初始化日志失败: %v\n", err)
		os.Exit(1)
	}
	defer logger.Sync()

	db, err := infra.OpenDatabase(&cfg.Database, gormLogger.Warn)
	if err != nil {
		logger.Fatal("初始化数据库失败", zap.Error(err))
	}
	defer infra.CloseDatabase(db)

	if *migrate {
		if err := infra.AutoMigrate(db, append(maintenance.Models(), &jobs.Job{})...); err != nil {
			logger.Fatal("数据库迁移失败", zap.Error(err))
		}
	}

	f, err := os.Open(*file)
	if err != nil {
		logger.Fatal("打开初始化数据文件失败", zap.String("file", *file), zap.Error(err))
	}
	defer f.Close()

	seed, err := maintenance.ParseSeed(f)
	if err != nil {
		logger.Fatal("解析初始化数据失败", zap.Error(err))
	}

	sum, err := seed.Apply(context.Background(), maintenance.NewRepository(db))
	if err != nil {
		logger.Fatal("导入初始化数据失败", zap.Error(err))
	}
	logger.Info("初始化数据导入完成",
		zap.String("file", *file),
		zap.Int("warehouses", sum.Warehouses),
		zap.Int("templates", sum.Templates),
		zap.Int("rules", sum.Rules),
	)
}

package infra

import (
	"context"
	"errors"
	"time"

	"maintflow/internal/logger"

	"go.uber.org/zap"
	"gorm.io/gorm"
	gormLogger "gorm.io/gorm/logger"
)

// GormZapLogger 把 GORM 日志写入 zap
type GormZapLogger struct {
	zl            *zap.Logger
	level         gormLogger.LogLevel
	slowThreshold time.Duration
}

// NewGormZapLogger 创建 GORM 日志适配器
func NewGormZapLogger(zl *zap.Logger, level gormLogger.LogLevel, slow time.Duration) *GormZapLogger {
	return &GormZapLogger{zl: zl, level: level, slowThreshold: slow}
}

func (l *GormZapLogger) LogMode(level gormLogger.LogLevel) gormLogger.Interface {
	cp := *l
	cp.level = level
	return &cp
}

func (l *GormZapLogger) Info(ctx context.Context, msg string, data ...any) {
	if l.level >= gormLogger.Info {
		l.with(ctx).Sugar().Infof(msg, data...)
	}
}

func (l *GormZapLogger) Warn(ctx context.Context, msg string, data ...any) {
	if l.level >= gormLogger.Warn {
		l.with(ctx).Sugar().Warnf(msg, data...)
	}
}

func (l *GormZapLogger) Error(ctx context.Context, msg string, data ...any) {
	if l.level >= gormLogger.Error {
		l.with(ctx).Sugar().Errorf(msg, data...)
	}
}

// Trace 记录 SQL 执行；未找到记录与唯一键冲突属于业务分支，不按错误输出
func (l *GormZapLogger) Trace(ctx context.Context, begin time.Time, fc func() (string, int64), err error) {
	if l.level <= gormLogger.Silent {
		return
	}

	elapsed := time.Since(begin)
	sql, rows := fc()
	fields := []zap.Field{
		zap.Duration("elapsed", elapsed),
		zap.String("sql", sql),
		zap.Int64("rows", rows),
	}
	zl := l.with(ctx)

	switch {
	case err != nil && !errors.Is(err, gorm.ErrRecordNotFound) && !errors.Is(err, gorm.ErrDuplicatedKey):
		if l.level >= gormLogger.Error {
			zl.Error("SQL 执行错误", append(fields, zap.Error(err))...)
		}
	case l.slowThreshold > 0 && elapsed > l.slowThreshold && l.level >= gormLogger.Warn:
		zl.Warn("SQL 慢查询", fields...)
	case l.level >= gormLogger.Info:
		zl.Debug("SQL 执行", fields...)
	}
}

func (l *GormZapLogger) with(ctx context.Context) *zap.Logger {
	if ctx == nil {
		return l.zl
	}
	if traceID := logger.GetTraceID(ctx); traceID != "" {
		return l.zl.With(zap.String("trace_id", traceID))
	}
	return l.zl
}

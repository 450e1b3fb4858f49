package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config 应用配置结构
type Config struct {
	Server       ServerConfig       `mapstructure:"server"`
	Database     DatabaseConfig     `mapstructure:"database"`
	Redis        RedisConfig        `mapstructure:"redis"`
	Log          LogConfig          `mapstructure:"log"`
	Scheduler    SchedulerConfig    `mapstructure:"scheduler"`
	Worker       WorkerConfig       `mapstructure:"worker"`
	Escalation   EscalationConfig   `mapstructure:"escalation"`
	Notification NotificationConfig `mapstructure:"notification"`
}

// ServerConfig HTTP 服务器配置
type ServerConfig struct {
	Port         int    `mapstructure:"port"`
	Mode         string `mapstructure:"mode"` // debug, release, test
	ReadTimeout  int    `mapstructure:"read_timeout"`
	WriteTimeout int    `mapstructure:"write_timeout"`
}

// DatabaseConfig 数据库配置
type DatabaseConfig struct {
	Driver          string `mapstructure:"driver"` // postgres, sqlite
	Host            string `mapstructure:"host"`
	Port            int    `mapstructure:"port"`
	User            string `mapstructure:"user"`
	Password        string `mapstructure:"password"`
	DBName          string `mapstructure:"dbname"`
	SSLMode         string `mapstructure:"sslmode"`
	SQLitePath      string `mapstructure:"sqlite_path"`
	MaxOpenConns    int    `mapstructure:"max_open_conns"`
	MaxIdleConns    int    `mapstructure:"max_idle_conns"`
	ConnMaxLifetime int    `mapstructure:"conn_max_lifetime"` // 秒
	AutoMigrate     bool   `mapstructure:"auto_migrate"`
	SlowThreshold   int    `mapstructure:"slow_threshold_ms"`
}

// RedisConfig Redis 配置，Enabled=false 时不建立连接
type RedisConfig struct {
	Enabled bool `mapstructure:"enabled"`
	// standalone, sentinel, cluster
	Mode string `mapstructure:"mode"`

	Host     string `mapstructure:"host"`
	Port     int    `mapstructure:"port"`
	Password string `mapstructure:"password"`
	DB       int    `mapstructure:"db"`

	MasterName       string   `mapstructure:"master_name"`
	SentinelAddrs    []string `mapstructure:"sentinel_addrs"`
	SentinelPassword string   `mapstructure:"sentinel_password"`

	ClusterAddrs []string `mapstructure:"cluster_addrs"`

	PoolSize     int `mapstructure:"pool_size"`
	MinIdleConns int `mapstructure:"min_idle_conns"`
}

// Addr 单节点地址
func (r *RedisConfig) Addr() string {
	return fmt.Sprintf("%s:%d", r.Host, r.Port)
}

// LogConfig 日志配置
type LogConfig struct {
	Level      string `mapstructure:"level"`       // debug, info, warn, error
	Format     string `mapstructure:"format"`      // json, console
	OutputPath string `mapstructure:"output_path"` // stdout, stderr, /path/to/log
}

// SchedulerConfig 调度器配置
type SchedulerConfig struct {
	Enabled  bool          `mapstructure:"enabled"`
	Interval time.Duration `mapstructure:"interval"`  // 扫描任务投递周期
	TickLock bool          `mapstructure:"tick_lock"` // 多实例时使用 Redis 锁避免重复引导
}

// WorkerConfig 任务执行器配置
type WorkerConfig struct {
	Enabled        bool          `mapstructure:"enabled"`
	Concurrency    int           `mapstructure:"concurrency"`
	BatchSize      int           `mapstructure:"batch_size"`
	PollInterval   time.Duration `mapstructure:"poll_interval"`
	HandlerTimeout time.Duration `mapstructure:"handler_timeout"`
	StaleAfter     time.Duration `mapstructure:"stale_after"`
	MaxAttempts    int           `mapstructure:"max_attempts"`
	BackoffBase    time.Duration `mapstructure:"backoff_base"`
	BackoffMax     time.Duration `mapstructure:"backoff_max"`
}

// EscalationConfig 升级扫描配置
type EscalationConfig struct {
	PageSize int `mapstructure:"page_size"`
}

// NotificationConfig 通知投递配置
type NotificationConfig struct {
	Driver   string `mapstructure:"driver"` // asynq, amqp, log
	Queue    string `mapstructure:"queue"`  // asynq 队列名
	AMQPURL  string `mapstructure:"amqp_url"`
	Exchange string `mapstructure:"exchange"`
}

var globalConfig *Config

func setDefaults(v *viper.Viper) {
	v.SetDefault("server.port", 8080)
	v.SetDefault("server.mode", "release")
	v.SetDefault("server.read_timeout", 15)
	v.SetDefault("server.write_timeout", 15)

	v.SetDefault("database.driver", "postgres")
	v.SetDefault("database.sslmode", "disable")
	v.SetDefault("database.sqlite_path", "maintflow.db")
	v.SetDefault("database.max_open_conns", 20)
	v.SetDefault("database.max_idle_conns", 5)
	v.SetDefault("database.conn_max_lifetime", 300)
	v.SetDefault("database.auto_migrate", true)
	v.SetDefault("database.slow_threshold_ms", 200)

	v.SetDefault("redis.mode", "standalone")
	v.SetDefault("redis.port", 6379)
	v.SetDefault("redis.pool_size", 10)

	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "json")
	v.SetDefault("log.output_path", "stdout")

	v.SetDefault("scheduler.enabled", true)
	v.SetDefault("scheduler.interval", "5m")

	v.SetDefault("worker.enabled", true)
	v.SetDefault("worker.concurrency", 2)
	v.SetDefault("worker.batch_size", 20)
	v.SetDefault("worker.poll_interval", "2s")
	v.SetDefault("worker.handler_timeout", "2m")
	v.SetDefault("worker.stale_after", "10m")
	v.SetDefault("worker.max_attempts", 5)
	v.SetDefault("worker.backoff_base", "10s")
	v.SetDefault("worker.backoff_max", "1h")

	v.SetDefault("escalation.page_size", 500)

	v.SetDefault("notification.driver", "log")
	v.SetDefault("notification.queue", "notifications")
	v.SetDefault("notification.exchange", "maintflow.notifications")
}

// Load 加载配置
// env: 环境名称（dev, prod, test）
// configPath: 配置文件路径（可选）
func Load(env string, configPath string) (*Config, error) {
	v := viper.New()
	setDefaults(v)

	if configPath == "" {
		v.SetConfigName(env)
		v.AddConfigPath("./config")
		v.AddConfigPath("../config")
		v.AddConfigPath("../../config")
	} else {
		v.SetConfigFile(configPath)
	}
	v.SetConfigType("yaml")

	// 环境变量优先级高于配置文件：APP_DATABASE_HOST
	v.SetEnvPrefix("APP")
	v.AutomaticEnv()
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))

	if err := v.ReadInConfig(); err != nil {
		return nil, fmt.Errorf("读取配置文件失败: %w", err)
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("解析配置失败: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	globalConfig = &cfg
	return &cfg, nil
}

// Validate 校验配置取值
func (c *Config) Validate() error {
	switch c.Database.Driver {
	case "postgres", "sqlite":
	default:
		return fmt.Errorf("不支持的数据库驱动: %s", c.Database.Driver)
	}
	switch c.Notification.Driver {
	case "asynq", "amqp", "log":
	default:
		return fmt.Errorf("不支持的通知驱动: %s", c.Notification.Driver)
	}
	if c.Notification.Driver == "asynq" && !c.Redis.Enabled {
		return fmt.Errorf("notification.driver=asynq 需要启用 redis")
	}
	if c.Scheduler.TickLock && !c.Redis.Enabled {
		return fmt.Errorf("scheduler.tick_lock 需要启用 redis")
	}
	if c.Worker.Concurrency <= 0 || c.Worker.BatchSize <= 0 || c.Worker.MaxAttempts <= 0 {
		return fmt.Errorf("worker.concurrency/batch_size/max_attempts 必须大于 0")
	}
	if c.Scheduler.Interval <= 0 {
		return fmt.Errorf("scheduler.interval 必须大于 0")
	}
	return nil
}

// Get 获取全局配置
func Get() *Config {
	if globalConfig == nil {
		panic("配置未初始化，请先调用 Load()")
	}
	return globalConfig
}

// GetDSN 获取数据库连接字符串
func (c *DatabaseConfig) GetDSN() string {
	if c.Driver == "sqlite" {
		return c.SQLitePath
	}
	return fmt.Sprintf(
		"host=%s port=%d user=%s password=%s dbname=%s sslmode=%s TimeZone=UTC",
		c.Host, c.Port, c.User, c.Password, c.DBName, c.SSLMode,
	)
}

package config

import (
	"fmt"
	"os"
	"strconv"
	"time"
)

// 评估触发模式
const (
	EvaluationModePoll   = "poll"   // 轮询模式：定期从存储拉取最新读数
	EvaluationModeStream = "stream" // 流模式：逐条消费 Redis Stream 中的读数
)

// DatabaseConfig 数据库配置
type DatabaseConfig struct {
	Host     string
	Port     int
	User     string
	Password string
	Database string
	SSLMode  string
	MaxConns int
	MaxIdle  int
}

// GetDSN 获取数据库连接字符串
func (c *DatabaseConfig) GetDSN() string {
	return fmt.Sprintf("host=%s port=%d user=%s password=%s dbname=%s sslmode=%s",
		c.Host, c.Port, c.User, c.Password, c.Database, c.SSLMode)
}

// RedisConfig Redis配置
type RedisConfig struct {
	Addr     string
	Password string
	DB       int
}

// Config 报警引擎与数据保留服务配置
type Config struct {
	Database DatabaseConfig
	Redis    RedisConfig

	// 报警评估配置
	Alert struct {
		EvaluationMode string        // poll 或 stream
		PollInterval   time.Duration // 轮询间隔
		RetryLimit     int           // 报警持久化重试次数上限
		RetryBackoff   time.Duration // 重试间隔（固定退避）
		AutoResolve    bool          // 值恢复正常时是否自动解除未确认报警
	}

	// 阈值规则缓存配置
	Registry struct {
		RefreshInterval     time.Duration // 快照刷新间隔
		InvalidationChannel string        // 规则变更通知频道
	}

	// 数据保留配置
	Retention struct {
		SweepInterval time.Duration // 清理周期
		BatchSize     int           // 单批删除行数上限
		SweepBudget   time.Duration // 单次清理的时间预算
	}

	// 读数流配置（stream 模式）
	Stream struct {
		Name      string // Redis Stream 名称
		Group     string // 消费者组
		Consumer  string // 消费者名称
		BatchSize int64  // 单次读取消息数
	}

	StoreTimeout time.Duration // 存储调用超时

	// 指标端点配置
	Metrics struct {
		Addr string // Prometheus 抓取端点监听地址
	}

	Log struct {
		Level  string
		Format string
	}
}

// Load 加载配置（环境变量覆盖默认值）
func Load() (*Config, error) {
	cfg := &Config{}

	cfg.Database.Host = getEnv("DB_HOST", "localhost")
	cfg.Database.Port = getEnvInt("DB_PORT", 5432)
	cfg.Database.User = getEnv("DB_USER", "postgres")
	cfg.Database.Password = getEnv("DB_PASSWORD", "postgres")
	cfg.Database.Database = getEnv("DB_NAME", "biomonitor")
	cfg.Database.SSLMode = getEnv("DB_SSLMODE", "disable")
	cfg.Database.MaxConns = getEnvInt("DB_MAX_CONNS", 10)
	cfg.Database.MaxIdle = getEnvInt("DB_MAX_IDLE", 5)

	cfg.Redis.Addr = getEnv("REDIS_ADDR", "localhost:6379")
	cfg.Redis.Password = getEnv("REDIS_PASSWORD", "")
	cfg.Redis.DB = getEnvInt("REDIS_DB", 0)

	cfg.Alert.EvaluationMode = getEnv("ALERT_EVALUATION_MODE", EvaluationModePoll)
	if cfg.Alert.EvaluationMode != EvaluationModePoll && cfg.Alert.EvaluationMode != EvaluationModeStream {
		return nil, fmt.Errorf("invalid ALERT_EVALUATION_MODE: %s (must be poll or stream)", cfg.Alert.EvaluationMode)
	}
	cfg.Alert.PollInterval = getEnvDuration("ALERT_POLL_INTERVAL", 5*time.Second)
	cfg.Alert.RetryLimit = getEnvInt("ALERT_RETRY_LIMIT", 3)
	cfg.Alert.RetryBackoff = getEnvDuration("ALERT_RETRY_BACKOFF", 500*time.Millisecond)
	cfg.Alert.AutoResolve = getEnvBool("ALERT_AUTO_RESOLVE", false)

	cfg.Registry.RefreshInterval = getEnvDuration("REGISTRY_REFRESH_INTERVAL", 30*time.Second)
	cfg.Registry.InvalidationChannel = getEnv("REGISTRY_INVALIDATION_CHANNEL", "biomonitor:setpoints:changed")

	cfg.Retention.SweepInterval = getEnvDuration("RETENTION_SWEEP_INTERVAL", time.Hour)
	cfg.Retention.BatchSize = getEnvInt("RETENTION_BATCH_SIZE", 500)
	cfg.Retention.SweepBudget = getEnvDuration("RETENTION_SWEEP_BUDGET", 5*time.Minute)

	cfg.Stream.Name = getEnv("READING_STREAM", "biomonitor:readings")
	cfg.Stream.Group = getEnv("READING_STREAM_GROUP", "biomonitor-core")
	cfg.Stream.Consumer = getEnv("READING_STREAM_CONSUMER", "biomonitor-core-1")
	cfg.Stream.BatchSize = int64(getEnvInt("READING_STREAM_BATCH", 10))

	cfg.StoreTimeout = getEnvDuration("STORE_TIMEOUT", 5*time.Second)

	cfg.Metrics.Addr = getEnv("METRICS_ADDR", ":9090")

	cfg.Log.Level = getEnv("LOG_LEVEL", "info")
	cfg.Log.Format = getEnv("LOG_FORMAT", "json")

	return cfg, nil
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if n, err := strconv.Atoi(value); err == nil {
			return n
		}
	}
	return defaultValue
}

func getEnvBool(key string, defaultValue bool) bool {
	if value := os.Getenv(key); value != "" {
		if b, err := strconv.ParseBool(value); err == nil {
			return b
		}
	}
	return defaultValue
}

func getEnvDuration(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if d, err := time.ParseDuration(value); err == nil {
			return d
		}
	}
	return defaultValue
}

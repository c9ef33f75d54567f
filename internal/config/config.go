package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

// プッシュ送信トランスポートの種類。
const (
	PushTransportFCM     = "fcm"
	PushTransportWebhook = "webhook"
	PushTransportRedis   = "redis"
)

// Config はアプリケーション全体の設定を保持する。
// 環境変数から起動時に1回読み込み、イミュータブルとして扱う。
type Config struct {
	// Database
	DatabaseURL       string
	DBMaxOpenConns    int
	DBMaxIdleConns    int
	DBConnMaxLifetime time.Duration

	// Redis
	RedisURL      string
	TodayCacheTTL time.Duration

	// Dispatch
	DispatchInterval       time.Duration
	DispatchBatchSize      int
	DispatchMaxConcurrent  int
	DispatchMaxRetries     int
	DispatchRetryBaseDelay time.Duration
	TransportTimeout       time.Duration

	// Push
	PushTransport      string
	PushTitle          string
	PushRateLimit      float64
	FCMProjectID       string
	FCMCredentialsFile string // サービスアカウントキーのファイルパス
	FCMCredentialsJSON string // サービスアカウントキーのJSON（ファイルより優先）
	FCMEndpoint        string
	PushWebhookURL     string
	PushRedisQueue     string

	// Cleanup
	CleanupInterval time.Duration

	// Rate Limit
	RateLimitGeneral int

	// Logging
	LogLevel string

	// Server
	ServerPort string
	// WorkerMetricsPort はワーカーが/metricsを公開するポート。空の場合は公開しない。
	WorkerMetricsPort string
}

// Load は環境変数からConfigを読み込む。
// 必須環境変数が未設定の場合はエラーを返す。
func Load() (*Config, error) {
	cfg := &Config{}

	// Required fields
	var missing []string

	cfg.DatabaseURL = os.Getenv("DATABASE_URL")
	if cfg.DatabaseURL == "" {
		missing = append(missing, "DATABASE_URL")
	}

	if len(missing) > 0 {
		return nil, fmt.Errorf("required environment variables are not set: %v", missing)
	}

	// Optional fields with defaults
	cfg.DBMaxOpenConns = getEnvInt("DB_MAX_OPEN_CONNS", 20)
	cfg.DBMaxIdleConns = getEnvInt("DB_MAX_IDLE_CONNS", 5)
	cfg.DBConnMaxLifetime = getEnvDuration("DB_CONN_MAX_LIFETIME", 30*time.Minute)
	cfg.RedisURL = getEnvString("REDIS_URL", "")
	cfg.TodayCacheTTL = getEnvDuration("TODAY_CACHE_TTL", 10*time.Minute)
	cfg.DispatchInterval = getEnvDuration("DISPATCH_INTERVAL", time.Minute)
	cfg.DispatchBatchSize = getEnvInt("DISPATCH_BATCH_SIZE", 500)
	cfg.DispatchMaxConcurrent = getEnvInt("DISPATCH_MAX_CONCURRENT", 10)
	cfg.DispatchMaxRetries = getEnvInt("DISPATCH_MAX_RETRIES", 3)
	cfg.DispatchRetryBaseDelay = getEnvDuration("DISPATCH_RETRY_BASE_DELAY", time.Minute)
	cfg.TransportTimeout = getEnvDuration("TRANSPORT_TIMEOUT", 5*time.Second)
	cfg.PushTransport = strings.ToLower(getEnvString("PUSH_TRANSPORT", PushTransportFCM))
	cfg.PushTitle = getEnvString("PUSH_TITLE", "")
	cfg.PushRateLimit = getEnvFloat("PUSH_RATE_LIMIT", 0)
	cfg.FCMProjectID = getEnvString("FCM_PROJECT_ID", "")
	cfg.FCMCredentialsFile = getEnvString("FCM_CREDENTIALS_FILE", "")
	cfg.FCMCredentialsJSON = getEnvString("FCM_CREDENTIALS_JSON", "")
	cfg.FCMEndpoint = getEnvString("FCM_ENDPOINT", "https://fcm.googleapis.com")
	cfg.PushWebhookURL = getEnvString("PUSH_WEBHOOK_URL", "")
	cfg.PushRedisQueue = getEnvString("PUSH_REDIS_QUEUE", "quoteday:push")
	cfg.CleanupInterval = getEnvDuration("CLEANUP_INTERVAL", 24*time.Hour)
	cfg.RateLimitGeneral = getEnvInt("RATE_LIMIT_GENERAL", 120)
	cfg.LogLevel = strings.ToLower(getEnvString("LOG_LEVEL", "info"))
	cfg.ServerPort = getEnvString("SERVER_PORT", "8080")
	cfg.WorkerMetricsPort = os.Getenv("WORKER_METRICS_PORT")

	return cfg, nil
}

// ValidatePush はプッシュ送信トランスポートに必要な設定を検証する。
// 配信ワーカーの起動時にのみ呼び出す。
func (c *Config) ValidatePush() error {
	var missing []string
	switch c.PushTransport {
	case PushTransportFCM:
		if c.FCMProjectID == "" {
			missing = append(missing, "FCM_PROJECT_ID")
		}
		if c.FCMCredentialsFile == "" && c.FCMCredentialsJSON == "" {
			missing = append(missing, "FCM_CREDENTIALS_FILE or FCM_CREDENTIALS_JSON")
		}
	case PushTransportWebhook:
		if c.PushWebhookURL == "" {
			missing = append(missing, "PUSH_WEBHOOK_URL")
		}
	case PushTransportRedis:
		if c.RedisURL == "" {
			missing = append(missing, "REDIS_URL")
		}
	default:
		return fmt.Errorf("unknown PUSH_TRANSPORT: %q (allowed: fcm, webhook, redis)", c.PushTransport)
	}
	if len(missing) > 0 {
		return fmt.Errorf("required environment variables for PUSH_TRANSPORT=%s are not set: %v", c.PushTransport, missing)
	}
	return nil
}

func getEnvString(key, defaultVal string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return defaultVal
}

// getEnvInt は正の整数の環境変数を読み込む。未設定・不正・0以下の場合はデフォルト値を返す。
func getEnvInt(key string, defaultVal int) int {
	v := os.Getenv(key)
	if v == "" {
		return defaultVal
	}
	i, err := strconv.Atoi(v)
	if err != nil || i <= 0 {
		return defaultVal
	}
	return i
}

func getEnvFloat(key string, defaultVal float64) float64 {
	v := os.Getenv(key)
	if v == "" {
		return defaultVal
	}
	f, err := strconv.ParseFloat(v, 64)
	if err != nil {
		return defaultVal
	}
	return f
}

// getEnvDuration は正の期間の環境変数を読み込む。
func getEnvDuration(key string, defaultVal time.Duration) time.Duration {
	v := os.Getenv(key)
	if v == "" {
		return defaultVal
	}
	d, err := time.ParseDuration(v)
	if err != nil || d <= 0 {
		return defaultVal
	}
	return d
}

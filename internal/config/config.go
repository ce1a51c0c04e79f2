package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/mitchellh/mapstructure"
	"github.com/spf13/viper"
)

type HTTPConfig struct {
	Host         string
	Port         int
	ReadTimeout  time.Duration
	WriteTimeout time.Duration
	IdleTimeout  time.Duration
}

type DatabaseConfig struct {
	// Driver selects the message store: "postgres" or "sqlite".
	Driver string
}

type PostgresConfig struct {
	DSN             string
	MaxOpen         int
	MaxIdle         int
	ConnMaxLifetime time.Duration
}

type SQLiteConfig struct {
	Path string
}

type RedisConfig struct {
	Enabled  bool
	Addr     string
	Password string
	DB       int
}

type StorageConfig struct {
	Endpoint  string
	AccessKey string
	SecretKey string
	Bucket    string
	UseSSL    bool
	Region    string
}

type SecurityConfig struct {
	JWTSecret       string
	TokenTTL        time.Duration
	RefreshGrace    time.Duration
	SignatureSecret string
}

type RealtimeConfig struct {
	HandshakeTimeout time.Duration
	TypingWindow     time.Duration
	PingInterval     time.Duration
	PongWait         time.Duration
	WriteTimeout     time.Duration
	SendBuffer       int
	MaxMessageBytes  int64
}

type UploadConfig struct {
	MaxBytes     int64
	AllowedTypes []string
}

type HistoryConfig struct {
	PageSize int
}

type SearchConfig struct {
	Limit int
}

type JobsConfig struct {
	SessionSweep    string
	AttachmentPurge string
	Stream          string
}

type WorkerConfig struct {
	Group         string
	Consumer      string
	ClaimInterval time.Duration
	OrphanTTL     time.Duration
	BatchSize     int
}

type AppConfig struct {
	Environment      string
	LogLevel         string
	HTTP             HTTPConfig
	Database         DatabaseConfig
	Postgres         PostgresConfig
	SQLite           SQLiteConfig
	Redis            RedisConfig
	Storage          StorageConfig
	Security         SecurityConfig
	Realtime         RealtimeConfig
	Upload           UploadConfig
	History          HistoryConfig
	Search           SearchConfig
	Jobs             JobsConfig
	Worker           WorkerConfig
	AllowCORSOrigins []string
}

func Load() (*AppConfig, error) {
	// A missing .env is the normal case outside local development.
	_ = godotenv.Load()

	v := viper.New()
	v.SetConfigName("config")
	v.SetConfigType("yaml")
	v.AddConfigPath(".")
	v.AddConfigPath("./config")
	v.AddConfigPath("../config")

	v.SetEnvPrefix("CHAT")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	setDefaults(v)

	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, fmt.Errorf("load config file: %w", err)
		}
	}

	return decode(v)
}

func decode(v *viper.Viper) (*AppConfig, error) {
	var cfg AppConfig
	if err := v.Unmarshal(&cfg, func(dc *mapstructure.DecoderConfig) {
		dc.TagName = "mapstructure"
		dc.DecodeHook = mapstructure.ComposeDecodeHookFunc(
			mapstructure.StringToTimeDurationHookFunc(),
			mapstructure.StringToSliceHookFunc(","),
		)
	}); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}

	if cfg.Security.JWTSecret == "" {
		return nil, fmt.Errorf("security.jwtsecret is required")
	}
	if cfg.Security.SignatureSecret == "" {
		cfg.Security.SignatureSecret = cfg.Security.JWTSecret
	}

	return &cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("environment", "development")
	v.SetDefault("loglevel", "")

	v.SetDefault("http.host", "0.0.0.0")
	v.SetDefault("http.port", 3000)
	v.SetDefault("http.readtimeout", "15s")
	v.SetDefault("http.writetimeout", "30s")
	v.SetDefault("http.idletimeout", "60s")

	v.SetDefault("database.driver", "postgres")

	v.SetDefault("postgres.dsn", "")
	v.SetDefault("postgres.maxopen", 30)
	v.SetDefault("postgres.maxidle", 5)
	v.SetDefault("postgres.connmaxlifetime", "30m")

	v.SetDefault("sqlite.path", "chat.db")

	v.SetDefault("redis.enabled", true)
	v.SetDefault("redis.addr", "127.0.0.1:6379")
	v.SetDefault("redis.password", "")
	v.SetDefault("redis.db", 0)

	v.SetDefault("storage.endpoint", "")
	v.SetDefault("storage.accesskey", "")
	v.SetDefault("storage.secretkey", "")
	v.SetDefault("storage.bucket", "chat-attachments")
	v.SetDefault("storage.usessl", false)
	v.SetDefault("storage.region", "us-east-1")

	// Empty defaults register the keys so environment overrides are
	// picked up by Unmarshal.
	v.SetDefault("security.jwtsecret", "")
	v.SetDefault("security.signaturesecret", "")
	v.SetDefault("security.tokenttl", "1h")
	v.SetDefault("security.refreshgrace", "168h")

	v.SetDefault("realtime.handshaketimeout", "10s")
	v.SetDefault("realtime.typingwindow", "3s")
	v.SetDefault("realtime.pinginterval", "30s")
	v.SetDefault("realtime.pongwait", "60s")
	v.SetDefault("realtime.writetimeout", "10s")
	v.SetDefault("realtime.sendbuffer", 256)
	v.SetDefault("realtime.maxmessagebytes", 64*1024)

	v.SetDefault("upload.maxbytes", 10<<20)
	v.SetDefault("upload.allowedtypes", []string{
		"image/jpeg", "image/png", "image/gif", "image/webp", "image/svg+xml",
		"application/pdf", "application/zip", "text/plain",
	})

	v.SetDefault("history.pagesize", 50)
	v.SetDefault("search.limit", 50)

	v.SetDefault("jobs.sessionsweep", "@every 15s")
	v.SetDefault("jobs.attachmentpurge", "0 0 * * * *")
	v.SetDefault("jobs.stream", "chat:maintenance")

	v.SetDefault("worker.group", "chat-maintenance")
	v.SetDefault("worker.consumer", "worker-1")
	v.SetDefault("worker.claiminterval", "30s")
	v.SetDefault("worker.orphanttl", "24h")
	v.SetDefault("worker.batchsize", 100)

	v.SetDefault("allowcorsorigins", []string{"*"})
}

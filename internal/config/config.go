package config

import (
	"os"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/viper"
)

// readSecret reads a Docker secret from a file path specified by an env var
// with _FILE suffix. If FOO is already set directly, the file is skipped.
// If FOO_FILE is set, reads the file content and sets FOO.
func readSecret(envKey string) {
	if os.Getenv(envKey) != "" {
		return
	}
	filePath := os.Getenv(envKey + "_FILE")
	if filePath == "" {
		return
	}
	data, err := os.ReadFile(filePath)
	if err != nil {
		return
	}
	os.Setenv(envKey, strings.TrimSpace(string(data)))
}

type Config struct {
	Server     ServerConfig
	Redis      RedisConfig
	JWT        JWTConfig
	RateLimit  RateLimitConfig
	R2         R2Config
	Zitadel    ZitadelConfig
	Gateway    GatewayConfig
	Store      StoreConfig
	Jobs       JobsConfig
	Separation SeparationConfig
	Upload     UploadConfig
}

type ServerConfig struct {
	Port      string
	Env       string
	LogLevel  string
	LogFormat string
	ApiDomain string
}

type RedisConfig struct {
	Addr     string
	Password string
	DB       int
}

type JWTConfig struct {
	Secret     string
	Expiration int // hours
}

type RateLimitConfig struct {
	UploadPerHour int
}

type R2Config struct {
	AccountID       string
	AccessKeyID     string
	SecretAccessKey string
	BucketName      string
	PublicURL       string
}

// IsConfigured reports whether R2 credentials are present
func (c R2Config) IsConfigured() bool {
	return c.AccountID != "" && c.AccessKeyID != "" && c.SecretAccessKey != ""
}

type ZitadelConfig struct {
	Domain   string
	ClientID string
	Issuer   string
}

type GatewayConfig struct {
	Enabled bool
}

// StoreConfig selects where job records live
type StoreConfig struct {
	Driver  string // redis, badger, memory
	DataDir string // badger only
}

// JobsConfig tunes the lifecycle engine and the queue runner
type JobsConfig struct {
	Runner           string // asynq, inprocess
	TickInterval     time.Duration
	ProgressStep     int
	WriteAttempts    int
	WriteBackoff     time.Duration
	Concurrency      int
	RecoverySchedule string
}

// SeparationConfig points at the stem separation service. An empty URL
// selects the simulated driver.
type SeparationConfig struct {
	ServiceURL string
	Timeout    int // seconds
}

type UploadConfig struct {
	MaxBytes      int64
	AcceptedTypes []string
}

// Load reads configuration from .env, an optional config.yaml and the environment
func Load() (*Config, error) {
	// A missing .env is fine; production sets real environment variables
	_ = godotenv.Load()

	// Read Docker Swarm secrets from _FILE env vars before Viper binds
	readSecret("REDIS_PASSWORD")
	readSecret("JWT_SECRET")
	readSecret("R2_ACCOUNT_ID")
	readSecret("R2_ACCESS_KEY_ID")
	readSecret("R2_SECRET_ACCESS_KEY")
	readSecret("ZITADEL_CLIENT_ID")

	v := viper.New()
	v.SetConfigName("config")
	v.SetConfigType("yaml")
	v.AddConfigPath(".")
	v.AddConfigPath("./config")

	v.AutomaticEnv()

	// Bind environment variables with underscores to nested config keys
	_ = v.BindEnv("server.port", "SERVER_PORT")
	_ = v.BindEnv("server.env", "SERVER_ENV")
	_ = v.BindEnv("server.log_level", "LOG_LEVEL")
	_ = v.BindEnv("server.log_format", "LOG_FORMAT")
	_ = v.BindEnv("server.api_domain", "API_DOMAIN")
	_ = v.BindEnv("redis.addr", "REDIS_ADDR")
	_ = v.BindEnv("redis.password", "REDIS_PASSWORD")
	_ = v.BindEnv("redis.db", "REDIS_DB")
	_ = v.BindEnv("jwt.secret", "JWT_SECRET")
	_ = v.BindEnv("jwt.expiration", "JWT_EXPIRATION")
	_ = v.BindEnv("ratelimit.upload_per_hour", "RATELIMIT_UPLOAD_PER_HOUR")
	_ = v.BindEnv("r2.account_id", "R2_ACCOUNT_ID")
	_ = v.BindEnv("r2.access_key_id", "R2_ACCESS_KEY_ID")
	_ = v.BindEnv("r2.secret_access_key", "R2_SECRET_ACCESS_KEY")
	_ = v.BindEnv("r2.bucket_name", "R2_BUCKET_NAME")
	_ = v.BindEnv("r2.public_url", "R2_PUBLIC_URL")
	_ = v.BindEnv("zitadel.domain", "ZITADEL_DOMAIN")
	_ = v.BindEnv("zitadel.client_id", "ZITADEL_CLIENT_ID")
	_ = v.BindEnv("zitadel.issuer", "ZITADEL_ISSUER")
	_ = v.BindEnv("gateway.enabled", "GATEWAY_ENABLED")
	_ = v.BindEnv("store.driver", "STORE_DRIVER")
	_ = v.BindEnv("store.data_dir", "STORE_DATA_DIR")
	_ = v.BindEnv("jobs.runner", "JOBS_RUNNER")
	_ = v.BindEnv("jobs.tick_interval", "JOBS_TICK_INTERVAL")
	_ = v.BindEnv("jobs.progress_step", "JOBS_PROGRESS_STEP")
	_ = v.BindEnv("jobs.write_attempts", "JOBS_WRITE_ATTEMPTS")
	_ = v.BindEnv("jobs.write_backoff", "JOBS_WRITE_BACKOFF")
	_ = v.BindEnv("jobs.concurrency", "JOBS_CONCURRENCY")
	_ = v.BindEnv("jobs.recovery_schedule", "JOBS_RECOVERY_SCHEDULE")
	_ = v.BindEnv("separation.service_url", "SEPARATION_SERVICE_URL")
	_ = v.BindEnv("separation.timeout", "SEPARATION_SERVICE_TIMEOUT")
	_ = v.BindEnv("upload.max_bytes", "UPLOAD_MAX_BYTES")
	_ = v.BindEnv("upload.accepted_types", "UPLOAD_ACCEPTED_TYPES")

	// Defaults
	v.SetDefault("server.port", "8000")
	v.SetDefault("server.env", "development")
	v.SetDefault("server.log_level", "info")
	v.SetDefault("server.log_format", "console")
	v.SetDefault("redis.addr", "localhost:6379")
	v.SetDefault("redis.password", "")
	v.SetDefault("redis.db", 0)
	v.SetDefault("jwt.secret", "change-me-in-production")
	v.SetDefault("jwt.expiration", 24)
	v.SetDefault("ratelimit.upload_per_hour", 50)
	v.SetDefault("gateway.enabled", false)

	// Job store defaults
	v.SetDefault("store.driver", "redis")
	v.SetDefault("store.data_dir", "./data")

	// Lifecycle defaults: ten point steps every 800ms
	v.SetDefault("jobs.runner", "asynq")
	v.SetDefault("jobs.tick_interval", "800ms")
	v.SetDefault("jobs.progress_step", 10)
	v.SetDefault("jobs.write_attempts", 5)
	v.SetDefault("jobs.write_backoff", "200ms")
	v.SetDefault("jobs.concurrency", 10)
	v.SetDefault("jobs.recovery_schedule", "@every 1m")

	// Separation service defaults
	v.SetDefault("separation.service_url", "")
	v.SetDefault("separation.timeout", 120)

	// Upload defaults
	v.SetDefault("upload.max_bytes", 10*1024*1024)
	v.SetDefault("upload.accepted_types", []string{"audio/*"})

	// Try to read config file (optional)
	_ = v.ReadInConfig()

	cfg := &Config{
		Server: ServerConfig{
			Port:      v.GetString("server.port"),
			Env:       v.GetString("server.env"),
			LogLevel:  v.GetString("server.log_level"),
			LogFormat: v.GetString("server.log_format"),
			ApiDomain: v.GetString("server.api_domain"),
		},
		Redis: RedisConfig{
			Addr:     v.GetString("redis.addr"),
			Password: v.GetString("redis.password"),
			DB:       v.GetInt("redis.db"),
		},
		JWT: JWTConfig{
			Secret:     v.GetString("jwt.secret"),
			Expiration: v.GetInt("jwt.expiration"),
		},
		RateLimit: RateLimitConfig{
			UploadPerHour: v.GetInt("ratelimit.upload_per_hour"),
		},
		R2: R2Config{
			AccountID:       v.GetString("r2.account_id"),
			AccessKeyID:     v.GetString("r2.access_key_id"),
			SecretAccessKey: v.GetString("r2.secret_access_key"),
			BucketName:      v.GetString("r2.bucket_name"),
			PublicURL:       v.GetString("r2.public_url"),
		},
		Zitadel: ZitadelConfig{
			Domain:   v.GetString("zitadel.domain"),
			ClientID: v.GetString("zitadel.client_id"),
			Issuer:   v.GetString("zitadel.issuer"),
		},
		Gateway: GatewayConfig{
			Enabled: v.GetBool("gateway.enabled"),
		},
		Store: StoreConfig{
			Driver:  v.GetString("store.driver"),
			DataDir: v.GetString("store.data_dir"),
		},
		Jobs: JobsConfig{
			Runner:           v.GetString("jobs.runner"),
			TickInterval:     v.GetDuration("jobs.tick_interval"),
			ProgressStep:     v.GetInt("jobs.progress_step"),
			WriteAttempts:    v.GetInt("jobs.write_attempts"),
			WriteBackoff:     v.GetDuration("jobs.write_backoff"),
			Concurrency:      v.GetInt("jobs.concurrency"),
			RecoverySchedule: v.GetString("jobs.recovery_schedule"),
		},
		Separation: SeparationConfig{
			ServiceURL: v.GetString("separation.service_url"),
			Timeout:    v.GetInt("separation.timeout"),
		},
		Upload: UploadConfig{
			MaxBytes:      v.GetInt64("upload.max_bytes"),
			AcceptedTypes: splitList(v.GetStringSlice("upload.accepted_types")),
		},
	}

	return cfg, nil
}

// splitList accepts both YAML lists and comma separated env values
func splitList(values []string) []string {
	var out []string
	for _, v := range values {
		for _, part := range strings.Split(v, ",") {
			if part = strings.TrimSpace(part); part != "" {
				out = append(out, part)
			}
		}
	}
	return out
}

// IsProduction reports whether the server runs in production mode
func (c *Config) IsProduction() bool {
	return c.Server.Env == "production"
}

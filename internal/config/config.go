package config

import (
	"log"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/viper"
)

// readSecret reads a Docker secret from a file path specified by an env var
// with _FILE suffix. If FOO is already set directly, the file is skipped.
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
	Server    ServerConfig
	Database  DatabaseConfig
	Redis     RedisConfig
	Auth      AuthConfig
	Gateway   GatewayConfig
	RateLimit RateLimitConfig
	Health    HealthConfig
	Engine    EngineConfig
	Storage   StorageConfig
	Callback  CallbackConfig
	LLM       LLMConfig
	Worker    WorkerConfig
	Telemetry TelemetryConfig
}

type ServerConfig struct {
	Port        string
	Env         string
	LogLevel    string
	ApiDomain   string
	BodyLimitMB int
}

type DatabaseConfig struct {
	Path string
}

type RedisConfig struct {
	Addr     string
	Password string
	DB       int
}

type AuthConfig struct {
	APIKeys      []string
	JWTSecret    string
	OIDCIssuer   string
	OIDCClientID string
}

type GatewayConfig struct {
	Enabled bool
}

type RateLimitConfig struct {
	GeneratePerHour int
}

type HealthConfig struct {
	NoAuth bool
}

// LoraModel describes one LoRA adaptation loaded by the engine.
type LoraModel struct {
	Path         string   `mapstructure:"path"`
	Weight       float64  `mapstructure:"weight"`
	TriggerWords []string `mapstructure:"trigger_words"`
}

type EngineConfig struct {
	BaseURL          string
	Timeout          int // seconds, 0 means no limit
	Device           string
	ModelPath        string
	DefaultScheduler string
	MaxConcurrency   int
	Preload          bool
	TriggerWords     []string
	LoraModels       []LoraModel
}

type StorageConfig struct {
	Endpoint  string
	AccessKey string
	SecretKey string
	Bucket    string
	Region    string
	UseSSL    bool
	PublicURL string
}

type CallbackConfig struct {
	RetryTimes    int
	RetryInterval time.Duration
	Timeout       time.Duration
}

type LLMConfig struct {
	APIKey       string
	BaseURL      string
	Model        string
	Temperature  float64
	Timeout      int // seconds
	PromptPrefix string
}

type WorkerConfig struct {
	Mode        string
	Concurrency int
	QueueSize   int
}

type TelemetryConfig struct {
	Enabled      bool
	ServiceName  string
	OTLPEndpoint string
	Insecure     bool
}

const (
	WorkerModeLocal = "local"
	WorkerModeAsynq = "asynq"
)

func Load() (*Config, error) {
	// .env is optional; real environment variables win.
	_ = godotenv.Load()

	readSecret("REDIS_PASSWORD")
	readSecret("JWT_SECRET")
	readSecret("API_KEYS")
	readSecret("STORAGE_ACCESS_KEY")
	readSecret("STORAGE_SECRET_KEY")
	readSecret("LLM_API_KEY")

	v := viper.New()
	v.SetConfigName("config")
	v.SetConfigType("yaml")
	v.AddConfigPath(".")
	v.AddConfigPath("./config")
	if path := os.Getenv("CONFIG_PATH"); path != "" {
		v.SetConfigFile(path)
	}

	v.AutomaticEnv()

	_ = v.BindEnv("server.port", "SERVER_PORT")
	_ = v.BindEnv("server.env", "SERVER_ENV")
	_ = v.BindEnv("server.log_level", "LOG_LEVEL")
	_ = v.BindEnv("server.api_domain", "API_DOMAIN")
	_ = v.BindEnv("server.body_limit_mb", "BODY_LIMIT_MB")
	_ = v.BindEnv("database.path", "TASK_DB_PATH")
	_ = v.BindEnv("redis.addr", "REDIS_ADDR")
	_ = v.BindEnv("redis.password", "REDIS_PASSWORD")
	_ = v.BindEnv("redis.db", "REDIS_DB")
	_ = v.BindEnv("auth.api_keys", "API_KEYS")
	_ = v.BindEnv("auth.jwt_secret", "JWT_SECRET")
	_ = v.BindEnv("auth.oidc_issuer", "OIDC_ISSUER")
	_ = v.BindEnv("auth.oidc_client_id", "OIDC_CLIENT_ID")
	_ = v.BindEnv("gateway.enabled", "GATEWAY_ENABLED")
	_ = v.BindEnv("ratelimit.generate_per_hour", "RATELIMIT_GENERATE_PER_HOUR")
	_ = v.BindEnv("health.no_auth", "HEALTH_NO_AUTH")
	_ = v.BindEnv("engine.base_url", "ENGINE_BASE_URL")
	_ = v.BindEnv("engine.timeout", "ENGINE_TIMEOUT")
	_ = v.BindEnv("engine.device", "ENGINE_DEVICE")
	_ = v.BindEnv("engine.model_path", "SD_MODEL_PATH")
	_ = v.BindEnv("engine.default_scheduler", "ENGINE_DEFAULT_SCHEDULER")
	_ = v.BindEnv("engine.max_concurrency", "ENGINE_MAX_CONCURRENCY")
	_ = v.BindEnv("engine.preload", "ENGINE_PRELOAD")
	_ = v.BindEnv("engine.trigger_words", "ENGINE_TRIGGER_WORDS")
	_ = v.BindEnv("storage.endpoint", "STORAGE_ENDPOINT")
	_ = v.BindEnv("storage.access_key", "STORAGE_ACCESS_KEY")
	_ = v.BindEnv("storage.secret_key", "STORAGE_SECRET_KEY")
	_ = v.BindEnv("storage.bucket", "STORAGE_BUCKET")
	_ = v.BindEnv("storage.region", "STORAGE_REGION")
	_ = v.BindEnv("storage.use_ssl", "STORAGE_USE_SSL")
	_ = v.BindEnv("storage.public_url", "STORAGE_PUBLIC_URL")
	_ = v.BindEnv("callback.retry_times", "CALLBACK_RETRY_TIMES")
	_ = v.BindEnv("callback.retry_interval", "CALLBACK_RETRY_INTERVAL")
	_ = v.BindEnv("callback.timeout", "CALLBACK_TIMEOUT")
	_ = v.BindEnv("llm.api_key", "LLM_API_KEY")
	_ = v.BindEnv("llm.base_url", "LLM_BASE_URL")
	_ = v.BindEnv("llm.model", "LLM_MODEL")
	_ = v.BindEnv("llm.temperature", "LLM_TEMPERATURE")
	_ = v.BindEnv("llm.timeout", "LLM_TIMEOUT")
	_ = v.BindEnv("llm.prompt_prefix", "LLM_PROMPT_PREFIX")
	_ = v.BindEnv("worker.mode", "WORKER_MODE")
	_ = v.BindEnv("worker.concurrency", "WORKER_CONCURRENCY")
	_ = v.BindEnv("worker.queue_size", "WORKER_QUEUE_SIZE")
	_ = v.BindEnv("telemetry.enabled", "OTEL_ENABLED")
	_ = v.BindEnv("telemetry.service_name", "OTEL_SERVICE_NAME")
	_ = v.BindEnv("telemetry.otlp_endpoint", "OTEL_EXPORTER_OTLP_ENDPOINT")
	_ = v.BindEnv("telemetry.insecure", "OTEL_EXPORTER_OTLP_INSECURE")

	setDefaults(v)

	// Try to read config file (optional)
	_ = v.ReadInConfig()

	cfg := fromViper(v)
	cfg.Normalize()
	return cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("server.port", "8000")
	v.SetDefault("server.env", "development")
	v.SetDefault("server.log_level", "info")
	v.SetDefault("server.body_limit_mb", 50)
	v.SetDefault("database.path", "data/tasks.db")
	v.SetDefault("redis.addr", "localhost:6379")
	v.SetDefault("redis.db", 0)
	v.SetDefault("gateway.enabled", false)
	v.SetDefault("ratelimit.generate_per_hour", 60)
	v.SetDefault("health.no_auth", true)

	v.SetDefault("engine.base_url", "http://localhost:7860")
	v.SetDefault("engine.timeout", 0)
	v.SetDefault("engine.device", "cuda")
	v.SetDefault("engine.default_scheduler", "DPMSolverMultistepScheduler")
	v.SetDefault("engine.max_concurrency", 1)
	v.SetDefault("engine.preload", true)

	v.SetDefault("storage.bucket", "sd-images")
	v.SetDefault("storage.region", "us-east-1")
	v.SetDefault("storage.use_ssl", false)

	v.SetDefault("callback.retry_times", 3)
	v.SetDefault("callback.retry_interval", 5)
	v.SetDefault("callback.timeout", 30)

	v.SetDefault("llm.base_url", "https://api.groq.com/openai/v1")
	v.SetDefault("llm.model", "llama-3.3-70b-versatile")
	v.SetDefault("llm.temperature", 0.7)
	v.SetDefault("llm.timeout", 60)

	v.SetDefault("worker.mode", WorkerModeLocal)
	v.SetDefault("worker.concurrency", 4)
	v.SetDefault("worker.queue_size", 100)

	v.SetDefault("telemetry.enabled", false)
	v.SetDefault("telemetry.service_name", "yunjin-sd-api")
}

func fromViper(v *viper.Viper) *Config {
	var loras []LoraModel
	_ = v.UnmarshalKey("engine.lora_models", &loras)

	return &Config{
		Server: ServerConfig{
			Port:        v.GetString("server.port"),
			Env:         v.GetString("server.env"),
			LogLevel:    v.GetString("server.log_level"),
			ApiDomain:   v.GetString("server.api_domain"),
			BodyLimitMB: v.GetInt("server.body_limit_mb"),
		},
		Database: DatabaseConfig{
			Path: v.GetString("database.path"),
		},
		Redis: RedisConfig{
			Addr:     v.GetString("redis.addr"),
			Password: v.GetString("redis.password"),
			DB:       v.GetInt("redis.db"),
		},
		Auth: AuthConfig{
			APIKeys:      splitList(v.GetStringSlice("auth.api_keys")),
			JWTSecret:    v.GetString("auth.jwt_secret"),
			OIDCIssuer:   v.GetString("auth.oidc_issuer"),
			OIDCClientID: v.GetString("auth.oidc_client_id"),
		},
		Gateway: GatewayConfig{
			Enabled: v.GetBool("gateway.enabled"),
		},
		RateLimit: RateLimitConfig{
			GeneratePerHour: v.GetInt("ratelimit.generate_per_hour"),
		},
		Health: HealthConfig{
			NoAuth: v.GetBool("health.no_auth"),
		},
		Engine: EngineConfig{
			BaseURL:          v.GetString("engine.base_url"),
			Timeout:          v.GetInt("engine.timeout"),
			Device:           v.GetString("engine.device"),
			ModelPath:        v.GetString("engine.model_path"),
			DefaultScheduler: v.GetString("engine.default_scheduler"),
			MaxConcurrency:   v.GetInt("engine.max_concurrency"),
			Preload:          v.GetBool("engine.preload"),
			TriggerWords:     splitList(v.GetStringSlice("engine.trigger_words")),
			LoraModels:       loras,
		},
		Storage: StorageConfig{
			Endpoint:  v.GetString("storage.endpoint"),
			AccessKey: v.GetString("storage.access_key"),
			SecretKey: v.GetString("storage.secret_key"),
			Bucket:    v.GetString("storage.bucket"),
			Region:    v.GetString("storage.region"),
			UseSSL:    v.GetBool("storage.use_ssl"),
			PublicURL: v.GetString("storage.public_url"),
		},
		Callback: CallbackConfig{
			RetryTimes:    v.GetInt("callback.retry_times"),
			RetryInterval: getSeconds(v, "callback.retry_interval", 5*time.Second),
			Timeout:       getSeconds(v, "callback.timeout", 30*time.Second),
		},
		LLM: LLMConfig{
			APIKey:       v.GetString("llm.api_key"),
			BaseURL:      v.GetString("llm.base_url"),
			Model:        v.GetString("llm.model"),
			Temperature:  v.GetFloat64("llm.temperature"),
			Timeout:      v.GetInt("llm.timeout"),
			PromptPrefix: v.GetString("llm.prompt_prefix"),
		},
		Worker: WorkerConfig{
			Mode:        v.GetString("worker.mode"),
			Concurrency: v.GetInt("worker.concurrency"),
			QueueSize:   v.GetInt("worker.queue_size"),
		},
		Telemetry: TelemetryConfig{
			Enabled:      v.GetBool("telemetry.enabled"),
			ServiceName:  v.GetString("telemetry.service_name"),
			OTLPEndpoint: v.GetString("telemetry.otlp_endpoint"),
			Insecure:     v.GetBool("telemetry.insecure"),
		},
	}
}

// Normalize resolves defaults and clamps out-of-range values in place.
// It is the only place where derived settings are computed.
func (c *Config) Normalize() {
	if c.Server.Port == "" {
		c.Server.Port = "8000"
	}
	if c.Server.BodyLimitMB <= 0 {
		c.Server.BodyLimitMB = 50
	}
	if c.Database.Path == "" {
		c.Database.Path = "data/tasks.db"
	}

	if c.Callback.RetryTimes < 1 {
		c.Callback.RetryTimes = 1
	}
	if c.Callback.RetryInterval < 0 {
		c.Callback.RetryInterval = 0
	}
	if c.Callback.Timeout <= 0 {
		c.Callback.Timeout = 30 * time.Second
	}

	if c.Engine.MaxConcurrency < 1 {
		c.Engine.MaxConcurrency = 1
	}
	if c.Engine.Timeout < 0 {
		c.Engine.Timeout = 0
	}
	for i := range c.Engine.LoraModels {
		if c.Engine.LoraModels[i].Weight == 0 {
			c.Engine.LoraModels[i].Weight = 1.0
		}
	}

	if c.Storage.Bucket == "" {
		c.Storage.Bucket = "sd-images"
	}
	if c.Storage.Region == "" {
		c.Storage.Region = "us-east-1"
	}
	c.Storage.PublicURL = strings.TrimRight(c.Storage.PublicURL, "/")

	if c.LLM.Timeout <= 0 {
		c.LLM.Timeout = 60
	}

	c.Worker.Mode = strings.ToLower(strings.TrimSpace(c.Worker.Mode))
	if c.Worker.Mode != WorkerModeAsynq {
		c.Worker.Mode = WorkerModeLocal
	}
	if c.Worker.Concurrency < 1 {
		c.Worker.Concurrency = 1
	}
	if c.Worker.QueueSize < 1 {
		c.Worker.QueueSize = 1
	}

	c.Engine.TriggerWords = dedupe(c.Engine.TriggerWords)
}

// TriggerTerms returns the configured trigger words followed by the trigger
// words of every LoRA model, without duplicates.
func (c *Config) TriggerTerms() []string {
	terms := append([]string{}, c.Engine.TriggerWords...)
	for _, lora := range c.Engine.LoraModels {
		terms = append(terms, lora.TriggerWords...)
	}
	return dedupe(terms)
}

// getSeconds reads a duration where a bare number means seconds, matching
// engine.timeout and llm.timeout. Values with a unit ("250ms", "1m") are
// parsed as Go durations.
func getSeconds(v *viper.Viper, key string, fallback time.Duration) time.Duration {
	raw := strings.TrimSpace(v.GetString(key))
	if raw == "" {
		return fallback
	}
	if n, err := strconv.ParseFloat(raw, 64); err == nil {
		return time.Duration(n * float64(time.Second))
	}
	d, err := time.ParseDuration(raw)
	if err != nil {
		log.Printf("Warning: invalid duration %q for %s, using %v", raw, key, fallback)
		return fallback
	}
	return d
}

// splitList accepts both YAML lists and comma separated env values.
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

func dedupe(values []string) []string {
	seen := make(map[string]bool, len(values))
	out := make([]string, 0, len(values))
	for _, v := range values {
		v = strings.TrimSpace(v)
		if v == "" || seen[strings.ToLower(v)] {
			continue
		}
		seen[strings.ToLower(v)] = true
		out = append(out, v)
	}
	return out
}

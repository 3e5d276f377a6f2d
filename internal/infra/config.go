package infra

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config — корневая структура конфигурации оркестратора кабинок.
type Config struct {
	Server    ServerConfig      `mapstructure:"server"`
	Database  DatabaseConfig    `mapstructure:"database"`
	Redis     RedisConfig       `mapstructure:"redis"`
	Auth      AuthConfig        `mapstructure:"auth"`
	Logger    LoggerConfig      `mapstructure:"logger"`
	Engine    EngineConfig      `mapstructure:"engine"`
	Cubicle   CubicleConfig     `mapstructure:"cubicle"`
	Reaper    ReaperConfig      `mapstructure:"reaper"`
	Budget    BudgetConfig      `mapstructure:"budget"`
	HITL      HITLConfig        `mapstructure:"hitl"`
	Slack     SlackConfig       `mapstructure:"slack"`
	Providers map[string]string `mapstructure:"providers"`
}

// ServerConfig описывает настройки HTTP-сервера (Console API + /metrics).
type ServerConfig struct {
	Host         string        `mapstructure:"host"`
	Port         int           `mapstructure:"port"`
	ReadTimeout  time.Duration `mapstructure:"read_timeout"`
	WriteTimeout time.Duration `mapstructure:"write_timeout"`
}

type DatabaseConfig struct {
	URL      string `mapstructure:"url"`
	MaxConns int32  `mapstructure:"max_conns"`
	MinConns int32  `mapstructure:"min_conns"`
}

// RedisConfig описывает подключение к Redis (индекс активности, kill-switch, Pub/Sub).
type RedisConfig struct {
	Addr     string `mapstructure:"addr"`
	Password string `mapstructure:"password"`
	DB       int    `mapstructure:"db"`
}

// AuthConfig содержит пути к RSA ключам и настройки JWT.
type AuthConfig struct {
	PublicKeyPath  string        `mapstructure:"public_key_path"`
	PrivateKeyPath string        `mapstructure:"private_key_path"`
	TokenTTL       time.Duration `mapstructure:"token_ttl"`
	BcryptCost     int           `mapstructure:"bcrypt_cost"`
	PublicKey      []byte
	PrivateKey     []byte

	// Сид первого оператора со scope admin, пустой пароль - без сида
	BootstrapUser     string `mapstructure:"bootstrap_user"`
	BootstrapPassword string `mapstructure:"bootstrap_password"`
}

type LoggerConfig struct {
	Level  string `mapstructure:"level"`  // debug, info, warn, error
	Format string `mapstructure:"format"` // json, console
}

// EngineConfig - настройки пути запроса invokeAgent.
type EngineConfig struct {
	DefaultProvider  string        `mapstructure:"default_provider"`
	DefaultModel     string        `mapstructure:"default_model"`
	ExecTimeout      time.Duration `mapstructure:"exec_timeout"` // 0 - без страховочного таймаута
	ProgressInterval time.Duration `mapstructure:"progress_interval"`

	AuditBufferSize    int           `mapstructure:"audit_buffer_size"`
	AuditFlushInterval time.Duration `mapstructure:"audit_flush_interval"`

	// Защита Docker API: лимит вызовов и Circuit Breaker
	HostRateLimit float64       `mapstructure:"host_rate_limit"`
	HostRateBurst int           `mapstructure:"host_rate_burst"`
	CBMaxRequests int           `mapstructure:"cb_max_requests"`
	CBInterval    time.Duration `mapstructure:"cb_interval"`
	CBTimeout     time.Duration `mapstructure:"cb_timeout"`
}

// CubicleConfig - как выглядит одна кабинка на хосте.
type CubicleConfig struct {
	WorkspaceRoot   string `mapstructure:"workspace_root"`
	CacheRoot       string `mapstructure:"cache_root"`
	DefaultImage    string `mapstructure:"default_image"`
	MemoryBytes     int64  `mapstructure:"memory_bytes"`
	CPUQuota        int64  `mapstructure:"cpu_quota"`
	PidsLimit       int64  `mapstructure:"pids_limit"`
	NetworkMode     string `mapstructure:"network_mode"`
	IdleCommand     string `mapstructure:"idle_command"`
	OrchestratorURL string `mapstructure:"orchestrator_url"`
}

type ReaperConfig struct {
	Interval      time.Duration `mapstructure:"interval"`
	IdleThreshold time.Duration `mapstructure:"idle_threshold"`
	MaxAge        time.Duration `mapstructure:"max_age"`
	Concurrency   int           `mapstructure:"concurrency"`
}

type BudgetConfig struct {
	CostPerChar       float64 `mapstructure:"cost_per_char"`
	DefaultDailyLimit float64 `mapstructure:"default_daily_limit"`
}

// HITLConfig - пути lock-файлов, которые агент внутри кабинки поллит.
type HITLConfig struct {
	ApproveArtifact string        `mapstructure:"approve_artifact"`
	DenyArtifact    string        `mapstructure:"deny_artifact"`
	ArtifactTimeout time.Duration `mapstructure:"artifact_timeout"`
	PendingTTL      time.Duration `mapstructure:"pending_ttl"`
	SweepInterval   time.Duration `mapstructure:"sweep_interval"`
}

// SlackConfig - канал аппруверов. Пустой токен = логируем вместо отправки.
type SlackConfig struct {
	BotToken      string `mapstructure:"bot_token"`
	ChannelID     string `mapstructure:"channel_id"`
	APIURL        string `mapstructure:"api_url"`
	SigningSecret string `mapstructure:"signing_secret"`
	RetryAttempts uint   `mapstructure:"retry_attempts"`
}

// LoadConfig инициализирует конфигурацию, объединяя значения из файла и ENV.
func LoadConfig() (*Config, error) {
	v := viper.New()

	v.SetConfigName("config")
	v.SetConfigType("yaml")
	v.AddConfigPath(".")
	v.AddConfigPath("./configs")

	// SERVER_PORT=9000 перекроет server.port
	v.AutomaticEnv()
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))

	setDefaults(v)

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return nil, fmt.Errorf("error reading config file: %w", err)
		}
		// Нет файла - живем на ENV и дефолтах
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("unable to decode into struct: %w", err)
	}

	cfg.Auth.PublicKey = loadKeyResource(cfg.Auth.PublicKeyPath, "AUTH_PUBLIC_KEY_DATA")
	cfg.Auth.PrivateKey = loadKeyResource(cfg.Auth.PrivateKeyPath, "AUTH_PRIVATE_KEY_DATA")

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate ловит значения, с которыми оркестратор заведомо не сможет работать.
func (c *Config) Validate() error {
	switch {
	case c.Cubicle.WorkspaceRoot == "":
		return errors.New("config: cubicle.workspace_root is required")
	case c.Reaper.Interval <= 0:
		return errors.New("config: reaper.interval must be positive")
	case c.Reaper.Concurrency <= 0:
		return errors.New("config: reaper.concurrency must be positive")
	case c.Budget.CostPerChar < 0:
		return errors.New("config: budget.cost_per_char must not be negative")
	case c.Engine.ExecTimeout < 0:
		return errors.New("config: engine.exec_timeout must not be negative")
	}
	return nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("server.port", 8080)
	v.SetDefault("server.read_timeout", 5*time.Second)
	// Длинный ответ: invoke держит соединение, пока агент работает
	v.SetDefault("server.write_timeout", 20*time.Minute)
	v.SetDefault("database.max_conns", 15)
	v.SetDefault("database.min_conns", 5)
	v.SetDefault("redis.addr", "localhost:6379")
	v.SetDefault("auth.token_ttl", 12*time.Hour)
	v.SetDefault("auth.bcrypt_cost", 12)
	v.SetDefault("auth.bootstrap_user", "admin")
	v.SetDefault("logger.level", "info")
	v.SetDefault("logger.format", "json")

	v.SetDefault("engine.default_provider", "openrouter")
	v.SetDefault("engine.default_model", "auto")
	v.SetDefault("engine.exec_timeout", 15*time.Minute)
	v.SetDefault("engine.progress_interval", 500*time.Millisecond)
	v.SetDefault("engine.audit_buffer_size", 1000)
	v.SetDefault("engine.audit_flush_interval", 1*time.Second)
	v.SetDefault("engine.host_rate_limit", 20.0)
	v.SetDefault("engine.host_rate_burst", 40)
	v.SetDefault("engine.cb_max_requests", 3)
	v.SetDefault("engine.cb_interval", 60*time.Second)
	v.SetDefault("engine.cb_timeout", 30*time.Second)

	v.SetDefault("cubicle.workspace_root", "./data/workspaces")
	v.SetDefault("cubicle.cache_root", "./data/cache")
	v.SetDefault("cubicle.default_image", "hermit/base:latest")
	v.SetDefault("cubicle.memory_bytes", 512*1024*1024)
	v.SetDefault("cubicle.cpu_quota", 100000)
	v.SetDefault("cubicle.pids_limit", 100)
	v.SetDefault("cubicle.network_mode", "bridge")
	v.SetDefault("cubicle.idle_command", "sleep infinity")
	v.SetDefault("cubicle.orchestrator_url", "http://host.docker.internal:8080")

	v.SetDefault("reaper.interval", 15*time.Minute)
	v.SetDefault("reaper.idle_threshold", 30*time.Minute)
	v.SetDefault("reaper.max_age", 48*time.Hour)
	v.SetDefault("reaper.concurrency", 4)

	v.SetDefault("budget.cost_per_char", 0.00001)
	v.SetDefault("budget.default_daily_limit", 1.00)

	v.SetDefault("hitl.approve_artifact", "/tmp/hermit_approval.lock")
	v.SetDefault("hitl.deny_artifact", "/tmp/hermit_deny.lock")
	v.SetDefault("hitl.artifact_timeout", 10*time.Second)
	v.SetDefault("hitl.pending_ttl", 1*time.Hour)
	v.SetDefault("hitl.sweep_interval", 5*time.Minute)

	v.SetDefault("slack.retry_attempts", 3)
}

// loadKeyResource: PEM прямо в ENV (Docker/K8s) или файл по пути из конфига.
func loadKeyResource(path string, envDataKey string) []byte {
	if data := os.Getenv(envDataKey); data != "" {
		return []byte(data)
	}
	if path != "" {
		data, err := os.ReadFile(path)
		if err == nil {
			return data
		}
	}
	return nil
}

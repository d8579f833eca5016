package infra

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/spf13/pflag"
	"github.com/spf13/viper"
	"github.com/xela07ax/voca-engine/internal/domain"
)

// Config - корневая структура конфигурации движка.
type Config struct {
	Server       ServerConfig       `mapstructure:"server"`
	Database     DatabaseConfig     `mapstructure:"database"`
	Redis        RedisConfig        `mapstructure:"redis"`
	Auth         AuthConfig         `mapstructure:"auth"`
	Engine       EngineConfig       `mapstructure:"engine"`
	Logger       LoggerConfig       `mapstructure:"logger"`
	Provisioning ProvisioningConfig `mapstructure:"provisioning"`
	Routing      RoutingConfig      `mapstructure:"routing"`
	Context      ContextConfig      `mapstructure:"context"`
	Backends     BackendsConfig     `mapstructure:"backends"`
	Webhooks     WebhooksConfig     `mapstructure:"webhooks"`
}

// ServerConfig описывает настройки HTTP-сервера.
type ServerConfig struct {
	Host         string        `mapstructure:"host"`
	Port         int           `mapstructure:"port"`
	ReadTimeout  time.Duration `mapstructure:"read_timeout"`
	WriteTimeout time.Duration `mapstructure:"write_timeout"`
}

func (s ServerConfig) Addr() string {
	return fmt.Sprintf("%s:%d", s.Host, s.Port)
}

// DatabaseConfig описывает хранилище: postgres, sqlite или memory.
type DatabaseConfig struct {
	Driver   string `mapstructure:"driver"`
	URL      string `mapstructure:"url"`  // Для postgres
	Path     string `mapstructure:"path"` // Для sqlite
	MaxConns int32  `mapstructure:"max_conns"`
	MinConns int32  `mapstructure:"min_conns"`
}

// RedisConfig описывает подключение к Redis (контекст, блокировки, Pub/Sub).
type RedisConfig struct {
	Enabled  bool   `mapstructure:"enabled"`
	Addr     string `mapstructure:"addr"`
	Password string `mapstructure:"password"`
	DB       int    `mapstructure:"db"`
}

// AuthConfig - проверка bearer-токенов вызывающих сервисов (HS256).
// Пустой секрет отключает проверку.
type AuthConfig struct {
	JWTSecret string `mapstructure:"jwt_secret"`
}

// EngineConfig содержит настройки асинхронного журнала коммуникаций.
type EngineConfig struct {
	AuditBufferSize    int           `mapstructure:"audit_buffer_size"`
	AuditFlushInterval time.Duration `mapstructure:"audit_flush_interval"`
	AuditBatchSize     int           `mapstructure:"audit_batch_size"`
}

// LoggerConfig настраивает поведение zap логгера.
type LoggerConfig struct {
	Level  string `mapstructure:"level"`  // debug, info, warn, error
	Format string `mapstructure:"format"` // json, console
}

type ProvisioningConfig struct {
	Policy         string        `mapstructure:"policy"` // require_all | best_effort
	ChannelTimeout time.Duration `mapstructure:"channel_timeout"`
	MaxParallel    int           `mapstructure:"max_parallel"`
	WebhookBaseURL string        `mapstructure:"webhook_base_url"`
}

type RoutingConfig struct {
	DispatchTimeout  time.Duration `mapstructure:"dispatch_timeout"`
	DirectoryTimeout time.Duration `mapstructure:"directory_timeout"`
	DirectoryTTL     time.Duration `mapstructure:"directory_ttl"`
	InferenceEnabled bool          `mapstructure:"inference_enabled"`
}

type ContextConfig struct {
	HistoryLimit int `mapstructure:"history_limit"`
}

// BackendsConfig - адреса внешних систем и настройки предохранителя.
type BackendsConfig struct {
	Mode          string        `mapstructure:"mode"` // mock | live
	TelephonyAddr string        `mapstructure:"telephony_addr"`
	VocaOSURL     string        `mapstructure:"vocaos_url"`
	RateLimit     float64       `mapstructure:"rate_limit"`
	Burst         int           `mapstructure:"burst"`
	CBMaxRequests uint32        `mapstructure:"cb_max_requests"`
	CBInterval    time.Duration `mapstructure:"cb_interval"`
	CBTimeout     time.Duration `mapstructure:"cb_timeout"`
	CBFailures    uint32        `mapstructure:"cb_failures"`
}

type WebhooksConfig struct {
	VerifyToken string `mapstructure:"verify_token"`
}

// LoadConfig инициализирует конфигурацию, объединяя значения из файла, ENV и флагов.
// fs может быть nil; флаг "config" задает путь к файлу явно.
func LoadConfig(fs *pflag.FlagSet) (*Config, error) {
	v := viper.New()

	if fs != nil {
		if err := v.BindPFlags(fs); err != nil {
			return nil, fmt.Errorf("binding flags: %w", err)
		}
	}

	if path := v.GetString("config"); path != "" {
		v.SetConfigFile(path)
	} else {
		v.SetConfigName("config")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
		v.AddConfigPath("./configs")
	}

	// VOCA_SERVER_PORT=9000 перекроет server.port
	v.SetEnvPrefix("VOCA")
	v.AutomaticEnv()
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))

	setDefaults(v)

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) && !errors.Is(err, os.ErrNotExist) {
			return nil, fmt.Errorf("error reading config file: %w", err)
		}
		// Файла нет - работаем на ENV и дефолтах
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("unable to decode into struct: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate проверяет значения, которые нельзя исправить дефолтами.
func (c *Config) Validate() error {
	if _, err := domain.ParsePolicy(c.Provisioning.Policy); err != nil {
		return fmt.Errorf("provisioning.policy: %w", err)
	}
	switch c.Database.Driver {
	case "memory", "sqlite":
	case "postgres":
		if c.Database.URL == "" {
			return fmt.Errorf("database.url is required for postgres driver")
		}
	default:
		return fmt.Errorf("unknown database.driver %q", c.Database.Driver)
	}
	if c.Context.HistoryLimit <= 0 {
		return fmt.Errorf("context.history_limit must be positive")
	}
	if c.Backends.Mode != "mock" && c.Backends.Mode != "live" {
		return fmt.Errorf("unknown backends.mode %q", c.Backends.Mode)
	}
	return nil
}

func (c *Config) Policy() domain.ProvisioningPolicy {
	p, _ := domain.ParsePolicy(c.Provisioning.Policy)
	return p
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("server.host", "0.0.0.0")
	v.SetDefault("server.port", 8008)
	v.SetDefault("server.read_timeout", 5*time.Second)
	v.SetDefault("server.write_timeout", 60*time.Second)

	v.SetDefault("database.driver", "memory")
	v.SetDefault("database.path", "data/voca.db")
	v.SetDefault("database.max_conns", 15)
	v.SetDefault("database.min_conns", 5)

	v.SetDefault("redis.enabled", false)
	v.SetDefault("redis.addr", "localhost:6379")

	v.SetDefault("logger.level", "info")
	v.SetDefault("logger.format", "json")

	v.SetDefault("engine.audit_buffer_size", 10000)
	v.SetDefault("engine.audit_flush_interval", 500*time.Millisecond)
	v.SetDefault("engine.audit_batch_size", 100)

	v.SetDefault("provisioning.policy", string(domain.PolicyRequireAll))
	v.SetDefault("provisioning.channel_timeout", 2*time.Minute)
	v.SetDefault("provisioning.max_parallel", 8)
	v.SetDefault("provisioning.webhook_base_url", "http://localhost:8008/webhooks")

	v.SetDefault("routing.dispatch_timeout", 30*time.Second)
	v.SetDefault("routing.directory_timeout", 2*time.Second)
	v.SetDefault("routing.directory_ttl", 5*time.Minute)
	v.SetDefault("routing.inference_enabled", true)

	v.SetDefault("context.history_limit", 50)

	v.SetDefault("backends.mode", "mock")
	v.SetDefault("backends.telephony_addr", "localhost:50051")
	v.SetDefault("backends.vocaos_url", "http://localhost:3000")
	v.SetDefault("backends.rate_limit", 100.0)
	v.SetDefault("backends.burst", 20)
	v.SetDefault("backends.cb_max_requests", 3)
	v.SetDefault("backends.cb_interval", 5*time.Second)
	v.SetDefault("backends.cb_timeout", 30*time.Second)
	v.SetDefault("backends.cb_failures", 5)
}

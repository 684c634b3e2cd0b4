// Package config предоставляет структуры и функции для парсинга и загрузки конфига.
package config

import (
	"errors"
	"fmt"
	"log"
	"os"
	"time"

	"github.com/ilyakaznacheev/cleanenv"
)

// Поддерживаемые драйверы хранилища.
const (
	DriverPostgres = "postgres"
	DriverRedis    = "redis"
)

// Config общая структура для хранения настроек.
type Config struct {
	Env             string `yaml:"env" env:"ENV" env-default:"local"`
	Storage         `yaml:"storage"`
	RedisConnection `yaml:"redis_connection"`
	HTTPServer      `yaml:"http_server"`
	RabbitMQ        `yaml:"rabbitmq"`
	Entitlement     `yaml:"entitlement"`
	AdProvider      `yaml:"ad_provider"`
	RateLimit       `yaml:"rate_limit"`
	MetricsServer   `yaml:"metrics"`
	Dispatcher      `yaml:"dispatcher"`
}

// Storage структура для выбора и настройки хранилища квот и журнала токенов.
type Storage struct {
	Driver           string `yaml:"driver" env:"STORAGE_DRIVER" env-default:"postgres"`
	ConnectionString string `yaml:"connection_string" env:"STORAGE_CONNECTION_STRING"`
	MigrationsPath   string `yaml:"migrations_path" env:"MIGRATIONS_PATH" env-default:"./migrations"`
}

// RedisConnection структура для настройки подключения к redis.
type RedisConnection struct {
	AddressRedis string        `yaml:"addressredis" env:"REDIS_ADDRESS"`
	Password     string        `yaml:"password" env:"REDIS_PASSWORD"`
	User         string        `yaml:"user" env:"REDIS_USER"`
	DB           int           `yaml:"db" env:"REDIS_DB"`
	MaxRetries   int           `yaml:"max_retries" env-default:"3"`
	DialTimeout  time.Duration `yaml:"dial_timeout" env-default:"5s"`
	TimeoutRedis time.Duration `yaml:"timeoutredis" env-default:"3s"`
	KeyPrefix    string        `yaml:"key_prefix" env-default:"ent:"`
}

// HTTPServer структура для настройки сервера.
type HTTPServer struct {
	AddressHTTP string        `yaml:"addresshttp" env:"HTTP_ADDRESS" env-default:":8080"`
	TimeoutHTTP time.Duration `yaml:"timeouthttp" env-default:"10s"`
	IdleTimeout time.Duration `yaml:"idle_timeout" env-default:"60s"`
}

// RabbitMQ структура для подключения к брокеру, через который видео уходят в транспорт бота.
type RabbitMQ struct {
	RabbitMQURL        string        `yaml:"url" env:"RABBITMQ_URL"`
	RabbitMQMaxRetries int           `yaml:"max_retries" env-default:"5"`
	RabbitMQRetryDelay time.Duration `yaml:"retry_delay" env-default:"2s"`
}

// Entitlement структура для настройки квот и токенов просмотра рекламы.
type Entitlement struct {
	FreeQuota     int           `yaml:"free_quota" env:"FREE_LIMIT" env-default:"5"`
	TokenTTL      time.Duration `yaml:"token_ttl" env-default:"30m"`
	SigningSecret string        `yaml:"signing_secret" env:"TOKEN_SIGNING_SECRET"`
	Retention     time.Duration `yaml:"retention" env-default:"72h"`
	StoreTimeout  time.Duration `yaml:"store_timeout" env-default:"2s"`
	SweepSchedule string        `yaml:"sweep_schedule" env-default:"@every 1m"`
}

// AdProvider структура для интеграции с рекламным провайдером.
type AdProvider struct {
	WatchURLTemplate string `yaml:"watch_url_template" env:"AD_WATCH_URL_TEMPLATE"`
	WebhookSecret    string `yaml:"webhook_secret" env:"AD_WEBHOOK_SECRET"`
}

// RateLimit структура для ограничения частоты запросов.
type RateLimit struct {
	RPS   float64 `yaml:"rps" env-default:"50"`
	Burst int     `yaml:"burst" env-default:"100"`
}

// MetricsServer адрес отдельного листенера /metrics для фоновых процессов.
type MetricsServer struct {
	AddressMetrics string `yaml:"address" env:"METRICS_ADDRESS" env-default:":9090"`
}

// Dispatcher структура для настройки передачи доставок из очереди в транспорт бота.
type Dispatcher struct {
	BotDeliveryURL  string        `yaml:"bot_delivery_url" env:"BOT_DELIVERY_URL"`
	DispatchTimeout time.Duration `yaml:"timeout" env-default:"5s"`
}

// MustLoad функция для загрузки конфига по пути из CONFIG_PATH, завершает процесс при ошибке.
func MustLoad() *Config {
	configPath := os.Getenv("CONFIG_PATH")
	if configPath == "" {
		log.Fatal("CONFIG_PATH is not set")
	}
	cfg, err := Load(configPath)
	if err != nil {
		log.Fatalf("cannot read config: %s", err)
	}
	return cfg
}

// Load читает конфиг из файла, дополняет его переменными окружения и проверяет.
func Load(configPath string) (*Config, error) {
	const op = "config.Load"
	if _, err := os.Stat(configPath); os.IsNotExist(err) {
		return nil, fmt.Errorf("%s: file %s does not exist", op, configPath)
	}

	var cfg Config
	if err := cleanenv.ReadConfig(configPath, &cfg); err != nil {
		return nil, fmt.Errorf("%s: %w", op, err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("%s: %w", op, err)
	}
	return &cfg, nil
}

// Validate проверяет согласованность настроек.
func (c *Config) Validate() error {
	var errs []error
	switch c.Driver {
	case DriverPostgres:
		if c.ConnectionString == "" {
			errs = append(errs, errors.New("storage.connection_string is required for postgres"))
		}
	case DriverRedis:
		if c.AddressRedis == "" {
			errs = append(errs, errors.New("redis_connection.addressredis is required for redis"))
		}
	default:
		errs = append(errs, fmt.Errorf("unknown storage driver %q", c.Driver))
	}
	if c.FreeQuota < 0 {
		errs = append(errs, errors.New("entitlement.free_quota must not be negative"))
	}
	if c.TokenTTL <= 0 {
		errs = append(errs, errors.New("entitlement.token_ttl must be positive"))
	}
	if c.Retention < c.TokenTTL {
		errs = append(errs, errors.New("entitlement.retention must not be shorter than token_ttl"))
	}
	if c.SigningSecret == "" {
		errs = append(errs, errors.New("entitlement.signing_secret is required"))
	}
	if c.DispatchTimeout < 0 {
		errs = append(errs, errors.New("dispatcher.timeout must not be negative"))
	}
	return errors.Join(errs...)
}

func mask(s string) string {
	if s == "" {
		return ""
	}
	return "***"
}

func (c *Config) String() string {
	return fmt.Sprintf(
		"Env: %s\n"+
			"Storage:\n"+
			"  Driver: %s\n"+
			"  ConnectionString: %s\n"+
			"  MigrationsPath: %s\n"+
			"RedisConnection:\n"+
			"  Addr: %s\n"+
			"  Password: %s\n"+
			"  DB: %d\n"+
			"HTTPServer:\n"+
			"  Address: %s\n"+
			"  Timeout: %s\n"+
			"  IdleTimeout: %s\n"+
			"RabbitMQ:\n"+
			"  URL: %s\n"+
			"Entitlement:\n"+
			"  FreeQuota: %d\n"+
			"  TokenTTL: %s\n"+
			"  SigningSecret: %s\n"+
			"  Retention: %s\n"+
			"  StoreTimeout: %s\n"+
			"  SweepSchedule: %s\n"+
			"AdProvider:\n"+
			"  WatchURLTemplate: %s\n"+
			"  WebhookSecret: %s\n"+
			"Metrics:\n"+
			"  Address: %s\n"+
			"Dispatcher:\n"+
			"  BotDeliveryURL: %s\n"+
			"  Timeout: %s\n",
		c.Env,
		c.Driver,
		mask(c.ConnectionString),
		c.MigrationsPath,
		c.AddressRedis,
		mask(c.Password),
		c.DB,
		c.AddressHTTP,
		c.TimeoutHTTP,
		c.IdleTimeout,
		mask(c.RabbitMQURL),
		c.FreeQuota,
		c.TokenTTL,
		mask(c.SigningSecret),
		c.Retention,
		c.StoreTimeout,
		c.SweepSchedule,
		c.WatchURLTemplate,
		mask(c.WebhookSecret),
		c.AddressMetrics,
		c.BotDeliveryURL,
		c.DispatchTimeout,
	)
}

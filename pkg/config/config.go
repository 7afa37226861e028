// Package config предоставляет загрузку конфигурации из переменных окружения.
package config

import (
	"fmt"
	"time"

	"github.com/caarlos0/env/v10"
	"github.com/joho/godotenv"
)

// Config содержит полную конфигурацию платёжного сервиса.
type Config struct {
	App      AppConfig
	HTTP     HTTPConfig
	MySQL    MySQLConfig
	Redis    RedisConfig
	Kafka    KafkaConfig
	Metrics  MetricsConfig
	Jaeger   JaegerConfig
	Operator OperatorConfig
	Lock     LockConfig
	Risk     RiskConfig
	Channels ChannelsConfig
	Recon    ReconConfig
}

// AppConfig содержит общие настройки приложения.
type AppConfig struct {
	Name      string `env:"APP_NAME" envDefault:"payment-system"`
	Env       string `env:"APP_ENV" envDefault:"development"`
	LogLevel  string `env:"LOG_LEVEL" envDefault:"info"`
	LogPretty bool   `env:"LOG_PRETTY" envDefault:"false"`
}

// HTTPConfig содержит настройки HTTP сервера платёжного API.
type HTTPConfig struct {
	Port            int           `env:"HTTP_PORT" envDefault:"8084"`
	ReadTimeout     time.Duration `env:"HTTP_READ_TIMEOUT" envDefault:"10s"`
	WriteTimeout    time.Duration `env:"HTTP_WRITE_TIMEOUT" envDefault:"15s"`
	ShutdownTimeout time.Duration `env:"HTTP_SHUTDOWN_TIMEOUT" envDefault:"10s"`
}

// Addr возвращает адрес HTTP сервера.
func (c HTTPConfig) Addr() string {
	return fmt.Sprintf(":%d", c.Port)
}

// MySQLConfig содержит настройки подключения к MySQL.
type MySQLConfig struct {
	Host            string        `env:"MYSQL_HOST" envDefault:"localhost"`
	Port            int           `env:"MYSQL_PORT" envDefault:"3306"`
	User            string        `env:"MYSQL_USER" envDefault:"root"`
	Password        string        `env:"MYSQL_PASSWORD" envDefault:"root"`
	Database        string        `env:"MYSQL_DATABASE" envDefault:"payment_system"`
	MaxOpenConns    int           `env:"MYSQL_MAX_OPEN_CONNS" envDefault:"25"`
	MaxIdleConns    int           `env:"MYSQL_MAX_IDLE_CONNS" envDefault:"10"`
	ConnMaxLifetime time.Duration `env:"MYSQL_CONN_MAX_LIFETIME" envDefault:"5m"`
}

// DSN возвращает строку подключения к MySQL.
func (c MySQLConfig) DSN() string {
	return fmt.Sprintf("%s:%s@tcp(%s:%d)/%s?charset=utf8mb4&parseTime=True&loc=Local",
		c.User, c.Password, c.Host, c.Port, c.Database)
}

// RedisConfig содержит настройки подключения к Redis.
type RedisConfig struct {
	Host     string `env:"REDIS_HOST" envDefault:"localhost"`
	Port     int    `env:"REDIS_PORT" envDefault:"6379"`
	Password string `env:"REDIS_PASSWORD" envDefault:""`
	DB       int    `env:"REDIS_DB" envDefault:"0"`
}

// Addr возвращает адрес Redis сервера.
func (c RedisConfig) Addr() string {
	return fmt.Sprintf("%s:%d", c.Host, c.Port)
}

// KafkaConfig содержит настройки подключения к Kafka.
type KafkaConfig struct {
	Brokers []string `env:"KAFKA_BROKERS" envDefault:"localhost:9092" envSeparator:","`
}

// MetricsConfig содержит настройки Prometheus метрик.
type MetricsConfig struct {
	Enabled bool `env:"METRICS_ENABLED" envDefault:"true"`
	Port    int  `env:"METRICS_PORT" envDefault:"9090"`
}

// Addr возвращает адрес для Metrics HTTP сервера.
func (c MetricsConfig) Addr() string {
	return fmt.Sprintf(":%d", c.Port)
}

// JaegerConfig содержит настройки трассировки Jaeger.
type JaegerConfig struct {
	Enabled  bool   `env:"JAEGER_ENABLED" envDefault:"true"`
	Host     string `env:"JAEGER_HOST" envDefault:"localhost"`
	OTLPPort int    `env:"JAEGER_OTLP_PORT" envDefault:"4317"`
}

// OTLPEndpoint возвращает OTLP gRPC endpoint для Jaeger.
func (c JaegerConfig) OTLPEndpoint() string {
	return fmt.Sprintf("%s:%d", c.Host, c.OTLPPort)
}

// OperatorConfig содержит настройки проверки операторских токенов (RS256).
// Токены выдаёт внешний административный сервис, здесь они только проверяются.
type OperatorConfig struct {
	PublicKeyPath string `env:"OPERATOR_JWT_PUBLIC_KEY_PATH"`
	Issuer        string `env:"OPERATOR_JWT_ISSUER" envDefault:"admin-portal"`
}

// LockConfig содержит настройки распределённых блокировок.
// Wait ограничивает ожидание конкурентов, Lease страхует от
// вечной блокировки при падении держателя.
type LockConfig struct {
	Wait  time.Duration `env:"LOCK_WAIT" envDefault:"3s"`
	Lease time.Duration `env:"LOCK_LEASE" envDefault:"10s"`
}

// RiskConfig содержит пороги риск-контроля платежей.
type RiskConfig struct {
	HighAmountThreshold   string   `env:"RISK_HIGH_AMOUNT_THRESHOLD" envDefault:"5000"`
	MediumAmountThreshold string   `env:"RISK_MEDIUM_AMOUNT_THRESHOLD" envDefault:"1000"`
	MaxAttemptsPerMinute  int      `env:"RISK_MAX_ATTEMPTS_PER_MINUTE" envDefault:"3"`
	MaxAttemptsPerHour    int      `env:"RISK_MAX_ATTEMPTS_PER_HOUR" envDefault:"10"`
	MaxIPAttemptsPerHour  int      `env:"RISK_MAX_IP_ATTEMPTS_PER_HOUR" envDefault:"20"`
	RiskIPs               []string `env:"RISK_IPS" envSeparator:","`
}

// ChannelsConfig содержит настройки платёжных каналов и коллабораторов.
type ChannelsConfig struct {
	// UserServiceURL задаёт базовый URL сервиса аккаунтов (баланс пользователя).
	UserServiceURL string `env:"USER_SERVICE_URL" envDefault:"http://service-user:8080"`

	// CampusServiceURL задаёт базовый URL сервиса кампусных карт.
	CampusServiceURL string `env:"CAMPUS_SERVICE_URL" envDefault:"http://service-campus:8080"`

	// CollaboratorTimeout ограничивает HTTP вызовы внутренних коллабораторов.
	CollaboratorTimeout time.Duration `env:"COLLABORATOR_TIMEOUT" envDefault:"5s"`

	Stripe   StripeConfig
	CardGate CardGateConfig
}

// StripeConfig содержит ключи Stripe.
type StripeConfig struct {
	APIKey        string `env:"STRIPE_API_KEY"`
	WebhookSecret string `env:"STRIPE_WEBHOOK_SECRET"`
}

// CardGateConfig содержит настройки карточного шлюза CardGate.
type CardGateConfig struct {
	BaseURL    string        `env:"CARDGATE_BASE_URL" envDefault:"https://gate.cardgate.example"`
	MerchantID string        `env:"CARDGATE_MERCHANT_ID"`
	Secret     string        `env:"CARDGATE_SECRET"`
	NotifyURL  string        `env:"CARDGATE_NOTIFY_URL"`
	Timeout    time.Duration `env:"CARDGATE_TIMEOUT" envDefault:"10s"`
}

// ReconConfig содержит настройки движка сверки.
type ReconConfig struct {
	// Enabled включает ежедневный автоматический запуск сверки.
	Enabled bool `env:"RECON_ENABLED" envDefault:"true"`

	// RunHour задаёт час запуска ежедневной сверки (0-23, локальное время).
	RunHour int `env:"RECON_RUN_HOUR" envDefault:"2"`

	// ExportDir задаёт каталог для CSV отчётов сверки.
	ExportDir string `env:"RECON_EXPORT_DIR" envDefault:"/tmp"`
}

// Load загружает конфигурацию из переменных окружения.
// Опционально загружает .env файл, если он существует.
func Load() (*Config, error) {
	_ = godotenv.Load()

	cfg := &Config{}
	if err := env.Parse(cfg); err != nil {
		return nil, fmt.Errorf("ошибка парсинга конфигурации: %w", err)
	}

	return cfg, nil
}

// IsDevelopment возвращает true, если приложение запущено в development режиме.
func (c *Config) IsDevelopment() bool {
	return c.App.Env == "development"
}

// IsProduction возвращает true, если приложение запущено в production режиме.
func (c *Config) IsProduction() bool {
	return c.App.Env == "production"
}

package config

import (
	"fmt"
	"reflect"
	"strings"
	"time"
	_ "time/tzdata"

	"github.com/go-playground/validator/v10"
	"github.com/kelseyhightower/envconfig"
	"github.com/mitchellh/mapstructure"
	"github.com/shopspring/decimal"
	"github.com/spf13/viper"
)

type Config struct {
	App       AppConfig       `mapstructure:"app"`
	Server    ServerConfig    `mapstructure:"server"`
	Database  DatabaseConfig  `mapstructure:"database"`
	Redis     RedisConfig     `mapstructure:"redis"`
	Gateway   GatewayConfig   `mapstructure:"gateway"`
	Email     EmailConfig     `mapstructure:"email"`
	Policy    Policy          `mapstructure:"policy"`
	Webhooks  WebhookConfig   `mapstructure:"webhooks"`
	Scheduler SchedulerConfig `mapstructure:"scheduler"`
	Auth      AuthConfig      `mapstructure:"auth"`

	// Secrets never live in the config file.
	Secrets Secrets `mapstructure:"-"`
}

type AppConfig struct {
	Timezone string `mapstructure:"timezone" validate:"required"`
	LogLevel string `mapstructure:"log_level"`
	LogJSON  bool   `mapstructure:"log_json"`
}

type ServerConfig struct {
	Port           int `mapstructure:"port" validate:"gt=0"`
	TimeoutSeconds int `mapstructure:"timeoutSeconds"`
}

type DatabaseConfig struct {
	Host     string `mapstructure:"host" validate:"required"`
	Port     int    `mapstructure:"port" validate:"gt=0"`
	User     string `mapstructure:"user" validate:"required"`
	Password string `mapstructure:"password"`
	Name     string `mapstructure:"name" validate:"required"`
	SSLMode  string `mapstructure:"sslmode"`
}

func (c DatabaseConfig) DSN() string {
	sslMode := c.SSLMode
	if sslMode == "" {
		sslMode = "disable"
	}
	return fmt.Sprintf("host=%s port=%d user=%s password=%s dbname=%s sslmode=%s",
		c.Host, c.Port, c.User, c.Password, c.Name, sslMode)
}

type RedisConfig struct {
	// Empty URL disables distributed locking.
	URL          string        `mapstructure:"url"`
	MaxRetries   int           `mapstructure:"max_retries"`
	PoolSize     int           `mapstructure:"pool_size"`
	MinIdleConns int           `mapstructure:"min_idle_conns"`
	LockTTL      time.Duration `mapstructure:"lock_ttl" validate:"gt=0"`
}

type GatewayConfig struct {
	BaseURL          string        `mapstructure:"base_url" validate:"required,url"`
	Currency         string        `mapstructure:"currency" validate:"required,len=3"`
	Timeout          time.Duration `mapstructure:"timeout" validate:"gt=0"`
	RequestsPerSec   float64       `mapstructure:"requests_per_second" validate:"gt=0"`
	Burst            int           `mapstructure:"burst" validate:"gt=0"`
	BreakerFailures  uint32        `mapstructure:"breaker_failures" validate:"gt=0"`
	BreakerCooldown  time.Duration `mapstructure:"breaker_cooldown" validate:"gt=0"`
	WebhookTolerance time.Duration `mapstructure:"webhook_tolerance"`
}

type EmailConfig struct {
	Enabled bool   `mapstructure:"enabled"`
	Host    string `mapstructure:"host" validate:"required_if=Enabled true"`
	Port    int    `mapstructure:"port"`
	User    string `mapstructure:"user"`
	From    string `mapstructure:"from" validate:"required_if=Enabled true"`
}

// Policy collects the business constants the jobs apply. Percentages are
// whole numbers (10 means 10%).
type Policy struct {
	PlatformFeePercent     decimal.Decimal `mapstructure:"platform_fee_percent"`
	DefaultHourlyRate      decimal.Decimal `mapstructure:"default_hourly_rate"`
	DefaultHoursPerDay     int             `mapstructure:"default_hours_per_day" validate:"gt=0,lte=24"`
	ReconcileTolerance     decimal.Decimal `mapstructure:"reconcile_tolerance"`
	MaxRenewalAttempts     int             `mapstructure:"max_renewal_attempts" validate:"gt=0"`
	ClockOutLookbackDays   int             `mapstructure:"clock_out_lookback_days" validate:"gte=0"`
	AdminRecipientCacheTTL time.Duration   `mapstructure:"admin_recipient_cache_ttl"`
}

type WebhookConfig struct {
	MaxAttempts   int           `mapstructure:"max_attempts" validate:"gt=0"`
	BatchSize     int           `mapstructure:"batch_size" validate:"gt=0"`
	StaleAfter    time.Duration `mapstructure:"stale_after" validate:"gt=0"`
	RetentionDays int           `mapstructure:"retention_days" validate:"gt=0"`
}

type SchedulerConfig struct {
	Enabled   bool                     `mapstructure:"enabled"`
	Intervals map[string]time.Duration `mapstructure:"intervals"`
}

type AuthConfig struct {
	Issuer      string        `mapstructure:"issuer"`
	TokenExpiry time.Duration `mapstructure:"token_expiry" validate:"gt=0"`
	// bcrypt hash of the operator password accepted by the token command.
	OperatorPasswordHash string `mapstructure:"operator_password_hash"`
}

// Secrets are read from HOMECARE_* environment variables.
type Secrets struct {
	GatewaySecretKey  string `envconfig:"GATEWAY_SECRET_KEY" required:"true" validate:"required"`
	WebhookSigningKey string `envconfig:"WEBHOOK_SIGNING_KEY"`
	JWTSecret         string `envconfig:"JWT_SECRET"`
	SMTPPassword      string `envconfig:"SMTP_PASSWORD"`
	DatabasePassword  string `envconfig:"DB_PASSWORD"`
	DatabaseHost      string `envconfig:"DB_HOST"`
}

const envPrefix = "homecare"

func setDefaults(v *viper.Viper) {
	v.SetDefault("app.timezone", "America/New_York")
	v.SetDefault("app.log_level", "info")
	v.SetDefault("server.port", 8081)
	v.SetDefault("server.timeoutSeconds", 60)
	v.SetDefault("database.port", 5432)
	v.SetDefault("database.sslmode", "disable")
	v.SetDefault("redis.lock_ttl", 10*time.Minute)
	v.SetDefault("redis.max_retries", 3)
	v.SetDefault("redis.pool_size", 10)
	v.SetDefault("gateway.base_url", "https://api.stripe.com")
	v.SetDefault("gateway.currency", "usd")
	v.SetDefault("gateway.timeout", 30*time.Second)
	v.SetDefault("gateway.requests_per_second", 20.0)
	v.SetDefault("gateway.burst", 5)
	v.SetDefault("gateway.breaker_failures", 5)
	v.SetDefault("gateway.breaker_cooldown", 60*time.Second)
	v.SetDefault("gateway.webhook_tolerance", 5*time.Minute)
	v.SetDefault("email.port", 587)
	v.SetDefault("policy.platform_fee_percent", "10")
	v.SetDefault("policy.default_hourly_rate", "45")
	v.SetDefault("policy.default_hours_per_day", 8)
	v.SetDefault("policy.reconcile_tolerance", "1.00")
	v.SetDefault("policy.max_renewal_attempts", 3)
	v.SetDefault("policy.clock_out_lookback_days", 1)
	v.SetDefault("policy.admin_recipient_cache_ttl", 10*time.Minute)
	v.SetDefault("webhooks.max_attempts", 5)
	v.SetDefault("webhooks.batch_size", 50)
	v.SetDefault("webhooks.stale_after", 15*time.Minute)
	v.SetDefault("webhooks.retention_days", 30)
	v.SetDefault("auth.issuer", "homecare-billing")
	v.SetDefault("auth.token_expiry", 12*time.Hour)
	v.SetDefault("scheduler.intervals", map[string]interface{}{
		"snapshot":         "24h",
		"recurring":        "24h",
		"payouts":          "24h",
		"webhooks:retry":   "10m",
		"webhooks:cleanup": "24h",
		"clockout":         "5m",
	})
}

// LoadConfig reads config.yml (optional) from the usual locations, overlays
// HOMECARE_* environment variables and validates the result.
func LoadConfig() (*Config, error) {
	v := viper.New()
	v.SetConfigName("config")
	v.SetConfigType("yaml")
	v.AddConfigPath(".")
	v.AddConfigPath("./config")
	v.AddConfigPath("/app")
	v.AddConfigPath("/app/config")
	v.SetEnvPrefix(envPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	setDefaults(v)

	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
	}

	return load(v)
}

func load(v *viper.Viper) (*Config, error) {
	var cfg Config
	if err := v.Unmarshal(&cfg, viper.DecodeHook(decimalHook())); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	if err := envconfig.Process(envPrefix, &cfg.Secrets); err != nil {
		return nil, fmt.Errorf("failed to read secrets: %w", err)
	}
	if cfg.Secrets.DatabaseHost != "" {
		cfg.Database.Host = cfg.Secrets.DatabaseHost
	}
	if cfg.Secrets.DatabasePassword != "" {
		cfg.Database.Password = cfg.Secrets.DatabasePassword
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

var validate = validator.New()

func (c *Config) Validate() error {
	if err := validate.Struct(c); err != nil {
		return fmt.Errorf("invalid config: %w", err)
	}
	if !c.Policy.PlatformFeePercent.IsPositive() || c.Policy.PlatformFeePercent.GreaterThan(decimal.NewFromInt(100)) {
		return fmt.Errorf("invalid config: policy.platform_fee_percent must be in (0, 100]")
	}
	if !c.Policy.DefaultHourlyRate.IsPositive() {
		return fmt.Errorf("invalid config: policy.default_hourly_rate must be positive")
	}
	if c.Policy.ReconcileTolerance.IsNegative() {
		return fmt.Errorf("invalid config: policy.reconcile_tolerance must not be negative")
	}
	if _, err := time.LoadLocation(c.App.Timezone); err != nil {
		return fmt.Errorf("invalid config: app.timezone: %w", err)
	}
	return nil
}

// Location returns the time zone the jobs reason about calendar days in.
func (c *Config) Location() *time.Location {
	loc, err := time.LoadLocation(c.App.Timezone)
	if err != nil {
		return time.UTC
	}
	return loc
}

func decimalHook() mapstructure.DecodeHookFunc {
	decimalType := reflect.TypeOf(decimal.Decimal{})
	return mapstructure.ComposeDecodeHookFunc(
		mapstructure.StringToTimeDurationHookFunc(),
		mapstructure.StringToSliceHookFunc(","),
		func(from reflect.Type, to reflect.Type, data interface{}) (interface{}, error) {
			if to != decimalType {
				return data, nil
			}
			switch v := data.(type) {
			case string:
				return decimal.NewFromString(v)
			case int:
				return decimal.NewFromInt(int64(v)), nil
			case int64:
				return decimal.NewFromInt(v), nil
			case float64:
				return decimal.NewFromFloat(v), nil
			default:
				return data, nil
			}
		},
	)
}

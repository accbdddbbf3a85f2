package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/spf13/viper"
)

const minJWTSecretLen = 32

type Config struct {
	Port                     string        `mapstructure:"PORT"`
	Env                      string        `mapstructure:"ENV"`
	DatabaseURL              string        `mapstructure:"DATABASE_URL"`
	DBMaxConns               int32         `mapstructure:"DB_MAX_CONNS"`
	DBMinConns               int32         `mapstructure:"DB_MIN_CONNS"`
	DBSchema                 string        `mapstructure:"DB_SCHEMA"`
	RedisURL                 string        `mapstructure:"REDIS_URL"`
	NATSURL                  string        `mapstructure:"NATS_URL"`
	NATSSubjectPrefix        string        `mapstructure:"NATS_SUBJECT_PREFIX"`
	JWTSecret                string        `mapstructure:"JWT_SECRET"`
	JWTTTL                   time.Duration `mapstructure:"JWT_TTL"`
	GuestTokenTTL            time.Duration `mapstructure:"GUEST_TOKEN_TTL"`
	OTPTTL                   time.Duration `mapstructure:"OTP_TTL"`
	DemoLogin                bool          `mapstructure:"DEMO_LOGIN"`
	CORSOrigins              []string      `mapstructure:"CORS_ORIGINS"`
	RateLimitRPS             float64       `mapstructure:"RATE_LIMIT_RPS"`
	RateLimitBurst           int           `mapstructure:"RATE_LIMIT_BURST"`
	RequestTimeout           time.Duration `mapstructure:"REQUEST_TIMEOUT"`
	OTPSweepSchedule         string        `mapstructure:"OTP_SWEEP_SCHEDULE"`
	WeightCheckpointSchedule string        `mapstructure:"WEIGHT_CHECKPOINT_SCHEDULE"`
	SMTPAddr                 string        `mapstructure:"SMTP_ADDR"`
	SMTPFrom                 string        `mapstructure:"SMTP_FROM"`
	SMTPUsername             string        `mapstructure:"SMTP_USERNAME"`
	SMTPPassword             string        `mapstructure:"SMTP_PASSWORD"`
	WebhookURLs              []string      `mapstructure:"WEBHOOK_URLS"`
	WebhookSecret            string        `mapstructure:"WEBHOOK_SECRET"`
	WebhookEvents            []string      `mapstructure:"WEBHOOK_EVENTS"`
}

var keys = []string{
	"PORT", "ENV", "DATABASE_URL", "DB_MAX_CONNS", "DB_MIN_CONNS", "DB_SCHEMA",
	"REDIS_URL", "NATS_URL", "NATS_SUBJECT_PREFIX",
	"JWT_SECRET", "JWT_TTL", "GUEST_TOKEN_TTL", "OTP_TTL", "DEMO_LOGIN",
	"CORS_ORIGINS", "RATE_LIMIT_RPS", "RATE_LIMIT_BURST", "REQUEST_TIMEOUT",
	"OTP_SWEEP_SCHEDULE", "WEIGHT_CHECKPOINT_SCHEDULE",
	"SMTP_ADDR", "SMTP_FROM", "SMTP_USERNAME", "SMTP_PASSWORD",
	"WEBHOOK_URLS", "WEBHOOK_SECRET", "WEBHOOK_EVENTS",
}

func Load() (*Config, error) {
	v := viper.New()
	v.SetConfigFile(".env")
	v.AutomaticEnv()

	v.SetDefault("PORT", "8000")
	v.SetDefault("ENV", "development")
	v.SetDefault("DB_MAX_CONNS", 20)
	v.SetDefault("DB_MIN_CONNS", 2)
	v.SetDefault("DB_SCHEMA", "public")
	v.SetDefault("NATS_SUBJECT_PREFIX", "etriage")
	v.SetDefault("JWT_SECRET", "dev-secret-change-me")
	v.SetDefault("JWT_TTL", "168h")
	v.SetDefault("GUEST_TOKEN_TTL", "5m")
	v.SetDefault("OTP_TTL", "10m")
	v.SetDefault("DEMO_LOGIN", false)
	v.SetDefault("CORS_ORIGINS", "http://localhost:5173")
	v.SetDefault("RATE_LIMIT_RPS", 50)
	v.SetDefault("RATE_LIMIT_BURST", 100)
	v.SetDefault("REQUEST_TIMEOUT", "30s")
	v.SetDefault("OTP_SWEEP_SCHEDULE", "@every 1m")
	v.SetDefault("WEIGHT_CHECKPOINT_SCHEDULE", "@every 5m")
	v.SetDefault("SMTP_FROM", "no-reply@etriage.local")
	v.SetDefault("WEBHOOK_EVENTS", "*")

	// Bind env vars explicitly so Unmarshal picks them up
	for _, k := range keys {
		_ = v.BindEnv(k)
	}

	// .env is optional
	_ = v.ReadInConfig()

	cfg := &Config{}
	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}

	if origins := v.GetString("CORS_ORIGINS"); origins != "" {
		cfg.CORSOrigins = splitList(origins)
	}
	cfg.WebhookURLs = splitList(v.GetString("WEBHOOK_URLS"))
	cfg.WebhookEvents = splitList(v.GetString("WEBHOOK_EVENTS"))

	if cfg.DatabaseURL == "" {
		return nil, fmt.Errorf("DATABASE_URL is required")
	}

	return cfg, nil
}

func splitList(s string) []string {
	var out []string
	for _, part := range strings.Split(s, ",") {
		if p := strings.TrimSpace(part); p != "" {
			out = append(out, p)
		}
	}
	return out
}

func (c *Config) IsDev() bool {
	return c.Env == "development"
}

// IsProduction returns true when the server is configured for production mode.
func (c *Config) IsProduction() bool {
	return c.Env == "production"
}

// Validate checks that the configuration is safe to run. Production requires
// a JWT secret of at least 32 bytes and demo login disabled. Cron schedules
// must parse in every environment.
func (c *Config) Validate() error {
	if c.IsProduction() {
		if len(c.JWTSecret) < minJWTSecretLen {
			return fmt.Errorf("JWT_SECRET must be at least %d bytes in production", minJWTSecretLen)
		}
		if c.DemoLogin {
			return fmt.Errorf("DEMO_LOGIN cannot be enabled in production")
		}
	}
	if c.JWTSecret == "" {
		return fmt.Errorf("JWT_SECRET is required")
	}
	if c.JWTTTL <= 0 || c.GuestTokenTTL <= 0 || c.OTPTTL <= 0 {
		return fmt.Errorf("JWT_TTL, GUEST_TOKEN_TTL and OTP_TTL must be positive")
	}
	if c.RequestTimeout <= 0 {
		return fmt.Errorf("REQUEST_TIMEOUT must be positive")
	}
	if len(c.WebhookURLs) > 0 && c.WebhookSecret == "" {
		return fmt.Errorf("WEBHOOK_SECRET is required when WEBHOOK_URLS is set")
	}
	if c.DBMinConns > c.DBMaxConns {
		return fmt.Errorf("DB_MIN_CONNS (%d) exceeds DB_MAX_CONNS (%d)", c.DBMinConns, c.DBMaxConns)
	}

	parser := cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor)
	for name, spec := range map[string]string{
		"OTP_SWEEP_SCHEDULE":         c.OTPSweepSchedule,
		"WEIGHT_CHECKPOINT_SCHEDULE": c.WeightCheckpointSchedule,
	} {
		if spec == "" {
			continue
		}
		if _, err := parser.Parse(spec); err != nil {
			return fmt.Errorf("%s: invalid schedule %q: %w", name, spec, err)
		}
	}

	return nil
}

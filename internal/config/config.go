package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/kelseyhightower/envconfig"
)

type Config struct {
	Server     ServerConfig
	App        AppConfig
	Auth       AuthConfig
	Store      StoreConfig
	Revocation RevocationConfig
	Redis      RedisConfig
	Admin      AdminConfig
	CORS       CORSConfig
}

type ServerConfig struct {
	Host            string        `envconfig:"HOST" default:"0.0.0.0"`
	Port            int           `envconfig:"PORT" default:"8080"`
	ReadTimeout     time.Duration `envconfig:"SERVER_READ_TIMEOUT" default:"15s"`
	WriteTimeout    time.Duration `envconfig:"SERVER_WRITE_TIMEOUT" default:"30s"`
	ShutdownTimeout time.Duration `envconfig:"SERVER_SHUTDOWN_TIMEOUT" default:"15s"`

	// TrustedProxies lists the CIDRs whose X-Forwarded-For is believed.
	TrustedProxies []string `envconfig:"TRUSTED_PROXIES" default:""`
}

type AppConfig struct {
	Environment string `envconfig:"APP_ENV" default:"development"`
	SentryDSN   string `envconfig:"SENTRY_DSN" default:""`
	LogLevel    string `envconfig:"LOG_LEVEL" default:"info"`
	CronSecret  string `envconfig:"CRON_SECRET" default:""`
}

type AuthConfig struct {
	JWTSecret        string        `envconfig:"JWT_SECRET" required:"true"`
	AccessTokenTTL   time.Duration `envconfig:"ACCESS_TOKEN_TTL" default:"1h"`
	RefreshTolerance time.Duration `envconfig:"REFRESH_TOLERANCE" default:"24h"`
	LoginRateMax     int           `envconfig:"LOGIN_RATE_LIMIT_MAX" default:"10"`
	LoginRateWindow  time.Duration `envconfig:"LOGIN_RATE_LIMIT_WINDOW" default:"1m"`
	SecureCookies    bool          `envconfig:"COOKIE_SECURE" default:"false"`

	// OAuthCallbackSecret authenticates the identity bridge on /auth/oauth.
	OAuthCallbackSecret string `envconfig:"OAUTH_CALLBACK_SECRET" default:""`
}

type StoreConfig struct {
	Backend         string        `envconfig:"ACCOUNT_STORE" default:"memory"`
	DatabaseURL     string        `envconfig:"DATABASE_URL" default:""`
	MaxOpenConns    int           `envconfig:"DB_MAX_OPEN_CONNS" default:"10"`
	MaxIdleConns    int           `envconfig:"DB_MAX_IDLE_CONNS" default:"5"`
	ConnMaxLifetime time.Duration `envconfig:"DB_CONN_MAX_LIFETIME" default:"30m"`
	ConnMaxIdleTime time.Duration `envconfig:"DB_CONN_MAX_IDLE_TIME" default:"10m"`
	RunMigrations   bool          `envconfig:"RUN_MIGRATIONS_ON_STARTUP" default:"false"`
}

type RevocationConfig struct {
	Backend string `envconfig:"REVOCATION_BACKEND" default:"memory"`
}

type RedisConfig struct {
	Host      string `envconfig:"REDIS_HOST" default:"localhost"`
	Port      int    `envconfig:"REDIS_PORT" default:"6379"`
	Password  string `envconfig:"REDIS_PASSWORD" default:""`
	DB        int    `envconfig:"REDIS_DB" default:"0"`
	KeyPrefix string `envconfig:"REDIS_KEY_PREFIX" default:"portal:revoked:"`
}

type AdminConfig struct {
	Username string `envconfig:"ADMIN_USERNAME" default:""`
	Email    string `envconfig:"ADMIN_EMAIL" default:""`
	Password string `envconfig:"ADMIN_PASSWORD" default:""`
}

type CORSConfig struct {
	AllowedOrigins []string `envconfig:"CORS_ALLOWED_ORIGINS" default:"*"`
}

func (s ServerConfig) Address() string {
	return fmt.Sprintf("%s:%d", s.Host, s.Port)
}

func (r RedisConfig) Address() string {
	return fmt.Sprintf("%s:%d", r.Host, r.Port)
}

func (a AppConfig) IsProduction() bool {
	return a.Environment == "production"
}

// Load reads the environment, optionally after merging a .env file from the
// working directory. Variables already set in the environment win over .env.
func Load(loadDotEnv bool) (*Config, error) {
	if loadDotEnv {
		_ = godotenv.Load()
	}

	var cfg Config
	if err := envconfig.Process("", &cfg); err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func (c *Config) validate() error {
	var errs []error

	c.Store.Backend = strings.ToLower(strings.TrimSpace(c.Store.Backend))
	switch c.Store.Backend {
	case "memory":
	case "postgres":
		if strings.TrimSpace(c.Store.DatabaseURL) == "" {
			errs = append(errs, errors.New("DATABASE_URL is required when ACCOUNT_STORE=postgres"))
		}
	default:
		errs = append(errs, fmt.Errorf("ACCOUNT_STORE must be memory or postgres, got %q", c.Store.Backend))
	}

	c.Revocation.Backend = strings.ToLower(strings.TrimSpace(c.Revocation.Backend))
	if c.Revocation.Backend != "memory" && c.Revocation.Backend != "redis" {
		errs = append(errs, fmt.Errorf("REVOCATION_BACKEND must be memory or redis, got %q", c.Revocation.Backend))
	}

	if len(c.Auth.JWTSecret) < 16 {
		errs = append(errs, errors.New("JWT_SECRET must be at least 16 characters"))
	}
	if c.Auth.AccessTokenTTL <= 0 {
		errs = append(errs, errors.New("ACCESS_TOKEN_TTL must be positive"))
	}
	if c.Auth.RefreshTolerance < 0 {
		errs = append(errs, errors.New("REFRESH_TOLERANCE must not be negative"))
	}
	if secret := c.Auth.OAuthCallbackSecret; secret != "" && len(secret) < 16 {
		errs = append(errs, errors.New("OAUTH_CALLBACK_SECRET must be at least 16 characters"))
	}

	if (c.Admin.Username == "") != (c.Admin.Password == "") {
		errs = append(errs, errors.New("ADMIN_USERNAME and ADMIN_PASSWORD must be set together"))
	}

	return errors.Join(errs...)
}

package config

import (
	"fmt"
	"log"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Storage drivers. The sqlite driver runs everything out of one local file;
// postgres expects a warehouse-backed deployment.
const (
	StoragePostgres = "postgres"
	StorageSQLite   = "sqlite"
)

// Auth modes.
const (
	AuthModeDev = "dev"
	AuthModeJWT = "jwt"
)

// Export drivers.
const (
	ExportNone  = "none"
	ExportLocal = "local"
	ExportS3    = "s3"
)

type Config struct {
	Port string `mapstructure:"PORT"`
	Env  string `mapstructure:"ENV"`

	StorageDriver string `mapstructure:"STORAGE_DRIVER"`
	DatabaseURL   string `mapstructure:"DATABASE_URL"`
	DBMaxConns    int32  `mapstructure:"DB_MAX_CONNS"`
	DBMinConns    int32  `mapstructure:"DB_MIN_CONNS"`
	SQLitePath    string `mapstructure:"SQLITE_PATH"`

	AuthMode      string `mapstructure:"AUTH_MODE"`
	AuthJWTSecret string `mapstructure:"AUTH_JWT_SECRET"`
	AuthIssuer    string `mapstructure:"AUTH_ISSUER"`
	AuthAudience  string `mapstructure:"AUTH_AUDIENCE"`
	AuthJWKSURL   string `mapstructure:"AUTH_JWKS_URL"`

	CORSOrigins    []string `mapstructure:"CORS_ORIGINS"`
	RateLimitRPS   float64  `mapstructure:"RATE_LIMIT_RPS"`
	RateLimitBurst int      `mapstructure:"RATE_LIMIT_BURST"`

	ExportDriver      string `mapstructure:"EXPORT_DRIVER"`
	ExportDir         string `mapstructure:"EXPORT_DIR"`
	ExportS3Bucket    string `mapstructure:"EXPORT_S3_BUCKET"`
	ExportS3Region    string `mapstructure:"EXPORT_S3_REGION"`
	ExportS3Endpoint  string `mapstructure:"EXPORT_S3_ENDPOINT"`
	ExportS3PathStyle bool   `mapstructure:"EXPORT_S3_PATH_STYLE"`

	RunTimeout time.Duration `mapstructure:"RUN_TIMEOUT"`
}

func Load() (*Config, error) {
	v := viper.New()
	v.SetConfigFile(".env")
	v.AutomaticEnv()

	// Defaults
	v.SetDefault("PORT", "8080")
	v.SetDefault("ENV", "development")
	v.SetDefault("STORAGE_DRIVER", StoragePostgres)
	v.SetDefault("DB_MAX_CONNS", 10)
	v.SetDefault("DB_MIN_CONNS", 2)
	v.SetDefault("AUTH_MODE", "") // auto-detect: "" -> inferred from ENV
	v.SetDefault("CORS_ORIGINS", "*")
	v.SetDefault("RATE_LIMIT_RPS", 20)
	v.SetDefault("RATE_LIMIT_BURST", 40)
	v.SetDefault("EXPORT_DRIVER", ExportNone)
	v.SetDefault("RUN_TIMEOUT", "10m")

	// Bind env vars explicitly so Unmarshal picks them up
	v.BindEnv("PORT")
	v.BindEnv("ENV")
	v.BindEnv("STORAGE_DRIVER")
	v.BindEnv("DATABASE_URL")
	v.BindEnv("DB_MAX_CONNS")
	v.BindEnv("DB_MIN_CONNS")
	v.BindEnv("SQLITE_PATH")
	v.BindEnv("AUTH_MODE")
	v.BindEnv("AUTH_JWT_SECRET")
	v.BindEnv("AUTH_ISSUER")
	v.BindEnv("AUTH_AUDIENCE")
	v.BindEnv("AUTH_JWKS_URL")
	v.BindEnv("CORS_ORIGINS")
	v.BindEnv("RATE_LIMIT_RPS")
	v.BindEnv("RATE_LIMIT_BURST")
	v.BindEnv("EXPORT_DRIVER")
	v.BindEnv("EXPORT_DIR")
	v.BindEnv("EXPORT_S3_BUCKET")
	v.BindEnv("EXPORT_S3_REGION")
	v.BindEnv("EXPORT_S3_ENDPOINT")
	v.BindEnv("EXPORT_S3_PATH_STYLE")
	v.BindEnv("RUN_TIMEOUT")

	// Try reading .env file, but don't fail if missing
	_ = v.ReadInConfig()

	cfg := &Config{}
	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}

	if cfg.CORSOrigins == nil {
		origins := v.GetString("CORS_ORIGINS")
		if origins != "" {
			cfg.CORSOrigins = strings.Split(origins, ",")
		}
	}

	if cfg.ResolvedAuthMode() == AuthModeDev {
		log.Println("WARNING: ============================================================")
		log.Println("WARNING: Server is running with dev auth (AUTH_MODE=dev).")
		log.Println("WARNING: Every request gets a permissive researcher identity.")
		log.Println("WARNING: Set AUTH_MODE=jwt and configure AUTH_JWT_SECRET or")
		log.Println("WARNING: AUTH_JWKS_URL before exposing this server.")
		log.Println("WARNING: ============================================================")
	}

	return cfg, nil
}

func (c *Config) IsDev() bool {
	return c.Env == "development"
}

// IsProduction returns true when the server is configured for production mode.
func (c *Config) IsProduction() bool {
	return c.Env == "production"
}

// ResolvedAuthMode returns the effective auth mode. If AUTH_MODE is explicitly
// set, it is returned. Otherwise dev auth applies in development and jwt
// everywhere else.
func (c *Config) ResolvedAuthMode() string {
	if c.AuthMode != "" {
		return c.AuthMode
	}
	if c.IsDev() {
		return AuthModeDev
	}
	return AuthModeJWT
}

// Validate checks that the configuration is safe to run.
func (c *Config) Validate() error {
	switch c.StorageDriver {
	case StoragePostgres:
		if c.DatabaseURL == "" {
			return fmt.Errorf("DATABASE_URL is required when STORAGE_DRIVER=%s", StoragePostgres)
		}
	case StorageSQLite:
		if c.SQLitePath == "" {
			return fmt.Errorf("SQLITE_PATH is required when STORAGE_DRIVER=%s", StorageSQLite)
		}
	default:
		return fmt.Errorf("STORAGE_DRIVER must be %q or %q, got %q", StoragePostgres, StorageSQLite, c.StorageDriver)
	}

	switch mode := c.ResolvedAuthMode(); mode {
	case AuthModeDev:
	case AuthModeJWT:
		if c.AuthJWTSecret == "" && c.AuthJWKSURL == "" {
			return fmt.Errorf("AUTH_MODE=jwt requires AUTH_JWT_SECRET or AUTH_JWKS_URL")
		}
	default:
		return fmt.Errorf("AUTH_MODE must be %q or %q, got %q", AuthModeDev, AuthModeJWT, mode)
	}

	switch c.ExportDriver {
	case ExportNone:
	case ExportLocal:
		if c.ExportDir == "" {
			return fmt.Errorf("EXPORT_DIR is required when EXPORT_DRIVER=%s", ExportLocal)
		}
	case ExportS3:
		if c.ExportS3Bucket == "" {
			return fmt.Errorf("EXPORT_S3_BUCKET is required when EXPORT_DRIVER=%s", ExportS3)
		}
	default:
		return fmt.Errorf("EXPORT_DRIVER must be %q, %q, or %q, got %q", ExportNone, ExportLocal, ExportS3, c.ExportDriver)
	}

	if c.RunTimeout <= 0 {
		return fmt.Errorf("RUN_TIMEOUT must be positive, got %v", c.RunTimeout)
	}
	return nil
}

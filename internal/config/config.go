package config

import (
	"encoding/hex"
	"errors"
	"fmt"
	"log"
	"strings"
	"time"

	"github.com/hengadev/errsx"
	"github.com/spf13/viper"
)

// Auth modes. When AUTH_MODE is unset the mode is inferred from ENV.
const (
	AuthModeDev = "dev"
	AuthModeJWT = "jwt"
)

// Change feed backends for audit verification.
const (
	ChangeSourcePostgres = "postgres"
	ChangeSourceKafka    = "kafka"
)

type Config struct {
	Port        string `mapstructure:"PORT"`
	Env         string `mapstructure:"ENV"`
	DatabaseURL string `mapstructure:"DATABASE_URL"`
	DBMaxConns  int32  `mapstructure:"DB_MAX_CONNS"`
	DBMinConns  int32  `mapstructure:"DB_MIN_CONNS"`
	RedisURL    string `mapstructure:"REDIS_URL"`

	AuthMode     string `mapstructure:"AUTH_MODE"`
	AuthIssuer   string `mapstructure:"AUTH_ISSUER"`
	AuthAudience string `mapstructure:"AUTH_AUDIENCE"`
	AuthJWKSURL  string `mapstructure:"AUTH_JWKS_URL"`

	PHIKeySource  string `mapstructure:"PHI_KEY_SOURCE"`
	PHIMasterKey  string `mapstructure:"PHI_MASTER_KEY"`
	PHIKeyVersion int    `mapstructure:"PHI_KEY_VERSION"`

	VaultAddr     string `mapstructure:"VAULT_ADDR"`
	VaultRoleID   string `mapstructure:"VAULT_ROLE_ID"`
	VaultSecretID string `mapstructure:"VAULT_SECRET_ID"`
	VaultKeyPath  string `mapstructure:"VAULT_KEY_PATH"`

	AWSKMSKeyID      string `mapstructure:"AWS_KMS_KEY_ID"`
	AWSKMSWrappedKey string `mapstructure:"AWS_KMS_WRAPPED_KEY"`

	OwnershipCacheTTL  time.Duration `mapstructure:"OWNERSHIP_CACHE_TTL"`
	OwnershipCacheSize int           `mapstructure:"OWNERSHIP_CACHE_SIZE"`

	AuditVerifyBucket    time.Duration `mapstructure:"AUDIT_VERIFY_BUCKET"`
	AuditVerifyTolerance time.Duration `mapstructure:"AUDIT_VERIFY_TOLERANCE"`

	ChangeSource  string   `mapstructure:"CHANGE_SOURCE"`
	KafkaBrokers  []string `mapstructure:"KAFKA_BROKERS"`
	KafkaCDCTopic string   `mapstructure:"KAFKA_CDC_TOPIC"`
	KafkaGroup    string   `mapstructure:"KAFKA_GROUP"`

	CORSOrigins    []string `mapstructure:"CORS_ORIGINS"`
	RateLimitRPS   float64  `mapstructure:"RATE_LIMIT_RPS"`
	RateLimitBurst int      `mapstructure:"RATE_LIMIT_BURST"`

	DefaultPractice string `mapstructure:"DEFAULT_PRACTICE"`
}

// envKeys is the full set of recognized environment variables. Binding them
// explicitly lets Unmarshal see values that arrive through the environment
// rather than the .env file.
var envKeys = []string{
	"PORT", "ENV", "DATABASE_URL", "DB_MAX_CONNS", "DB_MIN_CONNS", "REDIS_URL",
	"AUTH_MODE", "AUTH_ISSUER", "AUTH_AUDIENCE", "AUTH_JWKS_URL",
	"PHI_KEY_SOURCE", "PHI_MASTER_KEY", "PHI_KEY_VERSION",
	"VAULT_ADDR", "VAULT_ROLE_ID", "VAULT_SECRET_ID", "VAULT_KEY_PATH",
	"AWS_KMS_KEY_ID", "AWS_KMS_WRAPPED_KEY",
	"OWNERSHIP_CACHE_TTL", "OWNERSHIP_CACHE_SIZE",
	"AUDIT_VERIFY_BUCKET", "AUDIT_VERIFY_TOLERANCE",
	"CHANGE_SOURCE", "KAFKA_BROKERS", "KAFKA_CDC_TOPIC", "KAFKA_GROUP",
	"CORS_ORIGINS", "RATE_LIMIT_RPS", "RATE_LIMIT_BURST",
	"DEFAULT_PRACTICE",
}

func Load() (*Config, error) {
	v := viper.New()
	v.SetConfigFile(".env")
	v.AutomaticEnv()

	// Defaults
	v.SetDefault("PORT", "8080")
	v.SetDefault("ENV", "development")
	v.SetDefault("DB_MAX_CONNS", 16)
	v.SetDefault("DB_MIN_CONNS", 2)
	v.SetDefault("AUTH_MODE", "") // "" -> inferred from ENV
	v.SetDefault("PHI_KEY_SOURCE", "env")
	v.SetDefault("PHI_KEY_VERSION", 1)
	v.SetDefault("OWNERSHIP_CACHE_TTL", "5m")
	v.SetDefault("OWNERSHIP_CACHE_SIZE", 4096)
	v.SetDefault("AUDIT_VERIFY_BUCKET", "5m")
	v.SetDefault("AUDIT_VERIFY_TOLERANCE", "1m")
	v.SetDefault("CHANGE_SOURCE", ChangeSourcePostgres)
	v.SetDefault("KAFKA_GROUP", "caredesk-audit")
	v.SetDefault("CORS_ORIGINS", "*")
	v.SetDefault("RATE_LIMIT_RPS", 50)
	v.SetDefault("RATE_LIMIT_BURST", 100)
	v.SetDefault("DEFAULT_PRACTICE", "main")

	for _, key := range envKeys {
		v.BindEnv(key)
	}

	// Try reading .env file, but don't fail if missing
	_ = v.ReadInConfig()

	cfg := &Config{}
	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}

	// Comma-separated values that arrive via the environment bypass the
	// slice decode hook, so split them by hand.
	if cfg.CORSOrigins == nil {
		cfg.CORSOrigins = splitCSV(v.GetString("CORS_ORIGINS"))
	}
	if cfg.KafkaBrokers == nil {
		cfg.KafkaBrokers = splitCSV(v.GetString("KAFKA_BROKERS"))
	}

	if cfg.IsDev() {
		log.Println("WARNING: Server is running in DEVELOPMENT mode (ENV=development).")
		log.Println("WARNING: Dev auth is active and every request gets admin access.")
		log.Println("WARNING: Set ENV=production and configure AUTH_ISSUER before real use.")
	}

	return cfg, nil
}

func splitCSV(s string) []string {
	if s == "" {
		return nil
	}
	var out []string
	for _, part := range strings.Split(s, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
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

// ResolvedAuthMode returns the effective auth mode. If AUTH_MODE is explicitly
// set, it is returned. Otherwise the mode is inferred: ENV=development runs
// with dev auth, anything else requires real JWT authentication.
func (c *Config) ResolvedAuthMode() string {
	if c.AuthMode != "" {
		return c.AuthMode
	}
	if c.IsDev() {
		return AuthModeDev
	}
	return AuthModeJWT
}

// Validate checks that the configuration is safe to run, collecting every
// failure so an operator can fix the whole set in one pass rather than
// replaying the boot loop one missing variable at a time.
func (c *Config) Validate() error {
	var errs errsx.Map

	if c.DatabaseURL == "" {
		errs.Set("DATABASE_URL", errors.New("is required"))
	}
	if c.DBMaxConns < 1 {
		errs.Set("DB_MAX_CONNS", fmt.Errorf("must be at least 1, got %d", c.DBMaxConns))
	}
	if c.DBMinConns < 0 || c.DBMinConns > c.DBMaxConns {
		errs.Set("DB_MIN_CONNS", fmt.Errorf("must be between 0 and DB_MAX_CONNS, got %d", c.DBMinConns))
	}

	switch mode := c.ResolvedAuthMode(); mode {
	case AuthModeDev:
		if c.IsProduction() {
			errs.Set("AUTH_MODE", errors.New("dev auth cannot be used when ENV=production"))
		}
	case AuthModeJWT:
		// AUTH_JWKS_URL is optional here: when unset, the server resolves it
		// from the issuer's OIDC discovery document at boot.
		if c.AuthIssuer == "" {
			errs.Set("AUTH_ISSUER", errors.New("is required when auth mode is jwt"))
		}
	default:
		errs.Set("AUTH_MODE", fmt.Errorf("must be %q or %q, got %q", AuthModeDev, AuthModeJWT, mode))
	}

	switch c.PHIKeySource {
	case "env":
		if c.PHIMasterKey == "" {
			errs.Set("PHI_MASTER_KEY", errors.New("is required when PHI_KEY_SOURCE is env"))
		} else if key, err := hex.DecodeString(c.PHIMasterKey); err != nil {
			errs.Set("PHI_MASTER_KEY", fmt.Errorf("is not valid hex: %w", err))
		} else if len(key) != 32 {
			errs.Set("PHI_MASTER_KEY", fmt.Errorf("must be 32 bytes (64 hex chars), got %d bytes", len(key)))
		}
	case "vault":
		if c.VaultAddr == "" {
			errs.Set("VAULT_ADDR", errors.New("is required when PHI_KEY_SOURCE is vault"))
		}
		if c.VaultKeyPath == "" {
			errs.Set("VAULT_KEY_PATH", errors.New("is required when PHI_KEY_SOURCE is vault"))
		}
	case "awskms":
		if c.AWSKMSKeyID == "" {
			errs.Set("AWS_KMS_KEY_ID", errors.New("is required when PHI_KEY_SOURCE is awskms"))
		}
		if c.AWSKMSWrappedKey == "" {
			errs.Set("AWS_KMS_WRAPPED_KEY", errors.New("is required when PHI_KEY_SOURCE is awskms"))
		}
	default:
		errs.Set("PHI_KEY_SOURCE", fmt.Errorf("must be env, vault, or awskms, got %q", c.PHIKeySource))
	}
	if c.PHIKeyVersion < 1 {
		errs.Set("PHI_KEY_VERSION", fmt.Errorf("must be at least 1, got %d", c.PHIKeyVersion))
	}

	if c.OwnershipCacheTTL <= 0 {
		errs.Set("OWNERSHIP_CACHE_TTL", fmt.Errorf("must be positive, got %s", c.OwnershipCacheTTL))
	}
	if c.OwnershipCacheSize < 1 {
		errs.Set("OWNERSHIP_CACHE_SIZE", fmt.Errorf("must be at least 1, got %d", c.OwnershipCacheSize))
	}
	if c.AuditVerifyBucket <= 0 {
		errs.Set("AUDIT_VERIFY_BUCKET", fmt.Errorf("must be positive, got %s", c.AuditVerifyBucket))
	}
	if c.AuditVerifyTolerance < 0 {
		errs.Set("AUDIT_VERIFY_TOLERANCE", fmt.Errorf("must not be negative, got %s", c.AuditVerifyTolerance))
	}

	switch c.ChangeSource {
	case ChangeSourcePostgres:
	case ChangeSourceKafka:
		if len(c.KafkaBrokers) == 0 {
			errs.Set("KAFKA_BROKERS", errors.New("is required when CHANGE_SOURCE is kafka"))
		}
		if c.KafkaCDCTopic == "" {
			errs.Set("KAFKA_CDC_TOPIC", errors.New("is required when CHANGE_SOURCE is kafka"))
		}
	default:
		errs.Set("CHANGE_SOURCE", fmt.Errorf("must be %q or %q, got %q", ChangeSourcePostgres, ChangeSourceKafka, c.ChangeSource))
	}

	if c.RateLimitRPS <= 0 {
		errs.Set("RATE_LIMIT_RPS", fmt.Errorf("must be positive, got %g", c.RateLimitRPS))
	}
	if c.RateLimitBurst < 1 {
		errs.Set("RATE_LIMIT_BURST", fmt.Errorf("must be at least 1, got %d", c.RateLimitBurst))
	}
	if c.DefaultPractice == "" {
		errs.Set("DEFAULT_PRACTICE", errors.New("is required"))
	}

	return errs.AsError()
}

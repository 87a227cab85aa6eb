package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Store backends.
const (
	BackendMemory   = "memory"
	BackendPostgres = "postgres"
	BackendMongo    = "mongo"
	BackendFirebase = "firebase"
)

// Change feeds.
const (
	FeedNone  = "none"
	FeedRedis = "redis"
)

type Config struct {
	Port                    string        `mapstructure:"PORT"`
	Env                     string        `mapstructure:"ENV"`
	StoreBackend            string        `mapstructure:"STORE_BACKEND"`
	DatabaseURL             string        `mapstructure:"DATABASE_URL"`
	DBMaxConns              int32         `mapstructure:"DB_MAX_CONNS"`
	DBMinConns              int32         `mapstructure:"DB_MIN_CONNS"`
	MongoURI                string        `mapstructure:"MONGO_URI"`
	MongoDatabase           string        `mapstructure:"MONGO_DATABASE"`
	FirebaseDatabaseURL     string        `mapstructure:"FIREBASE_DATABASE_URL"`
	FirebaseCredentialsFile string        `mapstructure:"FIREBASE_CREDENTIALS_FILE"`
	FirebasePollInterval    time.Duration `mapstructure:"FIREBASE_POLL_INTERVAL"`
	RedisURL                string        `mapstructure:"REDIS_URL"`
	ChangeFeed              string        `mapstructure:"CHANGE_FEED"`
	SessionTTL              time.Duration `mapstructure:"SESSION_TTL"`
	AuthIssuer              string        `mapstructure:"AUTH_ISSUER"`
	AuthAudience            string        `mapstructure:"AUTH_AUDIENCE"`
	AuthJWKSURL             string        `mapstructure:"AUTH_JWKS_URL"`
	AuthSigningKey          string        `mapstructure:"AUTH_SIGNING_KEY"`
	CORSOrigins             []string      `mapstructure:"CORS_ORIGINS"`
	RateLimitRPS            float64       `mapstructure:"RATE_LIMIT_RPS"`
	RateLimitBurst          int           `mapstructure:"RATE_LIMIT_BURST"`
}

var keys = []string{
	"PORT", "ENV", "STORE_BACKEND",
	"DATABASE_URL", "DB_MAX_CONNS", "DB_MIN_CONNS",
	"MONGO_URI", "MONGO_DATABASE",
	"FIREBASE_DATABASE_URL", "FIREBASE_CREDENTIALS_FILE", "FIREBASE_POLL_INTERVAL",
	"REDIS_URL", "CHANGE_FEED", "SESSION_TTL",
	"AUTH_ISSUER", "AUTH_AUDIENCE", "AUTH_JWKS_URL", "AUTH_SIGNING_KEY",
	"CORS_ORIGINS", "RATE_LIMIT_RPS", "RATE_LIMIT_BURST",
}

// Load reads .env (when present) and the environment. It does not validate;
// call Validate before serving.
func Load() (*Config, error) {
	v := viper.New()
	v.SetConfigFile(".env")
	v.AutomaticEnv()

	v.SetDefault("PORT", "8000")
	v.SetDefault("ENV", "development")
	v.SetDefault("STORE_BACKEND", BackendMemory)
	v.SetDefault("DB_MAX_CONNS", 20)
	v.SetDefault("DB_MIN_CONNS", 2)
	v.SetDefault("MONGO_DATABASE", "carecoord")
	v.SetDefault("FIREBASE_POLL_INTERVAL", "2s")
	v.SetDefault("CHANGE_FEED", FeedNone)
	v.SetDefault("SESSION_TTL", "24h")
	v.SetDefault("CORS_ORIGINS", "http://localhost:3000")
	v.SetDefault("RATE_LIMIT_RPS", 20)
	v.SetDefault("RATE_LIMIT_BURST", 40)

	// Bind env vars explicitly so Unmarshal picks them up
	for _, k := range keys {
		_ = v.BindEnv(k)
	}

	// Try reading .env file, but don't fail if missing
	_ = v.ReadInConfig()

	cfg := &Config{}
	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}

	if origins := v.GetString("CORS_ORIGINS"); origins != "" {
		cfg.CORSOrigins = splitList(origins)
	}
	cfg.StoreBackend = strings.ToLower(strings.TrimSpace(cfg.StoreBackend))
	cfg.ChangeFeed = strings.ToLower(strings.TrimSpace(cfg.ChangeFeed))

	return cfg, nil
}

func splitList(s string) []string {
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

func (c *Config) IsProduction() bool {
	return c.Env == "production"
}

// DevAuth reports whether requests authenticate through the trusted
// X-Actor-* headers instead of bearer tokens.
func (c *Config) DevAuth() bool {
	return c.IsDev() && c.AuthSigningKey == "" && c.AuthJWKSURL == ""
}

// Validate checks that the selected backend and feed have their connection
// settings and that token verification is configured outside development.
func (c *Config) Validate() error {
	switch c.StoreBackend {
	case BackendMemory:
	case BackendPostgres:
		if c.DatabaseURL == "" {
			return fmt.Errorf("DATABASE_URL is required when STORE_BACKEND is %q", c.StoreBackend)
		}
		if c.DBMinConns > c.DBMaxConns {
			return fmt.Errorf("DB_MIN_CONNS (%d) exceeds DB_MAX_CONNS (%d)", c.DBMinConns, c.DBMaxConns)
		}
	case BackendMongo:
		if c.MongoURI == "" {
			return fmt.Errorf("MONGO_URI is required when STORE_BACKEND is %q", c.StoreBackend)
		}
		if c.MongoDatabase == "" {
			return fmt.Errorf("MONGO_DATABASE must not be empty")
		}
	case BackendFirebase:
		if c.FirebaseDatabaseURL == "" {
			return fmt.Errorf("FIREBASE_DATABASE_URL is required when STORE_BACKEND is %q", c.StoreBackend)
		}
		if c.FirebasePollInterval <= 0 {
			return fmt.Errorf("FIREBASE_POLL_INTERVAL must be positive")
		}
	default:
		return fmt.Errorf("STORE_BACKEND must be one of memory, postgres, mongo, firebase; got %q", c.StoreBackend)
	}

	switch c.ChangeFeed {
	case FeedNone, "":
	case FeedRedis:
		if c.RedisURL == "" {
			return fmt.Errorf("REDIS_URL is required when CHANGE_FEED is %q", c.ChangeFeed)
		}
	default:
		return fmt.Errorf("CHANGE_FEED must be \"none\" or \"redis\", got %q", c.ChangeFeed)
	}

	if !c.IsDev() && c.AuthSigningKey == "" && c.AuthJWKSURL == "" {
		return fmt.Errorf(
			"AUTH_JWKS_URL or AUTH_SIGNING_KEY must be set outside development (current ENV=%q). "+
				"Refusing to start without token verification", c.Env)
	}
	if c.IsProduction() && c.AuthSigningKey != "" && len(c.AuthSigningKey) < 32 {
		return fmt.Errorf("AUTH_SIGNING_KEY must be at least 32 bytes in production")
	}

	if c.SessionTTL <= 0 {
		return fmt.Errorf("SESSION_TTL must be positive")
	}
	if c.RateLimitRPS <= 0 || c.RateLimitBurst <= 0 {
		return fmt.Errorf("RATE_LIMIT_RPS and RATE_LIMIT_BURST must be positive")
	}
	return nil
}

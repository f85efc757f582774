package config

import (
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"log"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/viper"
)

const minSecretLength = 32

type Config struct {
	Env      string `mapstructure:"env"`
	Database struct {
		Host     string `mapstructure:"host"`
		Port     string `mapstructure:"port"`
		User     string `mapstructure:"user"`
		Password string `mapstructure:"password"`
		Name     string `mapstructure:"name"`
		SSLMode  string `mapstructure:"sslmode"`
	} `mapstructure:"database"`
	Redis struct {
		Host     string `mapstructure:"host"`
		Port     string `mapstructure:"port"`
		Password string `mapstructure:"password"`
		Channel  string `mapstructure:"channel"`
	} `mapstructure:"redis"`
	Server struct {
		Port string `mapstructure:"port"`

		// TrustProxy makes client IPs come from X-Forwarded-For/X-Real-IP.
		// Enable only behind a proxy that overwrites those headers.
		TrustProxy bool `mapstructure:"trust_proxy"`
	} `mapstructure:"server"`
	JWT struct {
		AccessSecret  string        `mapstructure:"access_secret"`
		RefreshSecret string        `mapstructure:"refresh_secret"`
		AccessTTL     time.Duration `mapstructure:"access_ttl"`
		RefreshTTL    time.Duration `mapstructure:"refresh_ttl"`
		Issuer        string        `mapstructure:"issuer"`
	} `mapstructure:"jwt"`
	Auth struct {
		BlacklistMaxEntries int           `mapstructure:"blacklist_max_entries"`
		SweepInterval       time.Duration `mapstructure:"sweep_interval"`
		UserCacheTTL        time.Duration `mapstructure:"user_cache_ttl"`
		LookupTimeout       time.Duration `mapstructure:"lookup_timeout"`
		BcryptCost          int           `mapstructure:"bcrypt_cost"`
		LoginRatePerMinute  int           `mapstructure:"login_rate_per_minute"`
		LoginBurst          int           `mapstructure:"login_burst"`
		CookieSecure        bool          `mapstructure:"cookie_secure"`
	} `mapstructure:"auth"`
	CORS struct {
		AllowedOrigins []string `mapstructure:"allowed_origins"`
	} `mapstructure:"cors"`
	Log struct {
		Level  string `mapstructure:"level"`
		Format string `mapstructure:"format"`
	} `mapstructure:"log"`
}

var AppConfig Config

// IsProduction reports whether the service runs with production settings.
func (c *Config) IsProduction() bool {
	return strings.EqualFold(c.Env, "production")
}

// RedisEnabled reports whether a Redis host has been configured.
func (c *Config) RedisEnabled() bool {
	return c.Redis.Host != ""
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("env", "development")

	v.SetDefault("database.host", "localhost")
	v.SetDefault("database.port", "5432")
	v.SetDefault("database.user", "postgres")
	v.SetDefault("database.password", "")
	v.SetDefault("database.name", "storefront")
	v.SetDefault("database.sslmode", "disable")

	v.SetDefault("redis.host", "")
	v.SetDefault("redis.port", "6379")
	v.SetDefault("redis.password", "")
	v.SetDefault("redis.channel", "storefront:revocations")

	v.SetDefault("server.port", "8080")
	v.SetDefault("server.trust_proxy", false)

	v.SetDefault("jwt.access_secret", "")
	v.SetDefault("jwt.refresh_secret", "")
	v.SetDefault("jwt.access_ttl", 15*time.Minute)
	v.SetDefault("jwt.refresh_ttl", 7*24*time.Hour)
	v.SetDefault("jwt.issuer", "storefront-api")

	v.SetDefault("auth.blacklist_max_entries", 100000)
	v.SetDefault("auth.sweep_interval", 5*time.Minute)
	v.SetDefault("auth.user_cache_ttl", 10*time.Minute)
	v.SetDefault("auth.lookup_timeout", 3*time.Second)
	v.SetDefault("auth.bcrypt_cost", 10)
	v.SetDefault("auth.login_rate_per_minute", 10)
	v.SetDefault("auth.login_burst", 5)
	v.SetDefault("auth.cookie_secure", true)

	v.SetDefault("cors.allowed_origins", []string{"http://localhost:5173"})

	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "json")
}

// Load reads config.yml from path (optional), a .env file next to it
// (optional) and the environment. Environment keys use underscores in place
// of dots, e.g. JWT_ACCESS_SECRET overrides jwt.access_secret.
func Load(path string) (*Config, error) {
	// A missing .env is the normal case outside local development.
	_ = godotenv.Load(strings.TrimSuffix(path, "/") + "/.env")

	v := viper.New()
	v.AddConfigPath(path)
	v.SetConfigName("config")
	v.SetConfigType("yml")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	setDefaults(v)

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return nil, fmt.Errorf("error reading config file: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("unable to decode into struct: %w", err)
	}

	if err := cfg.fillDevelopmentSecrets(); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// LoadConfig loads the configuration into AppConfig and exits the process on
// failure.
func LoadConfig(path string) {
	cfg, err := Load(path)
	if err != nil {
		log.Fatalf("Invalid configuration: %v", err)
	}
	AppConfig = *cfg
}

// Validate checks the invariants the auth core relies on.
func (c *Config) Validate() error {
	if len(c.JWT.AccessSecret) < minSecretLength {
		return fmt.Errorf("jwt.access_secret must be at least %d characters", minSecretLength)
	}
	if len(c.JWT.RefreshSecret) < minSecretLength {
		return fmt.Errorf("jwt.refresh_secret must be at least %d characters", minSecretLength)
	}
	if c.JWT.AccessSecret == c.JWT.RefreshSecret {
		return errors.New("jwt.access_secret and jwt.refresh_secret must differ")
	}
	if c.JWT.AccessTTL <= 0 || c.JWT.RefreshTTL <= 0 {
		return errors.New("jwt ttl values must be positive")
	}
	if c.JWT.AccessTTL >= c.JWT.RefreshTTL {
		return errors.New("jwt.access_ttl must be shorter than jwt.refresh_ttl")
	}
	if c.Auth.BlacklistMaxEntries <= 0 {
		return errors.New("auth.blacklist_max_entries must be positive")
	}
	if c.Auth.SweepInterval <= 0 || c.Auth.UserCacheTTL <= 0 || c.Auth.LookupTimeout <= 0 {
		return errors.New("auth intervals must be positive")
	}
	return nil
}

// fillDevelopmentSecrets generates throwaway signing secrets outside
// production so a fresh checkout starts without extra setup. Tokens signed
// with them do not survive a restart.
func (c *Config) fillDevelopmentSecrets() error {
	for name, secret := range map[string]*string{
		"jwt.access_secret":  &c.JWT.AccessSecret,
		"jwt.refresh_secret": &c.JWT.RefreshSecret,
	} {
		if *secret != "" {
			continue
		}
		if c.IsProduction() {
			return fmt.Errorf("%s is required in production", name)
		}
		generated, err := randomSecret()
		if err != nil {
			return fmt.Errorf("generating %s: %w", name, err)
		}
		*secret = generated
		log.Printf("WARNING: %s not set, generated a temporary one for %s", name, c.Env)
	}
	return nil
}

func randomSecret() (string, error) {
	buf := make([]byte, 32)
	if _, err := rand.Read(buf); err != nil {
		return "", err
	}
	return hex.EncodeToString(buf), nil
}

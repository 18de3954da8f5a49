// Package config loads hotelauthd configuration.
//
// Values are resolved in three layers: built-in defaults, then an optional
// YAML file, then HOTEL_* environment variables. Every secret can also be
// read from a file named by the matching *_FILE variable, which wins over
// the plain variable.
package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/adeilh/hotelauth/auth"
	"github.com/adeilh/hotelauth/pii"
)

const EnvPrefix = "HOTEL_"

var ErrInvalid = errors.New("config: invalid configuration")

type Config struct {
	Auth      AuthConfig      `yaml:"auth"`
	PII       PIIConfig       `yaml:"pii"`
	Cache     CacheConfig     `yaml:"cache"`
	Directory DirectoryConfig `yaml:"directory"`
	HTTP      HTTPConfig      `yaml:"http"`
	Log       LogConfig       `yaml:"log"`
}

type AuthConfig struct {
	// Secret signs session cookies. At least 32 bytes.
	Secret         string `yaml:"secret"`
	ExpirationDays int    `yaml:"expirationDays"`
	Issuer         string `yaml:"issuer"`
	Audience       string `yaml:"audience"`
	CookieName     string `yaml:"cookieName"`
	SecureCookie   bool   `yaml:"secureCookie"`
	// LoginPath is where anonymous page requests are redirected. Empty
	// means protected routes always answer 401.
	LoginPath string `yaml:"loginPath"`
}

// Lifetime is the session cookie lifetime.
func (a AuthConfig) Lifetime() time.Duration {
	return time.Duration(a.ExpirationDays) * 24 * time.Hour
}

type PIIConfig struct {
	EncryptionKey   string        `yaml:"encryptionKey"`
	CacheKeyVersion string        `yaml:"cacheKeyVersion"`
	TTL             time.Duration `yaml:"ttl"`
	Sliding         time.Duration `yaml:"sliding"`
	SafetyMargin    time.Duration `yaml:"safetyMargin"`
	Coalesce        bool          `yaml:"coalesce"`
}

type CacheConfig struct {
	Driver string      `yaml:"driver"`
	Redis  RedisConfig `yaml:"redis"`
}

type RedisConfig struct {
	Addr     string `yaml:"addr"`
	Password string `yaml:"password"`
	DB       int    `yaml:"db"`
}

type DirectoryConfig struct {
	Driver  string `yaml:"driver"`
	DSN     string `yaml:"dsn"`
	BaseURL string `yaml:"baseURL"`
	Token   string `yaml:"token"`
}

type HTTPConfig struct {
	Address      string        `yaml:"address"`
	ReadTimeout  time.Duration `yaml:"readTimeout"`
	WriteTimeout time.Duration `yaml:"writeTimeout"`
}

type LogConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

const (
	CacheMemory = "memory"
	CacheRedis  = "redis"

	DirectoryPostgres = "postgres"
	DirectoryREST     = "rest"
)

// Default returns the configuration used when nothing is set.
func Default() Config {
	return Config{
		Auth: AuthConfig{
			ExpirationDays: 60,
			Issuer:         "hotelauth",
			Audience:       "hotel-web",
			CookieName:     auth.DefaultCookieName,
			SecureCookie:   true,
		},
		PII: PIIConfig{
			CacheKeyVersion: "v1",
			TTL:             pii.DefaultTTL,
			Sliding:         pii.DefaultSliding,
			SafetyMargin:    pii.DefaultSafetyMargin,
		},
		Cache: CacheConfig{
			Driver: CacheMemory,
			Redis:  RedisConfig{Addr: "127.0.0.1:6379"},
		},
		Directory: DirectoryConfig{Driver: DirectoryPostgres},
		HTTP: HTTPConfig{
			Address:      ":8080",
			ReadTimeout:  15 * time.Second,
			WriteTimeout: 15 * time.Second,
		},
		Log: LogConfig{Level: "info", Format: "json"},
	}
}

// Load builds a Config from defaults, the YAML file at path (skipped when
// path is empty) and the environment, then validates it.
func Load(path string) (Config, error) {
	cfg := Default()
	if path != "" {
		raw, err := os.ReadFile(path)
		if err != nil {
			return Config{}, fmt.Errorf("config: read %s: %w", path, err)
		}
		if err := yaml.Unmarshal(raw, &cfg); err != nil {
			return Config{}, fmt.Errorf("config: parse %s: %w", path, err)
		}
	}
	if err := cfg.applyEnv(os.LookupEnv); err != nil {
		return Config{}, err
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Validate reports every problem at once, joined under ErrInvalid.
func (c Config) Validate() error {
	var errs []error
	if len(c.Auth.Secret) < auth.MinSecretLength {
		errs = append(errs, fmt.Errorf("auth.secret must be at least %d bytes", auth.MinSecretLength))
	}
	if strings.TrimSpace(c.Auth.Issuer) == "" {
		errs = append(errs, errors.New("auth.issuer is required"))
	}
	if strings.TrimSpace(c.Auth.Audience) == "" {
		errs = append(errs, errors.New("auth.audience is required"))
	}
	if c.Auth.ExpirationDays <= 0 {
		errs = append(errs, errors.New("auth.expirationDays must be positive"))
	}
	if strings.TrimSpace(c.PII.EncryptionKey) == "" {
		errs = append(errs, errors.New("pii.encryptionKey is required"))
	}
	if c.PII.TTL <= 0 {
		errs = append(errs, errors.New("pii.ttl must be positive"))
	} else if c.PII.SafetyMargin >= c.PII.TTL {
		errs = append(errs, errors.New("pii.safetyMargin must be shorter than pii.ttl"))
	}
	switch c.Cache.Driver {
	case CacheMemory:
	case CacheRedis:
		if c.Cache.Redis.Addr == "" {
			errs = append(errs, errors.New("cache.redis.addr is required"))
		}
	default:
		errs = append(errs, fmt.Errorf("cache.driver %q is not one of memory, redis", c.Cache.Driver))
	}
	switch c.Directory.Driver {
	case DirectoryPostgres:
		if c.Directory.DSN == "" {
			errs = append(errs, errors.New("directory.dsn is required for postgres"))
		}
	case DirectoryREST:
		if c.Directory.BaseURL == "" {
			errs = append(errs, errors.New("directory.baseURL is required for rest"))
		}
	default:
		errs = append(errs, fmt.Errorf("directory.driver %q is not one of postgres, rest", c.Directory.Driver))
	}
	if c.Log.Format != "json" && c.Log.Format != "text" {
		errs = append(errs, fmt.Errorf("log.format %q is not one of json, text", c.Log.Format))
	}
	if len(errs) == 0 {
		return nil
	}
	return fmt.Errorf("%w: %w", ErrInvalid, errors.Join(errs...))
}

type lookupFunc func(string) (string, bool)

func (c *Config) applyEnv(lookup lookupFunc) error {
	bindings := []struct {
		key    string
		secret bool
		set    func(string) error
	}{
		{"AUTH_SECRET", true, str(&c.Auth.Secret)},
		{"AUTH_EXPIRATION_DAYS", false, integer(&c.Auth.ExpirationDays)},
		{"AUTH_ISSUER", false, str(&c.Auth.Issuer)},
		{"AUTH_AUDIENCE", false, str(&c.Auth.Audience)},
		{"AUTH_COOKIE_NAME", false, str(&c.Auth.CookieName)},
		{"AUTH_SECURE_COOKIE", false, boolean(&c.Auth.SecureCookie)},
		{"AUTH_LOGIN_PATH", false, str(&c.Auth.LoginPath)},
		{"PII_ENCRYPTION_KEY", true, str(&c.PII.EncryptionKey)},
		{"PII_CACHE_KEY_VERSION", false, str(&c.PII.CacheKeyVersion)},
		{"PII_TTL", false, duration(&c.PII.TTL)},
		{"PII_SLIDING", false, duration(&c.PII.Sliding)},
		{"PII_SAFETY_MARGIN", false, duration(&c.PII.SafetyMargin)},
		{"PII_COALESCE", false, boolean(&c.PII.Coalesce)},
		{"CACHE_DRIVER", false, str(&c.Cache.Driver)},
		{"REDIS_ADDR", false, str(&c.Cache.Redis.Addr)},
		{"REDIS_PASSWORD", true, str(&c.Cache.Redis.Password)},
		{"REDIS_DB", false, integer(&c.Cache.Redis.DB)},
		{"DIRECTORY_DRIVER", false, str(&c.Directory.Driver)},
		{"DIRECTORY_DSN", true, str(&c.Directory.DSN)},
		{"DIRECTORY_BASE_URL", false, str(&c.Directory.BaseURL)},
		{"DIRECTORY_TOKEN", true, str(&c.Directory.Token)},
		{"HTTP_ADDRESS", false, str(&c.HTTP.Address)},
		{"HTTP_READ_TIMEOUT", false, duration(&c.HTTP.ReadTimeout)},
		{"HTTP_WRITE_TIMEOUT", false, duration(&c.HTTP.WriteTimeout)},
		{"LOG_LEVEL", false, str(&c.Log.Level)},
		{"LOG_FORMAT", false, str(&c.Log.Format)},
	}
	for _, b := range bindings {
		name := EnvPrefix + b.key
		value, ok, err := lookupValue(lookup, name, b.secret)
		if err != nil {
			return err
		}
		if !ok {
			continue
		}
		if err := b.set(value); err != nil {
			return fmt.Errorf("config: %s: %w", name, err)
		}
	}
	return nil
}

// lookupValue prefers NAME_FILE for secrets. Empty variables count as unset.
func lookupValue(lookup lookupFunc, name string, secret bool) (string, bool, error) {
	if secret {
		if path, ok := lookup(name + "_FILE"); ok && path != "" {
			raw, err := os.ReadFile(path)
			if err != nil {
				return "", false, fmt.Errorf("config: %s_FILE: %w", name, err)
			}
			return strings.TrimSpace(string(raw)), true, nil
		}
	}
	value, ok := lookup(name)
	if !ok || value == "" {
		return "", false, nil
	}
	return value, true, nil
}

func str(dst *string) func(string) error {
	return func(v string) error {
		*dst = v
		return nil
	}
}

func integer(dst *int) func(string) error {
	return func(v string) error {
		n, err := strconv.Atoi(strings.TrimSpace(v))
		if err != nil {
			return err
		}
		*dst = n
		return nil
	}
}

func boolean(dst *bool) func(string) error {
	return func(v string) error {
		b, err := strconv.ParseBool(strings.TrimSpace(v))
		if err != nil {
			return err
		}
		*dst = b
		return nil
	}
}

func duration(dst *time.Duration) func(string) error {
	return func(v string) error {
		d, err := time.ParseDuration(strings.TrimSpace(v))
		if err != nil {
			return err
		}
		*dst = d
		return nil
	}
}

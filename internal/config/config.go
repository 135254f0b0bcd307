package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Config is the process configuration shared by the web and worker tiers.
type Config struct {
	Server  Server  `yaml:"server"`
	Store   Store   `yaml:"store"`
	Bus     Bus     `yaml:"bus"`
	Cache   Cache   `yaml:"cache"`
	Webhook Webhook `yaml:"webhook"`
	MFA     MFA     `yaml:"mfa"`
	Auth    Auth    `yaml:"auth"`
	Trace   Trace   `yaml:"trace"`
	Tools   Tools   `yaml:"tools"`
}

type Server struct {
	Addr           string        `yaml:"addr"`
	RequestTimeout time.Duration `yaml:"requestTimeout"`
	RateBurst      int           `yaml:"rateBurst"`
	RatePerSecond  int           `yaml:"ratePerSecond"`
	MaxBodyBytes   int64         `yaml:"maxBodyBytes"`
	LogLevel       string        `yaml:"logLevel"`
}

type Store struct {
	Driver   string `yaml:"driver"` // memory, postgres, mongo
	DSN      string `yaml:"dsn"`
	Database string `yaml:"database"`
}

type Bus struct {
	Transport         string        `yaml:"transport"` // memory, redis
	RedisAddr         string        `yaml:"redisAddr"`
	RedisPassword     string        `yaml:"redisPassword"`
	RedisDB           int           `yaml:"redisDB"`
	SchedulerInterval time.Duration `yaml:"schedulerInterval"`
	PollTimeout       time.Duration `yaml:"pollTimeout"`
}

type Cache struct {
	Driver        string        `yaml:"driver"` // memory, memcached
	MemcachedAddr string        `yaml:"memcachedAddr"`
	TTL           time.Duration `yaml:"ttl"`
}

type Webhook struct {
	RetryDelays   []int         `yaml:"retryDelays"` // seconds
	Timeout       time.Duration `yaml:"timeout"`
	MaxPerType    int           `yaml:"maxPerType"`
	RatePerMinute float64       `yaml:"ratePerMinute"`
	RateBurst     int           `yaml:"rateBurst"`
}

type MFA struct {
	Storage         string        `yaml:"storage"` // docstore, filesystem
	Dir             string        `yaml:"dir"`
	Digits          int           `yaml:"digits"`
	Period          time.Duration `yaml:"period"`
	Windows         int           `yaml:"windows"`
	RateLimitCount  int           `yaml:"rateLimitCount"`
	RateLimitWindow time.Duration `yaml:"rateLimitWindow"`
	RecoveryCount   int           `yaml:"recoveryCount"`
	RecoveryLength  int           `yaml:"recoveryLength"`
	SiteName        string        `yaml:"siteName"`
}

type Auth struct {
	TokenSecret string        `yaml:"tokenSecret"`
	TokenTTL    time.Duration `yaml:"tokenTTL"`
}

type Trace struct {
	Enabled  bool   `yaml:"enabled"`
	Endpoint string `yaml:"endpoint"`
}

type Tools struct {
	// MinStatus hides tools below this maturity from the installable list.
	MinStatus string `yaml:"minStatus"`
}

// Default returns the configuration used when no file is supplied.
func Default() Config {
	return Config{
		Server: Server{
			Addr:           ":8080",
			RequestTimeout: 30 * time.Second,
			RateBurst:      50,
			RatePerSecond:  25,
			MaxBodyBytes:   1 << 20,
			LogLevel:       "info",
		},
		Store: Store{Driver: "memory", Database: "allura"},
		Bus: Bus{
			Transport:         "memory",
			SchedulerInterval: 5 * time.Second,
			PollTimeout:       5 * time.Second,
		},
		Cache: Cache{Driver: "memory", TTL: 10 * time.Minute},
		Webhook: Webhook{
			RetryDelays:   []int{60, 120, 240},
			Timeout:       30 * time.Second,
			MaxPerType:    3,
			RatePerMinute: 30,
			RateBurst:     10,
		},
		MFA: MFA{
			Storage:         "docstore",
			Digits:          6,
			Period:          30 * time.Second,
			Windows:         2,
			RateLimitCount:  3,
			RateLimitWindow: 30 * time.Second,
			RecoveryCount:   10,
			RecoveryLength:  8,
			SiteName:        "Allura",
		},
		Auth:  Auth{TokenTTL: 12 * time.Hour},
		Tools: Tools{MinStatus: "production"},
	}
}

// Load reads a YAML file on top of Default and applies environment overrides.
// An empty path skips the file.
func Load(path string) (Config, error) {
	cfg := Default()
	if path != "" {
		file, err := os.Open(path)
		if err != nil {
			return Config{}, err
		}
		defer file.Close()
		if err := yaml.NewDecoder(file).Decode(&cfg); err != nil {
			return Config{}, fmt.Errorf("decode %s: %w", path, err)
		}
	}
	applyEnv(&cfg, os.Getenv)
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func applyEnv(cfg *Config, getenv func(string) string) {
	if v := getenv("ALLURA_STORE_DRIVER"); v != "" {
		cfg.Store.Driver = v
	}
	if v := getenv("ALLURA_STORE_DSN"); v != "" {
		cfg.Store.DSN = v
	}
	if v := getenv("ALLURA_BUS_TRANSPORT"); v != "" {
		cfg.Bus.Transport = v
	}
	if v := getenv("ALLURA_REDIS_ADDR"); v != "" {
		cfg.Bus.RedisAddr = v
	}
	if v := getenv("ALLURA_REDIS_PASSWORD"); v != "" {
		cfg.Bus.RedisPassword = v
	}
	if v := getenv("ALLURA_MEMCACHED_ADDR"); v != "" {
		cfg.Cache.Driver = "memcached"
		cfg.Cache.MemcachedAddr = v
	}
	if v := getenv("ALLURA_AUTH_SECRET"); v != "" {
		cfg.Auth.TokenSecret = v
	}
	if v := getenv("ALLURA_MFA_STORAGE"); v != "" {
		cfg.MFA.Storage = v
	}
	if v := getenv("ALLURA_MFA_DIR"); v != "" {
		cfg.MFA.Dir = v
	}
	if v := getenv("ALLURA_TRACE_ENDPOINT"); v != "" {
		cfg.Trace.Enabled = true
		cfg.Trace.Endpoint = v
	}
	if v := getenv("ALLURA_WEBHOOK_RETRY_DELAYS"); v != "" {
		var delays []int
		for _, part := range strings.Split(v, ",") {
			n, err := strconv.Atoi(strings.TrimSpace(part))
			if err != nil || n < 0 {
				continue
			}
			delays = append(delays, n)
		}
		cfg.Webhook.RetryDelays = delays
	}
}

// Validate checks option values that would otherwise fail late at runtime.
func (c Config) Validate() error {
	var errs []error
	switch c.Store.Driver {
	case "memory":
	case "postgres", "mongo":
		if c.Store.DSN == "" {
			errs = append(errs, fmt.Errorf("store.dsn is required for driver %q", c.Store.Driver))
		}
	default:
		errs = append(errs, fmt.Errorf("unknown store.driver %q", c.Store.Driver))
	}
	switch c.Bus.Transport {
	case "memory":
	case "redis":
		if c.Bus.RedisAddr == "" {
			errs = append(errs, errors.New("bus.redisAddr is required for the redis transport"))
		}
	default:
		errs = append(errs, fmt.Errorf("unknown bus.transport %q", c.Bus.Transport))
	}
	switch c.Cache.Driver {
	case "", "memory":
	case "memcached":
		if c.Cache.MemcachedAddr == "" {
			errs = append(errs, errors.New("cache.memcachedAddr is required for memcached"))
		}
	default:
		errs = append(errs, fmt.Errorf("unknown cache.driver %q", c.Cache.Driver))
	}
	switch c.MFA.Storage {
	case "docstore":
	case "filesystem":
		if c.MFA.Dir == "" {
			errs = append(errs, errors.New("mfa.dir is required for filesystem storage"))
		}
	default:
		errs = append(errs, fmt.Errorf("unknown mfa.storage %q", c.MFA.Storage))
	}
	if c.MFA.Digits < 6 || c.MFA.Digits > 8 {
		errs = append(errs, fmt.Errorf("mfa.digits must be between 6 and 8, got %d", c.MFA.Digits))
	}
	if c.MFA.Period <= 0 {
		errs = append(errs, errors.New("mfa.period must be positive"))
	}
	if c.MFA.Windows < 1 {
		errs = append(errs, errors.New("mfa.windows must be at least 1"))
	}
	for _, d := range c.Webhook.RetryDelays {
		if d < 0 {
			errs = append(errs, errors.New("webhook.retryDelays must be non-negative"))
			break
		}
	}
	return errors.Join(errs...)
}

// RetrySchedule converts the configured webhook delays into durations.
func (w Webhook) RetrySchedule() []time.Duration {
	out := make([]time.Duration, 0, len(w.RetryDelays))
	for _, d := range w.RetryDelays {
		out = append(out, time.Duration(d)*time.Second)
	}
	return out
}

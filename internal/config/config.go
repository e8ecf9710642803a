package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/viper"
)

// Config holds runtime configuration values for the judge API and its tools.
type Config struct {
	AppName             string
	AppEnv              string
	AppPort             string
	DatabaseURL         string
	RedisURL            string
	NATSURL             string
	JWTSecret           string
	JudgerURL           string
	JudgeTimeout        time.Duration
	RequestTimeout      time.Duration
	StandingsCacheTTL   time.Duration
	EventsChannel       string
	LockTTL             time.Duration
	SubmissionRateLimit int
	ReleaseInterval     time.Duration
}

// HTTPAddress returns the address the HTTP server should listen on.
func (c Config) HTTPAddress() string {
	if strings.HasPrefix(c.AppPort, ":") {
		return c.AppPort
	}

	return fmt.Sprintf(":%s", c.AppPort)
}

// LockPrefix is the redis key prefix of the per-user aggregate locks.
func (c Config) LockPrefix() string {
	return lockPrefix(c.AppName)
}

func lockPrefix(appName string) string {
	return appName + ":lock"
}

func newViper() *viper.Viper {
	_ = godotenv.Load()

	v := viper.New()
	v.SetEnvPrefix("GEMA")
	v.AutomaticEnv()
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))

	v.SetDefault("app.name", "GEMA Judge")
	v.SetDefault("app.env", "development")
	v.SetDefault("app.port", "8080")
	v.SetDefault("database.url", "")
	v.SetDefault("redis.url", "")
	v.SetDefault("nats.url", "")
	v.SetDefault("jwt.secret", "")
	v.SetDefault("judger.url", "http://localhost:3000")
	v.SetDefault("judger.timeout", "20s")
	v.SetDefault("request.timeout", "30s")
	v.SetDefault("standings.cache_ttl", "30s")
	v.SetDefault("events.channel", "gema:judge")
	v.SetDefault("lock.ttl", "45s")
	v.SetDefault("submission.rate_limit", 6)
	v.SetDefault("contest.release_interval", "1m")

	return v
}

func duration(v *viper.Viper, key string) (time.Duration, error) {
	raw := strings.TrimSpace(v.GetString(key))
	d, err := time.ParseDuration(raw)
	if err != nil {
		return 0, fmt.Errorf("invalid %s: %w", key, err)
	}
	if d <= 0 {
		return 0, fmt.Errorf("invalid %s: must be positive", key)
	}
	return d, nil
}

// Load reads configuration values from environment variables and optional .env file.
func Load() (Config, error) {
	v := newViper()

	cfg := Config{
		AppName:             v.GetString("app.name"),
		AppEnv:              v.GetString("app.env"),
		AppPort:             v.GetString("app.port"),
		DatabaseURL:         v.GetString("database.url"),
		RedisURL:            v.GetString("redis.url"),
		NATSURL:             v.GetString("nats.url"),
		JWTSecret:           v.GetString("jwt.secret"),
		JudgerURL:           strings.TrimRight(v.GetString("judger.url"), "/"),
		EventsChannel:       v.GetString("events.channel"),
		SubmissionRateLimit: v.GetInt("submission.rate_limit"),
	}

	var err error
	if cfg.JudgeTimeout, err = duration(v, "judger.timeout"); err != nil {
		return Config{}, err
	}
	if cfg.RequestTimeout, err = duration(v, "request.timeout"); err != nil {
		return Config{}, err
	}
	if cfg.StandingsCacheTTL, err = duration(v, "standings.cache_ttl"); err != nil {
		return Config{}, err
	}
	if cfg.LockTTL, err = duration(v, "lock.ttl"); err != nil {
		return Config{}, err
	}
	if cfg.ReleaseInterval, err = duration(v, "contest.release_interval"); err != nil {
		return Config{}, err
	}

	if cfg.JWTSecret == "" {
		return Config{}, fmt.Errorf("jwt secret must be provided")
	}
	if cfg.DatabaseURL == "" {
		return Config{}, fmt.Errorf("database url must be provided")
	}
	if cfg.JudgeTimeout >= cfg.RequestTimeout {
		return Config{}, fmt.Errorf("judger timeout %s must be shorter than request timeout %s", cfg.JudgeTimeout, cfg.RequestTimeout)
	}
	if cfg.LockTTL <= cfg.JudgeTimeout {
		cfg.LockTTL = cfg.JudgeTimeout + 10*time.Second
	}
	if cfg.SubmissionRateLimit <= 0 {
		cfg.SubmissionRateLimit = 6
	}

	return cfg, nil
}

// DatabaseURL resolves only the database DSN, for tools that need nothing else.
func DatabaseURL() string {
	return newViper().GetString("database.url")
}

// LockSettings locates the user locks held by running API nodes.
type LockSettings struct {
	RedisURL string
	Prefix   string
	TTL      time.Duration
}

// Locks resolves the lock backend for tools that write aggregates next to a live API.
func Locks() LockSettings {
	v := newViper()
	ttl, err := duration(v, "lock.ttl")
	if err != nil {
		ttl = 45 * time.Second
	}
	return LockSettings{
		RedisURL: v.GetString("redis.url"),
		Prefix:   lockPrefix(v.GetString("app.name")),
		TTL:      ttl,
	}
}

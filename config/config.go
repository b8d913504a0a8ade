// Package config loads gateway settings. Defaults are overridden by
// environment variables, then by an optional YAML file named in
// BOARD_CONFIG, then by command-line flags.
package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/spf13/pflag"
	"gopkg.in/yaml.v3"
)

const (
	TransportSSE   = "sse"
	TransportRedis = "redis"
	TransportQueue = "queue"

	envConfigFile = "BOARD_CONFIG"
)

var (
	errMissingAPI  = errors.New("missing task api config")
	errMissingAuth = errors.New("missing Auth0 config")
)

// Config is the gateway configuration.
type Config struct {
	ListenAddr     string        `yaml:"listenAddr"`
	APIBaseURL     string        `yaml:"apiBaseUrl"`
	FetchLimit     int           `yaml:"fetchLimit"`
	RequestTimeout time.Duration `yaml:"requestTimeout"`
	SessionIdleTTL time.Duration `yaml:"sessionIdleTtl"`
	DedupeTTL      time.Duration `yaml:"dedupeTtl"`
	Debug          bool          `yaml:"debug"`

	Realtime Realtime `yaml:"realtime"`
	Auth     Auth     `yaml:"auth"`
}

// Realtime selects and configures the push transport.
type Realtime struct {
	Transport string `yaml:"transport"`

	StreamURL string `yaml:"streamUrl"`

	RedisURL     string `yaml:"redisUrl"`
	RedisChannel string `yaml:"redisChannel"`

	QueueConnectionString string `yaml:"queueConnectionString"`
	QueueName             string `yaml:"queueName"`

	BackoffInitial time.Duration `yaml:"backoffInitial"`
	BackoffMax     time.Duration `yaml:"backoffMax"`
}

// Auth configures bearer verification. One of Domain or SharedSecret is
// required; Insecure instead accepts tokens without checking them.
type Auth struct {
	Domain       string        `yaml:"domain"`
	Audience     string        `yaml:"audience"`
	SharedSecret string        `yaml:"sharedSecret"`
	JWKSCacheTTL time.Duration `yaml:"jwksCacheTtl"`
	Insecure     bool          `yaml:"insecure"`
}

// Default returns the built-in settings.
func Default() Config {
	return Config{
		ListenAddr:     ":8080",
		FetchLimit:     100,
		RequestTimeout: 10 * time.Second,
		SessionIdleTTL: 10 * time.Minute,
		DedupeTTL:      24 * time.Hour,
		Realtime: Realtime{
			Transport:      TransportSSE,
			RedisChannel:   "task-events",
			BackoffInitial: 500 * time.Millisecond,
			BackoffMax:     30 * time.Second,
		},
		Auth: Auth{JWKSCacheTTL: 15 * time.Minute},
	}
}

// Load builds the configuration for args (without the program name).
func Load(args []string) (Config, error) {
	cfg := Default()
	if err := cfg.applyEnv(); err != nil {
		return Config{}, err
	}
	if path := os.Getenv(envConfigFile); path != "" {
		if err := cfg.applyFile(path); err != nil {
			return Config{}, err
		}
	}
	fs := pflag.NewFlagSet("taskboard", pflag.ContinueOnError)
	cfg.AddFlags(fs)
	if err := fs.Parse(args); err != nil {
		return Config{}, err
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func (c *Config) applyEnv() error {
	var err error
	if v, ok := os.LookupEnv("BOARD_PORT"); ok {
		c.ListenAddr = ":" + v
	}
	c.ListenAddr = envString("BOARD_LISTEN_ADDR", c.ListenAddr)
	c.APIBaseURL = envString("TASK_API_URL", c.APIBaseURL)
	if c.FetchLimit, err = envInt("TASKS_FETCH_LIMIT", c.FetchLimit); err != nil {
		return err
	}
	if c.RequestTimeout, err = envDur("TASK_API_TIMEOUT", c.RequestTimeout); err != nil {
		return err
	}
	if c.SessionIdleTTL, err = envDur("SESSION_IDLE_TTL", c.SessionIdleTTL); err != nil {
		return err
	}
	if c.DedupeTTL, err = envDur("DEDUPER_TTL", c.DedupeTTL); err != nil {
		return err
	}
	if dbg, perr := strconv.ParseBool(os.Getenv("DEBUG")); perr == nil {
		c.Debug = dbg
	}

	r := &c.Realtime
	r.Transport = strings.ToLower(envString("REALTIME_TRANSPORT", r.Transport))
	r.StreamURL = envString("REALTIME_STREAM_URL", r.StreamURL)
	r.RedisURL = envString("REDIS_CONNECTION_STRING", r.RedisURL)
	r.RedisChannel = envString("REDIS_CHANNEL", r.RedisChannel)
	r.QueueConnectionString = envString("STORAGE_CONNECTION_STRING", r.QueueConnectionString)
	r.QueueName = envString("TASK_EVENTS_QUEUE", r.QueueName)
	if r.BackoffInitial, err = envDur("REALTIME_BACKOFF_INITIAL", r.BackoffInitial); err != nil {
		return err
	}
	if r.BackoffMax, err = envDur("REALTIME_BACKOFF_MAX", r.BackoffMax); err != nil {
		return err
	}

	a := &c.Auth
	a.Domain = envString("AUTH0_DOMAIN", a.Domain)
	a.Audience = envString("AUTH0_AUDIENCE", a.Audience)
	a.SharedSecret = envString("LOCAL_AUTH_SHARED_SECRET", a.SharedSecret)
	if a.JWKSCacheTTL, err = envDur("JWKS_CACHE_TTL", a.JWKSCacheTTL); err != nil {
		return err
	}
	if v := os.Getenv("AUTH_INSECURE"); v != "" {
		if a.Insecure, err = strconv.ParseBool(v); err != nil {
			return fmt.Errorf("invalid AUTH_INSECURE: %w", err)
		}
	}
	return nil
}

func (c *Config) applyFile(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("read config %s: %w", path, err)
	}
	if err := yaml.Unmarshal(data, c); err != nil {
		return fmt.Errorf("parse config %s: %w", path, err)
	}
	c.Realtime.Transport = strings.ToLower(c.Realtime.Transport)
	return nil
}

// AddFlags registers overrides for the most commonly changed settings.
func (c *Config) AddFlags(fs *pflag.FlagSet) {
	fs.StringVar(&c.ListenAddr, "listen", c.ListenAddr, "address to serve the board gateway on")
	fs.StringVar(&c.APIBaseURL, "api", c.APIBaseURL, "base URL of the task API")
	fs.IntVar(&c.FetchLimit, "limit", c.FetchLimit, "tasks fetched per board load")
	fs.DurationVar(&c.RequestTimeout, "timeout", c.RequestTimeout, "task API request timeout")
	fs.DurationVar(&c.SessionIdleTTL, "session-ttl", c.SessionIdleTTL, "unmount idle board sessions after this long")
	fs.StringVar(&c.Realtime.Transport, "transport", c.Realtime.Transport, "realtime transport: sse, redis or queue")
	fs.StringVar(&c.Realtime.StreamURL, "stream-url", c.Realtime.StreamURL, "event stream URL for the sse transport")
	fs.BoolVar(&c.Debug, "debug", c.Debug, "enable debug logging")
	fs.BoolVar(&c.Auth.Insecure, "auth-insecure", c.Auth.Insecure, "accept bearer tokens without verifying them (local development only)")
}

// Validate reports the first missing or inconsistent setting.
func (c Config) Validate() error {
	if c.APIBaseURL == "" {
		return errMissingAPI
	}
	if c.FetchLimit <= 0 {
		return fmt.Errorf("invalid fetch limit %d: must be greater than zero", c.FetchLimit)
	}
	if c.RequestTimeout < 0 || c.SessionIdleTTL < 0 || c.DedupeTTL < 0 {
		return errors.New("durations must not be negative")
	}
	switch c.Realtime.Transport {
	case TransportSSE:
		if c.Realtime.StreamURL == "" {
			return errors.New("missing realtime stream url")
		}
	case TransportRedis:
		if c.Realtime.RedisURL == "" || c.Realtime.RedisChannel == "" {
			return errors.New("missing redis config")
		}
	case TransportQueue:
		if c.Realtime.QueueConnectionString == "" || c.Realtime.QueueName == "" {
			return errors.New("missing storage config")
		}
	default:
		return fmt.Errorf("unsupported realtime transport %q", c.Realtime.Transport)
	}
	if c.Auth.Domain != "" && c.Auth.Audience == "" {
		return errMissingAuth
	}
	if c.Auth.Domain == "" && c.Auth.SharedSecret == "" && !c.Auth.Insecure {
		return errMissingAuth
	}
	return nil
}

func envString(key, def string) string {
	if v, ok := os.LookupEnv(key); ok && v != "" {
		return v
	}
	return def
}

func envInt(key string, def int) (int, error) {
	v := os.Getenv(key)
	if v == "" {
		return def, nil
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return 0, fmt.Errorf("invalid %s: %w", key, err)
	}
	return n, nil
}

func envDur(key string, def time.Duration) (time.Duration, error) {
	v := os.Getenv(key)
	if v == "" {
		return def, nil
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return 0, fmt.Errorf("invalid %s: %w", key, err)
	}
	return d, nil
}

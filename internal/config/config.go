// Package config loads flowrund settings. FLOWRUN_* environment variables
// override the YAML file, which overrides the defaults.
package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

const EnvPrefix = "FLOWRUN"

// Backends accepted by store.backend.
const (
	BackendMemory   = "memory"
	BackendSQLite   = "sqlite"
	BackendPostgres = "postgres"
	BackendRedis    = "redis"
	BackendMongo    = "mongo"
)

// Config is the complete daemon configuration.
type Config struct {
	Server  *Server
	Store   *Store
	Queue   *Queue
	Worker  *Worker
	Metrics *Metrics
	Log     *Log
	Tracing *Tracing
}

type Server struct {
	Addr string
	// PublicURL is the externally reachable base of resume URLs.
	PublicURL   string
	SyncTimeout time.Duration
}

type Store struct {
	Backend string
	// SQLitePath is a file name or DSN for modernc.org/sqlite.
	SQLitePath  string
	PostgresDSN string
	RedisAddr   string
	RedisDB     int
	RedisPrefix string
	MongoURI    string
	MongoDB     string
}

type Queue struct {
	LeaseDuration  time.Duration
	BackoffBase    time.Duration
	BackoffMax     time.Duration
	BackoffJitter  float64
	MaxAttempts    int
	BreakerEnabled bool
	// BreakerFailures is the number of consecutive storage failures that
	// opens the breaker.
	BreakerFailures    uint32
	BreakerOpenTimeout time.Duration
}

type Worker struct {
	ID                 string
	DefaultConcurrency int
	// Concurrency overrides DefaultConcurrency per job type; 0 disables a
	// type.
	Concurrency    map[string]int
	PollInterval   time.Duration
	SweepInterval  time.Duration
	HandlerTimeout time.Duration
}

type Metrics struct {
	Interval time.Duration
}

type Log struct {
	Mode  string
	Level string
}

type Tracing struct {
	// Exporter is none, stdout or otlp.
	Exporter    string
	Endpoint    string
	Insecure    bool
	SampleRatio float64
	ServiceName string
}

// New returns a viper instance with defaults and environment binding set
// up. Flags may be bound to it before Load.
func New() *viper.Viper {
	v := viper.New()
	setDefaults(v)
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	return v
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("server.addr", ":8080")
	v.SetDefault("server.public_url", "http://localhost:8080")
	v.SetDefault("server.sync_timeout", 30*time.Second)

	v.SetDefault("store.backend", BackendMemory)
	v.SetDefault("store.sqlite_path", "flowrun.db")
	v.SetDefault("store.redis_addr", "localhost:6379")
	v.SetDefault("store.redis_prefix", "flowrun")
	v.SetDefault("store.mongo_db", "flowrun")

	v.SetDefault("queue.lease_duration", 30*time.Second)
	v.SetDefault("queue.backoff_base", time.Second)
	v.SetDefault("queue.backoff_max", 5*time.Minute)
	v.SetDefault("queue.backoff_jitter", 0.2)
	v.SetDefault("queue.max_attempts", 3)
	v.SetDefault("queue.breaker_enabled", true)
	v.SetDefault("queue.breaker_failures", 5)
	v.SetDefault("queue.breaker_open_timeout", 10*time.Second)

	v.SetDefault("worker.default_concurrency", 4)
	v.SetDefault("worker.poll_interval", 500*time.Millisecond)
	v.SetDefault("worker.sweep_interval", 15*time.Second)

	v.SetDefault("metrics.interval", 5*time.Second)

	v.SetDefault("log.mode", "dev")

	v.SetDefault("tracing.exporter", "none")
	v.SetDefault("tracing.sample_ratio", 1.0)
	v.SetDefault("tracing.service_name", "flowrund")
}

// Load reads configPath (when set) into v and builds a validated Config.
func Load(v *viper.Viper, configPath string) (*Config, error) {
	if configPath != "" {
		v.SetConfigFile(configPath)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
	}

	cfg := &Config{
		Server:  getServerConfig(v),
		Store:   getStoreConfig(v),
		Queue:   getQueueConfig(v),
		Worker:  getWorkerConfig(v),
		Metrics: &Metrics{Interval: v.GetDuration("metrics.interval")},
		Log:     &Log{Mode: v.GetString("log.mode"), Level: v.GetString("log.level")},
		Tracing: getTracingConfig(v),
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func getServerConfig(v *viper.Viper) *Server {
	return &Server{
		Addr:        v.GetString("server.addr"),
		PublicURL:   v.GetString("server.public_url"),
		SyncTimeout: v.GetDuration("server.sync_timeout"),
	}
}

func getStoreConfig(v *viper.Viper) *Store {
	return &Store{
		Backend:     strings.ToLower(v.GetString("store.backend")),
		SQLitePath:  v.GetString("store.sqlite_path"),
		PostgresDSN: v.GetString("store.postgres_dsn"),
		RedisAddr:   v.GetString("store.redis_addr"),
		RedisDB:     v.GetInt("store.redis_db"),
		RedisPrefix: v.GetString("store.redis_prefix"),
		MongoURI:    v.GetString("store.mongo_uri"),
		MongoDB:     v.GetString("store.mongo_db"),
	}
}

func getQueueConfig(v *viper.Viper) *Queue {
	return &Queue{
		LeaseDuration:      v.GetDuration("queue.lease_duration"),
		BackoffBase:        v.GetDuration("queue.backoff_base"),
		BackoffMax:         v.GetDuration("queue.backoff_max"),
		BackoffJitter:      v.GetFloat64("queue.backoff_jitter"),
		MaxAttempts:        v.GetInt("queue.max_attempts"),
		BreakerEnabled:     v.GetBool("queue.breaker_enabled"),
		BreakerFailures:    v.GetUint32("queue.breaker_failures"),
		BreakerOpenTimeout: v.GetDuration("queue.breaker_open_timeout"),
	}
}

func getWorkerConfig(v *viper.Viper) *Worker {
	concurrency := make(map[string]int)
	for jobType, n := range v.GetStringMap("worker.concurrency") {
		concurrency[strings.ToUpper(jobType)] = toInt(n)
	}
	return &Worker{
		ID:                 v.GetString("worker.id"),
		DefaultConcurrency: v.GetInt("worker.default_concurrency"),
		Concurrency:        concurrency,
		PollInterval:       v.GetDuration("worker.poll_interval"),
		SweepInterval:      v.GetDuration("worker.sweep_interval"),
		HandlerTimeout:     v.GetDuration("worker.handler_timeout"),
	}
}

func getTracingConfig(v *viper.Viper) *Tracing {
	return &Tracing{
		Exporter:    strings.ToLower(v.GetString("tracing.exporter")),
		Endpoint:    v.GetString("tracing.endpoint"),
		Insecure:    v.GetBool("tracing.insecure"),
		SampleRatio: v.GetFloat64("tracing.sample_ratio"),
		ServiceName: v.GetString("tracing.service_name"),
	}
}

func toInt(v any) int {
	switch n := v.(type) {
	case int:
		return n
	case int64:
		return int(n)
	case float64:
		return int(n)
	case string:
		var i int
		_, _ = fmt.Sscanf(n, "%d", &i)
		return i
	default:
		return 0
	}
}

// Validate rejects settings the daemon cannot run with.
func (c *Config) Validate() error {
	var errs []error

	switch c.Store.Backend {
	case BackendMemory:
	case BackendSQLite:
		if c.Store.SQLitePath == "" {
			errs = append(errs, errors.New("store.sqlite_path is required for the sqlite backend"))
		}
	case BackendPostgres:
		if c.Store.PostgresDSN == "" {
			errs = append(errs, errors.New("store.postgres_dsn is required for the postgres backend"))
		}
	case BackendRedis:
		if c.Store.RedisAddr == "" {
			errs = append(errs, errors.New("store.redis_addr is required for the redis backend"))
		}
	case BackendMongo:
		if c.Store.MongoURI == "" {
			errs = append(errs, errors.New("store.mongo_uri is required for the mongo backend"))
		}
	default:
		errs = append(errs, fmt.Errorf("unknown store.backend %q", c.Store.Backend))
	}

	if c.Server.SyncTimeout <= 0 {
		errs = append(errs, errors.New("server.sync_timeout must be positive"))
	}
	if c.Queue.LeaseDuration <= 0 {
		errs = append(errs, errors.New("queue.lease_duration must be positive"))
	}
	if c.Queue.BackoffBase <= 0 || c.Queue.BackoffMax < c.Queue.BackoffBase {
		errs = append(errs, errors.New("queue.backoff_base must be positive and not above queue.backoff_max"))
	}
	if c.Queue.BackoffJitter < 0 || c.Queue.BackoffJitter > 1 {
		errs = append(errs, errors.New("queue.backoff_jitter must be within [0, 1]"))
	}
	if c.Queue.MaxAttempts < 1 {
		errs = append(errs, errors.New("queue.max_attempts must be at least 1"))
	}
	if c.Worker.DefaultConcurrency < 1 {
		errs = append(errs, errors.New("worker.default_concurrency must be at least 1"))
	}
	for jobType, n := range c.Worker.Concurrency {
		if n < 0 {
			errs = append(errs, fmt.Errorf("worker.concurrency.%s must not be negative", jobType))
		}
	}
	if c.Worker.PollInterval <= 0 {
		errs = append(errs, errors.New("worker.poll_interval must be positive"))
	}
	if c.Metrics.Interval <= 0 {
		errs = append(errs, errors.New("metrics.interval must be positive"))
	}

	switch c.Tracing.Exporter {
	case "none", "stdout":
	case "otlp":
		if c.Tracing.Endpoint == "" {
			errs = append(errs, errors.New("tracing.endpoint is required for the otlp exporter"))
		}
	default:
		errs = append(errs, fmt.Errorf("unknown tracing.exporter %q", c.Tracing.Exporter))
	}
	if c.Tracing.SampleRatio < 0 || c.Tracing.SampleRatio > 1 {
		errs = append(errs, errors.New("tracing.sample_ratio must be within [0, 1]"))
	}

	if len(errs) > 0 {
		return fmt.Errorf("invalid config: %w", errors.Join(errs...))
	}
	return nil
}

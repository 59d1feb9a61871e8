package config

import (
	"strings"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/rpattn/memberships/internal/db"
	"github.com/sirupsen/logrus"
	"github.com/spf13/viper"
)

// Backend selects the persistence implementation.
type Backend string

const (
	BackendPostgres Backend = "postgres"
	BackendMemory   Backend = "memory"
)

// Config is the full service configuration.
type Config struct {
	Backend   Backend
	Database  db.Config
	Storage   StorageConfig
	Ingestion IngestionConfig
	Queue     QueueConfig
	HTTP      HTTPConfig
	Log       LogConfig
}

// StorageConfig points at the bucket holding uploaded source files.
type StorageConfig struct {
	BucketURL string
}

// IngestionConfig tunes the batch ingestion engine.
type IngestionConfig struct {
	Workers            int
	RetryAttempts      uint
	RetryDelay         time.Duration
	LockLease          time.Duration
	CancelPollInterval time.Duration
	ReferenceCacheSize int
}

// QueueConfig configures asynchronous ingestion jobs.
type QueueConfig struct {
	Enabled    bool
	MaxWorkers int
}

// HTTPConfig configures the HTTP adapter.
type HTTPConfig struct {
	Addr           string
	AllowedOrigins []string
}

// LogConfig configures the logger.
type LogConfig struct {
	Level  string
	Format string
}

func setDefaults(v *viper.Viper) {
	defaults := db.DefaultConfig()
	v.SetDefault("backend", string(BackendPostgres))
	v.SetDefault("database.host", defaults.Host)
	v.SetDefault("database.port", defaults.Port)
	v.SetDefault("database.user", defaults.User)
	v.SetDefault("database.password", defaults.Password)
	v.SetDefault("database.dbname", defaults.DBName)
	v.SetDefault("database.sslmode", defaults.SSLMode)
	v.SetDefault("database.max_conns", defaults.MaxConns)

	v.SetDefault("storage.bucket_url", "file:///tmp/memberships-uploads?create_dir=true")

	v.SetDefault("ingestion.workers", 4)
	v.SetDefault("ingestion.retry_attempts", 3)
	v.SetDefault("ingestion.retry_delay", 100*time.Millisecond)
	v.SetDefault("ingestion.lock_lease", 30*time.Minute)
	v.SetDefault("ingestion.cancel_poll_interval", 2*time.Second)
	v.SetDefault("ingestion.reference_cache_size", 20000)

	v.SetDefault("queue.enabled", true)
	v.SetDefault("queue.max_workers", 2)

	v.SetDefault("http.addr", ":8080")
	v.SetDefault("http.allowed_origins", []string{"http://localhost:3000"})

	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "json")
}

// Load reads config.yaml from configPath, falling back to defaults, and applies
// MEMBERSHIPS_* environment overrides (e.g. MEMBERSHIPS_DATABASE_HOST).
func Load(configPath string, logger logrus.FieldLogger) (Config, error) {
	v := viper.New()
	v.SetConfigName("config")
	v.SetConfigType("yaml")
	v.AddConfigPath(configPath)
	v.SetEnvPrefix("MEMBERSHIPS")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	setDefaults(v)

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return Config{}, errors.Wrap(err, "failed to read config file")
		}
		logger.Info("no config.yaml found, using defaults and env vars")
	} else {
		logger.WithField("file", v.ConfigFileUsed()).Info("loaded config file")
	}

	cfg := Config{
		Backend: Backend(v.GetString("backend")),
		Database: db.Config{
			Host:     v.GetString("database.host"),
			Port:     v.GetInt("database.port"),
			User:     v.GetString("database.user"),
			Password: v.GetString("database.password"),
			DBName:   v.GetString("database.dbname"),
			SSLMode:  v.GetString("database.sslmode"),
			MaxConns: v.GetInt32("database.max_conns"),
		},
		Storage: StorageConfig{
			BucketURL: v.GetString("storage.bucket_url"),
		},
		Ingestion: IngestionConfig{
			Workers:            v.GetInt("ingestion.workers"),
			RetryAttempts:      v.GetUint("ingestion.retry_attempts"),
			RetryDelay:         v.GetDuration("ingestion.retry_delay"),
			LockLease:          v.GetDuration("ingestion.lock_lease"),
			CancelPollInterval: v.GetDuration("ingestion.cancel_poll_interval"),
			ReferenceCacheSize: v.GetInt("ingestion.reference_cache_size"),
		},
		Queue: QueueConfig{
			Enabled:    v.GetBool("queue.enabled"),
			MaxWorkers: v.GetInt("queue.max_workers"),
		},
		HTTP: HTTPConfig{
			Addr:           v.GetString("http.addr"),
			AllowedOrigins: v.GetStringSlice("http.allowed_origins"),
		},
		Log: LogConfig{
			Level:  v.GetString("log.level"),
			Format: v.GetString("log.format"),
		},
	}

	return cfg, cfg.Validate()
}

// Validate rejects configurations the engine cannot run with.
func (c Config) Validate() error {
	switch c.Backend {
	case BackendPostgres, BackendMemory:
	default:
		return errors.Newf("unknown backend %q", c.Backend)
	}
	if c.Ingestion.Workers <= 0 {
		return errors.New("ingestion.workers must be positive")
	}
	if c.Ingestion.LockLease <= 0 {
		return errors.New("ingestion.lock_lease must be positive")
	}
	if strings.TrimSpace(c.Storage.BucketURL) == "" {
		return errors.New("storage.bucket_url is required")
	}
	return nil
}

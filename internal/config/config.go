// Package config resolves process settings from defaults, an optional YAML
// file, a .env file, and PIPELINE_* environment variables.
package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/viper"

	"github.com/SakethKoona/distributed-dataset-processor/pkg/pipeline"
)

// Backend names
const (
	ObjectsFilesystem = "filesystem"
	ObjectsS3         = "s3"
	ObjectsHTTP       = "http"

	BusMemory = "memory"
	BusKafka  = "kafka"
	BusDBOS   = "dbos"
)

// Config is the full process configuration
type Config struct {
	HTTPAddr string        `mapstructure:"http_addr"`
	Store    StoreConfig   `mapstructure:"store"`
	Objects  ObjectsConfig `mapstructure:"objects"`
	Bus      BusConfig     `mapstructure:"bus"`
	DBOS     DBOSConfig    `mapstructure:"dbos"`
	Worker   WorkerConfig  `mapstructure:"worker"`
}

// StoreConfig selects the task and mapping database
type StoreConfig struct {
	Driver string `mapstructure:"driver"`
	DSN    string `mapstructure:"dsn"`
}

// ObjectsConfig selects the object store
type ObjectsConfig struct {
	Backend   string `mapstructure:"backend"`
	Bucket    string `mapstructure:"bucket"`
	Dir       string `mapstructure:"dir"`
	Endpoint  string `mapstructure:"endpoint"`
	Region    string `mapstructure:"region"`
	PathStyle bool   `mapstructure:"path_style"`
	BaseURL   string `mapstructure:"base_url"`
}

// BusConfig selects the message bus and its topics
type BusConfig struct {
	Backend    string   `mapstructure:"backend"`
	Brokers    []string `mapstructure:"brokers"`
	GroupID    string   `mapstructure:"group_id"`
	StageTopic string   `mapstructure:"stage_topic"`
	ItemTopic  string   `mapstructure:"item_topic"`
}

// DBOSConfig configures the durable queue bus
type DBOSConfig struct {
	DatabaseURL        string `mapstructure:"database_url"`
	AppName            string `mapstructure:"app_name"`
	ApplicationVersion string `mapstructure:"application_version"`
}

// WorkerConfig tunes the stage worker
type WorkerConfig struct {
	Concurrency      int           `mapstructure:"concurrency"`
	Extensions       []string      `mapstructure:"extensions"`
	PublishRootItems bool          `mapstructure:"publish_root_items"`
	StageTimeout     time.Duration `mapstructure:"stage_timeout"`
	RetryAttempts    uint          `mapstructure:"retry_attempts"`
	RetryDelay       time.Duration `mapstructure:"retry_delay"`
	RetryMaxDelay    time.Duration `mapstructure:"retry_max_delay"`
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("http_addr", ":8080")

	v.SetDefault("store.driver", "sqlite")
	v.SetDefault("store.dsn", "./dev-data/pipeline.db")

	v.SetDefault("objects.backend", ObjectsFilesystem)
	v.SetDefault("objects.bucket", "datasets")
	v.SetDefault("objects.dir", "./dev-data/objects")
	v.SetDefault("objects.endpoint", "")
	v.SetDefault("objects.region", "")
	v.SetDefault("objects.path_style", false)
	v.SetDefault("objects.base_url", "")

	v.SetDefault("bus.backend", BusMemory)
	v.SetDefault("bus.brokers", []string{})
	v.SetDefault("bus.group_id", "dataset-processor")
	v.SetDefault("bus.stage_topic", pipeline.DefaultStageTopic)
	v.SetDefault("bus.item_topic", pipeline.DefaultItemTopic)

	v.SetDefault("dbos.database_url", "")
	v.SetDefault("dbos.app_name", "dataset-processor")
	v.SetDefault("dbos.application_version", "")

	v.SetDefault("worker.concurrency", 8)
	v.SetDefault("worker.extensions", []string{"png", "jpg", "tiff"})
	v.SetDefault("worker.publish_root_items", false)
	v.SetDefault("worker.stage_timeout", 10*time.Minute)
	v.SetDefault("worker.retry_attempts", 3)
	v.SetDefault("worker.retry_delay", 100*time.Millisecond)
	v.SetDefault("worker.retry_max_delay", 2*time.Second)
}

// Load reads .env (if present), then cfgFile (if set), then the environment.
// Nested keys map to PIPELINE_ variables with dots replaced by underscores,
// e.g. PIPELINE_BUS_BACKEND.
func Load(cfgFile string) (*Config, error) {
	// Load .env file if it exists (silently ignore if not found)
	_ = godotenv.Load()

	v := viper.New()
	setDefaults(v)

	v.SetEnvPrefix("PIPELINE")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	if err := v.BindEnv("dbos.database_url", "PIPELINE_DBOS_DATABASE_URL", "DBOS_SYSTEM_DATABASE_URL"); err != nil {
		return nil, fmt.Errorf("bind dbos database url: %w", err)
	}

	if cfgFile != "" {
		v.SetConfigFile(cfgFile)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("error reading config file: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate rejects unknown backends and settings a backend needs but lacks
func (c *Config) Validate() error {
	var errs []error

	switch c.Store.Driver {
	case "postgres", "sqlite":
	default:
		errs = append(errs, fmt.Errorf("store.driver: unknown driver %q", c.Store.Driver))
	}
	if c.Store.DSN == "" {
		errs = append(errs, errors.New("store.dsn is required"))
	}

	switch c.Objects.Backend {
	case ObjectsFilesystem:
		if c.Objects.Dir == "" {
			errs = append(errs, errors.New("objects.dir is required for the filesystem backend"))
		}
	case ObjectsS3:
	case ObjectsHTTP:
		if c.Objects.BaseURL == "" {
			errs = append(errs, errors.New("objects.base_url is required for the http backend"))
		}
	default:
		errs = append(errs, fmt.Errorf("objects.backend: unknown backend %q", c.Objects.Backend))
	}
	if c.Objects.Bucket == "" {
		errs = append(errs, errors.New("objects.bucket is required"))
	}

	switch c.Bus.Backend {
	case BusMemory:
	case BusKafka:
		if len(c.Bus.Brokers) == 0 {
			errs = append(errs, errors.New("bus.brokers is required for the kafka backend"))
		}
	case BusDBOS:
		if c.DBOS.DatabaseURL == "" {
			errs = append(errs, errors.New("DBOS_SYSTEM_DATABASE_URL is required for the dbos backend"))
		}
	default:
		errs = append(errs, fmt.Errorf("bus.backend: unknown backend %q", c.Bus.Backend))
	}
	if c.Bus.StageTopic == "" || c.Bus.ItemTopic == "" {
		errs = append(errs, errors.New("bus.stage_topic and bus.item_topic are required"))
	}

	if c.Worker.Concurrency <= 0 {
		errs = append(errs, errors.New("worker.concurrency must be positive"))
	}

	return errors.Join(errs...)
}

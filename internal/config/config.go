// Package config loads and validates frontier configuration via Viper.
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
	"go.uber.org/zap"

	"github.com/JakeFAU/realtime-cpi-frontier/internal/frontier"
	"github.com/JakeFAU/realtime-cpi-frontier/internal/partition"
	"github.com/JakeFAU/realtime-cpi-frontier/internal/refill"
	"github.com/JakeFAU/realtime-cpi-frontier/internal/scheduler"
)

// Store backends.
const (
	BackendMemory   = "memory"
	BackendPostgres = "postgres"
)

// Config captures all service configuration knobs loaded via Viper.
type Config struct {
	Server    ServerConfig    `mapstructure:"server"`
	Auth      AuthConfig      `mapstructure:"auth"`
	Logging   LoggingConfig   `mapstructure:"logging"`
	Scheduler SchedulerConfig `mapstructure:"scheduler"`
	Refill    RefillConfig    `mapstructure:"refill"`
	Partition PartitionConfig `mapstructure:"partition"`
	Store     StoreConfig     `mapstructure:"store"`
	DB        DBConfig        `mapstructure:"db"`
	PubSub    PubSubConfig    `mapstructure:"pubsub"`
	Seeds     SeedsConfig     `mapstructure:"seeds"`
}

// ServerConfig controls HTTP server behavior.
type ServerConfig struct {
	Port            int           `mapstructure:"port"`
	RequestTimeout  time.Duration `mapstructure:"request_timeout"`
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout"`
}

// AuthConfig defines API authentication toggles.
type AuthConfig struct {
	Enabled bool   `mapstructure:"enabled"`
	APIKey  string `mapstructure:"api_key"`
}

// LoggingConfig toggles zap development features.
type LoggingConfig struct {
	Development bool   `mapstructure:"development"`
	Level       string `mapstructure:"level"`
}

// SchedulerConfig holds fetch intervals in minutes.
type SchedulerConfig struct {
	DefaultInterval    int                     `mapstructure:"default_interval"`
	FetchErrorInterval int                     `mapstructure:"fetch_error_interval"`
	ErrorInterval      int                     `mapstructure:"error_interval"`
	CustomIntervals    []scheduler.RawInterval `mapstructure:"custom_intervals"`
	Never              string                  `mapstructure:"never"`
}

// RefillConfig governs refill queries, reseeds and the refill worker pool.
type RefillConfig struct {
	PageSize         int           `mapstructure:"page_size"`
	SortField        string        `mapstructure:"sort_field"`
	MaxBuckets       int           `mapstructure:"max_buckets"`
	SamplesPerBucket int           `mapstructure:"samples_per_bucket"`
	ReseedInterval   time.Duration `mapstructure:"reseed_interval"`
	QueueDepth       int           `mapstructure:"queue_depth"`
	Workers          int           `mapstructure:"workers"`
	QueriesPerSecond float64       `mapstructure:"queries_per_second"`

	// PartitionQueriesPerSecond throttles refills of any single partition.
	PartitionQueriesPerSecond float64 `mapstructure:"partition_queries_per_second"`
	// InFlightTTL keeps served URLs out of the buffer until their outcome is
	// reported or the TTL runs out; 0 disables tracking.
	InFlightTTL time.Duration `mapstructure:"in_flight_ttl"`
}

// PartitionConfig selects the partition mode and this instance's shard.
type PartitionConfig struct {
	Mode          string        `mapstructure:"mode"`
	MetadataKey   string        `mapstructure:"metadata_key"`
	LookupTimeout time.Duration `mapstructure:"lookup_timeout"`
	ShardID       int           `mapstructure:"shard_id"`
	TotalShards   int           `mapstructure:"total_shards"`
}

// StoreConfig selects the status store backend.
type StoreConfig struct {
	Backend      string `mapstructure:"backend"`
	EnsureSchema bool   `mapstructure:"ensure_schema"`
}

// DBConfig controls access to the relational database.
type DBConfig struct {
	DSN             string        `mapstructure:"dsn"`
	Table           string        `mapstructure:"table"`
	MaxConns        int32         `mapstructure:"max_conns"`
	MinConns        int32         `mapstructure:"min_conns"`
	MaxConnLifetime time.Duration `mapstructure:"max_conn_lifetime"`
}

// PubSubConfig holds metadata for status event notifications.
type PubSubConfig struct {
	ProjectID string `mapstructure:"project_id"`
	TopicName string `mapstructure:"topic_name"`
}

// SeedsConfig points at a seed list injected at startup.
type SeedsConfig struct {
	Path string `mapstructure:"path"`
}

// Load builds a Config from disk/environment.
func Load(path string) (Config, error) {
	v := viper.New()
	v.SetEnvPrefix("FRONTIER")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	setDefaults(v)

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return Config{}, fmt.Errorf("read config: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return Config{}, fmt.Errorf("unmarshal config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}

	return cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("server.port", 8080)
	v.SetDefault("server.request_timeout", 30*time.Second)
	v.SetDefault("server.shutdown_timeout", 10*time.Second)
	v.SetDefault("logging.development", true)
	v.SetDefault("logging.level", "info")
	v.SetDefault("scheduler.default_interval", scheduler.DefaultFetchInterval)
	v.SetDefault("scheduler.fetch_error_interval", scheduler.DefaultFetchErrorInterval)
	v.SetDefault("scheduler.error_interval", scheduler.DefaultErrorInterval)
	v.SetDefault("scheduler.never", scheduler.Never.Format(time.RFC3339))
	v.SetDefault("refill.page_size", 10)
	v.SetDefault("refill.sort_field", frontier.FieldNextFetchDate)
	v.SetDefault("refill.max_buckets", refill.DefaultMaxBuckets)
	v.SetDefault("refill.samples_per_bucket", refill.DefaultSamplesPerBucket)
	v.SetDefault("refill.reseed_interval", refill.DefaultReseedInterval)
	v.SetDefault("refill.queue_depth", 256)
	v.SetDefault("refill.workers", 4)
	v.SetDefault("refill.queries_per_second", 0)
	v.SetDefault("refill.partition_queries_per_second", 0)
	v.SetDefault("refill.in_flight_ttl", 10*time.Minute)
	v.SetDefault("partition.mode", string(partition.ModeHost))
	v.SetDefault("partition.lookup_timeout", 2*time.Second)
	v.SetDefault("partition.shard_id", 0)
	v.SetDefault("partition.total_shards", 1)
	v.SetDefault("store.backend", BackendMemory)
	v.SetDefault("store.ensure_schema", false)
	v.SetDefault("db.table", "frontier_status")
	v.SetDefault("db.max_conns", 8)
}

// Validate enforces required values and reasonable limits.
func (c Config) Validate() error {
	if c.Server.Port <= 0 {
		return fmt.Errorf("server.port must be > 0")
	}
	if c.Auth.Enabled && c.Auth.APIKey == "" {
		return fmt.Errorf("auth.api_key must be set when auth is enabled")
	}
	for name, minutes := range map[string]int{
		"scheduler.default_interval":     c.Scheduler.DefaultInterval,
		"scheduler.fetch_error_interval": c.Scheduler.FetchErrorInterval,
		"scheduler.error_interval":       c.Scheduler.ErrorInterval,
	} {
		if minutes < scheduler.NeverInterval {
			return fmt.Errorf("%s must be >= -1", name)
		}
	}
	if _, err := c.never(); err != nil {
		return err
	}
	if !frontier.ValidSortField(c.Refill.SortField) {
		return fmt.Errorf("refill.sort_field %q is not sortable", c.Refill.SortField)
	}
	if c.Refill.PageSize < 0 {
		return fmt.Errorf("refill.page_size must be >= 0")
	}
	if c.Refill.Workers <= 0 {
		return fmt.Errorf("refill.workers must be > 0")
	}
	if c.Refill.QueueDepth <= 0 {
		return fmt.Errorf("refill.queue_depth must be > 0")
	}
	if c.Refill.QueriesPerSecond < 0 || c.Refill.PartitionQueriesPerSecond < 0 {
		return fmt.Errorf("refill query rates must be >= 0")
	}
	if c.Refill.InFlightTTL < 0 {
		return fmt.Errorf("refill.in_flight_ttl must be >= 0")
	}
	if c.Refill.ReseedInterval <= 0 {
		return fmt.Errorf("refill.reseed_interval must be > 0")
	}
	switch partition.Mode(c.Partition.Mode) {
	case partition.ModeHost, partition.ModeDomain, partition.ModeIP:
	case partition.ModeMetadata:
		if c.Partition.MetadataKey == "" {
			return fmt.Errorf("partition.metadata_key must be set in metadata mode")
		}
	default:
		return fmt.Errorf("partition.mode %q is not supported", c.Partition.Mode)
	}
	if c.Partition.TotalShards < 1 {
		return fmt.Errorf("partition.total_shards must be >= 1")
	}
	if c.Partition.ShardID < 0 || c.Partition.ShardID >= c.Partition.TotalShards {
		return fmt.Errorf("partition.shard_id must be in [0, partition.total_shards)")
	}
	switch c.Store.Backend {
	case BackendMemory:
	case BackendPostgres:
		if c.DB.DSN == "" {
			return fmt.Errorf("db.dsn must be set for the postgres backend")
		}
	default:
		return fmt.Errorf("store.backend %q is not supported", c.Store.Backend)
	}
	if c.PubSub.TopicName != "" && c.PubSub.ProjectID == "" {
		return fmt.Errorf("pubsub.project_id must be set when pubsub.topic_name is set")
	}
	return nil
}

func (c Config) never() (time.Time, error) {
	if c.Scheduler.Never == "" {
		return scheduler.Never, nil
	}
	t, err := time.Parse(time.RFC3339, c.Scheduler.Never)
	if err != nil {
		return time.Time{}, fmt.Errorf("scheduler.never: %w", err)
	}
	return t.UTC(), nil
}

// SchedulerOptions converts the scheduler section, dropping malformed custom
// intervals with a warning.
func (c Config) SchedulerOptions(logger *zap.Logger) scheduler.Config {
	never, err := c.never()
	if err != nil {
		never = scheduler.Never
	}
	return scheduler.Config{
		DefaultInterval:    c.Scheduler.DefaultInterval,
		FetchErrorInterval: c.Scheduler.FetchErrorInterval,
		ErrorInterval:      c.Scheduler.ErrorInterval,
		CustomIntervals:    scheduler.ParseCustomIntervals(c.Scheduler.CustomIntervals, logger),
		Never:              never,
	}
}

// RefillOptions converts the refill and shard sections.
func (c Config) RefillOptions() (refill.Config, error) {
	shard, err := partition.NewShard(c.Partition.ShardID, c.Partition.TotalShards)
	if err != nil {
		return refill.Config{}, fmt.Errorf("partition shard: %w", err)
	}
	return refill.Config{
		PageSize:         c.Refill.PageSize,
		SortField:        c.Refill.SortField,
		MaxBuckets:       c.Refill.MaxBuckets,
		SamplesPerBucket: c.Refill.SamplesPerBucket,
		QueriesPerSecond: c.Refill.QueriesPerSecond,
		ReseedInterval:   c.Refill.ReseedInterval,
		Shard:            shard,

		PartitionQueriesPerSecond: c.Refill.PartitionQueriesPerSecond,
	}, nil
}

// PartitionOptions converts the partition section.
func (c Config) PartitionOptions() partition.Config {
	return partition.Config{
		Mode:          partition.Mode(c.Partition.Mode),
		MetadataKey:   c.Partition.MetadataKey,
		LookupTimeout: c.Partition.LookupTimeout,
	}
}

// PubSubEnabled reports whether status events should be published.
func (c Config) PubSubEnabled() bool {
	return c.PubSub.ProjectID != "" && c.PubSub.TopicName != ""
}

// Package config loads the YAML configuration: ${VAR} expansion, struct
// defaults, tag validation, then cross-field checks.
package config

import (
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/creasty/defaults"
	"github.com/go-playground/validator/v10"
	"gopkg.in/yaml.v3"

	"universe-state/internal/calendar"
	"universe-state/internal/domain"
	"universe-state/internal/logger"
	"universe-state/internal/revision"
	"universe-state/internal/storage/rediscache"
)

// Store backends.
const (
	BackendSQLite     = "sqlite"
	BackendPostgres   = "postgres"
	BackendClickhouse = "clickhouse"
	BackendMemory     = "memory"
)

// Config is the root configuration.
type Config struct {
	Engine   EngineConfig            `yaml:"engine"`
	Calendar calendar.Config         `yaml:"calendar"`
	Store    StoreConfig             `yaml:"store"`
	Cache    CacheConfig             `yaml:"cache"`
	Kafka    revision.ConsumerConfig `yaml:"kafka"`
	Schedule ScheduleConfig          `yaml:"schedule"`
	Metrics  MetricsConfig           `yaml:"metrics"`
	Log      logger.Config           `yaml:"log"`
}

// EngineConfig configures the State Builder.
type EngineConfig struct {
	BaseDuration    string   `yaml:"base_duration" default:"1d" validate:"required"`
	TargetDurations []string `yaml:"target_durations" default:"[\"1d\"]" validate:"min=1,dive,required"`
	UniverseID      int64    `yaml:"universe_id" default:"1" validate:"gt=0"`
	// Universes lists further universes kept current by schedule and
	// consume-revisions.
	Universes          []int64       `yaml:"universes" validate:"dive,gt=0"`
	SavedDir           string        `yaml:"saved_dir" default:"./universe_state"`
	Parallelism        int           `yaml:"parallelism" default:"4" validate:"min=1,max=256"`
	ReadTimeout        time.Duration `yaml:"read_timeout" default:"30s" validate:"gt=0"`
	StalenessThreshold int           `yaml:"staleness_threshold" validate:"min=0"`
	FinalizeOpen       []string      `yaml:"finalize_open"`
	ADVPeriod          int           `yaml:"adv_period" default:"20" validate:"min=1"`
	EMAPeriod          int           `yaml:"ema_period" default:"10" validate:"min=1"`
}

// StoreConfig selects the State store backend and where bars are read.
// Membership and instruments always live in postgres.
type StoreConfig struct {
	Backend       string `yaml:"backend" default:"sqlite" validate:"oneof=sqlite postgres clickhouse memory"`
	BarSource     string `yaml:"bar_source" default:"postgres" validate:"oneof=postgres clickhouse"`
	PostgresDSN   string `yaml:"postgres_dsn"`
	ClickhouseDSN string `yaml:"clickhouse_dsn"`
	MaxConns      int32  `yaml:"max_conns" default:"10" validate:"min=1"`
}

// CacheConfig enables the Redis read cache in front of the State store.
type CacheConfig struct {
	Enabled bool              `yaml:"enabled"`
	Redis   rediscache.Config `yaml:"redis"`
}

// ScheduleConfig configures cron-driven incremental builds.
type ScheduleConfig struct {
	Cron    string        `yaml:"cron" default:"0 18 * * 1-5"`
	Start   string        `yaml:"start" validate:"omitempty,datetime=2006-01-02"`
	Timeout time.Duration `yaml:"timeout" default:"1h"`
}

// MetricsConfig configures the Prometheus endpoint.
type MetricsConfig struct {
	Enabled bool   `yaml:"enabled"`
	Addr    string `yaml:"addr" default:":9090" validate:"required"`
}

var validate = validator.New()

// Load reads a YAML file, expands ${VAR} references and validates.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config file: %w", err)
	}
	return Parse(data)
}

// Parse is Load for in-memory YAML.
func Parse(data []byte) (*Config, error) {
	expanded := os.ExpandEnv(string(data))

	var cfg Config
	if err := yaml.Unmarshal([]byte(expanded), &cfg); err != nil {
		return nil, fmt.Errorf("parse config yaml: %w", err)
	}
	if err := defaults.Set(&cfg); err != nil {
		return nil, fmt.Errorf("apply config defaults: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("validate config: %w", err)
	}
	return &cfg, nil
}

// Default returns a validated configuration with every default applied.
func Default() *Config {
	cfg, err := Parse(nil)
	if err != nil {
		panic(err)
	}
	return cfg
}

// Validate runs tag validation and the cross-field checks.
func (c *Config) Validate() error {
	if err := validate.Struct(c); err != nil {
		return err
	}

	var errs []error
	base, err := domain.ParseBaseDuration(c.Engine.BaseDuration)
	if err != nil {
		errs = append(errs, err)
	} else {
		if _, err := domain.ParseDurations(c.Engine.TargetDurations, base); err != nil {
			errs = append(errs, err)
		}
		targets := make(map[string]bool, len(c.Engine.TargetDurations))
		for _, d := range c.Engine.TargetDurations {
			targets[d] = true
		}
		for _, d := range c.Engine.FinalizeOpen {
			if !targets[d] {
				errs = append(errs, domain.NewConfigurationError("finalize_open duration %q is not a target duration", d))
			}
		}
	}

	if _, err := calendar.New(c.Calendar); err != nil {
		errs = append(errs, err)
	}

	switch c.Store.Backend {
	case BackendPostgres:
		if c.Store.PostgresDSN == "" {
			errs = append(errs, domain.NewConfigurationError("store.postgres_dsn is required for the postgres backend"))
		}
	case BackendClickhouse:
		if c.Store.ClickhouseDSN == "" {
			errs = append(errs, domain.NewConfigurationError("store.clickhouse_dsn is required for the clickhouse backend"))
		}
	case BackendSQLite:
		if c.Engine.SavedDir == "" {
			errs = append(errs, domain.NewConfigurationError("engine.saved_dir is required for the sqlite backend"))
		}
	}

	if c.Cache.Enabled {
		if c.Cache.Redis.Addr == "" {
			errs = append(errs, domain.NewConfigurationError("cache.redis.addr is required when the cache is enabled"))
		}
		if c.Store.Backend == BackendMemory {
			errs = append(errs, domain.NewConfigurationError("the redis cache cannot front the memory backend"))
		}
	}
	return errors.Join(errs...)
}

// RequireKafka checks the settings consume-revisions and publish-revision need.
func (c *Config) RequireKafka() error {
	if len(c.Kafka.Brokers) == 0 {
		return domain.NewConfigurationError("kafka.brokers is required for revision events")
	}
	return nil
}

// RequireSources checks the settings actions that read membership and
// bars need.
func (c *Config) RequireSources() error {
	if c.Store.PostgresDSN == "" {
		return domain.NewConfigurationError("store.postgres_dsn is required: membership is read from postgres")
	}
	if c.Store.BarSource == BackendClickhouse && c.Store.ClickhouseDSN == "" {
		return domain.NewConfigurationError("store.clickhouse_dsn is required for the clickhouse bar source")
	}
	return nil
}

// AllUniverses returns universe_id followed by the extra universes,
// de-duplicated.
func (c *Config) AllUniverses() []domain.UniverseID {
	seen := map[int64]bool{c.Engine.UniverseID: true}
	out := []domain.UniverseID{domain.UniverseID(c.Engine.UniverseID)}
	for _, u := range c.Engine.Universes {
		if !seen[u] {
			seen[u] = true
			out = append(out, domain.UniverseID(u))
		}
	}
	return out
}

// ScheduleStart parses schedule.start in the calendar timezone.
// ok is false when it is unset.
func (c *Config) ScheduleStart(cal *calendar.Calendar) (time.Time, bool, error) {
	if c.Schedule.Start == "" {
		return time.Time{}, false, nil
	}
	t, err := cal.ParseDate(c.Schedule.Start)
	return t, err == nil, err
}

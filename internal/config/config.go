package config

import (
	"os"
	"time"

	"gopkg.in/yaml.v2"
)

type Config struct {
	Server     ServerConfig     `yaml:"server"`
	Discovery  DiscoveryConfig  `yaml:"discovery"`
	Dispatch   DispatchConfig   `yaml:"dispatch"`
	Scheduler  SchedulerConfig  `yaml:"scheduler"`
	Semaphore  SemaphoreConfig  `yaml:"semaphore"`
	SideEffect SideEffectConfig `yaml:"side_effect"`
	Reaper     ReaperConfig     `yaml:"reaper"`
	Retention  RetentionConfig  `yaml:"retention"`
	Events     EventsConfig     `yaml:"events"`
}

type ServerConfig struct {
	Port string `yaml:"port"`
	Env  string `yaml:"env"`
}

type DiscoveryConfig struct {
	// Stores names the coordination databases; DSNTemplate expands %s to the
	// store name.
	Stores                 []string `yaml:"stores"`
	DSNTemplate            string   `yaml:"dsn_template"`
	RefreshIntervalSeconds int      `yaml:"refresh_interval_seconds"`
}

func (d DiscoveryConfig) RefreshInterval() time.Duration {
	return time.Duration(d.RefreshIntervalSeconds) * time.Second
}

type DispatchConfig struct {
	BatchSize         int     `yaml:"batch_size"`
	LeaseSeconds      int     `yaml:"lease_seconds"`
	HeartbeatFraction float64 `yaml:"heartbeat_fraction"`
	PollIntervalMs    int     `yaml:"poll_interval_ms"`
	MaxPollIntervalMs int     `yaml:"max_poll_interval_ms"`
	MaxAttempts       int     `yaml:"max_attempts"`
	BackoffBaseMs     int     `yaml:"backoff_base_ms"`
	BackoffCapMs      int     `yaml:"backoff_cap_ms"`
	BackoffJitter     float64 `yaml:"backoff_jitter"`
}

func (d DispatchConfig) Lease() time.Duration {
	return time.Duration(d.LeaseSeconds) * time.Second
}

func (d DispatchConfig) PollInterval() time.Duration {
	return time.Duration(d.PollIntervalMs) * time.Millisecond
}

func (d DispatchConfig) MaxPollInterval() time.Duration {
	return time.Duration(d.MaxPollIntervalMs) * time.Millisecond
}

func (d DispatchConfig) BackoffBase() time.Duration {
	return time.Duration(d.BackoffBaseMs) * time.Millisecond
}

func (d DispatchConfig) BackoffCap() time.Duration {
	return time.Duration(d.BackoffCapMs) * time.Millisecond
}

type SchedulerConfig struct {
	MaterializeIntervalSeconds int `yaml:"materialize_interval_seconds"`
	// CatchUp is "one" (run the most recent missed tick) or "skip".
	CatchUp string `yaml:"catch_up"`
}

func (s SchedulerConfig) MaterializeInterval() time.Duration {
	return time.Duration(s.MaterializeIntervalSeconds) * time.Second
}

type SemaphoreConfig struct {
	MinTTLSeconds int `yaml:"min_ttl_seconds"`
	MaxTTLSeconds int `yaml:"max_ttl_seconds"`
	MaxLimit      int `yaml:"max_limit"`
	ReapBatch     int `yaml:"reap_batch"`
}

func (s SemaphoreConfig) MinTTL() time.Duration {
	return time.Duration(s.MinTTLSeconds) * time.Second
}

func (s SemaphoreConfig) MaxTTL() time.Duration {
	return time.Duration(s.MaxTTLSeconds) * time.Second
}

type SideEffectConfig struct {
	LockForSeconds          int `yaml:"lock_for_seconds"`
	MinCheckIntervalSeconds int `yaml:"min_check_interval_seconds"`
	// UnknownBehavior is "retry_later" or "attempt".
	UnknownBehavior string `yaml:"unknown_behavior"`
}

func (s SideEffectConfig) LockFor() time.Duration {
	return time.Duration(s.LockForSeconds) * time.Second
}

func (s SideEffectConfig) MinCheckInterval() time.Duration {
	return time.Duration(s.MinCheckIntervalSeconds) * time.Second
}

type ReaperConfig struct {
	IntervalSeconds int `yaml:"interval_seconds"`
}

func (r ReaperConfig) Interval() time.Duration {
	return time.Duration(r.IntervalSeconds) * time.Second
}

type RetentionConfig struct {
	IntervalSeconds int `yaml:"interval_seconds"`
	WindowHours     int `yaml:"window_hours"`
	BatchSize       int `yaml:"batch_size"`
}

func (r RetentionConfig) Interval() time.Duration {
	return time.Duration(r.IntervalSeconds) * time.Second
}

func (r RetentionConfig) Window() time.Duration {
	return time.Duration(r.WindowHours) * time.Hour
}

type EventsConfig struct {
	// Backend is "memory", "redis" or "pubsub".
	Backend       string `yaml:"backend"`
	RedisAddr     string `yaml:"redis_addr"`
	RedisPassword string `yaml:"redis_password"`
	RedisDB       int    `yaml:"redis_db"`
	ChannelPrefix string `yaml:"channel_prefix"`
	PubSubProject string `yaml:"pubsub_project"`
	PubSubTopic   string `yaml:"pubsub_topic"`
}

func LoadConfig(path string) (*Config, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	var cfg Config
	decoder := yaml.NewDecoder(f)
	if err := decoder.Decode(&cfg); err != nil {
		return nil, err
	}

	cfg.applyDefaults()
	return &cfg, nil
}

// Default returns the configuration used when no file is supplied.
func Default() *Config {
	cfg := &Config{}
	cfg.applyDefaults()
	return cfg
}

func (c *Config) applyDefaults() {
	if c.Server.Port == "" {
		c.Server.Port = "8080"
	}
	if c.Server.Env == "" {
		c.Server.Env = "development"
	}
	if c.Discovery.DSNTemplate == "" {
		c.Discovery.DSNTemplate = os.Getenv("DATABASE_URL")
	}
	if c.Discovery.RefreshIntervalSeconds <= 0 {
		c.Discovery.RefreshIntervalSeconds = 30
	}
	if len(c.Discovery.Stores) == 0 {
		c.Discovery.Stores = []string{"default"}
	}
	if c.Dispatch.BatchSize <= 0 {
		c.Dispatch.BatchSize = 16
	}
	if c.Dispatch.LeaseSeconds <= 0 {
		c.Dispatch.LeaseSeconds = 30
	}
	if c.Dispatch.HeartbeatFraction <= 0 || c.Dispatch.HeartbeatFraction >= 1 {
		c.Dispatch.HeartbeatFraction = 0.5
	}
	if c.Dispatch.PollIntervalMs <= 0 {
		c.Dispatch.PollIntervalMs = 250
	}
	if c.Dispatch.MaxPollIntervalMs <= 0 {
		c.Dispatch.MaxPollIntervalMs = 5000
	}
	if c.Dispatch.MaxAttempts <= 0 {
		c.Dispatch.MaxAttempts = 10
	}
	if c.Dispatch.BackoffBaseMs <= 0 {
		c.Dispatch.BackoffBaseMs = 1000
	}
	if c.Dispatch.BackoffCapMs <= 0 {
		c.Dispatch.BackoffCapMs = 300000
	}
	if c.Dispatch.BackoffJitter <= 0 || c.Dispatch.BackoffJitter >= 1 {
		c.Dispatch.BackoffJitter = 0.2
	}
	if c.Scheduler.MaterializeIntervalSeconds <= 0 {
		c.Scheduler.MaterializeIntervalSeconds = 5
	}
	if c.Scheduler.CatchUp == "" {
		c.Scheduler.CatchUp = "one"
	}
	if c.Semaphore.MinTTLSeconds <= 0 {
		c.Semaphore.MinTTLSeconds = 1
	}
	if c.Semaphore.MaxTTLSeconds <= 0 {
		c.Semaphore.MaxTTLSeconds = 3600
	}
	if c.Semaphore.MaxLimit <= 0 {
		c.Semaphore.MaxLimit = 1024
	}
	if c.Semaphore.ReapBatch <= 0 {
		c.Semaphore.ReapBatch = 8
	}
	if c.SideEffect.LockForSeconds <= 0 {
		c.SideEffect.LockForSeconds = 30
	}
	if c.SideEffect.MinCheckIntervalSeconds <= 0 {
		c.SideEffect.MinCheckIntervalSeconds = 10
	}
	if c.SideEffect.UnknownBehavior == "" {
		c.SideEffect.UnknownBehavior = "retry_later"
	}
	if c.Reaper.IntervalSeconds <= 0 {
		c.Reaper.IntervalSeconds = 10
	}
	if c.Retention.IntervalSeconds <= 0 {
		c.Retention.IntervalSeconds = 60
	}
	if c.Retention.WindowHours <= 0 {
		c.Retention.WindowHours = 7 * 24
	}
	if c.Retention.BatchSize <= 0 {
		c.Retention.BatchSize = 500
	}
	if c.Events.Backend == "" {
		c.Events.Backend = "memory"
	}
	if c.Events.ChannelPrefix == "" {
		c.Events.ChannelPrefix = "coordination"
	}
}

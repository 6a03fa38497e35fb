package config

import (
	"fmt"
	"math"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/providers/structs"
	"github.com/knadh/koanf/v2"
)

type Config struct {
	Version     string `koanf:"version"`
	Environment string `koanf:"environment"`
	LogLevel    string `koanf:"log_level"`

	Server   ServerConfig   `koanf:"server"`
	Database DatabaseConfig `koanf:"database"`
	Redis    RedisConfig    `koanf:"redis"`
	Kafka    KafkaConfig    `koanf:"kafka"`

	Collector   CollectorConfig   `koanf:"collector"`
	Detection   DetectionConfig   `koanf:"detection"`
	Correlation CorrelationConfig `koanf:"correlation"`
	Escalation  EscalationConfig  `koanf:"escalation"`
	Tuning      TuningConfig      `koanf:"tuning"`
	Scheduler   SchedulerConfig   `koanf:"scheduler"`
	Ticketing   TicketingConfig   `koanf:"ticketing"`

	Notification NotificationConfig `koanf:"notification"`
}

type ServerConfig struct {
	MetricsPort     int           `koanf:"metrics_port"`
	ShutdownTimeout time.Duration `koanf:"shutdown_timeout"`
}

type DatabaseConfig struct {
	URL             string        `koanf:"url" validate:"required"`
	MaxOpenConns    int           `koanf:"max_open_conns"`
	MaxIdleConns    int           `koanf:"max_idle_conns"`
	ConnMaxLifetime time.Duration `koanf:"conn_max_lifetime"`
}

type RedisConfig struct {
	URL          string        `koanf:"url"`
	Password     string        `koanf:"password"`
	DB           int           `koanf:"db"`
	PoolSize     int           `koanf:"pool_size"`
	MinIdleConns int           `koanf:"min_idle_conns"`
	MaxRetries   int           `koanf:"max_retries"`
	DialTimeout  time.Duration `koanf:"dial_timeout"`
	ReadTimeout  time.Duration `koanf:"read_timeout"`
	WriteTimeout time.Duration `koanf:"write_timeout"`
}

type KafkaConfig struct {
	Brokers       []string `koanf:"brokers"`
	ActivityTopic string   `koanf:"activity_topic"`
	GroupID       string   `koanf:"group_id"`
}

type CollectorConfig struct {
	// SourceTimeout bounds each upstream source call; on expiry the snapshot
	// degrades to partial instead of failing.
	SourceTimeout time.Duration `koanf:"source_timeout"`
	DefaultWindow time.Duration `koanf:"default_window" validate:"gt=0"`
}

type DetectionConfig struct {
	Weights WeightConfig `koanf:"weights"`

	TierCutoffs TierCutoffConfig `koanf:"tier_cutoffs"`

	Behavioral BehavioralConfig `koanf:"behavioral"`
	Temporal   TemporalConfig   `koanf:"temporal"`
	Location   LocationConfig   `koanf:"location"`
	Device     DeviceConfig     `koanf:"device"`

	// ScoreBudget is the hard wall-clock limit for one scoring pass.
	ScoreBudget time.Duration `koanf:"score_budget"`
	// PartialDiscount scales scores derived from partial snapshots.
	PartialDiscount float64 `koanf:"partial_discount" validate:"gte=0,lte=1"`
}

type WeightConfig struct {
	Behavioral float64 `koanf:"behavioral" validate:"gte=0,lte=1"`
	Temporal   float64 `koanf:"temporal" validate:"gte=0,lte=1"`
	Location   float64 `koanf:"location" validate:"gte=0,lte=1"`
	Device     float64 `koanf:"device" validate:"gte=0,lte=1"`
}

// Sum returns the total detector weight, which must equal 1.0.
func (w WeightConfig) Sum() float64 {
	return w.Behavioral + w.Temporal + w.Location + w.Device
}

type TierCutoffConfig struct {
	Critical float64 `koanf:"critical" validate:"gt=0,lte=1"`
	High     float64 `koanf:"high" validate:"gt=0,lte=1"`
	Medium   float64 `koanf:"medium" validate:"gt=0,lte=1"`
}

type BehavioralConfig struct {
	// NightStart/NightEnd bound the high-risk deep-night band (hours, local).
	NightStart      int     `koanf:"night_start" validate:"gte=0,lte=23"`
	NightEnd        int     `koanf:"night_end" validate:"gte=0,lte=23"`
	NightMultiplier float64 `koanf:"night_multiplier" validate:"gte=1"`
}

type TemporalConfig struct {
	MinRestGap       time.Duration `koanf:"min_rest_gap"`
	MaxShiftDuration time.Duration `koanf:"max_shift_duration"`
	WorkdayStart     int           `koanf:"workday_start" validate:"gte=0,lte=23"`
	WorkdayEnd       int           `koanf:"workday_end" validate:"gte=0,lte=23"`
}

type LocationConfig struct {
	WalkingMaxKmh float64 `koanf:"walking_max_kmh" validate:"gt=0"`
	DrivingMaxKmh float64 `koanf:"driving_max_kmh" validate:"gt=0"`
	FlyingMaxKmh  float64 `koanf:"flying_max_kmh" validate:"gt=0"`
	// AccuracySwingM flags abrupt accuracy changes beyond this many meters.
	AccuracySwingM float64 `koanf:"accuracy_swing_m" validate:"gt=0"`
	// MinPlausibleAccuracyM flags implausibly precise fixes below this.
	MinPlausibleAccuracyM float64 `koanf:"min_plausible_accuracy_m" validate:"gt=0"`
}

type DeviceConfig struct {
	SharedDeviceWindow time.Duration `koanf:"shared_device_window"`
	SwitchWindow       time.Duration `koanf:"switch_window"`
	MaxDevices         int           `koanf:"max_devices" validate:"gt=0"`
	MaxRapidSwitches   int           `koanf:"max_rapid_switches" validate:"gt=0"`
}

type CorrelationConfig struct {
	Lookback          time.Duration `koanf:"lookback"`
	MergeThreshold    float64       `koanf:"merge_threshold" validate:"gt=0,lte=1"`
	SuppressThreshold float64       `koanf:"suppress_threshold" validate:"gt=0,lte=1"`
	// MaxCASRetries bounds compare-and-update retries before the event falls
	// back to opening a new cluster.
	MaxCASRetries int           `koanf:"max_cas_retries" validate:"gt=0"`
	QuietPeriod   time.Duration `koanf:"quiet_period"`
}

type EscalationConfig struct {
	CriticalDeadline time.Duration `koanf:"critical_deadline"`
	HighDeadline     time.Duration `koanf:"high_deadline"`
	SweepInterval    time.Duration `koanf:"sweep_interval"`
	// TicketDedupWindow bounds the (finding-type, site) ticket dedup key.
	TicketDedupWindow time.Duration `koanf:"ticket_dedup_window"`
}

type TuningConfig struct {
	Interval             time.Duration `koanf:"interval"`
	OutcomeWindow        time.Duration `koanf:"outcome_window"`
	FalsePositiveCeiling float64       `koanf:"false_positive_ceiling" validate:"gte=0,lte=1"`
	StabilityFloor       int           `koanf:"stability_floor" validate:"gt=0"`
	Step                 float64       `koanf:"step" validate:"gt=0"`
}

type SchedulerConfig struct {
	CycleInterval time.Duration `koanf:"cycle_interval"`
	Workers       int           `koanf:"workers" validate:"gt=0"`
	// CycleBudget is the wall-clock limit for one collect+score+correlate
	// pipeline; cycles over budget are abandoned and logged.
	CycleBudget time.Duration `koanf:"cycle_budget"`
}

type NotificationConfig struct {
	BaseURL string `koanf:"base_url"`
	APIKey  string `koanf:"api_key"`
}

type TicketingConfig struct {
	BaseURL           string        `koanf:"base_url"`
	APIKey            string        `koanf:"api_key"`
	RequestTimeout    time.Duration `koanf:"request_timeout"`
	MaxAttempts       int           `koanf:"max_attempts" validate:"gt=0"`
	RequestsPerSecond float64       `koanf:"requests_per_second" validate:"gt=0"`
}

func Load(path string) (*Config, error) {
	k := koanf.New(".")

	if err := k.Load(structs.Provider(defaults(), "koanf"), nil); err != nil {
		return nil, fmt.Errorf("loading defaults: %w", err)
	}

	// Config file is optional; env vars may carry everything.
	if path != "" {
		if err := k.Load(file.Provider(path), yaml.Parser()); err != nil {
			return nil, fmt.Errorf("loading config file %s: %w", path, err)
		}
	}

	if err := k.Load(env.Provider("FIG_", ".", func(s string) string {
		return strings.Replace(strings.ToLower(
			strings.TrimPrefix(s, "FIG_")), "_", ".", -1)
	}), nil); err != nil {
		return nil, fmt.Errorf("loading environment variables: %w", err)
	}

	var cfg Config
	if err := k.Unmarshal("", &cfg); err != nil {
		return nil, fmt.Errorf("unmarshaling config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return &cfg, nil
}

// Validate rejects configurations that must never silently default: detector
// weights not summing to 1.0, inverted tier cutoffs, inverted correlation
// thresholds. Fatal at startup.
func (c *Config) Validate() error {
	if err := validator.New().Struct(c); err != nil {
		return fmt.Errorf("invalid configuration: %w", err)
	}

	if sum := c.Detection.Weights.Sum(); math.Abs(sum-1.0) > 1e-9 {
		return fmt.Errorf("detector weights must sum to 1.0, got %.4f", sum)
	}

	tc := c.Detection.TierCutoffs
	if !(tc.Critical > tc.High && tc.High > tc.Medium) {
		return fmt.Errorf("tier cutoffs must be strictly ordered critical > high > medium, got %.2f/%.2f/%.2f",
			tc.Critical, tc.High, tc.Medium)
	}

	if c.Correlation.SuppressThreshold < c.Correlation.MergeThreshold {
		return fmt.Errorf("suppress threshold %.2f must be at least the merge threshold %.2f",
			c.Correlation.SuppressThreshold, c.Correlation.MergeThreshold)
	}

	lc := c.Detection.Location
	if !(lc.FlyingMaxKmh > lc.DrivingMaxKmh && lc.DrivingMaxKmh > lc.WalkingMaxKmh) {
		return fmt.Errorf("transport-mode ceilings must be ordered flying > driving > walking")
	}

	return nil
}

func defaults() *Config {
	return &Config{
		Version:     "dev",
		Environment: "development",
		LogLevel:    "info",
		Server: ServerConfig{
			MetricsPort:     9090,
			ShutdownTimeout: 30 * time.Second,
		},
		Database: DatabaseConfig{
			URL:             "postgres://localhost:5432/fieldguard?sslmode=disable",
			MaxOpenConns:    25,
			MaxIdleConns:    5,
			ConnMaxLifetime: 5 * time.Minute,
		},
		Redis: RedisConfig{
			URL:          "localhost:6379",
			PoolSize:     10,
			MinIdleConns: 2,
			MaxRetries:   3,
			DialTimeout:  5 * time.Second,
			ReadTimeout:  3 * time.Second,
			WriteTimeout: 3 * time.Second,
		},
		Kafka: KafkaConfig{
			Brokers:       []string{"localhost:9092"},
			ActivityTopic: "field.activity",
			GroupID:       "field-integrity-monitor",
		},
		Collector: CollectorConfig{
			SourceTimeout: 2 * time.Second,
			DefaultWindow: time.Hour,
		},
		Detection: DetectionConfig{
			Weights: WeightConfig{
				Behavioral: 0.30,
				Temporal:   0.20,
				Location:   0.30,
				Device:     0.20,
			},
			TierCutoffs: TierCutoffConfig{
				Critical: 0.80,
				High:     0.60,
				Medium:   0.40,
			},
			Behavioral: BehavioralConfig{
				NightStart:      0,
				NightEnd:        5,
				NightMultiplier: 1.2,
			},
			Temporal: TemporalConfig{
				MinRestGap:       8 * time.Hour,
				MaxShiftDuration: 14 * time.Hour,
				WorkdayStart:     6,
				WorkdayEnd:       22,
			},
			Location: LocationConfig{
				WalkingMaxKmh:         8,
				DrivingMaxKmh:         160,
				FlyingMaxKmh:          1000,
				AccuracySwingM:        50,
				MinPlausibleAccuracyM: 1,
			},
			Device: DeviceConfig{
				SharedDeviceWindow: 30 * time.Minute,
				SwitchWindow:       15 * time.Minute,
				MaxDevices:         3,
				MaxRapidSwitches:   2,
			},
			ScoreBudget:     2 * time.Second,
			PartialDiscount: 0.5,
		},
		Correlation: CorrelationConfig{
			Lookback:          30 * time.Minute,
			MergeThreshold:    0.75,
			SuppressThreshold: 0.90,
			MaxCASRetries:     3,
			QuietPeriod:       time.Hour,
		},
		Escalation: EscalationConfig{
			CriticalDeadline:  5 * time.Minute,
			HighDeadline:      15 * time.Minute,
			SweepInterval:     time.Minute,
			TicketDedupWindow: 4 * time.Hour,
		},
		Tuning: TuningConfig{
			Interval:             24 * time.Hour,
			OutcomeWindow:        30 * 24 * time.Hour,
			FalsePositiveCeiling: 0.30,
			StabilityFloor:       100,
			Step:                 0.25,
		},
		Scheduler: SchedulerConfig{
			CycleInterval: 5 * time.Minute,
			Workers:       8,
			CycleBudget:   30 * time.Second,
		},
		Ticketing: TicketingConfig{
			RequestTimeout:    10 * time.Second,
			MaxAttempts:       8,
			RequestsPerSecond: 5,
		},
	}
}

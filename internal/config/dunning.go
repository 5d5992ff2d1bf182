package config

import (
	"errors"
	"log"
	"strings"
	"sync/atomic"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/spf13/viper"
)

// DunningConfig holds the payment recovery policy. The backoff schedule must be
// ascending and bounded: retries never compound indefinitely.
type DunningConfig struct {
	BackoffHours    []int        `mapstructure:"backoffHours"`
	GracePeriodDays int          `mapstructure:"gracePeriodDays"`
	StuckThreshold  int          `mapstructure:"stuckThresholdMinutes"`
	Alerts          AlertsConfig `mapstructure:"alerts"`
}

// AlertsConfig holds failure-monitor thresholds.
type AlertsConfig struct {
	ConsecutiveFailures int     `mapstructure:"consecutiveFailures"`
	CriticalAmount      float64 `mapstructure:"criticalAmount"`
	FailureRatePercent  float64 `mapstructure:"failureRatePercent"`
	CooldownMinutes     int     `mapstructure:"cooldownMinutes"`
}

func DefaultDunningConfig() DunningConfig {
	return DunningConfig{
		BackoffHours:    []int{1, 24, 72, 168},
		GracePeriodDays: 7,
		StuckThreshold:  60,
		Alerts: AlertsConfig{
			ConsecutiveFailures: 3,
			CriticalAmount:      1000,
			FailureRatePercent:  10,
			CooldownMinutes:     60,
		},
	}
}

// GracePeriod returns the grace window as a duration.
func (c DunningConfig) GracePeriod() time.Duration {
	return time.Duration(c.GracePeriodDays) * 24 * time.Hour
}

// AlertCooldown returns the minimum interval between alerts for one tenant.
func (c DunningConfig) AlertCooldown() time.Duration {
	return time.Duration(c.Alerts.CooldownMinutes) * time.Minute
}

// StuckAfter returns how long an attempt may sit in PROCESSING before it is
// considered stuck.
func (c DunningConfig) StuckAfter() time.Duration {
	return time.Duration(c.StuckThreshold) * time.Minute
}

// DunningConfigHolder exposes the current dunning policy with hot reload.
type DunningConfigHolder struct {
	current atomic.Value // holds DunningConfig
}

func NewDunningConfigHolder() (*DunningConfigHolder, error) {
	v := viper.New()

	v.SetConfigName("dunning")
	v.SetConfigType("yml")
	v.AddConfigPath("/var/lib/reclaim/config")
	v.AddConfigPath("/etc/reclaim")
	v.AddConfigPath(".")

	v.SetEnvPrefix("RECLAIM")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	defaults := DefaultDunningConfig()
	v.SetDefault("dunning.backoffHours", defaults.BackoffHours)
	v.SetDefault("dunning.gracePeriodDays", defaults.GracePeriodDays)
	v.SetDefault("dunning.stuckThresholdMinutes", defaults.StuckThreshold)
	v.SetDefault("dunning.alerts.consecutiveFailures", defaults.Alerts.ConsecutiveFailures)
	v.SetDefault("dunning.alerts.criticalAmount", defaults.Alerts.CriticalAmount)
	v.SetDefault("dunning.alerts.failureRatePercent", defaults.Alerts.FailureRatePercent)
	v.SetDefault("dunning.alerts.cooldownMinutes", defaults.Alerts.CooldownMinutes)

	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, err
		}
	}

	var cfg DunningConfig
	if err := v.UnmarshalKey("dunning", &cfg); err != nil {
		return nil, err
	}
	if err := validateDunningConfig(cfg); err != nil {
		return nil, err
	}

	holder := &DunningConfigHolder{}
	holder.current.Store(cfg)

	v.WatchConfig()
	v.OnConfigChange(func(e fsnotify.Event) {
		var updated DunningConfig
		if err := v.UnmarshalKey("dunning", &updated); err != nil {
			log.Printf("[dunning-config] reload failed: %v", err)
			return
		}
		if err := validateDunningConfig(updated); err != nil {
			log.Printf("[dunning-config] invalid config ignored: %v", err)
			return
		}
		holder.current.Store(updated)
		log.Printf("[dunning-config] reloaded from %s", e.Name)
	})

	return holder, nil
}

func (h *DunningConfigHolder) Get() DunningConfig {
	if cfg, ok := h.current.Load().(DunningConfig); ok {
		return cfg
	}
	return DefaultDunningConfig()
}

// Store replaces the current policy. Used by reload and by tests.
func (h *DunningConfigHolder) Store(cfg DunningConfig) {
	h.current.Store(cfg)
}

func validateDunningConfig(cfg DunningConfig) error {
	if len(cfg.BackoffHours) == 0 {
		return errors.New("dunning.backoffHours cannot be empty")
	}
	for i, hours := range cfg.BackoffHours {
		if hours <= 0 {
			return errors.New("dunning.backoffHours must be positive")
		}
		if i > 0 && hours <= cfg.BackoffHours[i-1] {
			return errors.New("dunning.backoffHours must be strictly ascending")
		}
	}
	if cfg.GracePeriodDays <= 0 {
		return errors.New("dunning.gracePeriodDays must be positive")
	}
	if cfg.Alerts.ConsecutiveFailures <= 0 {
		return errors.New("dunning.alerts.consecutiveFailures must be positive")
	}
	if cfg.Alerts.FailureRatePercent <= 0 || cfg.Alerts.FailureRatePercent > 100 {
		return errors.New("dunning.alerts.failureRatePercent must be in (0, 100]")
	}
	return nil
}

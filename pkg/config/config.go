// Package config holds the tunables of a regiongc heap and loads them from
// YAML files and REGIONGC_* environment variables.
package config

import (
	"errors"
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// ErrInvalid wraps every validation failure.
var ErrInvalid = errors.New("config: invalid")

// Config is the full set of heap tunables.
type Config struct {
	// Heap layout.
	RegionSizeWords  uint64 `yaml:"region_size_words"`
	RegionCount      int    `yaml:"region_count"`
	MinLeftoverWords uint64 `yaml:"min_leftover_words"`
	UseMmap          bool   `yaml:"use_mmap"`

	// Free set reserves, in percent of regions.
	CollectorReservePercent    int `yaml:"collector_reserve_percent"`
	OldCollectorReservePercent int `yaml:"old_collector_reserve_percent"`

	// Control loop.
	ControlIntervalMin          time.Duration `yaml:"control_interval_min"`
	ControlIntervalMax          time.Duration `yaml:"control_interval_max"`
	ControlIntervalAdjustPeriod time.Duration `yaml:"control_interval_adjust_period"`
	DegeneratedGC               bool          `yaml:"degenerated_gc"`
	AlwaysClearSoftRefs         bool          `yaml:"always_clear_soft_refs"`

	// Heuristics.
	TriggerFreePercent int           `yaml:"trigger_free_percent"`
	FullGCThreshold    int           `yaml:"full_gc_threshold"`
	GuaranteedInterval time.Duration `yaml:"guaranteed_interval"`
	// UnloadClassesFrequency unloads classes every Nth cycle. 0 never does.
	UnloadClassesFrequency int `yaml:"unload_classes_frequency"`

	// Collection.
	EvacGarbagePercent int `yaml:"evac_garbage_percent"`
	PromotionAge       int `yaml:"promotion_age"`

	// Mutators.
	AllocFailureRetries int `yaml:"alloc_failure_retries"`

	Lock LockConfig `yaml:"lock"`
	Log  LogConfig  `yaml:"log"`
}

// LockConfig tunes the heap lock.
type LockConfig struct {
	// Futex selects the parking variant. false uses spin/yield/sleep.
	Futex              bool          `yaml:"futex"`
	MutatorSpins       int           `yaml:"mutator_spins"`
	WorkerSpins        int           `yaml:"worker_spins"`
	UnlockHandoffSpins int           `yaml:"unlock_handoff_spins"`
	YieldsBeforeSleep  int           `yaml:"yields_before_sleep"`
	Sleep              time.Duration `yaml:"sleep"`
}

// LogConfig selects log output.
type LogConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
	Dir    string `yaml:"dir"`
}

// Default returns the built-in configuration: 256 regions of 32 KiB.
func Default() Config {
	return Config{
		RegionSizeWords:  4096,
		RegionCount:      256,
		MinLeftoverWords: 64,
		UseMmap:          true,

		CollectorReservePercent:    5,
		OldCollectorReservePercent: 0,

		ControlIntervalMin:          time.Millisecond,
		ControlIntervalMax:          10 * time.Millisecond,
		ControlIntervalAdjustPeriod: time.Second,
		DegeneratedGC:               true,

		TriggerFreePercent: 10,
		FullGCThreshold:    3,

		UnloadClassesFrequency: 1,

		EvacGarbagePercent: 25,
		PromotionAge:       2,

		AllocFailureRetries: 3,

		Lock: LockConfig{
			Futex:              true,
			MutatorSpins:       0x1F,
			WorkerSpins:        0xFFF,
			UnlockHandoffSpins: 64,
			YieldsBeforeSleep:  0x80,
			Sleep:              10 * time.Microsecond,
		},
		Log: LogConfig{Level: "info", Format: "text"},
	}
}

// Validate checks ranges and cross-field constraints.
func (c Config) Validate() error {
	var errs []error
	check := func(ok bool, format string, args ...any) {
		if !ok {
			errs = append(errs, fmt.Errorf("%w: "+format, append([]any{ErrInvalid}, args...)...))
		}
	}

	check(c.RegionSizeWords >= 64, "region_size_words %d < 64", c.RegionSizeWords)
	check(c.RegionSizeWords&(c.RegionSizeWords-1) == 0, "region_size_words %d is not a power of two", c.RegionSizeWords)
	check(c.RegionCount > 0, "region_count must be positive")
	check(c.MinLeftoverWords < c.RegionSizeWords, "min_leftover_words %d must be below region_size_words", c.MinLeftoverWords)
	check(percent(c.CollectorReservePercent), "collector_reserve_percent %d out of range", c.CollectorReservePercent)
	check(percent(c.OldCollectorReservePercent), "old_collector_reserve_percent %d out of range", c.OldCollectorReservePercent)
	check(c.CollectorReservePercent+c.OldCollectorReservePercent < 100, "reserves leave no mutator regions")
	check(c.ControlIntervalMin > 0, "control_interval_min must be positive")
	check(c.ControlIntervalMax >= c.ControlIntervalMin, "control_interval_max below control_interval_min")
	check(c.ControlIntervalAdjustPeriod > 0, "control_interval_adjust_period must be positive")
	check(percent(c.TriggerFreePercent), "trigger_free_percent %d out of range", c.TriggerFreePercent)
	check(c.FullGCThreshold >= 0, "full_gc_threshold must not be negative")
	check(c.GuaranteedInterval >= 0, "guaranteed_interval must not be negative")
	check(c.UnloadClassesFrequency >= 0, "unload_classes_frequency must not be negative")
	check(percent(c.EvacGarbagePercent), "evac_garbage_percent %d out of range", c.EvacGarbagePercent)
	check(c.PromotionAge >= 0, "promotion_age must not be negative")
	check(c.AllocFailureRetries >= 0, "alloc_failure_retries must not be negative")
	check(c.Lock.MutatorSpins >= 0 && c.Lock.WorkerSpins >= 0 && c.Lock.UnlockHandoffSpins >= 0,
		"lock spin budgets must not be negative")
	check(c.Log.Format == "" || c.Log.Format == "text" || c.Log.Format == "json",
		"log format %q is not text or json", c.Log.Format)

	return errors.Join(errs...)
}

func percent(v int) bool { return v >= 0 && v <= 100 }

// HeapBytes is the size of the heap described by c.
func (c Config) HeapBytes() uint64 {
	return uint64(c.RegionCount) * c.RegionSizeWords * 8
}

// Load reads a YAML file over the defaults, applies environment overrides
// and validates the result.
func Load(path string) (Config, error) {
	c := Default()
	data, err := os.ReadFile(path)
	if err != nil {
		return c, fmt.Errorf("read config: %w", err)
	}
	if err := yaml.Unmarshal(data, &c); err != nil {
		return c, fmt.Errorf("parse config %s: %w", path, err)
	}
	if err := c.ApplyEnv(os.LookupEnv); err != nil {
		return c, err
	}
	if err := c.Validate(); err != nil {
		return c, err
	}
	return c, nil
}

// Marshal renders c as YAML.
func (c Config) Marshal() ([]byte, error) {
	return yaml.Marshal(c)
}

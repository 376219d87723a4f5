package config

import (
	"fmt"
	"strconv"
	"time"
)

// EnvPrefix starts every override variable.
const EnvPrefix = "REGIONGC_"

// LookupFunc has the signature of os.LookupEnv.
type LookupFunc func(key string) (string, bool)

func (c *Config) envFields() map[string]any {
	return map[string]any{
		"REGION_SIZE_WORDS":              &c.RegionSizeWords,
		"REGION_COUNT":                   &c.RegionCount,
		"MIN_LEFTOVER_WORDS":             &c.MinLeftoverWords,
		"USE_MMAP":                       &c.UseMmap,
		"COLLECTOR_RESERVE_PERCENT":      &c.CollectorReservePercent,
		"OLD_COLLECTOR_RESERVE_PERCENT":  &c.OldCollectorReservePercent,
		"CONTROL_INTERVAL_MIN":           &c.ControlIntervalMin,
		"CONTROL_INTERVAL_MAX":           &c.ControlIntervalMax,
		"CONTROL_INTERVAL_ADJUST_PERIOD": &c.ControlIntervalAdjustPeriod,
		"DEGENERATED_GC":                 &c.DegeneratedGC,
		"ALWAYS_CLEAR_SOFT_REFS":         &c.AlwaysClearSoftRefs,
		"TRIGGER_FREE_PERCENT":           &c.TriggerFreePercent,
		"FULL_GC_THRESHOLD":              &c.FullGCThreshold,
		"GUARANTEED_INTERVAL":            &c.GuaranteedInterval,
		"UNLOAD_CLASSES_FREQUENCY":       &c.UnloadClassesFrequency,
		"EVAC_GARBAGE_PERCENT":           &c.EvacGarbagePercent,
		"PROMOTION_AGE":                  &c.PromotionAge,
		"ALLOC_FAILURE_RETRIES":          &c.AllocFailureRetries,
		"LOCK_FUTEX":                     &c.Lock.Futex,
		"LOCK_MUTATOR_SPINS":             &c.Lock.MutatorSpins,
		"LOCK_WORKER_SPINS":              &c.Lock.WorkerSpins,
		"LOCK_UNLOCK_HANDOFF_SPINS":      &c.Lock.UnlockHandoffSpins,
		"LOCK_YIELDS_BEFORE_SLEEP":       &c.Lock.YieldsBeforeSleep,
		"LOCK_SLEEP":                     &c.Lock.Sleep,
		"LOG_LEVEL":                      &c.Log.Level,
		"LOG_FORMAT":                     &c.Log.Format,
		"LOG_DIR":                        &c.Log.Dir,
	}
}

// ApplyEnv overrides fields from REGIONGC_* variables found by lookup.
func (c *Config) ApplyEnv(lookup LookupFunc) error {
	for name, field := range c.envFields() {
		key := EnvPrefix + name
		raw, ok := lookup(key)
		if !ok {
			continue
		}
		if err := setField(field, raw); err != nil {
			return fmt.Errorf("%w: %s=%q: %v", ErrInvalid, key, raw, err)
		}
	}
	return nil
}

func setField(field any, raw string) error {
	switch p := field.(type) {
	case *int:
		v, err := strconv.Atoi(raw)
		if err != nil {
			return err
		}
		*p = v
	case *uint64:
		v, err := strconv.ParseUint(raw, 10, 64)
		if err != nil {
			return err
		}
		*p = v
	case *bool:
		v, err := strconv.ParseBool(raw)
		if err != nil {
			return err
		}
		*p = v
	case *time.Duration:
		v, err := time.ParseDuration(raw)
		if err != nil {
			return err
		}
		*p = v
	case *string:
		*p = raw
	default:
		return fmt.Errorf("unsupported field type %T", field)
	}
	return nil
}

package config

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefault_IsValid(t *testing.T) {
	require.NoError(t, Default().Validate())
	assert.Equal(t, uint64(256*4096*8), Default().HeapBytes())
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Config)
	}{
		{"region too small", func(c *Config) { c.RegionSizeWords = 32 }},
		{"region not power of two", func(c *Config) { c.RegionSizeWords = 1000 }},
		{"no regions", func(c *Config) { c.RegionCount = 0 }},
		{"leftover too large", func(c *Config) { c.MinLeftoverWords = c.RegionSizeWords }},
		{"reserve over 100", func(c *Config) { c.CollectorReservePercent = 101 }},
		{"reserves cover heap", func(c *Config) {
			c.CollectorReservePercent = 60
			c.OldCollectorReservePercent = 40
		}},
		{"interval inverted", func(c *Config) { c.ControlIntervalMax = c.ControlIntervalMin / 2 }},
		{"negative threshold", func(c *Config) { c.FullGCThreshold = -1 }},
		{"negative unload frequency", func(c *Config) { c.UnloadClassesFrequency = -1 }},
		{"negative spins", func(c *Config) { c.Lock.WorkerSpins = -1 }},
		{"bad log format", func(c *Config) { c.Log.Format = "xml" }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c := Default()
			tt.mutate(&c)
			err := c.Validate()
			require.Error(t, err)
			assert.ErrorIs(t, err, ErrInvalid)
		})
	}
}

func TestValidate_JoinsErrors(t *testing.T) {
	c := Default()
	c.RegionCount = 0
	c.PromotionAge = -1
	err := c.Validate()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "region_count")
	assert.Contains(t, err.Error(), "promotion_age")
}

func writeFile(t *testing.T, path, body string) {
	t.Helper()
	require.NoError(t, os.WriteFile(path, []byte(body), 0o644))
}

func TestLoad(t *testing.T) {
	path := filepath.Join(t.TempDir(), "gc.yaml")
	writeFile(t, path, `
region_size_words: 1024
region_count: 64
control_interval_max: 25ms
degenerated_gc: false
lock:
  futex: false
  sleep: 1ms
log:
  level: debug
`)
	c, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, uint64(1024), c.RegionSizeWords)
	assert.Equal(t, 64, c.RegionCount)
	assert.Equal(t, 25*time.Millisecond, c.ControlIntervalMax)
	assert.False(t, c.DegeneratedGC)
	assert.False(t, c.Lock.Futex)
	assert.Equal(t, time.Millisecond, c.Lock.Sleep)
	assert.Equal(t, "debug", c.Log.Level)
	// Untouched fields keep their defaults.
	assert.Equal(t, Default().MinLeftoverWords, c.MinLeftoverWords)
	assert.Equal(t, Default().Lock.MutatorSpins, c.Lock.MutatorSpins)
}

func TestLoad_Errors(t *testing.T) {
	dir := t.TempDir()

	_, err := Load(filepath.Join(dir, "missing.yaml"))
	require.Error(t, err)
	assert.ErrorIs(t, err, os.ErrNotExist)

	bad := filepath.Join(dir, "bad.yaml")
	writeFile(t, bad, "region_count: [1, 2\n")
	_, err = Load(bad)
	require.Error(t, err)

	invalid := filepath.Join(dir, "invalid.yaml")
	writeFile(t, invalid, "region_count: -3\n")
	_, err = Load(invalid)
	assert.ErrorIs(t, err, ErrInvalid)
}

func TestMarshal_RoundTripsThroughLoad(t *testing.T) {
	c := Default()
	c.RegionCount = 17
	c.GuaranteedInterval = 3 * time.Second
	data, err := c.Marshal()
	require.NoError(t, err)

	path := filepath.Join(t.TempDir(), "gc.yaml")
	require.NoError(t, os.WriteFile(path, data, 0o644))
	got, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, c, got)
}

func TestApplyEnv(t *testing.T) {
	env := map[string]string{
		"REGIONGC_REGION_COUNT":             "12",
		"REGIONGC_REGION_SIZE_WORDS":        "2048",
		"REGIONGC_DEGENERATED_GC":           "false",
		"REGIONGC_CONTROL_INTERVAL_MAX":     "50ms",
		"REGIONGC_LOG_FORMAT":               "json",
		"REGIONGC_UNLOAD_CLASSES_FREQUENCY": "4",
		"UNRELATED":                         "1",
	}
	lookup := func(k string) (string, bool) {
		v, ok := env[k]
		return v, ok
	}

	c := Default()
	require.NoError(t, c.ApplyEnv(lookup))
	assert.Equal(t, 12, c.RegionCount)
	assert.Equal(t, uint64(2048), c.RegionSizeWords)
	assert.False(t, c.DegeneratedGC)
	assert.Equal(t, 50*time.Millisecond, c.ControlIntervalMax)
	assert.Equal(t, "json", c.Log.Format)
	assert.Equal(t, 4, c.UnloadClassesFrequency)
}

func TestApplyEnv_RejectsMalformedValues(t *testing.T) {
	c := Default()
	err := c.ApplyEnv(func(k string) (string, bool) {
		if k == "REGIONGC_REGION_COUNT" {
			return "lots", true
		}
		return "", false
	})
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrInvalid)
	assert.Contains(t, err.Error(), "REGIONGC_REGION_COUNT")
}

func TestWatch_ReloadsOnWrite(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "gc.yaml")
	writeFile(t, path, "region_count: 8\n")

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	got := make(chan Config, 16)
	require.NoError(t, Watch(ctx, path, func(c Config, err error) {
		if err == nil {
			got <- c
		}
	}))

	// Unrelated files in the same directory are ignored.
	writeFile(t, filepath.Join(dir, "other.yaml"), "region_count: 99\n")
	writeFile(t, path, "region_count: 9\n")

	require.Eventually(t, func() bool {
		for {
			select {
			case c := <-got:
				if c.RegionCount == 9 {
					return true
				}
				assert.NotEqual(t, 99, c.RegionCount)
			default:
				return false
			}
		}
	}, 5*time.Second, 10*time.Millisecond)
}

func TestWatch_MissingDirectory(t *testing.T) {
	err := Watch(context.Background(), filepath.Join(t.TempDir(), "nope", "gc.yaml"), func(Config, error) {})
	require.Error(t, err)
}

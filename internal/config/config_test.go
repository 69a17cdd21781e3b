package config

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoad_Defaults(t *testing.T) {
	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, "info", cfg.App.LogLevel)
	assert.False(t, cfg.App.OTel)
	assert.Equal(t, 16, cfg.Device.TilesX)
	assert.Equal(t, 8, cfg.Device.TilesY)
	assert.Equal(t, int64(64<<20), cfg.Device.DRAMBytes)
	assert.Equal(t, 3, cfg.Device.MaxFailures)
	assert.Equal(t, 5*time.Second, cfg.Device.CoolDown)
	assert.Equal(t, uint64(1), cfg.Parity.Seed)
	assert.Equal(t, 100, cfg.Parity.Examples)
	assert.False(t, cfg.Server.Enabled())
	assert.Equal(t, 64, cfg.Server.MaxConcurrent)
	assert.NoError(t, cfg.Validate())
}

func TestLoad_Env(t *testing.T) {
	t.Setenv("HB_LOG_LEVEL", "debug")
	t.Setenv("HB_OTEL", "true")
	t.Setenv("HB_TILES_X", "4")
	t.Setenv("HB_TILES_Y", "2")
	t.Setenv("HB_DRAM", "1MB")
	t.Setenv("HB_COOL_DOWN", "250ms")
	t.Setenv("HB_SEED", "42")
	t.Setenv("HB_EXAMPLES", "7")
	t.Setenv("HB_REPORT", "out.cbor")
	t.Setenv("HB_LISTEN", ":8080")

	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, "debug", cfg.App.LogLevel)
	assert.True(t, cfg.App.OTel)
	assert.Equal(t, 4, cfg.Device.TilesX)
	assert.Equal(t, 2, cfg.Device.TilesY)
	assert.Equal(t, int64(1<<20), cfg.Device.DRAMBytes)
	assert.Equal(t, 250*time.Millisecond, cfg.Device.CoolDown)
	assert.Equal(t, uint64(42), cfg.Parity.Seed)
	assert.Equal(t, 7, cfg.Parity.Examples)
	assert.Equal(t, "out.cbor", cfg.Parity.ReportPath)
	assert.True(t, cfg.Server.Enabled())
}

func TestLoad_Invalid(t *testing.T) {
	tests := []struct {
		key, value string
	}{
		{"HB_TILES_X", "many"},
		{"HB_DRAM", "lots"},
		{"HB_OTEL", "maybe"},
		{"HB_COOL_DOWN", "5"},
		{"HB_SEED", "x"},
		{"HB_SEED", "-1"},
	}

	for _, tt := range tests {
		t.Run(tt.key, func(t *testing.T) {
			t.Setenv(tt.key, tt.value)
			_, err := Load()
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.key)
		})
	}
}

func TestValidate(t *testing.T) {
	cfg, err := Load()
	require.NoError(t, err)

	bad := *cfg
	bad.Device.TilesX = 0
	assert.ErrorIs(t, bad.Validate(), ErrInvalid)

	bad = *cfg
	bad.Device.DRAMBytes = 3
	assert.ErrorIs(t, bad.Validate(), ErrInvalid)

	bad = *cfg
	bad.App.LogLevel = "loud"
	assert.ErrorIs(t, bad.Validate(), ErrInvalid)

	bad = *cfg
	bad.Server.MaxConcurrent = 0
	assert.ErrorIs(t, bad.Validate(), ErrInvalid)
}

func TestParseBytes(t *testing.T) {
	tests := []struct {
		in   string
		want int64
	}{
		{"", 0},
		{"1024", 1024},
		{"64K", 64 << 10},
		{"512MB", 512 << 20},
		{"4gb", 4 << 30},
		{"10B", 10},
	}
	for _, tt := range tests {
		got, err := ParseBytes(tt.in)
		require.NoError(t, err, tt.in)
		assert.Equal(t, tt.want, got, tt.in)
	}

	_, err := ParseBytes("-1MB")
	assert.Error(t, err)
	_, err = ParseBytes("MB")
	assert.Error(t, err)
}

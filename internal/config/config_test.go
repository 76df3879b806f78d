package config

import (
	"path/filepath"
	"testing"
	"time"

	"github.com/genricoloni/matrixd/internal/domain"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func TestNewAppConfig_Defaults(t *testing.T) {
	home := t.TempDir()
	t.Setenv("HOME", home)

	cfg, err := NewAppConfig(zap.NewNop())
	require.NoError(t, err)

	assert.Equal(t, ":5000", cfg.GetListenAddr())
	assert.Equal(t, TransportBlueZ, cfg.GetTransport())
	assert.Equal(t, "hci0", cfg.GetAdapter())
	assert.Equal(t, "MI Matrix Display", cfg.GetDeviceName())
	assert.Equal(t, filepath.Join(home, ".matrixd/displays.yaml"), cfg.GetStateFile())
	assert.Equal(t, 3*time.Second, cfg.GetWriteTimeout())
	assert.Equal(t, 10*time.Second, cfg.GetConnectTimeout())
	assert.Equal(t, 3, cfg.GetConnectAttempts())
	assert.Equal(t, time.Second, cfg.GetRetryDelay())
	assert.Equal(t, 25*time.Millisecond, cfg.GetBlockGap())
	assert.Equal(t, 30*time.Second, cfg.GetPanelTimeout())
	assert.Equal(t, 10*time.Second, cfg.GetScanTimeout())
	assert.Equal(t, domain.PolicyReject, cfg.GetPositionPolicy())
	assert.False(t, cfg.GetAutoConnect())
	assert.Empty(t, cfg.GetSimPanels())
	assert.False(t, cfg.GetDebug())
}

func TestNewAppConfig_Overrides(t *testing.T) {
	t.Setenv("MATRIXD_LISTEN", "127.0.0.1:8080")
	t.Setenv("MATRIXD_TRANSPORT", "SIM")
	t.Setenv("MATRIXD_STATE_FILE", "/var/lib/matrixd/state.yaml")
	t.Setenv("MATRIXD_WRITE_TIMEOUT", "2s")
	t.Setenv("MATRIXD_CONNECT_ATTEMPTS", "5")
	t.Setenv("MATRIXD_POSITION_POLICY", "supersede")
	t.Setenv("MATRIXD_AUTOCONNECT", "true")
	t.Setenv("MATRIXD_SIM_PANELS", "aa:bb:cc:dd:ee:01,AA-BB-CC-DD-EE-02")
	t.Setenv("MATRIXD_SIM_LATENCY", "5ms")

	cfg, err := NewAppConfig(zap.NewNop())
	require.NoError(t, err)

	assert.Equal(t, "127.0.0.1:8080", cfg.GetListenAddr())
	assert.Equal(t, TransportSim, cfg.GetTransport())
	assert.Equal(t, "/var/lib/matrixd/state.yaml", cfg.GetStateFile())
	assert.Equal(t, 2*time.Second, cfg.GetWriteTimeout())
	assert.Equal(t, 5, cfg.GetConnectAttempts())
	assert.Equal(t, domain.PolicySupersede, cfg.GetPositionPolicy())
	assert.True(t, cfg.GetAutoConnect())
	assert.Equal(t, []string{"AA:BB:CC:DD:EE:01", "AA:BB:CC:DD:EE:02"}, cfg.GetSimPanels())
	assert.Equal(t, 5*time.Millisecond, cfg.GetSimLatency())
}

func TestNewAppConfig_Invalid(t *testing.T) {
	tests := []struct {
		name  string
		key   string
		value string
	}{
		{name: "Unknown transport", key: "MATRIXD_TRANSPORT", value: "serial"},
		{name: "Unknown policy", key: "MATRIXD_POSITION_POLICY", value: "steal"},
		{name: "Zero attempts", key: "MATRIXD_CONNECT_ATTEMPTS", value: "0"},
		{name: "Bad duration", key: "MATRIXD_WRITE_TIMEOUT", value: "soon"},
		{name: "Negative timeout", key: "MATRIXD_SCAN_TIMEOUT", value: "-1s"},
		{name: "Bad sim address", key: "MATRIXD_SIM_PANELS", value: "nope"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Setenv(tt.key, tt.value)
			_, err := NewAppConfig(zap.NewNop())
			assert.Error(t, err)
		})
	}
}

func TestDebugEnabled(t *testing.T) {
	assert.False(t, DebugEnabled())
	t.Setenv("MATRIXD_DEBUG", "true")
	assert.True(t, DebugEnabled())
}

func TestAppConfig_ImplementsDomainConfig(t *testing.T) {
	var _ domain.Config = (*AppConfig)(nil)
}

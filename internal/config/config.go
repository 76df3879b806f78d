package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/caarlos0/env/v11"
	"github.com/genricoloni/matrixd/internal/domain"
	"go.uber.org/zap"
)

const envPrefix = "MATRIXD_"

// Transport names
const (
	TransportBlueZ = "bluez"
	TransportSim   = "sim"
)

// settings is the raw environment layout
type settings struct {
	ListenAddr      string        `env:"LISTEN" envDefault:":5000"`
	Transport       string        `env:"TRANSPORT" envDefault:"bluez"`
	Adapter         string        `env:"ADAPTER" envDefault:"hci0"`
	DeviceName      string        `env:"DEVICE_NAME" envDefault:"MI Matrix Display"`
	StateFile       string        `env:"STATE_FILE" envDefault:"~/.matrixd/displays.yaml"`
	WriteTimeout    time.Duration `env:"WRITE_TIMEOUT" envDefault:"3s"`
	ConnectTimeout  time.Duration `env:"CONNECT_TIMEOUT" envDefault:"10s"`
	ConnectAttempts int           `env:"CONNECT_ATTEMPTS" envDefault:"3"`
	RetryDelay      time.Duration `env:"RETRY_DELAY" envDefault:"1s"`
	BlockGap        time.Duration `env:"BLOCK_GAP" envDefault:"25ms"`
	PanelTimeout    time.Duration `env:"PANEL_TIMEOUT" envDefault:"30s"`
	ScanTimeout     time.Duration `env:"SCAN_TIMEOUT" envDefault:"10s"`
	PositionPolicy  string        `env:"POSITION_POLICY" envDefault:"reject"`
	AutoConnect     bool          `env:"AUTOCONNECT" envDefault:"false"`
	SimPanels       []string      `env:"SIM_PANELS" envSeparator:","`
	SimLatency      time.Duration `env:"SIM_LATENCY" envDefault:"0s"`
	Debug           bool          `env:"DEBUG" envDefault:"false"`
}

// AppConfig holds application configuration
type AppConfig struct {
	logger *zap.Logger
	s      settings
}

// parseEnv loads settings from MATRIXD_* environment variables
func parseEnv(target *settings) error {
	if err := env.ParseWithOptions(target, env.Options{Prefix: envPrefix}); err != nil {
		return fmt.Errorf("parse env: %w", err)
	}
	return nil
}

// NewAppConfig reads and validates the environment
func NewAppConfig(logger *zap.Logger) (*AppConfig, error) {
	var s settings
	if err := parseEnv(&s); err != nil {
		return nil, err
	}
	if err := s.normalize(); err != nil {
		return nil, err
	}

	logger.Info("Configuration loaded",
		zap.String("listen", s.ListenAddr),
		zap.String("transport", s.Transport),
		zap.String("adapter", s.Adapter),
		zap.String("stateFile", s.StateFile),
		zap.Duration("writeTimeout", s.WriteTimeout),
		zap.Int("connectAttempts", s.ConnectAttempts),
		zap.String("positionPolicy", s.PositionPolicy),
		zap.Bool("autoConnect", s.AutoConnect))

	return &AppConfig{logger: logger, s: s}, nil
}

// DebugEnabled reports MATRIXD_DEBUG before a logger exists
func DebugEnabled() bool {
	var s settings
	if err := parseEnv(&s); err != nil {
		return false
	}
	return s.Debug
}

func (s *settings) normalize() error {
	s.Transport = strings.ToLower(strings.TrimSpace(s.Transport))
	if s.Transport != TransportBlueZ && s.Transport != TransportSim {
		return fmt.Errorf("%sTRANSPORT must be %q or %q, got %q", envPrefix, TransportBlueZ, TransportSim, s.Transport)
	}

	s.PositionPolicy = strings.ToLower(strings.TrimSpace(s.PositionPolicy))
	switch domain.PositionPolicy(s.PositionPolicy) {
	case domain.PolicyReject, domain.PolicySupersede:
	default:
		return fmt.Errorf("%sPOSITION_POLICY must be %q or %q, got %q",
			envPrefix, domain.PolicyReject, domain.PolicySupersede, s.PositionPolicy)
	}

	if s.ConnectAttempts < 1 {
		return fmt.Errorf("%sCONNECT_ATTEMPTS must be at least 1, got %d", envPrefix, s.ConnectAttempts)
	}
	if s.WriteTimeout <= 0 || s.ConnectTimeout <= 0 || s.PanelTimeout <= 0 || s.ScanTimeout <= 0 {
		return fmt.Errorf("%s timeouts must be positive", strings.TrimSuffix(envPrefix, "_"))
	}

	// Expand path if it contains ~ or environment variables
	s.StateFile = os.ExpandEnv(s.StateFile)
	if len(s.StateFile) > 0 && s.StateFile[0] == '~' {
		home, err := os.UserHomeDir()
		if err == nil {
			s.StateFile = filepath.Join(home, s.StateFile[1:])
		}
	}

	panels := s.SimPanels[:0]
	for _, p := range s.SimPanels {
		address, err := domain.CanonicalAddress(p)
		if err != nil {
			return fmt.Errorf("%sSIM_PANELS: %w", envPrefix, err)
		}
		panels = append(panels, address)
	}
	s.SimPanels = panels
	return nil
}

// GetListenAddr returns the HTTP listen address
func (c *AppConfig) GetListenAddr() string { return c.s.ListenAddr }

// GetTransport returns "bluez" or "sim"
func (c *AppConfig) GetTransport() string { return c.s.Transport }

// GetAdapter returns the Bluetooth adapter name, e.g. hci0
func (c *AppConfig) GetAdapter() string { return c.s.Adapter }

// GetDeviceName returns the advertised name discovery filters on
func (c *AppConfig) GetDeviceName() string { return c.s.DeviceName }

// GetStateFile returns the expanded path of the assignment file
func (c *AppConfig) GetStateFile() string { return c.s.StateFile }

func (c *AppConfig) GetWriteTimeout() time.Duration   { return c.s.WriteTimeout }
func (c *AppConfig) GetConnectTimeout() time.Duration { return c.s.ConnectTimeout }
func (c *AppConfig) GetConnectAttempts() int          { return c.s.ConnectAttempts }
func (c *AppConfig) GetRetryDelay() time.Duration     { return c.s.RetryDelay }
func (c *AppConfig) GetBlockGap() time.Duration       { return c.s.BlockGap }
func (c *AppConfig) GetPanelTimeout() time.Duration   { return c.s.PanelTimeout }
func (c *AppConfig) GetScanTimeout() time.Duration    { return c.s.ScanTimeout }

// GetPositionPolicy returns what happens to positions held by disconnected panels
func (c *AppConfig) GetPositionPolicy() domain.PositionPolicy {
	return domain.PositionPolicy(c.s.PositionPolicy)
}

// GetAutoConnect reports whether persisted panels are dialed at startup
func (c *AppConfig) GetAutoConnect() bool { return c.s.AutoConnect }

// GetSimPanels returns the canonical addresses of simulated panels
func (c *AppConfig) GetSimPanels() []string {
	return append([]string(nil), c.s.SimPanels...)
}

func (c *AppConfig) GetSimLatency() time.Duration { return c.s.SimLatency }

// GetDebug reports whether debug logging is on
func (c *AppConfig) GetDebug() bool { return c.s.Debug }

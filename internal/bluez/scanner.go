package bluez

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/genricoloni/matrixd/internal/domain"
	"github.com/godbus/dbus/v5"
	"go.uber.org/zap"
)

// Scanner runs LE discovery on one adapter and reports panels by name
type Scanner struct {
	logger     *zap.Logger
	bus        BusClient
	adapter    string
	deviceName string
}

// NewScanner creates a scanner matching devices advertised as deviceName
func NewScanner(logger *zap.Logger, bus BusClient, adapter, deviceName string) *Scanner {
	return &Scanner{logger: logger, bus: bus, adapter: adapter, deviceName: deviceName}
}

// Scan discovers for timeout, or until ctx ends, then lists matching devices
func (s *Scanner) Scan(ctx context.Context, timeout time.Duration) ([]domain.Candidate, error) {
	adapterPath := AdapterPath(s.adapter)

	filter := map[string]dbus.Variant{"Transport": dbus.MakeVariant("le")}
	if _, err := s.bus.Call(ctx, adapterPath, adapterInterface+".SetDiscoveryFilter", filter); err != nil {
		s.logger.Warn("Failed to set discovery filter", zap.Error(err))
	}

	if _, err := s.bus.Call(ctx, adapterPath, adapterInterface+".StartDiscovery"); err != nil {
		return nil, domain.NewError(domain.KindConnection, "scan", fmt.Errorf("start discovery on %s: %w", s.adapter, err))
	}
	s.logger.Info("Discovery started", zap.String("adapter", s.adapter), zap.Duration("timeout", timeout))

	timer := time.NewTimer(timeout)
	select {
	case <-timer.C:
	case <-ctx.Done():
		timer.Stop()
	}

	stopCtx, cancel := context.WithTimeout(context.Background(), disconnectTimeout)
	defer cancel()
	if _, err := s.bus.Call(stopCtx, adapterPath, adapterInterface+".StopDiscovery"); err != nil {
		s.logger.Warn("Failed to stop discovery", zap.Error(err))
	}

	objects, err := s.bus.ManagedObjects(stopCtx)
	if err != nil {
		return nil, domain.NewError(domain.KindConnection, "scan", fmt.Errorf("failed to list managed objects: %w", err))
	}

	found := candidates(objects, adapterPath, s.deviceName)
	s.logger.Info("Discovery complete", zap.Int("count", len(found)))
	return found, nil
}

// candidates extracts the devices under adapterPath whose name matches
func candidates(objects ManagedObjects, adapterPath dbus.ObjectPath, name string) []domain.Candidate {
	prefix := string(adapterPath) + "/"
	var out []domain.Candidate

	for path, ifaces := range objects {
		if !strings.HasPrefix(string(path), prefix) {
			continue
		}
		props, ok := ifaces[deviceInterface]
		if !ok {
			continue
		}

		deviceName := stringProp(props, "Name")
		if deviceName == "" {
			deviceName = stringProp(props, "Alias")
		}
		if deviceName != name {
			continue
		}

		address, err := domain.CanonicalAddress(stringProp(props, "Address"))
		if err != nil {
			continue
		}

		c := domain.Candidate{Address: address, Name: deviceName}
		if v, ok := props["RSSI"]; ok {
			if rssi, ok := v.Value().(int16); ok {
				c.RSSI = domain.IntPtr(int(rssi))
			}
		}
		out = append(out, c)
	}

	sort.Slice(out, func(i, j int) bool { return out[i].Address < out[j].Address })
	return out
}

func stringProp(props map[string]dbus.Variant, key string) string {
	if v, ok := props[key]; ok {
		if s, ok := v.Value().(string); ok {
			return s
		}
	}
	return ""
}

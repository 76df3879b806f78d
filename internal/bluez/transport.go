// Package bluez drives panels through the BlueZ daemon over the D-Bus system bus.
package bluez

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/genricoloni/matrixd/internal/codec"
	"github.com/genricoloni/matrixd/internal/domain"
	"github.com/godbus/dbus/v5"
	"go.uber.org/zap"
)

const (
	resolvePollInterval = 100 * time.Millisecond
	disconnectTimeout   = 5 * time.Second
)

// AdapterPath returns the object path of a local adapter, e.g. /org/bluez/hci0
func AdapterPath(adapter string) dbus.ObjectPath {
	return dbus.ObjectPath("/org/bluez/" + adapter)
}

// DevicePath returns the object path BlueZ uses for address under adapter
func DevicePath(adapter, address string) dbus.ObjectPath {
	return dbus.ObjectPath(fmt.Sprintf("%s/dev_%s", AdapterPath(adapter), strings.ReplaceAll(address, ":", "_")))
}

// Transport opens GATT connections to panels known to BlueZ
type Transport struct {
	logger  *zap.Logger
	bus     BusClient
	adapter string
}

// NewTransport creates a transport on the given adapter
func NewTransport(logger *zap.Logger, bus BusClient, adapter string) *Transport {
	return &Transport{logger: logger, bus: bus, adapter: adapter}
}

// Dial connects the device, waits for GATT resolution and locates the
// drawing characteristic.
func (t *Transport) Dial(ctx context.Context, address string) (domain.Connection, error) {
	devicePath := DevicePath(t.adapter, address)
	logger := t.logger.With(zap.String("address", address))

	if _, err := t.bus.GetProperty(devicePath, deviceInterface+".Address"); err != nil {
		return nil, fmt.Errorf("device %s unknown to adapter %s (scan first): %w", address, t.adapter, err)
	}

	// Subscribe before connecting so a drop right after Connect is not missed.
	c := newConnection(logger, t.bus, devicePath)
	if err := c.subscribe(); err != nil {
		return nil, err
	}

	if _, err := t.bus.Call(ctx, devicePath, deviceInterface+".Connect"); err != nil {
		c.unsubscribe()
		return nil, fmt.Errorf("connect %s: %w", address, err)
	}
	c.arm()

	charPath, err := t.resolve(ctx, devicePath)
	if err != nil {
		_ = c.Close()
		return nil, err
	}
	c.charPath = charPath

	logger.Debug("GATT characteristic resolved", zap.String("path", string(charPath)))
	return c, nil
}

// resolve waits for ServicesResolved and finds the write characteristic
func (t *Transport) resolve(ctx context.Context, devicePath dbus.ObjectPath) (dbus.ObjectPath, error) {
	ticker := time.NewTicker(resolvePollInterval)
	defer ticker.Stop()

	for {
		v, err := t.bus.GetProperty(devicePath, deviceInterface+".ServicesResolved")
		if err == nil {
			if resolved, ok := v.Value().(bool); ok && resolved {
				break
			}
		}
		select {
		case <-ctx.Done():
			return "", fmt.Errorf("services of %s not resolved: %w", devicePath, ctx.Err())
		case <-ticker.C:
		}
	}

	objects, err := t.bus.ManagedObjects(ctx)
	if err != nil {
		return "", fmt.Errorf("failed to list managed objects: %w", err)
	}
	if path, ok := findCharacteristic(objects, devicePath, codec.CharacteristicUUID); ok {
		return path, nil
	}
	return "", fmt.Errorf("characteristic %s not found on %s", codec.CharacteristicUUID, devicePath)
}

// findCharacteristic returns the GATT characteristic under devicePath with the given UUID
func findCharacteristic(objects ManagedObjects, devicePath dbus.ObjectPath, uuid string) (dbus.ObjectPath, bool) {
	prefix := string(devicePath) + "/"
	for path, ifaces := range objects {
		if !strings.HasPrefix(string(path), prefix) {
			continue
		}
		props, ok := ifaces[gattCharInterface]
		if !ok {
			continue
		}
		if v, ok := props["UUID"]; ok {
			if s, ok := v.Value().(string); ok && strings.EqualFold(s, uuid) {
				return path, true
			}
		}
	}
	return "", false
}

// connection is one live GATT session with a panel
type connection struct {
	logger     *zap.Logger
	bus        BusClient
	devicePath dbus.ObjectPath
	charPath   dbus.ObjectPath

	signals      chan *dbus.Signal
	stop         chan struct{}
	armed        chan struct{}
	disconnected chan struct{}
	armOnce      sync.Once
	dropOnce     sync.Once
	closeOnce    sync.Once
	wg           sync.WaitGroup
}

func newConnection(logger *zap.Logger, bus BusClient, devicePath dbus.ObjectPath) *connection {
	return &connection{
		logger:       logger,
		bus:          bus,
		devicePath:   devicePath,
		signals:      make(chan *dbus.Signal, 10),
		stop:         make(chan struct{}),
		armed:        make(chan struct{}),
		disconnected: make(chan struct{}),
	}
}

func (c *connection) matchOptions() []dbus.MatchOption {
	return []dbus.MatchOption{
		dbus.WithMatchObjectPath(c.devicePath),
		dbus.WithMatchInterface(propertiesInterface),
		dbus.WithMatchMember("PropertiesChanged"),
	}
}

// subscribe starts listening for the device's Connected property going false
func (c *connection) subscribe() error {
	if err := c.bus.AddMatchSignal(c.matchOptions()...); err != nil {
		return fmt.Errorf("failed to add match signal: %w", err)
	}
	c.bus.Signal(c.signals)

	c.wg.Add(1)
	go c.monitorSignals()
	return nil
}

// arm marks Device1.Connect as returned; drops are only reported after it
func (c *connection) arm() {
	c.armOnce.Do(func() { close(c.armed) })
}

func (c *connection) unsubscribe() {
	close(c.stop)
	c.bus.RemoveSignal(c.signals)
	if err := c.bus.RemoveMatchSignal(c.matchOptions()...); err != nil {
		c.logger.Debug("Failed to remove match signal", zap.Error(err))
	}
	c.wg.Wait()
}

// monitorSignals listens for D-Bus signals and reports a drop once
func (c *connection) monitorSignals() {
	defer c.wg.Done()

	for {
		select {
		case <-c.stop:
			return
		case sig := <-c.signals:
			if sig == nil || !isDisconnect(sig, c.devicePath) {
				continue
			}
			// A signal from tearing down the previous session can arrive late.
			select {
			case <-c.armed:
			case <-c.stop:
				return
			}
			if c.stillConnected() {
				c.logger.Debug("Ignoring stale disconnect signal")
				continue
			}
			c.logger.Info("Device reported disconnect")
			c.dropOnce.Do(func() { close(c.disconnected) })
			return
		}
	}
}

// stillConnected re-reads Device1.Connected; a failed read counts as disconnected
func (c *connection) stillConnected() bool {
	v, err := c.bus.GetProperty(c.devicePath, deviceInterface+".Connected")
	if err != nil {
		return false
	}
	connected, ok := v.Value().(bool)
	return ok && connected
}

// isDisconnect reports whether sig says the device at path lost its connection
func isDisconnect(sig *dbus.Signal, path dbus.ObjectPath) bool {
	if sig.Path != path || sig.Name != propertiesInterface+".PropertiesChanged" {
		return false
	}
	if len(sig.Body) < 2 {
		return false
	}
	iface, ok := sig.Body[0].(string)
	if !ok || iface != deviceInterface {
		return false
	}
	changed, ok := sig.Body[1].(map[string]dbus.Variant)
	if !ok {
		return false
	}
	v, ok := changed["Connected"]
	if !ok {
		return false
	}
	connected, ok := v.Value().(bool)
	return ok && !connected
}

// WriteCommand writes one command with a write-with-response request
func (c *connection) WriteCommand(ctx context.Context, data []byte) error {
	opts := map[string]dbus.Variant{"type": dbus.MakeVariant("request")}
	if _, err := c.bus.Call(ctx, c.charPath, gattCharInterface+".WriteValue", data, opts); err != nil {
		return fmt.Errorf("write value: %w", err)
	}
	return nil
}

// Disconnected is closed when BlueZ reports the device disconnected
func (c *connection) Disconnected() <-chan struct{} {
	return c.disconnected
}

// Close stops monitoring and asks BlueZ to drop the device connection
func (c *connection) Close() error {
	var err error
	c.closeOnce.Do(func() {
		c.unsubscribe()

		ctx, cancel := context.WithTimeout(context.Background(), disconnectTimeout)
		defer cancel()
		if _, cerr := c.bus.Call(ctx, c.devicePath, deviceInterface+".Disconnect"); cerr != nil {
			err = fmt.Errorf("disconnect %s: %w", c.devicePath, cerr)
		}
	})
	return err
}

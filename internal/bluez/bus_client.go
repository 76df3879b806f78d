package bluez

import (
	"context"

	"github.com/godbus/dbus/v5"
)

const (
	bluezService = "org.bluez"

	adapterInterface    = "org.bluez.Adapter1"
	deviceInterface     = "org.bluez.Device1"
	gattCharInterface   = "org.bluez.GattCharacteristic1"
	propertiesInterface = "org.freedesktop.DBus.Properties"
	objectManagerCall   = "org.freedesktop.DBus.ObjectManager.GetManagedObjects"
)

// ManagedObjects is the reply of ObjectManager.GetManagedObjects
type ManagedObjects map[dbus.ObjectPath]map[string]map[string]dbus.Variant

// BusClient defines the D-Bus operations the BlueZ transport needs.
// Every call targets the org.bluez service.
//
//go:generate mockgen -destination=mocks/bus_client_mock.go -package=mocks github.com/genricoloni/matrixd/internal/bluez BusClient
type BusClient interface {
	// Close closes the D-Bus connection
	Close() error

	// Call invokes method on the object at path and returns the reply body
	Call(ctx context.Context, path dbus.ObjectPath, method string, args ...any) ([]any, error)

	// GetProperty reads an interface-qualified property, e.g. "org.bluez.Device1.Connected"
	GetProperty(path dbus.ObjectPath, prop string) (dbus.Variant, error)

	// ManagedObjects lists every object BlueZ exports
	ManagedObjects(ctx context.Context) (ManagedObjects, error)

	// AddMatchSignal adds a signal match rule
	AddMatchSignal(options ...dbus.MatchOption) error

	// RemoveMatchSignal removes a signal match rule
	RemoveMatchSignal(options ...dbus.MatchOption) error

	// Signal registers a channel to receive D-Bus signals
	Signal(ch chan<- *dbus.Signal)

	// RemoveSignal unregisters a channel passed to Signal
	RemoveSignal(ch chan<- *dbus.Signal)
}

// StdBusClient is the real implementation using godbus
type StdBusClient struct {
	conn *dbus.Conn
}

// NewStdBusClient opens a private connection to the system bus
func NewStdBusClient() (*StdBusClient, error) {
	conn, err := dbus.ConnectSystemBus()
	if err != nil {
		return nil, err
	}
	return &StdBusClient{conn: conn}, nil
}

// Close closes the D-Bus connection
func (c *StdBusClient) Close() error {
	return c.conn.Close()
}

// Call invokes a BlueZ method
func (c *StdBusClient) Call(ctx context.Context, path dbus.ObjectPath, method string, args ...any) ([]any, error) {
	call := c.conn.Object(bluezService, path).CallWithContext(ctx, method, 0, args...)
	if call.Err != nil {
		return nil, call.Err
	}
	return call.Body, nil
}

// GetProperty retrieves a property from a BlueZ object
func (c *StdBusClient) GetProperty(path dbus.ObjectPath, prop string) (dbus.Variant, error) {
	return c.conn.Object(bluezService, path).GetProperty(prop)
}

// ManagedObjects lists every object BlueZ exports
func (c *StdBusClient) ManagedObjects(ctx context.Context) (ManagedObjects, error) {
	var objects ManagedObjects
	err := c.conn.Object(bluezService, "/").CallWithContext(ctx, objectManagerCall, 0).Store(&objects)
	return objects, err
}

// AddMatchSignal adds a signal match rule
func (c *StdBusClient) AddMatchSignal(options ...dbus.MatchOption) error {
	return c.conn.AddMatchSignal(options...)
}

// RemoveMatchSignal removes a signal match rule
func (c *StdBusClient) RemoveMatchSignal(options ...dbus.MatchOption) error {
	return c.conn.RemoveMatchSignal(options...)
}

// Signal registers a channel to receive D-Bus signals
func (c *StdBusClient) Signal(ch chan<- *dbus.Signal) {
	c.conn.Signal(ch)
}

// RemoveSignal unregisters a channel passed to Signal
func (c *StdBusClient) RemoveSignal(ch chan<- *dbus.Signal) {
	c.conn.RemoveSignal(ch)
}

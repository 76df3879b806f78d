package bluez

import (
	"context"
	"testing"
	"time"

	"github.com/genricoloni/matrixd/internal/codec"
	"github.com/godbus/dbus/v5"
	"go.uber.org/zap"
)

const testDevice = dbus.ObjectPath("/org/bluez/hci0/dev_AA_BB_CC_DD_EE_01")

func TestDevicePath(t *testing.T) {
	got := DevicePath("hci1", "AA:BB:CC:DD:EE:01")
	if got != "/org/bluez/hci1/dev_AA_BB_CC_DD_EE_01" {
		t.Errorf("unexpected device path %q", got)
	}
}

func disconnectSignal(path dbus.ObjectPath, iface string, connected any) *dbus.Signal {
	return &dbus.Signal{
		Path: path,
		Name: "org.freedesktop.DBus.Properties.PropertiesChanged",
		Body: []interface{}{
			iface,
			map[string]dbus.Variant{"Connected": dbus.MakeVariant(connected)},
			[]string{},
		},
	}
}

func TestIsDisconnect(t *testing.T) {
	tests := []struct {
		name   string
		signal *dbus.Signal
		want   bool
	}{
		{
			name:   "Connected false on device",
			signal: disconnectSignal(testDevice, "org.bluez.Device1", false),
			want:   true,
		},
		{
			name:   "Connected true",
			signal: disconnectSignal(testDevice, "org.bluez.Device1", true),
		},
		{
			name:   "Other device",
			signal: disconnectSignal("/org/bluez/hci0/dev_AA_BB_CC_DD_EE_02", "org.bluez.Device1", false),
		},
		{
			name:   "Wrong interface",
			signal: disconnectSignal(testDevice, "org.bluez.GattService1", false),
		},
		{
			name:   "Connected is not a bool",
			signal: disconnectSignal(testDevice, "org.bluez.Device1", "no"),
		},
		{
			name: "Wrong Signal Name",
			signal: &dbus.Signal{
				Path: testDevice,
				Name: "org.freedesktop.DBus.SomeOtherSignal",
				Body: []interface{}{},
			},
		},
		{
			name: "Short Body",
			signal: &dbus.Signal{
				Path: testDevice,
				Name: "org.freedesktop.DBus.Properties.PropertiesChanged",
				Body: []interface{}{"org.bluez.Device1"},
			},
		},
		{
			name: "Unrelated property",
			signal: &dbus.Signal{
				Path: testDevice,
				Name: "org.freedesktop.DBus.Properties.PropertiesChanged",
				Body: []interface{}{
					"org.bluez.Device1",
					map[string]dbus.Variant{"RSSI": dbus.MakeVariant(int16(-60))},
					[]string{},
				},
			},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := isDisconnect(tt.signal, testDevice); got != tt.want {
				t.Errorf("expected %v, got %v", tt.want, got)
			}
		})
	}
}

func TestFindCharacteristic(t *testing.T) {
	objects := ManagedObjects{
		testDevice: {
			"org.bluez.Device1": {"Address": dbus.MakeVariant("AA:BB:CC:DD:EE:01")},
		},
		testDevice + "/service000c/char000d": {
			"org.bluez.GattCharacteristic1": {"UUID": dbus.MakeVariant("0000ffd2-0000-1000-8000-00805f9b34fb")},
		},
		testDevice + "/service000c/char000f": {
			"org.bluez.GattCharacteristic1": {"UUID": dbus.MakeVariant("0000FFD1-0000-1000-8000-00805F9B34FB")},
		},
		"/org/bluez/hci0/dev_AA_BB_CC_DD_EE_02/service000c/char000f": {
			"org.bluez.GattCharacteristic1": {"UUID": dbus.MakeVariant(codec.CharacteristicUUID)},
		},
	}

	path, ok := findCharacteristic(objects, testDevice, codec.CharacteristicUUID)
	if !ok {
		t.Fatal("expected characteristic to be found")
	}
	if path != testDevice+"/service000c/char000f" {
		t.Errorf("unexpected path %q", path)
	}

	if _, ok := findCharacteristic(objects, "/org/bluez/hci0/dev_AA_BB_CC_DD_EE_03", codec.CharacteristicUUID); ok {
		t.Error("expected no characteristic for unknown device")
	}
}

func TestCandidates(t *testing.T) {
	objects := ManagedObjects{
		"/org/bluez/hci0": {
			"org.bluez.Adapter1": {"Address": dbus.MakeVariant("00:11:22:33:44:55")},
		},
		"/org/bluez/hci0/dev_AA_BB_CC_DD_EE_02": {
			"org.bluez.Device1": {
				"Address": dbus.MakeVariant("AA:BB:CC:DD:EE:02"),
				"Name":    dbus.MakeVariant("MI Matrix Display"),
				"RSSI":    dbus.MakeVariant(int16(-71)),
			},
		},
		"/org/bluez/hci0/dev_AA_BB_CC_DD_EE_01": {
			"org.bluez.Device1": {
				"Address": dbus.MakeVariant("aa:bb:cc:dd:ee:01"),
				"Alias":   dbus.MakeVariant("MI Matrix Display"),
			},
		},
		"/org/bluez/hci0/dev_11_22_33_44_55_66": {
			"org.bluez.Device1": {
				"Address": dbus.MakeVariant("11:22:33:44:55:66"),
				"Name":    dbus.MakeVariant("Headphones"),
			},
		},
		"/org/bluez/hci1/dev_AA_BB_CC_DD_EE_03": {
			"org.bluez.Device1": {
				"Address": dbus.MakeVariant("AA:BB:CC:DD:EE:03"),
				"Name":    dbus.MakeVariant("MI Matrix Display"),
			},
		},
	}

	got := candidates(objects, "/org/bluez/hci0", "MI Matrix Display")
	if len(got) != 2 {
		t.Fatalf("expected 2 candidates, got %d: %+v", len(got), got)
	}
	if got[0].Address != "AA:BB:CC:DD:EE:01" || got[0].RSSI != nil {
		t.Errorf("unexpected first candidate %+v", got[0])
	}
	if got[1].Address != "AA:BB:CC:DD:EE:02" || got[1].RSSI == nil || *got[1].RSSI != -71 {
		t.Errorf("unexpected second candidate %+v", got[1])
	}
}

// noopBusClient is a BusClient that accepts everything and reports nothing
type noopBusClient struct{}

func (n *noopBusClient) Close() error { return nil }
func (n *noopBusClient) Call(context.Context, dbus.ObjectPath, string, ...any) ([]any, error) {
	return nil, nil
}
func (n *noopBusClient) GetProperty(dbus.ObjectPath, string) (dbus.Variant, error) {
	return dbus.MakeVariant(""), nil
}
func (n *noopBusClient) ManagedObjects(context.Context) (ManagedObjects, error) { return nil, nil }
func (n *noopBusClient) AddMatchSignal(...dbus.MatchOption) error               { return nil }
func (n *noopBusClient) RemoveMatchSignal(...dbus.MatchOption) error            { return nil }
func (n *noopBusClient) Signal(chan<- *dbus.Signal)                             {}
func (n *noopBusClient) RemoveSignal(chan<- *dbus.Signal)                       {}

func TestConnection_ReportsDisconnectOnce(t *testing.T) {
	c := newConnection(zap.NewNop(), &noopBusClient{}, testDevice)
	if err := c.subscribe(); err != nil {
		t.Fatalf("subscribe: %v", err)
	}
	c.arm()

	// Unrelated signals are ignored.
	c.signals <- disconnectSignal("/org/bluez/hci0/dev_AA_BB_CC_DD_EE_02", "org.bluez.Device1", false)
	c.signals <- nil

	select {
	case <-c.Disconnected():
		t.Fatal("disconnect reported for another device")
	case <-time.After(50 * time.Millisecond):
	}

	c.signals <- disconnectSignal(testDevice, "org.bluez.Device1", false)

	select {
	case <-c.Disconnected():
	case <-time.After(time.Second):
		t.Fatal("Timeout: disconnect was not reported")
	}

	if err := c.Close(); err != nil {
		t.Errorf("unexpected close error: %v", err)
	}
	// Closing twice is harmless.
	if err := c.Close(); err != nil {
		t.Errorf("unexpected second close error: %v", err)
	}
}

func TestConnection_HoldsDropUntilConnectReturns(t *testing.T) {
	c := newConnection(zap.NewNop(), &noopBusClient{}, testDevice)
	if err := c.subscribe(); err != nil {
		t.Fatalf("subscribe: %v", err)
	}
	defer c.Close()

	c.signals <- disconnectSignal(testDevice, "org.bluez.Device1", false)

	select {
	case <-c.Disconnected():
		t.Fatal("disconnect reported while Connect was still running")
	case <-time.After(50 * time.Millisecond):
	}

	// The device still reads as disconnected once Connect returns, so the drop is real.
	c.arm()

	select {
	case <-c.Disconnected():
	case <-time.After(time.Second):
		t.Fatal("Timeout: disconnect was not reported after arming")
	}
}

// Package sim provides an in-memory panel transport for running without
// Bluetooth hardware. Simulated panels decode the real wire format.
package sim

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/genricoloni/matrixd/internal/codec"
	"github.com/genricoloni/matrixd/internal/domain"
	"go.uber.org/zap"
)

// DeviceName is the name simulated panels advertise
const DeviceName = "MI Matrix Display"

var (
	// ErrUnknownDevice is returned when dialing an address nobody simulates
	ErrUnknownDevice = errors.New("no simulated device at address")
	// ErrUnreachable is returned when dialing a panel that is switched off
	ErrUnreachable = errors.New("simulated device unreachable")
	// ErrBusy is returned when the panel already has a controller
	ErrBusy = errors.New("simulated device already connected")
)

// Device is one simulated panel
type Device struct {
	address string
	rssi    int

	mu          sync.Mutex
	sim         *codec.Simulator
	connected   bool
	unreachable bool
	stalled     bool
	drop        chan struct{}
	commands    int
}

// Address returns the device hardware address
func (d *Device) Address() string { return d.address }

// Frame returns what the panel currently shows
func (d *Device) Frame() domain.FrameBuffer {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.sim.Frame()
}

// Powered reports the panel's power state
func (d *Device) Powered() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.sim.Powered()
}

// Connected reports whether a controller holds the panel
func (d *Device) Connected() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.connected
}

// Commands returns how many commands the panel accepted
func (d *Device) Commands() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.commands
}

// SetUnreachable makes later dials fail, as with a panel out of range
func (d *Device) SetUnreachable(v bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.unreachable = v
}

// SetStalled makes writes hang until their deadline, as with lost acknowledgments
func (d *Device) SetStalled(v bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.stalled = v
}

// Drop severs the current connection, as when the panel is unplugged
func (d *Device) Drop() {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.connected {
		d.connected = false
		close(d.drop)
	}
}

// Transport is a domain.Transport over simulated devices
type Transport struct {
	logger  *zap.Logger
	latency time.Duration

	mu      sync.RWMutex
	devices map[string]*Device
}

// NewTransport creates a transport simulating one panel per address
func NewTransport(logger *zap.Logger, addresses []string, latency time.Duration) *Transport {
	t := &Transport{
		logger:  logger,
		latency: latency,
		devices: make(map[string]*Device, len(addresses)),
	}
	for _, a := range addresses {
		t.Add(a)
	}
	return t
}

// Add starts simulating a panel at address and returns it
func (t *Transport) Add(address string) *Device {
	t.mu.Lock()
	defer t.mu.Unlock()

	if d, ok := t.devices[address]; ok {
		return d
	}
	d := &Device{
		address: address,
		rssi:    -40 - len(t.devices),
		sim:     codec.NewSimulator(),
	}
	t.devices[address] = d
	t.logger.Debug("Simulated panel added", zap.String("address", address))
	return d
}

// Device returns the simulated panel at address
func (t *Transport) Device(address string) (*Device, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	d, ok := t.devices[address]
	return d, ok
}

// Dial connects to a simulated panel
func (t *Transport) Dial(ctx context.Context, address string) (domain.Connection, error) {
	d, ok := t.Device(address)
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownDevice, address)
	}
	if err := sleep(ctx, t.latency); err != nil {
		return nil, err
	}

	d.mu.Lock()
	defer d.mu.Unlock()
	switch {
	case d.unreachable:
		return nil, fmt.Errorf("%w: %s", ErrUnreachable, address)
	case d.connected:
		return nil, fmt.Errorf("%w: %s", ErrBusy, address)
	}
	d.connected = true
	d.drop = make(chan struct{})

	return &conn{device: d, latency: t.latency, drop: d.drop}, nil
}

// Scan lists every simulated panel that can currently be reached
func (t *Transport) Scan(ctx context.Context, timeout time.Duration) ([]domain.Candidate, error) {
	if err := sleep(ctx, min(t.latency, timeout)); err != nil {
		return nil, err
	}

	t.mu.RLock()
	defer t.mu.RUnlock()

	out := make([]domain.Candidate, 0, len(t.devices))
	for _, d := range t.devices {
		d.mu.Lock()
		reachable := !d.unreachable
		d.mu.Unlock()
		if reachable {
			out = append(out, domain.Candidate{Address: d.address, Name: DeviceName, RSSI: domain.IntPtr(d.rssi)})
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Address < out[j].Address })
	return out, nil
}

// conn is one session with a simulated panel
type conn struct {
	device  *Device
	latency time.Duration
	drop    chan struct{}

	closeOnce sync.Once
}

func (c *conn) WriteCommand(ctx context.Context, data []byte) error {
	if err := sleep(ctx, c.latency); err != nil {
		return err
	}

	d := c.device
	d.mu.Lock()
	if !d.connected || d.drop != c.drop {
		d.mu.Unlock()
		return errors.New("simulated device not connected")
	}
	if d.stalled {
		d.mu.Unlock()
		<-ctx.Done()
		return ctx.Err()
	}
	defer d.mu.Unlock()

	if err := d.sim.Apply(data); err != nil {
		return fmt.Errorf("device rejected command: %w", err)
	}
	d.commands++
	return nil
}

func (c *conn) Disconnected() <-chan struct{} {
	return c.drop
}

func (c *conn) Close() error {
	c.closeOnce.Do(func() {
		d := c.device
		d.mu.Lock()
		defer d.mu.Unlock()
		if d.connected && d.drop == c.drop {
			d.connected = false
		}
	})
	return nil
}

func sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-timer.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

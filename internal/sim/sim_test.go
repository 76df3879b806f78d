package sim

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/genricoloni/matrixd/internal/codec"
	"github.com/genricoloni/matrixd/internal/domain"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

const (
	addrA = "AA:BB:CC:DD:EE:01"
	addrB = "AA:BB:CC:DD:EE:02"
)

func TestTransport_DialAndDraw(t *testing.T) {
	tr := NewTransport(zap.NewNop(), []string{addrA}, 0)

	conn, err := tr.Dial(context.Background(), addrA)
	require.NoError(t, err)

	for _, cmd := range codec.EncodeInit() {
		require.NoError(t, conn.WriteCommand(context.Background(), cmd))
	}
	fill, err := codec.EncodeFill(domain.RGB{R: 7, G: 8, B: 9})
	require.NoError(t, err)
	for _, cmd := range fill {
		require.NoError(t, conn.WriteCommand(context.Background(), cmd))
	}

	d, ok := tr.Device(addrA)
	require.True(t, ok)
	assert.True(t, d.Powered())
	assert.Equal(t, domain.UniformFrame(domain.RGB{R: 7, G: 8, B: 9}), d.Frame())
	assert.Equal(t, 2+len(fill), d.Commands())
}

func TestTransport_DialFailures(t *testing.T) {
	tr := NewTransport(zap.NewNop(), []string{addrA, addrB}, 0)

	_, err := tr.Dial(context.Background(), "AA:BB:CC:DD:EE:FF")
	assert.ErrorIs(t, err, ErrUnknownDevice)

	d, _ := tr.Device(addrB)
	d.SetUnreachable(true)
	_, err = tr.Dial(context.Background(), addrB)
	assert.ErrorIs(t, err, ErrUnreachable)

	_, err = tr.Dial(context.Background(), addrA)
	require.NoError(t, err)
	_, err = tr.Dial(context.Background(), addrA)
	assert.ErrorIs(t, err, ErrBusy)
}

func TestTransport_DialHonorsContext(t *testing.T) {
	tr := NewTransport(zap.NewNop(), []string{addrA}, time.Second)
	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()

	_, err := tr.Dial(ctx, addrA)
	assert.True(t, errors.Is(err, context.DeadlineExceeded))
}

func TestConn_DropAndClose(t *testing.T) {
	tr := NewTransport(zap.NewNop(), []string{addrA}, 0)
	conn, err := tr.Dial(context.Background(), addrA)
	require.NoError(t, err)

	d, _ := tr.Device(addrA)
	d.Drop()

	select {
	case <-conn.Disconnected():
	case <-time.After(time.Second):
		t.Fatal("drop was not reported")
	}
	assert.Error(t, conn.WriteCommand(context.Background(), codec.EncodePower(true)))
	assert.NoError(t, conn.Close())

	// The panel accepts a new controller afterwards.
	conn2, err := tr.Dial(context.Background(), addrA)
	require.NoError(t, err)
	assert.NoError(t, conn2.WriteCommand(context.Background(), codec.EncodePower(true)))

	// Closing the stale session must not disconnect the new one.
	assert.NoError(t, conn.Close())
	assert.True(t, d.Connected())
}

func TestConn_StalledWriteTimesOut(t *testing.T) {
	tr := NewTransport(zap.NewNop(), []string{addrA}, 0)
	conn, err := tr.Dial(context.Background(), addrA)
	require.NoError(t, err)

	d, _ := tr.Device(addrA)
	d.SetStalled(true)

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Millisecond)
	defer cancel()
	err = conn.WriteCommand(ctx, codec.EncodePower(true))
	assert.ErrorIs(t, err, context.DeadlineExceeded)
	assert.Zero(t, d.Commands())
}

func TestTransport_Scan(t *testing.T) {
	tr := NewTransport(zap.NewNop(), []string{addrB, addrA}, 0)
	d, _ := tr.Device(addrB)
	d.SetUnreachable(true)

	found, err := tr.Scan(context.Background(), time.Second)
	require.NoError(t, err)
	require.Len(t, found, 1)
	assert.Equal(t, addrA, found[0].Address)
	assert.Equal(t, DeviceName, found[0].Name)
	require.NotNil(t, found[0].RSSI)
}

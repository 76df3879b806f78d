package link

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/genricoloni/matrixd/internal/domain"
	"github.com/genricoloni/matrixd/internal/domain/mocks"
	"go.uber.org/mock/gomock"
	"go.uber.org/zap"
)

const testAddress = "AA:BB:CC:DD:EE:01"

var fastOptions = Options{
	WriteTimeout:    50 * time.Millisecond,
	ConnectTimeout:  50 * time.Millisecond,
	ConnectAttempts: 1,
	RetryDelay:      time.Millisecond,
}

// stateRecorder remembers every state a link passed through
type stateRecorder struct {
	mu     sync.Mutex
	states []domain.LinkState
	writes []error
}

func (r *stateRecorder) ObserveWrite(_ string, _ int, _ time.Duration, err error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.writes = append(r.writes, err)
}

func (r *stateRecorder) ObserveState(_ string, state domain.LinkState) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.states = append(r.states, state)
}

func (r *stateRecorder) seen(state domain.LinkState) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, s := range r.states {
		if s == state {
			return true
		}
	}
	return false
}

// newConn returns a mock connection whose lifecycle calls are always allowed
func newConn(ctrl *gomock.Controller) (*mocks.MockConnection, chan struct{}) {
	conn := mocks.NewMockConnection(ctrl)
	dropped := make(chan struct{})
	conn.EXPECT().Disconnected().Return((<-chan struct{})(dropped)).AnyTimes()
	conn.EXPECT().Close().Return(nil).AnyTimes()
	return conn, dropped
}

func newTestLink(t *testing.T, transport domain.Transport, opts Options, obs Observer) *PanelLink {
	t.Helper()
	l := New(testAddress, transport, zap.NewNop(), opts, obs)
	t.Cleanup(l.Close)
	return l
}

func TestConnect(t *testing.T) {
	tests := []struct {
		name          string
		attempts      int
		setupMock     func(*gomock.Controller, *mocks.MockTransport)
		expectKind    domain.Kind
		expectedState domain.LinkState
	}{
		{
			name:     "Success - First Attempt",
			attempts: 3,
			setupMock: func(ctrl *gomock.Controller, tr *mocks.MockTransport) {
				conn, _ := newConn(ctrl)
				tr.EXPECT().Dial(gomock.Any(), testAddress).Return(conn, nil)
			},
			expectedState: domain.StateConnected,
		},
		{
			name:     "Success - After Retries",
			attempts: 3,
			setupMock: func(ctrl *gomock.Controller, tr *mocks.MockTransport) {
				conn, _ := newConn(ctrl)
				gomock.InOrder(
					tr.EXPECT().Dial(gomock.Any(), testAddress).Return(nil, errors.New("le-connection-abort-by-local")),
					tr.EXPECT().Dial(gomock.Any(), testAddress).Return(nil, errors.New("le-connection-abort-by-local")),
					tr.EXPECT().Dial(gomock.Any(), testAddress).Return(conn, nil),
				)
			},
			expectedState: domain.StateConnected,
		},
		{
			name:     "Unreachable - Every Attempt Fails",
			attempts: 3,
			setupMock: func(ctrl *gomock.Controller, tr *mocks.MockTransport) {
				tr.EXPECT().Dial(gomock.Any(), testAddress).
					Return(nil, errors.New("device not available")).Times(3)
			},
			expectKind:    domain.KindConnection,
			expectedState: domain.StateError,
		},
		{
			name:     "Timeout - Dial Never Answers",
			attempts: 1,
			setupMock: func(ctrl *gomock.Controller, tr *mocks.MockTransport) {
				tr.EXPECT().Dial(gomock.Any(), testAddress).
					DoAndReturn(func(ctx context.Context, _ string) (domain.Connection, error) {
						<-ctx.Done()
						return nil, ctx.Err()
					})
			},
			expectKind:    domain.KindConnection,
			expectedState: domain.StateError,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ctrl := gomock.NewController(t)
			transport := mocks.NewMockTransport(ctrl)
			tt.setupMock(ctrl, transport)

			opts := fastOptions
			opts.ConnectAttempts = tt.attempts
			l := newTestLink(t, transport, opts, nil)

			err := l.Connect(context.Background())
			if tt.expectKind == "" && err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			if tt.expectKind != "" && domain.KindOf(err) != tt.expectKind {
				t.Fatalf("expected %q error, got %v", tt.expectKind, err)
			}
			if got := l.State(); got != tt.expectedState {
				t.Errorf("expected state %s, got %s", tt.expectedState, got)
			}
		})
	}
}

func TestConnect_IdempotentWhenConnected(t *testing.T) {
	ctrl := gomock.NewController(t)
	transport := mocks.NewMockTransport(ctrl)
	conn, _ := newConn(ctrl)
	transport.EXPECT().Dial(gomock.Any(), testAddress).Return(conn, nil).Times(1)

	l := newTestLink(t, transport, fastOptions, nil)
	for i := 0; i < 3; i++ {
		if err := l.Connect(context.Background()); err != nil {
			t.Fatalf("connect %d: %v", i, err)
		}
	}
}

// Three failed Connect calls in a row must never leave the link connected.
func TestConnect_RepeatedFailuresNeverConnect(t *testing.T) {
	ctrl := gomock.NewController(t)
	transport := mocks.NewMockTransport(ctrl)
	transport.EXPECT().Dial(gomock.Any(), testAddress).
		Return(nil, errors.New("host is down")).Times(3)

	obs := &stateRecorder{}
	l := newTestLink(t, transport, fastOptions, obs)

	for i := 0; i < 3; i++ {
		err := l.Connect(context.Background())
		if domain.KindOf(err) != domain.KindConnection {
			t.Fatalf("attempt %d: expected connection error, got %v", i, err)
		}
		if state := l.State(); state != domain.StateError {
			t.Fatalf("attempt %d: expected error state, got %s", i, state)
		}
	}
	if obs.seen(domain.StateConnected) {
		t.Error("link passed through connected state")
	}
	if l.LastError() == nil {
		t.Error("expected last error to be recorded")
	}
}

func TestWrite_NotConnected(t *testing.T) {
	ctrl := gomock.NewController(t)
	transport := mocks.NewMockTransport(ctrl)

	l := newTestLink(t, transport, fastOptions, nil)
	err := l.Write(context.Background(), []byte{0xBC, 0x55})
	if domain.KindOf(err) != domain.KindNotConnected {
		t.Fatalf("expected not_connected, got %v", err)
	}
}

// Writes to one link complete in submission order even when the first is slow.
func TestWrite_FIFOUnderDelay(t *testing.T) {
	ctrl := gomock.NewController(t)
	transport := mocks.NewMockTransport(ctrl)
	conn, _ := newConn(ctrl)
	transport.EXPECT().Dial(gomock.Any(), testAddress).Return(conn, nil)

	var (
		mu       sync.Mutex
		order    []byte
		inFlight int
		overlap  bool
	)
	conn.EXPECT().WriteCommand(gomock.Any(), gomock.Any()).
		DoAndReturn(func(_ context.Context, data []byte) error {
			mu.Lock()
			inFlight++
			if inFlight > 1 {
				overlap = true
			}
			mu.Unlock()

			if data[0] == 1 {
				time.Sleep(30 * time.Millisecond)
			}

			mu.Lock()
			order = append(order, data[0])
			inFlight--
			mu.Unlock()
			return nil
		}).Times(2)

	opts := fastOptions
	opts.WriteTimeout = time.Second
	l := newTestLink(t, transport, opts, nil)
	if err := l.Connect(context.Background()); err != nil {
		t.Fatalf("connect: %v", err)
	}

	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		if err := l.Write(context.Background(), []byte{1}); err != nil {
			t.Errorf("first write: %v", err)
		}
	}()
	// Let the first write reach the queue before submitting the second.
	time.Sleep(5 * time.Millisecond)
	go func() {
		defer wg.Done()
		if err := l.Write(context.Background(), []byte{2}); err != nil {
			t.Errorf("second write: %v", err)
		}
	}()
	wg.Wait()

	if len(order) != 2 || order[0] != 1 || order[1] != 2 {
		t.Errorf("expected order [1 2], got %v", order)
	}
	if overlap {
		t.Error("writes overlapped on the same link")
	}
	if l.LastWrite().IsZero() {
		t.Error("expected last write time to be set")
	}
}

func TestWrite_MultiCommandOrder(t *testing.T) {
	ctrl := gomock.NewController(t)
	transport := mocks.NewMockTransport(ctrl)
	conn, _ := newConn(ctrl)
	transport.EXPECT().Dial(gomock.Any(), testAddress).Return(conn, nil)

	gomock.InOrder(
		conn.EXPECT().WriteCommand(gomock.Any(), []byte{1}).Return(nil),
		conn.EXPECT().WriteCommand(gomock.Any(), []byte{2}).Return(nil),
		conn.EXPECT().WriteCommand(gomock.Any(), []byte{3}).Return(nil),
	)

	opts := fastOptions
	opts.CommandGap = time.Millisecond
	l := newTestLink(t, transport, opts, nil)
	if err := l.Connect(context.Background()); err != nil {
		t.Fatalf("connect: %v", err)
	}
	if err := l.Write(context.Background(), []byte{1}, []byte{2}, []byte{3}); err != nil {
		t.Fatalf("write: %v", err)
	}
}

func TestWrite_TimeoutReconnectsOnce(t *testing.T) {
	hang := func(ctx context.Context, _ []byte) error {
		<-ctx.Done()
		return ctx.Err()
	}

	tests := []struct {
		name          string
		setupMock     func(*gomock.Controller, *mocks.MockTransport)
		expectKind    domain.Kind
		expectedState domain.LinkState
	}{
		{
			name: "Reconnect Succeeds - Write Retried",
			setupMock: func(ctrl *gomock.Controller, tr *mocks.MockTransport) {
				first, _ := newConn(ctrl)
				second, _ := newConn(ctrl)
				first.EXPECT().WriteCommand(gomock.Any(), gomock.Any()).DoAndReturn(hang)
				second.EXPECT().WriteCommand(gomock.Any(), gomock.Any()).Return(nil)
				gomock.InOrder(
					tr.EXPECT().Dial(gomock.Any(), testAddress).Return(first, nil),
					tr.EXPECT().Dial(gomock.Any(), testAddress).Return(second, nil),
				)
			},
			expectedState: domain.StateConnected,
		},
		{
			name: "Reconnect Fails - Timeout Surfaced",
			setupMock: func(ctrl *gomock.Controller, tr *mocks.MockTransport) {
				first, _ := newConn(ctrl)
				first.EXPECT().WriteCommand(gomock.Any(), gomock.Any()).DoAndReturn(hang)
				gomock.InOrder(
					tr.EXPECT().Dial(gomock.Any(), testAddress).Return(first, nil),
					tr.EXPECT().Dial(gomock.Any(), testAddress).Return(nil, errors.New("out of range")),
				)
			},
			expectKind:    domain.KindWriteTimeout,
			expectedState: domain.StateError,
		},
		{
			name: "Retry Also Times Out - No Third Attempt",
			setupMock: func(ctrl *gomock.Controller, tr *mocks.MockTransport) {
				first, _ := newConn(ctrl)
				second, _ := newConn(ctrl)
				first.EXPECT().WriteCommand(gomock.Any(), gomock.Any()).DoAndReturn(hang)
				second.EXPECT().WriteCommand(gomock.Any(), gomock.Any()).DoAndReturn(hang)
				gomock.InOrder(
					tr.EXPECT().Dial(gomock.Any(), testAddress).Return(first, nil),
					tr.EXPECT().Dial(gomock.Any(), testAddress).Return(second, nil),
				)
			},
			expectKind:    domain.KindWriteTimeout,
			expectedState: domain.StateError,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ctrl := gomock.NewController(t)
			transport := mocks.NewMockTransport(ctrl)
			tt.setupMock(ctrl, transport)

			obs := &stateRecorder{}
			l := newTestLink(t, transport, fastOptions, obs)
			if err := l.Connect(context.Background()); err != nil {
				t.Fatalf("connect: %v", err)
			}

			err := l.Write(context.Background(), []byte{0xBC, 0x55})
			if tt.expectKind == "" && err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			if tt.expectKind != "" && domain.KindOf(err) != tt.expectKind {
				t.Fatalf("expected %q, got %v", tt.expectKind, err)
			}
			if got := l.State(); got != tt.expectedState {
				t.Errorf("expected state %s, got %s", tt.expectedState, got)
			}
			if !obs.seen(domain.StateError) {
				t.Error("expected link to pass through error state")
			}
		})
	}
}

func TestWrite_NotifiedDisconnectReconnects(t *testing.T) {
	ctrl := gomock.NewController(t)
	transport := mocks.NewMockTransport(ctrl)
	first, dropped := newConn(ctrl)
	second, _ := newConn(ctrl)
	second.EXPECT().WriteCommand(gomock.Any(), gomock.Any()).Return(nil)

	gomock.InOrder(
		transport.EXPECT().Dial(gomock.Any(), testAddress).Return(first, nil),
		transport.EXPECT().Dial(gomock.Any(), testAddress).Return(second, nil),
	)

	l := newTestLink(t, transport, fastOptions, nil)
	if err := l.Connect(context.Background()); err != nil {
		t.Fatalf("connect: %v", err)
	}

	close(dropped)

	deadline := time.Now().Add(time.Second)
	for {
		l.mu.RLock()
		replaced := l.conn == second
		l.mu.RUnlock()
		if replaced {
			break
		}
		if time.Now().After(deadline) {
			t.Fatal("link did not reconnect after disconnect notification")
		}
		time.Sleep(5 * time.Millisecond)
	}

	if err := l.Write(context.Background(), []byte{1}); err != nil {
		t.Fatalf("write after reconnect: %v", err)
	}
}

func TestReconnect_AfterWatcherFailedKeepsCause(t *testing.T) {
	ctrl := gomock.NewController(t)
	transport := mocks.NewMockTransport(ctrl)
	first, dropped := newConn(ctrl)

	gomock.InOrder(
		transport.EXPECT().Dial(gomock.Any(), testAddress).Return(first, nil),
		transport.EXPECT().Dial(gomock.Any(), testAddress).Return(nil, errors.New("le-connection-abort-by-local")),
	)

	l := newTestLink(t, transport, fastOptions, nil)
	if err := l.Connect(context.Background()); err != nil {
		t.Fatalf("connect: %v", err)
	}

	close(dropped)

	deadline := time.Now().Add(time.Second)
	for {
		var derr *domain.Error
		if errors.As(l.LastError(), &derr) && derr.Op == "reconnect" && l.State() == domain.StateError {
			break
		}
		if time.Now().After(deadline) {
			t.Fatal("watcher did not give up on the dropped connection")
		}
		time.Sleep(5 * time.Millisecond)
	}

	// A write that failed on the old connection must not see a silent success.
	err := l.reconnect(first, domain.Errorf(domain.KindConnection, "write", "dropped"))
	if err == nil {
		t.Fatal("expected the reconnect failure to be reported")
	}
	if kind := domain.KindOf(err); kind != domain.KindConnection {
		t.Fatalf("expected connection, got %s", kind)
	}
}

func TestWrite_CancelledBeforeDispatch(t *testing.T) {
	ctrl := gomock.NewController(t)
	transport := mocks.NewMockTransport(ctrl)
	conn, _ := newConn(ctrl)
	transport.EXPECT().Dial(gomock.Any(), testAddress).Return(conn, nil)

	release := make(chan struct{})
	// Only the blocking write may reach the wire.
	conn.EXPECT().WriteCommand(gomock.Any(), []byte{1}).
		DoAndReturn(func(context.Context, []byte) error {
			<-release
			return nil
		}).Times(1)

	opts := fastOptions
	opts.WriteTimeout = time.Second
	l := newTestLink(t, transport, opts, nil)
	if err := l.Connect(context.Background()); err != nil {
		t.Fatalf("connect: %v", err)
	}

	firstDone := make(chan error, 1)
	go func() { firstDone <- l.Write(context.Background(), []byte{1}) }()
	time.Sleep(5 * time.Millisecond)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()
	err := l.Write(ctx, []byte{2})
	if !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("expected deadline exceeded, got %v", err)
	}
	if kind := domain.KindOf(err); kind != domain.KindWriteTimeout {
		t.Fatalf("expected write_timeout, got %s", kind)
	}

	withdrawn, withdraw := context.WithCancel(context.Background())
	withdrawDone := make(chan error, 1)
	go func() { withdrawDone <- l.Write(withdrawn, []byte{3}) }()
	time.Sleep(5 * time.Millisecond)
	withdraw()
	err = <-withdrawDone
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("expected canceled, got %v", err)
	}
	if kind := domain.KindOf(err); kind != domain.KindCancelled {
		t.Fatalf("expected cancelled, got %s", kind)
	}

	close(release)
	if err := <-firstDone; err != nil {
		t.Fatalf("first write: %v", err)
	}
}

func TestDisconnect_AlwaysSucceeds(t *testing.T) {
	ctrl := gomock.NewController(t)
	transport := mocks.NewMockTransport(ctrl)
	conn := mocks.NewMockConnection(ctrl)
	conn.EXPECT().Disconnected().Return((<-chan struct{})(make(chan struct{}))).AnyTimes()
	conn.EXPECT().Close().Return(errors.New("org.bluez.Error.Failed"))
	transport.EXPECT().Dial(gomock.Any(), testAddress).Return(conn, nil)

	l := newTestLink(t, transport, fastOptions, nil)
	if err := l.Connect(context.Background()); err != nil {
		t.Fatalf("connect: %v", err)
	}

	l.Disconnect()
	if got := l.State(); got != domain.StateDisconnected {
		t.Errorf("expected disconnected, got %s", got)
	}

	// A second disconnect is a no-op.
	l.Disconnect()

	err := l.Write(context.Background(), []byte{1})
	if domain.KindOf(err) != domain.KindNotConnected {
		t.Errorf("expected not_connected after disconnect, got %v", err)
	}
}

func TestClose_RejectsFurtherUse(t *testing.T) {
	ctrl := gomock.NewController(t)
	transport := mocks.NewMockTransport(ctrl)

	l := New(testAddress, transport, zap.NewNop(), fastOptions, nil)
	l.Close()
	l.Close()

	if err := l.Connect(context.Background()); domain.KindOf(err) != domain.KindNotConnected {
		t.Errorf("expected not_connected from closed link, got %v", err)
	}
}

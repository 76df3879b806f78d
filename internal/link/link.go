// Package link owns the connection to a single panel and serializes every write to it.
package link

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/genricoloni/matrixd/internal/domain"
	"go.uber.org/zap"
)

const (
	defaultWriteTimeout    = 3 * time.Second
	defaultConnectTimeout  = 10 * time.Second
	defaultConnectAttempts = 3
	defaultRetryDelay      = time.Second
	defaultQueueSize       = 32
)

// Options tunes a PanelLink. Zero values fall back to defaults.
type Options struct {
	// WriteTimeout bounds the acknowledgment wait of one wire command
	WriteTimeout time.Duration
	// ConnectTimeout bounds one dial attempt
	ConnectTimeout time.Duration
	// ConnectAttempts is the number of dial attempts made by Connect
	ConnectAttempts int
	// RetryDelay separates dial attempts
	RetryDelay time.Duration
	// CommandGap is the pause between consecutive commands of one write
	CommandGap time.Duration
	// QueueSize is the capacity of the pending write queue
	QueueSize int
}

func (o Options) withDefaults() Options {
	if o.WriteTimeout <= 0 {
		o.WriteTimeout = defaultWriteTimeout
	}
	if o.ConnectTimeout <= 0 {
		o.ConnectTimeout = defaultConnectTimeout
	}
	if o.ConnectAttempts <= 0 {
		o.ConnectAttempts = defaultConnectAttempts
	}
	if o.RetryDelay < 0 {
		o.RetryDelay = 0
	} else if o.RetryDelay == 0 {
		o.RetryDelay = defaultRetryDelay
	}
	if o.QueueSize <= 0 {
		o.QueueSize = defaultQueueSize
	}
	return o
}

// Observer is told about every completed write and state change
type Observer interface {
	ObserveWrite(address string, commands int, elapsed time.Duration, err error)
	ObserveState(address string, state domain.LinkState)
}

type nopObserver struct{}

func (nopObserver) ObserveWrite(string, int, time.Duration, error) {}
func (nopObserver) ObserveState(string, domain.LinkState)          {}

const (
	jobPending int32 = iota
	jobRunning
	jobCancelled
)

// writeJob is one queued Write call
type writeJob struct {
	commands [][]byte
	status   atomic.Int32
	done     chan error
}

// start claims the job for execution; it fails if the caller gave up first
func (j *writeJob) start() bool {
	return j.status.CompareAndSwap(jobPending, jobRunning)
}

// cancel withdraws a job that has not started yet
func (j *writeJob) cancel() bool {
	return j.status.CompareAndSwap(jobPending, jobCancelled)
}

// PanelLink is the Link implementation backed by a domain.Transport
type PanelLink struct {
	address   string
	transport domain.Transport
	logger    *zap.Logger
	opts      Options
	observer  Observer

	// connMu serializes connect, disconnect and reconnect
	connMu sync.Mutex

	mu        sync.RWMutex
	state     domain.LinkState
	conn      domain.Connection
	lastErr   error
	lastWrite time.Time
	watchStop chan struct{}

	queue     chan *writeJob
	closed    chan struct{}
	closeOnce sync.Once
	wg        sync.WaitGroup
}

// New creates a disconnected link and starts its write queue
func New(address string, transport domain.Transport, logger *zap.Logger, opts Options, observer Observer) *PanelLink {
	if observer == nil {
		observer = nopObserver{}
	}
	opts = opts.withDefaults()

	l := &PanelLink{
		address:   address,
		transport: transport,
		logger:    logger.With(zap.String("address", address)),
		opts:      opts,
		observer:  observer,
		state:     domain.StateDisconnected,
		queue:     make(chan *writeJob, opts.QueueSize),
		closed:    make(chan struct{}),
	}

	l.wg.Add(1)
	go l.run()
	return l
}

// Address returns the panel hardware address
func (l *PanelLink) Address() string {
	return l.address
}

// State returns the current connection state
func (l *PanelLink) State() domain.LinkState {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.state
}

// LastWrite returns when the last write was acknowledged
func (l *PanelLink) LastWrite() time.Time {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.lastWrite
}

// LastError returns the most recent failure, cleared by a successful connect
func (l *PanelLink) LastError() error {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.lastErr
}

func (l *PanelLink) setState(state domain.LinkState, err error) {
	l.mu.Lock()
	prev := l.state
	l.state = state
	if err != nil {
		l.lastErr = err
	}
	l.mu.Unlock()

	if prev != state {
		l.logger.Debug("Link state changed",
			zap.String("from", string(prev)),
			zap.String("to", string(state)))
		l.observer.ObserveState(l.address, state)
	}
}

// Connect dials the panel, retrying a bounded number of times.
// It is a no-op on a link that is already connected.
func (l *PanelLink) Connect(ctx context.Context) error {
	l.connMu.Lock()
	defer l.connMu.Unlock()

	select {
	case <-l.closed:
		return domain.Errorf(domain.KindNotConnected, "connect", "link to %s is closed", l.address)
	default:
	}

	if l.State().Usable() {
		return nil
	}

	// A link left in error after a failed retry still holds its old handle.
	l.detach()
	l.setState(domain.StateConnecting, nil)
	l.logger.Info("Connecting to panel", zap.Int("attempts", l.opts.ConnectAttempts))

	attempt := 0
	conn, err := backoff.Retry(ctx, func() (domain.Connection, error) {
		attempt++
		conn, err := l.dial(ctx)
		if err != nil {
			l.logger.Warn("Connection attempt failed",
				zap.Int("attempt", attempt),
				zap.Error(err))
			return nil, err
		}
		return conn, nil
	},
		backoff.WithBackOff(backoff.NewConstantBackOff(l.opts.RetryDelay)),
		backoff.WithMaxTries(uint(l.opts.ConnectAttempts)),
	)
	if err != nil {
		cerr := domain.NewError(domain.KindConnection, "connect",
			fmt.Errorf("%s unreachable after %d attempts: %w", l.address, attempt, err))
		l.setState(domain.StateError, cerr)
		return cerr
	}

	l.attach(conn)
	l.mu.Lock()
	l.lastErr = nil
	l.mu.Unlock()
	l.logger.Info("Panel connected", zap.Int("attempts", attempt))
	return nil
}

// dial makes one bounded connection attempt
func (l *PanelLink) dial(ctx context.Context) (domain.Connection, error) {
	dialCtx, cancel := context.WithTimeout(ctx, l.opts.ConnectTimeout)
	defer cancel()

	conn, err := l.transport.Dial(dialCtx, l.address)
	if err != nil {
		return nil, err
	}
	if conn == nil {
		return nil, errors.New("transport returned no connection")
	}
	return conn, nil
}

// attach installs a fresh connection and starts watching it; caller holds connMu
func (l *PanelLink) attach(conn domain.Connection) {
	stop := make(chan struct{})

	l.mu.Lock()
	l.conn = conn
	l.watchStop = stop
	l.mu.Unlock()

	l.setState(domain.StateConnected, nil)

	l.wg.Add(1)
	go l.watch(conn, stop)
}

// detach stops the watcher and closes the current connection; caller holds connMu
func (l *PanelLink) detach() {
	l.mu.Lock()
	conn := l.conn
	stop := l.watchStop
	l.conn = nil
	l.watchStop = nil
	l.mu.Unlock()

	if stop != nil {
		close(stop)
	}
	if conn != nil {
		if err := conn.Close(); err != nil {
			l.logger.Warn("Failed to close panel connection", zap.Error(err))
		}
	}
}

// watch reacts to transport-level disconnect notifications
func (l *PanelLink) watch(conn domain.Connection, stop <-chan struct{}) {
	defer l.wg.Done()

	select {
	case <-stop:
		return
	case <-l.closed:
		return
	case <-conn.Disconnected():
	}

	l.logger.Warn("Transport reported disconnect")
	if err := l.reconnect(conn, domain.Errorf(domain.KindConnection, "watch", "%s dropped the connection", l.address)); err != nil {
		l.logger.Error("Reconnect after disconnect failed", zap.Error(err))
	}
}

// reconnect replaces a failed connection with one new dial attempt
func (l *PanelLink) reconnect(failed domain.Connection, cause error) error {
	l.connMu.Lock()
	defer l.connMu.Unlock()

	l.mu.RLock()
	current := l.conn
	state := l.state
	l.mu.RUnlock()

	// Someone else already replaced or dropped the connection.
	if current != failed {
		l.logger.Debug("Connection already replaced", zap.String("state", string(state)))
		if current == nil && state == domain.StateError {
			return l.failure(cause)
		}
		return nil
	}

	l.setState(domain.StateError, cause)
	l.detach()

	select {
	case <-l.closed:
		return cause
	default:
	}

	l.setState(domain.StateConnecting, nil)
	conn, err := l.dial(context.Background())
	if err != nil {
		rerr := domain.NewError(domain.KindConnection, "reconnect", fmt.Errorf("%s: %w", l.address, err))
		l.setState(domain.StateError, rerr)
		return rerr
	}

	l.attach(conn)
	l.logger.Info("Panel reconnected")
	return nil
}

// failure returns the error that left the link unusable, or cause if none was kept
func (l *PanelLink) failure(cause error) error {
	l.mu.RLock()
	defer l.mu.RUnlock()
	if l.lastErr != nil {
		return l.lastErr
	}
	return cause
}

// Disconnect closes the connection. Close errors are logged, never returned.
func (l *PanelLink) Disconnect() {
	l.connMu.Lock()
	defer l.connMu.Unlock()

	if l.State() == domain.StateDisconnected {
		return
	}

	l.setState(domain.StateDisconnecting, nil)
	l.detach()
	l.setState(domain.StateDisconnected, nil)
	l.logger.Info("Panel disconnected")
}

// Close disconnects and stops the write queue. Pending writes fail with not_connected.
func (l *PanelLink) Close() {
	l.closeOnce.Do(func() {
		l.connMu.Lock()
		close(l.closed)
		l.connMu.Unlock()

		l.Disconnect()
		l.wg.Wait()
	})
}

// Write queues the commands as one unit and waits for them to be acknowledged.
// Writes complete in submission order. Once a write has started it runs to
// completion or timeout even if ctx is cancelled.
func (l *PanelLink) Write(ctx context.Context, commands ...[]byte) error {
	if len(commands) == 0 {
		return nil
	}
	if !l.State().Usable() {
		return domain.Errorf(domain.KindNotConnected, "write", "%s is %s", l.address, l.State())
	}

	job := &writeJob{commands: commands, done: make(chan error, 1)}

	select {
	case l.queue <- job:
	case <-ctx.Done():
		return l.abandoned(ctx)
	case <-l.closed:
		return domain.Errorf(domain.KindNotConnected, "write", "link to %s is closed", l.address)
	}

	select {
	case err := <-job.done:
		return err
	case <-ctx.Done():
		if job.cancel() {
			return l.abandoned(ctx)
		}
		return <-job.done
	case <-l.closed:
		if job.cancel() {
			return domain.Errorf(domain.KindNotConnected, "write", "link to %s is closed", l.address)
		}
		return <-job.done
	}
}

// abandoned classifies a write the caller gave up on before it reached the wire
func (l *PanelLink) abandoned(ctx context.Context) error {
	if errors.Is(ctx.Err(), context.DeadlineExceeded) {
		return domain.NewError(domain.KindWriteTimeout, "write",
			fmt.Errorf("%s still queued: %w", l.address, ctx.Err()))
	}
	return domain.NewError(domain.KindCancelled, "write",
		fmt.Errorf("write to %s withdrawn: %w", l.address, ctx.Err()))
}

// run is the single consumer of the write queue
func (l *PanelLink) run() {
	defer l.wg.Done()

	for {
		select {
		case <-l.closed:
			return
		case job := <-l.queue:
			if !job.start() {
				continue
			}
			job.done <- l.execute(job.commands)
		}
	}
}

// execute performs one write, with a single reconnect-and-retry on transport failure
func (l *PanelLink) execute(commands [][]byte) error {
	started := time.Now()
	conn, err := l.writeAll(commands)
	if err != nil && conn != nil && retryable(err) {
		l.logger.Warn("Write failed, reconnecting once", zap.Error(err))
		if rerr := l.reconnect(conn, err); rerr != nil {
			err = fmt.Errorf("%w (reconnect: %v)", err, rerr)
		} else {
			_, err = l.writeAll(commands)
			if err != nil {
				l.setState(domain.StateError, err)
			}
		}
	}

	l.observer.ObserveWrite(l.address, len(commands), time.Since(started), err)
	return err
}

// writeAll sends every command on the current connection. It returns the
// connection it used so a failure can be tied to it.
func (l *PanelLink) writeAll(commands [][]byte) (domain.Connection, error) {
	l.mu.Lock()
	conn := l.conn
	if conn == nil || !l.state.Usable() {
		state := l.state
		l.mu.Unlock()
		return nil, domain.Errorf(domain.KindNotConnected, "write", "%s is %s", l.address, state)
	}
	l.state = domain.StateWriting
	l.mu.Unlock()

	for i, cmd := range commands {
		if i > 0 && l.opts.CommandGap > 0 {
			time.Sleep(l.opts.CommandGap)
		}
		if err := l.writeOne(conn, cmd); err != nil {
			return conn, err
		}
	}

	l.mu.Lock()
	l.lastWrite = time.Now()
	if l.conn == conn && l.state == domain.StateWriting {
		l.state = domain.StateConnected
	}
	l.mu.Unlock()
	return conn, nil
}

// writeOne waits at most WriteTimeout for one command to be acknowledged
func (l *PanelLink) writeOne(conn domain.Connection, cmd []byte) error {
	ctx, cancel := context.WithTimeout(context.Background(), l.opts.WriteTimeout)
	defer cancel()

	result := make(chan error, 1)
	go func() {
		result <- conn.WriteCommand(ctx, cmd)
	}()

	select {
	case err := <-result:
		if err == nil {
			return nil
		}
		if errors.Is(err, context.DeadlineExceeded) {
			return domain.NewError(domain.KindWriteTimeout, "write",
				fmt.Errorf("%s did not acknowledge within %s", l.address, l.opts.WriteTimeout))
		}
		return domain.NewError(domain.KindConnection, "write", fmt.Errorf("%s: %w", l.address, err))
	case <-ctx.Done():
		return domain.NewError(domain.KindWriteTimeout, "write",
			fmt.Errorf("%s did not acknowledge within %s", l.address, l.opts.WriteTimeout))
	case <-conn.Disconnected():
		return domain.Errorf(domain.KindConnection, "write", "%s disconnected during write", l.address)
	}
}

func retryable(err error) bool {
	kind := domain.KindOf(err)
	return kind == domain.KindWriteTimeout || kind == domain.KindConnection
}

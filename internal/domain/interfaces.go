package domain

import (
	"context"
	"time"
)

// Transport opens connections to physical panels
//
//go:generate mockgen -destination=mocks/domain_mock.go -package=mocks github.com/genricoloni/matrixd/internal/domain Transport,Connection,Link,Scanner,AssignmentStore,Fetcher,ImageProcessor
type Transport interface {
	// Dial connects to the panel at address and resolves its write channel.
	// It must honor ctx cancellation and deadline.
	Dial(ctx context.Context, address string) (Connection, error)
}

// Connection is one live, owned connection to a panel
type Connection interface {
	// WriteCommand sends one wire command and waits for the acknowledgment
	WriteCommand(ctx context.Context, data []byte) error

	// Disconnected is closed when the transport reports the peer went away
	Disconnected() <-chan struct{}

	// Close releases the connection
	Close() error
}

// Link is the serialized write path to one panel
type Link interface {
	// Address returns the panel hardware address
	Address() string

	// Connect dials the panel; calling it on a connected link is a no-op
	Connect(ctx context.Context) error

	// Disconnect closes the connection; it always leaves the link disconnected
	Disconnect()

	// Write sends the commands as one unit, after every previously submitted write
	Write(ctx context.Context, commands ...[]byte) error

	// State returns the current connection state
	State() LinkState

	// LastWrite returns the time of the last acknowledged write
	LastWrite() time.Time

	// LastError returns the most recent connect or write failure
	LastError() error

	// Close disconnects and stops the write queue for good
	Close()
}

// LinkFactory creates a link for an address
type LinkFactory func(address string) Link

// Scanner enumerates nearby panels
type Scanner interface {
	// Scan runs discovery for at most timeout and returns what it found
	Scan(ctx context.Context, timeout time.Duration) ([]Candidate, error)
}

// AssignmentStore persists grid assignments between runs
type AssignmentStore interface {
	// Load returns every saved assignment
	Load() ([]Assignment, error)

	// Save replaces the saved assignments
	Save(assignments []Assignment) error
}

// Fetcher retrieves image bytes referenced by a drawing request
type Fetcher interface {
	// Fetch downloads the image at url
	Fetch(ctx context.Context, url string) ([]byte, error)
}

// ImageProcessor turns encoded images into frame buffers
type ImageProcessor interface {
	// Frame decodes imageData and resizes it to width x height, row-major
	Frame(ctx context.Context, imageData []byte, width, height int) (FrameBuffer, error)
}

// PositionPolicy decides what happens when a position is held by a disconnected panel
type PositionPolicy string

const (
	// PolicyReject requires the old holder to be released first
	PolicyReject PositionPolicy = "reject"
	// PolicySupersede moves the position to the new panel
	PolicySupersede PositionPolicy = "supersede"
)

// Config defines the interface for application configuration
type Config interface {
	GetListenAddr() string
	GetTransport() string
	GetAdapter() string
	GetDeviceName() string
	GetStateFile() string
	GetWriteTimeout() time.Duration
	GetConnectTimeout() time.Duration
	GetConnectAttempts() int
	GetRetryDelay() time.Duration
	GetBlockGap() time.Duration
	GetPanelTimeout() time.Duration
	GetScanTimeout() time.Duration
	GetPositionPolicy() PositionPolicy
	GetAutoConnect() bool
	GetSimPanels() []string
	GetSimLatency() time.Duration
}

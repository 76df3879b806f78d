package domain

import (
	"errors"
	"fmt"
	"net"
	"strings"
)

// Kind classifies failures so callers can react without parsing messages
type Kind string

const (
	KindValidation       Kind = "validation"
	KindNotFound         Kind = "not_found"
	KindAlreadyConnected Kind = "already_connected"
	KindPositionOccupied Kind = "position_occupied"
	KindConnection       Kind = "connection"
	KindWriteTimeout     Kind = "write_timeout"
	KindNotConnected     Kind = "not_connected"
	KindPartialFailure   Kind = "partial_failure"
	// KindCancelled marks work the caller withdrew before it was sent
	KindCancelled Kind = "cancelled"
	// KindInternal covers anything that did not come from the core taxonomy
	KindInternal Kind = "internal"
)

var (
	// ErrPanelNotAssigned is wrapped when no panel occupies a grid cell
	ErrPanelNotAssigned = errors.New("no panel assigned to grid position")
	// ErrUnknownPanel is wrapped when an address is not registered
	ErrUnknownPanel = errors.New("unknown panel")
	// ErrNoEligiblePanels is wrapped when a grid-wide operation finds nothing to write to
	ErrNoEligiblePanels = errors.New("no assigned and connected panels")
)

// Error is the error type returned by every core operation
type Error struct {
	Kind Kind
	Op   string
	Err  error
}

func (e *Error) Error() string {
	if e.Op == "" {
		return e.Err.Error()
	}
	return fmt.Sprintf("%s: %v", e.Op, e.Err)
}

func (e *Error) Unwrap() error {
	return e.Err
}

// NewError wraps err with a kind and the failing operation
func NewError(kind Kind, op string, err error) *Error {
	return &Error{Kind: kind, Op: op, Err: err}
}

// Errorf builds an Error from a formatted message
func Errorf(kind Kind, op, format string, args ...any) *Error {
	return &Error{Kind: kind, Op: op, Err: fmt.Errorf(format, args...)}
}

// KindOf returns the kind of the outermost *Error in err's chain
func KindOf(err error) Kind {
	if err == nil {
		return ""
	}
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return KindInternal
}

// IsKind reports whether err carries the given kind
func IsKind(err error, kind Kind) bool {
	return err != nil && KindOf(err) == kind
}

// CanonicalAddress normalizes a hardware address to AA:BB:CC:DD:EE:FF
func CanonicalAddress(address string) (string, error) {
	hw, err := net.ParseMAC(strings.TrimSpace(address))
	if err != nil || len(hw) != 6 {
		return "", Errorf(KindValidation, "parse address", "invalid hardware address %q", address)
	}
	return strings.ToUpper(hw.String()), nil
}

// Package kerr defines the closed set of tagged error kinds every fallible
// operation in the network stack and scheduler returns, in place of
// exceptions (spec §7, §9 "exceptions simulated via -ERRNO returns").
package kerr

import (
	"errors"
	"fmt"
)

// Kind is one of the tagged error kinds from spec §7.
type Kind int

const (
	// InvalidArgument means a parameter was out of range or structurally
	// wrong.
	InvalidArgument Kind = iota + 1
	// NotFound means a route/socket/task/ARP entry was absent.
	NotFound
	// BadDescriptor means an unknown socket handle was used.
	BadDescriptor
	// NotConnected means the operation requires an established connection.
	NotConnected
	// AlreadyConnected means the operation rejects an established connection.
	AlreadyConnected
	// AddressInUse means a bind collision occurred without REUSEADDR.
	AddressInUse
	// AddressNotAvailable means the ephemeral port pool was exhausted.
	AddressNotAvailable
	// WouldBlock means the non-blocking path made no progress.
	WouldBlock
	// MessageTooBig means IPv4 DF was set and fragmentation was needed.
	MessageTooBig
	// HostUnreachable means no route exists to the destination.
	HostUnreachable
	// ConnectionReset means an RST was received.
	ConnectionReset
	// ConnectionRefused means the destination port was closed.
	ConnectionRefused
	// ProtocolError means a checksum failure, state-machine violation, or
	// malformed header was detected.
	ProtocolError
	// ResourceExhausted means a table, queue, or memory limit was hit.
	ResourceExhausted
	// Timeout means the operation exceeded its deadline.
	Timeout
	// Internal means an invariant was broken.
	Internal
)

func (k Kind) String() string {
	switch k {
	case InvalidArgument:
		return "invalid_argument"
	case NotFound:
		return "not_found"
	case BadDescriptor:
		return "bad_descriptor"
	case NotConnected:
		return "not_connected"
	case AlreadyConnected:
		return "already_connected"
	case AddressInUse:
		return "address_in_use"
	case AddressNotAvailable:
		return "address_not_available"
	case WouldBlock:
		return "would_block"
	case MessageTooBig:
		return "message_too_big"
	case HostUnreachable:
		return "host_unreachable"
	case ConnectionReset:
		return "connection_reset"
	case ConnectionRefused:
		return "connection_refused"
	case ProtocolError:
		return "protocol_error"
	case ResourceExhausted:
		return "resource_exhausted"
	case Timeout:
		return "timeout"
	case Internal:
		return "internal"
	default:
		return "unknown"
	}
}

// Error wraps a Kind with the operation name and, optionally, an underlying
// cause. It supports errors.Is against a bare Kind and errors.As/Unwrap
// against the wrapped cause.
type Error struct {
	Kind Kind
	Op   string
	Err  error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Op, e.Kind, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Op, e.Kind)
}

func (e *Error) Unwrap() error {
	return e.Err
}

// Is allows `errors.Is(err, kerr.IsNotFound)`-style comparisons by matching
// on Kind when the target is the sentinel kind wrapper.
func (e *Error) Is(target error) bool {
	var k *kindSentinel
	if errors.As(target, &k) {
		return e.Kind == k.kind
	}
	return false
}

// New builds a tagged error for operation op.
func New(kind Kind, op string) error {
	return &Error{Kind: kind, Op: op}
}

// Wrap builds a tagged error for operation op wrapping an underlying cause.
func Wrap(kind Kind, op string, err error) error {
	if err == nil {
		return nil
	}
	return &Error{Kind: kind, Op: op, Err: err}
}

// kindSentinel lets a bare Kind be used as an errors.Is target via the
// package-level sentinels below.
type kindSentinel struct{ kind Kind }

func (k *kindSentinel) Error() string { return k.kind.String() }

// Sentinels usable with errors.Is(err, kerr.IsNotFound), etc.
var (
	IsInvalidArgument    error = &kindSentinel{InvalidArgument}
	IsNotFound           error = &kindSentinel{NotFound}
	IsBadDescriptor      error = &kindSentinel{BadDescriptor}
	IsNotConnected       error = &kindSentinel{NotConnected}
	IsAlreadyConnected   error = &kindSentinel{AlreadyConnected}
	IsAddressInUse       error = &kindSentinel{AddressInUse}
	IsAddressNotAvail    error = &kindSentinel{AddressNotAvailable}
	IsWouldBlock         error = &kindSentinel{WouldBlock}
	IsMessageTooBig      error = &kindSentinel{MessageTooBig}
	IsHostUnreachable    error = &kindSentinel{HostUnreachable}
	IsConnectionReset    error = &kindSentinel{ConnectionReset}
	IsConnectionRefused  error = &kindSentinel{ConnectionRefused}
	IsProtocolError      error = &kindSentinel{ProtocolError}
	IsResourceExhausted  error = &kindSentinel{ResourceExhausted}
	IsTimeout            error = &kindSentinel{Timeout}
	IsInternal           error = &kindSentinel{Internal}
)

// KindOf extracts the Kind of err, if it (or something it wraps) is a
// *Error; ok is false otherwise.
func KindOf(err error) (Kind, bool) {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind, true
	}
	return 0, false
}

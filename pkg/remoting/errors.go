package remoting

import (
	"errors"
	"fmt"
)

// ErrCapabilityUnsupported is returned when an operation requires a protocol
// feature that was not negotiated for this Channel (for example, exporting an
// object on a Channel negotiated with CapabilityNone).
var ErrCapabilityUnsupported = errors.New("remoting: operation requires a capability the peer did not negotiate")

// ChannelClosedError reports that an operation could not complete because the
// Channel is closed or the underlying connection broke. It is a transport
// failure: every caller with an outstanding or future call on the Channel
// receives it, and the Channel is permanently unusable afterward. It is never
// used for failures of the remote work itself; those are ExecutionError.
type ChannelClosedError struct {
	// Name is the diagnostic session name of the Channel.
	Name string

	// Cause is the underlying stream or protocol error, or nil for an
	// orderly close.
	Cause error
}

func (e *ChannelClosedError) Error() string {
	if e.Cause == nil {
		return fmt.Sprintf("remoting: channel %q is closed", e.Name)
	}
	return fmt.Sprintf("remoting: channel %q is closed: %s", e.Name, e.Cause)
}

// Unwrap returns the underlying transport error, if any.
func (e *ChannelClosedError) Unwrap() error {
	return e.Cause
}

// IsChannelClosed returns true if err indicates a closed or broken Channel.
func IsChannelClosed(err error) bool {
	var cce *ChannelClosedError
	return errors.As(err, &cce)
}

// ExecutionError reports that a remotely-executed Callable failed. The
// failure traveled back as ordinary data; the Channel itself is unaffected
// and the caller may retry by issuing a new call.
type ExecutionError struct {
	// Kind is the registered kind name of the Callable that failed.
	Kind string

	// Message is the failure text produced on the remote side.
	Message string
}

func (e *ExecutionError) Error() string {
	return fmt.Sprintf("remoting: remote execution of %q failed: %s", e.Kind, e.Message)
}

package network

import (
	"context"
	"errors"
	"fmt"
	"net"
	"os"
)

// Transport failure conditions. Every error returned by a Transport wraps
// exactly one of these, so callers can tell them apart with errors.Is.
var (
	ErrConnect        = errors.New("network: connect failed")
	ErrWrite          = errors.New("network: write failed")
	ErrRead           = errors.New("network: read failed")
	ErrTimeout        = errors.New("network: timed out")
	ErrStreamClosed   = errors.New("network: stream closed before all replies arrived")
	ErrMalformedReply = errors.New("network: malformed reply")
	ErrAuth           = errors.New("network: authentication rejected")
	ErrRemote         = errors.New("network: remote reported an error")
)

// RemoteError is an error frame returned for one command of a batch
type RemoteError struct {
	Index   int
	Command string
	Message string
}

func (e *RemoteError) Error() string {
	return fmt.Sprintf("network: command %d (%s): %s", e.Index, e.Command, e.Message)
}

// Is makes errors.Is(err, ErrRemote) match
func (e *RemoteError) Is(target error) bool { return target == ErrRemote }

// FailureReason maps a transport error to a short label for logs and
// metrics.
func FailureReason(err error) string {
	switch {
	case err == nil:
		return ""
	case errors.Is(err, ErrTimeout):
		return "timeout"
	case errors.Is(err, ErrConnect):
		return "connect"
	case errors.Is(err, ErrWrite):
		return "write"
	case errors.Is(err, ErrRead):
		return "read"
	case errors.Is(err, ErrStreamClosed):
		return "closed"
	case errors.Is(err, ErrMalformedReply):
		return "malformed"
	case errors.Is(err, ErrAuth):
		return "auth"
	case errors.Is(err, ErrRemote):
		return "remote"
	default:
		return "unknown"
	}
}

func isTimeout(err error) bool {
	if errors.Is(err, os.ErrDeadlineExceeded) || errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	var ne net.Error
	return errors.As(err, &ne) && ne.Timeout()
}

// wrap tags err with kind, or with ErrTimeout when the underlying failure
// was a deadline.
func wrap(kind error, err error) error {
	if isTimeout(err) {
		return fmt.Errorf("%w: %v", ErrTimeout, err)
	}
	return fmt.Errorf("%w: %v", kind, err)
}

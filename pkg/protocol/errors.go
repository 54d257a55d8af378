package protocol

import (
	"errors"
	"fmt"
)

// ErrNoData is returned by ReadLine when the read deadline expires before a
// complete line arrived. Any partial line stays buffered.
var ErrNoData = errors.New("no data yet")

// ConnectError reports a failure to reach a node
type ConnectError struct {
	Addr string
	Err  error
}

func (e *ConnectError) Error() string {
	return fmt.Sprintf("failed to connect to %s: %v", e.Addr, e.Err)
}

func (e *ConnectError) Unwrap() error {
	return e.Err
}

// ProtocolError reports an unexpected or malformed exchange, including an
// ERROR line sent by the peer
type ProtocolError struct {
	Op     string // Exchange in progress, e.g. "version check"
	Reason string
}

func (e *ProtocolError) Error() string {
	return fmt.Sprintf("protocol error during %s: %s", e.Op, e.Reason)
}

// TransferError reports a bulk transfer that did not move the declared size
type TransferError struct {
	Expected int64
	Received int64
	Err      error
}

func (e *TransferError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("transfer failed after %d of %d bytes: %v", e.Received, e.Expected, e.Err)
	}
	return fmt.Sprintf("transfer failed after %d of %d bytes", e.Received, e.Expected)
}

func (e *TransferError) Unwrap() error {
	return e.Err
}

package health

import (
	"context"
	"errors"
	"time"

	"github.com/cuemby/renderfarm/pkg/protocol"
)

// TCPChecker reports whether a render node accepts connections on its
// session port. It hangs up before the version handshake, which the node
// treats as a probe.
type TCPChecker struct {
	Address string
	Timeout time.Duration
}

// NewTCPChecker creates a checker for address with a 5 second timeout
func NewTCPChecker(address string) *TCPChecker {
	return &TCPChecker{Address: address, Timeout: 5 * time.Second}
}

// Check connects and immediately disconnects
func (t *TCPChecker) Check(ctx context.Context) Result {
	start := time.Now()
	result := Result{At: start}

	conn, err := protocol.Dial(ctx, t.Address, t.Timeout)
	result.Took = time.Since(start)
	if err != nil {
		var cerr *protocol.ConnectError
		if errors.As(err, &cerr) {
			err = cerr.Err
		}
		result.Message = "unreachable: " + err.Error()
		return result
	}
	_ = conn.Close()

	result.Healthy = true
	result.Message = "accepting sessions"
	return result
}

// Kind reports tcp
func (t *TCPChecker) Kind() Kind {
	return KindTCP
}

// WithTimeout sets the connection timeout
func (t *TCPChecker) WithTimeout(timeout time.Duration) *TCPChecker {
	t.Timeout = timeout
	return t
}

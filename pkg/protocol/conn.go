package protocol

import (
	"bufio"
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"os"
	"strconv"
	"strings"
	"time"
)

// Version is sent by the farm as the first line of every session. Nodes
// refuse sessions from a different version.
const Version = "RENDERFARM/1"

const (
	// Line commands
	CmdOK               = "OK"
	CmdGetStats         = "GET_STATS"
	CmdGetFilm          = "GET_FILM"
	CmdDone             = "DONE"
	CmdRenderingStarted = "RENDERING_STARTED"

	// ErrorPrefix starts a line reporting a failure to the peer
	ErrorPrefix = "ERROR: "

	// ChunkSize is the unit raw file bytes are streamed in
	ChunkSize = 64 * 1024

	// MaxLineLength bounds a single command line
	MaxLineLength = 4096
)

// Conn is a line-oriented command channel with a bulk transfer primitive,
// layered over one bidirectional stream. A Conn is not safe for concurrent
// use; the protocol has at most one outstanding request.
type Conn struct {
	conn    net.Conn
	reader  *bufio.Reader
	pending []byte
}

// NewConn wraps an established stream
func NewConn(c net.Conn) *Conn {
	return &Conn{
		conn:   c,
		reader: bufio.NewReaderSize(c, ChunkSize),
	}
}

// Dial opens a TCP stream to addr with a bounded connect timeout
func Dial(ctx context.Context, addr string, timeout time.Duration) (*Conn, error) {
	dialer := &net.Dialer{
		Timeout: timeout,
	}

	c, err := dialer.DialContext(ctx, "tcp", addr)
	if err != nil {
		return nil, &ConnectError{Addr: addr, Err: err}
	}

	return NewConn(c), nil
}

// Close closes the underlying stream
func (c *Conn) Close() error {
	return c.conn.Close()
}

// RemoteAddr returns the peer address
func (c *Conn) RemoteAddr() net.Addr {
	return c.conn.RemoteAddr()
}

// WriteLine sends one newline terminated line
func (c *Conn) WriteLine(line string) error {
	return c.write([]byte(line+"\n"), 0)
}

// WriteError sends an ERROR line with the given reason
func (c *Conn) WriteError(reason string) error {
	return c.WriteLine(ErrorPrefix + reason)
}

func (c *Conn) write(b []byte, timeout time.Duration) error {
	if timeout > 0 {
		_ = c.conn.SetWriteDeadline(time.Now().Add(timeout))
	} else {
		_ = c.conn.SetWriteDeadline(time.Time{})
	}
	_, err := c.conn.Write(b)
	return err
}

// ReadLine reads the next line without its terminator. With timeout > 0 it
// returns ErrNoData once the deadline passes; timeout <= 0 blocks.
func (c *Conn) ReadLine(timeout time.Duration) (string, error) {
	if timeout > 0 {
		_ = c.conn.SetReadDeadline(time.Now().Add(timeout))
	} else {
		_ = c.conn.SetReadDeadline(time.Time{})
	}

	for {
		chunk, err := c.reader.ReadSlice('\n')
		c.pending = append(c.pending, chunk...)

		content := bytes.TrimRight(c.pending, "\r\n")
		if len(content) > MaxLineLength {
			c.pending = c.pending[:0]
			return "", &ProtocolError{Op: "read line", Reason: "line too long"}
		}

		if err == nil {
			line := string(content)
			c.pending = c.pending[:0]
			return line, nil
		}

		if errors.Is(err, bufio.ErrBufferFull) {
			continue
		}

		if isTimeout(err) {
			return "", ErrNoData
		}

		return "", err
	}
}

// ExpectLine reads one line and checks it equals want. A peer ERROR line and
// any other reply become a ProtocolError.
func (c *Conn) ExpectLine(op, want string, timeout time.Duration) error {
	line, err := c.ReadLine(timeout)
	if errors.Is(err, ErrNoData) {
		return &ProtocolError{Op: op, Reason: fmt.Sprintf("timed out waiting for %s", want)}
	}
	if err != nil {
		return fmt.Errorf("%s: %w", op, err)
	}

	if reason, ok := ParseError(line); ok {
		return &ProtocolError{Op: op, Reason: reason}
	}
	if line != want {
		return &ProtocolError{Op: op, Reason: fmt.Sprintf("unexpected reply %q, want %q", line, want)}
	}

	return nil
}

// ParseError extracts the reason from an ERROR line
func ParseError(line string) (string, bool) {
	if !strings.HasPrefix(line, ErrorPrefix) {
		return "", false
	}
	return strings.TrimSpace(strings.TrimPrefix(line, ErrorPrefix)), true
}

// SendFile transfers the file at path to the peer
func (c *Conn) SendFile(path string, timeout time.Duration) (int64, error) {
	f, err := os.Open(path)
	if err != nil {
		return 0, fmt.Errorf("failed to open %s: %w", path, err)
	}
	defer f.Close()

	info, err := f.Stat()
	if err != nil {
		return 0, fmt.Errorf("failed to stat %s: %w", path, err)
	}

	return c.SendBytes(f, info.Size(), timeout)
}

// SendBytes writes the size line, waits for OK, streams size bytes from r in
// ChunkSize pieces and waits for the final OK.
func (c *Conn) SendBytes(r io.Reader, size int64, timeout time.Duration) (int64, error) {
	if err := c.WriteLine(strconv.FormatInt(size, 10)); err != nil {
		return 0, &TransferError{Expected: size, Err: err}
	}
	if err := c.ExpectLine("transfer size", CmdOK, timeout); err != nil {
		return 0, err
	}

	buf := make([]byte, ChunkSize)
	var sent int64
	for sent < size {
		n := int64(len(buf))
		if remaining := size - sent; remaining < n {
			n = remaining
		}

		read, err := io.ReadFull(r, buf[:n])
		if read > 0 {
			if werr := c.write(buf[:read], timeout); werr != nil {
				return sent, &TransferError{Expected: size, Received: sent, Err: werr}
			}
			sent += int64(read)
		}
		if err != nil {
			return sent, &TransferError{Expected: size, Received: sent, Err: err}
		}
	}

	if err := c.ExpectLine("transfer complete", CmdOK, timeout); err != nil {
		return sent, err
	}

	return sent, nil
}

// ReceiveFile receives a transfer into dst. Bytes land in a temporary file
// that is renamed to dst only after the full transfer was acknowledged, so dst
// existing means the transfer completed.
func (c *Conn) ReceiveFile(dst string, timeout time.Duration) (int64, error) {
	tmpPath := dst + ".tmp"
	f, err := os.Create(tmpPath)
	if err != nil {
		return 0, fmt.Errorf("failed to create %s: %w", tmpPath, err)
	}

	n, err := c.ReceiveBytes(f, timeout)
	if cerr := f.Close(); err == nil && cerr != nil {
		err = fmt.Errorf("failed to close %s: %w", tmpPath, cerr)
	}
	if err != nil {
		_ = os.Remove(tmpPath)
		return n, err
	}

	if err := os.Rename(tmpPath, dst); err != nil {
		_ = os.Remove(tmpPath)
		return n, fmt.Errorf("failed to rename %s: %w", tmpPath, err)
	}

	return n, nil
}

// ReceiveBytes reads the size line, acknowledges it, copies exactly that many
// bytes into w and acknowledges again. A short read is a TransferError.
func (c *Conn) ReceiveBytes(w io.Writer, timeout time.Duration) (int64, error) {
	line, err := c.ReadLine(timeout)
	if errors.Is(err, ErrNoData) {
		return 0, &ProtocolError{Op: "transfer size", Reason: "timed out waiting for size"}
	}
	if err != nil {
		return 0, fmt.Errorf("transfer size: %w", err)
	}
	if reason, ok := ParseError(line); ok {
		return 0, &ProtocolError{Op: "transfer size", Reason: reason}
	}

	size, err := strconv.ParseInt(strings.TrimSpace(line), 10, 64)
	if err != nil || size < 0 {
		_ = c.WriteError("invalid transfer size")
		return 0, &ProtocolError{Op: "transfer size", Reason: fmt.Sprintf("invalid size %q", line)}
	}

	if err := c.WriteLine(CmdOK); err != nil {
		return 0, &TransferError{Expected: size, Err: err}
	}

	buf := make([]byte, ChunkSize)
	var received int64
	for received < size {
		n := int64(len(buf))
		if remaining := size - received; remaining < n {
			n = remaining
		}

		if timeout > 0 {
			_ = c.conn.SetReadDeadline(time.Now().Add(timeout))
		} else {
			_ = c.conn.SetReadDeadline(time.Time{})
		}

		read, err := io.ReadFull(c.reader, buf[:n])
		if read > 0 {
			if _, werr := w.Write(buf[:read]); werr != nil {
				return received, fmt.Errorf("failed to store transfer: %w", werr)
			}
			received += int64(read)
		}
		if err != nil {
			return received, &TransferError{Expected: size, Received: received, Err: err}
		}
	}

	if err := c.WriteLine(CmdOK); err != nil {
		return received, &TransferError{Expected: size, Received: received, Err: err}
	}

	return received, nil
}

func isTimeout(err error) bool {
	var netErr net.Error
	return errors.As(err, &netErr) && netErr.Timeout()
}

package mcp

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"net"
	"strconv"
	"strings"
	"sync"

	"go.uber.org/zap"
)

// Transport moves JSON-RPC messages to and from an extension process.
// Send is safe for concurrent callers; Receive is owned by the client's
// read loop and must not be called concurrently.
type Transport interface {
	Send(ctx context.Context, msg *Message) error
	Receive(ctx context.Context) (*Message, error)
	Close() error
}

// StreamTransport frames messages with a Content-Length header over a
// byte stream, the same framing LSP uses. It serves both subprocess
// stdio pipes and TCP/unix sockets.
type StreamTransport struct {
	reader  *bufio.Reader
	writer  io.Writer
	closer  func() error
	writeMu sync.Mutex
	logger  *zap.Logger
}

// NewStreamTransport wraps a reader/writer pair. closer is invoked on
// Close and may be nil.
func NewStreamTransport(r io.Reader, w io.Writer, closer func() error, logger *zap.Logger) *StreamTransport {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &StreamTransport{
		reader: bufio.NewReader(r),
		writer: w,
		closer: closer,
		logger: logger,
	}
}

// DialSocket connects to an extension listening on a TCP or unix
// socket. Addresses containing a path separator dial a unix socket.
func DialSocket(ctx context.Context, address string, logger *zap.Logger) (*StreamTransport, error) {
	network := "tcp"
	if strings.ContainsRune(address, '/') {
		network = "unix"
	}
	var d net.Dialer
	conn, err := d.DialContext(ctx, network, address)
	if err != nil {
		return nil, fmt.Errorf("dial %s %s: %w", network, address, err)
	}
	return NewStreamTransport(conn, conn, conn.Close, logger), nil
}

// Send writes one framed message.
func (t *StreamTransport) Send(ctx context.Context, msg *Message) error {
	body, err := msg.encode()
	if err != nil {
		return fmt.Errorf("marshal message: %w", err)
	}

	t.writeMu.Lock()
	defer t.writeMu.Unlock()

	header := fmt.Sprintf("Content-Length: %d\r\n\r\n", len(body))
	if _, err := io.WriteString(t.writer, header); err != nil {
		return fmt.Errorf("write header: %w", err)
	}
	if _, err := t.writer.Write(body); err != nil {
		return fmt.Errorf("write body: %w", err)
	}
	return nil
}

// Receive reads one framed message, tolerating unknown headers. The
// read blocks on the underlying stream; cancellation is delivered by
// closing the transport.
func (t *StreamTransport) Receive(ctx context.Context) (*Message, error) {
	contentLength := -1
	for {
		line, err := t.reader.ReadString('\n')
		if err != nil {
			return nil, err
		}
		line = strings.TrimRight(line, "\r\n")
		if line == "" {
			break
		}
		name, value, ok := strings.Cut(line, ":")
		if !ok {
			return nil, fmt.Errorf("malformed header line %q", line)
		}
		if strings.EqualFold(strings.TrimSpace(name), "Content-Length") {
			n, err := strconv.Atoi(strings.TrimSpace(value))
			if err != nil {
				return nil, fmt.Errorf("bad Content-Length %q: %w", value, err)
			}
			contentLength = n
		}
	}
	if contentLength < 0 {
		return nil, fmt.Errorf("missing Content-Length header")
	}

	body := make([]byte, contentLength)
	if _, err := io.ReadFull(t.reader, body); err != nil {
		return nil, err
	}
	return decodeMessage(body)
}

// Close tears down the underlying stream, unblocking Receive.
func (t *StreamTransport) Close() error {
	if t.closer != nil {
		return t.closer()
	}
	return nil
}

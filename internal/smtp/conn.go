package smtp

import (
	"bufio"
	"bytes"
	"crypto/tls"
	"fmt"
	"io"
	"log/slog"
	"net"
	"time"

	"github.com/infodancer/burngate/internal/logging"
)

// Conn wraps a net.Conn with a line-buffered reader and writer, and knows
// how to upgrade itself to TLS in place. The session engine is written
// against this single type for both the raw and TLS-wrapped phases of a
// connection, so the command loop never holds two stream references at
// once — only Conn.UpgradeToTLS briefly owns the raw conn while it swaps
// it for the TLS-wrapped one.
type Conn struct {
	conn   net.Conn
	reader *bufio.Reader
	writer io.Writer
	logger *slog.Logger // nil disables wire-level transaction logging
}

// NewConn wraps conn for SMTP session use with no transaction logging.
func NewConn(conn net.Conn) *Conn {
	return &Conn{conn: conn, reader: bufio.NewReader(conn), writer: conn}
}

// NewConnWithLogger wraps conn for SMTP session use, logging every byte
// sent and received at debug level through logger. Used by the admission
// controller when LOG_LEVEL permits debug output, mirroring the teacher's
// LogTransaction-gated Connection wrapper.
func NewConnWithLogger(conn net.Conn, logger *slog.Logger) *Conn {
	c := &Conn{conn: conn, logger: logger}
	c.reader = bufio.NewReader(logging.NewTransactionReader(conn, logger, "recv"))
	c.writer = logging.NewTransactionWriter(conn, logger, "send")
	return c
}

// RemoteAddr returns the underlying connection's remote address.
func (c *Conn) RemoteAddr() net.Addr {
	return c.conn.RemoteAddr()
}

// SetDeadline propagates a wall-clock deadline onto the underlying socket
// so that a blocking read in progress is unblocked when it elapses — the
// same mechanism the relay client uses against the backend leg. It must be
// set before STARTTLS runs: UpgradeToTLS re-wraps the same net.Conn, whose
// deadline stays in effect across the swap.
func (c *Conn) SetDeadline(t time.Time) error {
	return c.conn.SetDeadline(t)
}

// WriteLine writes line followed by CRLF.
func (c *Conn) WriteLine(line string) error {
	if _, err := c.writer.Write([]byte(line)); err != nil {
		return err
	}
	_, err := c.writer.Write([]byte("\r\n"))
	return err
}

// Close closes the underlying connection.
func (c *Conn) Close() error {
	return c.conn.Close()
}

// readLine reads a single line, byte by byte, up to maxLen bytes before a
// newline. It returns ok=false only on a clean end-of-stream with no
// partial data buffered (mirrors read_line in the original session loop:
// EOF with a non-empty partial buffer still yields that content as the
// final line).
func (c *Conn) readLine(maxLen int) (line string, ok bool, err error) {
	var buf []byte
	for {
		b, rerr := c.reader.ReadByte()
		if rerr != nil {
			if rerr == io.EOF {
				if len(buf) == 0 {
					return "", false, nil
				}
				return string(bytes.TrimRight(buf, "\r\n")), true, nil
			}
			return "", false, rerr
		}
		if b == '\n' {
			s := bytes.TrimSuffix(buf, []byte("\r"))
			return string(s), true, nil
		}
		buf = append(buf, b)
		if len(buf) > maxLen {
			return "", false, ErrLineTooLong
		}
	}
}

// readData reads the DATA portion of a message until a line whose content
// (CRLF or LF stripped) is exactly ".". Each line, including its
// terminator, is appended to the returned buffer verbatim — dot-stuffing
// is never unstuffed. maxSize bounds the accumulated buffer.
func (c *Conn) readData(maxSize int64) ([]byte, error) {
	data := make([]byte, 0, 8192)
	overLimit := false
	for {
		chunk, rerr := c.reader.ReadBytes('\n')
		if len(chunk) == 0 {
			return nil, ErrUnexpectedEOF
		}

		trimmed := bytes.TrimSuffix(chunk, []byte("\r\n"))
		if len(trimmed) == len(chunk) {
			trimmed = bytes.TrimSuffix(chunk, []byte("\n"))
		}
		if string(trimmed) == "." {
			if overLimit {
				return nil, ErrMessageTooLarge
			}
			return data, nil
		}

		if !overLimit {
			data = append(data, chunk...)
			if int64(len(data)) > maxSize {
				// Keep draining until the terminator so the next command
				// read lines up with the client's next real command,
				// instead of misinterpreting leftover body lines.
				overLimit = true
				data = nil
			}
		}

		if rerr != nil {
			// chunk had no newline (EOF mid-line): loop once more so the
			// next ReadBytes call surfaces the zero-length EOF case above.
			continue
		}
	}
}

// UpgradeToTLS performs a server-side TLS handshake over the raw
// connection and, on success, replaces it with the TLS-wrapped stream and
// rebuilds the line reader. Any bytes still sitting in the old bufio
// buffer are discarded, which is safe here: the engine only calls this
// immediately after writing the "220 Ready" response, before reading any
// further client bytes.
func (c *Conn) UpgradeToTLS(cfg *tls.Config) error {
	tlsConn := tls.Server(c.conn, cfg)
	if err := tlsConn.Handshake(); err != nil {
		return fmt.Errorf("tls handshake: %w", err)
	}
	c.conn = tlsConn
	if c.logger != nil {
		c.reader = bufio.NewReader(logging.NewTransactionReader(tlsConn, c.logger, "recv"))
		c.writer = logging.NewTransactionWriter(tlsConn, c.logger, "send")
	} else {
		c.reader = bufio.NewReader(tlsConn)
		c.writer = tlsConn
	}
	return nil
}

package protocol

import (
	"bufio"
	"encoding/json"
	"fmt"
	"net"
)

// maxLineSize bounds a single framed message to guard against a
// misbehaving peer sending an unbounded line.
const maxLineSize = 1 << 20

// FramedConn wraps a net.Conn with a newline-delimited-JSON codec: Encode
// writes one JSON value followed by "\n"; Decode reads and unmarshals the
// next line. A send failure or a decode failure is terminal for the
// connection: a send failure or a decode failure on a given connection is
// terminal for that connection only.
type FramedConn struct {
	conn   net.Conn
	reader *bufio.Reader
	writer *bufio.Writer
}

// NewFramedConn builds a FramedConn over an already-established net.Conn.
func NewFramedConn(conn net.Conn) *FramedConn {
	return &FramedConn{
		conn:   conn,
		reader: bufio.NewReaderSize(conn, 32*1024),
		writer: bufio.NewWriterSize(conn, 32*1024),
	}
}

// Conn returns the underlying net.Conn, e.g. for deadlines or peer address.
func (f *FramedConn) Conn() net.Conn { return f.conn }

// Encode marshals v to JSON and writes it as one newline-terminated frame,
// flushing immediately so a single logical send is one logical write.
func (f *FramedConn) Encode(v any) error {
	b, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("encode frame: %w", err)
	}
	if _, err := f.writer.Write(b); err != nil {
		return err
	}
	if err := f.writer.WriteByte('\n'); err != nil {
		return err
	}
	return f.writer.Flush()
}

// EncodeBatch writes a sequence of values as successive frames under a
// single flush, so a batch of responses is one underlying Write where the
// OS allows it: release the lock, then write all responses to the wire,
// preserving order.
func (f *FramedConn) EncodeBatch(vs []any) error {
	for _, v := range vs {
		b, err := json.Marshal(v)
		if err != nil {
			return fmt.Errorf("encode frame: %w", err)
		}
		if _, err := f.writer.Write(b); err != nil {
			return err
		}
		if err := f.writer.WriteByte('\n'); err != nil {
			return err
		}
	}
	return f.writer.Flush()
}

// Decode reads the next newline-terminated frame and unmarshals it into v.
func (f *FramedConn) Decode(v any) error {
	line, err := f.reader.ReadSlice('\n')
	if err == bufio.ErrBufferFull {
		// The frame is longer than the read buffer: keep reading into a
		// separate slice until the newline or until maxLineSize is passed.
		buf := append([]byte(nil), line...)
		for err == bufio.ErrBufferFull && len(buf) <= maxLineSize {
			line, err = f.reader.ReadSlice('\n')
			buf = append(buf, line...)
		}
		line = buf
	}
	if err == bufio.ErrBufferFull {
		return fmt.Errorf("frame exceeds max line size")
	}
	if err != nil {
		return err
	}
	if len(line) > maxLineSize {
		return fmt.Errorf("frame exceeds max line size")
	}
	// Trim the trailing newline (and a preceding \r for tolerance).
	line = trimNewline(line)
	if err := json.Unmarshal(line, v); err != nil {
		return fmt.Errorf("decode frame: %w", err)
	}
	return nil
}

func trimNewline(line []byte) []byte {
	n := len(line)
	if n > 0 && line[n-1] == '\n' {
		n--
	}
	if n > 0 && line[n-1] == '\r' {
		n--
	}
	return line[:n]
}

// Close closes the underlying connection.
func (f *FramedConn) Close() error { return f.conn.Close() }

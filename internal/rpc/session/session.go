// Package session implements RpcSession, the framed send/recv layer
// every RPC component builds on: one net.Conn, one CoMutex-guarded
// write path, and a read path that retries partial reads until a full
// frame (or a clean EOF) has arrived.
package session

import (
	"context"
	"errors"
	"io"
	"net"

	"github.com/mercadocoro/corofiber/internal/bytearray"
	"github.com/mercadocoro/corofiber/internal/corosync"
	"github.com/mercadocoro/corofiber/internal/rpc/protocol"
)

// ErrClosed is returned by Send once Close has been called. Recv after
// Close reports whatever error the closed connection's Read returns.
var ErrClosed = errors.New("session: closed")

// Session wraps a net.Conn with the RPC wire framing. Multiple tasks
// may call Send concurrently on the same session; sends are
// serialized under a CoMutex so frames are never interleaved
// byte-for-byte the way two concurrent writers sharing a raw net.Conn
// would corrupt each other's output.
type Session struct {
	conn net.Conn

	sendMu *corosync.CoMutex

	closed chan struct{}
}

// New wraps conn as an RpcSession. r resumes tasks that park on the
// send mutex under contention.
func New(conn net.Conn, r corosync.Resumer) *Session {
	return &Session{
		conn:   conn,
		sendMu: corosync.NewMutex(r),
		closed: make(chan struct{}),
	}
}

// Conn returns the underlying connection, for callers that need the
// remote address or want to set deadlines directly.
func (s *Session) Conn() net.Conn { return s.conn }

// RemoteAddr returns the connection's remote address.
func (s *Session) RemoteAddr() net.Addr { return s.conn.RemoteAddr() }

// Closed reports whether Close has already run.
func (s *Session) Closed() bool {
	select {
	case <-s.closed:
		return true
	default:
		return false
	}
}

// Close closes the underlying connection. Safe to call more than
// once.
func (s *Session) Close() error {
	select {
	case <-s.closed:
		return nil
	default:
		close(s.closed)
	}
	return s.conn.Close()
}

// Send serializes and writes a complete frame. Concurrent callers
// interleave whole frames, never bytes, because the write is held
// under sendMu for its entire duration.
func (s *Session) Send(ctx context.Context, f protocol.Frame) error {
	if s.Closed() {
		return ErrClosed
	}
	if err := s.sendMu.Lock(ctx); err != nil {
		return err
	}
	defer s.sendMu.Unlock()

	ba := protocol.Encode(f)
	buf := make([]byte, ba.GetSize())
	if err := ba.SetPosition(0); err != nil {
		return err
	}
	if err := ba.Read(buf); err != nil {
		return err
	}
	_, err := s.conn.Write(buf)
	return err
}

// Recv reads exactly one frame: BASE_LENGTH header bytes, then
// contentLength body bytes, retrying on short reads. It returns
// io.EOF cleanly when the peer closes the connection before sending
// anything, and ErrBadMagic if the header is malformed.
func (s *Session) Recv(_ context.Context) (protocol.Frame, error) {
	header := make([]byte, protocol.BaseLength)
	if err := readFull(s.conn, header); err != nil {
		return protocol.Frame{}, err
	}

	ba := bytearray.New(0)
	ba.Write(header)
	if err := ba.SetPosition(0); err != nil {
		return protocol.Frame{}, err
	}
	h, err := protocol.DecodeMeta(ba)
	if err != nil {
		return protocol.Frame{}, err
	}

	var body []byte
	if h.ContentLength > 0 {
		body = make([]byte, h.ContentLength)
		if err := readFull(s.conn, body); err != nil {
			return protocol.Frame{}, err
		}
	}

	return protocol.Frame{
		MsgType:      h.MsgType,
		SequenceID:   h.SequenceID,
		CompressType: h.CompressType,
		Body:         body,
	}, nil
}

// readFull retries partial reads until buf is full. io.ReadFull
// already gives us the distinction this layer needs: a clean io.EOF
// when zero bytes arrived, io.ErrUnexpectedEOF when the peer closed
// mid-frame.
func readFull(r io.Reader, buf []byte) error {
	_, err := io.ReadFull(r, buf)
	return err
}

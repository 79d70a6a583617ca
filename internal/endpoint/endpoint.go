// Package endpoint implements the per-connection byte pumps named in
// spec.md §2.4 and §6: a ReceiverEndpoint that parses FIX framing and
// forwards bodies, and a SenderEndpoint that buffers outbound bytes and
// drains them to the socket. Both are polled, never blocked on, from the
// Framer's single thread (spec.md §5).
package endpoint

import (
	"errors"
	"io"
	"log/slog"
	"net"
	"time"

	"github.com/ocx/framer/internal/errs"
	"github.com/ocx/framer/internal/fixwire"
)

// FramerHandle is the narrow callback surface an Endpoint uses to reach back
// into the Framer (spec.md §9: "model this as an arena of endpoints keyed by
// connection-id plus a callback channel... never as strong cycles"). It is
// satisfied by *framer.Framer without endpoint importing framer.
type FramerHandle interface {
	OnFrame(connectionID uint64, msg []byte)
	OnReceiverClosed(connectionID uint64, reason errs.DisconnectReason)
}

// ReceiverEndpoint reads bytes off a TCP connection and reassembles
// complete FIX messages, handing each one to the Framer via its handle.
type ReceiverEndpoint struct {
	conn         net.Conn
	connectionID uint64
	libraryID    int32
	framer       FramerHandle
	scanner      fixwire.Scanner
	closed       bool
	logger       *slog.Logger
}

// NewReceiverEndpoint constructs a Receiver for an already-connected channel
// (spec.md §6 Endpoint Factory contract).
func NewReceiverEndpoint(conn net.Conn, connectionID uint64, libraryID int32, handle FramerHandle) *ReceiverEndpoint {
	return &ReceiverEndpoint{
		conn:         conn,
		connectionID: connectionID,
		libraryID:    libraryID,
		framer:       handle,
		logger:       slog.Default(),
	}
}

// ConnectionID returns the owning connection's id.
func (r *ReceiverEndpoint) ConnectionID() uint64 { return r.connectionID }

// Conn returns the underlying channel, so a caller on the Framer's single
// thread can inspect connection-level state (e.g. a TLS peer certificate)
// without the endpoint needing to know why.
func (r *ReceiverEndpoint) Conn() net.Conn { return r.conn }

// Poll performs one bounded, non-blocking read attempt and dispatches any
// complete frames found (spec.md §4.1 step (c)). It never loops
// unboundedly: at most one socket read per call.
func (r *ReceiverEndpoint) Poll() {
	if r.closed {
		return
	}

	// Non-blocking poll: a deadline just ahead makes Read return at once with
	// a timeout error when no bytes are ready, instead of parking the
	// Framer's single thread.
	_ = r.conn.SetReadDeadline(immediateDeadline())
	buf := make([]byte, 8192)
	n, err := r.conn.Read(buf)
	if n > 0 {
		r.scanner.Feed(buf[:n])
		for {
			msg, ok := r.scanner.Next()
			if !ok {
				break
			}
			r.framer.OnFrame(r.connectionID, msg)
		}
	}
	if err != nil {
		if errors.Is(err, io.EOF) {
			r.closeWithReason(errs.ReasonApplicationDisconnect)
			return
		}
		if isWouldBlock(err) {
			return
		}
		r.logger.Warn("receiver endpoint: read error", "connection_id", r.connectionID, "error", err)
		r.closeWithReason(errs.ReasonChannelError)
	}
}

// Close tears down the receiver with the given reason (spec.md §4.2
// Disconnect: "receiver takes a DisconnectReason"). Idempotent.
func (r *ReceiverEndpoint) Close(reason errs.DisconnectReason) {
	r.closeWithReason(reason)
}

func (r *ReceiverEndpoint) closeWithReason(reason errs.DisconnectReason) {
	if r.closed {
		return
	}
	r.closed = true
	_ = r.conn.Close()
	r.framer.OnReceiverClosed(r.connectionID, reason)
}

// SenderEndpoint buffers outbound bytes and drains them to the socket
// (spec.md §6 Endpoint Factory contract: "sender takes none" on close).
type SenderEndpoint struct {
	conn         net.Conn
	connectionID uint64
	libraryID    int32
	outbound     []byte
	closed       bool
	logger       *slog.Logger
}

// NewSenderEndpoint constructs a Sender around an already-connected channel.
func NewSenderEndpoint(conn net.Conn, connectionID uint64, libraryID int32) *SenderEndpoint {
	return &SenderEndpoint{conn: conn, connectionID: connectionID, libraryID: libraryID, logger: slog.Default()}
}

// Enqueue appends bytes to the outbound buffer, to be drained on a later
// Poll. Returns false if the endpoint is already closed.
func (s *SenderEndpoint) Enqueue(b []byte) bool {
	if s.closed {
		return false
	}
	s.outbound = append(s.outbound, b...)
	return true
}

// Poll performs one bounded, non-blocking write attempt, draining as much of
// the outbound buffer as the socket will currently accept (spec.md §4.1 step
// (d)).
func (s *SenderEndpoint) Poll() {
	if s.closed || len(s.outbound) == 0 {
		return
	}
	_ = s.conn.SetWriteDeadline(immediateDeadline())
	n, err := s.conn.Write(s.outbound)
	if n > 0 {
		s.outbound = s.outbound[n:]
	}
	if err != nil && !isWouldBlock(err) {
		s.logger.Warn("sender endpoint: write error", "connection_id", s.connectionID, "error", err)
		s.Close()
	}
}

// Pending returns the number of unsent bytes still buffered.
func (s *SenderEndpoint) Pending() int { return len(s.outbound) }

// Close tears down the sender. Idempotent.
func (s *SenderEndpoint) Close() {
	if s.closed {
		return
	}
	s.closed = true
	_ = s.conn.Close()
}

// immediateDeadline returns a deadline one microsecond ahead: "attempt this
// I/O but don't block if nothing is ready." It must not lie in the past,
// because Go fails I/O against an expired deadline without attempting it.
func immediateDeadline() time.Time {
	return time.Now().Add(time.Microsecond)
}

func isWouldBlock(err error) bool {
	var netErr net.Error
	if errors.As(err, &netErr) {
		return netErr.Timeout()
	}
	return false
}

// Factory constructs paired endpoints around an accepted or initiated TCP
// channel (spec.md §6 Endpoint Factory contract).
type Factory struct{}

// NewFactory creates an endpoint Factory. Stateless: every method is a pure
// constructor call, matching the teacher's lightweight factory pattern.
func NewFactory() *Factory { return &Factory{} }

// NewReceiver builds a ReceiverEndpoint for conn.
func (f *Factory) NewReceiver(conn net.Conn, connectionID uint64, libraryID int32, handle FramerHandle) *ReceiverEndpoint {
	return NewReceiverEndpoint(conn, connectionID, libraryID, handle)
}

// NewSender builds a SenderEndpoint for conn.
func (f *Factory) NewSender(conn net.Conn, connectionID uint64, libraryID int32) *SenderEndpoint {
	return NewSenderEndpoint(conn, connectionID, libraryID)
}

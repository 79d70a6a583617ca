package framer

import (
	"errors"
	"net"
)

// fakeAcceptor lets a test hand the Framer pre-made net.Conn pairs instead of
// binding a real listener, mirroring the teacher's preference for mocked
// collaborators in its handshake tests.
type fakeAcceptor struct {
	pending []net.Conn
	closed  bool
}

func (a *fakeAcceptor) push(conn net.Conn) { a.pending = append(a.pending, conn) }

func (a *fakeAcceptor) Accept() (net.Conn, bool, error) {
	if len(a.pending) == 0 {
		return nil, false, nil
	}
	conn := a.pending[0]
	a.pending = a.pending[1:]
	return conn, true, nil
}

func (a *fakeAcceptor) Close() error {
	a.closed = true
	return nil
}

// fakeDialer returns scripted connections or errors for InitiateConnection
// without touching a real socket.
type fakeDialer struct {
	conns []net.Conn
	errs  []error
	calls int
}

func (d *fakeDialer) Dial(host string, port int) (net.Conn, error) {
	d.calls++
	if len(d.errs) > 0 {
		err := d.errs[0]
		d.errs = d.errs[1:]
		if err != nil {
			return nil, err
		}
	}
	if len(d.conns) == 0 {
		return nil, errors.New("fakeDialer: no connection scripted")
	}
	conn := d.conns[0]
	d.conns = d.conns[1:]
	return conn, nil
}

// newConnPair returns two ends of an in-memory, full-duplex connection.
// Tests only assert on Framer-side bookkeeping, not byte transfer.
func newConnPair() (net.Conn, net.Conn) {
	return net.Pipe()
}

// errSpy records every hard failure reported to it (spec.md §7 "Hard
// failures"), so scenario 9 can assert the not-leader accept was reported.
type errSpy struct {
	calls []errCall
}

type errCall struct {
	component string
	err       error
}

func (s *errSpy) OnError(component string, err error) {
	s.calls = append(s.calls, errCall{component: component, err: err})
}

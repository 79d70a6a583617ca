package framer

import (
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ocx/framer/internal/bus"
	"github.com/ocx/framer/internal/clock"
	"github.com/ocx/framer/internal/commandbus"
	"github.com/ocx/framer/internal/errs"
	"github.com/ocx/framer/internal/gatewaysession"
	"github.com/ocx/framer/internal/identitystore"
	"github.com/ocx/framer/internal/leader"
	"github.com/ocx/framer/internal/library"
)

const testReplyTimeoutMs int64 = 5000

type testHarness struct {
	framer    *Framer
	bus       *bus.LocalBus
	clock     *clock.Fake
	libraries *library.Registry
	sessions  *gatewaysession.Registry
	identity  *identitystore.MemoryStore
	leader    *leader.Static
	sub       *commandbus.Local
	acceptor  *fakeAcceptor
	dialer    *fakeDialer
	endpoints *spyEndpointFactory
	errs      *errSpy
}

func newHarness() *testHarness {
	h := &testHarness{
		bus:       bus.NewLocalBus(0),
		clock:     clock.NewFake(1_000_000),
		libraries: library.NewRegistry(),
		sessions:  gatewaysession.NewRegistry(),
		identity:  identitystore.NewMemoryStore(),
		leader:    leader.NewStatic(true),
		sub:       commandbus.NewLocal(),
		acceptor:  &fakeAcceptor{},
		dialer:    &fakeDialer{},
		endpoints: newSpyEndpointFactory(),
		errs:      &errSpy{},
	}
	h.framer = New(Config{
		Clock:           h.clock,
		Bus:             h.bus,
		IdentityStore:   h.identity,
		Libraries:       h.libraries,
		Sessions:        h.sessions,
		Leader:          h.leader,
		Subscription:    h.sub,
		ErrHandler:      h.errs,
		EndpointFactory: h.endpoints,
		Dialer:          h.dialer,
		Acceptor:        h.acceptor,
		ReplyTimeoutMs:  testReplyTimeoutMs,
	})
	return h
}

func initiateCmd(libraryID int32, correlationID int64, senderCompID string) InitiateConnection {
	return InitiateConnection{
		LibraryID: libraryID, Port: 1234, Host: "counterparty",
		SenderCompID: senderCompID, TargetCompID: "EXCHANGE", SenderSubID: "Q1",
		InitialSeqNum: 1, HeartbeatIntervalS: 10, CorrelationID: correlationID,
	}
}

// ---------------------------------------------------------------------------
// Scenario 1: accept & endpoint creation
// ---------------------------------------------------------------------------

func TestScenario1_AcceptCreatesEndpoints(t *testing.T) {
	h := newHarness()
	serverConn, _ := newConnPair()
	h.acceptor.push(serverConn)

	h.framer.DoWork()

	require.Len(t, h.endpoints.receiverCalls, 1)
	require.Len(t, h.endpoints.senderCalls, 1)
	assert.Equal(t, library.ENGINE_LIBRARY_ID, h.endpoints.receiverCalls[0].libraryID)
	assert.Equal(t, library.ENGINE_LIBRARY_ID, h.endpoints.senderCalls[0].libraryID)
	require.Len(t, h.framer.connections.all(), 1)
}

// ---------------------------------------------------------------------------
// Scenario 2: disconnect on demand
// ---------------------------------------------------------------------------

func TestScenario2_DisconnectOnDemand(t *testing.T) {
	h := newHarness()
	serverConn, peerConn := newConnPair()
	h.acceptor.push(serverConn)
	h.framer.DoWork()
	require.Len(t, h.framer.connections.all(), 1)
	connID := h.framer.connections.all()[0].ID

	action := h.framer.handleDisconnect(Disconnect{LibraryID: 3, ConnectionID: connID, Reason: string(errs.ReasonApplicationDisconnect)})
	assert.Equal(t, commandbus.Continue, action)

	_, stillTracked := h.framer.connections.get(connID)
	assert.False(t, stillTracked)

	buf := make([]byte, 1)
	_ = peerConn.SetReadDeadline(time.Now().Add(time.Second))
	_, err := peerConn.Read(buf)
	assert.Error(t, err, "server side of the pipe should have been closed")
}

// ---------------------------------------------------------------------------
// Scenario 3: unknown library rejection
// ---------------------------------------------------------------------------

func TestScenario3_UnknownLibraryRejected(t *testing.T) {
	h := newHarness()
	action := h.framer.handleInitiateConnection(initiateCmd(3, 1, "CLIENT"))
	assert.Equal(t, commandbus.Continue, action)
	assert.Equal(t, 0, h.dialer.calls)

	records := h.bus.Records()
	require.Len(t, records, 1)
	assert.Equal(t, "GatewayError", records[0].Kind)
	assert.Equal(t, string(errs.KindUnknownLibrary), records[0].Args[0])
}

// ---------------------------------------------------------------------------
// Scenario 4: duplicate session on initiate
// ---------------------------------------------------------------------------

func TestScenario4_DuplicateSessionOnInitiate(t *testing.T) {
	h := newHarness()
	h.framer.handleLibraryConnect(LibraryConnect{LibraryID: 3, CorrelationID: 1, AeronSessionID: 100})

	conn1, _ := newConnPair()
	conn2, _ := newConnPair()
	h.dialer.conns = []net.Conn{conn1, conn2}

	cmd := initiateCmd(3, 10, "CLIENT")
	action := h.framer.handleInitiateConnection(cmd)
	require.Equal(t, commandbus.Continue, action)
	require.Len(t, h.bus.Records(), 3) // ApplicationHeartbeat, ManageConnection, Logon

	h.identity.ForceDuplicate(cmd.CompositeKey())
	action = h.framer.handleInitiateConnection(initiateCmd(3, 11, "CLIENT"))
	assert.Equal(t, commandbus.Continue, action)

	records := h.bus.Records()
	last := records[len(records)-1]
	assert.Equal(t, "GatewayError", last.Kind)
	assert.Equal(t, string(errs.KindDuplicateSession), last.Args[0])
}

// ---------------------------------------------------------------------------
// Scenario 5: back-pressured initiate retries
// ---------------------------------------------------------------------------

func TestScenario5_BackPressuredInitiateRetries(t *testing.T) {
	h := newHarness()
	h.framer.handleLibraryConnect(LibraryConnect{LibraryID: 3, CorrelationID: 1, AeronSessionID: 100})

	conn, _ := newConnPair()
	h.dialer.conns = []net.Conn{conn}
	h.bus.ScriptBackPressure(true, false, true, false)

	cmd := initiateCmd(3, 20, "CLIENT")
	a1 := h.framer.handleInitiateConnection(cmd)
	a2 := h.framer.handleInitiateConnection(cmd)
	a3 := h.framer.handleInitiateConnection(cmd)

	assert.Equal(t, commandbus.Abort, a1)
	assert.Equal(t, commandbus.Abort, a2)
	assert.Equal(t, commandbus.Continue, a3)

	records := h.bus.Records()
	require.Len(t, records, 3) // LibraryConnect's ApplicationHeartbeat comes first
	assert.Equal(t, "ManageConnection", records[1].Kind)
	assert.Equal(t, "Logon", records[2].Kind)
}

// ---------------------------------------------------------------------------
// Scenario 6: library timeout reclaims connections
// ---------------------------------------------------------------------------

func TestScenario6_LibraryTimeoutReclaimsConnections(t *testing.T) {
	h := newHarness()
	h.framer.handleLibraryConnect(LibraryConnect{LibraryID: 3, CorrelationID: 1, AeronSessionID: 100})

	conn, _ := newConnPair()
	h.dialer.conns = []net.Conn{conn}
	cmd := initiateCmd(3, 30, "CLIENT")
	require.Equal(t, commandbus.Continue, h.framer.handleInitiateConnection(cmd))

	connID := h.framer.connections.all()[0].ID
	h.clock.Advance(time.Duration(2*testReplyTimeoutMs) * time.Millisecond)

	h.framer.checkLibraryTimeouts()

	session, ok := h.sessions.ByConnection(connID)
	require.True(t, ok)
	assert.Equal(t, gatewaysession.StateActive, session.State)
	assert.Equal(t, 10, session.HeartbeatIntervalS)

	found := false
	for _, rec := range h.bus.Records() {
		if rec.Kind == "LibraryTimeout" {
			found = true
			assert.Equal(t, int32(3), rec.Args[0])
		}
	}
	assert.True(t, found, "expected a LibraryTimeout publication")

	_, stillRegistered := h.libraries.Get(3)
	assert.False(t, stillRegistered)
}

// ---------------------------------------------------------------------------
// Scenario 7: hand-off via RequestSession
// ---------------------------------------------------------------------------

func TestScenario7_RequestSessionHandsOff(t *testing.T) {
	h := newHarness()
	const connID uint64 = 42
	const sessionID int64 = 123

	h.framer.connections.put(&Connection{ID: connID, Direction: DirectionAcceptor, State: ConnEngineManaged, SessionID: sessionID})
	h.sessions.Acquire(&gatewaysession.Session{ConnectionID: connID, SessionID: sessionID, State: gatewaysession.StateActive})

	action := h.framer.handleRequestSession(RequestSession{LibraryID: 3, SessionID: sessionID, CorrelationID: 1, LastReceivedSeq: NO_MESSAGE_REPLAY})
	assert.Equal(t, commandbus.Continue, action)

	records := h.bus.Records()
	require.Len(t, records, 1)
	assert.Equal(t, "RequestSessionReply", records[0].Kind)
	assert.Equal(t, bus.StatusOK, records[0].Args[0])
	assert.Equal(t, int64(1), records[0].Args[1])

	c, ok := h.framer.connections.get(connID)
	require.True(t, ok)
	assert.Equal(t, int32(3), c.OwningLibraryID)

	_, stillEngineOwned := h.sessions.BySessionID(sessionID)
	assert.False(t, stillEngineOwned)
}

// ---------------------------------------------------------------------------
// Scenario 8: duplicate library connect re-sends ControlNotification
// ---------------------------------------------------------------------------

func TestScenario8_DuplicateLibraryConnectResendsControlNotification(t *testing.T) {
	h := newHarness()
	h.framer.handleLibraryConnect(LibraryConnect{LibraryID: 3, CorrelationID: 1, AeronSessionID: 100})
	require.Len(t, h.bus.Records(), 1) // just the first ApplicationHeartbeat, no sessions yet

	const connID uint64 = 7
	const sessionID int64 = 55
	h.framer.connections.put(&Connection{ID: connID, State: ConnEngineManaged, SessionID: sessionID})
	h.sessions.Acquire(&gatewaysession.Session{ConnectionID: connID, SessionID: sessionID, State: gatewaysession.StateActive})
	require.Equal(t, commandbus.Continue, h.framer.handleRequestSession(RequestSession{LibraryID: 3, SessionID: sessionID, CorrelationID: 2, LastReceivedSeq: NO_MESSAGE_REPLAY}))

	h.framer.handleLibraryConnect(LibraryConnect{LibraryID: 3, CorrelationID: 3, AeronSessionID: 100})

	records := h.bus.Records()
	last2 := records[len(records)-2:]
	assert.Equal(t, "ApplicationHeartbeat", last2[0].Kind)
	assert.Equal(t, "ControlNotification", last2[1].Kind)
	sessions := last2[1].Args[1].([]bus.SessionInfo)
	require.Len(t, sessions, 1)
	assert.Equal(t, sessionID, sessions[0].SessionID)
}

// ---------------------------------------------------------------------------
// Scenario 9: follower rejects accepts
// ---------------------------------------------------------------------------

func TestScenario9_FollowerRejectsAccepts(t *testing.T) {
	h := newHarness()
	h.leader.Set(false)
	serverConn, _ := newConnPair()
	h.acceptor.push(serverConn)

	h.framer.DoWork()

	assert.Empty(t, h.framer.connections.all())
	assert.Empty(t, h.endpoints.receiverCalls)
	require.Len(t, h.errs.calls, 1)
	assert.Equal(t, "framer.pollAccept", h.errs.calls[0].component)
}

// ---------------------------------------------------------------------------
// Invariants (spec.md §8)
// ---------------------------------------------------------------------------

func TestInvariant_ConnectionOwnedByAtMostOneParty(t *testing.T) {
	h := newHarness()
	h.framer.handleLibraryConnect(LibraryConnect{LibraryID: 3, CorrelationID: 1, AeronSessionID: 100})

	conn, _ := newConnPair()
	h.dialer.conns = []net.Conn{conn}
	require.Equal(t, commandbus.Continue, h.framer.handleInitiateConnection(initiateCmd(3, 40, "CLIENT")))

	connID := h.framer.connections.all()[0].ID
	lib, ok := h.libraries.Get(3)
	require.True(t, ok)
	ownedByLibrary := false
	for _, id := range lib.OwnedConnections() {
		if id == connID {
			ownedByLibrary = true
		}
	}
	assert.True(t, ownedByLibrary)
	_, heldByEngine := h.sessions.ByConnection(connID)
	assert.False(t, heldByEngine, "a library-owned connection must not also sit in Gateway Sessions")
}

func TestInvariant_LibraryHeartbeatNeverExceedsTimeout(t *testing.T) {
	h := newHarness()
	h.framer.handleLibraryConnect(LibraryConnect{LibraryID: 3, CorrelationID: 1, AeronSessionID: 100})
	h.clock.Advance(time.Duration(testReplyTimeoutMs-1) * time.Millisecond)
	h.framer.checkLibraryTimeouts()
	_, stillRegistered := h.libraries.Get(3)
	assert.True(t, stillRegistered, "a library within its reply-timeout window must not be reclaimed")
}

func TestInvariant_ReleaseSessionLeavesSessionActive(t *testing.T) {
	h := newHarness()
	const connID uint64 = 9
	h.framer.connections.put(&Connection{ID: connID, State: ConnLibraryManaged, OwningLibraryID: 3})
	h.libraries.EnsureConnected(3, 1, h.clock.NowMillis())
	lib, _ := h.libraries.Get(3)
	lib.Own(connID)

	action := h.framer.handleReleaseSession(ReleaseSession{LibraryID: 3, ConnectionID: connID, CorrelationID: 1, HeartbeatIntervalS: 30})
	require.Equal(t, commandbus.Continue, action)

	session, ok := h.sessions.ByConnection(connID)
	require.True(t, ok)
	assert.Equal(t, gatewaysession.StateActive, session.State)
}

func TestInvariant_BackPressureRetryConvergesToSamePublications(t *testing.T) {
	h1 := newHarness()
	h1.framer.handleLibraryConnect(LibraryConnect{LibraryID: 3, CorrelationID: 1, AeronSessionID: 100})
	conn1, _ := newConnPair()
	h1.dialer.conns = []net.Conn{conn1}
	require.Equal(t, commandbus.Continue, h1.framer.handleInitiateConnection(initiateCmd(3, 50, "CLIENT")))
	baseline := h1.bus.Records()

	h2 := newHarness()
	h2.framer.handleLibraryConnect(LibraryConnect{LibraryID: 3, CorrelationID: 1, AeronSessionID: 100})
	conn2, _ := newConnPair()
	h2.dialer.conns = []net.Conn{conn2}
	h2.bus.ScriptBackPressure(true, true, false, false)
	cmd := initiateCmd(3, 50, "CLIENT")
	for i := 0; i < 3; i++ {
		h2.framer.handleInitiateConnection(cmd)
	}
	retried := h2.bus.Records()

	require.Len(t, retried, len(baseline))
	for i := range baseline {
		assert.Equal(t, baseline[i].Kind, retried[i].Kind)
	}
}

func TestInvariant_CloseIsIdempotent(t *testing.T) {
	h := newHarness()
	require.NoError(t, h.framer.Close())
	require.NoError(t, h.framer.Close())
	assert.True(t, h.acceptor.closed)
}

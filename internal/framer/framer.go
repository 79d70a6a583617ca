// Package framer implements the Framer core (spec.md §2, §4, §5): a
// single-threaded, non-blocking, cooperative event loop that owns every TCP
// connection, demultiplexes bytes to per-connection FIX parsers, arbitrates
// session ownership between the engine and external libraries, and talks to
// the Publication Bus, Session Identity Store, Library Registry, Gateway
// Sessions registry, Clock, and cluster-leadership query. Nothing here takes
// a lock: every exported method is reachable only from the single thread
// that calls DoWork (spec.md §5).
package framer

import (
	"encoding/json"
	"log/slog"
	"net"
	"time"

	"github.com/ocx/framer/internal/authstrategy"
	"github.com/ocx/framer/internal/bus"
	"github.com/ocx/framer/internal/clock"
	"github.com/ocx/framer/internal/commandbus"
	"github.com/ocx/framer/internal/endpoint"
	"github.com/ocx/framer/internal/errs"
	"github.com/ocx/framer/internal/fixwire"
	"github.com/ocx/framer/internal/gatewaysession"
	"github.com/ocx/framer/internal/identitystore"
	"github.com/ocx/framer/internal/leader"
	"github.com/ocx/framer/internal/library"
	"github.com/ocx/framer/internal/metrics"
)

// heartbeatGraceFactor is how many missed intervals the engine tolerates
// before treating a held session as timed out (spec.md §4.4 mirrors the
// library reply-timeout idea onto engine-held sessions; no ratio is named
// there, so this follows the common FIX convention of two missed intervals).
const heartbeatGraceFactor = 2

// EndpointFactory is the narrow surface of endpoint.Factory the Framer
// depends on (spec.md §6 "Endpoint Factory contract"), kept as an interface
// so tests can substitute a recording spy without a real socket.
type EndpointFactory interface {
	NewReceiver(conn net.Conn, connectionID uint64, libraryID int32, handle endpoint.FramerHandle) *endpoint.ReceiverEndpoint
	NewSender(conn net.Conn, connectionID uint64, libraryID int32) *endpoint.SenderEndpoint
}

// Config carries every collaborator the Framer needs. All fields are
// required except Logger (defaults to slog.Default()), ReplayQuery
// (defaults to NoopReplayQuery), Metrics and AuthStrategy.
type Config struct {
	Clock           clock.Clock
	Bus             bus.Bus
	IdentityStore   identitystore.Store
	Libraries       *library.Registry
	Sessions        *gatewaysession.Registry
	Leader          leader.Leader
	Subscription    commandbus.Subscription
	ErrHandler      errs.Handler
	EndpointFactory EndpointFactory
	Dialer          Dialer
	Acceptor        Acceptor
	ReplyTimeoutMs  int64
	ReplayQuery     ReplayQuery
	Logger          *slog.Logger
	// Metrics is optional; when nil, DoWork skips all metric recording.
	Metrics *metrics.Collectors
	// AuthStrategy is optional; when nil, OnFrame accepts any Logon that
	// clears the identity store's duplicate-session check, the same as if
	// no credential check were configured. When set, the Framer calls it
	// synchronously before completing the hand-off, and never knows which
	// concrete Strategy is in use.
	AuthStrategy authstrategy.Strategy
}

// Framer is the event-loop core (spec.md §2.1).
type Framer struct {
	clock           clock.Clock
	bus             bus.Bus
	identityStore   identitystore.Store
	libraries       *library.Registry
	sessions        *gatewaysession.Registry
	leader          leader.Leader
	subscription    commandbus.Subscription
	errHandler      errs.Handler
	endpointFactory EndpointFactory
	dialer          Dialer
	acceptor        Acceptor
	replyTimeoutMs  int64
	replayQuery     ReplayQuery
	logger          *slog.Logger
	metrics         *metrics.Collectors
	authStrategy    authstrategy.Strategy

	connections      *connectionTable
	nextConnectionID uint64

	// retryQueue holds records that a handler ABORTed mid-tick, separating
	// step (a)'s "ingest new traffic" from step (f)'s "retry back-pressured
	// publications" (spec.md §4.1).
	retryQueue [][]byte

	initiateProgress map[int64]*initiateProgress
	libConnProgress  map[int32]*libConnProgress
	pendingLogons    map[uint64]pendingLogon

	closed bool
}

// pendingLogon holds everything needed to retry a back-pressured SaveLogon
// raised from OnFrame, which fires mid-tick rather than from the command
// dispatcher — so it needs its own small retry path rather than reusing
// retryQueue, which only carries opaque command records.
type pendingLogon struct {
	connectionID                             uint64
	sessionID                                int64
	senderCompID, senderSubID, targetCompID string
	username, password                      string
}

// New constructs a Framer from its collaborators.
func New(cfg Config) *Framer {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	replayQuery := cfg.ReplayQuery
	if replayQuery == nil {
		replayQuery = NoopReplayQuery{Logger: logger}
	}
	return &Framer{
		clock:            cfg.Clock,
		bus:              cfg.Bus,
		identityStore:    cfg.IdentityStore,
		libraries:        cfg.Libraries,
		sessions:         cfg.Sessions,
		leader:           cfg.Leader,
		subscription:     cfg.Subscription,
		errHandler:       cfg.ErrHandler,
		endpointFactory:  cfg.EndpointFactory,
		dialer:           cfg.Dialer,
		acceptor:         cfg.Acceptor,
		replyTimeoutMs:   cfg.ReplyTimeoutMs,
		replayQuery:      replayQuery,
		logger:           logger,
		metrics:          cfg.Metrics,
		authStrategy:     cfg.AuthStrategy,
		connections:      newConnectionTable(),
		nextConnectionID: 1,
		initiateProgress: make(map[int64]*initiateProgress),
		libConnProgress:  make(map[int32]*libConnProgress),
		pendingLogons:    make(map[uint64]pendingLogon),
	}
}

func (f *Framer) allocateConnectionID() uint64 {
	id := f.nextConnectionID
	f.nextConnectionID++
	return id
}

// DoWork runs exactly one tick of the cooperative event loop (spec.md §4.1):
// (a) drain and dispatch inbound commands, (b) poll the accept socket,
// (c) poll receivers, (d) poll senders, (e) check heartbeats, (f) retry
// back-pressured publications. It never blocks.
func (f *Framer) DoWork() {
	var start time.Time
	if f.metrics != nil {
		start = time.Now()
	}

	f.drainInboundCommands()
	f.pollAccept()
	f.pollReceivers()
	f.pollSenders()
	f.checkLibraryTimeouts()
	f.checkSessionHeartbeats()
	f.retryPendingLogons()
	f.retryBackPressured()

	if f.metrics != nil {
		f.metrics.TickDuration.Observe(time.Since(start).Seconds())
		f.metrics.RetryQueueDepth.Set(float64(len(f.retryQueue)))
		f.metrics.LibraryCount.Set(float64(f.libraries.Len()))
		f.metrics.SessionCount.Set(float64(f.sessions.Len()))
	}
}

// recordBackPressure notes one Abort-due-to-back-pressure occurrence.
func (f *Framer) recordBackPressure() {
	if f.metrics != nil {
		f.metrics.BackPressureHits.Inc()
	}
}

// ---------------------------------------------------------------------------
// (a) inbound commands
// ---------------------------------------------------------------------------

func (f *Framer) drainInboundCommands() {
	f.subscription.Poll(func(record []byte) commandbus.Action {
		switch f.handleRecord(record) {
		case commandbus.Abort:
			// Defer the retry to step (f); tell the subscription this
			// record was consumed so newer traffic isn't starved behind it.
			f.recordBackPressure()
			f.retryQueue = append(f.retryQueue, record)
			return commandbus.Continue
		case commandbus.Break:
			return commandbus.Break
		default:
			return commandbus.Continue
		}
	})
}

func (f *Framer) handleRecord(record []byte) commandbus.Action {
	var env envelope
	if err := json.Unmarshal(record, &env); err != nil {
		f.errHandler.OnError("framer.handleRecord", err)
		return commandbus.Continue
	}
	switch env.Type {
	case typeLibraryConnect:
		if env.LibraryConnect == nil {
			return commandbus.Continue
		}
		return f.handleLibraryConnect(*env.LibraryConnect)
	case typeInitiateConnection:
		if env.InitiateConnection == nil {
			return commandbus.Continue
		}
		return f.handleInitiateConnection(*env.InitiateConnection)
	case typeReleaseSession:
		if env.ReleaseSession == nil {
			return commandbus.Continue
		}
		return f.handleReleaseSession(*env.ReleaseSession)
	case typeRequestSession:
		if env.RequestSession == nil {
			return commandbus.Continue
		}
		return f.handleRequestSession(*env.RequestSession)
	case typeDisconnect:
		if env.Disconnect == nil {
			return commandbus.Continue
		}
		return f.handleDisconnect(*env.Disconnect)
	default:
		f.errHandler.OnError("framer.handleRecord", &errs.IllegalState{Msg: "unknown command type: " + env.Type})
		return commandbus.Continue
	}
}

// ---------------------------------------------------------------------------
// (b) accept
// ---------------------------------------------------------------------------

// pollAccept implements spec.md §4.3: check leadership first, allocate a
// connection id, create endpoints under ENGINE_LIBRARY_ID, register the
// connection in ACCEPTED state, and acquire a Gateway Session in
// CONNECTED state with heartbeat-interval 0 until Logon arrives.
func (f *Framer) pollAccept() {
	conn, ok, err := f.acceptor.Accept()
	if err != nil {
		f.errHandler.OnError("framer.pollAccept", err)
		return
	}
	if !ok {
		return
	}

	if !f.leader.IsLeader() {
		f.errHandler.OnError("framer.pollAccept", &errs.IllegalState{Msg: "accepted connection while not leader"})
		_ = conn.Close()
		return
	}

	connectionID := f.allocateConnectionID()
	now := f.clock.NowMillis()

	entry := &Connection{
		ID:              connectionID,
		Direction:       DirectionAcceptor,
		OwningLibraryID: library.ENGINE_LIBRARY_ID,
		State:           ConnAccepted,
		ConnectedAtMs:   now,
		SessionID:       identitystore.MISSING,
	}
	entry.Receiver = f.endpointFactory.NewReceiver(conn, connectionID, library.ENGINE_LIBRARY_ID, f)
	entry.Sender = f.endpointFactory.NewSender(conn, connectionID, library.ENGINE_LIBRARY_ID)
	f.connections.put(entry)

	f.sessions.Acquire(&gatewaysession.Session{
		ConnectionID:        connectionID,
		SessionID:           identitystore.MISSING,
		State:               gatewaysession.StateConnected,
		HeartbeatIntervalS:  0,
		LastHeartbeatRecvMs: now,
		LastHeartbeatSentMs: now,
	})
}

// ---------------------------------------------------------------------------
// (c), (d) endpoint polling
// ---------------------------------------------------------------------------

func (f *Framer) pollReceivers() {
	for _, c := range f.connections.all() {
		if c.Receiver != nil {
			c.Receiver.Poll()
		}
	}
}

func (f *Framer) pollSenders() {
	for _, c := range f.connections.all() {
		if c.Sender != nil {
			c.Sender.Poll()
		}
	}
}

// ---------------------------------------------------------------------------
// FramerHandle (spec.md §9): the endpoint package's callback into the Framer
// ---------------------------------------------------------------------------

// OnFrame handles one reassembled FIX message from a receiver (spec.md §4.6).
// Only the Logon message type is interpreted here — the Framer demultiplexes
// and authenticates, it does not decode application-level FIX content
// (spec.md §1 Non-goals).
func (f *Framer) OnFrame(connectionID uint64, msg []byte) {
	c, ok := f.connections.get(connectionID)
	if !ok {
		return
	}
	if s, ok := f.sessions.ByConnection(connectionID); ok {
		s.LastHeartbeatRecvMs = f.clock.NowMillis()
	}

	msgType, _ := fixwire.Field(msg, fixwire.TagMsgType)
	if msgType != fixwire.MsgTypeLogon {
		return
	}
	if c.State != ConnAccepted && c.State != ConnLogonReceived {
		return
	}

	senderCompID, _ := fixwire.Field(msg, fixwire.TagSenderCompID)
	targetCompID, _ := fixwire.Field(msg, fixwire.TagTargetCompID)
	senderSubID, _ := fixwire.Field(msg, fixwire.TagSenderSubID)
	username, _ := fixwire.Field(msg, fixwire.TagUsername)
	password, _ := fixwire.Field(msg, fixwire.TagPassword)

	c.State = ConnLogonReceived
	c.Key = identitystore.CompositeKey{SenderCompID: senderCompID, TargetCompID: targetCompID, Qualifier: senderSubID}
	c.Username = username
	c.Password = password

	if f.authStrategy != nil {
		var conn net.Conn
		if c.Receiver != nil {
			conn = c.Receiver.Conn()
		}
		if err := f.authStrategy.Authenticate(conn, username, password); err != nil {
			f.bus.SaveError(string(errs.KindAuthenticationFailed), library.ENGINE_LIBRARY_ID, 0, "logon authentication failed")
			c.Receiver.Close(errs.ReasonExceptionalMessage)
			return
		}
	}

	sessionID, err := f.identityStore.OnLogon(c.Key)
	if err != nil {
		f.errHandler.OnError("framer.OnFrame", err)
		c.Receiver.Close(errs.ReasonExceptionalMessage)
		return
	}
	if sessionID == identitystore.DUPLICATE_SESSION {
		f.bus.SaveError(string(errs.KindDuplicateSession), library.ENGINE_LIBRARY_ID, 0, "duplicate session on logon")
		c.Receiver.Close(errs.ReasonExceptionalMessage)
		return
	}

	c.SessionID = sessionID
	c.State = ConnAuthenticated
	c.LogonComplete = true

	if f.publishLogon(connectionID, sessionID, senderCompID, senderSubID, targetCompID, username, password) {
		f.completeLogon(c)
	} else {
		f.pendingLogons[connectionID] = pendingLogon{
			connectionID: connectionID, sessionID: sessionID,
			senderCompID: senderCompID, senderSubID: senderSubID, targetCompID: targetCompID,
			username: username, password: password,
		}
	}
}

// publishLogon attempts the SaveLogon publication, reporting success.
func (f *Framer) publishLogon(connectionID uint64, sessionID int64, senderCompID, senderSubID, targetCompID, username, password string) bool {
	c, ok := f.connections.get(connectionID)
	if !ok {
		return true
	}
	pos := f.bus.SaveLogon(library.ENGINE_LIBRARY_ID, connectionID, sessionID, c.LastSentSeq, c.LastRecvSeq,
		senderCompID, senderSubID, "", targetCompID, username, password, bus.LogonStatusNew)
	return pos >= 0
}

// completeLogon finishes the hand-off into engine-managed, active state once
// SaveLogon has committed.
func (f *Framer) completeLogon(c *Connection) {
	now := f.clock.NowMillis()
	c.State = ConnEngineManaged
	f.sessions.Acquire(&gatewaysession.Session{
		ConnectionID:        c.ID,
		Key:                 gatewaysession.CompositeKey(c.Key),
		SessionID:           c.SessionID,
		State:               gatewaysession.StateActive,
		HeartbeatIntervalS:  c.HeartbeatIntervalS,
		LastHeartbeatRecvMs: now,
		LastHeartbeatSentMs: now,
	})
}

// retryPendingLogons re-attempts any SaveLogon publications that were
// back-pressured when OnFrame first observed them.
func (f *Framer) retryPendingLogons() {
	for connID, p := range f.pendingLogons {
		if !f.publishLogon(p.connectionID, p.sessionID, p.senderCompID, p.senderSubID, p.targetCompID, p.username, p.password) {
			continue
		}
		delete(f.pendingLogons, connID)
		if c, ok := f.connections.get(connID); ok {
			f.completeLogon(c)
		}
	}
}

// OnReceiverClosed tears down every piece of state the Framer owns for a
// connection once its receiver closes (spec.md §9).
func (f *Framer) OnReceiverClosed(connectionID uint64, reason errs.DisconnectReason) {
	c, ok := f.connections.get(connectionID)
	if !ok {
		return
	}
	if c.Sender != nil {
		c.Sender.Close()
	}
	if lib, ok := f.libraries.Get(c.OwningLibraryID); ok {
		lib.Disown(connectionID)
	}
	f.sessions.RemoveByConnection(connectionID)
	f.connections.remove(connectionID)
	f.logger.Info("connection closed", "connection_id", connectionID, "reason", reason)
}

// ---------------------------------------------------------------------------
// (e) heartbeat checks
// ---------------------------------------------------------------------------

// checkLibraryTimeouts implements spec.md §4.4: a library that misses its
// reply timeout is published as LibraryTimeout and every connection it owned
// reverts to engine ownership. The reclaim re-arms each session's heartbeat
// clock to now, the Open Question resolution recorded in DESIGN.md.
func (f *Framer) checkLibraryTimeouts() {
	now := f.clock.NowMillis()
	for _, lib := range f.libraries.TimedOut(now, f.replyTimeoutMs) {
		if pos := f.bus.SaveLibraryTimeout(lib.ID, 0); pos < 0 {
			continue // retried again next tick; registry state is untouched until this commits
		}

		for _, connID := range lib.OwnedConnections() {
			c, ok := f.connections.get(connID)
			if !ok {
				continue
			}
			c.PriorLibraryID = lib.ID
			c.OwningLibraryID = library.ENGINE_LIBRARY_ID

			state := gatewaysession.StateConnected
			if c.Direction == DirectionInitiator && c.LogonComplete {
				state = gatewaysession.StateActive
				c.State = ConnEngineManaged
			} else {
				c.State = ConnAccepted
			}

			f.sessions.Acquire(&gatewaysession.Session{
				ConnectionID:        connID,
				Key:                 gatewaysession.CompositeKey(c.Key),
				SessionID:           c.SessionID,
				State:               state,
				HeartbeatIntervalS:  c.HeartbeatIntervalS,
				LastHeartbeatRecvMs: now,
				LastHeartbeatSentMs: now,
			})
		}

		f.libraries.Remove(lib.ID)
	}
}

// checkSessionHeartbeats closes engine-held sessions that stop producing
// heartbeats (OnFrame counts every inbound frame as one), mirroring the library reply-timeout idea (spec.md §4.4) onto
// sessions the engine itself is holding rather than any library.
func (f *Framer) checkSessionHeartbeats() {
	now := f.clock.NowMillis()
	deadline := func(s *gatewaysession.Session) int64 {
		if s.HeartbeatIntervalS <= 0 {
			return f.replyTimeoutMs
		}
		return int64(s.HeartbeatIntervalS) * 1000 * heartbeatGraceFactor
	}
	for _, s := range f.sessions.TimedOut(now, deadline) {
		c, ok := f.connections.get(s.ConnectionID)
		if !ok {
			continue
		}
		if c.Receiver != nil {
			c.Receiver.Close(errs.ReasonLibraryTimeout)
		}
	}
}

// ---------------------------------------------------------------------------
// (f) back-pressure retry
// ---------------------------------------------------------------------------

// retryBackPressured re-attempts every command that ABORTed earlier this
// tick. A repeat ABORT is re-queued for the next tick; BREAK stops the drain
// early (spec.md §4.1 step (f)).
func (f *Framer) retryBackPressured() {
	pending := f.retryQueue
	f.retryQueue = nil
	for i, record := range pending {
		switch f.handleRecord(record) {
		case commandbus.Abort:
			f.recordBackPressure()
			f.retryQueue = append(f.retryQueue, pending[i:]...)
			return
		case commandbus.Break:
			f.retryQueue = append(f.retryQueue, pending[i:]...)
			return
		}
	}
}

// Close releases the accept socket and every live connection's endpoints.
func (f *Framer) Close() error {
	if f.closed {
		return nil
	}
	f.closed = true
	for _, c := range f.connections.all() {
		if c.Sender != nil {
			c.Sender.Close()
		}
		if c.Receiver != nil {
			c.Receiver.Close(errs.ReasonApplicationDisconnect)
		}
	}
	return f.acceptor.Close()
}

package framer

import (
	"log/slog"

	"github.com/ocx/framer/internal/bus"
	"github.com/ocx/framer/internal/commandbus"
	"github.com/ocx/framer/internal/errs"
	"github.com/ocx/framer/internal/gatewaysession"
	"github.com/ocx/framer/internal/identitystore"
	"github.com/ocx/framer/internal/library"
)

// ---------------------------------------------------------------------------
// LibraryConnect (spec.md §4.2)
// ---------------------------------------------------------------------------

type libConnStage int

const (
	stageHeartbeat libConnStage = iota
	stageControlNotification
	stageLibConnDone
)

type libConnProgress struct {
	stage    libConnStage
	sessions []bus.SessionInfo
}

func (f *Framer) handleLibraryConnect(cmd LibraryConnect) commandbus.Action {
	progress, retrying := f.libConnProgress[cmd.LibraryID]
	if !retrying {
		_, alreadyConnected := f.libraries.Get(cmd.LibraryID)
		f.libraries.EnsureConnected(cmd.LibraryID, cmd.AeronSessionID, f.clock.NowMillis())

		var sessions []bus.SessionInfo
		if alreadyConnected {
			sessions = f.currentlyHandedOffSessions(cmd.LibraryID)
		} else {
			sessions = f.previouslyOwnedSessions(cmd.LibraryID)
		}
		progress = &libConnProgress{stage: stageHeartbeat, sessions: sessions}
		f.libConnProgress[cmd.LibraryID] = progress
	}

	if progress.stage == stageHeartbeat {
		if pos := f.bus.SaveApplicationHeartbeat(cmd.LibraryID); pos < 0 {
			return commandbus.Abort
		}
		progress.stage = stageControlNotification
	}

	if progress.stage == stageControlNotification {
		if len(progress.sessions) > 0 {
			if pos := f.bus.SaveControlNotification(cmd.LibraryID, progress.sessions); pos < 0 {
				return commandbus.Abort
			}
		}
		progress.stage = stageLibConnDone
	}

	delete(f.libConnProgress, cmd.LibraryID)
	return commandbus.Continue
}

func (f *Framer) previouslyOwnedSessions(libraryID int32) []bus.SessionInfo {
	var out []bus.SessionInfo
	for _, c := range f.connections.all() {
		if c.PriorLibraryID == libraryID && c.SessionID != identitystore.MISSING {
			out = append(out, bus.SessionInfo{SessionID: c.SessionID, ConnectionID: c.ID})
		}
	}
	return out
}

func (f *Framer) currentlyHandedOffSessions(libraryID int32) []bus.SessionInfo {
	lib, ok := f.libraries.Get(libraryID)
	if !ok {
		return nil
	}
	var out []bus.SessionInfo
	for _, connID := range lib.OwnedConnections() {
		if c, ok := f.connections.get(connID); ok {
			out = append(out, bus.SessionInfo{SessionID: c.SessionID, ConnectionID: c.ID})
		}
	}
	return out
}

// ---------------------------------------------------------------------------
// InitiateConnection (spec.md §4.2, §4.5)
// ---------------------------------------------------------------------------

type initiateStage int

const (
	stageSaveManageConnection initiateStage = iota
	stageSaveLogon
	stageInitiateDone
)

type initiateProgress struct {
	stage        initiateStage
	connectionID uint64
	sessionID    int64
}

func (f *Framer) handleInitiateConnection(cmd InitiateConnection) commandbus.Action {
	if progress, retrying := f.initiateProgress[cmd.CorrelationID]; retrying {
		return f.continueInitiatePublish(cmd, progress)
	}

	if _, known := f.libraries.Get(cmd.LibraryID); !known {
		f.bus.SaveError(string(errs.KindUnknownLibrary), cmd.LibraryID, cmd.CorrelationID, "unknown library")
		return commandbus.Continue
	}

	conn, err := f.dialer.Dial(cmd.Host, cmd.Port)
	if err != nil {
		f.bus.SaveError(string(errs.KindUnableToConnect), cmd.LibraryID, cmd.CorrelationID, err.Error())
		return commandbus.Continue
	}

	sessionID, err := f.identityStore.OnLogon(cmd.CompositeKey())
	if err != nil {
		_ = conn.Close()
		f.errHandler.OnError("framer.InitiateConnection", err)
		return commandbus.Continue
	}
	if sessionID == identitystore.DUPLICATE_SESSION {
		_ = conn.Close()
		f.bus.SaveError(string(errs.KindDuplicateSession), cmd.LibraryID, cmd.CorrelationID, "duplicate session")
		return commandbus.Continue
	}

	connectionID := f.allocateConnectionID()
	now := f.clock.NowMillis()
	connEntry := &Connection{
		ID:                 connectionID,
		Direction:          DirectionInitiator,
		OwningLibraryID:    cmd.LibraryID,
		State:              ConnTCPConnected,
		ConnectedAtMs:      now,
		Key:                cmd.CompositeKey(),
		SessionID:          sessionID,
		HeartbeatIntervalS: cmd.HeartbeatIntervalS,
		LastRecvSeq:        cmd.InitialSeqNum,
		Username:           cmd.Username,
		Password:           cmd.Password,
	}
	connEntry.Receiver = f.endpointFactory.NewReceiver(conn, connectionID, cmd.LibraryID, f)
	connEntry.Sender = f.endpointFactory.NewSender(conn, connectionID, cmd.LibraryID)
	f.connections.put(connEntry)

	if lib, ok := f.libraries.Get(cmd.LibraryID); ok {
		lib.Own(connectionID)
	}

	progress := &initiateProgress{stage: stageSaveManageConnection, connectionID: connectionID, sessionID: sessionID}
	f.initiateProgress[cmd.CorrelationID] = progress
	return f.continueInitiatePublish(cmd, progress)
}

func (f *Framer) continueInitiatePublish(cmd InitiateConnection, progress *initiateProgress) commandbus.Action {
	if progress.stage == stageSaveManageConnection {
		pos := f.bus.SaveManageConnection(progress.connectionID, progress.sessionID, cmd.Host, cmd.LibraryID,
			bus.DirectionInitiator, 0, cmd.InitialSeqNum, string(ConnTCPConnected), cmd.HeartbeatIntervalS)
		if pos < 0 {
			return commandbus.Abort
		}
		progress.stage = stageSaveLogon
		if c, ok := f.connections.get(progress.connectionID); ok {
			c.State = ConnManageConnectionPublished
		}
	}

	if progress.stage == stageSaveLogon {
		pos := f.bus.SaveLogon(cmd.LibraryID, progress.connectionID, progress.sessionID, 0, cmd.InitialSeqNum,
			cmd.SenderCompID, cmd.SenderSubID, cmd.SenderLocationID, cmd.TargetCompID, cmd.Username, cmd.Password, bus.LogonStatusNew)
		if pos < 0 {
			return commandbus.Abort
		}
		progress.stage = stageInitiateDone
		if c, ok := f.connections.get(progress.connectionID); ok {
			c.State = ConnLogonPublished
			c.LogonComplete = true
		}
	}

	delete(f.initiateProgress, cmd.CorrelationID)
	return commandbus.Continue
}

// ---------------------------------------------------------------------------
// ReleaseSession (spec.md §4.2)
// ---------------------------------------------------------------------------

func (f *Framer) handleReleaseSession(cmd ReleaseSession) commandbus.Action {
	c, ok := f.connections.get(cmd.ConnectionID)
	if !ok {
		// Nothing known about this connection; still acknowledge so a
		// retried, now-stale command doesn't wedge the library forever.
		if pos := f.bus.SaveReleaseSessionReply(bus.StatusError, cmd.CorrelationID); pos < 0 {
			return commandbus.Abort
		}
		return commandbus.Continue
	}

	if lib, ok := f.libraries.Get(cmd.LibraryID); ok {
		lib.Disown(cmd.ConnectionID)
	}
	c.OwningLibraryID = library.ENGINE_LIBRARY_ID
	c.HeartbeatIntervalS = cmd.HeartbeatIntervalS
	c.LastSentSeq = cmd.LastSentSeq
	c.LastRecvSeq = cmd.LastRecvSeq
	c.Username = cmd.Username
	c.Password = cmd.Password
	c.State = ConnEngineManaged

	now := f.clock.NowMillis()
	f.sessions.Acquire(&gatewaysession.Session{
		ConnectionID:         cmd.ConnectionID,
		Key:                  gatewaysession.CompositeKey(c.Key),
		SessionID:            c.SessionID,
		State:                gatewaysession.StateActive,
		HeartbeatIntervalS:   cmd.HeartbeatIntervalS,
		LastHeartbeatRecvMs:  now,
		LastHeartbeatSentMs:  now,
	})

	if pos := f.bus.SaveReleaseSessionReply(bus.StatusOK, cmd.CorrelationID); pos < 0 {
		return commandbus.Abort
	}
	return commandbus.Continue
}

// ---------------------------------------------------------------------------
// RequestSession (spec.md §4.2)
// ---------------------------------------------------------------------------

func (f *Framer) handleRequestSession(cmd RequestSession) commandbus.Action {
	session, ok := f.sessions.BySessionID(cmd.SessionID)
	if !ok || !session.IsActive() {
		if pos := f.bus.SaveRequestSessionReply(bus.StatusError, cmd.CorrelationID); pos < 0 {
			return commandbus.Abort
		}
		return commandbus.Continue
	}

	f.sessions.Remove(cmd.SessionID)
	if c, ok := f.connections.get(session.ConnectionID); ok {
		c.OwningLibraryID = cmd.LibraryID
		c.State = ConnLibraryManaged
	}
	if lib, ok := f.libraries.Get(cmd.LibraryID); ok {
		lib.Own(session.ConnectionID)
	}

	if cmd.LastReceivedSeq != NO_MESSAGE_REPLAY {
		f.replayQuery.ScheduleReplay(cmd.LibraryID, session.ConnectionID, cmd.LastReceivedSeq)
	}

	if pos := f.bus.SaveRequestSessionReply(bus.StatusOK, cmd.CorrelationID); pos < 0 {
		return commandbus.Abort
	}
	return commandbus.Continue
}

// ---------------------------------------------------------------------------
// Disconnect (spec.md §4.2)
// ---------------------------------------------------------------------------

// handleDisconnect closes a connection's endpoints (spec.md §4.1: "sender
// first, receiver second" is the driver's shutdown order; here the receiver
// closes first because its close callback, OnReceiverClosed, is what
// actually unregisters the connection from the library and Gateway
// Sessions — closing it first keeps that single code path canonical instead
// of duplicating the unregister logic here too).
func (f *Framer) handleDisconnect(cmd Disconnect) commandbus.Action {
	c, ok := f.connections.get(cmd.ConnectionID)
	if !ok {
		return commandbus.Continue
	}

	reason := errs.DisconnectReason(cmd.Reason)
	if c.Receiver != nil {
		c.Receiver.Close(reason)
	} else {
		f.OnReceiverClosed(cmd.ConnectionID, reason)
	}
	return commandbus.Continue
}

// ReplayQuery schedules re-delivery of previously-sent messages on hand-off
// (spec.md §4.2 RequestSession: "not covered here" — kept as a named,
// narrow collaborator so the Framer's own logic never assumes a particular
// replay implementation).
type ReplayQuery interface {
	ScheduleReplay(libraryID int32, connectionID uint64, lastReceivedSeq int64)
}

// NoopReplayQuery logs the request and does nothing else — a placeholder
// until the replay log query (explicitly out of scope, spec.md §1) is
// wired in by the launcher.
type NoopReplayQuery struct{ Logger *slog.Logger }

// ScheduleReplay logs the replay request.
func (n NoopReplayQuery) ScheduleReplay(libraryID int32, connectionID uint64, lastReceivedSeq int64) {
	logger := n.Logger
	if logger == nil {
		logger = slog.Default()
	}
	logger.Info("replay scheduled", "library_id", libraryID, "connection_id", connectionID, "last_received_seq", lastReceivedSeq)
}

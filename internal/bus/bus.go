// Package bus implements the Publication Bus collaborator (spec.md §6):
// an append-only channel to downstream consumers that returns either a
// positive commit position or BackPressured on every publish attempt.
//
// The shape mirrors the teacher's fabric.RedisEventBus / events.EventBus:
// a local, in-process fan-out plus a Redis-backed variant for multi-pod
// delivery, both satisfying the same interface.
package bus

import (
	"errors"
	"sync"
)

// BackPressured is the sentinel position returned when a publish could not
// be accepted because the downstream buffer is full (spec.md §6: "all
// return position: i64 where < 0 means BACK_PRESSURED").
const BackPressured int64 = -1

// ErrClosed is returned by Publish calls made after Close.
var ErrClosed = errors.New("bus: closed")

// LogonStatus distinguishes a brand-new logon from a re-notification to a
// reconnecting library (spec.md §6 save_logon status).
type LogonStatus string

const (
	LogonStatusNew                 LogonStatus = "NEW"
	LogonStatusLibraryNotification LogonStatus = "LIBRARY_NOTIFICATION"
)

// Direction mirrors the Connection.direction attribute (spec.md §3).
type Direction string

const (
	DirectionAcceptor  Direction = "ACCEPTOR"
	DirectionInitiator Direction = "INITIATOR"
)

// ReplyStatus is the status carried by ReleaseSessionReply/RequestSessionReply.
type ReplyStatus string

const (
	StatusOK    ReplyStatus = "OK"
	StatusError ReplyStatus = "ERROR"
)

// SessionInfo is the per-session summary carried in a ControlNotification
// (spec.md §4.2 LibraryConnect).
type SessionInfo struct {
	SessionID    int64
	ConnectionID uint64
	Address      string
}

// Bus is the Publication Bus contract (spec.md §6). Every method returns a
// commit position > 0 on success, or BackPressured. Implementations must
// never block the Framer's single thread.
type Bus interface {
	SaveManageConnection(connectionID uint64, sessionID int64, address string, libraryID int32, direction Direction, lastSentSeq, lastRecvSeq int64, state string, heartbeatIntervalS int) int64
	SaveLogon(libraryID int32, connectionID uint64, sessionID int64, sentSeq, recvSeq int64, senderCompID, senderSubID, senderLocationID, targetCompID, username, password string, status LogonStatus) int64
	SaveError(kind string, libraryID int32, replyTo int64, message string) int64
	SaveReleaseSessionReply(status ReplyStatus, correlationID int64) int64
	SaveRequestSessionReply(status ReplyStatus, correlationID int64) int64
	SaveApplicationHeartbeat(libraryID int32) int64
	SaveControlNotification(libraryID int32, sessions []SessionInfo) int64
	SaveLibraryTimeout(libraryID int32, reserved int64) int64
}

// Published is one captured call, used by LocalBus's recording and by tests
// asserting "the set of distinct publications made equals..." (spec.md §8).
type Published struct {
	Kind string
	Args []any
}

// LocalBus is the in-process Bus used in solo mode and by Framer tests. It
// has a bounded capacity; once full, every Save* call returns BackPressured
// until Drain is called, mirroring a real append-only ring buffer.
type LocalBus struct {
	mu       sync.Mutex
	capacity int
	records  []Published
	position int64

	// forceBackPressure, when non-empty, pops a value per call: true means
	// this call returns BackPressured regardless of capacity. Used by tests
	// to script "back-pressured on the first two attempts, then succeeds"
	// (spec.md §8 scenario 5).
	forceBackPressure []bool
}

// NewLocalBus creates a LocalBus with the given bounded capacity (records
// retained before Drain; 0 means unbounded).
func NewLocalBus(capacity int) *LocalBus {
	return &LocalBus{capacity: capacity}
}

// ScriptBackPressure queues a sequence of forced outcomes consumed in order,
// one per Save* call, before falling back to capacity-based behavior.
func (b *LocalBus) ScriptBackPressure(outcomes ...bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.forceBackPressure = append(b.forceBackPressure, outcomes...)
}

// Records returns a copy of everything committed so far.
func (b *LocalBus) Records() []Published {
	b.mu.Lock()
	defer b.mu.Unlock()
	out := make([]Published, len(b.records))
	copy(out, b.records)
	return out
}

// Drain clears back-pressure by resetting the retained record count, as if
// a downstream consumer caught up.
func (b *LocalBus) Drain() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.records = nil
}

func (b *LocalBus) publish(kind string, args ...any) int64 {
	b.mu.Lock()
	defer b.mu.Unlock()

	if len(b.forceBackPressure) > 0 {
		outcome := b.forceBackPressure[0]
		b.forceBackPressure = b.forceBackPressure[1:]
		if outcome {
			return BackPressured
		}
	} else if b.capacity > 0 && len(b.records) >= b.capacity {
		return BackPressured
	}

	b.records = append(b.records, Published{Kind: kind, Args: args})
	b.position++
	return b.position
}

func (b *LocalBus) SaveManageConnection(connectionID uint64, sessionID int64, address string, libraryID int32, direction Direction, lastSentSeq, lastRecvSeq int64, state string, heartbeatIntervalS int) int64 {
	return b.publish("ManageConnection", connectionID, sessionID, address, libraryID, direction, lastSentSeq, lastRecvSeq, state, heartbeatIntervalS)
}

func (b *LocalBus) SaveLogon(libraryID int32, connectionID uint64, sessionID int64, sentSeq, recvSeq int64, senderCompID, senderSubID, senderLocationID, targetCompID, username, password string, status LogonStatus) int64 {
	return b.publish("Logon", libraryID, connectionID, sessionID, sentSeq, recvSeq, senderCompID, senderSubID, senderLocationID, targetCompID, username, password, status)
}

func (b *LocalBus) SaveError(kind string, libraryID int32, replyTo int64, message string) int64 {
	return b.publish("GatewayError", kind, libraryID, replyTo, message)
}

func (b *LocalBus) SaveReleaseSessionReply(status ReplyStatus, correlationID int64) int64 {
	return b.publish("ReleaseSessionReply", status, correlationID)
}

func (b *LocalBus) SaveRequestSessionReply(status ReplyStatus, correlationID int64) int64 {
	return b.publish("RequestSessionReply", status, correlationID)
}

func (b *LocalBus) SaveApplicationHeartbeat(libraryID int32) int64 {
	return b.publish("ApplicationHeartbeat", libraryID)
}

func (b *LocalBus) SaveControlNotification(libraryID int32, sessions []SessionInfo) int64 {
	return b.publish("ControlNotification", libraryID, sessions)
}

func (b *LocalBus) SaveLibraryTimeout(libraryID int32, reserved int64) int64 {
	return b.publish("LibraryTimeout", libraryID, reserved)
}

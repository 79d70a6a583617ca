package framer

import "github.com/ocx/framer/internal/identitystore"

// LibraryConnect registers a library (spec.md §4.2).
type LibraryConnect struct {
	LibraryID      int32
	CorrelationID  int64
	AeronSessionID int64
}

// InitiateConnection asks the Framer to open an outbound FIX session
// (spec.md §4.2).
type InitiateConnection struct {
	LibraryID          int32
	Port               int
	Host               string
	SenderCompID       string
	SenderSubID        string
	SenderLocationID   string
	TargetCompID       string
	SequenceNumberType string
	InitialSeqNum      int64
	Username           string
	Password           string
	HeartbeatIntervalS int
	CorrelationID      int64
}

// CompositeKey builds the identity-store lookup key for this request.
func (c InitiateConnection) CompositeKey() identitystore.CompositeKey {
	return identitystore.CompositeKey{
		SenderCompID: c.SenderCompID,
		TargetCompID: c.TargetCompID,
		Qualifier:    c.SenderSubID,
	}
}

// ReleaseSession transfers ownership of a connection from a library back to
// the engine (spec.md §4.2).
type ReleaseSession struct {
	LibraryID          int32
	ConnectionID       uint64
	CorrelationID      int64
	SessionState       string
	HeartbeatIntervalS int
	LastSentSeq        int64
	LastRecvSeq        int64
	Username           string
	Password           string
}

// RequestSession hands a session out to a library (spec.md §4.2).
type RequestSession struct {
	LibraryID        int32
	SessionID        int64
	CorrelationID    int64
	LastReceivedSeq  int64
}

// Disconnect closes a connection's endpoints (spec.md §4.2).
type Disconnect struct {
	LibraryID    int32
	ConnectionID uint64
	Reason       string
}

// NO_MESSAGE_REPLAY is the sentinel meaning "do not replay any messages"
// (spec.md §6 "Fixed constants").
const NO_MESSAGE_REPLAY int64 = -1

// AUTOMATIC_INITIAL_SEQUENCE_NUMBER lets the counterparty's next expected
// sequence number drive the initial value (spec.md §6 "Fixed constants").
const AUTOMATIC_INITIAL_SEQUENCE_NUMBER int64 = -1

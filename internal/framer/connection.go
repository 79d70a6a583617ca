package framer

import (
	"github.com/ocx/framer/internal/endpoint"
	"github.com/ocx/framer/internal/identitystore"
)

// Direction is the Connection.direction attribute (spec.md §3).
type Direction string

const (
	DirectionAcceptor  Direction = "ACCEPTOR"
	DirectionInitiator Direction = "INITIATOR"
)

// ConnState is the per-connection state machine position (spec.md §4.6).
type ConnState string

const (
	ConnAccepted                 ConnState = "ACCEPTED"
	ConnLogonReceived            ConnState = "LOGON_RECEIVED"
	ConnAuthenticated            ConnState = "AUTHENTICATED"
	ConnEngineManaged            ConnState = "ENGINE_MANAGED"
	ConnLibraryManaged           ConnState = "LIBRARY_MANAGED"
	ConnInitiating                ConnState = "INITIATING"
	ConnTCPConnected              ConnState = "TCP_CONNECTED"
	ConnManageConnectionPublished ConnState = "MANAGE_CONNECTION_PUBLISHED"
	ConnLogonPublished             ConnState = "LOGON_PUBLISHED"
)

// Connection is the spec.md §3 Connection entity: every live TCP channel the
// Framer owns, whether accepted or self-initiated.
type Connection struct {
	ID              uint64
	Direction       Direction
	OwningLibraryID int32 // library.ENGINE_LIBRARY_ID when engine-managed
	State           ConnState
	ConnectedAtMs   int64

	// Session bookkeeping carried across hand-offs and library-timeout
	// reclaims (spec.md §4.4: "the acquire call carries (direction, state,
	// heartbeat-interval, last-sent-seq, last-recv-seq, username,
	// password)").
	Key                identitystore.CompositeKey
	SessionID          int64
	HeartbeatIntervalS int
	LastSentSeq        int64
	LastRecvSeq        int64
	Username           string
	Password           string
	LogonComplete      bool

	// PriorLibraryID remembers which library a reclaimed session belonged
	// to, so a reconnecting library can be told about it via
	// ControlNotification (spec.md §4.2 LibraryConnect "if the library is
	// re-connecting and the engine holds sessions that previously belonged
	// to it").
	PriorLibraryID int32

	Receiver *endpoint.ReceiverEndpoint
	Sender   *endpoint.SenderEndpoint
}

// connectionTable indexes every live Connection by id. Touched only from
// the Framer's single thread (spec.md §5).
type connectionTable struct {
	byID map[uint64]*Connection
}

func newConnectionTable() *connectionTable {
	return &connectionTable{byID: make(map[uint64]*Connection)}
}

func (t *connectionTable) put(c *Connection)            { t.byID[c.ID] = c }
func (t *connectionTable) get(id uint64) (*Connection, bool) { c, ok := t.byID[id]; return c, ok }
func (t *connectionTable) remove(id uint64)             { delete(t.byID, id) }
func (t *connectionTable) all() []*Connection {
	out := make([]*Connection, 0, len(t.byID))
	for _, c := range t.byID {
		out = append(out, c)
	}
	return out
}

package framer

import "encoding/json"

// envelope is the wire shape for one command record on the inbound
// subscription (spec.md §4.2): a tag plus exactly one populated payload.
// The FIX body decoder/encoder itself is out of scope (spec.md §1); this is
// the Framer's own narrow command channel, not a FIX message.
type envelope struct {
	Type               string              `json:"type"`
	LibraryConnect     *LibraryConnect     `json:"library_connect,omitempty"`
	InitiateConnection *InitiateConnection `json:"initiate_connection,omitempty"`
	ReleaseSession     *ReleaseSession     `json:"release_session,omitempty"`
	RequestSession     *RequestSession     `json:"request_session,omitempty"`
	Disconnect         *Disconnect         `json:"disconnect,omitempty"`
}

const (
	typeLibraryConnect     = "LibraryConnect"
	typeInitiateConnection = "InitiateConnection"
	typeReleaseSession     = "ReleaseSession"
	typeRequestSession     = "RequestSession"
	typeDisconnect         = "Disconnect"
)

// EncodeLibraryConnect frames a LibraryConnect command for the inbound
// subscription.
func EncodeLibraryConnect(cmd LibraryConnect) []byte {
	b, _ := json.Marshal(envelope{Type: typeLibraryConnect, LibraryConnect: &cmd})
	return b
}

// EncodeInitiateConnection frames an InitiateConnection command.
func EncodeInitiateConnection(cmd InitiateConnection) []byte {
	b, _ := json.Marshal(envelope{Type: typeInitiateConnection, InitiateConnection: &cmd})
	return b
}

// EncodeReleaseSession frames a ReleaseSession command.
func EncodeReleaseSession(cmd ReleaseSession) []byte {
	b, _ := json.Marshal(envelope{Type: typeReleaseSession, ReleaseSession: &cmd})
	return b
}

// EncodeRequestSession frames a RequestSession command.
func EncodeRequestSession(cmd RequestSession) []byte {
	b, _ := json.Marshal(envelope{Type: typeRequestSession, RequestSession: &cmd})
	return b
}

// EncodeDisconnect frames a Disconnect command.
func EncodeDisconnect(cmd Disconnect) []byte {
	b, _ := json.Marshal(envelope{Type: typeDisconnect, Disconnect: &cmd})
	return b
}

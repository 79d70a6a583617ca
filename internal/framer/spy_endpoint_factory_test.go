package framer

import (
	"net"

	"github.com/ocx/framer/internal/endpoint"
)

// spyEndpointFactory wraps the real endpoint.Factory and records every call,
// so scenario 1 ("the Endpoint Factory has been asked for exactly one
// Receiver and one Sender with library-id = ENGINE_LIBRARY_ID") can assert
// on call history instead of socket behavior.
type spyEndpointFactory struct {
	inner          *endpoint.Factory
	receiverCalls  []receiverCall
	senderCalls    []senderCall
}

type receiverCall struct {
	connectionID uint64
	libraryID    int32
}

type senderCall struct {
	connectionID uint64
	libraryID    int32
}

func newSpyEndpointFactory() *spyEndpointFactory {
	return &spyEndpointFactory{inner: endpoint.NewFactory()}
}

func (s *spyEndpointFactory) NewReceiver(conn net.Conn, connectionID uint64, libraryID int32, handle endpoint.FramerHandle) *endpoint.ReceiverEndpoint {
	s.receiverCalls = append(s.receiverCalls, receiverCall{connectionID: connectionID, libraryID: libraryID})
	return s.inner.NewReceiver(conn, connectionID, libraryID, handle)
}

func (s *spyEndpointFactory) NewSender(conn net.Conn, connectionID uint64, libraryID int32) *endpoint.SenderEndpoint {
	s.senderCalls = append(s.senderCalls, senderCall{connectionID: connectionID, libraryID: libraryID})
	return s.inner.NewSender(conn, connectionID, libraryID)
}

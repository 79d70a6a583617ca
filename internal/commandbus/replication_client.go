package commandbus

import (
	"context"

	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/protobuf/types/known/wrapperspb"
)

// grpcRecordStream adapts a raw grpc.ClientStream to RecordStream. Records
// travel as wrapperspb.BytesValue rather than a purpose-compiled message:
// the replication service only ever carries the JSON command envelopes the
// Framer already produces internally (see the envelope type in
// internal/framer), so there is nothing a dedicated .proto schema would add
// — this mirrors the teacher's own pattern of hand-stubbing a client
// interface instead of compiling one from a .proto (pb/mock.go).
type grpcRecordStream struct {
	stream grpc.ClientStream
}

func (s *grpcRecordStream) Recv() ([]byte, error) {
	var msg wrapperspb.BytesValue
	if err := s.stream.RecvMsg(&msg); err != nil {
		return nil, err
	}
	return msg.GetValue(), nil
}

// replicationStreamDesc describes the server-streaming replication feed the
// cluster leader exposes: one command record per cluster-replicated
// publication (spec.md §4.2 ClusterableSubscription).
var replicationStreamDesc = grpc.StreamDesc{
	StreamName:    "Records",
	ServerStreams: true,
}

// replicationMethod is the fully-qualified RPC this Framer build expects the
// replication service to expose.
const replicationMethod = "/ocx.framer.replication.v1.Replication/Records"

// DialReplicationStream dials the replication service at addr and opens its
// record stream, identifying this node as nodeID so the service can route
// cluster-replicated commands to it.
func DialReplicationStream(ctx context.Context, addr, nodeID string) (*grpc.ClientConn, RecordStream, error) {
	conn, err := grpc.NewClient(addr, grpc.WithTransportCredentials(insecure.NewCredentials()))
	if err != nil {
		return nil, nil, err
	}

	stream, err := conn.NewStream(ctx, &replicationStreamDesc, replicationMethod)
	if err != nil {
		_ = conn.Close()
		return nil, nil, err
	}
	handshake := wrapperspb.String(nodeID)
	if err := stream.SendMsg(handshake); err != nil {
		_ = conn.Close()
		return nil, nil, err
	}
	if err := stream.CloseSend(); err != nil {
		_ = conn.Close()
		return nil, nil, err
	}

	return conn, &grpcRecordStream{stream: stream}, nil
}

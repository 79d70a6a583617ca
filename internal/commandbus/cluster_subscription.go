package commandbus

import (
	"context"
	"log/slog"

	"google.golang.org/grpc"
)

// RecordStream is the minimal surface a generated gRPC client stream must
// satisfy to feed a ClusterableSubscription — one Recv per cluster-replicated
// command record. Once the replication service's proto is compiled, its
// generated stream client satisfies this directly.
type RecordStream interface {
	Recv() ([]byte, error)
}

// Clusterable is the Subscription used for cluster-replicated command
// traffic (spec.md §4.2: "ClusterableSubscription for cluster-replicated
// traffic"). A background goroutine pulls from the gRPC stream into a
// buffered channel; Poll only ever drains that channel, so it never blocks
// the Framer's single thread the way a raw stream.Recv() call would.
type Clusterable struct {
	conn    *grpc.ClientConn
	records chan []byte
	pending [][]byte
	cancel  context.CancelFunc
	logger  *slog.Logger
}

// DialClusterable wraps an already-dialed connection and its replication
// stream, and begins draining stream into an internal buffer of the given
// depth. conn is kept only to be closed alongside the stream.
func DialClusterable(conn *grpc.ClientConn, stream RecordStream, bufferDepth int) (*Clusterable, error) {
	ctx, cancel := context.WithCancel(context.Background())
	c := &Clusterable{conn: conn, records: make(chan []byte, bufferDepth), cancel: cancel, logger: slog.Default()}
	go c.pump(ctx, stream)
	return c, nil
}

func (c *Clusterable) pump(ctx context.Context, stream RecordStream) {
	for {
		select {
		case <-ctx.Done():
			return
		default:
		}
		record, err := stream.Recv()
		if err != nil {
			if ctx.Err() == nil {
				c.logger.Warn("commandbus: cluster stream recv failed", "error", err)
			}
			return
		}
		select {
		case c.records <- record:
		case <-ctx.Done():
			return
		}
	}
}

// Poll drains buffered records to handle, front to back, honoring
// Abort/Break the same way Local does.
func (c *Clusterable) Poll(handle Handler) int {
	consumed := 0
	for len(c.pending) > 0 {
		record := c.pending[0]
		switch handle(record) {
		case Continue:
			c.pending = c.pending[1:]
			consumed++
		case Abort, Break:
			return consumed
		}
	}
	for {
		select {
		case record := <-c.records:
			switch handle(record) {
			case Continue:
				consumed++
				continue
			case Abort, Break:
				// Re-sending into records would put the record behind
				// whatever the background pump has already queued, breaking
				// FIFO order; stash it in pending instead, which is always
				// drained first on the next Poll.
				c.replay(record)
				return consumed
			}
		default:
			return consumed
		}
	}
}

// replay re-queues a record so the next Poll sees it before anything still
// buffered in records.
func (c *Clusterable) replay(record []byte) {
	c.pending = append([][]byte{record}, c.pending...)
}

// Close stops the background pump and closes the underlying connection.
func (c *Clusterable) Close() error {
	c.cancel()
	return c.conn.Close()
}

package leader

import (
	"context"
	"encoding/json"
	"log/slog"
	"sync/atomic"
	"time"

	"cloud.google.com/go/pubsub"
)

// PubSubLease is a lease message published by the consensus layer naming the
// current leader node.
type PubSubLease struct {
	NodeID     string `json:"node_id"`
	ExpiresUnix int64 `json:"expires_unix"`
}

// PubSub is a Leader backed by a Cloud Pub/Sub subscription carrying
// leadership lease renewals from the cluster consensus layer (spec.md §1:
// "queries a leadership flag" — the consensus layer itself stays out of
// scope; this is only the query side). A background receiver updates an
// atomic flag; IsLeader never blocks and never does its own consensus.
type PubSub struct {
	nodeID  string
	leading atomic.Bool
	logger  *slog.Logger
	cancel  context.CancelFunc
}

// NewPubSub starts consuming lease renewals for subscription sub, treating
// this node as leader whenever the most recent lease names nodeID and has
// not yet expired.
func NewPubSub(sub *pubsub.Subscription, nodeID string) *PubSub {
	ctx, cancel := context.WithCancel(context.Background())
	p := &PubSub{nodeID: nodeID, logger: slog.Default(), cancel: cancel}

	go func() {
		err := sub.Receive(ctx, func(ctx context.Context, msg *pubsub.Message) {
			lease, ok := parseLease(msg.Data)
			if !ok {
				msg.Nack()
				return
			}
			now := time.Now().Unix()
			p.leading.Store(lease.NodeID == nodeID && lease.ExpiresUnix > now)
			msg.Ack()
		})
		if err != nil && ctx.Err() == nil {
			p.logger.Error("leader: pubsub receive stopped", "error", err)
		}
	}()

	return p
}

// IsLeader returns the last observed lease state. It is a racy hint by
// design (spec.md §9) — callers must re-check on every acceptance attempt.
func (p *PubSub) IsLeader() bool { return p.leading.Load() }

// Close stops the background lease receiver.
func (p *PubSub) Close() { p.cancel() }

func parseLease(data []byte) (PubSubLease, bool) {
	var lease PubSubLease
	if err := json.Unmarshal(data, &lease); err != nil {
		return PubSubLease{}, false
	}
	return lease, true
}

package identitystore

import (
	"context"
	"fmt"
	"time"

	"cloud.google.com/go/spanner"
	"google.golang.org/api/iterator"
)

// SpannerStore persists the composite-key → session-id mapping in a
// replicated Spanner table, so dedup survives a Framer restart and is
// consistent across nodes in the cluster. It uses a single-row read-modify-
// write transaction per logon, which is acceptable because logons are rare
// relative to the Framer's steady-state message traffic.
type SpannerStore struct {
	client    *spanner.Client
	table     string
	keyCol    string
	idCol     string
	allocator *SequenceAllocator
}

// SequenceAllocator hands out monotonically increasing session ids backed
// by a single counter row, avoiding a cross-row MAX(id) scan on every logon.
type SequenceAllocator struct {
	client *spanner.Client
	table  string
}

// NewSequenceAllocator wraps a Spanner client for monotonic id allocation.
func NewSequenceAllocator(client *spanner.Client, counterTable string) *SequenceAllocator {
	return &SequenceAllocator{client: client, table: counterTable}
}

// Next atomically increments and returns the shared counter.
func (a *SequenceAllocator) Next(ctx context.Context) (int64, error) {
	var next int64
	_, err := a.client.ReadWriteTransaction(ctx, func(ctx context.Context, txn *spanner.ReadWriteTransaction) error {
		row, err := txn.ReadRow(ctx, a.table, spanner.Key{"session_id_seq"}, []string{"value"})
		var current int64
		if err == nil {
			if err := row.Column(0, &current); err != nil {
				return err
			}
		}
		next = current + 1
		return txn.BufferWrite([]*spanner.Mutation{
			spanner.InsertOrUpdate(a.table, []string{"name", "value"}, []any{"session_id_seq", next}),
		})
	})
	if err != nil {
		return 0, fmt.Errorf("spanner sequence allocation: %w", err)
	}
	return next, nil
}

// NewSpannerStore creates a Store backed by a Spanner table with columns
// (composite_key, session_id), where composite_key is
// "sender|target|qualifier".
func NewSpannerStore(client *spanner.Client, table, counterTable string) *SpannerStore {
	return &SpannerStore{
		client:    client,
		table:     table,
		keyCol:    "composite_key",
		idCol:     "session_id",
		allocator: NewSequenceAllocator(client, counterTable),
	}
}

func compositeKeyString(key CompositeKey) string {
	return fmt.Sprintf("%s|%s|%s", key.SenderCompID, key.TargetCompID, key.Qualifier)
}

// OnLogon looks up or allocates a session id for key, persisting new
// allocations to Spanner.
func (s *SpannerStore) OnLogon(key CompositeKey) (int64, error) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	keyStr := compositeKeyString(key)

	iter := s.client.Single().Query(ctx, spanner.Statement{
		SQL:    fmt.Sprintf("SELECT %s FROM %s WHERE %s = @key", s.idCol, s.table, s.keyCol),
		Params: map[string]any{"key": keyStr},
	})
	defer iter.Stop()

	row, err := iter.Next()
	if err == iterator.Done {
		id, err := s.allocator.Next(ctx)
		if err != nil {
			return 0, err
		}
		_, err = s.client.Apply(ctx, []*spanner.Mutation{
			spanner.InsertOrUpdate(s.table, []string{s.keyCol, s.idCol}, []any{keyStr, id}),
		})
		if err != nil {
			return 0, fmt.Errorf("spanner identity store insert: %w", err)
		}
		return id, nil
	}
	if err != nil {
		return 0, fmt.Errorf("spanner identity store query: %w", err)
	}

	var existing int64
	if err := row.Column(0, &existing); err != nil {
		return 0, err
	}
	return existing, nil
}

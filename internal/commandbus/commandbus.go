// Package commandbus implements the inbound command subscription named in
// spec.md §4.2: a plain Subscription for solo mode, and a
// ClusterableSubscription for cluster-replicated command traffic. Records
// are framed opaque byte payloads; the Framer decodes and dispatches them by
// tag.
package commandbus

// Action is the result a handler returns for one polled record (spec.md
// §4.2): CONTINUE (consumed, advance), ABORT (not consumed, re-delivered
// next tick), or BREAK (stop this tick's polling).
type Action int

const (
	Continue Action = iota
	Abort
	Break
)

// Handler processes one command record.
type Handler func(record []byte) Action

// Subscription yields framed command records to a Handler. Poll performs
// one bounded batch of delivery attempts and returns immediately — it must
// never block the Framer's single thread (spec.md §4.1 step (a)).
type Subscription interface {
	// Poll delivers pending records to handle in arrival order, stopping
	// early on Abort or Break, and returns the number of records consumed.
	Poll(handle Handler) int
}

// Local is an in-process Subscription backed by a FIFO queue, used in solo
// mode and by Framer tests. Records that a handler ABORTs stay at the front
// of the queue so the next Poll re-delivers them first (spec.md §4.2: "the
// command is re-attempted idempotently on the next tick").
type Local struct {
	queue [][]byte
}

// NewLocal creates an empty Local subscription.
func NewLocal() *Local { return &Local{} }

// Enqueue appends a record to the tail of the queue, as a library's command
// arriving over the wire would.
func (l *Local) Enqueue(record []byte) {
	l.queue = append(l.queue, record)
}

// Poll delivers records front-to-back until the queue is empty or a handler
// returns Abort/Break.
func (l *Local) Poll(handle Handler) int {
	consumed := 0
	for len(l.queue) > 0 {
		record := l.queue[0]
		switch handle(record) {
		case Continue:
			l.queue = l.queue[1:]
			consumed++
		case Abort:
			return consumed
		case Break:
			return consumed
		}
	}
	return consumed
}

// Len reports the number of records still queued.
func (l *Local) Len() int { return len(l.queue) }

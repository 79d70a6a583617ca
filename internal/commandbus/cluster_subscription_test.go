package commandbus

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// newTestClusterable builds a Clusterable around a pre-filled records
// channel, bypassing DialClusterable's real gRPC dial so Poll's draining and
// replay logic can be exercised without a network connection.
func newTestClusterable(records ...[]byte) *Clusterable {
	ch := make(chan []byte, len(records)+4)
	for _, r := range records {
		ch <- r
	}
	return &Clusterable{records: ch}
}

func TestClusterable_PollDrainsBufferedRecords(t *testing.T) {
	c := newTestClusterable([]byte("a"), []byte("b"), []byte("c"))

	var seen [][]byte
	consumed := c.Poll(func(record []byte) Action {
		seen = append(seen, record)
		return Continue
	})

	require.Equal(t, 3, consumed)
	assert.Equal(t, [][]byte{[]byte("a"), []byte("b"), []byte("c")}, seen)
}

func TestClusterable_AbortReplaysRecordNext(t *testing.T) {
	c := newTestClusterable([]byte("first"), []byte("second"))

	consumed := c.Poll(func(record []byte) Action {
		if string(record) == "first" {
			return Abort
		}
		return Continue
	})
	assert.Equal(t, 0, consumed)

	var seen [][]byte
	c.Poll(func(record []byte) Action {
		seen = append(seen, record)
		return Continue
	})
	assert.Equal(t, [][]byte{[]byte("first"), []byte("second")}, seen, "aborted record is replayed before the rest")
}

func TestClusterable_PollReturnsZeroWhenEmpty(t *testing.T) {
	c := newTestClusterable()
	consumed := c.Poll(func(record []byte) Action {
		t.Fatal("handler should not be called on an empty buffer")
		return Continue
	})
	assert.Equal(t, 0, consumed)
}

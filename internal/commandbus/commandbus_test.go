package commandbus

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLocal_PollConsumesInOrder(t *testing.T) {
	l := NewLocal()
	l.Enqueue([]byte("one"))
	l.Enqueue([]byte("two"))
	l.Enqueue([]byte("three"))

	var seen [][]byte
	consumed := l.Poll(func(record []byte) Action {
		seen = append(seen, record)
		return Continue
	})

	require.Equal(t, 3, consumed)
	assert.Equal(t, [][]byte{[]byte("one"), []byte("two"), []byte("three")}, seen)
	assert.Equal(t, 0, l.Len())
}

func TestLocal_AbortLeavesRecordAtFront(t *testing.T) {
	l := NewLocal()
	l.Enqueue([]byte("stuck"))
	l.Enqueue([]byte("behind"))

	consumed := l.Poll(func(record []byte) Action {
		return Abort
	})

	assert.Equal(t, 0, consumed)
	require.Equal(t, 2, l.Len(), "aborted record and its successor stay queued")

	var seen [][]byte
	l.Poll(func(record []byte) Action {
		seen = append(seen, record)
		return Continue
	})
	assert.Equal(t, [][]byte{[]byte("stuck"), []byte("behind")}, seen, "stuck record is re-delivered first on the next poll")
}

func TestLocal_BreakStopsEarly(t *testing.T) {
	l := NewLocal()
	l.Enqueue([]byte("one"))
	l.Enqueue([]byte("two"))

	calls := 0
	consumed := l.Poll(func(record []byte) Action {
		calls++
		return Break
	})

	assert.Equal(t, 0, consumed)
	assert.Equal(t, 1, calls)
	assert.Equal(t, 2, l.Len())
}

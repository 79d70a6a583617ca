package fixwire

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestScanner_SingleMessage(t *testing.T) {
	msg := BuildTestMessage(MsgTypeLogon, map[string]string{
		TagSenderCompID: "SENDER",
		TagTargetCompID: "TARGET",
	})

	var s Scanner
	s.Feed(msg)

	got, ok := s.Next()
	require.True(t, ok)
	assert.Equal(t, msg, got)

	_, ok = s.Next()
	assert.False(t, ok, "no second message buffered")
}

func TestScanner_SplitAcrossFeeds(t *testing.T) {
	msg := BuildTestMessage(MsgTypeLogon, map[string]string{TagSenderCompID: "A"})

	var s Scanner
	s.Feed(msg[:5])
	_, ok := s.Next()
	assert.False(t, ok, "partial header isn't a complete message yet")

	s.Feed(msg[5:])
	got, ok := s.Next()
	require.True(t, ok)
	assert.Equal(t, msg, got)
}

func TestScanner_MultipleMessagesBackToBack(t *testing.T) {
	first := BuildTestMessage(MsgTypeLogon, map[string]string{TagSenderCompID: "A"})
	second := BuildTestMessage("0", map[string]string{TagSenderCompID: "B"})

	var s Scanner
	s.Feed(append(append([]byte{}, first...), second...))

	got1, ok := s.Next()
	require.True(t, ok)
	assert.Equal(t, first, got1)

	got2, ok := s.Next()
	require.True(t, ok)
	assert.Equal(t, second, got2)
}

func TestScanner_ResyncsPastGarbage(t *testing.T) {
	msg := BuildTestMessage(MsgTypeLogon, map[string]string{TagSenderCompID: "A"})

	var s Scanner
	s.Feed(append([]byte("garbage-bytes-before-begin-string"), msg...))

	got, ok := s.Next()
	require.True(t, ok)
	assert.Equal(t, msg, got)
}

func TestField_FindsTagAndMissesUnknown(t *testing.T) {
	msg := BuildTestMessage(MsgTypeLogon, map[string]string{
		TagSenderCompID: "SENDER",
		TagUsername:     "alice",
	})

	v, ok := Field(msg, TagSenderCompID)
	require.True(t, ok)
	assert.Equal(t, "SENDER", v)

	v, ok = Field(msg, TagUsername)
	require.True(t, ok)
	assert.Equal(t, "alice", v)

	_, ok = Field(msg, TagLocationID)
	assert.False(t, ok)
}

func TestScanner_Pending(t *testing.T) {
	var s Scanner
	s.Feed([]byte("8=FIX.4.2\x019=5\x01"))
	assert.Greater(t, s.Pending(), 0)
}

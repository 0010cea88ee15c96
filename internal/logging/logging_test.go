package logging

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLog_BelowMinLevelIsDropped(t *testing.T) {
	l := New()
	l.SetLevel(Warn)

	var callbackFired bool
	l.SetCallback(func(Entry) { callbackFired = true })

	l.Infof("should not be stored")

	assert.Empty(t, l.Snapshot())
	assert.False(t, callbackFired)
}

func TestLog_AtOrAboveMinLevelIsStoredAndDispatched(t *testing.T) {
	l := New()
	l.SetLevel(Info)

	var got []Entry
	l.SetCallback(func(e Entry) { got = append(got, e) })

	l.Infof("hello %s", "world")
	l.Warnf("uh oh")

	require.Len(t, got, 2)
	assert.Equal(t, "hello world", got[0].Message)
	assert.Equal(t, "uh oh", got[1].Message)
	assert.Len(t, l.Snapshot(), 2)
}

func TestLog_RingBufferBoundedAtCapacity(t *testing.T) {
	l := New()
	l.SetLevel(Debug)

	for i := 0; i < ringCapacity+10; i++ {
		l.Infof("entry %d", i)
	}

	snap := l.Snapshot()
	require.Len(t, snap, ringCapacity)
	assert.Equal(t, "entry 10", snap[0].Message, "oldest entries evicted first")
	assert.Equal(t, "entry 109", snap[len(snap)-1].Message)
}

func TestEntry_LineTimestampFormat(t *testing.T) {
	l := New()
	l.SetLevel(Debug)
	l.Infof("x")

	line := l.Snapshot()[0].Line()
	// "YYYY-MM-DD HH:MM:SS.mmm [INFO] x\n" — verify the fixed punctuation
	// positions spec §6 specifies for the 23-character timestamp.
	require.True(t, len(line) > 23)
	assert.Equal(t, byte('-'), line[4])
	assert.Equal(t, byte('-'), line[7])
	assert.Equal(t, byte(' '), line[10])
	assert.Equal(t, byte(':'), line[13])
	assert.Equal(t, byte(':'), line[16])
	assert.Equal(t, byte('.'), line[19])
}

func TestGetLog_ConcatenatesOldestFirst(t *testing.T) {
	l := New()
	l.SetLevel(Debug)
	l.Infof("first")
	l.Infof("second")

	out := l.GetLog()
	assert.Contains(t, out, "first")
	assert.Contains(t, out, "second")
	assert.Less(t, indexOf(out, "first"), indexOf(out, "second"))
}

func indexOf(s, substr string) int {
	for i := 0; i+len(substr) <= len(s); i++ {
		if s[i:i+len(substr)] == substr {
			return i
		}
	}
	return -1
}

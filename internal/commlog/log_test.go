package commlog

import (
	"fmt"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNew_RecordsCreation(t *testing.T) {
	l := New("s1")
	entries := l.Entries()
	require.Len(t, entries, 1)
	assert.Equal(t, Internal, entries[0].Direction)
	assert.Equal(t, System, entries[0].Channel)
	assert.Equal(t, "Session created: s1", entries[0].Text)
	assert.Equal(t, "s1", entries[0].SessionKey)
}

func TestAppend_KeepsArrivalOrder(t *testing.T) {
	l := New("s1")
	l.Sent(`{"type":"command"}`)
	l.Received(Stdout, `{"type":"busy"}`)
	l.Received(Stderr, "warning: slow")

	entries := l.Entries()
	require.Len(t, entries, 4)
	assert.Equal(t, ToEngine, entries[1].Direction)
	assert.Equal(t, Stdin, entries[1].Channel)
	assert.Equal(t, FromEngine, entries[2].Direction)
	assert.Equal(t, Stdout, entries[2].Channel)
	assert.Equal(t, Stderr, entries[3].Channel)
	for i := 1; i < len(entries); i++ {
		assert.False(t, entries[i].Timestamp.Before(entries[i-1].Timestamp))
	}
}

func TestRecent(t *testing.T) {
	l := New("s1")
	for i := 0; i < 10; i++ {
		l.Internal(fmt.Sprintf("line-%d", i))
	}

	recent := l.Recent(3)
	require.Len(t, recent, 3)
	assert.Equal(t, "line-7", recent[0].Text)
	assert.Equal(t, "line-9", recent[2].Text)

	assert.Len(t, l.Recent(0), 11)
	assert.Len(t, l.Recent(100), 11)
	assert.Equal(t, 11, l.Len())
}

func TestEntries_ReturnsCopy(t *testing.T) {
	l := New("s1")
	entries := l.Entries()
	entries[0].Text = "changed"
	assert.Equal(t, "Session created: s1", l.Entries()[0].Text)
}

func TestFormat(t *testing.T) {
	l := New("s1")
	l.now = func() time.Time { return time.Date(2024, 1, 1, 9, 5, 7, 123_000_000, time.UTC) }
	l.Sent("hello")

	out := l.Format()
	lines := strings.Split(strings.TrimSpace(out), "\n")
	require.Len(t, lines, 3)
	assert.Equal(t, "=== Communication Log for Session: s1 ===", lines[0])
	assert.Equal(t, "[09:05:07.123] to-engine (stdin): hello", lines[2])
}

func TestSubscribe(t *testing.T) {
	l := New("s1")
	l.Internal("before")

	id, ch, history := l.Subscribe(10)
	require.Len(t, history, 2)
	assert.Equal(t, "before", history[1].Text)

	l.Received(Stdout, "after")
	select {
	case e := <-ch:
		assert.Equal(t, "after", e.Text)
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for entry")
	}

	l.Unsubscribe(id)
	_, ok := <-ch
	assert.False(t, ok, "channel should be closed after unsubscribe")

	// Unknown IDs are ignored.
	l.Unsubscribe("nope")
}

func TestSubscribe_HistoryLimit(t *testing.T) {
	l := New("s1")
	for i := 0; i < 5; i++ {
		l.Internal(fmt.Sprintf("line-%d", i))
	}
	_, _, history := l.Subscribe(2)
	require.Len(t, history, 2)
	assert.Equal(t, "line-3", history[0].Text)
}

func TestClose_ClosesSubscribers(t *testing.T) {
	l := New("s1")
	_, ch1, _ := l.Subscribe(0)
	_, ch2, _ := l.Subscribe(0)
	l.Close()

	_, ok1 := <-ch1
	_, ok2 := <-ch2
	assert.False(t, ok1)
	assert.False(t, ok2)
}

func TestSubscribeAfterClose(t *testing.T) {
	l := New("s1")
	l.Close()

	_, ch, history := l.Subscribe(0)
	_, ok := <-ch
	assert.False(t, ok)
	assert.Len(t, history, 1)
}

// Package commlog records every line exchanged with an engine session.
package commlog

import (
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
)

// Direction says which way a line travelled.
type Direction string

const (
	ToEngine   Direction = "to-engine"
	FromEngine Direction = "from-engine"
	Internal   Direction = "internal"
)

// Channel is the stream a line travelled on.
type Channel string

const (
	Stdin  Channel = "stdin"
	Stdout Channel = "stdout"
	Stderr Channel = "stderr"
	System Channel = "system"
)

// Entry is one logged line.
type Entry struct {
	SessionKey string    `json:"sessionKey"`
	Timestamp  time.Time `json:"timestamp"`
	Direction  Direction `json:"direction"`
	Channel    Channel   `json:"channel"`
	Text       string    `json:"text"`
}

// Format renders the entry as "[15:04:05.000] direction (channel): text".
func (e Entry) Format() string {
	return fmt.Sprintf("[%s] %s (%s): %s", e.Timestamp.Format("15:04:05.000"), e.Direction, e.Channel, e.Text)
}

const subscriberBuffer = 256

// Log is an append-only, timestamped record of one session's traffic.
// Entries are kept in arrival order for the lifetime of the session.
type Log struct {
	key string

	mu      sync.RWMutex
	entries []Entry

	subMu       sync.Mutex
	subscribers map[string]chan Entry
	closed      bool

	now func() time.Time
}

// New creates a log for the session and records its creation.
func New(sessionKey string) *Log {
	l := &Log{
		key:         sessionKey,
		subscribers: make(map[string]chan Entry),
		now:         time.Now,
	}
	l.Internal("Session created: " + sessionKey)
	return l
}

// Key returns the session key the log belongs to.
func (l *Log) Key() string { return l.key }

// Append records a line and fans it out to subscribers.
func (l *Log) Append(dir Direction, ch Channel, text string) Entry {
	e := Entry{
		SessionKey: l.key,
		Timestamp:  l.now(),
		Direction:  dir,
		Channel:    ch,
		Text:       text,
	}

	l.mu.Lock()
	l.entries = append(l.entries, e)
	l.fanOut(e)
	l.mu.Unlock()

	return e
}

// Sent records a line written to the engine's stdin.
func (l *Log) Sent(text string) Entry { return l.Append(ToEngine, Stdin, text) }

// Received records a line read from the engine on ch.
func (l *Log) Received(ch Channel, text string) Entry { return l.Append(FromEngine, ch, text) }

// Internal records a frontend-side note.
func (l *Log) Internal(text string) Entry { return l.Append(Internal, System, text) }

// Len returns the number of entries.
func (l *Log) Len() int {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return len(l.entries)
}

// Entries returns a copy of all entries in arrival order.
func (l *Log) Entries() []Entry {
	l.mu.RLock()
	defer l.mu.RUnlock()

	out := make([]Entry, len(l.entries))
	copy(out, l.entries)
	return out
}

// Recent returns up to n of the newest entries in arrival order.
// A non-positive n returns every entry.
func (l *Log) Recent(n int) []Entry {
	l.mu.RLock()
	defer l.mu.RUnlock()

	start := 0
	if n > 0 && n < len(l.entries) {
		start = len(l.entries) - n
	}
	out := make([]Entry, len(l.entries)-start)
	copy(out, l.entries[start:])
	return out
}

// Format renders the whole log with a header line.
func (l *Log) Format() string {
	var b strings.Builder
	fmt.Fprintf(&b, "=== Communication Log for Session: %s ===\n", l.key)
	for _, e := range l.Entries() {
		b.WriteString(e.Format())
		b.WriteByte('\n')
	}
	return b.String()
}

// Subscribe registers for new entries. It returns a subscription ID, a
// channel of entries appended after the call, and up to historyLimit of
// the entries already recorded.
func (l *Log) Subscribe(historyLimit int) (string, <-chan Entry, []Entry) {
	subID := uuid.New().String()
	ch := make(chan Entry, subscriberBuffer)

	// Append fans out under the entries lock, so every entry lands in
	// exactly one of history or the channel.
	l.mu.RLock()
	l.subMu.Lock()
	if l.closed {
		close(ch)
	} else {
		l.subscribers[subID] = ch
	}
	l.subMu.Unlock()
	start := 0
	if historyLimit > 0 && historyLimit < len(l.entries) {
		start = len(l.entries) - historyLimit
	}
	history := make([]Entry, len(l.entries)-start)
	copy(history, l.entries[start:])
	l.mu.RUnlock()

	return subID, ch, history
}

// Unsubscribe removes a subscription and closes its channel.
func (l *Log) Unsubscribe(subID string) {
	l.subMu.Lock()
	defer l.subMu.Unlock()

	if ch, ok := l.subscribers[subID]; ok {
		close(ch)
		delete(l.subscribers, subID)
	}
}

// Close removes every subscription. Later subscriptions receive a closed
// channel.
func (l *Log) Close() {
	l.subMu.Lock()
	defer l.subMu.Unlock()

	l.closed = true
	for id, ch := range l.subscribers {
		close(ch)
		delete(l.subscribers, id)
	}
}

// fanOut sends to every subscriber without blocking. Slow subscribers
// drop entries.
func (l *Log) fanOut(e Entry) {
	l.subMu.Lock()
	defer l.subMu.Unlock()

	for _, ch := range l.subscribers {
		select {
		case ch <- e:
		default:
		}
	}
}

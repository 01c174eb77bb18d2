package reconcile

import (
	"log/slog"
	"sync"

	"DeskChat/internal/session"
)

// Log is the reconciled view of one chat session: locally-originated
// optimistic entries, server-confirmed creations, and push deliveries
// merged into a single ordered, deduplicated sequence.
//
// Ordering is insertion order. Once the relative order of two ids is
// established it never changes; entries are never re-sorted by
// timestamp.
type Log struct {
	mu      sync.Mutex
	entries []session.Message
	index   map[int64]int // message id -> position in entries
	logger  *slog.Logger
}

// NewLog creates an empty reconciled log
func NewLog(logger *slog.Logger) *Log {
	if logger == nil {
		logger = slog.Default()
	}
	return &Log{
		index:  make(map[int64]int),
		logger: logger,
	}
}

// AppendOptimistic appends a locally-originated message at the tail.
// The caller guarantees the provisional id is fresh, so no dedup check
// is performed.
func (l *Log) AppendOptimistic(msg session.Message) {
	l.mu.Lock()
	defer l.mu.Unlock()

	l.index[msg.ID] = len(l.entries)
	l.entries = append(l.entries, msg)
	l.logger.Debug("optimistic append", "id", msg.ID, "correlation", msg.Correlation)
}

// Ingest merges a server-originated message (creation response or push
// delivery) into the log. First arrival wins: if the id is already
// present the ingested copy is discarded and the existing entry keeps
// its content and position. Returns true if the message was added.
func (l *Log) Ingest(msg session.Message) bool {
	l.mu.Lock()
	defer l.mu.Unlock()

	if _, ok := l.index[msg.ID]; ok {
		l.logger.Debug("duplicate ingest discarded", "id", msg.ID)
		return false
	}

	msg.Status = session.StatusConfirmed
	l.index[msg.ID] = len(l.entries)
	l.entries = append(l.entries, msg)
	return true
}

// ReplaceAll discards the current log and installs msgs verbatim. Used
// only at session-load time, never merged with in-flight optimistic
// state. Duplicate ids within the input keep the first occurrence.
func (l *Log) ReplaceAll(msgs []session.Message) {
	l.mu.Lock()
	defer l.mu.Unlock()

	l.entries = l.entries[:0]
	l.index = make(map[int64]int, len(msgs))
	for _, msg := range msgs {
		if _, ok := l.index[msg.ID]; ok {
			l.logger.Warn("duplicate id in session load", "id", msg.ID)
			continue
		}
		if msg.Status == "" {
			msg.Status = session.StatusConfirmed
		}
		l.index[msg.ID] = len(l.entries)
		l.entries = append(l.entries, msg)
	}
}

// Resolve replaces the optimistic entry carrying the given correlation
// token with its server-confirmed counterpart, in place, keeping its
// position. If the confirmed id already entered the log through the
// push channel the provisional entry is removed instead, so every
// locally-originated message ends up represented exactly once.
// Returns false if no entry carries the token.
func (l *Log) Resolve(correlation string, confirmed session.Message) bool {
	l.mu.Lock()
	defer l.mu.Unlock()

	pos := -1
	for i := range l.entries {
		if l.entries[i].Correlation == correlation {
			pos = i
			break
		}
	}
	if pos < 0 {
		return false
	}

	if at, ok := l.index[confirmed.ID]; ok && at != pos {
		// Push delivery beat the creation response; drop the placeholder.
		l.removeAt(pos)
		l.logger.Debug("provisional entry superseded by push", "id", confirmed.ID)
		return true
	}

	delete(l.index, l.entries[pos].ID)
	confirmed.Correlation = correlation
	confirmed.Status = session.StatusConfirmed
	l.entries[pos] = confirmed
	l.index[confirmed.ID] = pos
	return true
}

// MarkFailed flips the status of the optimistic entry carrying the
// given correlation token to failed. The entry stays in the log; the
// presentation layer decides how to surface it.
func (l *Log) MarkFailed(correlation string) bool {
	l.mu.Lock()
	defer l.mu.Unlock()

	for i := range l.entries {
		if l.entries[i].Correlation == correlation {
			l.entries[i].Status = session.StatusFailed
			return true
		}
	}
	return false
}

// Messages returns a copy of the log in stable order
func (l *Log) Messages() []session.Message {
	l.mu.Lock()
	defer l.mu.Unlock()

	out := make([]session.Message, len(l.entries))
	copy(out, l.entries)
	return out
}

// Len returns the number of entries
func (l *Log) Len() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.entries)
}

// removeAt deletes the entry at pos and reindexes the tail. Caller
// holds the lock.
func (l *Log) removeAt(pos int) {
	delete(l.index, l.entries[pos].ID)
	l.entries = append(l.entries[:pos], l.entries[pos+1:]...)
	for i := pos; i < len(l.entries); i++ {
		l.index[l.entries[i].ID] = i
	}
}

package reconcile

import (
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"DeskChat/internal/session"
)

func msg(id int64, content string) session.Message {
	return session.Message{
		ID:        id,
		Content:   content,
		Sender:    session.SenderUser,
		Timestamp: time.Now(),
	}
}

func ids(msgs []session.Message) []int64 {
	out := make([]int64, len(msgs))
	for i, m := range msgs {
		out[i] = m.ID
	}
	return out
}

func TestIngestDiscardsDuplicate(t *testing.T) {
	l := NewLog(nil)

	require.True(t, l.Ingest(msg(1, "original")))
	require.False(t, l.Ingest(msg(1, "different content")))

	msgs := l.Messages()
	require.Len(t, msgs, 1)
	assert.Equal(t, "original", msgs[0].Content)
}

func TestOrderStability(t *testing.T) {
	l := NewLog(nil)
	l.Ingest(msg(1, "A"))
	l.Ingest(msg(2, "B"))
	l.Ingest(msg(3, "C"))

	// A duplicate of the middle entry must not move or change it.
	l.Ingest(msg(2, "B updated"))

	msgs := l.Messages()
	require.Equal(t, []int64{1, 2, 3}, ids(msgs))
	assert.Equal(t, "B", msgs[1].Content)
}

func TestUniquenessInvariant(t *testing.T) {
	l := NewLog(nil)

	l.AppendOptimistic(msg(1700000000000000000, "optimistic"))
	for i := 0; i < 50; i++ {
		l.Ingest(msg(int64(i%10), fmt.Sprintf("m%d", i)))
	}

	seen := make(map[int64]bool)
	for _, m := range l.Messages() {
		require.False(t, seen[m.ID], "duplicate id %d in log", m.ID)
		seen[m.ID] = true
	}
	assert.Equal(t, 11, l.Len())
}

func TestReplaceAllInstallsVerbatim(t *testing.T) {
	l := NewLog(nil)
	l.AppendOptimistic(msg(999, "stale optimistic"))

	l.ReplaceAll([]session.Message{msg(1, "first"), msg(2, "second")})

	msgs := l.Messages()
	require.Equal(t, []int64{1, 2}, ids(msgs))
	for _, m := range msgs {
		assert.Equal(t, session.StatusConfirmed, m.Status)
	}
}

func TestResolveSwapsInPlace(t *testing.T) {
	l := NewLog(nil)
	l.Ingest(msg(1, "earlier"))

	optimistic := msg(session.NewProvisionalID(), "hello")
	optimistic.Correlation = "tok-1"
	optimistic.Status = session.StatusPending
	l.AppendOptimistic(optimistic)

	confirmed := msg(42, "hello")
	require.True(t, l.Resolve("tok-1", confirmed))

	msgs := l.Messages()
	require.Equal(t, []int64{1, 42}, ids(msgs))
	assert.Equal(t, session.StatusConfirmed, msgs[1].Status)

	// The authoritative id is now in the dedup index.
	assert.False(t, l.Ingest(msg(42, "push copy")))
}

func TestResolveAfterPushRemovesProvisional(t *testing.T) {
	l := NewLog(nil)

	optimistic := msg(session.NewProvisionalID(), "hello")
	optimistic.Correlation = "tok-2"
	l.AppendOptimistic(optimistic)

	// Push delivery arrives before the creation response settles.
	require.True(t, l.Ingest(msg(42, "hello")))

	require.True(t, l.Resolve("tok-2", msg(42, "hello")))

	msgs := l.Messages()
	require.Equal(t, []int64{42}, ids(msgs))
}

func TestResolveUnknownToken(t *testing.T) {
	l := NewLog(nil)
	assert.False(t, l.Resolve("nope", msg(1, "x")))
}

func TestMarkFailed(t *testing.T) {
	l := NewLog(nil)

	optimistic := msg(session.NewProvisionalID(), "hello")
	optimistic.Correlation = "tok-3"
	optimistic.Status = session.StatusPending
	l.AppendOptimistic(optimistic)

	require.True(t, l.MarkFailed("tok-3"))

	msgs := l.Messages()
	require.Len(t, msgs, 1)
	assert.Equal(t, session.StatusFailed, msgs[0].Status)

	assert.False(t, l.MarkFailed("unknown"))
}

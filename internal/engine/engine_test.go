package engine

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	metricnoop "go.opentelemetry.io/otel/metric/noop"
	tracenoop "go.opentelemetry.io/otel/trace/noop"

	"DeskChat/internal/backend"
	"DeskChat/internal/config"
	"DeskChat/internal/push"
	"DeskChat/internal/session"
)

type serverWS struct {
	path string
	conn *websocket.Conn
}

// fakeBackend doubles the REST API and the push endpoint on a single
// httptest server.
type fakeBackend struct {
	mu                 sync.Mutex
	nextMsgID          int64
	nextSessID         int
	sessions           map[string]*session.Session
	plainBodies        []backend.CreateMessageRequest
	ragBodies          []backend.CreateMessageRequest
	createSessionCalls int

	failCreateSession bool
	failMessages      bool
	failList          bool
	holdMessages      chan struct{}

	upgrader websocket.Upgrader
	conns    chan serverWS
	srv      *httptest.Server
}

func newFakeBackend(t *testing.T) *fakeBackend {
	t.Helper()
	f := &fakeBackend{
		sessions: make(map[string]*session.Session),
		conns:    make(chan serverWS, 8),
	}
	f.srv = httptest.NewServer(http.HandlerFunc(f.handle))
	t.Cleanup(f.srv.Close)
	return f
}

func (f *fakeBackend) addSession(id, title string, msgs ...session.Message) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.sessions[id] = &session.Session{ID: id, Title: title, CreatedAt: time.Now(), Messages: msgs}
}

func (f *fakeBackend) handle(w http.ResponseWriter, r *http.Request) {
	path := r.URL.Path
	switch {
	case strings.HasPrefix(path, "/ws/"):
		conn, err := f.upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		f.conns <- serverWS{path: path, conn: conn}

	case path == "/api/sessions" && r.Method == http.MethodPost:
		f.mu.Lock()
		f.createSessionCalls++
		fail := f.failCreateSession
		f.mu.Unlock()
		if fail {
			http.Error(w, "boom", http.StatusInternalServerError)
			return
		}
		var req backend.CreateSessionRequest
		json.NewDecoder(r.Body).Decode(&req)
		f.mu.Lock()
		f.nextSessID++
		sess := &session.Session{
			ID:        fmt.Sprintf("sess-%d", f.nextSessID),
			Title:     req.Title,
			CreatedAt: time.Now(),
		}
		f.sessions[sess.ID] = sess
		f.mu.Unlock()
		json.NewEncoder(w).Encode(sess)

	case path == "/api/sessions" && r.Method == http.MethodGet:
		f.mu.Lock()
		fail := f.failList
		sessions := make([]*session.Session, 0, len(f.sessions))
		for _, s := range f.sessions {
			sessions = append(sessions, s)
		}
		f.mu.Unlock()
		if fail {
			http.Error(w, "boom", http.StatusInternalServerError)
			return
		}
		json.NewEncoder(w).Encode(sessions)

	case strings.HasSuffix(path, "/messages/with-rag") && r.Method == http.MethodPost:
		f.message(w, r, true)

	case strings.HasSuffix(path, "/messages") && r.Method == http.MethodPost:
		f.message(w, r, false)

	case strings.HasPrefix(path, "/api/sessions/") && r.Method == http.MethodGet:
		id := strings.TrimPrefix(path, "/api/sessions/")
		f.mu.Lock()
		sess, ok := f.sessions[id]
		f.mu.Unlock()
		if !ok {
			http.Error(w, "not found", http.StatusNotFound)
			return
		}
		json.NewEncoder(w).Encode(sess)

	default:
		http.Error(w, "not found", http.StatusNotFound)
	}
}

func (f *fakeBackend) message(w http.ResponseWriter, r *http.Request, rag bool) {
	var req backend.CreateMessageRequest
	json.NewDecoder(r.Body).Decode(&req)

	f.mu.Lock()
	hold := f.holdMessages
	f.mu.Unlock()
	if hold != nil {
		<-hold
	}

	f.mu.Lock()
	defer f.mu.Unlock()
	if f.failMessages {
		http.Error(w, "boom", http.StatusInternalServerError)
		return
	}
	if rag {
		f.ragBodies = append(f.ragBodies, req)
	} else {
		f.plainBodies = append(f.plainBodies, req)
	}
	f.nextMsgID++
	confirmed := session.Message{
		ID:        f.nextMsgID,
		Content:   req.Content,
		Sender:    req.Sender,
		Timestamp: time.Now(),
		FileURL:   req.FileURL,
		FileName:  req.FileName,
	}
	json.NewEncoder(w).Encode(confirmed)
}

func newTestEngine(t *testing.T, f *fakeBackend) *Engine {
	t.Helper()
	cfg := config.Config{
		ServerURL: f.srv.URL,
		PushURL:   "ws" + strings.TrimPrefix(f.srv.URL, "http"),
		CachePath: filepath.Join(t.TempDir(), "cache.db"),
	}
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	e, err := New(cfg, logger,
		tracenoop.NewTracerProvider().Tracer("test"),
		metricnoop.NewMeterProvider().Meter("test"))
	require.NoError(t, err)
	t.Cleanup(func() { e.Close() })
	return e
}

func TestSendEmptyIsNoop(t *testing.T) {
	f := newFakeBackend(t)
	e := newTestEngine(t, f)

	err := e.Send(context.Background(), "   ", "", "")
	require.ErrorIs(t, err, ErrNothingToSend)

	assert.Empty(t, e.Messages())
	f.mu.Lock()
	defer f.mu.Unlock()
	assert.Zero(t, f.createSessionCalls)
	assert.Empty(t, f.plainBodies)
}

func TestFirstSendCreatesSessionAndBinds(t *testing.T) {
	f := newFakeBackend(t)
	e := newTestEngine(t, f)

	require.NoError(t, e.Send(context.Background(), "Hello", "", ""))

	assert.Equal(t, "sess-1", e.SessionID())

	select {
	case ws := <-f.conns:
		assert.Equal(t, "/ws/sess-1", ws.path)
	case <-time.After(2 * time.Second):
		t.Fatal("push channel never bound")
	}

	msgs := e.Messages()
	require.Len(t, msgs, 1)
	assert.Equal(t, "Hello", msgs[0].Content)
	assert.Equal(t, session.SenderUser, msgs[0].Sender)
	assert.Equal(t, session.StatusConfirmed, msgs[0].Status)

	f.mu.Lock()
	defer f.mu.Unlock()
	assert.Equal(t, 1, f.createSessionCalls)
	require.Len(t, f.plainBodies, 1)
	assert.Equal(t, backend.CreateMessageRequest{Content: "Hello", Sender: "user"}, f.plainBodies[0])
	assert.Empty(t, f.ragBodies)
}

func TestAttachmentRouting(t *testing.T) {
	f := newFakeBackend(t)
	e := newTestEngine(t, f)

	require.NoError(t, e.Send(context.Background(), "hi", "http://x/doc.pdf", "doc.pdf"))
	require.NoError(t, e.Send(context.Background(), "hi again", "", ""))

	f.mu.Lock()
	defer f.mu.Unlock()
	require.Len(t, f.ragBodies, 1)
	assert.Equal(t, "http://x/doc.pdf", f.ragBodies[0].FileURL)
	assert.Equal(t, "doc.pdf", f.ragBodies[0].FileName)
	require.Len(t, f.plainBodies, 1)
	assert.Equal(t, "hi again", f.plainBodies[0].Content)
}

func TestSessionCreationFailureAbandonsSend(t *testing.T) {
	f := newFakeBackend(t)
	f.failCreateSession = true
	e := newTestEngine(t, f)

	err := e.Send(context.Background(), "Hello", "", "")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "session could not be created")

	// Nothing appended, no message request issued.
	assert.Empty(t, e.Messages())
	assert.Empty(t, e.SessionID())
	f.mu.Lock()
	defer f.mu.Unlock()
	assert.Empty(t, f.plainBodies)
}

func TestSendFailureMarksOptimisticEntry(t *testing.T) {
	f := newFakeBackend(t)
	e := newTestEngine(t, f)

	require.NoError(t, e.Send(context.Background(), "first", "", ""))

	f.mu.Lock()
	f.failMessages = true
	f.mu.Unlock()

	err := e.Send(context.Background(), "second", "", "")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "message could not be sent")

	msgs := e.Messages()
	require.Len(t, msgs, 2)
	assert.Equal(t, "second", msgs[1].Content)
	assert.Equal(t, session.StatusFailed, msgs[1].Status)
}

func TestSelectSessionInstallsLog(t *testing.T) {
	f := newFakeBackend(t)
	tokens := int64(30)
	cost := 0.003
	f.addSession("sess-x", "history",
		session.Message{ID: 1, Content: "q", Sender: session.SenderUser, Timestamp: time.Now()},
		session.Message{ID: 2, Content: "a", Sender: session.SenderAssistant, Timestamp: time.Now(), TokenCount: &tokens, Cost: &cost},
	)
	e := newTestEngine(t, f)

	require.NoError(t, e.SelectSession(context.Background(), "sess-x"))

	assert.Equal(t, "sess-x", e.SessionID())
	msgs := e.Messages()
	require.Len(t, msgs, 2)
	assert.Equal(t, int64(30), e.Metrics().TotalTokens)

	select {
	case ws := <-f.conns:
		assert.Equal(t, "/ws/sess-x", ws.path)
	case <-time.After(2 * time.Second):
		t.Fatal("push channel never bound")
	}
}

func TestSelectUnknownSessionLeavesViewUnloaded(t *testing.T) {
	f := newFakeBackend(t)
	e := newTestEngine(t, f)

	err := e.SelectSession(context.Background(), "missing")
	require.Error(t, err)
	assert.Empty(t, e.SessionID())
	assert.Empty(t, e.Messages())
}

func TestNewConversationClearsEverything(t *testing.T) {
	f := newFakeBackend(t)
	f.addSession("sess-x", "history",
		session.Message{ID: 1, Content: "q", Sender: session.SenderUser, Timestamp: time.Now()},
	)
	e := newTestEngine(t, f)
	require.NoError(t, e.SelectSession(context.Background(), "sess-x"))

	e.NewConversation()

	assert.Empty(t, e.SessionID())
	assert.Empty(t, e.Messages())
	assert.Zero(t, e.Metrics().TotalTokens)
	assert.Equal(t, push.StateDisconnected, e.ChannelState())
}

func TestDanglingSettleAfterRebindDiscarded(t *testing.T) {
	f := newFakeBackend(t)
	f.addSession("sess-a", "a")
	f.addSession("sess-b", "b",
		session.Message{ID: 50, Content: "b history", Sender: session.SenderUser, Timestamp: time.Now()},
	)
	e := newTestEngine(t, f)
	require.NoError(t, e.SelectSession(context.Background(), "sess-a"))

	hold := make(chan struct{})
	f.mu.Lock()
	f.holdMessages = hold
	f.mu.Unlock()

	done := make(chan error, 1)
	go func() { done <- e.Send(context.Background(), "to session a", "", "") }()

	// Wait until the optimistic entry is in, then rebind while the
	// creation request is still in flight.
	require.Eventually(t, func() bool { return len(e.Messages()) == 1 }, 2*time.Second, 10*time.Millisecond)

	f.mu.Lock()
	f.holdMessages = nil
	f.mu.Unlock()
	require.NoError(t, e.SelectSession(context.Background(), "sess-b"))
	close(hold)

	require.NoError(t, <-done)

	// The settle targeted sess-a and must not leak into sess-b's log.
	msgs := e.Messages()
	require.Len(t, msgs, 1)
	assert.Equal(t, "b history", msgs[0].Content)
}

func TestPushDeliveryDedupedAgainstCreation(t *testing.T) {
	f := newFakeBackend(t)
	e := newTestEngine(t, f)

	require.NoError(t, e.Send(context.Background(), "Hello", "", ""))

	ws := <-f.conns
	msgs := e.Messages()
	require.Len(t, msgs, 1)

	// The backend also broadcasts the created message on the push
	// channel; the duplicate id must be discarded.
	payload, _ := json.Marshal(session.Message{ID: msgs[0].ID, Content: "Hello", Sender: session.SenderUser, Timestamp: time.Now()})
	require.NoError(t, ws.conn.WriteJSON(push.Envelope{Type: "message", Payload: payload}))

	// And an assistant reply with a fresh id must land.
	payload, _ = json.Marshal(session.Message{ID: 999, Content: "Hi!", Sender: session.SenderAssistant, Timestamp: time.Now()})
	require.NoError(t, ws.conn.WriteJSON(push.Envelope{Type: "message", Payload: payload}))

	require.Eventually(t, func() bool { return len(e.Messages()) == 2 }, 2*time.Second, 10*time.Millisecond)
	final := e.Messages()
	require.Len(t, final, 2)
	assert.Equal(t, int64(999), final[1].ID)
}

func TestSessionsFallBackToCache(t *testing.T) {
	f := newFakeBackend(t)
	f.addSession("sess-x", "cached title")
	e := newTestEngine(t, f)

	// SelectSession writes through to the local cache.
	require.NoError(t, e.SelectSession(context.Background(), "sess-x"))

	f.mu.Lock()
	f.failList = true
	f.mu.Unlock()

	sessions, err := e.Sessions(context.Background())
	require.NoError(t, err)
	require.Len(t, sessions, 1)
	assert.Equal(t, "sess-x", sessions[0].ID)
	assert.Equal(t, "cached title", sessions[0].Title)
}

func TestTitleFor(t *testing.T) {
	assert.Equal(t, "New Chat", titleFor(""))
	assert.Equal(t, "short", titleFor("short"))
	long := strings.Repeat("x", 60)
	assert.Equal(t, strings.Repeat("x", 40)+"...", titleFor(long))
}

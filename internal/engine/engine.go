package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"

	"DeskChat/internal/backend"
	"DeskChat/internal/cache"
	"DeskChat/internal/config"
	"DeskChat/internal/metrics"
	"DeskChat/internal/push"
	"DeskChat/internal/reconcile"
	"DeskChat/internal/session"
)

// ErrNothingToSend is returned when a send carries neither content nor
// an attachment.
var ErrNothingToSend = errors.New("nothing to send")

// Engine keeps the locally rendered conversation consistent with the
// server-authoritative message log. It owns the reconciled log, the
// push channel binding, and the send pipeline for one UI surface.
type Engine struct {
	cfg      config.Config
	api      *backend.Client
	push     *push.Manager
	log      *reconcile.Log
	store    *cache.Store
	recorder *metrics.Recorder
	logger   *slog.Logger

	mu        sync.Mutex
	sessionID string
	notify    func(session.Message)
	busy      atomic.Bool
}

// New creates an engine with no bound session
func New(cfg config.Config, logger *slog.Logger, tracer trace.Tracer, meter metric.Meter) (*Engine, error) {
	if logger == nil {
		logger = slog.Default()
	}

	store, err := cache.Open(cfg.CachePath, logger)
	if err != nil {
		return nil, fmt.Errorf("failed to open session cache: %w", err)
	}

	e := &Engine{
		cfg:      cfg,
		api:      backend.NewClient(cfg.ServerURL, logger, tracer, meter),
		log:      reconcile.NewLog(logger),
		store:    store,
		recorder: metrics.NewRecorder(meter, logger),
		logger:   logger,
	}
	e.push = push.NewManager(cfg.PushURL, e.ingest, logger)
	return e, nil
}

// Send runs the send pipeline: ensure a session exists, append an
// optimistic entry, then issue the creation request. The attachment
// decides which creation endpoint is used. Failures surface to the
// caller; the optimistic entry is never rolled back, only marked.
func (e *Engine) Send(ctx context.Context, content, fileURL, fileName string) error {
	content = strings.TrimSpace(content)
	if content == "" && fileURL == "" {
		return ErrNothingToSend
	}

	e.busy.Store(true)
	defer e.busy.Store(false)

	sessionID := e.SessionID()
	if sessionID == "" {
		sess, err := e.api.CreateSession(ctx, titleFor(content))
		if err != nil {
			// Nothing was appended; the whole send is abandoned.
			return fmt.Errorf("session could not be created: %w", err)
		}
		e.mu.Lock()
		e.sessionID = sess.ID
		e.mu.Unlock()
		sessionID = sess.ID

		if err := e.push.Bind(sess.ID); err != nil {
			e.logger.Warn("failed to bind push channel", "session_id", sess.ID, "error", err)
		}
	}

	optimistic := session.Message{
		ID:          session.NewProvisionalID(),
		Content:     content,
		Sender:      session.SenderUser,
		Timestamp:   time.Now(),
		FileURL:     fileURL,
		FileName:    fileName,
		Correlation: uuid.NewString(),
		Status:      session.StatusPending,
	}
	e.log.AppendOptimistic(optimistic)

	req := backend.CreateMessageRequest{
		Content:  content,
		Sender:   session.SenderUser,
		FileURL:  fileURL,
		FileName: fileName,
	}

	var confirmed *session.Message
	var err error
	if fileURL != "" {
		confirmed, err = e.api.CreateMessageWithRAG(ctx, sessionID, req)
	} else {
		confirmed, err = e.api.CreateMessage(ctx, sessionID, req)
	}

	// The request was issued for sessionID; if the engine has been
	// rebound since, the log it targeted is gone and the result is
	// discarded rather than ingested into the wrong session.
	if e.SessionID() != sessionID {
		e.logger.Info("discarding settled request for superseded session",
			"issued_for", sessionID, "bound", e.SessionID())
		return nil
	}

	if err != nil {
		e.log.MarkFailed(optimistic.Correlation)
		return fmt.Errorf("message could not be sent: %w", err)
	}

	e.log.Resolve(optimistic.Correlation, *confirmed)
	return nil
}

// SelectSession loads a session wholesale, installs its messages into
// the reconciled log, and rebinds the push channel to it.
func (e *Engine) SelectSession(ctx context.Context, id string) error {
	sess, err := e.api.GetSession(ctx, id)
	if err != nil {
		// View stays in its previous (possibly empty) state.
		return fmt.Errorf("failed to load session %s: %w", id, err)
	}

	e.mu.Lock()
	e.sessionID = id
	e.mu.Unlock()
	e.log.ReplaceAll(sess.Messages)

	if e.store != nil {
		if err := e.store.SaveSession(sess); err != nil {
			e.logger.Warn("failed to cache session", "session_id", id, "error", err)
		}
	}

	if err := e.push.Bind(id); err != nil {
		e.logger.Warn("failed to bind push channel", "session_id", id, "error", err)
	}
	return nil
}

// NewConversation drops the current session binding and clears the log.
// The next Send will lazily create a fresh session. Usage totals are
// consequently zero until messages arrive.
func (e *Engine) NewConversation() {
	e.push.Unbind()
	e.mu.Lock()
	e.sessionID = ""
	e.mu.Unlock()
	e.log.ReplaceAll(nil)
}

// Sessions lists sessions from the backend, falling back to the local
// cache when the backend is unreachable.
func (e *Engine) Sessions(ctx context.Context) ([]session.Session, error) {
	sessions, err := e.api.ListSessions(ctx)
	if err == nil {
		return sessions, nil
	}
	if e.store == nil {
		return nil, err
	}
	e.logger.Warn("backend unreachable, serving cached sessions", "error", err)
	cached, cacheErr := e.store.ListSessions()
	if cacheErr != nil {
		return nil, err
	}
	return cached, nil
}

// Messages returns the reconciled log in stable order
func (e *Engine) Messages() []session.Message {
	return e.log.Messages()
}

// Metrics recomputes usage totals from the full reconciled log
func (e *Engine) Metrics() metrics.Snapshot {
	return metrics.Totals(e.log.Messages())
}

// SessionID returns the currently bound session id, or ""
func (e *Engine) SessionID() string {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.sessionID
}

// Busy reports whether a send is in flight. Cooperative only; the
// engine does not serialize overlapping sends itself.
func (e *Engine) Busy() bool {
	return e.busy.Load()
}

// ChannelState reports the push channel state for a degraded indicator
func (e *Engine) ChannelState() push.State {
	return e.push.State()
}

// Close releases the push channel and the cache
func (e *Engine) Close() error {
	e.push.Unbind()
	if e.store != nil {
		return e.store.Close()
	}
	return nil
}

// ingest receives push-delivered messages. Duplicates of entries the
// creation response already produced are discarded by the log.
func (e *Engine) ingest(msg session.Message) {
	if !e.log.Ingest(msg) {
		return
	}
	e.recorder.Record(context.Background(), msg)

	e.mu.Lock()
	notify := e.notify
	e.mu.Unlock()
	if notify != nil {
		notify(msg)
	}
}

func (e *Engine) setNotify(fn func(session.Message)) {
	e.mu.Lock()
	e.notify = fn
	e.mu.Unlock()
}

// titleFor derives a session title from the first message
func titleFor(content string) string {
	if content == "" {
		return "New Chat"
	}
	runes := []rune(content)
	if len(runes) > 40 {
		return string(runes[:40]) + "..."
	}
	return content
}

package push

import (
	"encoding/json"
	"log/slog"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"DeskChat/internal/session"
)

// State of the push channel, exposed so the caller can render a
// degraded indicator while the manager is redialing.
type State string

const (
	StateDisconnected State = "disconnected"
	StateConnecting   State = "connecting"
	StateConnected    State = "connected"
)

// Envelope is the discriminated frame wrapper delivered on the push
// channel. Only kind "message" is handled; everything else is reserved.
type Envelope struct {
	Type    string          `json:"type"`
	Payload json.RawMessage `json:"payload"`
}

// Manager owns at most one live push channel, bound to exactly one
// session id at a time. The channel is receive-only: frames flow from
// the backend into the ingest callback, never the other way.
type Manager struct {
	baseURL string
	dialer  *websocket.Dialer
	ingest  func(session.Message)
	logger  *slog.Logger

	baseBackoff time.Duration
	maxBackoff  time.Duration

	mu        sync.Mutex
	conn      *websocket.Conn
	sessionID string
	gen       uint64 // bumped on every Bind/Unbind; stale pumps check it
	state     State
}

// NewManager creates an unbound manager. baseURL is the ws:// root of
// the backend; ingest receives every decoded message frame.
func NewManager(baseURL string, ingest func(session.Message), logger *slog.Logger) *Manager {
	if logger == nil {
		logger = slog.Default()
	}
	return &Manager{
		baseURL:     baseURL,
		dialer:      websocket.DefaultDialer,
		ingest:      ingest,
		logger:      logger,
		baseBackoff: time.Second,
		maxBackoff:  30 * time.Second,
		state:       StateDisconnected,
	}
}

// Bind opens a push channel addressed to sessionID. A channel already
// open for any session id is closed first, so at most one channel is
// ever open. Frames from the superseded channel are never ingested.
func (m *Manager) Bind(sessionID string) error {
	m.mu.Lock()
	m.closeLocked()
	m.gen++
	gen := m.gen
	m.sessionID = sessionID
	m.state = StateConnecting
	m.mu.Unlock()

	conn, _, err := m.dialer.Dial(m.endpoint(sessionID), nil)
	if err != nil {
		m.mu.Lock()
		if m.gen == gen {
			m.state = StateDisconnected
		}
		m.mu.Unlock()
		return err
	}

	m.mu.Lock()
	if m.gen != gen {
		// Unbound or rebound while dialing; this channel lost the race.
		m.mu.Unlock()
		conn.Close()
		return nil
	}
	m.conn = conn
	m.state = StateConnected
	m.mu.Unlock()

	m.logger.Info("push channel bound", "session_id", sessionID)
	go m.readPump(conn, gen, sessionID)
	return nil
}

// Unbind closes the current channel unconditionally. Calling it with no
// open channel is a no-op.
func (m *Manager) Unbind() {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.gen++
	m.closeLocked()
	m.sessionID = ""
	m.state = StateDisconnected
}

// SessionID returns the currently bound session id, or "" if unbound
func (m *Manager) SessionID() string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.sessionID
}

// State returns the current channel state
func (m *Manager) State() State {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

// readPump decodes frames until the connection dies. Malformed frames
// and unhandled envelope kinds are dropped, never fatal. A transport
// error while this pump is still current triggers reconnection to the
// same session id.
func (m *Manager) readPump(conn *websocket.Conn, gen uint64, sessionID string) {
	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			m.mu.Lock()
			stale := m.gen != gen
			if !stale {
				m.conn = nil
				m.state = StateConnecting
			}
			m.mu.Unlock()
			if stale {
				return
			}
			m.logger.Warn("push channel dropped", "session_id", sessionID, "error", err)
			m.reconnect(gen, sessionID)
			return
		}

		var env Envelope
		if err := json.Unmarshal(data, &env); err != nil {
			m.logger.Debug("dropping malformed frame", "error", err)
			continue
		}
		if env.Type != "message" {
			continue
		}

		var msg session.Message
		if err := json.Unmarshal(env.Payload, &msg); err != nil {
			m.logger.Debug("dropping malformed message payload", "error", err)
			continue
		}

		m.mu.Lock()
		stale := m.gen != gen
		m.mu.Unlock()
		if stale {
			return
		}
		m.ingest(msg)
	}
}

// reconnect redials the same session id with exponential backoff until
// it succeeds or the manager is rebound/unbound.
func (m *Manager) reconnect(gen uint64, sessionID string) {
	backoff := m.baseBackoff
	for {
		m.mu.Lock()
		if m.gen != gen {
			m.mu.Unlock()
			return
		}
		m.mu.Unlock()

		conn, _, err := m.dialer.Dial(m.endpoint(sessionID), nil)
		if err == nil {
			m.mu.Lock()
			if m.gen != gen {
				m.mu.Unlock()
				conn.Close()
				return
			}
			m.conn = conn
			m.state = StateConnected
			m.mu.Unlock()
			m.logger.Info("push channel reconnected", "session_id", sessionID)
			go m.readPump(conn, gen, sessionID)
			return
		}

		m.logger.Warn("push reconnect failed", "session_id", sessionID, "backoff", backoff, "error", err)
		time.Sleep(backoff)
		backoff *= 2
		if backoff > m.maxBackoff {
			backoff = m.maxBackoff
		}
	}
}

// closeLocked shuts the current connection down. Caller holds the lock.
func (m *Manager) closeLocked() {
	if m.conn == nil {
		return
	}
	m.conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
	m.conn.Close()
	m.conn = nil
}

func (m *Manager) endpoint(sessionID string) string {
	return m.baseURL + "/ws/" + sessionID
}

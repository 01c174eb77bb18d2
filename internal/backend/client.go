package backend

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"

	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"

	"DeskChat/internal/session"
)

// ErrNotFound is returned when the backend reports an unknown session
var ErrNotFound = errors.New("session not found")

// Client talks to the chat backend's REST API. It never retries; every
// failure is reported to the caller at the boundary where the request
// was issued.
type Client struct {
	baseURL    string
	httpClient *http.Client
	logger     *slog.Logger
	tracer     trace.Tracer
	meter      metric.Meter
}

// NewClient creates a backend client rooted at baseURL
func NewClient(baseURL string, logger *slog.Logger, tracer trace.Tracer, meter metric.Meter) *Client {
	return &Client{
		baseURL:    baseURL,
		httpClient: &http.Client{Timeout: 60 * time.Second},
		logger:     logger,
		tracer:     tracer,
		meter:      meter,
	}
}

// ListSessions fetches summaries of all chat sessions
func (c *Client) ListSessions(ctx context.Context) ([]session.Session, error) {
	var sessions []session.Session
	if err := c.do(ctx, "list_sessions", http.MethodGet, "/api/sessions", nil, &sessions); err != nil {
		return nil, fmt.Errorf("list sessions: %w", err)
	}
	return sessions, nil
}

// GetSession fetches one session wholesale, including its messages
func (c *Client) GetSession(ctx context.Context, id string) (*session.Session, error) {
	var sess session.Session
	if err := c.do(ctx, "get_session", http.MethodGet, "/api/sessions/"+id, nil, &sess); err != nil {
		return nil, fmt.Errorf("get session %s: %w", id, err)
	}
	return &sess, nil
}

// CreateSession creates a new session with the given title
func (c *Client) CreateSession(ctx context.Context, title string) (*session.Session, error) {
	req := CreateSessionRequest{Title: title}
	var sess session.Session
	if err := c.do(ctx, "create_session", http.MethodPost, "/api/sessions", req, &sess); err != nil {
		return nil, fmt.Errorf("create session: %w", err)
	}
	c.logger.Info("created session", "session_id", sess.ID, "title", sess.Title)
	return &sess, nil
}

// CreateMessage appends a message to a session via the plain endpoint
// and returns the server-confirmed copy.
func (c *Client) CreateMessage(ctx context.Context, sessionID string, msg CreateMessageRequest) (*session.Message, error) {
	var confirmed session.Message
	path := "/api/sessions/" + sessionID + "/messages"
	if err := c.do(ctx, "create_message", http.MethodPost, path, msg, &confirmed); err != nil {
		return nil, fmt.Errorf("create message: %w", err)
	}
	return &confirmed, nil
}

// CreateMessageWithRAG appends a message carrying an attachment via the
// retrieval-augmented endpoint and returns the server-confirmed copy.
func (c *Client) CreateMessageWithRAG(ctx context.Context, sessionID string, msg CreateMessageRequest) (*session.Message, error) {
	var confirmed session.Message
	path := "/api/sessions/" + sessionID + "/messages/with-rag"
	if err := c.do(ctx, "create_message_with_rag", http.MethodPost, path, msg, &confirmed); err != nil {
		return nil, fmt.Errorf("create message with rag: %w", err)
	}
	return &confirmed, nil
}

// do issues one JSON request/response round trip
func (c *Client) do(ctx context.Context, op, method, path string, reqBody, respBody interface{}) error {
	ctx, span := c.tracer.Start(ctx, op)
	defer span.End()

	start := time.Now()

	var body io.Reader
	if reqBody != nil {
		jsonData, err := json.Marshal(reqBody)
		if err != nil {
			return fmt.Errorf("failed to marshal request: %w", err)
		}
		body = bytes.NewBuffer(jsonData)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, body)
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("content-type", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("failed to send request: %w", err)
	}
	defer resp.Body.Close()

	respData, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("failed to read response: %w", err)
	}

	duration := time.Since(start)
	histogram, err := c.meter.Float64Histogram(
		"http.client.request.duration",
		metric.WithDescription("HTTP request duration in milliseconds"),
	)
	if err == nil {
		histogram.Record(ctx, float64(duration.Milliseconds()))
	}

	if resp.StatusCode == http.StatusNotFound {
		return ErrNotFound
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("API error: %s - %s", resp.Status, string(respData))
	}

	if respBody != nil {
		if err := json.Unmarshal(respData, respBody); err != nil {
			return fmt.Errorf("failed to unmarshal response: %w", err)
		}
	}

	return nil
}

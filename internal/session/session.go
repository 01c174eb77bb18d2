package session

import "time"

const (
	SenderUser      = "user"
	SenderAssistant = "assistant"
)

// Delivery status of a locally-originated message. Server-delivered
// messages are always confirmed.
const (
	StatusPending   = "pending"
	StatusConfirmed = "confirmed"
	StatusFailed    = "failed"
)

// EvaluationScores holds response quality scores in [0,1]
type EvaluationScores struct {
	Faithfulness float64 `json:"faithfulness"`
	Relevancy    float64 `json:"relevancy"`
}

// Message represents a single chat message. Once confirmed by the
// backend it is immutable.
type Message struct {
	ID        int64     `json:"id"`
	Content   string    `json:"content"`
	Sender    string    `json:"sender"`
	Timestamp time.Time `json:"timestamp"`
	FileURL   string    `json:"file_url,omitempty"`
	FileName  string    `json:"file_name,omitempty"`

	// Sustainability metrics, attributed by the backend to assistant
	// messages only
	TokenCount      *int64   `json:"token_count,omitempty"`
	Cost            *float64 `json:"cost,omitempty"`
	CarbonFootprint *float64 `json:"carbon_footprint,omitempty"`

	// Evaluation metrics
	EvaluationScores *EvaluationScores `json:"evaluation_scores,omitempty"`
	IsFlagged        bool              `json:"is_flagged,omitempty"`

	// Correlation ties an optimistic entry to the creation request that
	// will confirm it. Client-side only, never sent on the wire.
	Correlation string `json:"-"`
	Status      string `json:"-"`
}

// Session represents a chat session. The backend owns it; the client
// holds a read-through copy.
type Session struct {
	ID        string    `json:"id"`
	Title     string    `json:"title"`
	CreatedAt time.Time `json:"created_at"`
	Messages  []Message `json:"messages"`
}

// NewProvisionalID returns a client-generated message id. Server ids are
// small autoincrement values, so a nanosecond clock reading never
// collides with one.
func NewProvisionalID() int64 {
	return time.Now().UnixNano()
}

package backend

// CreateSessionRequest is the body for POST /api/sessions
type CreateSessionRequest struct {
	Title string `json:"title"`
}

// CreateMessageRequest is the body for POST /api/sessions/{id}/messages
// and its with-rag variant. FileURL and FileName are set only on the
// with-rag endpoint.
type CreateMessageRequest struct {
	Content  string `json:"content"`
	Sender   string `json:"sender"`
	FileURL  string `json:"file_url,omitempty"`
	FileName string `json:"file_name,omitempty"`
}

// Package protocol defines the API request/response types.
package protocol

// WriteBody is the body for POST and PUT /api/v1/files/{path}.
type WriteBody struct {
	Content string `json:"content"`
}

// MoveBody is the body for POST /api/v1/move.
type MoveBody struct {
	Source string `json:"source"`
	Target string `json:"target"`
}

// MembershipBody is the body for POST /api/v1/events/{id}/subscribe and
// /unsubscribe.
type MembershipBody struct {
	Collections []string `json:"collections"`
}

// ConnectedEvent is the payload of the first "connected" frame on an event
// stream.
type ConnectedEvent struct {
	ObserverID  string   `json:"observer_id"`
	Collections []string `json:"collections"`
}

// HealthResponse is returned by GET /health.
type HealthResponse struct {
	Status    string `json:"status"`
	Version   string `json:"version"`
	Observers int    `json:"observers"`
}

// ErrorResponse is returned on API errors.
type ErrorResponse struct {
	Error  string `json:"error"`
	Code   int    `json:"code"`
	Kind   string `json:"kind,omitempty"`
	Reason string `json:"reason,omitempty"`
}

// SSE frame names.
const (
	FrameConnected = "connected"
)

// Package chatbridge implements the chat bridge HTTP server (C13): webhook
// ingress, the security middleware pipeline, and the command-handling
// pipeline that wires the command parser (C7), identity validator (C8),
// rate limiter (C9), circuit breakers (C10), agent controller (C11) and
// audit logger (C12) together.
package chatbridge

// Transaction is an inbound appservice transaction: a batch of room events
// delivered in one webhook call.
type Transaction struct {
	Events []Event `json:"events"`
}

// Event is one room event inside a Transaction. Only m.room.message events
// with msgtype m.text are inspected for commands; everything else is
// skipped.
type Event struct {
	Type    string  `json:"type"`
	EventID string  `json:"event_id"`
	Sender  string  `json:"sender"`
	RoomID  string  `json:"room_id"`
	Content Content `json:"content"`
}

// Content is the body of a room-message event.
type Content struct {
	MsgType string `json:"msgtype"`
	Body    string `json:"body"`
}

// HealthStatus is the /health response shape.
type HealthStatus struct {
	Status     string            `json:"status"`
	Components map[string]string `json:"components"`
	Timestamp  int64             `json:"timestamp"`
}

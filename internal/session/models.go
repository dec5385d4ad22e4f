package session

import "time"

// Session is one persistent interaction transcript container.
type Session struct {
	ID        string     `json:"id"`
	DeviceID  string     `json:"device_id"`
	PortName  *string    `json:"port_name"`
	CreatedAt time.Time  `json:"created_at"`
	ClosedAt  *time.Time `json:"closed_at"`
}

// Message ids are strictly contiguous per session: 1, 2, 3, … with no
// gaps, even under concurrent appenders.
type Message struct {
	ID        int64     `json:"id"`
	SessionID string    `json:"session_id"`
	Role      string    `json:"role"`
	Direction *string   `json:"direction"`
	Content   string    `json:"content"`
	Features  *string   `json:"features"`
	LatencyMs *int64    `json:"latency_ms"`
	CreatedAt time.Time `json:"created_at"`
}

// AppendResult is returned by AppendMessage.
type AppendResult struct {
	MessageID int64     `json:"message_id"`
	CreatedAt time.Time `json:"created_at"`
}

// Export bundles a session with its full ordered timeline.
type Export struct {
	Session  Session   `json:"session"`
	Messages []Message `json:"messages"`
}

// Stats summarizes a session without pulling all rows.
type Stats struct {
	MessageCount   int64      `json:"message_count"`
	FirstMessageAt *time.Time `json:"first_message_at"`
	LastMessageAt  *time.Time `json:"last_message_at"`
	MessagesPerMin float64    `json:"messages_per_min"`
}

// rate derives messages/min over the observed span, with a 1s floor
// so single-message sessions stay finite.
func rate(count int64, first, last time.Time) float64 {
	if count == 0 {
		return 0
	}
	secs := last.Sub(first).Seconds()
	if secs < 1 {
		secs = 1
	}
	return float64(count) / (secs / 60.0)
}

package session

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
)

// MemoryStore keeps the session log in process memory. Semantics are
// identical to the SQL backend; persistence is simply disabled. It is
// the fallback when storage cannot be opened, and the workhorse of
// the test suites.
type MemoryStore struct {
	mu       sync.Mutex
	sessions map[string]*Session
	order    []string // session ids in creation order
	messages map[string][]Message
}

func NewMemory() *MemoryStore {
	return &MemoryStore{
		sessions: make(map[string]*Session),
		messages: make(map[string][]Message),
	}
}

func (m *MemoryStore) CreateSession(_ context.Context, deviceID string, portName *string) (Session, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	sess := Session{
		ID:        uuid.NewString(),
		DeviceID:  deviceID,
		CreatedAt: time.Now().UTC(),
	}
	if portName != nil {
		p := *portName
		sess.PortName = &p
	}
	stored := sess
	m.sessions[sess.ID] = &stored
	m.order = append(m.order, sess.ID)
	return sess, nil
}

func (m *MemoryStore) AppendMessage(_ context.Context, sessionID, role, content string, direction, features *string, latencyMs *int64) (AppendResult, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.sessions[sessionID]; !ok {
		return AppendResult{}, ErrSessionNotFound
	}

	msgs := m.messages[sessionID]
	now := time.Now().UTC()
	msg := Message{
		ID:        int64(len(msgs)) + 1,
		SessionID: sessionID,
		Role:      role,
		Content:   content,
		CreatedAt: now,
	}
	if direction != nil {
		d := *direction
		msg.Direction = &d
	}
	if features != nil {
		f := *features
		msg.Features = &f
	}
	if latencyMs != nil {
		l := *latencyMs
		msg.LatencyMs = &l
	}
	m.messages[sessionID] = append(msgs, msg)
	return AppendResult{MessageID: msg.ID, CreatedAt: now}, nil
}

func (m *MemoryStore) ListSessions(_ context.Context, filter Filter, limit int) ([]Session, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	max := clampLimit(limit)
	out := make([]Session, 0)
	for _, id := range m.order {
		sess := m.sessions[id]
		switch filter {
		case FilterOpen:
			if sess.ClosedAt != nil {
				continue
			}
		case FilterClosed:
			if sess.ClosedAt == nil {
				continue
			}
		case FilterAll, "":
		default:
			return nil, fmt.Errorf("invalid session filter: %q", filter)
		}
		out = append(out, *sess)
		if len(out) >= max {
			break
		}
	}
	return out, nil
}

func (m *MemoryStore) CloseSession(_ context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	sess, ok := m.sessions[id]
	if !ok {
		return ErrSessionNotFound
	}
	if sess.ClosedAt == nil {
		now := time.Now().UTC()
		sess.ClosedAt = &now
	}
	return nil
}

func (m *MemoryStore) ListMessages(_ context.Context, sessionID string, limit int) ([]Message, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	msgs := m.messages[sessionID]
	max := clampLimit(limit)
	if len(msgs) > max {
		msgs = msgs[:max]
	}
	return append([]Message(nil), msgs...), nil
}

func (m *MemoryStore) ListMessagesRange(_ context.Context, sessionID string, afterID int64, limit int) ([]Message, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	max := clampLimit(limit)
	out := make([]Message, 0)
	for _, msg := range m.messages[sessionID] {
		if msg.ID <= afterID {
			continue
		}
		out = append(out, msg)
		if len(out) >= max {
			break
		}
	}
	return out, nil
}

func (m *MemoryStore) ExportSession(_ context.Context, id string) (Export, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	sess, ok := m.sessions[id]
	if !ok {
		return Export{}, ErrSessionNotFound
	}
	msgs := append(make([]Message, 0, len(m.messages[id])), m.messages[id]...)
	return Export{Session: *sess, Messages: msgs}, nil
}

func (m *MemoryStore) FilterMessages(_ context.Context, sessionID string, role, direction, featureContains *string, limit int) ([]Message, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	max := clampLimit(limit)
	out := make([]Message, 0)
	for _, msg := range m.messages[sessionID] {
		if role != nil && msg.Role != *role {
			continue
		}
		if direction != nil && (msg.Direction == nil || *msg.Direction != *direction) {
			continue
		}
		if featureContains != nil && (msg.Features == nil || !strings.Contains(*msg.Features, *featureContains)) {
			continue
		}
		out = append(out, msg)
		if len(out) >= max {
			break
		}
	}
	return out, nil
}

func (m *MemoryStore) FeatureIndex(_ context.Context, sessionID string) (map[string]int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	counts := make(map[string]int)
	for _, msg := range m.messages[sessionID] {
		if msg.Features == nil {
			continue
		}
		for _, token := range Tokenize(*msg.Features) {
			counts[token]++
		}
	}
	return counts, nil
}

func (m *MemoryStore) SessionStats(_ context.Context, id string) (Stats, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.sessions[id]; !ok {
		return Stats{}, ErrSessionNotFound
	}

	msgs := m.messages[id]
	stats := Stats{MessageCount: int64(len(msgs))}
	if len(msgs) == 0 {
		return stats, nil
	}

	times := make([]time.Time, len(msgs))
	for i, msg := range msgs {
		times[i] = msg.CreatedAt
	}
	sort.Slice(times, func(i, j int) bool { return times[i].Before(times[j]) })
	first, last := times[0], times[len(times)-1]
	stats.FirstMessageAt = &first
	stats.LastMessageAt = &last
	stats.MessagesPerMin = rate(stats.MessageCount, first, last)
	return stats, nil
}

func (m *MemoryStore) Close() error { return nil }

// Package session persists the append-only interaction log. The SQL
// backend speaks SQLite (default) or Postgres depending on the
// database URL; when it cannot initialize, Open falls back to an
// in-memory store with identical semantics.
package session

import (
	"context"
	"errors"
	"strings"
	"unicode"

	"go.uber.org/zap"
)

// ErrSessionNotFound is returned for operations on unknown ids.
var ErrSessionNotFound = errors.New("session not found")

// Filter selects sessions by lifecycle state.
type Filter string

const (
	FilterOpen   Filter = "open"
	FilterClosed Filter = "closed"
	FilterAll    Filter = "all"
)

// Store is the append-only session log.
type Store interface {
	CreateSession(ctx context.Context, deviceID string, portName *string) (Session, error)
	// AppendMessage returns the previous max id +1 for the session,
	// serialized across concurrent callers.
	AppendMessage(ctx context.Context, sessionID, role, content string, direction, features *string, latencyMs *int64) (AppendResult, error)
	ListSessions(ctx context.Context, filter Filter, limit int) ([]Session, error)
	// CloseSession sets closed_at; idempotent.
	CloseSession(ctx context.Context, id string) error
	ListMessages(ctx context.Context, sessionID string, limit int) ([]Message, error)
	ListMessagesRange(ctx context.Context, sessionID string, afterID int64, limit int) ([]Message, error)
	ExportSession(ctx context.Context, id string) (Export, error)
	FilterMessages(ctx context.Context, sessionID string, role, direction, featureContains *string, limit int) ([]Message, error)
	FeatureIndex(ctx context.Context, sessionID string) (map[string]int, error)
	SessionStats(ctx context.Context, id string) (Stats, error)
	Close() error
}

// Open connects the store for the given URL. Storage being
// unavailable never surfaces to callers: on any initialization
// failure a warning is logged and the in-memory store takes over for
// this process lifetime.
func Open(databaseURL string, logger *zap.Logger) Store {
	store, err := openSQL(databaseURL, logger)
	if err != nil {
		logger.Warn("session store unavailable, falling back to in-memory",
			zap.String("url", databaseURL),
			zap.Error(err))
		return NewMemory()
	}
	return store
}

// Tokenize splits a features field on whitespace and commas,
// discarding empty tokens. This split rule is the observable
// contract of feature_index.
func Tokenize(features string) []string {
	return strings.FieldsFunc(features, func(r rune) bool {
		return r == ',' || unicode.IsSpace(r)
	})
}

func clampLimit(limit int) int {
	if limit <= 0 {
		return 1 << 30
	}
	return limit
}

package session

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	_ "github.com/jackc/pgx/v5/stdlib"
	"go.uber.org/zap"
	_ "modernc.org/sqlite"
)

// SQLStore backs the session log with a relational engine via
// database/sql. The sqlite driver serves sqlite:// URLs, the pgx
// stdlib driver serves postgres:// URLs.
type SQLStore struct {
	db      *sql.DB
	dialect string // "sqlite" | "pgx"
	logger  *zap.Logger

	// per-session append serialization (contiguous message ids)
	lockMu sync.Mutex
	locks  map[string]*sync.Mutex
}

func openSQL(databaseURL string, logger *zap.Logger) (*SQLStore, error) {
	driver, dsn, err := resolveDSN(databaseURL)
	if err != nil {
		return nil, err
	}

	db, err := sql.Open(driver, dsn)
	if err != nil {
		return nil, fmt.Errorf("open %s: %w", driver, err)
	}

	ctx := context.Background()
	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("ping %s: %w", driver, err)
	}

	if driver == "sqlite" {
		// Eine Connection reicht und vermeidet SQLITE_BUSY unter Last
		db.SetMaxOpenConns(1)
		if _, err := db.ExecContext(ctx, "PRAGMA journal_mode=WAL"); err != nil {
			_ = db.Close()
			return nil, fmt.Errorf("set WAL mode: %w", err)
		}
		if _, err := db.ExecContext(ctx, "PRAGMA busy_timeout=5000"); err != nil {
			_ = db.Close()
			return nil, fmt.Errorf("set busy_timeout: %w", err)
		}
	}

	s := &SQLStore{db: db, dialect: driver, logger: logger, locks: make(map[string]*sync.Mutex)}
	if err := s.migrate(ctx); err != nil {
		_ = db.Close()
		return nil, err
	}
	return s, nil
}

// resolveDSN maps the configured URL onto a driver/DSN pair. Bare
// paths are treated as SQLite files.
func resolveDSN(databaseURL string) (driver, dsn string, err error) {
	switch {
	case strings.HasPrefix(databaseURL, "sqlite://"):
		path := strings.TrimPrefix(databaseURL, "sqlite://")
		if path == "" {
			return "", "", fmt.Errorf("empty sqlite path in %q", databaseURL)
		}
		if !strings.HasPrefix(path, ":") {
			if dir := filepath.Dir(path); dir != "" && dir != "." {
				if err := os.MkdirAll(dir, 0o755); err != nil {
					return "", "", fmt.Errorf("create database directory: %w", err)
				}
			}
		}
		return "sqlite", path, nil
	case strings.HasPrefix(databaseURL, "postgres://"), strings.HasPrefix(databaseURL, "postgresql://"):
		return "pgx", databaseURL, nil
	case strings.Contains(databaseURL, "://"):
		return "", "", fmt.Errorf("unsupported database url scheme: %q", databaseURL)
	default:
		return "sqlite", databaseURL, nil
	}
}

// rebind rewrites ? placeholders into $N for the pgx dialect.
func (s *SQLStore) rebind(query string) string {
	if s.dialect != "pgx" {
		return query
	}
	var b strings.Builder
	n := 0
	for _, r := range query {
		if r == '?' {
			n++
			fmt.Fprintf(&b, "$%d", n)
			continue
		}
		b.WriteRune(r)
	}
	return b.String()
}

func (s *SQLStore) migrate(ctx context.Context) error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS sessions (
			id TEXT PRIMARY KEY,
			device_id TEXT NOT NULL,
			port_name TEXT,
			created_at TEXT NOT NULL,
			closed_at TEXT
		)`,
		`CREATE TABLE IF NOT EXISTS messages (
			session_id TEXT NOT NULL REFERENCES sessions(id),
			id BIGINT NOT NULL,
			role TEXT NOT NULL,
			direction TEXT,
			content TEXT NOT NULL,
			features TEXT,
			latency_ms BIGINT,
			created_at TEXT NOT NULL,
			PRIMARY KEY (session_id, id)
		)`,
		`CREATE INDEX IF NOT EXISTS idx_messages_session ON messages(session_id)`,
		`CREATE INDEX IF NOT EXISTS idx_messages_session_role ON messages(session_id, role)`,
	}
	for _, stmt := range stmts {
		if _, err := s.db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("migrate: %w", err)
		}
	}
	return nil
}

func (s *SQLStore) sessionLock(id string) *sync.Mutex {
	s.lockMu.Lock()
	defer s.lockMu.Unlock()
	mu, ok := s.locks[id]
	if !ok {
		mu = &sync.Mutex{}
		s.locks[id] = mu
	}
	return mu
}

func fmtTime(t time.Time) string {
	return t.UTC().Format(time.RFC3339Nano)
}

func parseTime(s string) time.Time {
	t, err := time.Parse(time.RFC3339Nano, s)
	if err != nil {
		return time.Time{}
	}
	return t
}

func (s *SQLStore) CreateSession(ctx context.Context, deviceID string, portName *string) (Session, error) {
	now := time.Now().UTC()
	sess := Session{
		ID:        uuid.NewString(),
		DeviceID:  deviceID,
		PortName:  portName,
		CreatedAt: now,
	}
	_, err := s.db.ExecContext(ctx,
		s.rebind(`INSERT INTO sessions (id, device_id, port_name, created_at, closed_at) VALUES (?, ?, ?, ?, NULL)`),
		sess.ID, sess.DeviceID, sess.PortName, fmtTime(now))
	if err != nil {
		return Session{}, fmt.Errorf("insert session: %w", err)
	}
	return sess, nil
}

func (s *SQLStore) getSession(ctx context.Context, id string) (Session, error) {
	row := s.db.QueryRowContext(ctx,
		s.rebind(`SELECT id, device_id, port_name, created_at, closed_at FROM sessions WHERE id = ?`), id)
	return scanSession(row)
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanSession(row rowScanner) (Session, error) {
	var sess Session
	var portName, closedAt sql.NullString
	var createdAt string
	if err := row.Scan(&sess.ID, &sess.DeviceID, &portName, &createdAt, &closedAt); err != nil {
		if err == sql.ErrNoRows {
			return Session{}, ErrSessionNotFound
		}
		return Session{}, fmt.Errorf("scan session: %w", err)
	}
	if portName.Valid {
		sess.PortName = &portName.String
	}
	sess.CreatedAt = parseTime(createdAt)
	if closedAt.Valid {
		t := parseTime(closedAt.String)
		sess.ClosedAt = &t
	}
	return sess, nil
}

// AppendMessage computes MAX(id)+1 and inserts inside one transaction
// while holding the per-session lock, keeping ids contiguous under
// concurrent callers.
func (s *SQLStore) AppendMessage(ctx context.Context, sessionID, role, content string, direction, features *string, latencyMs *int64) (AppendResult, error) {
	if _, err := s.getSession(ctx, sessionID); err != nil {
		return AppendResult{}, err
	}

	mu := s.sessionLock(sessionID)
	mu.Lock()
	defer mu.Unlock()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return AppendResult{}, fmt.Errorf("begin append: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	var nextID int64
	err = tx.QueryRowContext(ctx,
		s.rebind(`SELECT COALESCE(MAX(id), 0) + 1 FROM messages WHERE session_id = ?`),
		sessionID).Scan(&nextID)
	if err != nil {
		return AppendResult{}, fmt.Errorf("compute message id: %w", err)
	}

	now := time.Now().UTC()
	_, err = tx.ExecContext(ctx,
		s.rebind(`INSERT INTO messages (session_id, id, role, direction, content, features, latency_ms, created_at)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?)`),
		sessionID, nextID, role, direction, content, features, latencyMs, fmtTime(now))
	if err != nil {
		return AppendResult{}, fmt.Errorf("insert message: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return AppendResult{}, fmt.Errorf("commit append: %w", err)
	}
	return AppendResult{MessageID: nextID, CreatedAt: now}, nil
}

func (s *SQLStore) ListSessions(ctx context.Context, filter Filter, limit int) ([]Session, error) {
	query := `SELECT id, device_id, port_name, created_at, closed_at FROM sessions`
	switch filter {
	case FilterOpen:
		query += ` WHERE closed_at IS NULL`
	case FilterClosed:
		query += ` WHERE closed_at IS NOT NULL`
	case FilterAll, "":
	default:
		return nil, fmt.Errorf("invalid session filter: %q", filter)
	}
	query += ` ORDER BY created_at ASC LIMIT ?`

	rows, err := s.db.QueryContext(ctx, s.rebind(query), clampLimit(limit))
	if err != nil {
		return nil, fmt.Errorf("list sessions: %w", err)
	}
	defer rows.Close()

	sessions := make([]Session, 0)
	for rows.Next() {
		sess, err := scanSession(rows)
		if err != nil {
			return nil, err
		}
		sessions = append(sessions, sess)
	}
	return sessions, rows.Err()
}

func (s *SQLStore) CloseSession(ctx context.Context, id string) error {
	if _, err := s.getSession(ctx, id); err != nil {
		return err
	}
	_, err := s.db.ExecContext(ctx,
		s.rebind(`UPDATE sessions SET closed_at = ? WHERE id = ? AND closed_at IS NULL`),
		fmtTime(time.Now().UTC()), id)
	if err != nil {
		return fmt.Errorf("close session: %w", err)
	}
	return nil
}

func (s *SQLStore) queryMessages(ctx context.Context, query string, args ...any) ([]Message, error) {
	rows, err := s.db.QueryContext(ctx, s.rebind(query), args...)
	if err != nil {
		return nil, fmt.Errorf("query messages: %w", err)
	}
	defer rows.Close()

	msgs := make([]Message, 0)
	for rows.Next() {
		var m Message
		var direction, features sql.NullString
		var latency sql.NullInt64
		var createdAt string
		if err := rows.Scan(&m.ID, &m.SessionID, &m.Role, &direction, &m.Content, &features, &latency, &createdAt); err != nil {
			return nil, fmt.Errorf("scan message: %w", err)
		}
		if direction.Valid {
			m.Direction = &direction.String
		}
		if features.Valid {
			m.Features = &features.String
		}
		if latency.Valid {
			m.LatencyMs = &latency.Int64
		}
		m.CreatedAt = parseTime(createdAt)
		msgs = append(msgs, m)
	}
	return msgs, rows.Err()
}

const messageColumns = `id, session_id, role, direction, content, features, latency_ms, created_at`

func (s *SQLStore) ListMessages(ctx context.Context, sessionID string, limit int) ([]Message, error) {
	return s.queryMessages(ctx,
		`SELECT `+messageColumns+` FROM messages WHERE session_id = ? ORDER BY id ASC LIMIT ?`,
		sessionID, clampLimit(limit))
}

func (s *SQLStore) ListMessagesRange(ctx context.Context, sessionID string, afterID int64, limit int) ([]Message, error) {
	return s.queryMessages(ctx,
		`SELECT `+messageColumns+` FROM messages WHERE session_id = ? AND id > ? ORDER BY id ASC LIMIT ?`,
		sessionID, afterID, clampLimit(limit))
}

func (s *SQLStore) ExportSession(ctx context.Context, id string) (Export, error) {
	sess, err := s.getSession(ctx, id)
	if err != nil {
		return Export{}, err
	}
	msgs, err := s.ListMessages(ctx, id, 0)
	if err != nil {
		return Export{}, err
	}
	return Export{Session: sess, Messages: msgs}, nil
}

func (s *SQLStore) FilterMessages(ctx context.Context, sessionID string, role, direction, featureContains *string, limit int) ([]Message, error) {
	query := `SELECT ` + messageColumns + ` FROM messages WHERE session_id = ?`
	args := []any{sessionID}
	if role != nil {
		query += ` AND role = ?`
		args = append(args, *role)
	}
	if direction != nil {
		query += ` AND direction = ?`
		args = append(args, *direction)
	}
	if featureContains != nil {
		query += ` AND features LIKE ?`
		args = append(args, "%"+*featureContains+"%")
	}
	query += ` ORDER BY id ASC LIMIT ?`
	args = append(args, clampLimit(limit))
	return s.queryMessages(ctx, query, args...)
}

func (s *SQLStore) FeatureIndex(ctx context.Context, sessionID string) (map[string]int, error) {
	rows, err := s.db.QueryContext(ctx,
		s.rebind(`SELECT features FROM messages WHERE session_id = ? AND features IS NOT NULL`),
		sessionID)
	if err != nil {
		return nil, fmt.Errorf("feature index: %w", err)
	}
	defer rows.Close()

	counts := make(map[string]int)
	for rows.Next() {
		var features string
		if err := rows.Scan(&features); err != nil {
			return nil, fmt.Errorf("scan features: %w", err)
		}
		for _, token := range Tokenize(features) {
			counts[token]++
		}
	}
	return counts, rows.Err()
}

func (s *SQLStore) SessionStats(ctx context.Context, id string) (Stats, error) {
	if _, err := s.getSession(ctx, id); err != nil {
		return Stats{}, err
	}

	row := s.db.QueryRowContext(ctx,
		s.rebind(`SELECT COUNT(*), MIN(created_at), MAX(created_at) FROM messages WHERE session_id = ?`), id)
	var count int64
	var first, last sql.NullString
	if err := row.Scan(&count, &first, &last); err != nil {
		return Stats{}, fmt.Errorf("session stats: %w", err)
	}

	stats := Stats{MessageCount: count}
	if count > 0 && first.Valid && last.Valid {
		ft := parseTime(first.String)
		lt := parseTime(last.String)
		stats.FirstMessageAt = &ft
		stats.LastMessageAt = &lt
		stats.MessagesPerMin = rate(count, ft, lt)
	}
	return stats, nil
}

func (s *SQLStore) Close() error {
	return s.db.Close()
}

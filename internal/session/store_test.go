package session

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"reflect"
	"sort"
	"sync"
	"testing"

	"go.uber.org/zap"
)

// Both backends must satisfy the same contract; every test runs
// against the in-memory store and a SQLite file store.
func eachStore(t *testing.T, fn func(t *testing.T, store Store)) {
	t.Helper()
	t.Run("memory", func(t *testing.T) {
		t.Parallel()
		fn(t, NewMemory())
	})
	t.Run("sqlite", func(t *testing.T) {
		t.Parallel()
		path := filepath.Join(t.TempDir(), "sessions.db")
		store, err := openSQL("sqlite://"+path, zap.NewNop())
		if err != nil {
			t.Fatalf("open sqlite store: %v", err)
		}
		t.Cleanup(func() { _ = store.Close() })
		fn(t, store)
	})
}

func strptr(s string) *string { return &s }
func i64ptr(v int64) *int64   { return &v }

func TestCreateAndExportSession(t *testing.T) {
	t.Parallel()
	eachStore(t, func(t *testing.T, store Store) {
		ctx := context.Background()

		sess, err := store.CreateSession(ctx, "dev1", strptr("COM1"))
		if err != nil {
			t.Fatalf("CreateSession failed: %v", err)
		}
		if sess.ID == "" || sess.DeviceID != "dev1" {
			t.Fatalf("unexpected session: %+v", sess)
		}

		export, err := store.ExportSession(ctx, sess.ID)
		if err != nil {
			t.Fatalf("ExportSession failed: %v", err)
		}
		if export.Session.DeviceID != "dev1" {
			t.Fatalf("device_id = %q", export.Session.DeviceID)
		}
		if export.Session.PortName == nil || *export.Session.PortName != "COM1" {
			t.Fatalf("port_name = %v", export.Session.PortName)
		}
		if len(export.Messages) != 0 {
			t.Fatalf("fresh session must export no messages, got %d", len(export.Messages))
		}

		if _, err := store.ExportSession(ctx, "no-such-id"); !errors.Is(err, ErrSessionNotFound) {
			t.Fatalf("expected ErrSessionNotFound, got %v", err)
		}
	})
}

func TestAppendAssignsContiguousIDs(t *testing.T) {
	t.Parallel()
	eachStore(t, func(t *testing.T, store Store) {
		ctx := context.Background()
		sess, err := store.CreateSession(ctx, "dev1", nil)
		if err != nil {
			t.Fatalf("CreateSession failed: %v", err)
		}

		for i := int64(1); i <= 4; i++ {
			res, err := store.AppendMessage(ctx, sess.ID, "agent", fmt.Sprintf("msg %d", i), nil, nil, nil)
			if err != nil {
				t.Fatalf("append %d failed: %v", i, err)
			}
			if res.MessageID != i {
				t.Fatalf("append %d: id = %d", i, res.MessageID)
			}
		}

		msgs, err := store.ListMessages(ctx, sess.ID, 0)
		if err != nil {
			t.Fatalf("ListMessages failed: %v", err)
		}
		if len(msgs) != 4 {
			t.Fatalf("expected 4 messages, got %d", len(msgs))
		}
		for i, m := range msgs {
			if m.ID != int64(i)+1 {
				t.Fatalf("messages out of order: %+v", msgs)
			}
		}
	})
}

func TestAppendToUnknownSession(t *testing.T) {
	t.Parallel()
	eachStore(t, func(t *testing.T, store Store) {
		_, err := store.AppendMessage(context.Background(), "ghost", "agent", "hi", nil, nil, nil)
		if !errors.Is(err, ErrSessionNotFound) {
			t.Fatalf("expected ErrSessionNotFound, got %v", err)
		}
	})
}

func TestConcurrentAppendsStayContiguous(t *testing.T) {
	t.Parallel()
	eachStore(t, func(t *testing.T, store Store) {
		ctx := context.Background()
		sess, err := store.CreateSession(ctx, "dev1", nil)
		if err != nil {
			t.Fatalf("CreateSession failed: %v", err)
		}

		const writers = 8
		ids := make([]int64, writers)
		var wg sync.WaitGroup
		for i := 0; i < writers; i++ {
			wg.Add(1)
			go func(i int) {
				defer wg.Done()
				res, err := store.AppendMessage(ctx, sess.ID, "agent", fmt.Sprintf("parallel %d", i), nil, nil, nil)
				if err != nil {
					t.Errorf("append failed: %v", err)
					return
				}
				ids[i] = res.MessageID
			}(i)
		}
		wg.Wait()

		sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
		for i, id := range ids {
			if id != int64(i)+1 {
				t.Fatalf("ids must be a permutation of 1..%d without gaps: %v", writers, ids)
			}
		}

		msgs, err := store.ListMessages(ctx, sess.ID, 0)
		if err != nil {
			t.Fatalf("ListMessages failed: %v", err)
		}
		if len(msgs) != writers {
			t.Fatalf("expected %d rows, got %d", writers, len(msgs))
		}
	})
}

func TestListSessionsFilters(t *testing.T) {
	t.Parallel()
	eachStore(t, func(t *testing.T, store Store) {
		ctx := context.Background()
		a, _ := store.CreateSession(ctx, "a", nil)
		b, _ := store.CreateSession(ctx, "b", nil)
		if _, err := store.CreateSession(ctx, "c", nil); err != nil {
			t.Fatalf("CreateSession failed: %v", err)
		}

		if err := store.CloseSession(ctx, a.ID); err != nil {
			t.Fatalf("CloseSession failed: %v", err)
		}
		// idempotent
		if err := store.CloseSession(ctx, a.ID); err != nil {
			t.Fatalf("second CloseSession failed: %v", err)
		}
		if err := store.CloseSession(ctx, "ghost"); !errors.Is(err, ErrSessionNotFound) {
			t.Fatalf("expected ErrSessionNotFound, got %v", err)
		}

		open, err := store.ListSessions(ctx, FilterOpen, 0)
		if err != nil {
			t.Fatalf("ListSessions open failed: %v", err)
		}
		if len(open) != 2 {
			t.Fatalf("expected 2 open sessions, got %d", len(open))
		}
		for _, s := range open {
			if s.ClosedAt != nil {
				t.Fatalf("open filter leaked closed session %s", s.ID)
			}
		}

		closed, err := store.ListSessions(ctx, FilterClosed, 0)
		if err != nil {
			t.Fatalf("ListSessions closed failed: %v", err)
		}
		if len(closed) != 1 || closed[0].ID != a.ID || closed[0].ClosedAt == nil {
			t.Fatalf("closed filter: %+v", closed)
		}

		all, err := store.ListSessions(ctx, FilterAll, 2)
		if err != nil {
			t.Fatalf("ListSessions all failed: %v", err)
		}
		if len(all) != 2 {
			t.Fatalf("limit not applied, got %d", len(all))
		}
		_ = b
	})
}

func TestListMessagesRangeCursor(t *testing.T) {
	t.Parallel()
	eachStore(t, func(t *testing.T, store Store) {
		ctx := context.Background()
		sess, _ := store.CreateSession(ctx, "dev", nil)
		for i := 0; i < 5; i++ {
			if _, err := store.AppendMessage(ctx, sess.ID, "agent", fmt.Sprintf("m%d", i), nil, nil, nil); err != nil {
				t.Fatalf("append failed: %v", err)
			}
		}

		page, err := store.ListMessagesRange(ctx, sess.ID, 2, 2)
		if err != nil {
			t.Fatalf("ListMessagesRange failed: %v", err)
		}
		if len(page) != 2 || page[0].ID != 3 || page[1].ID != 4 {
			t.Fatalf("cursor page: %+v", page)
		}

		rest, err := store.ListMessagesRange(ctx, sess.ID, 4, 0)
		if err != nil {
			t.Fatalf("ListMessagesRange failed: %v", err)
		}
		if len(rest) != 1 || rest[0].ID != 5 {
			t.Fatalf("tail page: %+v", rest)
		}
	})
}

func TestFilterMessages(t *testing.T) {
	t.Parallel()
	eachStore(t, func(t *testing.T, store Store) {
		ctx := context.Background()
		sess, _ := store.CreateSession(ctx, "dev", nil)

		type row struct {
			role, dir, features string
		}
		rows := []row{
			{"device", "rx", "ack"},
			{"agent", "tx", "command"},
			{"device", "rx", "ack,error"},
			{"device", "rx", "telemetry"},
			{"user", "", ""},
		}
		for _, r := range rows {
			var dir, features *string
			if r.dir != "" {
				dir = strptr(r.dir)
			}
			if r.features != "" {
				features = strptr(r.features)
			}
			if _, err := store.AppendMessage(ctx, sess.ID, r.role, "content", dir, features, nil); err != nil {
				t.Fatalf("append failed: %v", err)
			}
		}

		matched, err := store.FilterMessages(ctx, sess.ID, strptr("device"), nil, strptr("ack"), 0)
		if err != nil {
			t.Fatalf("FilterMessages failed: %v", err)
		}
		if len(matched) != 2 {
			t.Fatalf("expected exactly the two ack rows, got %d", len(matched))
		}
		if matched[0].ID >= matched[1].ID {
			t.Fatal("filtered rows must come back in ascending id order")
		}

		byDirection, err := store.FilterMessages(ctx, sess.ID, nil, strptr("tx"), nil, 0)
		if err != nil {
			t.Fatalf("FilterMessages failed: %v", err)
		}
		if len(byDirection) != 1 || byDirection[0].Role != "agent" {
			t.Fatalf("direction filter: %+v", byDirection)
		}
	})
}

func TestFeatureIndexSplitRule(t *testing.T) {
	t.Parallel()
	eachStore(t, func(t *testing.T, store Store) {
		ctx := context.Background()
		sess, _ := store.CreateSession(ctx, "dev", nil)

		if _, err := store.AppendMessage(ctx, sess.ID, "device", "reading", nil, strptr("temp, voltage temp"), nil); err != nil {
			t.Fatalf("append failed: %v", err)
		}

		idx, err := store.FeatureIndex(ctx, sess.ID)
		if err != nil {
			t.Fatalf("FeatureIndex failed: %v", err)
		}
		want := map[string]int{"temp": 2, "voltage": 1}
		if !reflect.DeepEqual(idx, want) {
			t.Fatalf("feature index = %v, want %v", idx, want)
		}
	})
}

func TestSessionStats(t *testing.T) {
	t.Parallel()
	eachStore(t, func(t *testing.T, store Store) {
		ctx := context.Background()
		sess, _ := store.CreateSession(ctx, "dev", nil)

		empty, err := store.SessionStats(ctx, sess.ID)
		if err != nil {
			t.Fatalf("SessionStats failed: %v", err)
		}
		if empty.MessageCount != 0 || empty.MessagesPerMin != 0 {
			t.Fatalf("empty stats: %+v", empty)
		}

		for i := 0; i < 3; i++ {
			if _, err := store.AppendMessage(ctx, sess.ID, "agent", "x", nil, nil, i64ptr(5)); err != nil {
				t.Fatalf("append failed: %v", err)
			}
		}

		stats, err := store.SessionStats(ctx, sess.ID)
		if err != nil {
			t.Fatalf("SessionStats failed: %v", err)
		}
		if stats.MessageCount != 3 {
			t.Fatalf("count = %d", stats.MessageCount)
		}
		if stats.FirstMessageAt == nil || stats.LastMessageAt == nil {
			t.Fatalf("span missing: %+v", stats)
		}
		if stats.MessagesPerMin <= 0 {
			t.Fatalf("rate must be positive: %f", stats.MessagesPerMin)
		}

		if _, err := store.SessionStats(ctx, "ghost"); !errors.Is(err, ErrSessionNotFound) {
			t.Fatalf("expected ErrSessionNotFound, got %v", err)
		}
	})
}

func TestTokenize(t *testing.T) {
	t.Parallel()
	cases := []struct {
		in   string
		want []string
	}{
		{"temp, voltage temp", []string{"temp", "voltage", "temp"}},
		{"a,b,c", []string{"a", "b", "c"}},
		{" ,, ", nil},
		{"one", []string{"one"}},
		{"tab\tsplit,comma", []string{"tab", "split", "comma"}},
	}
	for _, c := range cases {
		got := Tokenize(c.in)
		if len(got) == 0 && len(c.want) == 0 {
			continue
		}
		if !reflect.DeepEqual(got, c.want) {
			t.Fatalf("Tokenize(%q) = %v, want %v", c.in, got, c.want)
		}
	}
}

func TestOpenFallsBackToMemory(t *testing.T) {
	t.Parallel()
	// A directory path cannot be opened as a database file.
	store := Open("sqlite://"+t.TempDir(), zap.NewNop())
	t.Cleanup(func() { _ = store.Close() })

	if _, ok := store.(*MemoryStore); !ok {
		t.Fatalf("expected in-memory fallback, got %T", store)
	}

	// The fallback keeps working with identical semantics.
	ctx := context.Background()
	sess, err := store.CreateSession(ctx, "dev", nil)
	if err != nil {
		t.Fatalf("fallback CreateSession failed: %v", err)
	}
	res, err := store.AppendMessage(ctx, sess.ID, "agent", "hello", nil, nil, nil)
	if err != nil || res.MessageID != 1 {
		t.Fatalf("fallback append: %+v, %v", res, err)
	}
}

func TestOpenUnsupportedScheme(t *testing.T) {
	t.Parallel()
	store := Open("mysql://root@localhost/db", zap.NewNop())
	if _, ok := store.(*MemoryStore); !ok {
		t.Fatalf("unsupported scheme must fall back to memory, got %T", store)
	}
}

func TestResolveDSN(t *testing.T) {
	t.Parallel()
	driver, dsn, err := resolveDSN("postgres://u:p@localhost/sessions")
	if err != nil || driver != "pgx" || dsn != "postgres://u:p@localhost/sessions" {
		t.Fatalf("postgres dsn: %s %s %v", driver, dsn, err)
	}
	driver, dsn, err = resolveDSN("sqlite://" + filepath.Join(t.TempDir(), "x.db"))
	if err != nil || driver != "sqlite" {
		t.Fatalf("sqlite dsn: %s %s %v", driver, dsn, err)
	}
	if _, _, err := resolveDSN("redis://nope"); err == nil {
		t.Fatal("unknown scheme must error")
	}
}

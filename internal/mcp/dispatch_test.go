package mcp

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"go.uber.org/zap"

	"github.com/david-t-martel/serial-mcp-server/internal/negotiation"
	"github.com/david-t-martel/serial-mcp-server/internal/port"
	"github.com/david-t-martel/serial-mcp-server/internal/service"
	"github.com/david-t-martel/serial-mcp-server/internal/session"
)

type testEnv struct {
	registry *Registry
	store    session.Store
	factory  *mockFactory
}

type mockFactory struct {
	mu     sync.Mutex
	opened []*port.MockPort
	// preload is enqueued on every freshly opened handle
	preload []byte
}

func (f *mockFactory) opener(name string, cfg port.Config) (port.Port, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	m := port.NewMock(name)
	if len(f.preload) > 0 {
		m.EnqueueRead(f.preload)
	}
	f.opened = append(f.opened, m)
	return m, nil
}

func (f *mockFactory) last() *port.MockPort {
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.opened) == 0 {
		return nil
	}
	return f.opened[len(f.opened)-1]
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	logger := zap.NewNop()
	factory := &mockFactory{}
	svc := service.NewWithOpener(factory.opener, logger)
	neg := negotiation.NewWithOpener(factory.opener, logger)
	store := session.NewMemory()

	registry := NewRegistry(logger)
	dispatcher := NewDispatcher(svc, neg, store, logger)
	if err := dispatcher.RegisterAll(registry); err != nil {
		t.Fatalf("RegisterAll failed: %v", err)
	}
	return &testEnv{registry: registry, store: store, factory: factory}
}

func call(t *testing.T, env *testEnv, tool string, args map[string]any) *ToolResult {
	t.Helper()
	res := env.registry.Call(context.Background(), tool, args)
	if res == nil {
		t.Fatalf("%s returned no result", tool)
	}
	return res
}

func mustOK(t *testing.T, env *testEnv, tool string, args map[string]any) *ToolResult {
	t.Helper()
	res := call(t, env, tool, args)
	if res.IsError {
		t.Fatalf("%s failed: %s", tool, res.Content[0].Text)
	}
	return res
}

func asInt(t *testing.T, v any) int {
	t.Helper()
	switch n := v.(type) {
	case int:
		return n
	case int64:
		return int(n)
	case uint64:
		return int(n)
	case uint32:
		return int(n)
	case float64:
		return int(n)
	default:
		t.Fatalf("not a number: %T (%v)", v, v)
		return 0
	}
}

func TestToolCatalogue(t *testing.T) {
	t.Parallel()
	env := newTestEnv(t)

	want := []string{
		"list_ports", "list_ports_extended", "open_port", "write", "read",
		"close", "status", "metrics", "reconfigure_port", "detect_port",
		"open_port_auto", "list_manufacturer_profiles",
		"create_session", "append_message", "list_sessions", "close_session",
		"list_messages", "list_messages_range", "export_session",
		"filter_messages", "feature_index", "session_stats",
	}
	infos := env.registry.List()
	if len(infos) != len(want) {
		t.Fatalf("tool count = %d, want %d", len(infos), len(want))
	}
	byName := map[string]bool{}
	for _, info := range infos {
		byName[info.Name] = true
		if len(info.InputSchema) == 0 {
			t.Fatalf("tool %s has no schema", info.Name)
		}
	}
	for _, name := range want {
		if !byName[name] {
			t.Fatalf("missing tool %s", name)
		}
	}
}

func TestOpenWriteReadScenario(t *testing.T) {
	t.Parallel()
	env := newTestEnv(t)

	mustOK(t, env, "open_port", map[string]any{
		"port_name":  "PORT_X",
		"baud_rate":  9600,
		"terminator": "\n",
	})

	res := mustOK(t, env, "write", map[string]any{"text": "PING"})
	if got := asInt(t, res.StructuredContent["bytes_written"]); got != 5 {
		t.Fatalf("bytes_written = %d, want 5 (PING plus terminator)", got)
	}

	env.factory.last().EnqueueRead([]byte("PONG\n"))
	res = mustOK(t, env, "read", map[string]any{})
	if res.StructuredContent["text"] != "PONG" {
		t.Fatalf("read text = %v", res.StructuredContent["text"])
	}
	if got := asInt(t, res.StructuredContent["bytes_read_total"]); got != 5 {
		t.Fatalf("bytes_read_total = %d", got)
	}
	if got := asInt(t, res.StructuredContent["timeout_streak"]); got != 0 {
		t.Fatalf("timeout_streak = %d", got)
	}
}

func TestOpenPortValidation(t *testing.T) {
	t.Parallel()
	env := newTestEnv(t)

	res := call(t, env, "open_port", map[string]any{"port_name": "PORT_X"})
	if !res.IsError {
		t.Fatal("missing baud_rate must be rejected")
	}

	res = call(t, env, "open_port", map[string]any{
		"port_name": "PORT_X",
		"baud_rate": 9600,
		"data_bits": "nine",
	})
	if !res.IsError {
		t.Fatal("bad enum must be rejected")
	}

	// symbolic and numeric enum spellings both pass
	mustOK(t, env, "open_port", map[string]any{
		"port_name": "PORT_X",
		"baud_rate": 9600,
		"data_bits": "eight",
		"stop_bits": 1,
		"parity":    "none",
	})
}

func TestUnknownToolAndDoubleOpen(t *testing.T) {
	t.Parallel()
	env := newTestEnv(t)

	if res := call(t, env, "transmogrify", nil); !res.IsError {
		t.Fatal("unknown tool must error")
	}

	mustOK(t, env, "open_port", map[string]any{"port_name": "PORT_X", "baud_rate": 9600})
	if res := call(t, env, "open_port", map[string]any{"port_name": "PORT_X", "baud_rate": 9600}); !res.IsError {
		t.Fatal("second open must error")
	}

	res := mustOK(t, env, "close", nil)
	if res.Content[0].Text != "closed" {
		t.Fatalf("close text = %q", res.Content[0].Text)
	}
	res = mustOK(t, env, "close", nil)
	if res.Content[0].Text != "already closed" {
		t.Fatalf("idempotent close text = %q", res.Content[0].Text)
	}
}

func TestIdleAutoCloseScenario(t *testing.T) {
	t.Parallel()
	env := newTestEnv(t)

	mustOK(t, env, "open_port", map[string]any{
		"port_name":          "PORT_X",
		"baud_rate":          9600,
		"idle_disconnect_ms": 50,
	})
	mustOK(t, env, "write", map[string]any{"text": "X"})
	time.Sleep(60 * time.Millisecond)

	res := mustOK(t, env, "read", map[string]any{})
	sc := res.StructuredContent
	if sc["event"] != "auto_close" || sc["reason"] != "idle_timeout" {
		t.Fatalf("auto-close payload: %v", sc)
	}
	if got := asInt(t, sc["idle_close_count"]); got != 1 {
		t.Fatalf("idle_close_count = %d", got)
	}
	if asInt(t, sc["idle_ms"]) < 50 {
		t.Fatalf("idle_ms = %v", sc["idle_ms"])
	}

	status := mustOK(t, env, "status", nil)
	if status.StructuredContent["state"] != "Closed" {
		t.Fatalf("status after auto-close: %v", status.StructuredContent)
	}
}

func TestDetectPortManufacturerScenario(t *testing.T) {
	t.Parallel()
	env := newTestEnv(t)

	res := mustOK(t, env, "detect_port", map[string]any{
		"port_name": "PORT_X",
		"vid":       "0x0403",
	})
	sc := res.StructuredContent
	if sc["strategy_used"] != "manufacturer" {
		t.Fatalf("strategy = %v", sc["strategy_used"])
	}
	if got := asInt(t, sc["baud_rate"]); got != 115200 {
		t.Fatalf("baud_rate = %d", got)
	}
	if conf, ok := sc["confidence"].(float64); !ok || conf < 0.7 {
		t.Fatalf("confidence = %v", sc["confidence"])
	}
}

func TestOpenPortAuto(t *testing.T) {
	t.Parallel()
	env := newTestEnv(t)
	env.factory.preload = []byte("OK\r\n")

	res := mustOK(t, env, "open_port_auto", map[string]any{"port_name": "PORT_X"})
	sc := res.StructuredContent
	if sc["strategy_used"] == nil || asInt(t, sc["baud_rate"]) == 0 {
		t.Fatalf("auto-open payload: %v", sc)
	}

	status := mustOK(t, env, "status", nil)
	if status.StructuredContent["state"] != "Open" {
		t.Fatalf("port must be open after open_port_auto: %v", status.StructuredContent)
	}
}

func TestListManufacturerProfiles(t *testing.T) {
	t.Parallel()
	env := newTestEnv(t)

	res := mustOK(t, env, "list_manufacturer_profiles", nil)
	profiles, ok := res.StructuredContent["profiles"].([]any)
	if !ok || len(profiles) < 8 {
		t.Fatalf("profiles: %v", res.StructuredContent["profiles"])
	}
}

func TestSessionScenario(t *testing.T) {
	t.Parallel()
	env := newTestEnv(t)

	created := mustOK(t, env, "create_session", map[string]any{"device_id": "dev1"})
	sessionID, _ := created.StructuredContent["id"].(string)
	if sessionID == "" {
		t.Fatalf("create_session payload: %v", created.StructuredContent)
	}

	for i := 1; i <= 4; i++ {
		res := mustOK(t, env, "append_message", map[string]any{
			"session_id": sessionID,
			"role":       "agent",
			"content":    fmt.Sprintf("hello %d", i),
		})
		if got := asInt(t, res.StructuredContent["message_id"]); got != i {
			t.Fatalf("append %d returned id %d", i, got)
		}
	}

	listed := mustOK(t, env, "list_messages", map[string]any{"session_id": sessionID})
	msgs, _ := listed.StructuredContent["messages"].([]any)
	if len(msgs) != 4 {
		t.Fatalf("expected 4 rows, got %d", len(msgs))
	}
	for i, raw := range msgs {
		row, _ := raw.(map[string]any)
		if asInt(t, row["id"]) != i+1 {
			t.Fatalf("rows out of order: %v", msgs)
		}
	}
}

func TestFilterMessagesScenario(t *testing.T) {
	t.Parallel()
	env := newTestEnv(t)

	created := mustOK(t, env, "create_session", map[string]any{"device_id": "dev1"})
	sessionID := created.StructuredContent["id"].(string)

	rows := []map[string]any{
		{"role": "device", "features": "ack"},
		{"role": "device", "features": "ack,busy"},
		{"role": "agent", "features": "ack"},
		{"role": "device", "features": "telemetry"},
		{"role": "device"},
	}
	for i, row := range rows {
		args := map[string]any{
			"session_id": sessionID,
			"role":       row["role"],
			"content":    fmt.Sprintf("row %d", i),
		}
		if f, ok := row["features"]; ok {
			args["features"] = f
		}
		mustOK(t, env, "append_message", args)
	}

	res := mustOK(t, env, "filter_messages", map[string]any{
		"session_id":       sessionID,
		"role":             "device",
		"feature_contains": "ack",
	})
	msgs := res.StructuredContent["messages"].([]any)
	if len(msgs) != 2 {
		t.Fatalf("expected the two matching rows, got %d", len(msgs))
	}
	first := msgs[0].(map[string]any)
	second := msgs[1].(map[string]any)
	if asInt(t, first["id"]) >= asInt(t, second["id"]) {
		t.Fatal("filtered rows must be ascending by id")
	}
}

func TestFeatureIndexTool(t *testing.T) {
	t.Parallel()
	env := newTestEnv(t)

	created := mustOK(t, env, "create_session", map[string]any{"device_id": "dev1"})
	sessionID := created.StructuredContent["id"].(string)
	mustOK(t, env, "append_message", map[string]any{
		"session_id": sessionID,
		"role":       "device",
		"content":    "reading",
		"features":   "temp, voltage temp",
	})

	res := mustOK(t, env, "feature_index", map[string]any{"session_id": sessionID})
	counts := res.StructuredContent["feature_counts"].(map[string]any)
	if asInt(t, counts["temp"]) != 2 || asInt(t, counts["voltage"]) != 1 {
		t.Fatalf("feature counts: %v", counts)
	}
}

func TestConcurrentAppendTool(t *testing.T) {
	t.Parallel()
	env := newTestEnv(t)

	created := mustOK(t, env, "create_session", map[string]any{"device_id": "dev1"})
	sessionID := created.StructuredContent["id"].(string)

	var wg sync.WaitGroup
	ids := make(chan int, 8)
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			res := env.registry.Call(context.Background(), "append_message", map[string]any{
				"session_id": sessionID,
				"role":       "agent",
				"content":    fmt.Sprintf("p%d", i),
			})
			if res.IsError {
				t.Errorf("append failed: %s", res.Content[0].Text)
				return
			}
			ids <- asInt(t, res.StructuredContent["message_id"])
		}(i)
	}
	wg.Wait()
	close(ids)

	seen := map[int]bool{}
	for id := range ids {
		if seen[id] {
			t.Fatalf("duplicate message id %d", id)
		}
		seen[id] = true
	}
	for i := 1; i <= 8; i++ {
		if !seen[i] {
			t.Fatalf("gap at id %d (seen %v)", i, seen)
		}
	}
}

func TestWriteAuditAppendsToSession(t *testing.T) {
	t.Parallel()
	env := newTestEnv(t)

	created := mustOK(t, env, "create_session", map[string]any{"device_id": "dev1"})
	sessionID := created.StructuredContent["id"].(string)

	mustOK(t, env, "open_port", map[string]any{"port_name": "PORT_X", "baud_rate": 9600})
	mustOK(t, env, "write", map[string]any{"text": "CMD", "session_id": sessionID})

	msgs, err := env.store.ListMessages(context.Background(), sessionID, 0)
	if err != nil {
		t.Fatalf("ListMessages failed: %v", err)
	}
	if len(msgs) != 1 || msgs[0].Content != "CMD" {
		t.Fatalf("audit trail: %+v", msgs)
	}
	if msgs[0].Direction == nil || *msgs[0].Direction != "tx" {
		t.Fatalf("audit direction: %+v", msgs[0])
	}
}

func TestSessionStatsTool(t *testing.T) {
	t.Parallel()
	env := newTestEnv(t)

	created := mustOK(t, env, "create_session", map[string]any{"device_id": "dev1"})
	sessionID := created.StructuredContent["id"].(string)
	mustOK(t, env, "append_message", map[string]any{
		"session_id": sessionID, "role": "agent", "content": "x",
	})

	res := mustOK(t, env, "session_stats", map[string]any{"session_id": sessionID})
	if asInt(t, res.StructuredContent["message_count"]) != 1 {
		t.Fatalf("stats: %v", res.StructuredContent)
	}

	if res := call(t, env, "session_stats", map[string]any{"session_id": "ghost"}); !res.IsError {
		t.Fatal("unknown session must error")
	}
}

func TestExportSessionRoundTrip(t *testing.T) {
	t.Parallel()
	env := newTestEnv(t)

	created := mustOK(t, env, "create_session", map[string]any{
		"device_id": "dev1",
		"port_name": "COM7",
	})
	sessionID := created.StructuredContent["id"].(string)

	res := mustOK(t, env, "export_session", map[string]any{"session_id": sessionID})
	sess := res.StructuredContent["session"].(map[string]any)
	if sess["device_id"] != "dev1" || sess["port_name"] != "COM7" {
		t.Fatalf("export session: %v", sess)
	}
	msgs := res.StructuredContent["messages"].([]any)
	if len(msgs) != 0 {
		t.Fatalf("fresh export must have no messages: %v", msgs)
	}
}

func TestReconfigureTool(t *testing.T) {
	t.Parallel()
	env := newTestEnv(t)

	mustOK(t, env, "open_port", map[string]any{
		"port_name": "PORT_X", "baud_rate": 9600, "terminator": "\n",
	})
	mustOK(t, env, "write", map[string]any{"text": "X"})

	res := mustOK(t, env, "reconfigure_port", map[string]any{"baud_rate": 115200})
	if res.Content[0].Text != "reconfigured" {
		t.Fatalf("text = %q", res.Content[0].Text)
	}

	status := mustOK(t, env, "status", nil)
	cfg := status.StructuredContent["config"].(map[string]any)
	if asInt(t, cfg["baud_rate"]) != 115200 {
		t.Fatalf("baud not applied: %v", cfg)
	}
	metrics := status.StructuredContent["metrics"].(map[string]any)
	if asInt(t, metrics["bytes_written_total"]) != 0 {
		t.Fatalf("counters must reset: %v", metrics)
	}
}

package mcp

import (
	"context"
	"fmt"

	"github.com/david-t-martel/serial-mcp-server/internal/session"
)

func (d *Dispatcher) createSession(ctx context.Context, args map[string]any) (*ToolResult, error) {
	var a struct {
		DeviceID string  `json:"device_id"`
		PortName *string `json:"port_name"`
	}
	if err := decodeArgs(args, &a); err != nil {
		return nil, err
	}

	sess, err := d.store.CreateSession(ctx, a.DeviceID, a.PortName)
	if err != nil {
		return nil, err
	}
	return structuredResult("session created", toMap(sess)), nil
}

func (d *Dispatcher) appendMessage(ctx context.Context, args map[string]any) (*ToolResult, error) {
	var a struct {
		SessionID string  `json:"session_id"`
		Role      string  `json:"role"`
		Content   string  `json:"content"`
		Direction *string `json:"direction"`
		Features  *string `json:"features"`
		LatencyMs *int64  `json:"latency_ms"`
	}
	if err := decodeArgs(args, &a); err != nil {
		return nil, err
	}

	res, err := d.store.AppendMessage(ctx, a.SessionID, a.Role, a.Content, a.Direction, a.Features, a.LatencyMs)
	if err != nil {
		return nil, err
	}
	return structuredResult(fmt.Sprintf("message %d appended", res.MessageID), toMap(res)), nil
}

func (d *Dispatcher) listSessions(ctx context.Context, args map[string]any) (*ToolResult, error) {
	var a struct {
		Filter string `json:"filter"`
		Limit  int    `json:"limit"`
	}
	if err := decodeArgs(args, &a); err != nil {
		return nil, err
	}
	if a.Filter == "" {
		a.Filter = string(session.FilterAll)
	}

	sessions, err := d.store.ListSessions(ctx, session.Filter(a.Filter), a.Limit)
	if err != nil {
		return nil, err
	}
	out := make([]any, 0, len(sessions))
	for _, s := range sessions {
		out = append(out, toMap(s))
	}
	return structuredResult(fmt.Sprintf("%d sessions", len(sessions)),
		map[string]any{"sessions": out}), nil
}

func (d *Dispatcher) closeSession(ctx context.Context, args map[string]any) (*ToolResult, error) {
	var a struct {
		SessionID string `json:"session_id"`
	}
	if err := decodeArgs(args, &a); err != nil {
		return nil, err
	}
	if err := d.store.CloseSession(ctx, a.SessionID); err != nil {
		return nil, err
	}
	return structuredResult("session closed", map[string]any{"session_id": a.SessionID}), nil
}

func (d *Dispatcher) listMessages(ctx context.Context, args map[string]any) (*ToolResult, error) {
	var a struct {
		SessionID string `json:"session_id"`
		Limit     int    `json:"limit"`
	}
	if err := decodeArgs(args, &a); err != nil {
		return nil, err
	}

	msgs, err := d.store.ListMessages(ctx, a.SessionID, a.Limit)
	if err != nil {
		return nil, err
	}
	return messageListResult(a.SessionID, msgs), nil
}

func (d *Dispatcher) listMessagesRange(ctx context.Context, args map[string]any) (*ToolResult, error) {
	var a struct {
		SessionID string `json:"session_id"`
		AfterID   int64  `json:"after_id"`
		Limit     int    `json:"limit"`
	}
	if err := decodeArgs(args, &a); err != nil {
		return nil, err
	}

	msgs, err := d.store.ListMessagesRange(ctx, a.SessionID, a.AfterID, a.Limit)
	if err != nil {
		return nil, err
	}
	return messageListResult(a.SessionID, msgs), nil
}

func (d *Dispatcher) exportSession(ctx context.Context, args map[string]any) (*ToolResult, error) {
	var a struct {
		SessionID string `json:"session_id"`
	}
	if err := decodeArgs(args, &a); err != nil {
		return nil, err
	}

	export, err := d.store.ExportSession(ctx, a.SessionID)
	if err != nil {
		return nil, err
	}
	return structuredResult("session exported", toMap(export)), nil
}

func (d *Dispatcher) filterMessages(ctx context.Context, args map[string]any) (*ToolResult, error) {
	var a struct {
		SessionID       string  `json:"session_id"`
		Role            *string `json:"role"`
		Direction       *string `json:"direction"`
		FeatureContains *string `json:"feature_contains"`
		Limit           int     `json:"limit"`
	}
	if err := decodeArgs(args, &a); err != nil {
		return nil, err
	}

	msgs, err := d.store.FilterMessages(ctx, a.SessionID, a.Role, a.Direction, a.FeatureContains, a.Limit)
	if err != nil {
		return nil, err
	}
	return messageListResult(a.SessionID, msgs), nil
}

func (d *Dispatcher) featureIndex(ctx context.Context, args map[string]any) (*ToolResult, error) {
	var a struct {
		SessionID string `json:"session_id"`
	}
	if err := decodeArgs(args, &a); err != nil {
		return nil, err
	}

	counts, err := d.store.FeatureIndex(ctx, a.SessionID)
	if err != nil {
		return nil, err
	}
	featureCounts := make(map[string]any, len(counts))
	for token, count := range counts {
		featureCounts[token] = count
	}
	return structuredResult("feature index", map[string]any{
		"session_id":     a.SessionID,
		"feature_counts": featureCounts,
	}), nil
}

func (d *Dispatcher) sessionStats(ctx context.Context, args map[string]any) (*ToolResult, error) {
	var a struct {
		SessionID string `json:"session_id"`
	}
	if err := decodeArgs(args, &a); err != nil {
		return nil, err
	}

	stats, err := d.store.SessionStats(ctx, a.SessionID)
	if err != nil {
		return nil, err
	}
	structured := toMap(stats)
	structured["session_id"] = a.SessionID
	return structuredResult("session stats", structured), nil
}

func messageListResult(sessionID string, msgs []session.Message) *ToolResult {
	out := make([]any, 0, len(msgs))
	for _, m := range msgs {
		out = append(out, toMap(m))
	}
	return structuredResult(fmt.Sprintf("%d messages", len(msgs)), map[string]any{
		"session_id": sessionID,
		"messages":   out,
	})
}

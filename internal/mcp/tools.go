// Package mcp exposes the tool-call RPC surface: a newline-delimited
// JSON-RPC 2.0 transport plus a registry of named tools with declared
// argument schemas.
package mcp

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/santhosh-tekuri/jsonschema/v5"
	"go.uber.org/zap"
)

// TextContent is the human-readable half of a tool result.
type TextContent struct {
	Type string `json:"type"`
	Text string `json:"text"`
}

// ToolResult is the dual-form response: a short text summary plus a
// structured detail object.
type ToolResult struct {
	Content           []TextContent  `json:"content"`
	StructuredContent map[string]any `json:"structuredContent,omitempty"`
	IsError           bool           `json:"isError,omitempty"`
}

func textResult(text string) *ToolResult {
	return &ToolResult{Content: []TextContent{{Type: "text", Text: text}}}
}

func structuredResult(text string, structured map[string]any) *ToolResult {
	res := textResult(text)
	res.StructuredContent = structured
	return res
}

func errorResult(format string, args ...any) *ToolResult {
	res := textResult(fmt.Sprintf(format, args...))
	res.IsError = true
	return res
}

// Handler executes one tool invocation over an already-validated
// argument map.
type Handler func(ctx context.Context, args map[string]any) (*ToolResult, error)

// Tool binds a name and argument schema to a handler.
type Tool struct {
	Name        string
	Description string
	RawSchema   json.RawMessage

	schema  *jsonschema.Schema
	handler Handler
}

// ToolInfo is the tools/list projection.
type ToolInfo struct {
	Name        string          `json:"name"`
	Description string          `json:"description"`
	InputSchema json.RawMessage `json:"inputSchema"`
}

// Registry holds the tool set in registration order.
type Registry struct {
	order  []*Tool
	byName map[string]*Tool
	logger *zap.Logger
}

func NewRegistry(logger *zap.Logger) *Registry {
	return &Registry{byName: make(map[string]*Tool), logger: logger}
}

// Register compiles the declared JSON Schema and adds the tool.
func (r *Registry) Register(name, description, schemaJSON string, handler Handler) error {
	if _, exists := r.byName[name]; exists {
		return fmt.Errorf("duplicate tool: %s", name)
	}
	compiled, err := jsonschema.CompileString(name+".json", schemaJSON)
	if err != nil {
		return fmt.Errorf("compile schema for %s: %w", name, err)
	}
	tool := &Tool{
		Name:        name,
		Description: description,
		RawSchema:   json.RawMessage(schemaJSON),
		schema:      compiled,
		handler:     handler,
	}
	r.order = append(r.order, tool)
	r.byName[name] = tool
	return nil
}

// List returns the tool catalogue for tools/list.
func (r *Registry) List() []ToolInfo {
	infos := make([]ToolInfo, 0, len(r.order))
	for _, t := range r.order {
		infos = append(infos, ToolInfo{Name: t.Name, Description: t.Description, InputSchema: t.RawSchema})
	}
	return infos
}

// Call validates the argument map against the tool's schema and
// delegates. Failures come back as error results, never as transport
// errors.
func (r *Registry) Call(ctx context.Context, name string, args map[string]any) *ToolResult {
	tool, ok := r.byName[name]
	if !ok {
		return errorResult("unknown tool: %s", name)
	}
	if args == nil {
		args = map[string]any{}
	}
	if err := tool.schema.Validate(normalize(args)); err != nil {
		return errorResult("invalid arguments for %s: %v", name, err)
	}

	res, err := tool.handler(ctx, args)
	if err != nil {
		r.logger.Debug("tool failed", zap.String("tool", name), zap.Error(err))
		return errorResult("%v", err)
	}
	return res
}

// normalize re-decodes through encoding/json so the validator sees
// plain interface values regardless of how the map was built.
func normalize(args map[string]any) any {
	raw, err := json.Marshal(args)
	if err != nil {
		return args
	}
	var v any
	if err := json.Unmarshal(raw, &v); err != nil {
		return args
	}
	return v
}

// decodeArgs maps a validated argument map onto a typed struct using
// the struct's JSON tags (the port enums accept symbolic and numeric
// spellings there).
func decodeArgs(args map[string]any, dst any) error {
	raw, err := json.Marshal(args)
	if err != nil {
		return fmt.Errorf("encode arguments: %w", err)
	}
	if err := json.Unmarshal(raw, dst); err != nil {
		return fmt.Errorf("invalid arguments: %w", err)
	}
	return nil
}

// toMap projects a struct into the structured-content shape.
func toMap(v any) map[string]any {
	raw, err := json.Marshal(v)
	if err != nil {
		return map[string]any{}
	}
	out := map[string]any{}
	if err := json.Unmarshal(raw, &out); err != nil {
		return map[string]any{}
	}
	return out
}

package mcp

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"sync"

	"go.uber.org/zap"
)

const (
	protocolVersion = "2025-06-18"
	serverName      = "serial-mcp-server"
	serverVersion   = "3.0.0"

	codeParseError     = -32700
	codeInvalidRequest = -32600
	codeMethodNotFound = -32601
)

const maxLineBytes = 1 << 20

type rpcRequest struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      json.RawMessage `json:"id,omitempty"`
	Method  string          `json:"method"`
	Params  json.RawMessage `json:"params,omitempty"`
}

type rpcError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}

type rpcResponse struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      json.RawMessage `json:"id"`
	Result  any             `json:"result,omitempty"`
	Error   *rpcError       `json:"error,omitempty"`
}

// Server runs the newline-delimited JSON-RPC loop over two byte
// streams. Each message is one JSON object terminated by '\n'.
type Server struct {
	in       io.Reader
	out      io.Writer
	writeMu  sync.Mutex
	registry *Registry
	logger   *zap.Logger
}

func NewServer(in io.Reader, out io.Writer, registry *Registry, logger *zap.Logger) *Server {
	return &Server{in: in, out: out, registry: registry, logger: logger}
}

// Run processes requests until EOF on the inbound stream. A clean EOF
// returns nil (process exit 0).
func (s *Server) Run(ctx context.Context) error {
	if os.Getenv("MCP_DEBUG_BOOT") != "" {
		fmt.Fprintln(os.Stderr, serverName+": boot")
	}

	// Early liveness signal for supervisors; opt out per environment.
	if os.Getenv("MCP_DISABLE_HEARTBEAT") != "1" {
		s.writeLine([]byte(`{"jsonrpc":"2.0","method":"_heartbeat","params":{}}`))
	}

	scanner := bufio.NewScanner(s.in)
	scanner.Buffer(make([]byte, 64*1024), maxLineBytes)

	for scanner.Scan() {
		line := bytes.TrimSpace(scanner.Bytes())
		if len(line) == 0 {
			continue
		}

		var req rpcRequest
		if err := json.Unmarshal(line, &req); err != nil {
			s.respondError(nil, codeParseError, "parse error")
			continue
		}
		s.handle(ctx, req)
	}

	if err := scanner.Err(); err != nil {
		return fmt.Errorf("read rpc stream: %w", err)
	}
	s.logger.Info("rpc peer closed the stream")
	return nil
}

func isNotification(id json.RawMessage) bool {
	return len(id) == 0 || bytes.Equal(bytes.TrimSpace(id), []byte("null"))
}

func (s *Server) handle(ctx context.Context, req rpcRequest) {
	switch req.Method {
	case "initialize":
		s.respondResult(req.ID, map[string]any{
			"protocolVersion": protocolVersion,
			"capabilities":    map[string]any{"tools": map[string]any{}},
			"serverInfo":      map[string]any{"name": serverName, "version": serverVersion},
		})

	case "ping":
		s.respondResult(req.ID, map[string]any{})

	case "tools/list":
		s.respondResult(req.ID, map[string]any{"tools": s.registry.List()})

	case "tools/call":
		var params struct {
			Name      string         `json:"name"`
			Arguments map[string]any `json:"arguments"`
		}
		if len(req.Params) > 0 {
			if err := json.Unmarshal(req.Params, &params); err != nil {
				s.respondError(req.ID, codeInvalidRequest, "invalid tools/call params")
				return
			}
		}
		if params.Name == "" {
			s.respondError(req.ID, codeInvalidRequest, "missing tool name")
			return
		}
		result := s.registry.Call(ctx, params.Name, params.Arguments)
		s.respondResult(req.ID, result)

	default:
		// Notifications (initialized etc.) are consumed silently; any
		// unknown request - the legacy callTool included - is
		// method-not-found.
		if isNotification(req.ID) {
			return
		}
		s.respondError(req.ID, codeMethodNotFound, fmt.Sprintf("method not found: %s", req.Method))
	}
}

func (s *Server) respondResult(id json.RawMessage, result any) {
	if isNotification(id) {
		return
	}
	s.writeResponse(rpcResponse{JSONRPC: "2.0", ID: id, Result: result})
}

func (s *Server) respondError(id json.RawMessage, code int, message string) {
	if id == nil {
		id = json.RawMessage("null")
	}
	s.writeResponse(rpcResponse{JSONRPC: "2.0", ID: id, Error: &rpcError{Code: code, Message: message}})
}

func (s *Server) writeResponse(resp rpcResponse) {
	data, err := json.Marshal(resp)
	if err != nil {
		s.logger.Error("failed to encode rpc response", zap.Error(err))
		return
	}
	s.writeLine(data)
}

func (s *Server) writeLine(data []byte) {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	if _, err := s.out.Write(append(data, '\n')); err != nil {
		s.logger.Warn("failed to write rpc message", zap.Error(err))
	}
}

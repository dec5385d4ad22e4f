package mcp

import (
	"context"

	"go.uber.org/zap"

	"github.com/david-t-martel/serial-mcp-server/internal/negotiation"
	"github.com/david-t-martel/serial-mcp-server/internal/service"
	"github.com/david-t-martel/serial-mcp-server/internal/session"
)

// Dispatcher binds the tool surface to the port service, the
// auto-negotiator and the session store. It owns no state of its own.
type Dispatcher struct {
	service    *service.PortService
	negotiator *negotiation.Negotiator
	store      session.Store
	logger     *zap.Logger
}

func NewDispatcher(svc *service.PortService, neg *negotiation.Negotiator, store session.Store, logger *zap.Logger) *Dispatcher {
	return &Dispatcher{service: svc, negotiator: neg, store: store, logger: logger}
}

// RegisterAll installs the full tool set on the registry.
func (d *Dispatcher) RegisterAll(r *Registry) error {
	type entry struct {
		name, description, schema string
		handler                   Handler
	}
	entries := []entry{
		// Serial
		{"list_ports", "List available serial ports on this system", emptySchema, d.listPorts},
		{"list_ports_extended", "List serial ports with extended metadata (VID/PID, product, serial number, transport)", emptySchema, d.listPortsExtended},
		{"open_port", "Open a serial port with configuration", openPortSchema, d.openPort},
		{"write", "Write UTF-8 data to the open serial port", writeSchema, d.write},
		{"read", "Read data from the open serial port (up to 1024 bytes)", readSchema, d.read},
		{"close", "Close the currently open serial port (idempotent)", emptySchema, d.close},
		{"status", "Return current port status and configuration", emptySchema, d.status},
		{"metrics", "Return cumulative port IO metrics and timing", emptySchema, d.metrics},
		{"reconfigure_port", "Reopen (or open) the serial port with new configuration, resetting runtime metrics", reconfigurePortSchema, d.reconfigurePort},
		{"detect_port", "Auto-detect baud rate and parameters for a port using negotiation strategies", detectPortSchema, d.detectPort},
		{"open_port_auto", "Open a port with automatic baud rate detection", openPortAutoSchema, d.openPortAuto},
		{"list_manufacturer_profiles", "List known manufacturer profiles for auto-negotiation", emptySchema, d.listManufacturerProfiles},

		// Sessions
		{"create_session", "Create a new session for a logical device id", createSessionSchema, d.createSession},
		{"append_message", "Append a message to a session timeline", appendMessageSchema, d.appendMessage},
		{"list_sessions", "List sessions filtered by open/closed/all", listSessionsSchema, d.listSessions},
		{"close_session", "Mark a session closed (idempotent)", sessionIDSchema, d.closeSession},
		{"list_messages", "List messages for a session (ascending)", listMessagesSchema, d.listMessages},
		{"list_messages_range", "List messages after a cursor id (ascending)", listMessagesRangeSchema, d.listMessagesRange},
		{"export_session", "Export full session with messages", sessionIDSchema, d.exportSession},
		{"filter_messages", "Filter messages by role / direction / feature substring", filterMessagesSchema, d.filterMessages},
		{"feature_index", "Build an index of feature tag counts for a session", sessionIDSchema, d.featureIndex},
		{"session_stats", "Lightweight stats for a session (count, span, rate)", sessionIDSchema, d.sessionStats},
	}

	for _, e := range entries {
		if err := r.Register(e.name, e.description, e.schema, e.handler); err != nil {
			return err
		}
	}
	return nil
}

// audit appends a timeline message when the caller tied the call to a
// session. Failures are logged, never surfaced: the port operation
// already succeeded.
func (d *Dispatcher) audit(ctx context.Context, sessionID *string, role, content string, direction string) {
	if sessionID == nil || *sessionID == "" {
		return
	}
	var dir *string
	if direction != "" {
		dir = &direction
	}
	if _, err := d.store.AppendMessage(ctx, *sessionID, role, content, dir, nil, nil); err != nil {
		d.logger.Warn("audit append failed",
			zap.String("session_id", *sessionID),
			zap.Error(err))
	}
}

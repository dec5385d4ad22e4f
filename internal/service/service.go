// Package service owns the single process-wide port state and is the
// only component that mutates it. Every operation takes the state
// lock, performs its short blocking driver calls (one for open, write
// and read; close plus reopen for reconfigure), and releases.
package service

import (
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/david-t-martel/serial-mcp-server/internal/port"
)

const readBufferSize = 1024

// Event is emitted to the optional sink on port lifecycle changes.
// The sink runs outside the state lock.
type Event struct {
	Type     string         `json:"type"` // port_opened, port_closed, port_auto_closed
	PortName string         `json:"port_name,omitempty"`
	Detail   map[string]any `json:"detail,omitempty"`
}

// PortService guards the exclusive hardware handle. At most one Open
// state exists process-wide.
type PortService struct {
	mu     sync.Mutex
	open   *openState
	opener port.Opener
	logger *zap.Logger

	sinkMu sync.RWMutex
	sink   func(Event)
}

func New(logger *zap.Logger) *PortService {
	return &PortService{opener: port.OpenSerial, logger: logger}
}

// NewWithOpener injects a handle factory; tests pass a mock opener.
func NewWithOpener(opener port.Opener, logger *zap.Logger) *PortService {
	return &PortService{opener: opener, logger: logger}
}

// SetEventSink registers a callback for lifecycle events (consumed by
// the WebSocket hub). Pass nil to remove.
func (s *PortService) SetEventSink(fn func(Event)) {
	s.sinkMu.Lock()
	s.sink = fn
	s.sinkMu.Unlock()
}

func (s *PortService) emit(ev Event) {
	s.sinkMu.RLock()
	sink := s.sink
	s.sinkMu.RUnlock()
	if sink != nil {
		sink(ev)
	}
}

// ---------- Results ----------

type OpenResult struct {
	PortName string `json:"port_name"`
	BaudRate int    `json:"baud_rate"`
	Message  string `json:"message"`
}

type CloseResult struct {
	Message       string `json:"message"`
	AlreadyClosed bool   `json:"already_closed"`
}

type WriteResult struct {
	BytesWritten      int    `json:"bytes_written"`
	BytesWrittenTotal uint64 `json:"bytes_written_total"`
}

// AutoCloseInfo carries the watchdog event payload. IdleCloseCount is
// the post-increment value of the just-closed lifecycle.
type AutoCloseInfo struct {
	Reason         string `json:"reason"`
	IdleMs         uint64 `json:"idle_ms"`
	IdleCloseCount uint64 `json:"idle_close_count"`
}

type ReadResult struct {
	Text           string         `json:"text"`
	BytesRead      int            `json:"bytes_read"`
	BytesReadTotal uint64         `json:"bytes_read_total"`
	TimeoutStreak  uint32         `json:"timeout_streak"`
	AutoClose      *AutoCloseInfo `json:"auto_close,omitempty"`
}

type Metrics struct {
	BytesReadTotal    uint64 `json:"bytes_read_total"`
	BytesWrittenTotal uint64 `json:"bytes_written_total"`
	IdleCloseCount    uint64 `json:"idle_close_count"`
	OpenDurationMs    uint64 `json:"open_duration_ms"`
	LastActivityMs    uint64 `json:"last_activity_ms"`
	TimeoutStreak     uint32 `json:"timeout_streak"`
}

type StatusResult struct {
	State   string   `json:"state"` // "Open" | "Closed"
	Config  *Config  `json:"config,omitempty"`
	Metrics *Metrics `json:"metrics,omitempty"`
}

// ---------- Operations ----------

// Open transitions Closed -> Open with all counters zeroed.
func (s *PortService) Open(cfg Config) (OpenResult, error) {
	s.mu.Lock()
	if s.open != nil {
		s.mu.Unlock()
		return OpenResult{}, ErrAlreadyOpen
	}

	handle, err := s.opener(cfg.PortName, cfg.portConfig())
	if err != nil {
		s.mu.Unlock()
		return OpenResult{}, &OpenError{PortName: cfg.PortName, Err: err}
	}

	now := time.Now()
	s.open = &openState{
		port:         handle,
		config:       cfg,
		lastActivity: now,
		openStarted:  now,
	}
	s.mu.Unlock()

	s.logger.Info("port opened",
		zap.String("port", cfg.PortName),
		zap.Int("baud", cfg.BaudRate))
	s.emit(Event{Type: "port_opened", PortName: cfg.PortName, Detail: map[string]any{"baud_rate": cfg.BaudRate}})
	return OpenResult{PortName: cfg.PortName, BaudRate: cfg.BaudRate, Message: "opened"}, nil
}

// Close is idempotent. The handle is released before the state slot is
// cleared.
func (s *PortService) Close() CloseResult {
	s.mu.Lock()
	if s.open == nil {
		s.mu.Unlock()
		return CloseResult{Message: "already closed", AlreadyClosed: true}
	}
	name := s.open.config.PortName
	s.closeLocked()
	s.mu.Unlock()

	s.logger.Info("port closed", zap.String("port", name))
	s.emit(Event{Type: "port_closed", PortName: name})
	return CloseResult{Message: "closed"}
}

// closeLocked releases the handle first, then zeroes the slot. Caller
// holds the state lock.
func (s *PortService) closeLocked() {
	if err := s.open.port.Close(); err != nil {
		s.logger.Warn("error releasing port handle", zap.Error(err))
	}
	s.open = nil
}

// Write transmits text, appending the terminator exactly once when it
// is configured and missing.
func (s *PortService) Write(text string) (WriteResult, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.open == nil {
		return WriteResult{}, ErrNotOpen
	}
	st := s.open

	data := text
	if term := st.config.Terminator; term != "" && !strings.HasSuffix(data, term) {
		data += term
	}

	n, err := st.port.Write([]byte(data))
	if err != nil {
		return WriteResult{}, &IOError{Op: "write", Err: err}
	}

	st.bytesWrittenTotal += uint64(n)
	st.lastActivity = time.Now()
	return WriteResult{BytesWritten: n, BytesWrittenTotal: st.bytesWrittenTotal}, nil
}

// Read evaluates the idle watchdog before any I/O, then attempts a
// single read of at most 1024 bytes bounded by the configured timeout.
// A zero-byte read is a Timeout result, not an error.
func (s *PortService) Read() (ReadResult, error) {
	s.mu.Lock()
	if s.open == nil {
		s.mu.Unlock()
		return ReadResult{}, ErrNotOpen
	}
	st := s.open

	// Watchdog zuerst: kein I/O auf einer abgelaufenen Verbindung
	if st.config.IdleDisconnect > 0 {
		idle := time.Since(st.lastActivity)
		if idle >= time.Duration(st.config.IdleDisconnect)*time.Millisecond {
			st.idleCloseCount++
			info := &AutoCloseInfo{
				Reason:         "idle_timeout",
				IdleMs:         uint64(idle.Milliseconds()),
				IdleCloseCount: st.idleCloseCount,
			}
			total := st.bytesReadTotal
			name := st.config.PortName
			s.closeLocked()
			s.mu.Unlock()

			s.logger.Info("port auto-closed",
				zap.String("port", name),
				zap.Uint64("idle_ms", info.IdleMs))
			s.emit(Event{Type: "port_auto_closed", PortName: name, Detail: map[string]any{
				"reason":           info.Reason,
				"idle_ms":          info.IdleMs,
				"idle_close_count": info.IdleCloseCount,
			}})
			return ReadResult{BytesReadTotal: total, AutoClose: info}, nil
		}
	}

	buf := make([]byte, readBufferSize)
	n, err := st.port.Read(buf)
	if err != nil {
		s.mu.Unlock()
		return ReadResult{}, &IOError{Op: "read", Err: err}
	}

	if n == 0 {
		st.timeoutStreak++
		res := ReadResult{BytesReadTotal: st.bytesReadTotal, TimeoutStreak: st.timeoutStreak}
		s.mu.Unlock()
		return res, nil
	}

	st.timeoutStreak = 0
	st.bytesReadTotal += uint64(n)
	st.lastActivity = time.Now()

	text := strings.ToValidUTF8(string(buf[:n]), "�")
	if term := st.config.Terminator; term != "" && strings.HasSuffix(text, term) {
		text = text[:len(text)-len(term)]
	}
	res := ReadResult{Text: text, BytesRead: n, BytesReadTotal: st.bytesReadTotal}
	s.mu.Unlock()
	return res, nil
}

// ReconfigureRequest carries a partial configuration; nil fields keep
// the current (or default) value.
type ReconfigureRequest struct {
	PortName       *string           `json:"port_name,omitempty"`
	BaudRate       *int              `json:"baud_rate,omitempty"`
	TimeoutMs      *uint64           `json:"timeout_ms,omitempty"`
	DataBits       *port.DataBits    `json:"data_bits,omitempty"`
	Parity         *port.Parity      `json:"parity,omitempty"`
	StopBits       *port.StopBits    `json:"stop_bits,omitempty"`
	FlowControl    *port.FlowControl `json:"flow_control,omitempty"`
	Terminator     *string           `json:"terminator,omitempty"`
	IdleDisconnect *uint64           `json:"idle_disconnect_ms,omitempty"`
}

// Reconfigure atomically closes (if open) and reopens with the merged
// configuration. Counters reset. While closed, a port name is
// required.
func (s *PortService) Reconfigure(req ReconfigureRequest) (OpenResult, error) {
	s.mu.Lock()

	base := DefaultConfig()
	if s.open != nil {
		base = s.open.config
	}
	cfg := mergeConfig(base, req)
	if cfg.PortName == "" {
		s.mu.Unlock()
		return OpenResult{}, ErrNoPortSpecified
	}

	if s.open != nil {
		s.closeLocked()
	}

	handle, err := s.opener(cfg.PortName, cfg.portConfig())
	if err != nil {
		s.mu.Unlock()
		return OpenResult{}, &OpenError{PortName: cfg.PortName, Err: err}
	}

	now := time.Now()
	s.open = &openState{
		port:         handle,
		config:       cfg,
		lastActivity: now,
		openStarted:  now,
	}
	s.mu.Unlock()

	s.logger.Info("port reconfigured",
		zap.String("port", cfg.PortName),
		zap.Int("baud", cfg.BaudRate))
	s.emit(Event{Type: "port_opened", PortName: cfg.PortName, Detail: map[string]any{"baud_rate": cfg.BaudRate, "reconfigured": true}})
	return OpenResult{PortName: cfg.PortName, BaudRate: cfg.BaudRate, Message: "reconfigured"}, nil
}

func mergeConfig(base Config, req ReconfigureRequest) Config {
	cfg := base
	if req.PortName != nil {
		cfg.PortName = *req.PortName
	}
	if req.BaudRate != nil {
		cfg.BaudRate = *req.BaudRate
	}
	if req.TimeoutMs != nil {
		cfg.TimeoutMs = *req.TimeoutMs
	}
	if req.DataBits != nil {
		cfg.DataBits = *req.DataBits
	}
	if req.Parity != nil {
		cfg.Parity = *req.Parity
	}
	if req.StopBits != nil {
		cfg.StopBits = *req.StopBits
	}
	if req.FlowControl != nil {
		cfg.FlowControl = *req.FlowControl
	}
	if req.Terminator != nil {
		cfg.Terminator = *req.Terminator
	}
	if req.IdleDisconnect != nil {
		cfg.IdleDisconnect = *req.IdleDisconnect
	}
	return cfg
}

// Status is a pure reader over the state snapshot.
func (s *PortService) Status() StatusResult {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.open == nil {
		return StatusResult{State: "Closed"}
	}
	cfg := s.open.config
	m := s.metricsLocked()
	return StatusResult{State: "Open", Config: &cfg, Metrics: &m}
}

// MetricsSnapshot returns counters and derived timings; nil when
// closed.
func (s *PortService) MetricsSnapshot() (string, *Metrics) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.open == nil {
		return "Closed", nil
	}
	m := s.metricsLocked()
	return "Open", &m
}

func (s *PortService) metricsLocked() Metrics {
	st := s.open
	return Metrics{
		BytesReadTotal:    st.bytesReadTotal,
		BytesWrittenTotal: st.bytesWrittenTotal,
		IdleCloseCount:    st.idleCloseCount,
		OpenDurationMs:    uint64(time.Since(st.openStarted).Milliseconds()),
		LastActivityMs:    uint64(time.Since(st.lastActivity).Milliseconds()),
		TimeoutStreak:     st.timeoutStreak,
	}
}

// IsOpen reports whether a port is currently open.
func (s *PortService) IsOpen() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.open != nil
}

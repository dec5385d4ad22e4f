package service

import (
	"time"

	"github.com/david-t-martel/serial-mcp-server/internal/port"
)

// Config is the immutable snapshot captured when the port opens. An
// empty Terminator means no framing; IdleDisconnect zero disables the
// watchdog.
type Config struct {
	PortName       string           `json:"port_name"`
	BaudRate       int              `json:"baud_rate"`
	TimeoutMs      uint64           `json:"timeout_ms"`
	DataBits       port.DataBits    `json:"data_bits"`
	Parity         port.Parity      `json:"parity"`
	StopBits       port.StopBits    `json:"stop_bits"`
	FlowControl    port.FlowControl `json:"flow_control"`
	Terminator     string           `json:"terminator,omitempty"`
	IdleDisconnect uint64           `json:"idle_disconnect_ms,omitempty"`
}

// DefaultConfig mirrors the wire defaults: 9600 8-N-1, no flow
// control, 1s read timeout, no terminator, watchdog off.
func DefaultConfig() Config {
	return Config{
		BaudRate:    9600,
		TimeoutMs:   1000,
		DataBits:    port.DataBitsEight,
		Parity:      port.ParityNone,
		StopBits:    port.StopBitsOne,
		FlowControl: port.FlowControlNone,
	}
}

func (c Config) timeout() time.Duration {
	if c.TimeoutMs == 0 {
		return time.Second
	}
	return time.Duration(c.TimeoutMs) * time.Millisecond
}

func (c Config) portConfig() port.Config {
	return port.Config{
		BaudRate:    c.BaudRate,
		DataBits:    c.DataBits,
		Parity:      c.Parity,
		StopBits:    c.StopBits,
		FlowControl: c.FlowControl,
		Timeout:     c.timeout(),
	}
}

// openState inhabits the Open variant of the port state. The service
// holds nil for Closed, so stale handles or counters cannot outlive a
// lifecycle. All access goes through the service mutex.
type openState struct {
	port              port.Port
	config            Config
	lastActivity      time.Time
	timeoutStreak     uint32
	bytesReadTotal    uint64
	bytesWrittenTotal uint64
	idleCloseCount    uint64
	openStarted       time.Time
}

package port

import (
	"fmt"
	"sync"
	"time"

	"go.bug.st/serial"
)

// allow tests to override the driver entry point
var openDriverPort = func(name string, mode *serial.Mode) (serial.Port, error) {
	return serial.Open(name, mode)
}

// SerialPort is the real OS-backed handle on top of go.bug.st/serial.
type SerialPort struct {
	name   string
	mu     sync.Mutex
	inner  serial.Port
	closed bool
}

// OpenSerial opens the named device with the given line parameters and
// arms the read timeout. It is the default Opener of the service and
// the negotiation strategies.
func OpenSerial(name string, cfg Config) (Port, error) {
	// The driver has no portable flow-control knob; the setting stays
	// in the config and is ignored here.
	mode := &serial.Mode{
		BaudRate: cfg.BaudRate,
		DataBits: int(cfg.DataBits),
		Parity:   convertParity(cfg.Parity),
		StopBits: convertStopBits(cfg.StopBits),
	}

	inner, err := openDriverPort(name, mode)
	if err != nil {
		return nil, fmt.Errorf("open %s: %w", name, err)
	}

	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = time.Second
	}
	if err := inner.SetReadTimeout(timeout); err != nil {
		_ = inner.Close()
		return nil, fmt.Errorf("set read timeout on %s: %w", name, err)
	}

	return &SerialPort{name: name, inner: inner}, nil
}

func convertParity(p Parity) serial.Parity {
	switch p {
	case ParityOdd:
		return serial.OddParity
	case ParityEven:
		return serial.EvenParity
	default:
		return serial.NoParity
	}
}

func convertStopBits(s StopBits) serial.StopBits {
	if s == StopBitsTwo {
		return serial.TwoStopBits
	}
	return serial.OneStopBit
}

func (s *SerialPort) Write(p []byte) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return 0, ErrClosed
	}
	return s.inner.Write(p)
}

// Read returns (0, nil) when the driver timeout expires without data,
// matching the handle contract.
func (s *SerialPort) Read(p []byte) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return 0, ErrClosed
	}
	return s.inner.Read(p)
}

func (s *SerialPort) SetTimeout(d time.Duration) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrClosed
	}
	return s.inner.SetReadTimeout(d)
}

func (s *SerialPort) ClearInputBuffer() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrClosed
	}
	return s.inner.ResetInputBuffer()
}

func (s *SerialPort) ClearOutputBuffer() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrClosed
	}
	return s.inner.ResetOutputBuffer()
}

// BytesAvailable reports 0; the driver does not expose the input queue
// depth in a portable way.
func (s *SerialPort) BytesAvailable() (uint32, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return 0, ErrClosed
	}
	return 0, nil
}

// Close releases the OS resource. Idempotent.
func (s *SerialPort) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil
	}
	s.closed = true
	return s.inner.Close()
}

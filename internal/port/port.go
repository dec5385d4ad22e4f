package port

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"
)

// Port is the capability set shared by all handle variants (real OS
// port, mock, async wrapper). Read returns (0, nil) on timeout and
// never blocks past the configured timeout.
type Port interface {
	Write(p []byte) (int, error)
	Read(p []byte) (int, error)
	SetTimeout(d time.Duration) error
	ClearInputBuffer() error
	ClearOutputBuffer() error
	BytesAvailable() (uint32, error)
	Close() error
}

// Opener produces a concrete Port. The service and the negotiation
// strategies take an Opener so tests can substitute mocks.
type Opener func(name string, cfg Config) (Port, error)

// Config holds the line parameters applied when a handle opens.
type Config struct {
	BaudRate    int           `json:"baud_rate"`
	DataBits    DataBits      `json:"data_bits"`
	Parity      Parity        `json:"parity"`
	StopBits    StopBits      `json:"stop_bits"`
	FlowControl FlowControl   `json:"flow_control"`
	Timeout     time.Duration `json:"-"`
}

// DefaultConfig liefert 8-N-1 ohne Flow Control, 1s Timeout, bei der
// übergebenen Baudrate.
func DefaultConfig(baud int) Config {
	return Config{
		BaudRate:    baud,
		DataBits:    DataBitsEight,
		Parity:      ParityNone,
		StopBits:    StopBitsOne,
		FlowControl: FlowControlNone,
		Timeout:     time.Second,
	}
}

type DataBits int

const (
	DataBitsFive  DataBits = 5
	DataBitsSix   DataBits = 6
	DataBitsSeven DataBits = 7
	DataBitsEight DataBits = 8
)

func (d DataBits) String() string {
	switch d {
	case DataBitsFive:
		return "five"
	case DataBitsSix:
		return "six"
	case DataBitsSeven:
		return "seven"
	case DataBitsEight:
		return "eight"
	default:
		return fmt.Sprintf("invalid(%d)", int(d))
	}
}

func (d DataBits) Valid() bool {
	return d >= DataBitsFive && d <= DataBitsEight
}

func (d DataBits) MarshalJSON() ([]byte, error) {
	return json.Marshal(d.String())
}

// UnmarshalJSON accepts both the symbolic spelling ("eight") and the
// numeric one (8).
func (d *DataBits) UnmarshalJSON(b []byte) error {
	var n int
	if err := json.Unmarshal(b, &n); err == nil {
		bits := DataBits(n)
		if !bits.Valid() {
			return fmt.Errorf("invalid data_bits: %d", n)
		}
		*d = bits
		return nil
	}
	var s string
	if err := json.Unmarshal(b, &s); err != nil {
		return fmt.Errorf("invalid data_bits: %s", string(b))
	}
	switch strings.ToLower(s) {
	case "five", "5":
		*d = DataBitsFive
	case "six", "6":
		*d = DataBitsSix
	case "seven", "7":
		*d = DataBitsSeven
	case "eight", "8":
		*d = DataBitsEight
	default:
		return fmt.Errorf("invalid data_bits: %q", s)
	}
	return nil
}

type Parity string

const (
	ParityNone Parity = "none"
	ParityOdd  Parity = "odd"
	ParityEven Parity = "even"
)

func (p Parity) Valid() bool {
	return p == ParityNone || p == ParityOdd || p == ParityEven
}

func (p *Parity) UnmarshalJSON(b []byte) error {
	var s string
	if err := json.Unmarshal(b, &s); err != nil {
		return fmt.Errorf("invalid parity: %s", string(b))
	}
	v := Parity(strings.ToLower(s))
	if !v.Valid() {
		return fmt.Errorf("invalid parity: %q", s)
	}
	*p = v
	return nil
}

type StopBits int

const (
	StopBitsOne StopBits = 1
	StopBitsTwo StopBits = 2
)

func (s StopBits) String() string {
	switch s {
	case StopBitsOne:
		return "one"
	case StopBitsTwo:
		return "two"
	default:
		return fmt.Sprintf("invalid(%d)", int(s))
	}
}

func (s StopBits) Valid() bool {
	return s == StopBitsOne || s == StopBitsTwo
}

func (s StopBits) MarshalJSON() ([]byte, error) {
	return json.Marshal(s.String())
}

func (s *StopBits) UnmarshalJSON(b []byte) error {
	var n int
	if err := json.Unmarshal(b, &n); err == nil {
		bits := StopBits(n)
		if !bits.Valid() {
			return fmt.Errorf("invalid stop_bits: %d", n)
		}
		*s = bits
		return nil
	}
	var str string
	if err := json.Unmarshal(b, &str); err != nil {
		return fmt.Errorf("invalid stop_bits: %s", string(b))
	}
	switch strings.ToLower(str) {
	case "one", "1":
		*s = StopBitsOne
	case "two", "2":
		*s = StopBitsTwo
	default:
		return fmt.Errorf("invalid stop_bits: %q", str)
	}
	return nil
}

type FlowControl string

const (
	FlowControlNone     FlowControl = "none"
	FlowControlHardware FlowControl = "hardware"
	FlowControlSoftware FlowControl = "software"
)

func (f FlowControl) Valid() bool {
	return f == FlowControlNone || f == FlowControlHardware || f == FlowControlSoftware
}

func (f *FlowControl) UnmarshalJSON(b []byte) error {
	var s string
	if err := json.Unmarshal(b, &s); err != nil {
		return fmt.Errorf("invalid flow_control: %s", string(b))
	}
	v := FlowControl(strings.ToLower(s))
	if !v.Valid() {
		return fmt.Errorf("invalid flow_control: %q", s)
	}
	*f = v
	return nil
}

package port

import (
	"os"
	"testing"
	"time"
)

// Hardware round-trip against a real device. Runs only when
// SERIAL_TEST_PORT names a port (e.g. /dev/ttyUSB0).
func TestSerialHardwareRoundTrip(t *testing.T) {
	name := os.Getenv("SERIAL_TEST_PORT")
	if name == "" {
		t.Skip("SERIAL_TEST_PORT not set")
	}

	cfg := DefaultConfig(9600)
	cfg.Timeout = 500 * time.Millisecond

	p, err := OpenSerial(name, cfg)
	if err != nil {
		t.Fatalf("open %s: %v", name, err)
	}
	defer p.Close()

	if _, err := p.Write([]byte("AT\r\n")); err != nil {
		t.Fatalf("write: %v", err)
	}

	// A silent device is fine; the read must still come back within
	// the configured timeout.
	start := time.Now()
	buf := make([]byte, 256)
	if _, err := p.Read(buf); err != nil {
		t.Fatalf("read: %v", err)
	}
	if elapsed := time.Since(start); elapsed > 2*time.Second {
		t.Fatalf("read blocked past the timeout: %v", elapsed)
	}

	if err := p.SetTimeout(100 * time.Millisecond); err != nil {
		t.Fatalf("set timeout: %v", err)
	}
	if err := p.ClearInputBuffer(); err != nil {
		t.Fatalf("clear input: %v", err)
	}
}

func TestSerialConvertMappings(t *testing.T) {
	t.Parallel()
	if convertParity(ParityNone) == convertParity(ParityOdd) {
		t.Fatal("parity mapping collapsed")
	}
	if convertStopBits(StopBitsOne) == convertStopBits(StopBitsTwo) {
		t.Fatal("stop bit mapping collapsed")
	}
}

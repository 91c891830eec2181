// Package transport provides the serial byte stream the framing and
// protocol layers run over, plus an in-memory fake for tests.
package transport

import (
	"fmt"
	"time"

	"go.bug.st/serial"

	"github.com/trol73/tboot-go/internal/framing"
)

// Serial is a framing.Transport backed by a real serial port via
// go.bug.st/serial. A read that times out surfaces as ok=false, matching
// the NO_BYTE convention the framing/protocol layers expect rather than
// returning an error.
type Serial struct {
	port serial.Port
	name string
}

// Open opens name at baud, with an inter-byte read timeout. Unlike the
// underlying library's default blocking reads, timeout must be set for the
// handshake's probe-and-drain steps to function at all.
func Open(name string, baud int, timeout time.Duration) (*Serial, error) {
	mode := &serial.Mode{
		BaudRate: baud,
		Parity:   serial.NoParity,
		DataBits: 8,
		StopBits: serial.OneStopBit,
	}
	port, err := serial.Open(name, mode)
	if err != nil {
		return nil, fmt.Errorf("transport: open %s: %w", name, err)
	}
	if err := port.SetReadTimeout(timeout); err != nil {
		port.Close()
		return nil, fmt.Errorf("transport: set read timeout on %s: %w", name, err)
	}
	return &Serial{port: port, name: name}, nil
}

// WriteByte writes one byte to the port.
func (s *Serial) WriteByte(b byte) error {
	_, err := s.port.Write([]byte{b})
	if err != nil {
		return fmt.Errorf("transport: write to %s: %w", s.name, err)
	}
	return nil
}

// ReadByte reads one byte, returning ok=false (no error) on a read-timeout.
func (s *Serial) ReadByte() (byte, bool, error) {
	buf := [1]byte{}
	n, err := s.port.Read(buf[:])
	if err != nil {
		return 0, false, fmt.Errorf("transport: read from %s: %w", s.name, err)
	}
	if n == 0 {
		return 0, false, nil // read-timeout: go.bug.st/serial returns n==0, err==nil
	}
	return buf[0], true, nil
}

// Flush discards any buffered input, mirroring the drain the handshake does
// at the framing level but at the OS buffer level first.
func (s *Serial) Flush() error {
	if err := s.port.ResetInputBuffer(); err != nil {
		return fmt.Errorf("transport: flush %s: %w", s.name, err)
	}
	return nil
}

// Close flushes pending output and closes the port.
func (s *Serial) Close() error {
	_ = s.port.ResetOutputBuffer() // best-effort; a closing port may already refuse it
	if err := s.port.Close(); err != nil {
		return fmt.Errorf("transport: close %s: %w", s.name, err)
	}
	return nil
}

// List returns the names of serial ports visible to the host. The CLI does
// not call it.
func List() ([]string, error) {
	ports, err := serial.GetPortsList()
	if err != nil {
		return nil, fmt.Errorf("transport: list ports: %w", err)
	}
	return ports, nil
}

// Mem is an in-memory framing.Transport fake for tests: bytes written are
// appended to Sent, and ReadByte serves from Queue in order.
type Mem struct {
	Sent  []byte
	Queue []byte
}

func (m *Mem) WriteByte(b byte) error {
	m.Sent = append(m.Sent, b)
	return nil
}

func (m *Mem) ReadByte() (byte, bool, error) {
	if len(m.Queue) == 0 {
		return 0, false, nil
	}
	b := m.Queue[0]
	m.Queue = m.Queue[1:]
	return b, true, nil
}

var _ framing.Transport = (*Serial)(nil)
var _ framing.Transport = (*Mem)(nil)

// Package protocol implements the bootloader client command set (Q, Z, R,
// W, P, @) and the session state — the Z-register cache, capability flags,
// and bootloader geometry — that every command reads and mutates.
package protocol

import (
	"fmt"
	"log"
	"time"

	"github.com/trol73/tboot-go/internal/framing"
)

// ZValue is the session's knowledge of the device's Z register: either a
// known value or explicitly unknown. Replacing the original's signed-int
// "-1 means unknown" sentinel with a tagged variant makes invalidation
// total — there is no value that can be mistaken for "unknown".
type ZValue struct {
	known bool
	value uint16
}

// UnknownZ is the zero ZValue: no cached knowledge of the device's Z.
var UnknownZ = ZValue{}

// KnownZ returns a ZValue asserting the device's Z register equals v.
func KnownZ(v uint16) ZValue { return ZValue{known: true, value: v} }

// Known reports whether the cache holds a value.
func (z ZValue) Known() bool { return z.known }

// Value returns the cached value; valid only when Known() is true.
func (z ZValue) Value() uint16 { return z.value }

func (z ZValue) String() string {
	if !z.known {
		return "unknown"
	}
	return fmt.Sprintf("%#04x", z.value)
}

// Capability bits returned by the Q command, per the wire protocol.
const (
	CapSupportEEPROM = 1 << 0
	CapFullEcho      = 1 << 1
	CapBinary        = 1 << 2
	CapFastRead      = 1 << 3
	CapFastWrite     = 1 << 4
	CapNoConfirm     = 1 << 5
)

const confirmByte = 0x0D

const (
	maxReadBlockSlow = 0xFF
	maxReadBlockFast = 0x1000
)

// Session is the mutable protocol state for one open transport: the Go
// realization of the original device-client class, scoped to a single
// bootloader connection.
type Session struct {
	codec *framing.Codec

	zCache          ZValue
	Flags           byte
	BootloaderOffset uint16
	PageSize        int
	WriteDisabled   bool
	WriteDelayMicros int

	Logger *log.Logger

	bytesIn  uint64
	bytesOut uint64
}

// New creates a Session bound to the given transport. Capabilities start
// empty; the handshake populates them.
func New(t framing.Transport, logger *log.Logger) *Session {
	if logger == nil {
		logger = log.Default()
	}
	s := &Session{Logger: logger}
	s.codec = &framing.Codec{T: &countingTransport{t: t, s: s}}
	return s
}

// countingTransport wraps a Transport to tally bytes in/out on the owning
// Session for diagnostics (UART throughput reporting, §ambient stack).
type countingTransport struct {
	t framing.Transport
	s *Session
}

func (c *countingTransport) WriteByte(b byte) error {
	err := c.t.WriteByte(b)
	if err == nil {
		c.s.bytesOut++
		if d := c.s.WriteDelayMicros; d > 0 {
			time.Sleep(time.Duration(d) * time.Microsecond)
		}
	}
	return err
}

func (c *countingTransport) ReadByte() (byte, bool, error) {
	b, ok, err := c.t.ReadByte()
	if err == nil && ok {
		c.s.bytesIn++
	}
	return b, ok, err
}

// Stats returns the total bytes transferred in/out over this session.
func (s *Session) Stats() (bytesIn, bytesOut uint64) {
	return s.bytesIn, s.bytesOut
}

// SetCapabilities installs the capability record discovered at handshake
// and keeps the framing codec in sync.
func (s *Session) SetCapabilities(caps framing.Capabilities) {
	s.codec.Caps = caps
}

// Capabilities returns the currently active capability record.
func (s *Session) Capabilities() framing.Capabilities {
	return s.codec.Caps
}

// Invalidate marks the Z-register cache unknown. Called on any framing
// error, timeout, or unexpected confirmation byte.
func (s *Session) Invalidate() {
	s.zCache = UnknownZ
}

// ZCache returns the session's current knowledge of the device's Z
// register.
func (s *Session) ZCache() ZValue {
	return s.zCache
}

func (s *Session) confirm(cmd string) error {
	if s.codec.Caps.NoConfirm {
		return nil
	}
	c, err := s.codec.GetByte()
	if err != nil {
		s.Invalidate()
		return fmt.Errorf("protocol: command %s: %w", cmd, err)
	}
	if c != confirmByte {
		s.Invalidate()
		return fmt.Errorf("protocol: command %s: unexpected confirmation byte %#x", cmd, c)
	}
	return nil
}

// CommandZ sets the device's Z register, skipping the wire round-trip if
// the cache already holds z.
func (s *Session) CommandZ(z uint16) error {
	if s.zCache.Known() && s.zCache.Value() == z {
		return nil
	}
	if err := s.codec.PutByte('Z'); err != nil {
		s.Invalidate()
		return fmt.Errorf("protocol: command Z: %w", err)
	}
	if err := s.codec.PutWord(z); err != nil {
		s.Invalidate()
		return fmt.Errorf("protocol: command Z: %w", err)
	}
	if err := s.confirm("Z"); err != nil {
		return err
	}
	s.zCache = KnownZ(z)
	return nil
}

// maxReadBlockSize returns the largest block CommandR may request in one
// call: 0x1000 under FastRead, 0xFF otherwise.
func (s *Session) maxReadBlockSize() int {
	if s.Flags&CapFastRead != 0 {
		return maxReadBlockFast
	}
	return maxReadBlockSlow
}

// CommandR reads a block of size n bytes starting at the device's current
// Z, advancing Z by n on success.
func (s *Session) CommandR(n int) ([]byte, error) {
	if n > s.maxReadBlockSize() {
		return nil, fmt.Errorf("protocol: command R: size %d exceeds max block %d", n, s.maxReadBlockSize())
	}
	if err := s.codec.PutByte('R'); err != nil {
		s.Invalidate()
		return nil, fmt.Errorf("protocol: command R: %w", err)
	}
	if s.Flags&CapFastRead != 0 {
		if err := s.codec.PutWord(uint16(n)); err != nil {
			s.Invalidate()
			return nil, fmt.Errorf("protocol: command R: %w", err)
		}
	} else {
		if err := s.codec.PutData(byte(n)); err != nil {
			s.Invalidate()
			return nil, fmt.Errorf("protocol: command R: %w", err)
		}
	}
	data := make([]byte, n)
	for i := 0; i < n; i++ {
		b, err := s.codec.GetData()
		if err != nil {
			s.Invalidate()
			return nil, fmt.Errorf("protocol: command R: byte %d: %w", i, err)
		}
		data[i] = b
	}
	if err := s.confirm("R"); err != nil {
		return nil, err
	}
	if s.zCache.Known() {
		s.zCache = KnownZ(s.zCache.Value() + uint16(n))
	}
	return data, nil
}

// CommandW writes page to the device's page buffer at the current Z,
// advancing Z by len(page) on success. An empty page is a local no-op.
func (s *Session) CommandW(page []byte) error {
	n := len(page)
	if n == 0 {
		return nil
	}
	if n%2 != 0 {
		return fmt.Errorf("protocol: command W: odd size %d", n)
	}
	if err := s.codec.PutByte('W'); err != nil {
		s.Invalidate()
		return fmt.Errorf("protocol: command W: %w", err)
	}
	if err := s.codec.PutData(byte(n / 2)); err != nil {
		s.Invalidate()
		return fmt.Errorf("protocol: command W: %w", err)
	}
	for i, b := range page {
		if err := s.codec.PutData(b); err != nil {
			s.Invalidate()
			return fmt.Errorf("protocol: command W: byte %d: %w", i, err)
		}
	}
	if err := s.confirm("W"); err != nil {
		return err
	}
	if s.zCache.Known() {
		s.zCache = KnownZ(s.zCache.Value() + uint16(n))
	}
	return nil
}

// SPM sub-operation values for CommandP, per the wire protocol.
const (
	SPMErase = 0x03 // page-erase + SPM-enable
	SPMWrite = 0x05 // page-write + SPM-enable
)

// CommandP invokes the device's SPM instruction with spmcr as the value
// written to SPMCR.
func (s *Session) CommandP(spmcr byte) error {
	if err := s.codec.PutByte('P'); err != nil {
		s.Invalidate()
		return fmt.Errorf("protocol: command P: %w", err)
	}
	if err := s.codec.PutData(spmcr); err != nil {
		s.Invalidate()
		return fmt.Errorf("protocol: command P: %w", err)
	}
	return s.confirm("P")
}

// CommandJump sets Z to entry and invokes '@', handing control to the
// application at that address.
func (s *Session) CommandJump(entry uint16) error {
	if err := s.CommandZ(entry); err != nil {
		return err
	}
	if err := s.codec.PutByte('@'); err != nil {
		s.Invalidate()
		return fmt.Errorf("protocol: command @: %w", err)
	}
	return s.confirm("@")
}

// QueryResult is the response to the Q command.
type QueryResult struct {
	Z                uint16
	BootloaderOffset uint16
	Flags            byte
}

// CommandQ queries the device for its current Z, bootloader offset, and
// capability flags. On a Z mismatch against the cache, it logs an error
// but trusts the device's reported value.
func (s *Session) CommandQ() (QueryResult, error) {
	if err := s.codec.PutByte('Q'); err != nil {
		s.Invalidate()
		return QueryResult{}, fmt.Errorf("protocol: command Q: %w", err)
	}
	z, err := s.codec.GetWord()
	if err != nil {
		s.Invalidate()
		return QueryResult{}, fmt.Errorf("protocol: command Q: z: %w", err)
	}
	offset, err := s.codec.GetWord()
	if err != nil {
		s.Invalidate()
		return QueryResult{}, fmt.Errorf("protocol: command Q: offset: %w", err)
	}
	flags, err := s.codec.GetData()
	if err != nil {
		s.Invalidate()
		return QueryResult{}, fmt.Errorf("protocol: command Q: flags: %w", err)
	}
	if err := s.confirm("Q"); err != nil {
		return QueryResult{}, err
	}
	if s.zCache.Known() && s.zCache.Value() != z {
		s.Logger.Printf("protocol: Q returned Z=%#04x but cache held %#04x; trusting device", z, s.zCache.Value())
	}
	s.zCache = KnownZ(z)
	s.Flags = flags
	s.BootloaderOffset = offset
	return QueryResult{Z: z, BootloaderOffset: offset, Flags: flags}, nil
}

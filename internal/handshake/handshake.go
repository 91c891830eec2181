// Package handshake implements the bootloader auto-detection sequence:
// start-command emission, drain, echo-mode probing, and Q-based
// binary/hex mode and capability discovery.
package handshake

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/trol73/tboot-go/internal/framing"
	"github.com/trol73/tboot-go/internal/protocol"
)

// rawTransport is the minimal surface handshake needs directly on the
// transport, before a framing.Codec's mode is known.
type rawTransport interface {
	WriteByte(b byte) error
	ReadByte() (b byte, ok bool, err error)
}

// Result carries everything the handshake discovered.
type Result struct {
	Echo             bool
	Binary           bool
	BootloaderOffset uint16
	Flags            byte
}

// ErrNoBootloader indicates the echo probe found no evidence of a
// responding bootloader at all.
var ErrNoBootloader = fmt.Errorf("handshake: no bootloader detected")

// Run executes one handshake attempt against t, driving sess once the
// capability record is known. startCommand is the raw (post-escape) byte
// sequence to send first.
func Run(t rawTransport, sess *protocol.Session, startCommand []byte) (Result, error) {
	for _, b := range startCommand {
		if err := t.WriteByte(b); err != nil {
			return Result{}, fmt.Errorf("handshake: send start command: %w", err)
		}
	}

	drain(t)

	echo, err := probeEcho(t)
	if err != nil {
		return Result{}, err
	}

	binary, _, flags, err := probeModeAndFlags(t, echo)
	if err != nil {
		return Result{}, err
	}

	if flags&protocol.CapFullEcho != 0 != echo {
		sess.Logger.Printf("handshake: echo mode mismatch against device flags (probed=%v, flags bit=%v)", echo, flags&protocol.CapFullEcho != 0)
	}
	if flags&protocol.CapBinary != 0 != binary {
		sess.Logger.Printf("handshake: binary mode mismatch against device flags (probed=%v, flags bit=%v)", binary, flags&protocol.CapBinary != 0)
	}

	sess.SetCapabilities(framing.Capabilities{
		Echo:      echo,
		Binary:    binary,
		NoConfirm: flags&protocol.CapNoConfirm != 0,
		FastRead:  flags&protocol.CapFastRead != 0,
		FastWrite: flags&protocol.CapFastWrite != 0,
	})
	sess.Flags = flags

	q, err := sess.CommandQ()
	if err != nil {
		return Result{}, fmt.Errorf("handshake: confirming Q: %w", err)
	}

	return Result{Echo: echo, Binary: binary, BootloaderOffset: q.BootloaderOffset, Flags: q.Flags}, nil
}

// drain reads and discards bytes until a read times out, flushing whatever
// the target application was emitting before it yielded to the bootloader.
func drain(t rawTransport) {
	for {
		_, ok, err := t.ReadByte()
		if err != nil || !ok {
			return
		}
	}
}

// probeEcho runs the 10-round '0'..'9' probe and classifies echo_mode.
func probeEcho(t rawTransport) (bool, error) {
	echoHits, noEchoHits := 0, 0
	for i := 9; i >= 0; i-- {
		digit := byte('0' + i)
		if err := t.WriteByte(digit); err != nil {
			return false, fmt.Errorf("handshake: echo probe write: %w", err)
		}
		first, ok, err := t.ReadByte()
		if err != nil {
			return false, fmt.Errorf("handshake: echo probe read: %w", err)
		}
		if !ok {
			continue
		}
		switch {
		case first == digit:
			second, ok2, _ := t.ReadByte()
			if ok2 && second == '!' {
				echoHits++
			}
		case first == '!':
			noEchoHits++
		}
		if echoHits > 3 {
			return true, nil
		}
		if noEchoHits > 4 {
			return false, nil
		}
	}
	if echoHits == noEchoHits {
		return false, ErrNoBootloader
	}
	return echoHits > noEchoHits, nil
}

func isHexDigit(c byte) bool {
	return (c >= '0' && c <= '9') || (c >= 'a' && c <= 'f') || (c >= 'A' && c <= 'F')
}

// probeModeAndFlags sends Q and classifies the response as hex or binary
// mode, decoding the bootloader offset and capability flags either way.
func probeModeAndFlags(t rawTransport, echo bool) (binary bool, offset uint16, flags byte, err error) {
	c := framing.Codec{T: t, Caps: framing.Capabilities{Echo: echo}}
	if err := c.PutByte('Q'); err != nil {
		return false, 0, 0, fmt.Errorf("handshake: Q write: %w", err)
	}

	first5, err := readN(t, 5)
	if err != nil {
		return false, 0, 0, fmt.Errorf("handshake: Q response: %w", err)
	}

	allHex := true
	for _, c := range first5 {
		if !isHexDigit(c) {
			allHex = false
			break
		}
	}

	if allHex {
		rest5, err := readN(t, 5)
		if err != nil {
			return false, 0, 0, fmt.Errorf("handshake: Q response tail: %w", err)
		}
		all10 := append(append([]byte{}, first5...), rest5...)
		// all10 holds ch1..ch10 (0-indexed): ch1-4 are the Z digits (not
		// used here), ch5-8 the offset digits, ch9-10 the flags digits.
		hiOffset, err1 := hexByteFromPair(all10[4], all10[5])
		loOffset, err2 := hexByteFromPair(all10[6], all10[7])
		flagsByte, err3 := hexByteFromPair(all10[8], all10[9])
		if err1 != nil || err2 != nil || err3 != nil {
			return false, 0, 0, fmt.Errorf("handshake: Q response: invalid hex digit")
		}
		offset = uint16(hiOffset)<<8 | uint16(loOffset)
		flags = flagsByte
		binary = false
	} else {
		offset = uint16(first5[2])<<8 | uint16(first5[3])
		flags = first5[4]
		binary = true
	}

	end, ok, err := t.ReadByte()
	if err != nil {
		return false, 0, 0, fmt.Errorf("handshake: Q terminator: %w", err)
	}
	if !ok {
		return false, 0, 0, fmt.Errorf("handshake: Q terminator: timeout")
	}
	if end != 0x0D {
		return false, 0, 0, fmt.Errorf("handshake: Q terminator: expected 0x0D got %#x", end)
	}
	return binary, offset, flags, nil
}

func readN(t rawTransport, n int) ([]byte, error) {
	out := make([]byte, n)
	for i := 0; i < n; i++ {
		b, ok, err := t.ReadByte()
		if err != nil {
			return nil, err
		}
		if !ok {
			return nil, fmt.Errorf("timeout at byte %d", i)
		}
		out[i] = b
	}
	return out, nil
}

func hexByteFromPair(hi, lo byte) (byte, error) {
	h, err := strconv.ParseUint(strings.ToLower(string(hi)), 16, 8)
	if err != nil {
		return 0, err
	}
	l, err := strconv.ParseUint(strings.ToLower(string(lo)), 16, 8)
	if err != nil {
		return 0, err
	}
	return byte(h)<<4 | byte(l), nil
}

// EscapeStartCommand processes C-style escapes (\n \r \t \\ \xNN) in a
// configured start/finish command string, per the config file format.
func EscapeStartCommand(s string) ([]byte, error) {
	out := make([]byte, 0, len(s))
	for i := 0; i < len(s); i++ {
		c := s[i]
		if c != '\\' || i == len(s)-1 {
			out = append(out, c)
			continue
		}
		i++
		switch s[i] {
		case 'n':
			out = append(out, '\n')
		case 'r':
			out = append(out, '\r')
		case 't':
			out = append(out, '\t')
		case '\\':
			out = append(out, '\\')
		case 'x':
			if i+2 >= len(s) {
				return nil, fmt.Errorf("handshake: truncated \\x escape in %q", s)
			}
			v, err := strconv.ParseUint(s[i+1:i+3], 16, 8)
			if err != nil {
				return nil, fmt.Errorf("handshake: invalid hex escape in %q: %w", s, err)
			}
			out = append(out, byte(v))
			i += 2
		default:
			return nil, fmt.Errorf("handshake: invalid escape sequence in %q", s)
		}
	}
	return out, nil
}

package framing_test

import (
	"errors"
	"testing"

	"github.com/trol73/tboot-go/internal/framing"
)

// fakeTransport is a tiny in-memory Transport double: writes go to Sent,
// reads are served from Queued (FIFO); an empty queue reads as a timeout.
type fakeTransport struct {
	Sent   []byte
	Queued []byte
}

func (f *fakeTransport) WriteByte(b byte) error {
	f.Sent = append(f.Sent, b)
	return nil
}

func (f *fakeTransport) ReadByte() (byte, bool, error) {
	if len(f.Queued) == 0 {
		return 0, false, nil
	}
	b := f.Queued[0]
	f.Queued = f.Queued[1:]
	return b, true, nil
}

func TestPutDataHexMode(t *testing.T) {
	tr := &fakeTransport{}
	c := &framing.Codec{T: tr, Caps: framing.Capabilities{Binary: false}}
	if err := c.PutData(0xAB); err != nil {
		t.Fatal(err)
	}
	if string(tr.Sent) != "ab" {
		t.Fatalf("sent = %q, want %q", tr.Sent, "ab")
	}
}

func TestPutDataBinaryMode(t *testing.T) {
	tr := &fakeTransport{}
	c := &framing.Codec{T: tr, Caps: framing.Capabilities{Binary: true}}
	if err := c.PutData(0xAB); err != nil {
		t.Fatal(err)
	}
	if len(tr.Sent) != 1 || tr.Sent[0] != 0xAB {
		t.Fatalf("sent = %v, want [0xAB]", tr.Sent)
	}
}

func TestEchoMismatchFails(t *testing.T) {
	tr := &fakeTransport{Queued: []byte{0xFF}}
	c := &framing.Codec{T: tr, Caps: framing.Capabilities{Echo: true}}
	err := c.PutByte(0x41)
	if !errors.Is(err, framing.ErrFramingEcho) {
		t.Fatalf("expected echo mismatch, got %v", err)
	}
}

func TestEchoTimeoutFails(t *testing.T) {
	tr := &fakeTransport{}
	c := &framing.Codec{T: tr, Caps: framing.Capabilities{Echo: true}}
	err := c.PutByte(0x41)
	if !errors.Is(err, framing.ErrFramingTimeout) {
		t.Fatalf("expected timeout, got %v", err)
	}
}

func TestGetDataInvalidNibble(t *testing.T) {
	tr := &fakeTransport{Queued: []byte{'z', 'z'}}
	c := &framing.Codec{T: tr, Caps: framing.Capabilities{}}
	_, err := c.GetData()
	if !errors.Is(err, framing.ErrFramingNibble) {
		t.Fatalf("expected nibble error, got %v", err)
	}
}

func TestWordEncoding(t *testing.T) {
	tr := &fakeTransport{}
	c := &framing.Codec{T: tr, Caps: framing.Capabilities{Binary: true}}
	if err := c.PutWord(0x1234); err != nil {
		t.Fatal(err)
	}
	if len(tr.Sent) != 2 || tr.Sent[0] != 0x12 || tr.Sent[1] != 0x34 {
		t.Fatalf("sent = %v, want [0x12 0x34]", tr.Sent)
	}
}

package transport_test

import (
	"testing"

	"github.com/trol73/tboot-go/internal/transport"
)

func TestMemWriteByteAppendsToSent(t *testing.T) {
	m := &transport.Mem{}
	if err := m.WriteByte('Q'); err != nil {
		t.Fatal(err)
	}
	if err := m.WriteByte('Z'); err != nil {
		t.Fatal(err)
	}
	if string(m.Sent) != "QZ" {
		t.Fatalf("Sent = %q, want %q", m.Sent, "QZ")
	}
}

func TestMemReadByteServesQueueInOrder(t *testing.T) {
	m := &transport.Mem{Queue: []byte{0x01, 0x02}}
	b, ok, err := m.ReadByte()
	if err != nil || !ok || b != 0x01 {
		t.Fatalf("first read = (%#x, %v, %v)", b, ok, err)
	}
	b, ok, err = m.ReadByte()
	if err != nil || !ok || b != 0x02 {
		t.Fatalf("second read = (%#x, %v, %v)", b, ok, err)
	}
}

func TestMemReadByteReturnsNotOkWhenQueueEmpty(t *testing.T) {
	m := &transport.Mem{}
	_, ok, err := m.ReadByte()
	if err != nil {
		t.Fatal(err)
	}
	if ok {
		t.Fatal("expected ok=false on an empty queue, matching a read timeout")
	}
}

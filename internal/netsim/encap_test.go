package netsim

import (
	"bytes"
	"net"
	"testing"

	"qdrive/internal/driver"
)

func TestWrapUnwrapRoundTrip(t *testing.T) {
	enc := NewEncapsulator(
		net.HardwareAddr{0x02, 0x00, 0x00, 0x00, 0x00, 0x01},
		net.HardwareAddr{0x02, 0x00, 0x00, 0x00, 0x00, 0x02},
	)
	m := enc.RequiredMargins()

	payload := []byte("the quick brown fox jumps over the lazy dog")
	raw := make([]byte, m.Header+len(payload)+m.Trailer)
	copy(raw[m.Header:m.Header+len(payload)], payload)
	transmit := driver.Transmit{Bytes: raw}

	srcIP := net.IPv4(10, 0, 0, 1)
	dstIP := net.IPv4(10, 0, 0, 2)
	if err := enc.Wrap(transmit, srcIP, dstIP, 4000, 4001); err != nil {
		t.Fatalf("wrap: %v", err)
	}

	// The margin invariant: exactly m.Header leading and m.Trailer trailing
	// bytes are reserved around the payload, which Wrap must leave intact.
	if !bytes.Equal(transmit.Bytes[m.Header:m.Header+len(payload)], payload) {
		t.Fatalf("payload region corrupted by Wrap")
	}
	if len(transmit.Bytes) != m.Header+len(payload)+m.Trailer {
		t.Fatalf("wrap changed the transmit's total length")
	}

	u := NewUnwrapper()
	got, from, err := u.Unwrap(transmit.Bytes[:len(transmit.Bytes)-m.Trailer])
	if err != nil {
		t.Fatalf("unwrap: %v", err)
	}
	if !bytes.Equal(got, payload) {
		t.Fatalf("got payload %q, want %q", got, payload)
	}
	if !from.IP.Equal(srcIP) {
		t.Fatalf("got source IP %v, want %v", from.IP, srcIP)
	}
	if from.Port != 4000 {
		t.Fatalf("got source port %d, want 4000", from.Port)
	}
}

func TestWrapRejectsUndersizedTransmit(t *testing.T) {
	enc := NewEncapsulator(
		net.HardwareAddr{0x02, 0x00, 0x00, 0x00, 0x00, 0x01},
		net.HardwareAddr{0x02, 0x00, 0x00, 0x00, 0x00, 0x02},
	)
	transmit := driver.Transmit{Bytes: make([]byte, 4)}
	if err := enc.Wrap(transmit, net.IPv4(10, 0, 0, 1), net.IPv4(10, 0, 0, 2), 1, 2); err == nil {
		t.Fatalf("expected error for a transmit too small for encapsulation margins")
	}
}

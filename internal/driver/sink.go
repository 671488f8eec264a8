package driver

import "sync/atomic"

// PacketSink is the bounded egress channel the outer transport consumes
// (peer, bytes-with-margins) pairs from. Exposing the raw channel (not a
// Send method) is what lets the runner's phase-7 loop select over
// "reserve credit here" and "the control notifier fired" simultaneously.
type PacketSink interface {
	C() chan<- Transmit
}

// StreamSink is the bounded new-stream producer, with an atomic on/off
// switch: when off, handshakes that would otherwise succeed are rejected
// and accepted streams are never dispatched.
type StreamSink interface {
	C() chan<- *Stream
	Enabled() bool
}

// chanPacketSink is the bounded-channel PacketSink that New creates for
// every Endpoint.
type chanPacketSink struct{ ch chan Transmit }

// NewPacketSink creates a PacketSink backed by a channel of the given
// capacity.
func NewPacketSink(capacity int) (*chanPacketSink, <-chan Transmit) {
	ch := make(chan Transmit, capacity)
	return &chanPacketSink{ch: ch}, ch
}

func (s *chanPacketSink) C() chan<- Transmit { return s.ch }

type chanStreamSink struct {
	ch      chan *Stream
	enabled atomic.Bool
}

// NewStreamSink creates a StreamSink backed by a channel of the given
// capacity, starting enabled.
func NewStreamSink(capacity int) (*chanStreamSink, <-chan *Stream) {
	ch := make(chan *Stream, capacity)
	s := &chanStreamSink{ch: ch}
	s.enabled.Store(true)
	return s, ch
}

func (s *chanStreamSink) C() chan<- *Stream { return s.ch }
func (s *chanStreamSink) Enabled() bool     { return s.enabled.Load() }

// SetEnabled flips the acceptance switch at runtime.
func (s *chanStreamSink) SetEnabled(v bool) { s.enabled.Store(v) }

package driver

import (
	"context"
	"errors"
	"io"

	"qdrive/internal/wire"
)

// ErrBrokenPipe is surfaced when the peer stopped the local send side or
// the stream was already fully closed.
var ErrBrokenPipe = errors.New("driver: broken pipe")

// ConnectionResetError is surfaced to a blocked read/write once the peer
// resets the stream or the connection is lost.
type ConnectionResetError struct{ Reason string }

func (e *ConnectionResetError) Error() string { return "driver: connection reset: " + e.Reason }

// Stream is the application-facing duplex byte stream. Its lifetime is
// independent of its peer: dropping it only ever enqueues a close request
// on the control block, never blocks, and never touches connection state
// directly.
type Stream struct {
	id wire.StreamID
	cb *controlBlock

	writeBuf []byte // reusable scratch so Write doesn't allocate per call
}

func newStream(id wire.StreamID, cb *controlBlock) *Stream {
	return &Stream{id: id, cb: cb}
}

// ID reports the stream's protocol-level identity.
func (s *Stream) ID() wire.StreamID { return s.id }

// Read pulls as many bytes as the core has ready; if none and the core
// reports Blocked, park a waker and wait for it (or ctx) before retrying.
func (s *Stream) Read(ctx context.Context, buf []byte) (int, error) {
	if len(buf) == 0 {
		// Capacity-zero reads return immediately without waking anyone.
		return 0, nil
	}
	for {
		s.cb.connMu.Lock()
		rs, ok := s.cb.conn.RecvStream(s.id)
		if !ok {
			s.cb.connMu.Unlock()
			return 0, wire.ErrClosedStream
		}
		n, err, eof := rs.Read(buf)
		if err != nil {
			if errors.Is(err, wire.ErrBlocked) {
				waker := make(chan struct{})
				s.cb.registerReader(s.id, waker)
				s.cb.connMu.Unlock()
				select {
				case <-waker:
					continue
				case <-ctx.Done():
					return 0, ctx.Err()
				case <-s.cb.done:
					return 0, &ConnectionResetError{Reason: "runner exited"}
				}
			}
			s.cb.connMu.Unlock()
			if rerr, ok := err.(*wire.ResetError); ok {
				return 0, &ConnectionResetError{Reason: rerr.Error()}
			}
			return 0, err
		}
		s.cb.connMu.Unlock()
		if n > 0 {
			s.cb.signal() // a MAX_STREAM_DATA update may now be queued
		}
		if n == 0 && eof {
			return 0, io.EOF
		}
		return n, nil
	}
}

// Write has an all-or-none contract: it loops internally across Blocked
// returns so the caller either gets the full len(data) written, or an
// error — never a short write.
func (s *Stream) Write(ctx context.Context, data []byte) (int, error) {
	if len(data) == 0 {
		return 0, nil
	}
	if cap(s.writeBuf) < len(data) {
		s.writeBuf = make([]byte, len(data))
	}
	buf := s.writeBuf[:len(data)]
	copy(buf, data) // decouple ownership from the caller's slice

	total := 0
	for total < len(buf) {
		s.cb.connMu.Lock()
		ss, ok := s.cb.conn.SendStream(s.id)
		if !ok {
			s.cb.connMu.Unlock()
			return total, wire.ErrClosedStream
		}
		n, err := ss.Write(buf[total:])
		total += n
		if err != nil {
			if errors.Is(err, wire.ErrBlocked) {
				waker := make(chan struct{})
				s.cb.registerWriter(s.id, waker)
				s.cb.connMu.Unlock()
				select {
				case <-waker:
					continue
				case <-ctx.Done():
					return total, ctx.Err()
				case <-s.cb.done:
					return total, &ConnectionResetError{Reason: "runner exited"}
				}
			}
			s.cb.connMu.Unlock()
			if stopped, ok := err.(*wire.StoppedError); ok {
				_ = stopped
				return total, ErrBrokenPipe
			}
			if errors.Is(err, wire.ErrClosedStream) {
				return total, ErrBrokenPipe
			}
			return total, err
		}
		s.cb.connMu.Unlock()
	}
	s.cb.signal()
	return total, nil
}

// CloseWrite FINs the send side.
func (s *Stream) CloseWrite() error {
	s.cb.connMu.Lock()
	ss, ok := s.cb.conn.SendStream(s.id)
	if !ok {
		s.cb.connMu.Unlock()
		return nil
	}
	err := ss.Finish()
	s.cb.connMu.Unlock()
	s.cb.signal()
	if errors.Is(err, wire.ErrBlocked) {
		return nil
	}
	if _, ok := err.(*wire.StoppedError); ok {
		return ErrBrokenPipe
	}
	return err
}

// Close drops the handle: enqueue a close request and return immediately.
// Never blocks, and safe to call more than once (the second call is a
// harmless duplicate enqueue).
func (s *Stream) Close() error {
	s.cb.close(s.id)
	return nil
}

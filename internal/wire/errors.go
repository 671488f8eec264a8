package wire

import (
	"errors"
	"fmt"
)

// ErrBlocked is returned by stream send/receive operations that cannot make
// progress right now (no credit, no buffered data). Callers register for the
// corresponding wakeup and retry; it is never a fatal error.
var ErrBlocked = errors.New("wire: operation would block")

// ErrClosedStream is returned by send-side operations once the local send
// side has been reset, and by Write once the send side has been finished.
var ErrClosedStream = errors.New("wire: stream closed")

// ErrStreamsExhausted is returned by Connection.OpenStream when the
// connection already tracks Config.MaxConcurrentStreams streams.
var ErrStreamsExhausted = errors.New("wire: no stream ids available")

// ErrConnectionClosed is returned by Connection.OpenStream once the
// connection has torn down (locally or via ConnectionLost).
var ErrConnectionClosed = errors.New("wire: connection closed")

// ErrHandshakeRefused is returned by Endpoint.Accept when the client's
// hello carries a PSK tag that does not match.
var ErrHandshakeRefused = errors.New("wire: handshake refused")

// ResetError reports that the peer reset the receive side of a stream, or
// (with code 0) that the connection was lost. The driver's Stream.Read
// translates it into an application-visible "connection reset" error.
type ResetError struct{ Code uint64 }

func (e *ResetError) Error() string { return fmt.Sprintf("wire: stream reset, code %d", e.Code) }

// StoppedError reports that the peer asked the local send side of a stream
// to stop; it is surfaced to writers as BrokenPipe by the caller.
type StoppedError struct{ Code uint64 }

func (e *StoppedError) Error() string { return fmt.Sprintf("wire: stream stopped, code %d", e.Code) }

// ConnectionLostError carries the reason a Connection tore down, surfaced by
// the driver as ConnectionReset to every blocked stream operation.
type ConnectionLostError struct{ Reason string }

func (e *ConnectionLostError) Error() string { return "wire: connection lost: " + e.Reason }

package wire

import "net"

// ConnectionHandle identifies a connection within an Endpoint. Opaque,
// assigned by the core.
type ConnectionHandle uint64

// StreamID identifies a stream within a connection. Bit 0 records which
// side initiated it (0 = client, 1 = server), bit 1 records direction
// (0 = bidirectional, 1 = unidirectional) — the same low-bit encoding QUIC
// itself uses, so a StreamID alone is enough to classify a stream without
// extra bookkeeping.
type StreamID uint64

func (id StreamID) initiatedByClient() bool { return id&0x1 == 0 }
func (id StreamID) unidirectional() bool    { return id&0x2 != 0 }
func (id StreamID) seq() uint64             { return uint64(id) >> 2 }

func makeStreamID(seq uint64, clientInitiated, uni bool) StreamID {
	var id uint64 = seq << 2
	if !clientInitiated {
		id |= 0x1
	}
	if uni {
		id |= 0x2
	}
	return StreamID(id)
}

// Dir is the direction a locally-opened stream takes.
type Dir uint8

const (
	DirBi Dir = iota
	DirUni
)

// EventKind enumerates the StreamEvent/ConnectionEvent union Connection.Poll
// pumps out.
type EventKind uint8

const (
	EventConnected EventKind = iota
	EventStreamOpened
	EventStreamReadable
	EventStreamWritable
	EventStreamStopped
	EventConnectionLost
)

// Event is one item from Connection.Poll, mirroring quinn-proto's
// Event/StreamEvent union the driver is written against.
type Event struct {
	Kind EventKind

	// EventStreamOpened
	Dir Dir

	// EventStreamReadable / EventStreamWritable / EventStreamStopped
	Stream StreamID
	Code   uint64

	// EventConnectionLost
	Reason error
}

// Transmit is one datagram the core wants emitted: a destination plus the
// byte count the caller should send starting at offset 0 of its buffer.
// No segmentation is offered by this core — each Transmit is already at
// most one MTU.
type Transmit struct {
	Destination *net.UDPAddr
	Size        int
}

// DatagramEventKind enumerates what Endpoint.Handle can hand back for one
// inbound datagram.
type DatagramEventKind uint8

const (
	DatagramNone DatagramEventKind = iota
	DatagramNewConnection
	DatagramConnectionEvent
	DatagramResponse
)

// DatagramEvent is the result of feeding one inbound datagram to an
// Endpoint.
type DatagramEvent struct {
	Kind DatagramEventKind

	// DatagramNewConnection
	Incoming *Incoming

	// DatagramConnectionEvent
	Handle ConnectionHandle
	Event  ConnectionEvent

	// DatagramResponse
	Transmit *Transmit
}

// Incoming is a handshake attempt awaiting Endpoint.Accept or rejection.
type Incoming struct {
	remote   *net.UDPAddr
	clientID uint64
	pskTag   [16]byte
}

// RemoteAddr reports who sent the handshake attempt.
func (i *Incoming) RemoteAddr() *net.UDPAddr { return i.remote }

// ConnectionEvent is the opaque per-connection event carrying one
// already-routed datagram for Connection.HandleEvent to reprocess; the
// Endpoint does the connection-id lookup, the event itself stays opaque
// to the driver.
type ConnectionEvent struct {
	payload []byte
}

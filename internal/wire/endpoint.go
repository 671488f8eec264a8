package wire

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/binary"
	"errors"
	"net"
	"time"
)

// Endpoint is the demultiplexing layer: one per listening/dialing socket,
// owning no I/O itself. It keys its connections by local connection id but
// routes an inbound datagram to the connection whose remote address matches
// the sender. It is the single entry point the driver's Endpoint feeds every
// inbound datagram through.
type Endpoint struct {
	cfg      *Config
	isClient bool

	nextLocalID uint64
	conns       map[uint64]*Connection
	byHandle    map[ConnectionHandle]*Connection
	nextHandle  ConnectionHandle
}

// NewEndpoint validates cfg and returns a ready-to-use Endpoint.
func NewEndpoint(cfg Config, isClient bool) (*Endpoint, error) {
	full, errs := cfg.withDefaults()
	if len(errs) > 0 {
		return nil, errors.Join(errs...)
	}
	return &Endpoint{
		cfg:      full,
		isClient: isClient,
		conns:    make(map[uint64]*Connection),
		byHandle: make(map[ConnectionHandle]*Connection),
	}, nil
}

func (e *Endpoint) pskTag(connID uint64) [16]byte {
	mac := hmac.New(sha256.New, e.cfg.PSK)
	var idBuf [8]byte
	putPacketNumber(idBuf[:], connID)
	mac.Write(idBuf[:])
	sum := mac.Sum(nil)
	var tag [16]byte
	copy(tag[:], sum[:16])
	return tag
}

func (e *Endpoint) register(c *Connection) {
	e.conns[c.localID] = c
	e.nextHandle++
	c.handle = e.nextHandle
	e.byHandle[c.handle] = c
}

// Connect begins a client handshake toward remote, returning the new
// Connection immediately (sans-IO: the hello frame is queued, not sent,
// until the next PollTransmit).
func (e *Endpoint) Connect(now time.Time, remote *net.UDPAddr) (ConnectionHandle, *Connection, error) {
	e.nextLocalID++
	localID := e.nextLocalID
	c := newConnection(0, true, remote, e.cfg, localID, now)
	e.register(c)
	c.outQueue = append(c.outQueue, frame{typ: ftHello, hello: helloFrame{ConnID: localID, PSKTag: e.pskTag(localID)}})
	return c.handle, c, nil
}

// Handle feeds one inbound datagram into the endpoint, returning a
// DatagramEvent describing what the caller should do next: surface a new
// Incoming handshake or route an event to an existing Connection. A
// datagram that matches no connection yields DatagramNone; this core never
// hands back a stateless response datagram.
func (e *Endpoint) Handle(now time.Time, remote *net.UDPAddr, payload []byte) (DatagramEvent, error) {
	if len(payload) < packetHeaderSize+1 {
		return DatagramEvent{}, errShortFrame
	}
	body := payload[packetHeaderSize:]
	typ := frameType(body[0])

	if typ == ftHello && !e.isClient {
		if len(body) < 1+24 {
			return DatagramEvent{}, errShortFrame
		}
		connID := binary.BigEndian.Uint64(body[1:9])
		var tag [16]byte
		copy(tag[:], body[9:25])
		return DatagramEvent{
			Kind: DatagramNewConnection,
			Incoming: &Incoming{
				remote:   remote,
				clientID: connID,
				pskTag:   tag,
			},
		}, nil
	}

	for _, c := range e.conns {
		if sameAddr(c.remote, remote) {
			return DatagramEvent{
				Kind:   DatagramConnectionEvent,
				Handle: c.handle,
				Event:  ConnectionEvent{payload: append([]byte(nil), payload...)},
			}, nil
		}
	}
	return DatagramEvent{Kind: DatagramNone}, nil
}

// Accept validates an Incoming handshake and instantiates its Connection,
// or returns ErrHandshakeRefused if the PSK tag doesn't match.
func (e *Endpoint) Accept(now time.Time, in *Incoming) (ConnectionHandle, *Connection, error) {
	want := e.pskTag(in.clientID)
	if !hmac.Equal(want[:], in.pskTag[:]) {
		return 0, nil, ErrHandshakeRefused
	}
	e.nextLocalID++
	localID := e.nextLocalID
	c := newConnection(0, false, in.remote, e.cfg, localID, now)
	c.remoteID = in.clientID
	c.state = stateEstablished
	e.register(c)
	c.outQueue = append(c.outQueue, frame{typ: ftHello, hello: helloFrame{ConnID: localID, PSKTag: e.pskTag(localID)}})
	c.pushEvent(Event{Kind: EventConnected})
	return c.handle, c, nil
}

// Reject discards an Incoming without instantiating a Connection.
func (e *Endpoint) Reject(in *Incoming) {}

// Lookup returns the Connection for a handle returned by Connect/Accept,
// for the Runner to dispatch routed events and timers to.
func (e *Endpoint) Lookup(h ConnectionHandle) (*Connection, bool) {
	c, ok := e.byHandle[h]
	return c, ok
}

// Forget removes a closed connection from the routing table.
func (e *Endpoint) Forget(h ConnectionHandle) {
	c, ok := e.byHandle[h]
	if !ok {
		return
	}
	delete(e.byHandle, h)
	delete(e.conns, c.localID)
}

func sameAddr(a, b *net.UDPAddr) bool {
	if a == nil || b == nil {
		return a == b
	}
	return a.IP.Equal(b.IP) && a.Port == b.Port
}


package driver

import (
	"context"
	"errors"
	"net"
	"sync"
	"time"

	"qdrive/internal/qlog"
	"qdrive/internal/wire"
)

// ErrUnknownConnection is returned when an inbound datagram names a
// connection handle the endpoint no longer tracks.
var ErrUnknownConnection = errors.New("driver: unknown connection")

// Config bundles everything an Endpoint needs: the wire-level protocol
// configuration plus the driver-level sink capacities and margins.
type Config struct {
	Wire wire.Config

	// LocalAddr is how this endpoint identifies itself to peers; it is
	// never bound to an OS socket here, only carried as the source
	// address a test harness or outer transport can route on.
	LocalAddr *net.UDPAddr

	Margins          Margins
	PacketSinkCap    int
	NewStreamSinkCap int

	Logger *qlog.Logger
}

// Endpoint is C1: owns the protocol core, demultiplexes inbound datagrams
// to per-connection runners, performs initial handshake accept/connect,
// and dispatches outbound handshake/response packets. Exactly one mutex
// guards the core and is only ever held briefly, never across I/O.
type Endpoint struct {
	mu       sync.Mutex
	core     *wire.Endpoint
	byHandle map[wire.ConnectionHandle]context.CancelFunc
	byAddr   map[string]wire.ConnectionHandle
	cbs      map[wire.ConnectionHandle]*controlBlock

	margins    Margins
	respPool   *pool
	pktSink    *chanPacketSink
	PacketsOut <-chan Transmit

	streamSink *chanStreamSink
	NewStreams <-chan *Stream

	localAddr *net.UDPAddr
	log       *qlog.Logger
	wg        sync.WaitGroup
}

// New constructs an Endpoint in either client or server role.
func New(cfg Config, isClient bool) (*Endpoint, error) {
	core, err := wire.NewEndpoint(cfg.Wire, isClient)
	if err != nil {
		return nil, err
	}
	log := cfg.Logger
	if log == nil {
		log = qlog.New(qlog.Info, nil, 0)
	}
	pktSink, pktCh := NewPacketSink(cfg.PacketSinkCap)
	streamSink, strmCh := NewStreamSink(cfg.NewStreamSinkCap)
	return &Endpoint{
		core:       core,
		byHandle:   make(map[wire.ConnectionHandle]context.CancelFunc),
		byAddr:     make(map[string]wire.ConnectionHandle),
		cbs:        make(map[wire.ConnectionHandle]*controlBlock),
		margins:    cfg.Margins,
		respPool:   newPool(4096),
		pktSink:    pktSink,
		PacketsOut: pktCh,
		streamSink: streamSink,
		NewStreams: strmCh,
		localAddr:  cfg.LocalAddr,
		log:        log,
	}, nil
}

// Packets exposes the egress sink as a receive-only channel, for a harness
// or outer transport to drain.
func (e *Endpoint) Packets() <-chan Transmit { return e.PacketsOut }

// LocalAddr reports the address this endpoint identifies itself as.
func (e *Endpoint) LocalAddr() *net.UDPAddr { return e.localAddr }

// SetAcceptEnabled toggles the new-stream sink's atomic on/off switch.
func (e *Endpoint) SetAcceptEnabled(v bool) { e.streamSink.SetEnabled(v) }

// Handle feeds one inbound datagram addressed to this endpoint into the
// protocol core.
func (e *Endpoint) Handle(ctx context.Context, peer *net.UDPAddr, payload []byte) error {
	now := time.Now()
	e.mu.Lock()
	dgEvent, err := e.core.Handle(now, peer, payload)
	if err != nil {
		e.mu.Unlock()
		e.log.Debugf("endpoint: malformed datagram from %s: %v", peer, err)
		return nil
	}

	switch dgEvent.Kind {
	case wire.DatagramNone:
		e.mu.Unlock()
		return nil

	case wire.DatagramNewConnection:
		if !e.streamSink.Enabled() {
			e.core.Reject(dgEvent.Incoming)
			e.mu.Unlock()
			return nil
		}
		handle, conn, err := e.core.Accept(now, dgEvent.Incoming)
		if err != nil {
			e.mu.Unlock()
			e.log.Debugf("endpoint: handshake refused from %s: %v", peer, err)
			return nil
		}
		e.spawn(handle, conn, peer)
		e.mu.Unlock()
		return nil

	case wire.DatagramConnectionEvent:
		cb, ok := e.cbs[dgEvent.Handle]
		e.mu.Unlock()
		if !ok {
			return ErrUnknownConnection
		}
		if err := cb.sendEvent(dgEvent.Event); err != nil {
			e.log.Debugf("endpoint: dropping event for %s: %v", peer, err)
		}
		return nil

	case wire.DatagramResponse:
		framed := e.respPool.frame(payload[:dgEvent.Transmit.Size], e.margins)
		e.mu.Unlock()
		e.pktSink.C() <- Transmit{Dest: dgEvent.Transmit.Destination, Bytes: framed}
		return nil
	}
	e.mu.Unlock()
	return nil
}

// Open locates or establishes a connection to peer and opens a
// bidirectional stream through its runner, optionally writing preface
// before returning.
func (e *Endpoint) Open(ctx context.Context, peer *net.UDPAddr, preface []byte) (*Stream, error) {
	e.mu.Lock()
	key := peer.String()
	handle, reused := e.byAddr[key]
	var cb *controlBlock
	if reused {
		cb = e.cbs[handle]
	} else {
		var err error
		var conn *wire.Connection
		handle, conn, err = e.core.Connect(time.Now(), peer)
		if err != nil {
			e.mu.Unlock()
			return nil, err
		}
		cb = e.spawn(handle, conn, peer)
	}
	e.mu.Unlock()

	id, err := cb.open(wire.DirBi, ctx.Done())
	if err != nil {
		return nil, err
	}
	s := newStream(id, cb)
	if len(preface) > 0 {
		if _, err := s.Write(ctx, preface); err != nil {
			return nil, err
		}
	}
	return s, nil
}

// spawn registers a new connection's indices and starts its runner
// goroutine, installing a cleanup closure so the handle is removed from
// every index before the runner goroutine exits. Caller must hold e.mu.
func (e *Endpoint) spawn(handle wire.ConnectionHandle, conn *wire.Connection, peer *net.UDPAddr) *controlBlock {
	ctx, cancel := context.WithCancel(context.Background())
	addrKey := peer.String()
	r := newRunner(handle, conn, peer, e.pktSink, e.streamSink, e.margins, e.log, func() {
		e.mu.Lock()
		delete(e.byHandle, handle)
		delete(e.cbs, handle)
		if e.byAddr[addrKey] == handle {
			delete(e.byAddr, addrKey)
		}
		e.mu.Unlock()
	})
	e.byHandle[handle] = cancel
	e.byAddr[addrKey] = handle
	e.cbs[handle] = r.cb
	e.wg.Add(1)
	go func() {
		defer e.wg.Done()
		r.Run(ctx)
	}()
	return r.cb
}

// Close broadcasts shutdown to every control block and waits for their
// runners to exit.
func (e *Endpoint) Close() {
	e.mu.Lock()
	for _, cb := range e.cbs {
		cb.requestShutdown()
	}
	for _, cancel := range e.byHandle {
		cancel()
	}
	e.mu.Unlock()
	e.wg.Wait()
}

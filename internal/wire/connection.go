package wire

import (
	"net"
	"time"
)

type connState uint8

const (
	stateHandshaking connState = iota
	stateEstablished
	stateClosed
)

type sentPacket struct {
	pn      uint64
	frames  []frame
	sentAt  time.Time
}

type sendStream struct {
	canSend bool

	buf         []byte // bytes queued by Write, not yet all sent
	sentOffset  uint64 // prefix of buf already framed into an outstanding/acked packet
	ackedOffset uint64 // prefix of buf the peer has acknowledged
	peerMaxData uint64 // credit granted by peer via MAX_STREAM_DATA

	finQueued bool
	finAcked  bool
	reset     bool
	resetCode uint64
	stopped   bool // peer sent STOP_SENDING
	stopCode  uint64
}

type recvStream struct {
	canRecv bool

	queue      [][]byte          // contiguous bytes ready for the application, in order
	pending    map[uint64][]byte // out-of-order chunks keyed by offset
	nextOffset uint64            // next expected byte offset

	maxRecvOffset uint64 // window granted to the peer so far
	grantedOnce   bool

	finAt    *uint64 // offset at which FIN arrives, once known
	eof      bool    // FIN observed and all bytes up to it delivered
	resetErr *ResetError
}

type streamState struct {
	id  StreamID
	dir Dir
	send sendStream
	recv recvStream
}

// Connection is one QUIC-shaped connection's state machine: the sans-IO
// core the protocol connection object represents. Every method is
// synchronous and non-blocking; all I/O happens through
// PollTransmit/HandleEvent, which is what the Runner drives.
type Connection struct {
	handle     ConnectionHandle
	isClient   bool
	remote     *net.UDPAddr
	cfg        *Config
	localID    uint64
	remoteID   uint64
	pskTag     [16]byte

	state connState

	streams map[StreamID]*streamState
	nextBiSeq, nextUniSeq uint64
	pendingAcceptBi, pendingAcceptUni []StreamID

	outQueue []frame
	nextPN   uint64

	outstanding map[uint64]*sentPacket
	rtoDeadline time.Time
	rtoCount    int

	highestRecvPN int64
	recvSeen      map[uint64]struct{}
	ackDue        bool

	idleDeadline time.Time

	events []Event

	closeReason error
}

func newConnection(handle ConnectionHandle, isClient bool, remote *net.UDPAddr, cfg *Config, localID uint64, now time.Time) *Connection {
	return &Connection{
		handle:        handle,
		isClient:      isClient,
		remote:        remote,
		cfg:           cfg,
		localID:       localID,
		streams:       make(map[StreamID]*streamState),
		outstanding:   make(map[uint64]*sentPacket),
		highestRecvPN: -1,
		recvSeen:      make(map[uint64]struct{}),
		idleDeadline:  now.Add(cfg.IdleTimeout),
	}
}

// Handle returns the connection's identity within its Endpoint.
func (c *Connection) Handle() ConnectionHandle { return c.handle }

// RemoteAddr returns the peer's address.
func (c *Connection) RemoteAddr() *net.UDPAddr { return c.remote }

// IsHandshaking reports whether the 1-RTT hello exchange is still pending.
func (c *Connection) IsHandshaking() bool { return c.state == stateHandshaking }

// CurrentMTU is the datagram size budget PollTransmit packs frames into.
func (c *Connection) CurrentMTU() int { return c.cfg.MTU }

func (c *Connection) pushEvent(e Event) { c.events = append(c.events, e) }

// Poll drains the next pending connection/stream event. Returns ok=false
// once drained.
func (c *Connection) Poll() (Event, bool) {
	if len(c.events) == 0 {
		return Event{}, false
	}
	e := c.events[0]
	c.events = c.events[1:]
	return e, true
}

// ---- stream id allocation / acceptance ----------------------------------

// OpenStream allocates a new locally-initiated stream id.
func (c *Connection) OpenStream(dir Dir) (StreamID, error) {
	if c.state == stateClosed {
		return 0, ErrConnectionClosed
	}
	if uint64(len(c.streams)) >= c.cfg.MaxConcurrentStreams {
		return 0, ErrStreamsExhausted
	}
	var seq uint64
	if dir == DirBi {
		seq = c.nextBiSeq
		c.nextBiSeq++
	} else {
		seq = c.nextUniSeq
		c.nextUniSeq++
	}
	id := makeStreamID(seq, c.isClient, dir == DirUni)
	st := &streamState{id: id, dir: dir}
	st.send.canSend = true
	st.send.peerMaxData = c.cfg.InitialStreamWindow
	if dir == DirBi {
		st.recv.canRecv = true
		st.recv.pending = make(map[uint64][]byte)
	}
	c.streams[id] = st
	return id, nil
}

// AcceptStream pops one remote-opened stream id of the given direction,
// if any is waiting.
func (c *Connection) AcceptStream(dir Dir) (StreamID, bool) {
	if dir == DirBi {
		if len(c.pendingAcceptBi) == 0 {
			return 0, false
		}
		id := c.pendingAcceptBi[0]
		c.pendingAcceptBi = c.pendingAcceptBi[1:]
		return id, true
	}
	if len(c.pendingAcceptUni) == 0 {
		return 0, false
	}
	id := c.pendingAcceptUni[0]
	c.pendingAcceptUni = c.pendingAcceptUni[1:]
	return id, true
}

func (c *Connection) localInitiated(id StreamID) bool {
	return id.initiatedByClient() == c.isClient
}

// remoteOpen lazily creates stream state for a peer-initiated stream the
// first time it's referenced by an incoming frame, queuing it for Accept.
func (c *Connection) remoteOpen(id StreamID) *streamState {
	if st, ok := c.streams[id]; ok {
		return st
	}
	dir := DirBi
	if id.unidirectional() {
		dir = DirUni
	}
	st := &streamState{id: id, dir: dir}
	st.recv.canRecv = true
	st.recv.pending = make(map[uint64][]byte)
	if dir == DirBi {
		st.send.canSend = true
		st.send.peerMaxData = c.cfg.InitialStreamWindow
	}
	c.streams[id] = st
	if dir == DirBi {
		c.pendingAcceptBi = append(c.pendingAcceptBi, id)
	} else {
		c.pendingAcceptUni = append(c.pendingAcceptUni, id)
	}
	c.pushEvent(Event{Kind: EventStreamOpened, Dir: dir})
	return st
}

// ---- send side -----------------------------------------------------------

// SendStream exposes the send-side operations for an existing stream,
// mirroring the original driver's conn.send_stream(id) accessor.
type SendStream struct {
	c  *Connection
	st *streamState
}

// SendStream returns the send-side handle for id, or ok=false if id is
// unknown or cannot be sent on (e.g. a remote-opened unidirectional
// stream).
func (c *Connection) SendStream(id StreamID) (SendStream, bool) {
	st, ok := c.streams[id]
	if !ok || !st.send.canSend {
		return SendStream{}, false
	}
	return SendStream{c: c, st: st}, true
}

// Write queues data for transmission, returning the number of bytes
// accepted (which may be less than len(data) if the peer's flow-control
// window is exhausted) — the driver layer above turns this partial
// acceptance into an all-or-none contract.
func (s SendStream) Write(data []byte) (int, error) {
	st := s.st
	if st.send.reset {
		return 0, ErrClosedStream
	}
	if st.send.stopped {
		return 0, &StoppedError{Code: st.send.stopCode}
	}
	if st.send.finQueued {
		return 0, ErrClosedStream
	}
	if len(data) == 0 {
		return 0, nil
	}
	queued := uint64(len(st.send.buf)) - st.send.sentOffset
	room := st.send.peerMaxData - (st.send.ackedOffset + queued)
	if room == 0 {
		return 0, ErrBlocked
	}
	n := len(data)
	if uint64(n) > room {
		n = int(room)
	}
	st.send.buf = append(st.send.buf, data[:n]...)
	s.c.queueSendable(st)
	if n < len(data) {
		return n, ErrBlocked
	}
	return n, nil
}

// Finish marks the send side FIN'd once all queued bytes are delivered.
func (s SendStream) Finish() error {
	st := s.st
	if st.send.reset {
		return ErrClosedStream
	}
	if st.send.stopped {
		return &StoppedError{Code: st.send.stopCode}
	}
	st.send.finQueued = true
	s.c.queueSendable(st)
	return nil
}

// Reset aborts the send side immediately with an application error code.
func (s SendStream) Reset(code uint64) error {
	st := s.st
	if st.send.reset {
		return nil
	}
	st.send.reset = true
	st.send.resetCode = code
	s.c.enqueueControl(frame{typ: ftResetStream, rst: resetStreamFrame{ID: uint64(st.id), Code: code}})
	return nil
}

func (c *Connection) queueSendable(st *streamState) {
	// Stream frame generation happens lazily in PollTransmit so multiple
	// Writes before the next poll coalesce into fewer, fuller frames; we
	// only need to know *that* this stream has unsent bytes.
	c.markDirty(st)
}

func (c *Connection) markDirty(st *streamState) {
	for _, f := range c.outQueue {
		if f.typ == ftStream && f.strm.ID == uint64(st.id) {
			return
		}
	}
	c.outQueue = append(c.outQueue, frame{typ: ftStream, strm: streamFrame{ID: uint64(st.id)}})
}

func (c *Connection) enqueueControl(f frame) { c.outQueue = append(c.outQueue, f) }

// ---- recv side -----------------------------------------------------------

// RecvStream exposes the receive-side operations for an existing stream,
// mirroring the original driver's conn.recv_stream(id) accessor.
type RecvStream struct {
	c  *Connection
	st *streamState
}

// RecvStream returns the receive-side handle for id, or ok=false.
func (c *Connection) RecvStream(id StreamID) (RecvStream, bool) {
	st, ok := c.streams[id]
	if !ok || !st.recv.canRecv {
		return RecvStream{}, false
	}
	return RecvStream{c: c, st: st}, true
}

// Read copies up to len(buf) bytes into buf, returning io.EOF-style
// (0, nil, true) once FIN has been fully consumed.
func (s RecvStream) Read(buf []byte) (n int, err error, eof bool) {
	st := s.st
	if len(st.recv.queue) == 0 {
		if st.recv.resetErr != nil {
			return 0, st.recv.resetErr, false
		}
		if st.recv.finAt != nil && st.recv.nextOffset == *st.recv.finAt {
			st.recv.eof = true
		}
		if st.recv.eof {
			return 0, nil, true
		}
		return 0, ErrBlocked, false
	}
	for len(buf) > 0 && len(st.recv.queue) > 0 {
		chunk := st.recv.queue[0]
		k := copy(buf, chunk)
		n += k
		buf = buf[k:]
		if k == len(chunk) {
			st.recv.queue = st.recv.queue[1:]
		} else {
			st.recv.queue[0] = chunk[k:]
		}
	}
	s.c.grantMoreWindow(st)
	if len(st.recv.queue) == 0 && st.recv.finAt != nil && st.recv.nextOffset == *st.recv.finAt {
		st.recv.eof = true
	}
	return n, nil, false
}

// Stop requests the peer halt sending on this stream (STOP_SENDING).
func (s RecvStream) Stop(code uint64) error {
	st := s.st
	s.c.enqueueControl(frame{typ: ftStopSending, stop: stopSendingFrame{ID: uint64(st.id), Code: code}})
	return nil
}

func (c *Connection) grantMoreWindow(st *streamState) {
	consumed := st.recv.nextOffset - uint64(sumLen(st.recv.queue))
	_ = consumed
	lowWater := st.recv.maxRecvOffset - st.recv.nextOffset
	if !st.recv.grantedOnce || lowWater < c.cfg.InitialStreamWindow/2 {
		newMax := st.recv.nextOffset + c.cfg.MaxStreamWindow
		if newMax > st.recv.maxRecvOffset {
			st.recv.maxRecvOffset = newMax
			st.recv.grantedOnce = true
			c.enqueueControl(frame{typ: ftMaxStreamData, msd: maxStreamDataFrame{ID: uint64(st.id), Max: newMax}})
		}
	}
}

func sumLen(bufs [][]byte) int {
	n := 0
	for _, b := range bufs {
		n += len(b)
	}
	return n
}

// ---- closing ---------------------------------------------------------

// Close tears the connection down locally, best-effort notifying the peer.
func (c *Connection) Close(now time.Time, code uint64, reason string) {
	if c.state == stateClosed {
		return
	}
	c.state = stateClosed
	c.outQueue = []frame{{typ: ftClose, close: closeFrame{Code: code, Reason: reason}}}
	c.closeReason = &ConnectionLostError{Reason: reason}
}

func (c *Connection) loseConnection(reason error) {
	if c.state == stateClosed {
		return
	}
	c.state = stateClosed
	c.closeReason = reason
	for _, st := range c.streams {
		if st.recv.canRecv && st.recv.resetErr == nil {
			st.recv.resetErr = &ResetError{Code: 0}
		}
	}
	c.pushEvent(Event{Kind: EventConnectionLost, Reason: reason})
}

// ---- outbound packet assembly --------------------------------------------

// PollTransmit packs as many pending frames as fit into buf (sized to at
// least CurrentMTU) and reports how many bytes were written. The Runner
// calls it repeatedly until it reports nothing left to send.
func (c *Connection) PollTransmit(now time.Time, buf []byte) (int, bool) {
	if c.state == stateClosed && c.closeReason == nil {
		return 0, false
	}

	budget := c.cfg.MTU
	if len(buf) < budget {
		budget = len(buf)
	}

	var frames []frame
	n := packetHeaderSize

	// Retransmit anything past its RTO deadline first.
	for pn, sp := range c.outstanding {
		if now.Before(c.rtoFor(sp)) {
			continue
		}
		size := 0
		for _, f := range sp.frames {
			size += frameSize(f)
		}
		if n+size > budget {
			continue
		}
		delete(c.outstanding, pn)
		for _, f := range sp.frames {
			if f.typ == ftStream {
				if st, ok := c.streams[StreamID(f.strm.ID)]; ok && (st.send.reset || st.send.finAcked) {
					continue
				}
			}
			frames = append(frames, f)
			n += frameSize(f)
		}
	}

	if c.ackDue && n+frameSize(frame{typ: ftAck}) <= budget {
		frames = append(frames, frame{typ: ftAck, ack: c.buildAck()})
		n += frameSize(frame{typ: ftAck, ack: c.buildAck()})
		c.ackDue = false
	}

	for len(c.outQueue) > 0 && n < budget {
		f := c.outQueue[0]
		if f.typ == ftStream {
			built, ok := c.buildStreamFrame(StreamID(f.strm.ID), budget-n)
			c.outQueue = c.outQueue[1:]
			if !ok {
				continue
			}
			f = built
		} else {
			c.outQueue = c.outQueue[1:]
		}
		sz := frameSize(f)
		if n+sz > budget {
			// Put it back for the next datagram.
			c.outQueue = append([]frame{f}, c.outQueue...)
			break
		}
		frames = append(frames, f)
		n += sz
	}

	if c.state == stateClosed {
		if len(frames) == 0 {
			return 0, false
		}
	} else if len(frames) == 0 {
		return 0, false
	}

	putPacketNumber(buf, c.nextPN)
	off := packetHeaderSize
	pn := c.nextPN
	c.nextPN++
	var stored []frame
	for _, f := range frames {
		buf = appendFrame(buf[:off], f)
		off = len(buf)
		if f.typ == ftStream || f.typ == ftResetStream {
			stored = append(stored, f)
		}
	}
	if len(stored) > 0 && c.state != stateClosed {
		c.outstanding[pn] = &sentPacket{pn: pn, frames: stored, sentAt: now}
	}
	return off, true
}

func (c *Connection) rtoFor(sp *sentPacket) time.Time {
	rto := c.cfg.RTO
	for i := 0; i < c.rtoCount && rto < c.cfg.MaxRTO; i++ {
		rto *= 2
	}
	if rto > c.cfg.MaxRTO {
		rto = c.cfg.MaxRTO
	}
	return sp.sentAt.Add(rto)
}

func (c *Connection) buildAck() ackFrame {
	var bitmap uint64
	for i := 0; i < 64; i++ {
		pn := c.highestRecvPN - 1 - int64(i)
		if pn < 0 {
			break
		}
		if _, ok := c.recvSeen[uint64(pn)]; ok {
			bitmap |= 1 << uint(i)
		}
	}
	return ackFrame{Largest: uint64(c.highestRecvPN), SackBitmap: bitmap}
}

// buildStreamFrame frames up to maxLen bytes of unsent data queued for id.
func (c *Connection) buildStreamFrame(id StreamID, maxLen int) (frame, bool) {
	st, ok := c.streams[id]
	if !ok {
		return frame{}, false
	}
	const overhead = 1 + 8 + 8 + 1 + 4
	if maxLen <= overhead {
		return frame{}, false
	}
	avail := uint64(len(st.send.buf)) - st.send.sentOffset
	room := uint64(maxLen - overhead)
	n := avail
	if n > room {
		n = room
	}
	fin := st.send.finQueued && st.send.sentOffset+n == uint64(len(st.send.buf))
	if n == 0 && !fin {
		return frame{}, false
	}
	data := st.send.buf[st.send.sentOffset : st.send.sentOffset+n]
	f := frame{typ: ftStream, strm: streamFrame{ID: uint64(id), Offset: st.send.sentOffset, Fin: fin, Data: data}}
	st.send.sentOffset += n
	if st.send.sentOffset < uint64(len(st.send.buf)) || (st.send.finQueued && !fin) {
		c.markDirty(st)
	}
	return f, true
}

// ---- inbound datagram processing ------------------------------------------

// handleDatagram decodes and applies one already-demultiplexed datagram
// belonging to this connection.
func (c *Connection) handleDatagram(now time.Time, payload []byte) error {
	c.idleDeadline = now.Add(c.cfg.IdleTimeout)
	if len(payload) < packetHeaderSize {
		return errShortFrame
	}
	pn := getPacketNumber(payload)
	if _, dup := c.recvSeen[pn]; dup {
		return nil
	}
	c.recvSeen[pn] = struct{}{}
	if int64(pn) > c.highestRecvPN {
		c.highestRecvPN = int64(pn)
	}
	c.ackDue = true

	frames, err := parseFrames(payload[packetHeaderSize:])
	if err != nil {
		return err
	}
	for _, f := range frames {
		c.applyFrame(now, f)
	}
	return nil
}

func (c *Connection) applyFrame(now time.Time, f frame) {
	switch f.typ {
	case ftHello:
		c.remoteID = f.hello.ConnID
		if c.state == stateHandshaking {
			c.state = stateEstablished
			c.pushEvent(Event{Kind: EventConnected})
		}
	case ftStream:
		c.applyStreamFrame(f.strm)
	case ftMaxStreamData:
		if st, ok := c.streams[StreamID(f.msd.ID)]; ok && f.msd.Max > st.send.peerMaxData {
			wasBlocked := st.send.peerMaxData <= st.send.ackedOffset+uint64(len(st.send.buf))-st.send.sentOffset
			st.send.peerMaxData = f.msd.Max
			if wasBlocked {
				c.pushEvent(Event{Kind: EventStreamWritable, Stream: st.id})
			}
		}
	case ftResetStream:
		if st, ok := c.streams[StreamID(f.rst.ID)]; ok && st.recv.canRecv {
			st.recv.resetErr = &ResetError{Code: f.rst.Code}
			c.pushEvent(Event{Kind: EventStreamReadable, Stream: st.id})
		}
	case ftStopSending:
		if st, ok := c.streams[StreamID(f.stop.ID)]; ok && st.send.canSend {
			st.send.stopped = true
			st.send.stopCode = f.stop.Code
			c.pushEvent(Event{Kind: EventStreamStopped, Stream: st.id, Code: f.stop.Code})
		}
	case ftAck:
		c.applyAck(f.ack)
	case ftPing:
	case ftClose:
		c.loseConnection(&ConnectionLostError{Reason: f.close.Reason})
	}
}

func (c *Connection) applyStreamFrame(f streamFrame) {
	id := StreamID(f.ID)
	st := c.streams[id]
	if st == nil || !st.recv.canRecv {
		if !c.localInitiated(id) {
			st = c.remoteOpen(id)
		} else {
			return
		}
	}
	if st.recv.resetErr != nil {
		return
	}
	if f.Offset < st.recv.nextOffset {
		if f.Offset+uint64(len(f.Data)) <= st.recv.nextOffset {
			if f.Fin {
				fin := st.recv.nextOffset
				st.recv.finAt = &fin
			}
			return
		}
		trim := st.recv.nextOffset - f.Offset
		f.Data = f.Data[trim:]
		f.Offset = st.recv.nextOffset
	}
	if f.Offset == st.recv.nextOffset {
		if len(f.Data) > 0 {
			st.recv.queue = append(st.recv.queue, append([]byte(nil), f.Data...))
			st.recv.nextOffset += uint64(len(f.Data))
		}
		for {
			chunk, ok := st.recv.pending[st.recv.nextOffset]
			if !ok {
				break
			}
			delete(st.recv.pending, st.recv.nextOffset)
			st.recv.queue = append(st.recv.queue, chunk)
			st.recv.nextOffset += uint64(len(chunk))
		}
		if len(f.Data) > 0 {
			c.pushEvent(Event{Kind: EventStreamReadable, Stream: id})
		}
	} else if len(f.Data) > 0 {
		st.recv.pending[f.Offset] = append([]byte(nil), f.Data...)
	}
	if f.Fin {
		fin := f.Offset + uint64(len(f.Data))
		st.recv.finAt = &fin
		if fin == st.recv.nextOffset {
			c.pushEvent(Event{Kind: EventStreamReadable, Stream: id})
		}
	}
}

func (c *Connection) applyAck(ack ackFrame) {
	acked := []uint64{ack.Largest}
	for i := 0; i < 64; i++ {
		if ack.SackBitmap&(1<<uint(i)) != 0 {
			acked = append(acked, ack.Largest-1-uint64(i))
		}
	}
	for _, pn := range acked {
		sp, ok := c.outstanding[pn]
		if !ok {
			continue
		}
		delete(c.outstanding, pn)
		c.rtoCount = 0
		for _, f := range sp.frames {
			if f.typ != ftStream {
				continue
			}
			st, ok := c.streams[StreamID(f.strm.ID)]
			if !ok {
				continue
			}
			end := f.strm.Offset + uint64(len(f.strm.Data))
			if end > st.send.ackedOffset {
				st.send.ackedOffset = end
			}
			if f.strm.Fin {
				st.send.finAcked = true
				c.pushEvent(Event{Kind: EventStreamWritable, Stream: st.id})
			}
		}
	}
}

// ---- timers ----------------------------------------------------------

// PollTimeout reports when HandleTimeout should next be called: the
// earliest of the idle deadline and any outstanding packet's RTO.
func (c *Connection) PollTimeout() time.Time {
	deadline := c.idleDeadline
	for _, sp := range c.outstanding {
		rto := c.rtoFor(sp)
		if rto.Before(deadline) {
			deadline = rto
		}
	}
	return deadline
}

// HandleTimeout advances the connection's clock, expiring the idle timer
// or letting PollTransmit pick up due retransmissions.
func (c *Connection) HandleTimeout(now time.Time) {
	if c.state != stateClosed && !now.Before(c.idleDeadline) {
		c.loseConnection(&ConnectionLostError{Reason: "idle timeout"})
		return
	}
	for range c.outstanding {
		c.rtoCount++
		break
	}
}

// HandleEvent reprocesses one already-routed datagram delivered via the
// connection's inbox.
func (c *Connection) HandleEvent(now time.Time, ev ConnectionEvent) error {
	return c.handleDatagram(now, ev.payload)
}

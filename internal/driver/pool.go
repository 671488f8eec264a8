package driver

import "net"

// Margins are the caller-supplied header/trailer byte reservations every
// outbound datagram carries, so an outer transport (gopacket framing, a
// length-prefixed stream, whatever wraps this driver) can prepend/append
// without copying.
type Margins struct {
	Header  int
	Trailer int
}

func (m Margins) total() int { return m.Header + m.Trailer }

// pool is a margin-aware byte arena: a growing reusable arena sliced per
// request, doubling (plus a floor) when exhausted. It carries no
// synchronization of its own: the Endpoint owns one and only uses it while
// holding its mutex.
type pool struct {
	minGrow int
	arena   []byte
	off     int
}

func newPool(minGrow int) *pool {
	if minGrow <= 0 {
		minGrow = 64 * 1024
	}
	return &pool{minGrow: minGrow}
}

// frame returns a new buffer of size margins.Header+len(payload)+margins.Trailer
// whose middle region holds a copy of payload; margins occupy the front
// and back exactly and contiguously.
func (p *pool) frame(payload []byte, m Margins) []byte {
	need := m.Header + len(payload) + m.Trailer
	if p.arena == nil || len(p.arena)-p.off < need {
		grow := 2 * len(p.arena)
		if grow < need {
			grow = need
		}
		if grow < p.minGrow {
			grow = p.minGrow
		}
		p.arena = make([]byte, grow)
		p.off = 0
	}
	buf := p.arena[p.off : p.off+need : p.off+need]
	p.off += need
	copy(buf[m.Header:m.Header+len(payload)], payload)
	return buf
}

// sealedChunk is one contiguous allocation the accumulator has handed off,
// still holding one or more packed transmits awaiting per-datagram split.
type sealedChunk struct {
	buf  []byte
	subs []subTransmit
}

type subTransmit struct {
	dest  *net.UDPAddr
	start int
	end   int
}

// accumulator packs many Transmits into few contiguous allocations: the
// runner batches egress into it, rotating to a fresh allocation whenever
// the next transmit would overflow the current one.
type accumulator struct {
	capacity int
	margins  Margins

	cur  []byte
	subs []subTransmit

	sealed []sealedChunk
}

func newAccumulator(capacity int, margins Margins) *accumulator {
	if capacity <= 0 {
		capacity = 64 * 1024
	}
	return &accumulator{capacity: capacity, margins: margins}
}

// put appends one transmit's payload to the accumulator, rotating to a new
// chunk first if it would not fit in the current one.
func (a *accumulator) put(dest *net.UDPAddr, payload []byte) {
	need := a.margins.total() + len(payload)
	if a.cur != nil && len(a.cur)+need > a.capacity {
		a.rotate()
	}
	if a.cur == nil {
		a.cur = make([]byte, 0, a.capacity)
	}
	start := len(a.cur)
	a.cur = append(a.cur, make([]byte, a.margins.Header)...)
	a.cur = append(a.cur, payload...)
	a.cur = append(a.cur, make([]byte, a.margins.Trailer)...)
	a.subs = append(a.subs, subTransmit{dest: dest, start: start, end: len(a.cur)})
}

// rotate seals the current chunk (if non-empty) onto the pending queue and
// installs a fresh one.
func (a *accumulator) rotate() {
	if len(a.cur) > 0 {
		a.sealed = append(a.sealed, sealedChunk{buf: a.cur, subs: a.subs})
	}
	a.cur = nil
	a.subs = nil
}

// flush seals any partially filled chunk; call once per runner iteration
// after the last put.
func (a *accumulator) flush() {
	a.rotate()
}

// Transmit is one datagram ready for the egress sink, with margins.Header
// leading and margins.Trailer trailing reserved bytes around the payload
// the core produced.
type Transmit struct {
	Dest  *net.UDPAddr
	Bytes []byte
}

// drain pops every Transmit ready across sealed chunks, splitting each
// sealed chunk into its per-transmit sub-buffers.
func (a *accumulator) drain() []Transmit {
	if len(a.sealed) == 0 {
		return nil
	}
	var out []Transmit
	for _, chunk := range a.sealed {
		for _, s := range chunk.subs {
			out = append(out, Transmit{Dest: s.dest, Bytes: chunk.buf[s.start:s.end]})
		}
	}
	a.sealed = nil
	return out
}

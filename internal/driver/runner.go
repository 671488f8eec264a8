package driver

import (
	"context"
	"net"
	"runtime"
	"time"

	"qdrive/internal/qlog"
	"qdrive/internal/wire"
)

// runner drives exactly one Connection on its own goroutine. It holds
// controlBlock.connMu for each pass of its phase loop; stream handles take
// the same lock only briefly, from their callers' goroutines.
type runner struct {
	cb     *controlBlock
	conn   *wire.Connection
	remote *net.UDPAddr
	handle wire.ConnectionHandle

	pktSink    PacketSink
	streamSink StreamSink
	margins    Margins
	accum      *accumulator

	onExit func()
	log    *qlog.Logger

	pendingNewStreams []*Stream
	scratch           []byte
}

func newRunner(handle wire.ConnectionHandle, conn *wire.Connection, remote *net.UDPAddr, pktSink PacketSink, streamSink StreamSink, margins Margins, log *qlog.Logger, onExit func()) *runner {
	return &runner{
		cb:         newControlBlock(conn),
		conn:       conn,
		remote:     remote,
		handle:     handle,
		pktSink:    pktSink,
		streamSink: streamSink,
		margins:    margins,
		accum:      newAccumulator(64*1024, margins),
		onExit:     onExit,
		log:        log,
		scratch:    make([]byte, conn.CurrentMTU()),
	}
}

// Run executes the event loop until the connection is lost, the context is
// cancelled, or shutdown is requested. It is meant to run on its own
// goroutine, one per connection.
func (r *runner) Run(ctx context.Context) {
	defer func() {
		r.cb.markDone()
		if r.onExit != nil {
			r.onExit()
		}
	}()

	for {
		if ctx.Err() != nil {
			r.closeAllStreams(&wire.ConnectionLostError{Reason: "runner context cancelled"})
			return
		}

		didWork, terminating, reason := r.iterate()
		if terminating {
			r.closeAllStreams(reason)
			return
		}

		if didWork {
			runtime.Gosched()
			continue
		}

		deadline := r.conn.PollTimeout()
		wait := time.Until(deadline)
		if wait <= 0 {
			continue
		}
		timer := time.NewTimer(wait)
		select {
		case <-r.cb.notify:
		case <-timer.C:
		case <-ctx.Done():
		}
		timer.Stop()
	}
}

// iterate runs phases 1-7 once, returning whether any work was done and
// whether the runner should terminate.
func (r *runner) iterate() (didWork, terminating bool, lostReason error) {
	var deferredWake []chan struct{}
	var newTransmits []Transmit

	r.cb.connMu.Lock()

	if r.cb.shutdown.Load() {
		terminating = true
		lostReason = &wire.ConnectionLostError{Reason: "shutdown requested"}
		r.cb.connMu.Unlock()
		return true, true, lostReason
	}

	// Phase 1: drain inbox / phase 3: service open+close requests.
	events, opens, closes := r.cb.drain()
	now := time.Now()
	for _, ev := range events {
		if err := r.conn.HandleEvent(now, ev); err != nil {
			r.log.Debugf("connection %d: bad datagram: %v", r.handle, err)
		}
		didWork = true
	}

	// Phase 2: handle timeout.
	if !now.Before(r.conn.PollTimeout()) {
		r.conn.HandleTimeout(now)
		didWork = true
	}

	for _, o := range opens {
		id, err := r.conn.OpenStream(o.dir)
		o.reply <- openResult{id: id, err: err}
		didWork = true
	}
	for _, id := range closes {
		if ss, ok := r.conn.SendStream(id); ok {
			ss.Reset(0)
		}
		if rs, ok := r.conn.RecvStream(id); ok {
			rs.Stop(0)
		}
		if w, ok := r.cb.takeReader(id); ok {
			deferredWake = append(deferredWake, w)
		}
		if w, ok := r.cb.takeWriter(id); ok {
			deferredWake = append(deferredWake, w)
		}
		didWork = true
	}

	// Phase 4: drain core events.
	for {
		ev, ok := r.conn.Poll()
		if !ok {
			break
		}
		didWork = true
		switch ev.Kind {
		case wire.EventConnected:
			// no-op; connection is usable once OpenStream/AcceptStream work.
		case wire.EventStreamOpened:
			for {
				id, ok := r.conn.AcceptStream(ev.Dir)
				if !ok {
					break
				}
				if !r.streamSink.Enabled() {
					// Acceptance is off: no Stream ever reaches the sink;
					// the stream is reset and stopped, though the core
					// keeps its entry.
					if ss, ok := r.conn.SendStream(id); ok {
						ss.Reset(0)
					}
					if rs, ok := r.conn.RecvStream(id); ok {
						rs.Stop(0)
					}
					continue
				}
				r.pendingNewStreams = append(r.pendingNewStreams, newStream(id, r.cb))
			}
		case wire.EventStreamReadable:
			if w, ok := r.cb.takeReader(ev.Stream); ok {
				deferredWake = append(deferredWake, w)
			}
		case wire.EventStreamWritable:
			if w, ok := r.cb.takeWriter(ev.Stream); ok {
				deferredWake = append(deferredWake, w)
			}
		case wire.EventStreamStopped:
			if w, ok := r.cb.takeWriter(ev.Stream); ok {
				deferredWake = append(deferredWake, w)
			}
		case wire.EventConnectionLost:
			terminating = true
			lostReason = ev.Reason
		}
	}

	// Phase 5: emit transmits into the accumulator.
	for {
		n, ok := r.conn.PollTransmit(now, r.scratch)
		if !ok {
			break
		}
		didWork = true
		r.accum.put(r.remote, r.scratch[:n])
	}
	r.accum.flush()
	newTransmits = r.accum.drain()

	r.cb.connMu.Unlock()

	// Phase 6: wake deferred readers/writers outside the lock.
	for _, w := range deferredWake {
		close(w)
	}

	if terminating {
		return didWork, true, lostReason
	}

	if len(newTransmits) > 0 {
		didWork = true
	}

	// Phase 7: send-with-ingress-preemption.
	i := 0
	for i < len(newTransmits) || len(r.pendingNewStreams) > 0 {
		var pktCh chan<- Transmit
		var pktVal Transmit
		if i < len(newTransmits) {
			pktCh = r.pktSink.C()
			pktVal = newTransmits[i]
		}
		var strmCh chan<- *Stream
		var strmVal *Stream
		if len(r.pendingNewStreams) > 0 && r.streamSink.Enabled() {
			strmCh = r.streamSink.C()
			strmVal = r.pendingNewStreams[0]
		}

		select {
		case pktCh <- pktVal:
			i++
		case strmCh <- strmVal:
			r.pendingNewStreams = r.pendingNewStreams[1:]
		case <-r.cb.notify:
			// Ingress strictly preempts egress: stash whatever's left and
			// go back to phase 1 immediately.
			r.requeue(newTransmits[i:])
			return true, false, nil
		}
	}

	return didWork, false, nil
}

// requeue re-seals any transmits the send loop didn't get to before being
// preempted, so the next iteration's phase 5 emits them first.
func (r *runner) requeue(rest []Transmit) {
	for _, t := range rest {
		r.accum.sealed = append(r.accum.sealed, sealedChunk{
			buf:  t.Bytes,
			subs: []subTransmit{{dest: t.Dest, start: 0, end: len(t.Bytes)}},
		})
	}
}

func (r *runner) closeAllStreams(reason error) {
	r.cb.connMu.Lock()
	for id := range r.cb.readers {
		delete(r.cb.readers, id)
	}
	for id := range r.cb.writers {
		delete(r.cb.writers, id)
	}
	r.cb.connMu.Unlock()
	r.log.Infof("connection %d: terminated: %v", r.handle, reason)
}

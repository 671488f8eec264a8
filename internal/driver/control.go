package driver

import (
	"errors"
	"sync"
	"sync/atomic"

	"qdrive/internal/wire"
)

// ErrBackpressureFull is returned by non-blocking try-send paths when the
// ingress queue is saturated; callers retry or yield. It is never fatal.
var ErrBackpressureFull = errors.New("driver: queue full, try again")

// ErrShutdown is returned to any Open call made after the control block's
// shutdown flag has been set.
var ErrShutdown = errors.New("driver: connection shutting down")

const inboxCapacity = 1024

type openRequest struct {
	dir   wire.Dir
	reply chan openResult
}

type openResult struct {
	id  wire.StreamID
	err error
}

// controlBlock is the cloneable shared handle: mailbox + notifier for
// submitting events/requests to the runner, guarding the protocol
// connection object and the per-stream waker tables. A mutex-protected
// slice queue plus an edge-triggered capacity-1 channel stands in for a
// lock-free FIFO here, since Go's mutex-and-channel idiom covers the same
// ground without a lock-free structure's complexity.
type controlBlock struct {
	connMu  sync.Mutex
	conn    *wire.Connection
	readers map[wire.StreamID]chan struct{}
	writers map[wire.StreamID]chan struct{}

	qmu           sync.Mutex
	inbox         []wire.ConnectionEvent
	openRequests  []openRequest
	closeRequests []wire.StreamID

	notify chan struct{}

	shutdown atomic.Bool
	done     chan struct{}
}

func newControlBlock(conn *wire.Connection) *controlBlock {
	return &controlBlock{
		conn:    conn,
		readers: make(map[wire.StreamID]chan struct{}),
		writers: make(map[wire.StreamID]chan struct{}),
		notify:  make(chan struct{}, 1),
		done:    make(chan struct{}),
	}
}

func (cb *controlBlock) signal() {
	select {
	case cb.notify <- struct{}{}:
	default:
	}
}

// sendEvent pushes an inbound protocol event to the inbox. Non-blocking:
// once inboxCapacity events are queued it refuses new ones rather than
// growing without bound.
func (cb *controlBlock) sendEvent(ev wire.ConnectionEvent) error {
	cb.qmu.Lock()
	if len(cb.inbox) >= inboxCapacity {
		cb.qmu.Unlock()
		return ErrBackpressureFull
	}
	cb.inbox = append(cb.inbox, ev)
	cb.qmu.Unlock()
	cb.signal()
	return nil
}

// open enqueues a stream-open request and blocks until the runner replies
// or ctx is done.
func (cb *controlBlock) open(dir wire.Dir, done <-chan struct{}) (wire.StreamID, error) {
	if cb.shutdown.Load() {
		return 0, ErrShutdown
	}
	reply := make(chan openResult, 1)
	cb.qmu.Lock()
	cb.openRequests = append(cb.openRequests, openRequest{dir: dir, reply: reply})
	cb.qmu.Unlock()
	cb.signal()
	select {
	case r := <-reply:
		return r.id, r.err
	case <-done:
		return 0, ErrShutdown
	case <-cb.done:
		return 0, ErrShutdown
	}
}

// close enqueues id for teardown; invoked from a Stream's drop path. Never
// blocks.
func (cb *controlBlock) close(id wire.StreamID) {
	cb.qmu.Lock()
	cb.closeRequests = append(cb.closeRequests, id)
	cb.qmu.Unlock()
	cb.signal()
}

// requestShutdown sets the shutdown flag and wakes the runner so it can
// terminate cleanly on its next iteration.
func (cb *controlBlock) requestShutdown() {
	cb.shutdown.Store(true)
	cb.signal()
}

// drain atomically takes ownership of all three queues, for the runner's
// phase-1/phase-3 drain steps.
func (cb *controlBlock) drain() (events []wire.ConnectionEvent, opens []openRequest, closes []wire.StreamID) {
	cb.qmu.Lock()
	events, cb.inbox = cb.inbox, nil
	opens, cb.openRequests = cb.openRequests, nil
	closes, cb.closeRequests = cb.closeRequests, nil
	cb.qmu.Unlock()
	return
}

// registerReader parks a waker for stream id's read side. At most one
// reader waker per id holds because every call overwrites any stale
// entry rather than accumulating one.
func (cb *controlBlock) registerReader(id wire.StreamID, w chan struct{}) {
	cb.readers[id] = w
}

func (cb *controlBlock) registerWriter(id wire.StreamID, w chan struct{}) {
	cb.writers[id] = w
}

func (cb *controlBlock) takeReader(id wire.StreamID) (chan struct{}, bool) {
	w, ok := cb.readers[id]
	if ok {
		delete(cb.readers, id)
	}
	return w, ok
}

func (cb *controlBlock) takeWriter(id wire.StreamID) (chan struct{}, bool) {
	w, ok := cb.writers[id]
	if ok {
		delete(cb.writers, id)
	}
	return w, ok
}

func (cb *controlBlock) dropWakers(id wire.StreamID) {
	delete(cb.readers, id)
	delete(cb.writers, id)
}

// markDone closes the done channel once the runner has exited, unblocking
// any Open call still waiting and declaring the control block dead.
func (cb *controlBlock) markDone() {
	close(cb.done)
}

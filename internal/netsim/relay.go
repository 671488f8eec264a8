// Package netsim is an in-memory test harness for internal/driver: a
// packet relay standing in for a real UDP socket, so end-to-end driver
// scenarios can run without touching the network. It supervises its two
// pump goroutines with golang.org/x/sync/errgroup and can pace delivery
// with golang.org/x/time/rate to model a congested link.
package netsim

import (
	"context"
	"net"
	"sync"
	"sync/atomic"

	"golang.org/x/sync/errgroup"
	"golang.org/x/time/rate"

	"qdrive/internal/driver"
)

// Peer is anything that can accept inbound datagrams and produce outbound
// ones, the shape both driver.Endpoint and a test double satisfy.
type Peer interface {
	Handle(ctx context.Context, from *net.UDPAddr, payload []byte) error
	Packets() <-chan driver.Transmit
	LocalAddr() *net.UDPAddr
}

// Relay pumps datagrams between two endpoints in-process, simulating the
// UDP socket neither endpoint owns. A Limiter, if set, paces delivery to
// model a congested link.
type Relay struct {
	a, b    Peer
	limiter *rate.Limiter

	severed atomic.Bool
	mu      sync.Mutex
}

// New creates a relay between two peers with unlimited pacing.
func New(a, b Peer) *Relay {
	return &Relay{a: a, b: b}
}

// SetLimiter installs a token-bucket pace on every datagram the relay
// forwards, modelling a slow outer link without touching the driver's own
// egress sink capacity.
func (rl *Relay) SetLimiter(l *rate.Limiter) { rl.limiter = l }

// Sever cuts the link: both pump loops stop forwarding, simulating a
// dropped outer transport so idle-timeout behavior can be observed.
func (rl *Relay) Sever() { rl.severed.Store(true) }

// Run forwards datagrams in both directions until ctx is cancelled. A
// direction whose source Packets channel closes stops on its own while the
// other keeps running. Each direction runs on its own goroutine, supervised
// by an errgroup so the first failure cancels the other.
func (rl *Relay) Run(ctx context.Context) error {
	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error { return rl.pump(ctx, rl.a, rl.b) })
	g.Go(func() error { return rl.pump(ctx, rl.b, rl.a) })
	return g.Wait()
}

func (rl *Relay) pump(ctx context.Context, src, dst Peer) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case t, ok := <-src.Packets():
			if !ok {
				return nil
			}
			if rl.severed.Load() {
				continue
			}
			if rl.limiter != nil {
				if err := rl.limiter.Wait(ctx); err != nil {
					return err
				}
			}
			if err := dst.Handle(ctx, src.LocalAddr(), t.Bytes); err != nil {
				continue
			}
		}
	}
}

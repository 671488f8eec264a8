package wire

import (
	"bytes"
	"net"
	"testing"
	"time"
)

func testAddr(port int) *net.UDPAddr {
	return &net.UDPAddr{IP: net.ParseIP("127.0.0.1"), Port: port}
}

// pair builds a connected client/server Connection pair by hand-delivering
// each side's PollTransmit output to the other's Handle, without any real
// socket — the same in-memory loop internal/netsim formalizes for the
// driver layer above this package.
func pair(t *testing.T) (client, server *Connection, cep, sep *Endpoint) {
	t.Helper()
	cfg := Config{PSK: []byte("shared-secret")}
	var err error
	cep, err = NewEndpoint(cfg, true)
	if err != nil {
		t.Fatalf("client endpoint: %v", err)
	}
	sep, err = NewEndpoint(cfg, false)
	if err != nil {
		t.Fatalf("server endpoint: %v", err)
	}

	now := time.Now()
	_, client, err = cep.Connect(now, testAddr(9001))
	if err != nil {
		t.Fatalf("connect: %v", err)
	}

	buf := make([]byte, 2048)
	n, ok := client.PollTransmit(now, buf)
	if !ok {
		t.Fatalf("expected client hello transmit")
	}

	dg, err := sep.Handle(now, testAddr(9000), buf[:n])
	if err != nil {
		t.Fatalf("server handle: %v", err)
	}
	if dg.Kind != DatagramNewConnection {
		t.Fatalf("expected new connection, got %d", dg.Kind)
	}
	_, server, err = sep.Accept(now, dg.Incoming)
	if err != nil {
		t.Fatalf("accept: %v", err)
	}

	n, ok = server.PollTransmit(now, buf)
	if !ok {
		t.Fatalf("expected server hello transmit")
	}
	cdg, err := cep.Handle(now, testAddr(9001), buf[:n])
	if err != nil {
		t.Fatalf("client handle: %v", err)
	}
	if cdg.Kind != DatagramConnectionEvent {
		t.Fatalf("expected connection event, got %d", cdg.Kind)
	}
	if err := client.HandleEvent(now, cdg.Event); err != nil {
		t.Fatalf("client handle event: %v", err)
	}

	return client, server, cep, sep
}

// deliver pumps one side's pending transmits into the other's connection
// directly (bypassing endpoint routing, since both are already connected).
func deliver(t *testing.T, from, to *Connection) {
	t.Helper()
	buf := make([]byte, 2048)
	for {
		n, ok := from.PollTransmit(time.Now(), buf)
		if !ok {
			return
		}
		if err := to.handleDatagram(time.Now(), buf[:n]); err != nil {
			t.Fatalf("handleDatagram: %v", err)
		}
	}
}

func drainConnected(t *testing.T, c *Connection) {
	t.Helper()
	for {
		ev, ok := c.Poll()
		if !ok {
			return
		}
		if ev.Kind == EventConnectionLost {
			t.Fatalf("unexpected connection lost: %v", ev.Reason)
		}
	}
}

func TestHandshakeEstablishesConnection(t *testing.T) {
	client, server, _, _ := pair(t)
	drainConnected(t, client)
	drainConnected(t, server)
	if client.IsHandshaking() {
		t.Fatalf("client still handshaking")
	}
}

func TestStreamOpenWriteRead(t *testing.T) {
	client, server, _, _ := pair(t)
	drainConnected(t, client)
	drainConnected(t, server)

	id, err := client.OpenStream(DirBi)
	if err != nil {
		t.Fatalf("open stream: %v", err)
	}
	ss, ok := client.SendStream(id)
	if !ok {
		t.Fatalf("missing send stream")
	}
	msg := []byte("the quick brown fox")
	n, err := ss.Write(msg)
	if err != nil || n != len(msg) {
		t.Fatalf("write: n=%d err=%v", n, err)
	}
	if err := ss.Finish(); err != nil {
		t.Fatalf("finish: %v", err)
	}

	deliver(t, client, server)

	var opened *StreamID
	for {
		ev, ok := server.Poll()
		if !ok {
			break
		}
		if ev.Kind == EventStreamOpened {
			sid, ok := server.AcceptStream(ev.Dir)
			if !ok {
				t.Fatalf("expected acceptable stream")
			}
			opened = &sid
		}
	}
	if opened == nil || *opened != id {
		t.Fatalf("server did not see stream %v, got %v", id, opened)
	}

	rs, ok := server.RecvStream(id)
	if !ok {
		t.Fatalf("missing recv stream")
	}
	buf := make([]byte, 64)
	n, err, eof := rs.Read(buf)
	if err != nil || eof {
		t.Fatalf("read: n=%d err=%v eof=%v", n, err, eof)
	}
	if !bytes.Equal(buf[:n], msg) {
		t.Fatalf("got %q want %q", buf[:n], msg)
	}

	n, err, eof = rs.Read(buf)
	if n != 0 || err != nil || !eof {
		t.Fatalf("expected EOF, got n=%d err=%v eof=%v", n, err, eof)
	}
}

func TestFlowControlBlocksThenUnblocks(t *testing.T) {
	cfg := Config{PSK: []byte("k"), InitialStreamWindow: 16, MaxStreamWindow: 16}
	cep, _ := NewEndpoint(cfg, true)
	sep, _ := NewEndpoint(cfg, false)
	now := time.Now()
	_, client, _ := cep.Connect(now, testAddr(1))
	buf := make([]byte, 2048)
	n, _ := client.PollTransmit(now, buf)
	dg, _ := sep.Handle(now, testAddr(2), buf[:n])
	_, server, _ := sep.Accept(now, dg.Incoming)
	n, _ = server.PollTransmit(now, buf)
	cep.Handle(now, testAddr(2), buf[:n])
	drainConnected(t, client)

	id, _ := client.OpenStream(DirBi)
	ss, _ := client.SendStream(id)
	big := bytes.Repeat([]byte{0x41}, 64)
	written, err := ss.Write(big)
	if written != 16 || err != ErrBlocked {
		t.Fatalf("expected partial write of 16 blocked, got n=%d err=%v", written, err)
	}

	deliver(t, client, server)
	for {
		ev, ok := server.Poll()
		if !ok {
			break
		}
		if ev.Kind == EventStreamOpened {
			server.AcceptStream(ev.Dir)
		}
	}
	rs, _ := server.RecvStream(id)
	small := make([]byte, 16)
	rs.Read(small)

	deliver(t, server, client)

	ss, _ = client.SendStream(id)
	written, err = ss.Write(big[16:])
	if written != 16 || err != ErrBlocked {
		t.Fatalf("expected a further 16 bytes accepted after window grant, got n=%d err=%v", written, err)
	}
}

func TestResetDeliversBufferedBytesBeforeError(t *testing.T) {
	client, server, _, _ := pair(t)
	drainConnected(t, client)
	drainConnected(t, server)

	id, _ := client.OpenStream(DirBi)
	ss, _ := client.SendStream(id)
	msg := []byte("buffered before reset")
	if _, err := ss.Write(msg); err != nil {
		t.Fatalf("write: %v", err)
	}
	deliver(t, client, server)
	for {
		ev, ok := server.Poll()
		if !ok {
			break
		}
		if ev.Kind == EventStreamOpened {
			server.AcceptStream(ev.Dir)
		}
	}

	ss, _ = client.SendStream(id)
	if err := ss.Reset(7); err != nil {
		t.Fatalf("reset: %v", err)
	}
	deliver(t, client, server)

	rs, ok := server.RecvStream(id)
	if !ok {
		t.Fatalf("missing recv stream")
	}
	buf := make([]byte, 64)
	n, err, eof := rs.Read(buf)
	if err != nil || eof {
		t.Fatalf("expected buffered bytes before reset error, got n=%d err=%v eof=%v", n, err, eof)
	}
	if !bytes.Equal(buf[:n], msg) {
		t.Fatalf("got %q want %q", buf[:n], msg)
	}

	n, err, eof = rs.Read(buf)
	if n != 0 || eof {
		t.Fatalf("expected reset error with no data, got n=%d err=%v eof=%v", n, err, eof)
	}
	if _, ok := err.(*ResetError); !ok {
		t.Fatalf("expected *ResetError, got %v", err)
	}
}

func TestIdleTimeoutLosesConnection(t *testing.T) {
	cfg := Config{PSK: []byte("k"), IdleTimeout: 10 * time.Millisecond}
	cep, _ := NewEndpoint(cfg, true)
	now := time.Now()
	_, client, _ := cep.Connect(now, testAddr(5))

	later := now.Add(20 * time.Millisecond)
	client.HandleTimeout(later)

	found := false
	for {
		ev, ok := client.Poll()
		if !ok {
			break
		}
		if ev.Kind == EventConnectionLost {
			found = true
		}
	}
	if !found {
		t.Fatalf("expected ConnectionLost after idle timeout")
	}
}

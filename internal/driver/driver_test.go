package driver_test

import (
	"bytes"
	"context"
	"net"
	"testing"
	"time"

	"qdrive/internal/driver"
	"qdrive/internal/netsim"
	"qdrive/internal/wire"
)

func newPair(t *testing.T) (client, server *driver.Endpoint, stop func()) {
	t.Helper()
	psk := []byte("integration-test-secret")
	clientAddr := &net.UDPAddr{IP: net.ParseIP("127.0.0.1"), Port: 40001}
	serverAddr := &net.UDPAddr{IP: net.ParseIP("127.0.0.1"), Port: 40002}

	var err error
	client, err = driver.New(driver.Config{
		Wire:             wire.Config{PSK: psk, IdleTimeout: time.Second},
		LocalAddr:        clientAddr,
		PacketSinkCap:    64,
		NewStreamSinkCap: 16,
	}, true)
	if err != nil {
		t.Fatalf("client endpoint: %v", err)
	}
	server, err = driver.New(driver.Config{
		Wire:             wire.Config{PSK: psk, IdleTimeout: time.Second},
		LocalAddr:        serverAddr,
		PacketSinkCap:    64,
		NewStreamSinkCap: 16,
	}, false)
	if err != nil {
		t.Fatalf("server endpoint: %v", err)
	}

	relay := netsim.New(client, server)
	ctx, cancel := context.WithCancel(context.Background())
	go relay.Run(ctx)

	return client, server, func() {
		cancel()
		client.Close()
		server.Close()
	}
}

func TestBulkStreamRoundTrip(t *testing.T) {
	client, server, stop := newPair(t)
	defer stop()

	serverAddr := server.LocalAddr()
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	strm, err := client.Open(ctx, serverAddr, nil)
	if err != nil {
		t.Fatalf("open: %v", err)
	}

	const total = 256 * 1024
	payload := bytes.Repeat([]byte{0x00}, total)

	done := make(chan error, 1)
	go func() {
		n, err := strm.Write(ctx, payload)
		if err == nil && n != total {
			err = errShort(n, total)
		}
		if err == nil {
			err = strm.CloseWrite()
		}
		done <- err
	}()

	incoming := <-server.NewStreams
	received := 0
	buf := make([]byte, 4096)
	for received < total {
		n, err := incoming.Read(ctx, buf)
		received += n
		if err != nil {
			break
		}
	}
	if received != total {
		t.Fatalf("server received %d bytes, want %d", received, total)
	}

	if err := <-done; err != nil {
		t.Fatalf("client write: %v", err)
	}
}

func TestPingPong(t *testing.T) {
	client, server, stop := newPair(t)
	defer stop()

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	strm, err := client.Open(ctx, server.LocalAddr(), nil)
	if err != nil {
		t.Fatalf("open: %v", err)
	}

	go func() {
		incoming := <-server.NewStreams
		buf := make([]byte, 64)
		for i := 0; i < 100; i++ {
			n, err := incoming.Read(ctx, buf)
			if err != nil {
				return
			}
			incoming.Write(ctx, buf[:n])
		}
	}()

	msg := bytes.Repeat([]byte{0x7A}, 64)
	reply := make([]byte, 64)
	for i := 0; i < 100; i++ {
		if _, err := strm.Write(ctx, msg); err != nil {
			t.Fatalf("write %d: %v", i, err)
		}
		n := 0
		for n < 64 {
			k, err := strm.Read(ctx, reply[n:])
			if err != nil {
				t.Fatalf("read %d: %v", i, err)
			}
			n += k
		}
		if !bytes.Equal(reply, msg) {
			t.Fatalf("echo mismatch at iteration %d", i)
		}
	}
}

func TestAcceptanceSwitchOff(t *testing.T) {
	client, server, stop := newPair(t)
	defer stop()
	server.SetAcceptEnabled(false)

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	if _, err := client.Open(ctx, server.LocalAddr(), nil); err != nil {
		t.Fatalf("open: %v", err)
	}

	select {
	case <-server.NewStreams:
		t.Fatalf("no stream should have been produced while acceptance is off")
	case <-time.After(200 * time.Millisecond):
	}
}

func errShort(got, want int) error {
	return &shortWriteError{got: got, want: want}
}

type shortWriteError struct{ got, want int }

func (e *shortWriteError) Error() string {
	return "short write"
}

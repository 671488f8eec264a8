package wire

import (
	"bytes"
	"testing"
)

func TestFrameRoundTrip(t *testing.T) {
	cases := []frame{
		{typ: ftHello, hello: helloFrame{ConnID: 42, PSKTag: [16]byte{1, 2, 3}}},
		{typ: ftStream, strm: streamFrame{ID: 7, Offset: 1024, Fin: true, Data: []byte("hello world")}},
		{typ: ftMaxStreamData, msd: maxStreamDataFrame{ID: 7, Max: 65536}},
		{typ: ftResetStream, rst: resetStreamFrame{ID: 7, Code: 3}},
		{typ: ftStopSending, stop: stopSendingFrame{ID: 7, Code: 9}},
		{typ: ftAck, ack: ackFrame{Largest: 100, SackBitmap: 0xFF}},
		{typ: ftPing},
		{typ: ftClose, close: closeFrame{Code: 1, Reason: "bye"}},
	}

	for _, f := range cases {
		buf := appendFrame(nil, f)
		if len(buf) != frameSize(f) {
			t.Fatalf("frameSize mismatch for type %d: got %d, want %d", f.typ, frameSize(f), len(buf))
		}
		got, err := parseFrames(buf)
		if err != nil {
			t.Fatalf("parseFrames: %v", err)
		}
		if len(got) != 1 {
			t.Fatalf("expected 1 frame, got %d", len(got))
		}
		if got[0].typ != f.typ {
			t.Fatalf("type mismatch: got %d want %d", got[0].typ, f.typ)
		}
		if f.typ == ftStream && !bytes.Equal(got[0].strm.Data, f.strm.Data) {
			t.Fatalf("stream data mismatch: got %q want %q", got[0].strm.Data, f.strm.Data)
		}
	}
}

func TestParseFramesMultiple(t *testing.T) {
	var buf []byte
	buf = appendFrame(buf, frame{typ: ftPing})
	buf = appendFrame(buf, frame{typ: ftAck, ack: ackFrame{Largest: 5}})
	buf = appendFrame(buf, frame{typ: ftStream, strm: streamFrame{ID: 1, Data: []byte("x")}})

	frames, err := parseFrames(buf)
	if err != nil {
		t.Fatalf("parseFrames: %v", err)
	}
	if len(frames) != 3 {
		t.Fatalf("expected 3 frames, got %d", len(frames))
	}
}

func TestParseFramesShort(t *testing.T) {
	if _, err := parseFrames([]byte{byte(ftStream), 0, 0}); err == nil {
		t.Fatalf("expected short-frame error")
	}
}

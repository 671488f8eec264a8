package wire

import (
	"encoding/binary"
	"errors"
)

// Frame wire encoding: a one-byte type tag followed by fixed-width
// big-endian fields, with a
// single trailing variable-length field (frame data / close reason) prefixed
// by its own length. No varints: every field is fixed-size for simplicity,
// since the payloads here (stream ids, offsets, byte counts) fit comfortably
// in a UDP datagram without the savings varints give a wire-format QUIC.
type frameType byte

const (
	ftHello        frameType = 0x01
	ftStream       frameType = 0x02
	ftMaxStreamData frameType = 0x03
	ftResetStream  frameType = 0x04
	ftStopSending  frameType = 0x05
	ftAck          frameType = 0x06
	ftPing         frameType = 0x07
	ftClose        frameType = 0x08
)

var errShortFrame = errors.New("wire: short frame")

type helloFrame struct {
	ConnID uint64
	PSKTag [16]byte
}

type streamFrame struct {
	ID     uint64
	Offset uint64
	Fin    bool
	Data   []byte
}

type maxStreamDataFrame struct {
	ID  uint64
	Max uint64
}

type resetStreamFrame struct {
	ID   uint64
	Code uint64
}

type stopSendingFrame struct {
	ID   uint64
	Code uint64
}

type ackFrame struct {
	Largest uint64
	SackBitmap uint64 // bit i set => packet (Largest - 1 - i) also received
}

type closeFrame struct {
	Code   uint64
	Reason string
}

// frame is the decoded union of all frame kinds present in one packet.
type frame struct {
	typ   frameType
	hello helloFrame
	strm  streamFrame
	msd   maxStreamDataFrame
	rst   resetStreamFrame
	stop  stopSendingFrame
	ack   ackFrame
	close closeFrame
}

// packetHeaderSize is the length of the fixed 8-byte packet-number prefix of every datagram
// this core emits; everything after it is a sequence of frames.
const packetHeaderSize = 8

func putPacketNumber(buf []byte, pn uint64) {
	binary.BigEndian.PutUint64(buf, pn)
}

func getPacketNumber(buf []byte) uint64 {
	return binary.BigEndian.Uint64(buf)
}

// appendFrame serializes f onto buf and returns the extended slice.
func appendFrame(buf []byte, f frame) []byte {
	buf = append(buf, byte(f.typ))
	switch f.typ {
	case ftHello:
		buf = appendU64(buf, f.hello.ConnID)
		buf = append(buf, f.hello.PSKTag[:]...)
	case ftStream:
		buf = appendU64(buf, f.strm.ID)
		buf = appendU64(buf, f.strm.Offset)
		fin := byte(0)
		if f.strm.Fin {
			fin = 1
		}
		buf = append(buf, fin)
		buf = appendU32(buf, uint32(len(f.strm.Data)))
		buf = append(buf, f.strm.Data...)
	case ftMaxStreamData:
		buf = appendU64(buf, f.msd.ID)
		buf = appendU64(buf, f.msd.Max)
	case ftResetStream:
		buf = appendU64(buf, f.rst.ID)
		buf = appendU64(buf, f.rst.Code)
	case ftStopSending:
		buf = appendU64(buf, f.stop.ID)
		buf = appendU64(buf, f.stop.Code)
	case ftAck:
		buf = appendU64(buf, f.ack.Largest)
		buf = appendU64(buf, f.ack.SackBitmap)
	case ftPing:
		// no body
	case ftClose:
		buf = appendU64(buf, f.close.Code)
		reason := []byte(f.close.Reason)
		buf = appendU16(buf, uint16(len(reason)))
		buf = append(buf, reason...)
	}
	return buf
}

// frameSize returns the exact number of bytes appendFrame will add for f,
// used by the sender to decide whether a frame still fits the current MTU
// budget before committing to appending it.
func frameSize(f frame) int {
	switch f.typ {
	case ftHello:
		return 1 + 8 + 16
	case ftStream:
		return 1 + 8 + 8 + 1 + 4 + len(f.strm.Data)
	case ftMaxStreamData:
		return 1 + 8 + 8
	case ftResetStream:
		return 1 + 8 + 8
	case ftStopSending:
		return 1 + 8 + 8
	case ftAck:
		return 1 + 8 + 8
	case ftPing:
		return 1
	case ftClose:
		return 1 + 8 + 2 + len(f.close.Reason)
	}
	return 0
}

func appendU64(buf []byte, v uint64) []byte {
	var tmp [8]byte
	binary.BigEndian.PutUint64(tmp[:], v)
	return append(buf, tmp[:]...)
}

func appendU32(buf []byte, v uint32) []byte {
	var tmp [4]byte
	binary.BigEndian.PutUint32(tmp[:], v)
	return append(buf, tmp[:]...)
}

func appendU16(buf []byte, v uint16) []byte {
	var tmp [2]byte
	binary.BigEndian.PutUint16(tmp[:], v)
	return append(buf, tmp[:]...)
}

// parseFrames decodes every frame in buf (the portion of a packet following
// the packet-number header), in order.
func parseFrames(buf []byte) ([]frame, error) {
	var frames []frame
	for len(buf) > 0 {
		typ := frameType(buf[0])
		buf = buf[1:]
		var f frame
		f.typ = typ
		var err error
		switch typ {
		case ftHello:
			if len(buf) < 24 {
				return nil, errShortFrame
			}
			f.hello.ConnID = binary.BigEndian.Uint64(buf[:8])
			copy(f.hello.PSKTag[:], buf[8:24])
			buf = buf[24:]
		case ftStream:
			if len(buf) < 21 {
				return nil, errShortFrame
			}
			f.strm.ID = binary.BigEndian.Uint64(buf[:8])
			f.strm.Offset = binary.BigEndian.Uint64(buf[8:16])
			f.strm.Fin = buf[16] != 0
			n := binary.BigEndian.Uint32(buf[17:21])
			buf = buf[21:]
			if uint32(len(buf)) < n {
				return nil, errShortFrame
			}
			f.strm.Data = buf[:n:n]
			buf = buf[n:]
		case ftMaxStreamData:
			if len(buf) < 16 {
				return nil, errShortFrame
			}
			f.msd.ID = binary.BigEndian.Uint64(buf[:8])
			f.msd.Max = binary.BigEndian.Uint64(buf[8:16])
			buf = buf[16:]
		case ftResetStream:
			if len(buf) < 16 {
				return nil, errShortFrame
			}
			f.rst.ID = binary.BigEndian.Uint64(buf[:8])
			f.rst.Code = binary.BigEndian.Uint64(buf[8:16])
			buf = buf[16:]
		case ftStopSending:
			if len(buf) < 16 {
				return nil, errShortFrame
			}
			f.stop.ID = binary.BigEndian.Uint64(buf[:8])
			f.stop.Code = binary.BigEndian.Uint64(buf[8:16])
			buf = buf[16:]
		case ftAck:
			if len(buf) < 16 {
				return nil, errShortFrame
			}
			f.ack.Largest = binary.BigEndian.Uint64(buf[:8])
			f.ack.SackBitmap = binary.BigEndian.Uint64(buf[8:16])
			buf = buf[16:]
		case ftPing:
			// no body
		case ftClose:
			if len(buf) < 10 {
				return nil, errShortFrame
			}
			f.close.Code = binary.BigEndian.Uint64(buf[:8])
			n := binary.BigEndian.Uint16(buf[8:10])
			buf = buf[10:]
			if uint16(len(buf)) < n {
				return nil, errShortFrame
			}
			f.close.Reason = string(buf[:n])
			buf = buf[n:]
		default:
			return nil, errors.New("wire: unknown frame type")
		}
		if err != nil {
			return nil, err
		}
		frames = append(frames, f)
	}
	return frames, nil
}

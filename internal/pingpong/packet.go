package pingpong

import (
	"encoding/binary"
	"errors"
	"time"

	"github.com/google/uuid"
)

// Packet types
const (
	TypePing uint8 = 1
	TypePong uint8 = 2
)

// PacketSize is the encoded size of a probe packet without padding.
const PacketSize = 32

var errShortPacket = errors.New("pingpong: packet too short")

// Packet is one probe. A pong echoes the ping's fields back unchanged apart
// from Type.
//
//	0      1      4        8               24          32
//	| type | rsvd | seq LE | session uuid  | sent ns LE |
type Packet struct {
	Type    uint8
	Seq     uint32
	Session uuid.UUID
	SentAt  time.Time
}

// Encode writes p into buf, which must hold at least PacketSize bytes. Any
// bytes after the packet are left as they are.
func (p *Packet) Encode(buf []byte) error {
	if len(buf) < PacketSize {
		return errShortPacket
	}
	buf[0] = p.Type
	buf[1], buf[2], buf[3] = 0, 0, 0
	binary.LittleEndian.PutUint32(buf[4:8], p.Seq)
	copy(buf[8:24], p.Session[:])
	binary.LittleEndian.PutUint64(buf[24:32], uint64(p.SentAt.UnixNano()))
	return nil
}

// Decode parses a packet from the front of buf.
func Decode(buf []byte) (*Packet, error) {
	if len(buf) < PacketSize {
		return nil, errShortPacket
	}
	p := &Packet{
		Type:   buf[0],
		Seq:    binary.LittleEndian.Uint32(buf[4:8]),
		SentAt: time.Unix(0, int64(binary.LittleEndian.Uint64(buf[24:32]))),
	}
	copy(p.Session[:], buf[8:24])
	return p, nil
}

package transport

import (
	"encoding/binary"
	"fmt"
)

// TupleSize is the exact wire length of a QueuePairTuple datagram. Peers drop
// datagrams of any other length.
const TupleSize = 18

// HeaderSize is the length of the nonce header prepended to every RC message.
const HeaderSize = 8

// QueuePairTuple is the bootstrap record exchanged over UDP to connect two
// reliable connected queue pairs. The nonce binds a server reply to the
// specific client attempt that solicited it.
type QueuePairTuple struct {
	LID   uint16
	QPN   uint32
	PSN   uint32 // low 24 bits significant
	Nonce uint64
}

// Encode packs the tuple into its 18-byte wire form: LID and QPN in network
// byte order, PSN in network byte order with the top byte zero, nonce as
// 8 little-endian bytes.
func (t *QueuePairTuple) Encode() []byte {
	buf := make([]byte, TupleSize)
	binary.BigEndian.PutUint16(buf[0:2], t.LID)
	binary.BigEndian.PutUint32(buf[2:6], t.QPN)
	binary.BigEndian.PutUint32(buf[6:10], t.PSN&0xffffff)
	binary.LittleEndian.PutUint64(buf[10:18], t.Nonce)
	return buf
}

// DecodeQueuePairTuple parses a received datagram. The caller must already
// have verified the length; a wrong-size slice is a programming error here.
func DecodeQueuePairTuple(buf []byte) (QueuePairTuple, error) {
	if len(buf) != TupleSize {
		return QueuePairTuple{}, fmt.Errorf("queue pair tuple has length %d, want %d", len(buf), TupleSize)
	}
	return QueuePairTuple{
		LID:   binary.BigEndian.Uint16(buf[0:2]),
		QPN:   binary.BigEndian.Uint32(buf[2:6]),
		PSN:   binary.BigEndian.Uint32(buf[6:10]) & 0xffffff,
		Nonce: binary.LittleEndian.Uint64(buf[10:18]),
	}, nil
}

// putHeader writes the 8-byte little-endian nonce header into dst.
func putHeader(dst []byte, nonce uint64) {
	binary.LittleEndian.PutUint64(dst[:HeaderSize], nonce)
}

// readHeader reads the nonce header from the front of a received message.
func readHeader(src []byte) uint64 {
	return binary.LittleEndian.Uint64(src[:HeaderSize])
}

// Package wire defines the RPC envelope that rides inside transport
// messages: a request header naming the operation and a response header
// carrying a status code. The transport itself never looks at these; the
// worker-dispatch engine parses the request header to route or reject a
// request, and services fill in the rest.
package wire

import (
	"encoding/binary"
	"fmt"

	"github.com/yuuki/infrc/internal/transport"
)

// Opcode names a service operation.
type Opcode uint16

const (
	// OpPing echoes a 64-bit payload.
	OpPing Opcode = 1
	// OpEcho echoes arbitrary bytes.
	OpEcho Opcode = 2

	// IllegalRPCType is one past the largest defined opcode; anything at
	// or above it is rejected with StatusUnimplementedRequest.
	IllegalRPCType Opcode = 3
)

func (o Opcode) String() string {
	switch o {
	case OpPing:
		return "PING"
	case OpEcho:
		return "ECHO"
	default:
		return fmt.Sprintf("opcode(%d)", uint16(o))
	}
}

// Status is the outcome code carried in every response header.
type Status uint32

const (
	StatusOK Status = iota
	StatusMessageTooShort
	StatusUnimplementedRequest
	StatusInternalError
)

func (s Status) String() string {
	switch s {
	case StatusOK:
		return "OK"
	case StatusMessageTooShort:
		return "MESSAGE_TOO_SHORT"
	case StatusUnimplementedRequest:
		return "UNIMPLEMENTED_REQUEST"
	case StatusInternalError:
		return "INTERNAL_ERROR"
	default:
		return fmt.Sprintf("status(%d)", uint32(s))
	}
}

// RequestCommonSize is the wire length of RequestCommon.
const RequestCommonSize = 4

// ResponseCommonSize is the wire length of ResponseCommon.
const ResponseCommonSize = 4

// RequestCommon prefixes every request: the opcode plus a reserved field.
// Little-endian on the wire.
type RequestCommon struct {
	Opcode   Opcode
	Reserved uint16
}

// ResponseCommon prefixes every response.
type ResponseCommon struct {
	Status Status
}

// AppendRequestCommon writes h to the front of an empty request buffer.
func AppendRequestCommon(b *transport.Buffer, h RequestCommon) {
	var buf [RequestCommonSize]byte
	binary.LittleEndian.PutUint16(buf[0:2], uint16(h.Opcode))
	binary.LittleEndian.PutUint16(buf[2:4], h.Reserved)
	b.AppendCopy(buf[:])
}

// ParseRequestCommon reads the request header from the front of b. Returns
// nil when the message is too short to carry one.
func ParseRequestCommon(b *transport.Buffer) *RequestCommon {
	if b.Len() < RequestCommonSize {
		return nil
	}
	var buf [RequestCommonSize]byte
	b.CopyOut(0, RequestCommonSize, buf[:])
	return &RequestCommon{
		Opcode:   Opcode(binary.LittleEndian.Uint16(buf[0:2])),
		Reserved: binary.LittleEndian.Uint16(buf[2:4]),
	}
}

// AppendResponseCommon writes a response header to the front of an empty
// reply buffer.
func AppendResponseCommon(b *transport.Buffer, status Status) {
	var buf [ResponseCommonSize]byte
	binary.LittleEndian.PutUint32(buf[:], uint32(status))
	b.AppendCopy(buf[:])
}

// ParseResponseCommon reads the response header from the front of b.
func ParseResponseCommon(b *transport.Buffer) (ResponseCommon, error) {
	if b.Len() < ResponseCommonSize {
		return ResponseCommon{}, fmt.Errorf("response of %d bytes has no header", b.Len())
	}
	var buf [ResponseCommonSize]byte
	b.CopyOut(0, ResponseCommonSize, buf[:])
	return ResponseCommon{Status: Status(binary.LittleEndian.Uint32(buf[:]))}, nil
}

// PrepareErrorResponse resets reply and fills it with a bare error header.
func PrepareErrorResponse(reply *transport.Buffer, status Status) {
	reply.Reset()
	AppendResponseCommon(reply, status)
}

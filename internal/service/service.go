// Package service holds the built-in RPC services. The worker engine routes
// every accepted request here; anything heavier (storage, membership) plugs
// in through the same dispatch.Service contract.
package service

import (
	"encoding/binary"

	"github.com/yuuki/infrc/internal/transport"
	"github.com/yuuki/infrc/internal/wire"
)

// PingService answers liveness and echo probes. Ping carries a 64-bit
// payload the caller uses to pair responses with probes; Echo returns the
// request bytes unchanged.
type PingService struct{}

// Handle implements dispatch.Service.
func (PingService) Handle(op wire.Opcode, request, reply *transport.Buffer) {
	switch op {
	case wire.OpPing:
		handlePing(request, reply)
	case wire.OpEcho:
		handleEcho(request, reply)
	default:
		wire.PrepareErrorResponse(reply, wire.StatusUnimplementedRequest)
	}
}

func handlePing(request, reply *transport.Buffer) {
	if request.Len() < wire.RequestCommonSize+8 {
		wire.PrepareErrorResponse(reply, wire.StatusMessageTooShort)
		return
	}
	var payload [8]byte
	request.CopyOut(wire.RequestCommonSize, 8, payload[:])
	wire.AppendResponseCommon(reply, wire.StatusOK)
	reply.AppendCopy(payload[:])
}

func handleEcho(request, reply *transport.Buffer) {
	wire.AppendResponseCommon(reply, wire.StatusOK)
	if request.Len() > wire.RequestCommonSize {
		body := make([]byte, request.Len()-wire.RequestCommonSize)
		request.CopyOut(wire.RequestCommonSize, uint32(len(body)), body)
		reply.Append(body)
	}
}

// NewPingRequest composes a ping request carrying value.
func NewPingRequest(value uint64) *transport.Buffer {
	b := &transport.Buffer{}
	wire.AppendRequestCommon(b, wire.RequestCommon{Opcode: wire.OpPing})
	var payload [8]byte
	binary.LittleEndian.PutUint64(payload[:], value)
	b.AppendCopy(payload[:])
	return b
}

// ParsePingResponse extracts the echoed value from a ping response.
func ParsePingResponse(response *transport.Buffer) (uint64, wire.Status, error) {
	hdr, err := wire.ParseResponseCommon(response)
	if err != nil {
		return 0, 0, err
	}
	if hdr.Status != wire.StatusOK {
		return 0, hdr.Status, nil
	}
	var payload [8]byte
	response.CopyOut(wire.ResponseCommonSize, 8, payload[:])
	return binary.LittleEndian.Uint64(payload[:]), wire.StatusOK, nil
}

// NewEchoRequest composes an echo request around body. The body is
// referenced, not copied, so a chunk inside a registered log region keeps
// its zero-copy eligibility.
func NewEchoRequest(body []byte) *transport.Buffer {
	b := &transport.Buffer{}
	wire.AppendRequestCommon(b, wire.RequestCommon{Opcode: wire.OpEcho})
	b.Append(body)
	return b
}

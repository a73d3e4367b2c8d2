package transport

import (
	"fmt"

	"github.com/rs/zerolog/log"

	"github.com/yuuki/infrc/internal/hca"
)

// ServerRpc wraps one inbound request together with the queue pair it
// arrived on. The request payload is backed by a loaned receive buffer; the
// handler fills ReplyPayload and the dispatcher transmits it with SendReply.
type ServerRpc struct {
	transport *Transport
	qp        hca.QueuePair
	nonce     uint64

	// RequestPayload holds the request, header stripped.
	RequestPayload Buffer
	// ReplyPayload is filled by the service handler.
	ReplyPayload Buffer
}

// Nonce returns the request's nonce.
func (r *ServerRpc) Nonce() uint64 { return r.nonce }

// SendReply transmits the reply on the originating queue pair. Dispatcher
// goroutine only — the worker engine hands completed RPCs back to the
// dispatcher precisely so that this runs without cross-thread
// synchronization. The RPC releases its loaned request buffer on the way
// out and must not be touched afterwards.
func (r *ServerRpc) SendReply() error {
	t := r.transport
	defer func() {
		r.RequestPayload.Reset()
		r.ReplyPayload.Reset()
	}()

	if r.ReplyPayload.Len() > t.cfg.MaxRPCSize-HeaderSize {
		return fmt.Errorf("%w: reply %d bytes, maximum %d",
			ErrMessageTooLong, r.ReplyPayload.Len(), t.cfg.MaxRPCSize-HeaderSize)
	}

	var hdr [HeaderSize]byte
	putHeader(hdr[:], r.nonce)
	r.ReplyPayload.Prepend(hdr[:])

	bd := t.getTransmitBuffer()
	r.ReplyPayload.CopyTo(bd.Buf)
	if err := t.hca.PostSend(r.qp, bd, r.ReplyPayload.Len()); err != nil {
		t.freeTxBuffers = append(t.freeTxBuffers, bd)
		return fmt.Errorf("post reply send: %w", err)
	}
	t.stats.RepliesSent.Add(1)
	log.Debug().Uint64("nonce", r.nonce).Msg("sent reply")
	return nil
}

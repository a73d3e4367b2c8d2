package transport

import (
	"context"
	"fmt"
	"math/rand/v2"
	"sync/atomic"
	"unsafe"

	"github.com/rs/zerolog/log"

	"github.com/yuuki/infrc/internal/hca"
)

// clientRpcState tracks a ClientRpc through its life.
type clientRpcState int32

const (
	statePending clientRpcState = iota
	stateRequestSent
	stateResponseReceived
)

// ClientRpc is one outstanding request issued through a Session. Its state
// machine (PENDING -> REQUEST_SENT -> RESPONSE_RECEIVED) is driven entirely
// on the dispatcher goroutine; callers interact with it only through Wait.
type ClientRpc struct {
	transport *Transport
	session   *Session
	request   *Buffer
	response  *Buffer
	nonce     uint64
	state     clientRpcState

	done     chan struct{}
	err      error
	finished bool
}

// Wait blocks until the RPC finishes or ctx is done. On success the response
// payload is available in the response buffer passed to Send; the caller
// must Reset that buffer once done with the payload.
func (r *ClientRpc) Wait(ctx context.Context) error {
	select {
	case <-r.done:
		return r.err
	case <-ctx.Done():
		return ctx.Err()
	}
}

// finish completes the RPC. Dispatcher goroutine only; later calls (for
// example a failed transmit completion racing a session close) are ignored.
func (r *ClientRpc) finish(err error) {
	if r.finished {
		return
	}
	r.finished = true
	r.err = err
	close(r.done)
}

// sendOrQueue transmits the request if an admission credit is available, and
// defers it otherwise. Dispatcher goroutine only; requires state PENDING.
func (r *ClientRpc) sendOrQueue() {
	t := r.transport
	if r.state != statePending {
		panic(fmt.Sprintf("sendOrQueue on rpc in state %d", r.state))
	}
	if r.session.closed.Load() {
		r.finish(ErrSessionClosed)
		return
	}
	if t.numUsedClientSrqBuffers >= t.cfg.MaxSharedRxQueueDepth {
		// No receive buffer to catch the response; defer.
		t.clientSendQueue = append(t.clientSendQueue, r)
		t.stats.DeferredSends.Add(1)
		log.Debug().Uint64("nonce", r.nonce).Msg("queued request, no receive credit")
		return
	}

	// A nonce colliding with an inflight RPC would make the response scan
	// ambiguous; draw again.
	for t.nonceOutstanding(r.nonce) {
		r.nonce = rand.Uint64()
	}

	var hdr [HeaderSize]byte
	putHeader(hdr[:], r.nonce)
	r.request.Prepend(hdr[:])

	if !r.tryZeroCopy() {
		bd := t.getTransmitBuffer()
		r.request.CopyTo(bd.Buf)
		t.txOwners[bd.ID] = r
		if err := t.hca.PostSend(r.session.qp, bd, r.request.Len()); err != nil {
			delete(t.txOwners, bd.ID)
			t.freeTxBuffers = append(t.freeTxBuffers, bd)
			r.request.TruncateFront(HeaderSize)
			r.finish(fmt.Errorf("%w: %v", ErrSendFailed, err))
			return
		}
	}
	r.request.TruncateFront(HeaderSize)

	t.outstandingRpcs = append(t.outstandingRpcs, r)
	t.numUsedClientSrqBuffers++
	t.stats.usedClientSrqBuffers.Store(t.numUsedClientSrqBuffers)
	t.stats.RequestsSent.Add(1)
	r.state = stateRequestSent
	log.Debug().Uint64("nonce", r.nonce).Msg("sent request")
}

// tryZeroCopy posts the request as a two-segment send when the caller's
// request consists of exactly two chunks and the second lies inside the
// registered log region: the nonce header and the first chunk are copied
// into a transmit buffer, the second chunk goes to the HCA in place.
// Returns false when the fast path does not apply.
func (r *ClientRpc) tryZeroCopy() bool {
	t := r.transport
	// Three chunks here: the prepended header, the caller's first chunk,
	// and the candidate log chunk.
	if t.logMemoryBase == 0 || r.request.NumChunks() != 3 {
		return false
	}
	// The payload must lie entirely within [base, base+bytes).
	payload := r.request.Chunk(2)
	addr := sliceBase(payload)
	if addr < t.logMemoryBase || addr+uintptr(len(payload)) > t.logMemoryBase+t.logMemoryBytes {
		return false
	}
	hdrBytes := r.request.Len() - uint32(len(payload))
	bd := t.getTransmitBuffer()
	r.request.CopyOut(0, hdrBytes, bd.Buf)
	t.txOwners[bd.ID] = r
	if err := t.hca.PostSendZeroCopy(r.session.qp, bd, hdrBytes, payload, t.logMemoryMR); err != nil {
		delete(t.txOwners, bd.ID)
		t.freeTxBuffers = append(t.freeTxBuffers, bd)
		log.Warn().Err(err).Msg("zero-copy send failed, falling back to copy")
		return false
	}
	t.stats.ZeroCopySends.Add(1)
	log.Debug().Uint64("nonce", r.nonce).Msg("sent zero-copy request")
	return true
}

func sliceBase(b []byte) uintptr {
	if len(b) == 0 {
		return 0
	}
	return uintptr(unsafe.Pointer(&b[0]))
}

// Session is one client's channel to a destination transport: a single
// reliable connected queue pair shared by all RPCs to that peer.
type Session struct {
	transport *Transport
	qp        hca.QueuePair
	locator   string
	closed    atomic.Bool
}

// OpenSession connects to the server named by locator, performing the UDP
// queue pair handshake. It blocks for up to
// QPExchangeTimeout*QPExchangeMaxTimeouts and must not be called from the
// dispatcher goroutine; the dispatcher keeps polling concurrently, which is
// what lets a same-process server answer its own client.
func (t *Transport) OpenSession(locator string) (*Session, error) {
	sl, err := ParseServiceLocator(locator)
	if err != nil {
		return nil, err
	}
	qp, err := t.clientTrySetupQueuePair(sl.UDPAddr())
	if err != nil {
		return nil, fmt.Errorf("connect to %s: %w", locator, err)
	}
	return &Session{transport: t, qp: qp, locator: locator}, nil
}

// Locator returns the locator this session was opened against.
func (s *Session) Locator() string { return s.locator }

// Send issues an RPC. The request is read until the RPC finishes; the
// response payload lands in response, which must be Reset by the caller once
// consumed so any loaned receive buffer returns to its queue.
func (s *Session) Send(request, response *Buffer) (*ClientRpc, error) {
	t := s.transport
	if request.Len() > t.cfg.MaxRPCSize-HeaderSize {
		return nil, fmt.Errorf("%w: request %d bytes, maximum %d",
			ErrMessageTooLong, request.Len(), t.cfg.MaxRPCSize-HeaderSize)
	}
	if s.closed.Load() {
		return nil, ErrSessionClosed
	}
	rpc := &ClientRpc{
		transport: t,
		session:   s,
		request:   request,
		response:  response,
		nonce:     rand.Uint64(),
		state:     statePending,
		done:      make(chan struct{}),
	}
	t.Execute(rpc.sendOrQueue)
	return rpc, nil
}

// Call is Send followed by Wait.
func (s *Session) Call(ctx context.Context, request, response *Buffer) error {
	rpc, err := s.Send(request, response)
	if err != nil {
		return err
	}
	return rpc.Wait(ctx)
}

// Close releases the session. RPCs still outstanding or deferred on this
// session finish with ErrSessionClosed; the queue pair is destroyed once the
// dispatcher has swept them.
func (s *Session) Close() {
	if !s.closed.CompareAndSwap(false, true) {
		return
	}
	t := s.transport
	t.Execute(func() {
		kept := t.outstandingRpcs[:0]
		for _, r := range t.outstandingRpcs {
			if r.session == s {
				r.finish(ErrSessionClosed)
				continue
			}
			kept = append(kept, r)
		}
		t.outstandingRpcs = kept

		queued := t.clientSendQueue[:0]
		for _, r := range t.clientSendQueue {
			if r.session == s {
				r.finish(ErrSessionClosed)
				continue
			}
			queued = append(queued, r)
		}
		t.clientSendQueue = queued

		if err := s.qp.Destroy(); err != nil {
			log.Warn().Err(err).Str("locator", s.locator).Msg("destroy session queue pair")
		}
	})
}

package transport

import (
	"time"

	"github.com/rs/zerolog/log"

	"github.com/yuuki/infrc/internal/hca"
)

// Poll is one dispatcher pass over the transport's event sources: queued
// control work, client response completions, at most one server request
// completion, transmit completions, one bootstrap datagram, and the
// half-open handshake sweep. Processing a single server request per pass
// bounds dispatcher latency across sources. Returns nonzero when any work
// was found.
func (t *Transport) Poll() int {
	found := 0
	found += t.drainControlQueue()
	found += t.pollClientResponses()
	found += t.pollServerRequest()
	if len(t.txOwners) > 0 || len(t.freeTxBuffers) < int(t.cfg.MaxTxQueueDepth) {
		found += t.reapTxCompletions()
	}
	found += t.pollServerSetupSocket()
	t.sweepPendingHandshakes(time.Now())
	return found
}

func (t *Transport) drainControlQueue() int {
	t.controlMu.Lock()
	work := t.controlQueue
	t.controlQueue = nil
	t.controlMu.Unlock()
	for _, f := range work {
		f()
	}
	return len(work)
}

// pollClientResponses matches response completions on the client receive
// queue against outstanding RPCs by nonce.
func (t *Transport) pollClientResponses() int {
	found := 0
	var wc [1]hca.WorkCompletion
	for len(t.outstandingRpcs) > 0 && t.hca.PollCompletionQueue(t.clientRxCq, wc[:]) > 0 {
		found++
		bd := t.descByID[wc[0].WRID]
		if bd == nil {
			log.Error().Uint64("wr_id", wc[0].WRID).Msg("client receive completion references unknown buffer")
			continue
		}
		if wc[0].Status != hca.WCSuccess {
			t.stats.ReceiveFailures.Add(1)
			log.Error().Stringer("status", wc[0].Status).Msg("client receive failed")
			t.repostClientBuffer(bd)
			continue
		}
		if wc[0].ByteLen < HeaderSize {
			log.Warn().Uint32("len", wc[0].ByteLen).Msg("dropping short response message")
			t.repostClientBuffer(bd)
			continue
		}

		nonce := readHeader(bd.Buf)
		rpc := t.matchOutstanding(nonce)
		if rpc == nil {
			t.stats.NonceMismatches.Add(1)
			log.Warn().Uint64("nonce", nonce).Msg("dropped response, no outstanding rpc matches nonce")
			t.repostClientBuffer(bd)
			continue
		}

		payload := bd.Buf[HeaderSize:wc[0].ByteLen]
		if t.numUsedClientSrqBuffers >= t.cfg.MaxSharedRxQueueDepth/2 {
			// The client queue is low on buffers; copy the payload out
			// and return this one immediately.
			rpc.response.AppendCopy(payload)
			t.repostClientBuffer(bd)
		} else {
			// Loan the buffer into the response. It returns to the
			// queue when the caller Resets the response buffer.
			rpc.response.AppendForeign(payload, t.clientBufferReturner(bd))
		}
		rpc.state = stateResponseReceived
		t.stats.ResponsesReceived.Add(1)
		log.Debug().Uint64("nonce", nonce).Msg("received response")
		rpc.finish(nil)
	}
	return found
}

// matchOutstanding detaches and returns the first outstanding RPC carrying
// nonce, or nil.
func (t *Transport) matchOutstanding(nonce uint64) *ClientRpc {
	for i, r := range t.outstandingRpcs {
		if r.nonce == nonce {
			t.outstandingRpcs = append(t.outstandingRpcs[:i], t.outstandingRpcs[i+1:]...)
			return r
		}
	}
	return nil
}

func (t *Transport) repostClientBuffer(bd *hca.BufferDescriptor) {
	if err := t.postSrqReceiveAndKickTransmit(t.clientSrq, bd); err != nil {
		log.Error().Err(err).Msg("re-post client receive buffer failed")
	}
}

// clientBufferReturner builds the release hook for a loaned client receive
// buffer. The hook may run on any goroutine, so the re-post is routed
// through the control queue.
func (t *Transport) clientBufferReturner(bd *hca.BufferDescriptor) func() {
	return func() {
		t.Execute(func() { t.repostClientBuffer(bd) })
	}
}

// serverBufferReturner is the server-side counterpart; the loaned request
// buffer returns to the server queue when the ServerRpc's request payload is
// reset after the reply goes out.
func (t *Transport) serverBufferReturner(bd *hca.BufferDescriptor) func() {
	return func() {
		t.Execute(func() {
			if err := t.postSrqReceiveAndKickTransmit(t.serverSrq, bd); err != nil {
				log.Error().Err(err).Msg("re-post server receive buffer failed")
			}
		})
	}
}

// pollServerRequest harvests at most one inbound request completion and
// hands it to the handler.
func (t *Transport) pollServerRequest() int {
	if t.serverSetupConn == nil {
		return 0
	}
	var wc [1]hca.WorkCompletion
	if t.hca.PollCompletionQueue(t.serverRxCq, wc[:]) < 1 {
		return 0
	}
	bd := t.descByID[wc[0].WRID]
	if bd == nil {
		log.Error().Uint64("wr_id", wc[0].WRID).Msg("server receive completion references unknown buffer")
		return 1
	}
	qp, ok := t.queuePairMap[wc[0].QPNum]
	if !ok {
		log.Error().Uint32("qpn", wc[0].QPNum).Msg("receive completion on unknown queue pair")
		t.repostServerBuffer(bd)
		return 1
	}
	if wc[0].Status != hca.WCSuccess {
		t.stats.ReceiveFailures.Add(1)
		log.Error().Stringer("status", wc[0].Status).Msg("server receive failed")
		t.repostServerBuffer(bd)
		return 1
	}
	if wc[0].ByteLen < HeaderSize {
		log.Warn().Uint32("len", wc[0].ByteLen).Msg("dropping short request message")
		t.repostServerBuffer(bd)
		return 1
	}

	t.confirmHandshake(wc[0].QPNum)

	nonce := readHeader(bd.Buf)
	rpc := &ServerRpc{transport: t, qp: qp, nonce: nonce}
	rpc.RequestPayload.AppendForeign(bd.Buf[HeaderSize:wc[0].ByteLen], t.serverBufferReturner(bd))
	t.stats.RequestsReceived.Add(1)
	log.Debug().Uint64("nonce", nonce).Msg("received request")
	if t.handler == nil {
		log.Error().Msg("inbound request dropped, no handler installed")
		rpc.RequestPayload.Reset()
		return 1
	}
	t.handler.HandleRpc(rpc)
	return 1
}

func (t *Transport) repostServerBuffer(bd *hca.BufferDescriptor) {
	if err := t.postSrqReceiveAndKickTransmit(t.serverSrq, bd); err != nil {
		log.Error().Err(err).Msg("re-post server receive buffer failed")
	}
}

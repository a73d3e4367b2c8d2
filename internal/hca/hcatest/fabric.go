// Package hcatest provides an in-process implementation of hca.HCA for
// tests: queue pairs on one Fabric exchange messages through ordinary memory
// copies, with completions delivered through the same poll-driven interface
// the real verbs layer exposes. No RDMA hardware is required.
package hcatest

import (
	"fmt"
	"math/rand/v2"
	"sync"

	"github.com/yuuki/infrc/internal/hca"
)

// Fabric is the shared wiring between the fake HCAs of one test. Queue pair
// numbers are unique fabric-wide, so plumbing a queue pair against a peer's
// tuple is enough to route messages.
type Fabric struct {
	mu         sync.Mutex
	qps        map[uint32]*QueuePair
	nextQPN    uint32
	nextDescID uint64
}

// NewFabric constructs an empty fabric.
func NewFabric() *Fabric {
	return &Fabric{qps: make(map[uint32]*QueuePair), nextQPN: 100}
}

// NewHCA adds a fake adapter with the given LID to the fabric.
func (f *Fabric) NewHCA(lid uint16) *HCA {
	return &HCA{fab: f, lid: lid}
}

// QueuePairByNum returns the queue pair with the given number, or nil.
func (f *Fabric) QueuePairByNum(qpn uint32) *QueuePair {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.qps[qpn]
}

// InjectReceive delivers payload directly into the shared receive queue of
// the queue pair qpn, bypassing any sender. Returns false when the queue
// pair does not exist or has no posted receive buffer.
func (f *Fabric) InjectReceive(qpn uint32, payload []byte) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	qp, ok := f.qps[qpn]
	if !ok {
		return false
	}
	return f.deliverLocked(qp, payload)
}

// deliverLocked copies payload into the head receive buffer of qp's shared
// receive queue and queues the receive completion.
func (f *Fabric) deliverLocked(qp *QueuePair, payload []byte) bool {
	if len(qp.srq.posted) == 0 {
		return false
	}
	bd := qp.srq.posted[0]
	qp.srq.posted = qp.srq.posted[1:]
	copy(bd.Buf, payload)
	qp.rxCQ.wcs = append(qp.rxCQ.wcs, hca.WorkCompletion{
		WRID:    bd.ID,
		Status:  hca.WCSuccess,
		Opcode:  hca.WCRecv,
		ByteLen: uint32(len(payload)),
		QPNum:   qp.qpn,
	})
	return true
}

// HCA is one fake adapter. It implements hca.HCA.
type HCA struct {
	fab *Fabric
	lid uint16

	mu            sync.Mutex
	failNextSend  hca.WCStatus
	armedFailure  bool
	zeroCopySends int
}

var _ hca.HCA = (*HCA)(nil)

// SetFailNextSend arranges for the next posted send to complete with status
// instead of being delivered.
func (h *HCA) SetFailNextSend(status hca.WCStatus) {
	h.mu.Lock()
	h.failNextSend = status
	h.armedFailure = true
	h.mu.Unlock()
}

// ZeroCopySends reports how many two-segment sends were posted.
func (h *HCA) ZeroCopySends() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.zeroCopySends
}

// LID implements hca.HCA.
func (h *HCA) LID(port uint8) (uint16, error) { return h.lid, nil }

// CreateSharedReceiveQueue implements hca.HCA.
func (h *HCA) CreateSharedReceiveQueue(maxWR, maxSGE uint32) (hca.SharedReceiveQueue, error) {
	return &sharedReceiveQueue{}, nil
}

// CreateCompletionQueue implements hca.HCA.
func (h *HCA) CreateCompletionQueue(minEntries int) (hca.CompletionQueue, error) {
	return &completionQueue{}, nil
}

// CreateQueuePair implements hca.HCA.
func (h *HCA) CreateQueuePair(port uint8, srq hca.SharedReceiveQueue, txCQ, rxCQ hca.CompletionQueue, maxSendWR, maxRecvWR uint32) (hca.QueuePair, error) {
	h.fab.mu.Lock()
	defer h.fab.mu.Unlock()
	h.fab.nextQPN++
	qp := &QueuePair{
		hca:  h,
		qpn:  h.fab.nextQPN,
		psn:  rand.Uint32() & 0xffffff,
		srq:  srq.(*sharedReceiveQueue),
		txCQ: txCQ.(*completionQueue),
		rxCQ: rxCQ.(*completionQueue),
	}
	h.fab.qps[qp.qpn] = qp
	return qp, nil
}

// AllocateBufferPool implements hca.HCA.
func (h *HCA) AllocateBufferPool(size, count uint32) (*hca.BufferPool, error) {
	h.fab.mu.Lock()
	defer h.fab.mu.Unlock()
	pool := &hca.BufferPool{Bufs: make([]*hca.BufferDescriptor, 0, count)}
	for i := uint32(0); i < count; i++ {
		h.fab.nextDescID++
		pool.Bufs = append(pool.Bufs, &hca.BufferDescriptor{
			ID:  h.fab.nextDescID,
			Buf: make([]byte, size),
		})
	}
	return pool, nil
}

// RegisterMemory implements hca.HCA.
func (h *HCA) RegisterMemory(region []byte) (hca.MemoryRegion, error) {
	if len(region) == 0 {
		return nil, fmt.Errorf("cannot register empty region")
	}
	return fakeMemoryRegion{}, nil
}

// PostSRQReceive implements hca.HCA.
func (h *HCA) PostSRQReceive(srq hca.SharedReceiveQueue, bd *hca.BufferDescriptor) error {
	h.fab.mu.Lock()
	defer h.fab.mu.Unlock()
	s := srq.(*sharedReceiveQueue)
	s.posted = append(s.posted, bd)
	return nil
}

// PostSend implements hca.HCA.
func (h *HCA) PostSend(qp hca.QueuePair, bd *hca.BufferDescriptor, length uint32) error {
	return h.send(qp.(*QueuePair), bd, bd.Buf[:length])
}

// PostSendZeroCopy implements hca.HCA.
func (h *HCA) PostSendZeroCopy(qp hca.QueuePair, bd *hca.BufferDescriptor, hdrLen uint32, payload []byte, mr hca.MemoryRegion) error {
	h.mu.Lock()
	h.zeroCopySends++
	h.mu.Unlock()
	msg := make([]byte, 0, int(hdrLen)+len(payload))
	msg = append(msg, bd.Buf[:hdrLen]...)
	msg = append(msg, payload...)
	return h.send(qp.(*QueuePair), bd, msg)
}

// send delivers msg to q's peer, or completes the send in error when
// delivery is impossible. Like the real RC wire, an undeliverable message
// surfaces on the sender's completion queue, not as a post error.
func (h *HCA) send(q *QueuePair, bd *hca.BufferDescriptor, msg []byte) error {
	h.mu.Lock()
	failed := h.armedFailure
	status := h.failNextSend
	h.armedFailure = false
	h.mu.Unlock()

	h.fab.mu.Lock()
	defer h.fab.mu.Unlock()

	sendStatus := hca.WCSuccess
	switch {
	case failed:
		sendStatus = status
	case !q.plumbed || q.destroyed:
		sendStatus = hca.WCRetryExcErr
	default:
		dest, ok := h.fab.qps[q.peerQPN]
		if !ok || dest.destroyed {
			sendStatus = hca.WCRetryExcErr
		} else if !h.fab.deliverLocked(dest, msg) {
			// No posted receive buffer on the peer: the send completes
			// in error; the peer sees nothing.
			sendStatus = hca.WCRemInvReqErr
		}
	}
	q.txCQ.wcs = append(q.txCQ.wcs, hca.WorkCompletion{
		WRID:   bd.ID,
		Status: sendStatus,
		Opcode: hca.WCSend,
	})
	return nil
}

// PollCompletionQueue implements hca.HCA.
func (h *HCA) PollCompletionQueue(cq hca.CompletionQueue, wc []hca.WorkCompletion) int {
	h.fab.mu.Lock()
	defer h.fab.mu.Unlock()
	c := cq.(*completionQueue)
	n := copy(wc, c.wcs)
	c.wcs = c.wcs[n:]
	return n
}

// Close implements hca.HCA.
func (h *HCA) Close() error { return nil }

type sharedReceiveQueue struct {
	posted []*hca.BufferDescriptor
}

type completionQueue struct {
	wcs []hca.WorkCompletion
}

type fakeMemoryRegion struct{}

func (fakeMemoryRegion) LKey() uint32 { return 0 }

// QueuePair is a fake reliable connected queue pair.
type QueuePair struct {
	hca  *HCA
	qpn  uint32
	psn  uint32
	srq  *sharedReceiveQueue
	txCQ *completionQueue
	rxCQ *completionQueue

	peerQPN   uint32
	plumbed   bool
	destroyed bool
}

var _ hca.QueuePair = (*QueuePair)(nil)

// LocalQPNum implements hca.QueuePair.
func (q *QueuePair) LocalQPNum() uint32 { return q.qpn }

// InitialPSN implements hca.QueuePair.
func (q *QueuePair) InitialPSN() uint32 { return q.psn }

// Plumb implements hca.QueuePair.
func (q *QueuePair) Plumb(peerLID uint16, peerQPN, peerPSN uint32) error {
	q.hca.fab.mu.Lock()
	defer q.hca.fab.mu.Unlock()
	q.peerQPN = peerQPN
	q.plumbed = true
	return nil
}

// Destroy implements hca.QueuePair.
func (q *QueuePair) Destroy() error {
	q.hca.fab.mu.Lock()
	defer q.hca.fab.mu.Unlock()
	q.destroyed = true
	delete(q.hca.fab.qps, q.qpn)
	return nil
}

// PeerQPN reports the peer this queue pair was plumbed against.
func (q *QueuePair) PeerQPN() uint32 {
	q.hca.fab.mu.Lock()
	defer q.hca.fab.mu.Unlock()
	return q.peerQPN
}

// Destroyed reports whether Destroy has run.
func (q *QueuePair) Destroyed() bool {
	q.hca.fab.mu.Lock()
	defer q.hca.fab.mu.Unlock()
	return q.destroyed
}

package dispatch

import (
	"runtime"
	"sync/atomic"

	"github.com/rs/zerolog/log"

	"github.com/yuuki/infrc/internal/transport"
	"github.com/yuuki/infrc/internal/wire"
)

// Service executes one RPC. Implementations read the request (header
// included) and fill the reply. A panic in Handle is fatal to the process;
// handlers are trusted code.
type Service interface {
	Handle(op wire.Opcode, request, reply *transport.Buffer)
}

// WorkerManager accepts inbound RPCs from the transport poller, runs their
// handlers on worker goroutines, and transmits replies from the dispatcher.
// RPCs accepted while no worker slot is free wait in a FIFO so overload
// never reorders admissions.
type WorkerManager struct {
	service    Service
	maxWorkers int32

	// Dispatcher-only state.
	waitingRpcs        []*workerRpc
	numOutstandingRpcs int
	nextRpcID          uint64

	// completedRpcs is the only queue shared with worker goroutines.
	completedMu   spinLock
	completedRpcs []*workerRpc

	activeWorkers atomic.Int32
}

// workerRpc pairs a server RPC with its worker bookkeeping.
type workerRpc struct {
	rpc *transport.ServerRpc
	op  wire.Opcode
	id  uint64
}

func defaultMaxWorkers() int { return runtime.GOMAXPROCS(0) }

// NewWorkerManager constructs a manager executing RPCs against service with
// at most maxWorkers concurrent workers. maxWorkers <= 0 selects one worker
// per processor.
func NewWorkerManager(service Service, maxWorkers int) *WorkerManager {
	if maxWorkers <= 0 {
		maxWorkers = defaultMaxWorkers()
	}
	return &WorkerManager{service: service, maxWorkers: int32(maxWorkers)}
}

// HandleRpc implements transport.ServerRpcHandler. Dispatcher goroutine
// only. Requests whose envelope is missing or names an unknown operation are
// answered immediately with a structured error status; no worker runs for
// them.
func (m *WorkerManager) HandleRpc(rpc *transport.ServerRpc) {
	header := wire.ParseRequestCommon(&rpc.RequestPayload)
	if header == nil || header.Opcode >= wire.IllegalRPCType {
		if header == nil {
			log.Warn().Uint32("len", rpc.RequestPayload.Len()).
				Msg("inbound rpc carries no request header")
			wire.PrepareErrorResponse(&rpc.ReplyPayload, wire.StatusMessageTooShort)
		} else {
			log.Warn().Stringer("opcode", header.Opcode).
				Msg("inbound rpc names unknown opcode")
			wire.PrepareErrorResponse(&rpc.ReplyPayload, wire.StatusUnimplementedRequest)
		}
		if err := rpc.SendReply(); err != nil {
			log.Error().Err(err).Msg("send error reply failed")
		}
		return
	}

	m.numOutstandingRpcs++
	w := &workerRpc{rpc: rpc, op: header.Opcode}

	// FIFO discipline: if anything is already waiting, queue behind it.
	if len(m.waitingRpcs) > 0 {
		m.waitingRpcs = append(m.waitingRpcs, w)
		return
	}

	w.id = m.nextRpcID
	m.nextRpcID++
	if !m.trySpawn(w) {
		m.waitingRpcs = append(m.waitingRpcs, w)
	}
}

// trySpawn starts a worker for w unless all worker slots are taken.
func (m *WorkerManager) trySpawn(w *workerRpc) bool {
	for {
		active := m.activeWorkers.Load()
		if active >= m.maxWorkers {
			return false
		}
		if m.activeWorkers.CompareAndSwap(active, active+1) {
			break
		}
	}
	go m.workerMain(w)
	return true
}

// workerMain runs one RPC handler and hands the finished RPC back to the
// dispatcher. A handler panic propagates and takes the process down.
func (m *WorkerManager) workerMain(w *workerRpc) {
	defer m.activeWorkers.Add(-1)
	worker := Worker{manager: m, rpc: w}
	m.service.Handle(w.op, &w.rpc.RequestPayload, &w.rpc.ReplyPayload)
	worker.sendReply()
}

// Worker is the per-invocation context handed to handler plumbing. Its only
// job is the completed-queue handoff.
type Worker struct {
	manager   *WorkerManager
	rpc       *workerRpc
	replySent bool
}

// sendReply tells the dispatcher this worker's RPC is ready to transmit.
// Worker goroutine only.
func (w *Worker) sendReply() {
	if w.replySent {
		return
	}
	w.replySent = true
	m := w.manager
	m.completedMu.lock()
	m.completedRpcs = append(m.completedRpcs, w.rpc)
	m.completedMu.unlock()
}

// Poll drains worker-completed RPCs, transmitting each reply on the
// dispatcher and backfilling freed worker slots from the waiting FIFO.
// Implements Poller.
func (m *WorkerManager) Poll() int {
	found := 0
	m.completedMu.lock()
	for len(m.completedRpcs) > 0 {
		w := m.completedRpcs[0]
		m.completedRpcs = m.completedRpcs[1:]
		m.completedMu.unlock()
		found++

		// A freed slot goes to the longest-waiting RPC first.
		m.spawnWaitingHead()

		if err := w.rpc.SendReply(); err != nil {
			log.Error().Err(err).Uint64("id", w.id).Stringer("opcode", w.op).
				Msg("send reply failed")
		}
		m.numOutstandingRpcs--
		m.completedMu.lock()
	}
	m.completedMu.unlock()

	// A spawn attempt above may have lost the race with a worker that was
	// still winding down; retry queued work whenever a slot is free.
	if len(m.waitingRpcs) > 0 && m.spawnWaitingHead() {
		found++
	}
	return found
}

// spawnWaitingHead starts a worker for the head of the waiting FIFO,
// dequeuing it only once the spawn actually succeeds.
func (m *WorkerManager) spawnWaitingHead() bool {
	if len(m.waitingRpcs) == 0 {
		return false
	}
	head := m.waitingRpcs[0]
	head.id = m.nextRpcID
	if !m.trySpawn(head) {
		return false
	}
	m.nextRpcID++
	m.waitingRpcs = m.waitingRpcs[1:]
	return true
}

// Idle reports whether no accepted RPC is awaiting a worker, running, or
// awaiting reply transmission. Dispatcher goroutine only.
func (m *WorkerManager) Idle() bool {
	return m.numOutstandingRpcs == 0
}

// Package transport implements a reliable, low-latency RPC transport over
// InfiniBand reliable connected queue pairs. Queue pair setup is
// bootstrapped over UDP; addressing therefore looks like ordinary IP/UDP
// addressing. Receive buffers come from two shared receive queues (one for
// responses to RPCs this node issues, one for requests it services) backed by
// a common pool of HCA-registered buffers, and all transmits complete on one
// shared completion queue.
//
// All transport state is owned by a single dispatcher goroutine: the poller,
// connection acceptance, and every reply transmission run there. Other
// goroutines enter the transport only through the control queue (see
// Execute), which the poller drains.
package transport

import (
	"errors"
	"fmt"
	"net"
	"sync"
	"syscall"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/yuuki/infrc/internal/hca"
)

// Deployment defaults. Every one of these is overridable through Config.
const (
	// DefaultMaxSharedRxQueueDepth is the depth of each shared receive
	// queue. Also the client RPC admission budget.
	DefaultMaxSharedRxQueueDepth = 32

	// DefaultMaxTxQueueDepth is the number of registered transmit buffers
	// and the capacity of the common transmit completion queue.
	DefaultMaxTxQueueDepth = 64

	// MaxSharedRxSgeCount is the number of scatter-gather entries per
	// posted receive.
	MaxSharedRxSgeCount = 1

	// DefaultMaxRPCSize is sized a little above one storage-log segment so
	// a full segment plus its RPC envelope fits in one message.
	DefaultMaxRPCSize = (1 << 23) + 4096

	// DefaultQPExchangeTimeout bounds one send+wait cycle of the UDP
	// handshake.
	DefaultQPExchangeTimeout = 50 * time.Millisecond

	// DefaultQPExchangeMaxTimeouts is how many handshake cycles a client
	// attempts before giving up on a server.
	DefaultQPExchangeMaxTimeouts = 10

	defaultIBPhysicalPort = 1
)

// Sentinel errors surfaced by the transport.
var (
	// ErrTimedOut reports handshake exhaustion against an unresponsive
	// server.
	ErrTimedOut = errors.New("timed out waiting for server")

	// ErrMessageTooLong reports a request or reply exceeding MaxRPCSize.
	ErrMessageTooLong = errors.New("message exceeds maximum rpc size")

	// ErrSessionClosed finishes RPCs orphaned by Session.Close.
	ErrSessionClosed = errors.New("session closed")

	// ErrSendFailed finishes an RPC whose request send completed with an
	// error status.
	ErrSendFailed = errors.New("request send failed")
)

// Config carries the transport tunables. The zero value selects the defaults
// above.
type Config struct {
	MaxSharedRxQueueDepth uint32
	MaxTxQueueDepth       uint32
	MaxRPCSize            uint32
	QPExchangeTimeout     time.Duration
	QPExchangeMaxTimeouts int

	// PendingHandshakeTimeout bounds how long a server-side queue pair may
	// sit in the handshake table without carrying traffic before it is
	// reaped. Defaults to QPExchangeTimeout * QPExchangeMaxTimeouts, the
	// point at which the client has certainly given up.
	PendingHandshakeTimeout time.Duration

	// IBPhysicalPort selects the HCA port. Defaults to 1.
	IBPhysicalPort uint8
}

func (c *Config) applyDefaults() {
	if c.MaxSharedRxQueueDepth == 0 {
		c.MaxSharedRxQueueDepth = DefaultMaxSharedRxQueueDepth
	}
	if c.MaxTxQueueDepth == 0 {
		c.MaxTxQueueDepth = DefaultMaxTxQueueDepth
	}
	if c.MaxRPCSize == 0 {
		c.MaxRPCSize = DefaultMaxRPCSize
	}
	if c.QPExchangeTimeout == 0 {
		c.QPExchangeTimeout = DefaultQPExchangeTimeout
	}
	if c.QPExchangeMaxTimeouts == 0 {
		c.QPExchangeMaxTimeouts = DefaultQPExchangeMaxTimeouts
	}
	if c.PendingHandshakeTimeout == 0 {
		c.PendingHandshakeTimeout = c.QPExchangeTimeout * time.Duration(c.QPExchangeMaxTimeouts)
	}
	if c.IBPhysicalPort == 0 {
		c.IBPhysicalPort = defaultIBPhysicalPort
	}
}

// ServerRpcHandler accepts fully received inbound requests from the poller.
// The worker-dispatch engine implements it.
type ServerRpcHandler interface {
	HandleRpc(rpc *ServerRpc)
}

// HandlerFunc adapts a function to the ServerRpcHandler interface.
type HandlerFunc func(rpc *ServerRpc)

// HandleRpc calls f(rpc).
func (f HandlerFunc) HandleRpc(rpc *ServerRpc) { f(rpc) }

// pendingHandshake is a server-side queue pair that has been plumbed and
// answered but has not yet carried traffic. Entries are keyed by the client's
// nonce so duplicate handshake datagrams re-send the stored reply instead of
// constructing another queue pair, and are swept once the client must have
// given up.
type pendingHandshake struct {
	qp       hca.QueuePair
	reply    []byte
	peer     *net.UDPAddr
	deadline time.Time
}

// Transport is one node's endpoint of the RC RPC fabric. Construct with New;
// a Transport with a nil locator is client-only.
type Transport struct {
	hca hca.HCA
	cfg Config
	lid uint16

	serverSrq  hca.SharedReceiveQueue
	clientSrq  hca.SharedReceiveQueue
	serverRxCq hca.CompletionQueue
	clientRxCq hca.CompletionQueue
	commonTxCq hca.CompletionQueue

	rxPool        *hca.BufferPool
	txPool        *hca.BufferPool
	descByID      map[uint64]*hca.BufferDescriptor
	freeTxBuffers []*hca.BufferDescriptor

	// serverSetupConn is the bound bootstrap socket, nil on a client-only
	// transport. serverSetupRaw reads it with MSG_DONTWAIT so the poller
	// never blocks.
	serverSetupConn *net.UDPConn
	serverSetupRaw  syscall.RawConn

	// Dispatcher-only state.
	queuePairMap            map[uint32]hca.QueuePair
	pendingHandshakes       map[uint64]*pendingHandshake
	lastHandshakeSweep      time.Time
	outstandingRpcs         []*ClientRpc
	clientSendQueue         []*ClientRpc
	numUsedClientSrqBuffers uint32
	// txOwners maps an in-flight transmit buffer back to the client RPC it
	// carries, so a failed send completion can finish that RPC.
	txOwners map[uint64]*ClientRpc

	handler ServerRpcHandler

	// controlMu protects controlQueue, the one entry point for work
	// originating off the dispatcher goroutine.
	controlMu    sync.Mutex
	controlQueue []func()

	// Zero-copy region, set by RegisterLogMemory.
	logMemoryBase  uintptr
	logMemoryBytes uintptr
	logMemoryMR    hca.MemoryRegion

	stats   Stats
	locator *ServiceLocator
	wcBuf   []hca.WorkCompletion
}

// New constructs a transport on h. If sl is non-nil the transport also
// services inbound RPCs and binds the bootstrap UDP socket at sl's address.
// Any setup failure is fatal to construction.
func New(h hca.HCA, sl *ServiceLocator, cfg Config) (*Transport, error) {
	cfg.applyDefaults()
	if sl != nil && sl.DevPort != 0 {
		cfg.IBPhysicalPort = sl.DevPort
	}

	t := &Transport{
		hca:               h,
		cfg:               cfg,
		descByID:          make(map[uint64]*hca.BufferDescriptor),
		queuePairMap:      make(map[uint32]hca.QueuePair),
		pendingHandshakes: make(map[uint64]*pendingHandshake),
		txOwners:          make(map[uint64]*ClientRpc),
		locator:           sl,
		wcBuf:             make([]hca.WorkCompletion, cfg.MaxTxQueueDepth),
	}

	if sl != nil {
		conn, err := net.ListenUDP("udp4", sl.UDPAddr())
		if err != nil {
			return nil, fmt.Errorf("bind bootstrap socket %s: %w", sl.UDPAddr(), err)
		}
		t.serverSetupConn = conn
		if t.serverSetupRaw, err = conn.SyscallConn(); err != nil {
			conn.Close()
			return nil, fmt.Errorf("raw access to bootstrap socket: %w", err)
		}
		log.Info().Stringer("addr", conn.LocalAddr()).Msg("listening for queue pair handshakes")
	}

	lid, err := h.LID(cfg.IBPhysicalPort)
	if err != nil {
		t.closeSockets()
		return nil, fmt.Errorf("query lid for port %d: %w", cfg.IBPhysicalPort, err)
	}
	t.lid = lid

	// Two shared receive queues: all server-side queue pairs feed one, all
	// client-side queue pairs feed the other. Receive buffers are posted
	// only to these, never to individual queue pairs.
	if t.serverSrq, err = h.CreateSharedReceiveQueue(cfg.MaxSharedRxQueueDepth, MaxSharedRxSgeCount); err != nil {
		t.closeSockets()
		return nil, fmt.Errorf("create server shared receive queue: %w", err)
	}
	if t.clientSrq, err = h.CreateSharedReceiveQueue(cfg.MaxSharedRxQueueDepth, MaxSharedRxSgeCount); err != nil {
		t.closeSockets()
		return nil, fmt.Errorf("create client shared receive queue: %w", err)
	}

	// The receive pool starts fully borrowed; posting the client half
	// below walks the credit back down to zero.
	t.numUsedClientSrqBuffers = cfg.MaxSharedRxQueueDepth

	if t.rxPool, err = h.AllocateBufferPool(cfg.MaxRPCSize, cfg.MaxSharedRxQueueDepth*2); err != nil {
		t.closeSockets()
		return nil, fmt.Errorf("allocate receive buffer pool: %w", err)
	}
	for i, bd := range t.rxPool.Bufs {
		t.descByID[bd.ID] = bd
		if uint32(i) < cfg.MaxSharedRxQueueDepth {
			err = t.postSrqReceiveAndKickTransmit(t.serverSrq, bd)
		} else {
			err = t.postSrqReceiveAndKickTransmit(t.clientSrq, bd)
		}
		if err != nil {
			t.closeSockets()
			return nil, fmt.Errorf("post initial receive buffer: %w", err)
		}
	}

	if t.txPool, err = h.AllocateBufferPool(cfg.MaxRPCSize, cfg.MaxTxQueueDepth); err != nil {
		t.closeSockets()
		return nil, fmt.Errorf("allocate transmit buffer pool: %w", err)
	}
	for _, bd := range t.txPool.Bufs {
		t.descByID[bd.ID] = bd
		t.freeTxBuffers = append(t.freeTxBuffers, bd)
	}

	if t.serverRxCq, err = h.CreateCompletionQueue(int(cfg.MaxSharedRxQueueDepth)); err != nil {
		t.closeSockets()
		return nil, fmt.Errorf("create server receive completion queue: %w", err)
	}
	if t.clientRxCq, err = h.CreateCompletionQueue(int(cfg.MaxSharedRxQueueDepth)); err != nil {
		t.closeSockets()
		return nil, fmt.Errorf("create client receive completion queue: %w", err)
	}
	if t.commonTxCq, err = h.CreateCompletionQueue(int(cfg.MaxTxQueueDepth)); err != nil {
		t.closeSockets()
		return nil, fmt.Errorf("create transmit completion queue: %w", err)
	}

	return t, nil
}

func (t *Transport) closeSockets() {
	if t.serverSetupConn != nil {
		t.serverSetupConn.Close()
		t.serverSetupConn = nil
	}
}

// SetHandler installs the sink for inbound server RPCs. Must be called
// before the dispatcher starts polling a serving transport.
func (t *Transport) SetHandler(h ServerRpcHandler) { t.handler = h }

// ServiceLocator returns the locator this transport was constructed with, or
// the empty string for a client-only transport.
func (t *Transport) ServiceLocator() string {
	if t.locator == nil {
		return ""
	}
	return t.locator.String()
}

// BootstrapAddr returns the actual bound address of the handshake socket.
// Useful when the locator named port 0.
func (t *Transport) BootstrapAddr() *net.UDPAddr {
	if t.serverSetupConn == nil {
		return nil
	}
	return t.serverSetupConn.LocalAddr().(*net.UDPAddr)
}

// MaxRPCSize returns the largest message, header included, this transport
// sends or receives.
func (t *Transport) MaxRPCSize() uint32 { return t.cfg.MaxRPCSize }

// Stats returns the transport counters.
func (t *Transport) Stats() *Stats { return &t.stats }

// Execute enqueues f to run on the dispatcher goroutine during the next
// poll. This is the only way off-dispatcher goroutines may touch transport
// state.
func (t *Transport) Execute(f func()) {
	t.controlMu.Lock()
	t.controlQueue = append(t.controlQueue, f)
	t.controlMu.Unlock()
}

// RegisterLogMemory registers region with the HCA and enables the zero-copy
// transmit fast path for request chunks that lie inside it.
func (t *Transport) RegisterLogMemory(region []byte) error {
	mr, err := t.hca.RegisterMemory(region)
	if err != nil {
		return fmt.Errorf("register log memory: %w", err)
	}
	t.logMemoryBase = sliceBase(region)
	t.logMemoryBytes = uintptr(len(region))
	t.logMemoryMR = mr
	return nil
}

// postSrqReceiveAndKickTransmit returns bd to srq. Returning a buffer to the
// client queue frees one admission credit; if a send was deferred for lack of
// credit, the head of the deferred queue goes out now.
func (t *Transport) postSrqReceiveAndKickTransmit(srq hca.SharedReceiveQueue, bd *hca.BufferDescriptor) error {
	if err := t.hca.PostSRQReceive(srq, bd); err != nil {
		return err
	}
	if srq == t.clientSrq {
		t.numUsedClientSrqBuffers--
		t.stats.usedClientSrqBuffers.Store(t.numUsedClientSrqBuffers)
		if len(t.clientSendQueue) > 0 {
			rpc := t.clientSendQueue[0]
			t.clientSendQueue = t.clientSendQueue[1:]
			log.Debug().Uint64("nonce", rpc.nonce).Msg("dequeued deferred request")
			rpc.sendOrQueue()
		}
	}
	return nil
}

// getTransmitBuffer pops a free transmit buffer, spinning on the common
// transmit completion queue when the free list is empty. Failed transmits
// are logged here; if the failed completion belongs to an outstanding client
// RPC the failure also finishes that RPC.
func (t *Transport) getTransmitBuffer() *hca.BufferDescriptor {
	for len(t.freeTxBuffers) == 0 {
		t.stats.TxBufferWaits.Add(1)
		t.reapTxCompletions()
	}
	bd := t.freeTxBuffers[len(t.freeTxBuffers)-1]
	t.freeTxBuffers = t.freeTxBuffers[:len(t.freeTxBuffers)-1]
	t.stats.freeTxBuffers.Store(uint32(len(t.freeTxBuffers)))
	return bd
}

// reapTxCompletions drains the common transmit completion queue, returning
// buffers to the free list and surfacing failed sends to their originating
// RPCs. Returns the number of completions harvested.
func (t *Transport) reapTxCompletions() int {
	n := t.hca.PollCompletionQueue(t.commonTxCq, t.wcBuf)
	for i := 0; i < n; i++ {
		wc := &t.wcBuf[i]
		bd := t.descByID[wc.WRID]
		if bd == nil {
			log.Error().Uint64("wr_id", wc.WRID).Msg("transmit completion references unknown buffer")
			continue
		}
		t.freeTxBuffers = append(t.freeTxBuffers, bd)
		owner := t.txOwners[bd.ID]
		delete(t.txOwners, bd.ID)
		if wc.Status != hca.WCSuccess {
			t.stats.SendFailures.Add(1)
			log.Error().Stringer("status", wc.Status).Msg("transmit failed")
			if owner != nil && owner.state == stateRequestSent {
				t.detachOutstanding(owner)
				owner.finish(fmt.Errorf("%w: %s", ErrSendFailed, wc.Status))
			}
		}
	}
	t.stats.freeTxBuffers.Store(uint32(len(t.freeTxBuffers)))
	return n
}

// detachOutstanding unlinks rpc from the outstanding list if present.
func (t *Transport) detachOutstanding(rpc *ClientRpc) {
	for i, r := range t.outstandingRpcs {
		if r == rpc {
			t.outstandingRpcs = append(t.outstandingRpcs[:i], t.outstandingRpcs[i+1:]...)
			return
		}
	}
}

// nonceOutstanding reports whether nonce collides with any queued or
// outstanding client RPC.
func (t *Transport) nonceOutstanding(nonce uint64) bool {
	for _, r := range t.outstandingRpcs {
		if r.nonce == nonce {
			return true
		}
	}
	for _, r := range t.clientSendQueue {
		if r.nonce == nonce {
			return true
		}
	}
	return false
}

// Close tears the transport down: the bootstrap socket, all server-side
// queue pairs, registered pools, and the HCA handle. Must not race the
// dispatcher; stop polling first.
func (t *Transport) Close() error {
	t.closeSockets()
	for qpn, qp := range t.queuePairMap {
		if err := qp.Destroy(); err != nil {
			log.Warn().Err(err).Uint32("qpn", qpn).Msg("destroy queue pair")
		}
	}
	t.queuePairMap = make(map[uint32]hca.QueuePair)
	if t.rxPool != nil && t.rxPool.Free != nil {
		t.rxPool.Free()
	}
	if t.txPool != nil && t.txPool.Free != nil {
		t.txPool.Free()
	}
	return t.hca.Close()
}

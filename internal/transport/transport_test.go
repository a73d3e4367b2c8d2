package transport

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/yuuki/infrc/internal/hca"
	"github.com/yuuki/infrc/internal/hca/hcatest"
)

// smallConfig keeps buffer pools tiny so tests do not allocate gigabytes.
func smallConfig() Config {
	return Config{
		MaxSharedRxQueueDepth: 4,
		MaxTxQueueDepth:       8,
		MaxRPCSize:            1024,
		QPExchangeTimeout:     50 * time.Millisecond,
		QPExchangeMaxTimeouts: 5,
	}
}

// testEnv runs a serving transport and a client transport on one fake fabric
// with a single pump goroutine standing in for the dispatcher thread.
type testEnv struct {
	t         *testing.T
	fab       *hcatest.Fabric
	serverHCA *hcatest.HCA
	clientHCA *hcatest.HCA
	server    *Transport
	client    *Transport
	locator   string

	pumpServer atomic.Bool
	pumpClient atomic.Bool
	stop       chan struct{}
	done       chan struct{}
}

// echoHandler replies with the request bytes, inline on the dispatcher.
func echoHandler(rpc *ServerRpc) {
	rpc.ReplyPayload.AppendCopy(rpc.RequestPayload.Bytes())
	if err := rpc.SendReply(); err != nil {
		log.Error().Err(err).Msg("echo reply failed")
	}
}

func newTestEnv(t *testing.T, cfg Config) *testEnv {
	t.Helper()
	e := &testEnv{
		t:    t,
		fab:  hcatest.NewFabric(),
		stop: make(chan struct{}),
		done: make(chan struct{}),
	}
	e.serverHCA = e.fab.NewHCA(1)
	e.clientHCA = e.fab.NewHCA(2)

	sl, err := ParseServiceLocator("infrc:host=127.0.0.1,port=0")
	require.NoError(t, err)
	e.server, err = New(e.serverHCA, sl, cfg)
	require.NoError(t, err)
	e.server.SetHandler(HandlerFunc(echoHandler))

	e.client, err = New(e.clientHCA, nil, cfg)
	require.NoError(t, err)

	e.locator = fmt.Sprintf("infrc:host=127.0.0.1,port=%d", e.server.BootstrapAddr().Port)
	e.pumpServer.Store(true)
	e.pumpClient.Store(true)
	go e.pump()
	t.Cleanup(e.close)
	return e
}

func (e *testEnv) pump() {
	defer close(e.done)
	for {
		select {
		case <-e.stop:
			return
		default:
		}
		if e.pumpServer.Load() {
			e.server.Poll()
		}
		if e.pumpClient.Load() {
			e.client.Poll()
		}
		time.Sleep(50 * time.Microsecond)
	}
}

func (e *testEnv) close() {
	close(e.stop)
	<-e.done
	e.server.Close()
	e.client.Close()
}

// onDispatcher runs f on the pump goroutine and waits for it.
func (e *testEnv) onDispatcher(tr *Transport, f func()) {
	e.t.Helper()
	done := make(chan struct{})
	tr.Execute(func() {
		f()
		close(done)
	})
	select {
	case <-done:
	case <-time.After(5 * time.Second):
		e.t.Fatal("dispatcher stalled")
	}
}

func testContext(t *testing.T) context.Context {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	t.Cleanup(cancel)
	return ctx
}

func TestSessionOpenRegistersQueuePair(t *testing.T) {
	e := newTestEnv(t, smallConfig())

	sess, err := e.client.OpenSession(e.locator)
	require.NoError(t, err)
	defer sess.Close()

	var qps, pending int
	e.onDispatcher(e.server, func() {
		qps = len(e.server.queuePairMap)
		pending = len(e.server.pendingHandshakes)
	})
	assert.Equal(t, 1, qps)
	assert.Equal(t, 1, pending)

	// First traffic on the queue pair confirms the handshake.
	request, response := &Buffer{}, &Buffer{}
	request.AppendCopy([]byte("hello"))
	require.NoError(t, sess.Call(testContext(t), request, response))
	assert.Equal(t, "hello", string(response.Bytes()))
	response.Reset()

	e.onDispatcher(e.server, func() {
		pending = len(e.server.pendingHandshakes)
	})
	assert.Equal(t, 0, pending)
}

func TestRequestResponseRoundTrip(t *testing.T) {
	e := newTestEnv(t, smallConfig())

	sess, err := e.client.OpenSession(e.locator)
	require.NoError(t, err)
	defer sess.Close()

	for i := 0; i < 20; i++ {
		request, response := &Buffer{}, &Buffer{}
		request.AppendCopy([]byte(fmt.Sprintf("message %d", i)))
		require.NoError(t, sess.Call(testContext(t), request, response))
		assert.Equal(t, fmt.Sprintf("message %d", i), string(response.Bytes()))
		response.Reset()
	}
	assert.Equal(t, uint64(20), e.client.Stats().RequestsSent.Load())
	assert.Equal(t, uint64(20), e.client.Stats().ResponsesReceived.Load())
	assert.Equal(t, uint64(20), e.server.Stats().RepliesSent.Load())

	// Quiescent transports hold every transmit buffer on the free list.
	depth := int(smallConfig().MaxTxQueueDepth)
	require.Eventually(t, func() bool {
		var clientFree, serverFree int
		e.onDispatcher(e.client, func() {
			e.client.reapTxCompletions()
			clientFree = len(e.client.freeTxBuffers)
		})
		e.onDispatcher(e.server, func() {
			e.server.reapTxCompletions()
			serverFree = len(e.server.freeTxBuffers)
		})
		return clientFree == depth && serverFree == depth
	}, 5*time.Second, time.Millisecond)
}

func TestRequestSizeBoundary(t *testing.T) {
	e := newTestEnv(t, smallConfig())

	sess, err := e.client.OpenSession(e.locator)
	require.NoError(t, err)
	defer sess.Close()

	// MaxRPCSize minus the nonce header exactly fits.
	max := smallConfig().MaxRPCSize - HeaderSize
	request, response := &Buffer{}, &Buffer{}
	request.AppendCopy(make([]byte, max))
	require.NoError(t, sess.Call(testContext(t), request, response))
	assert.Equal(t, max, response.Len())
	response.Reset()

	// One byte more is rejected before anything is sent.
	request = &Buffer{}
	request.AppendCopy(make([]byte, max+1))
	_, err = sess.Send(request, &Buffer{})
	assert.ErrorIs(t, err, ErrMessageTooLong)
}

// Scenario: more concurrent RPCs than receive credits. Exactly depth enter
// REQUEST_SENT, the overflow waits in the send queue, and the first freed
// credit dispatches it.
func TestClientSendQueueOverflowsToDeferred(t *testing.T) {
	cfg := smallConfig()
	e := newTestEnv(t, cfg)

	sess, err := e.client.OpenSession(e.locator)
	require.NoError(t, err)
	defer sess.Close()

	// Hold responses back by pausing the server's poller.
	e.pumpServer.Store(false)

	depth := int(cfg.MaxSharedRxQueueDepth)
	total := depth + 1
	rpcs := make([]*ClientRpc, 0, total)
	responses := make([]*Buffer, 0, total)
	for i := 0; i < total; i++ {
		request, response := &Buffer{}, &Buffer{}
		request.AppendCopy([]byte(fmt.Sprintf("burst %d", i)))
		rpc, err := sess.Send(request, response)
		require.NoError(t, err)
		rpcs = append(rpcs, rpc)
		responses = append(responses, response)
	}

	require.Eventually(t, func() bool {
		var sent, queued int
		e.onDispatcher(e.client, func() {
			sent = len(e.client.outstandingRpcs)
			queued = len(e.client.clientSendQueue)
		})
		return sent == depth && queued == 1
	}, 5*time.Second, time.Millisecond)

	var used uint32
	e.onDispatcher(e.client, func() { used = e.client.numUsedClientSrqBuffers })
	assert.Equal(t, uint32(depth), used)
	assert.Equal(t, uint64(1), e.client.Stats().DeferredSends.Load())

	// Responses flow again: every RPC, including the deferred one, completes.
	e.pumpServer.Store(true)
	ctx := testContext(t)
	for i, rpc := range rpcs {
		require.NoError(t, rpc.Wait(ctx))
		// Loaned receive buffers hold credit until their response is Reset.
		responses[i].Reset()
	}

	e.onDispatcher(e.client, func() { used = e.client.numUsedClientSrqBuffers })
	assert.Zero(t, used)
}

func TestResponseWithUnknownNonceIsDropped(t *testing.T) {
	e := newTestEnv(t, smallConfig())

	sess, err := e.client.OpenSession(e.locator)
	require.NoError(t, err)
	defer sess.Close()

	e.pumpServer.Store(false)
	request := &Buffer{}
	request.AppendCopy([]byte("pending"))
	rpc, err := sess.Send(request, &Buffer{})
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		var sent int
		e.onDispatcher(e.client, func() { sent = len(e.client.outstandingRpcs) })
		return sent == 1
	}, 5*time.Second, time.Millisecond)

	// Forge a response whose nonce matches nothing.
	clientQPN := sess.qp.(*hcatest.QueuePair).LocalQPNum()
	forged := make([]byte, HeaderSize+4)
	putHeader(forged, 0x4242424242424242)
	require.True(t, e.fab.InjectReceive(clientQPN, forged))

	require.Eventually(t, func() bool {
		return e.client.Stats().NonceMismatches.Load() == 1
	}, 5*time.Second, time.Millisecond)

	// The pending RPC is unaffected and completes once the server runs.
	var sent int
	e.onDispatcher(e.client, func() { sent = len(e.client.outstandingRpcs) })
	assert.Equal(t, 1, sent)

	e.pumpServer.Store(true)
	require.NoError(t, rpc.Wait(testContext(t)))
}

func TestFailedSendFinishesRpc(t *testing.T) {
	e := newTestEnv(t, smallConfig())

	sess, err := e.client.OpenSession(e.locator)
	require.NoError(t, err)
	defer sess.Close()

	e.clientHCA.SetFailNextSend(hca.WCRetryExcErr)
	request := &Buffer{}
	request.AppendCopy([]byte("doomed"))
	rpc, err := sess.Send(request, &Buffer{})
	require.NoError(t, err)

	err = rpc.Wait(testContext(t))
	assert.ErrorIs(t, err, ErrSendFailed)
	assert.Equal(t, uint64(1), e.client.Stats().SendFailures.Load())
}

func TestSessionCloseOrphansOutstandingRpcs(t *testing.T) {
	e := newTestEnv(t, smallConfig())

	sess, err := e.client.OpenSession(e.locator)
	require.NoError(t, err)

	e.pumpServer.Store(false)
	var rpcs []*ClientRpc
	for i := 0; i < 2; i++ {
		request := &Buffer{}
		request.AppendCopy([]byte("orphan"))
		rpc, err := sess.Send(request, &Buffer{})
		require.NoError(t, err)
		rpcs = append(rpcs, rpc)
	}

	sess.Close()
	ctx := testContext(t)
	for _, rpc := range rpcs {
		assert.ErrorIs(t, rpc.Wait(ctx), ErrSessionClosed)
	}

	require.Eventually(t, func() bool {
		return sess.qp.(*hcatest.QueuePair).Destroyed()
	}, 5*time.Second, time.Millisecond)

	// Further sends are rejected immediately.
	_, err = sess.Send(&Buffer{}, &Buffer{})
	assert.ErrorIs(t, err, ErrSessionClosed)
}

func TestZeroCopyFastPath(t *testing.T) {
	e := newTestEnv(t, smallConfig())

	region := make([]byte, 512)
	for i := range region {
		region[i] = byte(i)
	}
	var regErr error
	e.onDispatcher(e.client, func() {
		regErr = e.client.RegisterLogMemory(region)
	})
	require.NoError(t, regErr)

	sess, err := e.client.OpenSession(e.locator)
	require.NoError(t, err)
	defer sess.Close()

	// Two chunks, the second inside the registered region.
	request, response := &Buffer{}, &Buffer{}
	request.AppendCopy([]byte{0x01, 0x00, 0x00, 0x00})
	request.Append(region[100:200])
	require.NoError(t, sess.Call(testContext(t), request, response))

	assert.Equal(t, 1, e.clientHCA.ZeroCopySends())
	assert.Equal(t, uint64(1), e.client.Stats().ZeroCopySends.Load())
	got := response.Bytes()
	require.Len(t, got, 104)
	assert.Equal(t, region[100:200], got[4:])
	response.Reset()

	// A payload ending exactly at the region's last byte still qualifies.
	request, response = &Buffer{}, &Buffer{}
	request.AppendCopy([]byte{0x01, 0x00, 0x00, 0x00})
	request.Append(region[400:512])
	require.NoError(t, sess.Call(testContext(t), request, response))
	assert.Equal(t, 2, e.clientHCA.ZeroCopySends())
	response.Reset()

	// A single-chunk request of the same size takes the copy path.
	request, response = &Buffer{}, &Buffer{}
	request.AppendCopy(make([]byte, 104))
	require.NoError(t, sess.Call(testContext(t), request, response))
	assert.Equal(t, 2, e.clientHCA.ZeroCopySends())
	response.Reset()
}

func TestConcurrentSessions(t *testing.T) {
	e := newTestEnv(t, smallConfig())
	ctx := testContext(t)

	var wg sync.WaitGroup
	errs := make([]error, 3)
	for i := 0; i < 3; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			sess, err := e.client.OpenSession(e.locator)
			if err != nil {
				errs[i] = err
				return
			}
			defer sess.Close()
			for j := 0; j < 5; j++ {
				request, response := &Buffer{}, &Buffer{}
				request.AppendCopy([]byte(fmt.Sprintf("s%d-%d", i, j)))
				if err := sess.Call(ctx, request, response); err != nil {
					errs[i] = err
					return
				}
				if string(response.Bytes()) != fmt.Sprintf("s%d-%d", i, j) {
					errs[i] = errors.New("payload mismatch")
					return
				}
				response.Reset()
			}
		}(i)
	}
	wg.Wait()
	for i, err := range errs {
		assert.NoError(t, err, "session %d", i)
	}

	var qps int
	e.onDispatcher(e.server, func() { qps = len(e.server.queuePairMap) })
	assert.Equal(t, 3, qps)
}

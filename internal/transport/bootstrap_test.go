package transport

import (
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/yuuki/infrc/internal/hca/hcatest"
)

// newClientOnly builds a client transport on a fresh fabric without any
// polling; the handshake path needs none.
func newClientOnly(t *testing.T, cfg Config) (*Transport, *hcatest.Fabric) {
	t.Helper()
	fab := hcatest.NewFabric()
	tr, err := New(fab.NewHCA(2), nil, cfg)
	require.NoError(t, err)
	t.Cleanup(func() { tr.Close() })
	return tr, fab
}

// scriptedResponder binds a UDP socket and runs script against it on a
// goroutine. The script receives the socket and must return when done.
func scriptedResponder(t *testing.T, script func(conn *net.UDPConn)) *net.UDPAddr {
	t.Helper()
	conn, err := net.ListenUDP("udp4", &net.UDPAddr{IP: net.IPv4(127, 0, 0, 1)})
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })
	go script(conn)
	return conn.LocalAddr().(*net.UDPAddr)
}

func TestClientHandshakeFirstAttempt(t *testing.T) {
	cfg := smallConfig()
	tr, _ := newClientOnly(t, cfg)

	addr := scriptedResponder(t, func(conn *net.UDPConn) {
		buf := make([]byte, 64)
		n, peer, err := conn.ReadFromUDP(buf)
		if err != nil || n != TupleSize {
			return
		}
		in, _ := DecodeQueuePairTuple(buf[:n])
		reply := QueuePairTuple{LID: 7, QPN: 4242, PSN: 99, Nonce: in.Nonce}
		conn.WriteToUDP(reply.Encode(), peer)
	})

	qp, err := tr.clientTrySetupQueuePair(addr)
	require.NoError(t, err)
	defer qp.Destroy()

	assert.Equal(t, uint32(4242), qp.(*hcatest.QueuePair).PeerQPN())
	assert.Zero(t, tr.Stats().HandshakeRetries.Load())
}

// Scenario: the server drops the first handshake datagram. The client
// retries with a fresh nonce and succeeds on the second attempt.
func TestClientHandshakeRetriesAfterDroppedDatagram(t *testing.T) {
	cfg := smallConfig()
	cfg.QPExchangeTimeout = 30 * time.Millisecond
	tr, _ := newClientOnly(t, cfg)

	addr := scriptedResponder(t, func(conn *net.UDPConn) {
		buf := make([]byte, 64)
		// Swallow the first datagram.
		if _, _, err := conn.ReadFromUDP(buf); err != nil {
			return
		}
		// Answer the second.
		n, peer, err := conn.ReadFromUDP(buf)
		if err != nil || n != TupleSize {
			return
		}
		in, _ := DecodeQueuePairTuple(buf[:n])
		reply := QueuePairTuple{LID: 7, QPN: 7777, PSN: 1, Nonce: in.Nonce}
		conn.WriteToUDP(reply.Encode(), peer)
	})

	qp, err := tr.clientTrySetupQueuePair(addr)
	require.NoError(t, err)
	defer qp.Destroy()

	assert.Equal(t, uint32(7777), qp.(*hcatest.QueuePair).PeerQPN())
	assert.Equal(t, uint64(1), tr.Stats().HandshakeRetries.Load())
}

// Scenario: the server is unreachable. The handshake fails with ErrTimedOut
// only after the full budget has elapsed.
func TestClientHandshakeTimesOut(t *testing.T) {
	cfg := smallConfig()
	cfg.QPExchangeTimeout = 10 * time.Millisecond
	cfg.QPExchangeMaxTimeouts = 3
	tr, fab := newClientOnly(t, cfg)

	// A bound socket that never answers.
	addr := scriptedResponder(t, func(conn *net.UDPConn) {})

	start := time.Now()
	_, err := tr.clientTrySetupQueuePair(addr)
	elapsed := time.Since(start)

	assert.ErrorIs(t, err, ErrTimedOut)
	assert.GreaterOrEqual(t, elapsed, 30*time.Millisecond)
	assert.Equal(t, uint64(3), tr.Stats().HandshakeRetries.Load())

	// The abandoned queue pair was destroyed, not leaked into the fabric.
	assert.Nil(t, fab.QueuePairByNum(101))
}

// A delayed reply to an earlier attempt must not satisfy a newer one: the
// client skips replies whose nonce does not match and keeps waiting.
func TestClientHandshakeSkipsStragglerReplies(t *testing.T) {
	cfg := smallConfig()
	tr, _ := newClientOnly(t, cfg)

	addr := scriptedResponder(t, func(conn *net.UDPConn) {
		buf := make([]byte, 64)
		n, peer, err := conn.ReadFromUDP(buf)
		if err != nil || n != TupleSize {
			return
		}
		in, _ := DecodeQueuePairTuple(buf[:n])
		// First a stale reply with a foreign nonce, then the real one.
		stale := QueuePairTuple{LID: 7, QPN: 1, PSN: 1, Nonce: in.Nonce + 1}
		conn.WriteToUDP(stale.Encode(), peer)
		good := QueuePairTuple{LID: 7, QPN: 2, PSN: 1, Nonce: in.Nonce}
		conn.WriteToUDP(good.Encode(), peer)
	})

	qp, err := tr.clientTrySetupQueuePair(addr)
	require.NoError(t, err)
	defer qp.Destroy()

	assert.Equal(t, uint32(2), qp.(*hcatest.QueuePair).PeerQPN())
	assert.Zero(t, tr.Stats().HandshakeRetries.Load())
}

// rawHandshake drives the server's bootstrap protocol directly over UDP.
func rawHandshake(t *testing.T, server *net.UDPAddr, tuple QueuePairTuple) (QueuePairTuple, *net.UDPConn) {
	t.Helper()
	conn, err := net.ListenUDP("udp4", nil)
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })

	_, err = conn.WriteToUDP(tuple.Encode(), server)
	require.NoError(t, err)

	buf := make([]byte, 64)
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(5*time.Second)))
	n, _, err := conn.ReadFromUDP(buf)
	require.NoError(t, err)
	require.Equal(t, TupleSize, n)
	reply, err := DecodeQueuePairTuple(buf[:n])
	require.NoError(t, err)
	return reply, conn
}

func TestServerHandshakeEchoesNonce(t *testing.T) {
	e := newTestEnv(t, smallConfig())

	tuple := QueuePairTuple{LID: 9, QPN: 333, PSN: 12, Nonce: 0xabcdef0123456789}
	reply, _ := rawHandshake(t, e.server.BootstrapAddr(), tuple)

	assert.Equal(t, tuple.Nonce, reply.Nonce)
	assert.Equal(t, uint16(1), reply.LID)
	assert.NotZero(t, reply.QPN)
}

// A duplicate handshake datagram re-sends the stored reply instead of
// plumbing a second queue pair.
func TestServerHandshakeDuplicateDatagram(t *testing.T) {
	e := newTestEnv(t, smallConfig())

	tuple := QueuePairTuple{LID: 9, QPN: 333, PSN: 12, Nonce: 77}
	first, conn := rawHandshake(t, e.server.BootstrapAddr(), tuple)

	_, err := conn.WriteToUDP(tuple.Encode(), e.server.BootstrapAddr())
	require.NoError(t, err)
	buf := make([]byte, 64)
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(5*time.Second)))
	n, _, err := conn.ReadFromUDP(buf)
	require.NoError(t, err)
	second, err := DecodeQueuePairTuple(buf[:n])
	require.NoError(t, err)

	assert.Equal(t, first, second)

	var qps int
	e.onDispatcher(e.server, func() { qps = len(e.server.queuePairMap) })
	assert.Equal(t, 1, qps)
}

func TestServerHandshakeDropsWrongLengthDatagram(t *testing.T) {
	e := newTestEnv(t, smallConfig())

	conn, err := net.ListenUDP("udp4", nil)
	require.NoError(t, err)
	defer conn.Close()
	_, err = conn.WriteToUDP([]byte("short"), e.server.BootstrapAddr())
	require.NoError(t, err)

	// The runt is ignored; a valid handshake still succeeds afterwards.
	tuple := QueuePairTuple{LID: 9, QPN: 1, PSN: 1, Nonce: 5}
	reply, _ := rawHandshake(t, e.server.BootstrapAddr(), tuple)
	assert.Equal(t, tuple.Nonce, reply.Nonce)

	var qps int
	e.onDispatcher(e.server, func() { qps = len(e.server.queuePairMap) })
	assert.Equal(t, 1, qps)
}

// A handshake that is never followed by traffic leaves a half-open queue
// pair; the sweep reaps it once the client must have given up.
func TestServerReapsHalfOpenQueuePairs(t *testing.T) {
	cfg := smallConfig()
	cfg.PendingHandshakeTimeout = 40 * time.Millisecond
	e := newTestEnv(t, cfg)

	tuple := QueuePairTuple{LID: 9, QPN: 1, PSN: 1, Nonce: 6}
	rawHandshake(t, e.server.BootstrapAddr(), tuple)

	require.Eventually(t, func() bool {
		var qps, pending int
		e.onDispatcher(e.server, func() {
			qps = len(e.server.queuePairMap)
			pending = len(e.server.pendingHandshakes)
		})
		return qps == 0 && pending == 0
	}, 5*time.Second, 10*time.Millisecond)
}

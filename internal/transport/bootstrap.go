package transport

import (
	"errors"
	"fmt"
	"math/rand/v2"
	"net"
	"os"
	"syscall"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/yuuki/infrc/internal/hca"
)

// clientTrySetupQueuePair allocates a client queue pair and handshakes it
// with the server at addr. Each attempt sends the local tuple with a fresh
// nonce and waits up to QPExchangeTimeout for a reply carrying that nonce;
// after QPExchangeMaxTimeouts fruitless attempts the queue pair is destroyed
// and ErrTimedOut surfaces.
//
// Every handshake uses its own ephemeral UDP socket, so concurrent session
// setups never share bootstrap state and the dispatcher is free to keep
// polling while this call blocks.
func (t *Transport) clientTrySetupQueuePair(addr *net.UDPAddr) (hca.QueuePair, error) {
	qp, err := t.hca.CreateQueuePair(t.cfg.IBPhysicalPort, t.clientSrq, t.commonTxCq, t.clientRxCq,
		t.cfg.MaxTxQueueDepth, t.cfg.MaxSharedRxQueueDepth)
	if err != nil {
		return nil, fmt.Errorf("create client queue pair: %w", err)
	}

	conn, err := net.ListenUDP("udp4", nil)
	if err != nil {
		qp.Destroy()
		return nil, fmt.Errorf("create handshake socket: %w", err)
	}
	defer conn.Close()

	for i := 0; i < t.cfg.QPExchangeMaxTimeouts; i++ {
		outgoing := QueuePairTuple{
			LID:   t.lid,
			QPN:   qp.LocalQPNum(),
			PSN:   qp.InitialPSN(),
			Nonce: rand.Uint64(),
		}
		incoming, ok, err := clientTryExchangeTuple(conn, addr, &outgoing, t.cfg.QPExchangeTimeout)
		if err != nil {
			qp.Destroy()
			return nil, err
		}
		if !ok {
			t.stats.HandshakeRetries.Add(1)
			log.Warn().Stringer("server", addr).Int("attempt", i+1).
				Msg("timed out waiting for handshake response; retrying")
			continue
		}
		if err := qp.Plumb(incoming.LID, incoming.QPN, incoming.PSN); err != nil {
			qp.Destroy()
			return nil, fmt.Errorf("plumb queue pair: %w", err)
		}
		return qp, nil
	}

	qp.Destroy()
	log.Warn().Stringer("server", addr).
		Dur("allotted", t.cfg.QPExchangeTimeout*time.Duration(t.cfg.QPExchangeMaxTimeouts)).
		Int("attempts", t.cfg.QPExchangeMaxTimeouts).
		Msg("failed to exchange queue pair tuples with server")
	return nil, ErrTimedOut
}

// clientTryExchangeTuple performs one send+wait cycle: the tuple goes out
// once, then replies are consumed until one echoes the outgoing nonce or the
// time budget expires. Replies with a foreign nonce are stragglers from an
// earlier attempt; they are logged and skipped without recharging the budget.
func clientTryExchangeTuple(conn *net.UDPConn, addr *net.UDPAddr, outgoing *QueuePairTuple, budget time.Duration) (QueuePairTuple, bool, error) {
	if _, err := conn.WriteToUDP(outgoing.Encode(), addr); err != nil {
		return QueuePairTuple{}, false, fmt.Errorf("send handshake datagram: %w", err)
	}

	deadline := time.Now().Add(budget)
	buf := make([]byte, TupleSize+1)
	for {
		if err := conn.SetReadDeadline(deadline); err != nil {
			return QueuePairTuple{}, false, err
		}
		n, _, err := conn.ReadFromUDP(buf)
		if err != nil {
			if errors.Is(err, os.ErrDeadlineExceeded) {
				return QueuePairTuple{}, false, nil
			}
			return QueuePairTuple{}, false, fmt.Errorf("receive handshake datagram: %w", err)
		}
		if n != TupleSize {
			log.Warn().Int("len", n).Msg("dropping handshake datagram of unexpected length")
			continue
		}
		incoming, err := DecodeQueuePairTuple(buf[:n])
		if err != nil {
			return QueuePairTuple{}, false, err
		}
		if incoming.Nonce != outgoing.Nonce {
			log.Warn().
				Uint64("got", incoming.Nonce).
				Uint64("want", outgoing.Nonce).
				Msg("handshake nonce mismatch, skipping stale reply")
			continue
		}
		return incoming, true, nil
	}
}

// readSetupDatagram performs one non-blocking receive on the bootstrap
// socket. A nil address with nil error means no datagram was pending.
func (t *Transport) readSetupDatagram(buf []byte) (int, *net.UDPAddr, error) {
	var (
		n    int
		sa   syscall.Sockaddr
		rerr error
	)
	err := t.serverSetupRaw.Read(func(fd uintptr) bool {
		n, sa, rerr = syscall.Recvfrom(int(fd), buf, syscall.MSG_DONTWAIT)
		return true
	})
	if err != nil {
		return 0, nil, err
	}
	if rerr != nil {
		if errors.Is(rerr, syscall.EAGAIN) || errors.Is(rerr, syscall.EWOULDBLOCK) {
			return 0, nil, nil
		}
		return 0, nil, rerr
	}
	switch a := sa.(type) {
	case *syscall.SockaddrInet4:
		return n, &net.UDPAddr{IP: net.IP(a.Addr[:]), Port: a.Port}, nil
	case *syscall.SockaddrInet6:
		return n, &net.UDPAddr{IP: net.IP(a.Addr[:]), Port: a.Port}, nil
	default:
		return 0, nil, fmt.Errorf("unexpected bootstrap peer address type %T", sa)
	}
}

// pollServerSetupSocket accepts at most one handshake datagram per call.
// Dispatcher goroutine only. Returns 1 if a datagram was consumed.
func (t *Transport) pollServerSetupSocket() int {
	if t.serverSetupConn == nil {
		return 0
	}
	buf := make([]byte, TupleSize+1)
	n, peer, err := t.readSetupDatagram(buf)
	if err != nil {
		if !errors.Is(err, net.ErrClosed) {
			log.Error().Err(err).Msg("bootstrap socket receive failed")
		}
		return 0
	}
	if peer == nil {
		return 0
	}
	if n != TupleSize {
		log.Warn().Int("len", n).Stringer("peer", peer).
			Msg("dropping handshake datagram of unexpected length")
		return 1
	}
	incoming, err := DecodeQueuePairTuple(buf[:n])
	if err != nil {
		log.Warn().Err(err).Msg("dropping undecodable handshake datagram")
		return 1
	}

	// A duplicate of a handshake already answered: the reply was lost or
	// delayed. Re-send it rather than plumbing another queue pair.
	if ph, ok := t.pendingHandshakes[incoming.Nonce]; ok {
		if _, err := t.serverSetupConn.WriteToUDP(ph.reply, peer); err != nil {
			log.Warn().Err(err).Msg("re-send handshake reply failed")
		}
		return 1
	}

	qp, err := t.hca.CreateQueuePair(t.cfg.IBPhysicalPort, t.serverSrq, t.commonTxCq, t.serverRxCq,
		t.cfg.MaxTxQueueDepth, t.cfg.MaxSharedRxQueueDepth)
	if err != nil {
		log.Error().Err(err).Msg("create server queue pair failed")
		return 1
	}
	if err := qp.Plumb(incoming.LID, incoming.QPN, incoming.PSN); err != nil {
		log.Error().Err(err).Msg("plumb server queue pair failed")
		qp.Destroy()
		return 1
	}

	outgoing := QueuePairTuple{
		LID:   t.lid,
		QPN:   qp.LocalQPNum(),
		PSN:   qp.InitialPSN(),
		Nonce: incoming.Nonce,
	}
	reply := outgoing.Encode()
	if _, err := t.serverSetupConn.WriteToUDP(reply, peer); err != nil {
		log.Warn().Err(err).Msg("send handshake reply failed")
		qp.Destroy()
		return 1
	}

	t.queuePairMap[qp.LocalQPNum()] = qp
	t.pendingHandshakes[incoming.Nonce] = &pendingHandshake{
		qp:       qp,
		reply:    reply,
		peer:     peer,
		deadline: time.Now().Add(t.cfg.PendingHandshakeTimeout),
	}
	log.Debug().Uint32("qpn", qp.LocalQPNum()).Stringer("peer", peer).
		Msg("accepted queue pair handshake")
	return 1
}

// confirmHandshake removes any pending entry for qpn once traffic has
// arrived on that queue pair.
func (t *Transport) confirmHandshake(qpn uint32) {
	for nonce, ph := range t.pendingHandshakes {
		if ph.qp.LocalQPNum() == qpn {
			delete(t.pendingHandshakes, nonce)
			return
		}
	}
}

// sweepPendingHandshakes reaps queue pairs whose client never followed the
// handshake with traffic (for example because our reply was lost and the
// client's retries all used fresh nonces against new queue pairs).
func (t *Transport) sweepPendingHandshakes(now time.Time) {
	if now.Sub(t.lastHandshakeSweep) < t.cfg.PendingHandshakeTimeout {
		return
	}
	t.lastHandshakeSweep = now
	for nonce, ph := range t.pendingHandshakes {
		if now.Before(ph.deadline) {
			continue
		}
		log.Info().Uint32("qpn", ph.qp.LocalQPNum()).Stringer("peer", ph.peer).
			Msg("reaping half-open queue pair")
		delete(t.queuePairMap, ph.qp.LocalQPNum())
		delete(t.pendingHandshakes, nonce)
		if err := ph.qp.Destroy(); err != nil {
			log.Warn().Err(err).Msg("destroy half-open queue pair")
		}
	}
}

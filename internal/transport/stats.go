package transport

import (
	"sync/atomic"

	"github.com/prometheus/client_golang/prometheus"
)

// Stats holds the transport counters. Counters are atomics so the Prometheus
// collector can read them off the dispatcher goroutine.
type Stats struct {
	RequestsSent      atomic.Uint64
	ResponsesReceived atomic.Uint64
	RequestsReceived  atomic.Uint64
	RepliesSent       atomic.Uint64
	SendFailures      atomic.Uint64
	ReceiveFailures   atomic.Uint64
	HandshakeRetries  atomic.Uint64
	NonceMismatches   atomic.Uint64
	DeferredSends     atomic.Uint64
	ZeroCopySends     atomic.Uint64
	TxBufferWaits     atomic.Uint64

	// Gauges mirrored from dispatcher-only state.
	freeTxBuffers        atomic.Uint32
	usedClientSrqBuffers atomic.Uint32
}

// FreeTxBuffers returns the current size of the transmit free list.
func (s *Stats) FreeTxBuffers() uint32 { return s.freeTxBuffers.Load() }

// UsedClientSrqBuffers returns the client receive credit currently consumed.
func (s *Stats) UsedClientSrqBuffers() uint32 { return s.usedClientSrqBuffers.Load() }

// StatsCollector exposes a Transport's counters as Prometheus metrics.
type StatsCollector struct {
	stats *Stats

	requestsSent      *prometheus.Desc
	responsesReceived *prometheus.Desc
	requestsReceived  *prometheus.Desc
	repliesSent       *prometheus.Desc
	sendFailures      *prometheus.Desc
	receiveFailures   *prometheus.Desc
	handshakeRetries  *prometheus.Desc
	nonceMismatches   *prometheus.Desc
	deferredSends     *prometheus.Desc
	zeroCopySends     *prometheus.Desc
	txBufferWaits     *prometheus.Desc
	freeTxBuffers     *prometheus.Desc
	usedSrqBuffers    *prometheus.Desc
}

var _ prometheus.Collector = (*StatsCollector)(nil)

// NewStatsCollector builds a collector over t's counters.
func NewStatsCollector(t *Transport) *StatsCollector {
	desc := func(name, help string) *prometheus.Desc {
		return prometheus.NewDesc("infrc_transport_"+name, help, nil, nil)
	}
	return &StatsCollector{
		stats:             t.Stats(),
		requestsSent:      desc("requests_sent_total", "Client requests posted to the wire"),
		responsesReceived: desc("responses_received_total", "Responses matched to outstanding client RPCs"),
		requestsReceived:  desc("requests_received_total", "Inbound server requests accepted"),
		repliesSent:       desc("replies_sent_total", "Server replies posted to the wire"),
		sendFailures:      desc("send_failures_total", "Transmit completions with error status"),
		receiveFailures:   desc("receive_failures_total", "Receive completions with error status"),
		handshakeRetries:  desc("handshake_retries_total", "Queue pair handshake attempts that timed out"),
		nonceMismatches:   desc("nonce_mismatches_total", "Responses dropped because no outstanding RPC matched"),
		deferredSends:     desc("deferred_sends_total", "Client requests queued for lack of receive credit"),
		zeroCopySends:     desc("zero_copy_sends_total", "Requests sent through the two-segment fast path"),
		txBufferWaits:     desc("tx_buffer_waits_total", "Times the transmit free list was empty on acquisition"),
		freeTxBuffers:     desc("free_tx_buffers", "Transmit buffers currently on the free list"),
		usedSrqBuffers:    desc("used_client_srq_buffers", "Client receive credits currently consumed"),
	}
}

// Describe implements prometheus.Collector.
func (c *StatsCollector) Describe(ch chan<- *prometheus.Desc) {
	prometheus.DescribeByCollect(c, ch)
}

// Collect implements prometheus.Collector.
func (c *StatsCollector) Collect(ch chan<- prometheus.Metric) {
	counter := func(d *prometheus.Desc, v uint64) {
		ch <- prometheus.MustNewConstMetric(d, prometheus.CounterValue, float64(v))
	}
	counter(c.requestsSent, c.stats.RequestsSent.Load())
	counter(c.responsesReceived, c.stats.ResponsesReceived.Load())
	counter(c.requestsReceived, c.stats.RequestsReceived.Load())
	counter(c.repliesSent, c.stats.RepliesSent.Load())
	counter(c.sendFailures, c.stats.SendFailures.Load())
	counter(c.receiveFailures, c.stats.ReceiveFailures.Load())
	counter(c.handshakeRetries, c.stats.HandshakeRetries.Load())
	counter(c.nonceMismatches, c.stats.NonceMismatches.Load())
	counter(c.deferredSends, c.stats.DeferredSends.Load())
	counter(c.zeroCopySends, c.stats.ZeroCopySends.Load())
	counter(c.txBufferWaits, c.stats.TxBufferWaits.Load())
	ch <- prometheus.MustNewConstMetric(c.freeTxBuffers, prometheus.GaugeValue, float64(c.stats.FreeTxBuffers()))
	ch <- prometheus.MustNewConstMetric(c.usedSrqBuffers, prometheus.GaugeValue, float64(c.stats.UsedClientSrqBuffers()))
}

// Package telemetry exports transport metrics over OTLP. The collector
// address selects the exporter protocol by scheme: grpc, grpcs, http, or
// https; a bare host:port defaults to grpc.
package telemetry

import (
	"context"
	"fmt"
	"net/url"
	"strings"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/exporters/otlp/otlpmetric/otlpmetricgrpc"
	"go.opentelemetry.io/otel/exporters/otlp/otlpmetric/otlpmetrichttp"
	"go.opentelemetry.io/otel/metric"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/resource"
	semconv "go.opentelemetry.io/otel/semconv/v1.26.0"

	"github.com/yuuki/infrc/internal/transport"
)

// Metrics contains the metric instruments for one transport node. The
// latency histogram is recorded by callers around each RPC; the counters are
// observables read from the transport's own Stats at export time.
type Metrics struct {
	provider *sdkmetric.MeterProvider
	meter    metric.Meter

	rpcLatency       metric.Float64Histogram
	handshakeRetries metric.Int64ObservableCounter
	requestsSent     metric.Int64ObservableCounter
	repliesSent      metric.Int64ObservableCounter
	sendFailures     metric.Int64ObservableCounter
}

// NewMetrics creates a metrics instance exporting to collectorAddr.
func NewMetrics(ctx context.Context, nodeID, collectorAddr string) (*Metrics, error) {
	// url.Parse would read the host of a bare host:port as a scheme.
	target := collectorAddr
	if !strings.Contains(target, "://") {
		target = "grpc://" + target
	}
	parsedURL, err := url.Parse(target)
	if err != nil {
		return nil, fmt.Errorf("failed to parse otel-collector-addr '%s': %w", collectorAddr, err)
	}

	exporterEndpoint := parsedURL.Host
	if parsedURL.Host == "" {
		switch {
		case parsedURL.Opaque != "" && !strings.Contains(parsedURL.Opaque, "/"):
			exporterEndpoint = parsedURL.Opaque
		case collectorAddr != "" && !strings.Contains(collectorAddr, "/") && strings.Contains(collectorAddr, ":"):
			exporterEndpoint = collectorAddr
		default:
			return nil, fmt.Errorf("otel-collector-addr '%s' is missing a host", collectorAddr)
		}
	}
	if parsedURL.Scheme == "" {
		parsedURL.Scheme = "grpc"
	}

	res, err := resource.Merge(
		resource.Default(),
		resource.NewWithAttributes(
			semconv.SchemaURL,
			semconv.ServiceName("infrc"),
			semconv.ServiceInstanceID(nodeID),
		),
	)
	if err != nil {
		return nil, err
	}

	var exporter sdkmetric.Exporter
	switch strings.ToLower(parsedURL.Scheme) {
	case "grpc":
		exporter, err = otlpmetricgrpc.New(ctx,
			otlpmetricgrpc.WithEndpoint(exporterEndpoint),
			otlpmetricgrpc.WithInsecure(),
		)
	case "grpcs":
		exporter, err = otlpmetricgrpc.New(ctx,
			otlpmetricgrpc.WithEndpoint(exporterEndpoint),
		)
	case "http", "https":
		options := []otlpmetrichttp.Option{
			otlpmetrichttp.WithEndpoint(exporterEndpoint),
		}
		if parsedURL.Scheme == "http" {
			options = append(options, otlpmetrichttp.WithInsecure())
		}
		exporter, err = otlpmetrichttp.New(ctx, options...)
	default:
		return nil, fmt.Errorf("unsupported OTLP exporter protocol scheme '%s' in %s", parsedURL.Scheme, collectorAddr)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to create OTLP exporter: %w", err)
	}

	provider := sdkmetric.NewMeterProvider(
		sdkmetric.WithResource(res),
		sdkmetric.WithReader(sdkmetric.NewPeriodicReader(exporter,
			sdkmetric.WithInterval(10*time.Second))),
	)
	otel.SetMeterProvider(provider)

	m := &Metrics{provider: provider, meter: provider.Meter("infrc")}

	if m.rpcLatency, err = m.meter.Float64Histogram(
		"infrc.rpc.latency",
		metric.WithDescription("Round-trip latency of client RPCs"),
		metric.WithUnit("ms"),
	); err != nil {
		return nil, err
	}
	if m.handshakeRetries, err = m.meter.Int64ObservableCounter(
		"infrc.handshake.retries",
		metric.WithDescription("Queue pair handshake attempts that timed out"),
	); err != nil {
		return nil, err
	}
	if m.requestsSent, err = m.meter.Int64ObservableCounter(
		"infrc.requests.sent",
		metric.WithDescription("Client requests posted to the wire"),
	); err != nil {
		return nil, err
	}
	if m.repliesSent, err = m.meter.Int64ObservableCounter(
		"infrc.replies.sent",
		metric.WithDescription("Server replies posted to the wire"),
	); err != nil {
		return nil, err
	}
	if m.sendFailures, err = m.meter.Int64ObservableCounter(
		"infrc.send.failures",
		metric.WithDescription("Transmit completions with error status"),
	); err != nil {
		return nil, err
	}

	return m, nil
}

// ObserveStats registers a callback reading the counters out of s at every
// export interval. Call once per transport after NewMetrics.
func (m *Metrics) ObserveStats(s *transport.Stats) error {
	_, err := m.meter.RegisterCallback(
		func(_ context.Context, o metric.Observer) error {
			o.ObserveInt64(m.handshakeRetries, int64(s.HandshakeRetries.Load()))
			o.ObserveInt64(m.requestsSent, int64(s.RequestsSent.Load()))
			o.ObserveInt64(m.repliesSent, int64(s.RepliesSent.Load()))
			o.ObserveInt64(m.sendFailures, int64(s.SendFailures.Load()))
			return nil
		},
		m.handshakeRetries, m.requestsSent, m.repliesSent, m.sendFailures,
	)
	return err
}

// RecordRPCLatency records one client RPC round trip.
func (m *Metrics) RecordRPCLatency(ctx context.Context, d time.Duration) {
	m.rpcLatency.Record(ctx, float64(d)/float64(time.Millisecond))
}

// Shutdown flushes and stops the meter provider.
func (m *Metrics) Shutdown(ctx context.Context) error {
	return m.provider.Shutdown(ctx)
}

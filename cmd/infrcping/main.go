package main

import (
	"context"
	"encoding/binary"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/montanaflynn/stats"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/spf13/pflag"
	"go.uber.org/ratelimit"

	"github.com/yuuki/infrc/internal/config"
	"github.com/yuuki/infrc/internal/dispatch"
	"github.com/yuuki/infrc/internal/rdma"
	"github.com/yuuki/infrc/internal/service"
	"github.com/yuuki/infrc/internal/telemetry"
	"github.com/yuuki/infrc/internal/transport"
	"github.com/yuuki/infrc/internal/wire"
)

func main() {
	flagSet := pflag.NewFlagSet("infrcping", pflag.ExitOnError)
	configPath := flagSet.String("config", "", "Path to configuration file")
	target := flagSet.String("target", "", "Target service locator (overrides config)")
	rate := flagSet.Int("rate", 0, "Pings per second (overrides config)")
	count := flagSet.Int("count", 0, "Number of pings to issue (overrides config)")

	if err := flagSet.Parse(os.Args[1:]); err != nil {
		fmt.Fprintf(os.Stderr, "Error parsing flags: %v\n", err)
		os.Exit(1)
	}

	cfg, err := config.LoadClientConfig(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error loading configuration: %v\n", err)
		os.Exit(1)
	}
	if *target != "" {
		cfg.Target = *target
	}
	if *rate > 0 {
		cfg.RatePerSec = *rate
	}
	if *count > 0 {
		cfg.Count = *count
	}

	parsed, err := zerolog.ParseLevel(cfg.LogLevel)
	if err != nil {
		parsed = zerolog.InfoLevel
	}
	zerolog.SetGlobalLevel(parsed)

	if err := run(cfg); err != nil {
		log.Fatal().Err(err).Msg("infrcping failed")
	}
}

func run(cfg *config.ClientConfig) error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	dev, err := rdma.Open(cfg.Device)
	if err != nil {
		return err
	}

	t, err := transport.New(dev, nil, transport.Config{
		MaxSharedRxQueueDepth: cfg.Transport.MaxSharedRxQueueDepth,
		MaxTxQueueDepth:       cfg.Transport.MaxTxQueueDepth,
		MaxRPCSize:            cfg.Transport.MaxRPCSize,
		QPExchangeTimeout:     cfg.Transport.QPExchangeTimeout(),
		QPExchangeMaxTimeouts: cfg.Transport.QPExchangeMaxTimeouts,
	})
	if err != nil {
		return err
	}
	defer t.Close()

	d := dispatch.New(0)
	d.RegisterPoller(t)
	dispatchCtx, cancelDispatch := context.WithCancel(context.Background())
	defer cancelDispatch()
	go d.Run(dispatchCtx)

	var metrics *telemetry.Metrics
	if cfg.OtelCollectorAddr != "" {
		hostname, _ := os.Hostname()
		metrics, err = telemetry.NewMetrics(ctx, hostname, cfg.OtelCollectorAddr)
		if err != nil {
			return fmt.Errorf("set up telemetry: %w", err)
		}
		if err := metrics.ObserveStats(t.Stats()); err != nil {
			return fmt.Errorf("register telemetry observers: %w", err)
		}
		defer metrics.Shutdown(context.Background())
	}

	sess, err := t.OpenSession(cfg.Target)
	if err != nil {
		return err
	}
	defer sess.Close()
	log.Info().Str("target", cfg.Target).Int("rate", cfg.RatePerSec).
		Int("count", cfg.Count).Msg("pinging")

	rl := ratelimit.New(cfg.RatePerSec)
	latencies := make([]float64, 0, cfg.Count)
	failures := 0
	// Payloads longer than ping's 8 bytes go through the echo operation.
	useEcho := cfg.PayloadLen > 8

	for i := 0; i < cfg.Count; i++ {
		select {
		case <-ctx.Done():
			return printSummary(latencies, failures)
		default:
		}
		rl.Take()

		var request *transport.Buffer
		if useEcho {
			body := make([]byte, cfg.PayloadLen)
			binary.LittleEndian.PutUint64(body, uint64(i))
			request = service.NewEchoRequest(body)
		} else {
			request = service.NewPingRequest(uint64(i))
		}
		response := &transport.Buffer{}
		start := time.Now()
		if err := sess.Call(ctx, request, response); err != nil {
			failures++
			log.Warn().Err(err).Int("seq", i).Msg("ping failed")
			continue
		}
		elapsed := time.Since(start)
		if metrics != nil {
			metrics.RecordRPCLatency(ctx, elapsed)
		}
		echoed, status, err := service.ParsePingResponse(response)
		response.Reset()
		if err != nil || status != wire.StatusOK || echoed != uint64(i) {
			failures++
			log.Warn().Err(err).Stringer("status", status).Int("seq", i).
				Msg("bad ping response")
			continue
		}
		latencies = append(latencies, float64(elapsed)/float64(time.Microsecond))
	}

	return printSummary(latencies, failures)
}

func printSummary(latencies []float64, failures int) error {
	fmt.Printf("%d pings completed, %d failed\n", len(latencies), failures)
	if len(latencies) == 0 {
		return nil
	}
	median, _ := stats.Median(latencies)
	p99, _ := stats.Percentile(latencies, 99)
	min, _ := stats.Min(latencies)
	max, _ := stats.Max(latencies)
	fmt.Printf("latency (us): min %.1f  p50 %.1f  p99 %.1f  max %.1f\n", min, median, p99, max)
	return nil
}

package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/spf13/pflag"

	"github.com/yuuki/infrc/internal/config"
	"github.com/yuuki/infrc/internal/dispatch"
	"github.com/yuuki/infrc/internal/rdma"
	"github.com/yuuki/infrc/internal/service"
	"github.com/yuuki/infrc/internal/telemetry"
	"github.com/yuuki/infrc/internal/transport"
)

func main() {
	flagSet := pflag.NewFlagSet("infrcd", pflag.ExitOnError)
	configPath := flagSet.String("config", "", "Path to configuration file")
	createConfig := flagSet.Bool("create-config", false, "Write a default configuration file and exit")
	configOutput := flagSet.String("config-output", "infrcd.yaml", "Where --create-config writes the file")
	version := flagSet.Bool("version", false, "Print version and exit")

	if err := flagSet.Parse(os.Args[1:]); err != nil {
		fmt.Fprintf(os.Stderr, "Error parsing flags: %v\n", err)
		os.Exit(1)
	}

	if *version {
		fmt.Println("infrcd v0.1.0")
		os.Exit(0)
	}

	if *createConfig {
		if err := config.WriteDefaultServerConfig(*configOutput); err != nil {
			fmt.Fprintf(os.Stderr, "Error creating default config: %v\n", err)
			os.Exit(1)
		}
		fmt.Printf("Created default configuration at %s\n", *configOutput)
		os.Exit(0)
	}

	cfg, err := config.LoadServerConfig(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error loading configuration: %v\n", err)
		os.Exit(1)
	}
	setLogLevel(cfg.LogLevel)

	if err := run(cfg); err != nil {
		log.Fatal().Err(err).Msg("infrcd failed")
	}
}

func setLogLevel(level string) {
	parsed, err := zerolog.ParseLevel(level)
	if err != nil {
		parsed = zerolog.InfoLevel
	}
	zerolog.SetGlobalLevel(parsed)
}

func run(cfg *config.ServerConfig) error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	sl, err := transport.ParseServiceLocator(cfg.Locator)
	if err != nil {
		return err
	}

	device := cfg.Device
	if sl.Dev != "" {
		device = sl.Dev
	}
	dev, err := rdma.Open(device)
	if err != nil {
		return err
	}

	t, err := transport.New(dev, sl, transport.Config{
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

	wm := dispatch.NewWorkerManager(service.PingService{}, cfg.MaxWorkers)
	t.SetHandler(wm)

	d := dispatch.New(cfg.PollMicros)
	d.RegisterPoller(t)
	d.RegisterPoller(wm)

	if cfg.MetricsListenAddr != "" {
		reg := prometheus.NewRegistry()
		reg.MustRegister(transport.NewStatsCollector(t))
		mux := http.NewServeMux()
		mux.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))
		srv := &http.Server{Addr: cfg.MetricsListenAddr, Handler: mux}
		go func() {
			if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
				log.Error().Err(err).Msg("metrics listener failed")
			}
		}()
		defer srv.Close()
		log.Info().Str("addr", cfg.MetricsListenAddr).Msg("serving prometheus metrics")
	}

	if cfg.OtelCollectorAddr != "" {
		hostname, _ := os.Hostname()
		metrics, err := telemetry.NewMetrics(ctx, hostname, cfg.OtelCollectorAddr)
		if err != nil {
			return fmt.Errorf("set up telemetry: %w", err)
		}
		if err := metrics.ObserveStats(t.Stats()); err != nil {
			return fmt.Errorf("register telemetry observers: %w", err)
		}
		defer metrics.Shutdown(context.Background())
	}

	log.Info().Str("locator", cfg.Locator).Msg("infrcd serving")
	d.Run(ctx)
	log.Info().Msg("infrcd shutting down")
	return nil
}

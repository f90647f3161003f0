package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"codeberg.org/mutker/actlog/internal/activity"
	"codeberg.org/mutker/actlog/internal/config"
	"codeberg.org/mutker/actlog/internal/errors"
	"codeberg.org/mutker/actlog/internal/export"
	"codeberg.org/mutker/actlog/internal/features"
	"codeberg.org/mutker/actlog/internal/gpu"
	"codeberg.org/mutker/actlog/internal/logger"
	"codeberg.org/mutker/actlog/internal/metrics"
	"codeberg.org/mutker/actlog/internal/pid"
	"codeberg.org/mutker/actlog/internal/record"
	"codeberg.org/mutker/actlog/internal/sampler"
	"codeberg.org/mutker/actlog/internal/system"
	"codeberg.org/mutker/actlog/internal/window"
)

func main() {
	cfg, err := config.Load(os.Args[1:])
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to load config: %v\n", err)
		os.Exit(1)
	}

	logger.Init(cfg.Debug, cfg.Verbose, logger.IsService())
	cfg.ApplyLogLevel()
	logger.Debug().Msg("Config loaded")

	if err := pid.Write(cfg.PIDFile); err != nil {
		if errors.HasCode(err, errors.ErrAlreadyRunning) {
			logger.Fatal().Err(err).Str("pid_file", cfg.PIDFile).Msg("Another instance is running")
		}
		logger.Fatal().Err(err).Msg("Failed to write PID file")
	}

	code := run(cfg)

	if err := pid.Remove(cfg.PIDFile); err != nil {
		logger.Error().Err(err).Msg("Failed to remove PID file")
	}
	os.Exit(code)
}

func run(cfg *config.Config) int {
	errFactory := errors.New()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go handleSignals(cancel)

	log := logger.Default()
	log.Info().Str("host", system.Describe(ctx)).Str("output", cfg.Output.Path).Msg("Starting actlog")

	writer, err := record.NewWriter(record.WriterConfig{
		Path:       cfg.Output.Path,
		GPUEnabled: cfg.GPU.Source != config.GPUSourceNone,
		WaitTicks:  cfg.Schema.WaitTicks,
		MaxPending: cfg.Output.MaxPending,
		Fsync:      cfg.Output.Fsync,
	}, log)
	if err != nil {
		logger.ErrorWithCode(errFactory.Wrap(errors.ErrInitApp, err)).Msg("Failed to open output")
		return 1
	}

	sinks, err := buildSinks(cfg, log)
	if err != nil {
		logger.ErrorWithCode(errFactory.Wrap(errors.ErrInitApp, err)).Msg("Failed to start mirrors")
		_ = writer.Close()
		return 1
	}

	state := activity.NewState(config.Seconds(cfg.RateWindow))
	store := gpu.NewStore()

	var readers sync.WaitGroup
	startReaders(ctx, cfg, state, store, log, &readers)

	s := sampler.New(sampler.Deps{
		Activity: state,
		GPU:      store,
		Window:   window.NewProbe(cfg.Window.Command, cfg.Window.Format, config.Seconds(cfg.Window.Timeout), nil, log),
		Counters: system.NewSnapshotter(ctx, system.NewHost(), time.Now(), log),
		Writer:   writer,
		Sinks:    sinks,
	}, sampler.Config{
		Interval: config.Seconds(cfg.Interval),
		Features: features.Config{
			ActivityThreshold:  config.Seconds(cfg.ActivityThreshold),
			BurstIdleThreshold: config.Seconds(cfg.BurstIdleThreshold),
			Alpha:              cfg.EMAAlpha,
		},
		GPUColumns: cfg.GPU.ExpectedColumns,
	}, log)

	if err := s.Run(ctx); err != nil {
		logger.ErrorWithCode(errFactory.Wrap(errors.ErrMainLoop, err)).Msg("Error in main loop")
	}

	// readers exit once ctx kills their children
	cancel()
	readers.Wait()

	if err := writer.Close(); err != nil {
		logger.Error().Err(err).Int("pending", writer.Pending()).Msg("Rows lost on shutdown")
	}
	for _, sink := range sinks {
		if err := sink.Close(); err != nil {
			logger.Error().Err(err).Msg("Failed to close mirror")
		}
	}

	logger.Info().Uint64("ticks", s.Ticks()).Msg("Exiting...")

	return 0
}

func startReaders(ctx context.Context, cfg *config.Config, state *activity.State, store *gpu.Store, log logger.Logger, wg *sync.WaitGroup) {
	input := activity.NewReader(state, cfg.Input.Command, nil, log)
	wg.Add(1)
	go func() {
		defer wg.Done()
		input.Run(ctx)
	}()

	switch cfg.GPU.Source {
	case config.GPUSourceIntel:
		reader := gpu.NewReader(store, cfg.GPU.Command, cfg.GPU.HeaderMarker, log)
		wg.Add(1)
		go func() {
			defer wg.Done()
			reader.Run(ctx)
		}()
	case config.GPUSourceNVML:
		nvml := gpu.NewNVMLSampler(store, config.Seconds(cfg.GPU.NVMLInterval), log)
		wg.Add(1)
		go func() {
			defer wg.Done()
			nvml.Run(ctx)
		}()
	default:
		log.Info().Msg("GPU source disabled")
	}
}

func buildSinks(cfg *config.Config, log logger.Logger) ([]sampler.Sink, error) {
	var sinks []sampler.Sink

	if cfg.SQLite.Enabled {
		collector, err := metrics.NewService(metrics.Config{
			DBPath:       cfg.SQLite.Path,
			Enabled:      true,
			BatchSize:    cfg.SQLite.BatchSize,
			BatchTimeout: cfg.SQLite.BatchTimeout,
			MaxBuffered:  cfg.SQLite.MaxBuffered,
		}, log)
		if err != nil {
			return nil, err
		}
		sinks = append(sinks, collector)
	}

	if cfg.Elastic.Enabled {
		indexer, err := export.New(export.Config{
			Addresses: cfg.Elastic.Addresses,
			Index:     cfg.Elastic.Index,
			Username:  cfg.Elastic.Username,
			Password:  cfg.Elastic.Password,
			Queue:     cfg.Elastic.Queue,
			Timeout:   config.Seconds(cfg.Elastic.Timeout),
		}, log)
		if err != nil {
			for _, sink := range sinks {
				_ = sink.Close()
			}
			return nil, err
		}
		sinks = append(sinks, indexer)
	}

	return sinks, nil
}

func handleSignals(cancel context.CancelFunc) {
	sigs := make(chan os.Signal, 1)
	signal.Notify(sigs, syscall.SIGINT, syscall.SIGTERM)
	<-sigs
	logger.Info().Msg("Received termination signal.")
	cancel()
}

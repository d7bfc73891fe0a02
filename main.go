package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"go.uber.org/zap"

	"github.com/privmon/privmon/capture"
	"github.com/privmon/privmon/config"
	"github.com/privmon/privmon/database"
	"github.com/privmon/privmon/detection"
	"github.com/privmon/privmon/forwarder"
	"github.com/privmon/privmon/sigma"
	"github.com/privmon/privmon/web"
)

func main() {
	configPath := flag.String("config", "config.yaml", "path to configuration file")
	debug := flag.Bool("debug", false, "enable debug logging")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load config: %v\n", err)
		os.Exit(1)
	}
	if *debug {
		cfg.Set("app.debug", true)
	}

	logger, err := newLogger(cfg.GetBool("app.debug"))
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to create logger: %v\n", err)
		os.Exit(1)
	}
	defer logger.Sync()

	if err := run(cfg, logger); err != nil {
		logger.Fatal("Fatal error", zap.Error(err))
	}
}

func newLogger(debug bool) (*zap.Logger, error) {
	if debug {
		return zap.NewDevelopment()
	}
	return zap.NewProduction()
}

func run(cfg *config.Config, logger *zap.Logger) error {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Attaching tracepoints needs CAP_BPF; everything after runs as
	// the invoking user.
	reader, cleanup, err := capture.InitBPF()
	if err != nil {
		return fmt.Errorf("failed to initialize BPF: %w", err)
	}
	if cleanup != nil {
		defer cleanup()
	}

	if os.Geteuid() == 0 {
		if err := dropPrivileges(); err != nil {
			logger.Warn("Failed to drop privileges", zap.Error(err))
		}
	}

	db, err := database.NewDB(cfg.GetString("database.path"))
	if err != nil {
		return fmt.Errorf("failed to open database: %w", err)
	}
	defer db.Close()

	baseline, err := detection.NewBaselineManager(cfg.GetString("baseline.dir"), logger)
	if err != nil {
		return fmt.Errorf("failed to initialize baselines: %w", err)
	}
	defer baseline.SaveAll()

	anomaly := detection.NewAnomalyDetector(
		cfg.GetFloat64("detection.anomaly_config.deviation_threshold"))
	anomaly.AddCallback(func(a detection.Anomaly) {
		logger.Warn("Anomalous syscall frequency",
			zap.Uint32("uid", a.UID),
			zap.String("syscall", a.Syscall),
			zap.Int("count", a.Count),
			zap.Float64("baseline_mean", a.Mean))
	})

	alerts := detection.NewAlertManager(db, logger,
		cfg.GetInt("alerts.rate_limit.max_alerts_per_minute"))

	engine, err := detection.NewEngine(detection.EngineOptions{
		DB:                 db,
		Logger:             logger,
		Alerts:             alerts,
		Anomaly:            anomaly,
		Baseline:           baseline,
		Workers:            cfg.GetInt("performance.worker_threads"),
		QueueSize:          cfg.GetInt("performance.queue_size"),
		AnomalyEnabled:     cfg.GetBool("detection.anomaly_enabled"),
		WhitelistProcesses: cfg.GetStringSlice("whitelist.processes"),
		WhitelistUsers:     cfg.GetStringSlice("whitelist.users"),
	})
	if err != nil {
		return err
	}
	engine.Start()
	defer engine.Stop()

	if cfg.GetBool("detection.anomaly_enabled") {
		window := time.Duration(cfg.GetInt("detection.anomaly_config.window_seconds")) * time.Second
		go func() {
			ticker := time.NewTicker(window)
			defer ticker.Stop()
			for {
				select {
				case <-ctx.Done():
					return
				case <-ticker.C:
					anomaly.Rollover()
				}
			}
		}()
	}

	if cfg.GetBool("sigma.enabled") {
		detector, err := sigma.NewDetector(cfg.GetString("sigma.rules_dir"), db, logger)
		if err != nil {
			logger.Warn("Sigma detection disabled", zap.Error(err))
		} else {
			defer detector.Close()
			detector.Start(ctx,
				time.Duration(cfg.GetInt("sigma.poll_interval_seconds"))*time.Second)
		}
	}

	if cfg.GetBool("forwarder.enabled") {
		fwd, err := forwarder.New(forwarder.Config{
			URL:          cfg.GetString("forwarder.url"),
			APIKey:       cfg.GetString("forwarder.api_key"),
			Hostname:     cfg.GetString("forwarder.machine_name"),
			StatePath:    cfg.GetString("forwarder.state_path"),
			PollInterval: time.Duration(cfg.GetInt("forwarder.poll_interval_seconds")) * time.Second,
			BatchSize:    cfg.GetInt("forwarder.batch_size"),
		}, db, logger)
		if err != nil {
			logger.Warn("Alert forwarding disabled", zap.Error(err))
		} else {
			go fwd.Run(ctx)
		}
	}

	if cfg.GetBool("web.enabled") {
		srv := web.NewServer(db, cfg.GetString("web.listen_addr"), logger)
		go func() {
			if err := srv.Start(ctx); err != nil {
				logger.Error("Web server error", zap.Error(err))
			}
		}()
	}

	// Only consume events when BPF loaded (not on non-Linux hosts).
	if reader != nil {
		go consumeEvents(reader, engine, logger)
		logger.Info("Privilege escalation monitoring started")
	} else {
		logger.Info("Running in limited mode without kernel capture")
	}

	sig := make(chan os.Signal, 1)
	signal.Notify(sig, syscall.SIGINT, syscall.SIGTERM)
	<-sig
	logger.Info("Shutting down...")
	cancel()
	return nil
}

// consumeEvents drains the kernel ring buffer into the detection
// engine until the reader is closed.
func consumeEvents(reader capture.RecordReader, engine *detection.Engine, logger *zap.Logger) {
	for {
		record, err := reader.Read()
		if err != nil {
			if err == capture.ErrReaderClosed {
				return
			}
			logger.Warn("Error reading from ring buffer", zap.Error(err))
			continue
		}

		event, err := capture.DecodeEvent(record.RawSample)
		if err != nil {
			logger.Warn("Malformed event record", zap.Error(err))
			continue
		}
		engine.Enqueue(event)
	}
}

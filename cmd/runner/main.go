package main

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	natsserver "github.com/nats-io/nats-server/v2/server"
	"github.com/nats-io/nats.go"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/t77yq/parallel-runner/internal/config"
	"github.com/t77yq/parallel-runner/internal/engine"
	"github.com/t77yq/parallel-runner/internal/event"
	"github.com/t77yq/parallel-runner/internal/handler"
	"github.com/t77yq/parallel-runner/internal/model"
	"github.com/t77yq/parallel-runner/internal/monitor"
	"github.com/t77yq/parallel-runner/internal/schedule"
	"github.com/t77yq/parallel-runner/internal/storage"
)

// SleepSuiteHandler simulates a suite by sleeping for the task's estimated
// duration. Used as the demo fallback.
type SleepSuiteHandler struct {
	logger *zap.Logger
}

func (h *SleepSuiteHandler) Execute(ctx context.Context, task *model.Task) (*model.TaskResult, error) {
	h.logger.Info("Simulating suite",
		zap.String("task_id", task.ID),
		zap.Duration("estimated", task.EstimatedDuration))

	engine.ReportProgress(ctx, 0, 1)
	select {
	case <-time.After(task.EstimatedDuration):
	case <-ctx.Done():
		return nil, ctx.Err()
	}
	engine.ReportProgress(ctx, 1, 1)

	return &model.TaskResult{
		TaskID: task.ID,
		Status: model.ResultPassed,
		Output: "simulated suite passed",
	}, nil
}

func buildLogger(level string) (*zap.Logger, error) {
	lvl, err := zapcore.ParseLevel(level)
	if err != nil {
		lvl = zapcore.InfoLevel
	}
	cfg := zap.NewDevelopmentConfig()
	cfg.Level = zap.NewAtomicLevelAt(lvl)
	return cfg.Build()
}

func connectNATS(cfg config.NATSConfig, appName string, logger *zap.Logger) (*nats.Conn, func(), error) {
	var srv *natsserver.Server
	url := cfg.URL

	if cfg.Embedded {
		var err error
		srv, err = natsserver.NewServer(&natsserver.Options{
			Host:   "127.0.0.1",
			Port:   -1,
			NoLog:  true,
			NoSigs: true,
		})
		if err != nil {
			return nil, nil, fmt.Errorf("failed to create embedded server: %w", err)
		}
		go srv.Start()
		if !srv.ReadyForConnections(10 * time.Second) {
			srv.Shutdown()
			return nil, nil, fmt.Errorf("embedded server did not become ready")
		}
		url = srv.ClientURL()
		logger.Info("Started embedded NATS server", zap.String("url", url))
	}

	opts := []nats.Option{
		nats.Name(appName),
		nats.MaxReconnects(cfg.MaxReconnects),
		nats.ReconnectWait(cfg.ReconnectWait),
		nats.Timeout(cfg.ConnectTimeout),
		nats.DisconnectErrHandler(func(nc *nats.Conn, err error) {
			logger.Warn("NATS disconnected", zap.Error(err))
		}),
		nats.ReconnectHandler(func(nc *nats.Conn) {
			logger.Info("NATS reconnected", zap.String("url", nc.ConnectedUrl()))
		}),
	}

	var nc *nats.Conn
	var err error
	for i := 0; i < 5; i++ {
		nc, err = nats.Connect(url, opts...)
		if err == nil {
			break
		}
		logger.Warn("Failed to connect to NATS, retrying...",
			zap.Int("attempt", i+1),
			zap.Error(err))
		time.Sleep(time.Second * time.Duration(i+1))
	}
	if err != nil {
		if srv != nil {
			srv.Shutdown()
		}
		return nil, nil, fmt.Errorf("failed to connect to NATS after retries: %w", err)
	}

	logger.Info("Connected to NATS", zap.String("url", nc.ConnectedUrl()))

	cleanup := func() {
		nc.Close()
		if srv != nil {
			srv.Shutdown()
		}
	}
	return nc, cleanup, nil
}

func main() {
	cfg, err := config.Load("./config")
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}

	logger, err := buildLogger(cfg.App.LogLevel)
	if err != nil {
		log.Fatalf("Failed to create logger: %v", err)
	}
	defer logger.Sync()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		sig := <-sigCh
		logger.Info("Received shutdown signal", zap.String("signal", sig.String()))
		cancel()
	}()

	// Event bus: in-process by default, mirrored to NATS when enabled.
	var bus event.Bus = event.NewLocalBus()
	if cfg.NATS.Enabled {
		nc, cleanup, err := connectNATS(cfg.NATS, cfg.App.Name, logger)
		if err != nil {
			logger.Fatal("Failed to set up NATS", zap.Error(err))
		}
		defer cleanup()
		bus = event.NewNATSBus(nc, logger)
	}
	defer bus.Close()

	bus.SubscribeAll(func(ev event.Event) {
		logger.Debug("Event", zap.String("kind", string(ev.Kind())))
	})

	// Suite handlers.
	registry := handler.NewRegistry()
	registry.Register("shell", handler.NewShellSuiteHandler(logger))
	registry.Register("probe", handler.NewHTTPProbeHandler(logger))
	registry.SetFallback(&SleepSuiteHandler{logger: logger.Named("sleep")})

	var execOpts []engine.ExecOption
	var store storage.ResultStore
	if cfg.History.Enabled {
		store, err = storage.NewSQLiteResultStore(logger, cfg.History.Path)
		if err != nil {
			logger.Fatal("Failed to create result store", zap.Error(err))
		}
		defer store.Close()
		execOpts = append(execOpts, engine.WithResultStore(store))
	}

	exec, err := engine.New(registry, cfg.EngineOptions(), bus, logger, execOpts...)
	if err != nil {
		logger.Fatal("Failed to create executor", zap.Error(err))
	}

	if cfg.Metrics.Enabled {
		collector := monitor.NewPoolMetricsCollector(bus, exec, cfg.Metrics.Interval, logger)
		collector.Start(ctx)
		defer collector.Stop()
	}

	// Recurring history cleanup plus a demo batch every minute.
	cron := schedule.NewCronRunner(exec, logger)
	if err := cron.Add(&schedule.RecurringRun{
		Name:       "demo-batch",
		Expression: "0 * * * * *",
		Source:     demoBatch,
	}); err != nil {
		logger.Fatal("Failed to add recurring run", zap.Error(err))
	}
	cron.Start()
	defer cron.Stop()

	if store != nil {
		go func() {
			ticker := time.NewTicker(24 * time.Hour)
			defer ticker.Stop()
			for {
				select {
				case <-ctx.Done():
					return
				case <-ticker.C:
					cutoff := time.Now().Add(-cfg.History.Retention)
					if err := store.DeleteBefore(ctx, cutoff); err != nil {
						logger.Error("Failed to clean up run history", zap.Error(err))
					}
				}
			}
		}()
	}

	// Run one batch immediately so the binary shows output without waiting
	// for the first cron firing.
	results, err := exec.Run(ctx, demoBatch())
	if err != nil {
		logger.Error("Batch failed", zap.Error(err))
	} else {
		for id, result := range results {
			logger.Info("Task result",
				zap.String("task_id", id),
				zap.String("status", string(result.Status)),
				zap.Duration("duration", result.Duration))
		}
	}

	<-ctx.Done()
	logger.Info("Runner shutting down gracefully")
}

// demoBatch builds a small mixed batch: shell suites with one dependency
// chain plus a simulated suite.
func demoBatch() []*model.Task {
	shellPayload := func(args ...string) json.RawMessage {
		p, _ := json.Marshal(handler.ShellSuitePayload{Command: "echo", Args: args})
		return p
	}

	return []*model.Task{
		{
			ID:                "suite-unit",
			SuiteID:           "shell",
			Priority:          model.TaskPriorityP0,
			EstimatedDuration: 2 * time.Second,
			Payload:           shellPayload("unit suite"),
		},
		{
			ID:                "suite-integration",
			SuiteID:           "shell",
			Priority:          model.TaskPriorityP1,
			EstimatedDuration: 4 * time.Second,
			Dependencies:      []string{"suite-unit"},
			Payload:           shellPayload("integration suite"),
		},
		{
			ID:                "suite-load",
			SuiteID:           "simulated",
			Priority:          model.TaskPriorityP2,
			EstimatedDuration: 500 * time.Millisecond,
			Complexity:        3,
		},
	}
}

package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/google/uuid"

	"github.com/nugget/ha-area-bridge/internal/area"
	"github.com/nugget/ha-area-bridge/internal/catalog"
	"github.com/nugget/ha-area-bridge/internal/config"
	"github.com/nugget/ha-area-bridge/internal/discovery"
	"github.com/nugget/ha-area-bridge/internal/homeassistant"
	"github.com/nugget/ha-area-bridge/internal/oplog"
	"github.com/nugget/ha-area-bridge/internal/toolcall"
)

// app holds every component a subcommand may need. Construction is
// cheap: nothing talks to Home Assistant until a command does.
type app struct {
	cfg     *config.Config
	logger  *slog.Logger
	dryRun  bool
	traceID string

	recorder *oplog.Recorder
	oplogDB  *oplog.SQLiteWriter
	mqtt     *oplog.MQTTWriter

	ha        *homeassistant.Client
	catalog   *catalog.Store
	engine    *area.Engine
	tools     *toolcall.Service
	discovery *discovery.Service
}

func newApp(ctx context.Context, cfg *config.Config, opts options, logger *slog.Logger) (*app, error) {
	a := &app{
		cfg:     cfg,
		logger:  logger,
		dryRun:  opts.dryRun,
		traceID: opts.traceID,
	}
	if a.traceID == "" {
		a.traceID = uuid.NewString()
	}

	if err := os.MkdirAll(cfg.DataDir, 0o755); err != nil {
		return nil, fmt.Errorf("create data dir: %w", err)
	}
	if dir := filepath.Dir(cfg.OpLog.DBPath); dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("create oplog dir: %w", err)
		}
	}

	var err error
	a.oplogDB, err = oplog.NewSQLiteWriter(cfg.OpLog.DBPath)
	if err != nil {
		return nil, err
	}
	writers := []oplog.Writer{a.oplogDB}
	if cfg.MQTT.Configured() {
		a.mqtt, err = oplog.NewMQTTWriter(ctx, cfg.MQTT, logger)
		if err != nil {
			// The operation log is best effort; run without the broker.
			logger.Warn("mqtt operation log disabled", "error", err)
		} else {
			writers = append(writers, a.mqtt)
		}
	}
	a.recorder = oplog.NewRecorder(cfg.OpLog.Buffer, logger, writers...)
	a.recorder.Start()

	a.catalog, err = catalog.NewStore(filepath.Join(cfg.DataDir, "catalog.db"), logger)
	if err != nil {
		a.Close()
		return nil, err
	}

	a.ha = homeassistant.NewClient(cfg.HomeAssistant, a.recorder, logger)
	if !a.ha.HasToken() {
		logger.Warn("homeassistant.token not set; remote calls will fail")
	}
	a.engine = area.NewEngine(area.HAPlatform(a.ha), a.catalog, area.OptionsFromConfig(cfg), a.recorder, logger)
	executor := toolcall.NewExecutor(a.ha, cfg.ClimateRetry.Delay, a.recorder, logger)
	a.tools = toolcall.NewService(a.catalog, a.engine, executor, a.recorder, logger)
	a.discovery = discovery.New(a.ha, a.engine, a.catalog, logger)

	return a, nil
}

// traced returns ctx carrying the run's trace id.
func (a *app) traced(ctx context.Context) context.Context {
	return oplog.WithTraceID(ctx, a.traceID)
}

// Close flushes the operation log and closes the databases.
func (a *app) Close() {
	a.recorder.Close()
	if dropped := a.recorder.Dropped(); dropped > 0 {
		a.logger.Warn("operation log events dropped", "count", dropped)
	}
	if a.mqtt != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := a.mqtt.Close(ctx); err != nil {
			a.logger.Error("mqtt shutdown failed", "error", err)
		}
	}
	if a.catalog != nil {
		if err := a.catalog.Close(); err != nil {
			a.logger.Error("close catalog", "error", err)
		}
	}
	if err := a.oplogDB.Close(); err != nil {
		a.logger.Error("close operation log", "error", err)
	}
}

package main

import (
	"context"
	"flag"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/maxpert/wsrepd/admin"
	"github.com/maxpert/wsrepd/cfg"
	"github.com/maxpert/wsrepd/checkpoint"
	"github.com/maxpert/wsrepd/commit"
	"github.com/maxpert/wsrepd/execctx"
	"github.com/maxpert/wsrepd/id"
	"github.com/maxpert/wsrepd/notify"
	"github.com/maxpert/wsrepd/provider"
	"github.com/maxpert/wsrepd/rollback"
	"github.com/maxpert/wsrepd/service"
	"github.com/maxpert/wsrepd/sst"
	"github.com/maxpert/wsrepd/status"
	"github.com/maxpert/wsrepd/store"
	"github.com/maxpert/wsrepd/telemetry"
	"github.com/maxpert/wsrepd/wsrep"
)

func main() {
	flag.Parse()

	err := cfg.Load(*cfg.ConfigPathFlag)
	if err != nil {
		panic(err)
	}

	if err := cfg.Validate(); err != nil {
		panic(fmt.Sprintf("Invalid configuration: %v", err))
	}

	var writer io.Writer = zerolog.NewConsoleWriter()
	if cfg.Config.Logging.Format == "json" {
		writer = os.Stdout
	}
	gLog := zerolog.New(writer).
		With().
		Timestamp().
		Uint64("node_id", cfg.Config.NodeID).
		Logger()

	if cfg.Config.Logging.Verbose {
		log.Logger = gLog.Level(zerolog.DebugLevel)
	} else {
		log.Logger = gLog.Level(zerolog.InfoLevel)
	}

	log.Info().Msg("wsrepd - replication server service")
	if err := run(); err != nil {
		log.Fatal().Err(err).Msg("wsrepd stopped")
	}
}

// run wires the node and blocks until a shutdown signal. Deferred cleanup
// runs on every return path.
func run() error {
	log.Debug().Msg("Initializing telemetry")
	telemetry.InitializeTelemetry()
	telemetry.InitMetrics()

	nodeID, err := wsrep.ParseID(cfg.Config.NodeUUID)
	if err != nil {
		return fmt.Errorf("invalid node uuid: %w", err)
	}

	log.Info().Str("engine", string(cfg.Config.Storage.Engine)).Msg("Opening storage engine")
	engine, err := store.Open(cfg.Config.DataDir, cfg.Config.Storage)
	if err != nil {
		return fmt.Errorf("failed to open storage engine: %w", err)
	}
	defer engine.Close()

	// The provider is created unattached: the checkpoint manager waits on
	// it and the service it calls back into needs the checkpoint manager.
	loopback := provider.NewLoopback(nodeID, cfg.Config.NodeName, nil)

	waitTimeout := time.Duration(cfg.Config.Checkpoint.WaitTimeoutMS) * time.Millisecond
	ckpt, err := checkpoint.NewManager(engine, loopback, waitTimeout)
	if err != nil {
		return fmt.Errorf("failed to load checkpoint: %w", err)
	}

	registry := execctx.NewRegistry()
	factory := execctx.NewFactory(engine, registry, id.NewSequenceGenerator(), cfg.Config.Execution.MaxUnits)

	globals := status.NewGlobals(
		cfg.Config.Replication.AutoIncrementControl,
		cfg.StrictLevel(cfg.Config.Replication.StrictMode),
	)
	hub := notify.NewHub()

	transfer := &sst.ExecTransfer{
		ScriptDir: cfg.Config.SST.ScriptDir,
		DataDir:   cfg.Config.DataDir,
		Timeout:   time.Duration(cfg.Config.SST.DonorTimeoutS) * time.Second,
	}

	rollbacker := rollback.New(rollback.StorageRollback, 0)
	rollbacker.Start()
	defer rollbacker.Stop()

	appliers := service.NewAppliers(factory, engine)
	defer appliers.Close()

	commits := commit.NewTracker()
	svc := service.New(service.Options{
		NodeID:     nodeID,
		Engine:     engine,
		Factory:    factory,
		Checkpoint: ckpt,
		Views:      service.NewViewCoordinator(nodeID, globals, ckpt, loopback, hub, cfg.Config.Logging.Verbose),
		Lifecycle:  service.NewLifecycle(globals, hub),
		SST:        sst.NewNegotiator(cfg.Config.SST, cfg.Config.DataDir, transfer),
		Commits:    commits,
		Rollbacker: rollbacker,
		Streaming:  appliers,
		Globals:    globals,
	})
	loopback.Attach(svc)

	collector := telemetry.NewMetricsCollector(factory, 10*time.Second)
	collector.Start()
	defer collector.Stop()

	events, unsubscribe := hub.Subscribe(notify.Filter{Kinds: []notify.Kind{notify.KindState}})
	defer unsubscribe()
	go func() {
		for ev := range events {
			log.Debug().Str("from", ev.From.String()).Str("to", ev.To.String()).Msg("Node state event")
		}
	}()

	recoveryClient := execctx.NewClient(context.Background(), execctx.NewThread("recovery", registry.Alloc("recovery")), nil)
	if n, err := svc.RecoverStreamingTransactions(recoveryClient); err != nil {
		log.Warn().Err(err).Int("recovered", n).Msg("Streaming transaction recovery incomplete")
	}

	if cfg.Config.Replication.ProviderEnabled {
		log.Info().Str("position", ckpt.Position().String()).Msg("Bootstrapping provider")
		if err := loopback.Bootstrap(ckpt.Position()); err != nil {
			return fmt.Errorf("failed to bootstrap provider: %w", err)
		}
	} else {
		log.Warn().Msg("Provider disabled, node stays disconnected")
	}

	var adminServer *admin.Server
	if cfg.Config.Admin.Enabled {
		addr := fmt.Sprintf("%s:%d", cfg.Config.Admin.BindAddress, cfg.Config.Admin.Port)
		adminServer = admin.NewServer(addr, admin.NewAdminHandlers(svc, nodeID, registry))
		if err := adminServer.Start(); err != nil {
			loopback.Disconnect()
			return fmt.Errorf("failed to start admin server: %w", err)
		}
	}

	log.Info().
		Str("node_uuid", nodeID.String()).
		Str("data_dir", cfg.Config.DataDir).
		Str("position", ckpt.Position().String()).
		Msg("Node is operational")

	sig := make(chan os.Signal, 1)
	signal.Notify(sig, syscall.SIGINT, syscall.SIGTERM)
	s := <-sig
	log.Info().Str("signal", s.String()).Msg("Shutting down")

	if adminServer != nil {
		adminServer.Stop(5 * time.Second)
	}
	svc.WaitCommittingTransactions(10 * time.Second)
	loopback.Disconnect()
	return nil
}

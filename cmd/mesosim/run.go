package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"time"

	"github.com/spf13/cobra"

	"github.com/signalsfoundry/mesosim/core"
	"github.com/signalsfoundry/mesosim/internal/checkpoint"
	"github.com/signalsfoundry/mesosim/internal/coord"
	"github.com/signalsfoundry/mesosim/internal/logging"
	"github.com/signalsfoundry/mesosim/internal/observability"
	"github.com/signalsfoundry/mesosim/statedef"
	"github.com/signalsfoundry/mesosim/timectrl"
)

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Run a worker process from a fresh initial state",
	RunE: func(cmd *cobra.Command, args []string) error {
		path, _ := cmd.Flags().GetString("config")
		cfg, err := LoadWorkerConfig(path)
		if err != nil {
			return err
		}
		return runWorker(cfg, false)
	},
}

var resumeCmd = &cobra.Command{
	Use:   "resume",
	Short: "Resume a worker process from its checkpoint",
	RunE: func(cmd *cobra.Command, args []string) error {
		path, _ := cmd.Flags().GetString("config")
		cfg, err := LoadWorkerConfig(path)
		if err != nil {
			return err
		}
		if cfg.Checkpoint == "" {
			return fmt.Errorf("resume requires a checkpoint path in the config")
		}
		return runWorker(cfg, true)
	},
}

func init() {
	rootCmd.AddCommand(runCmd)
	rootCmd.AddCommand(resumeCmd)
}

func runWorker(cfg *WorkerConfig, resume bool) error {
	log := logging.NewFromEnv()
	ctx := context.Background()

	collector, err := observability.NewEngineCollector(nil)
	if err != nil {
		return fmt.Errorf("init metrics: %w", err)
	}
	metricsSrv := serveMetrics(cfg.MetricsListen, collector, log)

	shutdownTracing, err := observability.InitTracing(ctx, observability.TracingConfigFromEnv(), log)
	if err != nil {
		return fmt.Errorf("init tracing: %w", err)
	}
	defer observability.ShutdownWithTimeout(ctx, shutdownTracing, log)

	sd, mesh, err := buildState(cfg, log)
	if err != nil {
		return err
	}

	rs := timectrl.New(cfg.Seed)

	var exchanger *coord.Exchanger
	var boundarySrv *http.Server
	opts := []core.EngineOption{core.WithLogger(log), core.WithMetrics(collector)}
	if len(cfg.Peers) > 0 {
		exchanger, err = coord.New(coord.Config{
			Rank:   cfg.Rank,
			Peers:  cfg.Peers,
			Window: cfg.Window,
		}, coord.WithLogger(log), coord.WithMetrics(collector))
		if err != nil {
			return err
		}
		opts = append(opts, core.WithBoundaryHandler(exchanger), core.WithCoordinator(exchanger))
	}

	engine := core.NewEngine(sd, mesh, rs, opts...)
	if exchanger != nil {
		exchanger.Bind(engine)
	}

	if err := seedCounts(cfg, sd, engine, log); err != nil {
		return err
	}
	if err := engine.Setup(); err != nil {
		return fmt.Errorf("engine setup: %w", err)
	}

	if resume {
		snap, err := checkpoint.Load(cfg.Checkpoint)
		if err != nil {
			return fmt.Errorf("load checkpoint: %w", err)
		}
		if int(snap.Rank) != cfg.Rank {
			return fmt.Errorf("checkpoint belongs to rank %d, this worker is rank %d", snap.Rank, cfg.Rank)
		}
		if err := engine.RestoreSnapshot(snap); err != nil {
			return fmt.Errorf("restore checkpoint: %w", err)
		}
		if exchanger != nil {
			if err := exchanger.Restore(snap.InFlight, snap.Applied); err != nil {
				return fmt.Errorf("restore boundary queues: %w", err)
			}
		}
		log.Info(ctx, "resumed from checkpoint",
			logging.String("path", cfg.Checkpoint),
			logging.Float64("clock", snap.Clock),
			logging.Uint64("events", snap.Events),
			logging.Int("in_flight", len(snap.InFlight)))
	}

	runCtx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
	defer stop()

	if exchanger != nil {
		mux := http.NewServeMux()
		mux.Handle("/boundary", exchanger.Handler())
		boundarySrv = &http.Server{Addr: cfg.Listen, Handler: mux}
		go func() {
			if err := boundarySrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				log.Error(ctx, "boundary server exited", logging.Err(err))
			}
		}()
		exchanger.Start(runCtx)
		log.Info(ctx, "boundary endpoint up",
			logging.String("addr", cfg.Listen), logging.Int("peers", len(cfg.Peers)))
	}

	log.Info(ctx, "starting run",
		logging.Int("rank", cfg.Rank),
		logging.Float64("until", cfg.Until),
		logging.Uint64("seed", cfg.Seed))

	runErr := engine.Run(runCtx, cfg.Until, cfg.MaxEvents)
	switch {
	case runErr == nil:
		log.Info(ctx, "run finished",
			logging.Float64("clock", rs.Now()),
			logging.Uint64("events", rs.NEvents()))
	case errors.Is(runErr, context.Canceled):
		log.Info(ctx, "run interrupted",
			logging.Float64("clock", rs.Now()),
			logging.Uint64("events", rs.NEvents()))
	default:
		log.Error(ctx, "run failed", logging.Err(runErr))
	}

	if exchanger != nil {
		if runErr == nil {
			exchanger.AnnounceFinal()
		}
		waitForDrain(exchanger, 5*time.Second, log)
	}

	var saveErr error
	if cfg.Checkpoint != "" {
		saveErr = saveCheckpoint(cfg, engine, exchanger, collector, log)
	}

	if exchanger != nil {
		exchanger.Close()
	}
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if boundarySrv != nil {
		_ = boundarySrv.Shutdown(shutdownCtx)
	}
	if metricsSrv != nil {
		_ = metricsSrv.Shutdown(shutdownCtx)
	}

	if runErr != nil && !errors.Is(runErr, context.Canceled) {
		return runErr
	}
	return saveErr
}

// buildState compiles the model and materializes this rank's mesh partition.
func buildState(cfg *WorkerConfig, log logging.Logger) (*statedef.Statedef, *core.Mesh, error) {
	mf, err := os.Open(cfg.Model)
	if err != nil {
		return nil, nil, fmt.Errorf("open model: %w", err)
	}
	defer mf.Close()
	m, err := core.LoadModel(mf)
	if err != nil {
		return nil, nil, err
	}
	sd, err := statedef.Compile(m)
	if err != nil {
		return nil, nil, fmt.Errorf("compile model: %w", err)
	}
	if err := sd.Setup(); err != nil {
		return nil, nil, err
	}

	xf, err := os.Open(cfg.Mesh)
	if err != nil {
		return nil, nil, fmt.Errorf("open mesh: %w", err)
	}
	defer xf.Close()
	spec, err := core.LoadMesh(xf)
	if err != nil {
		return nil, nil, err
	}
	mesh, sum, err := core.BuildMesh(sd, spec, cfg.Rank)
	if err != nil {
		return nil, nil, fmt.Errorf("build mesh: %w", err)
	}
	log.Info(context.Background(), "state built",
		logging.Int("species", sum.Species),
		logging.Int("compartments", sum.Compartments),
		logging.Int("elements", sum.Elements),
		logging.Int("links", sum.Links))
	return sd, mesh, nil
}

// seedCounts applies the config's initial pool counts, skipping elements
// owned by other ranks.
func seedCounts(cfg *WorkerConfig, sd *statedef.Statedef, engine *core.Engine, log logging.Logger) error {
	seeded := 0
	for _, ic := range cfg.Init {
		gidx, err := sd.SpecIdx(ic.Species)
		if err != nil {
			return fmt.Errorf("init species %q: %w", ic.Species, err)
		}
		if err := engine.SetCount(ic.Elem, gidx, ic.Count); err != nil {
			if errors.Is(err, core.ErrUnknownElement) {
				continue
			}
			return fmt.Errorf("init element %d: %w", ic.Elem, err)
		}
		seeded++
	}
	if seeded > 0 {
		log.Info(context.Background(), "initial counts applied", logging.Int("entries", seeded))
	}
	return nil
}

func saveCheckpoint(cfg *WorkerConfig, engine *core.Engine, x *coord.Exchanger, collector *observability.EngineCollector, log logging.Logger) error {
	var inflight []checkpoint.BoundaryMessage
	if x != nil {
		inflight = x.InFlight()
	}
	snap, err := engine.Snapshot(int32(cfg.Rank), inflight)
	if err != nil {
		return fmt.Errorf("snapshot: %w", err)
	}
	if x != nil {
		snap.Applied = x.AppliedMarks()
	}
	if err := checkpoint.Save(cfg.Checkpoint, snap); err != nil {
		return fmt.Errorf("save checkpoint: %w", err)
	}
	if fi, err := os.Stat(cfg.Checkpoint); err == nil {
		collector.RecordCheckpoint(int(fi.Size()))
	}
	log.Info(context.Background(), "checkpoint saved",
		logging.String("path", cfg.Checkpoint),
		logging.Float64("clock", snap.Clock),
		logging.Int("in_flight", len(snap.InFlight)))
	return nil
}

// waitForDrain gives unacknowledged boundary credits a bounded grace period
// to be delivered before shutdown. Whatever remains is persisted by the
// checkpoint.
func waitForDrain(x *coord.Exchanger, timeout time.Duration, log logging.Logger) {
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if len(x.InFlight()) == 0 {
			return
		}
		time.Sleep(50 * time.Millisecond)
	}
	log.Warn(context.Background(), "boundary credits still in flight at shutdown",
		logging.Int("count", len(x.InFlight())))
}

func serveMetrics(addr string, collector *observability.EngineCollector, log logging.Logger) *http.Server {
	if addr == "" || collector == nil {
		return nil
	}
	mux := http.NewServeMux()
	mux.Handle("/metrics", collector.Handler())

	srv := &http.Server{
		Addr:    addr,
		Handler: mux,
	}

	go func() {
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Warn(context.Background(), "metrics server exited", logging.Err(err))
		}
	}()

	log.Info(context.Background(), "serving Prometheus metrics", logging.String("addr", addr))
	return srv
}

// Command shellsim solves the radial equation, lays the result out as a
// spherical point cloud and serves it over HTTP.
package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/talgya/shellcloud/internal/api"
	"github.com/talgya/shellcloud/internal/config"
	"github.com/talgya/shellcloud/internal/logging"
	"github.com/talgya/shellcloud/internal/metrics"
	"github.com/talgya/shellcloud/internal/persistence"
	"github.com/talgya/shellcloud/internal/session"
	"github.com/talgya/shellcloud/internal/solver"
)

func main() {
	if err := run(); err != nil {
		slog.Error("shellsim exited", "error", err)
		os.Exit(1)
	}
}

func run() error {
	cfg, err := config.Load(os.Args[1:])
	if err != nil {
		return err
	}
	if err := logging.Setup(cfg.LogLevel, cfg.LogFormat); err != nil {
		return err
	}

	slog.Info("shellcloud starting",
		"solver", cfg.Solver,
		"layers", cfg.Layers,
		"grid", fmt.Sprintf("%dx%d", cfg.Polar, cfg.Azimuth),
		"n_max", cfg.NMax,
	)

	// ── Database ──────────────────────────────────────────────────────
	if dir := filepath.Dir(cfg.DBPath); dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("create data dir: %w", err)
		}
	}
	db, err := persistence.Open(cfg.DBPath)
	if err != nil {
		return fmt.Errorf("open database: %w", err)
	}
	defer db.Close()
	slog.Info("database opened", "path", cfg.DBPath)

	if pruned, err := db.PruneSolutions(cfg.CacheKeep); err != nil {
		slog.Warn("solution cache prune failed", "error", err)
	} else if pruned > 0 {
		slog.Info("solution cache pruned", "removed", pruned, "keep", cfg.CacheKeep)
	}

	// ── Solver ────────────────────────────────────────────────────────
	m := metrics.New()

	inner := solver.New(cfg.Solver, cfg.SolverPoints)
	if inner == nil {
		return fmt.Errorf("%w: unknown solver %q", config.ErrInvalid, cfg.Solver)
	}
	cached := solver.NewCached(inner, db)
	cached.OnHit = m.CacheHits.Inc
	cached.OnMiss = m.CacheMisses.Inc

	// ── Session ───────────────────────────────────────────────────────
	stream := api.NewBroadcaster()
	sess, err := session.New(cached, stream, cfg.Options())
	if err != nil {
		return fmt.Errorf("create session: %w", err)
	}
	stream.Source = sess.Snapshot

	sess.OnCommit = func(r session.Result) {
		m.ObserveCommit(r)
		if err := db.RecordEdit(sess.ID, r); err != nil {
			slog.Warn("record edit failed", "error", err)
		}
		if err := db.SaveParams(r.Params); err != nil {
			slog.Warn("save params failed", "error", err)
		}
	}
	sess.OnReject = func(r session.Result) {
		m.ObserveReject(r)
		if err := db.RecordEdit(sess.ID, r); err != nil {
			slog.Warn("record edit failed", "error", err)
		}
	}
	sess.OnFailure = func(r session.Result, err error) {
		m.ObserveFailure(r)
		slog.Debug("edit failed", "session", sess.ID, "error", err)
		if err := db.RecordEdit(sess.ID, r); err != nil {
			slog.Warn("record edit failed", "error", err)
		}
	}

	// ── Initial cloud ─────────────────────────────────────────────────
	initial := cfg.Initial()
	if saved, ok, err := db.LoadParams(); err != nil {
		slog.Warn("load saved params failed", "error", err)
	} else if ok {
		if err := cfg.Limits().Validate(saved); err != nil {
			slog.Warn("saved params outside current limits, ignoring", "params", saved.String(), "error", err)
		} else {
			slog.Info("restoring last committed params", "params", saved.String())
			initial = saved
		}
	}

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	if _, err := sess.Apply(ctx, initial); err != nil {
		if errors.Is(err, context.Canceled) {
			return err
		}
		slog.Warn("initial params failed, falling back to configured state", "params", initial.String(), "error", err)
		if _, err := sess.Apply(ctx, cfg.Initial()); err != nil {
			return fmt.Errorf("initial recompute: %w", err)
		}
	}

	// ── HTTP API ──────────────────────────────────────────────────────
	if cfg.AdminKey == "" {
		slog.Warn(config.AdminKeyEnv + " not set, parameter edits over HTTP are disabled")
	}

	server := &api.Server{
		Session:          sess,
		DB:               db,
		Metrics:          m,
		Stream:           stream,
		Limiter:          api.NewRateLimiter(cfg.RateLimit, cfg.RateWindow),
		Addr:             cfg.Addr,
		AdminKey:         cfg.AdminKey,
		MaxStreamClients: cfg.MaxStreamClients,
		HistoryLimit:     cfg.HistoryLimit,
	}
	server.Start()

	fmt.Printf("\nshellcloud is up: %s with %d points.\n", sess.Params(), sess.Cloud().Points())
	fmt.Printf("API: http://%s/api/v1/status\n", displayAddr(cfg.Addr))

	<-ctx.Done()
	slog.Info("received signal, shutting down")

	shutdownCtx, stop := context.WithTimeout(context.Background(), 10*time.Second)
	defer stop()
	if err := server.Shutdown(shutdownCtx); err != nil {
		slog.Error("HTTP shutdown failed", "error", err)
	}

	if err := db.SaveParams(sess.Params()); err != nil {
		slog.Error("final save failed", "error", err)
	}
	fmt.Println("shellsim stopped. Parameters saved.")
	return nil
}

func displayAddr(addr string) string {
	if len(addr) > 0 && addr[0] == ':' {
		return "localhost" + addr
	}
	return addr
}

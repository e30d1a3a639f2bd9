package main

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"math/rand/v2"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/redis/go-redis/v9"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/agentfi/npcsched/internal/agent"
	"github.com/agentfi/npcsched/internal/auth"
	"github.com/agentfi/npcsched/internal/engine"
	"github.com/agentfi/npcsched/internal/schedule"
	"github.com/agentfi/npcsched/internal/store"
	"github.com/agentfi/npcsched/internal/trigger"
	"github.com/agentfi/npcsched/internal/world"
	"github.com/agentfi/npcsched/pkg/config"
)

// pruneInterval is how often expired schedule events are deleted.
const pruneInterval = time.Hour

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the scheduler engine and the control API",
	Long: `Run the tick engine over the demo galaxy and serve the control API.

Schedule events are written to Postgres and agent contexts are snapshotted to
Redis, so a restarted server resumes every agent where it left off.`,
	Args: cobra.NoArgs,
	RunE: runServe,
}

func init() {
	rootCmd.AddCommand(serveCmd)
}

func runServe(cmd *cobra.Command, _ []string) error {
	// --- Config ---
	cfg, err := config.Load(cfgFile)
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}

	initLogger(cfg.Log.Level)
	slog.Info("config loaded", "port", cfg.Server.Port, "traders", cfg.World.Traders)

	ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// --- Database ---
	pool, err := pgxpool.New(ctx, cfg.Database.DSN)
	if err != nil {
		return fmt.Errorf("failed to create db pool: %w", err)
	}
	defer pool.Close()

	if err := pool.Ping(ctx); err != nil {
		return fmt.Errorf("failed to ping database: %w", err)
	}
	slog.Info("database connected")

	st := store.NewStore(pool)
	if err := st.Migrate(ctx); err != nil {
		return err
	}

	// --- Redis ---
	redisOpts, err := redis.ParseURL(cfg.Redis.URL)
	if err != nil {
		return fmt.Errorf("failed to parse redis url: %w", err)
	}
	rdb := redis.NewClient(redisOpts)
	defer rdb.Close()

	if err := rdb.Ping(ctx).Err(); err != nil {
		return fmt.Errorf("failed to ping redis: %w", err)
	}
	slog.Info("redis connected")

	// --- Engine ---
	eng, err := newEngine(cfg, st, store.NewSnapshotCache(rdb, cfg.Redis.SnapshotTTL))
	if err != nil {
		return err
	}
	if err := eng.Restore(ctx); err != nil {
		slog.Warn("snapshot restore failed, starting fresh", "error", err)
	}

	// --- HTTP Server ---
	authSvc := auth.NewService(cfg.Auth.JWTSecret).WithTTL(cfg.Auth.TokenTTL)
	srv := &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.Server.Port),
		Handler:      newRouter(eng, st, authSvc),
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 30 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return eng.Run(gctx)
	})
	g.Go(func() error {
		pruneEvents(gctx, st, cfg.Database.EventRetention)
		return nil
	})
	g.Go(func() error {
		slog.Info("server starting", "addr", srv.Addr)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			return fmt.Errorf("server error: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		slog.Info("shutting down server...")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			slog.Error("server shutdown error", "error", err)
		}
		return nil
	})

	err = g.Wait()
	slog.Info("server stopped")
	return err
}

// newEngine wires the registry, trigger monitor and demo world into an engine.
func newEngine(cfg *config.Config, events engine.EventStore, cache engine.SnapshotCache) (*engine.Engine, error) {
	monitor, err := trigger.FromExpressions(cfg.Trigger.Conditions)
	if err != nil {
		return nil, fmt.Errorf("trigger conditions: %w", err)
	}
	reg := schedule.NewDefaultRegistry()
	if r := cfg.Engine.DefaultRoutine; r != "" {
		if _, ok := reg.Lookup(r); !ok {
			return nil, fmt.Errorf("engine.default_routine: %w: %q (registered: %v)", schedule.ErrUnknownRoutine, r, reg.Names())
		}
	}

	sandbox := world.DemoGalaxy(cfg.World.Traders, cfg.World.Speed)
	sandbox.SetDrift(cfg.World.PriceDrift, cfg.World.PriceSpread,
		rand.New(rand.NewPCG(uint64(time.Now().UnixNano()), 0)))
	return engine.NewEngine(reg, sandbox, events, cache, world.SystemClock{}, engine.Config{
		TickInterval:   cfg.Engine.TickInterval,
		Shards:         cfg.Engine.Shards,
		SnapshotEvery:  cfg.Engine.SnapshotEvery,
		DefaultRoutine: cfg.Engine.DefaultRoutine,
		Schedule: schedule.Config{
			MaxSuspended:   cfg.Schedule.MaxSuspended,
			ProfitMargin:   cfg.Schedule.ProfitMargin,
			MaxQuantity:    cfg.Schedule.MaxQuantity,
			SafetyDistance: cfg.Schedule.SafetyDistance,
			Monitor:        monitor,
		},
	}), nil
}

func pruneEvents(ctx context.Context, st *store.Store, retention time.Duration) {
	if retention <= 0 {
		<-ctx.Done()
		return
	}
	ticker := time.NewTicker(pruneInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case now := <-ticker.C:
			n, err := st.PruneEvents(ctx, now.UTC(), retention)
			if err != nil {
				slog.Error("event prune failed", "error", err)
				continue
			}
			if n > 0 {
				slog.Info("events pruned", "deleted", n)
			}
		}
	}
}

func newRouter(eng *engine.Engine, st *store.Store, authSvc *auth.Service) *chi.Mux {
	r := chi.NewRouter()

	// Standard middleware
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)
	r.Use(middleware.Timeout(60 * time.Second))

	// Health check
	r.Get("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(map[string]any{
			"status": "ok",
			"agents": eng.AgentCount(),
			"ticks":  eng.Ticks(),
		})
	})

	authHandler := auth.NewHandler(authSvc)
	agentHandler := agent.NewHandler(agent.NewService(eng, st))

	// API routes, all behind a bearer token.
	r.Route("/api", func(r chi.Router) {
		r.Use(authSvc.JWTMiddleware)
		r.Route("/auth", func(r chi.Router) {
			r.Get("/me", authHandler.HandleWhoAmI)
			r.Post("/refresh", authHandler.HandleRefresh)
		})
		r.Mount("/agents", agentHandler.Routes())
	})

	return r
}

package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/jackc/pgx/v5/pgxpool"
	_ "github.com/joho/godotenv/autoload"
	"github.com/redis/go-redis/v9"
	"github.com/spf13/cobra"

	"github.com/atmx/custody-engine/internal/config"
	"github.com/atmx/custody-engine/internal/engine"
	"github.com/atmx/custody-engine/internal/keeper"
	"github.com/atmx/custody-engine/internal/logging"
	"github.com/atmx/custody-engine/internal/metrics"
	"github.com/atmx/custody-engine/internal/oracle"
	"github.com/atmx/custody-engine/internal/staking"
	"github.com/atmx/custody-engine/internal/store"
	"github.com/atmx/custody-engine/internal/trade"
)

const serviceName = "custody-engine"

var cfgFile string

func main() {
	rootCmd := &cobra.Command{
		Use:   serviceName,
		Short: "Custody accounting and position lifecycle engine",
		Long:  "Runs the pool, custody and leveraged position engine behind an HTTP API.",
		RunE:  runServe,
	}
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (default is ./custody.yaml)")

	rootCmd.AddCommand(&cobra.Command{
		Use:   "serve",
		Short: "Start the HTTP server, keeper and snapshot loop",
		RunE:  runServe,
	})
	rootCmd.AddCommand(&cobra.Command{
		Use:   "config",
		Short: "Print the effective configuration",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := config.Load(cfgFile)
			if err != nil {
				return err
			}
			enc := json.NewEncoder(cmd.OutOrStdout())
			enc.SetIndent("", "  ")
			return enc.Encode(cfg)
		},
	})

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func runServe(_ *cobra.Command, _ []string) error {
	cfg, err := config.Load(cfgFile)
	if err != nil {
		return err
	}
	logger, closeLog, err := logging.New(serviceName, cfg.Log)
	if err != nil {
		return err
	}
	defer closeLog()
	slog.SetDefault(logger)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// --- Initialize store ---
	st, cleanup, err := openStore(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer cleanup()

	// --- Oracle ---
	book := oracle.NewBook()
	if cfg.Oracle.RPCURL != "" {
		fetcher := oracle.NewPythFetcher(cfg.Oracle.RPCURL, book, cfg.OracleFeeds(), logger)
		go fetcher.Run(ctx, cfg.Oracle.RefreshInterval)
	} else {
		logger.Warn("oracle.rpc_url not set, prices must be pushed to /api/v1/prices")
	}

	// --- Engine ---
	wsHub := trade.NewWSHub(logger)
	go wsHub.Run()

	cortex := cfg.Cortex()
	ledger := staking.NewLedger()
	eng := engine.New(cortex, cfg.Engine(), book,
		engine.WithSink(trade.NewRecorder(st, wsHub, logger)),
		engine.WithLogger(logger),
		engine.WithRewards(ledger),
		engine.WithGovernance(ledger),
	)

	restored := false
	if cfg.Snapshot.Restore {
		if restored, err = trade.RestoreLatest(ctx, eng, st); err != nil {
			return err
		}
	}
	if !restored {
		if err := bootstrap(ctx, eng, cortex.Admin, cfg.Bootstrap.Pools, logger); err != nil {
			return err
		}
	}
	logger.Info("engine ready", "admin", eng.Cortex().Admin, "restored", restored, "pools", len(eng.Pools()))

	snapDone := make(chan struct{})
	go func() {
		defer close(snapDone)
		trade.RunSnapshots(ctx, eng, st, cfg.Snapshot.Interval, logger)
	}()

	if cfg.Keeper.Enabled {
		k := keeper.New(eng, cfg.Keeper, cfg.KeeperAuthority(cortex), logger)
		go k.Run(ctx)
	}

	// --- HTTP router ---
	svc := trade.NewService(eng, st, book, logger)

	r := chi.NewRouter()
	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Timeout(cfg.Server.RequestTimeout))
	r.Use(metrics.Middleware)

	// CORS middleware for frontend cross-origin requests.
	r.Use(func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.Header().Set("Access-Control-Allow-Origin", "*")
			w.Header().Set("Access-Control-Allow-Methods", "GET, POST, PUT, DELETE, OPTIONS")
			w.Header().Set("Access-Control-Allow-Headers", "Content-Type, Authorization")
			if r.Method == "OPTIONS" {
				w.WriteHeader(http.StatusNoContent)
				return
			}
			next.ServeHTTP(w, r)
		})
	})

	r.Get("/health", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"status":"ok","service":"custody-engine"}`))
	})

	// Prometheus metrics endpoint.
	r.Handle("/metrics", metrics.Handler())

	r.Route("/api/v1", func(r chi.Router) {
		// WebSocket endpoint for committed events.
		r.Get("/ws", wsHub.HandleWS)
		svc.Routes(r)
	})

	// --- Server ---
	srv := &http.Server{
		Addr:         ":" + strconv.Itoa(cfg.Server.Port),
		Handler:      r,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
		IdleTimeout:  60 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("custody-engine listening", "port", cfg.Server.Port)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	select {
	case <-ctx.Done():
	case err := <-errCh:
		logger.Error("server error", "err", err)
		stop()
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer cancel()

	logger.Info("shutting down custody-engine...")
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error("shutdown error", "err", err)
	}
	<-snapDone
	logger.Info("custody-engine stopped")
	return nil
}

// openStore selects PostgreSQL (optionally behind Redis) or memory.
func openStore(ctx context.Context, cfg *config.Config, logger *slog.Logger) (store.Store, func(), error) {
	if cfg.Database.URL == "" {
		logger.Warn("database.url not set, using in-memory store (data will not persist)")
		return store.NewMemoryStore(), func() {}, nil
	}

	var cleanup []func()
	closeAll := func() {
		for i := len(cleanup) - 1; i >= 0; i-- {
			cleanup[i]()
		}
	}

	pool, err := pgxpool.New(ctx, cfg.Database.URL)
	if err != nil {
		return nil, nil, fmt.Errorf("database connection failed: %w", err)
	}
	cleanup = append(cleanup, pool.Close)
	pg := store.NewPostgresStore(pool)
	if err := pg.EnsureSchema(ctx); err != nil {
		closeAll()
		return nil, nil, err
	}
	logger.Info("connected to PostgreSQL")

	var st store.Store = pg
	if cfg.Redis.URL != "" {
		opt, err := redis.ParseURL(cfg.Redis.URL)
		if err != nil {
			closeAll()
			return nil, nil, fmt.Errorf("invalid redis.url: %w", err)
		}
		rdb := redis.NewClient(opt)
		cleanup = append(cleanup, func() { rdb.Close() })
		st = store.NewCachedStore(st, rdb, cfg.Redis.TTL)
		logger.Info("Redis cache enabled")
	}
	return st, closeAll, nil
}

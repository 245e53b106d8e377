package main

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/benbjohnson/clock"

	"github.com/itskum47/neuralhub/control_plane/coordination"
	"github.com/itskum47/neuralhub/control_plane/observability"
	"github.com/itskum47/neuralhub/control_plane/store"
	"github.com/itskum47/neuralhub/control_plane/streaming"
)

const (
	shutdownTimeout     = 10 * time.Second
	kvSweepInterval     = time.Minute
	readHeaderTimeout   = 10 * time.Second
	memoryBrokerBuffer  = 4096
	postgresDialTimeout = 10 * time.Second
)

// openBackends picks the store, KV and broker from the config. Memory is the
// default; Redis takes over KV and the broker when configured, and Postgres
// takes over the durable store when DATABASE_URL is set.
func openBackends(ctx context.Context, cfg Config) (Backends, func(), error) {
	var (
		b       Backends
		closers []func()
	)
	cleanup := func() {
		for i := len(closers) - 1; i >= 0; i-- {
			closers[i]()
		}
	}

	storeMode, brokerMode := "memory", "memory"

	if cfg.UsesRedis() {
		var (
			rs  *store.RedisStore
			err error
		)
		if cfg.RedisURL != "" {
			rs, err = store.NewRedisStoreFromURL(cfg.RedisURL)
		} else {
			rs, err = store.NewRedisStore(cfg.RedisAddr, cfg.RedisPassword, cfg.RedisDB)
		}
		if err != nil {
			return Backends{}, cleanup, fmt.Errorf("failed to connect to redis: %w", err)
		}
		closers = append(closers, func() { rs.Close() })

		b.Store = rs
		b.KV = rs
		b.Broker = streaming.NewRedisStreamBroker(rs.Client(), streaming.RedisStreamConfig{
			Stream:   cfg.EventStream,
			Group:    cfg.ConsumerGroup,
			Consumer: cfg.ConsumerName,
		})
		storeMode, brokerMode = "redis", "redis-streams"
	} else {
		mem := store.NewMemoryStore()
		b.Store = mem
		b.KV = mem
		b.Broker = streaming.NewMemoryBroker(memoryBrokerBuffer)
		log.Println("[MAIN] Redis not configured. Running STANDALONE with in-memory store and broker")
	}

	if cfg.DatabaseURL != "" {
		dialCtx, cancel := context.WithTimeout(ctx, postgresDialTimeout)
		pg, err := store.NewPostgresStore(dialCtx, cfg.DatabaseURL)
		cancel()
		if err != nil {
			cleanup()
			return Backends{}, func() {}, fmt.Errorf("failed to connect to postgres: %w", err)
		}
		closers = append(closers, pg.Close)
		b.Store = pg
		storeMode = "postgres"
	}

	observability.RuntimeMode.WithLabelValues(storeMode, brokerMode).Set(1)
	log.Printf("[MAIN] Store: %s, broker: %s", storeMode, brokerMode)
	return b, cleanup, nil
}

func main() {
	cfg := LoadConfig()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	backends, closeBackends, err := openBackends(ctx, cfg)
	if err != nil {
		log.Fatalf("[MAIN] %v", err)
	}
	defer closeBackends()

	clk := clock.New()
	srv := NewServer(cfg, backends, clk)
	if err := srv.Start(ctx); err != nil {
		log.Fatalf("[MAIN] Failed to start hub: %v", err)
	}
	defer srv.Close()

	coordination.NewLivenessMonitor(srv.products, cfg.LivenessInterval, cfg.ProductStaleAfter, clk).Start(ctx)
	if sweeper, ok := backends.KV.(coordination.Sweeper); ok {
		coordination.NewKVJanitor(sweeper, kvSweepInterval).Start(ctx)
	}

	httpServer := &http.Server{
		Addr:              cfg.ListenAddr,
		Handler:           srv.Routes(),
		ReadHeaderTimeout: readHeaderTimeout,
	}

	fmt.Println("==================================================")
	fmt.Println("  NEURAL HUB")
	fmt.Println("==================================================")
	fmt.Printf("Hub ID:             %s\n", cfg.HubID)
	fmt.Printf("Listen:             %s\n", cfg.ListenAddr)
	fmt.Printf("Production Mode:    %v\n", cfg.ProductionMode)
	fmt.Printf("Workflows File:     %s\n", valueOr(cfg.WorkflowsFile, "(none)"))
	fmt.Printf("Command Timeout:    %v\n", cfg.CommandTimeout)
	fmt.Printf("Product Stale After: %v\n", cfg.ProductStaleAfter)
	fmt.Println("==================================================")

	errCh := make(chan error, 1)
	go func() {
		log.Printf("[MAIN] Neural Hub listening on %s", cfg.ListenAddr)
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	select {
	case <-ctx.Done():
		log.Println("[MAIN] Shutting down")
	case err := <-errCh:
		log.Printf("[MAIN] HTTP server failed: %v", err)
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		log.Printf("[MAIN] Graceful shutdown failed: %v", err)
	}
	// Let triggered runs finish before the deferred Close interrupts them
	srv.engine.Shutdown(shutdownCtx)
}

func valueOr(v, fallback string) string {
	if v == "" {
		return fallback
	}
	return v
}

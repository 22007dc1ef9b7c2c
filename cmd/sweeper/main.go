package main

import (
	"context"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/parley/chat-app/internal/presence"
)

const defaultSweepInterval = 30 * time.Second

// The sweeper reaps presence markers left behind when a disconnect's
// best-effort removal failed (server crash, Redis hiccup). Markers older
// than PRESENCE_MAX_AGE are removed and their left events published, so
// rooms converge on the true roster without waiting for the user to return.
func main() {
	log.Println("Starting Parley presence sweeper...")

	redisAddr := "localhost:6379"
	if v := os.Getenv("REDIS_ADDR"); v != "" {
		redisAddr = v
	}

	maxAge := 2 * time.Minute
	if v := os.Getenv("PRESENCE_MAX_AGE"); v != "" {
		if d, err := time.ParseDuration(v); err == nil && d > 0 {
			maxAge = d
		}
	}

	interval := defaultSweepInterval
	if v := os.Getenv("SWEEP_INTERVAL"); v != "" {
		if d, err := time.ParseDuration(v); err == nil && d > 0 {
			interval = d
		}
	}

	rdb := redis.NewClient(&redis.Options{Addr: redisAddr})
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	if err := rdb.Ping(ctx).Err(); err != nil {
		cancel()
		log.Fatalf("failed to connect to Redis: %v", err)
	}
	cancel()

	store := presence.NewStore(rdb)

	runCtx, stop := context.WithCancel(context.Background())

	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()

		for {
			select {
			case <-runCtx.Done():
				return
			case <-ticker.C:
				sweepCtx, cancel := context.WithTimeout(runCtx, interval)
				removed, err := store.Sweep(sweepCtx, maxAge)
				cancel()
				if err != nil {
					log.Printf("sweep: %v", err)
				}
				if removed > 0 {
					log.Printf("sweep: removed %d stale markers", removed)
				}
			}
		}
	}()

	log.Printf("Parley presence sweeper running")
	log.Printf("  redis_addr: %s", redisAddr)
	log.Printf("  max_age:    %s", maxAge)
	log.Printf("  interval:   %s", interval)

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	sig := <-sigCh
	log.Printf("received signal %v, shutting down...", sig)

	stop()
	rdb.Close()
}

package main

import (
	"context"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"tokoku/backend/internal/cache"
	"tokoku/backend/internal/config"
	"tokoku/backend/internal/domain"
	"tokoku/backend/internal/httpapi"
	"tokoku/backend/internal/loyalty"
	"tokoku/backend/internal/service"
	"tokoku/backend/internal/store"
	"tokoku/backend/internal/store/memory"
	pgstore "tokoku/backend/internal/store/postgres"
)

func main() {
	cfg := config.Load()
	if err := validateSecurityConfig(cfg); err != nil {
		log.Fatalf("invalid security configuration: %v", err)
	}
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	var repo store.Repository
	closers := make([]func() error, 0, 2)

	if cfg.DatabaseURL != "" {
		pg, err := pgstore.New(ctx, cfg.DatabaseURL, time.Duration(cfg.LockTimeoutMillis)*time.Millisecond)
		if err != nil {
			log.Fatalf("postgres unavailable (%v) and DATABASE_URL is set; refusing to start with in-memory fallback", err)
		} else {
			repo = pg
			closers = append(closers, pg.Close)
			log.Println("repository: postgres")
		}
	} else {
		repo = memory.NewSeeded()
		log.Println("repository: in-memory")
	}

	cacheStore := cache.CampaignCache(cache.NoopCampaignCache{})
	if cfg.RedisAddr != "" {
		redisCache := cache.NewRedisCampaignCache(cfg.RedisAddr, cfg.RedisPassword, cfg.RedisDB)
		if err := redisCache.Ping(ctx); err != nil {
			log.Printf("redis unavailable (%v), using noop cache", err)
		} else {
			cacheStore = redisCache
			closers = append(closers, redisCache.Close)
			log.Println("cache: redis")
		}
	} else {
		log.Println("cache: noop")
	}

	engine := loyalty.NewEngine(repo, cacheStore, time.Duration(cfg.CampaignCacheTTLSeconds)*time.Second)
	svc := service.New(repo, engine)
	auth := httpapi.NewAuthManager(cfg.AuthSecret, time.Duration(cfg.AccessTokenTTLMinutes)*time.Minute, repo)
	api := httpapi.New(svc, auth, cfg.AllowedOrigin)

	stopReconcile := startReconcileLoop(svc, cfg)
	defer stopReconcile()

	server := &http.Server{
		Addr:              cfg.Address(),
		Handler:           api.Handler(),
		ReadHeaderTimeout: 5 * time.Second,
		ReadTimeout:       10 * time.Second,
		WriteTimeout:      10 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	go func() {
		log.Printf("POS backend listening on %s", cfg.Address())
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("server error: %v", err)
		}
	}()

	sig := make(chan os.Signal, 1)
	signal.Notify(sig, syscall.SIGINT, syscall.SIGTERM)
	<-sig

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 8*time.Second)
	defer shutdownCancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		log.Printf("shutdown error: %v", err)
	}

	for _, closeFn := range closers {
		if err := closeFn(); err != nil {
			log.Printf("close error: %v", err)
		}
	}

	log.Println("server stopped")
}

// startReconcileLoop runs periodic ledger-vs-cache reconciliation when
// RECONCILE_INTERVAL_MINUTES is set. A zero interval disables the loop.
func startReconcileLoop(svc *service.Service, cfg config.Config) func() {
	if cfg.ReconcileIntervalMinutes <= 0 {
		log.Println("reconcile loop: disabled")
		return func() {}
	}

	interval := time.Duration(cfg.ReconcileIntervalMinutes) * time.Minute
	done := make(chan struct{})
	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-done:
				return
			case <-ticker.C:
				ctx, cancel := context.WithTimeout(context.Background(), 2*time.Minute)
				ctx = service.WithActor(ctx, domain.Actor{Username: "scheduler", Role: "admin"})
				result, err := svc.Reconcile(ctx, cfg.ReconcileRepair)
				cancel()
				if err != nil {
					log.Printf("[reconcile] run failed: %v", err)
					continue
				}
				log.Printf("[reconcile] run %s: %d products, %d discrepancies, %d repaired",
					result.RunID, result.ProductCount, len(result.Discrepancies), result.RepairedCount)
			}
		}
	}()

	log.Printf("reconcile loop: every %s (repair=%t)", interval, cfg.ReconcileRepair)
	return func() { close(done) }
}

func validateSecurityConfig(cfg config.Config) error {
	if len(cfg.AuthSecret) < 32 {
		return fmt.Errorf("AUTH_SECRET must be set and at least 32 characters")
	}
	return nil
}

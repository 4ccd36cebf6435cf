package main

import (
	"context"
	"log"
	"net/http"
	"os"
	"os/signal"
	"time"

	"github.com/redis/go-redis/v9"

	api "music-enrichment-pipeline/internal/api"
	"music-enrichment-pipeline/internal/config"
	"music-enrichment-pipeline/internal/correlate"
	"music-enrichment-pipeline/internal/enrich"
	"music-enrichment-pipeline/internal/queue"
	"music-enrichment-pipeline/internal/search"
	"music-enrichment-pipeline/internal/store"
)

func main() {
	cfg := config.Load()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() {
		ch := make(chan os.Signal, 1)
		signal.Notify(ch, os.Interrupt)
		<-ch
		cancel()
	}()

	st, err := store.New(ctx, cfg.PostgresDSN)
	if err != nil {
		log.Fatalf("connect postgres: %v", err)
	}
	defer st.Close()

	if err := st.RunMigrations(ctx); err != nil {
		log.Fatalf("migrations: %v", err)
	}

	redisClient := redis.NewClient(&redis.Options{
		Addr:     cfg.RedisAddr,
		Password: cfg.RedisPassword,
		DB:       cfg.RedisDB,
	})
	q := queue.NewRedisQueueWithClient(redisClient, cfg)

	correlator := correlate.NewCorrelator(ctx, redisClient)
	defer correlator.Close()

	enricher := enrich.NewService(cfg, st, q, correlator)
	queueSource := search.NewQueueSource(cfg, st, q, correlator)
	orchestrator := search.NewOrchestrator(st, queueSource, cfg.Providers, cfg.SearchTimeout, cfg.SearchDefaultLimit)

	server := api.New(cfg, st, q, enricher, orchestrator)
	httpServer := &http.Server{
		Addr:    ":" + cfg.HTTPPort,
		Handler: server.Router(),
	}

	log.Printf("api listening on :%s providers=%v", cfg.HTTPPort, cfg.Providers)
	go func() {
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("listen: %v", err)
		}
	}()

	<-ctx.Done()
	shutdownCtx, cancelShutdown := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancelShutdown()
	_ = httpServer.Shutdown(shutdownCtx)
}

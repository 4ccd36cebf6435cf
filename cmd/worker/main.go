package main

import (
	"context"
	"log"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"

	"github.com/redis/go-redis/v9"

	"music-enrichment-pipeline/internal/config"
	"music-enrichment-pipeline/internal/correlate"
	"music-enrichment-pipeline/internal/models"
	"music-enrichment-pipeline/internal/providers"
	"music-enrichment-pipeline/internal/queue"
	"music-enrichment-pipeline/internal/ratelimit"
	"music-enrichment-pipeline/internal/store"
	"music-enrichment-pipeline/internal/telemetry"
	workerproc "music-enrichment-pipeline/internal/worker"
)

func main() {
	cfg := config.Load()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() {
		ch := make(chan os.Signal, 1)
		signal.Notify(ch, syscall.SIGINT, syscall.SIGTERM)
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
	limiter := ratelimit.NewFixedWindow(redisClient, cfg.ProviderLimits)
	publisher := correlate.NewPublisher(redisClient)

	registry := providers.NewRegistry()
	for _, name := range cfg.Providers {
		baseURL := cfg.ProviderURLs[name]
		if baseURL == "" {
			log.Printf("provider %s has no PROVIDER_URLS entry, skipping", name)
			continue
		}
		registry.Register(providers.NewHTTPProvider(name, baseURL, cfg.ProviderTokens[name], cfg.ProviderTimeout))
	}

	artwork, err := workerproc.NewArtworkHandler(ctx, cfg, st)
	if err != nil {
		log.Fatalf("init artwork handler: %v", err)
	}

	var wg sync.WaitGroup
	for _, name := range registry.Names() {
		provider := registry.Get(name)

		processor := workerproc.NewProcessor(cfg, name, q, st, limiter, publisher)
		enrichHandler := workerproc.NewEnrichHandler(cfg, st, provider, q)
		processor.RegisterHandler(models.JobLookupByID, enrichHandler.Handle)
		processor.RegisterFailureHook(models.JobLookupByID, enrichHandler.OnTerminalFailure)
		processor.RegisterHandler(models.JobSearchByName, workerproc.NewSearchHandler(provider).Handle)
		processor.RegisterHandler(models.JobSyncBatch, workerproc.NewBatchHandler(st, provider).Handle)
		processor.RegisterHandler(models.JobArtworkFetch, artwork.Handle)

		wg.Add(1)
		go func(name string) {
			defer wg.Done()
			limit := cfg.LimitFor(name)
			log.Printf("worker[%s] started rate=%d/%s visibility=%s", name, limit.Requests, limit.Window, cfg.VisibilityTimeout)
			if err := processor.Run(ctx); err != nil && err != context.Canceled {
				log.Printf("worker[%s] stopped: %v", name, err)
			}
		}(name)
	}

	go func() {
		if err := http.ListenAndServe(cfg.MetricsAddr, telemetry.Handler()); err != nil {
			log.Printf("metrics server stopped: %v", err)
		}
	}()

	wg.Wait()
}

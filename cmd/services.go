package cmd

import (
	"context"
	"fmt"

	gcsstorage "cloud.google.com/go/storage"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/JakeFAU/goharvest/internal/api"
	"github.com/JakeFAU/goharvest/internal/archive"
	"github.com/JakeFAU/goharvest/internal/assets"
	"github.com/JakeFAU/goharvest/internal/change"
	"github.com/JakeFAU/goharvest/internal/change/redisbaseline"
	"github.com/JakeFAU/goharvest/internal/clock/system"
	"github.com/JakeFAU/goharvest/internal/config"
	"github.com/JakeFAU/goharvest/internal/extract"
	collyfetcher "github.com/JakeFAU/goharvest/internal/fetcher/colly"
	headlessfetcher "github.com/JakeFAU/goharvest/internal/fetcher/headless"
	"github.com/JakeFAU/goharvest/internal/fetcher/hybrid"
	"github.com/JakeFAU/goharvest/internal/fingerprint"
	"github.com/JakeFAU/goharvest/internal/harvest"
	"github.com/JakeFAU/goharvest/internal/hash/sha256"
	"github.com/JakeFAU/goharvest/internal/pipeline"
	"github.com/JakeFAU/goharvest/internal/policy/ratelimit"
	memorypublisher "github.com/JakeFAU/goharvest/internal/publisher/memory"
	pubsubpublisher "github.com/JakeFAU/goharvest/internal/publisher/pubsub"
	"github.com/JakeFAU/goharvest/internal/robots"
	"github.com/JakeFAU/goharvest/internal/storage/gcs"
	"github.com/JakeFAU/goharvest/internal/storage/local"
	memorystorage "github.com/JakeFAU/goharvest/internal/storage/memory"
	"github.com/JakeFAU/goharvest/internal/storage/postgres"
)

// services holds the backends and pipeline built from configuration.
type services struct {
	clock     harvest.Clock
	jobs      harvest.JobStore
	results   harvest.ResultStore
	blobs     harvest.BlobStore
	publisher harvest.Publisher
	pipeline  *pipeline.Pipeline
	checks    map[string]api.ReadinessCheck
	closers   []func()
}

// Close releases backends in reverse order of construction.
func (s *services) Close() {
	for i := len(s.closers) - 1; i >= 0; i-- {
		s.closers[i]()
	}
}

func buildServices(ctx context.Context, cfg config.Config, logger *zap.Logger) (_ *services, err error) {
	svc := &services{
		clock:  system.New(),
		checks: map[string]api.ReadinessCheck{},
	}
	defer func() {
		if err != nil {
			svc.Close()
		}
	}()

	if svc.blobs, err = buildBlobStore(ctx, cfg, svc); err != nil {
		return nil, err
	}
	if err = buildJobStores(ctx, cfg, svc); err != nil {
		return nil, err
	}
	if err = buildPublisher(ctx, cfg, svc, logger); err != nil {
		return nil, err
	}
	baselines := buildBaselines(cfg, svc)

	limiter := ratelimit.New(ratelimit.Config{
		DefaultRPS:   cfg.RateLimit.DefaultRPS,
		DefaultBurst: cfg.RateLimit.DefaultBurst,
	})
	static := collyfetcher.New(collyfetcher.Config{
		UserAgent:    cfg.Harvest.UserAgent,
		Timeout:      config.Seconds(cfg.HTTP.TimeoutSeconds),
		MaxBodyBytes: cfg.HTTP.MaxBodyBytes,
		Limiter:      limiter,
	})

	var headless harvest.Renderer
	if cfg.Headless.Enabled {
		renderer, herr := headlessfetcher.New(headlessfetcher.Config{
			MaxParallel:       cfg.Headless.MaxParallel,
			UserAgents:        cfg.Headless.UserAgents,
			NavigationTimeout: config.Seconds(cfg.Headless.NavTimeoutSec),
			IdleWindow:        millis(cfg.Headless.IdleMillis),
			Settle:            millis(cfg.Headless.SettleMillis),
		})
		if herr != nil {
			logger.Warn("headless renderer init failed, continuing with static rendering", zap.Error(herr))
		} else {
			headless = renderer
			svc.closers = append(svc.closers, renderer.Close)
		}
	}

	var robotsChecker harvest.RobotsChecker
	if cfg.Robots.Respect {
		robotsChecker = robots.NewChecker(robots.Options{
			UserAgent: cfg.Harvest.UserAgent,
			Timeout:   config.Seconds(cfg.Robots.TimeoutSeconds),
			Cache:     robots.NewLRUCache(cfg.Robots.CacheSize, config.Seconds(cfg.Robots.CacheTTLSeconds)),
			Clock:     svc.clock,
		}, logger)
	}

	var lookup fingerprint.Lookup
	if cfg.Fingerprint.LookupURL != "" {
		lookup = fingerprint.NewHTTPLookup(cfg.Fingerprint.LookupURL, cfg.Fingerprint.APIKey, config.Seconds(cfg.Fingerprint.TimeoutSeconds), logger)
	}

	svc.pipeline = pipeline.New(pipeline.Deps{
		Robots:        robotsChecker,
		Limiter:       limiter,
		Renderer:      hybrid.New(static, headless, hybrid.NewHeuristic(0), logger),
		Extractor:     extract.New(logger),
		Fingerprinter: fingerprint.New(lookup, logger),
		Downloader: assets.New(assets.Config{
			Concurrency: cfg.HTTP.AssetConcurrency,
			Timeout:     config.Seconds(cfg.HTTP.AssetTimeoutSeconds),
			Prefix:      cfg.Harvest.BlobPrefix,
		}, static, svc.blobs, logger),
		Changes:  change.NewDetector(baselines, svc.publisher, cfg.PubSub.ChangeTopic, svc.clock, logger),
		Archiver: archive.NewExporter(svc.blobs, cfg.Harvest.BlobPrefix, logger),
		Hasher:   sha256.New(),
		Clock:    svc.clock,
	}, logger)
	return svc, nil
}

func buildBlobStore(ctx context.Context, cfg config.Config, svc *services) (harvest.BlobStore, error) {
	switch cfg.Storage.Backend {
	case "local":
		store, err := local.New(local.Config{BaseDir: cfg.Storage.BaseDir})
		if err != nil {
			return nil, fmt.Errorf("init local blob store: %w", err)
		}
		return store, nil
	case "gcs":
		client, err := gcsstorage.NewClient(ctx)
		if err != nil {
			return nil, fmt.Errorf("init gcs client: %w", err)
		}
		svc.closers = append(svc.closers, func() { _ = client.Close() })
		store, err := gcs.New(client, gcs.Config{Bucket: cfg.Storage.GCSBucket})
		if err != nil {
			return nil, fmt.Errorf("init gcs blob store: %w", err)
		}
		return store, nil
	default:
		return memorystorage.NewBlobStore(), nil
	}
}

func buildJobStores(ctx context.Context, cfg config.Config, svc *services) error {
	if cfg.DB.DSN == "" {
		svc.jobs = memorystorage.NewJobStore()
		svc.results = memorystorage.NewResultStore()
		return nil
	}
	store, err := postgres.New(ctx, postgres.Config{
		DSN:      cfg.DB.DSN,
		MaxConns: cfg.DB.MaxConns,
		MinConns: cfg.DB.MinConns,
	})
	if err != nil {
		return err
	}
	svc.closers = append(svc.closers, store.Close)
	if err := store.Migrate(ctx); err != nil {
		return err
	}
	svc.jobs = store
	svc.results = store
	svc.checks["postgres"] = store.Ping
	return nil
}

func buildPublisher(ctx context.Context, cfg config.Config, svc *services, logger *zap.Logger) error {
	if cfg.PubSub.ProjectID == "" {
		svc.publisher = memorypublisher.New()
		return nil
	}
	pub, err := pubsubpublisher.New(ctx, cfg.PubSub.ProjectID)
	if err != nil {
		return fmt.Errorf("init pubsub publisher: %w", err)
	}
	svc.closers = append(svc.closers, func() {
		if err := pub.Close(); err != nil {
			logger.Warn("close pubsub publisher", zap.Error(err))
		}
	})
	svc.publisher = pub
	return nil
}

func buildBaselines(cfg config.Config, svc *services) change.BaselineStore {
	if cfg.Redis.Addr == "" {
		return change.NewMemoryStore()
	}
	client := redis.NewClient(&redis.Options{
		Addr:     cfg.Redis.Addr,
		Password: cfg.Redis.Password,
		DB:       cfg.Redis.DB,
	})
	svc.closers = append(svc.closers, func() { _ = client.Close() })
	svc.checks["redis"] = func(ctx context.Context) error {
		return client.Ping(ctx).Err()
	}
	return redisbaseline.New(client, 0)
}

package main

import (
	"context"
	"fmt"

	"github.com/book-expert/logger"
	"github.com/book-expert/narration-service/internal/catalog"
	"github.com/book-expert/narration-service/internal/config"
	"github.com/book-expert/narration-service/internal/core"
	"github.com/book-expert/narration-service/internal/engine"
	"github.com/book-expert/narration-service/internal/jobstore"
	"github.com/book-expert/narration-service/internal/metrics"
	"github.com/book-expert/narration-service/internal/objectstore"
	"github.com/book-expert/narration-service/internal/pipeline"
	"github.com/book-expert/narration-service/internal/text"
	"github.com/book-expert/narration-service/internal/voicecache"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/nats-io/nats.go"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/redis/go-redis/v9"
)

// narrator holds the components shared by every command: the voice catalog,
// the model cache, the engines and the segment artifacts.
type narrator struct {
	cfg       *config.Config
	log       *logger.Logger
	metrics   *metrics.Metrics
	catalog   *catalog.Catalog
	cache     *voicecache.Cache
	engines   *engine.Router
	artifacts *pipeline.Artifacts
}

func newNarrator(cfg *config.Config, log *logger.Logger, registerer prometheus.Registerer) (*narrator, error) {
	var (
		met *metrics.Metrics
		err error
	)

	if registerer != nil {
		met, err = metrics.New(registerer)
		if err != nil {
			return nil, err
		}
	}

	cache, err := voicecache.New(voicecache.Options{
		Capacity:    cfg.Voices.CacheCapacity,
		LoadTimeout: cfg.LoadTimeout(),
		Metrics:     met,
		Logger:      log,
	})
	if err != nil {
		return nil, err
	}

	engines, err := buildEngines(cfg, log)
	if err != nil {
		return nil, err
	}

	artifacts, err := pipeline.NewArtifacts(cfg.Pipeline.WorkDir)
	if err != nil {
		return nil, err
	}

	return &narrator{
		cfg:     cfg,
		log:     log,
		metrics: met,
		catalog: catalog.New(catalog.Options{
			ModelsDir:    cfg.Voices.ModelsDir,
			ManifestPath: cfg.Voices.CatalogFile,
			Logger:       log,
		}),
		cache:     cache,
		engines:   engines,
		artifacts: artifacts,
	}, nil
}

// buildEngines registers piper and, when a service URL is configured, the
// remote alternate engine.
func buildEngines(cfg *config.Config, log *logger.Logger) (*engine.Router, error) {
	engines := []engine.Engine{
		engine.NewPiper(engine.PiperOptions{
			BinaryPath: cfg.Engines.Primary.BinaryPath,
			ChunkBytes: cfg.Engines.Primary.ChunkBytes,
			Processes:  cfg.Engines.Primary.Processes,
			Logger:     log,
		}),
	}

	if cfg.Engines.Alternate.ServiceURL != "" {
		engines = append(engines, engine.NewRemote(engine.RemoteOptions{
			ServiceURL: cfg.Engines.Alternate.ServiceURL,
			Timeout:    cfg.AlternateTimeout(),
			Language:   cfg.Engines.Alternate.Language,
			Logger:     log,
		}))
	}

	return engine.NewRouter(engines...)
}

func (n *narrator) pipeline(jobs core.JobStore, sink core.ResultSink) (*pipeline.Pipeline, error) {
	var normalizer *text.Normalizer
	if n.cfg.Pipeline.NormalizeText {
		var opts []text.NormalizerOption
		if n.cfg.Pipeline.ExpandAbbreviations {
			opts = append(opts, text.WithAbbreviations())
		}

		if n.cfg.Pipeline.SpellNumbers {
			opts = append(opts, text.WithSpelledNumbers())
		}

		normalizer = text.NewNormalizer(opts...)
	}

	return pipeline.New(pipeline.Options{
		Voices:          n.catalog,
		Jobs:            jobs,
		Sink:            sink,
		Cache:           n.cache,
		Engines:         n.engines,
		Artifacts:       n.artifacts,
		KeepFailed:      n.cfg.Pipeline.KeepFailedArtifacts,
		Normalizer:      normalizer,
		MaxSegmentChars: n.cfg.Pipeline.MaxSegmentChars,
		SegmentTimeout:  n.cfg.SegmentTimeout(),
		Metrics:         n.metrics,
		Logger:          n.log,
	})
}

// syncLimits maps the sync concurrency settings to engine classes.
func syncLimits(cfg *config.Config) map[core.EngineKind]int {
	return map[core.EngineKind]int{
		core.EnginePrimary:   cfg.Workers.SyncPrimaryLimit,
		core.EngineAlternate: cfg.Workers.SyncAlternateLimit,
	}
}

// workerConcurrency returns the background concurrency of kind.
func workerConcurrency(cfg *config.Config, kind core.EngineKind) int {
	if kind == core.EngineAlternate {
		return cfg.Workers.AlternateConcurrency
	}

	return cfg.Workers.PrimaryConcurrency
}

// openJobStore connects the configured job store. The returned close function
// is never nil.
func openJobStore(
	ctx context.Context,
	cfg *config.Config,
	jetstreamContext nats.JetStreamContext,
) (core.JobStore, func(), error) {
	noop := func() {}

	switch cfg.Store.Backend {
	case config.StoreNATS:
		store, err := jobstore.NewNATS(jetstreamContext, cfg.NATS.JobBucket)

		return store, noop, err
	case config.StoreRedis:
		client := redis.NewClient(&redis.Options{Addr: cfg.Store.RedisAddr})

		pingErr := client.Ping(ctx).Err()
		if pingErr != nil {
			_ = client.Close()

			return nil, noop, fmt.Errorf("failed to reach redis at %s: %w", cfg.Store.RedisAddr, pingErr)
		}

		return jobstore.NewRedis(client, jobstore.WithPrefix(cfg.Store.RedisPrefix)),
			func() { _ = client.Close() }, nil
	case config.StorePostgres:
		pool, err := pgxpool.New(ctx, cfg.Store.PostgresDSN)
		if err != nil {
			return nil, noop, fmt.Errorf("failed to open postgres pool: %w", err)
		}

		store := jobstore.NewPostgres(pool)

		migrateErr := store.Migrate(ctx)
		if migrateErr != nil {
			pool.Close()

			return nil, noop, migrateErr
		}

		return store, pool.Close, nil
	default:
		return jobstore.NewMemory(), noop, nil
	}
}

// openSink builds the configured result sink. With the NATS backend, the local
// output directory takes over while the bucket is unreachable.
func openSink(cfg *config.Config, jetstreamContext nats.JetStreamContext) (objectstore.Sink, error) {
	local, err := objectstore.NewLocal(cfg.Results.OutputDir)
	if err != nil {
		return nil, err
	}

	if cfg.Results.Backend != config.ResultsNATS {
		return local, nil
	}

	if jetstreamContext == nil {
		return objectstore.NewFallback(objectstore.Unavailable{}, local), nil
	}

	bucket, err := objectstore.New(jetstreamContext, cfg.NATS.ResultBucket)
	if err != nil {
		return nil, err
	}

	return objectstore.NewFallback(bucket, local), nil
}

package main

import (
	"context"
	"fmt"
	"time"

	"github.com/book-expert/logger"
	"github.com/book-expert/narration-service/internal/config"
	"github.com/book-expert/narration-service/internal/httpapi"
	"github.com/book-expert/narration-service/internal/pipeline"
	"github.com/book-expert/narration-service/internal/queue"
	"github.com/book-expert/narration-service/internal/service"
	"github.com/nats-io/nats.go"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"
)

const (
	shutdownTimeout = 30 * time.Second
	sweepInterval   = time.Hour
	natsClientName  = "narration-service"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Serve the HTTP API and run the background job workers",
	Args:  cobra.NoArgs,
	RunE: withConfig(func(ctx context.Context, _ *cobra.Command, cfg *config.Config, log *logger.Logger) error {
		return runServe(ctx, cfg, log)
	}),
}

func init() {
	rootCmd.AddCommand(serveCmd)
}

func runServe(ctx context.Context, cfg *config.Config, log *logger.Logger) error {
	natsConnection, err := nats.Connect(cfg.NATS.URL, nats.Name(natsClientName), nats.MaxReconnects(-1))
	if err != nil {
		return fmt.Errorf("failed to connect to NATS at %s: %w", cfg.NATS.URL, err)
	}
	defer natsConnection.Close()

	jetstreamContext, err := natsConnection.JetStream()
	if err != nil {
		return fmt.Errorf("failed to create JetStream context: %w", err)
	}

	err = queue.EnsureStream(jetstreamContext, cfg.NATS.JobStream, cfg.NATS.SubjectPrefix)
	if err != nil {
		return err
	}

	registry := prometheus.NewRegistry()
	registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)

	narr, err := newNarrator(cfg, log, registry)
	if err != nil {
		return err
	}

	jobs, closeJobs, err := openJobStore(ctx, cfg, jetstreamContext)
	if err != nil {
		return err
	}
	defer closeJobs()

	sink, err := openSink(cfg, jetstreamContext)
	if err != nil {
		return err
	}

	pipe, err := narr.pipeline(jobs, sink)
	if err != nil {
		return err
	}

	svc, err := service.New(service.Options{
		Pipeline:   pipe,
		Voices:     narr.catalog,
		Jobs:       jobs,
		Queue:      queue.NewPublisher(jetstreamContext, cfg.NATS.SubjectPrefix),
		Results:    sink,
		Cache:      narr.cache,
		SyncLimits: syncLimits(cfg),
		Metrics:    narr.metrics,
		Logger:     log,
	})
	if err != nil {
		return err
	}

	server := httpapi.New(httpapi.Options{Service: svc, Gatherer: registry, Logger: log})

	group, groupCtx := errgroup.WithContext(ctx)

	group.Go(func() error {
		return server.Listen(cfg.HTTP.ListenAddr)
	})

	group.Go(func() error {
		<-groupCtx.Done()

		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()

		return server.Shutdown(shutdownCtx)
	})

	for _, kind := range narr.engines.Kinds() {
		worker, workerErr := queue.NewWorker(jetstreamContext, pipe, queue.WorkerOptions{
			Engine:      kind,
			Stream:      cfg.NATS.JobStream,
			Prefix:      cfg.NATS.SubjectPrefix,
			QueueGroup:  cfg.NATS.QueueGroup,
			Concurrency: workerConcurrency(cfg, kind),
			Logger:      log,
		})
		if workerErr != nil {
			return workerErr
		}

		group.Go(func() error { return worker.Run(groupCtx) })
	}

	group.Go(func() error {
		sweepArtifacts(groupCtx, narr.artifacts, cfg.ArtifactTTL(), log)

		return nil
	})

	log.System("Narration service listening on %s, jobs on %s.*", cfg.HTTP.ListenAddr, cfg.NATS.SubjectPrefix)

	waitErr := group.Wait()
	if waitErr != nil {
		log.Error("Narration service stopped: %v", waitErr)

		return waitErr
	}

	log.System("Narration service stopped.")

	return nil
}

// sweepArtifacts removes stale job directories every sweepInterval until ctx
// is done.
func sweepArtifacts(ctx context.Context, artifacts *pipeline.Artifacts, ttl time.Duration, log *logger.Logger) {
	ticker := time.NewTicker(sweepInterval)
	defer ticker.Stop()

	for {
		removed, err := artifacts.Sweep(ttl, time.Now())
		if err != nil {
			log.Warn("Artifact sweep incomplete: %v", err)
		}

		if removed > 0 {
			log.Info("Removed %d stale job artifact directories", removed)
		}

		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

// Package service is the public entrypoint of the narration core: inline
// synthesis, job submission and status, operator re-queue, result retrieval,
// and voice cache operations.
package service

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/book-expert/logger"
	"github.com/book-expert/narration-service/internal/core"
	"github.com/book-expert/narration-service/internal/metrics"
	"github.com/book-expert/narration-service/internal/pipeline"
	"github.com/book-expert/narration-service/internal/voicecache"
	"golang.org/x/sync/semaphore"
)

const (
	logJobEnqueued     = "Enqueued job %s for voice %s on the %s queue"
	logEnqueueFailed   = "Failed to enqueue job %s: %v"
	logEnqueueRecord   = "Failed to record enqueue failure of job %s: %v"
	logJobRequeued     = "Requeued job %s as %s"
	logCacheCleared    = "Voice cache cleared by operator: %d models dropped"
	logSyncRendered    = "Rendered %d/%d segments inline for voice %s"
	logSyncRenderError = "Inline render for voice %s failed: %v"
)

var (
	// ErrMissingDependency indicates that a required collaborator was not provided.
	ErrMissingDependency = errors.New("service dependency missing")
	// ErrEnqueueFailed indicates that a created job could not be handed to workers.
	ErrEnqueueFailed = errors.New("failed to enqueue job")
	// ErrNotTerminal indicates a re-queue of a job that is still running.
	ErrNotTerminal = errors.New("job is not finished")
	// ErrNoResult indicates a result request for a job that has not completed.
	ErrNoResult = errors.New("job has no result")
)

// Options wires a Service. Jobs, Queue and Results may be nil for a service
// that only renders inline; the async operations then fail with
// ErrMissingDependency.
type Options struct {
	Pipeline   *pipeline.Pipeline
	Voices     core.ModelStore
	Jobs       core.JobStore
	Queue      core.JobQueue
	Results    core.ObjectStore
	Cache      *voicecache.Cache
	SyncLimits map[core.EngineKind]int
	Metrics    *metrics.Metrics
	Logger     *logger.Logger
}

// Service implements the synchronous and asynchronous narration operations.
type Service struct {
	pipeline  *pipeline.Pipeline
	voices    core.ModelStore
	jobs      core.JobStore
	queue     core.JobQueue
	results   core.ObjectStore
	cache     *voicecache.Cache
	syncSlots map[core.EngineKind]*semaphore.Weighted
	metrics   *metrics.Metrics
	log       *logger.Logger
}

// EnqueueRequest is the input of EnqueueJob.
type EnqueueRequest struct {
	Text    string
	VoiceID string
	UserID  string
}

// New validates opts. An engine without a positive sync limit is not bounded.
func New(opts Options) (*Service, error) {
	switch {
	case opts.Pipeline == nil:
		return nil, fmt.Errorf("%w: pipeline", ErrMissingDependency)
	case opts.Voices == nil:
		return nil, fmt.Errorf("%w: voice catalog", ErrMissingDependency)
	case opts.Cache == nil:
		return nil, fmt.Errorf("%w: voice cache", ErrMissingDependency)
	case opts.Logger == nil:
		return nil, fmt.Errorf("%w: logger", ErrMissingDependency)
	}

	slots := make(map[core.EngineKind]*semaphore.Weighted, len(opts.SyncLimits))
	for kind, limit := range opts.SyncLimits {
		if limit > 0 {
			slots[kind] = semaphore.NewWeighted(int64(limit))
		}
	}

	return &Service{
		pipeline:  opts.Pipeline,
		voices:    opts.Voices,
		jobs:      opts.Jobs,
		queue:     opts.Queue,
		results:   opts.Results,
		cache:     opts.Cache,
		syncSlots: slots,
		metrics:   opts.Metrics,
		log:       opts.Logger,
	}, nil
}

// SynthesizeSync renders text with voiceID inline. Concurrent inline renders
// are bounded per engine class, so a burst on one engine does not take every
// request slot.
func (s *Service) SynthesizeSync(ctx context.Context, text, voiceID string) (pipeline.Rendering, error) {
	if strings.TrimSpace(text) == "" {
		return pipeline.Rendering{}, core.ErrEmptyText
	}

	voice, err := s.voices.Resolve(ctx, voiceID)
	if err != nil {
		return pipeline.Rendering{}, err
	}

	slots := s.syncSlots[voice.Engine]
	if slots != nil {
		acquireErr := slots.Acquire(ctx, 1)
		if acquireErr != nil {
			return pipeline.Rendering{}, fmt.Errorf("%w: waiting for a %s slot: %w",
				core.ErrCanceled, voice.Engine, acquireErr)
		}
		defer slots.Release(1)
	}

	rendering, err := s.pipeline.Render(ctx, text, voiceID)
	if err != nil {
		s.log.Warn(logSyncRenderError, voiceID, err)

		return pipeline.Rendering{}, err
	}

	s.log.Info(logSyncRendered, rendering.Produced, rendering.Total, voiceID)

	return rendering, nil
}

// EnqueueJob validates req, creates a queued job and hands it to the workers
// of the voice's engine class. Empty text, unsafe user ids, unknown voices and
// voices whose engine is not registered are rejected without creating a job. When the hand-off fails, the created job is marked
// failed with FailureEnqueueFailed and returned together with the error.
func (s *Service) EnqueueJob(ctx context.Context, req EnqueueRequest) (core.Job, error) {
	return s.enqueue(ctx, core.NewJob{Text: req.Text, VoiceID: req.VoiceID, UserID: req.UserID})
}

func (s *Service) enqueue(ctx context.Context, req core.NewJob) (core.Job, error) {
	if s.jobs == nil || s.queue == nil {
		return core.Job{}, fmt.Errorf("%w: job store and queue", ErrMissingDependency)
	}

	started := time.Now()

	if strings.TrimSpace(req.Text) == "" {
		s.metrics.JobFinished("", metrics.StatusNotStarted, string(core.FailureEmptyText), started)

		return core.Job{}, core.ErrEmptyText
	}

	err := core.ValidateUserID(req.UserID)
	if err != nil {
		s.metrics.JobFinished("", metrics.StatusNotStarted, string(core.FailureInvalidUserID), started)

		return core.Job{}, err
	}

	voice, err := s.voices.Resolve(ctx, req.VoiceID)
	if err != nil {
		s.metrics.JobFinished("", metrics.StatusNotStarted, string(core.Classify(err)), started)

		return core.Job{}, err
	}

	// A voice whose engine is not registered would sit on a queue no worker reads.
	err = s.pipeline.Routable(voice)
	if err != nil {
		s.metrics.JobFinished("", metrics.StatusNotStarted, string(core.Classify(err)), started)

		return core.Job{}, err
	}

	job, err := s.jobs.Create(ctx, req)
	if err != nil {
		return core.Job{}, fmt.Errorf("failed to create job: %w", err)
	}

	publishErr := s.queue.Publish(ctx, job, voice.Engine)
	if publishErr != nil {
		s.log.Error(logEnqueueFailed, job.ID, publishErr)
		s.metrics.JobFinished("", metrics.StatusFailed, string(core.FailureEnqueueFailed), started)

		return s.markEnqueueFailed(ctx, job), fmt.Errorf("%w: %w", ErrEnqueueFailed, publishErr)
	}

	s.log.Info(logJobEnqueued, job.ID, voice.ID, voice.Engine)
	s.metrics.JobFinished("", metrics.StatusEnqueued, "", started)

	return job, nil
}

// markEnqueueFailed walks job through processing to failed, the only path to
// a terminal state.
func (s *Service) markEnqueueFailed(ctx context.Context, job core.Job) core.Job {
	ctx = context.WithoutCancel(ctx)

	for _, update := range []core.JobUpdate{
		core.StatusUpdate(core.StatusProcessing),
		core.FailedUpdate(core.FailureEnqueueFailed),
	} {
		updated, err := s.jobs.Update(ctx, job.ID, update)
		if err != nil {
			s.log.Error(logEnqueueRecord, job.ID, err)

			return job
		}

		job = updated
	}

	return job
}

// GetJobStatus returns the current record of jobID.
func (s *Service) GetJobStatus(ctx context.Context, jobID string) (core.Job, error) {
	if s.jobs == nil {
		return core.Job{}, fmt.Errorf("%w: job store", ErrMissingDependency)
	}

	return s.jobs.Get(ctx, jobID)
}

// RequeueJob submits the text and voice of the finished job jobID again as a
// new job. The original record is left untouched.
func (s *Service) RequeueJob(ctx context.Context, jobID string) (core.Job, error) {
	original, err := s.GetJobStatus(ctx, jobID)
	if err != nil {
		return core.Job{}, err
	}

	if !original.Status.Terminal() {
		return core.Job{}, fmt.Errorf("%w: job %s is %s", ErrNotTerminal, jobID, original.Status)
	}

	job, err := s.enqueue(ctx, core.NewJob{
		Text:         original.Text,
		VoiceID:      original.VoiceID,
		UserID:       original.UserID,
		RequeuedFrom: original.ID,
	})
	if err != nil {
		return job, err
	}

	s.log.Info(logJobRequeued, jobID, job.ID)

	return job, nil
}

// FetchResult returns the assembled audio of the completed job jobID.
func (s *Service) FetchResult(ctx context.Context, jobID string) ([]byte, error) {
	if s.results == nil {
		return nil, fmt.Errorf("%w: result store", ErrMissingDependency)
	}

	job, err := s.GetJobStatus(ctx, jobID)
	if err != nil {
		return nil, err
	}

	if job.Status != core.StatusCompleted {
		return nil, fmt.Errorf("%w: job %s is %s", ErrNoResult, jobID, job.Status)
	}

	return s.results.Download(ctx, core.ResultKey(job.UserID, job.ID))
}

// ListVoices returns every voice of the catalog.
func (s *Service) ListVoices(ctx context.Context) ([]core.VoiceDescriptor, error) {
	return s.voices.List(ctx)
}

// CacheStats reports the voice cache contents.
func (s *Service) CacheStats() voicecache.Stats {
	return s.cache.Stats()
}

// ClearCache drops every resident voice model and returns how many were dropped.
func (s *Service) ClearCache() int {
	dropped := s.cache.Clear()
	s.log.Info(logCacheCleared, dropped)

	return dropped
}

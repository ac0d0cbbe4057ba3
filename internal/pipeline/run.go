package pipeline

import (
	"context"
	"fmt"
	"time"

	"github.com/book-expert/narration-service/internal/audio"
	"github.com/book-expert/narration-service/internal/core"
	"github.com/book-expert/narration-service/internal/metrics"
	"github.com/book-expert/narration-service/internal/text"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

// Run executes the stored job jobID to a terminal state and returns the final
// record. Job-level failures are recorded on the job and do not make Run
// fail; an error means the job could not be read or its outcome could not be
// persisted. A job that is already terminal is returned unchanged.
func (p *Pipeline) Run(ctx context.Context, jobID string) (job core.Job, err error) {
	if p.jobs == nil || p.sink == nil {
		return core.Job{}, fmt.Errorf("%w: job store and result sink", ErrMissingDependency)
	}

	job, err = p.jobs.Get(ctx, jobID)
	if err != nil {
		return core.Job{}, err
	}

	if job.Status.Terminal() {
		p.log.Info(logJobTerminal, jobID, job.Status)

		return job, nil
	}

	ctx, span := p.tracer.Start(ctx, "pipeline.run", trace.WithAttributes(
		attribute.String("job.id", job.ID),
		attribute.String("voice.id", job.VoiceID),
	))
	defer span.End()

	run := &jobRun{pipeline: p, job: job, span: span, started: time.Now()}

	defer func() {
		if recovered := recover(); recovered != nil {
			p.log.Error(logJobPanicked, jobID, recovered)
			job, err = run.fail(ctx, fmt.Errorf("%w: %v", ErrPanic, recovered))
		}
	}()

	return run.execute(ctx)
}

// jobRun carries the state of one Run.
type jobRun struct {
	pipeline *Pipeline
	job      core.Job
	voice    core.VoiceDescriptor
	span     trace.Span
	started  time.Time
}

func (r *jobRun) execute(ctx context.Context) (core.Job, error) {
	p := r.pipeline

	updated, err := p.jobs.Update(ctx, r.job.ID, core.StatusUpdate(core.StatusProcessing))
	if err != nil {
		return r.job, fmt.Errorf("failed to start job %s: %w", r.job.ID, err)
	}

	r.job = updated

	segments, err := p.Segment(r.job.Text)
	if err != nil {
		return r.fail(ctx, err)
	}

	r.voice, err = p.voices.Resolve(ctx, r.job.VoiceID)
	if err != nil {
		return r.fail(ctx, err)
	}

	r.span.SetAttributes(attribute.String("voice.engine", string(r.voice.Engine)))

	total := len(segments)

	updated, err = p.jobs.Update(ctx, r.job.ID, core.JobUpdate{TotalSegments: &total})
	if err != nil {
		return r.fail(ctx, err)
	}

	r.job = updated

	handle, err := p.acquire(ctx, r.voice)
	if err != nil {
		return r.fail(ctx, err)
	}
	defer handle.Release()

	fragments, err := p.synthesizeAll(ctx, r.job.ID, r.voice, handle, segments, r.recordProgress(ctx))
	if err != nil {
		return r.fail(ctx, err)
	}

	if len(fragments) == 0 {
		return r.fail(ctx, fmt.Errorf("%w: all %d segments failed", core.ErrNoAudioProduced, total))
	}

	rendering, err := p.assemble(r.voice, segments, fragments)
	if err != nil {
		return r.fail(ctx, err)
	}

	location, err := p.sink.Store(ctx, core.ResultKey(r.job.UserID, r.job.ID), rendering.Audio)
	if err != nil {
		return r.fail(ctx, fmt.Errorf("failed to store result: %w", err))
	}

	return r.complete(ctx, rendering, location)
}

// recordProgress persists the produced count and keeps the segment artifact.
// Neither is fatal for the job.
func (r *jobRun) recordProgress(ctx context.Context) produced {
	p := r.pipeline

	return func(segment text.Segment, fragment audio.Fragment, count int) {
		if p.artifacts != nil {
			artifactErr := p.artifacts.Write(r.job.ID, segment.Index, fragment)
			if artifactErr != nil {
				p.log.Warn(logArtifactFailed, segment.Index, r.job.ID, artifactErr)
			}
		}

		updated, err := p.jobs.Update(ctx, r.job.ID, core.JobUpdate{CompletedSegments: &count})
		if err != nil {
			p.log.Warn(logProgressFailed, r.job.ID, err)

			return
		}

		r.job = updated
	}
}

func (r *jobRun) complete(ctx context.Context, rendering Rendering, location string) (core.Job, error) {
	p := r.pipeline
	status := core.StatusCompleted

	updated, err := p.jobs.Update(context.WithoutCancel(ctx), r.job.ID, core.JobUpdate{
		Status:            &status,
		CompletedSegments: &rendering.Produced,
		ResultLocation:    &location,
	})
	if err != nil {
		return r.job, fmt.Errorf("failed to complete job %s: %w", r.job.ID, err)
	}

	r.job = updated

	p.log.Info(logJobCompleted, r.job.ID, rendering.Produced, rendering.Total,
		rendering.Duration.Round(time.Millisecond), location)
	r.span.SetAttributes(
		attribute.Int("segments.total", rendering.Total),
		attribute.Int("segments.produced", rendering.Produced),
	)
	p.metrics.JobFinished(string(r.voice.Engine), metrics.StatusCompleted, "", r.started)

	if p.artifacts != nil {
		removeErr := p.artifacts.Remove(r.job.ID)
		if removeErr != nil {
			p.log.Warn(logCleanupFailed, r.job.ID, removeErr)
		}
	}

	return r.job, nil
}

// fail marks the job failed with the classification of cause. The update is
// made even when ctx is canceled.
func (r *jobRun) fail(ctx context.Context, cause error) (core.Job, error) {
	p := r.pipeline
	kind := core.Classify(cause)

	p.log.Error(logJobFailed, r.job.ID, kind, cause)
	r.span.RecordError(cause)
	r.span.SetStatus(codes.Error, string(kind))
	p.metrics.JobFinished(string(r.voice.Engine), metrics.StatusFailed, string(kind), r.started)

	if p.artifacts != nil && !p.keepFailed {
		removeErr := p.artifacts.Remove(r.job.ID)
		if removeErr != nil {
			p.log.Warn(logCleanupFailed, r.job.ID, removeErr)
		}
	}

	updated, err := p.jobs.Update(context.WithoutCancel(ctx), r.job.ID, core.FailedUpdate(kind))
	if err != nil {
		p.log.Error(logFailRecordError, r.job.ID, err)

		return r.job, fmt.Errorf("failed to mark job %s failed: %w", r.job.ID, err)
	}

	r.job = updated

	return r.job, nil
}

// Package pipeline turns a text and a voice into one WAV file: it segments the
// text, acquires the voice model once from the cache, synthesizes every
// segment in order and assembles the produced fragments.
//
// Segments that fail are logged and skipped. A job fails only when nothing
// was produced, when assembly or storage fails, or when it is canceled.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/book-expert/logger"
	"github.com/book-expert/narration-service/internal/audio"
	"github.com/book-expert/narration-service/internal/core"
	"github.com/book-expert/narration-service/internal/engine"
	"github.com/book-expert/narration-service/internal/metrics"
	"github.com/book-expert/narration-service/internal/text"
	"github.com/book-expert/narration-service/internal/voicecache"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

const tracerName = "github.com/book-expert/narration-service/internal/pipeline"

// DefaultSegmentTimeout bounds one segment's synthesis.
const DefaultSegmentTimeout = 2 * time.Minute

const (
	logSegmentFailed   = "Segment %d/%d of %s failed: %v"
	logArtifactFailed  = "Failed to keep segment %d artifact of job %s: %v"
	logProgressFailed  = "Failed to record progress of job %s: %v"
	logJobFailed       = "Job %s failed (%s): %v"
	logJobCompleted    = "Job %s completed: %d/%d segments, %s of audio at %s"
	logJobTerminal     = "Job %s is already %s, skipping"
	logJobPanicked     = "Job %s panicked: %v"
	logCleanupFailed   = "Failed to remove artifacts of job %s: %v"
	logFailRecordError = "Failed to mark job %s failed: %v"
	labelSyncRender    = "sync request"
)

var (
	// ErrMissingDependency indicates that a required collaborator was not provided.
	ErrMissingDependency = errors.New("pipeline dependency missing")
	// ErrPanic wraps a recovered panic.
	ErrPanic = errors.New("pipeline panicked")
)

// Options wires a Pipeline.
type Options struct {
	Voices          core.ModelStore
	Jobs            core.JobStore
	Sink            core.ResultSink
	Cache           *voicecache.Cache
	Engines         *engine.Router
	Artifacts       *Artifacts
	KeepFailed      bool
	Normalizer      *text.Normalizer
	MaxSegmentChars int
	SegmentTimeout  time.Duration
	Metrics         *metrics.Metrics
	TracerProvider  trace.TracerProvider
	Logger          *logger.Logger
}

// Pipeline runs jobs and inline renders. It is safe for concurrent use.
type Pipeline struct {
	voices          core.ModelStore
	jobs            core.JobStore
	sink            core.ResultSink
	cache           *voicecache.Cache
	engines         *engine.Router
	artifacts       *Artifacts
	keepFailed      bool
	normalizer      *text.Normalizer
	maxSegmentChars int
	segmentTimeout  time.Duration
	metrics         *metrics.Metrics
	tracer          trace.Tracer
	log             *logger.Logger
}

// Rendering is the outcome of an inline render.
type Rendering struct {
	Audio    []byte
	Voice    core.VoiceDescriptor
	Format   audio.Format
	Total    int
	Produced int
	Duration time.Duration
}

// New validates opts. Jobs and Sink may be nil for a pipeline that only
// renders inline.
func New(opts Options) (*Pipeline, error) {
	switch {
	case opts.Voices == nil:
		return nil, fmt.Errorf("%w: voice catalog", ErrMissingDependency)
	case opts.Cache == nil:
		return nil, fmt.Errorf("%w: voice cache", ErrMissingDependency)
	case opts.Engines == nil:
		return nil, fmt.Errorf("%w: engine router", ErrMissingDependency)
	case opts.Logger == nil:
		return nil, fmt.Errorf("%w: logger", ErrMissingDependency)
	}

	if opts.MaxSegmentChars <= 0 {
		return nil, fmt.Errorf("%w: got %d", text.ErrInvalidLimit, opts.MaxSegmentChars)
	}

	if opts.SegmentTimeout <= 0 {
		opts.SegmentTimeout = DefaultSegmentTimeout
	}

	provider := opts.TracerProvider
	if provider == nil {
		provider = otel.GetTracerProvider()
	}

	return &Pipeline{
		voices:          opts.Voices,
		jobs:            opts.Jobs,
		sink:            opts.Sink,
		cache:           opts.Cache,
		engines:         opts.Engines,
		artifacts:       opts.Artifacts,
		keepFailed:      opts.KeepFailed,
		normalizer:      opts.Normalizer,
		maxSegmentChars: opts.MaxSegmentChars,
		segmentTimeout:  opts.SegmentTimeout,
		metrics:         opts.Metrics,
		tracer:          provider.Tracer(tracerName),
		log:             opts.Logger,
	}, nil
}

// Resolve returns the descriptor of voiceID.
func (p *Pipeline) Resolve(ctx context.Context, voiceID string) (core.VoiceDescriptor, error) {
	return p.voices.Resolve(ctx, voiceID)
}

// Routable reports whether an engine is registered for voice. The error wraps
// core.ErrInvalidEngine.
func (p *Pipeline) Routable(voice core.VoiceDescriptor) error {
	_, err := p.engines.For(voice)

	return err
}

// Segment normalizes input and splits it. Input without any text yields
// core.ErrEmptyText.
func (p *Pipeline) Segment(input string) ([]text.Segment, error) {
	if p.normalizer != nil {
		input = p.normalizer.Normalize(input)
	}

	segments, err := text.Split(input, p.maxSegmentChars)
	if err != nil {
		return nil, err
	}

	if len(segments) == 0 {
		return nil, core.ErrEmptyText
	}

	return segments, nil
}

// Render runs the whole pipeline inline for text and voiceID without touching
// the job store. A voice that cannot be resolved or loaded, or a text that is
// empty, fails before any synthesis.
func (p *Pipeline) Render(ctx context.Context, input, voiceID string) (Rendering, error) {
	ctx, span := p.tracer.Start(ctx, "pipeline.render", trace.WithAttributes(
		attribute.String("voice.id", voiceID),
	))
	defer span.End()

	started := time.Now()
	rendering, err := p.render(ctx, input, voiceID)

	engineLabel := string(rendering.Voice.Engine)
	if err != nil {
		kind := core.Classify(err)
		span.RecordError(err)
		span.SetStatus(codes.Error, string(kind))
		p.metrics.JobFinished(engineLabel, metrics.StatusFailed, string(kind), started)

		return Rendering{}, err
	}

	span.SetAttributes(
		attribute.Int("segments.total", rendering.Total),
		attribute.Int("segments.produced", rendering.Produced),
	)
	p.metrics.JobFinished(engineLabel, metrics.StatusCompleted, "", started)

	return rendering, nil
}

func (p *Pipeline) render(ctx context.Context, input, voiceID string) (Rendering, error) {
	segments, err := p.Segment(input)
	if err != nil {
		return Rendering{}, err
	}

	voice, err := p.voices.Resolve(ctx, voiceID)
	if err != nil {
		return Rendering{}, err
	}

	handle, err := p.acquire(ctx, voice)
	if err != nil {
		return Rendering{Voice: voice}, err
	}
	defer handle.Release()

	fragments, err := p.synthesizeAll(ctx, labelSyncRender, voice, handle, segments, nil)
	if err != nil {
		return Rendering{Voice: voice}, err
	}

	return p.assemble(voice, segments, fragments)
}

func (p *Pipeline) acquire(ctx context.Context, voice core.VoiceDescriptor) (*voicecache.Handle, error) {
	eng, err := p.engines.For(voice)
	if err != nil {
		return nil, err
	}

	return p.cache.Acquire(ctx, voice.ModelPath, eng)
}

// produced is called after each successful segment with the running count.
type produced func(segment text.Segment, fragment audio.Fragment, count int)

// synthesizeAll synthesizes segments strictly in order. Per-segment failures
// are logged and skipped; only cancellation stops the loop.
func (p *Pipeline) synthesizeAll(
	ctx context.Context,
	label string,
	voice core.VoiceDescriptor,
	handle *voicecache.Handle,
	segments []text.Segment,
	onProduced produced,
) ([]audio.Fragment, error) {
	fragments := make([]audio.Fragment, 0, len(segments))

	for _, segment := range segments {
		if ctx.Err() != nil {
			return nil, fmt.Errorf("%w before segment %d: %w", core.ErrCanceled, segment.Index, ctx.Err())
		}

		fragment, err := p.synthesizeSegment(ctx, voice, handle, segment)
		if err != nil {
			if ctx.Err() != nil {
				return nil, fmt.Errorf("%w during segment %d: %w", core.ErrCanceled, segment.Index, ctx.Err())
			}

			p.log.Warn(logSegmentFailed, segment.Index+1, len(segments), label, err)

			continue
		}

		fragments = append(fragments, fragment)

		if onProduced != nil {
			onProduced(segment, fragment, len(fragments))
		}
	}

	return fragments, nil
}

func (p *Pipeline) synthesizeSegment(
	ctx context.Context,
	voice core.VoiceDescriptor,
	handle *voicecache.Handle,
	segment text.Segment,
) (audio.Fragment, error) {
	segCtx, span := p.tracer.Start(ctx, "pipeline.segment", trace.WithAttributes(
		attribute.Int("segment.index", segment.Index),
		attribute.Int("segment.chars", len([]rune(segment.Content))),
	))
	defer span.End()

	segCtx, cancel := context.WithTimeout(segCtx, p.segmentTimeout)
	defer cancel()

	started := time.Now()

	fragment, err := engine.SynthesizeWith(segCtx, handle, segment.Content)
	p.metrics.SegmentFinished(string(voice.Engine), err, started)

	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "segment failed")

		return audio.Fragment{}, err
	}

	return fragment, nil
}

func (p *Pipeline) assemble(
	voice core.VoiceDescriptor,
	segments []text.Segment,
	fragments []audio.Fragment,
) (Rendering, error) {
	wav, err := audio.Assemble(fragments)
	if err != nil {
		return Rendering{Voice: voice}, err
	}

	var duration time.Duration
	for _, fragment := range fragments {
		duration += fragment.Duration()
	}

	return Rendering{
		Audio:    wav,
		Voice:    voice,
		Format:   fragments[0].Format,
		Total:    len(segments),
		Produced: len(fragments),
		Duration: duration,
	}, nil
}

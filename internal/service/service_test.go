package service_test

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/book-expert/logger"
	"github.com/book-expert/narration-service/internal/audio"
	"github.com/book-expert/narration-service/internal/core"
	"github.com/book-expert/narration-service/internal/engine"
	"github.com/book-expert/narration-service/internal/jobstore"
	"github.com/book-expert/narration-service/internal/objectstore"
	"github.com/book-expert/narration-service/internal/pipeline"
	"github.com/book-expert/narration-service/internal/service"
	"github.com/book-expert/narration-service/internal/voicecache"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const (
	voicePrimary   = "en_US-lessac-medium"
	voiceAlternate = "bg_BG-heavy"
)

var errBrokerDown = errors.New("broker down")

type fakeEngine struct {
	kind core.EngineKind
	gate chan struct{}
}

func (e *fakeEngine) Kind() core.EngineKind { return e.kind }

func (e *fakeEngine) Load(context.Context, string) (voicecache.Model, error) {
	return &fakeModel{gate: e.gate}, nil
}

type fakeModel struct {
	gate chan struct{}
}

func (m *fakeModel) Close() error { return nil }

func (m *fakeModel) Stream(ctx context.Context, text string, emit func(engine.Chunk) error) error {
	if m.gate != nil {
		select {
		case <-m.gate:
		case <-ctx.Done():
			return ctx.Err()
		}
	}

	return emit(engine.Chunk{Format: audio.Mono16(16000), Samples: make([]byte, 2*len(text))})
}

type fakeVoices map[string]core.VoiceDescriptor

func (v fakeVoices) Resolve(_ context.Context, voiceID string) (core.VoiceDescriptor, error) {
	voice, ok := v[voiceID]
	if !ok {
		return core.VoiceDescriptor{}, fmt.Errorf("%w: %s", core.ErrVoiceNotFound, voiceID)
	}

	return voice, nil
}

func (v fakeVoices) List(context.Context) ([]core.VoiceDescriptor, error) {
	return []core.VoiceDescriptor{v[voiceAlternate], v[voicePrimary]}, nil
}

type publishedJob struct {
	jobID  string
	engine core.EngineKind
}

type fakeQueue struct {
	mu        sync.Mutex
	published []publishedJob
	err       error
}

func (q *fakeQueue) Publish(_ context.Context, job core.Job, kind core.EngineKind) error {
	if q.err != nil {
		return q.err
	}

	q.mu.Lock()
	defer q.mu.Unlock()

	q.published = append(q.published, publishedJob{jobID: job.ID, engine: kind})

	return nil
}

type fixture struct {
	service  *service.Service
	pipeline *pipeline.Pipeline
	jobs     *jobstore.Memory
	queue    *fakeQueue
	cache    *voicecache.Cache
	primary  *fakeEngine
}

func newFixture(t *testing.T, syncLimits map[core.EngineKind]int) *fixture {
	t.Helper()

	return buildFixture(t, syncLimits, true)
}

func buildFixture(t *testing.T, syncLimits map[core.EngineKind]int, withAlternate bool) *fixture {
	t.Helper()

	root := t.TempDir()

	modelPaths := map[string]string{}
	for _, voiceID := range []string{voicePrimary, voiceAlternate} {
		modelPaths[voiceID] = filepath.Join(root, voiceID+".onnx")
		require.NoError(t, os.WriteFile(modelPaths[voiceID], []byte("weights"), 0o600))
	}

	voices := fakeVoices{
		voicePrimary: {
			ID: voicePrimary, Language: "en_US", Engine: core.EnginePrimary,
			ModelPath: modelPaths[voicePrimary], Available: true,
		},
		voiceAlternate: {
			ID: voiceAlternate, Language: "bg_BG", Engine: core.EngineAlternate,
			ModelPath: modelPaths[voiceAlternate], Available: true,
		},
	}

	log, err := logger.New(root, "service-test.log")
	require.NoError(t, err)
	t.Cleanup(func() { _ = log.Close() })

	cache, err := voicecache.New(voicecache.Options{Logger: log})
	require.NoError(t, err)

	primary := &fakeEngine{kind: core.EnginePrimary}

	engines := []engine.Engine{primary}
	if withAlternate {
		engines = append(engines, &fakeEngine{kind: core.EngineAlternate})
	}

	router, err := engine.NewRouter(engines...)
	require.NoError(t, err)

	results, err := objectstore.NewLocal(filepath.Join(root, "results"))
	require.NoError(t, err)

	jobs := jobstore.NewMemory()

	pipe, err := pipeline.New(pipeline.Options{
		Voices:          voices,
		Jobs:            jobs,
		Sink:            results,
		Cache:           cache,
		Engines:         router,
		MaxSegmentChars: 100,
		Logger:          log,
	})
	require.NoError(t, err)

	queue := &fakeQueue{}

	svc, err := service.New(service.Options{
		Pipeline:   pipe,
		Voices:     voices,
		Jobs:       jobs,
		Queue:      queue,
		Results:    results,
		Cache:      cache,
		SyncLimits: syncLimits,
		Logger:     log,
	})
	require.NoError(t, err)

	return &fixture{service: svc, pipeline: pipe, jobs: jobs, queue: queue, cache: cache, primary: primary}
}

func TestSynthesizeSync(t *testing.T) {
	t.Parallel()

	fix := newFixture(t, nil)

	rendering, err := fix.service.SynthesizeSync(context.Background(), "Hello world. This is a test.", voicePrimary)
	require.NoError(t, err)
	assert.Equal(t, 1, rendering.Total)

	fragment, err := audio.DecodeWAV(rendering.Audio)
	require.NoError(t, err)
	assert.Equal(t, len("Hello world. This is a test."), fragment.FrameCount())

	_, err = fix.service.SynthesizeSync(context.Background(), "  ", voicePrimary)
	require.ErrorIs(t, err, core.ErrEmptyText)

	_, err = fix.service.SynthesizeSync(context.Background(), "Hi.", "xx_XX-nobody")
	require.ErrorIs(t, err, core.ErrVoiceNotFound)
}

func TestSynthesizeSync_BoundedPerEngine(t *testing.T) {
	t.Parallel()

	fix := newFixture(t, map[core.EngineKind]int{core.EnginePrimary: 1})
	fix.primary.gate = make(chan struct{})

	done := make(chan error, 1)

	go func() {
		_, err := fix.service.SynthesizeSync(context.Background(), "Holding the only slot.", voicePrimary)
		done <- err
	}()

	require.Eventually(t, func() bool { return fix.cache.Stats().Resident == 1 }, 5*time.Second, 10*time.Millisecond)

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	_, err := fix.service.SynthesizeSync(ctx, "Waiting for a slot.", voicePrimary)
	require.ErrorIs(t, err, core.ErrCanceled)
	assert.Equal(t, core.FailureCanceled, core.Classify(err))

	rendering, err := fix.service.SynthesizeSync(context.Background(), "Other engines are unaffected.", voiceAlternate)
	require.NoError(t, err)
	assert.Equal(t, 1, rendering.Produced)

	close(fix.primary.gate)
	require.NoError(t, <-done)
}

func TestEnqueueJob_RoutesByEngine(t *testing.T) {
	t.Parallel()

	fix := newFixture(t, nil)

	job, err := fix.service.EnqueueJob(context.Background(), service.EnqueueRequest{
		Text: "Zdravei.", VoiceID: voiceAlternate, UserID: "reader-1",
	})
	require.NoError(t, err)
	assert.Equal(t, core.StatusQueued, job.Status)
	assert.Equal(t, "reader-1", job.UserID)
	assert.Equal(t, []publishedJob{{jobID: job.ID, engine: core.EngineAlternate}}, fix.queue.published)

	stored, err := fix.service.GetJobStatus(context.Background(), job.ID)
	require.NoError(t, err)
	assert.Equal(t, job, stored)
}

func TestEnqueueJob_RejectsBeforeCreating(t *testing.T) {
	t.Parallel()

	fix := newFixture(t, nil)

	_, err := fix.service.EnqueueJob(context.Background(), service.EnqueueRequest{Text: "\n", VoiceID: voicePrimary})
	require.ErrorIs(t, err, core.ErrEmptyText)

	_, err = fix.service.EnqueueJob(context.Background(), service.EnqueueRequest{Text: "Hi.", VoiceID: "nobody"})
	require.ErrorIs(t, err, core.ErrVoiceNotFound)

	for _, userID := range []string{"../etc", "a/b", "..", ".hidden", `back\slash`, "name with space"} {
		_, err = fix.service.EnqueueJob(context.Background(), service.EnqueueRequest{
			Text: "Hi.", VoiceID: voicePrimary, UserID: userID,
		})
		require.ErrorIs(t, err, core.ErrInvalidUserID, userID)
	}

	assert.Empty(t, fix.queue.published)
}

func TestEnqueueJob_RejectsVoiceWithoutEngine(t *testing.T) {
	t.Parallel()

	fix := buildFixture(t, nil, false)

	_, err := fix.service.EnqueueJob(context.Background(), service.EnqueueRequest{Text: "Zdravei.", VoiceID: voiceAlternate})
	require.ErrorIs(t, err, core.ErrInvalidEngine)
	assert.Empty(t, fix.queue.published)

	job, err := fix.service.EnqueueJob(context.Background(), service.EnqueueRequest{Text: "Hello.", VoiceID: voicePrimary})
	require.NoError(t, err)
	assert.Equal(t, []publishedJob{{jobID: job.ID, engine: core.EnginePrimary}}, fix.queue.published)
}

func TestEnqueueJob_PublishFailureMarksJobFailed(t *testing.T) {
	t.Parallel()

	fix := newFixture(t, nil)
	fix.queue.err = errBrokerDown

	job, err := fix.service.EnqueueJob(context.Background(), service.EnqueueRequest{Text: "Hi.", VoiceID: voicePrimary})
	require.ErrorIs(t, err, service.ErrEnqueueFailed)
	require.ErrorIs(t, err, errBrokerDown)
	assert.Equal(t, core.StatusFailed, job.Status)
	assert.Equal(t, core.FailureEnqueueFailed, job.Failure)

	stored, err := fix.jobs.Get(context.Background(), job.ID)
	require.NoError(t, err)
	assert.Equal(t, core.StatusFailed, stored.Status)
}

func TestRequeueJob(t *testing.T) {
	t.Parallel()

	fix := newFixture(t, nil)

	job, err := fix.service.EnqueueJob(context.Background(), service.EnqueueRequest{
		Text: "Read it again.", VoiceID: voicePrimary, UserID: "reader-2",
	})
	require.NoError(t, err)

	_, err = fix.service.RequeueJob(context.Background(), job.ID)
	require.ErrorIs(t, err, service.ErrNotTerminal)

	_, err = fix.pipeline.Run(context.Background(), job.ID)
	require.NoError(t, err)

	again, err := fix.service.RequeueJob(context.Background(), job.ID)
	require.NoError(t, err)
	assert.NotEqual(t, job.ID, again.ID)
	assert.Equal(t, job.ID, again.RequeuedFrom)
	assert.Equal(t, core.StatusQueued, again.Status)
	assert.Equal(t, job.Text, again.Text)
	assert.Equal(t, "reader-2", again.UserID)
	assert.Len(t, fix.queue.published, 2)

	original, err := fix.jobs.Get(context.Background(), job.ID)
	require.NoError(t, err)
	assert.Equal(t, core.StatusCompleted, original.Status)

	_, err = fix.service.RequeueJob(context.Background(), "missing")
	require.ErrorIs(t, err, core.ErrJobNotFound)
}

func TestFetchResult(t *testing.T) {
	t.Parallel()

	fix := newFixture(t, nil)

	job, err := fix.service.EnqueueJob(context.Background(), service.EnqueueRequest{Text: "Fetch me.", VoiceID: voicePrimary})
	require.NoError(t, err)

	_, err = fix.service.FetchResult(context.Background(), job.ID)
	require.ErrorIs(t, err, service.ErrNoResult)

	final, err := fix.pipeline.Run(context.Background(), job.ID)
	require.NoError(t, err)
	require.Equal(t, core.StatusCompleted, final.Status)
	assert.Contains(t, final.ResultLocation, "anonymous/"+job.ID+".wav")

	data, err := fix.service.FetchResult(context.Background(), job.ID)
	require.NoError(t, err)

	fragment, err := audio.DecodeWAV(data)
	require.NoError(t, err)
	assert.Equal(t, len("Fetch me."), fragment.FrameCount())
}

func TestCacheOperations(t *testing.T) {
	t.Parallel()

	fix := newFixture(t, nil)

	_, err := fix.service.SynthesizeSync(context.Background(), "Warm up.", voicePrimary)
	require.NoError(t, err)

	stats := fix.service.CacheStats()
	assert.Equal(t, 1, stats.Resident)
	assert.Equal(t, voicecache.DefaultCapacity, stats.Capacity)

	assert.Equal(t, 1, fix.service.ClearCache())
	assert.Equal(t, 0, fix.service.CacheStats().Resident)

	voices, err := fix.service.ListVoices(context.Background())
	require.NoError(t, err)
	assert.Len(t, voices, 2)
}

func TestNew_RequiresDependencies(t *testing.T) {
	t.Parallel()

	_, err := service.New(service.Options{})
	require.ErrorIs(t, err, service.ErrMissingDependency)
}

package engine_test

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/book-expert/narration-service/internal/audio"
	"github.com/book-expert/narration-service/internal/core"
	"github.com/book-expert/narration-service/internal/engine"
	"github.com/book-expert/narration-service/internal/voicecache"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type scriptedModel struct {
	chunks []engine.Chunk
}

func (m *scriptedModel) Close() error { return nil }

func (m *scriptedModel) Stream(_ context.Context, _ string, emit func(engine.Chunk) error) error {
	for _, chunk := range m.chunks {
		err := emit(chunk)
		if err != nil {
			return err
		}
	}

	return nil
}

func writeFile(t *testing.T, path, content string, mode os.FileMode) string {
	t.Helper()

	require.NoError(t, os.WriteFile(path, []byte(content), mode))

	return path
}

// fakePiper writes a shell script standing in for the piper binary.
func fakePiper(t *testing.T, script string) string {
	t.Helper()

	return writeFile(t, filepath.Join(t.TempDir(), "piper"), "#!/bin/sh\n"+script+"\n", 0o700)
}

// replayPiper fakes piper's --json-input mode: every input line gets wav
// copied to its output_file, whose path is echoed back. Each process start
// appends its --output_dir argument to the returned starts file.
func replayPiper(t *testing.T, wav []byte) (binary, starts string) {
	t.Helper()

	dir := t.TempDir()
	fixture := filepath.Join(dir, "reply.wav")
	require.NoError(t, os.WriteFile(fixture, wav, 0o600))

	starts = filepath.Join(dir, "starts")
	script := `echo "$5" >> '` + starts + `'
while IFS= read -r line; do
  out=$(printf '%s\n' "$line" | sed -n 's/.*"output_file":"\([^"]*\)".*/\1/p')
  cp '` + fixture + `' "$out" || exit 1
  echo "$out"
done`

	return fakePiper(t, script), starts
}

func startedDirs(t *testing.T, starts string) []string {
	t.Helper()

	data, err := os.ReadFile(starts)
	require.NoError(t, err)

	return strings.Fields(string(data))
}

func encodeWAV(t *testing.T, format audio.Format, pcm []byte) []byte {
	t.Helper()

	wav, err := audio.EncodeWAV(format, pcm)
	require.NoError(t, err)

	return wav
}

func loadPiper(t *testing.T, piper *engine.Piper, modelPath string) engine.Model {
	t.Helper()

	loaded, err := piper.Load(context.Background(), modelPath)
	require.NoError(t, err)
	t.Cleanup(func() { _ = loaded.Close() })

	model, ok := loaded.(engine.Model)
	require.True(t, ok)

	return model
}

func writeModel(t *testing.T, sidecar string) string {
	t.Helper()

	dir := t.TempDir()
	model := writeFile(t, filepath.Join(dir, "en_US-test-medium.onnx"), "weights", 0o600)

	if sidecar != "" {
		writeFile(t, model+".json", sidecar, 0o600)
	}

	return model
}

func TestSynthesize_ConcatenatesChunks(t *testing.T) {
	t.Parallel()

	format := audio.Mono16(16000)
	model := &scriptedModel{chunks: []engine.Chunk{
		{Format: format, Samples: []byte{1, 0}},
		{Format: format, Samples: []byte{2, 0, 3, 0}},
	}}

	fragment, err := engine.Synthesize(context.Background(), model, "hello")
	require.NoError(t, err)
	assert.Equal(t, format, fragment.Format)
	assert.Equal(t, []byte{1, 0, 2, 0, 3, 0}, fragment.Samples)
}

func TestSynthesize_ChunkFormatMismatch(t *testing.T) {
	t.Parallel()

	model := &scriptedModel{chunks: []engine.Chunk{
		{Format: audio.Mono16(16000), Samples: []byte{1, 0}},
		{Format: audio.Mono16(22050), Samples: []byte{2, 0}},
	}}

	_, err := engine.Synthesize(context.Background(), model, "hello")
	require.ErrorIs(t, err, core.ErrSynthesisFailed)
	require.ErrorIs(t, err, core.ErrFormatMismatch)
}

func TestSynthesize_NoAudio(t *testing.T) {
	t.Parallel()

	_, err := engine.Synthesize(context.Background(), &scriptedModel{}, "hello")
	require.ErrorIs(t, err, core.ErrSynthesisFailed)
}

func TestPiper_SynthesizesThroughCache(t *testing.T) {
	t.Parallel()

	binary, starts := replayPiper(t, encodeWAV(t, audio.Mono16(16000), []byte{1, 0, 2, 0, 3, 0}))
	model := writeModel(t, `{"audio": {"sample_rate": 16000}, "num_speakers": 1}`)
	piper := engine.NewPiper(engine.PiperOptions{BinaryPath: binary, ChunkBytes: 4, Processes: 1})

	cache, err := voicecache.New(voicecache.Options{Capacity: 1})
	require.NoError(t, err)

	handle, err := cache.Acquire(context.Background(), model, piper)
	require.NoError(t, err)

	for _, sentence := range []string{"Hello there.", "General Kenobi."} {
		fragment, synthErr := engine.SynthesizeWith(context.Background(), handle, sentence)
		require.NoError(t, synthErr)
		assert.Equal(t, audio.Mono16(16000), fragment.Format)
		assert.Equal(t, []byte{1, 0, 2, 0, 3, 0}, fragment.Samples)
	}

	// Both sentences went through the one resident process.
	dirs := startedDirs(t, starts)
	require.Len(t, dirs, 1)

	handle.Release()
	assert.Equal(t, 1, cache.Clear())
	assert.NoDirExists(t, dirs[0])
}

func TestPiper_ProcessPool(t *testing.T) {
	t.Parallel()

	binary, starts := replayPiper(t, encodeWAV(t, audio.Mono16(22050), []byte{7, 0}))
	piper := engine.NewPiper(engine.PiperOptions{BinaryPath: binary, Processes: 3})
	model := loadPiper(t, piper, writeModel(t, ""))

	_, exclusive := model.(voicecache.Exclusive)
	assert.False(t, exclusive)

	var wg sync.WaitGroup

	errs := make(chan error, 6)

	for range 6 {
		wg.Add(1)

		go func() {
			defer wg.Done()

			_, err := engine.Synthesize(context.Background(), model, "Hi.")
			errs <- err
		}()
	}

	wg.Wait()
	close(errs)

	for err := range errs {
		require.NoError(t, err)
	}

	assert.Len(t, startedDirs(t, starts), 3)
}

func TestPiper_DefaultSampleRate(t *testing.T) {
	t.Parallel()

	binary, _ := replayPiper(t, encodeWAV(t, audio.Mono16(engine.DefaultPiperSampleRate), []byte{1, 0}))
	model := loadPiper(t, engine.NewPiper(engine.PiperOptions{BinaryPath: binary}), writeModel(t, ""))

	fragment, err := engine.Synthesize(context.Background(), model, "Hi.")
	require.NoError(t, err)
	assert.Equal(t, engine.DefaultPiperSampleRate, fragment.Format.SampleRate)
}

func TestPiper_OutputDisagreesWithVoiceConfig(t *testing.T) {
	t.Parallel()

	binary, _ := replayPiper(t, encodeWAV(t, audio.Mono16(22050), []byte{1, 0}))
	model := loadPiper(t,
		engine.NewPiper(engine.PiperOptions{BinaryPath: binary}),
		writeModel(t, `{"audio": {"sample_rate": 16000}}`))

	_, err := engine.Synthesize(context.Background(), model, "Hi.")
	require.ErrorIs(t, err, core.ErrSynthesisFailed)
	require.ErrorIs(t, err, core.ErrFormatMismatch)
}

func TestPiper_ProcessFailure(t *testing.T) {
	t.Parallel()

	binary := fakePiper(t, "read -r line\necho 'voice exploded' >&2\nexit 3")
	model := loadPiper(t, engine.NewPiper(engine.PiperOptions{BinaryPath: binary, Processes: 1}), writeModel(t, ""))

	_, err := engine.Synthesize(context.Background(), model, "Hi.")
	require.ErrorIs(t, err, core.ErrSynthesisFailed)
	assert.Contains(t, err.Error(), "voice exploded")

	// The dead process is replaced on the next call.
	_, err = engine.Synthesize(context.Background(), model, "Again.")
	require.ErrorIs(t, err, core.ErrSynthesisFailed)
	assert.Contains(t, err.Error(), "voice exploded")
}

func TestPiper_CancelStopsProcess(t *testing.T) {
	t.Parallel()

	binary := fakePiper(t, "read -r line\nexec sleep 30")
	model := loadPiper(t, engine.NewPiper(engine.PiperOptions{BinaryPath: binary, Processes: 1}), writeModel(t, ""))

	ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
	defer cancel()

	started := time.Now()

	_, err := engine.Synthesize(ctx, model, "Hi.")
	require.ErrorIs(t, err, context.DeadlineExceeded)
	assert.Less(t, time.Since(started), 10*time.Second)
}

func TestPiper_LoadErrors(t *testing.T) {
	t.Parallel()

	piper := engine.NewPiper(engine.PiperOptions{BinaryPath: fakePiper(t, "")})

	_, err := piper.Load(context.Background(), filepath.Join(t.TempDir(), "missing.onnx"))
	require.ErrorIs(t, err, core.ErrModelNotFound)

	_, err = piper.Load(context.Background(), writeModel(t, "{not json"))
	require.Error(t, err)

	_, err = piper.Load(context.Background(), writeModel(t, `{"audio": {"sample_rate": -5}}`))
	require.ErrorIs(t, err, audio.ErrInvalidFormat)

	missingBinary := engine.NewPiper(engine.PiperOptions{BinaryPath: filepath.Join(t.TempDir(), "nope")})

	_, err = missingBinary.Load(context.Background(), writeModel(t, ""))
	require.ErrorIs(t, err, engine.ErrPiperBinary)
}

func newSpeechServer(t *testing.T, handler http.HandlerFunc) *httptest.Server {
	t.Helper()

	mux := http.NewServeMux()
	mux.HandleFunc("/health", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
	})
	mux.HandleFunc("/v1/generate/speech", handler)

	server := httptest.NewServer(mux)
	t.Cleanup(server.Close)

	return server
}

func TestRemote_Synthesize(t *testing.T) {
	t.Parallel()

	model := writeModel(t, "")
	format := audio.Mono16(24000)

	server := newSpeechServer(t, func(w http.ResponseWriter, r *http.Request) {
		// Decode loosely so the wire field names are checked too.
		var req map[string]string

		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)

			return
		}

		if req["model_path"] != model || req["language"] != "hi" || req["text"] != "Namaste." {
			http.Error(w, "unexpected request", http.StatusBadRequest)

			return
		}

		wav, err := audio.EncodeWAV(format, []byte{5, 0, 6, 0})
		if err != nil {
			http.Error(w, err.Error(), http.StatusInternalServerError)

			return
		}

		w.Header().Set("Content-Type", "audio/wav")
		_, _ = w.Write(wav)
	})

	remote := engine.NewRemote(engine.RemoteOptions{ServiceURL: server.URL + "/", Language: "hi"})
	assert.Equal(t, core.EngineAlternate, remote.Kind())

	loaded, err := remote.Load(context.Background(), model)
	require.NoError(t, err)

	exclusive, ok := loaded.(voicecache.Exclusive)
	require.True(t, ok)
	assert.True(t, exclusive.Exclusive())

	fragment, err := engine.Synthesize(context.Background(), loaded.(engine.Model), "Namaste.")
	require.NoError(t, err)
	assert.Equal(t, format, fragment.Format)
	assert.Equal(t, []byte{5, 0, 6, 0}, fragment.Samples)
}

func TestRemote_ServiceError(t *testing.T) {
	t.Parallel()

	server := newSpeechServer(t, func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusInternalServerError)
		_, _ = w.Write([]byte(`{"detail": "CUDA out of memory", "error_code": "oom"}`))
	})

	remote := engine.NewRemote(engine.RemoteOptions{ServiceURL: server.URL})

	loaded, err := remote.Load(context.Background(), writeModel(t, ""))
	require.NoError(t, err)

	_, err = engine.Synthesize(context.Background(), loaded.(engine.Model), "Hello.")
	require.ErrorIs(t, err, core.ErrSynthesisFailed)
	assert.Contains(t, err.Error(), "CUDA out of memory")
	assert.Contains(t, err.Error(), "oom")
}

func TestRemote_LoadRequiresHealthyService(t *testing.T) {
	t.Parallel()

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusServiceUnavailable)
	}))
	t.Cleanup(server.Close)

	remote := engine.NewRemote(engine.RemoteOptions{ServiceURL: server.URL})

	_, err := remote.Load(context.Background(), writeModel(t, ""))
	require.ErrorIs(t, err, engine.ErrServiceUnavailable)

	_, err = remote.Load(context.Background(), filepath.Join(t.TempDir(), "missing.onnx"))
	require.ErrorIs(t, err, core.ErrModelNotFound)
}

func TestRouter(t *testing.T) {
	t.Parallel()

	piper := engine.NewPiper(engine.PiperOptions{})
	remote := engine.NewRemote(engine.RemoteOptions{ServiceURL: "http://localhost:1"})

	router, err := engine.NewRouter(piper, remote)
	require.NoError(t, err)
	assert.Equal(t, []core.EngineKind{core.EnginePrimary, core.EngineAlternate}, router.Kinds())

	selected, err := router.For(core.VoiceDescriptor{ID: "hi-parler", Engine: core.EngineAlternate})
	require.NoError(t, err)
	assert.Same(t, remote, selected)

	primaryOnly, err := engine.NewRouter(piper)
	require.NoError(t, err)

	_, err = primaryOnly.For(core.VoiceDescriptor{ID: "hi-parler", Engine: core.EngineAlternate})
	require.ErrorIs(t, err, core.ErrInvalidEngine)

	_, err = engine.NewRouter(piper, engine.NewPiper(engine.PiperOptions{}))
	require.ErrorIs(t, err, engine.ErrDuplicateEngine)
}

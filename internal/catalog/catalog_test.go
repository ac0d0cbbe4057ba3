package catalog_test

import (
	"context"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/book-expert/narration-service/internal/catalog"
	"github.com/book-expert/narration-service/internal/core"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func addVoice(t *testing.T, modelsDir, voiceID string, files ...string) {
	t.Helper()

	dir := filepath.Join(modelsDir, voiceID)
	require.NoError(t, os.MkdirAll(dir, 0o750))

	for _, file := range files {
		require.NoError(t, os.WriteFile(filepath.Join(dir, file), []byte("x"), 0o600))
	}
}

func TestCatalog_DiscoversModels(t *testing.T) {
	t.Parallel()

	modelsDir := t.TempDir()
	addVoice(t, modelsDir, "en_US-lessac-medium", "en_US-lessac-medium.onnx", "en_US-lessac-medium.onnx.json")
	addVoice(t, modelsDir, "te_IN-rama-medium", "b.onnx", "a.onnx")
	addVoice(t, modelsDir, "empty-voice", "README.md")

	cat := catalog.New(catalog.Options{ModelsDir: modelsDir})

	voices, err := cat.List(context.Background())
	require.NoError(t, err)
	require.Len(t, voices, 2)

	lessac := voices[0]
	assert.Equal(t, "en_US-lessac-medium", lessac.ID)
	assert.Equal(t, "En Us - Lessac Medium", lessac.DisplayName)
	assert.Equal(t, "en_US", lessac.Language)
	assert.Equal(t, core.EnginePrimary, lessac.Engine)
	assert.True(t, lessac.Available)
	assert.True(t, filepath.IsAbs(lessac.ModelPath))

	rama, err := cat.Resolve(context.Background(), "te_IN-rama-medium")
	require.NoError(t, err)
	assert.Equal(t, "a.onnx", filepath.Base(rama.ModelPath))
}

func TestCatalog_ResolveRescansForNewVoices(t *testing.T) {
	t.Parallel()

	modelsDir := t.TempDir()
	cat := catalog.New(catalog.Options{ModelsDir: modelsDir, RescanInterval: 20 * time.Millisecond})

	_, err := cat.Resolve(context.Background(), "hi_IN-pratham-medium")
	require.ErrorIs(t, err, core.ErrVoiceNotFound)

	addVoice(t, modelsDir, "hi_IN-pratham-medium", "hi_IN-pratham-medium.onnx")

	require.Eventually(t, func() bool {
		voice, resolveErr := cat.Resolve(context.Background(), "hi_IN-pratham-medium")

		return resolveErr == nil && voice.Language == "hi_IN"
	}, 5*time.Second, 10*time.Millisecond)
}

func TestCatalog_UnknownIDsDoNotRescanEveryTime(t *testing.T) {
	t.Parallel()

	modelsDir := t.TempDir()
	addVoice(t, modelsDir, "en_US-lessac-medium", "en_US-lessac-medium.onnx")

	cat := catalog.New(catalog.Options{ModelsDir: modelsDir, RescanInterval: time.Hour})

	_, err := cat.Resolve(context.Background(), "en_US-lessac-medium")
	require.NoError(t, err)

	addVoice(t, modelsDir, "de_DE-thorsten-medium", "de_DE-thorsten-medium.onnx")

	var wg sync.WaitGroup

	for range 32 {
		wg.Add(1)

		go func() {
			defer wg.Done()

			_, resolveErr := cat.Resolve(context.Background(), "de_DE-thorsten-medium")
			assert.ErrorIs(t, resolveErr, core.ErrVoiceNotFound)
		}()
	}

	wg.Wait()

	// An explicit refresh ignores the interval.
	require.NoError(t, cat.Refresh())

	voice, err := cat.Resolve(context.Background(), "de_DE-thorsten-medium")
	require.NoError(t, err)
	assert.Equal(t, "de_DE", voice.Language)
}

func TestCatalog_MissingModelsDir(t *testing.T) {
	t.Parallel()

	cat := catalog.New(catalog.Options{ModelsDir: filepath.Join(t.TempDir(), "absent")})

	voices, err := cat.List(context.Background())
	require.NoError(t, err)
	assert.Empty(t, voices)
}

func TestCatalog_ManifestOverridesAndDeclares(t *testing.T) {
	t.Parallel()

	root := t.TempDir()
	modelsDir := filepath.Join(root, "models")
	addVoice(t, modelsDir, "en_US-lessac-medium", "en_US-lessac-medium.onnx")

	manifest := filepath.Join(root, "voices.toml")
	require.NoError(t, os.WriteFile(manifest, []byte(`
[[voice]]
id = "hi_IN-parler-female"
engine = "alternate"
language = "hi_IN"
display_name = "Hindi (Parler, female)"
model_path = "parler/hi_female"

[[voice]]
id = "en_US-lessac-medium"
model_path = "/opt/models/lessac.onnx"
available = false
`), 0o600))

	cat := catalog.New(catalog.Options{ModelsDir: modelsDir, ManifestPath: manifest})

	parler, err := cat.Resolve(context.Background(), "hi_IN-parler-female")
	require.NoError(t, err)
	assert.Equal(t, core.EngineAlternate, parler.Engine)
	assert.Equal(t, "Hindi (Parler, female)", parler.DisplayName)
	assert.Equal(t, filepath.Join(root, "parler", "hi_female"), parler.ModelPath)

	_, err = cat.Resolve(context.Background(), "en_US-lessac-medium")
	require.ErrorIs(t, err, core.ErrVoiceNotFound)

	voices, err := cat.List(context.Background())
	require.NoError(t, err)
	require.Len(t, voices, 2)
	assert.Equal(t, "/opt/models/lessac.onnx", voices[0].ModelPath)
	assert.False(t, voices[0].Available)
}

func TestLoadManifest_Rejects(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name    string
		content string
		want    error
	}{
		{"unknown engine", "[[voice]]\nid = \"a\"\nengine = \"parler\"\nmodel_path = \"m\"\n", core.ErrInvalidEngine},
		{"missing id", "[[voice]]\nmodel_path = \"m\"\n", catalog.ErrManifestVoiceID},
		{"missing model path", "[[voice]]\nid = \"a\"\n", catalog.ErrManifestModelPath},
		{"duplicate", "[[voice]]\nid = \"a\"\nmodel_path = \"m\"\n[[voice]]\nid = \"a\"\nmodel_path = \"n\"\n", catalog.ErrManifestDuplicate},
	}

	for _, testCase := range tests {
		t.Run(testCase.name, func(t *testing.T) {
			t.Parallel()

			path := filepath.Join(t.TempDir(), "voices.toml")
			require.NoError(t, os.WriteFile(path, []byte(testCase.content), 0o600))

			_, err := catalog.LoadManifest(path)
			require.ErrorIs(t, err, testCase.want)
		})
	}
}

func TestLanguageAndDisplayName(t *testing.T) {
	t.Parallel()

	assert.Equal(t, "en_GB", catalog.Language("en_GB-alba-medium"))
	assert.Equal(t, "solo", catalog.Language("solo"))
	assert.Equal(t, "unknown", catalog.Language("-odd"))
	assert.Equal(t, "Solo - Solo", catalog.DisplayName("solo"))
}

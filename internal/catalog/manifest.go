package catalog

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/book-expert/narration-service/internal/core"
	"github.com/pelletier/go-toml/v2"
)

var (
	// ErrManifestVoiceID indicates a manifest entry without an id.
	ErrManifestVoiceID = errors.New("manifest voice has no id")
	// ErrManifestDuplicate indicates two manifest entries with the same id.
	ErrManifestDuplicate = errors.New("duplicate manifest voice")
	// ErrManifestModelPath indicates a manifest entry without a model path.
	ErrManifestModelPath = errors.New("manifest voice has no model_path")
)

// Manifest is the TOML voice manifest:
//
//	[[voice]]
//	id = "hi_IN-parler-female"
//	engine = "alternate"
//	language = "hi_IN"
//	model_path = "parler/hi_female"
type Manifest struct {
	Voices []ManifestVoice `toml:"voice"`
}

// ManifestVoice declares or overrides one voice. Relative model paths are
// resolved against the manifest's directory. Available defaults to true.
type ManifestVoice struct {
	ID          string `toml:"id"`
	DisplayName string `toml:"display_name"`
	Language    string `toml:"language"`
	Engine      string `toml:"engine"`
	ModelPath   string `toml:"model_path"`
	Available   *bool  `toml:"available"`
}

// LoadManifest reads and validates the manifest at path. An empty path yields
// no voices. The engine tag of every entry is checked here.
func LoadManifest(path string) ([]core.VoiceDescriptor, error) {
	if path == "" {
		return nil, nil
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read voice manifest %s: %w", path, err)
	}

	var manifest Manifest

	err = toml.Unmarshal(data, &manifest)
	if err != nil {
		return nil, fmt.Errorf("failed to parse voice manifest %s: %w", path, err)
	}

	baseDir := filepath.Dir(path)
	seen := make(map[string]struct{}, len(manifest.Voices))
	voices := make([]core.VoiceDescriptor, 0, len(manifest.Voices))

	for index, entry := range manifest.Voices {
		voice, entryErr := entry.descriptor(baseDir)
		if entryErr != nil {
			return nil, fmt.Errorf("voice manifest %s entry %d: %w", path, index, entryErr)
		}

		if _, dup := seen[voice.ID]; dup {
			return nil, fmt.Errorf("voice manifest %s: %w: %s", path, ErrManifestDuplicate, voice.ID)
		}

		seen[voice.ID] = struct{}{}
		voices = append(voices, voice)
	}

	return voices, nil
}

func (m ManifestVoice) descriptor(baseDir string) (core.VoiceDescriptor, error) {
	if m.ID == "" {
		return core.VoiceDescriptor{}, ErrManifestVoiceID
	}

	if m.ModelPath == "" {
		return core.VoiceDescriptor{}, fmt.Errorf("%w: %s", ErrManifestModelPath, m.ID)
	}

	engine, err := core.ParseEngineKind(m.Engine)
	if err != nil {
		return core.VoiceDescriptor{}, fmt.Errorf("voice %s: %w", m.ID, err)
	}

	modelPath := m.ModelPath
	if !filepath.IsAbs(modelPath) {
		modelPath = filepath.Join(baseDir, modelPath)
	}

	modelPath, err = filepath.Abs(modelPath)
	if err != nil {
		return core.VoiceDescriptor{}, fmt.Errorf(errFmtAbsolutePath, m.ModelPath, err)
	}

	available := true
	if m.Available != nil {
		available = *m.Available
	}

	lang := m.Language
	if lang == "" {
		lang = Language(m.ID)
	}

	displayName := m.DisplayName
	if displayName == "" {
		displayName = DisplayName(m.ID)
	}

	return core.VoiceDescriptor{
		ID:          m.ID,
		DisplayName: displayName,
		Language:    lang,
		Engine:      engine,
		ModelPath:   filepath.Clean(modelPath),
		Available:   available,
	}, nil
}

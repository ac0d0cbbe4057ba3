// Package catalog discovers synthesis voices and resolves voice ids to
// descriptors.
//
// Voices come from two places. Every directory <models_dir>/<voice_id>/ that
// holds an .onnx file is a primary-engine voice. An optional TOML manifest
// declares further voices and overrides discovered ones by id.
package catalog

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/book-expert/logger"
	"github.com/book-expert/narration-service/internal/core"
	"golang.org/x/sync/singleflight"
	"golang.org/x/text/cases"
	"golang.org/x/text/language"
)

// DefaultRescanInterval is the shortest time between two rescans triggered by
// unknown voice ids.
const DefaultRescanInterval = 10 * time.Second

const (
	modelExtension  = ".onnx"
	unknownLanguage = "unknown"
	scanFlightKey   = "scan"
)

const (
	logDiscovered      = "Discovered %d voices (%d from manifest)"
	logMissingModelDir = "Models directory does not exist: %s"
	logRescan          = "Voice %s not in catalog, rescanning"
)

const (
	errFmtCheckingPath = "error checking model path %q: %w"
	errFmtAbsolutePath = "could not resolve absolute path for %q: %w"
)

// Options configures a Catalog.
type Options struct {
	ModelsDir    string
	ManifestPath string
	// RescanInterval defaults to DefaultRescanInterval.
	RescanInterval time.Duration
	Logger         *logger.Logger
}

// Catalog is a core.ModelStore backed by the filesystem. It scans lazily and
// rescans when asked for an unknown voice, at most once per rescan interval.
// Concurrent scans collapse into one.
type Catalog struct {
	modelsDir      string
	manifestPath   string
	rescanInterval time.Duration
	log            *logger.Logger

	scans singleflight.Group

	mu       sync.RWMutex
	voices   map[string]core.VoiceDescriptor
	lastScan time.Time
}

// New creates a catalog. Nothing is scanned until first use.
func New(opts Options) *Catalog {
	if opts.RescanInterval <= 0 {
		opts.RescanInterval = DefaultRescanInterval
	}

	return &Catalog{
		modelsDir:      opts.ModelsDir,
		manifestPath:   opts.ManifestPath,
		rescanInterval: opts.RescanInterval,
		log:            opts.Logger,
	}
}

// Resolve returns the descriptor for voiceID. Unknown and unavailable voices
// yield core.ErrVoiceNotFound.
func (c *Catalog) Resolve(_ context.Context, voiceID string) (core.VoiceDescriptor, error) {
	voices, err := c.snapshot()
	if err != nil {
		return core.VoiceDescriptor{}, err
	}

	voice, ok := voices[voiceID]
	if !ok && c.rescanDue() {
		if c.log != nil {
			c.log.Info(logRescan, voiceID)
		}

		voices, err = c.refresh()
		if err != nil {
			return core.VoiceDescriptor{}, err
		}

		voice, ok = voices[voiceID]
	}

	if !ok {
		return core.VoiceDescriptor{}, fmt.Errorf("%w: %s", core.ErrVoiceNotFound, voiceID)
	}

	if !voice.Available {
		return core.VoiceDescriptor{}, fmt.Errorf("%w: %s is unavailable", core.ErrVoiceNotFound, voiceID)
	}

	return voice, nil
}

// List returns every known voice ordered by id.
func (c *Catalog) List(_ context.Context) ([]core.VoiceDescriptor, error) {
	voices, err := c.snapshot()
	if err != nil {
		return nil, err
	}

	list := make([]core.VoiceDescriptor, 0, len(voices))
	for _, voice := range voices {
		list = append(list, voice)
	}

	slices.SortFunc(list, func(a, b core.VoiceDescriptor) int {
		return strings.Compare(a.ID, b.ID)
	})

	return list, nil
}

// Refresh forces a rescan.
func (c *Catalog) Refresh() error {
	_, err := c.refresh()

	return err
}

func (c *Catalog) snapshot() (map[string]core.VoiceDescriptor, error) {
	c.mu.RLock()
	voices := c.voices
	c.mu.RUnlock()

	if voices != nil {
		return voices, nil
	}

	return c.refresh()
}

func (c *Catalog) rescanDue() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()

	return time.Since(c.lastScan) >= c.rescanInterval
}

func (c *Catalog) refresh() (map[string]core.VoiceDescriptor, error) {
	result, err, _ := c.scans.Do(scanFlightKey, func() (any, error) {
		return c.rescan()
	})
	if err != nil {
		return nil, err
	}

	voices, _ := result.(map[string]core.VoiceDescriptor)

	return voices, nil
}

// rescan rebuilds the voice map. A failed scan still counts toward the rescan
// interval.
func (c *Catalog) rescan() (map[string]core.VoiceDescriptor, error) {
	c.mu.Lock()
	c.lastScan = time.Now()
	c.mu.Unlock()

	discovered, err := c.scan()
	if err != nil {
		return nil, err
	}

	declared, err := LoadManifest(c.manifestPath)
	if err != nil {
		return nil, err
	}

	voices := make(map[string]core.VoiceDescriptor, len(discovered)+len(declared))
	for _, voice := range discovered {
		voices[voice.ID] = voice
	}

	for _, voice := range declared {
		voices[voice.ID] = voice
	}

	c.mu.Lock()
	c.voices = voices
	c.mu.Unlock()

	if c.log != nil {
		c.log.Info(logDiscovered, len(voices), len(declared))
	}

	return voices, nil
}

// scan lists <modelsDir>/<voice_id>/*.onnx. The first model file in name
// order backs the voice.
func (c *Catalog) scan() ([]core.VoiceDescriptor, error) {
	if c.modelsDir == "" {
		return nil, nil
	}

	entries, err := os.ReadDir(c.modelsDir)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			if c.log != nil {
				c.log.Warn(logMissingModelDir, c.modelsDir)
			}

			return nil, nil
		}

		return nil, fmt.Errorf("failed to read models directory %s: %w", c.modelsDir, err)
	}

	voices := make([]core.VoiceDescriptor, 0, len(entries))

	for _, entry := range entries {
		if !entry.IsDir() {
			continue
		}

		matches, globErr := filepath.Glob(filepath.Join(c.modelsDir, entry.Name(), "*"+modelExtension))
		if globErr != nil {
			return nil, fmt.Errorf("failed to list models in %s: %w", entry.Name(), globErr)
		}

		if len(matches) == 0 {
			continue
		}

		slices.Sort(matches)

		modelPath, found, resolveErr := resolveSinglePath(matches[0])
		if resolveErr != nil {
			return nil, resolveErr
		}

		if !found {
			continue
		}

		voiceID := entry.Name()
		voices = append(voices, core.VoiceDescriptor{
			ID:          voiceID,
			DisplayName: DisplayName(voiceID),
			Language:    Language(voiceID),
			Engine:      core.EnginePrimary,
			ModelPath:   modelPath,
			Available:   true,
		})
	}

	return voices, nil
}

// Language returns the language part of a voice id: everything before the
// first "-", e.g. "en_US" for "en_US-lessac-medium".
func Language(voiceID string) string {
	lang, _, _ := strings.Cut(voiceID, "-")
	if lang == "" {
		return unknownLanguage
	}

	return lang
}

// DisplayName builds a readable name from a voice id, e.g. "En Us - Lessac
// Medium" for "en_US-lessac-medium".
func DisplayName(voiceID string) string {
	lang, name, found := strings.Cut(voiceID, "-")
	if !found {
		name = voiceID
	}

	title := cases.Title(language.Und)
	langDisplay := title.String(strings.ReplaceAll(lang, "_", " "))
	nameDisplay := title.String(strings.ReplaceAll(name, "-", " "))

	return langDisplay + " - " + nameDisplay
}

// resolveSinglePath reports whether path exists and returns it absolute.
// Only "not found" is swallowed; other filesystem errors are returned.
func resolveSinglePath(path string) (string, bool, error) {
	_, statErr := os.Stat(path)
	if statErr != nil {
		if os.IsNotExist(statErr) {
			return "", false, nil
		}

		return "", false, fmt.Errorf(errFmtCheckingPath, path, statErr)
	}

	absPath, absErr := filepath.Abs(path)
	if absErr != nil {
		return "", false, fmt.Errorf(errFmtAbsolutePath, path, absErr)
	}

	return absPath, true, nil
}

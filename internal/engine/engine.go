// Package engine turns text segments into PCM audio with a loaded voice model.
//
// An Engine loads models of one family and is selected for a voice by the
// voice's engine tag alone. Loaded models stream audio in chunks; Synthesize
// collects those chunks into a single fragment.
package engine

import (
	"context"
	"errors"
	"fmt"

	"github.com/book-expert/narration-service/internal/audio"
	"github.com/book-expert/narration-service/internal/core"
	"github.com/book-expert/narration-service/internal/voicecache"
)

// ErrNotEngineModel indicates a cached model that was not produced by an Engine.
var ErrNotEngineModel = errors.New("cached model does not support synthesis")

// Chunk is one piece of streamed PCM audio.
type Chunk struct {
	Format  audio.Format
	Samples []byte
}

// Model is a loaded voice. Stream calls emit for every chunk produced for
// text, in order.
type Model interface {
	voicecache.Model
	Stream(ctx context.Context, text string, emit func(Chunk) error) error
}

// Engine loads models of one family. It satisfies voicecache.Loader.
type Engine interface {
	Kind() core.EngineKind
	Load(ctx context.Context, modelPath string) (voicecache.Model, error)
}

// Synthesize runs model over text and concatenates the produced chunks. The
// format of the first chunk is the fragment format; a later chunk with a
// different format, or no audio at all, fails the segment.
func Synthesize(ctx context.Context, model Model, text string) (audio.Fragment, error) {
	var (
		fragment audio.Fragment
		started  bool
	)

	streamErr := model.Stream(ctx, text, func(chunk Chunk) error {
		if !started {
			fragment.Format = chunk.Format
			started = true
		} else if chunk.Format != fragment.Format {
			return fmt.Errorf("%w: chunk is %s, segment started as %s",
				core.ErrFormatMismatch, chunk.Format, fragment.Format)
		}

		fragment.Samples = append(fragment.Samples, chunk.Samples...)

		return nil
	})
	if streamErr != nil {
		if ctx.Err() != nil {
			return audio.Fragment{}, fmt.Errorf("synthesis interrupted: %w", ctx.Err())
		}

		return audio.Fragment{}, wrapSynthesis(streamErr)
	}

	if len(fragment.Samples) == 0 {
		return audio.Fragment{}, fmt.Errorf("%w: model produced no audio", core.ErrSynthesisFailed)
	}

	validateErr := fragment.Validate()
	if validateErr != nil {
		return audio.Fragment{}, wrapSynthesis(validateErr)
	}

	return fragment, nil
}

// SynthesizeWith runs Synthesize through a cache handle, honoring the handle's
// serialization contract.
func SynthesizeWith(ctx context.Context, handle *voicecache.Handle, text string) (audio.Fragment, error) {
	var fragment audio.Fragment

	err := handle.Use(func(cached voicecache.Model) error {
		model, ok := cached.(Model)
		if !ok {
			return fmt.Errorf("%w: %s", ErrNotEngineModel, handle.Key())
		}

		var synthErr error

		fragment, synthErr = Synthesize(ctx, model, text)

		return synthErr
	})

	return fragment, err
}

func wrapSynthesis(err error) error {
	if errors.Is(err, core.ErrSynthesisFailed) {
		return err
	}

	return fmt.Errorf("%w: %w", core.ErrSynthesisFailed, err)
}

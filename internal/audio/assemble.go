package audio

import (
	"bytes"
	"fmt"
	"io"

	"github.com/book-expert/narration-service/internal/core"
)

// Assemble concatenates fragments byte-exactly in order and wraps the result
// in a WAV header. All fragments must share one format.
func Assemble(fragments []Fragment) ([]byte, error) {
	format, dataSize, err := checkFragments(fragments)
	if err != nil {
		return nil, err
	}

	var buf bytes.Buffer

	buf.Grow(wavHeaderSize + dataSize)

	writeErr := WriteWAV(&buf, format, dataSize, fragmentReader(fragments))
	if writeErr != nil {
		return nil, writeErr
	}

	return buf.Bytes(), nil
}

// AssembleTo is Assemble writing into w.
func AssembleTo(w io.Writer, fragments []Fragment) error {
	format, dataSize, err := checkFragments(fragments)
	if err != nil {
		return err
	}

	return WriteWAV(w, format, dataSize, fragmentReader(fragments))
}

func checkFragments(fragments []Fragment) (Format, int, error) {
	if len(fragments) == 0 {
		return Format{}, 0, core.ErrNoAudioProduced
	}

	format := fragments[0].Format
	dataSize := 0

	for index, fragment := range fragments {
		if fragment.Format != format {
			return Format{}, 0, fmt.Errorf("%w: fragment %d is %s, expected %s",
				core.ErrFormatMismatch, index, fragment.Format, format)
		}

		validateErr := fragment.Validate()
		if validateErr != nil {
			return Format{}, 0, fmt.Errorf("fragment %d: %w", index, validateErr)
		}

		dataSize += len(fragment.Samples)
	}

	return format, dataSize, nil
}

func fragmentReader(fragments []Fragment) io.Reader {
	readers := make([]io.Reader, 0, len(fragments))
	for _, fragment := range fragments {
		readers = append(readers, bytes.NewReader(fragment.Samples))
	}

	return io.MultiReader(readers...)
}

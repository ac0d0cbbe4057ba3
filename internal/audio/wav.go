package audio

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"math"

	"github.com/go-audio/wav"
)

// Canonical PCM WAV layout.
const (
	wavHeaderSize     = 44
	wavFmtChunkSize   = 16
	wavRiffSizeOffset = 36
	wavFormatPCM      = 1
	wavFormatExtended = 0xFFFE
)

const errFmtUnsupportedTag = "%w: unsupported format tag 0x%04x"

// Errors returned by Decode.
var (
	ErrNotWAV       = errors.New("not a RIFF/WAVE stream")
	ErrMissingChunk = errors.New("missing fmt or data chunk")
	ErrTooLarge     = errors.New("audio exceeds WAV size limit")
)

// EncodeWAV wraps pcm in a 44-byte PCM WAV header describing format.
func EncodeWAV(format Format, pcm []byte) ([]byte, error) {
	var buf bytes.Buffer

	buf.Grow(wavHeaderSize + len(pcm))

	err := WriteWAV(&buf, format, len(pcm), bytes.NewReader(pcm))
	if err != nil {
		return nil, err
	}

	return buf.Bytes(), nil
}

// WriteWAV writes a WAV header for dataSize bytes of pcm followed by the bytes
// read from pcm.
func WriteWAV(w io.Writer, format Format, dataSize int, pcm io.Reader) error {
	header, err := wavHeader(format, dataSize)
	if err != nil {
		return err
	}

	_, err = w.Write(header)
	if err != nil {
		return fmt.Errorf("failed to write wav header: %w", err)
	}

	written, err := io.Copy(w, pcm)
	if err != nil {
		return fmt.Errorf("failed to write wav data: %w", err)
	}

	if written != int64(dataSize) {
		return fmt.Errorf("%w: wrote %d of %d data bytes", ErrInvalidFormat, written, dataSize)
	}

	return nil
}

func wavHeader(format Format, dataSize int) ([]byte, error) {
	formatErr := format.Validate()
	if formatErr != nil {
		return nil, formatErr
	}

	if dataSize < 0 || int64(dataSize) > math.MaxUint32-wavRiffSizeOffset {
		return nil, fmt.Errorf("%w: %d bytes", ErrTooLarge, dataSize)
	}

	byteRate := format.SampleRate * format.FrameSize()
	header := make([]byte, wavHeaderSize)

	copy(header[0:4], "RIFF")
	binary.LittleEndian.PutUint32(header[4:8], uint32(wavRiffSizeOffset+dataSize))
	copy(header[8:12], "WAVE")

	copy(header[12:16], "fmt ")
	binary.LittleEndian.PutUint32(header[16:20], wavFmtChunkSize)
	binary.LittleEndian.PutUint16(header[20:22], wavFormatPCM)
	binary.LittleEndian.PutUint16(header[22:24], uint16(format.Channels))
	binary.LittleEndian.PutUint32(header[24:28], uint32(format.SampleRate))
	binary.LittleEndian.PutUint32(header[28:32], uint32(byteRate))
	binary.LittleEndian.PutUint16(header[32:34], uint16(format.FrameSize()))
	binary.LittleEndian.PutUint16(header[34:36], uint16(format.BitsPerSample()))

	copy(header[36:40], "data")
	binary.LittleEndian.PutUint32(header[40:44], uint32(dataSize))

	return header, nil
}

// DecodeWAV parses a PCM WAV file into a Fragment. Chunks other than fmt and
// data are skipped. A data chunk whose declared size runs past the end of the
// input (as written by streaming servers) is truncated to what is present.
func DecodeWAV(data []byte) (Fragment, error) {
	if len(data) < 12 || string(data[0:4]) != "RIFF" || string(data[8:12]) != "WAVE" {
		return Fragment{}, ErrNotWAV
	}

	decoder := wav.NewDecoder(bytes.NewReader(data))
	if !decoder.IsValidFile() {
		return Fragment{}, fmt.Errorf("%w: %w", ErrMissingChunk, decoderErr(decoder))
	}

	tag := decoder.WavAudioFormat
	if tag != wavFormatPCM && tag != wavFormatExtended {
		return Fragment{}, fmt.Errorf(errFmtUnsupportedTag, ErrInvalidFormat, tag)
	}

	format := Format{
		SampleRate:  int(decoder.SampleRate),
		SampleWidth: int(decoder.BitDepth) / bitsPerByte,
		Channels:    int(decoder.NumChans),
	}

	validateErr := format.Validate()
	if validateErr != nil {
		return Fragment{}, validateErr
	}

	fwdErr := decoder.FwdToPCM()
	if fwdErr != nil || decoder.PCMChunk == nil {
		return Fragment{}, fmt.Errorf("%w: %w", ErrMissingChunk, errors.Join(fwdErr, decoder.Err()))
	}

	samples, readErr := io.ReadAll(io.LimitReader(decoder.PCMChunk, int64(decoder.PCMSize)))
	if readErr != nil {
		return Fragment{}, fmt.Errorf("failed to read wav data: %w", readErr)
	}

	fragment := Fragment{Format: format, Samples: samples}

	validateErr = fragment.Validate()
	if validateErr != nil {
		return Fragment{}, validateErr
	}

	return fragment, nil
}

func decoderErr(decoder *wav.Decoder) error {
	err := decoder.Err()
	if err == nil {
		return errors.New("no fmt chunk")
	}

	return err
}

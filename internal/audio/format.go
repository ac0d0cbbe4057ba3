// Package audio provides the PCM fragment types, WAV container encoding and
// decoding, and the assembler that joins per-segment fragments into one file.
package audio

import (
	"errors"
	"fmt"
	"time"
)

// Limits for format validation.
const (
	maxSampleRate  = 192000
	maxSampleWidth = 4
	maxChannels    = 8
	bitsPerByte    = 8
)

const (
	errFmtSampleRateRange  = "%w: sample rate %d must be between 1 and %d Hz"
	errFmtSampleWidthRange = "%w: sample width %d must be between 1 and %d bytes"
	errFmtChannelsRange    = "%w: channel count %d must be between 1 and %d"
	errFmtUnalignedSamples = "%w: %d bytes is not a whole number of %d-byte frames"
)

// ErrInvalidFormat is returned for out-of-range or inconsistent PCM parameters.
var ErrInvalidFormat = errors.New("invalid audio format")

// Format describes linear PCM audio.
type Format struct {
	SampleRate  int `json:"sample_rate"`
	SampleWidth int `json:"sample_width"`
	Channels    int `json:"channels"`
}

// Mono16 returns the 16-bit single-channel format at rate.
func Mono16(rate int) Format {
	return Format{SampleRate: rate, SampleWidth: 2, Channels: 1}
}

// Validate checks that the format can be written to a PCM container.
func (f Format) Validate() error {
	if f.SampleRate <= 0 || f.SampleRate > maxSampleRate {
		return fmt.Errorf(errFmtSampleRateRange, ErrInvalidFormat, f.SampleRate, maxSampleRate)
	}

	if f.SampleWidth <= 0 || f.SampleWidth > maxSampleWidth {
		return fmt.Errorf(errFmtSampleWidthRange, ErrInvalidFormat, f.SampleWidth, maxSampleWidth)
	}

	if f.Channels <= 0 || f.Channels > maxChannels {
		return fmt.Errorf(errFmtChannelsRange, ErrInvalidFormat, f.Channels, maxChannels)
	}

	return nil
}

// FrameSize is the byte size of one sample across all channels.
func (f Format) FrameSize() int {
	return f.SampleWidth * f.Channels
}

// BitsPerSample is the sample width in bits.
func (f Format) BitsPerSample() int {
	return f.SampleWidth * bitsPerByte
}

// String renders the format as "16000Hz/16bit/1ch".
func (f Format) String() string {
	return fmt.Sprintf("%dHz/%dbit/%dch", f.SampleRate, f.BitsPerSample(), f.Channels)
}

// Fragment is the PCM audio produced for one text segment.
type Fragment struct {
	Format  Format
	Samples []byte
}

// Validate checks the format and that the samples hold whole frames.
func (f Fragment) Validate() error {
	formatErr := f.Format.Validate()
	if formatErr != nil {
		return formatErr
	}

	if len(f.Samples)%f.Format.FrameSize() != 0 {
		return fmt.Errorf(errFmtUnalignedSamples, ErrInvalidFormat, len(f.Samples), f.Format.FrameSize())
	}

	return nil
}

// FrameCount returns the number of frames in the fragment.
func (f Fragment) FrameCount() int {
	frameSize := f.Format.FrameSize()
	if frameSize == 0 {
		return 0
	}

	return len(f.Samples) / frameSize
}

// Duration returns the playback length of the fragment.
func (f Fragment) Duration() time.Duration {
	if f.Format.SampleRate == 0 {
		return 0
	}

	return time.Duration(f.FrameCount()) * time.Second / time.Duration(f.Format.SampleRate)
}

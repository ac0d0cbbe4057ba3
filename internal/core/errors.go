package core

import (
	"context"
	"errors"
)

// Error taxonomy shared by every component.
var (
	// ErrVoiceNotFound indicates that the requested voice is not in the catalog or is unavailable.
	ErrVoiceNotFound = errors.New("voice not found")
	// ErrModelNotFound indicates that the model file backing a voice does not exist.
	ErrModelNotFound = errors.New("model not found")
	// ErrLoadFailed indicates that a model file exists but could not be loaded.
	ErrLoadFailed = errors.New("model load failed")
	// ErrSynthesisFailed indicates that a single segment could not be synthesized.
	ErrSynthesisFailed = errors.New("synthesis failed")
	// ErrFormatMismatch indicates fragments or chunks with differing audio formats.
	ErrFormatMismatch = errors.New("audio format mismatch")
	// ErrNoAudioProduced indicates that no fragment was produced at all.
	ErrNoAudioProduced = errors.New("no audio produced")
	// ErrEmptyText indicates that the input text is empty after normalization.
	ErrEmptyText = errors.New("text cannot be empty")
	// ErrJobNotFound indicates that the job record does not exist.
	ErrJobNotFound = errors.New("job not found")
	// ErrInvalidTransition indicates an update that would regress a job status.
	ErrInvalidTransition = errors.New("invalid job status transition")
	// ErrSinkUnavailable indicates that a result sink is not configured or reachable.
	ErrSinkUnavailable = errors.New("result sink unavailable")
	// ErrCanceled indicates that a job was stopped by external cancellation.
	ErrCanceled = errors.New("job canceled")
	// ErrInvalidEngine indicates an unknown engine tag or one with no registered engine.
	ErrInvalidEngine = errors.New("invalid engine")
	// ErrInvalidUserID indicates a user id that cannot be used as a result key prefix.
	ErrInvalidUserID = errors.New("invalid user id")
)

// FailureKind is the client-facing classification of a failure.
type FailureKind string

const (
	FailureNone            FailureKind = ""
	FailureVoiceNotFound   FailureKind = "voice_not_found"
	FailureModelNotFound   FailureKind = "model_not_found"
	FailureLoadFailed      FailureKind = "load_failed"
	FailureSynthesisFailed FailureKind = "synthesis_failed"
	FailureFormatMismatch  FailureKind = "format_mismatch"
	FailureNoAudioProduced FailureKind = "no_audio_produced"
	FailureEmptyText       FailureKind = "empty_text"
	FailureCanceled        FailureKind = "canceled"
	FailureEnqueueFailed   FailureKind = "enqueue_failed"
	FailureInvalidUserID   FailureKind = "invalid_user_id"
	FailureInternal        FailureKind = "internal"
)

// Classify maps an error to its FailureKind. Unknown errors are internal.
func Classify(err error) FailureKind {
	switch {
	case err == nil:
		return FailureNone
	case errors.Is(err, ErrVoiceNotFound):
		return FailureVoiceNotFound
	case errors.Is(err, ErrModelNotFound):
		return FailureModelNotFound
	case errors.Is(err, ErrLoadFailed):
		return FailureLoadFailed
	case errors.Is(err, ErrFormatMismatch):
		return FailureFormatMismatch
	case errors.Is(err, ErrNoAudioProduced):
		return FailureNoAudioProduced
	case errors.Is(err, ErrEmptyText):
		return FailureEmptyText
	case errors.Is(err, ErrInvalidUserID):
		return FailureInvalidUserID
	case errors.Is(err, ErrCanceled), errors.Is(err, context.Canceled):
		return FailureCanceled
	case errors.Is(err, ErrSynthesisFailed):
		return FailureSynthesisFailed
	default:
		return FailureInternal
	}
}

// IsNotFound reports whether err is one of the client-facing "not found" conditions.
func IsNotFound(err error) bool {
	return errors.Is(err, ErrVoiceNotFound) ||
		errors.Is(err, ErrModelNotFound) ||
		errors.Is(err, ErrJobNotFound)
}

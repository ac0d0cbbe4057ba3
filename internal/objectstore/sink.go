package objectstore

import (
	"context"
	"errors"

	"github.com/book-expert/narration-service/internal/core"
)

// ErrObjectNotFound indicates that no object is stored under a key.
var ErrObjectNotFound = errors.New("object not found")

// Sink stores results and reads them back.
type Sink interface {
	core.ResultSink
	core.ObjectStore
}

// Unavailable is the sink used when no storage is configured. Every call
// fails with core.ErrSinkUnavailable.
type Unavailable struct{}

// Store fails with core.ErrSinkUnavailable.
func (Unavailable) Store(context.Context, string, []byte) (string, error) {
	return "", core.ErrSinkUnavailable
}

// Upload fails with core.ErrSinkUnavailable.
func (Unavailable) Upload(context.Context, string, []byte) error {
	return core.ErrSinkUnavailable
}

// Download fails with core.ErrSinkUnavailable.
func (Unavailable) Download(context.Context, string) ([]byte, error) {
	return nil, core.ErrSinkUnavailable
}

// Fallback tries primary first and uses secondary only when primary reports
// core.ErrSinkUnavailable. Downloads also fall through on ErrObjectNotFound,
// since the object may have been stored by the secondary.
type Fallback struct {
	primary   Sink
	secondary Sink
}

// NewFallback combines two sinks.
func NewFallback(primary, secondary Sink) *Fallback {
	return &Fallback{primary: primary, secondary: secondary}
}

// Store stores data in the first available sink.
func (f *Fallback) Store(ctx context.Context, key string, data []byte) (string, error) {
	location, err := f.primary.Store(ctx, key, data)
	if err == nil || !errors.Is(err, core.ErrSinkUnavailable) {
		return location, err
	}

	return f.secondary.Store(ctx, key, data)
}

// Upload uploads data to the first available sink.
func (f *Fallback) Upload(ctx context.Context, key string, data []byte) error {
	err := f.primary.Upload(ctx, key, data)
	if err == nil || !errors.Is(err, core.ErrSinkUnavailable) {
		return err
	}

	return f.secondary.Upload(ctx, key, data)
}

// Download reads key from primary, then secondary.
func (f *Fallback) Download(ctx context.Context, key string) ([]byte, error) {
	data, err := f.primary.Download(ctx, key)
	if err == nil || !(errors.Is(err, core.ErrSinkUnavailable) || errors.Is(err, ErrObjectNotFound)) {
		return data, err
	}

	return f.secondary.Download(ctx, key)
}

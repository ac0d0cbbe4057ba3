// Package objectstore stores assembled narration audio. It provides a NATS
// JetStream object store, a local directory store, and combinators for
// fallback and for an unconfigured sink.
package objectstore

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"

	"github.com/book-expert/narration-service/internal/core"
	"github.com/nats-io/nats.go"
	"github.com/nats-io/nats.go/jetstream"
)

const natsLocationFormat = "nats://%s/%s"

// NatsObjectStore keeps results in a JetStream object store bucket.
type NatsObjectStore struct {
	bucket string
	store  nats.ObjectStore
}

// New binds to bucketName, creating it first when it does not exist.
func New(jetstreamContext nats.JetStreamContext, bucketName string) (*NatsObjectStore, error) {
	store, err := jetstreamContext.CreateObjectStore(&nats.ObjectStoreConfig{
		Bucket:      bucketName,
		Description: fmt.Sprintf("Narration results for the %s bucket.", bucketName),
		Storage:     nats.FileStorage,
		Replicas:    1,
	})
	if err != nil {
		if !errors.Is(err, jetstream.ErrBucketExists) && !errors.Is(err, nats.ErrStreamNameAlreadyInUse) {
			return nil, fmt.Errorf("failed to create object store bucket '%s': %w", bucketName, err)
		}

		store, err = jetstreamContext.ObjectStore(bucketName)
		if err != nil {
			return nil, fmt.Errorf("failed to bind to existing object store bucket '%s': %w", bucketName, err)
		}
	}

	return &NatsObjectStore{bucket: bucketName, store: store}, nil
}

// Store uploads data under key and returns nats://<bucket>/<key>.
func (n *NatsObjectStore) Store(ctx context.Context, key string, data []byte) (string, error) {
	err := n.Upload(ctx, key, data)
	if err != nil {
		return "", err
	}

	return fmt.Sprintf(natsLocationFormat, n.bucket, key), nil
}

// Download retrieves an object.
func (n *NatsObjectStore) Download(_ context.Context, key string) ([]byte, error) {
	obj, err := n.store.Get(key)
	if err != nil {
		if errors.Is(err, nats.ErrObjectNotFound) {
			return nil, fmt.Errorf("%w: %s", ErrObjectNotFound, key)
		}

		return nil, natsError(fmt.Errorf("failed to get object '%s' from bucket '%s': %w", key, n.bucket, err))
	}

	data, readErr := io.ReadAll(obj)
	closeErr := obj.Close()

	if readErr != nil {
		return nil, fmt.Errorf("failed to read object '%s': %w", key, readErr)
	}

	if closeErr != nil {
		return data, fmt.Errorf("failed to close object '%s': %w", key, closeErr)
	}

	return data, nil
}

// Upload saves an object.
func (n *NatsObjectStore) Upload(_ context.Context, key string, data []byte) error {
	_, err := n.store.Put(&nats.ObjectMeta{
		Name:        key,
		Description: "narration audio",
		Headers:     nats.Header{"Content-Type": []string{"audio/wav"}},
	}, bytes.NewReader(data))
	if err != nil {
		return natsError(fmt.Errorf("failed to put object '%s' to bucket '%s': %w", key, n.bucket, err))
	}

	return nil
}

// natsError marks connection-level failures as core.ErrSinkUnavailable so
// that a Fallback sink can move on.
func natsError(err error) error {
	switch {
	case errors.Is(err, nats.ErrConnectionClosed),
		errors.Is(err, nats.ErrConnectionDraining),
		errors.Is(err, nats.ErrNoServers),
		errors.Is(err, nats.ErrNoResponders),
		errors.Is(err, nats.ErrTimeout):
		return fmt.Errorf("%w: %w", core.ErrSinkUnavailable, err)
	default:
		return err
	}
}

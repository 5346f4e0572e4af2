package kv

import (
	"context"
	"encoding/json"

	"github.com/cockroachdb/errors"
	"github.com/nats-io/nats.go/jetstream"
)

// maxCASAttempts bounds the read-modify-write loop of UpdateJSON.
const maxCASAttempts = 16

// ErrContention is returned when UpdateJSON keeps losing revision races.
var ErrContention = errors.New("kv: too many concurrent updates")

// Store provides typed access to a NATS KV bucket.
type Store struct {
	kv jetstream.KeyValue
}

// NewStore wraps a NATS KV bucket.
func NewStore(kv jetstream.KeyValue) *Store {
	return &Store{kv: kv}
}

// Get retrieves a value and its revision.
func (s *Store) Get(ctx context.Context, key string) ([]byte, uint64, error) {
	entry, err := s.kv.Get(ctx, key)
	if err != nil {
		return nil, 0, err
	}
	return entry.Value(), entry.Revision(), nil
}

// Create stores a value at key only if it doesn't already exist.
// Returns jetstream.ErrKeyExists if the key already exists.
func (s *Store) Create(ctx context.Context, key string, value []byte) (uint64, error) {
	return s.kv.Create(ctx, key, value)
}

// Update stores a value at key only if the revision matches.
func (s *Store) Update(ctx context.Context, key string, value []byte, revision uint64) (uint64, error) {
	return s.kv.Update(ctx, key, value, revision)
}

// Delete removes a key.
func (s *Store) Delete(ctx context.Context, key string) error {
	return s.kv.Delete(ctx, key)
}

// Keys returns all keys in the bucket.
func (s *Store) Keys(ctx context.Context) ([]string, error) {
	keys, err := s.kv.Keys(ctx)
	if err != nil {
		// If no keys exist, NATS returns an error
		if errors.Is(err, jetstream.ErrNoKeysFound) {
			return nil, nil
		}
		return nil, err
	}
	return keys, nil
}

// GetJSON retrieves and unmarshals a JSON value.
func (s *Store) GetJSON(ctx context.Context, key string, v any) (uint64, error) {
	data, rev, err := s.Get(ctx, key)
	if err != nil {
		return 0, err
	}
	if err := json.Unmarshal(data, v); err != nil {
		return 0, errors.Wrapf(err, "unmarshal key %s", key)
	}
	return rev, nil
}

// CreateJSON marshals v and stores it only if key does not exist.
func (s *Store) CreateJSON(ctx context.Context, key string, v any) (uint64, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return 0, errors.Wrapf(err, "marshal key %s", key)
	}
	return s.Create(ctx, key, data)
}

// UpdateJSON performs a compare-and-swap update of the JSON value at key.
// mutate receives a fresh copy of the current value and reports whether it
// changed anything; nothing is written when it returns false. On a revision
// conflict the value is re-read and mutate runs again.
//
// A missing key yields jetstream.ErrKeyNotFound.
func UpdateJSON[T any](ctx context.Context, s *Store, key string, mutate func(*T) bool) (bool, error) {
	for i := 0; i < maxCASAttempts; i++ {
		var current T
		rev, err := s.GetJSON(ctx, key, &current)
		if err != nil {
			return false, err
		}
		if !mutate(&current) {
			return false, nil
		}
		data, err := json.Marshal(&current)
		if err != nil {
			return false, errors.Wrapf(err, "marshal key %s", key)
		}
		_, err = s.Update(ctx, key, data, rev)
		if err == nil {
			return true, nil
		}
		if !IsConflict(err) {
			return false, err
		}
		// Revision conflict, retry
	}
	return false, errors.Wrapf(ErrContention, "update key %s", key)
}

// IsConflict reports whether err is a lost revision race.
func IsConflict(err error) bool {
	if errors.Is(err, jetstream.ErrKeyExists) {
		return true
	}
	var apiErr *jetstream.APIError
	return errors.As(err, &apiErr) && apiErr.ErrorCode == jetstream.JSErrCodeStreamWrongLastSequence
}

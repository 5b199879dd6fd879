package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
)

// ErrNotFound is returned by Read and Delete when the id does not exist.
var ErrNotFound = errors.New("record not found")

// WriteError reports a failed durable write. The previously persisted value
// is left intact.
type WriteError struct {
	Collection string
	ID         string
	Err        error
}

func (e *WriteError) Error() string {
	return fmt.Sprintf("store write %s/%s: %v", e.Collection, e.ID, e.Err)
}

func (e *WriteError) Unwrap() error { return e.Err }

// Item is one stored record in a collection listing.
type Item struct {
	ID   string
	Data []byte
}

// Store is durable key-value persistence for JSON records grouped into
// collections. A Write either fully replaces the previous value or leaves it
// untouched. Writers to the same collection must be serialized by the caller;
// the store only guarantees that the winning write is never corrupted.
type Store interface {
	Read(ctx context.Context, collection, id string) ([]byte, error)
	List(ctx context.Context, collection string) ([]Item, error)
	Write(ctx context.Context, collection, id string, data []byte) error
	Delete(ctx context.Context, collection, id string) error
	DropCollection(ctx context.Context, collection string) error
	Close() error
}

// Get reads and decodes a record.
func Get[T any](ctx context.Context, s Store, collection, id string) (T, error) {
	var v T
	b, err := s.Read(ctx, collection, id)
	if err != nil {
		return v, err
	}
	if err := json.Unmarshal(b, &v); err != nil {
		return v, fmt.Errorf("decode %s/%s: %w", collection, id, err)
	}
	return v, nil
}

// All reads and decodes every record of a collection, ordered by id.
func All[T any](ctx context.Context, s Store, collection string) ([]T, error) {
	items, err := s.List(ctx, collection)
	if err != nil {
		return nil, err
	}
	out := make([]T, 0, len(items))
	for _, it := range items {
		var v T
		if err := json.Unmarshal(it.Data, &v); err != nil {
			return nil, fmt.Errorf("decode %s/%s: %w", collection, it.ID, err)
		}
		out = append(out, v)
	}
	return out, nil
}

// Put encodes and writes a record.
func Put[T any](ctx context.Context, s Store, collection, id string, v T) error {
	b, err := json.Marshal(v)
	if err != nil {
		return &WriteError{Collection: collection, ID: id, Err: err}
	}
	return s.Write(ctx, collection, id, b)
}

// Package storage composes snapshot stores.
package storage

import (
	"bytes"
	"context"
	"fmt"
	"io"
)

// Store writes one object and returns its location.
type Store interface {
	PutObject(ctx context.Context, path string, contentType string, data io.Reader) (string, error)
}

// MirrorStore writes every object to a primary store and then to each
// secondary. The returned location is the primary's.
type MirrorStore struct {
	primary     Store
	secondaries []Store
}

// Mirror returns primary unchanged when there are no secondaries.
func Mirror(primary Store, secondaries ...Store) Store {
	if len(secondaries) == 0 {
		return primary
	}
	return &MirrorStore{primary: primary, secondaries: secondaries}
}

// PutObject buffers data once and writes it to every store in order. The
// first failure is returned; a snapshot that did not reach every store is an
// error.
func (m *MirrorStore) PutObject(ctx context.Context, path string, contentType string, data io.Reader) (string, error) {
	buf, err := io.ReadAll(data)
	if err != nil {
		return "", fmt.Errorf("read object: %w", err)
	}
	location, err := m.primary.PutObject(ctx, path, contentType, bytes.NewReader(buf))
	if err != nil {
		return "", err
	}
	for _, s := range m.secondaries {
		if _, err := s.PutObject(ctx, path, contentType, bytes.NewReader(buf)); err != nil {
			return "", fmt.Errorf("mirror %s: %w", path, err)
		}
	}
	return location, nil
}

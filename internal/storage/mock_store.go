package storage

import (
	"context"
	"io"

	"github.com/stretchr/testify/mock"
)

// MockStore is a mock implementation of the Store interface for testing.
type MockStore struct {
	mock.Mock
}

// PutObject is the mock implementation of the PutObject method. The body is
// read and passed to Called as a string so expectations can match it.
func (m *MockStore) PutObject(ctx context.Context, path string, contentType string, data io.Reader) (string, error) {
	body, err := io.ReadAll(data)
	if err != nil {
		return "", err //nolint:wrapcheck
	}
	args := m.Called(ctx, path, contentType, string(body))
	return args.String(0), args.Error(1) //nolint:wrapcheck
}

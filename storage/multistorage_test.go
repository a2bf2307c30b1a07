package storage

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"testing"

	"github.com/ruteri/tee-enclave-rpc/interfaces"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
)

type MockStorageBackend struct {
	mock.Mock
	name string
}

func (m *MockStorageBackend) Fetch(ctx context.Context, id interfaces.ContentID, contentType interfaces.ContentType) ([]byte, error) {
	args := m.Called(ctx, id, contentType)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).([]byte), args.Error(1)
}

func (m *MockStorageBackend) Store(ctx context.Context, data []byte, contentType interfaces.ContentType) (interfaces.ContentID, error) {
	args := m.Called(ctx, data, contentType)
	return args.Get(0).(interfaces.ContentID), args.Error(1)
}

func (m *MockStorageBackend) Available(ctx context.Context) bool {
	return m.Called(ctx).Bool(0)
}

func (m *MockStorageBackend) Name() string {
	return m.name
}

func (m *MockStorageBackend) LocationURI() string {
	return "mock://" + m.name
}

func quietLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func TestMultiStorageBackend_Available(t *testing.T) {
	tests := []struct {
		name     string
		backends []bool
		expected bool
	}{
		{"all backends available", []bool{true, true}, true},
		{"some backends available", []bool{false, true, false}, true},
		{"no backends available", []bool{false, false}, false},
		{"no backends", []bool{}, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var backends []interfaces.StorageBackend
			for i, available := range tt.backends {
				m := &MockStorageBackend{name: fmt.Sprintf("mock-%d", i)}
				m.On("Available", mock.Anything).Return(available).Maybe()
				backends = append(backends, m)
			}

			multi := NewMultiStorageBackend(backends, quietLogger())
			assert.Equal(t, tt.expected, multi.Available(context.Background()))
		})
	}
}

func TestMultiStorageBackend_Fetch(t *testing.T) {
	testID := interfaces.ContentID{1, 2, 3, 4}
	testData := []byte("proof bytes")
	testErr := errors.New("connection reset")

	tests := []struct {
		name        string
		setupMocks  func() []interfaces.StorageBackend
		expected    []byte
		expectedErr error
		anyErr      bool
	}{
		{
			name: "first backend successful",
			setupMocks: func() []interfaces.StorageBackend {
				first := &MockStorageBackend{name: "a"}
				first.On("Available", mock.Anything).Return(true)
				first.On("Fetch", mock.Anything, testID, interfaces.ProofType).Return(testData, nil)
				return []interfaces.StorageBackend{first, &MockStorageBackend{name: "b"}}
			},
			expected: testData,
		},
		{
			name: "falls through to second backend",
			setupMocks: func() []interfaces.StorageBackend {
				first := &MockStorageBackend{name: "a"}
				first.On("Available", mock.Anything).Return(true)
				first.On("Fetch", mock.Anything, testID, interfaces.ProofType).Return(nil, testErr)
				second := &MockStorageBackend{name: "b"}
				second.On("Available", mock.Anything).Return(true)
				second.On("Fetch", mock.Anything, testID, interfaces.ProofType).Return(testData, nil)
				return []interfaces.StorageBackend{first, second}
			},
			expected: testData,
		},
		{
			name: "unavailable backends are skipped",
			setupMocks: func() []interfaces.StorageBackend {
				first := &MockStorageBackend{name: "a"}
				first.On("Available", mock.Anything).Return(false)
				second := &MockStorageBackend{name: "b"}
				second.On("Available", mock.Anything).Return(true)
				second.On("Fetch", mock.Anything, testID, interfaces.ProofType).Return(testData, nil)
				return []interfaces.StorageBackend{first, second}
			},
			expected: testData,
		},
		{
			name: "missing everywhere is not found",
			setupMocks: func() []interfaces.StorageBackend {
				first := &MockStorageBackend{name: "a"}
				first.On("Available", mock.Anything).Return(true)
				first.On("Fetch", mock.Anything, testID, interfaces.ProofType).Return(nil, interfaces.ErrContentNotFound)
				second := &MockStorageBackend{name: "b"}
				second.On("Available", mock.Anything).Return(true)
				second.On("Fetch", mock.Anything, testID, interfaces.ProofType).Return(nil, interfaces.ErrContentNotFound)
				return []interfaces.StorageBackend{first, second}
			},
			expectedErr: interfaces.ErrContentNotFound,
		},
		{
			name: "mixed failures are not reported as not found",
			setupMocks: func() []interfaces.StorageBackend {
				first := &MockStorageBackend{name: "a"}
				first.On("Available", mock.Anything).Return(true)
				first.On("Fetch", mock.Anything, testID, interfaces.ProofType).Return(nil, interfaces.ErrContentNotFound)
				second := &MockStorageBackend{name: "b"}
				second.On("Available", mock.Anything).Return(true)
				second.On("Fetch", mock.Anything, testID, interfaces.ProofType).Return(nil, testErr)
				return []interfaces.StorageBackend{first, second}
			},
			expectedErr: testErr,
		},
		{
			name: "no backends",
			setupMocks: func() []interfaces.StorageBackend {
				return nil
			},
			anyErr: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			backends := tt.setupMocks()
			multi := NewMultiStorageBackend(backends, quietLogger())

			data, err := multi.Fetch(context.Background(), testID, interfaces.ProofType)
			switch {
			case tt.expectedErr != nil:
				require.ErrorIs(t, err, tt.expectedErr)
			case tt.anyErr:
				require.Error(t, err)
			default:
				require.NoError(t, err)
			}
			assert.Equal(t, tt.expected, data)

			if tt.expectedErr == interfaces.ErrContentNotFound {
				assert.NotErrorIs(t, err, testErr)
			}
			for _, backend := range backends {
				backend.(*MockStorageBackend).AssertExpectations(t)
			}
		})
	}
}

func TestMultiStorageBackend_Store(t *testing.T) {
	testData := []byte("descriptor bytes")
	testID := interfaces.ComputeID(testData)
	testErr := errors.New("access denied")

	tests := []struct {
		name       string
		setupMocks func() []interfaces.StorageBackend
		expectedID interfaces.ContentID
		wantErr    bool
	}{
		{
			name: "all backends successful",
			setupMocks: func() []interfaces.StorageBackend {
				first := &MockStorageBackend{name: "a"}
				first.On("Available", mock.Anything).Return(true)
				first.On("Store", mock.Anything, testData, interfaces.DescriptorType).Return(testID, nil)
				second := &MockStorageBackend{name: "b"}
				second.On("Available", mock.Anything).Return(true)
				second.On("Store", mock.Anything, testData, interfaces.DescriptorType).Return(testID, nil)
				return []interfaces.StorageBackend{first, second}
			},
			expectedID: testID,
		},
		{
			name: "one success is enough",
			setupMocks: func() []interfaces.StorageBackend {
				first := &MockStorageBackend{name: "a"}
				first.On("Available", mock.Anything).Return(true)
				first.On("Store", mock.Anything, testData, interfaces.DescriptorType).Return(interfaces.ContentID{}, testErr)
				second := &MockStorageBackend{name: "b"}
				second.On("Available", mock.Anything).Return(true)
				second.On("Store", mock.Anything, testData, interfaces.DescriptorType).Return(testID, nil)
				return []interfaces.StorageBackend{first, second}
			},
			expectedID: testID,
		},
		{
			name: "unavailable backends are skipped",
			setupMocks: func() []interfaces.StorageBackend {
				first := &MockStorageBackend{name: "a"}
				first.On("Available", mock.Anything).Return(false)
				second := &MockStorageBackend{name: "b"}
				second.On("Available", mock.Anything).Return(true)
				second.On("Store", mock.Anything, testData, interfaces.DescriptorType).Return(testID, nil)
				return []interfaces.StorageBackend{first, second}
			},
			expectedID: testID,
		},
		{
			name: "all backends fail",
			setupMocks: func() []interfaces.StorageBackend {
				first := &MockStorageBackend{name: "a"}
				first.On("Available", mock.Anything).Return(true)
				first.On("Store", mock.Anything, testData, interfaces.DescriptorType).Return(interfaces.ContentID{}, testErr)
				return []interfaces.StorageBackend{first}
			},
			wantErr: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			backends := tt.setupMocks()
			multi := NewMultiStorageBackend(backends, quietLogger())

			id, err := multi.Store(context.Background(), testData, interfaces.DescriptorType)
			if tt.wantErr {
				require.ErrorIs(t, err, testErr)
			} else {
				require.NoError(t, err)
			}
			assert.Equal(t, tt.expectedID, id)

			for _, backend := range backends {
				backend.(*MockStorageBackend).AssertExpectations(t)
			}
		})
	}
}

func TestMultiStorageBackend_LocationURI(t *testing.T) {
	multi := NewMultiStorageBackend([]interfaces.StorageBackend{
		&MockStorageBackend{name: "a"},
		&MockStorageBackend{name: "b"},
	}, quietLogger())
	assert.Equal(t, "multi:[mock://a,mock://b]", multi.LocationURI())
}

package registry

import (
	"context"

	"github.com/ruteri/tee-enclave-rpc/interfaces"
	"github.com/stretchr/testify/mock"
)

// MockRegistry mocks the interfaces.EntityRegistry interface
type MockRegistry struct {
	mock.Mock
}

// Entity mocks the Entity method
func (m *MockRegistry) Entity(ctx context.Context, id interfaces.EntityID) (interfaces.EntityDescriptor, error) {
	args := m.Called(ctx, id)
	return args.Get(0).(interfaces.EntityDescriptor), args.Error(1)
}

// Entities mocks the Entities method
func (m *MockRegistry) Entities(ctx context.Context, cursor uint64, limit int) (interfaces.EntityPage, error) {
	args := m.Called(ctx, cursor, limit)
	return args.Get(0).(interfaces.EntityPage), args.Error(1)
}

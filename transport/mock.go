package transport

import (
	"context"

	"github.com/google/uuid"
	"github.com/ruteri/tee-enclave-rpc/interfaces"
	"github.com/stretchr/testify/mock"
)

// MockTransport is a testify mock of interfaces.Transport.
type MockTransport struct {
	mock.Mock
}

func (m *MockTransport) Connect(ctx context.Context, target interfaces.Target) (interfaces.Channel, error) {
	args := m.Called(ctx, target)
	ch, _ := args.Get(0).(interfaces.Channel)
	return ch, args.Error(1)
}

func (m *MockTransport) Send(ctx context.Context, ch interfaces.Channel, payload []byte) ([]byte, error) {
	args := m.Called(ctx, ch, payload)
	if fn, ok := args.Get(0).(func(context.Context, interfaces.Channel, []byte) ([]byte, error)); ok {
		return fn(ctx, ch, payload)
	}
	out, _ := args.Get(0).([]byte)
	return out, args.Error(1)
}

func (m *MockTransport) Close(ch interfaces.Channel) error {
	args := m.Called(ch)
	return args.Error(0)
}

// MockChannel is a static channel for use with MockTransport.
type MockChannel struct {
	ChannelID uuid.UUID
	Kind      interfaces.TransportVariant
	Status    interfaces.ChannelState
	Peer      interfaces.IdentityProof
}

func (c *MockChannel) ID() uuid.UUID                        { return c.ChannelID }
func (c *MockChannel) Variant() interfaces.TransportVariant { return c.Kind }
func (c *MockChannel) State() interfaces.ChannelState       { return c.Status }
func (c *MockChannel) PeerProof() interfaces.IdentityProof  { return c.Peer }

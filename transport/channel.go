package transport

import (
	"fmt"
	"sync"

	"github.com/ethereum/go-ethereum/rlp"
	"github.com/google/uuid"
	"github.com/ruteri/tee-enclave-rpc/cryptoutils"
	"github.com/ruteri/tee-enclave-rpc/interfaces"
	"go.uber.org/atomic"
)

// channel holds the state shared by direct and bootstrap channels. The state
// is atomic so a cancellation callback may close the channel while its owner
// is blocked in Send.
type channel struct {
	id      uuid.UUID
	variant interfaces.TransportVariant
	target  interfaces.Target
	state   atomic.Int32

	peer    interfaces.IdentityProof
	keys    *cryptoutils.SessionKeys
	session *cryptoutils.Session

	wipeOnce sync.Once
}

func newChannel(variant interfaces.TransportVariant, target interfaces.Target) *channel {
	return &channel{
		id:      uuid.New(),
		variant: variant,
		target:  target,
	}
}

func (c *channel) ID() uuid.UUID { return c.id }

func (c *channel) Variant() interfaces.TransportVariant { return c.variant }

func (c *channel) PeerProof() interfaces.IdentityProof { return c.peer.Copy() }

func (c *channel) State() interfaces.ChannelState {
	return interfaces.ChannelState(c.state.Load())
}

func (c *channel) transition(from, to interfaces.ChannelState) bool {
	return c.state.CompareAndSwap(int32(from), int32(to))
}

// terminate moves the channel into a terminal state unless it already is in
// one, and reports whether this call did so.
func (c *channel) terminate(to interfaces.ChannelState) bool {
	for {
		current := c.State()
		if current.Terminal() {
			return false
		}
		if c.transition(current, to) {
			return true
		}
	}
}

func (c *channel) establish(peer interfaces.IdentityProof, keys *cryptoutils.SessionKeys) error {
	session, err := cryptoutils.NewSession(c.id[:], keys)
	if err != nil {
		return err
	}
	c.peer = peer
	c.keys = keys
	c.session = session
	if !c.transition(interfaces.Handshaking, interfaces.Established) {
		return fmt.Errorf("%w: channel %s left handshake state", interfaces.ErrChannelClosed, c.id)
	}
	return nil
}

// openReply authenticates the data reply to request seq and unwraps it. A
// handler failure comes back as *ApplicationError.
func (c *channel) openReply(body []byte, seq uint64) ([]byte, error) {
	plain, err := c.session.OpenAt(body, seq)
	if err != nil {
		return nil, err
	}
	var reply replyMsg
	if err := rlp.DecodeBytes(plain, &reply); err != nil {
		return nil, fmt.Errorf("%w: malformed reply: %v", interfaces.ErrTransport, err)
	}
	if reply.Error != "" {
		return nil, &ApplicationError{Message: reply.Error}
	}
	return reply.Payload, nil
}

// usable returns the error for sending on a channel that is not established.
func (c *channel) usable() error {
	switch state := c.State(); state {
	case interfaces.Established:
		return nil
	case interfaces.Failed:
		return fmt.Errorf("%w: channel %s", interfaces.ErrChannelFailed, c.id)
	case interfaces.Closed:
		return fmt.Errorf("%w: channel %s", interfaces.ErrChannelClosed, c.id)
	default:
		return fmt.Errorf("%w: channel %s is %s", interfaces.ErrTransport, c.id, state)
	}
}

// wipe drops session key material once the channel is terminal. Only the
// channel owner calls it.
func (c *channel) wipe() {
	c.wipeOnce.Do(func() {
		if c.keys != nil {
			c.keys.Wipe()
		}
		c.session = nil
	})
}

// failureState maps an error to the terminal state it forces: authentication
// failures fail the channel, anything else closes it.
func failureState(err error) interfaces.ChannelState {
	if isSecurityFailure(err) {
		return interfaces.Failed
	}
	return interfaces.Closed
}

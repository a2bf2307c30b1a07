package registry

import (
	"context"
	"fmt"
	"iter"
	"log/slog"
	"sync"

	"github.com/ethereum/go-ethereum/rlp"
	"github.com/ruteri/tee-enclave-rpc/interfaces"
	"github.com/ruteri/tee-enclave-rpc/rpc"
)

// Client resolves entity descriptors through a registry enclave. The channel
// to the registry is opened on first use and reopened after it closes or
// fails. Calls are serialized on that channel.
type Client struct {
	transport interfaces.Transport
	target    interfaces.Target
	pageSize  uint64
	log       *slog.Logger

	mu sync.Mutex
	ch interfaces.Channel

	cacheMu sync.RWMutex
	cache   map[interfaces.EntityID]interfaces.EntityDescriptor
}

// NewClient does not connect; the first call does.
func NewClient(transport interfaces.Transport, target interfaces.Target, log *slog.Logger) *Client {
	if log == nil {
		log = slog.Default()
	}
	return &Client{
		transport: transport,
		target:    target,
		pageSize:  DefaultPageSize,
		log:       log,
		cache:     make(map[interfaces.EntityID]interfaces.EntityDescriptor),
	}
}

// SetPageSize sets the number of descriptors requested per List call.
func (c *Client) SetPageSize(n int) {
	c.pageSize = uint64(min(max(n, 1), MaxPageSize))
}

// Lookup returns the descriptor for id, from cache when it was seen before.
// ErrNotFound is returned for unknown ids and is not cached.
func (c *Client) Lookup(ctx context.Context, id interfaces.EntityID) (interfaces.EntityDescriptor, error) {
	c.cacheMu.RLock()
	desc, ok := c.cache[id]
	c.cacheMu.RUnlock()
	if ok {
		return desc.Copy(), nil
	}
	return c.Refresh(ctx, id)
}

// Refresh always asks the registry. An answer that differs from a cached
// descriptor returns ErrDescriptorConflict and leaves the cache unchanged.
func (c *Client) Refresh(ctx context.Context, id interfaces.EntityID) (interfaces.EntityDescriptor, error) {
	raw, err := c.call(ctx, MethodLookup, id[:])
	if err != nil {
		return interfaces.EntityDescriptor{}, err
	}

	var desc interfaces.EntityDescriptor
	if err := rlp.DecodeBytes(raw, &desc); err != nil {
		return interfaces.EntityDescriptor{}, fmt.Errorf("%w: malformed descriptor: %v", interfaces.ErrTransport, err)
	}
	if desc.ID != id {
		return interfaces.EntityDescriptor{}, fmt.Errorf("%w: asked for %s, registry answered %s", interfaces.ErrTransport, id, desc.ID)
	}
	if err := c.remember(desc); err != nil {
		return interfaces.EntityDescriptor{}, err
	}
	return desc.Copy(), nil
}

// List walks every registered descriptor matching filter. The sequence is
// lazy and finite; ranging over it again starts a new scan from the
// beginning. An error is yielded at most once and ends the scan.
func (c *Client) List(ctx context.Context, filter Filter) iter.Seq2[interfaces.EntityDescriptor, error] {
	return func(yield func(interfaces.EntityDescriptor, error) bool) {
		var cursor uint64
		for {
			resp, err := c.listPage(ctx, ListRequest{Filter: filter, Cursor: cursor, Limit: c.pageSize})
			if err != nil {
				yield(interfaces.EntityDescriptor{}, err)
				return
			}

			for _, desc := range resp.Descriptors {
				if !filter.Match(desc) {
					continue
				}
				if err := c.remember(desc); err != nil {
					yield(interfaces.EntityDescriptor{}, err)
					return
				}
				if !yield(desc.Copy(), nil) {
					return
				}
			}

			if resp.Done {
				return
			}
			if resp.Next <= cursor {
				yield(interfaces.EntityDescriptor{}, fmt.Errorf("%w: registry list made no progress at cursor %d", interfaces.ErrTransport, cursor))
				return
			}
			cursor = resp.Next
		}
	}
}

// Connect looks id up and opens a channel to it with t.
func (c *Client) Connect(ctx context.Context, id interfaces.EntityID, t interfaces.Transport) (interfaces.Channel, error) {
	desc, err := c.Lookup(ctx, id)
	if err != nil {
		return nil, err
	}
	return t.Connect(ctx, desc.Target())
}

// Close releases the registry channel. The client reconnects if used again.
func (c *Client) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.ch == nil {
		return nil
	}
	err := c.transport.Close(c.ch)
	c.ch = nil
	return err
}

func (c *Client) listPage(ctx context.Context, req ListRequest) (ListResponse, error) {
	payload, err := rlp.EncodeToBytes(&req)
	if err != nil {
		return ListResponse{}, err
	}
	raw, err := c.call(ctx, MethodList, payload)
	if err != nil {
		return ListResponse{}, err
	}

	var resp ListResponse
	if err := rlp.DecodeBytes(raw, &resp); err != nil {
		return ListResponse{}, fmt.Errorf("%w: malformed list response: %v", interfaces.ErrTransport, err)
	}
	return resp, nil
}

func (c *Client) remember(desc interfaces.EntityDescriptor) error {
	c.cacheMu.Lock()
	defer c.cacheMu.Unlock()

	if known, ok := c.cache[desc.ID]; ok {
		if !known.Equal(desc) {
			c.log.Warn("Registry returned a conflicting descriptor", slog.String("entity", desc.ID.String()))
			return fmt.Errorf("%w: entity %s", interfaces.ErrDescriptorConflict, desc.ID)
		}
		return nil
	}
	c.cache[desc.ID] = desc.Copy()
	return nil
}

func (c *Client) call(ctx context.Context, method string, payload []byte) ([]byte, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.ch != nil && c.ch.State().Terminal() {
		_ = c.transport.Close(c.ch)
		c.ch = nil
	}
	if c.ch == nil {
		ch, err := c.transport.Connect(ctx, c.target)
		if err != nil {
			return nil, fmt.Errorf("could not connect to registry: %w", err)
		}
		c.log.Debug("Connected to registry", slog.String("channel", ch.ID().String()))
		c.ch = ch
	}

	return rpc.Call(ctx, c.transport, c.ch, method, payload)
}

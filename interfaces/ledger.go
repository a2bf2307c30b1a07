package interfaces

import "context"

// RelayKey is the idempotency key of a relayed request.
type RelayKey [32]byte

// RelayRequest is a request submitted to the ledger relay on behalf of a
// bootstrap channel.
type RelayRequest struct {
	Key     RelayKey
	Target  EntityID
	Payload []byte
}

// RelayResult is the enclave's answer to a RelayRequest with the same key.
type RelayResult struct {
	Key     RelayKey
	Payload []byte
}

// Ledger is the client view of the relay.
type Ledger interface {
	// Submit is idempotent on req.Key: submitting a key that is already known
	// has no further effect.
	Submit(ctx context.Context, req RelayRequest) error

	// Result returns the finalized result for key, if any.
	Result(ctx context.Context, key RelayKey) (RelayResult, bool, error)
}

// RelayInbox is the enclave view of the relay.
type RelayInbox interface {
	// Pending returns requests addressed to target starting at cursor, and the
	// cursor to resume from.
	Pending(ctx context.Context, target EntityID, cursor uint64) ([]RelayRequest, uint64, error)

	// Result reports whether key already carries a finalized answer.
	Result(ctx context.Context, key RelayKey) (RelayResult, bool, error)

	Respond(ctx context.Context, res RelayResult) error
}

// EntityPage is one page of a registry scan.
type EntityPage struct {
	Descriptors []EntityDescriptor
	Next        uint64
	Done        bool
}

// EntityRegistry is the read path of the append-only entity registry.
type EntityRegistry interface {
	// Entity returns ErrNotFound for unknown ids.
	Entity(ctx context.Context, id EntityID) (EntityDescriptor, error)

	// Entities returns up to limit descriptors in registration order starting at cursor.
	Entities(ctx context.Context, cursor uint64, limit int) (EntityPage, error)
}

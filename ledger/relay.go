package ledger

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math/big"
	"sync"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/accounts/abi/bind"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"

	"github.com/ruteri/tee-enclave-rpc/interfaces"
)

// ErrNoTransactOpts is returned when a transaction is attempted without first setting transaction options.
var ErrNoTransactOpts = errors.New("no authorized transactor available")

// ChainBackend is what the relay needs from a node connection. *ethclient.Client satisfies it.
type ChainBackend interface {
	bind.ContractBackend
	BlockNumber(ctx context.Context) (uint64, error)
}

type RelayConfig struct {
	// Confirmations is the number of blocks a log must be buried under
	// before it is treated as final.
	Confirmations uint64
	// FromBlock is the first block scanned for relay events, usually the
	// deployment block of the hub.
	FromBlock uint64
}

// EthRelay implements interfaces.Ledger and interfaces.RelayInbox on top of
// a RelayHub contract. Requests and results are carried in event logs.
type EthRelay struct {
	contract *bind.BoundContract
	abi      abi.ABI
	backend  ChainBackend
	address  common.Address
	cfg      RelayConfig
	log      *slog.Logger

	mu   sync.RWMutex
	auth *bind.TransactOpts
}

type submittedEvent struct {
	Key     [32]byte
	Target  [32]byte
	Payload []byte
}

type respondedEvent struct {
	Key     [32]byte
	Payload []byte
}

func NewEthRelay(backend ChainBackend, address common.Address, cfg RelayConfig, log *slog.Logger) (*EthRelay, error) {
	if log == nil {
		log = slog.Default()
	}
	parsed, err := parseABI(RelayHubABI)
	if err != nil {
		return nil, err
	}

	return &EthRelay{
		contract: bind.NewBoundContract(address, parsed, backend, backend, backend),
		abi:      parsed,
		backend:  backend,
		address:  address,
		cfg:      cfg,
		log:      log,
	}, nil
}

// SetTransactOpts sets the transaction options required for Submit and Respond.
func (r *EthRelay) SetTransactOpts(auth *bind.TransactOpts) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.auth = auth
}

// Submit sends a submit transaction unless a request with the same key is
// already on chain.
func (r *EthRelay) Submit(ctx context.Context, req interfaces.RelayRequest) error {
	head, err := r.backend.BlockNumber(ctx)
	if err != nil {
		return fmt.Errorf("could not fetch head block: %w", err)
	}

	existing, err := r.filterLogs(ctx, "Submitted", r.cfg.FromBlock, head, []common.Hash{common.Hash(req.Key)})
	if err != nil {
		return err
	}
	if len(existing) > 0 {
		r.log.Debug("Relay request already submitted", slog.String("key", common.Hash(req.Key).Hex()))
		return nil
	}

	opts, err := r.transactOpts(ctx)
	if err != nil {
		return err
	}
	tx, err := r.contract.Transact(opts, "submit", [32]byte(req.Key), [32]byte(req.Target), req.Payload)
	if err != nil {
		return fmt.Errorf("submit transaction: %w", err)
	}

	r.log.Debug("Relay request submitted",
		slog.String("key", common.Hash(req.Key).Hex()),
		slog.String("tx", tx.Hash().Hex()))
	return nil
}

// Result returns the first Responded event for key that has enough confirmations.
func (r *EthRelay) Result(ctx context.Context, key interfaces.RelayKey) (interfaces.RelayResult, bool, error) {
	to, ok, err := r.finalizedHead(ctx)
	if err != nil || !ok || to < r.cfg.FromBlock {
		return interfaces.RelayResult{}, false, err
	}

	logs, err := r.filterLogs(ctx, "Responded", r.cfg.FromBlock, to, []common.Hash{common.Hash(key)})
	if err != nil {
		return interfaces.RelayResult{}, false, err
	}
	if len(logs) == 0 {
		return interfaces.RelayResult{}, false, nil
	}

	var ev respondedEvent
	if err := r.contract.UnpackLog(&ev, "Responded", logs[0]); err != nil {
		return interfaces.RelayResult{}, false, fmt.Errorf("could not decode Responded log: %w", err)
	}
	return interfaces.RelayResult{Key: key, Payload: ev.Payload}, true, nil
}

// Pending returns the final requests for target in blocks [cursor, head-confirmations].
// The returned cursor is the first block not yet scanned.
func (r *EthRelay) Pending(ctx context.Context, target interfaces.EntityID, cursor uint64) ([]interfaces.RelayRequest, uint64, error) {
	from := max(cursor, r.cfg.FromBlock)
	to, ok, err := r.finalizedHead(ctx)
	if err != nil {
		return nil, cursor, err
	}
	if !ok || to < from {
		return nil, from, nil
	}

	logs, err := r.filterLogs(ctx, "Submitted", from, to, nil, []common.Hash{common.Hash(target)})
	if err != nil {
		return nil, cursor, err
	}

	requests := make([]interfaces.RelayRequest, 0, len(logs))
	for _, l := range logs {
		var ev submittedEvent
		if err := r.contract.UnpackLog(&ev, "Submitted", l); err != nil {
			r.log.Warn("Skipping malformed Submitted log", slog.String("tx", l.TxHash.Hex()), "err", err)
			continue
		}
		requests = append(requests, interfaces.RelayRequest{
			Key:     interfaces.RelayKey(ev.Key),
			Target:  interfaces.EntityID(ev.Target),
			Payload: ev.Payload,
		})
	}
	return requests, to + 1, nil
}

// Respond sends a respond transaction unless a result for the key is already on chain.
func (r *EthRelay) Respond(ctx context.Context, res interfaces.RelayResult) error {
	head, err := r.backend.BlockNumber(ctx)
	if err != nil {
		return fmt.Errorf("could not fetch head block: %w", err)
	}
	existing, err := r.filterLogs(ctx, "Responded", r.cfg.FromBlock, head, []common.Hash{common.Hash(res.Key)})
	if err != nil {
		return err
	}
	if len(existing) > 0 {
		return nil
	}

	opts, err := r.transactOpts(ctx)
	if err != nil {
		return err
	}
	tx, err := r.contract.Transact(opts, "respond", [32]byte(res.Key), res.Payload)
	if err != nil {
		return fmt.Errorf("respond transaction: %w", err)
	}

	r.log.Debug("Relay result posted",
		slog.String("key", common.Hash(res.Key).Hex()),
		slog.String("tx", tx.Hash().Hex()))
	return nil
}

func (r *EthRelay) transactOpts(ctx context.Context) (*bind.TransactOpts, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if r.auth == nil {
		return nil, ErrNoTransactOpts
	}
	opts := *r.auth
	opts.Context = ctx
	return &opts, nil
}

// finalizedHead returns the highest block with enough confirmations.
func (r *EthRelay) finalizedHead(ctx context.Context) (uint64, bool, error) {
	head, err := r.backend.BlockNumber(ctx)
	if err != nil {
		return 0, false, fmt.Errorf("could not fetch head block: %w", err)
	}
	if head < r.cfg.Confirmations {
		return 0, false, nil
	}
	return head - r.cfg.Confirmations, true, nil
}

// filterLogs queries event logs of the hub. topics filter the indexed
// arguments in order; a nil entry matches anything.
func (r *EthRelay) filterLogs(ctx context.Context, event string, from, to uint64, topics ...[]common.Hash) ([]types.Log, error) {
	query := ethereum.FilterQuery{
		FromBlock: new(big.Int).SetUint64(from),
		ToBlock:   new(big.Int).SetUint64(to),
		Addresses: []common.Address{r.address},
		Topics:    append([][]common.Hash{{r.abi.Events[event].ID}}, topics...),
	}
	logs, err := r.backend.FilterLogs(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("could not filter %s logs: %w", event, err)
	}

	live := logs[:0]
	for _, l := range logs {
		if !l.Removed {
			live = append(live, l)
		}
	}
	return live, nil
}

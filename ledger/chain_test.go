package ledger

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"slices"
	"sync"
	"testing"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/accounts/abi/bind"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/ruteri/tee-enclave-rpc/interfaces"
	"github.com/stretchr/testify/require"
)

var (
	hubAddress      = common.HexToAddress("0x00000000000000000000000000000000000000a1")
	entitiesAddress = common.HexToAddress("0x00000000000000000000000000000000000000a2")
	namesAddress    = common.HexToAddress("0x00000000000000000000000000000000000000a3")
)

// fakeChain executes the three contracts in memory. Every accepted
// transaction is mined into its own block.
type fakeChain struct {
	ChainBackend

	hub      abi.ABI
	entities abi.ABI
	names    abi.ABI

	mu          sync.Mutex
	head        uint64
	logs        []types.Log
	sent        int
	descriptors []interfaces.EntityDescriptor
	registered  map[string]common.Address
}

func newFakeChain(t *testing.T) *fakeChain {
	t.Helper()
	hub, err := parseABI(RelayHubABI)
	require.NoError(t, err)
	entities, err := parseABI(EntityRegistryABI)
	require.NoError(t, err)
	names, err := parseABI(ContractRegistryABI)
	require.NoError(t, err)

	return &fakeChain{
		hub:        hub,
		entities:   entities,
		names:      names,
		registered: map[string]common.Address{},
	}
}

func newTransactor(t *testing.T) *bind.TransactOpts {
	t.Helper()
	key, err := crypto.GenerateKey()
	require.NoError(t, err)
	auth, err := bind.NewKeyedTransactorWithChainID(key, big.NewInt(1337))
	require.NoError(t, err)
	auth.GasPrice = big.NewInt(1)
	auth.GasLimit = 1_000_000
	return auth
}

func (c *fakeChain) mine(blocks uint64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.head += blocks
}

func (c *fakeChain) transactions() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.sent
}

func (c *fakeChain) BlockNumber(ctx context.Context) (uint64, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.head, nil
}

func (c *fakeChain) HeaderByNumber(ctx context.Context, number *big.Int) (*types.Header, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return &types.Header{Number: new(big.Int).SetUint64(c.head)}, nil
}

func (c *fakeChain) CodeAt(ctx context.Context, contract common.Address, blockNumber *big.Int) ([]byte, error) {
	return []byte{0x60}, nil
}

func (c *fakeChain) PendingCodeAt(ctx context.Context, account common.Address) ([]byte, error) {
	return []byte{0x60}, nil
}

func (c *fakeChain) PendingNonceAt(ctx context.Context, account common.Address) (uint64, error) {
	return 0, nil
}

func (c *fakeChain) SuggestGasPrice(ctx context.Context) (*big.Int, error) {
	return big.NewInt(1), nil
}

func (c *fakeChain) SuggestGasTipCap(ctx context.Context) (*big.Int, error) {
	return big.NewInt(1), nil
}

func (c *fakeChain) EstimateGas(ctx context.Context, call ethereum.CallMsg) (uint64, error) {
	return 100_000, nil
}

func (c *fakeChain) SendTransaction(ctx context.Context, tx *types.Transaction) error {
	if tx.To() == nil || *tx.To() != hubAddress {
		return errors.New("unknown contract")
	}
	method, err := c.hub.MethodById(tx.Data()[:4])
	if err != nil {
		return err
	}
	args, err := method.Inputs.Unpack(tx.Data()[4:])
	if err != nil {
		return err
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	c.sent++
	c.head++

	var event abi.Event
	var topics []common.Hash
	var data []byte
	switch method.Name {
	case "submit":
		event = c.hub.Events["Submitted"]
		topics = []common.Hash{event.ID, args[0].([32]byte), args[1].([32]byte)}
		data, err = event.Inputs.NonIndexed().Pack(args[2].([]byte))
	case "respond":
		event = c.hub.Events["Responded"]
		topics = []common.Hash{event.ID, args[0].([32]byte)}
		data, err = event.Inputs.NonIndexed().Pack(args[1].([]byte))
	default:
		return fmt.Errorf("unexpected method %s", method.Name)
	}
	if err != nil {
		return err
	}

	c.logs = append(c.logs, types.Log{
		Address:     hubAddress,
		Topics:      topics,
		Data:        data,
		BlockNumber: c.head,
		TxHash:      tx.Hash(),
	})
	return nil
}

func (c *fakeChain) FilterLogs(ctx context.Context, q ethereum.FilterQuery) ([]types.Log, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	var out []types.Log
	for _, l := range c.logs {
		if q.FromBlock != nil && l.BlockNumber < q.FromBlock.Uint64() {
			continue
		}
		if q.ToBlock != nil && l.BlockNumber > q.ToBlock.Uint64() {
			continue
		}
		if len(q.Addresses) > 0 && !slices.Contains(q.Addresses, l.Address) {
			continue
		}
		if matchTopics(q.Topics, l.Topics) {
			out = append(out, l)
		}
	}
	return out, nil
}

func matchTopics(filter [][]common.Hash, topics []common.Hash) bool {
	for i, set := range filter {
		if len(set) == 0 {
			continue
		}
		if i >= len(topics) || !slices.Contains(set, topics[i]) {
			return false
		}
	}
	return true
}

func (c *fakeChain) CallContract(ctx context.Context, call ethereum.CallMsg, blockNumber *big.Int) ([]byte, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	switch *call.To {
	case entitiesAddress:
		return c.callEntities(call.Data)
	case namesAddress:
		method, err := c.names.MethodById(call.Data[:4])
		if err != nil {
			return nil, err
		}
		args, err := method.Inputs.Unpack(call.Data[4:])
		if err != nil {
			return nil, err
		}
		return method.Outputs.Pack(c.registered[args[0].(string)])
	}
	return nil, errors.New("unknown contract")
}

func (c *fakeChain) callEntities(data []byte) ([]byte, error) {
	method, err := c.entities.MethodById(data[:4])
	if err != nil {
		return nil, err
	}
	args, err := method.Inputs.Unpack(data[4:])
	if err != nil {
		return nil, err
	}

	switch method.Name {
	case "entityCount":
		return method.Outputs.Pack(big.NewInt(int64(len(c.descriptors))))
	case "entityAt":
		i := args[0].(*big.Int).Uint64()
		if i >= uint64(len(c.descriptors)) {
			return nil, errors.New("execution reverted: index out of range")
		}
		return method.Outputs.Pack([32]byte(c.descriptors[i].ID))
	case "getEntity":
		id := interfaces.EntityID(args[0].([32]byte))
		for _, d := range c.descriptors {
			if d.ID != id {
				continue
			}
			whitelist := make([][32]byte, len(d.Whitelist))
			for i, m := range d.Whitelist {
				whitelist[i] = m
			}
			return method.Outputs.Pack(true, d.PublicKey, d.Addresses, whitelist, d.RegisteredAt)
		}
		return method.Outputs.Pack(false, []byte{}, []string{}, [][32]byte{}, uint64(0))
	}
	return nil, fmt.Errorf("unexpected method %s", method.Name)
}

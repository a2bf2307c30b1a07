package ledger

import (
	"context"
	"fmt"
	"math/big"

	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/accounts/abi/bind"
	"github.com/ethereum/go-ethereum/common"

	"github.com/ruteri/tee-enclave-rpc/interfaces"
)

// ContractRegistry resolves contract names to deployed addresses.
type ContractRegistry struct {
	contract *bind.BoundContract
}

func NewContractRegistry(caller bind.ContractCaller, address common.Address) (*ContractRegistry, error) {
	parsed, err := parseABI(ContractRegistryABI)
	if err != nil {
		return nil, err
	}
	return &ContractRegistry{contract: bind.NewBoundContract(address, parsed, caller, nil, nil)}, nil
}

// Resolve returns the address registered under name, or ErrNotFound.
func (c *ContractRegistry) Resolve(ctx context.Context, name string) (common.Address, error) {
	var out []interface{}
	if err := c.contract.Call(&bind.CallOpts{Context: ctx}, &out, "getAddress", name); err != nil {
		return common.Address{}, fmt.Errorf("getAddress(%s): %w", name, err)
	}

	addr := *abi.ConvertType(out[0], new(common.Address)).(*common.Address)
	if addr == (common.Address{}) {
		return common.Address{}, fmt.Errorf("%w: contract %s", interfaces.ErrNotFound, name)
	}
	return addr, nil
}

// EntityRegistryClient reads entity descriptors from the on-chain entity
// registry. It implements interfaces.EntityRegistry.
type EntityRegistryClient struct {
	contract *bind.BoundContract
}

func NewEntityRegistryClient(caller bind.ContractCaller, address common.Address) (*EntityRegistryClient, error) {
	parsed, err := parseABI(EntityRegistryABI)
	if err != nil {
		return nil, err
	}
	return &EntityRegistryClient{contract: bind.NewBoundContract(address, parsed, caller, nil, nil)}, nil
}

func (c *EntityRegistryClient) Entity(ctx context.Context, id interfaces.EntityID) (interfaces.EntityDescriptor, error) {
	var out []interface{}
	if err := c.contract.Call(&bind.CallOpts{Context: ctx}, &out, "getEntity", [32]byte(id)); err != nil {
		return interfaces.EntityDescriptor{}, fmt.Errorf("getEntity(%s): %w", id, err)
	}

	found := *abi.ConvertType(out[0], new(bool)).(*bool)
	if !found {
		return interfaces.EntityDescriptor{}, fmt.Errorf("%w: entity %s", interfaces.ErrNotFound, id)
	}

	pubkey := *abi.ConvertType(out[1], new([]byte)).(*[]byte)
	addresses := *abi.ConvertType(out[2], new([]string)).(*[]string)
	whitelist := *abi.ConvertType(out[3], new([][32]byte)).(*[][32]byte)
	registeredAt := *abi.ConvertType(out[4], new(uint64)).(*uint64)

	desc := interfaces.EntityDescriptor{
		ID:           id,
		PublicKey:    pubkey,
		Addresses:    addresses,
		Whitelist:    make([]interfaces.Measurement, len(whitelist)),
		RegisteredAt: registeredAt,
	}
	for i, m := range whitelist {
		desc.Whitelist[i] = interfaces.Measurement(m)
	}
	return desc, nil
}

// Entities walks the registry in registration order.
func (c *EntityRegistryClient) Entities(ctx context.Context, cursor uint64, limit int) (interfaces.EntityPage, error) {
	opts := &bind.CallOpts{Context: ctx}

	var out []interface{}
	if err := c.contract.Call(opts, &out, "entityCount"); err != nil {
		return interfaces.EntityPage{}, fmt.Errorf("entityCount: %w", err)
	}
	count := (*abi.ConvertType(out[0], new(*big.Int)).(**big.Int)).Uint64()

	if limit <= 0 {
		limit = 1
	}
	end := min(count, cursor+uint64(limit))

	page := interfaces.EntityPage{Next: max(cursor, end), Done: end >= count}
	for i := cursor; i < end; i++ {
		var idOut []interface{}
		if err := c.contract.Call(opts, &idOut, "entityAt", new(big.Int).SetUint64(i)); err != nil {
			return interfaces.EntityPage{}, fmt.Errorf("entityAt(%d): %w", i, err)
		}
		id := *abi.ConvertType(idOut[0], new([32]byte)).(*[32]byte)

		desc, err := c.Entity(ctx, interfaces.EntityID(id))
		if err != nil {
			return interfaces.EntityPage{}, err
		}
		page.Descriptors = append(page.Descriptors, desc)
	}
	return page, nil
}

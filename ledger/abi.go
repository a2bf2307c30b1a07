package ledger

import (
	"strings"

	"github.com/ethereum/go-ethereum/accounts/abi"
)

// RelayHubABI is the interface of the contract carrying bootstrap envelopes.
const RelayHubABI = `[
	{"type":"function","name":"submit","stateMutability":"nonpayable","inputs":[
		{"name":"key","type":"bytes32"},{"name":"target","type":"bytes32"},{"name":"payload","type":"bytes"}],"outputs":[]},
	{"type":"function","name":"respond","stateMutability":"nonpayable","inputs":[
		{"name":"key","type":"bytes32"},{"name":"payload","type":"bytes"}],"outputs":[]},
	{"type":"event","name":"Submitted","anonymous":false,"inputs":[
		{"name":"key","type":"bytes32","indexed":true},{"name":"target","type":"bytes32","indexed":true},{"name":"payload","type":"bytes","indexed":false}]},
	{"type":"event","name":"Responded","anonymous":false,"inputs":[
		{"name":"key","type":"bytes32","indexed":true},{"name":"payload","type":"bytes","indexed":false}]}
]`

// ContractRegistryABI resolves well-known contract names to addresses.
const ContractRegistryABI = `[
	{"type":"function","name":"getAddress","stateMutability":"view","inputs":[
		{"name":"name","type":"string"}],"outputs":[{"name":"","type":"address"}]}
]`

// EntityRegistryABI is the read surface of the on-chain entity registry.
const EntityRegistryABI = `[
	{"type":"function","name":"getEntity","stateMutability":"view","inputs":[
		{"name":"id","type":"bytes32"}],"outputs":[
		{"name":"found","type":"bool"},{"name":"pubkey","type":"bytes"},{"name":"addresses","type":"string[]"},
		{"name":"whitelist","type":"bytes32[]"},{"name":"registeredAt","type":"uint64"}]},
	{"type":"function","name":"entityCount","stateMutability":"view","inputs":[],"outputs":[{"name":"","type":"uint256"}]},
	{"type":"function","name":"entityAt","stateMutability":"view","inputs":[
		{"name":"index","type":"uint256"}],"outputs":[{"name":"","type":"bytes32"}]}
]`

// Well-known names in the contract registry.
const (
	RelayHubName       = "RelayHub"
	EntityRegistryName = "EntityRegistry"
)

func parseABI(definition string) (abi.ABI, error) {
	return abi.JSON(strings.NewReader(definition))
}

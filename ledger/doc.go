// Package ledger connects the enclave RPC transports to the ledger.
//
// EthRelay carries bootstrap channel envelopes through a RelayHub contract:
// clients submit requests as transactions and read results from finalized
// Responded events, while the enclave scans Submitted events addressed to its
// entity id and posts answers. ContractRegistry resolves contract names to
// addresses, and EntityRegistryClient reads entity descriptors from the
// on-chain entity registry.
//
// MemoryLedger offers the same relay semantics in process, for tests and
// local development.
package ledger

// Package registry resolves entity ids to attested endpoint descriptors.
//
// Client talks to a registry enclave over any interfaces.Transport: Lookup
// returns the descriptor of one entity, List lazily walks every registered
// entity matching a Filter. Descriptors are write-once, so the client caches
// them and reports ErrDescriptorConflict if the registry ever answers
// differently for an id it has already seen.
//
// Service is the enclave side. It serves the Lookup and List methods on an
// rpc.Mux from any interfaces.EntityRegistry, such as the on-chain registry
// in the ledger package or the in-process MemoryRegistry.
package registry

// Package interfaces defines the shared types and contracts of the enclave RPC
// system without implementation details.
//
// # Identity
//
//   - IdentityProof: attestation evidence binding an X25519 public key to a measured enclave
//   - EntityDescriptor: registry entry resolving an entity id to addresses and a measurement whitelist
//   - Target: the connection parameters a transport needs to reach and authenticate an entity
//
// # Transport
//
//   - Transport: connect/send/close contract implemented by the direct and bootstrap transports
//   - Channel: an authenticated session with a peer, driven by a single owner
//   - ProofVerifier: cryptographic verification of peer identity proofs
//   - Handler: application callback invoked by the enclave-side responder
//
// # Ledger
//
//   - Ledger: client view of the relay used by the bootstrap transport
//   - RelayInbox: enclave view of the relay used to pick up and answer requests
//   - EntityRegistry: read path of the append-only entity registry
//
// # Storage
//
//   - StorageBackend: content-addressed storage for proof material
//
// All failures are reported through the sentinel errors in errors.go, wrapped
// with context, so callers classify them with errors.Is.
package interfaces

// Package storage holds identity proof material in content-addressed storage.
//
// Proofs are produced outside this module, by the attestation tooling, and
// published to one or more backends under the SHA-256 hash of their encoding.
// An endpoint loads its proof by content id at startup and checks that the
// bytes hash to the id before trusting them.
//
// Backends are selected by location URI:
//
//	file:///var/lib/enclave-rpc/
//	s3://bucket/prefix/?region=us-west-2&endpoint=minio.local:9000
//	ipfs://127.0.0.1:5001/enclave-rpc
//	vault://vault.example.com:8200/secret/enclave-rpc
//
// MultiStorageBackend fans stores out to every available backend and fetches
// from the first one holding the content.
//
// LoadSecretKey reads the long-term X25519 secret of a caller or endpoint from
// a file or from Vault.
package storage

// Package cryptoutils implements the cryptographic core of enclave channels.
//
// Credentials hold the long-term X25519 secret of a party and its identity
// proof. DeriveSessionKeys turns the X25519 shared secret and the handshake
// transcript into a session key, directional traffic keys and key confirmation
// keys with HKDF-SHA256. Session frames payloads with ChaCha20-Poly1305 under a
// strictly increasing counter and rejects replayed or tampered frames.
//
// Identity proofs are verified by SignedProofVerifier (secp256k1 signature of a
// trusted authority) or DCAPProofVerifier (TDX quote). VerifyPeerProof adds
// the expiry and measurement whitelist policy applied during the handshake.
package cryptoutils

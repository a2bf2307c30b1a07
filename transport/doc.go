// Package transport implements the two channel transports and the enclave side
// that answers them.
//
// Both variants run the same handshake: the parties exchange hellos carrying
// their identity proofs and a nonce, verify each other's proof against the
// measurement whitelist, derive session keys from X25519 and the hello
// transcript, and exchange key confirmations. Only then is a channel returned.
//
// Direct sends length-prefixed RLP envelopes over TCP. Bootstrap submits each
// envelope to a ledger relay under an idempotency key and polls for the
// enclave's answer until a configured timeout.
//
// On the enclave side, Responder holds the per-channel sessions and dispatches
// requests to an interfaces.Handler; Server feeds it from TCP connections and
// RelayWorker from the ledger relay inbox.
//
// New selects a variant from Config at runtime.
package transport

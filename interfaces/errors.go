package interfaces

import "errors"

var (
	// ErrConn is returned when no address of the target accepts a connection.
	ErrConn = errors.New("connection error")

	// ErrHandshake covers malformed or expired peer proofs, measurements missing
	// from the whitelist and key agreement failures.
	ErrHandshake = errors.New("handshake error")

	// ErrTransport is returned on I/O and frame decoding failures.
	ErrTransport = errors.New("transport error")

	// ErrReplayDetected is returned when a frame counter does not advance or a
	// frame fails authentication.
	ErrReplayDetected = errors.New("replay detected")

	// ErrTimeout is returned when a relayed request is not answered before the deadline.
	ErrTimeout = errors.New("timeout")

	// ErrNotFound is an ordinary registry miss.
	ErrNotFound = errors.New("not found")

	// ErrInvalidProof is returned for structurally malformed credentials input.
	ErrInvalidProof = errors.New("invalid identity proof")

	ErrChannelClosed      = errors.New("channel closed")
	ErrChannelFailed      = errors.New("channel failed")
	ErrDescriptorConflict = errors.New("conflicting entity descriptor")
	ErrAlreadyRegistered  = errors.New("entity already registered")
	ErrUnknownVariant     = errors.New("unknown transport variant")
)

// IsRetryable reports whether a caller may retry the operation that produced err.
// Authentication failures are never retryable.
func IsRetryable(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, ErrHandshake) || errors.Is(err, ErrReplayDetected) || errors.Is(err, ErrInvalidProof) {
		return false
	}
	return errors.Is(err, ErrConn) || errors.Is(err, ErrTransport) || errors.Is(err, ErrTimeout)
}

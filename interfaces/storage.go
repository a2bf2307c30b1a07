package interfaces

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
)

// ContentID is the SHA-256 hash of stored content.
type ContentID [32]byte

func NewContentIDFromHex(source string) (ContentID, error) {
	raw, err := decodeHex32(source)
	if err != nil {
		return ContentID{}, err
	}
	return ContentID(raw), nil
}

// ComputeID calculates content ID from data.
func ComputeID(data []byte) ContentID {
	return ContentID(sha256.Sum256(data))
}

func (id ContentID) String() string {
	return hex.EncodeToString(id[:])
}

// ContentType indicates storage namespace.
type ContentType int

const (
	// ProofType holds encoded identity proofs.
	ProofType ContentType = iota
	// DescriptorType holds encoded entity descriptors.
	DescriptorType
)

func (ct ContentType) String() string {
	switch ct {
	case ProofType:
		return "proof"
	case DescriptorType:
		return "descriptor"
	default:
		return "unknown"
	}
}

var (
	ErrContentNotFound = errors.New("content not found")

	// ErrBackendUnavailable is returned when a storage backend is not accessible.
	ErrBackendUnavailable = errors.New("storage backend unavailable")

	// ErrInvalidLocationURI is returned when a storage location URI is malformed or unsupported.
	// URIs follow the format: [scheme]://[auth@]host[:port][/path][?params]
	ErrInvalidLocationURI = errors.New("invalid storage location URI")
)

// StorageBackend provides content-addressed storage for proof material
// published by the attestation producer.
type StorageBackend interface {
	Fetch(ctx context.Context, id ContentID, contentType ContentType) ([]byte, error)

	// Store saves data and returns its content ID.
	Store(ctx context.Context, data []byte, contentType ContentType) (ContentID, error)

	Available(ctx context.Context) bool

	// Name returns identifier for logging.
	Name() string

	LocationURI() string
}

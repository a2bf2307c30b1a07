package storage

import (
	"bytes"
	"context"
	"encoding/hex"
	"fmt"
	"log/slog"
	"net/url"
	"os"
	"strings"

	"github.com/ruteri/tee-enclave-rpc/cryptoutils"
	"github.com/ruteri/tee-enclave-rpc/interfaces"
)

// DefaultSecretField is the Vault data key holding a hex encoded secret.
const DefaultSecretField = "secret_key"

// LoadSecretKey reads a 32-byte X25519 secret from one of:
//
//	file:///path/to/key      raw 32 bytes or 64 hex characters
//	/path/to/key             same as file://
//	vault://host:port/mount/path?field=secret_key&tls=false
//
// Vault reads authenticate with VAULT_TOKEN. The caller owns the returned
// slice and should clear it once credentials are constructed.
func LoadSecretKey(ctx context.Context, uri string, log *slog.Logger) ([]byte, error) {
	if log == nil {
		log = slog.Default()
	}
	if uri == "" {
		return nil, fmt.Errorf("%w: empty secret key location", interfaces.ErrInvalidLocationURI)
	}
	if !strings.Contains(uri, "://") {
		return readSecretFile(uri)
	}

	u, err := url.Parse(uri)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", interfaces.ErrInvalidLocationURI, err)
	}

	switch strings.ToLower(u.Scheme) {
	case "file":
		return readSecretFile(filePath(u))
	case "vault":
		return readSecretVault(ctx, u, log)
	default:
		return nil, fmt.Errorf("%w: unsupported secret key scheme %q", interfaces.ErrInvalidLocationURI, u.Scheme)
	}
}

func readSecretFile(path string) ([]byte, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("could not read secret key: %w", err)
	}
	defer clear(data)
	return parseSecret(data)
}

func readSecretVault(ctx context.Context, u *url.URL, log *slog.Logger) ([]byte, error) {
	address, mount, secretPath, err := vaultLocation(u)
	if err != nil {
		return nil, err
	}
	if secretPath == "" {
		return nil, fmt.Errorf("%w: missing secret path in %s", interfaces.ErrInvalidLocationURI, u.Redacted())
	}
	field := u.Query().Get("field")
	if field == "" {
		field = DefaultSecretField
	}

	client, err := newVaultClient(address, "", nil)
	if err != nil {
		return nil, err
	}

	secret, err := client.KVv2(mount).Get(ctx, secretPath)
	if err != nil {
		return nil, fmt.Errorf("could not read secret key from Vault: %w", err)
	}
	value, ok := secret.Data[field].(string)
	if !ok {
		return nil, fmt.Errorf("field %q not found at %s/%s", field, mount, secretPath)
	}

	log.Debug("Loaded secret key from Vault", slog.String("mount", mount), slog.String("path", secretPath))
	return parseSecret([]byte(value))
}

// parseSecret accepts raw key bytes or their hex encoding.
func parseSecret(data []byte) ([]byte, error) {
	if len(data) == cryptoutils.SecretKeySize {
		return bytes.Clone(data), nil
	}

	trimmed := strings.TrimPrefix(strings.TrimSpace(string(data)), "0x")
	if len(trimmed) != 2*cryptoutils.SecretKeySize {
		return nil, fmt.Errorf("%w: secret key must be %d raw or hex encoded bytes", interfaces.ErrInvalidProof, cryptoutils.SecretKeySize)
	}
	secret, err := hex.DecodeString(trimmed)
	if err != nil {
		return nil, fmt.Errorf("%w: invalid hex secret key: %v", interfaces.ErrInvalidProof, err)
	}
	return secret, nil
}

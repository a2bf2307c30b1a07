package storage

import (
	"context"
	"crypto/tls"
	"encoding/base64"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"path"
	"strings"
	"time"

	"github.com/hashicorp/vault/api"
	"github.com/ruteri/tee-enclave-rpc/interfaces"
)

// VaultBackend stores content in a Vault KV v2 engine at
// <mount>/<dataPath>/<namespace>/<content id>. Content is kept base64 encoded
// under the "content" key.
type VaultBackend struct {
	kv          *api.KVv2
	mountPath   string
	dataPath    string
	client      *api.Client
	log         *slog.Logger
	locationURI string
}

// NewVaultBackend authenticates with token, or with the VAULT_TOKEN
// environment variable when token is empty. clientCert enables TLS client
// certificate authentication.
func NewVaultBackend(address, mountPath, dataPath, token string, clientCert *tls.Certificate, log *slog.Logger) (*VaultBackend, error) {
	if log == nil {
		log = slog.Default()
	}
	client, err := newVaultClient(address, token, clientCert)
	if err != nil {
		return nil, err
	}

	mountPath = strings.Trim(mountPath, "/")
	dataPath = strings.Trim(dataPath, "/")

	return &VaultBackend{
		kv:          client.KVv2(mountPath),
		mountPath:   mountPath,
		dataPath:    dataPath,
		client:      client,
		log:         log,
		locationURI: fmt.Sprintf("vault://%s/%s/%s", strings.TrimPrefix(strings.TrimPrefix(address, "https://"), "http://"), mountPath, dataPath),
	}, nil
}

func newVaultClient(address, token string, clientCert *tls.Certificate) (*api.Client, error) {
	config := api.DefaultConfig()
	config.Address = address
	if clientCert != nil {
		config.HttpClient = &http.Client{
			Transport: &http.Transport{TLSClientConfig: &tls.Config{Certificates: []tls.Certificate{*clientCert}}},
			Timeout:   30 * time.Second,
		}
	}

	client, err := api.NewClient(config)
	if err != nil {
		return nil, fmt.Errorf("failed to create Vault client: %w", err)
	}
	if token != "" {
		client.SetToken(token)
	}
	return client, nil
}

// vaultLocation splits vault://host:port/mount/path?tls=false into a server
// address, a mount and the path inside the mount.
func vaultLocation(u *url.URL) (address, mount, secretPath string, err error) {
	scheme := "https"
	if u.Query().Get("tls") == "false" {
		scheme = "http"
	}
	parts := strings.SplitN(strings.Trim(u.Path, "/"), "/", 2)
	if u.Host == "" || parts[0] == "" {
		return "", "", "", fmt.Errorf("%w: expected vault://host:port/mount/path, got %s", interfaces.ErrInvalidLocationURI, u.Redacted())
	}
	if len(parts) == 2 {
		secretPath = parts[1]
	}
	return fmt.Sprintf("%s://%s", scheme, u.Host), parts[0], secretPath, nil
}

func (b *VaultBackend) Fetch(ctx context.Context, id interfaces.ContentID, contentType interfaces.ContentType) ([]byte, error) {
	start := time.Now()
	p, err := b.path(id, contentType)
	if err != nil {
		return nil, err
	}

	secret, err := b.kv.Get(ctx, p)
	if errors.Is(err, api.ErrSecretNotFound) {
		return nil, interfaces.ErrContentNotFound
	}
	if err != nil {
		b.log.Error("Failed to read from Vault", slog.String("path", p), "err", err)
		return nil, fmt.Errorf("%w: %v", interfaces.ErrBackendUnavailable, err)
	}

	encoded, ok := secret.Data["content"].(string)
	if !ok {
		return nil, fmt.Errorf("content key not found in Vault data at %s", p)
	}
	data, err := base64.StdEncoding.DecodeString(encoded)
	if err != nil {
		return nil, fmt.Errorf("invalid content encoding in Vault data at %s: %w", p, err)
	}

	b.log.Debug("Fetched content from Vault",
		slog.String("path", p),
		slog.Duration("duration", time.Since(start)))
	return data, nil
}

func (b *VaultBackend) Store(ctx context.Context, data []byte, contentType interfaces.ContentType) (interfaces.ContentID, error) {
	id := interfaces.ComputeID(data)
	p, err := b.path(id, contentType)
	if err != nil {
		return id, err
	}

	_, err = b.kv.Put(ctx, p, map[string]interface{}{
		"content": base64.StdEncoding.EncodeToString(data),
	})
	if err != nil {
		b.log.Error("Failed to write to Vault", slog.String("path", p), "err", err)
		return id, fmt.Errorf("%w: %v", interfaces.ErrBackendUnavailable, err)
	}

	b.log.Debug("Stored content in Vault", slog.String("path", p), slog.String("content_id", id.String()))
	return id, nil
}

// Available reports whether Vault is initialized and unsealed.
func (b *VaultBackend) Available(ctx context.Context) bool {
	healthCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	health, err := b.client.Sys().HealthWithContext(healthCtx)
	if err != nil {
		b.log.Debug("Vault health check failed", "err", err)
		return false
	}
	if !health.Initialized || health.Sealed {
		b.log.Debug("Vault is not available",
			slog.Bool("initialized", health.Initialized),
			slog.Bool("sealed", health.Sealed))
		return false
	}
	return true
}

func (b *VaultBackend) Name() string {
	return fmt.Sprintf("vault-%s-%s", b.mountPath, b.dataPath)
}

func (b *VaultBackend) LocationURI() string {
	return b.locationURI
}

func (b *VaultBackend) path(id interfaces.ContentID, contentType interfaces.ContentType) (string, error) {
	dir, err := namespace(contentType)
	if err != nil {
		return "", err
	}
	return path.Join(b.dataPath, dir, id.String()), nil
}

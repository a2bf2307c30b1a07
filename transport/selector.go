package transport

import (
	"fmt"
	"log/slog"

	"github.com/ruteri/tee-enclave-rpc/cryptoutils"
	"github.com/ruteri/tee-enclave-rpc/interfaces"
)

// Config selects and configures one of the two transport variants at runtime.
type Config struct {
	Variant   interfaces.TransportVariant
	Direct    DirectConfig
	Bootstrap BootstrapConfig
}

// New builds the transport selected by cfg.Variant. The ledger is only used,
// and only required, by the bootstrap variant.
func New(cfg Config, creds *cryptoutils.Credentials, verifier interfaces.ProofVerifier, ledger interfaces.Ledger, log *slog.Logger) (interfaces.Transport, error) {
	switch cfg.Variant {
	case interfaces.DirectTransport:
		return NewDirect(creds, verifier, cfg.Direct, log), nil
	case interfaces.BootstrapTransport:
		if ledger == nil {
			return nil, fmt.Errorf("bootstrap transport requires a ledger relay")
		}
		return NewBootstrap(creds, verifier, ledger, cfg.Bootstrap, log), nil
	default:
		return nil, fmt.Errorf("%w: %d", interfaces.ErrUnknownVariant, cfg.Variant)
	}
}

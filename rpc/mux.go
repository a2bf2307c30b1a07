package rpc

import (
	"context"
	"errors"
	"log/slog"
	"sync"

	"github.com/ethereum/go-ethereum/rlp"
	"github.com/ruteri/tee-enclave-rpc/interfaces"
)

// MethodFunc serves one method. Returning an error wrapping
// interfaces.ErrNotFound or ErrBadRequest selects the matching response code.
type MethodFunc func(ctx context.Context, peer interfaces.IdentityProof, payload []byte) ([]byte, error)

// Mux dispatches requests by method name. It implements interfaces.Handler
// and always answers with an encoded Response.
type Mux struct {
	mu      sync.RWMutex
	methods map[string]MethodFunc
	log     *slog.Logger
}

func NewMux(log *slog.Logger) *Mux {
	if log == nil {
		log = slog.Default()
	}
	return &Mux{methods: make(map[string]MethodFunc), log: log}
}

// Handle registers fn for method, replacing any previous registration.
func (m *Mux) Handle(method string, fn MethodFunc) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.methods[method] = fn
}

func (m *Mux) HandleRequest(ctx context.Context, peer interfaces.IdentityProof, payload []byte) ([]byte, error) {
	var req Request
	if err := rlp.DecodeBytes(payload, &req); err != nil {
		return encodeResponse(Response{Code: CodeBadRequest, Error: "malformed request"})
	}

	m.mu.RLock()
	fn, ok := m.methods[req.Method]
	m.mu.RUnlock()
	if !ok {
		return encodeResponse(Response{Code: CodeUnknownMethod, Error: req.Method})
	}

	out, err := fn(ctx, peer, req.Payload)
	switch {
	case err == nil:
		return encodeResponse(Response{Code: CodeOK, Payload: out})
	case errors.Is(err, interfaces.ErrNotFound):
		return encodeResponse(Response{Code: CodeNotFound, Error: err.Error()})
	case errors.Is(err, ErrBadRequest):
		return encodeResponse(Response{Code: CodeBadRequest, Error: err.Error()})
	default:
		m.log.Error("RPC method failed", slog.String("method", req.Method), "err", err)
		return encodeResponse(Response{Code: CodeInternal, Error: err.Error()})
	}
}

func encodeResponse(resp Response) ([]byte, error) {
	return rlp.EncodeToBytes(&resp)
}

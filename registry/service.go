package registry

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/ethereum/go-ethereum/rlp"
	"github.com/ruteri/tee-enclave-rpc/interfaces"
	"github.com/ruteri/tee-enclave-rpc/rpc"
)

// Service answers registry RPCs from a backend.
type Service struct {
	backend interfaces.EntityRegistry
	log     *slog.Logger
}

func NewService(backend interfaces.EntityRegistry, log *slog.Logger) *Service {
	if log == nil {
		log = slog.Default()
	}
	return &Service{backend: backend, log: log}
}

// Register installs the registry methods on mux.
func (s *Service) Register(mux *rpc.Mux) {
	mux.Handle(MethodLookup, s.lookup)
	mux.Handle(MethodList, s.list)
}

func (s *Service) lookup(ctx context.Context, peer interfaces.IdentityProof, payload []byte) ([]byte, error) {
	if len(payload) != len(interfaces.EntityID{}) {
		return nil, fmt.Errorf("%w: entity id must be 32 bytes, got %d", rpc.ErrBadRequest, len(payload))
	}
	id := interfaces.EntityID(payload)

	desc, err := s.backend.Entity(ctx, id)
	if err != nil {
		return nil, err
	}
	s.log.Debug("Lookup served", slog.String("entity", id.String()), slog.String("peer", peer.Measurement.String()))
	return rlp.EncodeToBytes(&desc)
}

// list scans the backend from the request cursor until Limit matching
// descriptors are collected or the registry is exhausted.
func (s *Service) list(ctx context.Context, peer interfaces.IdentityProof, payload []byte) ([]byte, error) {
	var req ListRequest
	if err := rlp.DecodeBytes(payload, &req); err != nil {
		return nil, fmt.Errorf("%w: %v", rpc.ErrBadRequest, err)
	}
	limit := int(min(max(req.Limit, 1), MaxPageSize))

	resp := ListResponse{Next: req.Cursor}
	for len(resp.Descriptors) < limit {
		page, err := s.backend.Entities(ctx, resp.Next, limit-len(resp.Descriptors))
		if err != nil {
			return nil, err
		}
		for _, d := range page.Descriptors {
			if req.Filter.Match(d) {
				resp.Descriptors = append(resp.Descriptors, d)
			}
		}
		if page.Done {
			resp.Done = true
			resp.Next = page.Next
			break
		}
		if page.Next <= resp.Next {
			return nil, fmt.Errorf("registry backend made no progress at cursor %d", resp.Next)
		}
		resp.Next = page.Next
	}

	return rlp.EncodeToBytes(&resp)
}

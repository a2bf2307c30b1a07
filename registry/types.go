package registry

import (
	"slices"

	"github.com/ruteri/tee-enclave-rpc/interfaces"
)

const (
	MethodLookup = "Lookup"
	MethodList   = "List"
)

const (
	DefaultPageSize = 32
	MaxPageSize     = 256
)

// Filter selects descriptors in List. The zero Filter matches everything.
type Filter struct {
	// Measurements keeps descriptors whitelisting at least one of them.
	Measurements []interfaces.Measurement
	// RegisteredAfter keeps descriptors registered strictly after this time (unix seconds).
	RegisteredAfter uint64
}

func (f Filter) Match(d interfaces.EntityDescriptor) bool {
	if f.RegisteredAfter != 0 && d.RegisteredAt <= f.RegisteredAfter {
		return false
	}
	if len(f.Measurements) == 0 {
		return true
	}
	for _, m := range d.Whitelist {
		if slices.Contains(f.Measurements, m) {
			return true
		}
	}
	return false
}

type ListRequest struct {
	Filter Filter
	Cursor uint64
	Limit  uint64
}

type ListResponse struct {
	Descriptors []interfaces.EntityDescriptor
	Next        uint64
	Done        bool
}

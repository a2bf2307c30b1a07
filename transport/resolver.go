package transport

import (
	"cmp"
	"context"
	"fmt"
	"log/slog"
	"net"
	"slices"
	"strconv"
	"strings"
	"time"

	"github.com/miekg/dns"
	"github.com/ruteri/tee-enclave-rpc/interfaces"
)

const srvScheme = "srv://"

// IsSRVAddress reports whether addr names a DNS SRV record instead of host:port.
func IsSRVAddress(addr string) bool {
	return strings.HasPrefix(addr, srvScheme)
}

// Resolver expands srv:// descriptor addresses into host:port candidates.
type Resolver struct {
	server string
	client *dns.Client
	log    *slog.Logger
}

// NewResolver queries the DNS server at server (host:port).
func NewResolver(server string, timeout time.Duration, log *slog.Logger) *Resolver {
	if log == nil {
		log = slog.Default()
	}
	return &Resolver{
		server: server,
		client: &dns.Client{Net: "udp", Timeout: timeout},
		log:    log,
	}
}

// Resolve returns the SRV targets of addr ordered by priority, then by
// descending weight.
func (r *Resolver) Resolve(ctx context.Context, addr string) ([]string, error) {
	name := strings.TrimPrefix(addr, srvScheme)

	msg := new(dns.Msg)
	msg.SetQuestion(dns.Fqdn(name), dns.TypeSRV)

	in, _, err := r.client.ExchangeContext(ctx, msg, r.server)
	if err != nil {
		return nil, fmt.Errorf("%w: SRV query for %s: %v", interfaces.ErrConn, name, err)
	}
	if in.Rcode != dns.RcodeSuccess {
		return nil, fmt.Errorf("%w: SRV query for %s: %s", interfaces.ErrConn, name, dns.RcodeToString[in.Rcode])
	}

	var records []*dns.SRV
	for _, rr := range in.Answer {
		if srv, ok := rr.(*dns.SRV); ok {
			records = append(records, srv)
		}
	}
	if len(records) == 0 {
		return nil, fmt.Errorf("%w: no SRV records for %s", interfaces.ErrConn, name)
	}

	slices.SortStableFunc(records, func(a, b *dns.SRV) int {
		if c := cmp.Compare(a.Priority, b.Priority); c != 0 {
			return c
		}
		return cmp.Compare(b.Weight, a.Weight)
	})

	addresses := make([]string, 0, len(records))
	for _, srv := range records {
		host := strings.TrimSuffix(srv.Target, ".")
		addresses = append(addresses, net.JoinHostPort(host, strconv.Itoa(int(srv.Port))))
	}

	r.log.Debug("Resolved SRV address", slog.String("name", name), slog.Any("addresses", addresses))
	return addresses, nil
}

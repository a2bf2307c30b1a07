package transport

import (
	"context"
	"net"
	"testing"
	"time"

	"github.com/miekg/dns"
	"github.com/ruteri/tee-enclave-rpc/interfaces"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// startTestDNS serves SRV records for the given names on a local UDP port.
func startTestDNS(t *testing.T, records map[string][]*dns.SRV) string {
	t.Helper()
	pc, err := net.ListenPacket("udp", "127.0.0.1:0")
	require.NoError(t, err)

	started := make(chan struct{})
	server := &dns.Server{
		PacketConn:        pc,
		NotifyStartedFunc: func() { close(started) },
		Handler: dns.HandlerFunc(func(w dns.ResponseWriter, r *dns.Msg) {
			m := new(dns.Msg)
			m.SetReply(r)
			answers, ok := records[r.Question[0].Name]
			if !ok {
				m.Rcode = dns.RcodeNameError
			}
			for _, srv := range answers {
				rr := *srv
				rr.Hdr = dns.RR_Header{Name: r.Question[0].Name, Rrtype: dns.TypeSRV, Class: dns.ClassINET, Ttl: 60}
				m.Answer = append(m.Answer, &rr)
			}
			_ = w.WriteMsg(m)
		}),
	}
	go func() { _ = server.ActivateAndServe() }()
	<-started
	t.Cleanup(func() { _ = server.Shutdown() })
	return pc.LocalAddr().String()
}

func TestResolverOrdersByPriorityAndWeight(t *testing.T) {
	addr := startTestDNS(t, map[string][]*dns.SRV{
		"_enclave._tcp.example.com.": {
			{Priority: 20, Weight: 0, Port: 9003, Target: "backup.example.com."},
			{Priority: 10, Weight: 1, Port: 9002, Target: "light.example.com."},
			{Priority: 10, Weight: 5, Port: 9001, Target: "heavy.example.com."},
		},
	})

	resolver := NewResolver(addr, time.Second, newTestLogger())
	addresses, err := resolver.Resolve(context.Background(), "srv://_enclave._tcp.example.com")
	require.NoError(t, err)
	assert.Equal(t, []string{"heavy.example.com:9001", "light.example.com:9002", "backup.example.com:9003"}, addresses)

	_, err = resolver.Resolve(context.Background(), "srv://_missing._tcp.example.com")
	assert.ErrorIs(t, err, interfaces.ErrConn)
}

func TestDirectConnectsThroughSRV(t *testing.T) {
	p := newTestParties(t)
	srv := startTestServer(t, newTestResponder(p, &echoHandler{}))
	_, port, err := net.SplitHostPort(srv.Addr().String())
	require.NoError(t, err)

	portNum, err := net.LookupPort("tcp", port)
	require.NoError(t, err)
	dnsAddr := startTestDNS(t, map[string][]*dns.SRV{
		"_enclave._tcp.local.test.": {{Priority: 1, Weight: 1, Port: uint16(portNum), Target: "127.0.0.1."}},
	})

	direct := NewDirect(p.client, p.verifier, DirectConfig{
		DialTimeout: time.Second,
		Resolver:    NewResolver(dnsAddr, time.Second, newTestLogger()),
	}, newTestLogger())

	target := directTarget(p, srv)
	target.Addresses = []string{"srv://_enclave._tcp.local.test"}
	ch, err := direct.Connect(context.Background(), target)
	require.NoError(t, err)
	defer direct.Close(ch)

	resp, err := direct.Send(context.Background(), ch, []byte("via dns"))
	require.NoError(t, err)
	assert.Equal(t, "echo:via dns", string(resp))
}

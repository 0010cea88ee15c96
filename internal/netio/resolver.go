package netio

import (
	"context"
	"net"
	"time"

	"github.com/miekg/dns"

	"github.com/proxyhand/tunnel-client/pkg/tunnelerr"
)

// Resolver performs hostname-to-address resolution ahead of DialTimeout.
// The default Go resolver (net.DefaultResolver) is used when no upstream is
// configured; CustomResolver queries a specific upstream DNS server
// directly, grounded on billy-rubin-Socks-proxy's use of
// github.com/miekg/dns for its own CONNECT-path resolution.
type Resolver interface {
	LookupHost(ctx context.Context, host string) ([]string, error)
}

// CustomResolver resolves A records against a single upstream nameserver
// using github.com/miekg/dns instead of the system resolver, for callers
// who need resolution to bypass local /etc/resolv.conf (e.g. to avoid
// leaking DNS queries outside the tunnel's intended path).
type CustomResolver struct {
	// Upstream is the nameserver address, e.g. "1.1.1.1:53".
	Upstream string
	Timeout  time.Duration
}

func (r CustomResolver) LookupHost(ctx context.Context, host string) ([]string, error) {
	if ip := net.ParseIP(host); ip != nil {
		return []string{host}, nil
	}

	timeout := r.Timeout
	if timeout == 0 {
		timeout = 5 * time.Second
	}

	client := &dns.Client{Timeout: timeout}
	msg := new(dns.Msg)
	msg.SetQuestion(dns.Fqdn(host), dns.TypeA)
	msg.RecursionDesired = true

	resp, _, err := client.ExchangeContext(ctx, msg, r.Upstream)
	if err != nil {
		return nil, tunnelerr.Wrap(tunnelerr.DnsResolutionFailed, err)
	}
	if resp.Rcode != dns.RcodeSuccess {
		return nil, tunnelerr.New(tunnelerr.DnsResolutionFailed, "upstream %s returned rcode %d for %s", r.Upstream, resp.Rcode, host)
	}

	var addrs []string
	for _, rr := range resp.Answer {
		if a, ok := rr.(*dns.A); ok {
			addrs = append(addrs, a.A.String())
		}
	}
	if len(addrs) == 0 {
		return nil, tunnelerr.New(tunnelerr.DnsResolutionFailed, "no A records for %s", host)
	}
	return addrs, nil
}

// DialTimeoutWithResolver behaves like DialTimeout but resolves host via
// resolver first when resolver is non-nil, instead of delegating resolution
// to net.Dialer.
func DialTimeoutWithResolver(ctx context.Context, resolver Resolver, host string, port uint16, timeout time.Duration) (*Conn, error) {
	if resolver == nil {
		return DialTimeout(ctx, host, port, timeout)
	}

	resolveCtx, cancel := context.WithTimeout(ctx, timeout)
	addrs, err := resolver.LookupHost(resolveCtx, host)
	cancel()
	if err != nil {
		return nil, err
	}
	return DialTimeout(ctx, addrs[0], port, timeout)
}

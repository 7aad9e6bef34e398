package resolver

import (
	"context"
	"fmt"
	"net"
	"net/netip"
	"time"

	"github.com/miekg/dns"
)

// LookupFunc is the blocking resolution run on a job's goroutine.
type LookupFunc func(ctx context.Context, host string) ([]netip.Addr, error)

// SystemLookup resolves through the platform resolver.
func SystemLookup(network string) LookupFunc {
	return func(ctx context.Context, host string) ([]netip.Addr, error) {
		addrs, err := net.DefaultResolver.LookupNetIP(ctx, network, host)
		for i := range addrs {
			addrs[i] = addrs[i].Unmap()
		}
		return addrs, err
	}
}

const serverTimeout = 5 * time.Second

// ServerLookup queries A and AAAA records (as network allows) directly on
// a custom DNS server, "host" or "host:port". Truncated answers are asked
// again over TCP.
func ServerLookup(server, network string) LookupFunc {
	if _, _, err := net.SplitHostPort(server); err != nil {
		server = net.JoinHostPort(server, "53")
	}
	var types []uint16
	if network != "ip6" {
		types = append(types, dns.TypeA)
	}
	if network != "ip4" {
		types = append(types, dns.TypeAAAA)
	}
	udp := &dns.Client{Net: "udp", Timeout: serverTimeout}
	tcp := &dns.Client{Net: "tcp", Timeout: serverTimeout}

	return func(ctx context.Context, host string) ([]netip.Addr, error) {
		var out []netip.Addr
		var lastErr error
		for _, t := range types {
			m := new(dns.Msg)
			m.SetQuestion(dns.Fqdn(host), t)
			m.RecursionDesired = true
			resp, _, err := udp.ExchangeContext(ctx, m, server)
			if err == nil && resp.Truncated {
				resp, _, err = tcp.ExchangeContext(ctx, m, server)
			}
			if err != nil {
				lastErr = err
				continue
			}
			if resp.Rcode != dns.RcodeSuccess {
				lastErr = &net.DNSError{
					Err:        dns.RcodeToString[resp.Rcode],
					Name:       host,
					Server:     server,
					IsNotFound: resp.Rcode == dns.RcodeNameError,
				}
				continue
			}
			out = append(out, answers(resp)...)
		}
		if len(out) > 0 {
			return out, nil
		}
		if lastErr == nil {
			lastErr = &net.DNSError{Err: "no such host", Name: host, Server: server, IsNotFound: true}
		}
		return nil, fmt.Errorf("lookup %s on %s: %w", host, server, lastErr)
	}
}

func answers(m *dns.Msg) []netip.Addr {
	var out []netip.Addr
	for _, rr := range m.Answer {
		var ip net.IP
		switch rr := rr.(type) {
		case *dns.A:
			ip = rr.A
		case *dns.AAAA:
			ip = rr.AAAA
		default:
			continue
		}
		if a, ok := netip.AddrFromSlice(ip); ok {
			out = append(out, a.Unmap())
		}
	}
	return out
}

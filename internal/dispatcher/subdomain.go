// Package dispatcher implements the public-facing HTTP/WebSocket router
// described by the control surface in front of the tunnel core: extract a
// subdomain from the Host header, look the corresponding tunnel up in the
// registry, and delegate.
package dispatcher

import (
	"net"
	"strings"

	"golang.org/x/net/publicsuffix"
)

// SubdomainExtractor computes a tunnel id from a request's Host header. It
// returns ("", false) when the host does not address any tunnel (and the
// request should fall through to the control plane).
type SubdomainExtractor func(host string) (id string, ok bool)

// NewSubdomainExtractor builds an extractor where the leftmost label wins
// for "*.localhost[:port]" (preserved for local development), otherwise
// the public-suffix-aware subdomain is used, optionally restricted to
// hosts under restrictDomain.
func NewSubdomainExtractor(restrictDomain string) SubdomainExtractor {
	restrictDomain = strings.ToLower(strings.TrimSuffix(restrictDomain, "."))

	return func(host string) (string, bool) {
		h := strings.ToLower(host)
		if hostname, _, err := net.SplitHostPort(h); err == nil {
			h = hostname
		}
		h = strings.TrimSuffix(h, ".")
		if h == "" {
			return "", false
		}

		if h == "localhost" {
			return "", false
		}
		if strings.HasSuffix(h, ".localhost") {
			return leftmostLabel(strings.TrimSuffix(h, ".localhost"))
		}

		if restrictDomain != "" {
			if h == restrictDomain {
				return "", false
			}
			suffix := "." + restrictDomain
			if !strings.HasSuffix(h, suffix) {
				return "", false
			}
			return leftmostLabel(strings.TrimSuffix(h, suffix))
		}

		etld1, err := publicsuffix.EffectiveTLDPlusOne(h)
		if err != nil {
			return "", false
		}
		if etld1 == h {
			return "", false
		}
		return leftmostLabel(strings.TrimSuffix(h, "."+etld1))
	}
}

// leftmostLabel returns the first dot-separated label of a subdomain
// prefix, matching the original extractor's "subdomain.split('.')[0]"
// behavior for multi-level subdomains (e.g. "foo.bar.example.com" resolves
// to tunnel id "foo").
func leftmostLabel(prefix string) (string, bool) {
	if prefix == "" {
		return "", false
	}
	if i := strings.IndexByte(prefix, '.'); i >= 0 {
		prefix = prefix[:i]
	}
	if prefix == "" {
		return "", false
	}
	return prefix, true
}

package proxypool

import (
	"fmt"
	"net/url"
	"strings"
)

// DirectEndpoint is the endpoint spelling for "no proxy".
const DirectEndpoint = "direct"

// Endpoint is one configured proxy.
type Endpoint struct {
	// Address is host:port, safe to log.
	Address string
	// URL carries scheme and credentials. Nil for direct connections.
	URL *url.URL
}

// ParseEndpoint accepts scheme://[user:pass@]host:port or "direct".
func ParseEndpoint(raw string) (Endpoint, error) {
	raw = strings.TrimSpace(raw)
	if strings.EqualFold(raw, DirectEndpoint) {
		return Endpoint{Address: DirectEndpoint}, nil
	}
	u, err := url.Parse(raw)
	if err != nil {
		return Endpoint{}, fmt.Errorf("parse proxy endpoint: %w", err)
	}
	switch u.Scheme {
	case "http", "https", "socks5":
	default:
		return Endpoint{}, fmt.Errorf("proxy endpoint %q: unsupported scheme %q", u.Redacted(), u.Scheme)
	}
	if u.Hostname() == "" || u.Port() == "" {
		return Endpoint{}, fmt.Errorf("proxy endpoint %q: host and port are required", u.Redacted())
	}
	return Endpoint{Address: u.Host, URL: u}, nil
}

// ParseEndpoints parses a list, rejecting duplicates.
func ParseEndpoints(raw []string) ([]Endpoint, error) {
	out := make([]Endpoint, 0, len(raw))
	seen := make(map[string]struct{}, len(raw))
	for _, r := range raw {
		ep, err := ParseEndpoint(r)
		if err != nil {
			return nil, err
		}
		if _, dup := seen[ep.Address]; dup {
			return nil, fmt.Errorf("duplicate proxy endpoint %s", ep.Address)
		}
		seen[ep.Address] = struct{}{}
		out = append(out, ep)
	}
	return out, nil
}

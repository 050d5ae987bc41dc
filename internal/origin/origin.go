// Package origin decides which browser origins may reach the hub, both for
// CORS and for the WebSocket upgrade.
package origin

import (
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"strings"
)

// Any is the allow-list entry that admits every origin.
const Any = "*"

// Normalize validates a browser Origin value and returns it as
// scheme://host[:port] together with host[:port]. Default ports are dropped
// so "https://a.example:443" and "https://a.example" compare equal.
//
// The opaque origin "null" is returned as-is with an empty host.
func Normalize(raw string) (normalized, host string, ok bool) {
	raw = strings.TrimSpace(raw)
	switch raw {
	case "":
		return "", "", false
	case "null":
		return "null", "", true
	}

	u, err := url.Parse(raw)
	if err != nil || u.Host == "" || u.User != nil || u.RawQuery != "" || u.Fragment != "" {
		return "", "", false
	}
	if u.Path != "" && u.Path != "/" {
		return "", "", false
	}
	scheme := strings.ToLower(u.Scheme)
	if scheme != "http" && scheme != "https" {
		return "", "", false
	}

	host, ok = canonicalHost(u.Host, scheme)
	if !ok {
		return "", "", false
	}
	return scheme + "://" + host, host, true
}

// Policy is an allow list of normalized origins. An empty Policy admits only
// same-host requests.
type Policy struct {
	allowed []string
	any     bool
}

// NewPolicy validates and normalizes entries. "*" admits every origin and
// "null" admits opaque origins.
func NewPolicy(entries []string) (*Policy, error) {
	p := &Policy{}
	for _, entry := range entries {
		entry = strings.TrimSpace(entry)
		if entry == "" {
			continue
		}
		if entry == Any {
			p.any = true
			p.allowed = append(p.allowed, Any)
			continue
		}
		normalized, _, ok := Normalize(entry)
		if !ok {
			return nil, fmt.Errorf("invalid origin %q (expected full origin like https://example.com)", entry)
		}
		p.allowed = append(p.allowed, normalized)
	}
	return p, nil
}

// ParseList splits a comma-separated ALLOWED_ORIGINS value into a Policy.
func ParseList(raw string) (*Policy, error) {
	return NewPolicy(strings.Split(raw, ","))
}

// Entries returns the normalized allow list.
func (p *Policy) Entries() []string {
	return append([]string(nil), p.allowed...)
}

// AllowsAny reports whether the wildcard entry is present.
func (p *Policy) AllowsAny() bool { return p.any }

// Allowed reports whether originHeader may reach a server addressed as
// requestHost.
func (p *Policy) Allowed(originHeader, requestHost string) bool {
	normalized, host, ok := Normalize(originHeader)
	if !ok {
		return false
	}
	if len(p.allowed) > 0 {
		for _, a := range p.allowed {
			if a == Any || a == normalized {
				return true
			}
		}
		return false
	}

	// Same host:port. The scheme is not compared because a TLS-terminating
	// proxy may forward HTTPS browser traffic as plain HTTP.
	scheme, _, found := strings.Cut(normalized, "://")
	if !found {
		return false
	}
	reqHost, ok := canonicalHost(strings.ToLower(strings.TrimSpace(requestHost)), scheme)
	return ok && reqHost == host
}

// CheckRequest is the websocket.Upgrader CheckOrigin hook. Requests without
// an Origin header come from non-browser clients and are admitted.
func (p *Policy) CheckRequest(r *http.Request) bool {
	header := r.Header.Get("Origin")
	if strings.TrimSpace(header) == "" {
		return true
	}
	return p.Allowed(header, r.Host)
}

// canonicalHost lowercases the hostname, brackets IPv6 literals and drops the
// scheme's default port.
func canonicalHost(authority, scheme string) (string, bool) {
	hostname, port, ok := splitAuthority(authority)
	if !ok {
		return "", false
	}
	hostname = strings.ToLower(hostname)

	if port != "" {
		n, err := strconv.ParseUint(port, 10, 16)
		if err != nil || n == 0 {
			return "", false
		}
		if (scheme == "http" && n == 80) || (scheme == "https" && n == 443) {
			port = ""
		} else {
			port = strconv.FormatUint(n, 10)
		}
	}

	if strings.Contains(hostname, ":") {
		hostname = "[" + hostname + "]"
	}
	if port != "" {
		return hostname + ":" + port, true
	}
	return hostname, true
}

// splitAuthority splits host[:port]. IPv6 hostnames come back without their
// brackets.
func splitAuthority(authority string) (hostname, port string, ok bool) {
	if authority == "" {
		return "", "", false
	}
	if strings.HasPrefix(authority, "[") {
		end := strings.IndexByte(authority, ']')
		if end < 0 {
			return "", "", false
		}
		hostname, rest := authority[1:end], authority[end+1:]
		if rest == "" {
			return hostname, "", hostname != ""
		}
		port, found := strings.CutPrefix(rest, ":")
		if !found || port == "" {
			return "", "", false
		}
		return hostname, port, hostname != ""
	}
	switch strings.Count(authority, ":") {
	case 0:
		return authority, "", true
	case 1:
		hostname, port, _ := strings.Cut(authority, ":")
		if hostname == "" || port == "" {
			return "", "", false
		}
		return hostname, port, true
	default:
		return "", "", false
	}
}

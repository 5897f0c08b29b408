// Package origin normalizes browser Origin headers and applies the relay's
// allowed-origins policy.
package origin

import (
	"net/url"
	"strconv"
	"strings"
)

// NormalizeHeader validates and normalizes a browser Origin header.
//
// It returns the normalized origin (scheme://host[:port], default ports
// dropped) and the host[:port] part for same-host comparisons. The special
// value "null" is returned as-is with an empty host.
func NormalizeHeader(originHeader string) (normalizedOrigin string, host string, ok bool) {
	trimmed := strings.TrimSpace(originHeader)
	if trimmed == "" {
		return "", "", false
	}
	if trimmed == "null" {
		return "null", "", true
	}

	u, err := url.Parse(trimmed)
	if err != nil || u.Opaque != "" || u.User != nil || u.RawQuery != "" || u.Fragment != "" {
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

// IsAllowed reports whether a normalized origin may access requestHost.
//
// A non-empty allowedOrigins list is matched exactly, with "*" allowing
// everything. Otherwise only the request's own host is allowed. The scheme is
// ignored in that comparison because the relay usually sits behind a TLS
// terminating proxy.
func IsAllowed(normalizedOrigin, originHost, requestHost string, allowedOrigins []string) bool {
	if len(allowedOrigins) > 0 {
		for _, allowed := range allowedOrigins {
			if allowed == "*" || allowed == normalizedOrigin {
				return true
			}
		}
		return false
	}

	scheme, _, found := strings.Cut(normalizedOrigin, "://")
	if !found {
		return false
	}
	reqHost, ok := canonicalHost(strings.TrimSpace(requestHost), scheme)
	return ok && reqHost == originHost
}

// CheckRequest applies the policy to a request's Origin header. Requests
// without an Origin header come from non-browser clients and are allowed.
func CheckRequest(originHeader, requestHost string, allowedOrigins []string) bool {
	if strings.TrimSpace(originHeader) == "" {
		return true
	}
	normalized, host, ok := NormalizeHeader(originHeader)
	if !ok {
		return false
	}
	return IsAllowed(normalized, host, requestHost, allowedOrigins)
}

// canonicalHost lowercases an authority, brackets IPv6 literals and drops
// the scheme's default port.
func canonicalHost(authority, scheme string) (string, bool) {
	if authority == "" || strings.HasSuffix(authority, ":") || strings.ContainsAny(authority, "/?#@ ") {
		return "", false
	}
	u, err := url.Parse("//" + authority)
	if err != nil {
		return "", false
	}
	hostname := strings.ToLower(u.Hostname())
	if hostname == "" {
		return "", false
	}

	port := u.Port()
	if port != "" {
		n, err := strconv.ParseUint(port, 10, 16)
		if err != nil || n == 0 {
			return "", false
		}
		port = strconv.FormatUint(n, 10)
		if (scheme == "http" && n == 80) || (scheme == "https" && n == 443) {
			port = ""
		}
	}

	host := hostname
	if strings.Contains(hostname, ":") {
		host = "[" + hostname + "]"
	}
	if port != "" {
		host += ":" + port
	}
	return host, true
}

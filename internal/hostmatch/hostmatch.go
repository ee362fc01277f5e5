package hostmatch

import (
	"net"
	"net/url"
	"strings"
)

// UnderDomain reports whether host equals root or is one of its subdomains.
// A leading dot on root is ignored, so ".example.com" and "example.com" behave
// the same.
func UnderDomain(host, root string) bool {
	host = normalize(host)
	root = strings.TrimPrefix(normalize(root), ".")
	if host == "" || root == "" {
		return false
	}
	return host == root || strings.HasSuffix(host, "."+root)
}

// OriginHost extracts the host of an Origin header value such as
// "https://hub.example.com:8443". Returns "" when the origin is not a URL.
func OriginHost(origin string) string {
	u, err := url.Parse(origin)
	if err != nil || u.Host == "" {
		return ""
	}
	return normalize(u.Host)
}

func normalize(host string) string {
	return strings.TrimSuffix(stripPort(strings.ToLower(strings.TrimSpace(host))), ".")
}

func stripPort(host string) string {
	h, _, err := net.SplitHostPort(host)
	if err != nil {
		return host
	}
	return h
}

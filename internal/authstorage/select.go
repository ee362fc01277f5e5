package authstorage

import (
	"strings"

	"github.com/dgellow/sso-relay/internal/hostmatch"
)

// Select picks the storage backing for host. Hosts on or under rootDomain get
// a ChunkedStore over jar scoped to ".<rootDomain>" so every sibling
// application sees the same values; any other host gets local.
func Select(host, rootDomain string, jar Jar, local Adapter, opts ...Option) Adapter {
	if rootDomain == "" || !hostmatch.UnderDomain(host, rootDomain) {
		return local
	}
	opts = append([]Option{WithDomain(CookieDomain(rootDomain))}, opts...)
	return NewChunkedStore(jar, opts...)
}

// CookieDomain returns the Domain attribute shared by every subdomain of
// rootDomain.
func CookieDomain(rootDomain string) string {
	return "." + strings.TrimPrefix(strings.ToLower(strings.TrimSpace(rootDomain)), ".")
}

// Package authstorage provides the key/value storage adapters used to share
// client-side auth state between sibling subdomains.
//
// In production, values live in cookies scoped to the shared root domain and
// are split into numbered chunks to stay under per-cookie size limits. In
// development, where no shared domain exists, a process-local store is used.
package authstorage

// Adapter is a string key/value store with the semantics of browser storage:
// a missing key is not an error.
type Adapter interface {
	GetItem(key string) (string, bool)
	SetItem(key, value string)
	RemoveItem(key string)
}

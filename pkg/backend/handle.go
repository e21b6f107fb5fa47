package backend

import (
	"fmt"
	"strconv"
	"strings"
)

// Namespace prefixes keys so that different primitives sharing a logical key
// never collide in the store.
type Namespace string

const (
	NamespaceLock    Namespace = "lock"
	NamespaceRWLock  Namespace = "rwlock"
	NamespaceBarrier Namespace = "barrier"
	NamespaceClock   Namespace = "clock"
	NamespaceList    Namespace = "list"
	NamespaceAPIKey  Namespace = "apikey"
)

// Handle pairs a namespaced key with the store it lives in. Handles are cheap
// and hold no remote state; two handles with the same key observe the same value.
type Handle struct {
	store Store
	ns    Namespace
	name  string
}

// NewHandle builds a handle for name inside ns.
func NewHandle(store Store, ns Namespace, name string) (Handle, error) {
	if store == nil {
		return Handle{}, fmt.Errorf("%w: nil store", ErrInvalidArgument)
	}
	if name == "" {
		return Handle{}, fmt.Errorf("%w: empty key", ErrInvalidArgument)
	}
	return Handle{store: store, ns: ns, name: name}, nil
}

// Store returns the backing store.
func (h Handle) Store() Store { return h.store }

// Name returns the caller supplied key.
func (h Handle) Name() string { return h.name }

// Key returns the key as stored, e.g. "lock:orders".
func (h Handle) Key() string {
	return string(h.ns) + ":" + h.name
}

// Sub derives an auxiliary key, e.g. Sub("fence") -> "lock:orders:fence".
func (h Handle) Sub(suffix string) string {
	return h.Key() + ":" + suffix
}

// FormatToken renders a fencing token the way it is stored in leases.
func FormatToken(token uint64) string {
	return strconv.FormatUint(token, 10)
}

// ParseToken is the inverse of FormatToken.
func ParseToken(s string) (uint64, error) {
	return strconv.ParseUint(strings.TrimSpace(s), 10, 64)
}

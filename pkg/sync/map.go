// Package sync provides a type-safe wrapper over sync.Map for registries
// keyed by a comparable identifier, such as in-flight transfers keyed by name.
package sync

import "sync"

type TypedSyncMap[K comparable, V any] struct {
	m sync.Map
}

func (m *TypedSyncMap[K, V]) Load(key K) (V, bool) {
	v, ok := m.m.Load(key)
	if !ok {
		var zero V
		return zero, false
	}

	vv, ok := v.(V)
	return vv, ok
}

// LoadOrStore claims the key for value unless it is already held, in which
// case the existing value is returned and the boolean result is true.
func (m *TypedSyncMap[K, V]) LoadOrStore(key K, value V) (V, bool) {
	actual, loaded := m.m.LoadOrStore(key, value)
	vv, _ := actual.(V)
	return vv, loaded
}

// Range visits every entry until f returns false. Entries stored concurrently
// may or may not be visited.
func (m *TypedSyncMap[K, V]) Range(f func(key K, value V) bool) {
	m.m.Range(func(k, v any) bool {
		kk, kok := k.(K)
		vv, vok := v.(V)
		if !kok || !vok {
			return true
		}

		return f(kk, vv)
	})
}

// CompareAndDelete releases the key only if it is still held by old, so an
// owner never removes an entry claimed after it finished.
func (m *TypedSyncMap[K, V]) CompareAndDelete(key K, old V) bool {
	return m.m.CompareAndDelete(key, old)
}

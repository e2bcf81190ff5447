package concurrent_map

import "github.com/puzpuzpuz/xsync/v4"

type Map[K comparable, V any] struct {
	cMap *xsync.Map[K, V]
}

func NewMap[K comparable, V any]() Map[K, V] {
	return Map[K, V]{
		cMap: xsync.NewMap[K, V](),
	}
}

func (m *Map[K, V]) Get(k K) (*V, bool) {
	v, exists := m.cMap.Load(k)
	if !exists {
		return nil, false
	}

	return &v, true
}

func (m *Map[K, V]) Set(k K, v V) {
	m.cMap.Store(k, v)
}

// SetIfAbsent stores v under k only when k has no value yet.
// It returns the value held under k and whether it was already present.
func (m *Map[K, V]) SetIfAbsent(k K, v V) (V, bool) {
	return m.cMap.LoadOrStore(k, v)
}

// Update applies f to the value under k atomically with respect to other
// writers of k. Missing keys are left absent and reported with false.
func (m *Map[K, V]) Update(k K, f func(v *V)) (V, bool) {
	return m.cMap.Compute(k, func(old V, loaded bool) (V, xsync.ComputeOp) {
		if !loaded {
			return old, xsync.CancelOp
		}
		f(&old)
		return old, xsync.UpdateOp
	})
}

func (m *Map[K, V]) Delete(k K) {
	m.cMap.Delete(k)
}

func (m *Map[K, V]) Len() int {
	return m.cMap.Size()
}

func (m *Map[K, V]) Range(f func(k K, v V) bool) {
	m.cMap.Range(f)
}

package correlate

import (
	"sync/atomic"

	"github.com/puzpuzpuz/xsync/v3"
)

// Arena is an in-process Table with a hard capacity. Entries are reserved inside
// the per-key atomic section, so the capacity is never exceeded.
type Arena[K comparable, V any] struct {
	maxEntries int64
	used       atomic.Int64
	m          *xsync.MapOf[K, V]
}

func NewArena[K comparable, V any](maxEntries uint32) *Arena[K, V] {
	return &Arena[K, V]{
		maxEntries: int64(maxEntries),
		m:          xsync.NewMapOf[K, V](),
	}
}

func (a *Arena[K, V]) reserve() bool {
	if a.used.Add(1) > a.maxEntries {
		a.used.Add(-1)
		return false
	}
	return true
}

func (a *Arena[K, V]) Lookup(k K) (V, bool) {
	return a.m.Load(k)
}

func (a *Arena[K, V]) InsertIfAbsent(k K, v V) error {
	var err error
	a.m.Compute(k, func(old V, loaded bool) (V, bool) {
		if loaded {
			err = ErrKeyExist
			return old, false
		}
		if !a.reserve() {
			err = ErrTableFull
			return old, true
		}
		return v, false
	})
	return err
}

func (a *Arena[K, V]) Upsert(k K, v V) error {
	var err error
	a.m.Compute(k, func(old V, loaded bool) (V, bool) {
		if !loaded && !a.reserve() {
			err = ErrTableFull
			return old, true
		}
		return v, false
	})
	return err
}

func (a *Arena[K, V]) Delete(k K) bool {
	_, ok := a.LookupAndDelete(k)
	return ok
}

func (a *Arena[K, V]) LookupAndDelete(k K) (V, bool) {
	v, ok := a.m.LoadAndDelete(k)
	if ok {
		a.used.Add(-1)
	}
	return v, ok
}

func (a *Arena[K, V]) Modify(k K, fn func(V) V) (V, bool) {
	return a.m.Compute(k, func(old V, loaded bool) (V, bool) {
		if !loaded {
			return old, true
		}
		return fn(old), false
	})
}

func (a *Arena[K, V]) Range(fn func(K, V) bool) error {
	a.m.Range(fn)
	return nil
}

func (a *Arena[K, V]) MaxEntries() uint32 {
	return uint32(a.maxEntries)
}

// Len reports the number of live entries.
func (a *Arena[K, V]) Len() int {
	return int(a.used.Load())
}

package correlate

import (
	"errors"
	"fmt"

	"github.com/cilium/ebpf"
	"golang.org/x/sys/unix"
)

// MapTable exposes a kernel hash map through the Table contract. Keys and values
// must be fixed-size types whose layout matches the kernel side.
//
// Modify is a lookup followed by an update of an existing key; unlike the kernel
// side it is not atomic against concurrent probe invocations.
type MapTable[K comparable, V any] struct {
	m *ebpf.Map
}

func NewMapTable[K comparable, V any](m *ebpf.Map) *MapTable[K, V] {
	return &MapTable[K, V]{m: m}
}

func mapUpdateError(err error) error {
	switch {
	case err == nil:
		return nil
	case errors.Is(err, ebpf.ErrKeyExist):
		return ErrKeyExist
	case errors.Is(err, ebpf.ErrKeyNotExist):
		return ErrKeyNotExist
	case errors.Is(err, unix.E2BIG), errors.Is(err, unix.ENOMEM), errors.Is(err, unix.ENOSPC):
		return fmt.Errorf("%w: %w", ErrTableFull, err)
	}
	return err
}

func (t *MapTable[K, V]) Lookup(k K) (V, bool) {
	var v V
	if err := t.m.Lookup(k, &v); err != nil {
		return v, false
	}
	return v, true
}

func (t *MapTable[K, V]) InsertIfAbsent(k K, v V) error {
	return mapUpdateError(t.m.Update(k, v, ebpf.UpdateNoExist))
}

func (t *MapTable[K, V]) Upsert(k K, v V) error {
	return mapUpdateError(t.m.Update(k, v, ebpf.UpdateAny))
}

func (t *MapTable[K, V]) Delete(k K) bool {
	return t.m.Delete(k) == nil
}

func (t *MapTable[K, V]) LookupAndDelete(k K) (V, bool) {
	var v V
	err := t.m.LookupAndDelete(k, &v)
	if err == nil {
		return v, true
	}
	if !errors.Is(err, ebpf.ErrNotSupported) {
		return v, false
	}
	// hash maps gained lookup-and-delete in 5.14
	if err := t.m.Lookup(k, &v); err != nil {
		return v, false
	}
	return v, t.m.Delete(k) == nil
}

func (t *MapTable[K, V]) Modify(k K, fn func(V) V) (V, bool) {
	v, ok := t.Lookup(k)
	if !ok {
		return v, false
	}
	v = fn(v)
	if err := t.m.Update(k, v, ebpf.UpdateExist); err != nil {
		return v, false
	}
	return v, true
}

func (t *MapTable[K, V]) Range(fn func(K, V) bool) error {
	var (
		k K
		v V
	)
	it := t.m.Iterate()
	for it.Next(&k, &v) {
		if !fn(k, v) {
			break
		}
	}
	return it.Err()
}

func (t *MapTable[K, V]) MaxEntries() uint32 {
	return t.m.MaxEntries()
}

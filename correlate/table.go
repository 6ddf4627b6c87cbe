package correlate

// Table is a fixed-capacity keyed table shared by every probe invocation.
// The mutation primitives are the only way handlers touch shared state:
// each call is atomic for its key, there are no cross-key transactions.
type Table[K comparable, V any] interface {
	Lookup(k K) (V, bool)
	// InsertIfAbsent stores v only if k is not present. It returns ErrKeyExist and
	// leaves the existing value untouched otherwise.
	InsertIfAbsent(k K, v V) error
	// Upsert always stores v, overwriting any existing value.
	Upsert(k K, v V) error
	Delete(k K) bool
	LookupAndDelete(k K) (V, bool)
	// Modify replaces the value of a present key with fn(old). Absent keys are left absent.
	Modify(k K, fn func(V) V) (V, bool)
	Range(fn func(K, V) bool) error
	MaxEntries() uint32
}

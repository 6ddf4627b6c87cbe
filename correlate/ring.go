package correlate

import (
	"context"
	"fmt"
	"sync/atomic"

	"golang.org/x/sync/semaphore"
)

const (
	ringHeaderSize = 8
	ringAlign      = 8
)

// Ring is a bounded output channel. Producers reserve space without blocking and
// either submit or discard the reservation; the consumer releases the space when
// it reads a record. Accounting follows the kernel ring buffer: every record costs
// its length rounded up to 8 bytes plus an 8 byte header.
type Ring struct {
	size    int64
	space   *semaphore.Weighted
	records chan []byte
	lost    atomic.Uint64
}

func NewRing(size int) *Ring {
	if size < ringHeaderSize+ringAlign {
		size = ringHeaderSize + ringAlign
	}
	return &Ring{
		size:    int64(size),
		space:   semaphore.NewWeighted(int64(size)),
		records: make(chan []byte, size/(ringHeaderSize+ringAlign)),
	}
}

func recordCost(n int) int64 {
	return int64(ringHeaderSize + (n+ringAlign-1)/ringAlign*ringAlign)
}

// Reservation is space claimed in the ring for exactly one record.
type Reservation struct {
	r    *Ring
	buf  []byte
	done bool
}

// Reserve claims room for an n byte record. It never blocks: when the ring cannot
// hold the record it returns ErrRingFull and counts the record as lost. A record
// larger than the whole ring is lost as well.
func (r *Ring) Reserve(n int) (*Reservation, error) {
	if n <= 0 {
		return nil, fmt.Errorf("reserve %d bytes: invalid size", n)
	}
	if recordCost(n) > r.size {
		r.lost.Add(1)
		return nil, fmt.Errorf("reserve %d bytes in a %d byte ring: %w", n, r.size, ErrRingFull)
	}
	if !r.space.TryAcquire(recordCost(n)) {
		r.lost.Add(1)
		return nil, ErrRingFull
	}
	return &Reservation{r: r, buf: make([]byte, n)}, nil
}

func (res *Reservation) Bytes() []byte {
	return res.buf
}

// Submit publishes the record. Submitting or discarding twice is a no-op.
func (res *Reservation) Submit() {
	if res.done {
		return
	}
	res.done = true
	select {
	case res.r.records <- res.buf:
	default:
		// cannot happen: the channel holds size/16 records
		res.r.space.Release(recordCost(len(res.buf)))
		res.r.lost.Add(1)
	}
}

func (res *Reservation) Discard() {
	if res.done {
		return
	}
	res.done = true
	res.r.space.Release(recordCost(len(res.buf)))
}

// Read blocks until a record is available or ctx is done.
func (r *Ring) Read(ctx context.Context) ([]byte, error) {
	select {
	case rec := <-r.records:
		r.space.Release(recordCost(len(rec)))
		return rec, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// TryRead returns the next record without blocking.
func (r *Ring) TryRead() ([]byte, bool) {
	select {
	case rec := <-r.records:
		r.space.Release(recordCost(len(rec)))
		return rec, true
	default:
		return nil, false
	}
}

// Lost reports how many records were dropped because the ring was full.
func (r *Ring) Lost() uint64 {
	return r.lost.Load()
}

func (r *Ring) Size() int {
	return int(r.size)
}

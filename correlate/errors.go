package correlate

import "errors"

var (
	// ErrKeyExist is returned by InsertIfAbsent when the key is already present.
	ErrKeyExist = errors.New("key already exists")
	// ErrKeyNotExist is returned when a key required to be present is missing.
	ErrKeyNotExist = errors.New("key does not exist")
	// ErrTableFull is returned when an insert would exceed the table capacity.
	ErrTableFull = errors.New("table is full")
	// ErrRingFull is returned when the ring has no room for a reservation.
	ErrRingFull = errors.New("ring buffer has no room")
)

// Outcome classifies what a probe handler did with a single event.
// None of the non-Recorded outcomes are errors: they degrade to "not recorded".
type Outcome uint8

const (
	Recorded Outcome = iota
	MissedPairing
	DuplicateKey
	CapacityExhausted
	ChannelBackpressure
	UnresolvedContext
	BelowThreshold
)

var outcomeNames = [...]string{
	Recorded:            "recorded",
	MissedPairing:       "missed_pairing",
	DuplicateKey:        "duplicate_key",
	CapacityExhausted:   "capacity_exhausted",
	ChannelBackpressure: "channel_backpressure",
	UnresolvedContext:   "unresolved_context",
	BelowThreshold:      "below_threshold",
}

func (o Outcome) String() string {
	if int(o) < len(outcomeNames) {
		return outcomeNames[o]
	}
	return "unknown"
}

// Sink observes handler outcomes. Implementations must be safe for concurrent use
// and must not block.
type Sink interface {
	Observe(component string, o Outcome)
}

type nopSink struct{}

func (nopSink) Observe(string, Outcome) {}

func sinkOrNop(s Sink) Sink {
	if s == nil {
		return nopSink{}
	}
	return s
}

// insertOutcome maps a table insert error onto the handler taxonomy.
func insertOutcome(err error) Outcome {
	switch {
	case err == nil:
		return Recorded
	case errors.Is(err, ErrKeyExist):
		return DuplicateKey
	default:
		return CapacityExhausted
	}
}

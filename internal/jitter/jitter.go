// Package jitter computes deterministic per-(context, domain) timing
// noise. The delay is recorded with each interception decision for
// telemetry; it is not applied to the request timeline.
package jitter

import (
	"hash/fnv"
	"time"
)

// Source produces a delay for a (context, domain) pair.
type Source interface {
	Delay(contextID, domain string, isThirdParty bool) time.Duration
}

// Deterministic derives the delay from a hash of the pair, so the same
// context asking for the same domain always observes the same value.
// Third-party requests get half again as much.
type Deterministic struct {
	Max time.Duration
}

// NewDeterministic creates a source bounded by max.
func NewDeterministic(max time.Duration) *Deterministic {
	return &Deterministic{Max: max}
}

func (d *Deterministic) Delay(contextID, domain string, isThirdParty bool) time.Duration {
	if d.Max <= 0 {
		return 0
	}
	h := fnv.New64a()
	h.Write([]byte(contextID))
	h.Write([]byte{'|'})
	h.Write([]byte(domain))

	delay := time.Duration(h.Sum64()%uint64(d.Max.Milliseconds()+1)) * time.Millisecond
	if isThirdParty {
		delay += delay / 2
	}
	return delay
}

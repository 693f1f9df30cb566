package policy

import (
	"fmt"
	"math/rand/v2"
	"time"
)

// Band identifies which wait range a sampled backoff came from.
type Band string

const (
	BandShort Band = "short"
	BandLong  Band = "long"
)

// Wait is a sampled backoff duration and the band it was drawn from.
type Wait struct {
	Duration time.Duration
	Band     Band
}

// Backoff maps an attempt number (1-based) to the wait before the next attempt.
type Backoff interface {
	Next(attempt int) Wait
}

// BackoffFunc adapts a plain function to the Backoff interface.
type BackoffFunc func(attempt int) Wait

func (f BackoffFunc) Next(attempt int) Wait {
	return f(attempt)
}

// Range is an inclusive range of whole seconds.
type Range struct {
	Min time.Duration
	Max time.Duration
}

// TwoBandBackoff draws a wait from the short range with probability ShortProbability
// and from the long range otherwise. Values are whole seconds, uniform and inclusive
// on both ends.
//
// The attempt number does not change the distribution; every attempt is jittered the
// same way so repeated runs do not line up against the provider.
type TwoBandBackoff struct {
	Short            Range
	Long             Range
	ShortProbability float64

	rng *rand.Rand
}

// NewTwoBandBackoff validates the ranges and returns a policy backed by rng.
// A nil rng uses a randomly seeded PCG source.
func NewTwoBandBackoff(short, long Range, shortProbability float64, rng *rand.Rand) (*TwoBandBackoff, error) {
	if err := short.validate(); err != nil {
		return nil, fmt.Errorf("invalid short band: %w", err)
	}
	if err := long.validate(); err != nil {
		return nil, fmt.Errorf("invalid long band: %w", err)
	}
	if shortProbability < 0 || shortProbability > 1 {
		return nil, fmt.Errorf("short wait probability %.2f must be within [0, 1]", shortProbability)
	}
	if rng == nil {
		rng = rand.New(rand.NewPCG(rand.Uint64(), rand.Uint64()))
	}
	return &TwoBandBackoff{
		Short:            short,
		Long:             long,
		ShortProbability: shortProbability,
		rng:              rng,
	}, nil
}

// Next samples the wait for the given attempt.
func (b *TwoBandBackoff) Next(attempt int) Wait {
	if b.rng.Float64() < b.ShortProbability {
		return Wait{Duration: b.Short.sample(b.rng), Band: BandShort}
	}
	return Wait{Duration: b.Long.sample(b.rng), Band: BandLong}
}

func (r Range) validate() error {
	if r.Min < 0 {
		return fmt.Errorf("minimum %s must not be negative", r.Min)
	}
	if r.Max < r.Min {
		return fmt.Errorf("maximum %s is below minimum %s", r.Max, r.Min)
	}
	return nil
}

func (r Range) sample(rng *rand.Rand) time.Duration {
	lo := int64(r.Min / time.Second)
	hi := int64(r.Max / time.Second)
	return time.Duration(lo+rng.Int64N(hi-lo+1)) * time.Second
}

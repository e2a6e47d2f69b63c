package scheduler

import "time"

// Policy controls how far and how often a queued task is rebroadcast.
type Policy struct {
	// SmallPoolThreshold is the eligible count up to which every round offers the task to all eligible delegates.
	SmallPoolThreshold int
	// MaxRounds caps the round counter. A task stops being broadcast once the
	// round reached MaxRounds and it was broadcast more than MaxRounds times.
	MaxRounds int
	// LargePoolFanout is the number of delegates offered per pass when the pool is above SmallPoolThreshold.
	LargePoolFanout int
	// BaseInterval is the delay after the first counted broadcast; it doubles with every further broadcast.
	BaseInterval time.Duration
	// MaxInterval caps the doubling.
	MaxInterval time.Duration
	// NoConnectedRetry is the delay applied when no eligible delegate is connected.
	NoConnectedRetry time.Duration
}

// DefaultPolicy returns the stock rebroadcast policy.
func DefaultPolicy() Policy {
	return Policy{
		SmallPoolThreshold: 10,
		MaxRounds:          3,
		LargePoolFanout:    2,
		BaseInterval:       5 * time.Second,
		MaxInterval:        time.Minute,
		NoConnectedRetry:   5 * time.Second,
	}
}

func (p Policy) withDefaults() Policy {
	d := DefaultPolicy()
	if p.SmallPoolThreshold <= 0 {
		p.SmallPoolThreshold = d.SmallPoolThreshold
	}
	if p.MaxRounds <= 0 {
		p.MaxRounds = d.MaxRounds
	}
	if p.LargePoolFanout <= 0 {
		p.LargePoolFanout = d.LargePoolFanout
	}
	if p.BaseInterval <= 0 {
		p.BaseInterval = d.BaseInterval
	}
	if p.MaxInterval <= 0 {
		p.MaxInterval = d.MaxInterval
	}
	if p.MaxInterval < p.BaseInterval {
		p.MaxInterval = p.BaseInterval
	}
	if p.NoConnectedRetry <= 0 {
		p.NoConnectedRetry = d.NoConnectedRetry
	}
	return p
}

// Interval returns the delay before the next pass after the count-th broadcast.
func (p Policy) Interval(count int) time.Duration {
	d := p.BaseInterval
	for i := 1; i < count; i++ {
		d *= 2
		if d >= p.MaxInterval {
			return p.MaxInterval
		}
	}
	return min(d, p.MaxInterval)
}

// Batch returns the prefix of eligible offered in round. Small pools get the
// whole list every round; large pools grow by one chunk per round.
func (p Policy) Batch(eligible []string, round int) []string {
	n := len(eligible)
	if n <= p.SmallPoolThreshold {
		return eligible
	}
	chunk := (n + p.MaxRounds - 1) / p.MaxRounds
	return eligible[:min(n, chunk*(round+1))]
}

// Exhausted reports whether broadcasting stopped for the given counters.
func (p Policy) Exhausted(round, count int) bool {
	return round >= p.MaxRounds && count > p.MaxRounds
}

// Small reports whether a pool of n eligible delegates uses the small-pool schedule.
func (p Policy) Small(n int) bool { return n <= p.SmallPoolThreshold }

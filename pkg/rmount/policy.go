package rmount

import "time"

// RestartPolicy decides whether a failed mount session gets another attempt.
// It is a pure decision function over the current restart episode: bounded
// attempts inside a bounded window, with a delay that grows with the attempt
// count so a persistently broken remote is not hot-looped against.
type RestartPolicy struct {
	// MaxAttempts is the number of restart attempts allowed per episode.
	MaxAttempts int `yaml:"max_attempts"`
	// Window bounds the whole episode; once exceeded the policy gives up
	// regardless of the attempt count. Zero disables the time bound.
	Window time.Duration `yaml:"-"`
	// BaseDelay is the delay before the first retry; it doubles per attempt.
	BaseDelay time.Duration `yaml:"-"`
	// MaxDelay caps the backoff growth.
	MaxDelay time.Duration `yaml:"-"`
}

// Decision is the policy verdict for one failure.
type Decision struct {
	Retry bool
	Delay time.Duration
}

// Decide maps (attempt count, elapsed time since the episode began) to a
// verdict. attempt is 1-based: the first failure of an episode asks with
// attempt == 1.
func (p RestartPolicy) Decide(attempt int, elapsed time.Duration) Decision {
	if p.MaxAttempts > 0 && attempt > p.MaxAttempts {
		return Decision{}
	}
	if p.Window > 0 && elapsed > p.Window {
		return Decision{}
	}
	delay := p.BaseDelay
	if delay <= 0 {
		delay = time.Second
	}
	for i := 1; i < attempt; i++ {
		delay *= 2
		if p.MaxDelay > 0 && delay >= p.MaxDelay {
			delay = p.MaxDelay
			break
		}
	}
	if p.MaxDelay > 0 && delay > p.MaxDelay {
		delay = p.MaxDelay
	}
	return Decision{Retry: true, Delay: delay}
}

// restartState tracks one failure episode. It is mutated only on the
// supervisor's failure path and reset to zero on every successful
// transition into the mounted state.
type restartState struct {
	attempts     int
	firstFailure time.Time
}

func (rs *restartState) begin(now time.Time) {
	if rs.attempts == 0 {
		rs.firstFailure = now
	}
	rs.attempts++
}

func (rs *restartState) elapsed(now time.Time) time.Duration {
	if rs.firstFailure.IsZero() {
		return 0
	}
	return now.Sub(rs.firstFailure)
}

func (rs *restartState) reset() {
	*rs = restartState{}
}

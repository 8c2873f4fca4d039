package monitor

import "time"

type ActionKind int

const (
	ActionWait ActionKind = iota
	ActionRestart
)

func (k ActionKind) String() string {
	if k == ActionRestart {
		return "restart"
	}
	return "wait"
}

// Action is what the loop does after a failed iteration.
type Action struct {
	Kind  ActionKind
	Delay time.Duration
}

// RecoveryPolicy computes linear backoff capped at MaxDelay and escalates to a
// restart once the failure streak exceeds MaxRetries.
type RecoveryPolicy struct {
	BaseDelay    time.Duration
	MaxDelay     time.Duration
	MaxRetries   int
	RestartDelay time.Duration
}

func DefaultRecoveryPolicy() RecoveryPolicy {
	return RecoveryPolicy{
		BaseDelay:    time.Minute,
		MaxDelay:     10 * time.Minute,
		MaxRetries:   10,
		RestartDelay: 10 * time.Minute,
	}
}

func (p RecoveryPolicy) withDefaults() RecoveryPolicy {
	d := DefaultRecoveryPolicy()
	if p.BaseDelay <= 0 {
		p.BaseDelay = d.BaseDelay
	}
	if p.MaxDelay <= 0 {
		p.MaxDelay = d.MaxDelay
	}
	if p.MaxDelay < p.BaseDelay {
		p.MaxDelay = p.BaseDelay
	}
	if p.MaxRetries <= 0 {
		p.MaxRetries = d.MaxRetries
	}
	if p.RestartDelay < 0 {
		p.RestartDelay = 0
	}
	return p
}

// OnIterationFailure records one more failure in rs and returns the action.
func (p RecoveryPolicy) OnIterationFailure(rs *RetryState) Action {
	p = p.withDefaults()
	rs.ConsecutiveFailures++
	n := rs.ConsecutiveFailures
	if n > p.MaxRetries {
		return Action{Kind: ActionRestart, Delay: p.RestartDelay}
	}
	return Action{Kind: ActionWait, Delay: p.Backoff(n)}
}

// Backoff returns the wait after the n-th consecutive failure.
func (p RecoveryPolicy) Backoff(n int) time.Duration {
	p = p.withDefaults()
	if n < 1 {
		n = 1
	}
	// Compare in counts first so long streaks can't overflow Duration.
	if int64(n) > int64(p.MaxDelay/p.BaseDelay) {
		return p.MaxDelay
	}
	return min(time.Duration(n)*p.BaseDelay, p.MaxDelay)
}

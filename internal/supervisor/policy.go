package supervisor

import "time"

// Policy governs automatic restarts after unexpected worker exits. It is
// global across workers and hot-swappable; already-scheduled timers keep the
// delay they were computed with.
type Policy struct {
	MaxRestarts   int           `json:"max_restarts" mapstructure:"max_restarts"`
	BaseDelay     time.Duration `json:"base_delay" mapstructure:"base_delay"`
	MaxDelay      time.Duration `json:"max_delay" mapstructure:"max_delay"`
	BackoffFactor float64       `json:"backoff_factor" mapstructure:"backoff_factor"`
	ResetAfter    time.Duration `json:"reset_after" mapstructure:"reset_after"`
}

// DefaultPolicy returns the documented defaults.
func DefaultPolicy() Policy {
	return Policy{
		MaxRestarts:   5,
		BaseDelay:     time.Second,
		MaxDelay:      60 * time.Second,
		BackoffFactor: 2,
		ResetAfter:    5 * time.Minute,
	}
}

// Normalize fills zero fields with defaults so a partially-specified policy
// from config behaves sanely.
func (p Policy) Normalize() Policy {
	def := DefaultPolicy()
	if p.MaxRestarts <= 0 {
		p.MaxRestarts = def.MaxRestarts
	}
	if p.BaseDelay <= 0 {
		p.BaseDelay = def.BaseDelay
	}
	if p.MaxDelay <= 0 {
		p.MaxDelay = def.MaxDelay
	}
	if p.BackoffFactor <= 1 {
		p.BackoffFactor = def.BackoffFactor
	}
	if p.ResetAfter <= 0 {
		p.ResetAfter = def.ResetAfter
	}
	return p
}

// backoffDelay computes the restart delay for the given attempt count:
// base·factor^count scaled by ±10% jitter, capped at MaxDelay. jitter must
// be in [0,1).
func backoffDelay(p Policy, restartCount int, jitter float64) time.Duration {
	d := float64(p.BaseDelay)
	for i := 0; i < restartCount; i++ {
		d *= p.BackoffFactor
	}
	d *= 0.9 + 0.2*jitter
	if maxd := float64(p.MaxDelay); d > maxd {
		d = maxd
	}
	return time.Duration(d)
}

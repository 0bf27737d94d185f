package supervisor

import (
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/loykin/mcpbridge/internal/event"
	"github.com/loykin/mcpbridge/internal/worker"
)

func crashPolicy() Policy {
	return Policy{
		MaxRestarts:   3,
		BaseDelay:     time.Second,
		MaxDelay:      60 * time.Second,
		BackoffFactor: 2,
		ResetAfter:    5 * time.Minute,
	}
}

func TestCrashLoopBacksOffThenGivesUp(t *testing.T) {
	// Jitter pinned at 0.5 makes the multiplier exactly 1.0, so the
	// schedule is the pure exponential: 1s, 2s, 4s.
	s, runner, clk, rec := newTestSupervisor(t, WithPolicy(crashPolicy()))
	require.NoError(t, s.Register(testSpec("w1")))
	require.NoError(t, s.Start("w1"))
	rec.wait(t, event.TypeStart)

	for i, want := range []time.Duration{time.Second, 2 * time.Second, 4 * time.Second} {
		runner.last().exit(worker.ExitResult{Code: 1, Err: errors.New("exit status 1")})
		e := rec.wait(t, event.TypeScheduledRestart)
		assert.Equal(t, want, e.Delay, "attempt %d", i+1)
		assert.Equal(t, i+1, e.Attempt)

		clk.Advance(want)
		rec.wait(t, event.TypeStart)
	}
	assert.Equal(t, 4, runner.count())

	// Fourth crash exhausts the budget.
	runner.last().exit(worker.ExitResult{Code: 1, Err: errors.New("exit status 1")})
	e := rec.wait(t, event.TypeMaxRestartsReached)
	assert.Equal(t, 3, e.Attempt)

	st, _ := s.Status("w1")
	assert.Equal(t, worker.StateError, st.State)
	assert.Equal(t, 0, clk.Pending())
	assert.Equal(t, 4, runner.count())
}

func TestBackoffDelayIsCappedAtMaxDelay(t *testing.T) {
	p := Policy{MaxRestarts: 20, BaseDelay: time.Second, MaxDelay: 10 * time.Second, BackoffFactor: 2, ResetAfter: time.Hour}
	s, runner, clk, rec := newTestSupervisor(t, WithPolicy(p))
	require.NoError(t, s.Register(testSpec("w1")))
	require.NoError(t, s.Start("w1"))
	rec.wait(t, event.TypeStart)

	// 1s, 2s, 4s, 8s, then clamped to 10s forever.
	want := []time.Duration{time.Second, 2 * time.Second, 4 * time.Second, 8 * time.Second, 10 * time.Second, 10 * time.Second}
	for _, d := range want {
		runner.last().exit(worker.ExitResult{Code: 1, Err: errors.New("exit status 1")})
		e := rec.wait(t, event.TypeScheduledRestart)
		assert.Equal(t, d, e.Delay)
		clk.Advance(d)
		rec.wait(t, event.TypeStart)
	}
}

func TestNonRetryableErrorStopsRestarting(t *testing.T) {
	s, runner, clk, rec := newTestSupervisor(t, WithPolicy(crashPolicy()))
	require.NoError(t, s.Register(testSpec("w1")))
	require.NoError(t, s.Start("w1"))
	rec.wait(t, event.TypeStart)

	runner.last().exit(worker.ExitResult{
		Code: -1,
		Err:  errors.New("fork/exec /opt/tools/server: no such file or directory"),
	})
	rec.wait(t, event.TypeNonRetryableError)

	st, _ := s.Status("w1")
	assert.Equal(t, worker.StateError, st.State)
	assert.Equal(t, 0, clk.Pending())
	assert.Equal(t, 1, runner.count())
}

func TestStableUptimeResetsRestartBudget(t *testing.T) {
	p := crashPolicy()
	p.MaxRestarts = 1
	s, runner, clk, rec := newTestSupervisor(t, WithPolicy(p))
	require.NoError(t, s.Register(testSpec("w1")))
	require.NoError(t, s.Start("w1"))
	rec.wait(t, event.TypeStart)

	// First crash spends the whole budget.
	runner.last().exit(worker.ExitResult{Code: 1, Err: errors.New("exit status 1")})
	e := rec.wait(t, event.TypeScheduledRestart)
	assert.Equal(t, 1, e.Attempt)
	clk.Advance(e.Delay)
	rec.wait(t, event.TypeStart)

	// The replacement stays up past the reset window, earning it back.
	clk.Advance(p.ResetAfter)
	runner.last().exit(worker.ExitResult{Code: 1, Err: errors.New("exit status 1")})
	e = rec.wait(t, event.TypeScheduledRestart)
	assert.Equal(t, 1, e.Attempt)
}

func TestQuickCrashDoesNotResetBudget(t *testing.T) {
	p := crashPolicy()
	p.MaxRestarts = 1
	s, runner, clk, rec := newTestSupervisor(t, WithPolicy(p))
	require.NoError(t, s.Register(testSpec("w1")))
	require.NoError(t, s.Start("w1"))
	rec.wait(t, event.TypeStart)

	runner.last().exit(worker.ExitResult{Code: 1, Err: errors.New("exit status 1")})
	e := rec.wait(t, event.TypeScheduledRestart)
	clk.Advance(e.Delay)
	rec.wait(t, event.TypeStart)

	// Crashes again just under the reset window: budget is spent.
	clk.Advance(p.ResetAfter - time.Second)
	runner.last().exit(worker.ExitResult{Code: 1, Err: errors.New("exit status 1")})
	rec.wait(t, event.TypeMaxRestartsReached)
}

func TestStopCancelsScheduledRestart(t *testing.T) {
	s, runner, clk, rec := newTestSupervisor(t, WithPolicy(crashPolicy()))
	require.NoError(t, s.Register(testSpec("w1")))
	require.NoError(t, s.Start("w1"))
	rec.wait(t, event.TypeStart)

	runner.last().exit(worker.ExitResult{Code: 1, Err: errors.New("exit status 1")})
	rec.wait(t, event.TypeScheduledRestart)
	assert.Equal(t, 1, clk.Pending())

	require.NoError(t, s.Stop("w1"))
	assert.Equal(t, 0, clk.Pending())

	clk.Advance(time.Hour)
	assert.Equal(t, 1, runner.count())

	st, _ := s.Status("w1")
	assert.Equal(t, worker.StateStopped, st.State)
	assert.Equal(t, 0, st.RestartCount)
}

func TestManualRestartResetsBudget(t *testing.T) {
	p := crashPolicy()
	p.MaxRestarts = 2
	s, runner, clk, rec := newTestSupervisor(t, WithPolicy(p))
	runner.onTerm = func(h *fakeHandle) { h.exit(worker.ExitResult{Code: 0}) }
	require.NoError(t, s.Register(testSpec("w1")))
	require.NoError(t, s.Start("w1"))
	rec.wait(t, event.TypeStart)

	// Burn through the budget.
	for i := 0; i < 2; i++ {
		runner.last().exit(worker.ExitResult{Code: 1, Err: errors.New("exit status 1")})
		e := rec.wait(t, event.TypeScheduledRestart)
		clk.Advance(e.Delay)
		rec.wait(t, event.TypeStart)
	}

	// An explicit restart grants a fresh budget.
	require.NoError(t, s.Restart("w1"))
	rec.wait(t, event.TypeExit)
	rec.wait(t, event.TypeStart)

	runner.last().exit(worker.ExitResult{Code: 1, Err: errors.New("exit status 1")})
	e := rec.wait(t, event.TypeScheduledRestart)
	assert.Equal(t, 1, e.Attempt)
}

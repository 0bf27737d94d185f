package supervisor

import (
	"log/slog"
	"time"

	"github.com/loykin/mcpbridge/internal/event"
	"github.com/loykin/mcpbridge/internal/metrics"
	"github.com/loykin/mcpbridge/internal/worker"
)

// onExit is the single funnel for process termination. It finalizes the run,
// then applies the restart decision unless the exit was requested.
func (s *Supervisor) onExit(id string, h worker.Handle, res worker.ExitResult) {
	s.mu.Lock()
	rec, ok := s.records[id]
	if !ok || rec.handle != h {
		// Stale listener from a previous run; the current run has its own.
		s.mu.Unlock()
		return
	}
	rec.handle = nil
	if rec.stderrCloser != nil {
		_ = rec.stderrCloser.Close()
		rec.stderrCloser = nil
	}
	uptime := s.scheduler.Now().Sub(rec.startTime)
	errText := ""
	if res.Err != nil {
		errText = res.Err.Error()
		rec.lastError = errText
	}
	requested := rec.stopRequested || s.closed
	disabled := !rec.spec.Enabled
	if requested {
		rec.status = worker.StateStopped
	}
	wd := rec.waitDone
	rec.waitDone = nil
	s.mu.Unlock()

	metrics.IncStop(id)
	metrics.SetWorkerUp(id, false)
	s.bus.Publish(event.Event{
		Type:     event.TypeExit,
		Worker:   id,
		ExitCode: res.Code,
		Signal:   res.Signal,
		Err:      errText,
	})
	if wd != nil {
		close(wd)
	}

	if requested || disabled {
		return
	}
	slog.Warn("worker exited unexpectedly", "worker", id, "code", res.Code, "signal", res.Signal, "uptime", uptime)
	s.decideRestart(id, errText, uptime)
}

// decideRestart applies the backoff policy after an unexpected exit or
// process-level error.
func (s *Supervisor) decideRestart(id string, errText string, uptime time.Duration) {
	s.mu.Lock()
	rec, ok := s.records[id]
	if !ok {
		s.mu.Unlock()
		return
	}
	s.cancelRestartTimerLocked(rec)
	policy := s.policy

	if worker.IsNonRetryable(errText) {
		rec.status = worker.StateError
		s.mu.Unlock()
		metrics.IncNonRetryable(id)
		slog.Error("worker failed with non-retryable error", "worker", id, "error", errText)
		s.bus.Publish(event.Event{Type: event.TypeNonRetryableError, Worker: id, Err: errText})
		return
	}

	if uptime >= policy.ResetAfter {
		// Stable uptime earned the restart budget back.
		rec.restartCount = 0
	}

	if rec.restartCount >= policy.MaxRestarts {
		rec.status = worker.StateError
		s.mu.Unlock()
		slog.Error("worker reached restart limit", "worker", id, "max_restarts", policy.MaxRestarts)
		s.bus.Publish(event.Event{Type: event.TypeMaxRestartsReached, Worker: id, Attempt: policy.MaxRestarts})
		return
	}

	delay := backoffDelay(policy, rec.restartCount, s.jitter())
	rec.restartCount++
	attempt := rec.restartCount
	rec.lastRestartAt = s.scheduler.Now()
	rec.status = worker.StateError
	rec.restartTimer = s.scheduler.After(delay, func() { s.onRestartTimer(id) })
	s.mu.Unlock()

	metrics.IncScheduledRestart(id)
	slog.Info("scheduled worker restart", "worker", id, "delay", delay, "attempt", attempt)
	s.bus.Publish(event.Event{Type: event.TypeScheduledRestart, Worker: id, Delay: delay, Attempt: attempt})
}

func (s *Supervisor) onRestartTimer(id string) {
	s.mu.Lock()
	if rec, ok := s.records[id]; ok {
		rec.restartTimer = nil
	}
	s.mu.Unlock()

	if err := s.Start(id); err != nil {
		slog.Warn("scheduled restart failed", "worker", id, "error", err)
	}
}

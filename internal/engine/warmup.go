package engine

import (
	"context"
	"time"
)

// WarmupStatus is the warmup state machine's current phase.
type WarmupStatus string

const (
	WarmupNotStarted WarmupStatus = "not_started"
	WarmupRunning    WarmupStatus = "running"
	WarmupReady      WarmupStatus = "ready"
	WarmupError      WarmupStatus = "error"
)

// WarmupState is a snapshot of the warmup state machine.
type WarmupState struct {
	Status         WarmupStatus `json:"status"`
	Runs           int          `json:"runs"`
	LastReason     string       `json:"last_reason,omitempty"`
	LastError      string       `json:"last_error,omitempty"`
	LastDurationMs int64        `json:"last_duration_ms,omitempty"`
	StartedAt      *time.Time   `json:"last_started_at,omitempty"`
	FinishedAt     *time.Time   `json:"last_completed_at,omitempty"`
}

// TriggerWarmup starts a warmup pass unless one is already running or the
// backend is already warm (force overrides the latter). With wait set the
// call blocks until the pass (started here or elsewhere) finishes.
// It reports whether this call started a new pass.
func (e *Engine) TriggerWarmup(wait, force bool, reason string) (bool, WarmupState) {
	e.warmupMu.Lock()

	if e.warmupRunning != nil {
		ch := e.warmupRunning
		e.warmupMu.Unlock()
		if wait {
			<-ch
		}
		return false, e.WarmupSnapshot()
	}

	start := force || e.warmup.Status == WarmupNotStarted || e.warmup.Status == WarmupError
	if !start {
		e.warmupMu.Unlock()
		return false, e.WarmupSnapshot()
	}

	now := time.Now().UTC()
	e.warmup.Status = WarmupRunning
	e.warmup.LastReason = reason
	e.warmup.StartedAt = &now
	e.warmup.FinishedAt = nil
	ch := make(chan struct{})
	e.warmupRunning = ch
	e.warmupMu.Unlock()

	e.log.Info("warmup started", "reason", reason)
	go e.runWarmup(ch)

	if wait {
		<-ch
	}
	return true, e.WarmupSnapshot()
}

func (e *Engine) runWarmup(ch chan struct{}) {
	rt := e.rt.Load()
	started := time.Now()
	err := rt.Synth.Warmup(context.Background(), rt.Config.WarmupText, rt.Config.WarmupLanguage)
	elapsed := time.Since(started)

	e.warmupMu.Lock()
	now := time.Now().UTC()
	e.warmup.Runs++
	e.warmup.LastDurationMs = elapsed.Milliseconds()
	e.warmup.FinishedAt = &now
	if err != nil {
		e.warmup.Status = WarmupError
		e.warmup.LastError = err.Error()
	} else {
		e.warmup.Status = WarmupReady
		e.warmup.LastError = ""
	}
	e.warmupRunning = nil
	close(ch)
	e.warmupMu.Unlock()

	if err != nil {
		e.log.Error("warmup failed", "error", err, "duration_ms", elapsed.Milliseconds())
	} else {
		e.log.Info("warmup finished", "duration_ms", elapsed.Milliseconds())
	}
}

// WarmupSnapshot returns a copy of the warmup state.
func (e *Engine) WarmupSnapshot() WarmupState {
	e.warmupMu.Lock()
	defer e.warmupMu.Unlock()
	return e.warmup
}

// awaitWarmup blocks until no warmup pass is running.
func (e *Engine) awaitWarmup() {
	for {
		e.warmupMu.Lock()
		ch := e.warmupRunning
		e.warmupMu.Unlock()
		if ch == nil {
			return
		}
		<-ch
	}
}

// resetWarmup returns the state machine to not_started. Used after a
// runtime swap so the new backend warms up from scratch.
func (e *Engine) resetWarmup() {
	e.awaitWarmup()
	e.warmupMu.Lock()
	e.warmup = WarmupState{Status: WarmupNotStarted}
	e.warmupMu.Unlock()
}

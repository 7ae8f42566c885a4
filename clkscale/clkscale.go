// Package clkscale coordinates clock frequency scaling with link gear
// changes. A scale operation takes exclusive access to a submission
// barrier, drains all outstanding commands, and orders the frequency
// and gear steps so the link never runs at a gear the current
// frequency cannot carry.
package clkscale

import (
	"errors"
	"log"
	"sync"
	"time"

	"github.com/sarchlab/storhc/hooking"
)

// ErrDrainTimeout aborts a scale attempt whose quiesce barrier did not
// drain in time.
var ErrDrainTimeout = errors.New("outstanding commands did not drain before scaling")

// DefaultDrainTimeout bounds the wait for outstanding commands.
const DefaultDrainTimeout = time.Second

// Default governor parameters.
const (
	DefaultPollInterval  = 100 * time.Millisecond
	DefaultUpThreshold   = 0.70
	DefaultDownThreshold = 0.30
)

// Hook positions on the scaler.
var (
	HookPosScaleUp   = &hooking.HookPos{Name: "ClkScaleUp"}
	HookPosScaleDown = &hooking.HookPos{Name: "ClkScaleDown"}
)

// A Holder keeps the clock domain powered during a scale operation.
type Holder interface {
	Hold(async bool) error
	Release()
}

// A Scaler owns the submission barrier and the busy-time accounting
// that drives scaling decisions.
type Scaler struct {
	hooking.HookableBase

	name string

	// barrier is the reader/writer boundary between normal command
	// submission (shared side) and scaling (exclusive side).
	barrier sync.RWMutex

	holder      Holder
	waitDrain   func(timeout time.Duration) error
	scaleClocks func(up bool) error
	scaleGear   func(up bool) error

	drainTimeout time.Duration

	mu       sync.Mutex
	scaledUp bool

	watch stopwatch

	governor *governor
}

// TrySubmitEnter takes the shared side of the barrier without
// blocking. The data-command submission path uses it so the block
// layer can requeue instead of stalling a caller behind a scale
// operation.
func (s *Scaler) TrySubmitEnter() bool {
	return s.barrier.TryRLock()
}

// SubmitEnter takes the shared side of the barrier, blocking until any
// in-progress scale operation finishes. The rare device-management
// path uses it.
func (s *Scaler) SubmitEnter() {
	s.barrier.RLock()
}

// SubmitExit releases the shared side of the barrier.
func (s *Scaler) SubmitExit() {
	s.barrier.RUnlock()
}

// IsScaledUp reports whether the last successful scale direction was
// up. A fresh scaler reports true since controllers initialize at
// maximum frequency.
func (s *Scaler) IsScaledUp() bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	return s.scaledUp
}

// SetBusy feeds the two-state busy stopwatch. The host calls it with
// true whenever at least one transfer command is outstanding and with
// false when the last one completes.
func (s *Scaler) SetBusy(busy bool) {
	s.watch.setBusy(busy)
}

// Scale changes the clock frequency and link gear in the given
// direction. It blocks new submissions, drains outstanding commands,
// applies the steps in a gear-safe order, and rolls back the steps
// already applied if a later one fails.
func (s *Scaler) Scale(up bool) error {
	if s.holder != nil {
		// Do not let the domain gate while scaling is in progress.
		if err := s.holder.Hold(false); err != nil {
			return err
		}
		defer s.holder.Release()
	}

	s.barrier.Lock()
	defer s.barrier.Unlock()

	if err := s.waitDrain(s.drainTimeout); err != nil {
		return ErrDrainTimeout
	}

	if err := s.apply(up); err != nil {
		return err
	}

	s.mu.Lock()
	s.scaledUp = up
	s.mu.Unlock()

	pos := HookPosScaleDown
	if up {
		pos = HookPosScaleUp
	}
	s.InvokeHook(hooking.HookCtx{Domain: s, Pos: pos})

	return nil
}

// apply runs the gear and frequency steps in order, rolling back on
// failure. Scaling down reduces the gear before the frequency; scaling
// up raises the frequency before the gear.
func (s *Scaler) apply(up bool) error {
	if !up {
		if err := s.scaleGear(false); err != nil {
			return err
		}

		if err := s.scaleClocks(false); err != nil {
			// Restore the gear we already lowered.
			if rbErr := s.scaleGear(true); rbErr != nil {
				log.Printf("%s: gear rollback failed: %v", s.name, rbErr)
			}
			return err
		}

		return nil
	}

	if err := s.scaleClocks(true); err != nil {
		return err
	}

	if err := s.scaleGear(true); err != nil {
		// Restore the frequency we already raised.
		if rbErr := s.scaleClocks(false); rbErr != nil {
			log.Printf("%s: frequency rollback failed: %v", s.name, rbErr)
		}
		return err
	}

	return nil
}

// stopwatch accumulates busy time over the current sampling window.
type stopwatch struct {
	mu          sync.Mutex
	busy        bool
	mark        time.Time
	windowStart time.Time
	busyTotal   time.Duration
}

func (w *stopwatch) setBusy(busy bool) {
	w.mu.Lock()
	defer w.mu.Unlock()

	now := time.Now()
	if w.windowStart.IsZero() {
		w.windowStart = now
	}

	if w.busy == busy {
		return
	}

	if w.busy {
		w.busyTotal += now.Sub(w.mark)
	}
	w.busy = busy
	w.mark = now
}

// sample returns the busy ratio of the window so far and resets the
// window.
func (w *stopwatch) sample() float64 {
	w.mu.Lock()
	defer w.mu.Unlock()

	now := time.Now()
	if w.windowStart.IsZero() {
		w.windowStart = now
		return 0
	}

	busy := w.busyTotal
	if w.busy {
		busy += now.Sub(w.mark)
		w.mark = now
	}

	window := now.Sub(w.windowStart)
	w.windowStart = now
	w.busyTotal = 0

	if window <= 0 {
		return 0
	}

	return float64(busy) / float64(window)
}

package clkscale

import (
	"log"
	"sync"
	"time"
)

// A governor samples the busy stopwatch on a fixed interval and asks
// the scaler to change direction when the busy ratio crosses a
// threshold.
type governor struct {
	scaler *Scaler

	interval      time.Duration
	upThreshold   float64
	downThreshold float64

	mu        sync.Mutex
	suspended bool
	stopCh    chan struct{}
	doneCh    chan struct{}
}

// StartGovernor launches the sampling loop. It is a no-op if the
// scaler was built without a governor.
func (s *Scaler) StartGovernor() {
	if s.governor == nil {
		return
	}

	s.governor.start()
}

// StopGovernor terminates the sampling loop.
func (s *Scaler) StopGovernor() {
	if s.governor == nil {
		return
	}

	s.governor.stop()
}

// SuspendGovernor pauses scaling decisions, typically around error
// recovery or controller suspend. The loop keeps running but discards
// samples.
func (s *Scaler) SuspendGovernor() {
	if s.governor == nil {
		return
	}

	s.governor.setSuspended(true)
}

// ResumeGovernor re-enables scaling decisions.
func (s *Scaler) ResumeGovernor() {
	if s.governor == nil {
		return
	}

	s.governor.setSuspended(false)
}

func (g *governor) start() {
	g.mu.Lock()
	defer g.mu.Unlock()

	if g.stopCh != nil {
		return
	}

	g.stopCh = make(chan struct{})
	g.doneCh = make(chan struct{})
	go g.run(g.stopCh, g.doneCh)
}

func (g *governor) stop() {
	g.mu.Lock()
	stopCh, doneCh := g.stopCh, g.doneCh
	g.stopCh = nil
	g.doneCh = nil
	g.mu.Unlock()

	if stopCh == nil {
		return
	}

	close(stopCh)
	<-doneCh
}

func (g *governor) setSuspended(suspended bool) {
	g.mu.Lock()
	defer g.mu.Unlock()

	g.suspended = suspended
}

func (g *governor) isSuspended() bool {
	g.mu.Lock()
	defer g.mu.Unlock()

	return g.suspended
}

func (g *governor) run(stopCh, doneCh chan struct{}) {
	defer close(doneCh)

	ticker := time.NewTicker(g.interval)
	defer ticker.Stop()

	for {
		select {
		case <-stopCh:
			return
		case <-ticker.C:
			g.poll()
		}
	}
}

func (g *governor) poll() {
	ratio := g.scaler.watch.sample()

	if g.isSuspended() {
		return
	}

	scaledUp := g.scaler.IsScaledUp()

	switch {
	case ratio > g.upThreshold && !scaledUp:
		if err := g.scaler.Scale(true); err != nil {
			log.Printf("%s: scale up skipped: %v", g.scaler.name, err)
		}
	case ratio < g.downThreshold && scaledUp:
		if err := g.scaler.Scale(false); err != nil {
			log.Printf("%s: scale down skipped: %v", g.scaler.name, err)
		}
	}
}

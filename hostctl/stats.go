package hostctl

import (
	"sync"
	"time"
)

// ErrHistoryDepth is the number of entries each error history retains.
const ErrHistoryDepth = 8

// An ErrHistoryEntry is one recorded error occurrence.
type ErrHistoryEntry struct {
	Value uint32
	At    time.Time
}

// An ErrSink receives every error history update, typically to mirror
// it into persistent recording.
type ErrSink func(layer string, value uint32, at time.Time)

// An ErrHistory is a sticky ring of the most recent occurrences of one
// error class. It is never cleared by recovery, only by an explicit
// debug reset, so post-mortem inspection sees errors that recovery
// already handled.
type ErrHistory struct {
	mu sync.Mutex

	layer string
	sink  ErrSink

	pos     int
	count   uint64
	entries [ErrHistoryDepth]ErrHistoryEntry
}

// Update records one occurrence.
func (eh *ErrHistory) Update(value uint32) {
	now := time.Now()

	eh.mu.Lock()
	eh.entries[eh.pos] = ErrHistoryEntry{Value: value, At: now}
	eh.pos = (eh.pos + 1) % ErrHistoryDepth
	eh.count++
	sink := eh.sink
	eh.mu.Unlock()

	if sink != nil {
		sink(eh.layer, value, now)
	}
}

// Count returns the total number of occurrences ever recorded.
func (eh *ErrHistory) Count() uint64 {
	eh.mu.Lock()
	defer eh.mu.Unlock()

	return eh.count
}

// Layer returns the error class name of the history.
func (eh *ErrHistory) Layer() string {
	return eh.layer
}

// Snapshot returns the retained entries, oldest first.
func (eh *ErrHistory) Snapshot() []ErrHistoryEntry {
	eh.mu.Lock()
	defer eh.mu.Unlock()

	var out []ErrHistoryEntry
	for i := 0; i < ErrHistoryDepth; i++ {
		e := eh.entries[(eh.pos+i)%ErrHistoryDepth]
		if !e.At.IsZero() {
			out = append(out, e)
		}
	}

	return out
}

// Reset clears the history. Debug use only.
func (eh *ErrHistory) Reset() {
	eh.mu.Lock()
	defer eh.mu.Unlock()

	eh.pos = 0
	eh.count = 0
	eh.entries = [ErrHistoryDepth]ErrHistoryEntry{}
}

// Stats holds the per-layer error histories and interrupt bookkeeping
// of one host.
type Stats struct {
	PhyErr           ErrHistory
	DataLinkErr      ErrHistory
	NetworkErr       ErrHistory
	TransportErr     ErrHistory
	DMEErr           ErrHistory
	AutoHibernateErr ErrHistory
	FatalErr         ErrHistory
	LinkStartupErr   ErrHistory
	ResetErr         ErrHistory

	mu             sync.Mutex
	lastIntrStatus uint32
	lastIntrAt     time.Time
}

func newStats(sink ErrSink) *Stats {
	s := &Stats{}

	for layer, eh := range map[string]*ErrHistory{
		"phy":            &s.PhyErr,
		"data_link":      &s.DataLinkErr,
		"network":        &s.NetworkErr,
		"transport":      &s.TransportErr,
		"dme":            &s.DMEErr,
		"auto_hibernate": &s.AutoHibernateErr,
		"fatal":          &s.FatalErr,
		"link_startup":   &s.LinkStartupErr,
		"reset":          &s.ResetErr,
	} {
		eh.layer = layer
		eh.sink = sink
	}

	return s
}

// Histories returns every error history for iteration.
func (s *Stats) Histories() []*ErrHistory {
	return []*ErrHistory{
		&s.PhyErr, &s.DataLinkErr, &s.NetworkErr, &s.TransportErr,
		&s.DMEErr, &s.AutoHibernateErr, &s.FatalErr,
		&s.LinkStartupErr, &s.ResetErr,
	}
}

// RecordInterrupt notes the latest interrupt status snapshot.
func (s *Stats) RecordInterrupt(status uint32) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.lastIntrStatus = status
	s.lastIntrAt = time.Now()
}

// LastInterrupt returns the latest interrupt status snapshot and its
// arrival time.
func (s *Stats) LastInterrupt() (uint32, time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()

	return s.lastIntrStatus, s.lastIntrAt
}

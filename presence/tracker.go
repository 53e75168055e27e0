// Package presence tracks which members of a shared presence channel are
// online. A Session subscribes on behalf of one local identity and folds the
// channel's full-sync, join and leave events into a Tracker; a Manager binds
// sessions to the lifetime of the local identity.
package presence

import (
	"slices"
	"sync"

	"github.com/google/uuid"

	"github.com/coder/presence/presencesdk"
)

// Tracker is the local presence set. Apply and Reset are the only writers
// and are called from a single event path; every other method is a read and
// may be called from any goroutine.
type Tracker struct {
	metrics *Metrics

	mu      sync.RWMutex
	members map[string]presencesdk.Record

	listenersMu sync.Mutex
	listeners   map[uuid.UUID]func(members []string)
}

func NewTracker(metrics *Metrics) *Tracker {
	return &Tracker{
		metrics:   metrics,
		members:   make(map[string]presencesdk.Record),
		listeners: make(map[uuid.UUID]func([]string)),
	}
}

// IsOnline reports whether memberID is in the set.
func (t *Tracker) IsOnline(memberID string) bool {
	t.mu.RLock()
	defer t.mu.RUnlock()
	_, ok := t.members[memberID]
	return ok
}

func (t *Tracker) OnlineCount() int {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return len(t.members)
}

// Member returns the announcement record of a present member.
func (t *Tracker) Member(memberID string) (presencesdk.Record, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	record, ok := t.members[memberID]
	return record, ok
}

// Snapshot returns the sorted IDs of present members.
func (t *Tracker) Snapshot() []string {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.snapshotLocked()
}

func (t *Tracker) snapshotLocked() []string {
	ids := make([]string, 0, len(t.members))
	for id := range t.members {
		ids = append(ids, id)
	}
	slices.Sort(ids)
	return ids
}

// OnChange registers fn to be called with a fresh snapshot after every
// update that changes the set. Calls are made in update order from the
// event path, so fn should return quickly.
func (t *Tracker) OnChange(fn func(members []string)) (cancel func()) {
	t.listenersMu.Lock()
	defer t.listenersMu.Unlock()
	id := uuid.New()
	t.listeners[id] = fn
	return func() {
		t.listenersMu.Lock()
		defer t.listenersMu.Unlock()
		delete(t.listeners, id)
	}
}

// Apply folds one event into the set and reports whether the set changed.
// A full sync replaces the set; joins and leaves are idempotent.
func (t *Tracker) Apply(ev presencesdk.Event) bool {
	t.mu.Lock()
	changed := false
	switch ev := ev.(type) {
	case presencesdk.FullSync:
		next := make(map[string]presencesdk.Record, len(ev.Roster))
		for _, record := range ev.Roster {
			if _, ok := next[record.MemberID]; !ok {
				next[record.MemberID] = record
			}
		}
		changed = !sameMembers(t.members, next)
		t.members = next
	case presencesdk.Join:
		for _, record := range ev.Members {
			if _, ok := t.members[record.MemberID]; ok {
				continue
			}
			t.members[record.MemberID] = record
			changed = true
		}
	case presencesdk.Leave:
		for _, record := range ev.Members {
			if _, ok := t.members[record.MemberID]; !ok {
				continue
			}
			delete(t.members, record.MemberID)
			changed = true
		}
	}
	count := len(t.members)
	var snapshot []string
	if changed {
		snapshot = t.snapshotLocked()
	}
	t.mu.Unlock()

	if ev != nil {
		t.metrics.observeEvent(ev.Kind())
	}
	t.metrics.setOnline(count)
	if changed {
		t.notify(snapshot)
	}
	return changed
}

// Reset empties the set. It is used when the subscription is lost or
// released, so that nobody is reported online without a live channel.
func (t *Tracker) Reset() {
	t.mu.Lock()
	changed := len(t.members) > 0
	t.members = make(map[string]presencesdk.Record)
	t.mu.Unlock()

	t.metrics.setOnline(0)
	if changed {
		t.notify([]string{})
	}
}

func (t *Tracker) notify(snapshot []string) {
	t.listenersMu.Lock()
	listeners := make([]func([]string), 0, len(t.listeners))
	for _, fn := range t.listeners {
		listeners = append(listeners, fn)
	}
	t.listenersMu.Unlock()

	for _, fn := range listeners {
		fn(slices.Clone(snapshot))
	}
}

func sameMembers(a, b map[string]presencesdk.Record) bool {
	if len(a) != len(b) {
		return false
	}
	for id := range a {
		if _, ok := b[id]; !ok {
			return false
		}
	}
	return true
}

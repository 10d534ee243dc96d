package progress

import (
	"context"
	"sync"
)

// subscriberBuffer is how many updates a slow subscriber may fall behind
// before intermediate updates to it are dropped. The terminal update
// replaces the oldest buffered one instead.
const subscriberBuffer = 10

// Tracker keeps the latest update per job in memory and broadcasts every
// update to the job's subscribers. Subscriber channels are closed once a
// terminal update has been delivered.
type Tracker struct {
	mu     sync.Mutex
	latest map[string]Update
	subs   map[string][]chan Update
}

// NewTracker returns an empty Tracker.
func NewTracker() *Tracker {
	return &Tracker{
		latest: make(map[string]Update),
		subs:   make(map[string][]chan Update),
	}
}

// Publish records u and notifies subscribers without blocking.
func (t *Tracker) Publish(_ context.Context, u Update) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	t.latest[u.JobID] = u

	for _, ch := range t.subs[u.JobID] {
		select {
		case ch <- u:
			continue
		default:
		}
		if !u.Done() {
			continue // subscriber is slow, skip this update
		}
		// Make room so the final update is never lost. Only Publish sends,
		// under t.mu, so the second send cannot block.
		select {
		case <-ch:
		default:
		}
		ch <- u
	}

	if u.Done() {
		for _, ch := range t.subs[u.JobID] {
			close(ch)
		}
		delete(t.subs, u.JobID)
	}
	return nil
}

// Latest returns the last update seen for jobID.
func (t *Tracker) Latest(jobID string) (Update, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	u, ok := t.latest[jobID]
	return u, ok
}

// Subscribe returns a channel of updates for jobID, primed with the latest
// known update. The channel is closed when the job finishes; for a job that
// has already finished it is closed right after the final update.
// Call the returned func to unsubscribe early.
func (t *Tracker) Subscribe(jobID string) (<-chan Update, func()) {
	ch := make(chan Update, subscriberBuffer)

	t.mu.Lock()
	defer t.mu.Unlock()

	last, seen := t.latest[jobID]
	if seen {
		ch <- last
	}
	if seen && last.Done() {
		close(ch)
		return ch, func() {}
	}

	t.subs[jobID] = append(t.subs[jobID], ch)

	var once sync.Once
	return ch, func() {
		once.Do(func() { t.unsubscribe(jobID, ch) })
	}
}

func (t *Tracker) unsubscribe(jobID string, ch chan Update) {
	t.mu.Lock()
	defer t.mu.Unlock()

	subs := t.subs[jobID]
	for i, c := range subs {
		if c == ch {
			t.subs[jobID] = append(subs[:i], subs[i+1:]...)
			close(ch)
			return
		}
	}
}

// Forget drops the stored update for jobID.
func (t *Tracker) Forget(jobID string) {
	t.mu.Lock()
	delete(t.latest, jobID)
	t.mu.Unlock()
}

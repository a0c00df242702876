package realtime

import "sync"

// Subscription is an owned handle on a feed attachment: created on subscribe,
// released exactly once on Close. A view that switches conversations must
// close its old handle before opening a new one — a stale subscription left
// attached delivers into the wrong view.
type Subscription struct {
	once    sync.Once
	release func()
}

// NewSubscription wraps a release function in a close-once handle.
func NewSubscription(release func()) *Subscription {
	return &Subscription{release: release}
}

// Close releases the subscription. Safe to call multiple times and on nil.
func (s *Subscription) Close() {
	if s == nil {
		return
	}
	s.once.Do(func() {
		if s.release != nil {
			s.release()
		}
	})
}

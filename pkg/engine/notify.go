package engine

import (
	"sync"

	"github.com/nstar-rt/nstar/pkg/codec"
)

// notificationQueueDepth is the bounded per-subscriber queue spec.md
// §4.6 step 2 requires; a subscriber that cannot keep up is disconnected
// rather than stalling every other session on a slow reader.
const notificationQueueDepth = 64

// subscription is one session's view onto the engine's notification
// stream (pkg/session.Subscription). Its Notifications channel is
// closed by the registry on Close or on a broadcast shutdown, which is
// what lets a session's loop exit cleanly on engine shutdown.
type subscription struct {
	ch      chan codec.Notification
	dropped chan struct{}

	registry *registry
	closeOnce sync.Once
}

func (s *subscription) Notifications() <-chan codec.Notification { return s.ch }
func (s *subscription) Dropped() <-chan struct{}                 { return s.dropped }

func (s *subscription) Close() {
	s.closeOnce.Do(func() {
		s.registry.remove(s)
	})
}

// registry fans out notifications to every live subscription. It is
// guarded by its own mutex rather than routed through the engine's
// single inbound queue: subscribe/unsubscribe happen on session accept
// and disconnect, which are not container-map mutations and do not need
// to serialize with them.
type registry struct {
	mu   sync.Mutex
	subs map[*subscription]struct{}
}

func newRegistry() *registry {
	return &registry{subs: map[*subscription]struct{}{}}
}

func (r *registry) subscribe() *subscription {
	s := &subscription{
		ch:      make(chan codec.Notification, notificationQueueDepth),
		dropped: make(chan struct{}),
	}
	s.registry = r
	r.mu.Lock()
	r.subs[s] = struct{}{}
	r.mu.Unlock()
	return s
}

func (r *registry) remove(s *subscription) {
	r.mu.Lock()
	_, live := r.subs[s]
	delete(r.subs, s)
	r.mu.Unlock()
	if live {
		close(s.ch)
	}
}

// broadcast delivers n to every subscriber without blocking; a
// subscriber whose queue is already full is evicted and told via
// Dropped, matching spec.md §5's "a subscriber that cannot keep up ...
// is disconnected rather than dropped silently" (silently here means
// silently dropping the *notification*, not the subscriber).
func (r *registry) broadcast(n codec.Notification) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for s := range r.subs {
		select {
		case s.ch <- n:
		default:
			delete(r.subs, s)
			close(s.dropped)
		}
	}
}

// closeAll shuts every subscriber's notification channel, the signal
// pkg/session's loop treats as "server is gone" and exits on.
func (r *registry) closeAll() {
	r.mu.Lock()
	defer r.mu.Unlock()
	for s := range r.subs {
		close(s.ch)
		delete(r.subs, s)
	}
}

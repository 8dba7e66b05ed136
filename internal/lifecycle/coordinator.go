// Package lifecycle drains upgraded connections when a listener shuts down.
//
// A Coordinator keeps one live set per attached listener. Facades join the
// set of their listener when accepted and leave it when their transport
// closes. A shutdown signal soft-closes a snapshot of the set, so slow
// drains never block delivery to other connections and facades accepted
// afterwards are not included.
package lifecycle

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/jamesprial/sockroute/internal/conn"
	ierrors "github.com/jamesprial/sockroute/internal/errors"
)

const domainLifecycle = "lifecycle"

// Listener is anything that can announce its own shutdown. *http.Server
// satisfies it through RegisterOnShutdown.
type Listener interface {
	RegisterOnShutdown(f func())
}

// TimeoutFunc returns the configured shutdown timeout. It is read at signal
// time; ok false or a negative timeout means no forced deadline.
type TimeoutFunc func() (timeout time.Duration, ok bool)

// Observer receives coordinator events, typically for metrics.
type Observer interface {
	Tracked(delta int)
	SoftClosed(n int)
}

// Options configures a Coordinator.
type Options struct {
	Timeout  TimeoutFunc
	Logger   *slog.Logger
	Observer Observer
}

// liveSet is the set of accepted facades of one listener.
type liveSet struct {
	members  map[*conn.Upgrade]struct{}
	detached bool
	changed  chan struct{}
}

func newLiveSet() *liveSet {
	return &liveSet{
		members: make(map[*conn.Upgrade]struct{}),
		changed: make(chan struct{}),
	}
}

// notify wakes everyone waiting for the set to change.
func (s *liveSet) notify() {
	close(s.changed)
	s.changed = make(chan struct{})
}

// Coordinator owns the live sets of all attached listeners.
type Coordinator struct {
	timeout  TimeoutFunc
	logger   *slog.Logger
	observer Observer

	mu   sync.Mutex
	sets map[Listener]*liveSet
}

// NewCoordinator creates a Coordinator with no attached listeners.
func NewCoordinator(opts Options) *Coordinator {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	timeout := opts.Timeout
	if timeout == nil {
		timeout = func() (time.Duration, bool) { return 0, false }
	}
	return &Coordinator{
		timeout:  timeout,
		logger:   logger,
		observer: opts.Observer,
		sets:     make(map[Listener]*liveSet),
	}
}

// Attach registers a fresh live set for l and hooks its shutdown. Attaching
// the same listener twice fails with ErrAlreadyAttached.
func (co *Coordinator) Attach(l Listener) error {
	co.mu.Lock()
	if _, ok := co.sets[l]; ok {
		co.mu.Unlock()
		return ierrors.New(domainLifecycle, "Attach", ierrors.ErrAlreadyAttached, nil)
	}
	set := newLiveSet()
	co.sets[l] = set
	co.mu.Unlock()

	l.RegisterOnShutdown(func() {
		co.mu.Lock()
		detached := set.detached
		co.mu.Unlock()
		if !detached {
			co.Signal(l)
		}
	})
	return nil
}

// Detach unregisters l and soft-closes everything in its live set, since
// nothing will be left to drain it later. Detaching an unattached listener
// is a no-op.
func (co *Coordinator) Detach(l Listener) {
	co.mu.Lock()
	set, ok := co.sets[l]
	if !ok {
		co.mu.Unlock()
		return
	}
	set.detached = true
	delete(co.sets, l)
	snapshot := set.snapshot()
	co.mu.Unlock()

	if co.observer != nil && len(snapshot) > 0 {
		co.observer.Tracked(-len(snapshot))
	}
	co.softClose(snapshot)
}

// Attached reports whether l has a live set.
func (co *Coordinator) Attached(l Listener) bool {
	co.mu.Lock()
	defer co.mu.Unlock()
	_, ok := co.sets[l]
	return ok
}

// Hooks returns facade hooks that track accepted facades in l's live set.
// Hooks for an unattached listener track nothing.
func (co *Coordinator) Hooks(l Listener) conn.Hooks {
	return conn.Hooks{
		Accepted: func(u *conn.Upgrade) { co.track(l, u) },
		Released: func(u *conn.Upgrade) { co.untrack(l, u) },
	}
}

func (co *Coordinator) track(l Listener, u *conn.Upgrade) {
	co.mu.Lock()
	set, ok := co.sets[l]
	if ok {
		set.members[u] = struct{}{}
		set.notify()
	}
	co.mu.Unlock()

	if ok && co.observer != nil {
		co.observer.Tracked(1)
	}
}

func (co *Coordinator) untrack(l Listener, u *conn.Upgrade) {
	co.mu.Lock()
	set, ok := co.sets[l]
	removed := false
	if ok {
		if _, member := set.members[u]; member {
			delete(set.members, u)
			set.notify()
			removed = true
		}
	}
	co.mu.Unlock()

	if removed && co.observer != nil {
		co.observer.Tracked(-1)
	}
}

// Live returns the number of facades tracked for l.
func (co *Coordinator) Live(l Listener) int {
	co.mu.Lock()
	defer co.mu.Unlock()
	if set, ok := co.sets[l]; ok {
		return len(set.members)
	}
	return 0
}

// Total returns the number of facades tracked across all listeners.
func (co *Coordinator) Total() int {
	co.mu.Lock()
	defer co.mu.Unlock()
	n := 0
	for _, set := range co.sets {
		n += len(set.members)
	}
	return n
}

// Signal soft-closes every facade currently tracked for l.
func (co *Coordinator) Signal(l Listener) {
	co.mu.Lock()
	set, ok := co.sets[l]
	var snapshot []*conn.Upgrade
	if ok {
		snapshot = set.snapshot()
	}
	co.mu.Unlock()

	if ok {
		co.softClose(snapshot)
	}
}

// Drain waits until l's live set is empty or ctx is done. An unattached
// listener is already drained.
func (co *Coordinator) Drain(ctx context.Context, l Listener) error {
	for {
		co.mu.Lock()
		set, ok := co.sets[l]
		if !ok || len(set.members) == 0 {
			co.mu.Unlock()
			return nil
		}
		changed := set.changed
		co.mu.Unlock()

		select {
		case <-changed:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

// softClose delivers SoftClose to each facade on its own goroutine and
// waits for all deliveries. Deliveries return promptly; closure itself may
// be deferred by open transactions.
func (co *Coordinator) softClose(snapshot []*conn.Upgrade) {
	if len(snapshot) == 0 {
		return
	}

	var deadline time.Time
	if timeout, ok := co.timeout(); ok && timeout >= 0 {
		deadline = time.Now().Add(timeout)
	}
	co.logger.Info("soft closing upgraded connections",
		"count", len(snapshot),
		"deadline", deadline,
	)

	var wg sync.WaitGroup
	for _, u := range snapshot {
		wg.Add(1)
		go func(u *conn.Upgrade) {
			defer wg.Done()
			u.SoftClose(deadline)
		}(u)
	}
	wg.Wait()

	if co.observer != nil {
		co.observer.SoftClosed(len(snapshot))
	}
}

func (s *liveSet) snapshot() []*conn.Upgrade {
	out := make([]*conn.Upgrade, 0, len(s.members))
	for u := range s.members {
		out = append(out, u)
	}
	return out
}

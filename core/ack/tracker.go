// Package ack tracks outbound fragments awaiting acknowledgement at a
// session's originator, handling timeout detection and retry dispatch.
//
// This corresponds to the teacher's core/ack package, which tracks pending
// firmware ACKs by a 4-byte hash with timeout/retry/resend callbacks. The
// key is widened from a hash to an explicit (session, fragment index) pair
// since the spec's reliable endpoint already has that identity in hand and
// doesn't need a collision-prone hash. Unlike the firmware, which only
// ever hears about a dropped message through its own timeout, a simulated
// endpoint gets told directly when a route goes bad (a NACK arrives) — so
// Touch lets that event reset a fragment's clock instead of leaving the
// ticker as the only thing that ever decides a retry is due, and the
// per-attempt deadline backs off instead of repeating the same wait.
package ack

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/kabili207/meshcore-go/core"
)

const (
	// DefaultTimeout is the default time to wait for an ACK before retrying
	// or giving up.
	DefaultTimeout = 10 * time.Second

	// DefaultMaxRetries is the number of retry attempts after the initial
	// send (total attempts = 1 + MaxRetries).
	DefaultMaxRetries = 5

	checkInterval = 250 * time.Millisecond
)

// FragmentKey identifies one outbound fragment awaiting acknowledgement.
type FragmentKey struct {
	Session       core.SessionId
	FragmentIndex core.FragmentIndex
}

// Pending represents one outbound fragment awaiting acknowledgement.
type Pending struct {
	// OnTimeout is called when all retry attempts are exhausted without an
	// ACK. May be nil.
	OnTimeout func()

	// Resend is called for each retry attempt (best-path retransmission
	// happens here, driven by the caller). May be nil (no retries).
	Resend func()

	sentAt  time.Time
	retries int
}

// TrackerConfig configures a Tracker.
type TrackerConfig struct {
	// Timeout is the maximum time to wait for an ACK per attempt.
	// Default: 10 seconds.
	Timeout time.Duration

	// MaxRetries is the number of retry attempts after the initial send.
	// Default: 5.
	MaxRetries int

	// Logger for tracker events. Falls back to slog.Default() if nil.
	Logger *slog.Logger
}

// Tracker tracks pending per-fragment ACKs and drives timeout/retry.
type Tracker struct {
	cfg    TrackerConfig
	log    *slog.Logger
	mu     sync.Mutex
	pending map[FragmentKey]*Pending
	cancel  context.CancelFunc

	nowFn func() time.Time // overridable for testing
}

// NewTracker creates an ACK tracker with the given configuration.
func NewTracker(cfg TrackerConfig) *Tracker {
	if cfg.Timeout <= 0 {
		cfg.Timeout = DefaultTimeout
	}
	if cfg.MaxRetries <= 0 {
		cfg.MaxRetries = DefaultMaxRetries
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Tracker{
		cfg:     cfg,
		log:     logger.WithGroup("ack"),
		pending: make(map[FragmentKey]*Pending),
		nowFn:   time.Now,
	}
}

// Track registers a pending ACK for key. A pre-existing entry for the same
// key is replaced without firing its callbacks.
func (t *Tracker) Track(key FragmentKey, pending Pending) {
	t.mu.Lock()
	defer t.mu.Unlock()
	pending.sentAt = t.nowFn()
	pending.retries = 0
	t.pending[key] = &pending
}

// Resolve marks key as acknowledged. Returns true if it was pending.
func (t *Tracker) Resolve(key FragmentKey) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	_, ok := t.pending[key]
	delete(t.pending, key)
	return ok
}

// Cancel removes a pending entry without calling any callbacks. Used when a
// session is abandoned outright (e.g. no alternative route exists after a
// flood).
func (t *Tracker) Cancel(key FragmentKey) {
	t.mu.Lock()
	defer t.mu.Unlock()
	delete(t.pending, key)
}

// Touch resets key's deadline to start counting again from now, without
// incrementing its retry count. The endpoint calls this after it has
// already retransmitted a fragment out of band — on receipt of a NACK that
// forced a route recalculation — so the timeout loop doesn't also fire a
// second, redundant retry moments later for an attempt that just went out.
// Returns false if key is not currently pending.
func (t *Tracker) Touch(key FragmentKey) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	p, ok := t.pending[key]
	if !ok {
		return false
	}
	p.sentAt = t.nowFn()
	return true
}

// PendingCount returns the number of fragments currently awaiting ACK.
func (t *Tracker) PendingCount() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.pending)
}

// Start begins the timeout check loop. Blocks until ctx is cancelled.
func (t *Tracker) Start(ctx context.Context) {
	ctx, cancel := context.WithCancel(ctx)
	t.mu.Lock()
	t.cancel = cancel
	t.mu.Unlock()

	ticker := time.NewTicker(checkInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			t.checkTimeouts()
		}
	}
}

// Stop cancels the tracker's timeout loop.
func (t *Tracker) Stop() {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.cancel != nil {
		t.cancel()
		t.cancel = nil
	}
}

// dueAction is what checkTimeouts decided to do about one expired entry,
// captured while the lock is held so the callback can run after it's
// released.
type dueAction struct {
	key   FragmentKey
	p     *Pending
	retry bool
}

// deadline returns how long this entry gets before its next check, backing
// off by one configured timeout per attempt already made so a fragment
// stuck behind a congested or recovering link isn't hammered at a fixed
// cadence.
func (p *Pending) deadline(base time.Duration) time.Duration {
	return base * time.Duration(p.retries+1)
}

func (t *Tracker) checkTimeouts() {
	t.mu.Lock()
	now := t.nowFn()

	due := make([]dueAction, 0)
	for key, p := range t.pending {
		if now.Sub(p.sentAt) < p.deadline(t.cfg.Timeout) {
			continue
		}
		if p.retries < t.cfg.MaxRetries && p.Resend != nil {
			p.retries++
			p.sentAt = now
			due = append(due, dueAction{key: key, p: p, retry: true})
			continue
		}
		due = append(due, dueAction{key: key, p: p, retry: false})
		delete(t.pending, key)
	}
	t.mu.Unlock()

	for _, a := range due {
		if a.retry {
			t.log.Debug("retrying fragment", "session", a.key.Session, "fragment", a.key.FragmentIndex, "attempt", a.p.retries)
			a.p.Resend()
			continue
		}
		t.log.Debug("fragment ack timed out", "session", a.key.Session, "fragment", a.key.FragmentIndex, "retries", a.p.retries)
		if a.p.OnTimeout != nil {
			a.p.OnTimeout()
		}
	}
}

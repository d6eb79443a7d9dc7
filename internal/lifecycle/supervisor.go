// Package lifecycle implements the Lifecycle Supervisor (C6): a single
// background task, grounded on the teacher's ticker-driven idle-detection
// loop, generalized from a single workspace's timer to a registry-wide
// sweep over every live session per SPEC_FULL.md §4.6.
package lifecycle

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/workspace/sandbox-executor/internal/sessionregistry"
)

// Prober performs one health probe against a session's backend. Sessions
// with no meaningful probe (e.g. the local backend, which owns no
// container) can be skipped by having the caller's Prober return nil
// unconditionally, or by omitting it entirely.
type Prober func(ctx context.Context, session sessionregistry.Session) error

// Config configures a Supervisor's sweep cadence and eviction thresholds.
type Config struct {
	IdleTimeout time.Duration
	// SweepInterval is the period between passes.
	SweepInterval time.Duration
	// DegradeAfter is the number of consecutive probe failures that force a
	// close, per SPEC_FULL.md §4.4's container state machine.
	DegradeAfter int
	// ProbeRatePerSecond caps how many health probes a single sweep issues
	// per second, so a backend that fails instantly (e.g. connection
	// refused) cannot turn a large session count into a hot loop against a
	// dead Docker daemon or network. Zero disables throttling.
	ProbeRatePerSecond float64
}

// Supervisor evicts idle sessions and reaps sessions whose backend has
// failed consecutive health probes. It holds no long-term locks of its
// own; every close it issues goes through the registry's per-session lock.
// The supervisor never creates sessions, only destroys them.
type Supervisor struct {
	registry *sessionregistry.Registry
	teardown sessionregistry.Teardown
	prober   Prober
	cfg      Config

	mu             sync.Mutex
	degradeStreaks map[string]int
	limiter        *rate.Limiter

	done chan struct{}
	wg   sync.WaitGroup
}

// New constructs a Supervisor. teardown is passed through to
// sessionregistry.Registry.Close on every eviction; prober may be nil, in
// which case only idle eviction runs (no health-degradation reaping).
func New(registry *sessionregistry.Registry, teardown sessionregistry.Teardown, prober Prober, cfg Config) *Supervisor {
	if cfg.DegradeAfter <= 0 {
		cfg.DegradeAfter = 3
	}
	var limiter *rate.Limiter
	if cfg.ProbeRatePerSecond > 0 {
		limiter = rate.NewLimiter(rate.Limit(cfg.ProbeRatePerSecond), 1)
	}
	return &Supervisor{
		registry:       registry,
		teardown:       teardown,
		prober:         prober,
		cfg:            cfg,
		degradeStreaks: make(map[string]int),
		limiter:        limiter,
		done:           make(chan struct{}),
	}
}

// Start runs the sweep loop until Stop is called or ctx is cancelled. Meant
// to be launched in its own goroutine by the composition root.
func (s *Supervisor) Start(ctx context.Context) {
	s.wg.Add(1)
	defer s.wg.Done()

	ticker := time.NewTicker(s.cfg.SweepInterval)
	defer ticker.Stop()

	for {
		select {
		case <-s.done:
			return
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.Sweep(ctx)
		}
	}
}

// Stop signals the sweep loop to exit and waits for the current pass, if
// any, to finish.
func (s *Supervisor) Stop() {
	select {
	case <-s.done:
	default:
		close(s.done)
	}
	s.wg.Wait()
}

// Sweep runs one pass synchronously. Exported so tests and callers that
// need a deterministic pass boundary don't have to wait on the ticker.
func (s *Supervisor) Sweep(ctx context.Context) {
	sessions := s.registry.List()

	var live, evicted, failed int
	now := time.Now().UTC()
	seen := make(map[string]struct{}, len(sessions))

	for _, session := range sessions {
		live++
		seen[session.ID] = struct{}{}

		active := session.Status == sessionregistry.StatusReady || session.Status == sessionregistry.StatusDegraded
		if !active {
			continue
		}

		if now.Sub(session.LastActivity) > s.cfg.IdleTimeout {
			if err := s.registry.Close(session.ID, "idle", s.teardown); err != nil {
				slog.Warn("lifecycle supervisor: idle close failed", "session_id", session.ID, "err", err)
				failed++
				continue
			}
			evicted++
			s.clearStreak(session.ID)
			continue
		}

		if s.prober == nil {
			continue
		}

		if s.limiter != nil {
			if err := s.limiter.Wait(ctx); err != nil {
				continue
			}
		}

		if err := s.prober(ctx, session); err != nil {
			streak := s.bumpStreak(session.ID)
			if streak == 1 {
				_ = s.registry.SetStatus(session.ID, sessionregistry.StatusDegraded)
			}
			if streak >= s.cfg.DegradeAfter {
				slog.Warn("lifecycle supervisor: session unhealthy across consecutive passes, closing",
					"session_id", session.ID, "streak", streak)
				if err := s.registry.Close(session.ID, "unhealthy", s.teardown); err != nil {
					failed++
				} else {
					evicted++
				}
				s.clearStreak(session.ID)
			}
			continue
		}

		if s.clearStreak(session.ID) > 0 {
			_ = s.registry.SetStatus(session.ID, sessionregistry.StatusReady)
		}
	}

	s.pruneStreaks(seen)
	slog.Info("lifecycle sweep complete", "live", live, "evicted", evicted, "failed", failed)
}

func (s *Supervisor) bumpStreak(id string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.degradeStreaks[id]++
	return s.degradeStreaks[id]
}

// clearStreak removes any tracked failure streak for id, returning the
// streak count that was cleared (0 if there was none).
func (s *Supervisor) clearStreak(id string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	prev := s.degradeStreaks[id]
	delete(s.degradeStreaks, id)
	return prev
}

func (s *Supervisor) pruneStreaks(seen map[string]struct{}) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for id := range s.degradeStreaks {
		if _, ok := seen[id]; !ok {
			delete(s.degradeStreaks, id)
		}
	}
}

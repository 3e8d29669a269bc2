// Package engine drives session lifecycles: claim, backend creation,
// readiness, termination. All state transitions go through here, and
// transitions for one session are strictly serialized.
package engine

import (
	"context"
	"errors"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/EndangeredF1sh/vlabcontroller/internal/backend"
	"github.com/EndangeredF1sh/vlabcontroller/internal/config"
	"github.com/EndangeredF1sh/vlabcontroller/internal/metrics"
	"github.com/EndangeredF1sh/vlabcontroller/internal/session"
	"github.com/EndangeredF1sh/vlabcontroller/internal/spec"
	"github.com/EndangeredF1sh/vlabcontroller/internal/stats"
)

// ErrNotReady is returned by WaitReady when the session does not reach
// Running before the deadline. Callers surface it as retryable
// unavailability, not an opaque failure.
var ErrNotReady = errors.New("session not ready")

// ErrProvisioningFailed wraps the recorded failure reason of a session
// that reached Failed.
var ErrProvisioningFailed = errors.New("session provisioning failed")

type Engine struct {
	store   *session.Store
	backend backend.Backend
	stats   stats.Collector

	// baseCtx outlives individual requests: a provisioning run started
	// by a request keeps going if the client disconnects, so the next
	// request finds a Running session instead of a half-built one.
	baseCtx context.Context
	cancel  context.CancelFunc
	wg      sync.WaitGroup

	mu    sync.Mutex
	locks map[string]*sync.Mutex
}

func New(store *session.Store, be backend.Backend, collector stats.Collector) *Engine {
	ctx, cancel := context.WithCancel(context.Background())
	return &Engine{
		store:   store,
		backend: be,
		stats:   collector,
		baseCtx: ctx,
		cancel:  cancel,
		locks:   map[string]*sync.Mutex{},
	}
}

// lock returns the mutex serializing transitions for one session.
func (e *Engine) lock(sessionID string) *sync.Mutex {
	e.mu.Lock()
	defer e.mu.Unlock()
	lk, ok := e.locks[sessionID]
	if !ok {
		lk = &sync.Mutex{}
		e.locks[sessionID] = lk
	}
	return lk
}

func (e *Engine) dropLock(sessionID string) {
	e.mu.Lock()
	delete(e.locks, sessionID)
	e.mu.Unlock()
}

// Acquire returns the live session for (owner, spec), claiming and
// provisioning a new one when none exists. When two requests race,
// exactly one wins the claim and triggers creation; the loser receives
// the winner's session. Acquire does not wait for readiness; callers
// follow up with WaitReady.
func (e *Engine) Acquire(ctx context.Context, owner string, groups []string, spc spec.ProxySpec) (*session.Session, error) {
	sess, created, err := e.store.Claim(ctx, owner, spc.ID, groups)
	if err != nil {
		return nil, err
	}
	if created {
		log.Printf("Session %s claimed [user: %s] [spec: %s]", sess.ID, owner, spc.ID)
		e.wg.Add(1)
		go func() {
			defer e.wg.Done()
			e.provision(spc, sess.ID)
		}()
	}
	return sess, nil
}

// WaitReady blocks until the session is Running, has failed, or ctx
// expires. It polls the store rather than process-local channels so
// waiting works even when another controller instance provisions.
func (e *Engine) WaitReady(ctx context.Context, sessionID string) (*session.Session, error) {
	ticker := time.NewTicker(config.Cfg.ReadinessPoll)
	defer ticker.Stop()

	for {
		// The local cache is updated on every transition this instance
		// performs, so a same-instance wait usually resolves without a
		// round trip. The authoritative read covers the other instances.
		sess, ok := e.store.Cached(sessionID)
		if !ok || sess.State == session.StateClaiming || sess.State == session.StateStarting {
			var err error
			sess, err = e.store.Get(ctx, sessionID)
			if err != nil {
				return nil, err
			}
		}
		switch sess.State {
		case session.StateRunning:
			return sess, nil
		case session.StateFailed, session.StateStopping, session.StateStopped:
			reason := sess.FailureReason
			if reason == "" {
				reason = "session terminated"
			}
			return sess, fmt.Errorf("%w: %s", ErrProvisioningFailed, reason)
		}

		select {
		case <-ctx.Done():
			return sess, fmt.Errorf("%w: session %s still %s", ErrNotReady, sessionID, sess.State)
		case <-ticker.C:
		}
	}
}

// provision runs the Claiming → Starting → Running path for a freshly
// claimed session, and the cleanup path when any step fails.
func (e *Engine) provision(spc spec.ProxySpec, sessionID string) {
	lk := e.lock(sessionID)
	lk.Lock()
	defer lk.Unlock()

	sess, err := e.store.Get(e.baseCtx, sessionID)
	if err != nil {
		log.Printf("Provision %s: %v", sessionID, err)
		return
	}
	if sess.State != session.StateClaiming {
		return
	}
	claimedAt := sess.CreatedAt

	unit := backend.UnitSpec{
		SessionID:      sessionID,
		Owner:          sess.Owner,
		SpecID:         spc.ID,
		ContainerImage: spc.ContainerImage,
		Port:           spc.Port,
		CPURequest:     spc.CPURequest,
		CPULimit:       spc.CPULimit,
		MemoryRequest:  spc.MemoryRequest,
		MemoryLimit:    spc.MemoryLimit,
		Environment:    spc.Environment,
	}

	ref, err := e.createWithRetry(e.baseCtx, unit)
	if err != nil {
		e.failLocked(sessionID, spc.ID, sess.Owner, fmt.Sprintf("backend creation failed: %v", err), "create")
		return
	}

	// BackendRef is set exactly once, entering Starting.
	if _, err := e.store.Transition(e.baseCtx, sessionID, session.StateStarting, func(s *session.Session) {
		s.BackendRef = ref
	}); err != nil {
		log.Printf("Session %s: %v", sessionID, err)
		return
	}
	log.Printf("Session %s starting [unit: %s]", sessionID, ref)

	endpoint, err := e.awaitReadiness(sessionID, ref, spc.ReadinessTimeout)
	if err != nil {
		e.failLocked(sessionID, spc.ID, sess.Owner, err.Error(), "readiness")
		return
	}

	now := time.Now().UTC()
	if _, err := e.store.Transition(e.baseCtx, sessionID, session.StateRunning, func(s *session.Session) {
		s.Endpoint = endpoint
		s.StartedAt = now
	}); err != nil {
		log.Printf("Session %s: %v", sessionID, err)
		return
	}

	startup := now.Sub(claimedAt)
	metrics.SessionStarts.WithLabelValues(spc.ID).Inc()
	metrics.ProvisioningLatency.WithLabelValues(spc.ID).Observe(startup.Seconds())
	e.stats.SessionStarted(sessionID, sess.Owner, spc.ID)
	log.Printf("Session %s running [endpoint: %s] [startup: %s]", sessionID, endpoint, startup.Round(time.Millisecond))
}

// createWithRetry calls CreateUnit with bounded exponential backoff.
// Transient errors are retried; permanent ones surface immediately.
// CreateUnit itself is idempotent under the session key, so a retry
// after a timed-out call cannot produce a duplicate unit.
func (e *Engine) createWithRetry(ctx context.Context, unit backend.UnitSpec) (string, error) {
	backoff := config.Cfg.CreateBackoff
	var lastErr error

	for attempt := 0; attempt < config.Cfg.CreateRetries; attempt++ {
		if attempt > 0 {
			select {
			case <-ctx.Done():
				return "", ctx.Err()
			case <-time.After(backoff):
			}
			backoff *= 2
		}

		callCtx, cancel := context.WithTimeout(ctx, config.Cfg.BackendCallTimeout)
		ref, err := e.backend.CreateUnit(callCtx, unit)
		cancel()
		if err == nil {
			return ref, nil
		}
		if backend.IsPermanent(err) {
			return "", err
		}
		lastErr = err
		log.Printf("Session %s: transient create error (attempt %d/%d): %v",
			unit.SessionID, attempt+1, config.Cfg.CreateRetries, err)
	}

	return "", fmt.Errorf("create unit: retries exhausted: %w", lastErr)
}

// awaitReadiness polls the backend until the unit is Ready with an
// endpoint, or the readiness timeout elapses.
func (e *Engine) awaitReadiness(sessionID, ref string, timeout time.Duration) (string, error) {
	deadline := time.Now().Add(timeout)

	for {
		callCtx, cancel := context.WithTimeout(e.baseCtx, config.Cfg.BackendCallTimeout)
		status, err := e.backend.GetStatus(callCtx, ref)
		cancel()

		switch {
		case err != nil && backend.IsPermanent(err):
			return "", fmt.Errorf("backend status: %v", err)
		case err != nil:
			// transient; keep polling until the deadline
		case status == backend.StatusFailed:
			return "", fmt.Errorf("backend unit failed to start")
		case status == backend.StatusGone:
			return "", fmt.Errorf("backend unit disappeared during startup")
		case status == backend.StatusReady:
			callCtx, cancel := context.WithTimeout(e.baseCtx, config.Cfg.BackendCallTimeout)
			endpoint, err := e.backend.GetEndpoint(callCtx, ref)
			cancel()
			if err == nil {
				return endpoint, nil
			}
			if !errors.Is(err, backend.ErrNoEndpoint) && backend.IsPermanent(err) {
				return "", fmt.Errorf("backend endpoint: %v", err)
			}
			// ready but endpoint not routable yet; keep polling
		}

		if time.Now().After(deadline) {
			return "", fmt.Errorf("readiness timeout after %s [session: %s]", timeout, sessionID)
		}

		select {
		case <-e.baseCtx.Done():
			return "", e.baseCtx.Err()
		case <-time.After(config.Cfg.ReadinessPoll):
		}
	}
}

// failLocked records the failure and immediately runs the cleanup path.
// Failed sessions always proceed to Stopping; nothing dangles.
// Caller must hold the session lock.
func (e *Engine) failLocked(sessionID, specID, owner, reason, cause string) {
	log.Printf("Session %s failed: %s", sessionID, reason)
	metrics.SessionFailures.WithLabelValues(specID, cause).Inc()

	// Cleanup must complete even when the engine context is already
	// canceled during shutdown.
	if _, err := e.store.Update(context.Background(), sessionID, func(s *session.Session) error {
		if !s.State.CanTransition(session.StateFailed) {
			return fmt.Errorf("%w: %s → %s", session.ErrInvalidTransition, s.State, session.StateFailed)
		}
		s.State = session.StateFailed
		s.FailureReason = reason
		return nil
	}); err != nil {
		log.Printf("Session %s: %v", sessionID, err)
		return
	}

	e.stats.SessionFailed(sessionID, owner, specID, reason)
	e.teardownLocked(sessionID, "provisioning failed")
}

// Stop terminates a session: Running/Starting/Failed → Stopping →
// Stopped. Stopping an already-stopped session is a no-op. A session
// found in Stopping has its teardown resumed, so a crash between the
// Stopping and Stopped transitions never strands the backend unit.
func (e *Engine) Stop(ctx context.Context, sessionID, reason string) error {
	lk := e.lock(sessionID)
	lk.Lock()
	defer lk.Unlock()

	sess, err := e.store.Get(ctx, sessionID)
	if err != nil {
		return err
	}
	if sess.State == session.StateStopped {
		return nil
	}
	return e.teardownLocked(sessionID, reason)
}

// teardownLocked drives any non-terminal session to Stopped and
// deletes its backend unit. DeleteUnit is idempotent: an already-gone
// unit is success. Caller must hold the session lock.
func (e *Engine) teardownLocked(sessionID, reason string) error {
	// Teardown runs on its own context so shutdown cancellation cannot
	// strand a half-stopped session.
	ctx := context.Background()
	sess, err := e.store.Get(ctx, sessionID)
	if err != nil {
		return err
	}
	if sess.State == session.StateStopping {
		// Resuming a teardown a previous instance never finished. The
		// recorded reason wins over whatever prompted the resume.
		if sess.StopReason != "" {
			reason = sess.StopReason
		}
	} else {
		sess, err = e.store.Transition(ctx, sessionID, session.StateStopping, func(s *session.Session) {
			s.StopReason = reason
		})
		if err != nil {
			return err
		}
	}
	// The claim slot frees as soon as draining starts, so a new
	// session can be claimed while this one tears down.
	e.store.ReleaseClaim(ctx, sess)

	if sess.BackendRef != "" {
		backoff := config.Cfg.CreateBackoff
		for attempt := 0; attempt < config.Cfg.CreateRetries; attempt++ {
			callCtx, cancel := context.WithTimeout(ctx, config.Cfg.BackendCallTimeout)
			err = e.backend.DeleteUnit(callCtx, sess.BackendRef)
			cancel()
			if err == nil || backend.IsPermanent(err) {
				break
			}
			log.Printf("Session %s: transient delete error: %v", sessionID, err)
			time.Sleep(backoff)
			backoff *= 2
		}
		if err != nil {
			// The reaper will find the orphaned unit by label later.
			log.Printf("Session %s: delete unit %s: %v", sessionID, sess.BackendRef, err)
		}
	}

	now := time.Now().UTC()
	final, err := e.store.Transition(ctx, sessionID, session.StateStopped, func(s *session.Session) {
		s.StoppedAt = now
	})
	if err != nil {
		return err
	}

	usage := time.Duration(0)
	if !final.StartedAt.IsZero() {
		usage = now.Sub(final.StartedAt)
	}
	e.stats.SessionStopped(sessionID, final.Owner, final.SpecID, reason, usage)
	e.store.Finalize(ctx, final)
	e.dropLock(sessionID)
	log.Printf("Session %s stopped [reason: %s] [usage: %s]", sessionID, reason, usage.Round(time.Second))
	return nil
}

// Drain stops every live session and waits for in-flight provisioning
// to settle. Called on shutdown.
func (e *Engine) Drain(ctx context.Context) {
	e.cancel()
	e.wg.Wait()

	sessions, err := e.store.ListActive(context.Background())
	if err != nil {
		log.Printf("Drain: %v", err)
		return
	}
	for _, sess := range sessions {
		if !sess.State.Terminal() {
			if err := e.Stop(context.Background(), sess.ID, "controller shutdown"); err != nil {
				log.Printf("Drain session %s: %v", sess.ID, err)
			}
		}
	}
}

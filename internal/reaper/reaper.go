// Package reaper periodically reconciles session state with reality:
// idle sessions, expired sessions, sessions whose backend unit died or
// vanished, and orphaned backend units left behind by a crash.
package reaper

import (
	"context"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/EndangeredF1sh/vlabcontroller/internal/backend"
	"github.com/EndangeredF1sh/vlabcontroller/internal/config"
	"github.com/EndangeredF1sh/vlabcontroller/internal/engine"
	"github.com/EndangeredF1sh/vlabcontroller/internal/metrics"
	"github.com/EndangeredF1sh/vlabcontroller/internal/session"
	"github.com/EndangeredF1sh/vlabcontroller/internal/spec"
)

type Reaper struct {
	store    *session.Store
	engine   *engine.Engine
	backend  backend.Backend
	registry *spec.Registry
	cron     *cron.Cron
	running  sync.Mutex
}

func New(store *session.Store, eng *engine.Engine, be backend.Backend, registry *spec.Registry) *Reaper {
	return &Reaper{
		store:    store,
		engine:   eng,
		backend:  be,
		registry: registry,
		cron:     cron.New(),
	}
}

// Start schedules reap cycles at the configured interval.
func (r *Reaper) Start() error {
	schedule := fmt.Sprintf("@every %s", config.Cfg.ReaperInterval)
	if _, err := r.cron.AddFunc(schedule, r.Cycle); err != nil {
		return fmt.Errorf("schedule reaper: %w", err)
	}
	r.cron.Start()
	log.Printf("Reaper scheduled [interval: %s] [workers: %d]",
		config.Cfg.ReaperInterval, config.Cfg.ReaperWorkers)
	return nil
}

// Stop waits for an in-flight cycle to finish.
func (r *Reaper) Stop() {
	ctx := r.cron.Stop()
	<-ctx.Done()
	r.running.Lock()
	r.running.Unlock()
}

// Cycle examines every tracked session once and sweeps orphaned backend
// units. Overlapping cycles are collapsed: if the previous one is still
// running, this tick is skipped.
func (r *Reaper) Cycle() {
	if !r.running.TryLock() {
		return
	}
	defer r.running.Unlock()

	ctx := context.Background()
	sessions, err := r.store.ListActive(ctx)
	if err != nil {
		log.Printf("Reaper: list sessions: %v", err)
		return
	}
	r.reportStates(sessions)

	jobs := make(chan *session.Session)
	var wg sync.WaitGroup
	for i := 0; i < config.Cfg.ReaperWorkers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for sess := range jobs {
				r.inspect(ctx, sess)
			}
		}()
	}
	for _, sess := range sessions {
		jobs <- sess
	}
	close(jobs)
	wg.Wait()

	r.sweepOrphans(ctx)
}

func (r *Reaper) reportStates(sessions []*session.Session) {
	counts := map[session.State]int{}
	for _, sess := range sessions {
		counts[sess.State]++
	}
	for _, state := range []session.State{
		session.StateClaiming, session.StateStarting, session.StateRunning,
		session.StateStopping, session.StateFailed,
	} {
		metrics.SessionsByState.WithLabelValues(string(state)).Set(float64(counts[state]))
	}
}

// inspect decides whether one session should be reaped, and why.
func (r *Reaper) inspect(ctx context.Context, sess *session.Session) {
	now := time.Now().UTC()
	spc, specKnown := r.resolveSpec(sess.SpecID)

	switch sess.State {
	case session.StateFailed:
		// Failed sessions normally self-heal; this catches ones
		// orphaned by a controller crash mid-cleanup.
		r.reap(ctx, sess, "failed")
		return

	case session.StateClaiming, session.StateStarting:
		// Provisioning that outlived its readiness window by a full
		// reap interval belongs to a dead controller instance.
		window := r.readinessWindow(spc, specKnown) + config.Cfg.ReaperInterval
		if now.Sub(sess.CreatedAt) > window {
			r.reap(ctx, sess, "stuck_provisioning")
		}
		return

	case session.StateStopping:
		// A teardown interrupted by a crash stays Stopping forever.
		// Stop resumes it from where the dead instance left off.
		r.reap(ctx, sess, "stuck_stopping")
		return

	case session.StateRunning:
		// fall through

	default:
		return
	}

	if sess.BackendRef != "" {
		callCtx, cancel := context.WithTimeout(ctx, config.Cfg.BackendCallTimeout)
		status, err := r.backend.GetStatus(callCtx, sess.BackendRef)
		cancel()
		if err != nil {
			log.Printf("Reaper: status of %s: %v", sess.ID, err)
		} else if status == backend.StatusGone {
			r.reap(ctx, sess, "backend_gone")
			return
		} else if status == backend.StatusFailed {
			r.reap(ctx, sess, "backend_failed")
			return
		}
	}

	if !specKnown {
		// Spec removed from the registry while the session ran; the
		// session keeps running under controller-wide timeouts.
		log.Printf("Reaper: session %s references unknown spec %s", sess.ID, sess.SpecID)
	}

	if idle := r.idleTimeout(spc, specKnown); idle > 0 {
		if now.Sub(sess.LastActivityAt) > idle {
			r.reap(ctx, sess, "idle")
			return
		}
	}

	if lifetime := r.maxLifetime(spc, specKnown); lifetime > 0 && !sess.StartedAt.IsZero() {
		if now.Sub(sess.StartedAt) > lifetime {
			r.reap(ctx, sess, "expired")
		}
	}
}

func (r *Reaper) reap(ctx context.Context, sess *session.Session, cause string) {
	log.Printf("Reaping session %s [cause: %s] [user: %s] [spec: %s]",
		sess.ID, cause, sess.Owner, sess.SpecID)
	if err := r.engine.Stop(ctx, sess.ID, cause); err != nil {
		log.Printf("Reaper: stop %s: %v", sess.ID, err)
		return
	}
	metrics.SessionsReaped.WithLabelValues(cause).Inc()
}

// sweepOrphans deletes managed backend units no live session refers to.
func (r *Reaper) sweepOrphans(ctx context.Context) {
	callCtx, cancel := context.WithTimeout(ctx, config.Cfg.BackendCallTimeout)
	refs, err := r.backend.ListUnits(callCtx, "")
	cancel()
	if err != nil {
		log.Printf("Reaper: list units: %v", err)
		return
	}

	// The session list is taken after the unit list. Any unit created
	// concurrently belongs to a session that already exists here, so
	// nothing fresh can be mistaken for an orphan.
	sessions, err := r.store.ListActive(ctx)
	if err != nil {
		log.Printf("Reaper: list sessions: %v", err)
		return
	}

	tracked := make(map[string]struct{}, len(sessions))
	for _, sess := range sessions {
		if sess.State.Terminal() {
			continue
		}
		if sess.BackendRef == "" {
			// A session mid-creation may own a unit not yet recorded.
			// Skip the sweep rather than guess which unit is whose.
			return
		}
		tracked[sess.BackendRef] = struct{}{}
	}

	for _, ref := range refs {
		if _, ok := tracked[ref]; ok {
			continue
		}
		log.Printf("Reaper: deleting orphaned unit %s", ref)
		callCtx, cancel := context.WithTimeout(ctx, config.Cfg.BackendCallTimeout)
		err := r.backend.DeleteUnit(callCtx, ref)
		cancel()
		if err != nil {
			log.Printf("Reaper: delete orphan %s: %v", ref, err)
			continue
		}
		metrics.SessionsReaped.WithLabelValues("orphan").Inc()
	}
}

func (r *Reaper) resolveSpec(specID string) (spec.ProxySpec, bool) {
	spc, err := r.registry.Resolve(specID)
	return spc, err == nil
}

func (r *Reaper) idleTimeout(spc spec.ProxySpec, known bool) time.Duration {
	if known && spc.IdleTimeout > 0 {
		return spc.IdleTimeout
	}
	return config.Cfg.IdleTimeout
}

func (r *Reaper) maxLifetime(spc spec.ProxySpec, known bool) time.Duration {
	if known && spc.MaxLifetime > 0 {
		return spc.MaxLifetime
	}
	return config.Cfg.MaxLifetime
}

func (r *Reaper) readinessWindow(spc spec.ProxySpec, known bool) time.Duration {
	if known && spc.ReadinessTimeout > 0 {
		return spc.ReadinessTimeout
	}
	return config.Cfg.ReadinessTimeout
}

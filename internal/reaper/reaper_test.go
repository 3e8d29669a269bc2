package reaper

import (
	"context"
	"strconv"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"

	"github.com/EndangeredF1sh/vlabcontroller/internal/backend"
	"github.com/EndangeredF1sh/vlabcontroller/internal/config"
	"github.com/EndangeredF1sh/vlabcontroller/internal/engine"
	"github.com/EndangeredF1sh/vlabcontroller/internal/session"
	"github.com/EndangeredF1sh/vlabcontroller/internal/spec"
	"github.com/EndangeredF1sh/vlabcontroller/internal/stats"
)

// staticBackend serves a fixed fleet of always-ready units.
type staticBackend struct {
	units   map[string]string // ref → sessionID
	status  map[string]backend.Status
	deleted []string
}

func newStaticBackend() *staticBackend {
	return &staticBackend{units: map[string]string{}, status: map[string]backend.Status{}}
}

func (b *staticBackend) Initialize(ctx context.Context) error { return nil }
func (b *staticBackend) IsAvailable(ctx context.Context) bool { return true }
func (b *staticBackend) Name() string                         { return "static" }

func (b *staticBackend) CreateUnit(ctx context.Context, unit backend.UnitSpec) (string, error) {
	ref := "vlab-" + unit.SessionID
	b.units[ref] = unit.SessionID
	return ref, nil
}

func (b *staticBackend) GetStatus(ctx context.Context, ref string) (backend.Status, error) {
	if st, ok := b.status[ref]; ok {
		return st, nil
	}
	if _, ok := b.units[ref]; !ok {
		return backend.StatusGone, nil
	}
	return backend.StatusReady, nil
}

func (b *staticBackend) GetEndpoint(ctx context.Context, ref string) (string, error) {
	return "10.0.0.1:8080", nil
}

func (b *staticBackend) DeleteUnit(ctx context.Context, ref string) error {
	b.deleted = append(b.deleted, ref)
	delete(b.units, ref)
	return nil
}

func (b *staticBackend) ListUnits(ctx context.Context, sessionID string) ([]string, error) {
	var refs []string
	for ref, sid := range b.units {
		if sessionID == "" || sid == sessionID {
			refs = append(refs, ref)
		}
	}
	return refs, nil
}

func testSpec(idle time.Duration) spec.ProxySpec {
	return spec.ProxySpec{
		ID:               "rstudio",
		ContainerImage:   "vlab/rstudio:latest",
		Port:             8787,
		IdleTimeout:      idle,
		ReadinessTimeout: 2 * time.Second,
	}
}

func newTestReaper(t *testing.T, specs ...spec.ProxySpec) (*Reaper, *session.Store, *engine.Engine, *staticBackend, redis.UniversalClient) {
	t.Helper()
	config.Cfg.ReadinessPoll = 5 * time.Millisecond
	config.Cfg.ReadinessTimeout = 2 * time.Second
	config.Cfg.BackendCallTimeout = time.Second
	config.Cfg.CreateRetries = 2
	config.Cfg.CreateBackoff = 5 * time.Millisecond
	config.Cfg.IdleTimeout = 30 * time.Minute
	config.Cfg.MaxLifetime = 0
	config.Cfg.ReaperInterval = 30 * time.Second
	config.Cfg.ReaperWorkers = 2

	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { rdb.Close() })

	store := session.NewStore(rdb, time.Hour)
	be := newStaticBackend()
	eng := engine.New(store, be, stats.Nop{})
	registry := spec.NewStaticRegistry(specs...)
	return New(store, eng, be, registry), store, eng, be, rdb
}

func startRunning(t *testing.T, eng *engine.Engine, store *session.Store, spc spec.ProxySpec, owner string) *session.Session {
	t.Helper()
	sess, err := eng.Acquire(context.Background(), owner, nil, spc)
	if err != nil {
		t.Fatalf("acquire: %v", err)
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	ready, err := eng.WaitReady(ctx, sess.ID)
	if err != nil {
		t.Fatalf("wait ready: %v", err)
	}
	return ready
}

// backdate rewrites the activity key to a point in the past.
func backdate(t *testing.T, rdb redis.UniversalClient, sessionID string, age time.Duration) {
	t.Helper()
	nanos := time.Now().UTC().Add(-age).UnixNano()
	if err := rdb.Set(context.Background(), "vlab:activity:"+sessionID, strconv.FormatInt(nanos, 10), 0).Err(); err != nil {
		t.Fatalf("backdate: %v", err)
	}
}

func TestCycle_ReapsIdleSession(t *testing.T) {
	spc := testSpec(10 * time.Minute)
	rp, store, eng, _, rdb := newTestReaper(t, spc)

	sess := startRunning(t, eng, store, spc, "alice")
	backdate(t, rdb, sess.ID, time.Hour)

	rp.Cycle()

	final, err := store.Get(context.Background(), sess.ID)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if final.State != session.StateStopped {
		t.Errorf("idle session not reaped: %s", final.State)
	}
	if final.StopReason != "idle" {
		t.Errorf("expected idle stop reason, got %q", final.StopReason)
	}
}

func TestCycle_KeepsActiveSession(t *testing.T) {
	spc := testSpec(10 * time.Minute)
	rp, store, eng, _, _ := newTestReaper(t, spc)

	sess := startRunning(t, eng, store, spc, "alice")
	store.Touch(context.Background(), sess.ID)

	rp.Cycle()

	got, err := store.Get(context.Background(), sess.ID)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if got.State != session.StateRunning {
		t.Errorf("active session must survive the cycle, got %s", got.State)
	}
}

func TestCycle_SpecIdleOverridesDefault(t *testing.T) {
	// Controller default is 30m; the spec allows only one minute.
	spc := testSpec(time.Minute)
	rp, store, eng, _, rdb := newTestReaper(t, spc)

	sess := startRunning(t, eng, store, spc, "alice")
	backdate(t, rdb, sess.ID, 5*time.Minute)

	rp.Cycle()

	final, _ := store.Get(context.Background(), sess.ID)
	if final.State != session.StateStopped {
		t.Errorf("expected the tighter spec timeout to win, got %s", final.State)
	}
}

func TestCycle_ReapsSessionWhoseBackendDied(t *testing.T) {
	spc := testSpec(time.Hour)
	rp, store, eng, be, _ := newTestReaper(t, spc)

	sess := startRunning(t, eng, store, spc, "alice")
	be.status[sess.BackendRef] = backend.StatusFailed

	rp.Cycle()

	final, _ := store.Get(context.Background(), sess.ID)
	if final.State != session.StateStopped {
		t.Errorf("session with a dead backend not reaped: %s", final.State)
	}
	if final.StopReason != "backend_failed" {
		t.Errorf("expected backend_failed, got %q", final.StopReason)
	}
}

func TestCycle_ReapsSessionWhoseBackendVanished(t *testing.T) {
	spc := testSpec(time.Hour)
	rp, store, eng, be, _ := newTestReaper(t, spc)

	sess := startRunning(t, eng, store, spc, "alice")
	delete(be.units, sess.BackendRef)

	rp.Cycle()

	final, _ := store.Get(context.Background(), sess.ID)
	if final.State != session.StateStopped {
		t.Errorf("session with a vanished backend not reaped: %s", final.State)
	}
	if final.StopReason != "backend_gone" {
		t.Errorf("expected backend_gone, got %q", final.StopReason)
	}
}

func TestCycle_ReapsExpiredLifetime(t *testing.T) {
	spc := testSpec(time.Hour)
	spc.MaxLifetime = 10 * time.Minute
	rp, store, eng, _, _ := newTestReaper(t, spc)

	sess := startRunning(t, eng, store, spc, "alice")

	// Age the session past its lifetime without touching activity.
	_, err := store.Update(context.Background(), sess.ID, func(s *session.Session) error {
		s.StartedAt = time.Now().UTC().Add(-time.Hour)
		return nil
	})
	if err != nil {
		t.Fatalf("update: %v", err)
	}

	rp.Cycle()

	final, _ := store.Get(context.Background(), sess.ID)
	if final.State != session.StateStopped {
		t.Errorf("expired session not reaped: %s", final.State)
	}
	if final.StopReason != "expired" {
		t.Errorf("expected expired, got %q", final.StopReason)
	}
}

func TestCycle_FinishesInterruptedTeardown(t *testing.T) {
	spc := testSpec(time.Hour)
	rp, store, eng, be, _ := newTestReaper(t, spc)

	sess := startRunning(t, eng, store, spc, "alice")

	// A crash between the Stopping and Stopped transitions leaves the
	// record mid-teardown with its unit still allocated.
	_, err := store.Transition(context.Background(), sess.ID, session.StateStopping, func(s *session.Session) {
		s.StopReason = "idle"
	})
	if err != nil {
		t.Fatalf("transition: %v", err)
	}

	rp.Cycle()

	final, err := store.Get(context.Background(), sess.ID)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if final.State != session.StateStopped {
		t.Errorf("interrupted teardown not finished: %s", final.State)
	}
	if final.StopReason != "idle" {
		t.Errorf("original stop reason must survive the resume, got %q", final.StopReason)
	}
	if _, ok := be.units[sess.BackendRef]; ok {
		t.Error("backend unit still exists after the cycle")
	}
}

func TestCycle_SweepsOrphanedUnits(t *testing.T) {
	spc := testSpec(time.Hour)
	rp, store, eng, be, _ := newTestReaper(t, spc)

	sess := startRunning(t, eng, store, spc, "alice")
	be.units["vlab-orphan"] = "orphan-session"

	rp.Cycle()

	if _, ok := be.units["vlab-orphan"]; ok {
		t.Error("orphaned unit not swept")
	}
	if _, ok := be.units[sess.BackendRef]; !ok {
		t.Error("tracked unit must survive the sweep")
	}
}

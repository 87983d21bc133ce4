package service

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/luma-run/proxyfleet/accesscontrol"
	"github.com/luma-run/proxyfleet/mapping"
	"github.com/luma-run/proxyfleet/ports"
	"github.com/luma-run/proxyfleet/proxylock"
	"github.com/luma-run/proxyfleet/proxytype"
	"github.com/luma-run/proxyfleet/runtimevalue"
	"github.com/luma-run/proxyfleet/specresolver"
	"github.com/luma-run/proxyfleet/store"
)

// fakeBackend is a scriptable ports.ContainerBackend.
type fakeBackend struct {
	startErr    error
	pauseErr    error
	resumeErr   error
	supportsPause bool

	mu      sync.Mutex
	stopped []string
}

func (b *fakeBackend) SupportsPause() bool { return b.supportsPause }

func (b *fakeBackend) AddRuntimeValuesBeforeSpel(_ context.Context, p proxytype.Proxy, _ proxytype.ProxySpec) (proxytype.Proxy, error) {
	return p, nil
}

func (b *fakeBackend) StartProxy(_ context.Context, p proxytype.Proxy, spec proxytype.ProxySpec) (proxytype.Proxy, error) {
	if b.startErr != nil {
		return proxytype.Proxy{}, proxytype.NewProxyFailedToStartError(p, b.startErr)
	}
	targets := map[string]string{"web": "http://127.0.0.1:9000"}
	return p.WithContainers([]proxytype.Container{{Index: 0, ID: "c-" + p.ID, Targets: targets}}), nil
}

func (b *fakeBackend) StopProxy(_ context.Context, p proxytype.Proxy) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.stopped = append(b.stopped, p.ID)
	return nil
}

func (b *fakeBackend) PauseProxy(_ context.Context, p proxytype.Proxy) (proxytype.Proxy, error) {
	if b.pauseErr != nil {
		return proxytype.Proxy{}, b.pauseErr
	}
	return p, nil
}

func (b *fakeBackend) ResumeProxy(_ context.Context, p proxytype.Proxy) (proxytype.Proxy, error) {
	if b.resumeErr != nil {
		return proxytype.Proxy{}, b.resumeErr
	}
	return p, nil
}

// fakeBus records every published event.
type fakeBus struct {
	mu     sync.Mutex
	events []ports.Event
}

func (b *fakeBus) Publish(e ports.Event) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.events = append(b.events, e)
}

func (b *fakeBus) Subscribe(fn func(ports.Event)) {}

func (b *fakeBus) count(match func(ports.Event) bool) int {
	b.mu.Lock()
	defer b.mu.Unlock()
	n := 0
	for _, e := range b.events {
		if match(e) {
			n++
		}
	}
	return n
}

type alwaysAuthBackend struct{ enforced bool }

func (a alwaysAuthBackend) EnforcesAuthorization() bool { return a.enforced }

type specLookup map[string]proxytype.ProxySpec

func (s specLookup) Get(id string) (proxytype.ProxySpec, bool) {
	sp, ok := s[id]
	return sp, ok
}

func testSpec(id string) proxytype.ProxySpec {
	return proxytype.ProxySpec{
		ID:             id,
		DisplayName:    id,
		ContainerSpecs: []proxytype.ContainerSpec{{Image: "example/web", Env: map[string]string{}, PortMappings: map[string]int{"web": 8080}}},
	}
}

func newHarness(t *testing.T, backend *fakeBackend, test ports.TestStrategy, authEnforced bool, restrictedSpec *proxytype.ProxySpec) (*ProxyService, *store.MemoryProxyStore, *fakeBus, specLookup) {
	t.Helper()

	specs := specLookup{}
	sp := testSpec("web")
	if restrictedSpec != nil {
		sp = *restrictedSpec
	}
	specs[sp.ID] = sp

	proxyStore := store.NewMemoryProxyStore()
	bus := &fakeBus{}
	access := accesscontrol.New(alwaysAuthBackend{enforced: authEnforced}, specs)

	svc := &ProxyService{
		Store:         proxyStore,
		Specs:         specs,
		Access:        access,
		Backend:       backend,
		RuntimeValues: runtimevalue.NewStaticService(),
		Resolver:      specresolver.NewTemplateResolver(),
		Test:          test,
		Routes:        mapping.NewManager(),
		Bus:           bus,
		Locks:         proxylock.NewRegistry(),
		Seats:         store.NewMemorySeatStore(),
		Delegates:     store.NewMemoryDelegateProxyStore(),
	}
	return svc, proxyStore, bus, specs
}

// S1: happy start reaches Up and is retrievable (invariant 1).
func TestStartProxy_HappyPathReachesUp(t *testing.T) {
	backend := &fakeBackend{supportsPause: true}
	svc, proxyStore, bus, specs := newHarness(t, backend, alwaysReady{}, true, nil)

	sp, _ := specs.Get("web")
	auth := &accesscontrol.Auth{UserID: "alice"}
	cmd, err := svc.StartProxy(context.Background(), auth, sp, "p1", StartOptions{})
	if err != nil {
		t.Fatalf("StartProxy: %v", err)
	}
	if err := cmd(context.Background()); err != nil {
		t.Fatalf("run command: %v", err)
	}

	p, ok, err := proxyStore.Get(context.Background(), "p1")
	if err != nil || !ok {
		t.Fatalf("proxy not found after start: ok=%v err=%v", ok, err)
	}
	if p.Status != proxytype.StatusUp {
		t.Fatalf("expected Up, got %s", p.Status)
	}
	if bus.count(func(e ports.Event) bool { _, ok := e.(ports.ProxyStartEvent); return ok }) != 1 {
		t.Fatalf("expected exactly one ProxyStartEvent")
	}
}

// S2: unauthorized caller is rejected before any store mutation (invariant 6).
func TestStartProxy_UnauthorizedRejected(t *testing.T) {
	restricted := testSpec("web")
	restricted.AccessControl = &proxytype.AccessControlSpec{Users: []string{"bob"}}
	backend := &fakeBackend{}
	svc, proxyStore, _, specs := newHarness(t, backend, alwaysReady{}, true, &restricted)

	sp, _ := specs.Get("web")
	auth := &accesscontrol.Auth{UserID: "alice"}
	_, err := svc.StartProxy(context.Background(), auth, sp, "p2", StartOptions{})
	if !errors.Is(err, proxytype.ErrAccessDenied) {
		t.Fatalf("expected ErrAccessDenied, got %v", err)
	}

	if _, ok, _ := proxyStore.Get(context.Background(), "p2"); ok {
		t.Fatalf("proxy must not exist in the store after a rejected start")
	}
}

// alwaysFail is a TestStrategy that always reports not-ready.
type alwaysFail struct{}

func (alwaysFail) TestProxy(context.Context, proxytype.Proxy) bool { return false }

// alwaysReady is a TestStrategy that always reports ready.
type alwaysReady struct{}

func (alwaysReady) TestProxy(context.Context, proxytype.Proxy) bool { return true }

// S3: a failed readiness probe leaves no store record and publishes exactly
// one ProxyStartFailedEvent (invariant 2).
func TestStartProxy_ProbeFailureRollsBack(t *testing.T) {
	backend := &fakeBackend{}
	svc, proxyStore, bus, specs := newHarness(t, backend, alwaysFail{}, true, nil)

	sp, _ := specs.Get("web")
	auth := &accesscontrol.Auth{UserID: "alice"}
	cmd, err := svc.StartProxy(context.Background(), auth, sp, "p3", StartOptions{})
	if err != nil {
		t.Fatalf("StartProxy: %v", err)
	}
	if err := cmd(context.Background()); err == nil {
		t.Fatalf("expected command to fail on unresponsive probe")
	}

	if _, ok, _ := proxyStore.Get(context.Background(), "p3"); ok {
		t.Fatalf("proxy must be removed from the store after a failed probe")
	}
	if got := bus.count(func(e ports.Event) bool { _, ok := e.(ports.ProxyStartFailedEvent); return ok }); got != 1 {
		t.Fatalf("expected exactly one ProxyStartFailedEvent, got %d", got)
	}
	backend.mu.Lock()
	stoppedCount := len(backend.stopped)
	backend.mu.Unlock()
	if stoppedCount == 0 {
		t.Fatalf("expected backend.StopProxy to be called during rollback")
	}
}

// S6: pause then resume preserves the proxy id and reaches Up again.
func TestPauseResume_PreservesProxyID(t *testing.T) {
	backend := &fakeBackend{supportsPause: true}
	svc, proxyStore, bus, specs := newHarness(t, backend, alwaysReady{}, true, nil)

	sp, _ := specs.Get("web")
	auth := &accesscontrol.Auth{UserID: "alice"}
	startCmd, err := svc.StartProxy(context.Background(), auth, sp, "p6", StartOptions{})
	if err != nil {
		t.Fatalf("StartProxy: %v", err)
	}
	if err := startCmd(context.Background()); err != nil {
		t.Fatalf("run start command: %v", err)
	}

	p, _, _ := proxyStore.Get(context.Background(), "p6")
	pauseCmd, err := svc.PauseProxy(context.Background(), auth, p, false)
	if err != nil {
		t.Fatalf("PauseProxy: %v", err)
	}
	if err := pauseCmd(context.Background()); err != nil {
		t.Fatalf("run pause command: %v", err)
	}

	paused, _, _ := proxyStore.Get(context.Background(), "p6")
	if paused.Status != proxytype.StatusPaused {
		t.Fatalf("expected Paused, got %s", paused.Status)
	}
	if paused.ID != "p6" {
		t.Fatalf("proxy id changed across pause: %s", paused.ID)
	}

	resumeCmd, err := svc.ResumeProxy(context.Background(), auth, paused, sp, StartOptions{}, false)
	if err != nil {
		t.Fatalf("ResumeProxy: %v", err)
	}
	if err := resumeCmd(context.Background()); err != nil {
		t.Fatalf("run resume command: %v", err)
	}

	resumed, ok, _ := proxyStore.Get(context.Background(), "p6")
	if !ok {
		t.Fatalf("proxy missing after resume")
	}
	if resumed.ID != "p6" {
		t.Fatalf("proxy id changed across resume: %s", resumed.ID)
	}
	if resumed.Status != proxytype.StatusUp {
		t.Fatalf("expected Up after resume, got %s", resumed.Status)
	}
	if bus.count(func(e ports.Event) bool { _, ok := e.(ports.ProxyResumeEvent); return ok }) != 1 {
		t.Fatalf("expected exactly one ProxyResumeEvent")
	}
}

// invariant 8: starting with the same proxy id twice must not produce two
// live records — the second Insert fails and StartProxy surfaces that error
// synchronously.
func TestStartProxy_IdempotentSameID(t *testing.T) {
	backend := &fakeBackend{}
	svc, _, _, specs := newHarness(t, backend, alwaysReady{}, true, nil)
	sp, _ := specs.Get("web")
	auth := &accesscontrol.Auth{UserID: "alice"}

	if _, err := svc.StartProxy(context.Background(), auth, sp, "dup", StartOptions{}); err != nil {
		t.Fatalf("first start: %v", err)
	}
	if _, err := svc.StartProxy(context.Background(), auth, sp, "dup", StartOptions{}); err == nil {
		t.Fatalf("expected second start with same id to fail")
	}
}

// invariant 3: stopProxy removes routes synchronously, before the Command
// even runs.
func TestStopProxy_UnregistersRoutesSynchronously(t *testing.T) {
	backend := &fakeBackend{}
	svc, proxyStore, _, specs := newHarness(t, backend, alwaysReady{}, true, nil)
	sp, _ := specs.Get("web")
	auth := &accesscontrol.Auth{UserID: "alice"}

	startCmd, err := svc.StartProxy(context.Background(), auth, sp, "p-stop", StartOptions{})
	if err != nil {
		t.Fatalf("StartProxy: %v", err)
	}
	if err := startCmd(context.Background()); err != nil {
		t.Fatalf("run start command: %v", err)
	}

	p, _, _ := proxyStore.Get(context.Background(), "p-stop")
	if err := svc.Routes.Register("web-should-not-exist", "http://127.0.0.1:1"); err != nil {
		t.Fatalf("seed unrelated route: %v", err)
	}

	stopCmd, err := svc.StopProxy(context.Background(), auth, p, false)
	if err != nil {
		t.Fatalf("StopProxy: %v", err)
	}

	if _, ok := svc.Routes.Resolve("web"); ok {
		t.Fatalf("route must be unregistered before the stop Command runs")
	}

	if err := stopCmd(context.Background()); err != nil {
		t.Fatalf("run stop command: %v", err)
	}
	time.Sleep(time.Millisecond)
}

// S4/S5: starting against a shared spec with a pre-warmed seat claims that
// seat through ProxyService.runClaimSeat end-to-end and publishes a
// SeatClaimedEvent, the signal pool.Scaler relies on to drain a pending
// claimant.
func TestStartProxy_SharedSpecClaimsSeatAndPublishesEvent(t *testing.T) {
	backend := &fakeBackend{}
	shared := testSpec("shared-web")
	shared.Sharing = &proxytype.ProxySharingSpecExtension{MinimumSeatsAvailable: 1, MaximumSeatsAvailable: 3}
	svc, proxyStore, bus, specs := newHarness(t, backend, alwaysReady{}, true, &shared)

	delegate := proxytype.DelegateProxy{
		Proxy: proxytype.Proxy{
			ID:         "delegate-1",
			TargetID:   "delegate-1",
			SpecID:     "shared-web",
			Status:     proxytype.StatusUp,
			Containers: []proxytype.Container{{Index: 0, ID: "c-delegate-1", Targets: map[string]string{"web": "http://127.0.0.1:9200"}}},
			Targets:    map[string]string{"web": "http://127.0.0.1:9200"},
		},
		SeatIDs: map[string]struct{}{"seat-1": {}},
	}
	if err := svc.Delegates.Insert(context.Background(), delegate); err != nil {
		t.Fatalf("seed delegate: %v", err)
	}
	if err := svc.Seats.Insert(context.Background(), "shared-web", proxytype.Seat{ID: "seat-1", DelegateProxyID: "delegate-1"}); err != nil {
		t.Fatalf("seed seat: %v", err)
	}

	sp, _ := specs.Get("shared-web")
	auth := &accesscontrol.Auth{UserID: "alice"}
	cmd, err := svc.StartProxy(context.Background(), auth, sp, "claimant-1", StartOptions{})
	if err != nil {
		t.Fatalf("StartProxy: %v", err)
	}
	if err := cmd(context.Background()); err != nil {
		t.Fatalf("run command: %v", err)
	}

	p, ok, err := proxyStore.Get(context.Background(), "claimant-1")
	if err != nil || !ok {
		t.Fatalf("claimant proxy not found: ok=%v err=%v", ok, err)
	}
	if p.Status != proxytype.StatusUp {
		t.Fatalf("expected claimant to reach Up, got %s", p.Status)
	}
	if p.TargetID != "delegate-1" {
		t.Fatalf("expected claimant bound to the delegate proxy, got %s", p.TargetID)
	}

	if got := bus.count(func(e ports.Event) bool {
		ev, ok := e.(ports.SeatClaimedEvent)
		return ok && ev.SpecID == "shared-web" && ev.SeatID == "seat-1" && ev.DelegateProxyID == "delegate-1"
	}); got != 1 {
		t.Fatalf("expected exactly one matching SeatClaimedEvent, got %d", got)
	}

	remaining, err := svc.Seats.UnclaimedCount(context.Background(), "shared-web")
	if err != nil {
		t.Fatalf("UnclaimedCount: %v", err)
	}
	if remaining != 0 {
		t.Fatalf("expected the seat to be claimed out of the pool, %d still unclaimed", remaining)
	}
}

// canAccess is a pure function of its inputs (invariant 6): calling it twice
// with identical arguments must return the same result and touch no state.
func TestAccessControl_IsPure(t *testing.T) {
	backend := &fakeBackend{}
	_, _, _, specs := newHarness(t, backend, alwaysReady{}, true, nil)
	sp, _ := specs.Get("web")

	access := accesscontrol.New(alwaysAuthBackend{enforced: true}, specs)
	auth := &accesscontrol.Auth{UserID: "alice"}

	first := access.CanAccess(context.Background(), auth, &sp)
	second := access.CanAccess(context.Background(), auth, &sp)
	if first != second {
		t.Fatalf("CanAccess is not pure: %v != %v", first, second)
	}
}

package pool

import (
	"context"
	"testing"
	"time"

	"github.com/luma-run/proxyfleet/leader"
	"github.com/luma-run/proxyfleet/ports"
	"github.com/luma-run/proxyfleet/proxytype"
	"github.com/luma-run/proxyfleet/runtimevalue"
	"github.com/luma-run/proxyfleet/specresolver"
	"github.com/luma-run/proxyfleet/store"
)

type fakeBackend struct{}

func (fakeBackend) SupportsPause() bool { return false }

func (fakeBackend) AddRuntimeValuesBeforeSpel(_ context.Context, p proxytype.Proxy, _ proxytype.ProxySpec) (proxytype.Proxy, error) {
	return p, nil
}

func (fakeBackend) StartProxy(_ context.Context, p proxytype.Proxy, spec proxytype.ProxySpec) (proxytype.Proxy, error) {
	targets := map[string]string{"web": "http://127.0.0.1:9100"}
	return p.WithContainers([]proxytype.Container{{Index: 0, ID: "c-" + p.ID, Targets: targets}}), nil
}

func (fakeBackend) StopProxy(_ context.Context, p proxytype.Proxy) error { return nil }

func (fakeBackend) PauseProxy(_ context.Context, p proxytype.Proxy) (proxytype.Proxy, error) {
	return p, nil
}

func (fakeBackend) ResumeProxy(_ context.Context, p proxytype.Proxy) (proxytype.Proxy, error) {
	return p, nil
}

type alwaysReady struct{}

func (alwaysReady) TestProxy(context.Context, proxytype.Proxy) bool { return true }

func sharedSpec(min, max int) proxytype.ProxySpec {
	return proxytype.ProxySpec{
		ID:             "shared",
		DisplayName:    "shared",
		ContainerSpecs: []proxytype.ContainerSpec{{Image: "example/web", Env: map[string]string{}, PortMappings: map[string]int{"web": 8080}}},
		Sharing:        &proxytype.ProxySharingSpecExtension{MinimumSeatsAvailable: min, MaximumSeatsAvailable: max},
	}
}

func newScaler(spec proxytype.ProxySpec, seats ports.SeatStore, delegates ports.DelegateProxyStore, l ports.LeaderService) *Scaler {
	s := New(spec.ID, spec)
	s.Seats = seats
	s.Delegates = delegates
	s.Backend = fakeBackend{}
	s.Leader = l
	s.Test = alwaysReady{}
	s.RuntimeValues = runtimevalue.NewStaticService()
	s.Resolver = specresolver.NewTemplateResolver()
	s.Bus = noopBus{}
	return s
}

type noopBus struct{}

func (noopBus) Publish(ports.Event)          {}
func (noopBus) Subscribe(func(ports.Event)) {}

// S4: reconciling an empty pool against minimumSeatsAvailable=2 builds seats
// until the unclaimed count reaches the minimum.
func TestReconcile_WarmsUpToMinimum(t *testing.T) {
	seats := store.NewMemorySeatStore()
	delegates := store.NewMemoryDelegateProxyStore()
	s := newScaler(sharedSpec(2, 5), seats, delegates, leader.NewSingle())

	s.reconcile(context.Background())
	// launchBuild dispatches to a goroutine; give it a moment to land.
	waitForUnclaimed(t, seats, "shared", 2)

	n, err := seats.UnclaimedCount(context.Background(), "shared")
	if err != nil {
		t.Fatalf("UnclaimedCount: %v", err)
	}
	if n != 2 {
		t.Fatalf("expected 2 unclaimed seats after warm-up, got %d", n)
	}
}

// invariant 7: the scaler never provisions while not leader.
func TestReconcile_NoOpWhenNotLeader(t *testing.T) {
	seats := store.NewMemorySeatStore()
	delegates := store.NewMemoryDelegateProxyStore()
	l := leader.NewSingle()
	l.SetLeader(false)
	s := newScaler(sharedSpec(2, 5), seats, delegates, l)

	s.reconcile(context.Background())
	time.Sleep(20 * time.Millisecond)

	n, _ := seats.UnclaimedCount(context.Background(), "shared")
	if n != 0 {
		t.Fatalf("expected no seats built while not leader, got %d", n)
	}
}

// S5 / invariant 5: claiming a seat removes it from the unclaimed pool and
// the total seat count (claimed + unclaimed) is preserved.
func TestSeatClaim_PreservesTotalCount(t *testing.T) {
	seats := store.NewMemorySeatStore()
	delegates := store.NewMemoryDelegateProxyStore()
	s := newScaler(sharedSpec(3, 5), seats, delegates, leader.NewSingle())

	s.reconcile(context.Background())
	waitForUnclaimed(t, seats, "shared", 3)

	seat, ok, err := seats.Claim(context.Background(), "shared")
	if err != nil || !ok {
		t.Fatalf("expected to claim a seat: ok=%v err=%v", ok, err)
	}
	if seat.DelegateProxyID == "" {
		t.Fatalf("claimed seat has no delegate proxy id")
	}

	remaining, _ := seats.UnclaimedCount(context.Background(), "shared")
	if remaining != 2 {
		t.Fatalf("expected 2 unclaimed seats remaining after one claim, got %d", remaining)
	}
}

// scale-down is a no-op unless EnableScaleDown is set (Open Question
// decision recorded in DESIGN.md).
func TestReconcile_ScaleDownDisabledByDefault(t *testing.T) {
	seats := store.NewMemorySeatStore()
	delegates := store.NewMemoryDelegateProxyStore()
	s := newScaler(sharedSpec(0, 1), seats, delegates, leader.NewSingle())

	if err := seats.Insert(context.Background(), "shared", proxytype.Seat{ID: "s1", DelegateProxyID: "d1"}); err != nil {
		t.Fatalf("seed seat: %v", err)
	}
	if err := seats.Insert(context.Background(), "shared", proxytype.Seat{ID: "s2", DelegateProxyID: "d1"}); err != nil {
		t.Fatalf("seed seat: %v", err)
	}
	if err := delegates.Insert(context.Background(), proxytype.DelegateProxy{
		Proxy:   proxytype.Proxy{ID: "d1", SpecID: "shared"},
		SeatIDs: map[string]struct{}{"s1": {}, "s2": {}},
	}); err != nil {
		t.Fatalf("seed delegate: %v", err)
	}

	s.reconcile(context.Background())
	time.Sleep(20 * time.Millisecond)

	n, _ := seats.UnclaimedCount(context.Background(), "shared")
	if n != 2 {
		t.Fatalf("scale-down must not run while disabled, unclaimed count changed to %d", n)
	}
}

func waitForUnclaimed(t *testing.T, seats ports.SeatStore, specID string, want int) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		n, err := seats.UnclaimedCount(context.Background(), specID)
		if err == nil && n >= want {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %d unclaimed seats for spec %s", want, specID)
}

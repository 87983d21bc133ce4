// Command proxyfleetd wires every proxyfleet component together and serves
// the HTTP API. Grounded on elitan-lightform's main.go: context-with-cancel
// plus signal.Notify plus ordered graceful shutdown, generalized from two
// fixed net/http.Server instances to a Fiber app plus N per-spec pool
// scalers.
package main

import (
	"context"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/spf13/pflag"

	"github.com/luma-run/proxyfleet/accesscontrol"
	"github.com/luma-run/proxyfleet/backend"
	"github.com/luma-run/proxyfleet/config"
	"github.com/luma-run/proxyfleet/dns"
	"github.com/luma-run/proxyfleet/eventbus"
	"github.com/luma-run/proxyfleet/httpapi"
	"github.com/luma-run/proxyfleet/leader"
	"github.com/luma-run/proxyfleet/mapping"
	"github.com/luma-run/proxyfleet/pool"
	"github.com/luma-run/proxyfleet/ports"
	"github.com/luma-run/proxyfleet/proxylock"
	"github.com/luma-run/proxyfleet/proxytype"
	"github.com/luma-run/proxyfleet/runtimevalue"
	"github.com/luma-run/proxyfleet/service"
	"github.com/luma-run/proxyfleet/spec"
	"github.com/luma-run/proxyfleet/specresolver"
	"github.com/luma-run/proxyfleet/store"
	"github.com/luma-run/proxyfleet/teststrategy"
)

// alwaysAuth is the default AuthBackend: authorization is enforced only when
// Config.AuthEnforced says so, matching spec.md §4.3's "auth-not-enforced"
// branch.
type alwaysAuth struct{ enforced bool }

func (a alwaysAuth) EnforcesAuthorization() bool { return a.enforced }

func main() {
	configPath := pflag.String("config", "", "path to an optional JSON config file")
	pflag.Parse()

	cfg, err := config.LoadConfig(*configPath)
	if err != nil {
		log.Fatalf("proxyfleetd: load config: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	bus := eventbus.New("proxyfleetd")
	specs := spec.NewRegistry()
	if err := specs.LoadFromDir(cfg.SpecsDir); err != nil {
		log.Printf("proxyfleetd: load specs from %s: %v", cfg.SpecsDir, err)
	}

	access := accesscontrol.New(alwaysAuth{enforced: cfg.AuthEnforced}, specs)

	dockerBackend, err := backend.NewDocker()
	if err != nil {
		log.Fatalf("proxyfleetd: init docker backend: %v", err)
	}

	var proxyStore ports.ProxyStore
	if cfg.SQLiteDSN != "" {
		sqliteStore, err := store.OpenSQLiteProxyStore(cfg.SQLiteDSN)
		if err != nil {
			log.Fatalf("proxyfleetd: open sqlite proxy store: %v", err)
		}
		proxyStore = sqliteStore
	} else {
		proxyStore = store.NewMemoryProxyStore()
	}
	seatStore := store.NewMemorySeatStore()
	delegateStore := store.NewMemoryDelegateProxyStore()

	routes := mapping.NewManager()

	signingKey := loadSigningKey(cfg.JWTSigningKeyPath)
	runtimeValues := runtimevalue.NewTokenService(
		runtimevalue.NewStaticService(),
		signingKey,
		time.Duration(cfg.JWTTTLSeconds)*time.Second,
	)

	resolver := specresolver.NewTemplateResolver()
	test := teststrategy.NewHTTPGet()
	leaderSvc := leader.NewSingle()

	dnsManager, err := dns.NewManager(cfg.Cloudflare)
	if err != nil {
		log.Fatalf("proxyfleetd: init dns manager: %v", err)
	}
	dnsManager.Subscribe(bus)

	svc := &service.ProxyService{
		Store:                  proxyStore,
		Specs:                  specs,
		Access:                 access,
		Backend:                dockerBackend,
		RuntimeValues:          runtimeValues,
		Resolver:               resolver,
		Test:                   test,
		Routes:                 routes,
		Bus:                    bus,
		Locks:                  proxylock.NewRegistry(),
		Seats:                  seatStore,
		Delegates:              delegateStore,
		SeatClaimTimeout:       time.Duration(cfg.SeatClaimTimeoutSeconds) * time.Second,
		SeatClaimRetryInterval: 500 * time.Millisecond,
	}

	scalers := startScalers(ctx, specs, cfg, bus, seatStore, delegateStore, dockerBackend, leaderSvc, test, runtimeValues, resolver)

	app := fiber.New(fiber.Config{DisableStartupMessage: true})
	h := &httpapi.Handler{Service: svc, Specs: specs, Store: proxyStore}
	h.Register(app)

	go func() {
		log.Printf("proxyfleetd: API server starting on %s", cfg.APIServerPort)
		if err := app.Listen(cfg.APIServerPort); err != nil {
			log.Fatalf("proxyfleetd: fiber listen: %v", err)
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit
	log.Println("proxyfleetd: shutting down")

	cancel()
	for _, sc := range scalers {
		sc.Stop()
	}

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()
	if err := app.ShutdownWithContext(shutdownCtx); err != nil {
		log.Printf("proxyfleetd: fiber shutdown: %v", err)
	}

	if cfg.StopProxiesOnShutdown {
		stopAllProxies(proxyStore, svc)
	}

	log.Println("proxyfleetd: exited gracefully")
}

func startScalers(
	ctx context.Context,
	specs *spec.Registry,
	cfg config.Config,
	bus ports.EventBus,
	seats ports.SeatStore,
	delegates ports.DelegateProxyStore,
	be ports.ContainerBackend,
	leaderSvc ports.LeaderService,
	test ports.TestStrategy,
	rv runtimevalue.Service,
	resolver specresolver.SpecResolver,
) []*pool.Scaler {
	var scalers []*pool.Scaler
	for _, s := range specs.List() {
		if !s.IsShared() {
			continue
		}
		sc := pool.New(s.ID, s)
		sc.Seats = seats
		sc.Delegates = delegates
		sc.Backend = be
		sc.Leader = leaderSvc
		sc.Test = test
		sc.RuntimeValues = rv
		sc.Resolver = resolver
		sc.Bus = bus
		sc.PublicPathPrefix = cfg.PublicPathPrefix
		sc.ReconcileInterval = cfg.ReconcileInterval
		sc.EnableScaleDown = cfg.EnableScaleDown

		sc.Subscribe(bus)
		sc.Start(ctx)
		scalers = append(scalers, sc)
		log.Printf("proxyfleetd: pool scaler started for spec %s", s.ID)
	}
	return scalers
}

// stopAllProxies best-effort stops every live proxy on shutdown, honoring
// Config.StopProxiesOnShutdown the way the teacher's main.go stops every
// running container before exiting.
func stopAllProxies(proxyStore ports.ProxyStore, svc *service.ProxyService) {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	all, err := proxyStore.List(ctx)
	if err != nil {
		log.Printf("proxyfleetd: list proxies for shutdown cleanup: %v", err)
		return
	}

	stopped := 0
	for _, p := range all {
		// Paused proxies still have a live container underneath and must be
		// stopped like any other; only skip proxies that are Stopping,
		// Stopped or Pausing, mirroring StopProxy's own precondition.
		if p.Status.Unavailable() && p.Status != proxytype.StatusPaused {
			continue
		}
		cmd, err := svc.StopProxy(ctx, nil, p, true)
		if err != nil {
			log.Printf("proxyfleetd: stop proxy %s during shutdown: %v", p.ID, err)
			continue
		}
		if err := cmd(ctx); err != nil {
			log.Printf("proxyfleetd: run stop command for proxy %s during shutdown: %v", p.ID, err)
			continue
		}
		stopped++
	}
	log.Printf("proxyfleetd: stopped %d proxies during shutdown", stopped)
}

func loadSigningKey(path string) []byte {
	if path == "" {
		return []byte("proxyfleetd-dev-signing-key")
	}
	key, err := os.ReadFile(path)
	if err != nil {
		log.Fatalf("proxyfleetd: read jwt signing key %s: %v", path, err)
	}
	return key
}

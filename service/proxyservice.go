// Package service implements ProxyService, the per-proxy state machine and
// orchestration engine. It is the largest component: it mediates every
// state transition of a Proxy, serializes mutations per proxy id, and
// coordinates the RuntimeValueService, SpecResolver, ContainerBackend,
// TestStrategy, MappingManager and EventBus collaborators that a lifecycle
// operation touches.
//
// Grounded on elitan-lightform's manager package: the deferred-Command split
// generalizes ContainerManager.StartContainer's synchronous call into an
// explicit two-phase reserve-then-run shape, and rollback-on-any-failure
// mirrors StartContainer's best-effort cleanup on every error path.
package service

import (
	"context"
	"errors"
	"fmt"
	"log"
	"time"

	"github.com/luma-run/proxyfleet/accesscontrol"
	"github.com/luma-run/proxyfleet/mapping"
	"github.com/luma-run/proxyfleet/ports"
	"github.com/luma-run/proxyfleet/proxylock"
	"github.com/luma-run/proxyfleet/proxytype"
	"github.com/luma-run/proxyfleet/runtimevalue"
	"github.com/luma-run/proxyfleet/specresolver"
)

// SpecLookup is the minimal spec registry contract ProxyService needs.
type SpecLookup interface {
	Get(id string) (proxytype.ProxySpec, bool)
}

// Command is a deferred executable a caller schedules itself, decoupling
// the synchronous reserve-and-validate phase from the long backend
// orchestration phase (spec.md §9 — do not collapse into one blocking call).
type Command func(ctx context.Context) error

// StartOptions carries the caller-supplied overrides to startProxy and
// resumeProxy.
type StartOptions struct {
	RuntimeValues proxytype.RuntimeValues
	Parameters    map[string]string
}

// ProxyService is the per-proxy state machine. It holds no per-proxy state
// itself; every field is a shared collaborator, and per-proxy serialization
// is delegated to Locks.
type ProxyService struct {
	Store         ports.ProxyStore
	Specs         SpecLookup
	Access        *accesscontrol.AccessControl
	Backend       ports.ContainerBackend
	RuntimeValues runtimevalue.Service
	Resolver      specresolver.SpecResolver
	Test          ports.TestStrategy
	Routes        *mapping.Manager
	Bus           ports.EventBus
	Locks         *proxylock.Registry

	// Seats and Delegates back the shared-spec claim path (spec.md §4.2's
	// "claim handoff"): a start against a spec with a sharing extension
	// claims a pre-warmed seat instead of cold-starting a container.
	Seats     ports.SeatStore
	Delegates ports.DelegateProxyStore

	// SeatClaimTimeout bounds how long a shared start waits for a seat to
	// become available before failing; SeatClaimRetryInterval is the polling
	// period. Both default (30s / 500ms) when zero.
	SeatClaimTimeout       time.Duration
	SeatClaimRetryInterval time.Duration
}

// StartProxy validates access, reserves a New record in the store, and
// returns a Command that drives the proxy to Up. The proxyId is
// caller-supplied so a retried call with the same id is idempotent at the
// store level (spec.md §8 invariant 8).
func (s *ProxyService) StartProxy(ctx context.Context, auth *accesscontrol.Auth, spec proxytype.ProxySpec, proxyID string, opts StartOptions) (Command, error) {
	if !s.Access.CanAccess(ctx, auth, &spec) {
		return nil, proxytype.ErrAccessDenied
	}

	extra, err := processParameters(spec, opts.Parameters)
	if err != nil {
		return nil, err
	}

	p := proxytype.Proxy{
		ID:               proxyID,
		TargetID:         proxyID,
		SpecID:           spec.ID,
		UserID:           auth.UserID,
		DisplayName:      spec.DisplayName,
		Status:           proxytype.StatusNew,
		CreatedTimestamp: time.Now().UnixNano(),
		RuntimeValues:    proxytype.RuntimeValues{},
	}
	p = p.WithRuntimeValues(opts.RuntimeValues).WithRuntimeValues(extra)

	if err := s.Store.Insert(ctx, p); err != nil {
		return nil, fmt.Errorf("proxyservice: insert proxy %s: %w", p.ID, err)
	}

	run := s.runStart
	if spec.IsShared() {
		run = s.runClaimSeat
	}

	return func(ctx context.Context) error {
		wait, isInitiator, priorErr := s.Locks.Begin(p.ID)
		if !isInitiator {
			<-wait
			return priorErr()
		}

		var runErr error
		defer func() { s.Locks.Finish(p.ID, runErr) }()

		runErr = run(ctx, auth, p, spec)
		return runErr
	}, nil
}

// runClaimSeat implements the shared-start path (spec.md §4.2 "claim
// handoff"): publish PendingProxyEvent, then attempt to claim a seat with a
// bounded retry, rewriting the reserved Proxy's targetId to the winning
// delegate on success.
func (s *ProxyService) runClaimSeat(ctx context.Context, _ *accesscontrol.Auth, p proxytype.Proxy, spec proxytype.ProxySpec) error {
	s.Bus.Publish(ports.PendingProxyEvent{ProxyID: p.ID, UserID: p.UserID, SpecID: p.SpecID})

	seat, ok, err := s.claimWithRetry(ctx, spec.ID)
	if err != nil {
		return s.rollbackFailedStart(ctx, p, fmt.Errorf("proxyservice: claim seat for proxy %s: %w", p.ID, err))
	}
	if !ok {
		return s.rollbackFailedStart(ctx, p, fmt.Errorf("proxyservice: no seat became available for proxy %s: %w", p.ID, proxytype.ErrProxyFailedToStart))
	}

	delegate, found, err := s.Delegates.Get(ctx, seat.DelegateProxyID)
	if err != nil || !found {
		return s.rollbackFailedStart(ctx, p, fmt.Errorf("proxyservice: delegate proxy %s for seat %s: %w", seat.DelegateProxyID, seat.ID, errOrNotFound(err)))
	}

	targets := claimedTargets(p.ID, delegate.Proxy.Targets)
	final := p.WithClaim(seat.DelegateProxyID, delegate.Proxy.Containers, targets).WithStartup(time.Now().UnixNano())

	if _, ok, err := s.Store.CompareAndSwap(ctx, p, final); err != nil || !ok {
		return s.rollbackFailedStart(ctx, final, fmt.Errorf("proxyservice: finalize claimed proxy %s: %w", p.ID, errOrIllegal(err)))
	}

	if err := s.Routes.RegisterAll(final.Targets); err != nil {
		return s.rollbackFailedStart(ctx, final, fmt.Errorf("proxyservice: register routes for claimed proxy %s: %w", p.ID, err))
	}

	s.Bus.Publish(ports.SeatClaimedEvent{SpecID: spec.ID, SeatID: seat.ID, DelegateProxyID: seat.DelegateProxyID})
	s.Bus.Publish(ports.ProxyStartEvent{ProxyID: final.ID, UserID: final.UserID, SpecID: final.SpecID})
	return nil
}

// claimWithRetry polls SeatStore.Claim until it succeeds, the bound expires,
// or ctx is cancelled. A SeatClaimedEvent for this spec (published whenever
// any claim succeeds, including this one's competitors) is not separately
// awaited: subscribing per-call would leak subscribers on the never-cleared
// EventBus, so plain periodic polling stands in for the "await a retry
// signal" wording in spec.md §4.2.
func (s *ProxyService) claimWithRetry(ctx context.Context, specID string) (proxytype.Seat, bool, error) {
	timeout := s.SeatClaimTimeout
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	interval := s.SeatClaimRetryInterval
	if interval <= 0 {
		interval = 500 * time.Millisecond
	}

	deadline := time.Now().Add(timeout)
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		seat, ok, err := s.Seats.Claim(ctx, specID)
		if err != nil {
			return proxytype.Seat{}, false, err
		}
		if ok {
			return seat, true, nil
		}
		if time.Now().After(deadline) {
			return proxytype.Seat{}, false, nil
		}
		select {
		case <-ctx.Done():
			return proxytype.Seat{}, false, ctx.Err()
		case <-ticker.C:
		}
	}
}

// claimedTargets composes a per-claimant route name for each of a shared
// delegate's targets, so MappingManager's global route-name uniqueness
// (spec.md §3) holds even though many users' claims resolve to the same
// underlying containers over the delegate's lifetime.
func claimedTargets(proxyID string, delegateTargets map[string]string) map[string]string {
	out := make(map[string]string, len(delegateTargets))
	for route, uri := range delegateTargets {
		out[route+"@"+proxyID] = uri
	}
	return out
}

func errOrNotFound(err error) error {
	if err != nil {
		return err
	}
	return proxytype.ErrNotFound
}

func (s *ProxyService) runStart(ctx context.Context, auth *accesscontrol.Auth, p proxytype.Proxy, spec proxytype.ProxySpec) error {
	starting := p.WithStatus(proxytype.StatusStarting)
	if _, ok, err := s.Store.CompareAndSwap(ctx, p, starting); err != nil || !ok {
		return s.rollbackFailedStart(ctx, p, fmt.Errorf("proxyservice: transition %s to Starting: %w", p.ID, errOrIllegal(err)))
	}

	prepared, err := s.prepareProxyForStart(ctx, auth, starting, spec)
	if err != nil {
		return s.rollbackFailedStart(ctx, starting, err)
	}

	started, err := s.Backend.StartProxy(ctx, prepared, spec)
	if err != nil {
		var startErr *proxytype.ProxyFailedToStartError
		if errors.As(err, &startErr) {
			if stopErr := s.Backend.StopProxy(context.Background(), startErr.Partial); stopErr != nil {
				logf("proxyservice: best-effort stop of partial proxy %s: %v", p.ID, stopErr)
			}
		}
		return s.rollbackFailedStart(ctx, prepared, fmt.Errorf("proxyservice: backend start proxy %s: %w", p.ID, err))
	}

	if !s.Test.TestProxy(ctx, started) {
		if stopErr := s.Backend.StopProxy(context.Background(), started); stopErr != nil {
			logf("proxyservice: stop unresponsive proxy %s: %v", p.ID, stopErr)
		}
		return s.rollbackFailedStart(ctx, started, fmt.Errorf("proxyservice: proxy %s not responding: %w", p.ID, proxytype.ErrProxyFailedToStart))
	}

	final := started.WithStartup(time.Now().UnixNano())
	if _, ok, err := s.Store.CompareAndSwap(ctx, starting, final); err != nil || !ok {
		return s.rollbackFailedStart(ctx, final, fmt.Errorf("proxyservice: finalize proxy %s: %w", p.ID, errOrIllegal(err)))
	}

	if err := s.Routes.RegisterAll(final.Targets); err != nil {
		return s.rollbackFailedStart(ctx, final, fmt.Errorf("proxyservice: register routes for proxy %s: %w", p.ID, err))
	}

	s.Bus.Publish(ports.ProxyStartEvent{ProxyID: final.ID, UserID: final.UserID, SpecID: final.SpecID})
	return nil
}

// rollbackFailedStart implements the single rollback path every start and
// resume failure funnels through: best-effort stop, remove from store,
// publish ProxyStartFailedEvent (spec.md §7).
func (s *ProxyService) rollbackFailedStart(ctx context.Context, p proxytype.Proxy, cause error) error {
	if err := s.Backend.StopProxy(context.Background(), p); err != nil {
		logf("proxyservice: rollback stop of proxy %s: %v", p.ID, err)
	}
	if err := s.Store.Delete(context.Background(), p.ID); err != nil {
		logf("proxyservice: rollback delete of proxy %s: %v", p.ID, err)
	}
	s.Bus.Publish(ports.ProxyStartFailedEvent{ProxyID: p.ID, UserID: p.UserID, SpecID: p.SpecID})
	return cause
}

// prepareProxyForStart runs the shared preparation sequence for both
// startProxy and resumeProxy: inject pre-SpEL runtime values, resolve the
// spec twice around a rebuilt context, then inject post-SpEL runtime
// values. Resuming re-runs this in full so expressions referencing
// freshly-issued values (e.g. an auth token) are re-evaluated (spec.md
// §4.1).
func (s *ProxyService) prepareProxyForStart(ctx context.Context, auth *accesscontrol.Auth, p proxytype.Proxy, spec proxytype.ProxySpec) (proxytype.Proxy, error) {
	p, err := s.RuntimeValues.AddRuntimeValuesBeforeSpel(ctx, p, spec)
	if err != nil {
		return proxytype.Proxy{}, fmt.Errorf("runtime values before spel: %w", err)
	}

	p, err = s.Backend.AddRuntimeValuesBeforeSpel(ctx, p, spec)
	if err != nil {
		return proxytype.Proxy{}, fmt.Errorf("backend runtime values before spel: %w", err)
	}

	principal, creds := "", any(nil)
	if auth != nil {
		principal, creds = auth.UserID, auth.Credentials
	}

	firstCtx := specresolver.SpecExpressionContext{Proxy: p, Spec: spec, AuthPrincipal: principal, AuthCredentials: creds}
	resolved, err := s.Resolver.FirstResolve(firstCtx)
	if err != nil {
		return proxytype.Proxy{}, fmt.Errorf("first resolve: %w", err)
	}

	finalCtx := specresolver.SpecExpressionContext{Proxy: p, Spec: resolved, AuthPrincipal: principal, AuthCredentials: creds}
	resolved, err = s.Resolver.FinalResolve(finalCtx)
	if err != nil {
		return proxytype.Proxy{}, fmt.Errorf("final resolve: %w", err)
	}

	p, err = s.RuntimeValues.AddRuntimeValuesAfterSpel(ctx, p, resolved)
	if err != nil {
		return proxytype.Proxy{}, fmt.Errorf("runtime values after spel: %w", err)
	}

	return p, nil
}

// StopProxy transitions p to Stopping and unregisters its routes
// synchronously, then returns a Command that stops the backend containers
// and removes the record. Backend failure during the Command is logged
// only — the in-memory view must converge even when the backend is
// unreachable.
func (s *ProxyService) StopProxy(ctx context.Context, auth *accesscontrol.Auth, p proxytype.Proxy, ignoreAccess bool) (Command, error) {
	if !ignoreAccess && !s.canActOnProxy(auth, p) {
		return nil, proxytype.ErrAccessDenied
	}
	if p.Status.Unavailable() && p.Status != proxytype.StatusPaused {
		return nil, &proxytype.IllegalStateError{ProxyID: p.ID, From: p.Status, To: proxytype.StatusStopping}
	}

	stopping := p.WithStatus(proxytype.StatusStopping)
	if _, ok, err := s.Store.CompareAndSwap(ctx, p, stopping); err != nil || !ok {
		return nil, fmt.Errorf("proxyservice: transition %s to Stopping: %w", p.ID, errOrIllegal(err))
	}
	s.Routes.UnregisterAll(p.TargetNames())

	return func(ctx context.Context) error {
		wait, isInitiator, priorErr := s.Locks.Begin(p.ID)
		if !isInitiator {
			<-wait
			return priorErr()
		}
		var runErr error
		defer func() { s.Locks.Finish(p.ID, runErr) }()

		if err := s.Backend.StopProxy(ctx, stopping); err != nil {
			logf("proxyservice: stop backend for proxy %s: %v", p.ID, err)
		}

		var usageDuration *int64
		if stopping.StartupTimestamp != 0 {
			d := time.Now().UnixNano() - stopping.StartupTimestamp
			usageDuration = &d
		}
		s.Bus.Publish(ports.ProxyStopEvent{ProxyID: p.ID, UserID: p.UserID, SpecID: p.SpecID, UsageDuration: usageDuration})

		if err := s.Store.Delete(ctx, p.ID); err != nil {
			logf("proxyservice: delete stopped proxy %s: %v", p.ID, err)
		}
		return nil
	}, nil
}

// PauseProxy requires backend.SupportsPause(); transitions Up -> Pausing and
// unregisters routes synchronously, then returns a Command that pauses the
// backend and transitions to Paused.
func (s *ProxyService) PauseProxy(ctx context.Context, auth *accesscontrol.Auth, p proxytype.Proxy, ignoreAccess bool) (Command, error) {
	if !s.Backend.SupportsPause() {
		return nil, proxytype.ErrNotSupported
	}
	if !ignoreAccess && !s.canActOnProxy(auth, p) {
		return nil, proxytype.ErrAccessDenied
	}
	if p.Status != proxytype.StatusUp {
		return nil, &proxytype.IllegalStateError{ProxyID: p.ID, From: p.Status, To: proxytype.StatusPausing}
	}

	pausing := p.WithStatus(proxytype.StatusPausing)
	if _, ok, err := s.Store.CompareAndSwap(ctx, p, pausing); err != nil || !ok {
		return nil, fmt.Errorf("proxyservice: transition %s to Pausing: %w", p.ID, errOrIllegal(err))
	}
	s.Routes.UnregisterAll(p.TargetNames())

	return func(ctx context.Context) error {
		wait, isInitiator, priorErr := s.Locks.Begin(p.ID)
		if !isInitiator {
			<-wait
			return priorErr()
		}
		var runErr error
		defer func() { s.Locks.Finish(p.ID, runErr) }()

		paused, err := s.Backend.PauseProxy(ctx, pausing)
		if err != nil {
			runErr = fmt.Errorf("proxyservice: pause backend for proxy %s: %w", p.ID, err)
			return runErr
		}
		paused = paused.WithStatus(proxytype.StatusPaused)

		if _, ok, err := s.Store.CompareAndSwap(ctx, pausing, paused); err != nil || !ok {
			runErr = fmt.Errorf("proxyservice: transition %s to Paused: %w", p.ID, errOrIllegal(err))
			return runErr
		}
		s.Bus.Publish(ports.ProxyPauseEvent{ProxyID: p.ID, UserID: p.UserID, SpecID: p.SpecID})
		return nil
	}, nil
}

// ResumeProxy requires backend.SupportsPause(); it re-validates parameters,
// transitions Paused -> Resuming, then returns a Command that re-runs
// prepareProxyForStart so expression-bearing values (e.g. an auth token) are
// freshly issued, and then mirrors StartProxy's backend-start/probe/finalize
// sequence.
func (s *ProxyService) ResumeProxy(ctx context.Context, auth *accesscontrol.Auth, p proxytype.Proxy, spec proxytype.ProxySpec, opts StartOptions, ignoreAccess bool) (Command, error) {
	if !s.Backend.SupportsPause() {
		return nil, proxytype.ErrNotSupported
	}
	if !ignoreAccess && !s.canActOnProxy(auth, p) {
		return nil, proxytype.ErrAccessDenied
	}
	if p.Status != proxytype.StatusPaused {
		return nil, &proxytype.IllegalStateError{ProxyID: p.ID, From: p.Status, To: proxytype.StatusResuming}
	}

	extra, err := processParameters(spec, opts.Parameters)
	if err != nil {
		return nil, err
	}

	resuming := p.WithStatus(proxytype.StatusResuming).WithRuntimeValues(opts.RuntimeValues).WithRuntimeValues(extra)
	if _, ok, err := s.Store.CompareAndSwap(ctx, p, resuming); err != nil || !ok {
		return nil, fmt.Errorf("proxyservice: transition %s to Resuming: %w", p.ID, errOrIllegal(err))
	}

	return func(ctx context.Context) error {
		wait, isInitiator, priorErr := s.Locks.Begin(p.ID)
		if !isInitiator {
			<-wait
			return priorErr()
		}
		var runErr error
		defer func() { s.Locks.Finish(p.ID, runErr) }()

		prepared, err := s.prepareProxyForStart(ctx, auth, resuming, spec)
		if err != nil {
			runErr = s.rollbackFailedStart(ctx, resuming, err)
			return runErr
		}

		resumed, err := s.Backend.ResumeProxy(ctx, prepared)
		if err != nil {
			runErr = s.rollbackFailedStart(ctx, prepared, fmt.Errorf("proxyservice: backend resume proxy %s: %w", p.ID, err))
			return runErr
		}

		if !s.Test.TestProxy(ctx, resumed) {
			if stopErr := s.Backend.StopProxy(context.Background(), resumed); stopErr != nil {
				logf("proxyservice: stop unresponsive resumed proxy %s: %v", p.ID, stopErr)
			}
			runErr = s.rollbackFailedStart(ctx, resumed, fmt.Errorf("proxyservice: resumed proxy %s not responding: %w", p.ID, proxytype.ErrProxyFailedToStart))
			return runErr
		}

		final := resumed.WithStartup(time.Now().UnixNano())
		if _, ok, err := s.Store.CompareAndSwap(ctx, resuming, final); err != nil || !ok {
			runErr = s.rollbackFailedStart(ctx, final, fmt.Errorf("proxyservice: finalize resumed proxy %s: %w", p.ID, errOrIllegal(err)))
			return runErr
		}

		if err := s.Routes.RegisterAll(final.Targets); err != nil {
			runErr = s.rollbackFailedStart(ctx, final, fmt.Errorf("proxyservice: register routes for resumed proxy %s: %w", p.ID, err))
			return runErr
		}

		s.Bus.Publish(ports.ProxyResumeEvent{ProxyID: p.ID, UserID: p.UserID, SpecID: p.SpecID})
		return nil
	}, nil
}

// AddExistingProxy is used only by startup recovery: it inserts a proxy
// already observed running in the backend and registers its routes, without
// publishing a start event.
func (s *ProxyService) AddExistingProxy(ctx context.Context, p proxytype.Proxy) error {
	if err := s.Store.Insert(ctx, p); err != nil {
		return fmt.Errorf("proxyservice: add existing proxy %s: %w", p.ID, err)
	}
	return s.Routes.RegisterAll(p.Targets)
}

func (s *ProxyService) canActOnProxy(auth *accesscontrol.Auth, p proxytype.Proxy) bool {
	if auth == nil {
		return false
	}
	return auth.IsAdmin || auth.UserID == p.UserID
}

// processParameters validates user-supplied parameter overrides against the
// spec's parameter schema and returns them as runtime values so they can be
// projected into the container environment like any other runtime value.
func processParameters(spec proxytype.ProxySpec, params map[string]string) (proxytype.RuntimeValues, error) {
	out := make(proxytype.RuntimeValues, len(spec.Parameters))

	for name, def := range spec.Parameters {
		value := def.Default
		if override, ok := params[name]; ok {
			if len(def.AllowedValues) > 0 && !contains(def.AllowedValues, override) {
				return nil, fmt.Errorf("%w: parameter %q value %q not in allowed set", proxytype.ErrInvalidParameters, name, override)
			}
			value = override
		}
		out[name] = proxytype.RuntimeValue{
			Key:          proxytype.RuntimeValueKey{Key: name, EnvName: envName(name), Type: "string"},
			Value:        value,
			IncludeAsEnv: true,
		}
	}

	for name := range params {
		if _, known := spec.Parameters[name]; !known {
			return nil, fmt.Errorf("%w: unknown parameter %q", proxytype.ErrInvalidParameters, name)
		}
	}

	return out, nil
}

func contains(values []string, v string) bool {
	for _, candidate := range values {
		if candidate == v {
			return true
		}
	}
	return false
}

func envName(paramName string) string {
	out := make([]byte, 0, len(paramName))
	for _, r := range paramName {
		if r >= 'a' && r <= 'z' {
			r -= 32
		}
		if r == '-' {
			r = '_'
		}
		out = append(out, byte(r))
	}
	return string(out)
}

func errOrIllegal(err error) error {
	if err != nil {
		return err
	}
	return proxytype.ErrIllegalState
}

// logf mirrors the teacher's "Component: message" log.Printf prefix style.
func logf(format string, args ...any) {
	log.Printf("ProxyService: "+format, args...)
}

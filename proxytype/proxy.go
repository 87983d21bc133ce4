package proxytype

// Proxy is an immutable value describing a user-owned (or pool-owned, in the
// case of a DelegateProxy) group of containers with reverse-proxy routes.
// Every mutation produces a new value; the authoritative current version
// lives in a ProxyStore.
type Proxy struct {
	ID               string
	TargetID         string // delegated proxy id for shared specs, else == ID
	SpecID           string
	UserID           string
	DisplayName      string
	Status           Status
	CreatedTimestamp int64
	StartupTimestamp int64 // 0 until Up
	Containers       []Container
	RuntimeValues    RuntimeValues
	Targets          map[string]string // route-name -> absolute URI, derived from Containers
}

// WithStatus returns a copy of p with Status set to s.
func (p Proxy) WithStatus(s Status) Proxy {
	p.Status = s
	return p
}

// WithContainers returns a copy of p with Containers replaced and Targets
// re-derived from them.
func (p Proxy) WithContainers(containers []Container) Proxy {
	p.Containers = containers
	targets := make(map[string]string)
	for _, c := range containers {
		for name, uri := range c.Targets {
			targets[name] = uri
		}
	}
	p.Targets = targets
	return p
}

// WithRuntimeValues returns a copy of p with RuntimeValues merged with rvs.
func (p Proxy) WithRuntimeValues(rvs RuntimeValues) Proxy {
	p.RuntimeValues = p.RuntimeValues.Merge(rvs)
	return p
}

// WithTargetID returns a copy of p bound to a different delegate target,
// used when a user proxy claims a pool seat.
func (p Proxy) WithTargetID(targetID string) Proxy {
	p.TargetID = targetID
	return p
}

// WithClaim returns a copy of p bound to a claimed delegate proxy: TargetID
// set to the delegate's id, Containers copied from the delegate for
// observability, and Targets set to the caller-composed per-claimant route
// mapping rather than derived from Containers, since the underlying
// containers are owned and addressed by the shared delegate.
func (p Proxy) WithClaim(delegateID string, containers []Container, targets map[string]string) Proxy {
	p.TargetID = delegateID
	p.Containers = containers
	p.Targets = targets
	return p
}

// WithStartup returns a copy of p transitioned to Up at timestamp ts.
func (p Proxy) WithStartup(ts int64) Proxy {
	p.Status = StatusUp
	p.StartupTimestamp = ts
	return p
}

// TargetNames returns the route names this proxy currently registers with a
// mapping.Manager, in no defined order.
func (p Proxy) TargetNames() []string {
	names := make([]string, 0, len(p.Targets))
	for name := range p.Targets {
		names = append(names, name)
	}
	return names
}

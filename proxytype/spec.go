package proxytype

// AccessControlSpec restricts which users may start proxies from a spec. An
// empty AccessControlSpec (no users, no groups) is treated as "no
// restriction" by AccessControl.
type AccessControlSpec struct {
	Users  []string
	Groups []string
}

// IsEmpty reports whether the access-control block carries no restriction.
func (a *AccessControlSpec) IsEmpty() bool {
	return a == nil || (len(a.Users) == 0 && len(a.Groups) == 0)
}

// ProxySharingSpecExtension configures the pre-warmed seat pool for a spec.
// A spec with a nil extension is never pooled: every start is a cold start.
type ProxySharingSpecExtension struct {
	MinimumSeatsAvailable int
	MaximumSeatsAvailable int
}

// ProxySpec is the declarative, immutable-once-registered template a Proxy is
// built from.
type ProxySpec struct {
	ID             string
	DisplayName    string
	ContainerSpecs []ContainerSpec
	AccessControl  *AccessControlSpec
	Sharing        *ProxySharingSpecExtension
	// Parameters declares the caller-overridable knobs and their allowed
	// values; processParameters validates user-supplied overrides against
	// this schema before they are merged into a Proxy's runtime values.
	Parameters map[string]ParameterSpec
}

// ParameterSpec describes one user-overridable parameter.
type ParameterSpec struct {
	Name          string
	AllowedValues []string // empty means any value is allowed
	Default       string
}

// IsShared reports whether this spec is configured for seat sharing.
func (s ProxySpec) IsShared() bool {
	return s.Sharing != nil
}

// Clone returns a deep-enough copy of the spec suitable for the two-phase
// resolution pipeline to mutate without affecting the registered original.
func (s ProxySpec) Clone() ProxySpec {
	out := s
	out.ContainerSpecs = append([]ContainerSpec(nil), s.ContainerSpecs...)
	for i, cs := range out.ContainerSpecs {
		env := make(map[string]string, len(cs.Env))
		for k, v := range cs.Env {
			env[k] = v
		}
		out.ContainerSpecs[i].Env = env
		ports := make(map[string]int, len(cs.PortMappings))
		for k, v := range cs.PortMappings {
			ports[k] = v
		}
		out.ContainerSpecs[i].PortMappings = ports
	}
	if s.AccessControl != nil {
		ac := *s.AccessControl
		out.AccessControl = &ac
	}
	if s.Sharing != nil {
		sh := *s.Sharing
		out.Sharing = &sh
	}
	return out
}

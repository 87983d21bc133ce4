package proxytype

import "fmt"

// RuntimeValueKey identifies a runtime value slot. The env name and type are
// carried alongside the stable key so a ContainerBackend can decide whether
// and how to project the value into a container's environment.
type RuntimeValueKey struct {
	Key     string
	EnvName string
	Type    string
}

// RuntimeValue is a single keyed value attached to a Proxy or Container.
type RuntimeValue struct {
	Key           RuntimeValueKey
	Value         any
	IncludeAsEnv  bool
}

// RuntimeValues is a set of RuntimeValue keyed by RuntimeValueKey.Key; it
// keeps no insertion order. It is immutable from the caller's perspective: With
// returns a copy with the value applied.
type RuntimeValues map[string]RuntimeValue

// With returns a new RuntimeValues map with rv set, leaving the receiver
// untouched.
func (rvs RuntimeValues) With(rv RuntimeValue) RuntimeValues {
	out := make(RuntimeValues, len(rvs)+1)
	for k, v := range rvs {
		out[k] = v
	}
	out[rv.Key.Key] = rv
	return out
}

// Merge returns a new RuntimeValues map containing the receiver's entries
// overlaid with other's (other wins on key collision).
func (rvs RuntimeValues) Merge(other RuntimeValues) RuntimeValues {
	out := make(RuntimeValues, len(rvs)+len(other))
	for k, v := range rvs {
		out[k] = v
	}
	for k, v := range other {
		out[k] = v
	}
	return out
}

// EnvList renders every value with IncludeAsEnv set as a "NAME=value" string,
// suitable for a ContainerBackend to pass straight to the container runtime.
func (rvs RuntimeValues) EnvList() []string {
	env := make([]string, 0, len(rvs))
	for _, rv := range rvs {
		if !rv.IncludeAsEnv {
			continue
		}
		env = append(env, rv.Key.EnvName+"="+toEnvString(rv.Value))
	}
	return env
}

func toEnvString(v any) string {
	switch t := v.(type) {
	case string:
		return t
	case fmt.Stringer:
		return t.String()
	default:
		return fmt.Sprintf("%v", v)
	}
}

package proxytype

// Container is a single running (or about-to-run) container belonging to a
// Proxy. Index is the stable ordinal assigned by the owning ProxySpec's
// ContainerSpecs; ID is absent until the backend has created the container.
type Container struct {
	Index         int
	ID            string
	RuntimeValues RuntimeValues
	Targets       map[string]string // route-name -> absolute URI
}

// ContainerSpec is the declarative template for a single container within a
// ProxySpec.
type ContainerSpec struct {
	Image string
	// Env holds literal and expression-bearing environment variable
	// assignments; values may contain expressions resolved against a
	// SpecExpressionContext before being handed to the backend.
	Env map[string]string
	// PortMappings maps a route name (e.g. "web") to the port the
	// application listens on inside the container.
	PortMappings map[string]int
}

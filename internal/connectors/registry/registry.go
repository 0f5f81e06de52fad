package registry

import (
	"errors"
	"fmt"
	"regexp"
	"strings"
)

var (
	ErrSealed       = errors.New("connector registry is sealed")
	ErrDuplicate    = errors.New("connector already registered")
	ErrInvalidName  = errors.New("invalid connector name")
	connectorNameRe = regexp.MustCompile(`^[a-z0-9][a-z0-9-]*$`)
)

// ConnectorRegistry maps connector names to capability bundles. It is built
// once at startup, sealed, and then only read, so lookups take no locks.
type ConnectorRegistry struct {
	bundles map[string]Bundle
	order   []string // Registration order
	sealed  bool
}

// NewRegistry creates a new connector registry.
func NewRegistry() *ConnectorRegistry {
	return &ConnectorRegistry{
		bundles: make(map[string]Bundle),
		order:   make([]string, 0),
	}
}

// NormalizeName lowercases and trims a connector name.
func NormalizeName(name string) string {
	return strings.ToLower(strings.TrimSpace(name))
}

// Register adds a connector bundle to the registry.
func (r *ConnectorRegistry) Register(b Bundle) error {
	if r.sealed {
		return ErrSealed
	}
	name := NormalizeName(b.Definition.Name)
	if name == "" {
		return fmt.Errorf("%w: connector name cannot be empty", ErrInvalidName)
	}
	if !connectorNameRe.MatchString(name) {
		return fmt.Errorf("%w: %q", ErrInvalidName, name)
	}
	if _, exists := r.bundles[name]; exists {
		return fmt.Errorf("%w: %q", ErrDuplicate, name)
	}
	b.Definition.Name = name
	r.bundles[name] = b
	r.order = append(r.order, name)
	return nil
}

// MustRegister registers every bundle and panics on the first failure.
func (r *ConnectorRegistry) MustRegister(bundles ...Bundle) *ConnectorRegistry {
	for _, b := range bundles {
		if err := r.Register(b); err != nil {
			panic(err)
		}
	}
	return r
}

// Seal rejects any further registration.
func (r *ConnectorRegistry) Seal() *ConnectorRegistry {
	r.sealed = true
	return r
}

// Get retrieves a connector bundle by name.
func (r *ConnectorRegistry) Get(name string) (Bundle, bool) {
	b, ok := r.bundles[NormalizeName(name)]
	return b, ok
}

// All returns all registered bundles in registration order.
func (r *ConnectorRegistry) All() []Bundle {
	out := make([]Bundle, 0, len(r.order))
	for _, name := range r.order {
		out = append(out, r.bundles[name])
	}
	return out
}

// Names returns registered connector names in registration order.
func (r *ConnectorRegistry) Names() []string {
	return append([]string(nil), r.order...)
}

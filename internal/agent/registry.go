package agent

import (
	"errors"
	"fmt"
	"slices"
	"sort"
)

// ErrIncompleteRegistry is returned when a registry does not cover every declared kind.
var ErrIncompleteRegistry = errors.New("agent: incomplete registry") //nolint:gochecknoglobals // sentinel error

// Registry is a fixed, total mapping from Kind to Spec. It is immutable after
// construction and safe for concurrent use.
type Registry struct {
	specs map[Kind]Spec
}

// NewRegistry builds a registry from specs. Every declared kind must be
// registered exactly once.
func NewRegistry(specs ...Spec) (*Registry, error) {
	r := &Registry{
		specs: make(map[Kind]Spec, len(specs)),
	}

	for _, s := range specs {
		if _, dup := r.specs[s.Kind()]; dup {
			return nil, fmt.Errorf("agent.NewRegistry: duplicate %q: %w", s.Kind(), ErrIncompleteRegistry)
		}
		if !slices.Contains(Kinds(), s.Kind()) {
			return nil, fmt.Errorf("agent.NewRegistry(%q): %w", s.Kind(), ErrUnknownAgent)
		}
		r.specs[s.Kind()] = s
	}

	for _, k := range Kinds() {
		if _, ok := r.specs[k]; !ok {
			return nil, fmt.Errorf("agent.NewRegistry: missing %q: %w", k, ErrIncompleteRegistry)
		}
	}

	return r, nil
}

// Lookup returns the Spec for a declared kind. Passing an undeclared kind is a
// programming error and panics.
func (r *Registry) Lookup(kind Kind) Spec {
	s, ok := r.specs[kind]
	if !ok {
		panic(fmt.Sprintf("agent.Registry.Lookup: undeclared kind %q", kind))
	}
	return s
}

// Resolve maps a configured agent name to its Spec.
func (r *Registry) Resolve(name string) (Spec, error) {
	kind, err := ParseKind(name)
	if err != nil {
		return nil, fmt.Errorf("agent.Registry.Resolve: %w", err)
	}
	return r.Lookup(kind), nil
}

// Detect returns the Spec whose binary argv invokes, if any.
func (r *Registry) Detect(argv []string) (Spec, bool) {
	for _, k := range Kinds() {
		if s := r.specs[k]; s.IsInvocation(argv) {
			return s, true
		}
	}
	return nil, false
}

// Available returns registered agent type names in sorted order.
func (r *Registry) Available() []string {
	names := make([]string, 0, len(r.specs))
	for k := range r.specs {
		names = append(names, string(k))
	}
	sort.Strings(names)

	return names
}

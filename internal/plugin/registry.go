// Package plugin implements the construction side of C7's plugin graph:
// a factory registry populated at process startup, replacing the
// source's dynamic class-loader macro with a plain interface indirection
// (Design Notes §9 — "Construction of a stage from a {name, library} pair
// is delegated to a factory registry ... dynamic library loading is
// optional and sits behind the same factory interface"). This module
// does not implement dynamic (.so/.dll) loading: every factory is
// registered statically at boot, which is sufficient for every stage
// spec.md names and keeps the control plane's plugin.load operation
// purely a lookup-and-instantiate.
package plugin

import (
	"fmt"

	"github.com/dls-controls/filewriter/internal/stage"
)

// Factory constructs a fresh stage.Handler instance. library is carried
// through from the plugin.load control message for factories that care
// to specialize on it (e.g. a future dynamically-loaded factory); the
// static registry ignores it.
type Factory func(library string) (stage.Handler, error)

// Registry is a name -> Factory table.
type Registry struct {
	factories map[string]Factory
}

// NewRegistry returns an empty registry.
func NewRegistry() *Registry {
	return &Registry{factories: make(map[string]Factory)}
}

// Register adds a factory under name. Re-registering a name overwrites
// the previous factory (used by tests and by process startup wiring).
func (r *Registry) Register(name string, f Factory) {
	r.factories[name] = f
}

// Build instantiates the handler registered under name.
func (r *Registry) Build(name, library string) (stage.Handler, error) {
	f, ok := r.factories[name]
	if !ok {
		return nil, fmt.Errorf("no plugin factory registered for %q", name)
	}
	return f(library)
}

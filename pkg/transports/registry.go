package transports

import (
	"sort"
	"strings"

	"github.com/harunnryd/janvaani/pkg/errorsx"
)

// Factory builds a dialer from a provider settings map.
type Factory func(settings map[string]any) (Dialer, error)

// Registry maps provider names to dialer factories.
type Registry struct {
	factories map[string]Factory
}

func NewRegistry() *Registry {
	return &Registry{factories: make(map[string]Factory)}
}

func (r *Registry) Register(name string, factory Factory) {
	r.factories[normalize(name)] = factory
}

// Build returns the dialer for provider configured with settings.
func (r *Registry) Build(provider string, settings map[string]any) (Dialer, error) {
	fn := r.factories[normalize(provider)]
	if fn == nil {
		return nil, errorsx.New(errorsx.ReasonConfigInvalid, "transport provider not registered: %s (known: %s)", provider, strings.Join(r.Names(), ", "))
	}
	return fn(settings)
}

// Names lists the registered providers in order.
func (r *Registry) Names() []string {
	out := make([]string, 0, len(r.factories))
	for name := range r.factories {
		out = append(out, name)
	}
	sort.Strings(out)
	return out
}

func normalize(name string) string {
	return strings.ToLower(strings.TrimSpace(name))
}

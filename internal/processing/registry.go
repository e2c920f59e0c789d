package processing

import (
	"fmt"
	"sort"
)

// AnyEventType routes every event type of a provider that has no exact route.
const AnyEventType = "*"

type Route struct {
	Provider  string
	EventType string
	Handler   Handler
}

type routeKey struct {
	provider  string
	eventType string
}

// Registry is the closed, immutable set of handlers built at startup.
type Registry struct {
	routes map[routeKey]Handler
}

func NewRegistry(routes ...Route) (*Registry, error) {
	r := &Registry{routes: make(map[routeKey]Handler, len(routes))}
	for _, route := range routes {
		if route.Provider == "" || route.EventType == "" || route.Handler == nil {
			return nil, fmt.Errorf("invalid route %q/%q", route.Provider, route.EventType)
		}
		key := routeKey{provider: route.Provider, eventType: route.EventType}
		if _, dup := r.routes[key]; dup {
			return nil, fmt.Errorf("duplicate route %s/%s", route.Provider, route.EventType)
		}
		r.routes[key] = route.Handler
	}
	return r, nil
}

func (r *Registry) Lookup(provider, eventType string) (Handler, bool) {
	if h, ok := r.routes[routeKey{provider: provider, eventType: eventType}]; ok {
		return h, true
	}
	h, ok := r.routes[routeKey{provider: provider, eventType: AnyEventType}]
	return h, ok
}

// Describe lists the registered routes as provider/event_type, sorted.
func (r *Registry) Describe() []string {
	out := make([]string, 0, len(r.routes))
	for k := range r.routes {
		out = append(out, k.provider+"/"+k.eventType)
	}
	sort.Strings(out)
	return out
}

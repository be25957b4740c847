package registry

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/mnehpets/onerpc/protocol"
)

// Registry is a named method table. It is safe for concurrent use; methods
// are typically registered at startup and only read afterwards.
type Registry struct {
	mu      sync.RWMutex
	methods map[string]*Method
}

// NewRegistry creates a registry with the built-in introspection methods
// get_methods and get_method already registered.
func NewRegistry() *Registry {
	r := &Registry{methods: make(map[string]*Method)}
	r.registerBuiltins()
	return r
}

func (r *Registry) registerBuiltins() {
	getMethods := New("get_methods", func(ctx context.Context, args []any, kwargs map[string]any) (any, error) {
		return r.DescribeAll(), nil
	}, WithDoc("Returns the description of every registered method."))

	getMethod := New("get_method", func(ctx context.Context, args []any, kwargs map[string]any) (any, error) {
		name, _ := firstString(args, kwargs, "name")
		if name == "" {
			return nil, protocol.InvalidParams(`get_method requires a "name" argument`)
		}
		desc, ok := r.Describe(name)
		if !ok {
			return nil, nil
		}
		return desc, nil
	}, WithDoc("Returns the description of one method, or null."), WithArgs("name"))

	// Builtins cannot collide on a fresh table.
	_ = r.Add(getMethods, false)
	_ = r.Add(getMethod, false)
}

func firstString(args []any, kwargs map[string]any, name string) (string, bool) {
	if len(args) > 0 {
		s, ok := args[0].(string)
		return s, ok
	}
	s, ok := kwargs[name].(string)
	return s, ok
}

// Add registers a method. A duplicate name is rejected with InvalidParams
// unless replace is set.
func (r *Registry) Add(m *Method, replace bool) error {
	if m == nil || m.Name == "" {
		return protocol.InvalidParams("a method must have a name")
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.methods[m.Name]; exists && !replace {
		return protocol.InvalidParams(fmt.Sprintf("method %s has already been added", m.Name))
	}
	r.methods[m.Name] = m
	return nil
}

// AddFunc registers a reflection-form method in one step.
func (r *Registry) AddFunc(name string, fn any, opts ...Option) error {
	m, err := Func(name, fn, opts...)
	if err != nil {
		return err
	}
	return r.Add(m, false)
}

// MustAdd is Add(m, false) that panics on failure. Intended for wiring at
// startup.
func (r *Registry) MustAdd(m *Method) {
	if err := r.Add(m, false); err != nil {
		panic(err)
	}
}

// Get looks up a method by name.
func (r *Registry) Get(name string) (*Method, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	m, ok := r.methods[name]
	return m, ok
}

// Names returns the registered method names, sorted.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.methods))
	for name := range r.methods {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Call invokes a registered method. An unknown name is MethodNotFound; all
// other failure modes are sanitized by Method.Invoke.
func (r *Registry) Call(ctx context.Context, name string, args []any, kwargs map[string]any, extra map[string]any) (any, error) {
	m, ok := r.Get(name)
	if !ok {
		return nil, protocol.MethodNotFound(fmt.Sprintf("method %s does not exist", name))
	}
	return m.Invoke(ctx, args, kwargs, extra)
}

// Describe returns the introspection description of one method.
func (r *Registry) Describe(name string) (map[string]any, bool) {
	m, ok := r.Get(name)
	if !ok {
		return nil, false
	}
	return describe(m), true
}

// DescribeAll returns the description of every registered method, keyed by
// name.
func (r *Registry) DescribeAll() map[string]any {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make(map[string]any, len(r.methods))
	for name, m := range r.methods {
		out[name] = describe(m)
	}
	return out
}

func describe(m *Method) map[string]any {
	return map[string]any{
		"doc":    m.Doc,
		"args":   append([]string{}, m.SupportedArgs...),
		"kwargs": append([]string{}, m.SupportedKwargs...),
	}
}

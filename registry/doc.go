// Package registry implements the JSON-RPC method table and invoker.
//
// A Method pairs a name with a callable and a declared parameter list. The
// declared names drive three things: positional/named argument binding,
// validation (arity, unknown names), and extra-arg injection, where
// framework-supplied context values are matched against parameter names so
// methods can receive them without the remote caller passing them.
//
// # Registering methods
//
// The reflection form introspects a Go function once at registration time.
// The function must look like
//
//	func(ctx context.Context, params P) (R, error)
//
// where P is a struct whose fields declare the parameters, in order, named
// by their json tags:
//
//	type subtractParams struct {
//	    A float64 `json:"a"`
//	    B float64 `json:"b"`
//	}
//	m, err := registry.Func("subtract", func(ctx context.Context, p subtractParams) (float64, error) {
//	    return p.A - p.B, nil
//	})
//
// Field tag options: `rpc:"kwonly"` makes a parameter keyword-only (it cannot
// be filled positionally), `rpc:"optional"` allows it to be absent.
//
// The builder form avoids reflection entirely: the caller supplies the
// declared names and a generic closure over raw args and kwargs:
//
//	m := registry.New("sum", func(ctx context.Context, args []any, kwargs map[string]any) (any, error) {
//	    ...
//	}, registry.WithVariadicArgs())
//
// # Error boundary
//
// Invoke is the single point where arbitrary method failures are sanitized:
// protocol errors pass through unchanged, while panics and plain errors are
// converted to InternalError carrying a formatted stack in the error data.
// Raw fault values never cross the wire.
package registry

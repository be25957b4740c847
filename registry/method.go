package registry

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"reflect"
	"strings"

	"github.com/mnehpets/onerpc/protocol"
)

// InvokeFunc is the generic call shape used by builder-form methods.
type InvokeFunc func(ctx context.Context, args []any, kwargs map[string]any) (any, error)

// Method is a registered, invocable JSON-RPC method.
type Method struct {
	Name string
	Doc  string

	// SupportedArgs lists the declared positional parameter names in order;
	// SupportedKwargs lists the keyword-only names. Both drive validation
	// and extra-arg injection.
	SupportedArgs   []string
	SupportedKwargs []string

	addExtraArgs   bool
	variadicArgs   bool
	variadicKwargs bool
	prepareResult  func(any) any

	// call binds and validates args/kwargs for the concrete registration
	// form and runs the underlying function.
	call InvokeFunc
}

// Option configures a Method at construction time.
type Option func(*Method)

// WithDoc attaches a documentation string, surfaced by introspection.
func WithDoc(doc string) Option { return func(m *Method) { m.Doc = doc } }

// WithArgs declares the positional parameter names of a builder-form method.
func WithArgs(names ...string) Option { return func(m *Method) { m.SupportedArgs = names } }

// WithKwargs declares the keyword-only parameter names of a builder-form
// method.
func WithKwargs(names ...string) Option { return func(m *Method) { m.SupportedKwargs = names } }

// WithVariadicArgs disables the positional arity check, letting the method
// accept any number of positional arguments.
func WithVariadicArgs() Option { return func(m *Method) { m.variadicArgs = true } }

// WithVariadicKwargs disables the unknown-keyword check.
func WithVariadicKwargs() Option { return func(m *Method) { m.variadicKwargs = true } }

// WithoutExtraArgs opts the method out of framework extra-arg injection.
func WithoutExtraArgs() Option { return func(m *Method) { m.addExtraArgs = false } }

// WithPrepareResult post-processes the method's return value before it is
// handed back to the dispatcher.
func WithPrepareResult(fn func(any) any) Option { return func(m *Method) { m.prepareResult = fn } }

// New creates a builder-form method around a generic closure. The closure
// receives validated args and kwargs; declared names come from WithArgs and
// WithKwargs.
func New(name string, fn InvokeFunc, opts ...Option) *Method {
	m := &Method{Name: name, addExtraArgs: true}
	for _, opt := range opts {
		opt(m)
	}
	m.call = func(ctx context.Context, args []any, kwargs map[string]any) (any, error) {
		if err := m.validate(args, kwargs); err != nil {
			return nil, err
		}
		return fn(ctx, args, kwargs)
	}
	return m
}

// validate enforces the declared parameter lists for builder-form methods.
func (m *Method) validate(args []any, kwargs map[string]any) error {
	if !m.variadicArgs && len(args) > len(m.SupportedArgs) {
		return protocol.InvalidParams(fmt.Sprintf(
			"%s takes at most %d positional arguments (%d given)",
			m.Name, len(m.SupportedArgs), len(args)))
	}
	if m.variadicKwargs {
		return nil
	}
	for k := range kwargs {
		if !contains(m.SupportedArgs, k) && !contains(m.SupportedKwargs, k) {
			return protocol.InvalidParams(fmt.Sprintf("%s got an unexpected argument %q", m.Name, k))
		}
	}
	return nil
}

// Invoke merges extra args, binds and validates the arguments, and runs the
// method. This is the sanitization boundary: protocol errors propagate
// unchanged, while panics and plain errors become InternalError with a
// formatted stack in the error data.
func (m *Method) Invoke(ctx context.Context, args []any, kwargs map[string]any, extra map[string]any) (result any, err error) {
	if m.addExtraArgs {
		args, kwargs = m.mergeExtraArgs(args, kwargs, extra)
	}

	defer func() {
		if p := recover(); p != nil {
			result = nil
			err = protocol.InternalError(fmt.Sprintf("method %s panicked: %v", m.Name, p)).WithStack()
		}
	}()

	result, err = m.call(ctx, args, kwargs)
	if err != nil {
		var perr *protocol.Error
		if errors.As(err, &perr) {
			return nil, perr
		}
		return nil, protocol.InternalError(err.Error()).WithStack()
	}
	if m.prepareResult != nil {
		result = m.prepareResult(result)
	}
	return result, nil
}

// mergeExtraArgs injects framework-supplied values by parameter name.
//
// Positional injection walks the declared positional names in order,
// prepending the matching extra values and stopping at the first name with
// no extra value. If that consumed every extra value, keyword merging is
// skipped; otherwise extras whose names appear in the keyword-only list are
// merged into kwargs, with caller-supplied kwargs winning on collision.
func (m *Method) mergeExtraArgs(args []any, kwargs map[string]any, extra map[string]any) ([]any, map[string]any) {
	if len(extra) == 0 {
		return args, kwargs
	}

	var front []any
	for _, name := range m.SupportedArgs {
		v, ok := extra[name]
		if !ok {
			break
		}
		front = append(front, v)
	}
	if len(front) > 0 {
		args = append(front, args...)
	}
	if len(front) == len(extra) {
		return args, kwargs
	}

	merged := make(map[string]any)
	for name, v := range extra {
		if contains(m.SupportedKwargs, name) {
			merged[name] = v
		}
	}
	if len(merged) == 0 {
		return args, kwargs
	}
	for k, v := range kwargs {
		merged[k] = v
	}
	return args, merged
}

func contains(names []string, name string) bool {
	for _, n := range names {
		if n == name {
			return true
		}
	}
	return false
}

var (
	ctxType = reflect.TypeOf((*context.Context)(nil)).Elem()
	errType = reflect.TypeOf((*error)(nil)).Elem()
)

// paramField holds the binding data for one field of a reflection-form
// params struct, computed once at registration.
type paramField struct {
	name     string
	index    int
	kwonly   bool
	optional bool
}

// Func creates a reflection-form method from fn, which must be
// func(ctx context.Context, params P) (R, error) with P a struct, or
// func(ctx context.Context) (R, error) for parameterless methods.
// Introspection happens once, here; invocations only bind.
func Func(name string, fn any, opts ...Option) (*Method, error) {
	ft := reflect.TypeOf(fn)
	if ft == nil || ft.Kind() != reflect.Func {
		return nil, fmt.Errorf("registry: %s: not a function", name)
	}
	if ft.NumIn() < 1 || ft.NumIn() > 2 || ft.In(0) != ctxType {
		return nil, fmt.Errorf("registry: %s: signature must be func(context.Context[, P]) (R, error)", name)
	}
	if ft.NumOut() != 2 || ft.Out(1) != errType {
		return nil, fmt.Errorf("registry: %s: signature must return (R, error)", name)
	}

	m := &Method{Name: name, addExtraArgs: true}

	var fields []paramField
	var pType reflect.Type
	if ft.NumIn() == 2 {
		pType = ft.In(1)
		if pType.Kind() != reflect.Struct {
			return nil, fmt.Errorf("registry: %s: params type must be a struct", name)
		}
		var err error
		fields, err = parseParamFields(pType)
		if err != nil {
			return nil, fmt.Errorf("registry: %s: %w", name, err)
		}
		for _, f := range fields {
			if f.kwonly {
				m.SupportedKwargs = append(m.SupportedKwargs, f.name)
			} else {
				m.SupportedArgs = append(m.SupportedArgs, f.name)
			}
		}
	}

	fv := reflect.ValueOf(fn)
	m.call = func(ctx context.Context, args []any, kwargs map[string]any) (any, error) {
		in := []reflect.Value{reflect.ValueOf(ctx)}
		if pType != nil {
			pv, err := bindParams(m.Name, pType, fields, args, kwargs)
			if err != nil {
				return nil, err
			}
			in = append(in, pv)
		} else if len(args) > 0 || len(kwargs) > 0 {
			return nil, protocol.InvalidParams(fmt.Sprintf("%s takes no arguments", m.Name))
		}

		out := fv.Call(in)
		if !out[1].IsNil() {
			return nil, out[1].Interface().(error)
		}
		return out[0].Interface(), nil
	}

	for _, opt := range opts {
		opt(m)
	}
	return m, nil
}

// MustFunc is Func that panics on a bad signature. Intended for wiring at
// startup.
func MustFunc(name string, fn any, opts ...Option) *Method {
	m, err := Func(name, fn, opts...)
	if err != nil {
		panic(err)
	}
	return m
}

func parseParamFields(pType reflect.Type) ([]paramField, error) {
	var fields []paramField
	for i := 0; i < pType.NumField(); i++ {
		sf := pType.Field(i)
		if sf.Name == "_" || !sf.IsExported() {
			continue
		}
		name := sf.Name
		if tag, ok := sf.Tag.Lookup("json"); ok {
			tagName := strings.Split(tag, ",")[0]
			if tagName == "-" {
				continue
			}
			if tagName != "" {
				name = tagName
			}
		}
		f := paramField{name: name, index: i}
		for _, opt := range strings.Split(sf.Tag.Get("rpc"), ",") {
			switch opt {
			case "kwonly":
				f.kwonly = true
			case "optional":
				f.optional = true
			case "":
			default:
				return nil, fmt.Errorf("unknown rpc tag option %q on field %s", opt, sf.Name)
			}
		}
		fields = append(fields, f)
	}
	return fields, nil
}

// bindParams fills a fresh P value from positional args and named kwargs.
// Positional values fill the non-kwonly fields in declared order; kwargs
// fill by name. Arity overflow, unknown names, double assignment, and
// missing required parameters are all InvalidParams.
func bindParams(method string, pType reflect.Type, fields []paramField, args []any, kwargs map[string]any) (reflect.Value, error) {
	pv := reflect.New(pType)
	assigned := make(map[string]bool, len(fields))

	var positional []paramField
	byName := make(map[string]paramField, len(fields))
	for _, f := range fields {
		byName[f.name] = f
		if !f.kwonly {
			positional = append(positional, f)
		}
	}

	if len(args) > len(positional) {
		return reflect.Value{}, protocol.InvalidParams(fmt.Sprintf(
			"%s takes at most %d positional arguments (%d given)", method, len(positional), len(args)))
	}
	for i, a := range args {
		f := positional[i]
		if err := assignField(pv.Elem().Field(f.index), a); err != nil {
			return reflect.Value{}, protocol.InvalidParams(fmt.Sprintf("%s: argument %q: %v", method, f.name, err))
		}
		assigned[f.name] = true
	}
	for k, v := range kwargs {
		f, ok := byName[k]
		if !ok {
			return reflect.Value{}, protocol.InvalidParams(fmt.Sprintf("%s got an unexpected argument %q", method, k))
		}
		if assigned[f.name] {
			return reflect.Value{}, protocol.InvalidParams(fmt.Sprintf("%s got multiple values for argument %q", method, k))
		}
		if err := assignField(pv.Elem().Field(f.index), v); err != nil {
			return reflect.Value{}, protocol.InvalidParams(fmt.Sprintf("%s: argument %q: %v", method, f.name, err))
		}
		assigned[f.name] = true
	}
	for _, f := range fields {
		if !assigned[f.name] && !f.optional {
			return reflect.Value{}, protocol.InvalidParams(fmt.Sprintf("%s missing required argument %q", method, f.name))
		}
	}
	return pv.Elem(), nil
}

// assignField sets a struct field from a decoded JSON value or an injected
// Go value. Directly assignable values (typically injected extras such as
// the live request) are set as-is; everything else goes through a JSON
// round trip so wire numbers and objects land in typed fields.
func assignField(field reflect.Value, value any) error {
	if value != nil {
		vv := reflect.ValueOf(value)
		if vv.Type().AssignableTo(field.Type()) {
			field.Set(vv)
			return nil
		}
	}
	raw, err := json.Marshal(value)
	if err != nil {
		return err
	}
	return json.Unmarshal(raw, field.Addr().Interface())
}

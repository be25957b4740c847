package registry

import (
	"context"
	"errors"
	"reflect"
	"testing"

	"github.com/mnehpets/onerpc/protocol"
)

func TestRegistryAdd(t *testing.T) {
	r := NewRegistry()
	m := New("echo", func(ctx context.Context, args []any, kwargs map[string]any) (any, error) {
		return args, nil
	}, WithVariadicArgs())

	if err := r.Add(m, false); err != nil {
		t.Fatal(err)
	}

	t.Run("duplicate rejected", func(t *testing.T) {
		err := r.Add(m, false)
		if !errors.Is(err, protocol.ErrInvalidParams) {
			t.Errorf("got %v, want invalid params", err)
		}
	})

	t.Run("replace allowed", func(t *testing.T) {
		if err := r.Add(m, true); err != nil {
			t.Errorf("replace failed: %v", err)
		}
	})

	t.Run("nameless rejected", func(t *testing.T) {
		if err := r.Add(New("", nil), false); err == nil {
			t.Error("nameless method accepted")
		}
	})
}

func TestRegistryCall(t *testing.T) {
	r := NewRegistry()
	r.MustAdd(New("echo", func(ctx context.Context, args []any, kwargs map[string]any) (any, error) {
		return args, nil
	}, WithVariadicArgs()))

	got, err := r.Call(context.Background(), "echo", []any{"hi"}, nil, nil)
	if err != nil {
		t.Fatal(err)
	}
	if !reflect.DeepEqual(got, []any{"hi"}) {
		t.Errorf("got %v, want [hi]", got)
	}

	_, err = r.Call(context.Background(), "missing", nil, nil, nil)
	if !errors.Is(err, protocol.ErrMethodNotFound) {
		t.Errorf("got %v, want method not found", err)
	}
}

func TestRegistryNames(t *testing.T) {
	r := NewRegistry()
	r.MustAdd(New("zeta", func(ctx context.Context, args []any, kwargs map[string]any) (any, error) {
		return nil, nil
	}))
	r.MustAdd(New("alpha", func(ctx context.Context, args []any, kwargs map[string]any) (any, error) {
		return nil, nil
	}))

	want := []string{"alpha", "get_method", "get_methods", "zeta"}
	if got := r.Names(); !reflect.DeepEqual(got, want) {
		t.Errorf("got %v, want %v", got, want)
	}
}

func TestBuiltinIntrospection(t *testing.T) {
	r := NewRegistry()
	r.MustAdd(MustFunc("sum", func(ctx context.Context, p struct {
		A float64 `json:"a"`
		B float64 `json:"b"`
	}) (float64, error) {
		return p.A + p.B, nil
	}, WithDoc("Adds two numbers.")))

	t.Run("get_methods", func(t *testing.T) {
		got, err := r.Call(context.Background(), "get_methods", nil, nil, nil)
		if err != nil {
			t.Fatal(err)
		}
		all, ok := got.(map[string]any)
		if !ok {
			t.Fatalf("got %T, want map", got)
		}
		desc, ok := all["sum"].(map[string]any)
		if !ok {
			t.Fatal("sum not described")
		}
		if desc["doc"] != "Adds two numbers." {
			t.Errorf("got doc %v", desc["doc"])
		}
		if !reflect.DeepEqual(desc["args"], []string{"a", "b"}) {
			t.Errorf("got args %v, want [a b]", desc["args"])
		}
	})

	t.Run("get_method", func(t *testing.T) {
		got, err := r.Call(context.Background(), "get_method", []any{"sum"}, nil, nil)
		if err != nil {
			t.Fatal(err)
		}
		if got == nil {
			t.Fatal("known method described as null")
		}
	})

	t.Run("get_method unknown is null", func(t *testing.T) {
		got, err := r.Call(context.Background(), "get_method", []any{"nope"}, nil, nil)
		if err != nil {
			t.Fatal(err)
		}
		if got != nil {
			t.Errorf("got %v, want null", got)
		}
	})

	t.Run("get_method requires a name", func(t *testing.T) {
		_, err := r.Call(context.Background(), "get_method", nil, nil, nil)
		if !errors.Is(err, protocol.ErrInvalidParams) {
			t.Errorf("got %v, want invalid params", err)
		}
	})
}

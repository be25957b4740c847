package registry

import (
	"context"
	"errors"
	"fmt"
	"reflect"
	"testing"

	"github.com/mnehpets/onerpc/protocol"
)

func TestFuncSignatureValidation(t *testing.T) {
	tests := []struct {
		name string
		fn   any
	}{
		{"not a function", 42},
		{"no context", func(a int) (int, error) { return a, nil }},
		{"non-struct params", func(ctx context.Context, a int) (int, error) { return a, nil }},
		{"no error result", func(ctx context.Context) int { return 0 }},
		{"too many inputs", func(ctx context.Context, a, b struct{}) (int, error) { return 0, nil }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := Func("bad", tt.fn); err == nil {
				t.Error("invalid signature accepted")
			}
		})
	}
}

func TestFuncIntrospectsParamNames(t *testing.T) {
	m := MustFunc("transfer", func(ctx context.Context, p struct {
		From   string  `json:"from"`
		To     string  `json:"to"`
		Amount float64 `json:"amount"`
		Memo   string  `json:"memo" rpc:"kwonly,optional"`
	}) (string, error) {
		return "ok", nil
	})

	if want := []string{"from", "to", "amount"}; !reflect.DeepEqual(m.SupportedArgs, want) {
		t.Errorf("got args %v, want %v", m.SupportedArgs, want)
	}
	if want := []string{"memo"}; !reflect.DeepEqual(m.SupportedKwargs, want) {
		t.Errorf("got kwargs %v, want %v", m.SupportedKwargs, want)
	}
}

func TestInvokeBindsPositionalAndNamed(t *testing.T) {
	m := MustFunc("sub", func(ctx context.Context, p struct {
		A float64 `json:"a"`
		B float64 `json:"b"`
	}) (float64, error) {
		return p.A - p.B, nil
	})

	t.Run("positional", func(t *testing.T) {
		got, err := m.Invoke(context.Background(), []any{5.0, 2.0}, nil, nil)
		if err != nil {
			t.Fatal(err)
		}
		if got != 3.0 {
			t.Errorf("got %v, want 3", got)
		}
	})

	t.Run("named", func(t *testing.T) {
		got, err := m.Invoke(context.Background(), nil, map[string]any{"a": 5.0, "b": 2.0}, nil)
		if err != nil {
			t.Fatal(err)
		}
		if got != 3.0 {
			t.Errorf("got %v, want 3", got)
		}
	})

	t.Run("mixed", func(t *testing.T) {
		got, err := m.Invoke(context.Background(), []any{5.0}, map[string]any{"b": 2.0}, nil)
		if err != nil {
			t.Fatal(err)
		}
		if got != 3.0 {
			t.Errorf("got %v, want 3", got)
		}
	})
}

func TestInvokeBindingFailures(t *testing.T) {
	m := MustFunc("sub", func(ctx context.Context, p struct {
		A float64 `json:"a"`
		B float64 `json:"b" rpc:"optional"`
	}) (float64, error) {
		return p.A - p.B, nil
	})

	tests := []struct {
		name   string
		args   []any
		kwargs map[string]any
	}{
		{"too many positional", []any{1.0, 2.0, 3.0}, nil},
		{"unknown keyword", nil, map[string]any{"a": 1.0, "c": 2.0}},
		{"double assignment", []any{1.0}, map[string]any{"a": 2.0}},
		{"missing required", nil, map[string]any{"b": 2.0}},
		{"type mismatch", []any{"not a number"}, nil},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := m.Invoke(context.Background(), tt.args, tt.kwargs, nil)
			if !errors.Is(err, protocol.ErrInvalidParams) {
				t.Errorf("got %v, want invalid params", err)
			}
		})
	}
}

func TestInvokeSanitizesFaults(t *testing.T) {
	t.Run("panic becomes internal error with stack", func(t *testing.T) {
		m := New("boom", func(ctx context.Context, args []any, kwargs map[string]any) (any, error) {
			panic("blew up")
		})
		_, err := m.Invoke(context.Background(), nil, nil, nil)
		if !errors.Is(err, protocol.ErrInternalError) {
			t.Fatalf("got %v, want internal error", err)
		}
		var perr *protocol.Error
		errors.As(err, &perr)
		data, _ := perr.Data.(map[string]any)
		if _, ok := data["stack"]; !ok {
			t.Error("no stack attached")
		}
	})

	t.Run("plain error becomes internal error", func(t *testing.T) {
		m := New("fail", func(ctx context.Context, args []any, kwargs map[string]any) (any, error) {
			return nil, fmt.Errorf("disk on fire")
		})
		_, err := m.Invoke(context.Background(), nil, nil, nil)
		if !errors.Is(err, protocol.ErrInternalError) {
			t.Fatalf("got %v, want internal error", err)
		}
		var perr *protocol.Error
		errors.As(err, &perr)
		if perr.Message != "disk on fire" {
			t.Errorf("got message %q, want original text", perr.Message)
		}
	})

	t.Run("protocol error passes through", func(t *testing.T) {
		m := New("reject", func(ctx context.Context, args []any, kwargs map[string]any) (any, error) {
			return nil, protocol.InvalidParams("nope")
		})
		_, err := m.Invoke(context.Background(), nil, nil, nil)
		if !errors.Is(err, protocol.ErrInvalidParams) {
			t.Errorf("got %v, want invalid params untouched", err)
		}
	})
}

func TestExtraArgInjection(t *testing.T) {
	t.Run("front positional merge", func(t *testing.T) {
		var seen []any
		m := New("observe", func(ctx context.Context, args []any, kwargs map[string]any) (any, error) {
			seen = args
			return nil, nil
		}, WithArgs("request", "value"))

		_, err := m.Invoke(context.Background(), []any{"payload"}, nil, map[string]any{"request": "REQ"})
		if err != nil {
			t.Fatal(err)
		}
		if !reflect.DeepEqual(seen, []any{"REQ", "payload"}) {
			t.Errorf("got args %v, want injected front value", seen)
		}
	})

	t.Run("keyword merge with caller winning", func(t *testing.T) {
		var seen map[string]any
		m := New("observe", func(ctx context.Context, args []any, kwargs map[string]any) (any, error) {
			seen = kwargs
			return nil, nil
		}, WithKwargs("request", "tag"))

		_, err := m.Invoke(context.Background(), nil,
			map[string]any{"tag": "caller"},
			map[string]any{"request": "REQ", "tag": "injected"})
		if err != nil {
			t.Fatal(err)
		}
		if seen["request"] != "REQ" {
			t.Errorf("extra %q not injected: %v", "request", seen)
		}
		if seen["tag"] != "caller" {
			t.Errorf("caller kwarg overridden: %v", seen)
		}
	})

	t.Run("unmatched extras are dropped", func(t *testing.T) {
		var seen []any
		m := New("observe", func(ctx context.Context, args []any, kwargs map[string]any) (any, error) {
			seen = args
			return nil, nil
		}, WithArgs("value"))

		_, err := m.Invoke(context.Background(), []any{"x"}, nil, map[string]any{"request": "REQ"})
		if err != nil {
			t.Fatal(err)
		}
		if !reflect.DeepEqual(seen, []any{"x"}) {
			t.Errorf("got args %v, want untouched", seen)
		}
	})

	t.Run("opt-out", func(t *testing.T) {
		var seen []any
		m := New("observe", func(ctx context.Context, args []any, kwargs map[string]any) (any, error) {
			seen = args
			return nil, nil
		}, WithArgs("request"), WithoutExtraArgs())

		_, err := m.Invoke(context.Background(), nil, nil, map[string]any{"request": "REQ"})
		if err != nil {
			t.Fatal(err)
		}
		if len(seen) != 0 {
			t.Errorf("got args %v, want none", seen)
		}
	})
}

func TestInjectedRequestBinding(t *testing.T) {
	// An injected Go value lands in a same-typed struct field without a
	// JSON round trip.
	m := MustFunc("whoami", func(ctx context.Context, p struct {
		Request *protocol.Request `json:"request"`
	}) (string, error) {
		return p.Request.Method, nil
	})

	req, err := protocol.NewRequest(1, "whoami", nil, nil)
	if err != nil {
		t.Fatal(err)
	}
	got, err := m.Invoke(context.Background(), nil, nil, map[string]any{"request": req})
	if err != nil {
		t.Fatal(err)
	}
	if got != "whoami" {
		t.Errorf("got %v, want whoami", got)
	}
}

func TestVariadicOptions(t *testing.T) {
	m := New("gather", func(ctx context.Context, args []any, kwargs map[string]any) (any, error) {
		return len(args) + len(kwargs), nil
	}, WithVariadicArgs(), WithVariadicKwargs())

	got, err := m.Invoke(context.Background(), []any{1, 2, 3}, map[string]any{"a": 1, "b": 2}, nil)
	if err != nil {
		t.Fatal(err)
	}
	if got != 5 {
		t.Errorf("got %v, want 5", got)
	}
}

func TestPrepareResult(t *testing.T) {
	m := New("wrap", func(ctx context.Context, args []any, kwargs map[string]any) (any, error) {
		return "inner", nil
	}, WithPrepareResult(func(v any) any {
		return map[string]any{"wrapped": v}
	}))

	got, err := m.Invoke(context.Background(), nil, nil, nil)
	if err != nil {
		t.Fatal(err)
	}
	wrapped, ok := got.(map[string]any)
	if !ok || wrapped["wrapped"] != "inner" {
		t.Errorf("got %#v, want wrapped result", got)
	}
}

func TestParameterlessFunc(t *testing.T) {
	m := MustFunc("ping", func(ctx context.Context) (string, error) {
		return "pong", nil
	})
	got, err := m.Invoke(context.Background(), nil, nil, nil)
	if err != nil {
		t.Fatal(err)
	}
	if got != "pong" {
		t.Errorf("got %v, want pong", got)
	}

	if _, err := m.Invoke(context.Background(), []any{1}, nil, nil); !errors.Is(err, protocol.ErrInvalidParams) {
		t.Errorf("got %v, want invalid params for unexpected args", err)
	}
}

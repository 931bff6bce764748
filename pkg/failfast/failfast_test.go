package failfast

import (
	"errors"
	"testing"
)

// recovered runs fn and returns the panic value converted to an error.
func recovered(t *testing.T, fn func()) (err error) {
	t.Helper()
	defer func() {
		r := recover()
		if r == nil {
			return
		}
		e, ok := r.(error)
		if !ok {
			t.Fatalf("Expected error type, got: %T", r)
		}
		err = e
	}()
	fn()
	return nil
}

func TestErr(t *testing.T) {
	if err := recovered(t, func() { Err(nil) }); err != nil {
		t.Errorf("Expected no panic, got: %v", err)
	}
	sentinel := errors.New("boom")
	err := recovered(t, func() { Err(sentinel) })
	if !errors.Is(err, sentinel) {
		t.Errorf("Expected panic wrapping sentinel, got: %v", err)
	}
}

func TestNotNil(t *testing.T) {
	var (
		ptr *int
		m   map[string]int
		fn  func()
		s   []float64
	)
	val := 1
	tests := []struct {
		name      string
		value     interface{}
		wantPanic bool
	}{
		{"untyped nil", nil, true},
		{"nil pointer", ptr, true},
		{"nil map", m, true},
		{"nil func", fn, true},
		{"nil slice", s, true},
		{"pointer", &val, false},
		{"value", 3, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := recovered(t, func() { NotNil(tt.value, "x") })
			if (err != nil) != tt.wantPanic {
				t.Errorf("NotNil() panic = %v, wantPanic %v", err, tt.wantPanic)
			}
			if err != nil && err.Error() != "fail-fast: x is nil" {
				t.Errorf("unexpected message %q", err.Error())
			}
		})
	}
}

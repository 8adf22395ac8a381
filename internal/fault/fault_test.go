package fault

import (
	"fmt"
	"io"
	"testing"

	"github.com/pkg/errors"
)

func TestKindOf(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want Kind
	}{
		{"nil", nil, Unknown},
		{"plain", io.EOF, Unknown},
		{"direct", Wrap(Timeout, "sign on", io.EOF), Timeout},
		{"wrapped by fmt", fmt.Errorf("page 3: %w", Wrap(Integrity, "verify", io.EOF)), Integrity},
		{"wrapped by pkg/errors", errors.Wrap(New(Format, "manifest", "bad otaId %q", "x"), "parse"), Format},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := KindOf(tt.err); got != tt.want {
				t.Errorf("KindOf() = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestWrapNil(t *testing.T) {
	if err := Wrap(Transport, "op", nil); err != nil {
		t.Errorf("Wrap(nil) = %v, want nil", err)
	}
}

func TestUnwrap(t *testing.T) {
	err := Wrap(Transport, "write", io.ErrClosedPipe)
	if !errors.Is(err, io.ErrClosedPipe) {
		t.Errorf("errors.Is(%v, io.ErrClosedPipe) = false, want true", err)
	}
	if err.Error() != "write: transport error: io: read/write on closed pipe" {
		t.Errorf("Error() = %q", err.Error())
	}
}

func TestRetryable(t *testing.T) {
	tests := []struct {
		kind Kind
		want bool
	}{
		{Transport, true},
		{Timeout, true},
		{Framing, true},
		{Integrity, false},
		{Capacity, false},
		{Format, false},
		{Device, false},
	}

	for _, tt := range tests {
		if got := Retryable(Wrap(tt.kind, "op", io.EOF)); got != tt.want {
			t.Errorf("Retryable(%v) = %v, want %v", tt.kind, got, tt.want)
		}
	}
	if !IsTimeout(Wrap(Timeout, "op", io.EOF)) {
		t.Error("IsTimeout() = false, want true")
	}
}

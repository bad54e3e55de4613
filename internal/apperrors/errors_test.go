package apperrors

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"testing"
)

func TestValidation(t *testing.T) {
	t.Parallel()
	err := Validation("avatar_id", "avatar is required")

	if !errors.Is(err, ErrValidation) {
		t.Fatal("expected error to match ErrValidation")
	}
	var appErr *Error
	if !errors.As(err, &appErr) {
		t.Fatal("expected error to be *Error")
	}
	if appErr.Field != "avatar_id" {
		t.Errorf("expected field avatar_id, got %q", appErr.Field)
	}
}

func TestNotFound(t *testing.T) {
	t.Parallel()
	err := NotFound("project", "p1")
	if !errors.Is(err, ErrNotFound) {
		t.Fatal("expected ErrNotFound")
	}
	if err.Error() != "project p1 not found" {
		t.Errorf("unexpected message %q", err.Error())
	}
}

func TestTransientKeepsCause(t *testing.T) {
	t.Parallel()
	err := Transient("provider.query", context.DeadlineExceeded)

	if !errors.Is(err, ErrTransient) {
		t.Fatal("expected ErrTransient")
	}
	if !errors.Is(err, context.DeadlineExceeded) {
		t.Fatal("expected cause to be reachable through errors.Is")
	}
	if errors.Is(err, ErrInternal) {
		t.Fatal("transient error must not classify as internal")
	}
}

func TestTimeout(t *testing.T) {
	t.Parallel()
	err := Timeout("await job j1", 3)
	if !errors.Is(err, ErrTimeout) {
		t.Fatal("expected ErrTimeout")
	}
	if err.Error() != "await job j1: still pending after 3 attempts" {
		t.Errorf("unexpected message %q", err.Error())
	}
}

func TestHTTPStatus(t *testing.T) {
	t.Parallel()
	tests := []struct {
		name     string
		err      error
		expected int
	}{
		{"validation", Validation("id", "required"), http.StatusBadRequest},
		{"not found", NotFound("job", "123"), http.StatusNotFound},
		{"conflict", Conflict("project", "active job exists"), http.StatusConflict},
		{"transient", Transient("op", fmt.Errorf("503")), http.StatusServiceUnavailable},
		{"timeout", Timeout("op", 1), http.StatusGatewayTimeout},
		{"internal", Internal("op", fmt.Errorf("fail")), http.StatusInternalServerError},
		{"wrapped conflict", fmt.Errorf("wrap: %w", Conflict("p", "m")), http.StatusConflict},
		{"unknown error", fmt.Errorf("unknown"), http.StatusInternalServerError},
		{"nil error", nil, http.StatusInternalServerError},
	}

	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			if got := HTTPStatus(tt.err); got != tt.expected {
				t.Errorf("HTTPStatus() = %d, want %d", got, tt.expected)
			}
		})
	}
}

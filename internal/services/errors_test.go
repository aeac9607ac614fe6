package services_test

import (
	"errors"
	"fmt"
	"net/http"
	"strings"
	"testing"

	"sqlrescue/internal/services"
)

func TestWrapIncludesContext(t *testing.T) {
	base := errors.New("boom")
	err := services.Wrap(services.ErrExternalTool, "recovery", "dump", "failed", base)
	if err == nil {
		t.Fatal("expected error")
	}
	if !errors.Is(err, services.ErrExternalTool) {
		t.Fatalf("expected marker to be retained, got %v", err)
	}
	if !errors.Is(err, base) {
		t.Fatalf("expected wrapped error to contain base error, got %v", err)
	}
	msg := err.Error()
	for _, fragment := range []string{"recovery", "dump", "failed"} {
		if !strings.Contains(msg, fragment) {
			t.Fatalf("expected %q in error string %q", fragment, msg)
		}
	}
}

func TestWrapWithoutDetail(t *testing.T) {
	err := services.Wrap(nil, "", "", "", nil)
	if !errors.Is(err, services.ErrExternalTool) {
		t.Fatalf("expected default marker, got %v", err)
	}
	if !strings.Contains(err.Error(), "service failure") {
		t.Fatalf("expected placeholder detail, got %q", err.Error())
	}
}

func TestHTTPStatusMapping(t *testing.T) {
	tests := []struct {
		err  error
		want int
	}{
		{nil, http.StatusOK},
		{services.Wrap(services.ErrNotFound, "intake", "select", "no database", nil), http.StatusNotFound},
		{services.Wrap(services.ErrValidation, "api", "recover", "bad option", nil), http.StatusBadRequest},
		{fmt.Errorf("outer: %w", services.ErrTimeout), http.StatusGatewayTimeout},
		{&services.MaterializationError{Target: "x.db", ExitCode: 1}, http.StatusInternalServerError},
	}
	for _, tt := range tests {
		if got := services.HTTPStatus(tt.err); got != tt.want {
			t.Fatalf("HTTPStatus(%v) = %d, want %d", tt.err, got, tt.want)
		}
	}
}

func TestMaterializationErrorUnwraps(t *testing.T) {
	cause := errors.New("disk full")
	err := error(&services.MaterializationError{Script: "a.sql", Target: "a.db", ExitCode: 1, Stderr: "Error: near line 3\n", Err: cause})
	if !errors.Is(err, services.ErrMaterialization) {
		t.Fatal("expected materialization marker")
	}
	if !errors.Is(err, cause) {
		t.Fatal("expected cause to be reachable")
	}
	var me *services.MaterializationError
	if !errors.As(err, &me) || me.Script != "a.sql" {
		t.Fatalf("expected errors.As to find script, got %+v", me)
	}
	if !strings.Contains(err.Error(), "near line 3") {
		t.Fatalf("expected stderr in message, got %q", err.Error())
	}
}

func TestIsRecoverable(t *testing.T) {
	if services.IsRecoverable(services.Wrap(services.ErrSpawn, "procexec", "start", "", nil)) {
		t.Fatal("spawn failures must not be recoverable")
	}
	if !services.IsRecoverable(services.Wrap(services.ErrStalled, "watchdog", "dump", "", nil)) {
		t.Fatal("stalls should move on to the next strategy")
	}
	if !services.IsRecoverable(services.ErrTimeout) {
		t.Fatal("timeouts should move on to the next strategy")
	}
}

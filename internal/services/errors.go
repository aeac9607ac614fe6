package services

import (
	"errors"
	"fmt"
	"net/http"
	"strings"
)

var (
	ErrSpawn           = errors.New("spawn failure")
	ErrExternalTool    = errors.New("external tool error")
	ErrTimeout         = errors.New("timeout")
	ErrStalled         = errors.New("output stalled")
	ErrPartial         = errors.New("partial recovery")
	ErrMaterialization = errors.New("materialization failed")
	ErrValidation      = errors.New("validation error")
	ErrConfiguration   = errors.New("configuration error")
	ErrNotFound        = errors.New("not found")
	ErrCanceled        = errors.New("canceled")
	ErrExhausted       = errors.New("all recovery strategies failed")
)

// Wrap builds an error message that includes component context while tagging
// it with the provided marker for later classification. The marker should be
// one of the exported sentinel errors above.
func Wrap(marker error, component, operation, message string, err error) error {
	detail := buildDetail(component, operation, message)
	if marker == nil {
		marker = ErrExternalTool
	}
	if err != nil {
		return fmt.Errorf("%w: %s: %w", marker, detail, err)
	}
	return fmt.Errorf("%w: %s", marker, detail)
}

// MaterializationError reports that a recovered SQL script could not be
// replayed into a database file. The script itself is still on disk.
type MaterializationError struct {
	Script   string
	Target   string
	ExitCode int
	Stderr   string
	Err      error
}

func (e *MaterializationError) Error() string {
	var b strings.Builder
	b.WriteString("materialize ")
	b.WriteString(e.Target)
	if e.ExitCode != 0 {
		fmt.Fprintf(&b, ": exit status %d", e.ExitCode)
	}
	if e.Err != nil {
		b.WriteString(": ")
		b.WriteString(e.Err.Error())
	}
	if stderr := strings.TrimSpace(e.Stderr); stderr != "" {
		b.WriteString(": ")
		b.WriteString(stderr)
	}
	return b.String()
}

func (e *MaterializationError) Unwrap() []error {
	if e.Err == nil {
		return []error{ErrMaterialization}
	}
	return []error{ErrMaterialization, e.Err}
}

// HTTPStatus maps an error to the response status the API should use.
func HTTPStatus(err error) int {
	switch {
	case err == nil:
		return http.StatusOK
	case errors.Is(err, ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, ErrValidation):
		return http.StatusBadRequest
	case errors.Is(err, ErrCanceled):
		return http.StatusConflict
	case errors.Is(err, ErrTimeout):
		return http.StatusGatewayTimeout
	default:
		return http.StatusInternalServerError
	}
}

// IsRecoverable reports whether a strategy failure should move the chain on to
// the next fallback instead of aborting the session.
func IsRecoverable(err error) bool {
	if err == nil {
		return true
	}
	return !errors.Is(err, ErrSpawn) && !errors.Is(err, ErrCanceled) && !errors.Is(err, ErrConfiguration)
}

func buildDetail(component, operation, message string) string {
	parts := make([]string, 0, 3)
	if component = strings.TrimSpace(component); component != "" {
		parts = append(parts, component)
	}
	if operation = strings.TrimSpace(operation); operation != "" {
		parts = append(parts, operation)
	}
	if message = strings.TrimSpace(message); message != "" {
		parts = append(parts, message)
	}
	if len(parts) == 0 {
		return "service failure"
	}
	return strings.Join(parts, ": ")
}

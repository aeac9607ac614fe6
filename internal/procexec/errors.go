package procexec

import (
	"fmt"
	"time"

	"sqlrescue/internal/services"
)

// SpawnError reports that the binary could not be started at all.
type SpawnError struct {
	Binary string
	Err    error
}

func (e *SpawnError) Error() string {
	return fmt.Sprintf("spawn %s: %v", e.Binary, e.Err)
}

func (e *SpawnError) Unwrap() []error { return []error{services.ErrSpawn, e.Err} }

// TimeoutError reports that a run exceeded its timeout and was terminated.
// Result holds whatever output arrived before the kill.
type TimeoutError struct {
	Binary  string
	Timeout time.Duration
	Result  Result
}

func (e *TimeoutError) Error() string {
	return fmt.Sprintf("%s timed out after %s", e.Binary, e.Timeout)
}

func (e *TimeoutError) Unwrap() error { return services.ErrTimeout }

// OutputLimitError reports that captured stdout grew past Options.MaxOutput.
type OutputLimitError struct {
	Binary string
	Limit  int64
}

func (e *OutputLimitError) Error() string {
	return fmt.Sprintf("%s output exceeded %d bytes", e.Binary, e.Limit)
}

func (e *OutputLimitError) Unwrap() error { return services.ErrExternalTool }

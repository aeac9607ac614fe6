package preflight

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/exec"
	"strings"
	"time"

	"golang.org/x/sys/unix"

	"sqlrescue/internal/config"
	"sqlrescue/internal/deps"
)

// CheckSQLiteShell verifies that the sqlite3 binary resolves and answers
// the capability probe. A shell without .recover passes with a note since
// the dump strategies still work.
func CheckSQLiteShell(ctx context.Context, binary string, prober Prober) Result {
	const name = "SQLite shell"

	binary = strings.TrimSpace(binary)
	if binary == "" {
		return Result{Name: name, Detail: "binary not configured"}
	}
	if _, err := exec.LookPath(binary); err != nil {
		return Result{Name: name, Detail: fmt.Sprintf("binary %q not found", binary)}
	}

	caps, err := prober.Capabilities(ctx)
	if err != nil {
		return Result{Name: name, Detail: summarizeError("probe", err)}
	}
	version := caps.Version
	if version == "" {
		version = "unknown version"
	}
	if !caps.Recover {
		return Result{Name: name, Passed: true, Detail: fmt.Sprintf("%s (.recover unavailable, dump strategies only)", version)}
	}
	return Result{Name: name, Passed: true, Detail: fmt.Sprintf("%s (.recover available)", version)}
}

// CheckDaemon verifies that a sqlrescue daemon answers its health endpoint.
func CheckDaemon(ctx context.Context, baseURL string) Result {
	const name = "Daemon"

	base := strings.TrimRight(strings.TrimSpace(baseURL), "/")
	if base == "" {
		return Result{Name: name, Detail: "missing url"}
	}
	if !strings.Contains(base, "://") {
		base = "http://" + base
	}

	checkCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	client := &http.Client{Timeout: 5 * time.Second}
	req, err := http.NewRequestWithContext(checkCtx, http.MethodGet, base+"/api/health", nil)
	if err != nil {
		return Result{Name: name, Detail: fmt.Sprintf("health check failed (%v)", err)}
	}

	resp, err := client.Do(req)
	if err != nil {
		return Result{Name: name, Detail: summarizeError("health check", err)}
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return Result{Name: name, Detail: fmt.Sprintf("health check failed (%d)", resp.StatusCode)}
	}
	return Result{Name: name, Passed: true, Detail: "Reachable at " + base}
}

// CheckDirectoryAccess verifies that the directory exists and is readable/writable.
func CheckDirectoryAccess(name, path string) Result {
	info, err := os.Stat(path)
	if err != nil {
		if os.IsNotExist(err) {
			return Result{Name: name, Detail: fmt.Sprintf("%s (error: does not exist)", path)}
		}
		return Result{Name: name, Detail: fmt.Sprintf("%s (error: stat: %v)", path, err)}
	}
	if !info.IsDir() {
		return Result{Name: name, Detail: fmt.Sprintf("%s (error: is not a directory)", path)}
	}
	if err := unix.Access(path, unix.R_OK|unix.W_OK|unix.X_OK); err != nil {
		return Result{Name: name, Detail: fmt.Sprintf("%s (error: insufficient permissions: %v)", path, err)}
	}
	return Result{Name: name, Passed: true, Detail: fmt.Sprintf("%s (read/write ok)", path)}
}

// CheckSystemDeps evaluates the external binaries for the given config.
// Both the serve runtime and the CLI status command use this.
func CheckSystemDeps(cfg *config.Config) []deps.Status {
	return deps.CheckBinaries([]deps.Requirement{
		{
			Name:        "SQLite shell",
			Command:     cfg.SQLiteBinary(),
			Description: "Required for every recovery strategy",
		},
	})
}

func summarizeError(action string, err error) string {
	if errors.Is(err, context.DeadlineExceeded) {
		return action + " timed out"
	}
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return action + " timed out"
	}
	return fmt.Sprintf("%s failed (%v)", action, err)
}

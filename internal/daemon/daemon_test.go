package daemon

import (
	"context"
	"net/http"
	"testing"

	"sqlrescue/internal/workflow"
)

func TestDaemonStartStop(t *testing.T) {
	d, _ := newTestDaemon(t, "")
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if err := d.Start(ctx); err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	t.Cleanup(func() { _ = d.Close() })

	if !d.Status(ctx).Running {
		t.Fatal("expected daemon to report running")
	}
	if err := d.Start(ctx); err == nil {
		t.Fatal("expected second start to fail")
	}

	resp, err := http.Get("http://" + d.Address() + "/api/health")
	if err != nil {
		t.Fatalf("GET health on listener: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("health status = %d", resp.StatusCode)
	}

	d.Stop()
	if d.Status(ctx).Running {
		t.Fatal("expected daemon to be stopped")
	}
}

func TestSecondDaemonRefusesSameLock(t *testing.T) {
	first, _ := newTestDaemon(t, "")
	svc, err := workflow.New(first.cfg, nil)
	if err != nil {
		t.Fatalf("workflow.New: %v", err)
	}
	second, err := New(first.cfg, nil, svc)
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	ctx := context.Background()
	if err := first.Start(ctx); err != nil {
		t.Fatalf("first Start: %v", err)
	}
	if err := second.Start(ctx); err == nil {
		second.Stop()
		t.Fatal("second daemon started while the first holds the lock")
	}
	first.Stop()
	if err := second.Start(ctx); err != nil {
		t.Fatalf("second Start after release: %v", err)
	}
	second.Stop()
}

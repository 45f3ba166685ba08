package supervisor

import (
	"context"
	"errors"
	"log/slog"
	"os"
	"sync/atomic"
	"testing"
	"time"
)

type mockService struct {
	name     string
	starts   atomic.Int32
	maxFails int32
	fails    atomic.Int32
}

func (m *mockService) Serve(ctx context.Context) error {
	m.starts.Add(1)
	if m.maxFails > 0 && m.fails.Add(1) <= m.maxFails {
		return errors.New("simulated failure")
	}
	<-ctx.Done()
	return ctx.Err()
}

func (m *mockService) String() string { return m.name }

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError}))
}

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatal("condition not met in time")
}

func TestTreeDefaults(t *testing.T) {
	tree := NewTree(testLogger(), TreeConfig{})
	if tree.Root() == nil {
		t.Fatal("root supervisor should not be nil")
	}
	if tree.config != DefaultTreeConfig() {
		t.Errorf("expected defaults, got %+v", tree.config)
	}

	tree = NewTree(testLogger(), TreeConfig{FailureBackoff: time.Second})
	if tree.config.FailureBackoff != time.Second {
		t.Errorf("explicit FailureBackoff overwritten: %v", tree.config.FailureBackoff)
	}
	if tree.config.FailureThreshold != 5.0 {
		t.Errorf("expected default FailureThreshold 5, got %f", tree.config.FailureThreshold)
	}
}

func TestTreeStartsBothLayers(t *testing.T) {
	tree := NewTree(testLogger(), TreeConfig{ShutdownTimeout: time.Second})
	rt := &mockService{name: "health-monitor"}
	api := &mockService{name: "status-server"}
	tree.AddRealtimeService(rt)
	tree.AddAPIService(api)

	ctx, cancel := context.WithCancel(context.Background())
	errCh := tree.ServeBackground(ctx)

	waitFor(t, func() bool { return rt.starts.Load() == 1 && api.starts.Load() == 1 })
	cancel()

	select {
	case err := <-errCh:
		if err != nil && !errors.Is(err, context.Canceled) {
			t.Errorf("unexpected error: %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("tree did not shut down in time")
	}
}

func TestTreeRestartsFailedService(t *testing.T) {
	tree := NewTree(testLogger(), TreeConfig{
		FailureThreshold: 10,
		FailureBackoff:   10 * time.Millisecond,
		ShutdownTimeout:  time.Second,
	})
	flaky := &mockService{name: "sync-bridge", maxFails: 2}
	tree.AddRealtimeService(flaky)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	errCh := tree.ServeBackground(ctx)

	waitFor(t, func() bool { return flaky.starts.Load() >= 3 })
	cancel()
	<-errCh
}

func TestRemoveRealtimeService(t *testing.T) {
	tree := NewTree(testLogger(), TreeConfig{ShutdownTimeout: time.Second})
	svc := &mockService{name: "presence-tracker"}
	token := tree.AddRealtimeService(svc)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	errCh := tree.ServeBackground(ctx)

	waitFor(t, func() bool { return svc.starts.Load() == 1 })
	if err := tree.RemoveRealtimeService(token); err != nil {
		t.Fatalf("remove failed: %v", err)
	}
	cancel()
	<-errCh

	report, err := tree.UnstoppedServiceReport()
	if err != nil {
		t.Fatalf("report failed: %v", err)
	}
	if len(report) != 0 {
		t.Errorf("expected no unstopped services, got %v", report)
	}
}

package runtime_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/bdobrica/kantai/internal/kantai/runtime"
)

// statsRuntime counts Stats calls; every other method is a no-op.
type statsRuntime struct {
	runtime.Runtime
	calls int
	err   error
}

func (s *statsRuntime) Stats(context.Context, string) (runtime.Stats, error) {
	s.calls++
	if s.err != nil {
		return runtime.Stats{}, s.err
	}
	return runtime.Stats{MemUsage: "12.1MiB / 64MiB", CPUPercent: 3}, nil
}

func (s *statsRuntime) Stop(context.Context, string) error { return nil }

func TestWithStatsCache_ZeroTTLIsPassThrough(t *testing.T) {
	inner := &statsRuntime{}
	rt, err := runtime.WithStatsCache(inner, 0)
	if err != nil {
		t.Fatal(err)
	}
	if rt != runtime.Runtime(inner) {
		t.Error("zero ttl should return the runtime unchanged")
	}
}

func TestWithStatsCache_ServesFromCache(t *testing.T) {
	inner := &statsRuntime{}
	rt, err := runtime.WithStatsCache(inner, time.Minute)
	if err != nil {
		t.Fatal(err)
	}
	defer rt.(*runtime.CachedRuntime).Close()
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		s, err := rt.Stats(ctx, "kantai-agent-rex")
		if err != nil {
			t.Fatalf("Stats: %v", err)
		}
		if s.MemUsage != "12.1MiB / 64MiB" {
			t.Errorf("MemUsage = %q", s.MemUsage)
		}
	}
	if inner.calls != 1 {
		t.Errorf("expected 1 engine call, got %d", inner.calls)
	}

	// A lifecycle call invalidates the entry.
	if err := rt.Stop(ctx, "kantai-agent-rex"); err != nil {
		t.Fatal(err)
	}
	if _, err := rt.Stats(ctx, "kantai-agent-rex"); err != nil {
		t.Fatal(err)
	}
	if inner.calls != 2 {
		t.Errorf("expected a fresh sample after Stop, got %d calls", inner.calls)
	}
}

func TestWithStatsCache_ErrorsNotCached(t *testing.T) {
	inner := &statsRuntime{err: errors.New("timeout")}
	rt, err := runtime.WithStatsCache(inner, time.Minute)
	if err != nil {
		t.Fatal(err)
	}
	defer rt.(*runtime.CachedRuntime).Close()

	for i := 0; i < 2; i++ {
		if _, err := rt.Stats(context.Background(), "kantai-agent-rex"); err == nil {
			t.Fatal("expected error")
		}
	}
	if inner.calls != 2 {
		t.Errorf("errors must not be cached: %d calls", inner.calls)
	}
}

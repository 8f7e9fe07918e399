package health

import (
	"context"
	"errors"
	"sync"
	"testing"
)

func TestFixed(t *testing.T) {
	ctx := context.Background()
	if err := Fixed(true, "ignored").Check(ctx); err != nil {
		t.Fatalf("Fixed(true) = %v", err)
	}
	if err := Fixed(false, "upstream down").Check(ctx); err == nil || err.Error() != "upstream down" {
		t.Fatalf("Fixed(false) = %v", err)
	}
	if err := Fixed(false, "").Check(ctx); err == nil || err.Error() != "unhealthy" {
		t.Fatalf("Fixed(false, \"\") = %v, want default reason", err)
	}
}

func TestAll(t *testing.T) {
	ctx := context.Background()
	errA := errors.New("a")
	errB := errors.New("b")

	tests := []struct {
		name   string
		probes []Probe
		want   error
	}{
		{"empty", nil, nil},
		{"all pass", []Probe{Fixed(true, ""), Fixed(true, "")}, nil},
		{"returns first failure", []Probe{
			CheckFunc(func(context.Context) error { return errA }),
			CheckFunc(func(context.Context) error { return errB }),
		}, errA},
		{"nil skipped", []Probe{nil, Fixed(true, "")}, nil},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if err := All(tt.probes...).Check(ctx); err != tt.want {
				t.Fatalf("All = %v, want %v", err, tt.want)
			}
		})
	}
}

func TestAll_ShortCircuits(t *testing.T) {
	called := false
	p := All(Fixed(false, "first"), CheckFunc(func(context.Context) error {
		called = true
		return nil
	}))
	_ = p.Check(context.Background())
	if called {
		t.Fatal("All should stop at the first failure")
	}
}

func TestAny(t *testing.T) {
	ctx := context.Background()
	if err := Any(Fixed(false, "x"), Fixed(true, "")).Check(ctx); err != nil {
		t.Fatalf("Any with one passing = %v", err)
	}
	err := Any(Fixed(false, "first"), Fixed(false, "last")).Check(ctx)
	if err == nil || err.Error() != "last" {
		t.Fatalf("Any all failing = %v, want last", err)
	}
	if err := Any(nil).Check(ctx); err == nil {
		t.Fatal("Any with only nil probes should fail")
	}
}

func TestShutdownGate(t *testing.T) {
	ctx := context.Background()
	var g ShutdownGate
	p := g.Probe()

	if err := p.Check(ctx); err != nil {
		t.Fatalf("initially = %v, want nil", err)
	}
	g.Set("")
	if err := p.Check(ctx); err == nil || err.Error() != "draining" {
		t.Fatalf("after Set(\"\") = %v, want draining", err)
	}
	g.Set("shutting down")
	if err := p.Check(ctx); err == nil || err.Error() != "shutting down" {
		t.Fatalf("after Set = %v", err)
	}
	g.Clear()
	if err := p.Check(ctx); err != nil {
		t.Fatalf("after Clear = %v", err)
	}
}

func TestShutdownGate_Concurrent(t *testing.T) {
	var g ShutdownGate
	p := g.Probe()
	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(2)
		go func() { defer wg.Done(); g.Set("draining") }()
		go func() { defer wg.Done(); _ = p.Check(context.Background()) }()
	}
	wg.Wait()
	if err := p.Check(context.Background()); err == nil {
		t.Fatal("gate should be closed")
	}
}

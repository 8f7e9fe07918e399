package log

import (
	"context"
	"testing"
)

func TestFromContext_ReturnsStoredLogger(t *testing.T) {
	l := Nop().With("k", "v")
	ctx := WithContext(context.Background(), l)
	if FromContext(ctx) != l {
		t.Fatal("FromContext did not return the stored logger")
	}
}

func TestFromContext_EmptyContext_ReturnsNop(t *testing.T) {
	l := FromContext(context.Background())
	if _, ok := l.(nopLogger); !ok {
		t.Fatalf("FromContext on empty ctx = %T, want nopLogger", l)
	}
}

func TestFromContext_NilLogger_ReturnsNop(t *testing.T) {
	ctx := WithContext(context.Background(), nil)
	if _, ok := FromContext(ctx).(nopLogger); !ok {
		t.Fatal("nil logger should fall back to Nop")
	}
}

func TestNop_AllMethodsSafe(t *testing.T) {
	l := Nop()
	ctx := context.Background()
	l.Debug(ctx, "d", "k")
	l.Info(ctx, "i")
	l.Warn(ctx, "w", 1, 2)
	l.Error(ctx, nil, "e")
	if l.With("a", "b") != l {
		t.Fatal("Nop.With should return itself")
	}
	if err := l.Sync(); err != nil {
		t.Fatalf("Sync: %v", err)
	}
}

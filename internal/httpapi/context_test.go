package httpapi

import (
	"context"
	"testing"
	"time"
)

func waitDone(t *testing.T, ctx context.Context) {
	t.Helper()
	select {
	case <-ctx.Done():
	case <-time.After(500 * time.Millisecond):
		t.Fatal("context not canceled")
	}
}

func TestJoinContexts_CancelsWhenEitherDone(t *testing.T) {
	a, ac := context.WithCancel(context.Background())
	defer ac()
	b, bc := context.WithCancel(context.Background())
	j, cancelJ := joinContexts(a, b)
	defer cancelJ()
	bc()
	waitDone(t, j)

	a2, ac2 := context.WithCancel(context.Background())
	j2, cancel2 := joinContexts(a2, context.Background())
	defer cancel2()
	ac2()
	waitDone(t, j2)
}

func TestSetBaseContext_NilResetsToBackground(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	SetBaseContext(ctx)
	cancel()
	//nolint:staticcheck // nil is the documented reset
	SetBaseContext(nil)
	if serverBaseCtx.Err() != nil {
		t.Fatal("base context not reset")
	}
}

func TestRequestContextTimeout(t *testing.T) {
	ctx, cancel := requestContext(context.Background(), 10*time.Millisecond)
	defer cancel()
	waitDone(t, ctx)
	if ctx.Err() != context.DeadlineExceeded {
		t.Fatalf("err=%v", ctx.Err())
	}
}

func TestConfigSetters(t *testing.T) {
	SetMaxBodyBytes(-1)
	if maxBodyBytes != 1<<20 {
		t.Fatalf("expected default 1MiB, got %d", maxBodyBytes)
	}
	SetMaxBodyBytes(1234)
	if maxBodyBytes != 1234 {
		t.Fatalf("expected 1234, got %d", maxBodyBytes)
	}
	SetMaxBodyBytes(0)

	SetInferTimeout(-time.Second)
	if inferTimeout != 0 {
		t.Fatalf("expected 0, got %v", inferTimeout)
	}
}

package bandwidth

import (
	"context"
	"testing"
	"time"
)

func TestAcquireConnRespectsMaxConnections(t *testing.T) {
	g := New(0, 2)

	release1, ok := g.TryAcquireConn()
	if !ok {
		t.Fatal("expected first acquire to succeed")
	}
	release2, ok := g.TryAcquireConn()
	if !ok {
		t.Fatal("expected second acquire to succeed")
	}
	_, ok = g.TryAcquireConn()
	if ok {
		t.Fatal("expected third acquire to fail at the connection cap")
	}

	release1()
	_, ok = g.TryAcquireConn()
	if !ok {
		t.Fatal("expected acquire to succeed again after a release")
	}
	release2()
}

func TestUnlimitedConnectionsNeverRefuse(t *testing.T) {
	g := New(0, 0)
	for i := 0; i < 100; i++ {
		if _, ok := g.TryAcquireConn(); !ok {
			t.Fatalf("unlimited governor refused acquire #%d", i)
		}
	}
}

func TestWaitUploadHonorsContextCancellation(t *testing.T) {
	g := New(1, 0) // 1 byte/sec, tiny burst
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()

	err := g.WaitUpload(ctx, 1_000_000)
	if err == nil {
		t.Fatal("expected context deadline to cancel a large upload wait")
	}
}

func TestSetLimitsAdjustsConnectionCap(t *testing.T) {
	g := New(0, 1)
	release, ok := g.TryAcquireConn()
	if !ok {
		t.Fatal("expected first acquire to succeed")
	}
	defer release()

	g.SetLimits(0, 5)
	maxBytes, maxConns := g.Limits()
	if maxConns != 5 {
		t.Errorf("maxConns after SetLimits = %d, want 5", maxConns)
	}
	if maxBytes != 0 {
		t.Errorf("maxBytes after SetLimits = %d, want 0", maxBytes)
	}
}

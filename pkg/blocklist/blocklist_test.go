package blocklist

import "testing"

func TestBlockAndIsBlocked(t *testing.T) {
	bl := New()
	if bl.IsBlocked("cid-1") {
		t.Fatal("fresh blocklist should not block anything")
	}

	bl.Block("cid-1", "known poisoned archive")
	if !bl.IsBlocked("cid-1") {
		t.Error("expected cid-1 to be blocked")
	}
	reason, ok := bl.Reason("cid-1")
	if !ok || reason != "known poisoned archive" {
		t.Errorf("Reason() = (%q, %v), want (%q, true)", reason, ok, "known poisoned archive")
	}
}

func TestBlockIsIdempotentAndOverwritesReason(t *testing.T) {
	bl := New()
	bl.Block("cid-1", "first reason")
	bl.Block("cid-1", "second reason")

	reason, _ := bl.Reason("cid-1")
	if reason != "second reason" {
		t.Errorf("Reason() = %q, want %q", reason, "second reason")
	}
}

func TestUnblock(t *testing.T) {
	bl := New()
	bl.Block("cid-1", "reason")
	bl.Unblock("cid-1")
	if bl.IsBlocked("cid-1") {
		t.Error("expected cid-1 to be unblocked")
	}
}

func TestUnblockUnknownIsNoop(t *testing.T) {
	bl := New()
	bl.Unblock("never-blocked")
}

func TestAllReturnsEverything(t *testing.T) {
	bl := New()
	bl.Block("cid-1", "r1")
	bl.Block("cid-2", "r2")

	entries := bl.All()
	if len(entries) != 2 {
		t.Fatalf("All() returned %d entries, want 2", len(entries))
	}
}

func TestBlockAcceptsInvalidShapeVerbatim(t *testing.T) {
	bl := New()
	bl.Block("not-a-valid-content-id", "testing invalid shape")
	if !bl.IsBlocked("not-a-valid-content-id") {
		t.Error("blocklist should accept and store invalid-shape ids verbatim")
	}
}

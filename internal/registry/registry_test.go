package registry

import (
	"testing"
	"time"

	"odin-resolver/internal/path"
	"odin-resolver/internal/protocol"
)

func TestUpsertCreateVsReuse(t *testing.T) {
	rg := New()
	const addr = protocol.Endpoint("10.0.0.1:9000")
	now := time.Now()

	var firstCancelled bool
	rec, expired := rg.Upsert(addr, 60*time.Second, now, func() { firstCancelled = true })
	if !expired {
		t.Fatalf("first Upsert should report ttlExpired=true")
	}
	rec.AddPublished("/a/b")

	var secondCancelled bool
	rec2, expired2 := rg.Upsert(addr, 90*time.Second, now.Add(time.Second), func() { secondCancelled = true })
	if expired2 {
		t.Fatalf("second Upsert on existing record should report ttlExpired=false")
	}
	if rec2 != rec {
		t.Fatalf("second Upsert should reuse the existing record")
	}
	if !firstCancelled {
		t.Fatalf("second Upsert should fire the prior cancellation hook")
	}
	if secondCancelled {
		t.Fatalf("installing the new cancel hook must not fire it immediately")
	}
	if got := rec2.Published(); len(got) != 1 || got[0] != path.Path("/a/b") {
		t.Fatalf("Published() after reuse = %v, want [/a/b]", got)
	}
	if rec2.TTL != 90*time.Second {
		t.Fatalf("TTL not refreshed on reuse: got %v", rec2.TTL)
	}
}

func TestExpire(t *testing.T) {
	rg := New()
	now := time.Now()
	rg.Upsert("10.0.0.1:9000", 10*time.Second, now, func() {})
	rg.Upsert("10.0.0.2:9000", 100*time.Second, now, func() {})

	later := now.Add(20 * time.Second)
	expired := rg.Expired(later)
	if len(expired) != 1 || expired[0].WriteAddr != protocol.Endpoint("10.0.0.1:9000") {
		t.Fatalf("Expired() = %v, want exactly the 10s-TTL record", expired)
	}
}

func TestForgetReturnsPublishedAndRemoves(t *testing.T) {
	rg := New()
	now := time.Now()
	rec, _ := rg.Upsert("10.0.0.1:9000", 60*time.Second, now, func() {})
	rec.AddPublished("/a")
	rec.AddPublished("/b")

	paths, ok := rg.Forget("10.0.0.1:9000")
	if !ok {
		t.Fatalf("Forget on existing record should report ok=true")
	}
	if len(paths) != 2 {
		t.Fatalf("Forget returned %v, want 2 paths", paths)
	}
	if _, ok := rg.Get("10.0.0.1:9000"); ok {
		t.Fatalf("record should be removed after Forget")
	}
	if _, ok := rg.Forget("10.0.0.1:9000"); ok {
		t.Fatalf("second Forget should report ok=false")
	}
}

func TestTouchRefreshesLastSeen(t *testing.T) {
	rg := New()
	now := time.Now()
	rec, _ := rg.Upsert("10.0.0.1:9000", 60*time.Second, now, func() {})

	later := now.Add(50 * time.Second)
	rg.Touch("10.0.0.1:9000", later)

	if idle := rec.Idle(later); idle != 0 {
		t.Fatalf("Idle() after Touch = %v, want 0", idle)
	}
	if expired := rg.Expired(later.Add(5 * time.Second)); len(expired) != 0 {
		t.Fatalf("record should not be expired right after Touch, got %v", expired)
	}
}

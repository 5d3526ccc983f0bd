package buffer

import (
	"testing"
	"time"
)

func TestPoolIdempotence(t *testing.T) {
	now := time.Now()
	pool := NewPool(128, 128*10) // retain cap = max(5, 1280/128) = 10

	for i := 0; i < 1000; i++ {
		b := pool.Acquire(now, "cycle")
		pool.Release(now, b, "cycle")
	}

	if pool.Allocated() > 10 {
		t.Fatalf("pool allocated %d buffers over 1000 acquire/release cycles, want <= 10", pool.Allocated())
	}
}

func TestAcquirePostconditions(t *testing.T) {
	now := time.Now()
	pool := NewPool(256, 2560)
	b := pool.Acquire(now, "test")
	if b.ByteCount() != headerSize {
		t.Fatalf("ByteCount = %d, want %d", b.ByteCount(), headerSize)
	}
	if b.Header.SeqNum != 0 {
		t.Fatalf("expected zeroed header, got SeqNum=%d", b.Header.SeqNum)
	}
}

func TestReleaseForeignPoolIsAbandoned(t *testing.T) {
	now := time.Now()
	a := NewPool(128, 1280)
	b := NewPool(128, 1280)

	buf := a.Acquire(now, "test")
	b.Release(now, buf, "foreign")

	if b.RetainedCount() != 0 {
		t.Fatalf("foreign-pool release should not be retained, got %d", b.RetainedCount())
	}
	if a.RetainedCount() != 0 {
		t.Fatalf("origin pool should not have received it either, got %d", a.RetainedCount())
	}
}

func TestReleaseIsIdempotent(t *testing.T) {
	now := time.Now()
	pool := NewPool(128, 1280)
	buf := pool.Acquire(now, "test")
	pool.Release(now, buf, "first")
	before := pool.RetainedCount()
	pool.Release(now, buf, "second")
	if pool.RetainedCount() != before {
		t.Fatalf("double release changed retained count: %d -> %d", before, pool.RetainedCount())
	}
}

func TestSetBufferSizeDrainsAndClamps(t *testing.T) {
	now := time.Now()
	pool := NewPool(1024, 10240)
	buf := pool.Acquire(now, "test")
	pool.Release(now, buf, "test")
	if pool.RetainedCount() != 1 {
		t.Fatalf("expected 1 retained buffer before resize")
	}

	pool.SetBufferSize(now, 99999) // above max, clamps to 16384
	if pool.Size() != maxBufferSize {
		t.Fatalf("Size() = %d, want %d", pool.Size(), maxBufferSize)
	}
	if pool.RetainedCount() != 0 {
		t.Fatalf("expected drain to empty retain list, got %d", pool.RetainedCount())
	}
}

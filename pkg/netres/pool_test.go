package netres

import (
	"net/netip"
	"testing"

	"github.com/blueprintd/blueprintd/pkg/engine"
)

func TestPoolAssignRelease(t *testing.T) {
	pool, err := NewPool(MustAddr("192.168.1.10"), MustAddr("192.168.1.12"))
	if err != nil {
		t.Fatalf("NewPool() error = %v", err)
	}
	if pool.Size() != 3 {
		t.Fatalf("Size() = %d, want 3", pool.Size())
	}

	want := []string{"192.168.1.10", "192.168.1.11", "192.168.1.12"}
	for _, w := range want {
		addr, ok := pool.Assign()
		if !ok {
			t.Fatalf("Assign() returned false before pool was full")
		}
		if addr.String() != w {
			t.Errorf("Assign() = %s, want %s", addr, w)
		}
	}

	if _, ok := pool.Assign(); ok {
		t.Error("Assign() on a full pool should return false")
	}

	if err := pool.Release(MustAddr("192.168.1.11")); err != nil {
		t.Fatalf("Release() error = %v", err)
	}
	addr, ok := pool.Assign()
	if !ok || addr.String() != "192.168.1.11" {
		t.Errorf("Assign() after release = %s, %v; want 192.168.1.11", addr, ok)
	}
}

func TestPoolReleaseErrors(t *testing.T) {
	pool, _ := NewPool(MustAddr("10.1.0.1"), MustAddr("10.1.0.4"))

	err := pool.Release(MustAddr("10.1.0.2"))
	if !engine.HasCode(err, engine.ErrCodeNotFound) {
		t.Errorf("Release() of unassigned address error = %v, want NOT_FOUND", err)
	}

	err = pool.Release(MustAddr("10.1.0.9"))
	if !engine.HasCode(err, engine.ErrCodeValidation) {
		t.Errorf("Release() outside pool error = %v, want VALIDATION_ERROR", err)
	}

	err = pool.Release(netip.MustParseAddr("fe80::1"))
	if !engine.HasCode(err, engine.ErrCodeValidation) {
		t.Errorf("Release() of IPv6 address error = %v, want VALIDATION_ERROR", err)
	}
}

func TestPoolAcrossWordBoundary(t *testing.T) {
	pool, _ := NewPool(MustAddr("10.0.0.0"), MustAddr("10.0.0.129"))

	for i := 0; i < 130; i++ {
		if _, ok := pool.Assign(); !ok {
			t.Fatalf("Assign() #%d returned false", i)
		}
	}
	if _, ok := pool.Assign(); ok {
		t.Fatal("pool of 130 addresses handed out a 131st")
	}
	if pool.InUse() != 130 {
		t.Errorf("InUse() = %d, want 130", pool.InUse())
	}
	if got := len(pool.Assigned()); got != 130 {
		t.Errorf("len(Assigned()) = %d, want 130", got)
	}
}

func TestPoolExtend(t *testing.T) {
	pool, _ := NewPool(MustAddr("10.0.0.1"), MustAddr("10.0.0.2"))
	pool.Assign()
	pool.Assign()

	if err := pool.Extend(MustAddr("10.0.0.2")); !engine.HasCode(err, engine.ErrCodeValidation) {
		t.Errorf("Extend() to same end error = %v, want VALIDATION_ERROR", err)
	}
	if err := pool.Extend(MustAddr("10.0.0.1")); err == nil {
		t.Error("Extend() to a lower end should fail")
	}

	if err := pool.Extend(MustAddr("10.0.0.100")); err != nil {
		t.Fatalf("Extend() error = %v", err)
	}
	if pool.Size() != 100 {
		t.Errorf("Size() = %d, want 100", pool.Size())
	}
	if !pool.IsAssigned(MustAddr("10.0.0.2")) {
		t.Error("Extend() lost an existing assignment")
	}
	addr, ok := pool.Assign()
	if !ok || addr.String() != "10.0.0.3" {
		t.Errorf("Assign() after extend = %s, %v; want 10.0.0.3", addr, ok)
	}
}

func TestPoolMark(t *testing.T) {
	pool, _ := NewPool(MustAddr("10.0.0.1"), MustAddr("10.0.0.3"))

	if err := pool.Mark(MustAddr("10.0.0.1")); err != nil {
		t.Fatalf("Mark() error = %v", err)
	}
	if err := pool.Mark(MustAddr("10.0.0.1")); !engine.HasCode(err, engine.ErrCodeRangeConflict) {
		t.Errorf("Mark() twice error = %v, want RANGE_CONFLICT", err)
	}
	addr, _ := pool.Assign()
	if addr.String() != "10.0.0.2" {
		t.Errorf("Assign() = %s, want 10.0.0.2", addr)
	}
}

func TestNewPoolRejectsInvertedBounds(t *testing.T) {
	if _, err := NewPool(MustAddr("10.0.0.5"), MustAddr("10.0.0.1")); err == nil {
		t.Error("NewPool() with end before start should fail")
	}
}

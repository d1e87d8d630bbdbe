package resource

import (
	"errors"
	"testing"

	"github.com/ttstack/tt/internal/ttdef"
)

func TestResource_CheckAndReserve_Succeeds(t *testing.T) {
	r := New(4, 16, 8192, 40960)
	if err := r.CheckAndReserve(Demand{CPU: 2, Mem: 1024, Disk: 10240}); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if r.VmActive.Used != 1 || r.CPU.Used != 2 || r.Mem.Used != 1024 || r.Disk.Used != 10240 {
		t.Fatalf("unexpected usage after reserve: %+v", r)
	}
}

func TestResource_CheckAndReserve_RejectsOverCommit(t *testing.T) {
	r := New(4, 4, 1024, 1024)
	if err := r.CheckAndReserve(Demand{CPU: 8}); !errors.Is(err, ttdef.ErrResourceExhausted) {
		t.Fatalf("expected ErrResourceExhausted, got %v", err)
	}
	if r.CPU.Used != 0 {
		t.Fatalf("failed reservation must not mutate usage, got cpu_used=%d", r.CPU.Used)
	}
}

func TestResource_CheckAndReserve_RejectsPartialOverCommit(t *testing.T) {
	// cpu has headroom but mem doesn't: neither must be reserved.
	r := New(4, 16, 512, 8192)
	if err := r.CheckAndReserve(Demand{CPU: 2, Mem: 1024}); !errors.Is(err, ttdef.ErrResourceExhausted) {
		t.Fatalf("expected ErrResourceExhausted, got %v", err)
	}
	if r.CPU.Used != 0 || r.Mem.Used != 0 {
		t.Fatalf("all-or-nothing reserve violated: %+v", r)
	}
}

func TestResource_Release_RestoresBudget(t *testing.T) {
	r := New(4, 16, 8192, 40960)
	d := Demand{CPU: 2, Mem: 1024, Disk: 10240}
	if err := r.CheckAndReserve(d); err != nil {
		t.Fatalf("reserve: %v", err)
	}
	r.Release(d)
	if r.VmActive.Used != 0 || r.CPU.Used != 0 || r.Mem.Used != 0 || r.Disk.Used != 0 {
		t.Fatalf("expected full release, got %+v", r)
	}
}

func TestResource_Release_NeverGoesNegative(t *testing.T) {
	r := New(4, 16, 8192, 40960)
	r.Release(Demand{CPU: 1000})
	if r.CPU.Used != 0 {
		t.Fatalf("expected clamped usage, got %d", r.CPU.Used)
	}
}

func TestResource_VmActive_CapsIndependentlyOfOtherDimensions(t *testing.T) {
	r := New(1, 1000, 1000000, 1000000)
	if err := r.CheckAndReserve(Demand{CPU: 1}); err != nil {
		t.Fatalf("first reserve: %v", err)
	}
	if err := r.CheckAndReserve(Demand{CPU: 1}); !errors.Is(err, ttdef.ErrResourceExhausted) {
		t.Fatalf("expected vm_active exhaustion on second reserve, got %v", err)
	}
}

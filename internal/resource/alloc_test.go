package resource

import (
	"errors"
	"testing"

	"github.com/ttstack/tt/internal/ttdef"
)

func TestIDAllocator_AllocUnique(t *testing.T) {
	a := NewIDAllocator(1)
	seen := make(map[uint32]struct{})
	for i := 0; i < 100; i++ {
		id, err := a.Alloc()
		if err != nil {
			t.Fatalf("alloc %d: %v", i, err)
		}
		if _, dup := seen[id]; dup {
			t.Fatalf("duplicate id %d", id)
		}
		seen[id] = struct{}{}
	}
}

func TestIDAllocator_ReleaseThenReuse(t *testing.T) {
	a := NewIDAllocator(1)
	id, _ := a.Alloc()
	a.Release(id)
	if err := a.Pin(id); err != nil {
		t.Fatalf("expected pin to succeed after release, got %v", err)
	}
}

func TestIDAllocator_PinConflict(t *testing.T) {
	a := NewIDAllocator(1)
	if err := a.Pin(5); err != nil {
		t.Fatalf("first pin: %v", err)
	}
	if err := a.Pin(5); !errors.Is(err, ttdef.ErrIDSpaceExhausted) {
		t.Fatalf("expected ErrIDSpaceExhausted, got %v", err)
	}
}

func TestPortAllocator_WindowBounded(t *testing.T) {
	a := NewPortAllocator(9000, 9002)
	got := make(map[ttdef.PubPort]struct{})
	for i := 0; i < 3; i++ {
		p, err := a.Alloc()
		if err != nil {
			t.Fatalf("alloc %d: %v", i, err)
		}
		if p < 9000 || p > 9002 {
			t.Fatalf("port %d outside window", p)
		}
		got[p] = struct{}{}
	}
	if len(got) != 3 {
		t.Fatalf("expected 3 distinct ports, got %d", len(got))
	}
	if _, err := a.Alloc(); !errors.Is(err, ttdef.ErrPortSpaceExhausted) {
		t.Fatalf("expected window exhaustion, got %v", err)
	}
}

func TestPortAllocator_PinOutsideWindow(t *testing.T) {
	a := NewPortAllocator(9000, 9002)
	if err := a.Pin(8999); !errors.Is(err, ttdef.ErrPortSpaceExhausted) {
		t.Fatalf("expected ErrPortSpaceExhausted, got %v", err)
	}
}

func TestPortAllocator_ReleaseThenReuse(t *testing.T) {
	a := NewPortAllocator(9000, 9001)
	p, _ := a.Alloc()
	a.Release(p)
	if err := a.Pin(p); err != nil {
		t.Fatalf("expected pin to succeed after release, got %v", err)
	}
}

package resource

import (
	"fmt"
	"sync"

	"github.com/ttstack/tt/internal/ttdef"
)

// IDAllocator hands out monotonically-increasing uint32 IDs from a
// shared in-use set, skipping anything still held and wrapping back to
// the floor once the counter overflows. EnvId and VmId both use one of
// these; they are separate instances so an EnvId and a VmId can
// legitimately share a numeric value without colliding.
//
// The scan is bounded at 1<<32 attempts so an exhausted space returns
// ErrIDSpaceExhausted instead of spinning forever — in practice the
// in-use set is orders of magnitude smaller than the ID space and the
// loop exits on its first or second iteration.
type IDAllocator struct {
	mu     sync.Mutex
	floor  uint32
	next   uint32
	inUse  map[uint32]struct{}
}

// NewIDAllocator builds an allocator that hands out IDs starting at
// floor. A nonzero floor keeps low IDs reserved (matching the original's
// convention of never reusing 0).
func NewIDAllocator(floor uint32) *IDAllocator {
	if floor == 0 {
		floor = 1
	}
	return &IDAllocator{floor: floor, next: floor, inUse: make(map[uint32]struct{})}
}

// Alloc reserves and returns the next free ID.
func (a *IDAllocator) Alloc() (uint32, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	for i := uint64(0); i < 1<<32; i++ {
		id := a.next
		if a.next == ^uint32(0) {
			a.next = a.floor
		} else {
			a.next++
		}
		if _, taken := a.inUse[id]; taken {
			continue
		}
		a.inUse[id] = struct{}{}
		return id, nil
	}
	return 0, ttdef.ErrIDSpaceExhausted
}

// Pin reserves a specific ID, used when restoring state from CfgDB at
// startup where the ID was already assigned in a previous run.
func (a *IDAllocator) Pin(id uint32) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if _, taken := a.inUse[id]; taken {
		return fmt.Errorf("%w: id %d already pinned", ttdef.ErrIDSpaceExhausted, id)
	}
	a.inUse[id] = struct{}{}
	return nil
}

// Release returns id to the free pool.
func (a *IDAllocator) Release(id uint32) {
	a.mu.Lock()
	delete(a.inUse, id)
	a.mu.Unlock()
}

// PortAllocator hands out PubPorts from a fixed [low, high] window,
// wrapping modulo the window width rather than the full uint16 range so
// the host's NAT rules stay within an operator-chosen block.
type PortAllocator struct {
	mu    sync.Mutex
	low   uint16
	high  uint16
	next  uint16
	inUse map[uint16]struct{}
}

// NewPortAllocator builds an allocator over the inclusive [low, high]
// window.
func NewPortAllocator(low, high uint16) *PortAllocator {
	if high < low {
		low, high = high, low
	}
	return &PortAllocator{low: low, high: high, next: low, inUse: make(map[uint16]struct{})}
}

// Alloc reserves and returns the next free port in the window.
func (a *PortAllocator) Alloc() (ttdef.PubPort, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	width := int(a.high) - int(a.low) + 1
	for i := 0; i < width; i++ {
		p := a.next
		if a.next == a.high {
			a.next = a.low
		} else {
			a.next++
		}
		if _, taken := a.inUse[p]; taken {
			continue
		}
		a.inUse[p] = struct{}{}
		return ttdef.PubPort(p), nil
	}
	return 0, ttdef.ErrPortSpaceExhausted
}

// Pin reserves a specific port, used for restoring a Vm's port_map from
// CfgDB.
func (a *PortAllocator) Pin(p ttdef.PubPort) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	port := uint16(p)
	if port < a.low || port > a.high {
		return fmt.Errorf("%w: port %d outside [%d,%d]", ttdef.ErrPortSpaceExhausted, port, a.low, a.high)
	}
	if _, taken := a.inUse[port]; taken {
		return fmt.Errorf("%w: port %d already pinned", ttdef.ErrPortSpaceExhausted, port)
	}
	a.inUse[port] = struct{}{}
	return nil
}

// Release returns p to the free pool.
func (a *PortAllocator) Release(p ttdef.PubPort) {
	a.mu.Lock()
	delete(a.inUse, uint16(p))
	a.mu.Unlock()
}

package proxy

import (
	"fmt"
	"sort"
	"strings"

	"github.com/ttstack/tt/internal/dispatch"
	"github.com/ttstack/tt/internal/ttdef"
)

// poolSlot is one slave's mutable view during a single placement pass:
// its live usage counters (decremented as VMs are assigned to it here),
// the VmSpecs assigned so far, and its supported-OS set for quick
// membership tests.
type poolSlot struct {
	addr      string
	supported map[string]struct{}
	cpuTotal  int32
	cpuUsed   int32
	memTotal  int32
	memUsed   int32
	diskTotal int32
	diskUsed  int32
	assigned  []dispatch.VmSpec
}

// loadKey sorts slots by ascending mem_used - mem_total, i.e. most free
// memory first. The original's own comment in the matching Rust source
// reads like tight bin-packing ("pack tightly"), but the sort key it
// actually computes prefers the LEAST loaded slave for every placement,
// matching the same "spread load" strategy the teacher's scheduler
// calls least-loaded; this implementation follows the code, not the
// prose.
func (s poolSlot) loadKey() int32 { return s.memUsed - s.memTotal }

// demand is one VM that needs a home, produced by expanding OSPrefix x
// (1+DupEach) against the union of every known slave's supported OS
// list (not just one slave's), matching the original's rsc_wanted.
type demand struct {
	os string
}

// Plan is the outcome of a successful placement: for each slave that
// received at least one VM, the tailored ReqAddEnv to send it.
type Plan struct {
	SlaveAddrs []string
	PerSlave   map[string]ReqAddEnv
}

// ReqAddEnv mirrors dispatch.ReqAddEnv's shape for the per-slave
// tailored request the proxy builds: only EnvId, LifeTime, DenyOutgoing
// and VmCfg are populated here, the broad os_prefix/cpu/mem/disk/port_set
// fields are cleared to keep
// the tailored request small, matching the original's field-clearing
// before each per-slave send.
type ReqAddEnv = dispatch.ReqAddEnv

// maxDupEach bounds DupEach the same way the host dispatcher does.
const maxDupEach = ttdef.MaxDupEach

// Place runs the bin-packing placement algorithm for one add_env
// request against the current slave snapshot, returning a Plan that
// groups the accepted VmSpecs by slave. It rejects the whole request
// (nil Plan, non-nil error) if any single VM can't be placed anywhere,
// matching the original's no-partial-placement behavior.
func Place(req ReqAddEnv, slaves []SlaveServerInfo) (*Plan, error) {
	dupEach := 0
	if req.DupEach != nil {
		dupEach = *req.DupEach
	}
	if dupEach > maxDupEach {
		dupEach = maxDupEach
	}

	pool := make([]*poolSlot, 0, len(slaves))
	union := make(map[string]struct{})
	for _, s := range slaves {
		supported := make(map[string]struct{}, len(s.SupportedList))
		for _, os := range s.SupportedList {
			lower := strings.ToLower(os)
			supported[lower] = struct{}{}
			union[lower] = struct{}{}
		}
		pool = append(pool, &poolSlot{
			addr: s.Addr, supported: supported,
			cpuTotal: s.CPUTotal, cpuUsed: s.CPUUsed,
			memTotal: s.MemTotal, memUsed: s.MemUsed,
			diskTotal: s.DiskTotal, diskUsed: s.DiskUsed,
		})
	}
	if len(pool) == 0 {
		return nil, fmt.Errorf("%w: no slave is currently known", ttdef.ErrSlaveUnavailable)
	}

	var demands []demand
	for os := range union {
		for _, prefix := range req.OSPrefix {
			if !strings.HasPrefix(os, strings.ToLower(prefix)) {
				continue
			}
			for i := 0; i < 1+dupEach; i++ {
				demands = append(demands, demand{os: os})
			}
			break
		}
	}
	if len(demands) == 0 {
		return nil, fmt.Errorf("%w: no OS template matches the given prefix[es]", ttdef.ErrImageNotCached)
	}

	var cpuNeed, memNeed, diskNeed int32
	if req.CPU != nil {
		cpuNeed = *req.CPU
	}
	if req.Mem != nil {
		memNeed = *req.Mem
	}
	if req.Disk != nil {
		diskNeed = *req.Disk
	}

	for _, w := range demands {
		sort.Slice(pool, func(i, j int) bool { return pool[i].loadKey() < pool[j].loadKey() })

		placed := false
		for _, slot := range pool {
			if _, ok := slot.supported[w.os]; !ok {
				continue
			}
			if slot.cpuTotal-slot.cpuUsed < cpuNeed {
				continue
			}
			if slot.memTotal-slot.memUsed < memNeed {
				continue
			}
			if slot.diskTotal-slot.diskUsed < diskNeed {
				continue
			}
			slot.cpuUsed += cpuNeed
			slot.memUsed += memNeed
			slot.diskUsed += diskNeed
			slot.assigned = append(slot.assigned, dispatch.VmSpec{
				OS: w.os, PortList: req.PortSet, CPU: req.CPU, Mem: req.Mem, Disk: req.Disk,
			})
			placed = true
			break
		}
		if !placed {
			return nil, fmt.Errorf("%w: not enough cluster resources to satisfy this request", ttdef.ErrResourceExhausted)
		}
	}

	plan := &Plan{PerSlave: make(map[string]ReqAddEnv)}
	for _, slot := range pool {
		if len(slot.assigned) == 0 {
			continue
		}
		plan.SlaveAddrs = append(plan.SlaveAddrs, slot.addr)
		plan.PerSlave[slot.addr] = ReqAddEnv{
			EnvId:        req.EnvId,
			LifeTime:     req.LifeTime,
			DenyOutgoing: req.DenyOutgoing,
			VmCfg:        slot.assigned,
		}
	}
	return plan, nil
}

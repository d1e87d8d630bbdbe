// Package env implements Env: a named group of Vms that share a
// lifetime, a resource budget and a stop/start throttle. An Env's Vms
// are provisioned together, and torn down together the moment the Env
// itself goes away — Serv owns the Env map and is the only caller
// expected to mutate one, under its own top-level lock.
package env

import (
	"context"
	"fmt"
	"sort"
	"time"

	"github.com/ttstack/tt/internal/resource"
	"github.com/ttstack/tt/internal/ttdef"
	"github.com/ttstack/tt/internal/vm"
)

// MaxLifeSeconds is the longest lifetime an Env may be given without the
// caller asserting operator privilege.
const MaxLifeSeconds uint64 = 6 * 3600

// MinMgmtIntervalSeconds throttles how often `tt env start/stop` may be
// issued against the same Env: every pause/resume cycle touches every
// Vm's driver state and is not meant to be hammered.
const MinMgmtIntervalSeconds uint64 = 20

// DefaultLifeSeconds is the lifetime assigned to a newly-created Env
// when the caller doesn't specify one.
const DefaultLifeSeconds uint64 = 3600

// Pauser freezes and thaws a running Vm's process without discarding
// its provisioned state (IP, ports, disk image). Implementations live in
// internal/driver/hypervisor.
type Pauser interface {
	Pause(ctx context.Context, v *vm.Vm) error
	Resume(ctx context.Context, v *vm.Vm) error
}

// OutgoingFilter toggles a Vm's egress network policy.
type OutgoingFilter interface {
	DenyOutgoing(ctx context.Context, vms []*vm.Vm) error
	AllowOutgoing(ctx context.Context, vms []*vm.Vm) error
}

// Starter starts a provisioned Vm's guest process. Provision only
// prepares a Vm's runtime image; Start is a distinct step so add_vm_set
// can provision every sibling before starting any of them.
type Starter interface {
	Start(ctx context.Context, v *vm.Vm) error
}

// Meta is the lightweight summary returned by get_env_meta.
type Meta struct {
	ID             ttdef.EnvId `json:"id"`
	StartTimestamp uint64      `json:"start_timestamp"`
	EndTimestamp   uint64      `json:"end_timestamp"`
	VmCount        int         `json:"vm_cnt"`
	IsStopped      bool        `json:"is_stopped"`
}

// Info is the detailed view returned by get_env_detail, including every
// owned Vm's Info.
type Info struct {
	ID             ttdef.EnvId               `json:"id"`
	StartTimestamp uint64                    `json:"start_timestamp"`
	EndTimestamp   uint64                    `json:"end_timestamp"`
	Vms            map[ttdef.VmId]vm.Info    `json:"vm"`
	IsStopped      bool                      `json:"is_stopped"`
}

// Env groups a set of Vms under one lifetime and resource policy.
type Env struct {
	id              ttdef.EnvId
	startTimestamp  uint64
	endTimestamp    uint64
	isStopped       bool
	outgoingDenied  bool
	lastMgmtTs      uint64
	vms             map[ttdef.VmId]*vm.Vm
}

// New creates an Env with the default lifetime. Callers are expected to
// have already reserved id in Serv's EnvId allocator.
func New(id ttdef.EnvId, now uint64) *Env {
	return &Env{
		id:             id,
		startTimestamp: now,
		endTimestamp:   now + DefaultLifeSeconds,
		vms:            make(map[ttdef.VmId]*vm.Vm),
	}
}

func (e *Env) Id() ttdef.EnvId        { return e.id }
func (e *Env) IsStopped() bool        { return e.isStopped }
func (e *Env) EndTimestamp() uint64   { return e.endTimestamp }
func (e *Env) VmCount() int           { return len(e.vms) }
func (e *Env) Vm(id ttdef.VmId) (*vm.Vm, bool) {
	v, ok := e.vms[id]
	return v, ok
}
func (e *Env) Vms() map[ttdef.VmId]*vm.Vm { return e.vms }

// AsMeta returns the summary view.
func (e *Env) AsMeta() Meta {
	return Meta{ID: e.id, StartTimestamp: e.startTimestamp, EndTimestamp: e.endTimestamp, VmCount: len(e.vms), IsStopped: e.isStopped}
}

// AsInfo returns the detailed view, including every Vm's Info.
func (e *Env) AsInfo() Info {
	vms := make(map[ttdef.VmId]vm.Info, len(e.vms))
	for id, v := range e.vms {
		vms[id] = v.AsInfo()
	}
	return Info{ID: e.id, StartTimestamp: e.startTimestamp, EndTimestamp: e.endTimestamp, Vms: vms, IsStopped: e.isStopped}
}

// UpdateLife sets a new absolute end_timestamp relative to the Env's
// immutable start_timestamp. Non-privileged callers are capped at
// MaxLifeSeconds.
func (e *Env) UpdateLife(secs uint64, privileged bool) error {
	if secs > MaxLifeSeconds && !privileged {
		return fmt.Errorf("%w: requested lifetime %ds exceeds %ds", ttdef.ErrEnvThrottled, secs, MaxLifeSeconds)
	}
	e.endTimestamp = e.startTimestamp + secs
	return nil
}

// checkThrottle enforces MinMgmtIntervalSeconds between consecutive
// stop/start calls against the same Env.
func (e *Env) checkThrottle(now uint64) error {
	if e.lastMgmtTs+MinMgmtIntervalSeconds > now {
		return fmt.Errorf("%w: wait %ds between env start/stop calls", ttdef.ErrEnvThrottled, MinMgmtIntervalSeconds)
	}
	return nil
}

// Stop pauses every owned Vm and decrements the shared resource budget
// for each one paused, marking it DuringStop so Release won't
// double-count it later. The throttle is checked first, so a repeated
// stop inside MinMgmtIntervalSeconds reports ErrEnvThrottled. On the
// first pause failure, already-paused Vms stay paused and the Env is not
// marked stopped, so a later Start reports ErrEnvAlreadyActive.
func (e *Env) Stop(ctx context.Context, now uint64, rsc *resource.Resource, pauser Pauser) error {
	if err := e.checkThrottle(now); err != nil {
		return err
	}
	if e.isStopped {
		return ttdef.ErrEnvAlreadyStopped
	}
	e.lastMgmtTs = now
	for _, v := range e.vms {
		if err := pauser.Pause(ctx, v); err != nil {
			return fmt.Errorf("%w: pause %s: %v", ttdef.ErrDriverUnavailable, v.Id(), err)
		}
		rsc.Release(resource.Demand{CPU: v.CPU, Mem: v.Mem, Disk: v.Disk})
		v.DuringStop = true
	}
	e.isStopped = true
	return nil
}

// Start resumes every owned Vm and re-reserves the resource budget each
// one needs, in the same all-or-stop-partway manner as Stop.
func (e *Env) Start(ctx context.Context, now uint64, rsc *resource.Resource, pauser Pauser) error {
	if !e.isStopped {
		return ttdef.ErrEnvAlreadyActive
	}
	if err := e.checkThrottle(now); err != nil {
		return err
	}
	e.lastMgmtTs = now
	for _, v := range e.vms {
		if err := pauser.Resume(ctx, v); err != nil {
			return fmt.Errorf("%w: resume %s: %v", ttdef.ErrDriverUnavailable, v.Id(), err)
		}
		if err := rsc.CheckAndReserve(resource.Demand{CPU: v.CPU, Mem: v.Mem, Disk: v.Disk}); err != nil {
			return err
		}
		v.DuringStop = false
	}
	e.isStopped = false
	return nil
}

// CheckResource verifies the host has headroom for every Config in
// cfgs without reserving anything, used to fail add_vm_set fast before
// any per-Vm provisioning work starts.
func CheckResource(rsc *resource.Resource, cfgs []vm.Config) error {
	var total resource.Demand
	for _, c := range cfgs {
		total.CPU += orDefault(c.CPU, vm.DefaultCPU)
		total.Mem += orDefault(c.Mem, vm.DefaultMem)
		total.Disk += orDefault(c.Disk, vm.DefaultDisk)
	}
	if rsc.CPU.Available() < total.CPU {
		return fmt.Errorf("%w: cpu", ttdef.ErrResourceExhausted)
	}
	if rsc.Mem.Available() < total.Mem {
		return fmt.Errorf("%w: mem", ttdef.ErrResourceExhausted)
	}
	if rsc.Disk.Available() < total.Disk {
		return fmt.Errorf("%w: disk", ttdef.ErrResourceExhausted)
	}
	if rsc.VmActive.Available() < int32(len(cfgs)) {
		return fmt.Errorf("%w: vm_active", ttdef.ErrResourceExhausted)
	}
	return nil
}

func orDefault(v *int32, def int32) int32 {
	if v == nil {
		return def
	}
	return *v
}

// AddVMSet provisions every Config in cfgs, starts each one only once
// all have provisioned successfully, and registers them on the Env only
// once all have started. Any failure along the way releases every Vm
// provisioned so far, leaving the Env exactly as it was before the
// call.
func (e *Env) AddVMSet(ctx context.Context, cfgs []vm.Config, rsc *resource.Resource, ids *resource.IDAllocator, ports *resource.PortAllocator, nat vm.NATInstaller, hv vm.Preparer, starter Starter) error {
	if err := CheckResource(rsc, cfgs); err != nil {
		return err
	}

	provisioned := make([]*vm.Vm, 0, len(cfgs))
	rollback := func() {
		for _, v := range provisioned {
			v.Release(ctx, rsc, ids, ports, nat, hv)
		}
	}

	for _, cfg := range cfgs {
		v, err := vm.Provision(ctx, cfg, rsc, ids, ports, nat, hv)
		if err != nil {
			rollback()
			return err
		}
		provisioned = append(provisioned, v)
	}

	for _, v := range provisioned {
		if err := starter.Start(ctx, v); err != nil {
			rollback()
			return fmt.Errorf("%w: start %s: %v", ttdef.ErrDriverUnavailable, v.Id(), err)
		}
	}

	for _, v := range provisioned {
		e.vms[v.Id()] = v
	}
	return nil
}

// DelVMs removes the named Vms from the Env and releases each one's
// resources. Unknown ids are ignored, matching the original's
// best-effort removal semantics.
func (e *Env) DelVMs(ctx context.Context, vmIDs []ttdef.VmId, rsc *resource.Resource, ids *resource.IDAllocator, ports *resource.PortAllocator, nat vm.NATInstaller, hv vm.Preparer) {
	for _, id := range vmIDs {
		v, ok := e.vms[id]
		if !ok {
			continue
		}
		v.Release(ctx, rsc, ids, ports, nat, hv)
		delete(e.vms, id)
	}
}

// UpdateHardware resizes every owned Vm's CPU/mem/disk (requires the Env
// be stopped first), remaps its ports, and/or flips its outgoing-traffic
// policy. Each of the three concerns is independent: a caller may touch
// just one.
func (e *Env) UpdateHardware(ctx context.Context, cpu, mem, disk *int32, vmPorts []ttdef.InnerPort, denyOutgoing *bool, rsc *resource.Resource, ports *resource.PortAllocator, nat vm.NATInstaller, filter OutgoingFilter) error {
	if cpu != nil || mem != nil || disk != nil {
		if !e.isStopped {
			return fmt.Errorf("%w: env must be stopped before resizing its vms", ttdef.ErrEnvStopped)
		}
		if len(e.vms) == 0 {
			return nil
		}
		var sample *vm.Vm
		for _, v := range e.vms {
			sample = v
			break
		}
		newCPU, newMem, newDisk := orDefault(cpu, sample.CPU), orDefault(mem, sample.Mem), orDefault(disk, sample.Disk)

		var oldTotal, newTotal resource.Demand
		for _, v := range e.vms {
			oldTotal.CPU += v.CPU
			oldTotal.Mem += v.Mem
			oldTotal.Disk += v.Disk
		}
		n := int32(len(e.vms))
		newTotal = resource.Demand{CPU: newCPU * n, Mem: newMem * n, Disk: newDisk * n}

		if newTotal.CPU > oldTotal.CPU && rsc.CPU.Available() < newTotal.CPU-oldTotal.CPU {
			return fmt.Errorf("%w: cpu", ttdef.ErrResourceExhausted)
		}
		if newTotal.Mem > oldTotal.Mem && rsc.Mem.Available() < newTotal.Mem-oldTotal.Mem {
			return fmt.Errorf("%w: mem", ttdef.ErrResourceExhausted)
		}
		if newTotal.Disk > oldTotal.Disk && rsc.Disk.Available() < newTotal.Disk-oldTotal.Disk {
			return fmt.Errorf("%w: disk", ttdef.ErrResourceExhausted)
		}
		rsc.CPU.Used += newTotal.CPU - oldTotal.CPU
		rsc.Mem.Used += newTotal.Mem - oldTotal.Mem
		rsc.Disk.Used += newTotal.Disk - oldTotal.Disk

		for _, v := range e.vms {
			v.CPU, v.Mem, v.Disk = newCPU, newMem, newDisk
		}
	}

	if len(vmPorts) > 0 {
		merged := append([]ttdef.InnerPort{ttdef.SSHPort, ttdef.TTRExecPort}, vmPorts...)
		sort.Slice(merged, func(i, j int) bool { return merged[i] < merged[j] })
		deduped := merged[:0]
		for i, p := range merged {
			if i == 0 || p != merged[i-1] {
				deduped = append(deduped, p)
			}
		}

		for _, v := range e.vms {
			if err := nat.CleanRule(ctx, v); err != nil {
				return fmt.Errorf("%w: clean_rule: %v", ttdef.ErrDriverUnavailable, err)
			}
			for _, pub := range v.PortMap {
				ports.Release(pub)
			}
			newMap := make(map[ttdef.InnerPort]ttdef.PubPort, len(deduped))
			for _, p := range deduped {
				pub, err := ports.Alloc()
				if err != nil {
					return err
				}
				newMap[p] = pub
			}
			v.PortMap = newMap
			if err := nat.SetRule(ctx, v); err != nil {
				return fmt.Errorf("%w: set_rule: %v", ttdef.ErrDriverUnavailable, err)
			}
		}
	}

	if denyOutgoing != nil {
		vms := make([]*vm.Vm, 0, len(e.vms))
		for _, v := range e.vms {
			vms = append(vms, v)
		}
		switch {
		case *denyOutgoing && !e.outgoingDenied:
			if err := filter.DenyOutgoing(ctx, vms); err != nil {
				return fmt.Errorf("%w: deny_outgoing: %v", ttdef.ErrDriverUnavailable, err)
			}
			e.outgoingDenied = true
		case !*denyOutgoing && e.outgoingDenied:
			if err := filter.AllowOutgoing(ctx, vms); err != nil {
				return fmt.Errorf("%w: allow_outgoing: %v", ttdef.ErrDriverUnavailable, err)
			}
			e.outgoingDenied = false
		}
	}

	return nil
}

// ReleaseAll tears down every owned Vm, called when the Env itself is
// deleted.
func (e *Env) ReleaseAll(ctx context.Context, rsc *resource.Resource, ids *resource.IDAllocator, ports *resource.PortAllocator, nat vm.NATInstaller, hv vm.Preparer) {
	for id, v := range e.vms {
		v.Release(ctx, rsc, ids, ports, nat, hv)
		delete(e.vms, id)
	}
}

// Snapshot is the durable representation of an Env, written to CfgDB
// and read back at startup.
type Snapshot struct {
	Id             ttdef.EnvId              `json:"id"`
	StartTimestamp uint64                   `json:"start_timestamp"`
	EndTimestamp   uint64                   `json:"end_timestamp"`
	IsStopped      bool                     `json:"is_stopped"`
	OutgoingDenied bool                     `json:"outgoing_denied"`
	LastMgmtTs     uint64                   `json:"last_mgmt_ts"`
	Vms            map[ttdef.VmId]vm.Snapshot `json:"vms"`
}

// ToSnapshot captures e's durable fields. cached maps each owned Vm to
// whether its runtime image is known to still be on disk.
func (e *Env) ToSnapshot(cached map[ttdef.VmId]bool) Snapshot {
	vms := make(map[ttdef.VmId]vm.Snapshot, len(e.vms))
	for id, v := range e.vms {
		vms[id] = v.ToSnapshot(cached[id])
	}
	return Snapshot{
		Id: e.id, StartTimestamp: e.startTimestamp, EndTimestamp: e.endTimestamp,
		IsStopped: e.isStopped, OutgoingDenied: e.outgoingDenied, LastMgmtTs: e.lastMgmtTs,
		Vms: vms,
	}
}

// AnyImageCached reports whether at least one Vm in snap has a cached
// runtime image, the test CfgDB's loader uses to distinguish a live Env
// from a crash remnant.
func (s Snapshot) AnyImageCached() bool {
	for _, v := range s.Vms {
		if v.ImageCached {
			return true
		}
	}
	return false
}

// Restore rebuilds an Env and every owned Vm from a persisted Snapshot.
// On the first Vm restore failure, every Vm restored so far in this
// call is released and the error is returned — a half-restored Env is
// as unsafe to keep around as a half-provisioned one.
func Restore(ctx context.Context, snap Snapshot, rsc *resource.Resource, ids *resource.IDAllocator, ports *resource.PortAllocator, nat vm.NATInstaller, hv vm.Preparer) (*Env, error) {
	e := &Env{
		id: snap.Id, startTimestamp: snap.StartTimestamp, endTimestamp: snap.EndTimestamp,
		isStopped: snap.IsStopped, outgoingDenied: snap.OutgoingDenied, lastMgmtTs: snap.LastMgmtTs,
		vms: make(map[ttdef.VmId]*vm.Vm, len(snap.Vms)),
	}
	for id, vsnap := range snap.Vms {
		v, err := vm.Restore(ctx, vsnap, ids, ports, nat, hv)
		if err != nil {
			e.ReleaseAll(ctx, rsc, ids, ports, nat, hv)
			return nil, fmt.Errorf("restore env %d: %w", snap.Id, err)
		}
		e.vms[id] = v
	}
	return e, nil
}

// Expired reports whether the Env's lifetime has elapsed as of now.
func (e *Env) Expired(now uint64) bool { return e.endTimestamp < now }

// Now returns the current Unix timestamp, the single place the env/serv
// packages touch the wall clock so tests can inject a fixed value
// instead.
func Now() uint64 { return uint64(time.Now().Unix()) }

// Package serv implements Serv, the top-level host registry: every
// client's Envs, the shared ID/port allocators, and the host-wide
// resource budget. Serv is the single owner of all of that state; every
// other package only ever sees it through Serv's methods, which take and
// release the right locks in the right order.
//
// # Concurrency model
//
// One RWMutex (mu) guards the cli->env map structurally (registering,
// looking up, and deleting a client or an Env). A second lock (rscMu)
// guards the shared Resource counters, since every Env/Vm operation that
// touches cpu/mem/disk/vm_active needs it regardless of which client's
// subtree it's under — taking one coarse resource lock avoids a
// straight read-modify-write race between two clients provisioning at
// the same moment. The ID and port allocators carry their own internal
// locks (see internal/resource) and are never covered by mu or rscMu.
//
// This mirrors firecracker.Manager's split between cidMu/ipMu and the
// VM map lock, generalized to Serv's extra resource-counter lock.
package serv

import (
	"context"
	"fmt"
	"sync"

	"github.com/ttstack/tt/internal/env"
	"github.com/ttstack/tt/internal/logging"
	"github.com/ttstack/tt/internal/metrics"
	"github.com/ttstack/tt/internal/resource"
	"github.com/ttstack/tt/internal/ttdef"
	"github.com/ttstack/tt/internal/vm"
)

// Drivers bundles every capability Serv needs from the selected
// hypervisor/network backends. One concrete Drivers value is built at
// startup from config and shared by every Env under this Serv.
type Drivers struct {
	NAT    vm.NATInstaller
	Hyper  HyperDriver
	Filter env.OutgoingFilter
}

// HyperDriver is the union of every hypervisor capability Serv's Env
// operations need. A single driver implementation (firecracker, qemu,
// bhyve or docker) satisfies all of it.
type HyperDriver interface {
	vm.Preparer
	env.Starter
	env.Pauser
}

// Serv is the host-wide registry of clients, Envs and the resource
// budget they draw from.
type Serv struct {
	mu  sync.RWMutex
	cli map[ttdef.CliId]map[ttdef.EnvId]*env.Env

	rscMu sync.Mutex
	rsc   resource.Resource

	envIDs *resource.IDAllocator
	vmIDs  *resource.IDAllocator
	ports  *resource.PortAllocator

	drv Drivers
}

// New builds an empty Serv with the given total resource budget and
// port window, backed by drv for every provisioning/pause/NAT call.
func New(rsc resource.Resource, portLow, portHigh uint16, drv Drivers) *Serv {
	return &Serv{
		cli:    make(map[ttdef.CliId]map[ttdef.EnvId]*env.Env),
		rsc:    rsc,
		envIDs: resource.NewIDAllocator(1),
		vmIDs:  resource.NewIDAllocator(1),
		ports:  resource.NewPortAllocator(portLow, portHigh),
		drv:    drv,
	}
}

// SetResource replaces the total budget, preserving nothing of the
// current usage counters — callers are expected to call this only at
// startup before any client registers.
func (s *Serv) SetResource(rsc resource.Resource) {
	s.rscMu.Lock()
	defer s.rscMu.Unlock()
	s.rsc = resource.New(rsc.VmActive.Total, rsc.CPU.Total, rsc.Mem.Total, rsc.Disk.Total)
}

// GetResource returns a snapshot of the current budget.
func (s *Serv) GetResource() resource.Resource {
	s.rscMu.Lock()
	defer s.rscMu.Unlock()
	return s.rsc
}

// AddClient registers a new, empty client.
func (s *Serv) AddClient(id ttdef.CliId) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.cli[id]; exists {
		return ttdef.ErrClientExists
	}
	s.cli[id] = make(map[ttdef.EnvId]*env.Env)
	logging.Op().Info("client registered", "client", id)
	return nil
}

// DelClient removes a client and tears down every Env it owns.
func (s *Serv) DelClient(ctx context.Context, id ttdef.CliId) {
	s.mu.Lock()
	envSet, ok := s.cli[id]
	if ok {
		delete(s.cli, id)
	}
	s.mu.Unlock()
	if !ok {
		return
	}

	s.rscMu.Lock()
	defer s.rscMu.Unlock()
	for _, e := range envSet {
		e.ReleaseAll(ctx, &s.rsc, s.vmIDs, s.ports, s.drv.NAT, s.drv.Hyper)
		s.envIDs.Release(uint32(e.Id()))
	}
	logging.Op().Info("client removed", "client", id, "envs_released", len(envSet))
}

// NewEnv allocates a fresh EnvId and registers an empty Env under cliID,
// creating the client entry if it doesn't already exist.
func (s *Serv) NewEnv(cliID ttdef.CliId, now uint64) (*env.Env, error) {
	rawID, err := s.envIDs.Alloc()
	if err != nil {
		return nil, err
	}
	e := env.New(ttdef.EnvId(rawID), now)

	s.mu.Lock()
	defer s.mu.Unlock()
	envSet, ok := s.cli[cliID]
	if !ok {
		envSet = make(map[ttdef.EnvId]*env.Env)
		s.cli[cliID] = envSet
	}
	envSet[e.Id()] = e
	return e, nil
}

// NewEnvWithID registers an empty Env under cliID using a caller-chosen
// EnvId, matching add_env's contract: the client names its own Env ids
// rather than receiving an allocated one back. Returns ErrEnvExists if
// id is already pinned by this or any other client.
func (s *Serv) NewEnvWithID(cliID ttdef.CliId, id ttdef.EnvId, now uint64) (*env.Env, error) {
	if err := s.envIDs.Pin(uint32(id)); err != nil {
		return nil, fmt.Errorf("%w: env id %d", ttdef.ErrEnvExists, id)
	}
	e := env.New(id, now)

	s.mu.Lock()
	defer s.mu.Unlock()
	envSet, ok := s.cli[cliID]
	if !ok {
		envSet = make(map[ttdef.EnvId]*env.Env)
		s.cli[cliID] = envSet
	}
	envSet[e.Id()] = e
	return e, nil
}

// DelEnv removes one Env and releases every Vm it owns.
func (s *Serv) DelEnv(ctx context.Context, cliID ttdef.CliId, envID ttdef.EnvId) error {
	s.mu.Lock()
	envSet, ok := s.cli[cliID]
	if !ok {
		s.mu.Unlock()
		return ttdef.ErrClientUnknown
	}
	e, ok := envSet[envID]
	if !ok {
		s.mu.Unlock()
		return ttdef.ErrEnvNotFound
	}
	delete(envSet, envID)
	s.mu.Unlock()

	s.rscMu.Lock()
	e.ReleaseAll(ctx, &s.rsc, s.vmIDs, s.ports, s.drv.NAT, s.drv.Hyper)
	s.rscMu.Unlock()
	s.envIDs.Release(uint32(envID))
	return nil
}

// getEnv looks up an Env under its client, holding no lock — callers
// must already hold s.mu.
func (s *Serv) getEnv(cliID ttdef.CliId, envID ttdef.EnvId) (*env.Env, error) {
	envSet, ok := s.cli[cliID]
	if !ok {
		return nil, ttdef.ErrClientUnknown
	}
	e, ok := envSet[envID]
	if !ok {
		return nil, ttdef.ErrEnvNotFound
	}
	return e, nil
}

// StopEnv pauses every Vm in the named Env and gives back its share of
// the resource budget.
func (s *Serv) StopEnv(ctx context.Context, cliID ttdef.CliId, envID ttdef.EnvId, now uint64) error {
	s.mu.Lock()
	e, err := s.getEnv(cliID, envID)
	s.mu.Unlock()
	if err != nil {
		return err
	}
	s.rscMu.Lock()
	defer s.rscMu.Unlock()
	return e.Stop(ctx, now, &s.rsc, s.drv.Hyper)
}

// StartEnv resumes every Vm in a previously-stopped Env.
func (s *Serv) StartEnv(ctx context.Context, cliID ttdef.CliId, envID ttdef.EnvId, now uint64) error {
	s.mu.Lock()
	e, err := s.getEnv(cliID, envID)
	s.mu.Unlock()
	if err != nil {
		return err
	}
	s.rscMu.Lock()
	defer s.rscMu.Unlock()
	return e.Start(ctx, now, &s.rsc, s.drv.Hyper)
}

// AddVmSet provisions cfgs onto the named Env.
func (s *Serv) AddVmSet(ctx context.Context, cliID ttdef.CliId, envID ttdef.EnvId, cfgs []vm.Config) error {
	s.mu.Lock()
	e, err := s.getEnv(cliID, envID)
	s.mu.Unlock()
	if err != nil {
		return err
	}
	s.rscMu.Lock()
	defer s.rscMu.Unlock()
	before := e.VmCount()
	err = e.AddVMSet(ctx, cfgs, &s.rsc, s.vmIDs, s.ports, s.drv.NAT, s.drv.Hyper, s.drv.Hyper)
	for i := 0; i < e.VmCount()-before; i++ {
		metrics.Global().RecordVMCreated()
	}
	return err
}

// DelVms removes the named Vms from an Env.
func (s *Serv) DelVms(ctx context.Context, cliID ttdef.CliId, envID ttdef.EnvId, vmIDs []ttdef.VmId) error {
	s.mu.Lock()
	e, err := s.getEnv(cliID, envID)
	s.mu.Unlock()
	if err != nil {
		return err
	}
	s.rscMu.Lock()
	defer s.rscMu.Unlock()
	e.DelVMs(ctx, vmIDs, &s.rsc, s.vmIDs, s.ports, s.drv.NAT, s.drv.Hyper)
	for range vmIDs {
		metrics.Global().RecordVMStopped()
	}
	return nil
}

// UpdateEnvLife updates an Env's lifetime.
func (s *Serv) UpdateEnvLife(cliID ttdef.CliId, envID ttdef.EnvId, secs uint64, privileged bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, err := s.getEnv(cliID, envID)
	if err != nil {
		return err
	}
	return e.UpdateLife(secs, privileged)
}

// UpdateEnvHardware resizes, reports, or re-ports the Vms in an Env.
func (s *Serv) UpdateEnvHardware(ctx context.Context, cliID ttdef.CliId, envID ttdef.EnvId, cpu, mem, disk *int32, ports []ttdef.InnerPort, denyOutgoing *bool) error {
	s.mu.Lock()
	e, err := s.getEnv(cliID, envID)
	s.mu.Unlock()
	if err != nil {
		return err
	}
	s.rscMu.Lock()
	defer s.rscMu.Unlock()
	return e.UpdateHardware(ctx, cpu, mem, disk, ports, denyOutgoing, &s.rsc, s.ports, s.drv.NAT, s.drv.Filter)
}

// GetEnvMeta lists every Env a client owns.
func (s *Serv) GetEnvMeta(cliID ttdef.CliId) []env.Meta {
	s.mu.RLock()
	defer s.mu.RUnlock()
	envSet, ok := s.cli[cliID]
	if !ok {
		return nil
	}
	out := make([]env.Meta, 0, len(envSet))
	for _, e := range envSet {
		out = append(out, e.AsMeta())
	}
	return out
}

// GetEnvMetaAll lists every Env on the host, across every client — used
// by the proxy to build its placement view.
func (s *Serv) GetEnvMetaAll() []env.Meta {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []env.Meta
	for _, envSet := range s.cli {
		for _, e := range envSet {
			out = append(out, e.AsMeta())
		}
	}
	return out
}

// GetEnvDetail returns the detailed view of the named Envs owned by
// cliID, silently skipping any id that doesn't belong to it.
func (s *Serv) GetEnvDetail(cliID ttdef.CliId, envIDs []ttdef.EnvId) []env.Info {
	s.mu.RLock()
	defer s.mu.RUnlock()
	envSet, ok := s.cli[cliID]
	if !ok {
		return nil
	}
	out := make([]env.Info, 0, len(envIDs))
	for _, id := range envIDs {
		if e, ok := envSet[id]; ok {
			out = append(out, e.AsInfo())
		}
	}
	return out
}

// ExpiredKey names one Env due for removal by a sweep pass.
type ExpiredKey struct {
	Cli ttdef.CliId
	Env ttdef.EnvId
}

// ExpiredEnvs lists every Env across every client whose lifetime has
// elapsed as of now, without removing anything.
func (s *Serv) ExpiredEnvs(now uint64) []ExpiredKey {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var expired []ExpiredKey
	for cliID, envSet := range s.cli {
		for envID, e := range envSet {
			if e.Expired(now) {
				expired = append(expired, ExpiredKey{cliID, envID})
			}
		}
	}
	return expired
}

// CleanExpiredEnv removes every Env across every client whose lifetime
// has elapsed as of now. Called from a sweeper goroutine roughly once a
// minute (see internal/dispatch's sweep loop).
func (s *Serv) CleanExpiredEnv(ctx context.Context, now uint64) int {
	expired := s.ExpiredEnvs(now)
	for _, k := range expired {
		if err := s.DelEnv(ctx, k.Cli, k.Env); err != nil {
			logging.Op().Error("failed to clean expired env", "client", k.Cli, "env", k.Env, "error", err)
		}
	}
	if len(expired) > 0 {
		logging.Op().Info("cleaned expired envs", "count", len(expired))
	}
	return len(expired)
}

// Snapshot captures the named Env's durable state for CfgDB, treating
// every Vm currently registered on it as having a cached image — a Vm
// only ever reaches e.vms after its PreStart step succeeded.
func (s *Serv) Snapshot(cliID ttdef.CliId, envID ttdef.EnvId) (env.Snapshot, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	e, err := s.getEnv(cliID, envID)
	if err != nil {
		return env.Snapshot{}, false
	}
	cached := make(map[ttdef.VmId]bool, e.VmCount())
	for id := range e.Vms() {
		cached[id] = true
	}
	return e.ToSnapshot(cached), true
}

// RestoreEnv rebuilds an Env from a CfgDB snapshot at startup, pinning
// its EnvId (and, transitively through env.Restore, every owned Vm's
// VmId and ports) rather than allocating fresh ones. A collision on any
// pinned value is treated as catalog corruption and returned verbatim.
func (s *Serv) RestoreEnv(ctx context.Context, cliID ttdef.CliId, snap env.Snapshot) error {
	if err := s.envIDs.Pin(uint32(snap.Id)); err != nil {
		return fmt.Errorf("restore env %d: %w", snap.Id, err)
	}

	s.rscMu.Lock()
	e, err := env.Restore(ctx, snap, &s.rsc, s.vmIDs, s.ports, s.drv.NAT, s.drv.Hyper)
	s.rscMu.Unlock()
	if err != nil {
		s.envIDs.Release(uint32(snap.Id))
		return err
	}

	for _, v := range e.Vms() {
		s.rscMu.Lock()
		_ = s.rsc.CheckAndReserve(resource.Demand{CPU: v.CPU, Mem: v.Mem, Disk: v.Disk})
		s.rscMu.Unlock()
	}

	s.mu.Lock()
	envSet, ok := s.cli[cliID]
	if !ok {
		envSet = make(map[ttdef.EnvId]*env.Env)
		s.cli[cliID] = envSet
	}
	envSet[e.Id()] = e
	s.mu.Unlock()
	return nil
}

// Describe renders a short human-readable summary, used by get_server_info.
func (s *Serv) Describe() string {
	r := s.GetResource()
	return fmt.Sprintf("vm_active=%d/%d cpu=%d/%d mem=%d/%d disk=%d/%d",
		r.VmActive.Used, r.VmActive.Total, r.CPU.Used, r.CPU.Total, r.Mem.Used, r.Mem.Total, r.Disk.Used, r.Disk.Total)
}

// Package vm implements the Vm entity: a single guest instance, its
// provisioning pipeline and its release (destructor) sequence. Go has no
// Drop, so the ownership discipline the original relied on — freeing
// IDs, ports and resource counters exactly once, in a fixed order, the
// moment nothing references a Vm any more — is made explicit as a
// Release method every owner must call exactly once.
package vm

import (
	"context"
	"fmt"
	"path/filepath"

	"github.com/ttstack/tt/internal/resource"
	"github.com/ttstack/tt/internal/ttdef"
)

// Defaults applied when a Config leaves a sizing field unset.
const (
	DefaultCPU  int32 = 1
	DefaultMem  int32 = 512
	DefaultDisk int32 = 4096
)

// NATInstaller installs and removes the DNAT rules backing a Vm's
// port_map. Implementations live in internal/driver/network.
type NATInstaller interface {
	SetRule(ctx context.Context, v *Vm) error
	CleanRule(ctx context.Context, v *Vm) error
}

// Preparer readies a Vm's runtime image without starting its process,
// and performs best-effort cleanup once a Vm is gone. Implementations
// live in internal/driver/hypervisor.
type Preparer interface {
	PreStart(ctx context.Context, v *Vm) error
	PostClean(v *Vm)
}

// Config is the caller-supplied description of a Vm to provision,
// mirroring the original's VmCfg.
type Config struct {
	ImagePath string
	PortList  []ttdef.InnerPort
	Kind      ttdef.VmKind
	CPU       *int32
	Mem       *int32
	Disk      *int32
	RandUUID  bool
}

// Vm is a single guest instance. DuringStop is flipped by Env while an
// env-wide stop/start cycle is in flight so Release knows not to
// double-count resource usage the stop path already subtracted. CPU,
// Mem, Disk and PortMap are rewritten by Env.UpdateHardware; the Demand
// recorded at provisioning, which Release gives back, is not.
type Vm struct {
	ImagePath string
	Kind      ttdef.VmKind
	CPU       int32
	Mem       int32
	Disk      int32

	id      ttdef.VmId
	IP      [4]byte
	PortMap map[ttdef.InnerPort]ttdef.PubPort

	DuringStop bool
	RandUUID   bool

	demand resource.Demand
}

// Id returns the Vm's allocated identifier.
func (v *Vm) Id() ttdef.VmId { return v.id }

// Info is the read-only view handed back to clients via get_env_detail.
type Info struct {
	OS       string                             `json:"os"`
	CPU      int32                              `json:"cpu_num"`
	Mem      int32                              `json:"mem_size"`
	Disk     int32                              `json:"disk_size"`
	IP       string                             `json:"ip"`
	PortMap  map[ttdef.InnerPort]ttdef.PubPort `json:"port_map"`
}

// AsInfo builds the wire-facing snapshot of v.
func (v *Vm) AsInfo() Info {
	return Info{
		OS:      filepath.Base(v.ImagePath),
		CPU:     v.CPU,
		Mem:     v.Mem,
		Disk:    v.Disk,
		IP:      fmt.Sprintf("%d.%d.%d.%d", v.IP[0], v.IP[1], v.IP[2], v.IP[3]),
		PortMap: v.PortMap,
	}
}

// Provision runs the six-step pipeline: resource reservation, VmId
// allocation, IP derivation, PubPort allocation, NAT install and
// pre-start image creation. The Vm process itself is not started here —
// callers invoke Start separately once every sibling Vm in the same Env
// has also provisioned successfully.
//
// Any failure past the resource reservation step unwinds everything
// already done, in the reverse order it was acquired, so a half-built
// Vm never leaks an ID, a port or a resource counter.
func Provision(ctx context.Context, cfg Config, rsc *resource.Resource, ids *resource.IDAllocator, ports *resource.PortAllocator, nat NATInstaller, hv Preparer) (*Vm, error) {
	demand := resource.Demand{
		CPU:  orDefault(cfg.CPU, DefaultCPU),
		Mem:  orDefault(cfg.Mem, DefaultMem),
		Disk: orDefault(cfg.Disk, DefaultDisk),
	}
	if err := rsc.CheckAndReserve(demand); err != nil {
		return nil, err
	}

	portMap := make(map[ttdef.InnerPort]ttdef.PubPort, len(cfg.PortList)+2)
	portMap[ttdef.SSHPort] = 0
	portMap[ttdef.TTRExecPort] = 0
	for _, p := range cfg.PortList {
		portMap[p] = 0
	}

	v := &Vm{
		ImagePath: cfg.ImagePath,
		Kind:      cfg.Kind,
		CPU:       demand.CPU,
		Mem:       demand.Mem,
		Disk:      demand.Disk,
		PortMap:   portMap,
		RandUUID:  cfg.RandUUID,
		demand:    demand,
	}

	rawID, err := ids.Alloc()
	if err != nil {
		rsc.Release(demand)
		return nil, err
	}
	v.id = ttdef.VmId(rawID)
	v.IP = ttdef.DeriveIP(v.id)

	allocated := make([]ttdef.InnerPort, 0, len(portMap))
	rollbackPorts := func() {
		for _, inner := range allocated {
			ports.Release(v.PortMap[inner])
		}
	}
	for inner := range portMap {
		pub, err := ports.Alloc()
		if err != nil {
			rollbackPorts()
			ids.Release(rawID)
			rsc.Release(demand)
			return nil, err
		}
		v.PortMap[inner] = pub
		allocated = append(allocated, inner)
	}

	if err := nat.SetRule(ctx, v); err != nil {
		rollbackPorts()
		ids.Release(rawID)
		rsc.Release(demand)
		return nil, fmt.Errorf("%w: nat set_rule: %v", ttdef.ErrDriverUnavailable, err)
	}

	if err := hv.PreStart(ctx, v); err != nil {
		_ = nat.CleanRule(ctx, v)
		rollbackPorts()
		ids.Release(rawID)
		rsc.Release(demand)
		return nil, fmt.Errorf("%w: pre_start: %v", ttdef.ErrDriverUnavailable, err)
	}

	return v, nil
}

// Release runs the destructor sequence the original expressed as
// impl Drop for Vm: free the VmId, restore the resource budget (unless
// the Vm is mid env-stop and the budget was already adjusted there),
// free every PubPort and tear down its NAT rule, then hand off to the
// driver for any hypervisor-specific teardown. It must be called
// exactly once per successfully provisioned Vm; Provision's own error
// paths roll back by hand and never call it.
func (v *Vm) Release(ctx context.Context, rsc *resource.Resource, ids *resource.IDAllocator, ports *resource.PortAllocator, nat NATInstaller, hv Preparer) {
	ids.Release(uint32(v.id))

	if !v.DuringStop {
		rsc.Release(v.demand)
	}

	if len(v.PortMap) > 0 {
		_ = nat.CleanRule(ctx, v)
		for _, pub := range v.PortMap {
			ports.Release(pub)
		}
	}

	hv.PostClean(v)
}

// Snapshot is the durable representation of a Vm, written to CfgDB and
// read back at startup. ImageCached records whether the runtime image
// survived a restart; a snapshot whose every sibling in an Env has
// ImageCached false is a crash remnant with no Vm worth restoring.
type Snapshot struct {
	Id          ttdef.VmId                            `json:"id"`
	ImagePath   string                                 `json:"image_path"`
	Kind        ttdef.VmKind                           `json:"kind"`
	CPU         int32                                  `json:"cpu"`
	Mem         int32                                  `json:"mem"`
	Disk        int32                                  `json:"disk"`
	IP          [4]byte                                `json:"ip"`
	PortMap     map[ttdef.InnerPort]ttdef.PubPort     `json:"port_map"`
	RandUUID    bool                                   `json:"rand_uuid"`
	ImageCached bool                                   `json:"image_cached"`
}

// ToSnapshot captures v's durable fields. cached records whether its
// runtime image is known to still be on disk; callers set it from
// whatever image-cache bookkeeping they maintain outside this package.
func (v *Vm) ToSnapshot(cached bool) Snapshot {
	portMap := make(map[ttdef.InnerPort]ttdef.PubPort, len(v.PortMap))
	for k, p := range v.PortMap {
		portMap[k] = p
	}
	return Snapshot{
		Id: v.id, ImagePath: v.ImagePath, Kind: v.Kind,
		CPU: v.CPU, Mem: v.Mem, Disk: v.Disk,
		IP: v.IP, PortMap: portMap, RandUUID: v.RandUUID, ImageCached: cached,
	}
}

// Restore rebuilds a Vm from a persisted Snapshot, re-running id and
// port reservation (pinning the stored values, which must not collide
// with anything already pinned this run — collision means catalog
// corruption), NAT installation and pre-start. Unlike Provision, no
// resource budget is reserved here: the caller (Serv.RestoreEnv)
// reserves budget for every restored Vm after the restore succeeds,
// matching the original's create_meta_from_cache path.
func Restore(ctx context.Context, snap Snapshot, ids *resource.IDAllocator, ports *resource.PortAllocator, nat NATInstaller, hv Preparer) (*Vm, error) {
	if err := ids.Pin(uint32(snap.Id)); err != nil {
		return nil, fmt.Errorf("restore vm %d: %w", snap.Id, err)
	}
	portMap := make(map[ttdef.InnerPort]ttdef.PubPort, len(snap.PortMap))
	for inner, pub := range snap.PortMap {
		if err := ports.Pin(pub); err != nil {
			ids.Release(uint32(snap.Id))
			return nil, fmt.Errorf("restore vm %d: %w", snap.Id, err)
		}
		portMap[inner] = pub
	}

	v := &Vm{
		ImagePath: snap.ImagePath, Kind: snap.Kind,
		CPU: snap.CPU, Mem: snap.Mem, Disk: snap.Disk,
		id: snap.Id, IP: snap.IP, PortMap: portMap, RandUUID: snap.RandUUID,
		demand: resource.Demand{CPU: snap.CPU, Mem: snap.Mem, Disk: snap.Disk},
	}

	if err := nat.SetRule(ctx, v); err != nil {
		return nil, fmt.Errorf("%w: restore nat set_rule: %v", ttdef.ErrDriverUnavailable, err)
	}
	// PreStart is idempotent when the image is already cached on disk;
	// when it isn't, this re-creates it exactly as a fresh Provision would.
	if err := hv.PreStart(ctx, v); err != nil {
		return nil, fmt.Errorf("%w: restore pre_start: %v", ttdef.ErrDriverUnavailable, err)
	}
	return v, nil
}

// FromSnapshot rebuilds just enough of a Vm to pass to a Preparer's
// PostClean, without pinning its id/ports or touching the resource
// budget. Used for crash remnants CfgDB finds with no cached image
// left to restore: there is no NAT rule or resource reservation to
// undo, only whatever on-disk working directory the hypervisor driver
// left behind.
func FromSnapshot(snap Snapshot) *Vm {
	return &Vm{
		ImagePath: snap.ImagePath, Kind: snap.Kind,
		CPU: snap.CPU, Mem: snap.Mem, Disk: snap.Disk,
		id: snap.Id, IP: snap.IP, PortMap: snap.PortMap, RandUUID: snap.RandUUID,
	}
}

func orDefault(v *int32, def int32) int32 {
	if v == nil {
		return def
	}
	return *v
}

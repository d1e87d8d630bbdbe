// Package hypervisor selects and exposes the capability interface every
// Vm lifecycle operation is ultimately expressed through: preparing a
// runtime image, starting the guest process, and pausing/resuming it.
// Exactly one Driver is active per host, chosen at startup from config
// or autodetected the way the teacher's internal/backend package probes
// for Firecracker versus Docker availability.
package hypervisor

import (
	"context"
	"fmt"
	"os/exec"
	"runtime"

	"github.com/ttstack/tt/internal/ttdef"
	"github.com/ttstack/tt/internal/vm"
)

// Driver is the union of every hypervisor capability the env and vm
// packages need. A Vm's Kind determines which Driver instance owns it;
// Router holds one Driver per configured VmKind and dispatches each
// operation to the right one by consulting Vm.Kind.
type Driver interface {
	vm.Preparer
	Start(ctx context.Context, v *vm.Vm) error
	Pause(ctx context.Context, v *vm.Vm) error
	Resume(ctx context.Context, v *vm.Vm) error
}

// Availability reports whether a given VmKind's driver has its runtime
// dependencies present on this host, mirroring
// backend.DetectAvailableBackends.
type Availability struct {
	Kind      ttdef.VmKind `json:"kind"`
	Available bool         `json:"available"`
	Reason    string       `json:"reason,omitempty"`
}

// Detect probes every known VmKind for its runtime prerequisites
// (hypervisor binary on PATH, correct OS) without constructing a
// Driver.
func Detect() []Availability {
	return []Availability{
		detectFirecracker(),
		detectQemu(),
		detectBhyve(),
		detectDocker(),
	}
}

func detectFirecracker() Availability {
	if runtime.GOOS != "linux" {
		return Availability{Kind: ttdef.VmKindFirecracker, Reason: "firecracker requires linux/KVM"}
	}
	if _, err := exec.LookPath("firecracker"); err != nil {
		return Availability{Kind: ttdef.VmKindFirecracker, Reason: "firecracker binary not found on PATH"}
	}
	return Availability{Kind: ttdef.VmKindFirecracker, Available: true}
}

func detectQemu() Availability {
	if _, err := exec.LookPath("qemu-system-x86_64"); err != nil {
		return Availability{Kind: ttdef.VmKindQemu, Reason: "qemu-system-x86_64 not found on PATH"}
	}
	return Availability{Kind: ttdef.VmKindQemu, Available: true}
}

func detectBhyve() Availability {
	if runtime.GOOS != "freebsd" {
		return Availability{Kind: ttdef.VmKindBhyve, Reason: "bhyve requires freebsd"}
	}
	if _, err := exec.LookPath("bhyve"); err != nil {
		return Availability{Kind: ttdef.VmKindBhyve, Reason: "bhyve binary not found on PATH"}
	}
	return Availability{Kind: ttdef.VmKindBhyve, Available: true}
}

func detectDocker() Availability {
	if _, err := exec.LookPath("docker"); err != nil {
		return Availability{Kind: ttdef.VmKindDocker, Reason: "docker binary not found on PATH"}
	}
	return Availability{Kind: ttdef.VmKindDocker, Available: true}
}

// Set groups one concrete Driver per VmKind a host is configured to
// serve, and routes a Vm to the right one by its Kind field.
type Set map[ttdef.VmKind]Driver

// For returns the Driver registered for kind.
func (s Set) For(kind ttdef.VmKind) (Driver, error) {
	d, ok := s[kind]
	if !ok {
		return nil, fmt.Errorf("%w: no driver configured for %s", ttdef.ErrDriverUnavailable, kind)
	}
	return d, nil
}

// Router implements the hypervisor.Driver-shaped interface Serv needs by
// dispatching every call to the Vm's own Kind, letting Serv hold a
// single Driver value even when multiple hypervisors are configured
// side by side (e.g. firecracker for Linux guests, docker for
// CI-only VmKindDocker environments on the same host).
type Router struct{ Set Set }

func (r Router) PreStart(ctx context.Context, v *vm.Vm) error {
	d, err := r.Set.For(v.Kind)
	if err != nil {
		return err
	}
	return d.PreStart(ctx, v)
}

func (r Router) PostClean(v *vm.Vm) {
	if d, err := r.Set.For(v.Kind); err == nil {
		d.PostClean(v)
	}
}

func (r Router) Start(ctx context.Context, v *vm.Vm) error {
	d, err := r.Set.For(v.Kind)
	if err != nil {
		return err
	}
	return d.Start(ctx, v)
}

func (r Router) Pause(ctx context.Context, v *vm.Vm) error {
	d, err := r.Set.For(v.Kind)
	if err != nil {
		return err
	}
	return d.Pause(ctx, v)
}

func (r Router) Resume(ctx context.Context, v *vm.Vm) error {
	d, err := r.Set.For(v.Kind)
	if err != nil {
		return err
	}
	return d.Resume(ctx, v)
}

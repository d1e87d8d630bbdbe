package env

import (
	"context"
	"errors"
	"testing"

	"github.com/ttstack/tt/internal/resource"
	"github.com/ttstack/tt/internal/ttdef"
	"github.com/ttstack/tt/internal/vm"
)

type fakeNAT struct{}

func (fakeNAT) SetRule(ctx context.Context, v *vm.Vm) error   { return nil }
func (fakeNAT) CleanRule(ctx context.Context, v *vm.Vm) error { return nil }

type fakeHV struct{ paused map[ttdef.VmId]bool }

func (h *fakeHV) PreStart(ctx context.Context, v *vm.Vm) error { return nil }
func (h *fakeHV) PostClean(v *vm.Vm)                           {}
func (h *fakeHV) Start(ctx context.Context, v *vm.Vm) error    { return nil }
func (h *fakeHV) Pause(ctx context.Context, v *vm.Vm) error {
	if h.paused == nil {
		h.paused = map[ttdef.VmId]bool{}
	}
	h.paused[v.Id()] = true
	return nil
}
func (h *fakeHV) Resume(ctx context.Context, v *vm.Vm) error {
	h.paused[v.Id()] = false
	return nil
}

type fakeFilter struct{ denied bool }

func (f *fakeFilter) DenyOutgoing(ctx context.Context, vms []*vm.Vm) error { f.denied = true; return nil }
func (f *fakeFilter) AllowOutgoing(ctx context.Context, vms []*vm.Vm) error {
	f.denied = false
	return nil
}

func harness() (*resource.Resource, *resource.IDAllocator, *resource.PortAllocator) {
	r := resource.New(8, 64, 65536, 655360)
	return &r, resource.NewIDAllocator(1), resource.NewPortAllocator(40000, 40200)
}

func TestEnv_AddVMSet_RegistersOnSuccess(t *testing.T) {
	e := New(1, 1000)
	rsc, ids, ports := harness()
	hv := &fakeHV{}
	nat := fakeNAT{}

	cfgs := []vm.Config{{ImagePath: "/images/a.img"}, {ImagePath: "/images/b.img"}}
	if err := e.AddVMSet(context.Background(), cfgs, rsc, ids, ports, nat, hv, hv); err != nil {
		t.Fatalf("add_vm_set: %v", err)
	}
	if e.VmCount() != 2 {
		t.Fatalf("expected 2 vms registered, got %d", e.VmCount())
	}
}

func TestEnv_UpdateLife_RejectsExcessiveLifetimeUnlessPrivileged(t *testing.T) {
	e := New(1, 1000)
	if err := e.UpdateLife(MaxLifeSeconds+1, false); !errors.Is(err, ttdef.ErrEnvThrottled) {
		t.Fatalf("expected rejection, got %v", err)
	}
	if err := e.UpdateLife(MaxLifeSeconds+1, true); err != nil {
		t.Fatalf("privileged caller should be allowed, got %v", err)
	}
}

func TestEnv_StopStart_ThrottlesAndTogglesDuringStop(t *testing.T) {
	e := New(1, 1000)
	rsc, ids, ports := harness()
	hv := &fakeHV{}
	nat := fakeNAT{}

	cfgs := []vm.Config{{ImagePath: "/images/a.img"}}
	if err := e.AddVMSet(context.Background(), cfgs, rsc, ids, ports, nat, hv, hv); err != nil {
		t.Fatalf("add_vm_set: %v", err)
	}
	usedBefore := rsc.CPU.Used

	if err := e.Stop(context.Background(), 2000, rsc, hv); err != nil {
		t.Fatalf("stop: %v", err)
	}
	if rsc.CPU.Used != usedBefore-1 {
		t.Fatalf("expected cpu budget decremented by 1, got %d", rsc.CPU.Used)
	}
	for _, v := range e.Vms() {
		if !v.DuringStop {
			t.Fatal("expected vm marked during_stop")
		}
	}

	if err := e.Stop(context.Background(), 2001, rsc, hv); !errors.Is(err, ttdef.ErrEnvThrottled) {
		t.Fatalf("expected throttle on immediate re-stop, got %v", err)
	}

	if err := e.Start(context.Background(), 2030, rsc, hv); err != nil {
		t.Fatalf("start: %v", err)
	}
	if rsc.CPU.Used != usedBefore {
		t.Fatalf("expected cpu budget restored, got %d", rsc.CPU.Used)
	}
}

func TestEnv_UpdateHardware_RequiresStopped(t *testing.T) {
	e := New(1, 1000)
	rsc, ids, ports := harness()
	hv := &fakeHV{}
	nat := fakeNAT{}
	filter := &fakeFilter{}

	cfgs := []vm.Config{{ImagePath: "/images/a.img"}}
	if err := e.AddVMSet(context.Background(), cfgs, rsc, ids, ports, nat, hv, hv); err != nil {
		t.Fatalf("add_vm_set: %v", err)
	}

	cpu := int32(2)
	if err := e.UpdateHardware(context.Background(), &cpu, nil, nil, nil, nil, rsc, ports, nat, filter); !errors.Is(err, ttdef.ErrEnvStopped) {
		t.Fatalf("expected ErrEnvStopped, got %v", err)
	}
}

func TestEnv_UpdateHardware_TogglesOutgoingPolicyOnce(t *testing.T) {
	e := New(1, 1000)
	rsc, ids, ports := harness()
	hv := &fakeHV{}
	nat := fakeNAT{}
	filter := &fakeFilter{}

	cfgs := []vm.Config{{ImagePath: "/images/a.img"}}
	if err := e.AddVMSet(context.Background(), cfgs, rsc, ids, ports, nat, hv, hv); err != nil {
		t.Fatalf("add_vm_set: %v", err)
	}

	deny := true
	if err := e.UpdateHardware(context.Background(), nil, nil, nil, nil, &deny, rsc, ports, nat, filter); err != nil {
		t.Fatalf("deny: %v", err)
	}
	if !filter.denied {
		t.Fatal("expected outgoing denied")
	}
	// Calling again with the same value is a no-op in terms of driver calls.
	filter.denied = false
	if err := e.UpdateHardware(context.Background(), nil, nil, nil, nil, &deny, rsc, ports, nat, filter); err != nil {
		t.Fatalf("deny again: %v", err)
	}
	if filter.denied {
		t.Fatal("expected no-op when policy already matches requested state")
	}
}

package vm

import (
	"context"
	"errors"
	"testing"

	"github.com/ttstack/tt/internal/resource"
	"github.com/ttstack/tt/internal/ttdef"
)

type fakeNAT struct {
	failSet bool
	setN    int
	cleanN  int
}

func (f *fakeNAT) SetRule(ctx context.Context, v *Vm) error {
	f.setN++
	if f.failSet {
		return errors.New("nat: no such table")
	}
	return nil
}

func (f *fakeNAT) CleanRule(ctx context.Context, v *Vm) error {
	f.cleanN++
	return nil
}

type fakeHV struct {
	failPreStart bool
	preStartN    int
	postCleanN   int
}

func (f *fakeHV) PreStart(ctx context.Context, v *Vm) error {
	f.preStartN++
	if f.failPreStart {
		return errors.New("image: no such file")
	}
	return nil
}

func (f *fakeHV) PostClean(v *Vm) { f.postCleanN++ }

func newHarness() (*resource.Resource, *resource.IDAllocator, *resource.PortAllocator) {
	r := resource.New(8, 32, 16384, 81920)
	return &r, resource.NewIDAllocator(1), resource.NewPortAllocator(40000, 40100)
}

func TestProvision_HappyPath(t *testing.T) {
	rsc, ids, ports := newHarness()
	nat := &fakeNAT{}
	hv := &fakeHV{}

	v, err := Provision(context.Background(), Config{ImagePath: "/images/alpine.img", PortList: []ttdef.InnerPort{80}}, rsc, ids, ports, nat, hv)
	if err != nil {
		t.Fatalf("provision: %v", err)
	}
	if v.PortMap[ttdef.SSHPort] == 0 || v.PortMap[ttdef.TTRExecPort] == 0 || v.PortMap[80] == 0 {
		t.Fatalf("expected every port mapped, got %+v", v.PortMap)
	}
	if rsc.VmActive.Used != 1 {
		t.Fatalf("expected vm_active=1 after provision, got %d", rsc.VmActive.Used)
	}
	if nat.setN != 1 || hv.preStartN != 1 {
		t.Fatalf("expected one set_rule and one pre_start call, got nat=%d hv=%d", nat.setN, hv.preStartN)
	}

	v.Release(context.Background(), rsc, ids, ports, nat, hv)
	if rsc.VmActive.Used != 0 || rsc.CPU.Used != 0 {
		t.Fatalf("expected budget fully restored after release, got %+v", rsc)
	}
	if nat.cleanN != 1 || hv.postCleanN != 1 {
		t.Fatalf("expected one clean_rule and one post_clean call, got nat=%d hv=%d", nat.cleanN, hv.postCleanN)
	}
}

func TestProvision_RollsBackOnNATFailure(t *testing.T) {
	rsc, ids, ports := newHarness()
	nat := &fakeNAT{failSet: true}
	hv := &fakeHV{}

	_, err := Provision(context.Background(), Config{ImagePath: "/images/alpine.img"}, rsc, ids, ports, nat, hv)
	if err == nil {
		t.Fatal("expected error")
	}
	if rsc.VmActive.Used != 0 {
		t.Fatalf("expected resource rollback, got vm_active=%d", rsc.VmActive.Used)
	}
	if hv.preStartN != 0 {
		t.Fatal("pre_start must not run once nat setup failed")
	}
}

func TestProvision_RollsBackOnPreStartFailure(t *testing.T) {
	rsc, ids, ports := newHarness()
	nat := &fakeNAT{}
	hv := &fakeHV{failPreStart: true}

	_, err := Provision(context.Background(), Config{ImagePath: "/images/alpine.img"}, rsc, ids, ports, nat, hv)
	if err == nil {
		t.Fatal("expected error")
	}
	if rsc.VmActive.Used != 0 {
		t.Fatalf("expected resource rollback, got vm_active=%d", rsc.VmActive.Used)
	}
	if nat.cleanN != 1 {
		t.Fatalf("expected clean_rule to undo the nat rule set up before pre_start failed, got %d", nat.cleanN)
	}
}

func TestProvision_RejectsWhenResourceExhausted(t *testing.T) {
	rsc := resource.New(0, 32, 16384, 81920)
	ids := resource.NewIDAllocator(1)
	ports := resource.NewPortAllocator(40000, 40100)
	nat := &fakeNAT{}
	hv := &fakeHV{}

	_, err := Provision(context.Background(), Config{ImagePath: "/images/alpine.img"}, &rsc, ids, ports, nat, hv)
	if !errors.Is(err, ttdef.ErrResourceExhausted) {
		t.Fatalf("expected ErrResourceExhausted, got %v", err)
	}
	if nat.setN != 0 {
		t.Fatal("nat must not be touched when resource check fails first")
	}
}

func TestRelease_SkipsResourceRestoreDuringStop(t *testing.T) {
	rsc, ids, ports := newHarness()
	nat := &fakeNAT{}
	hv := &fakeHV{}

	v, err := Provision(context.Background(), Config{ImagePath: "/images/alpine.img"}, rsc, ids, ports, nat, hv)
	if err != nil {
		t.Fatalf("provision: %v", err)
	}
	// Simulate the resource counters already having been decremented by
	// an in-flight env stop before Release runs.
	rsc.Release(resource.Demand{CPU: v.CPU, Mem: v.Mem, Disk: v.Disk})
	v.DuringStop = true

	v.Release(context.Background(), rsc, ids, ports, nat, hv)
	if rsc.VmActive.Used != 0 || rsc.CPU.Used != 0 {
		t.Fatalf("expected no double-decrement, got %+v", rsc)
	}
}

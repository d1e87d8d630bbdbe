package serv

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

type fakeHyper struct{}

func (fakeHyper) PreStart(ctx context.Context, v *vm.Vm) error { return nil }
func (fakeHyper) PostClean(v *vm.Vm)                           {}
func (fakeHyper) Start(ctx context.Context, v *vm.Vm) error    { return nil }
func (fakeHyper) Pause(ctx context.Context, v *vm.Vm) error    { return nil }
func (fakeHyper) Resume(ctx context.Context, v *vm.Vm) error   { return nil }

type fakeFilter struct{}

func (fakeFilter) DenyOutgoing(ctx context.Context, vms []*vm.Vm) error  { return nil }
func (fakeFilter) AllowOutgoing(ctx context.Context, vms []*vm.Vm) error { return nil }

func newTestServ() *Serv {
	rsc := resource.New(16, 64, 65536, 655360)
	return New(rsc, 40000, 40500, Drivers{NAT: fakeNAT{}, Hyper: fakeHyper{}, Filter: fakeFilter{}})
}

func TestServ_AddClient_RejectsDuplicate(t *testing.T) {
	s := newTestServ()
	if err := s.AddClient(1); err != nil {
		t.Fatalf("first add: %v", err)
	}
	if err := s.AddClient(1); !errors.Is(err, ttdef.ErrClientExists) {
		t.Fatalf("expected ErrClientExists, got %v", err)
	}
}

func TestServ_NewEnv_AutoCreatesClient(t *testing.T) {
	s := newTestServ()
	e, err := s.NewEnv(42, 1000)
	if err != nil {
		t.Fatalf("new env: %v", err)
	}
	metas := s.GetEnvMeta(42)
	if len(metas) != 1 || metas[0].ID != e.Id() {
		t.Fatalf("expected env registered under auto-created client, got %+v", metas)
	}
}

func TestServ_AddVmSet_ThenDelEnv_ReleasesBudget(t *testing.T) {
	s := newTestServ()
	e, err := s.NewEnv(1, 1000)
	if err != nil {
		t.Fatalf("new env: %v", err)
	}
	cfgs := []vm.Config{{ImagePath: "/images/a.img"}, {ImagePath: "/images/b.img"}}
	if err := s.AddVmSet(context.Background(), 1, e.Id(), cfgs); err != nil {
		t.Fatalf("add_vm_set: %v", err)
	}
	before := s.GetResource()
	if before.VmActive.Used != 2 {
		t.Fatalf("expected 2 active vms, got %d", before.VmActive.Used)
	}

	if err := s.DelEnv(context.Background(), 1, e.Id()); err != nil {
		t.Fatalf("del_env: %v", err)
	}
	after := s.GetResource()
	if after.VmActive.Used != 0 || after.CPU.Used != 0 {
		t.Fatalf("expected budget fully released after del_env, got %+v", after)
	}
	if len(s.GetEnvMeta(1)) != 0 {
		t.Fatal("expected env removed from client listing")
	}
}

func TestServ_DelEnv_UnknownClientOrEnv(t *testing.T) {
	s := newTestServ()
	if err := s.DelEnv(context.Background(), 99, 1); !errors.Is(err, ttdef.ErrClientUnknown) {
		t.Fatalf("expected ErrClientUnknown, got %v", err)
	}
	if err := s.AddClient(1); err != nil {
		t.Fatalf("add client: %v", err)
	}
	if err := s.DelEnv(context.Background(), 1, 999); !errors.Is(err, ttdef.ErrEnvNotFound) {
		t.Fatalf("expected ErrEnvNotFound, got %v", err)
	}
}

func TestServ_CleanExpiredEnv_RemovesOnlyExpired(t *testing.T) {
	s := newTestServ()
	live, _ := s.NewEnv(1, 1000)
	_ = live
	expiring, _ := s.NewEnv(1, 1000)
	if err := s.UpdateEnvLife(1, expiring.Id(), 10, false); err != nil {
		t.Fatalf("update_env_life: %v", err)
	}

	removed := s.CleanExpiredEnv(context.Background(), 2000)
	if removed != 1 {
		t.Fatalf("expected 1 env removed, got %d", removed)
	}
	metas := s.GetEnvMeta(1)
	if len(metas) != 1 || metas[0].ID != live.Id() {
		t.Fatalf("expected only the live env to remain, got %+v", metas)
	}
}

func TestServ_DelClient_ReleasesEveryEnv(t *testing.T) {
	s := newTestServ()
	e, _ := s.NewEnv(1, 1000)
	cfgs := []vm.Config{{ImagePath: "/images/a.img"}}
	if err := s.AddVmSet(context.Background(), 1, e.Id(), cfgs); err != nil {
		t.Fatalf("add_vm_set: %v", err)
	}
	s.DelClient(context.Background(), 1)
	r := s.GetResource()
	if r.VmActive.Used != 0 {
		t.Fatalf("expected budget released on client deletion, got %+v", r)
	}
	if len(s.GetEnvMeta(1)) != 0 {
		t.Fatal("expected no envs left for deleted client")
	}
}

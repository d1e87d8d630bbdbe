package hypervisor

import (
	"context"
	"errors"
	"testing"

	"github.com/ttstack/tt/internal/ttdef"
	"github.com/ttstack/tt/internal/vm"
)

type stubDriver struct{ started, paused, resumed int }

func (s *stubDriver) PreStart(ctx context.Context, v *vm.Vm) error { return nil }
func (s *stubDriver) PostClean(v *vm.Vm)                           {}
func (s *stubDriver) Start(ctx context.Context, v *vm.Vm) error    { s.started++; return nil }
func (s *stubDriver) Pause(ctx context.Context, v *vm.Vm) error    { s.paused++; return nil }
func (s *stubDriver) Resume(ctx context.Context, v *vm.Vm) error   { s.resumed++; return nil }

func TestRouter_DispatchesByKind(t *testing.T) {
	fc := &stubDriver{}
	docker := &stubDriver{}
	r := Router{Set: Set{ttdef.VmKindFirecracker: fc, ttdef.VmKindDocker: docker}}

	v := &vm.Vm{Kind: ttdef.VmKindDocker}
	if err := r.Start(context.Background(), v); err != nil {
		t.Fatalf("start: %v", err)
	}
	if docker.started != 1 || fc.started != 0 {
		t.Fatalf("expected dispatch to docker driver only, got fc=%d docker=%d", fc.started, docker.started)
	}
}

func TestRouter_UnknownKind(t *testing.T) {
	r := Router{Set: Set{}}
	v := &vm.Vm{Kind: ttdef.VmKindQemu}
	if err := r.Start(context.Background(), v); !errors.Is(err, ttdef.ErrDriverUnavailable) {
		t.Fatalf("expected ErrDriverUnavailable, got %v", err)
	}
}

func TestDetect_ReturnsEveryKnownKind(t *testing.T) {
	got := Detect()
	if len(got) != 4 {
		t.Fatalf("expected 4 kinds probed, got %d", len(got))
	}
}

package network

import (
	"testing"

	"github.com/ttstack/tt/internal/ttdef"
	"github.com/ttstack/tt/internal/vm"
)

func testVm(pubBase uint16) *vm.Vm {
	v := &vm.Vm{
		IP: [4]byte{10, 10, 0, 1},
		PortMap: map[ttdef.InnerPort]ttdef.PubPort{
			ttdef.SSHPort:     ttdef.PubPort(pubBase),
			ttdef.TTRExecPort: ttdef.PubPort(pubBase + 1),
		},
	}
	return v
}

func TestNatIDAndPorts_PicksMinimum(t *testing.T) {
	v := testVm(20000)
	id, ports := natIDAndPorts(v)
	if id != 20000 {
		t.Fatalf("expected nat id 20000, got %d", id)
	}
	if len(ports) != 2 {
		t.Fatalf("expected 2 ports, got %d", len(ports))
	}
}

func TestNatIDAndPorts_EmptyPortMap(t *testing.T) {
	v := &vm.Vm{PortMap: map[ttdef.InnerPort]ttdef.PubPort{}}
	id, ports := natIDAndPorts(v)
	if id != 0 || ports != nil {
		t.Fatalf("expected zero value for empty port map, got id=%d ports=%v", id, ports)
	}
}

func TestIPList_Dedupes(t *testing.T) {
	a := testVm(20000)
	b := testVm(20002)
	b.IP = a.IP
	got := ipList([]*vm.Vm{a, b})
	if len(got) != 1 {
		t.Fatalf("expected dedup to 1 address, got %v", got)
	}
}

func TestIPList_Empty(t *testing.T) {
	if got := ipList(nil); got != nil {
		t.Fatalf("expected nil for no vms, got %v", got)
	}
}

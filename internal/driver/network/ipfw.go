package network

import (
	"context"
	"fmt"
	"os/exec"
	"sort"
	"strings"

	"github.com/ttstack/tt/internal/ttdef"
	"github.com/ttstack/tt/internal/vm"
)

const dnatTable = "tt_dnat"

// IPFW drives DNAT on FreeBSD through ipfw(8)'s in-kernel nat, grounded
// on original_source's freebsd/nat/{mod,env}.rs. Unlike NFTables, rules
// are applied synchronously: ipfw's nat instances are keyed by a small
// integer (the lowest PubPort in a Vm's port_map) rather than built from
// a batched element queue, so there's nothing worth coalescing.
type IPFW struct {
	servIP string
}

// NewIPFW initializes the DNAT lookup table and the catch-all pass rule,
// and records servIP for building redirect_port targets.
func NewIPFW(servIP string) (*IPFW, error) {
	script := fmt.Sprintf(`
	ipfw -qf nat flush || exit 1;
	sysctl net.inet.tcp.tso=0 || exit 1;
	ipfw table %[1]s destroy 2>/dev/null;
	ipfw table %[1]s create type flow:dst-ip,dst-port valtype nat || exit 1;
	ipfw -q add 10000 nat tablearg ip from any to me in flow 'table(%[1]s)' || exit 1;
	ipfw -q add 10001 nat global ip from 10.0.0.0/8 to not 10.0.0.0/8 out || exit 1;
	ipfw delete 10002 2>/dev/null;
	ipfw -q add 10002 allow ip from any to any || exit 1;
	`, dnatTable)
	if err := ipfwExec(script); err != nil {
		return nil, err
	}
	return &IPFW{servIP: servIP}, nil
}

// SetRule creates one ipfw nat instance per Vm, keyed by the lowest
// public port in its port_map (PubPort ranges never overlap between
// Vms, so that minimum is a stable, collision-free nat id).
func (f *IPFW) SetRule(ctx context.Context, v *vm.Vm) error {
	natID, _ := natIDAndPorts(v)
	if natID == 0 {
		return nil
	}
	ip := fmt.Sprintf("%d.%d.%d.%d", v.IP[0], v.IP[1], v.IP[2], v.IP[3])

	var kv, rdr []string
	for inner, pub := range v.PortMap {
		kv = append(kv, fmt.Sprintf("%s,%d %d", f.servIP, uint16(pub), natID))
		rdr = append(rdr, fmt.Sprintf("redirect_port tcp %s:%d %d redirect_port udp %s:%d %d", ip, uint16(inner), uint16(pub), ip, uint16(inner), uint16(pub)))
	}

	script := fmt.Sprintf(
		"ipfw table %s add %s || exit 1;\nipfw -q nat %d config ip %s %s || exit 1;",
		dnatTable, strings.Join(kv, " "), natID, f.servIP, strings.Join(rdr, " "),
	)
	return ipfwExec(script)
}

// CleanRule tears down the nat instance and its table entries for every
// port across vmSet. The original scopes this to a slice of Vms so a
// whole Env can be cleaned in one ipfw invocation; TT's env package
// calls it per-Vm, which ipfw handles identically since each Vm owns
// its own nat id.
func (f *IPFW) CleanRule(ctx context.Context, v *vm.Vm) error {
	natID, ports := natIDAndPorts(v)
	if natID == 0 {
		return nil
	}
	var k []string
	for _, pub := range ports {
		k = append(k, fmt.Sprintf("%s,%d", f.servIP, pub))
	}
	script := fmt.Sprintf(
		"ipfw -q nat %d delete;\nipfw table %s delete %s || exit 1;",
		natID, dnatTable, strings.Join(k, " "),
	)
	return ipfwExec(script)
}

// DenyOutgoing is unimplemented upstream (freebsd/nat/mod.rs returns an
// error unconditionally) — egress filtering on FreeBSD has no ipfw
// table wired up yet, only the Linux nftables driver supports it.
func (f *IPFW) DenyOutgoing(ctx context.Context, vms []*vm.Vm) error {
	return fmt.Errorf("%w: deny_outgoing unsupported on freebsd", ttdef.ErrDriverUnavailable)
}

// AllowOutgoing is unimplemented upstream for the same reason as
// DenyOutgoing.
func (f *IPFW) AllowOutgoing(ctx context.Context, vms []*vm.Vm) error {
	return fmt.Errorf("%w: allow_outgoing unsupported on freebsd", ttdef.ErrDriverUnavailable)
}

func natIDAndPorts(v *vm.Vm) (uint16, []uint16) {
	if len(v.PortMap) == 0 {
		return 0, nil
	}
	ports := make([]uint16, 0, len(v.PortMap))
	for _, pub := range v.PortMap {
		ports = append(ports, uint16(pub))
	}
	sort.Slice(ports, func(i, j int) bool { return ports[i] < ports[j] })
	return ports[0], ports
}

func ipfwExec(script string) error {
	out, err := exec.Command("sh", "-c", script).CombinedOutput()
	if err != nil {
		return fmt.Errorf("%w: ipfw: %s", ttdef.ErrDriverUnavailable, string(out))
	}
	return nil
}

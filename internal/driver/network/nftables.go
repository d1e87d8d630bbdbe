package network

import (
	"context"
	"fmt"
	"os/exec"
	"strings"
	"sync"
	"time"

	"github.com/ttstack/tt/internal/logging"
	"github.com/ttstack/tt/internal/ttdef"
	"github.com/ttstack/tt/internal/vm"
)

const (
	nftTableProto = "ip"
	nftTableName  = "tt-core"
)

// NFTables drives Linux NAT/firewalling through nft(8), grounded on
// original_source's linux/nat/mod.rs: a single "tt-core" table holding
// PORT_TO_PORT and PORT_TO_IPV4 maps for DNAT and a BLACK_LIST set for
// egress filtering. Every mutation is queued and flushed by a single
// background goroutine roughly once a second rather than shelling out
// to nft per call, the same batching the original's RULE_SET/
// set_rule_cron achieves with a lazy_static Mutex<Vec<String>>.
type NFTables struct {
	servIP string

	mu        sync.Mutex
	queue     []string
	failQueue []string

	stop chan struct{}
	done chan struct{}
}

// NewNFTables builds the driver and initializes the nft table/chains.
// servIP is the address outbound traffic is masqueraded to.
func NewNFTables(servIP string) (*NFTables, error) {
	n := &NFTables{servIP: servIP, stop: make(chan struct{}), done: make(chan struct{})}
	if err := n.init(); err != nil {
		return nil, err
	}
	go n.flushLoop()
	return n, nil
}

func (n *NFTables) init() error {
	script := fmt.Sprintf(`
	add table %[1]s %[2]s;
	add chain %[1]s %[2]s FWD_CHAIN { type filter hook forward priority 0; };
	add chain %[1]s %[2]s DNAT_CHAIN { type nat hook prerouting priority -100; };
	add chain %[1]s %[2]s SNAT_CHAIN { type nat hook postrouting priority 100; };
	add map %[1]s %[2]s PORT_TO_PORT { type inet_service : inet_service; };
	add map %[1]s %[2]s PORT_TO_IPV4 { type inet_service : ipv4_addr; };
	add set %[1]s %[2]s BLACK_LIST { type ipv4_addr; };
	add rule %[1]s %[2]s FWD_CHAIN ip daddr @BLACK_LIST drop;
	add rule %[1]s %[2]s SNAT_CHAIN ip saddr 10.0.0.0/8 snat to %[3]s;
	`, nftTableProto, nftTableName, n.servIP)
	return nftExec(script)
}

// Stop halts the flush goroutine, flushing whatever remains queued.
func (n *NFTables) Stop() {
	close(n.stop)
	<-n.done
}

func (n *NFTables) flushLoop() {
	defer close(n.done)
	t := time.NewTicker(time.Second)
	defer t.Stop()
	for {
		select {
		case <-t.C:
			n.flush()
		case <-n.stop:
			n.flush()
			return
		}
	}
}

func (n *NFTables) flush() {
	n.mu.Lock()
	batch := n.queue
	n.queue = nil
	failBatch := n.failQueue
	n.failQueue = nil
	n.mu.Unlock()

	if len(batch) > 0 {
		if err := nftExec(strings.Join(batch, "\n")); err != nil {
			logging.Op().Error("nftables: batch apply failed", "error", err)
		}
	}
	if len(failBatch) > 0 {
		// Best-effort: an allow_outgoing rule that fails to apply (e.g. the
		// element was already removed) is not worth retrying.
		_ = nftExec(strings.Join(failBatch, "\n"))
	}
}

func (n *NFTables) enqueue(stmt string) {
	n.mu.Lock()
	n.queue = append(n.queue, stmt)
	n.mu.Unlock()
}

func (n *NFTables) enqueueBestEffort(stmt string) {
	n.mu.Lock()
	n.failQueue = append(n.failQueue, stmt)
	n.mu.Unlock()
}

// SetRule installs the DNAT map entries for every port in v's port_map.
func (n *NFTables) SetRule(ctx context.Context, v *vm.Vm) error {
	if len(v.PortMap) == 0 {
		return nil
	}
	ip := fmt.Sprintf("%d.%d.%d.%d", v.IP[0], v.IP[1], v.IP[2], v.IP[3])
	var toIP, toPort []string
	for inner, pub := range v.PortMap {
		toIP = append(toIP, fmt.Sprintf("%d:%s", uint16(pub), ip))
		toPort = append(toPort, fmt.Sprintf("%d:%d", uint16(pub), uint16(inner)))
	}
	n.enqueue(fmt.Sprintf(
		"add element %s %s PORT_TO_IPV4 { %s };\nadd element %s %s PORT_TO_PORT { %s };",
		nftTableProto, nftTableName, strings.Join(toIP, ","),
		nftTableProto, nftTableName, strings.Join(toPort, ","),
	))
	return nil
}

// CleanRule removes the DNAT map entries for every port in v's port_map
// and lifts any outgoing-traffic block on v's address.
func (n *NFTables) CleanRule(ctx context.Context, v *vm.Vm) error {
	if len(v.PortMap) == 0 {
		return nil
	}
	ports := make([]string, 0, len(v.PortMap))
	for _, pub := range v.PortMap {
		ports = append(ports, fmt.Sprintf("%d", uint16(pub)))
	}
	n.enqueue(fmt.Sprintf(
		"delete element %s %s PORT_TO_IPV4 { %s };\ndelete element %s %s PORT_TO_PORT { %s };",
		nftTableProto, nftTableName, strings.Join(ports, ","),
		nftTableProto, nftTableName, strings.Join(ports, ","),
	))
	return n.AllowOutgoing(ctx, []*vm.Vm{v})
}

// DenyOutgoing adds every Vm's address to BLACK_LIST.
func (n *NFTables) DenyOutgoing(ctx context.Context, vms []*vm.Vm) error {
	ips := ipList(vms)
	if len(ips) == 0 {
		return nil
	}
	n.enqueue(fmt.Sprintf("add element %s %s BLACK_LIST { %s };", nftTableProto, nftTableName, strings.Join(ips, ",")))
	return nil
}

// AllowOutgoing removes every Vm's address from BLACK_LIST. This is
// best-effort: removing an element that's already absent is not an
// error worth surfacing to the caller.
func (n *NFTables) AllowOutgoing(ctx context.Context, vms []*vm.Vm) error {
	ips := ipList(vms)
	if len(ips) == 0 {
		return nil
	}
	n.enqueueBestEffort(fmt.Sprintf("delete element %s %s BLACK_LIST { %s };", nftTableProto, nftTableName, strings.Join(ips, ",")))
	return nil
}

func ipList(vms []*vm.Vm) []string {
	seen := make(map[string]struct{}, len(vms))
	var out []string
	for _, v := range vms {
		ip := fmt.Sprintf("%d.%d.%d.%d", v.IP[0], v.IP[1], v.IP[2], v.IP[3])
		if _, dup := seen[ip]; dup {
			continue
		}
		seen[ip] = struct{}{}
		out = append(out, ip)
	}
	return out
}

func nftExec(script string) error {
	cmd := exec.Command("sh", "-c", fmt.Sprintf("nft '%s'", script))
	out, err := cmd.CombinedOutput()
	if err != nil {
		return fmt.Errorf("%w: nft: %s", ttdef.ErrDriverUnavailable, string(out))
	}
	return nil
}

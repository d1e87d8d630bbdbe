// Package network implements the NAT/firewall side of a Vm's network
// identity: installing the DNAT rules behind its port_map and toggling
// its outgoing-traffic policy. Exactly one Driver is active per host,
// selected by OS the way the teacher's internal/backend package selects
// a hypervisor backend.
package network

import (
	"context"

	"github.com/ttstack/tt/internal/vm"
)

// Driver is the capability set env.OutgoingFilter and vm.NATInstaller
// together require.
type Driver interface {
	SetRule(ctx context.Context, v *vm.Vm) error
	CleanRule(ctx context.Context, v *vm.Vm) error
	DenyOutgoing(ctx context.Context, vms []*vm.Vm) error
	AllowOutgoing(ctx context.Context, vms []*vm.Vm) error
}

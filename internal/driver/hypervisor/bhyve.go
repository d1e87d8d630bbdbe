package hypervisor

import (
	"context"
	"fmt"
	"os/exec"
	"path/filepath"

	"github.com/ttstack/tt/internal/logging"
	"github.com/ttstack/tt/internal/ttdef"
	"github.com/ttstack/tt/internal/vm"
)

// BhyveConfig configures the Bhyve driver.
type BhyveConfig struct {
	ZFSRoot     string
	CloneMark   string
	BootROMPath string
	CheckpointDir string
}

// Bhyve drives guest lifecycle on FreeBSD via bhyve(8) and bhyvectl(8),
// grounded on original_source's freebsd/vm/mod.rs: a tap interface named
// tap<id> bridged onto bridge0, a ZFS clone of the image dataset per Vm,
// and a nic MAC derived the same way as Qemu's (00:be:fa:76:<id/256>:<id%256>).
type Bhyve struct {
	cfg BhyveConfig
}

func NewBhyve(cfg BhyveConfig) *Bhyve { return &Bhyve{cfg: cfg} }

func (b *Bhyve) cloneDataset(id ttdef.VmId) string {
	return fmt.Sprintf("%s/%s%d", b.cfg.ZFSRoot, b.cfg.CloneMark, uint32(id))
}

// PreStart tears down any stale tap/vmm state for this id and clones the
// base ZFS dataset for the Vm's image.
func (b *Bhyve) PreStart(ctx context.Context, v *vm.Vm) error {
	id := uint32(v.Id())
	os := filepath.Base(v.ImagePath)
	script := fmt.Sprintf(
		`ifconfig tap%d destroy 2>/dev/null; ifconfig tap%d create || exit 1; ifconfig bridge0 addm tap%d up || exit 1; bhyvectl --destroy --vm=%d 2>/dev/null; zfs clone -o volmode=dev %s/%s@base %s`,
		id, id, id, id, b.cfg.ZFSRoot, os, b.cloneDataset(v.Id()),
	)
	if err := sh(ctx, script); err != nil {
		return fmt.Errorf("bhyve pre_start: %w", err)
	}
	return nil
}

// Start launches bhyve as a detached process.
func (b *Bhyve) Start(ctx context.Context, v *vm.Vm) error {
	id := uint32(v.Id())
	nic := fmt.Sprintf("3,virtio-net,tap%d,mac=00:be:fa:76:%02x:%02x", id, id/256, id%256)
	disk := fmt.Sprintf("2,virtio-blk,/dev/zvol/%s", b.cloneDataset(v.Id()))

	args := []string{
		"-A", "-H", "-P",
		"-c", fmt.Sprintf("%d", v.CPU),
		"-m", fmt.Sprintf("%dM", v.Mem),
		"-s", "0,hostbridge",
		"-s", "1,lpc",
		"-s", disk,
		"-s", nic,
		"-l", "bootrom," + b.cfg.BootROMPath,
		fmt.Sprintf("%d", id),
	}

	cmd := exec.CommandContext(context.Background(), "/usr/sbin/bhyve", args...)
	if err := cmd.Start(); err != nil {
		return fmt.Errorf("launch bhyve: %w", err)
	}
	go cmd.Wait()

	logging.Op().Info("bhyve: vm started", "vm", v.Id(), "pid", cmd.Process.Pid)
	return nil
}

// Pause checkpoints the running guest to disk via bhyvectl's suspend
// verb. Unlike Firecracker/Qemu, a bhyve checkpoint releases the vmm
// resource entirely rather than freezing it in place — Resume restores
// from that checkpoint.
func (b *Bhyve) Pause(ctx context.Context, v *vm.Vm) error {
	path := b.checkpointPath(v.Id())
	return sh(ctx, fmt.Sprintf("bhyvectl --vm=%d --suspend=%s", uint32(v.Id()), path))
}

// Resume restarts bhyve from the checkpoint Pause left behind.
func (b *Bhyve) Resume(ctx context.Context, v *vm.Vm) error {
	path := b.checkpointPath(v.Id())
	return sh(ctx, fmt.Sprintf("bhyvectl --vm=%d --resume=%s", uint32(v.Id()), path))
}

// PostClean destroys the vmm instance and the ZFS clone backing it.
func (b *Bhyve) PostClean(v *vm.Vm) {
	id := uint32(v.Id())
	script := fmt.Sprintf("bhyvectl --destroy --vm=%d 2>/dev/null; zfs destroy %s 2>/dev/null", id, b.cloneDataset(v.Id()))
	if err := sh(context.Background(), script); err != nil {
		logging.Op().Warn("bhyve: post_clean failed", "vm", v.Id(), "error", err)
	}
}

func (b *Bhyve) checkpointPath(id ttdef.VmId) string {
	return filepath.Join(b.cfg.CheckpointDir, fmt.Sprintf("%d.chk", uint32(id)))
}

func sh(ctx context.Context, script string) error {
	cmd := exec.CommandContext(ctx, "sh", "-c", script)
	out, err := cmd.CombinedOutput()
	if err != nil {
		return fmt.Errorf("%w: %s: %s", ttdef.ErrDriverUnavailable, err, string(out))
	}
	return nil
}

package hypervisor

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"net"
	"os"
	"os/exec"
	"path/filepath"
	"time"

	"github.com/ttstack/tt/internal/logging"
	"github.com/ttstack/tt/internal/ttdef"
	"github.com/ttstack/tt/internal/vm"
)

// QemuConfig configures the Qemu driver.
type QemuConfig struct {
	BinaryPath string
	WorkDir    string
}

// Qemu drives guest lifecycle by launching qemu-system-x86_64 directly
// and controlling it over its QMP monitor socket, grounded on
// original_source's linux/vm/engine/qemu.rs (`-daemonize` launch,
// `TAP-<id>` netdev naming, hash-derived MAC from the Vm's id bytes).
// Pause/resume use QMP's stop/cont commands, the nearest Qemu analogue
// to Firecracker's Paused/Resumed vm state.
type Qemu struct {
	cfg QemuConfig
}

func NewQemu(cfg QemuConfig) *Qemu { return &Qemu{cfg: cfg} }

func (q *Qemu) vmDir(id ttdef.VmId) string { return filepath.Join(q.cfg.WorkDir, id.String()) }
func (q *Qemu) qmpPath(id ttdef.VmId) string { return filepath.Join(q.vmDir(id), "qmp.sock") }

// PreStart ensures the Vm's working directory exists and the backing
// image is reachable, matching Env::check_image's "the image must
// already exist on disk" precondition.
func (q *Qemu) PreStart(ctx context.Context, v *vm.Vm) error {
	if err := os.MkdirAll(q.vmDir(v.Id()), 0o750); err != nil {
		return fmt.Errorf("mkdir vm dir: %w", err)
	}
	if _, err := os.Stat(v.ImagePath); err != nil {
		return fmt.Errorf("%w: image %s: %v", ttdef.ErrImageNotCached, v.ImagePath, err)
	}
	return nil
}

// Start launches qemu-system-x86_64 with a tap netdev named TAP-<id> and
// a deterministic locally-administered MAC derived from the Vm's id, the
// same split the original encodes as "52:54:00:11:{id/256:02x}:{id%256:02x}".
func (q *Qemu) Start(ctx context.Context, v *vm.Vm) error {
	id := v.Id()
	mac := fmt.Sprintf("52:54:00:11:%02x:%02x", uint32(id)/256, uint32(id)%256)
	netdevID := fmt.Sprintf("NET_%d", id)
	tap := fmt.Sprintf("TAP-%d", id)

	args := []string{
		"-enable-kvm",
		"-machine", "q35,accel=kvm",
		"-cpu", "host",
		"-smp", fmt.Sprintf("%d", v.CPU),
		"-m", fmt.Sprintf("%d", v.Mem),
		"-netdev", fmt.Sprintf("tap,ifname=%s,script=no,downscript=no,id=%s", tap, netdevID),
		"-device", fmt.Sprintf("virtio-net-pci,mac=%s,netdev=%s", mac, netdevID),
		"-drive", fmt.Sprintf("file=%s,if=virtio,format=raw", v.ImagePath),
		"-boot", "order=c",
		"-qmp", fmt.Sprintf("unix:%s,server,nowait", q.qmpPath(id)),
		"-daemonize",
	}

	cmd := exec.CommandContext(context.Background(), q.cfg.BinaryPath, args...)
	if err := cmd.Run(); err != nil {
		return fmt.Errorf("launch qemu: %w", err)
	}

	if err := waitForSocket(ctx, q.qmpPath(id), nil, 5*time.Second); err != nil {
		return err
	}
	logging.Op().Info("qemu: vm started", "vm", id, "tap", tap, "mac", mac)
	return nil
}

// Pause issues QMP "stop".
func (q *Qemu) Pause(ctx context.Context, v *vm.Vm) error { return q.qmpExecute(ctx, v.Id(), "stop") }

// Resume issues QMP "cont".
func (q *Qemu) Resume(ctx context.Context, v *vm.Vm) error { return q.qmpExecute(ctx, v.Id(), "cont") }

// PostClean issues QMP "quit" and removes the Vm's working directory.
func (q *Qemu) PostClean(v *vm.Vm) {
	_ = q.qmpExecute(context.Background(), v.Id(), "quit")
	if err := os.RemoveAll(q.vmDir(v.Id())); err != nil {
		logging.Op().Warn("qemu: failed to remove vm workspace", "vm", v.Id(), "error", err)
	}
}

// qmpExecute performs the mandatory QMP greeting/capabilities handshake
// and then issues a single zero-argument command.
func (q *Qemu) qmpExecute(ctx context.Context, id ttdef.VmId, command string) error {
	conn, err := net.Dial("unix", q.qmpPath(id))
	if err != nil {
		return fmt.Errorf("%w: qmp dial: %v", ttdef.ErrDriverUnavailable, err)
	}
	defer conn.Close()

	r := bufio.NewReader(conn)
	if _, err := r.ReadString('\n'); err != nil { // greeting banner
		return fmt.Errorf("qmp greeting: %w", err)
	}
	if err := json.NewEncoder(conn).Encode(map[string]string{"execute": "qmp_capabilities"}); err != nil {
		return err
	}
	if _, err := r.ReadString('\n'); err != nil {
		return fmt.Errorf("qmp capabilities ack: %w", err)
	}
	if err := json.NewEncoder(conn).Encode(map[string]string{"execute": command}); err != nil {
		return err
	}
	_, err = r.ReadString('\n')
	return err
}

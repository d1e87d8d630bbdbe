package hypervisor

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net"
	"net/http"
	"os"
	"os/exec"
	"path/filepath"
	"sync"
	"syscall"
	"time"

	"github.com/ttstack/tt/internal/logging"
	"github.com/ttstack/tt/internal/ttdef"
	"github.com/ttstack/tt/internal/vm"
)

// FirecrackerConfig configures the Firecracker driver: where the binary
// lives, where per-Vm working directories and API sockets are created,
// and the boot kernel every Vm shares.
type FirecrackerConfig struct {
	BinaryPath string
	WorkDir    string
	KernelPath string
	BootArgs   string
}

// Firecracker drives guest lifecycle via Firecracker's Unix-socket-based
// REST API, grounded on the teacher's apiCall/apiBoot/waitForSocket
// pattern in internal/firecracker. One running process per Vm; no
// snapshot/restore surface is exposed since TT's pause/resume maps to
// Firecracker's Paused/Resumed vm states rather than a snapshot cycle.
type Firecracker struct {
	cfg FirecrackerConfig

	mu    sync.Mutex
	procs map[ttdef.VmId]*os.Process
}

// NewFirecracker builds a Driver backed by the Firecracker binary.
func NewFirecracker(cfg FirecrackerConfig) *Firecracker {
	return &Firecracker{cfg: cfg, procs: make(map[ttdef.VmId]*os.Process)}
}

func (f *Firecracker) vmDir(id ttdef.VmId) string {
	return filepath.Join(f.cfg.WorkDir, id.String())
}

func (f *Firecracker) socketPath(id ttdef.VmId) string {
	return filepath.Join(f.vmDir(id), "api.sock")
}

// PreStart creates the Vm's working directory; the boot-source config
// is sent over the API socket later, in Start. It does not launch the
// process: that happens in Start, after every Vm in an Env has prepared
// successfully.
func (f *Firecracker) PreStart(ctx context.Context, v *vm.Vm) error {
	dir := f.vmDir(v.Id())
	if err := os.MkdirAll(dir, 0o750); err != nil {
		return fmt.Errorf("mkdir vm dir: %w", err)
	}
	logging.Op().Info("firecracker: prepared vm workspace", "vm", v.Id(), "dir", dir, "image", v.ImagePath)
	return nil
}

// Start launches the firecracker process against a fresh API socket and
// drives it through the boot-source/drive/vsock/action sequence over
// that socket; no network interface is configured.
func (f *Firecracker) Start(ctx context.Context, v *vm.Vm) error {
	sock := f.socketPath(v.Id())
	os.Remove(sock)

	cmd := exec.CommandContext(context.Background(), f.cfg.BinaryPath, "--api-sock", sock)
	cmd.Dir = f.vmDir(v.Id())
	if err := cmd.Start(); err != nil {
		return fmt.Errorf("spawn firecracker: %w", err)
	}

	if err := waitForSocket(ctx, sock, cmd.Process, 5*time.Second); err != nil {
		cmd.Process.Kill()
		return err
	}

	client := httpClientForSocket(sock)
	if err := apiCall(ctx, client, "PUT", "/boot-source", map[string]string{
		"kernel_image_path": f.cfg.KernelPath,
		"boot_args":         f.cfg.BootArgs,
	}); err != nil {
		cmd.Process.Kill()
		return fmt.Errorf("configure boot-source: %w", err)
	}
	if err := apiCall(ctx, client, "PUT", "/drives/rootfs", map[string]any{
		"drive_id":       "rootfs",
		"path_on_host":   v.ImagePath,
		"is_root_device": true,
		"is_read_only":   false,
	}); err != nil {
		cmd.Process.Kill()
		return fmt.Errorf("configure rootfs: %w", err)
	}
	if err := apiCall(ctx, client, "PUT", "/vsock", map[string]any{
		"guest_cid": uint32(v.Id()),
		"uds_path":  f.vsockPath(v.Id()),
	}); err != nil {
		cmd.Process.Kill()
		return fmt.Errorf("configure vsock: %w", err)
	}
	if err := apiCall(ctx, client, "PUT", "/actions", map[string]string{"action_type": "InstanceStart"}); err != nil {
		cmd.Process.Kill()
		return fmt.Errorf("start instance: %w", err)
	}

	f.mu.Lock()
	f.procs[v.Id()] = cmd.Process
	f.mu.Unlock()

	go func() {
		state, _ := cmd.Process.Wait()
		if state != nil && !state.Success() {
			logging.Op().Error("firecracker process exited abnormally", "vm", v.Id(), "state", state.String())
		}
	}()

	if conn, err := dialGuestVsock(ctx, f.vsockPath(v.Id()), uint32(v.Id()), 3*time.Second); err != nil {
		logging.Op().Warn("firecracker: guest control channel not reachable yet", "vm", v.Id(), "error", err)
	} else {
		conn.Close()
	}

	logging.Op().Info("firecracker: vm started", "vm", v.Id(), "pid", cmd.Process.Pid)
	return nil
}

// GuestDial opens a connection to the guest control agent running inside
// v over vsock, for callers that need to push commands into the guest
// after boot (health checks, exec, graceful shutdown).
func (f *Firecracker) GuestDial(ctx context.Context, v *vm.Vm, timeout time.Duration) (net.Conn, error) {
	return dialGuestVsock(ctx, f.vsockPath(v.Id()), uint32(v.Id()), timeout)
}

func (f *Firecracker) vsockPath(id ttdef.VmId) string {
	return filepath.Join(f.vmDir(id), "vsock.sock")
}

// Pause freezes the guest's vCPUs via the /vm PATCH endpoint, keeping
// its process and memory resident so Resume is cheap.
func (f *Firecracker) Pause(ctx context.Context, v *vm.Vm) error {
	client := httpClientForSocket(f.socketPath(v.Id()))
	return apiCall(ctx, client, "PATCH", "/vm", map[string]string{"state": "Paused"})
}

// Resume thaws a previously-paused guest.
func (f *Firecracker) Resume(ctx context.Context, v *vm.Vm) error {
	client := httpClientForSocket(f.socketPath(v.Id()))
	return apiCall(ctx, client, "PATCH", "/vm", map[string]string{"state": "Resumed"})
}

// PostClean kills the guest process if it's still running and removes
// its working directory. Called from Vm.Release after every other
// teardown step, so it must never fail loudly — there's nothing left to
// report an error to.
func (f *Firecracker) PostClean(v *vm.Vm) {
	f.mu.Lock()
	proc, ok := f.procs[v.Id()]
	delete(f.procs, v.Id())
	f.mu.Unlock()
	if ok && proc != nil {
		_ = proc.Kill()
	}
	if err := os.RemoveAll(f.vmDir(v.Id())); err != nil {
		logging.Op().Warn("firecracker: failed to remove vm workspace", "vm", v.Id(), "error", err)
	}
}

func waitForSocket(ctx context.Context, path string, proc *os.Process, timeout time.Duration) error {
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}
		if proc != nil {
			if err := proc.Signal(syscall.Signal(0)); err != nil {
				return fmt.Errorf("%w: firecracker exited before api socket was ready: %v", ttdef.ErrDriverUnavailable, err)
			}
		}
		if _, err := os.Stat(path); err == nil {
			conn, err := net.Dial("unix", path)
			if err == nil {
				conn.Close()
				return nil
			}
		}
		time.Sleep(50 * time.Millisecond)
	}
	return fmt.Errorf("%w: firecracker api socket not ready after %s", ttdef.ErrDriverUnavailable, timeout)
}

var (
	socketClientsMu sync.Mutex
	socketClients   = make(map[string]*http.Client)
)

func httpClientForSocket(socketPath string) *http.Client {
	socketClientsMu.Lock()
	defer socketClientsMu.Unlock()
	if c, ok := socketClients[socketPath]; ok {
		return c
	}
	c := &http.Client{
		Transport: &http.Transport{
			DialContext: func(_ context.Context, _, _ string) (net.Conn, error) {
				return net.Dial("unix", socketPath)
			},
		},
		Timeout: 10 * time.Second,
	}
	socketClients[socketPath] = c
	return c
}

func apiCall(ctx context.Context, client *http.Client, method, path string, body any) error {
	var reader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return err
		}
		reader = bytes.NewReader(data)
	}
	req, err := http.NewRequestWithContext(ctx, method, "http://localhost"+path, reader)
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	resp, err := client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		b, _ := io.ReadAll(resp.Body)
		return fmt.Errorf("firecracker api %s %s: %d %s", method, path, resp.StatusCode, string(b))
	}
	return nil
}

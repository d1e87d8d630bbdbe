package hypervisor

import (
	"context"
	"fmt"
	"os/exec"
	"strings"

	"github.com/ttstack/tt/internal/logging"
	"github.com/ttstack/tt/internal/ttdef"
	"github.com/ttstack/tt/internal/vm"
)

// DockerConfig configures the Docker driver, used for VmKindDocker: CI
// and local-dev environments that want TT's Env/Vm semantics without
// real hardware virtualization.
type DockerConfig struct {
	ImagePrefix string
	Network     string
}

// Docker drives guest lifecycle via the docker CLI, grounded on the
// teacher's internal/docker.Manager (`docker run -d --name ... -p
// host:guest ...`, `docker stop`/`docker rm` teardown). Docker's native
// pause/unpause map directly onto TT's env stop/start semantics, unlike
// Qemu/Bhyve which need a monitor protocol or a checkpoint file.
type Docker struct {
	cfg DockerConfig
}

func NewDocker(cfg DockerConfig) *Docker { return &Docker{cfg: cfg} }

func containerName(id ttdef.VmId) string { return fmt.Sprintf("tt-%d", uint32(id)) }

// PreStart is a no-op beyond verifying the image reference looks sane;
// `docker run` itself will pull or fail on an unknown image at Start.
func (d *Docker) PreStart(ctx context.Context, v *vm.Vm) error {
	if strings.TrimSpace(v.ImagePath) == "" {
		return fmt.Errorf("%w: empty docker image reference", ttdef.ErrImageNotCached)
	}
	return nil
}

// Start runs the container detached, publishing every PortMap entry as
// a host port forward.
func (d *Docker) Start(ctx context.Context, v *vm.Vm) error {
	args := []string{
		"run", "-d",
		"--name", containerName(v.Id()),
		"--memory", fmt.Sprintf("%dm", v.Mem),
		"--cpus", fmt.Sprintf("%d", v.CPU),
	}
	if d.cfg.Network != "" {
		args = append(args, "--network", d.cfg.Network)
	}
	for inner, pub := range v.PortMap {
		args = append(args, "-p", fmt.Sprintf("127.0.0.1:%d:%d", uint16(pub), uint16(inner)))
	}
	args = append(args, v.ImagePath)

	out, err := exec.CommandContext(ctx, "docker", args...).CombinedOutput()
	if err != nil {
		return fmt.Errorf("docker run: %w: %s", err, string(out))
	}
	logging.Op().Info("docker: container started", "vm", v.Id(), "container", containerName(v.Id()))
	return nil
}

// Pause uses Docker's native freezer-cgroup pause.
func (d *Docker) Pause(ctx context.Context, v *vm.Vm) error {
	return dockerCmd(ctx, "pause", containerName(v.Id()))
}

// Resume uses Docker's native unpause.
func (d *Docker) Resume(ctx context.Context, v *vm.Vm) error {
	return dockerCmd(ctx, "unpause", containerName(v.Id()))
}

// PostClean stops and force-removes the container.
func (d *Docker) PostClean(v *vm.Vm) {
	name := containerName(v.Id())
	_ = exec.Command("docker", "stop", "-t", "2", name).Run()
	if err := exec.Command("docker", "rm", "-f", name).Run(); err != nil {
		logging.Op().Warn("docker: post_clean failed to remove container", "vm", v.Id(), "error", err)
	}
}

func dockerCmd(ctx context.Context, verb, name string) error {
	out, err := exec.CommandContext(ctx, "docker", verb, name).CombinedOutput()
	if err != nil {
		return fmt.Errorf("%w: docker %s %s: %s", ttdef.ErrDriverUnavailable, verb, name, string(out))
	}
	return nil
}

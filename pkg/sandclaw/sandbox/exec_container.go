// exec_container.go implements the container Launcher. Agent processes
// run via the configured container CLI (docker or Apple container),
// one container per conversation, with only the resolved allowlisted
// mounts and a bounded environment.
package sandbox

import (
	"context"
	"fmt"
	"log/slog"
	"os/exec"
	"sort"
	"syscall"
)

// ContainerLauncher launches agent containers via the container CLI.
type ContainerLauncher struct {
	cfg    Config
	logger *slog.Logger
}

// NewContainerLauncher creates a launcher using cfg.ContainerBinary.
func NewContainerLauncher(cfg Config, logger *slog.Logger) *ContainerLauncher {
	if logger == nil {
		logger = slog.Default()
	}
	return &ContainerLauncher{cfg: cfg, logger: logger.With("component", "launcher")}
}

// Launch starts a container for the given spec. The container name is
// derived from the group folder; the runner's mutual exclusion
// guarantees no two launches share a group.
func (l *ContainerLauncher) Launch(ctx context.Context, spec LaunchSpec) (Process, error) {
	name := "sandclaw-" + spec.Group
	args := l.buildArgs(name, spec)

	cmd := exec.Command(l.cfg.ContainerBinary, args...)
	// Own process group so a kill reaps the whole CLI tree.
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}

	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("launching container %q: %w", name, err)
	}

	l.logger.Info("container launched",
		"group", spec.Group,
		"image", l.cfg.Image,
		"mounts", len(spec.Mounts),
	)

	proc := &containerProcess{
		launcher: l,
		name:     name,
		cmd:      cmd,
		done:     make(chan error, 1),
	}
	go func() {
		proc.done <- cmd.Wait()
	}()
	return proc, nil
}

// buildArgs assembles the container CLI argument list for a launch.
func (l *ContainerLauncher) buildArgs(name string, spec LaunchSpec) []string {
	args := []string{"run", "--rm", "--name", name}
	for _, m := range spec.Mounts {
		volume := fmt.Sprintf("%s:%s", m.HostPath, m.ContainerPath)
		if m.ReadOnly {
			volume += ":ro"
		}
		args = append(args, "-v", volume)
	}

	// Deterministic env order keeps launch logs diffable.
	keys := make([]string, 0, len(spec.Env))
	for k := range spec.Env {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		args = append(args, "-e", fmt.Sprintf("%s=%s", k, spec.Env[k]))
	}

	return append(args, l.cfg.Image)
}

// containerProcess wraps one running container CLI process.
type containerProcess struct {
	launcher *ContainerLauncher
	name     string
	cmd      *exec.Cmd
	done     chan error
}

// Done yields the process exit error once.
func (p *containerProcess) Done() <-chan error {
	return p.done
}

// Kill force-terminates the CLI process group, then removes the
// container so no orphan keeps running under the daemon.
func (p *containerProcess) Kill() error {
	if p.cmd.Process != nil {
		_ = syscall.Kill(-p.cmd.Process.Pid, syscall.SIGKILL)
	}
	// The CLI may already be gone while the container lives on.
	rm := exec.Command(p.launcher.cfg.ContainerBinary, "rm", "-f", p.name)
	if out, err := rm.CombinedOutput(); err != nil {
		p.launcher.logger.Debug("container rm", "name", p.name, "output", string(out), "error", err)
	}
	return nil
}

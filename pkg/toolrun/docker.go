package toolrun

import (
	"context"
	"time"

	"github.com/rotisserie/eris"

	"github.com/sells-group/phenorank/internal/resilience"
)

// MountPoint is where the working directory is mounted inside containers.
const MountPoint = "/mnt"

// Docker runs tools as throwaway containers with the invocation's working
// directory bind-mounted at MountPoint.
type Docker struct {
	runner    CommandRunner
	bin       string
	heartbeat time.Duration
}

// NewDocker creates a Docker invoker. An empty bin defaults to "docker".
func NewDocker(runner CommandRunner, bin string) *Docker {
	if runner == nil {
		runner = ExecRunner{}
	}
	if bin == "" {
		bin = "docker"
	}
	return &Docker{runner: runner, bin: bin, heartbeat: DefaultHeartbeat}
}

// WithHeartbeat overrides the progress logging interval. Zero disables it.
func (d *Docker) WithHeartbeat(every time.Duration) *Docker {
	d.heartbeat = every
	return d
}

// Invoke implements Invoker.
func (d *Docker) Invoke(ctx context.Context, inv Invocation) (*Result, error) {
	if inv.Image == "" {
		return nil, resilience.New(resilience.KindExternalTool, eris.Errorf("toolrun: %s has no image", inv.Name))
	}
	args := []string{"run", "--rm", "-v", inv.WorkDir + ":" + MountPoint, "-w", MountPoint}
	if inv.Command != "" {
		args = append(args, "--entrypoint", inv.Command)
	}
	args = append(args, inv.Image)
	args = append(args, expandArgs(inv.Args, MountPoint)...)
	return run(ctx, d.runner, d.heartbeat, inv, inv.WorkDir, d.bin, args)
}

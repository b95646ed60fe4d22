package toolrun

import (
	"context"
	"time"

	"github.com/rotisserie/eris"

	"github.com/sells-group/phenorank/internal/resilience"
)

// Local runs tools as host processes in the invocation's working directory.
type Local struct {
	runner    CommandRunner
	heartbeat time.Duration
}

// NewLocal creates a Local invoker.
func NewLocal(runner CommandRunner) *Local {
	if runner == nil {
		runner = ExecRunner{}
	}
	return &Local{runner: runner, heartbeat: DefaultHeartbeat}
}

// WithHeartbeat overrides the progress logging interval. Zero disables it.
func (l *Local) WithHeartbeat(every time.Duration) *Local {
	l.heartbeat = every
	return l
}

// Invoke implements Invoker.
func (l *Local) Invoke(ctx context.Context, inv Invocation) (*Result, error) {
	if inv.Command == "" {
		return nil, resilience.New(resilience.KindExternalTool, eris.Errorf("toolrun: %s has no command", inv.Name))
	}
	return run(ctx, l.runner, l.heartbeat, inv, inv.WorkDir, inv.Command, expandArgs(inv.Args, inv.WorkDir))
}

// New returns the invoker for a configured runtime ("docker" or "local").
func New(runtime string, runner CommandRunner) (Invoker, error) {
	switch runtime {
	case "", "docker":
		return NewDocker(runner, ""), nil
	case "local":
		return NewLocal(runner), nil
	default:
		return nil, eris.Errorf("toolrun: unknown runtime %q", runtime)
	}
}

// Package toolrun runs the external bioinformatics tools (phenotype tagger,
// gene prioritizer) behind one capability interface, so callers do not know
// whether a tool runs in a container or as a local process.
package toolrun

import (
	"bytes"
	"context"
	"errors"
	"os/exec"
	"strings"
	"time"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/sells-group/phenorank/internal/resilience"
)

// DirToken is replaced in Invocation.Args with the path under which the
// invocation's working directory is visible to the tool.
const DirToken = "{workdir}"

// waitDelay bounds how long a killed process may hold its output pipes open.
const waitDelay = 5 * time.Second

// DefaultHeartbeat is how often a long-running invocation logs progress.
const DefaultHeartbeat = 30 * time.Second

// Invocation describes one tool run.
type Invocation struct {
	Name    string   // logical tool name, used in logs and errors
	CaseID  string   // owning case, used in logs
	Image   string   // container image (docker runtime)
	Command string   // executable (local runtime) or entrypoint override (docker)
	Args    []string // may contain DirToken
	WorkDir string   // host directory holding the tool's input and output files
}

// Result is the captured outcome of a successful run.
type Result struct {
	Stdout   string
	Stderr   string
	Duration time.Duration
}

// Invoker runs a tool to completion. Non-zero exits, launch failures and
// timeouts fail with an external_tool error.
type Invoker interface {
	Invoke(ctx context.Context, inv Invocation) (*Result, error)
}

// CommandRunner abstracts process execution for testability.
type CommandRunner interface {
	Run(ctx context.Context, dir, name string, args ...string) (stdout, stderr string, exitCode int, err error)
}

// ExecRunner implements CommandRunner with os/exec.
type ExecRunner struct{}

// Run starts name and waits for it. A non-zero exit is reported through
// exitCode with a nil error.
func (ExecRunner) Run(ctx context.Context, dir, name string, args ...string) (string, string, int, error) {
	cmd := exec.CommandContext(ctx, name, args...)
	cmd.Dir = dir
	cmd.WaitDelay = waitDelay

	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	err := cmd.Run()
	if err != nil {
		var exitErr *exec.ExitError
		if errors.As(err, &exitErr) && ctx.Err() == nil {
			return stdout.String(), stderr.String(), exitErr.ExitCode(), nil
		}
		return stdout.String(), stderr.String(), -1, err
	}
	return stdout.String(), stderr.String(), 0, nil
}

// run executes one command with heartbeat logging and maps failures onto
// the error taxonomy.
func run(ctx context.Context, runner CommandRunner, heartbeat time.Duration, inv Invocation, dir, name string, args []string) (*Result, error) {
	log := zap.L().With(
		zap.String("case_id", inv.CaseID),
		zap.String("tool", inv.Name),
	)
	log.Info("tool starting", zap.String("command", name), zap.Strings("args", args))

	start := time.Now()
	stop := startHeartbeat(ctx, log, heartbeat, start)
	stdout, stderr, code, err := runner.Run(ctx, dir, name, args...)
	stop()
	elapsed := time.Since(start)

	switch {
	case ctx.Err() != nil:
		return nil, resilience.New(resilience.KindExternalTool,
			eris.Wrapf(ctx.Err(), "toolrun: %s did not finish after %s", inv.Name, elapsed.Round(time.Second)))
	case err != nil:
		return nil, resilience.New(resilience.KindExternalTool,
			eris.Wrapf(err, "toolrun: launch %s", inv.Name))
	case code != 0:
		return nil, resilience.Newf(resilience.KindExternalTool,
			"toolrun: %s exited with status %d: %s", inv.Name, code, tail(stderr, 512))
	}

	log.Info("tool finished", zap.Int64("duration_ms", elapsed.Milliseconds()))
	return &Result{Stdout: stdout, Stderr: stderr, Duration: elapsed}, nil
}

func startHeartbeat(ctx context.Context, log *zap.Logger, every time.Duration, start time.Time) func() {
	if every <= 0 {
		return func() {}
	}
	done := make(chan struct{})
	go func() {
		ticker := time.NewTicker(every)
		defer ticker.Stop()
		for {
			select {
			case <-done:
				return
			case <-ctx.Done():
				return
			case <-ticker.C:
				log.Info("tool still running", zap.Int64("elapsed_ms", time.Since(start).Milliseconds()))
			}
		}
	}()
	return func() { close(done) }
}

func expandArgs(args []string, dir string) []string {
	out := make([]string, len(args))
	for i, a := range args {
		out[i] = strings.ReplaceAll(a, DirToken, dir)
	}
	return out
}

// tail keeps the last n bytes of s, trimmed.
func tail(s string, n int) string {
	s = strings.TrimSpace(s)
	if len(s) <= n {
		return s
	}
	return "..." + s[len(s)-n:]
}

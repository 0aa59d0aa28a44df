package pipeline

import (
	"context"
	"fmt"
	"io"
	"os"
	"os/exec"

	"github.com/JakeFAU/contract-harvester/internal/harvest"
)

// CommandPhase runs a phase as a child process so that browser resources
// are released when it exits. A non-zero exit fails the phase.
type CommandPhase struct {
	name   string
	path   string
	args   []string
	stdout io.Writer
	stderr io.Writer
}

// NewCommandPhase runs `path args...` under name. Output goes to the
// parent's stdout and stderr.
func NewCommandPhase(name, path string, args ...string) *CommandPhase {
	return &CommandPhase{name: name, path: path, args: args, stdout: os.Stdout, stderr: os.Stderr}
}

// WithOutput redirects the child's output.
func (c *CommandPhase) WithOutput(stdout, stderr io.Writer) *CommandPhase {
	c.stdout, c.stderr = stdout, stderr
	return c
}

// Name implements Phase.
func (c *CommandPhase) Name() string { return c.name }

// Run implements Phase. The child reports its own tally in its logs, so the
// returned tally is empty.
func (c *CommandPhase) Run(ctx context.Context) (harvest.Tally, error) {
	cmd := exec.CommandContext(ctx, c.path, c.args...)
	cmd.Stdout = c.stdout
	cmd.Stderr = c.stderr
	if err := cmd.Run(); err != nil {
		return harvest.Tally{}, fmt.Errorf("run %s: %w", c.name, err)
	}
	return harvest.Tally{}, nil
}

// SelfPhases builds one CommandPhase per subcommand, re-invoking the current
// executable with extra appended to each.
func SelfPhases(subcommands []string, extra ...string) ([]Phase, error) {
	exe, err := os.Executable()
	if err != nil {
		return nil, fmt.Errorf("locate executable: %w: %w", harvest.ErrFatalSetup, err)
	}
	phases := make([]Phase, 0, len(subcommands))
	for _, sub := range subcommands {
		args := append([]string{sub}, extra...)
		phases = append(phases, NewCommandPhase(sub, exe, args...))
	}
	return phases, nil
}

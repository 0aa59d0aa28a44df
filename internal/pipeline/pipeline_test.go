package pipeline

import (
	"bytes"
	"context"
	"errors"
	"os/exec"
	"runtime"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/JakeFAU/contract-harvester/internal/harvest"
)

type stubPhase struct {
	name  string
	tally harvest.Tally
	err   error
	ran   *[]string
}

func (s stubPhase) Name() string { return s.name }

func (s stubPhase) Run(context.Context) (harvest.Tally, error) {
	*s.ran = append(*s.ran, s.name)
	return s.tally, s.err
}

func TestRunInOrder(t *testing.T) {
	t.Parallel()

	var ran []string
	var observed []string
	p := New(nil,
		stubPhase{name: "search", tally: harvest.Tally{Processed: 2, Succeeded: 2}, ran: &ran},
		stubPhase{name: "fetch", tally: harvest.Tally{Processed: 3, Succeeded: 2, Abandoned: 1}, ran: &ran},
		stubPhase{name: "extract", tally: harvest.Tally{Processed: 2, Succeeded: 2}, ran: &ran},
	).WithObserver(func(phase string, _ time.Duration) { observed = append(observed, phase) })

	report, err := p.Run(context.Background())
	require.NoError(t, err)
	require.Equal(t, []string{"search", "fetch", "extract"}, ran)
	require.Equal(t, ran, observed)
	require.Equal(t, harvest.Tally{Processed: 7, Succeeded: 6, Abandoned: 1}, report.Total())
}

func TestRunHaltsOnFailure(t *testing.T) {
	t.Parallel()

	var ran []string
	boom := errors.New("store unreachable")
	p := New(nil,
		stubPhase{name: "search", ran: &ran},
		stubPhase{name: "fetch", err: boom, ran: &ran},
		stubPhase{name: "extract", ran: &ran},
	)

	report, err := p.Run(context.Background())
	require.ErrorIs(t, err, ErrPhaseFailed)
	require.ErrorIs(t, err, boom)
	require.Equal(t, []string{"search", "fetch"}, ran)
	require.Len(t, report.Steps, 2)
	require.Equal(t, boom, report.Steps[1].Err)
}

func TestRunCanceled(t *testing.T) {
	t.Parallel()

	var ran []string
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := New(nil, stubPhase{name: "search", ran: &ran}).Run(ctx)
	require.ErrorIs(t, err, context.Canceled)
	require.Empty(t, ran)
}

func TestCommandPhase(t *testing.T) {
	if runtime.GOOS == "windows" {
		t.Skip("relies on POSIX shell utilities")
	}
	sh, err := exec.LookPath("sh")
	if err != nil {
		t.Skip("sh not available")
	}

	var out bytes.Buffer
	ok := NewCommandPhase("search", sh, "-c", "echo harvested").WithOutput(&out, &out)
	require.Equal(t, "search", ok.Name())
	_, err = ok.Run(context.Background())
	require.NoError(t, err)
	require.Equal(t, "harvested\n", out.String())

	failing := NewCommandPhase("fetch", sh, "-c", "exit 3").WithOutput(&out, &out)
	_, err = failing.Run(context.Background())
	var exitErr *exec.ExitError
	require.ErrorAs(t, err, &exitErr)
	require.Equal(t, 3, exitErr.ExitCode())
}

func TestSelfPhases(t *testing.T) {
	t.Parallel()

	phases, err := SelfPhases([]string{"search", "fetch"}, "--config", "harvester.yaml")
	require.NoError(t, err)
	require.Len(t, phases, 2)
	cmd := phases[1].(*CommandPhase)
	require.Equal(t, "fetch", cmd.Name())
	require.Equal(t, []string{"fetch", "--config", "harvester.yaml"}, cmd.args)
}

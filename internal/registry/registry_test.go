package registry

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/JakeFAU/contract-harvester/internal/harvest"
	"github.com/JakeFAU/contract-harvester/internal/queue"
)

type failingLedger struct{}

func (failingLedger) ReadAll(context.Context) ([]harvest.Category, error) { return nil, nil }

func (failingLedger) Append(context.Context, harvest.Category) error {
	return errors.New("disk full")
}

func TestAppendDedupsAcrossSessions(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "categories.csv")

	first := New(NewFileLedger(path), nil)
	require.NoError(t, first.Load(ctx))
	c, inserted, err := first.Append(ctx, "Laptops")
	require.NoError(t, err)
	require.True(t, inserted)
	require.Equal(t, harvest.Category{Seq: 1, Name: "Laptops"}, c)

	second := New(NewFileLedger(path), nil)
	require.NoError(t, second.Load(ctx))
	c, inserted, err = second.Append(ctx, "laptops ")
	require.NoError(t, err)
	require.False(t, inserted)
	require.Equal(t, "Laptops", c.Name)
	require.Equal(t, 1, c.Seq)

	raw, err := os.ReadFile(path)
	require.NoError(t, err)
	lines := strings.Split(strings.TrimSpace(string(raw)), "\n")
	require.Equal(t, []string{"si_no,category_name", "1,Laptops"}, lines)
}

func TestAppendAssignsContiguousSequence(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	ledger := NewFileLedger(filepath.Join(t.TempDir(), "nested", "categories.csv"))
	reg := New(ledger, nil)

	for _, name := range []string{"Pens", "PENS", "Desktop  Computers", "desktop computers", "Chairs", "  ", "pens"} {
		_, _, err := reg.Append(ctx, name)
		require.NoError(t, err)
	}

	cats, err := ledger.ReadAll(ctx)
	require.NoError(t, err)
	require.Len(t, cats, 3)
	for i, c := range cats {
		require.Equal(t, i+1, c.Seq)
	}
	require.Equal(t, "Desktop  Computers", cats[1].Name)
	require.Equal(t, cats, reg.Categories())
}

func TestAppendLedgerFailureLeavesMirrorUntouched(t *testing.T) {
	t.Parallel()

	reg := New(failingLedger{}, nil)
	_, _, err := reg.Append(context.Background(), "Laptops")
	require.ErrorContains(t, err, "disk full")
	_, ok := reg.Lookup("laptops")
	require.False(t, ok)
	require.Zero(t, reg.Len())
}

func TestRequeueDoesNotAppendLedger(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	ledger := NewFileLedger(filepath.Join(t.TempDir(), "categories.csv"))
	reg := New(ledger, nil)
	_, _, err := reg.Append(ctx, "Laptops")
	require.NoError(t, err)

	got, ok := reg.Pop()
	require.True(t, ok)
	require.Equal(t, "Laptops", got.Name)

	require.NoError(t, reg.Requeue("LAPTOPS"))
	require.Equal(t, 1, reg.Len())
	require.Error(t, reg.Requeue("Tablets"))

	cats, err := ledger.ReadAll(ctx)
	require.NoError(t, err)
	require.Len(t, cats, 1)
}

func TestRegistryBacksRetryQueue(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	reg := New(NewFileLedger(filepath.Join(t.TempDir(), "categories.csv")), nil)
	for _, name := range []string{"Laptops", "Printers"} {
		_, _, err := reg.Append(ctx, name)
		require.NoError(t, err)
	}

	var seen []string
	q := queue.New(func(c harvest.Category) string { return strings.ToLower(c.Name) }, queue.Config{Name: "search"}, nil)
	res, err := q.Run(ctx, reg, func(_ context.Context, c harvest.Category) harvest.Outcome {
		seen = append(seen, c.Name)
		if c.Name == "Laptops" && len(seen) == 1 {
			return harvest.Transient("captcha", harvest.ErrGateRejected)
		}
		return harvest.Success()
	})
	require.NoError(t, err)
	require.Equal(t, []string{"Laptops", "Printers", "Laptops"}, seen)
	require.Equal(t, 2, res.Tally.Succeeded)
}

func TestLoadSkipsHeaderBlanksAndDuplicates(t *testing.T) {
	t.Parallel()

	path := filepath.Join(t.TempDir(), "categories.csv")
	content := "si_no,category_name\n1,Laptops\n2,\n3,laptops\n"
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))

	reg := New(NewFileLedger(path), nil)
	require.NoError(t, reg.Load(context.Background()))
	require.Equal(t, []harvest.Category{{Seq: 1, Name: "Laptops"}}, reg.Categories())
	require.Equal(t, 1, reg.Len())
}

func TestReadAllMissingFile(t *testing.T) {
	t.Parallel()

	cats, err := NewFileLedger(filepath.Join(t.TempDir(), "none.csv")).ReadAll(context.Background())
	require.NoError(t, err)
	require.Empty(t, cats)
}

func TestReadAllRejectsBadSequence(t *testing.T) {
	t.Parallel()

	path := filepath.Join(t.TempDir(), "categories.csv")
	require.NoError(t, os.WriteFile(path, []byte("si_no,category_name\nx,Laptops\n"), 0o600))
	_, err := NewFileLedger(path).ReadAll(context.Background())
	require.ErrorContains(t, err, "sequence")
}

func TestAppendAfterGappedLedgerNeverReusesSequence(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "categories.csv")
	content := "si_no,category_name\n1,Laptops\n2,\n3,laptops\n7,Pens\n"
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))

	reg := New(NewFileLedger(path), nil)
	require.NoError(t, reg.Load(ctx))
	c, inserted, err := reg.Append(ctx, "Printers")
	require.NoError(t, err)
	require.True(t, inserted)
	require.Equal(t, 8, c.Seq)

	c, _, err = reg.Append(ctx, "Chairs")
	require.NoError(t, err)
	require.Equal(t, 9, c.Seq)
}

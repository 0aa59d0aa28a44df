package fetch

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/JakeFAU/contract-harvester/internal/browser/browsertest"
	"github.com/JakeFAU/contract-harvester/internal/captcha"
	"github.com/JakeFAU/contract-harvester/internal/harvest"
	"github.com/JakeFAU/contract-harvester/internal/storage/local"
	"github.com/JakeFAU/contract-harvester/internal/storage/memory"
)

type scriptedOracle struct {
	mu          sync.Mutex
	confidences []float64
	calls       int
}

func (o *scriptedOracle) Solve(context.Context, []byte) (string, float64, error) {
	o.mu.Lock()
	defer o.mu.Unlock()
	conf := 0.9
	if o.calls < len(o.confidences) {
		conf = o.confidences[o.calls]
	}
	o.calls++
	return "q7m2z", conf, nil
}

var testSelectors = Selectors{
	SearchURL:  "https://portal.example/view_contracts",
	BidInput:   "#bidno",
	ResultBids: "span.bid_no",
	Download:   "a.download",
	Dismiss:    "button.close",
	SearchGate: captcha.Form{Image: "#captchaimg2", Input: "#captcha_code2", Submit: "#searchbid"},
	DetailGate: captcha.Form{
		Image:           "#captchaimg3",
		Input:           "#captcha_code3",
		Submit:          "#modalbtn",
		ErrorIndicators: []string{"#pcaptcha_code3"},
	},
}

type fixture struct {
	page      *browsertest.Session
	store     *memory.ContractStore
	artifacts *local.ArtifactStore
	oracle    *scriptedOracle
	phase     *Phase
}

func newFixture(t *testing.T, bids ...string) *fixture {
	t.Helper()

	page := browsertest.New()
	img := "data:image/png;base64," + base64.StdEncoding.EncodeToString([]byte("img"))
	page.SetAttribute(testSelectors.SearchGate.Image, "src", img)
	page.SetAttribute(testSelectors.DetailGate.Image, "src", img)
	page.OnFill = func(s *browsertest.Session, selector, text string) {
		if selector == testSelectors.BidInput {
			s.Lists[testSelectors.ResultBids] = []string{"GEMC-000000000000001", text}
		}
	}
	downloads := t.TempDir()
	var n int
	page.OnDownload = func(*browsertest.Session) (string, error) {
		n++
		p := filepath.Join(downloads, fmt.Sprintf("guid-%d", n))
		return p, os.WriteFile(p, []byte("%PDF-1.7"), 0o600)
	}

	store := memory.NewContractStore()
	recs := make([]harvest.ContractRecord, 0, len(bids))
	for i, b := range bids {
		recs = append(recs, harvest.ContractRecord{Seq: i + 1, BidNumber: b, CategoryName: "Laptops"})
	}
	_, err := store.InsertContracts(context.Background(), recs)
	require.NoError(t, err)

	artifacts, err := local.New(local.Config{BaseDir: t.TempDir()}, nil, nil)
	require.NoError(t, err)

	oracle := &scriptedOracle{}
	gate := captcha.NewGate(oracle, captcha.Config{FailurePhrases: []string{"Please enter"}}, nil)
	phase := New(page, gate, store, artifacts, Config{Selectors: testSelectors}, nil)
	return &fixture{page: page, store: store, artifacts: artifacts, oracle: oracle, phase: phase}
}

func (f *fixture) record(t *testing.T, bid string) harvest.ContractRecord {
	t.Helper()
	rec, ok := f.store.Get(bid)
	require.True(t, ok)
	return rec
}

func TestProcessRecordStoresLink(t *testing.T) {
	t.Parallel()

	f := newFixture(t, "GEMC-511687712345678")
	out := f.phase.ProcessRecord(context.Background(), f.record(t, "GEMC-511687712345678"))
	require.Equal(t, harvest.OutcomeSuccess, out.Kind, out.Error())

	rec := f.record(t, "GEMC-511687712345678")
	require.NotNil(t, rec.ArtifactLink)
	require.Equal(t, f.artifacts.LocalPath("GEMC-511687712345678"), *rec.ArtifactLink)
	data, err := os.ReadFile(*rec.ArtifactLink)
	require.NoError(t, err)
	require.Equal(t, "%PDF-1.7", string(data))

	require.Equal(t, "GEMC-511687712345678", f.page.Fills[testSelectors.BidInput])
	require.Contains(t, f.page.CallLog(), "Click "+testSelectors.Download)
}

func TestProcessRecordCardMissingIsFatal(t *testing.T) {
	t.Parallel()

	f := newFixture(t, "GEMC-511687712345678")
	f.page.OnFill = func(s *browsertest.Session, selector, _ string) {
		if selector == testSelectors.BidInput {
			s.Lists[testSelectors.ResultBids] = []string{"GEMC-999"}
		}
	}

	out := f.phase.ProcessRecord(context.Background(), f.record(t, "GEMC-511687712345678"))
	require.Equal(t, harvest.OutcomeFatal, out.Kind)
	require.ErrorIs(t, out.Err, harvest.ErrDataInconsistency)

	tally, err := f.phase.Run(context.Background())
	require.NoError(t, err)
	require.Equal(t, harvest.Tally{Processed: 1, Abandoned: 1}, tally)
}

func TestProcessRecordDetailGateRejected(t *testing.T) {
	t.Parallel()

	f := newFixture(t, "GEMC-511687712345678")
	f.oracle.confidences = []float64{0.9, 0.1}

	out := f.phase.ProcessRecord(context.Background(), f.record(t, "GEMC-511687712345678"))
	require.Equal(t, harvest.OutcomeTransient, out.Kind)
	require.ErrorIs(t, out.Err, harvest.ErrGateRejected)
	require.Contains(t, f.page.CallLog(), "Click "+testSelectors.Dismiss)
	require.NotContains(t, f.page.CallLog(), "Click "+testSelectors.Download)
	require.Nil(t, f.record(t, "GEMC-511687712345678").ArtifactLink)
}

func TestProcessRecordDownloadFailure(t *testing.T) {
	t.Parallel()

	f := newFixture(t, "GEMC-511687712345678")
	f.page.OnDownload = func(*browsertest.Session) (string, error) {
		return "", fmt.Errorf("download canceled: %w", harvest.ErrNetwork)
	}

	out := f.phase.ProcessRecord(context.Background(), f.record(t, "GEMC-511687712345678"))
	require.Equal(t, harvest.OutcomeTransient, out.Kind)
	require.Nil(t, f.record(t, "GEMC-511687712345678").ArtifactLink)
}

func TestRunRetriesTransientFailures(t *testing.T) {
	t.Parallel()

	f := newFixture(t, "GEMC-1", "GEMC-2")
	f.oracle.confidences = []float64{0.2}

	tally, err := f.phase.Run(context.Background())
	require.NoError(t, err)
	require.Equal(t, harvest.Tally{Processed: 2, Succeeded: 2, Retried: 1}, tally)

	counts, err := f.store.Counts(context.Background())
	require.NoError(t, err)
	require.Zero(t, counts.Incomplete)
}

func TestRunResumesFromStore(t *testing.T) {
	t.Parallel()

	bids := []string{"GEMC-1", "GEMC-2", "GEMC-3", "GEMC-4", "GEMC-5"}
	f := newFixture(t, bids...)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	done := 0
	f.phase.WithObserver(func(_ string, out harvest.Outcome) {
		if out.Kind == harvest.OutcomeSuccess {
			done++
			if done == 2 {
				cancel()
			}
		}
	})

	tally, err := f.phase.Run(ctx)
	require.ErrorIs(t, err, context.Canceled)
	require.Equal(t, 2, tally.Succeeded)

	counts, err := f.store.Counts(context.Background())
	require.NoError(t, err)
	require.Equal(t, 3, counts.Incomplete)

	f.phase.WithObserver(nil)
	tally, err = f.phase.Run(context.Background())
	require.NoError(t, err)
	require.Equal(t, harvest.Tally{Processed: 3, Succeeded: 3}, tally)

	counts, err = f.store.Counts(context.Background())
	require.NoError(t, err)
	require.Zero(t, counts.Incomplete)
}

func TestRunStoreFailureIsFatal(t *testing.T) {
	t.Parallel()

	f := newFixture(t)
	f.phase.store = failingStore{f.store}

	_, err := f.phase.Run(context.Background())
	require.ErrorIs(t, err, harvest.ErrFatalSetup)
}

type failingStore struct {
	*memory.ContractStore
}

func (failingStore) SelectIncomplete(context.Context) ([]harvest.ContractRecord, error) {
	return nil, errors.New("database is locked")
}

package search

import (
	"context"
	"encoding/base64"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/JakeFAU/contract-harvester/internal/browser/browsertest"
	"github.com/JakeFAU/contract-harvester/internal/captcha"
	"github.com/JakeFAU/contract-harvester/internal/harvest"
	"github.com/JakeFAU/contract-harvester/internal/registry"
	"github.com/JakeFAU/contract-harvester/internal/storage/memory"
)

type fixedClock time.Time

func (c fixedClock) Now() time.Time { return time.Time(c) }

type scriptedOracle struct {
	confidences []float64
	calls       int
}

func (o *scriptedOracle) Solve(context.Context, []byte) (string, float64, error) {
	conf := 0.9
	if o.calls < len(o.confidences) {
		conf = o.confidences[o.calls]
	}
	o.calls++
	return "k3x9p", conf, nil
}

var testSelectors = Selectors{
	SearchURL:       "https://portal.example/view_contracts",
	Dropdown:        ".select2-selection",
	CategorySearch:  "input.select2-search__field",
	CategoryOptions: "li.select2-results__option",
	DateFrom:        "#from",
	DateTo:          "#to",
	NoResults:       "div.no-results",
	NoResultsText:   "No Result Found",
	BidNumber:       "span.bid",
	ItemTitle:       "span.item",
	Quantity:        "span.qty",
	TotalValue:      "span.value",
	Buyer:           "span.buyer",
	BuyingMode:      "span.mode",
	ContractDate:    "span.date",
	OrderStatus:     "span.status",
	Gate: captcha.Form{
		Image:           "#captchaimg1",
		Input:           "#captcha_code1",
		Submit:          "#searchlocation1",
		ErrorIndicators: []string{"#pcaptcha_code1"},
	},
}

type fixture struct {
	page   *browsertest.Session
	store  *memory.ContractStore
	reg    *registry.Registry
	oracle *scriptedOracle
	phase  *Phase
	ledger *registry.FileLedger
}

func newFixture(t *testing.T, seeds ...string) *fixture {
	t.Helper()

	page := browsertest.New()
	page.Present[testSelectors.CategorySearch] = true
	page.SetAttribute(testSelectors.Gate.Image, "src",
		"data:image/png;base64,"+base64.StdEncoding.EncodeToString([]byte("img")))
	rows := twoRowPage()
	page.Lists[testSelectors.BidNumber] = rows.BidNumbers
	page.Lists[testSelectors.ItemTitle] = rows.ItemTitles
	page.Lists[testSelectors.Quantity] = rows.Quantities
	page.Lists[testSelectors.TotalValue] = rows.TotalValues
	page.Lists[testSelectors.Buyer] = rows.Buyers
	page.Lists[testSelectors.BuyingMode] = rows.BuyingModes
	page.Lists[testSelectors.ContractDate] = rows.ContractDates
	page.Lists[testSelectors.OrderStatus] = rows.OrderStatuses
	// The dropdown filters to exactly what was typed.
	page.OnFill = func(s *browsertest.Session, selector, text string) {
		if selector == testSelectors.CategorySearch {
			s.Lists[testSelectors.CategoryOptions] = []string{text}
		}
	}

	ledger := registry.NewFileLedger(filepath.Join(t.TempDir(), "categories.csv"))
	reg := registry.New(ledger, nil)
	store := memory.NewContractStore()
	oracle := &scriptedOracle{}
	gate := captcha.NewGate(oracle, captcha.Config{MinConfidence: 0.55, FailurePhrases: []string{"Please enter"}}, nil)
	clock := fixedClock(time.Date(2026, 10, 17, 9, 0, 0, 0, time.UTC))
	phase := New(page, gate, reg, store, clock, Config{
		Selectors:      testSelectors,
		Seeds:          seeds,
		DateWindowDays: 2,
	}, nil)
	return &fixture{page: page, store: store, reg: reg, oracle: oracle, phase: phase, ledger: ledger}
}

func TestProcessCategoryCapturesRows(t *testing.T) {
	t.Parallel()

	f := newFixture(t)
	ctx := context.Background()
	c, _, err := f.reg.Append(ctx, "Laptops")
	require.NoError(t, err)
	f.page.OnFill = nil
	f.page.Lists[testSelectors.CategoryOptions] = []string{"Laptop Bags", " laptops "}

	out := f.phase.ProcessCategory(ctx, c)
	require.Equal(t, harvest.OutcomeSuccess, out.Kind, out.Error())

	require.Equal(t, "15-10-2026", f.page.Values["#from"])
	require.Equal(t, "17-10-2026", f.page.Values["#to"])
	require.Equal(t, "Laptops", f.page.Fills[testSelectors.CategorySearch])

	rec, ok := f.store.Get("GEMC-511687712345678")
	require.True(t, ok)
	require.Equal(t, "Laptops", rec.CategoryName)
	require.Nil(t, rec.ArtifactLink)

	_, ok = f.reg.Lookup("laptop bags")
	require.True(t, ok, "observed option should be registered")
	require.Len(t, f.reg.Categories(), 2)
}

func TestProcessCategoryNoResults(t *testing.T) {
	t.Parallel()

	f := newFixture(t)
	ctx := context.Background()
	c, _, err := f.reg.Append(ctx, "Pens")
	require.NoError(t, err)
	f.page.Lists[testSelectors.NoResults] = []string{"No Result Found"}

	out := f.phase.ProcessCategory(ctx, c)
	require.Equal(t, harvest.OutcomeSuccess, out.Kind)
	counts, err := f.store.Counts(ctx)
	require.NoError(t, err)
	require.Zero(t, counts.Total)
}

func TestProcessCategoryMissingOption(t *testing.T) {
	t.Parallel()

	f := newFixture(t)
	ctx := context.Background()
	c, _, err := f.reg.Append(ctx, "Laptops")
	require.NoError(t, err)
	f.page.OnFill = nil
	f.page.Lists[testSelectors.CategoryOptions] = []string{"Desktops"}

	out := f.phase.ProcessCategory(ctx, c)
	require.Equal(t, harvest.OutcomeTransient, out.Kind)
	require.ErrorIs(t, out.Err, ErrCategoryMissing)
	_, ok := f.reg.Lookup("desktops")
	require.True(t, ok)
}

func TestProcessCategoryGateRejected(t *testing.T) {
	t.Parallel()

	f := newFixture(t)
	ctx := context.Background()
	c, _, err := f.reg.Append(ctx, "Laptops")
	require.NoError(t, err)
	f.oracle.confidences = []float64{0.2}

	out := f.phase.ProcessCategory(ctx, c)
	require.Equal(t, harvest.OutcomeTransient, out.Kind)
	require.ErrorIs(t, out.Err, harvest.ErrGateRejected)
	counts, err := f.store.Counts(ctx)
	require.NoError(t, err)
	require.Zero(t, counts.Total)
}

func TestProcessCategoryMalformedPage(t *testing.T) {
	t.Parallel()

	f := newFixture(t)
	ctx := context.Background()
	c, _, err := f.reg.Append(ctx, "Laptops")
	require.NoError(t, err)
	f.page.Lists[testSelectors.Buyer] = []string{"only one"}

	out := f.phase.ProcessCategory(ctx, c)
	require.Equal(t, harvest.OutcomeTransient, out.Kind)
	require.ErrorIs(t, out.Err, ErrMalformedResults)
}

func TestRunRetriesAndPersists(t *testing.T) {
	t.Parallel()

	f := newFixture(t, "Laptops", "Printers")
	f.oracle.confidences = []float64{0.1}

	tally, err := f.phase.Run(context.Background())
	require.NoError(t, err)
	require.Equal(t, harvest.Tally{Processed: 2, Succeeded: 2, Retried: 1}, tally)

	cats, err := f.ledger.ReadAll(context.Background())
	require.NoError(t, err)
	require.Equal(t, []harvest.Category{{Seq: 1, Name: "Laptops"}, {Seq: 2, Name: "Printers"}}, cats)

	counts, err := f.store.Counts(context.Background())
	require.NoError(t, err)
	require.Equal(t, 2, counts.Total, "re-scraped rows must not duplicate")
}

func TestDateRange(t *testing.T) {
	t.Parallel()

	from, to := DateRange(time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC), 2, "02-01-2006")
	require.Equal(t, "27-02-2026", from)
	require.Equal(t, "01-03-2026", to)
}

package harvest

import (
	"context"
	"time"
)

// BrowserSession drives the single live browser tab shared by a phase.
// Implementations are not safe for concurrent use.
type BrowserSession interface {
	Navigate(ctx context.Context, url string) error
	Reset(ctx context.Context) error
	Fill(ctx context.Context, selector, text string) error
	SetValue(ctx context.Context, selector, value string) error
	Click(ctx context.Context, selector string) error
	ClickNth(ctx context.Context, selector string, index int) error
	ReadText(ctx context.Context, selector string) (string, error)
	ReadAllText(ctx context.Context, selector string) ([]string, error)
	ReadVisibleText(ctx context.Context, selector string) (string, bool, error)
	ReadAttribute(ctx context.Context, selector, name string) (string, error)
	WaitFor(ctx context.Context, selector string, timeout time.Duration) error
	Settle(ctx context.Context, timeout time.Duration) error
	Count(ctx context.Context, selector string) (int, error)
	ExpectDownload(ctx context.Context, trigger func(context.Context) error, timeout time.Duration) (string, error)
}

// CaptchaOracle solves a CAPTCHA image and reports its confidence in [0,1].
type CaptchaOracle interface {
	Solve(ctx context.Context, image []byte) (string, float64, error)
}

// ContractStore is the durable source of truth for contract progress.
type ContractStore interface {
	Migrate(ctx context.Context) error
	InsertContracts(ctx context.Context, records []ContractRecord) (int, error)
	SelectIncomplete(ctx context.Context) ([]ContractRecord, error)
	UpdateArtifactLink(ctx context.Context, bidNo, link string) error
	SelectUnenriched(ctx context.Context) ([]ContractRecord, error)
	UpdateSellerInfo(ctx context.Context, bidNo string, info SellerInfo) (bool, error)
	Counts(ctx context.Context) (Counts, error)
	Close() error
}

// CategoryLedger is the append-only flat record of discovered categories.
type CategoryLedger interface {
	ReadAll(ctx context.Context) ([]Category, error)
	Append(ctx context.Context, category Category) error
}

// DocumentExtractor pulls text and tables out of a downloaded artifact.
type DocumentExtractor interface {
	Extract(ctx context.Context, path string) (ExtractedDocument, error)
}

// ArtifactStore keeps downloaded artifacts named by bid number.
type ArtifactStore interface {
	Save(ctx context.Context, bidNo, tmpPath string) (string, error)
	LocalPath(bidNo string) string
}

// Publisher pushes records to a topic.
type Publisher interface {
	Publish(ctx context.Context, topic string, payload any) (string, error)
}

// Clock returns the current time (useful for testing).
type Clock interface {
	Now() time.Time
}

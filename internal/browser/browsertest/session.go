// Package browsertest provides a scriptable in-memory BrowserSession for tests.
package browsertest

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/JakeFAU/contract-harvester/internal/harvest"
)

// Session fakes a browser tab. Page state lives in exported maps that tests
// mutate directly or from the On* hooks.
type Session struct {
	mu sync.Mutex

	// Attributes is keyed by selector then attribute name.
	Attributes map[string]map[string]string
	// Lists backs ReadAllText, Count and ReadText (first element).
	Lists map[string][]string
	// Visible backs ReadVisibleText; absent selectors are hidden.
	Visible map[string]string
	// Present makes WaitFor succeed; Lists entries count as present too.
	Present map[string]bool
	// Fails injects an error for "<op> <selector>", e.g. "Click #go".
	Fails map[string]error

	OnNavigate func(s *Session, url string)
	OnClick    func(s *Session, selector string, index int)
	OnFill     func(s *Session, selector, text string)
	// OnDownload returns the temp path of the downloaded file.
	OnDownload func(s *Session) (string, error)

	Fills  map[string]string
	Values map[string]string
	Calls  []string
}

// New returns an empty page.
func New() *Session {
	return &Session{
		Attributes: make(map[string]map[string]string),
		Lists:      make(map[string][]string),
		Visible:    make(map[string]string),
		Present:    make(map[string]bool),
		Fails:      make(map[string]error),
		Fills:      make(map[string]string),
		Values:     make(map[string]string),
	}
}

var _ harvest.BrowserSession = (*Session)(nil)

// SetAttribute stores an attribute value for selector.
func (s *Session) SetAttribute(selector, name, value string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.Attributes[selector] == nil {
		s.Attributes[selector] = make(map[string]string)
	}
	s.Attributes[selector][name] = value
}

// CallLog returns a copy of the recorded calls.
func (s *Session) CallLog() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]string, len(s.Calls))
	copy(out, s.Calls)
	return out
}

func (s *Session) record(op, selector string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.Calls = append(s.Calls, op+" "+selector)
	if err := s.Fails[op+" "+selector]; err != nil {
		return err
	}
	return nil
}

// Navigate implements harvest.BrowserSession.
func (s *Session) Navigate(ctx context.Context, url string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if err := s.record("Navigate", url); err != nil {
		return err
	}
	if s.OnNavigate != nil {
		s.OnNavigate(s, url)
	}
	return nil
}

// Reset implements harvest.BrowserSession.
func (s *Session) Reset(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	return s.record("Reset", "")
}

// Fill implements harvest.BrowserSession.
func (s *Session) Fill(ctx context.Context, selector, text string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if err := s.record("Fill", selector); err != nil {
		return err
	}
	s.mu.Lock()
	s.Fills[selector] = text
	s.mu.Unlock()
	if s.OnFill != nil {
		s.OnFill(s, selector, text)
	}
	return nil
}

// SetValue implements harvest.BrowserSession.
func (s *Session) SetValue(ctx context.Context, selector, value string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if err := s.record("SetValue", selector); err != nil {
		return err
	}
	s.mu.Lock()
	s.Values[selector] = value
	s.mu.Unlock()
	return nil
}

// Click implements harvest.BrowserSession.
func (s *Session) Click(ctx context.Context, selector string) error {
	return s.ClickNth(ctx, selector, 0)
}

// ClickNth implements harvest.BrowserSession.
func (s *Session) ClickNth(ctx context.Context, selector string, index int) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if err := s.record("Click", selector); err != nil {
		return err
	}
	if s.OnClick != nil {
		s.OnClick(s, selector, index)
	}
	return nil
}

// ReadText implements harvest.BrowserSession.
func (s *Session) ReadText(ctx context.Context, selector string) (string, error) {
	items, err := s.ReadAllText(ctx, selector)
	if err != nil {
		return "", err
	}
	if len(items) == 0 {
		return "", fmt.Errorf("read %s: %w", selector, harvest.ErrNetwork)
	}
	return items[0], nil
}

// ReadAllText implements harvest.BrowserSession.
func (s *Session) ReadAllText(ctx context.Context, selector string) ([]string, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if err := s.record("Read", selector); err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]string, len(s.Lists[selector]))
	copy(out, s.Lists[selector])
	return out, nil
}

// ReadVisibleText implements harvest.BrowserSession.
func (s *Session) ReadVisibleText(ctx context.Context, selector string) (string, bool, error) {
	if err := ctx.Err(); err != nil {
		return "", false, err
	}
	if err := s.record("ReadVisible", selector); err != nil {
		return "", false, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	text, ok := s.Visible[selector]
	return text, ok, nil
}

// ReadAttribute implements harvest.BrowserSession.
func (s *Session) ReadAttribute(ctx context.Context, selector, name string) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	if err := s.record("Attr", selector); err != nil {
		return "", err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	val, ok := s.Attributes[selector][name]
	if !ok {
		return "", fmt.Errorf("attribute %s of %s: %w", name, selector, harvest.ErrNetwork)
	}
	return val, nil
}

// WaitFor implements harvest.BrowserSession.
func (s *Session) WaitFor(ctx context.Context, selector string, _ time.Duration) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if err := s.record("Wait", selector); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.Present[selector] || len(s.Lists[selector]) > 0 {
		return nil
	}
	if _, ok := s.Attributes[selector]; ok {
		return nil
	}
	return fmt.Errorf("wait for %s: %w", selector, harvest.ErrNetwork)
}

// Settle implements harvest.BrowserSession.
func (s *Session) Settle(ctx context.Context, _ time.Duration) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	return s.record("Settle", "")
}

// Count implements harvest.BrowserSession.
func (s *Session) Count(ctx context.Context, selector string) (int, error) {
	items, err := s.ReadAllText(ctx, selector)
	return len(items), err
}

// ExpectDownload implements harvest.BrowserSession.
func (s *Session) ExpectDownload(
	ctx context.Context,
	trigger func(context.Context) error,
	_ time.Duration,
) (string, error) {
	if err := trigger(ctx); err != nil {
		return "", err
	}
	if err := s.record("Download", ""); err != nil {
		return "", err
	}
	if s.OnDownload == nil {
		return "", fmt.Errorf("no download: %w", harvest.ErrNetwork)
	}
	return s.OnDownload(s)
}

package registry

import (
	"context"
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"

	"github.com/JakeFAU/contract-harvester/internal/harvest"
)

var ledgerHeader = []string{"si_no", "category_name"}

// FileLedger is the CSV-backed category ledger. Lines are only ever appended.
type FileLedger struct {
	mu   sync.Mutex
	path string
}

// NewFileLedger returns a ledger stored at path.
func NewFileLedger(path string) *FileLedger {
	return &FileLedger{path: path}
}

// ReadAll returns every category in file order. A missing file is an empty ledger.
func (l *FileLedger) ReadAll(ctx context.Context) ([]harvest.Category, error) {
	if err := ctx.Err(); err != nil {
		return nil, fmt.Errorf("read ledger: %w", err)
	}
	l.mu.Lock()
	defer l.mu.Unlock()

	f, err := os.Open(l.path)
	if errors.Is(err, fs.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("open ledger: %w", err)
	}
	defer f.Close() //nolint:errcheck // read-only handle

	r := csv.NewReader(f)
	r.FieldsPerRecord = -1
	r.TrimLeadingSpace = true

	var out []harvest.Category
	for line := 1; ; line++ {
		rec, err := r.Read()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("parse ledger line %d: %w", line, err)
		}
		if line == 1 && len(rec) > 0 && strings.EqualFold(strings.TrimSpace(rec[0]), ledgerHeader[0]) {
			continue
		}
		if len(rec) < 2 {
			continue
		}
		name := strings.TrimSpace(rec[1])
		if name == "" {
			continue
		}
		seq, err := strconv.Atoi(strings.TrimSpace(rec[0]))
		if err != nil {
			return nil, fmt.Errorf("parse ledger line %d sequence: %w", line, err)
		}
		out = append(out, harvest.Category{Seq: seq, Name: name})
	}
	return out, nil
}

// Append writes one line and flushes it to disk before returning.
func (l *FileLedger) Append(ctx context.Context, category harvest.Category) error {
	if err := ctx.Err(); err != nil {
		return fmt.Errorf("append ledger: %w", err)
	}
	l.mu.Lock()
	defer l.mu.Unlock()

	if dir := filepath.Dir(l.path); dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("create ledger dir: %w", err)
		}
	}
	f, err := os.OpenFile(l.path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		return fmt.Errorf("open ledger: %w", err)
	}
	defer f.Close() //nolint:errcheck // closed after sync

	info, err := f.Stat()
	if err != nil {
		return fmt.Errorf("stat ledger: %w", err)
	}
	w := csv.NewWriter(f)
	if info.Size() == 0 {
		if err := w.Write(ledgerHeader); err != nil {
			return fmt.Errorf("write ledger header: %w", err)
		}
	}
	if err := w.Write([]string{strconv.Itoa(category.Seq), category.Name}); err != nil {
		return fmt.Errorf("write ledger line: %w", err)
	}
	w.Flush()
	if err := w.Error(); err != nil {
		return fmt.Errorf("flush ledger: %w", err)
	}
	if err := f.Sync(); err != nil {
		return fmt.Errorf("sync ledger: %w", err)
	}
	return nil
}

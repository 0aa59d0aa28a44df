// Package pdftext reads the text and table cells out of contract PDFs.
package pdftext

import (
	"context"
	"fmt"
	"math"
	"path/filepath"
	"sort"
	"strings"
	"unicode"

	"github.com/ledongthuc/pdf"
	"go.uber.org/zap"

	"github.com/JakeFAU/contract-harvester/internal/harvest"
)

// Method names the extraction backend in intermediate records.
const Method = "ledongthuc/pdf"

// Config tunes cell detection.
type Config struct {
	// CellGap is the horizontal gap, in points, that separates two cells on
	// the same row.
	CellGap float64
	// MinCells is the number of cells a row needs to be treated as tabular.
	MinCells int
}

// Extractor implements harvest.DocumentExtractor.
type Extractor struct {
	cfg    Config
	logger *zap.Logger
}

// New builds an Extractor.
func New(cfg Config, logger *zap.Logger) *Extractor {
	if cfg.CellGap <= 0 {
		cfg.CellGap = 12
	}
	if cfg.MinCells <= 0 {
		cfg.MinCells = 2
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Extractor{cfg: cfg, logger: logger}
}

var _ harvest.DocumentExtractor = (*Extractor)(nil)

// Extract reads path. Text is cleaned of non-English lines; each page's
// multi-cell rows become one table.
func (e *Extractor) Extract(ctx context.Context, path string) (doc harvest.ExtractedDocument, err error) {
	// The parser panics on some malformed streams.
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("parse pdf %s: %v", path, r)
		}
	}()

	f, r, err := pdf.Open(path)
	if err != nil {
		return harvest.ExtractedDocument{}, fmt.Errorf("open pdf %s: %w", path, err)
	}
	defer f.Close() //nolint:errcheck // read-only handle

	doc = harvest.ExtractedDocument{SourceFile: filepath.Base(path), PageCount: r.NumPage()}
	var text strings.Builder
	fonts := make(map[string]*pdf.Font)
	for i := 1; i <= r.NumPage(); i++ {
		if err := ctx.Err(); err != nil {
			return harvest.ExtractedDocument{}, err
		}
		page := r.Page(i)
		if page.V.IsNull() {
			continue
		}
		for _, name := range page.Fonts() {
			if _, ok := fonts[name]; !ok {
				font := page.Font(name)
				fonts[name] = &font
			}
		}
		plain, err := page.GetPlainText(fonts)
		if err != nil {
			return harvest.ExtractedDocument{}, fmt.Errorf("read page %d text: %w", i, err)
		}
		if cleaned := CleanText(plain); cleaned != "" {
			text.WriteString(cleaned)
			text.WriteByte('\n')
		}

		rows, err := page.GetTextByRow()
		if err != nil {
			e.logger.Debug("row layout unavailable", zap.String("path", path), zap.Int("page", i), zap.Error(err))
			continue
		}
		if table := e.pageTable(rows); len(table) > 0 {
			doc.Tables = append(doc.Tables, table)
		}
	}
	doc.Text = strings.TrimSpace(text.String())
	return doc, nil
}

func (e *Extractor) pageTable(rows pdf.Rows) harvest.Table {
	var table harvest.Table
	for _, row := range rows {
		cells := GroupCells(row.Content, e.cfg.CellGap)
		if len(cells) < e.cfg.MinCells {
			continue
		}
		clean := make([]string, len(cells))
		nonEmpty := false
		for i, c := range cells {
			clean[i] = cleanCell(c)
			if clean[i] != "" {
				nonEmpty = true
			}
		}
		if nonEmpty {
			table = append(table, clean)
		}
	}
	return table
}

// GroupCells joins the text runs of one row into cells, starting a new cell
// whenever the horizontal gap to the previous run exceeds gap.
func GroupCells(runs []pdf.Text, gap float64) []string {
	if len(runs) == 0 {
		return nil
	}
	sorted := make([]pdf.Text, len(runs))
	copy(sorted, runs)
	sort.SliceStable(sorted, func(i, j int) bool { return sorted[i].X < sorted[j].X })

	var (
		cells []string
		cur   strings.Builder
		end   = math.Inf(-1)
	)
	for _, t := range sorted {
		if cur.Len() > 0 && t.X-end > gap {
			cells = append(cells, strings.TrimSpace(cur.String()))
			cur.Reset()
		}
		cur.WriteString(t.S)
		end = math.Max(end, t.X+t.W)
	}
	if cur.Len() > 0 {
		cells = append(cells, strings.TrimSpace(cur.String()))
	}
	return cells
}

// IsEnglish reports whether more than 70% of the word characters and spaces
// of s are ASCII letters, digits or spaces.
func IsEnglish(s string) bool {
	var ascii, total int
	for _, r := range s {
		if !(unicode.IsLetter(r) || unicode.IsDigit(r) || unicode.IsMark(r) || r == '_' || unicode.IsSpace(r)) {
			continue
		}
		total++
		if r < unicode.MaxASCII && (unicode.IsLetter(r) || unicode.IsDigit(r) || unicode.IsSpace(r)) {
			ascii++
		}
	}
	if strings.TrimSpace(s) == "" || total == 0 {
		return false
	}
	return float64(ascii)/float64(total) > 0.7
}

// CleanText drops lines that are not predominantly English, blanks the
// remaining non-ASCII runes and collapses whitespace within each line.
func CleanText(s string) string {
	var out []string
	for _, line := range strings.Split(s, "\n") {
		line = strings.TrimSpace(line)
		if line == "" || !IsEnglish(line) {
			continue
		}
		if clean := asciiOnly(line); clean != "" {
			out = append(out, clean)
		}
	}
	return strings.Join(out, "\n")
}

func cleanCell(s string) string {
	s = strings.TrimSpace(s)
	if s == "" || !IsEnglish(s) {
		return ""
	}
	return asciiOnly(s)
}

func asciiOnly(s string) string {
	s = strings.Map(func(r rune) rune {
		if r >= unicode.MaxASCII {
			return ' '
		}
		return r
	}, s)
	return strings.Join(strings.Fields(s), " ")
}

// Package extract turns the raw text and tables of a contract document into
// seller fields.
package extract

import (
	"path/filepath"
	"regexp"
	"strconv"
	"strings"
	"unicode"

	"github.com/JakeFAU/contract-harvester/internal/harvest"
)

// BidPrefix marks file stems that are usable as a bid number.
const BidPrefix = "GEMC-"

var token = regexp.MustCompile(`\S+`)

// CollapseDoubled undoes the extraction glitch that emits every character
// twice ("CCoommppaannyy" becomes "Company"). Only whitespace-separated tokens
// made entirely of identical pairs and containing a letter are touched, so
// ordinary text and numbers such as "1100" pass through unchanged.
func CollapseDoubled(s string) string {
	return token.ReplaceAllStringFunc(s, collapseToken)
}

func collapseToken(tok string) string {
	r := []rune(tok)
	if len(r) < 4 || len(r)%2 != 0 {
		return tok
	}
	letter := false
	for i := 0; i < len(r); i += 2 {
		if r[i] != r[i+1] {
			return tok
		}
		if unicode.IsLetter(r[i]) {
			letter = true
		}
	}
	if !letter {
		return tok
	}
	out := make([]rune, 0, len(r)/2)
	for i := 0; i < len(r); i += 2 {
		out = append(out, r[i])
	}
	return string(out)
}

// Label patterns are tried in order; the first match wins.
var (
	bidPatterns = []*regexp.Regexp{
		regexp.MustCompile(`(?i)Contract\s+No\s*:+\s*([A-Z0-9-]+)`),
		regexp.MustCompile(`(?i)Contract\s+Number\s*:+\s*([A-Z0-9-]+)`),
	}
	sellerIDPatterns = []*regexp.Regexp{
		regexp.MustCompile(`(?i)GeM\s+Seller\s+ID\s*:+\s*([A-Z0-9]+)`),
		regexp.MustCompile(`(?i)Seller\s+ID\s*:+\s*([A-Z0-9]+)`),
	}
	sellerNamePatterns = []*regexp.Regexp{
		regexp.MustCompile(`(?i)Company\s+Name\s*:+\s*([^\n]+)`),
		regexp.MustCompile(`(?i)Seller\s+Name\s*:+\s*([^\n]+)`),
		regexp.MustCompile(`(?i)Firm\s+Name\s*:+\s*([^\n]+)`),
	}
	emailPatterns = []*regexp.Regexp{
		regexp.MustCompile(`(?i)Email\s+ID\s*:+\s*([a-zA-Z0-9._%+-]+@[a-zA-Z0-9.-]+\.[a-zA-Z]{2,})`),
		regexp.MustCompile(`(?i)Email\s*:+\s*([a-zA-Z0-9._%+-]+@[a-zA-Z0-9.-]+\.[a-zA-Z]{2,})`),
	}
	plainNumber = regexp.MustCompile(`^[\d,]+\.?\d*$`)
	spaces      = regexp.MustCompile(`\s+`)
)

func firstMatch(text string, patterns []*regexp.Regexp) string {
	for _, p := range patterns {
		if m := p.FindStringSubmatch(text); m != nil {
			return strings.TrimSpace(m[1])
		}
	}
	return ""
}

// Normalize extracts the seller fields of doc. Fields that cannot be found are
// left empty.
func Normalize(doc harvest.ExtractedDocument) harvest.SellerInfo {
	text := CollapseDoubled(doc.Text)
	info := harvest.SellerInfo{
		BidNumber:   firstMatch(text, bidPatterns),
		SellerID:    firstMatch(text, sellerIDPatterns),
		SellerName:  spaces.ReplaceAllString(firstMatch(text, sellerNamePatterns), " "),
		SellerEmail: firstMatch(text, emailPatterns),
		UnitPrice:   UnitPrice(doc.Tables),
	}
	if info.BidNumber == "" {
		info.BidNumber = bidFromFile(doc.SourceFile)
	}
	return info
}

func bidFromFile(name string) string {
	if name == "" {
		return ""
	}
	stem := strings.TrimSuffix(filepath.Base(name), filepath.Ext(name))
	if strings.HasPrefix(stem, BidPrefix) {
		return stem
	}
	return ""
}

// headerKey lowercases a header cell and strips its whitespace after
// collapsing doubled characters.
func headerKey(cell string) string {
	return strings.ToLower(spaces.ReplaceAllString(CollapseDoubled(cell), ""))
}

func isPriceHeader(cell string) bool {
	key := headerKey(cell)
	return strings.Contains(key, "unitprice") ||
		(strings.Contains(key, "price") && !strings.Contains(key, "total"))
}

// UnitPrice finds the first price-like header across tables and returns the
// first positive plain number below it in the same column.
func UnitPrice(tables []harvest.Table) string {
	for _, table := range tables {
		row, col := findPriceHeader(table)
		if col < 0 {
			continue
		}
		for _, cells := range table[row+1:] {
			if col >= len(cells) {
				continue
			}
			cell := strings.TrimSpace(cells[col])
			if !plainNumber.MatchString(cell) {
				continue
			}
			v, err := strconv.ParseFloat(strings.ReplaceAll(cell, ",", ""), 64)
			if err == nil && v > 0 {
				return cell
			}
		}
	}
	return ""
}

func findPriceHeader(table harvest.Table) (int, int) {
	for r, cells := range table {
		for c, cell := range cells {
			if strings.TrimSpace(cell) != "" && isPriceHeader(cell) {
				return r, c
			}
		}
	}
	return -1, -1
}

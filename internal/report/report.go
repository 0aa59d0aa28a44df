// Package report exports extracted seller fields for operators.
package report

import (
	"encoding/csv"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/xuri/excelize/v2"

	"github.com/JakeFAU/contract-harvester/internal/harvest"
)

// Header is the column order of every report.
var Header = []string{"bid_no", "seller_id", "seller_name", "seller_email", "unit_price"}

const sheet = "sellers"

// Write saves infos to path as XLSX when the extension is .xlsx and as CSV
// otherwise.
func Write(path string, infos []harvest.SellerInfo) error {
	if dir := filepath.Dir(path); dir != "" {
		if err := os.MkdirAll(dir, 0o750); err != nil {
			return fmt.Errorf("create report dir: %w", err)
		}
	}
	if strings.EqualFold(filepath.Ext(path), ".xlsx") {
		return writeXLSX(path, infos)
	}
	return writeCSV(path, infos)
}

func row(info harvest.SellerInfo) []string {
	return []string{info.BidNumber, info.SellerID, info.SellerName, info.SellerEmail, info.UnitPrice}
}

func writeCSV(path string, infos []harvest.SellerInfo) error {
	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("create report: %w", err)
	}
	w := csv.NewWriter(f)
	if err := w.Write(Header); err != nil {
		_ = f.Close()
		return fmt.Errorf("write report header: %w", err)
	}
	for _, info := range infos {
		if err := w.Write(row(info)); err != nil {
			_ = f.Close()
			return fmt.Errorf("write report row %s: %w", info.BidNumber, err)
		}
	}
	w.Flush()
	if err := w.Error(); err != nil {
		_ = f.Close()
		return fmt.Errorf("flush report: %w", err)
	}
	return f.Close()
}

func writeXLSX(path string, infos []harvest.SellerInfo) error {
	f := excelize.NewFile()
	defer f.Close() //nolint:errcheck // SaveAs reports write errors

	if err := f.SetSheetName("Sheet1", sheet); err != nil {
		return fmt.Errorf("name sheet: %w", err)
	}
	if err := setRow(f, 1, Header); err != nil {
		return err
	}
	for i, info := range infos {
		if err := setRow(f, i+2, row(info)); err != nil {
			return err
		}
	}
	if err := f.SaveAs(path); err != nil {
		return fmt.Errorf("save report: %w", err)
	}
	return nil
}

func setRow(f *excelize.File, n int, values []string) error {
	cell, err := excelize.CoordinatesToCellName(1, n)
	if err != nil {
		return fmt.Errorf("resolve row %d: %w", n, err)
	}
	vals := make([]interface{}, len(values))
	for i, v := range values {
		vals[i] = v
	}
	if err := f.SetSheetRow(sheet, cell, &vals); err != nil {
		return fmt.Errorf("write row %d: %w", n, err)
	}
	return nil
}

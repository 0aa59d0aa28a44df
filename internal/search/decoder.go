package search

import (
	"fmt"
	"strings"

	"github.com/JakeFAU/contract-harvester/internal/harvest"
)

// ResultPage holds the raw text of every result-card field list, in DOM order.
type ResultPage struct {
	BidNumbers    []string
	ItemTitles    []string
	Quantities    []string
	TotalValues   []string
	Buyers        []string
	BuyingModes   []string
	ContractDates []string
	OrderStatuses []string
}

// RowDecoder turns a scraped result page into contract records.
// All knowledge of how the portal lays out its cards lives behind it.
type RowDecoder interface {
	Decode(category harvest.Category, page ResultPage) ([]harvest.ContractRecord, error)
}

// ErrMalformedResults marks a page whose field lists do not line up.
var ErrMalformedResults = fmt.Errorf("malformed result page: %w", harvest.ErrNetwork)

// PositionalDecoder decodes the card layout where each row contributes a fixed
// number of nodes to every field list:
//
//	item title   3 per row: product, brand, model
//	total value  2 per row: total first, then unit price
//	buyer        3 per row: department/org, organisation, designation
//	buying mode  4 per row: state, department, office zone, mode
//
// Bid number, quantity, contract date and order status have one node per row.
type PositionalDecoder struct{}

// Decode implements RowDecoder.
func (PositionalDecoder) Decode(category harvest.Category, page ResultPage) ([]harvest.ContractRecord, error) {
	rows := len(page.BidNumbers)
	out := make([]harvest.ContractRecord, 0, rows)
	for i := 0; i < rows; i++ {
		f := fields{row: i}
		rec := harvest.ContractRecord{
			Seq:              i + 1,
			CategoryName:     category.Name,
			BidNumber:        f.at("bid", page.BidNumbers, i),
			Product:          f.at("item", page.ItemTitles, i*3),
			Brand:            f.at("item", page.ItemTitles, i*3+1),
			Model:            f.at("item", page.ItemTitles, i*3+2),
			Quantity:         f.at("quantity", page.Quantities, i),
			Price:            f.at("value", page.TotalValues, i*2+1),
			TotalValue:       f.at("value", page.TotalValues, i*2),
			BuyerDeptOrg:     f.at("buyer", page.Buyers, i*3),
			OrganizationName: f.at("buyer", page.Buyers, i*3+1),
			BuyerDesignation: f.at("buyer", page.Buyers, i*3+2),
			State:            f.at("mode", page.BuyingModes, i*4),
			BuyerDepartment:  f.at("mode", page.BuyingModes, i*4+1),
			OfficeZone:       f.at("mode", page.BuyingModes, i*4+2),
			BuyingMode:       f.at("mode", page.BuyingModes, i*4+3),
			ContractDate:     f.at("date", page.ContractDates, i),
			OrderStatus:      f.at("status", page.OrderStatuses, i),
		}
		if f.err != nil {
			return nil, f.err
		}
		if rec.BidNumber == "" {
			return nil, fmt.Errorf("row %d has empty bid number: %w", i, ErrMalformedResults)
		}
		out = append(out, rec)
	}
	return out, nil
}

// fields records the first out-of-range lookup of a row.
type fields struct {
	row int
	err error
}

func (f *fields) at(name string, list []string, idx int) string {
	if idx < len(list) {
		return strings.TrimSpace(list[idx])
	}
	if f.err == nil {
		f.err = fmt.Errorf("row %d: %s node %d of %d: %w", f.row, name, idx, len(list), ErrMalformedResults)
	}
	return ""
}

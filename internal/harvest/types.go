// Package harvest defines the core types shared across the contract harvesting phases.
package harvest

import "strings"

// Category is one entry of the append-only category ledger.
type Category struct {
	Seq  int    `json:"si_no"`
	Name string `json:"category_name"`
}

// ContractRecord is one row scraped from a search result card.
// ArtifactLink is nil until Phase 2 downloads the contract document.
// The seller fields stay nil until Phase 3 has processed the document.
type ContractRecord struct {
	ID               int64   `json:"id"`
	Seq              int     `json:"serial_no"`
	CategoryName     string  `json:"category_name"`
	BidNumber        string  `json:"bid_no"`
	Product          string  `json:"product"`
	Brand            string  `json:"brand"`
	Model            string  `json:"model"`
	Quantity         string  `json:"ordered_quantity"`
	Price            string  `json:"price"`
	TotalValue       string  `json:"total_value"`
	BuyerDeptOrg     string  `json:"buyer_dept_org"`
	OrganizationName string  `json:"organization_name"`
	BuyerDesignation string  `json:"buyer_designation"`
	State            string  `json:"state"`
	BuyerDepartment  string  `json:"buyer_department"`
	OfficeZone       string  `json:"office_zone"`
	BuyingMode       string  `json:"buying_mode"`
	ContractDate     string  `json:"contract_date"`
	OrderStatus      string  `json:"order_status"`
	ArtifactLink     *string `json:"download_link,omitempty"`
	SellerID         *string `json:"seller_id,omitempty"`
	SellerName       *string `json:"seller_name,omitempty"`
	SellerEmail      *string `json:"seller_email,omitempty"`
	UnitPrice        *string `json:"unit_price,omitempty"`
}

// Incomplete reports whether the record still waits for its artifact.
func (r ContractRecord) Incomplete() bool {
	return r.ArtifactLink == nil
}

// Unenriched reports whether no seller field has been written yet.
func (r ContractRecord) Unenriched() bool {
	return r.SellerID == nil && r.SellerName == nil && r.SellerEmail == nil && r.UnitPrice == nil
}

// SellerInfo holds the fields recovered from a contract document.
// An empty string means the field was not found.
type SellerInfo struct {
	BidNumber   string `json:"bid_no"`
	SellerID    string `json:"seller_id"`
	SellerName  string `json:"seller_name"`
	SellerEmail string `json:"seller_email"`
	UnitPrice   string `json:"unit_price"`
}

// Found reports whether at least one seller field was recovered.
func (s SellerInfo) Found() bool {
	return s.SellerID != "" || s.SellerName != "" || s.SellerEmail != "" || s.UnitPrice != ""
}

// Table is one extracted table as rows of cells.
type Table [][]string

// ExtractedDocument is the raw text and tables pulled out of one artifact.
type ExtractedDocument struct {
	SourceFile string  `json:"source_file"`
	Text       string  `json:"text_content"`
	Tables     []Table `json:"tables"`
	PageCount  int     `json:"total_pages"`
}

// Counts summarises store progress for operators.
type Counts struct {
	Total      int `json:"total"`
	Incomplete int `json:"incomplete"`
	Unenriched int `json:"unenriched"`
}

// Tally is the per-phase report of item outcomes.
type Tally struct {
	Processed int `json:"processed"`
	Succeeded int `json:"succeeded"`
	Abandoned int `json:"abandoned"`
	Retried   int `json:"retried"`
}

// Add accumulates another tally into t.
func (t *Tally) Add(other Tally) {
	t.Processed += other.Processed
	t.Succeeded += other.Succeeded
	t.Abandoned += other.Abandoned
	t.Retried += other.Retried
}

// SanitizeFileStem turns a bid number into a safe file name stem.
func SanitizeFileStem(bidNo string) string {
	stem := strings.TrimSpace(bidNo)
	replacer := strings.NewReplacer("/", "_", "\\", "_", ":", "_", " ", "_", "..", "_")
	stem = replacer.Replace(stem)
	if stem == "" {
		return "unknown"
	}
	return stem
}

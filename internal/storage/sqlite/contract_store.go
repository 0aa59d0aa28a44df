// Package sqlite provides a single-file contract store for one-machine runs.
package sqlite

import (
	"context"
	"database/sql"
	"strings"

	"github.com/rotisserie/eris"
	_ "modernc.org/sqlite" // registers the "sqlite" driver

	"github.com/JakeFAU/contract-harvester/internal/harvest"
)

// ContractStore implements harvest.ContractStore using modernc.org/sqlite.
type ContractStore struct {
	db *sql.DB
}

var _ harvest.ContractStore = (*ContractStore)(nil)

// connPragmas are applied by the driver to every pooled connection.
var connPragmas = []string{
	"busy_timeout(5000)",
	"journal_mode(WAL)",
	"synchronous(NORMAL)",
}

// New opens the database at dsn and configures WAL mode on every connection.
func New(dsn string) (*ContractStore, error) {
	db, err := sql.Open("sqlite", withPragmas(dsn))
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: open")
	}
	if err := db.Ping(); err != nil {
		db.Close() //nolint:errcheck
		return nil, eris.Wrap(err, "sqlite: ping")
	}
	return &ContractStore{db: db}, nil
}

// withPragmas appends _pragma parameters unless dsn already sets them.
func withPragmas(dsn string) string {
	if strings.Contains(dsn, "_pragma=") {
		return dsn
	}
	params := make([]string, 0, len(connPragmas))
	for _, p := range connPragmas {
		params = append(params, "_pragma="+p)
	}
	sep := "?"
	if strings.Contains(dsn, "?") {
		sep = "&"
	}
	return dsn + sep + strings.Join(params, "&")
}

const migration = `
CREATE TABLE IF NOT EXISTS contracts (
	id                INTEGER PRIMARY KEY AUTOINCREMENT,
	serial_no         INTEGER NOT NULL DEFAULT 0,
	category_name     TEXT NOT NULL DEFAULT '',
	bid_no            TEXT NOT NULL UNIQUE,
	product           TEXT NOT NULL DEFAULT '',
	brand             TEXT NOT NULL DEFAULT '',
	model             TEXT NOT NULL DEFAULT '',
	ordered_quantity  TEXT NOT NULL DEFAULT '',
	price             TEXT NOT NULL DEFAULT '',
	total_value       TEXT NOT NULL DEFAULT '',
	buyer_dept_org    TEXT NOT NULL DEFAULT '',
	organization_name TEXT NOT NULL DEFAULT '',
	buyer_designation TEXT NOT NULL DEFAULT '',
	state             TEXT NOT NULL DEFAULT '',
	buyer_department  TEXT NOT NULL DEFAULT '',
	office_zone       TEXT NOT NULL DEFAULT '',
	buying_mode       TEXT NOT NULL DEFAULT '',
	contract_date     TEXT NOT NULL DEFAULT '',
	order_status      TEXT NOT NULL DEFAULT '',
	download_link     TEXT,
	seller_id         TEXT,
	seller_name       TEXT,
	seller_email      TEXT,
	unit_price        TEXT,
	created_at        DATETIME NOT NULL DEFAULT (datetime('now'))
);

CREATE INDEX IF NOT EXISTS idx_contracts_download_link ON contracts(download_link);
`

// Migrate creates the schema when absent.
func (s *ContractStore) Migrate(ctx context.Context) error {
	if _, err := s.db.ExecContext(ctx, migration); err != nil {
		return eris.Wrapf(harvest.ErrFatalSetup, "sqlite: migrate: %v", err)
	}
	return nil
}

// Close closes the database.
func (s *ContractStore) Close() error {
	return eris.Wrap(s.db.Close(), "sqlite: close")
}

// InsertContracts inserts rows with unseen bid numbers in one transaction.
func (s *ContractStore) InsertContracts(ctx context.Context, records []harvest.ContractRecord) (int, error) {
	if len(records) == 0 {
		return 0, nil
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, eris.Wrap(err, "sqlite: begin insert")
	}
	defer tx.Rollback() //nolint:errcheck

	stmt, err := tx.PrepareContext(ctx, `
INSERT INTO contracts (
	serial_no, category_name, bid_no, product, brand, model, ordered_quantity,
	price, total_value, buyer_dept_org, organization_name, buyer_designation,
	state, buyer_department, office_zone, buying_mode, contract_date,
	order_status, download_link
) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
ON CONFLICT(bid_no) DO NOTHING`)
	if err != nil {
		return 0, eris.Wrap(err, "sqlite: prepare insert")
	}
	defer stmt.Close() //nolint:errcheck

	inserted := 0
	for _, r := range records {
		res, err := stmt.ExecContext(ctx,
			r.Seq, r.CategoryName, r.BidNumber, r.Product, r.Brand, r.Model, r.Quantity,
			r.Price, r.TotalValue, r.BuyerDeptOrg, r.OrganizationName, r.BuyerDesignation,
			r.State, r.BuyerDepartment, r.OfficeZone, r.BuyingMode, r.ContractDate,
			r.OrderStatus, r.ArtifactLink,
		)
		if err != nil {
			return 0, eris.Wrapf(err, "sqlite: insert contract %s", r.BidNumber)
		}
		n, err := res.RowsAffected()
		if err != nil {
			return 0, eris.Wrap(err, "sqlite: rows affected")
		}
		inserted += int(n)
	}
	if err := tx.Commit(); err != nil {
		return 0, eris.Wrap(err, "sqlite: commit insert")
	}
	return inserted, nil
}

const unenriched = "seller_id IS NULL AND seller_name IS NULL AND seller_email IS NULL AND unit_price IS NULL"

// SelectIncomplete returns rows without an artifact link.
func (s *ContractStore) SelectIncomplete(ctx context.Context) ([]harvest.ContractRecord, error) {
	return s.selectWhere(ctx, "download_link IS NULL")
}

// SelectUnenriched returns downloaded rows with no seller field set.
func (s *ContractStore) SelectUnenriched(ctx context.Context) ([]harvest.ContractRecord, error) {
	return s.selectWhere(ctx, "download_link IS NOT NULL AND "+unenriched)
}

func (s *ContractStore) selectWhere(ctx context.Context, where string) ([]harvest.ContractRecord, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT id, serial_no, category_name, bid_no, product, brand, model,
	ordered_quantity, price, total_value, buyer_dept_org, organization_name,
	buyer_designation, state, buyer_department, office_zone, buying_mode,
	contract_date, order_status, download_link, seller_id, seller_name,
	seller_email, unit_price
FROM contracts WHERE `+where+` ORDER BY id`)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: query contracts")
	}
	defer rows.Close() //nolint:errcheck

	var out []harvest.ContractRecord
	for rows.Next() {
		var r harvest.ContractRecord
		if err := rows.Scan(
			&r.ID, &r.Seq, &r.CategoryName, &r.BidNumber, &r.Product, &r.Brand, &r.Model,
			&r.Quantity, &r.Price, &r.TotalValue, &r.BuyerDeptOrg, &r.OrganizationName,
			&r.BuyerDesignation, &r.State, &r.BuyerDepartment, &r.OfficeZone, &r.BuyingMode,
			&r.ContractDate, &r.OrderStatus, &r.ArtifactLink, &r.SellerID, &r.SellerName,
			&r.SellerEmail, &r.UnitPrice,
		); err != nil {
			return nil, eris.Wrap(err, "sqlite: scan contract")
		}
		out = append(out, r)
	}
	return out, eris.Wrap(rows.Err(), "sqlite: iterate contracts")
}

// UpdateArtifactLink records where the artifact for bidNo lives.
func (s *ContractStore) UpdateArtifactLink(ctx context.Context, bidNo, link string) error {
	res, err := s.db.ExecContext(ctx, `UPDATE contracts SET download_link = ? WHERE bid_no = ?`, link, bidNo)
	if err != nil {
		return eris.Wrapf(err, "sqlite: update artifact link %s", bidNo)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return eris.Wrap(err, "sqlite: rows affected")
	}
	if n == 0 {
		return eris.Wrapf(harvest.ErrNotFound, "sqlite: update artifact link %s", bidNo)
	}
	return nil
}

// UpdateSellerInfo writes the seller fields for bidNo.
func (s *ContractStore) UpdateSellerInfo(ctx context.Context, bidNo string, info harvest.SellerInfo) (bool, error) {
	res, err := s.db.ExecContext(ctx,
		`UPDATE contracts SET seller_id = ?, seller_name = ?, seller_email = ?, unit_price = ? WHERE bid_no = ?`,
		info.SellerID, info.SellerName, info.SellerEmail, info.UnitPrice, strings.TrimSpace(bidNo),
	)
	if err != nil {
		return false, eris.Wrapf(err, "sqlite: update seller info %s", bidNo)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, eris.Wrap(err, "sqlite: rows affected")
	}
	return n > 0, nil
}

// Counts summarises progress.
func (s *ContractStore) Counts(ctx context.Context) (harvest.Counts, error) {
	var c harvest.Counts
	err := s.db.QueryRowContext(ctx, `SELECT
	COUNT(*),
	COALESCE(SUM(CASE WHEN download_link IS NULL THEN 1 ELSE 0 END), 0),
	COALESCE(SUM(CASE WHEN download_link IS NOT NULL AND `+unenriched+` THEN 1 ELSE 0 END), 0)
FROM contracts`).Scan(&c.Total, &c.Incomplete, &c.Unenriched)
	if err != nil {
		return harvest.Counts{}, eris.Wrap(err, "sqlite: count contracts")
	}
	return c, nil
}

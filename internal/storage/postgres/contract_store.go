// Package postgres provides the Postgres-backed contract store.
package postgres

import (
	"context"
	"errors"
	"fmt"
	"regexp"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/JakeFAU/contract-harvester/internal/harvest"
)

var validTableName = regexp.MustCompile(`^[a-zA-Z_][a-zA-Z0-9_]*$`)

// Config controls the Postgres connection pool.
type Config struct {
	DSN             string
	Table           string
	MaxConns        int32
	MinConns        int32
	MaxConnLifetime time.Duration
}

type pool interface {
	Exec(context.Context, string, ...any) (pgconn.CommandTag, error)
	Query(context.Context, string, ...any) (pgx.Rows, error)
	QueryRow(context.Context, string, ...any) pgx.Row
	Begin(context.Context) (pgx.Tx, error)
	Close()
}

// ContractStore keeps contract rows in Postgres.
type ContractStore struct {
	pool  pool
	table string
}

var _ harvest.ContractStore = (*ContractStore)(nil)

// New connects a pool and verifies the server is reachable.
func New(ctx context.Context, cfg Config) (*ContractStore, error) {
	if cfg.DSN == "" {
		return nil, fmt.Errorf("store.dsn is required: %w", harvest.ErrFatalSetup)
	}
	poolCfg, err := pgxpool.ParseConfig(cfg.DSN)
	if err != nil {
		return nil, fmt.Errorf("parse postgres dsn: %w: %w", harvest.ErrFatalSetup, err)
	}
	if cfg.MaxConns > 0 {
		poolCfg.MaxConns = cfg.MaxConns
	}
	if cfg.MinConns > 0 {
		poolCfg.MinConns = cfg.MinConns
	}
	if cfg.MaxConnLifetime > 0 {
		poolCfg.MaxConnLifetime = cfg.MaxConnLifetime
	}
	p, err := pgxpool.NewWithConfig(ctx, poolCfg)
	if err != nil {
		return nil, fmt.Errorf("connect postgres: %w: %w", harvest.ErrFatalSetup, err)
	}
	if err := p.Ping(ctx); err != nil {
		p.Close()
		return nil, fmt.Errorf("ping postgres: %w: %w", harvest.ErrFatalSetup, err)
	}
	return NewWithPool(p, cfg.Table)
}

// NewWithPool constructs a store from an existing pool (primarily for testing).
func NewWithPool(p pool, table string) (*ContractStore, error) {
	if p == nil {
		return nil, fmt.Errorf("pool is required")
	}
	if table == "" {
		table = "contracts"
	}
	if !validTableName.MatchString(table) {
		return nil, fmt.Errorf("invalid table name %q", table)
	}
	return &ContractStore{pool: p, table: table}, nil
}

// Close releases the pool.
func (s *ContractStore) Close() error {
	s.pool.Close()
	return nil
}

// Migrate creates the table when it does not exist.
func (s *ContractStore) Migrate(ctx context.Context) error {
	ddl := fmt.Sprintf(`
CREATE TABLE IF NOT EXISTS %s (
	id BIGSERIAL PRIMARY KEY,
	serial_no INTEGER NOT NULL DEFAULT 0,
	category_name TEXT NOT NULL DEFAULT '',
	bid_no TEXT NOT NULL UNIQUE,
	product TEXT NOT NULL DEFAULT '',
	brand TEXT NOT NULL DEFAULT '',
	model TEXT NOT NULL DEFAULT '',
	ordered_quantity TEXT NOT NULL DEFAULT '',
	price TEXT NOT NULL DEFAULT '',
	total_value TEXT NOT NULL DEFAULT '',
	buyer_dept_org TEXT NOT NULL DEFAULT '',
	organization_name TEXT NOT NULL DEFAULT '',
	buyer_designation TEXT NOT NULL DEFAULT '',
	state TEXT NOT NULL DEFAULT '',
	buyer_department TEXT NOT NULL DEFAULT '',
	office_zone TEXT NOT NULL DEFAULT '',
	buying_mode TEXT NOT NULL DEFAULT '',
	contract_date TEXT NOT NULL DEFAULT '',
	order_status TEXT NOT NULL DEFAULT '',
	download_link TEXT,
	seller_id TEXT,
	seller_name TEXT,
	seller_email TEXT,
	unit_price TEXT,
	created_at TIMESTAMPTZ NOT NULL DEFAULT now()
)`, s.table)
	if _, err := s.pool.Exec(ctx, ddl); err != nil {
		return fmt.Errorf("migrate %s: %w: %w", s.table, harvest.ErrFatalSetup, err)
	}
	return nil
}

const recordColumns = `id, serial_no, category_name, bid_no, product, brand, model,
	ordered_quantity, price, total_value, buyer_dept_org, organization_name,
	buyer_designation, state, buyer_department, office_zone, buying_mode,
	contract_date, order_status, download_link, seller_id, seller_name,
	seller_email, unit_price`

// InsertContracts inserts every record whose bid number is new, in one
// transaction, and returns how many rows were added.
func (s *ContractStore) InsertContracts(ctx context.Context, records []harvest.ContractRecord) (int, error) {
	if len(records) == 0 {
		return 0, nil
	}
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return 0, fmt.Errorf("begin insert: %w", err)
	}
	defer tx.Rollback(ctx) //nolint:errcheck // no-op after commit

	query := fmt.Sprintf(`
INSERT INTO %s (
	serial_no, category_name, bid_no, product, brand, model, ordered_quantity,
	price, total_value, buyer_dept_org, organization_name, buyer_designation,
	state, buyer_department, office_zone, buying_mode, contract_date,
	order_status, download_link
) VALUES (
	$1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$15,$16,$17,$18,$19
) ON CONFLICT (bid_no) DO NOTHING`, s.table)

	inserted := 0
	for _, r := range records {
		tag, err := tx.Exec(ctx, query,
			r.Seq, r.CategoryName, r.BidNumber, r.Product, r.Brand, r.Model, r.Quantity,
			r.Price, r.TotalValue, r.BuyerDeptOrg, r.OrganizationName, r.BuyerDesignation,
			r.State, r.BuyerDepartment, r.OfficeZone, r.BuyingMode, r.ContractDate,
			r.OrderStatus, r.ArtifactLink,
		)
		if err != nil {
			return 0, fmt.Errorf("insert contract %s: %w", r.BidNumber, err)
		}
		inserted += int(tag.RowsAffected())
	}
	if err := tx.Commit(ctx); err != nil {
		return 0, fmt.Errorf("commit insert: %w", err)
	}
	return inserted, nil
}

// SelectIncomplete returns rows without an artifact link, oldest first.
func (s *ContractStore) SelectIncomplete(ctx context.Context) ([]harvest.ContractRecord, error) {
	return s.selectWhere(ctx, "download_link IS NULL")
}

// SelectUnenriched returns downloaded rows without any seller field.
func (s *ContractStore) SelectUnenriched(ctx context.Context) ([]harvest.ContractRecord, error) {
	return s.selectWhere(ctx, "download_link IS NOT NULL AND "+unenrichedClause)
}

const unenrichedClause = "seller_id IS NULL AND seller_name IS NULL AND seller_email IS NULL AND unit_price IS NULL"

func (s *ContractStore) selectWhere(ctx context.Context, where string) ([]harvest.ContractRecord, error) {
	query := fmt.Sprintf("SELECT %s FROM %s WHERE %s ORDER BY id", recordColumns, s.table, where)
	rows, err := s.pool.Query(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("query contracts: %w", err)
	}
	recs, err := pgx.CollectRows(rows, scanRecord)
	if err != nil {
		return nil, fmt.Errorf("scan contracts: %w", err)
	}
	return recs, nil
}

func scanRecord(row pgx.CollectableRow) (harvest.ContractRecord, error) {
	var r harvest.ContractRecord
	err := row.Scan(
		&r.ID, &r.Seq, &r.CategoryName, &r.BidNumber, &r.Product, &r.Brand, &r.Model,
		&r.Quantity, &r.Price, &r.TotalValue, &r.BuyerDeptOrg, &r.OrganizationName,
		&r.BuyerDesignation, &r.State, &r.BuyerDepartment, &r.OfficeZone, &r.BuyingMode,
		&r.ContractDate, &r.OrderStatus, &r.ArtifactLink, &r.SellerID, &r.SellerName,
		&r.SellerEmail, &r.UnitPrice,
	)
	return r, err
}

// UpdateArtifactLink records the artifact location for bidNo.
func (s *ContractStore) UpdateArtifactLink(ctx context.Context, bidNo, link string) error {
	query := fmt.Sprintf("UPDATE %s SET download_link = $1 WHERE bid_no = $2", s.table)
	tag, err := s.pool.Exec(ctx, query, link, bidNo)
	if err != nil {
		return fmt.Errorf("update artifact link %s: %w", bidNo, err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("update artifact link %s: %w", bidNo, harvest.ErrNotFound)
	}
	return nil
}

// UpdateSellerInfo writes seller fields for bidNo and reports whether a row matched.
func (s *ContractStore) UpdateSellerInfo(ctx context.Context, bidNo string, info harvest.SellerInfo) (bool, error) {
	query := fmt.Sprintf(`UPDATE %s
SET seller_id = $1, seller_name = $2, seller_email = $3, unit_price = $4
WHERE bid_no = $5`, s.table)
	tag, err := s.pool.Exec(ctx, query,
		info.SellerID, info.SellerName, info.SellerEmail, info.UnitPrice, strings.TrimSpace(bidNo))
	if err != nil {
		return false, fmt.Errorf("update seller info %s: %w", bidNo, err)
	}
	return tag.RowsAffected() > 0, nil
}

// Counts summarises progress in a single scan.
func (s *ContractStore) Counts(ctx context.Context) (harvest.Counts, error) {
	query := fmt.Sprintf(`SELECT
	count(*),
	count(*) FILTER (WHERE download_link IS NULL),
	count(*) FILTER (WHERE download_link IS NOT NULL AND %s)
FROM %s`, unenrichedClause, s.table)
	var total, incomplete, unenriched int64
	if err := s.pool.QueryRow(ctx, query).Scan(&total, &incomplete, &unenriched); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return harvest.Counts{}, nil
		}
		return harvest.Counts{}, fmt.Errorf("count contracts: %w", err)
	}
	return harvest.Counts{Total: int(total), Incomplete: int(incomplete), Unenriched: int(unenriched)}, nil
}

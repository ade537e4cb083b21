// Package postgres provides the Postgres-backed listing sink.
package postgres

import (
	"context"
	"fmt"
	"regexp"
	"time"

	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgtype"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shopspring/decimal"

	"github.com/JakeFAU/sold-listings-crawler/internal/crawler"
)

// DefaultTable is used when no table name is configured.
const DefaultTable = "listing_records"

var validTableName = regexp.MustCompile(`^[a-zA-Z_][a-zA-Z0-9_]*$`)

// Config controls the Postgres connection pool used for listing rows.
type Config struct {
	DSN             string
	Table           string
	MaxConns        int32
	MinConns        int32
	MaxConnLifetime time.Duration
	CreateTable     bool
}

type execCloser interface {
	Exec(context.Context, string, ...any) (pgconn.CommandTag, error)
	Close()
}

// ListingStore writes listing rows into Postgres. The primary key on item_id decides duplicates.
type ListingStore struct {
	pool  execCloser
	table string
}

// NewListingStore connects to Postgres and, when cfg.CreateTable is set, ensures the table exists.
func NewListingStore(ctx context.Context, cfg Config) (*ListingStore, error) {
	if cfg.DSN == "" {
		return nil, fmt.Errorf("sink.postgres.dsn is required")
	}
	table, err := tableName(cfg.Table)
	if err != nil {
		return nil, err
	}
	poolCfg, err := pgxpool.ParseConfig(cfg.DSN)
	if err != nil {
		return nil, fmt.Errorf("parse postgres dsn: %w", err)
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
	pool, err := pgxpool.NewWithConfig(ctx, poolCfg)
	if err != nil {
		return nil, fmt.Errorf("connect postgres: %w", err)
	}
	store := &ListingStore{pool: pool, table: table}
	if cfg.CreateTable {
		if err := store.EnsureSchema(ctx); err != nil {
			pool.Close()
			return nil, err
		}
	}
	return store, nil
}

// NewListingStoreWithPool constructs a store from an existing pool (primarily for testing).
func NewListingStoreWithPool(pool execCloser, table string) (*ListingStore, error) {
	if pool == nil {
		return nil, fmt.Errorf("pool is required")
	}
	name, err := tableName(table)
	if err != nil {
		return nil, err
	}
	return &ListingStore{pool: pool, table: name}, nil
}

func tableName(table string) (string, error) {
	if table == "" {
		table = DefaultTable
	}
	if !validTableName.MatchString(table) {
		return "", fmt.Errorf("invalid table name %q", table)
	}
	return table, nil
}

// EnsureSchema creates the listing table if it does not exist.
func (s *ListingStore) EnsureSchema(ctx context.Context) error {
	query := fmt.Sprintf(`
CREATE TABLE IF NOT EXISTS %s (
	item_id                 TEXT PRIMARY KEY,
	item_url                TEXT NOT NULL,
	image_url               TEXT,
	title                   TEXT NOT NULL,
	condition               TEXT,
	date_sold               DATE,
	price                   NUMERIC(12,2) NOT NULL,
	currency                CHAR(3) NOT NULL,
	shipping_cost           NUMERIC(12,2),
	shipping_location       TEXT,
	best_offer              BOOLEAN NOT NULL DEFAULT FALSE,
	seller_name             TEXT,
	seller_feedback_score   INTEGER,
	seller_feedback_percent NUMERIC(5,2),
	created_at              TIMESTAMPTZ NOT NULL DEFAULT now()
)`, s.table)
	if _, err := s.pool.Exec(ctx, query); err != nil {
		return fmt.Errorf("create listing table: %w", err)
	}
	return nil
}

// Close releases the underlying pool resources.
func (s *ListingStore) Close() error {
	if s == nil || s.pool == nil {
		return nil
	}
	s.pool.Close()
	return nil
}

// Upsert inserts the record unless its item_id already exists. The first write wins.
func (s *ListingStore) Upsert(ctx context.Context, record crawler.ListingRecord) (crawler.UpsertResult, error) {
	if s == nil || s.pool == nil {
		return 0, &crawler.PersistenceError{ItemID: record.ItemID, Err: fmt.Errorf("listing store is not configured")}
	}
	if record.ItemID == "" {
		return 0, &crawler.PersistenceError{Err: fmt.Errorf("item id is required")}
	}
	query := fmt.Sprintf(`
INSERT INTO %s (
	item_id,
	item_url,
	image_url,
	title,
	condition,
	date_sold,
	price,
	currency,
	shipping_cost,
	shipping_location,
	best_offer,
	seller_name,
	seller_feedback_score,
	seller_feedback_percent
) VALUES (
	$1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14
)
ON CONFLICT (item_id) DO NOTHING`, s.table)

	args := []any{
		record.ItemID,
		record.ItemURL,
		record.ImageURL,
		record.Title,
		record.Condition,
		dateArg(record.DateSold),
		numeric(record.Price.Amount),
		record.Price.Currency,
		nullableNumeric(record.ShippingCost),
		record.ShippingLocation,
		record.BestOffer,
		record.SellerName,
		record.SellerFeedbackScore,
		numeric(record.SellerFeedbackPercent),
	}
	tag, err := s.pool.Exec(ctx, query, args...)
	if err != nil {
		return 0, &crawler.PersistenceError{ItemID: record.ItemID, Err: fmt.Errorf("insert listing: %w", err)}
	}
	if tag.RowsAffected() == 0 {
		return crawler.Duplicate, nil
	}
	return crawler.Inserted, nil
}

func numeric(d decimal.Decimal) pgtype.Numeric {
	return pgtype.Numeric{Int: d.Coefficient(), Exp: d.Exponent(), Valid: true}
}

func nullableNumeric(d *decimal.Decimal) pgtype.Numeric {
	if d == nil {
		return pgtype.Numeric{}
	}
	return numeric(*d)
}

func dateArg(t *time.Time) pgtype.Date {
	if t == nil {
		return pgtype.Date{}
	}
	return pgtype.Date{Time: *t, Valid: true}
}

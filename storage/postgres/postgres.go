// Package postgres provides a PostgreSQL implementation of the billing.Store
// interface. Entity upserts ride on INSERT ... ON CONFLICT against the unique
// external id; event transactions map directly onto SQL transactions.
package postgres

import (
	"context"
	_ "embed"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/mihaimyh/stripesync/pkg/billing"
)

//go:embed schema.sql
var schemaSQL string

// Storage implements billing.Store using PostgreSQL.
type Storage struct {
	pool   *pgxpool.Pool
	config Config
}

// Config holds PostgreSQL storage configuration.
type Config struct {
	// ConnectionString is the PostgreSQL connection string
	ConnectionString string

	// Pool configuration
	MaxConns        int32
	MinConns        int32
	MaxConnLifetime time.Duration
	MaxConnIdleTime time.Duration
}

// DefaultConfig returns a Config with sensible defaults.
func DefaultConfig() Config {
	return Config{
		MaxConns:        10,
		MinConns:        2,
		MaxConnLifetime: time.Hour,
		MaxConnIdleTime: 30 * time.Minute,
	}
}

// New creates a new PostgreSQL storage adapter.
func New(ctx context.Context, config Config) (*Storage, error) {
	if config.ConnectionString == "" {
		return nil, fmt.Errorf("connection string is required")
	}

	poolConfig, err := pgxpool.ParseConfig(config.ConnectionString)
	if err != nil {
		return nil, fmt.Errorf("failed to parse connection string: %w", err)
	}

	if config.MaxConns > 0 {
		poolConfig.MaxConns = config.MaxConns
	}
	if config.MinConns > 0 {
		poolConfig.MinConns = config.MinConns
	}
	if config.MaxConnLifetime > 0 {
		poolConfig.MaxConnLifetime = config.MaxConnLifetime
	}
	if config.MaxConnIdleTime > 0 {
		poolConfig.MaxConnIdleTime = config.MaxConnIdleTime
	}

	pool, err := pgxpool.NewWithConfig(ctx, poolConfig)
	if err != nil {
		return nil, fmt.Errorf("failed to create connection pool: %w", err)
	}

	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	return &Storage{pool: pool, config: config}, nil
}

// InitSchema creates all tables and indexes if they do not exist.
func (s *Storage) InitSchema(ctx context.Context) error {
	if _, err := s.pool.Exec(ctx, schemaSQL); err != nil {
		return fmt.Errorf("failed to initialize schema: %w", err)
	}
	return nil
}

// Close closes the PostgreSQL connection pool.
func (s *Storage) Close() {
	if s.pool != nil {
		s.pool.Close()
	}
}

// Ping implements billing.Store.
func (s *Storage) Ping(ctx context.Context) error {
	return s.pool.Ping(ctx)
}

// kindTables maps each entity kind to its table for resolver lookups.
var kindTables = map[billing.EntityKind]string{
	billing.KindCustomer:         "customers",
	billing.KindProduct:          "products",
	billing.KindPrice:            "prices",
	billing.KindSubscription:     "subscriptions",
	billing.KindSubscriptionItem: "subscription_items",
	billing.KindInvoice:          "invoices",
	billing.KindInvoiceLine:      "invoice_line_items",
	billing.KindInvoiceItem:      "invoice_items",
	billing.KindPaymentMethod:    "payment_methods",
	billing.KindCharge:           "charges",
	billing.KindPaymentIntent:    "payment_intents",
}

func resolveIn(ctx context.Context, q querier, kind billing.EntityKind, stripeID string) (int64, error) {
	table, ok := kindTables[kind]
	if !ok {
		return 0, fmt.Errorf("unknown entity kind %q", kind)
	}
	var id int64
	err := q.QueryRow(ctx,
		fmt.Sprintf(`SELECT id FROM %s WHERE stripe_id = $1`, table),
		stripeID).Scan(&id)
	if errors.Is(err, pgx.ErrNoRows) {
		return 0, billing.ErrEntityNotFound
	}
	if err != nil {
		return 0, fmt.Errorf("failed to resolve %s %q: %w", kind, stripeID, err)
	}
	return id, nil
}

// querier is the common query surface of pgxpool.Pool and pgx.Tx.
type querier interface {
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

// Resolve implements billing.Resolver.
func (s *Storage) Resolve(ctx context.Context, kind billing.EntityKind, stripeID string) (int64, error) {
	return resolveIn(ctx, s.pool, kind, stripeID)
}

// Begin implements billing.Store.
func (s *Storage) Begin(ctx context.Context) (billing.Tx, error) {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to begin transaction: %w", err)
	}
	return &pgTx{tx: tx}, nil
}

// RecordEvent implements billing.Store. The insert races are settled by the
// unique constraint: the losing write finds the existing row, reports a
// duplicate when that row already completed, and otherwise hands the row back
// so the failed or in-flight delivery can be retried.
func (s *Storage) RecordEvent(ctx context.Context, ev *billing.EventRecord) (int64, error) {
	status := ev.Status
	if status == "" {
		status = billing.EventStatusPending
	}

	var id int64
	err := s.pool.QueryRow(ctx,
		`INSERT INTO events (stripe_event_id, event_type, created, raw_data, status)
			VALUES ($1, $2, $3, $4, $5)
			ON CONFLICT (stripe_event_id) DO NOTHING
			RETURNING id`,
		ev.StripeEventID, ev.EventType, ev.Created, []byte(ev.RawData), string(status)).Scan(&id)
	if errors.Is(err, pgx.ErrNoRows) {
		var existing string
		err = s.pool.QueryRow(ctx,
			`SELECT id, status FROM events WHERE stripe_event_id = $1`,
			ev.StripeEventID).Scan(&id, &existing)
		if err != nil {
			return 0, fmt.Errorf("failed to load journaled event: %w", err)
		}
		if billing.EventStatus(existing) == billing.EventStatusCompleted {
			return id, billing.ErrDuplicateEvent
		}
		return id, nil
	}
	if err != nil {
		return 0, fmt.Errorf("failed to journal event: %w", err)
	}
	return id, nil
}

// MarkEventStatus implements billing.Store.
func (s *Storage) MarkEventStatus(ctx context.Context, journalID int64, status billing.EventStatus) error {
	tag, err := s.pool.Exec(ctx,
		`UPDATE events SET status = $2 WHERE id = $1`,
		journalID, string(status))
	if err != nil {
		return fmt.Errorf("failed to update event status: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return billing.ErrEntityNotFound
	}
	return nil
}

// StartProcessing implements billing.Store.
func (s *Storage) StartProcessing(ctx context.Context, stripeEventID, eventType string) (int64, error) {
	var id int64
	err := s.pool.QueryRow(ctx,
		`INSERT INTO event_processing_log (stripe_event_id, event_type, status)
			VALUES ($1, $2, 'started')
			RETURNING id`,
		stripeEventID, eventType).Scan(&id)
	if err != nil {
		return 0, fmt.Errorf("failed to record processing start: %w", err)
	}
	return id, nil
}

// MarkFailed implements billing.Store. Runs outside the event transaction so
// the failure record survives the rollback.
func (s *Storage) MarkFailed(ctx context.Context, logID int64, errMsg string) error {
	tag, err := s.pool.Exec(ctx,
		`UPDATE event_processing_log
			SET status = 'failed', completed_at = now(), error_message = $2
			WHERE id = $1`,
		logID, errMsg)
	if err != nil {
		return fmt.Errorf("failed to record processing failure: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return billing.ErrEntityNotFound
	}
	return nil
}

// MarkSkipped implements billing.Store.
func (s *Storage) MarkSkipped(ctx context.Context, logID int64) error {
	tag, err := s.pool.Exec(ctx,
		`UPDATE event_processing_log
			SET status = 'skipped', completed_at = now()
			WHERE id = $1`,
		logID)
	if err != nil {
		return fmt.Errorf("failed to record skipped attempt: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return billing.ErrEntityNotFound
	}
	return nil
}

func metadataJSON(m billing.Metadata) ([]byte, error) {
	if m == nil {
		return nil, nil
	}
	return json.Marshal(m)
}

func rawOrNil(raw json.RawMessage) []byte {
	if len(raw) == 0 {
		return nil
	}
	return []byte(raw)
}

func scanMetadata(b []byte) (billing.Metadata, error) {
	if len(b) == 0 {
		return nil, nil
	}
	var m billing.Metadata
	if err := json.Unmarshal(b, &m); err != nil {
		return nil, fmt.Errorf("failed to decode metadata: %w", err)
	}
	return m, nil
}

var _ billing.Store = (*Storage)(nil)

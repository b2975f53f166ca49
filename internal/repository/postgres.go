package repository

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	_ "github.com/lib/pq"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/nathanyu/margin-trading/internal/domain"
)

var dbTracer = otel.Tracer("postgres")

// PostgresRepository stores order book snapshots as JSONB rows.
type PostgresRepository struct {
	db        *sql.DB
	retention int
}

// OpenPostgres connects with the lib/pq driver and verifies the connection.
func OpenPostgres(ctx context.Context, dsn string) (*sql.DB, error) {
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, fmt.Errorf("open postgres: %w", err)
	}
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping postgres: %w", err)
	}
	return db, nil
}

func NewPostgresRepository(db *sql.DB) *PostgresRepository {
	return &PostgresRepository{db: db, retention: DefaultRetention}
}

func (r *PostgresRepository) Name() string { return "postgres" }

// Migrate creates the snapshot table if it does not exist.
func (r *PostgresRepository) Migrate(ctx context.Context) error {
	_, err := r.db.ExecContext(ctx, `
		CREATE TABLE IF NOT EXISTS orderbook_snapshots (
			id          BIGSERIAL PRIMARY KEY,
			sequence_id BIGINT      NOT NULL,
			taken_at    TIMESTAMPTZ NOT NULL,
			payload     JSONB       NOT NULL,
			created_at  TIMESTAMPTZ NOT NULL DEFAULT CURRENT_TIMESTAMP
		)
	`)
	if err != nil {
		return fmt.Errorf("migrate orderbook_snapshots: %w", err)
	}
	return nil
}

// Save inserts a snapshot and prunes all but the most recent ones in one transaction.
func (r *PostgresRepository) Save(ctx context.Context, snap *domain.OrderBookSnapshot) error {
	ctx, span := dbTracer.Start(ctx, "postgres.save_snapshot",
		trace.WithSpanKind(trace.SpanKindClient),
		trace.WithAttributes(
			attribute.String("db.system", "postgresql"),
			attribute.String("db.operation", "transaction"),
			attribute.Int64("snapshot.sequence_id", int64(snap.SequenceID)),
		))
	defer span.End()

	payload, err := encodeSnapshot(snap)
	if err != nil {
		span.RecordError(err)
		return err
	}

	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		span.RecordError(err)
		return err
	}
	defer tx.Rollback()

	_, err = tx.ExecContext(ctx, `
		INSERT INTO orderbook_snapshots (sequence_id, taken_at, payload)
		VALUES ($1, $2, $3)
	`, int64(snap.SequenceID), snap.TakenAt, payload)
	if err != nil {
		span.RecordError(err)
		return fmt.Errorf("insert snapshot: %w", err)
	}

	_, err = tx.ExecContext(ctx, `
		DELETE FROM orderbook_snapshots
		WHERE id NOT IN (
			SELECT id FROM orderbook_snapshots ORDER BY id DESC LIMIT $1
		)
	`, r.retention)
	if err != nil {
		span.RecordError(err)
		return fmt.Errorf("prune snapshots: %w", err)
	}

	if err := tx.Commit(); err != nil {
		span.RecordError(err)
		return err
	}
	span.SetAttributes(attribute.Int("snapshot.bytes", len(payload)))
	return nil
}

// Load returns the most recent snapshot.
func (r *PostgresRepository) Load(ctx context.Context) (*domain.OrderBookSnapshot, error) {
	ctx, span := dbTracer.Start(ctx, "postgres.load_snapshot",
		trace.WithSpanKind(trace.SpanKindClient),
		trace.WithAttributes(
			attribute.String("db.system", "postgresql"),
			attribute.String("db.operation", "SELECT"),
			attribute.String("db.sql.table", "orderbook_snapshots"),
		))
	defer span.End()

	var payload []byte
	err := r.db.QueryRowContext(ctx, `
		SELECT payload FROM orderbook_snapshots ORDER BY id DESC LIMIT 1
	`).Scan(&payload)
	if errors.Is(err, sql.ErrNoRows) {
		span.SetAttributes(attribute.Bool("snapshot.found", false))
		return nil, domain.ErrSnapshotNotFound
	}
	if err != nil {
		span.RecordError(err)
		return nil, err
	}

	span.SetAttributes(attribute.Bool("snapshot.found", true))
	return decodeSnapshot(payload)
}

package storage

import (
	"context"
	"database/sql"
	"embed"
	"fmt"

	_ "github.com/lib/pq"

	"github.com/example/safety-net/internal/models"
)

//go:embed migrations/*.sql
var migrations embed.FS

type PostgresStore struct {
	db *sql.DB
}

func NewPostgresStore(dsn string) (*PostgresStore, error) {
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, err
	}
	if err := db.Ping(); err != nil {
		_ = db.Close()
		return nil, err
	}
	return &PostgresStore{db: db}, nil
}

// NewPostgresStoreWithDB wraps an existing handle.
func NewPostgresStoreWithDB(db *sql.DB) *PostgresStore { return &PostgresStore{db: db} }

// Migrate applies the embedded schema. Statements are idempotent.
func (p *PostgresStore) Migrate(ctx context.Context) error {
	entries, err := migrations.ReadDir("migrations")
	if err != nil {
		return err
	}
	for _, e := range entries {
		b, err := migrations.ReadFile("migrations/" + e.Name())
		if err != nil {
			return err
		}
		if _, err := p.db.ExecContext(ctx, string(b)); err != nil {
			return fmt.Errorf("migration %s: %w", e.Name(), err)
		}
	}
	return nil
}

func (p *PostgresStore) SaveAlert(ctx context.Context, a models.AlertEvent) error {
	EnsureID(&a)
	_, err := p.db.ExecContext(ctx, `INSERT INTO emergency_alerts(id, originator_id, originator_name, lat, lng, issued_at) VALUES($1,$2,$3,$4,$5,$6) ON CONFLICT (id) DO NOTHING`,
		a.ID, a.OriginatorID, a.OriginatorName, a.Position.Lat, a.Position.Lng, a.IssuedAt)
	return err
}

func (p *PostgresStore) ListAlerts(ctx context.Context, limit int) ([]models.AlertEvent, error) {
	q := `SELECT id, originator_id, originator_name, lat, lng, issued_at FROM emergency_alerts ORDER BY issued_at DESC, id`
	args := []any{}
	if limit > 0 {
		q += ` LIMIT $1`
		args = append(args, limit)
	}
	rows, err := p.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []models.AlertEvent
	for rows.Next() {
		var a models.AlertEvent
		if err := rows.Scan(&a.ID, &a.OriginatorID, &a.OriginatorName, &a.Position.Lat, &a.Position.Lng, &a.IssuedAt); err != nil {
			return nil, err
		}
		a.Position.CapturedAt = a.IssuedAt
		out = append(out, a)
	}
	return out, rows.Err()
}

func (p *PostgresStore) Ping(ctx context.Context) error { return p.db.PingContext(ctx) }

func (p *PostgresStore) Close() error { return p.db.Close() }

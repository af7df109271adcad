package store

import (
	"context"
	"database/sql"
	"embed"
	"errors"
	"fmt"
	"sort"
	"time"

	_ "github.com/jackc/pgx/v5/stdlib"

	"routeconsole/internal/model"
)

//go:embed migrations/*.sql
var migrations embed.FS

type Postgres struct {
	db *sql.DB
}

func NewPostgres(dsn string) (*Postgres, error) {
	db, err := sql.Open("pgx", dsn)
	if err != nil {
		return nil, err
	}
	db.SetMaxOpenConns(10)
	db.SetConnMaxIdleTime(5 * time.Minute)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, err
	}
	return &Postgres{db: db}, nil
}

// Migrate applies the embedded schema files in name order. Every file is
// written to be re-runnable.
func (p *Postgres) Migrate(ctx context.Context) error {
	entries, err := migrations.ReadDir("migrations")
	if err != nil {
		return err
	}
	names := make([]string, 0, len(entries))
	for _, e := range entries {
		names = append(names, e.Name())
	}
	sort.Strings(names)
	for _, name := range names {
		b, err := migrations.ReadFile("migrations/" + name)
		if err != nil {
			return err
		}
		if _, err := p.db.ExecContext(ctx, string(b)); err != nil {
			return fmt.Errorf("migrate %s: %w", name, err)
		}
	}
	return nil
}

func (p *Postgres) SaveSession(ctx context.Context, rec model.SessionRecord) error {
	_, err := p.db.ExecContext(ctx, `
        INSERT INTO workflow_sessions (id, organization_id, step, state, created_at, updated_at)
        VALUES ($1, $2, $3, $4::jsonb, now(), now())
        ON CONFLICT (id) DO UPDATE
           SET step = EXCLUDED.step, state = EXCLUDED.state, updated_at = now()
         WHERE workflow_sessions.organization_id = EXCLUDED.organization_id`,
		rec.ID, rec.OrganizationID, rec.Step, nullIfEmpty(rec.State))
	return err
}

func (p *Postgres) GetSession(ctx context.Context, orgID, id string) (model.SessionRecord, error) {
	var rec model.SessionRecord
	var state []byte
	err := p.db.QueryRowContext(ctx, `
        SELECT id, organization_id, step, state::text, created_at, updated_at
          FROM workflow_sessions WHERE id = $1 AND organization_id = $2`, id, orgID).
		Scan(&rec.ID, &rec.OrganizationID, &rec.Step, &state, &rec.CreatedAt, &rec.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return model.SessionRecord{}, ErrNotFound
	}
	if err != nil {
		return model.SessionRecord{}, err
	}
	rec.State = state
	return rec, nil
}

func (p *Postgres) ListSessions(ctx context.Context, orgID string, limit int) ([]model.SessionRecord, error) {
	if limit <= 0 || limit > 500 {
		limit = 100
	}
	rows, err := p.db.QueryContext(ctx, `
        SELECT id, organization_id, step, state::text, created_at, updated_at
          FROM workflow_sessions WHERE organization_id = $1
         ORDER BY updated_at DESC LIMIT $2`, orgID, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []model.SessionRecord
	for rows.Next() {
		var rec model.SessionRecord
		var state []byte
		if err := rows.Scan(&rec.ID, &rec.OrganizationID, &rec.Step, &state, &rec.CreatedAt, &rec.UpdatedAt); err != nil {
			return nil, err
		}
		rec.State = state
		out = append(out, rec)
	}
	return out, rows.Err()
}

func (p *Postgres) DeleteSession(ctx context.Context, orgID, id string) error {
	res, err := p.db.ExecContext(ctx, `DELETE FROM workflow_sessions WHERE id = $1 AND organization_id = $2`, id, orgID)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

func (p *Postgres) Ping(ctx context.Context) error { return p.db.PingContext(ctx) }

func (p *Postgres) Close() error { return p.db.Close() }

// nullIfEmpty maps an empty snapshot to SQL NULL.
func nullIfEmpty(b []byte) any {
	if len(b) == 0 {
		return nil
	}
	return string(b)
}

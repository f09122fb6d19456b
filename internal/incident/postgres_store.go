package incident

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/lib/pq"
)

// Compile-time assertion.
var _ Store = (*PostgresStore)(nil)

// PostgresStore persists incidents in PostgreSQL. The one-open-incident
// invariant is enforced by a partial unique index on target_id over
// non-terminal statuses, so concurrent creates cannot both win.
type PostgresStore struct {
	db *sql.DB
}

// NewPostgresStore creates a new PostgreSQL incident store.
func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

const incidentColumns = `id, target_id, status, severity, affected_event_ids,
	event_count, unique_authors, avg_rating, avg_trust,
	window_start, window_end, detected_at, updated_at,
	resolved_at, resolution, resolution_note, version`

func (s *PostgresStore) Create(ctx context.Context, inc *Incident) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO incidents (id, target_id, status, severity, affected_event_ids,
			event_count, unique_authors, avg_rating, avg_trust,
			window_start, window_end, detected_at, updated_at,
			resolved_at, resolution, resolution_note, version)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, 1)`,
		inc.ID, inc.TargetID, inc.Status, inc.Severity, pq.Array(inc.AffectedEventIDs),
		inc.EventCount, inc.UniqueAuthors, inc.AvgRating, inc.AvgTrust,
		inc.WindowStart, inc.WindowEnd, inc.DetectedAt, inc.UpdatedAt,
		inc.ResolvedAt, inc.Resolution, inc.ResolutionNote,
	)
	if err != nil {
		var pqErr *pq.Error
		if errors.As(err, &pqErr) && pqErr.Code == "23505" {
			return ErrOpenExists
		}
		return err
	}
	inc.Version = 1
	return nil
}

func (s *PostgresStore) Get(ctx context.Context, id string) (*Incident, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT `+incidentColumns+` FROM incidents WHERE id = $1`, id)
	return scanIncident(row)
}

func (s *PostgresStore) GetOpenByTarget(ctx context.Context, targetID string) (*Incident, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT `+incidentColumns+` FROM incidents
		WHERE target_id = $1 AND status IN ('detected', 'investigating')`, targetID)
	return scanIncident(row)
}

// Update applies optimistic concurrency: the row only matches when the
// stored version equals the caller's, and the version advances with the
// write.
func (s *PostgresStore) Update(ctx context.Context, inc *Incident) error {
	result, err := s.db.ExecContext(ctx, `
		UPDATE incidents SET
			status = $3, severity = $4, affected_event_ids = $5,
			event_count = $6, unique_authors = $7, avg_rating = $8, avg_trust = $9,
			window_start = $10, window_end = $11, updated_at = $12,
			resolved_at = $13, resolution = $14, resolution_note = $15,
			version = version + 1
		WHERE id = $1 AND version = $2`,
		inc.ID, inc.Version,
		inc.Status, inc.Severity, pq.Array(inc.AffectedEventIDs),
		inc.EventCount, inc.UniqueAuthors, inc.AvgRating, inc.AvgTrust,
		inc.WindowStart, inc.WindowEnd, inc.UpdatedAt,
		inc.ResolvedAt, inc.Resolution, inc.ResolutionNote,
	)
	if err != nil {
		return err
	}
	rows, _ := result.RowsAffected()
	if rows == 0 {
		var exists bool
		if err := s.db.QueryRowContext(ctx,
			`SELECT EXISTS (SELECT 1 FROM incidents WHERE id = $1)`, inc.ID).Scan(&exists); err != nil {
			return err
		}
		if !exists {
			return ErrNotFound
		}
		return ErrVersionConflict
	}
	inc.Version++
	return nil
}

func (s *PostgresStore) List(ctx context.Context, filter ListFilter) ([]*Incident, error) {
	query := `SELECT ` + incidentColumns + ` FROM incidents WHERE 1=1`
	var args []any
	arg := func(v any) string {
		args = append(args, v)
		return fmt.Sprintf("$%d", len(args))
	}
	if filter.Status != "" {
		query += ` AND status = ` + arg(string(filter.Status))
	}
	if filter.TargetID != "" {
		query += ` AND target_id = ` + arg(filter.TargetID)
	}
	query += ` ORDER BY detected_at DESC, id DESC`
	if filter.Limit > 0 {
		query += ` LIMIT ` + arg(filter.Limit)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var result []*Incident
	for rows.Next() {
		inc, err := scanIncident(rows)
		if err != nil {
			return nil, err
		}
		result = append(result, inc)
	}
	return result, rows.Err()
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanIncident(row rowScanner) (*Incident, error) {
	inc := &Incident{}
	var resolution sql.NullString
	var note sql.NullString
	err := row.Scan(&inc.ID, &inc.TargetID, &inc.Status, &inc.Severity,
		pq.Array(&inc.AffectedEventIDs),
		&inc.EventCount, &inc.UniqueAuthors, &inc.AvgRating, &inc.AvgTrust,
		&inc.WindowStart, &inc.WindowEnd, &inc.DetectedAt, &inc.UpdatedAt,
		&inc.ResolvedAt, &resolution, &note, &inc.Version)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	inc.Resolution = Resolution(resolution.String)
	inc.ResolutionNote = note.String
	return inc, nil
}

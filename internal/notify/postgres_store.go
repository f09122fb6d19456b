package notify

import (
	"context"
	"database/sql"
)

// Compile-time assertion.
var _ Store = (*PostgresStore)(nil)

// PostgresStore persists notifications in PostgreSQL.
type PostgresStore struct {
	db *sql.DB
}

// NewPostgresStore creates a new PostgreSQL notification store.
func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

func (s *PostgresStore) Save(ctx context.Context, n *Notification) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO notifications (id, kind, severity, incident_id, target_id, message, created_at, read, read_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
		ON CONFLICT (id) DO NOTHING`,
		n.ID, n.Kind, n.Severity, n.IncidentID, n.TargetID, n.Message, n.CreatedAt, n.Read, n.ReadAt,
	)
	return err
}

func (s *PostgresStore) List(ctx context.Context, unreadOnly bool, limit int) ([]*Notification, error) {
	query := `
		SELECT id, kind, severity, incident_id, target_id, message, created_at, read, read_at
		FROM notifications`
	if unreadOnly {
		query += ` WHERE NOT read`
	}
	query += ` ORDER BY created_at DESC, id DESC LIMIT $1`

	rows, err := s.db.QueryContext(ctx, query, limit)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var result []*Notification
	for rows.Next() {
		n := &Notification{}
		if err := rows.Scan(&n.ID, &n.Kind, &n.Severity, &n.IncidentID, &n.TargetID,
			&n.Message, &n.CreatedAt, &n.Read, &n.ReadAt); err != nil {
			return nil, err
		}
		result = append(result, n)
	}
	return result, rows.Err()
}

func (s *PostgresStore) MarkRead(ctx context.Context, id string) error {
	result, err := s.db.ExecContext(ctx,
		`UPDATE notifications SET read = TRUE, read_at = NOW() WHERE id = $1`, id)
	if err != nil {
		return err
	}
	rows, _ := result.RowsAffected()
	if rows == 0 {
		return ErrNotFound
	}
	return nil
}

package review

import (
	"context"
	"database/sql"
	"fmt"
	"time"
)

// Compile-time assertion.
var _ Store = (*PostgresStore)(nil)

// PostgresStore persists review records in PostgreSQL.
type PostgresStore struct {
	db *sql.DB
}

// NewPostgresStore creates a new PostgreSQL review store.
func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

const eventColumns = `id, author_id, target_id, rating, body, submitted_at,
	status, partition, incident_id, held_reason, held_at`

// BulkWrite applies the batch inside a single transaction. Authors and
// targets are written before events regardless of batch order so the
// referential FK check never fails on ordering alone.
func (s *PostgresStore) BulkWrite(ctx context.Context, ops []WriteOp) (BulkResult, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return BulkResult{Failed: len(ops)}, &BulkWriteError{Failed: len(ops), Err: err}
	}
	defer func() { _ = tx.Rollback() }()

	apply := func(op WriteOp) error {
		switch v := op.(type) {
		case PutAuthor:
			return s.upsertAuthor(ctx, tx, v.Author)
		case PutTarget:
			return s.upsertTarget(ctx, tx, v.Target)
		}
		return nil
	}

	// First pass: authors and targets.
	for _, op := range ops {
		if err := apply(op); err != nil {
			return BulkResult{Failed: len(ops)}, &BulkWriteError{Failed: len(ops), Err: err}
		}
	}
	// Second pass: events.
	for _, op := range ops {
		v, ok := op.(PutEvent)
		if !ok {
			continue
		}
		if err := s.upsertEvent(ctx, tx, v.Event); err != nil {
			return BulkResult{Failed: len(ops)}, &BulkWriteError{Failed: len(ops), Err: err}
		}
	}

	if err := tx.Commit(); err != nil {
		return BulkResult{Failed: len(ops)}, &BulkWriteError{Failed: len(ops), Err: err}
	}
	return BulkResult{Succeeded: len(ops)}, nil
}

func (s *PostgresStore) upsertEvent(ctx context.Context, tx *sql.Tx, ev *ReviewEvent) error {
	if ev == nil || ev.ID == "" {
		return fmt.Errorf("event op missing id")
	}
	_, err := tx.ExecContext(ctx, `
		INSERT INTO review_events (id, author_id, target_id, rating, body, submitted_at,
			status, partition, incident_id, held_reason, held_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, NULLIF($9, ''), $10, $11)
		ON CONFLICT (id) DO UPDATE SET
			rating = EXCLUDED.rating, body = EXCLUDED.body,
			status = EXCLUDED.status, partition = EXCLUDED.partition`,
		ev.ID, ev.AuthorID, ev.TargetID, ev.Rating, ev.Text, ev.SubmittedAt,
		ev.Status, ev.Partition, ev.IncidentID, ev.HeldReason, ev.HeldAt,
	)
	return err
}

func (s *PostgresStore) upsertAuthor(ctx context.Context, tx *sql.Tx, a *AuthorProfile) error {
	if a == nil || a.ID == "" {
		return fmt.Errorf("author op missing id")
	}
	_, err := tx.ExecContext(ctx, `
		INSERT INTO author_profiles (id, trust_score, account_age_days, prior_event_count,
			useful_votes, fans, avg_rating_given, synthetic, flagged, flag_reason, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)
		ON CONFLICT (id) DO UPDATE SET
			trust_score = EXCLUDED.trust_score,
			prior_event_count = EXCLUDED.prior_event_count`,
		a.ID, a.TrustScore, a.AccountAgeDays, a.PriorEventCount,
		a.UsefulVotes, a.Fans, a.AvgRatingGiven, a.Synthetic, a.Flagged, a.FlagReason, a.CreatedAt,
	)
	return err
}

func (s *PostgresStore) upsertTarget(ctx context.Context, tx *sql.Tx, t *TargetEntity) error {
	if t == nil || t.ID == "" {
		return fmt.Errorf("target op missing id")
	}
	_, err := tx.ExecContext(ctx, `
		INSERT INTO target_entities (id, name, rating_protected, protection_reason, protected_since)
		VALUES ($1, $2, $3, $4, $5)
		ON CONFLICT (id) DO UPDATE SET name = EXCLUDED.name`,
		t.ID, t.Name, t.RatingProtected, t.ProtectionReason, t.ProtectedSince,
	)
	return err
}

func (s *PostgresStore) GetEvent(ctx context.Context, id string) (*ReviewEvent, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT `+eventColumns+` FROM review_events WHERE id = $1`, id)
	return scanEvent(row)
}

func (s *PostgresStore) GetEvents(ctx context.Context, ids []string) ([]*ReviewEvent, error) {
	if len(ids) == 0 {
		return nil, nil
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+eventColumns+` FROM review_events WHERE id = ANY($1)`, stringArray(ids))
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()
	return scanEvents(rows)
}

func (s *PostgresStore) QueryEvents(ctx context.Context, q EventQuery) ([]*ReviewEvent, error) {
	query := `SELECT ` + eventColumns + ` FROM review_events WHERE 1=1`
	var args []any

	arg := func(v any) string {
		args = append(args, v)
		return fmt.Sprintf("$%d", len(args))
	}

	if !q.Since.IsZero() {
		query += ` AND submitted_at >= ` + arg(q.Since)
	}
	if !q.Until.IsZero() {
		query += ` AND submitted_at <= ` + arg(q.Until)
	}
	if q.MaxRating > 0 {
		query += ` AND rating <= ` + arg(q.MaxRating)
	}
	if q.TargetID != "" {
		query += ` AND target_id = ` + arg(q.TargetID)
	}
	for _, st := range q.ExcludeStatuses {
		query += ` AND status <> ` + arg(string(st))
	}
	query += ` ORDER BY submitted_at ASC`

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()
	return scanEvents(rows)
}

func (s *PostgresStore) ListEvents(ctx context.Context, before time.Time, beforeID string, limit int) ([]*ReviewEvent, error) {
	var (
		rows *sql.Rows
		err  error
	)
	if before.IsZero() {
		rows, err = s.db.QueryContext(ctx, `
			SELECT `+eventColumns+` FROM review_events
			ORDER BY submitted_at DESC, id DESC LIMIT $1`, limit)
	} else {
		rows, err = s.db.QueryContext(ctx, `
			SELECT `+eventColumns+` FROM review_events
			WHERE (submitted_at, id) < ($1, $2)
			ORDER BY submitted_at DESC, id DESC LIMIT $3`, before, beforeID, limit)
	}
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()
	return scanEvents(rows)
}

// UpdateEventStatus validates the transition in SQL so concurrent updates
// cannot race past the state machine: the UPDATE only matches rows whose
// current status legally precedes the requested one.
func (s *PostgresStore) UpdateEventStatus(ctx context.Context, id string, patch StatusPatch) error {
	if patch.Status == StatusHeld && patch.HeldReason == "" {
		return ErrHoldReasonMissing
	}

	allowedFrom := legalPredecessors(patch.Status)
	if len(allowedFrom) == 0 {
		return fmt.Errorf("%w: -> %s", ErrInvalidTransition, patch.Status)
	}

	result, err := s.db.ExecContext(ctx, `
		UPDATE review_events SET
			status = $2,
			held_reason = CASE WHEN $2 = 'held' THEN $3 ELSE held_reason END,
			held_at = CASE WHEN $2 = 'held' THEN $4 ELSE held_at END,
			incident_id = COALESCE(NULLIF($5, ''), incident_id)
		WHERE id = $1 AND status = ANY($6)`,
		id, string(patch.Status), patch.HeldReason, patch.HeldAt, patch.IncidentID,
		statusArray(allowedFrom),
	)
	if err != nil {
		return err
	}
	rows, _ := result.RowsAffected()
	if rows == 0 {
		// Distinguish missing row from an illegal transition.
		var current string
		err := s.db.QueryRowContext(ctx,
			`SELECT status FROM review_events WHERE id = $1`, id).Scan(&current)
		if err == sql.ErrNoRows {
			return ErrEventNotFound
		}
		if err != nil {
			return err
		}
		return fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, current, patch.Status)
	}
	return nil
}

func (s *PostgresStore) GetAuthor(ctx context.Context, id string) (*AuthorProfile, error) {
	a := &AuthorProfile{}
	err := s.db.QueryRowContext(ctx, `
		SELECT id, trust_score, account_age_days, prior_event_count, useful_votes,
			fans, avg_rating_given, synthetic, flagged, flag_reason, created_at
		FROM author_profiles WHERE id = $1`, id,
	).Scan(&a.ID, &a.TrustScore, &a.AccountAgeDays, &a.PriorEventCount, &a.UsefulVotes,
		&a.Fans, &a.AvgRatingGiven, &a.Synthetic, &a.Flagged, &a.FlagReason, &a.CreatedAt)
	if err == sql.ErrNoRows {
		return nil, ErrAuthorNotFound
	}
	return a, err
}

func (s *PostgresStore) GetAuthors(ctx context.Context, ids []string) (map[string]*AuthorProfile, error) {
	if len(ids) == 0 {
		return map[string]*AuthorProfile{}, nil
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, trust_score, account_age_days, prior_event_count, useful_votes,
			fans, avg_rating_given, synthetic, flagged, flag_reason, created_at
		FROM author_profiles WHERE id = ANY($1)`, stringArray(ids))
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	result := make(map[string]*AuthorProfile, len(ids))
	for rows.Next() {
		a := &AuthorProfile{}
		if err := rows.Scan(&a.ID, &a.TrustScore, &a.AccountAgeDays, &a.PriorEventCount,
			&a.UsefulVotes, &a.Fans, &a.AvgRatingGiven, &a.Synthetic, &a.Flagged,
			&a.FlagReason, &a.CreatedAt); err != nil {
			return nil, err
		}
		result[a.ID] = a
	}
	return result, rows.Err()
}

func (s *PostgresStore) GetTarget(ctx context.Context, id string) (*TargetEntity, error) {
	t := &TargetEntity{}
	err := s.db.QueryRowContext(ctx, `
		SELECT id, name, rating_protected, protection_reason, protected_since
		FROM target_entities WHERE id = $1`, id,
	).Scan(&t.ID, &t.Name, &t.RatingProtected, &t.ProtectionReason, &t.ProtectedSince)
	if err == sql.ErrNoRows {
		return nil, ErrTargetNotFound
	}
	return t, err
}

func (s *PostgresStore) SetTargetProtection(ctx context.Context, id string, protected bool, reason string, since *time.Time) error {
	result, err := s.db.ExecContext(ctx, `
		UPDATE target_entities SET
			rating_protected = $2,
			protection_reason = CASE WHEN $2 THEN $3 ELSE '' END,
			protected_since = CASE WHEN $2 THEN $4 ELSE NULL END
		WHERE id = $1`,
		id, protected, reason, since,
	)
	if err != nil {
		return err
	}
	rows, _ := result.RowsAffected()
	if rows == 0 {
		return ErrTargetNotFound
	}
	return nil
}

// --- scan helpers ---

type rowScanner interface {
	Scan(dest ...any) error
}

func scanEvent(row rowScanner) (*ReviewEvent, error) {
	ev := &ReviewEvent{}
	var incidentID sql.NullString
	err := row.Scan(&ev.ID, &ev.AuthorID, &ev.TargetID, &ev.Rating, &ev.Text,
		&ev.SubmittedAt, &ev.Status, &ev.Partition, &incidentID, &ev.HeldReason, &ev.HeldAt)
	if err == sql.ErrNoRows {
		return nil, ErrEventNotFound
	}
	if err != nil {
		return nil, err
	}
	ev.IncidentID = incidentID.String
	return ev, nil
}

func scanEvents(rows *sql.Rows) ([]*ReviewEvent, error) {
	var result []*ReviewEvent
	for rows.Next() {
		ev, err := scanEvent(rows)
		if err != nil {
			return nil, err
		}
		result = append(result, ev)
	}
	return result, rows.Err()
}

// legalPredecessors lists the statuses an event may hold immediately before
// moving to next, per EventStatus.CanTransitionTo.
func legalPredecessors(next EventStatus) []EventStatus {
	var from []EventStatus
	for _, s := range []EventStatus{StatusPending, StatusPublished, StatusHeld} {
		if s.CanTransitionTo(next) {
			from = append(from, s)
		}
	}
	return from
}

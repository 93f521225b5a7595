package ledger

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/georgysavva/scany/v2/pgxscan"
	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
)

const pgUniqueViolation = "23505"

// PostgresStore persists the ledger in the audit_events / chain_states
// tables created by the embedded migrations.
type PostgresStore struct {
	pool *pgxpool.Pool
}

// NewPostgresStore wraps an established pgx pool.
func NewPostgresStore(pool *pgxpool.Pool) *PostgresStore {
	return &PostgresStore{pool: pool}
}

const eventColumns = `id, organization_id, sequence, user_id, action, resource, resource_id,
       old_values, new_values, metadata, ip_address, user_agent, timestamp, previous_hash, hash`

func (s *PostgresStore) Tip(ctx context.Context, orgID string) (*ChainState, error) {
	var tip ChainState
	err := pgxscan.Get(ctx, s.pool, &tip, `
        SELECT organization_id, last_sequence, last_hash
        FROM chain_states
        WHERE organization_id = $1`, orgID)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil
		}
		return nil, &PersistenceError{Op: "read tip", Err: err}
	}
	return &tip, nil
}

func (s *PostgresStore) Append(ctx context.Context, event *AuditEvent, tip ChainState) error {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return &PersistenceError{Op: "begin append", Err: err}
	}
	defer tx.Rollback(ctx)

	_, err = tx.Exec(ctx, `
        INSERT INTO audit_events (`+eventColumns+`)
        VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15)`,
		event.ID, event.OrganizationID, event.Sequence, event.UserID, event.Action,
		event.Resource, event.ResourceID, nullableJSON(event.OldValues),
		nullableJSON(event.NewValues), nullableJSON(event.Metadata),
		event.IPAddress, event.UserAgent, event.Timestamp, event.PreviousHash, event.Hash)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == pgUniqueViolation {
			return &ConflictError{OrganizationID: event.OrganizationID, Sequence: event.Sequence}
		}
		return &PersistenceError{Op: "insert event", Err: err}
	}

	_, err = tx.Exec(ctx, `
        INSERT INTO chain_states (organization_id, last_sequence, last_hash)
        VALUES ($1, $2, $3)
        ON CONFLICT (organization_id) DO UPDATE SET
            last_sequence = EXCLUDED.last_sequence,
            last_hash = EXCLUDED.last_hash`,
		tip.OrganizationID, tip.LastSequence, tip.LastHash)
	if err != nil {
		return &PersistenceError{Op: "update tip", Err: err}
	}

	if err := tx.Commit(ctx); err != nil {
		return &PersistenceError{Op: "commit append", Err: err}
	}
	return nil
}

func (s *PostgresStore) Get(ctx context.Context, orgID string, id uuid.UUID) (*AuditEvent, error) {
	var event AuditEvent
	err := pgxscan.Get(ctx, s.pool, &event, `
        SELECT `+eventColumns+`
        FROM audit_events
        WHERE organization_id = $1 AND id = $2`, orgID, id)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, &NotFoundError{ID: id.String()}
		}
		return nil, &PersistenceError{Op: "get event", Err: err}
	}
	return &event, nil
}

func (s *PostgresStore) Select(ctx context.Context, f Filter, limit, offset int) ([]AuditEvent, error) {
	where, args := filterClause(f)
	args = append(args, limit, offset)
	query := fmt.Sprintf(`
        SELECT `+eventColumns+`
        FROM audit_events
        WHERE %s
        ORDER BY sequence DESC
        LIMIT $%d OFFSET $%d`, where, len(args)-1, len(args))

	var events []AuditEvent
	if err := pgxscan.Select(ctx, s.pool, &events, query, args...); err != nil {
		return nil, &PersistenceError{Op: "select events", Err: err}
	}
	return events, nil
}

func (s *PostgresStore) Count(ctx context.Context, f Filter) (int64, error) {
	where, args := filterClause(f)
	var n int64
	err := pgxscan.Get(ctx, s.pool, &n,
		fmt.Sprintf(`SELECT count(*) FROM audit_events WHERE %s`, where), args...)
	if err != nil {
		return 0, &PersistenceError{Op: "count events", Err: err}
	}
	return n, nil
}

func (s *PostgresStore) Range(ctx context.Context, orgID string, fromSeq, toSeq int64, limit int) ([]AuditEvent, error) {
	var events []AuditEvent
	err := pgxscan.Select(ctx, s.pool, &events, `
        SELECT `+eventColumns+`
        FROM audit_events
        WHERE organization_id = $1 AND sequence BETWEEN $2 AND $3
        ORDER BY sequence ASC
        LIMIT $4`, orgID, fromSeq, toSeq, limit)
	if err != nil {
		return nil, &PersistenceError{Op: "range events", Err: err}
	}
	return events, nil
}

func (s *PostgresStore) LatestCheckpoint(ctx context.Context, orgID string) (*AuditEvent, error) {
	var event AuditEvent
	err := pgxscan.Get(ctx, s.pool, &event, `
        SELECT `+eventColumns+`
        FROM audit_events
        WHERE organization_id = $1 AND action = $2
        ORDER BY sequence DESC
        LIMIT 1`, orgID, ActionCheckpoint)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil
		}
		return nil, &PersistenceError{Op: "latest checkpoint", Err: err}
	}
	return &event, nil
}

func (s *PostgresStore) OlderThan(ctx context.Context, orgID string, cutoff time.Time, belowSeq int64) ([]AuditEvent, error) {
	var events []AuditEvent
	err := pgxscan.Select(ctx, s.pool, &events, `
        SELECT `+eventColumns+`
        FROM audit_events
        WHERE organization_id = $1 AND timestamp < $2 AND sequence < $3
        ORDER BY sequence ASC`, orgID, cutoff, belowSeq)
	if err != nil {
		return nil, &PersistenceError{Op: "select prunable", Err: err}
	}
	return events, nil
}

func (s *PostgresStore) Prune(ctx context.Context, orgID string, fromSeq, toSeq int64, checkpoint *AuditEvent) error {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return &PersistenceError{Op: "begin prune", Err: err}
	}
	defer tx.Rollback(ctx)

	_, err = tx.Exec(ctx, `
        DELETE FROM audit_events
        WHERE organization_id = $1 AND sequence BETWEEN $2 AND $3`,
		orgID, fromSeq, toSeq)
	if err != nil {
		return &PersistenceError{Op: "delete pruned", Err: err}
	}

	_, err = tx.Exec(ctx, `
        INSERT INTO audit_events (`+eventColumns+`)
        VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15)`,
		checkpoint.ID, checkpoint.OrganizationID, checkpoint.Sequence, checkpoint.UserID,
		checkpoint.Action, checkpoint.Resource, checkpoint.ResourceID,
		nullableJSON(checkpoint.OldValues), nullableJSON(checkpoint.NewValues),
		nullableJSON(checkpoint.Metadata), checkpoint.IPAddress, checkpoint.UserAgent,
		checkpoint.Timestamp, checkpoint.PreviousHash, checkpoint.Hash)
	if err != nil {
		return &PersistenceError{Op: "insert checkpoint", Err: err}
	}

	if err := tx.Commit(ctx); err != nil {
		return &PersistenceError{Op: "commit prune", Err: err}
	}
	return nil
}

func (s *PostgresStore) StashDeadLetters(ctx context.Context, entries []Entry) error {
	for _, entry := range entries {
		payload, err := json.Marshal(entry)
		if err != nil {
			return &PersistenceError{Op: "encode dead letter", Err: err}
		}
		_, err = s.pool.Exec(ctx, `
            INSERT INTO dead_letters (id, organization_id, payload, stashed_at)
            VALUES ($1, $2, $3::jsonb, $4)`,
			uuid.New(), entry.OrganizationID, string(payload), time.Now().UTC())
		if err != nil {
			return &PersistenceError{Op: "stash dead letter", Err: err}
		}
	}
	return nil
}

func (s *PostgresStore) TakeDeadLetters(ctx context.Context, max int) ([]Entry, error) {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return nil, &PersistenceError{Op: "begin take dead letters", Err: err}
	}
	defer tx.Rollback(ctx)

	rows, err := tx.Query(ctx, `
        DELETE FROM dead_letters
        WHERE id IN (SELECT id FROM dead_letters ORDER BY stashed_at ASC LIMIT $1)
        RETURNING payload`, max)
	if err != nil {
		return nil, &PersistenceError{Op: "take dead letters", Err: err}
	}

	var entries []Entry
	for rows.Next() {
		var payload []byte
		if err := rows.Scan(&payload); err != nil {
			rows.Close()
			return nil, &PersistenceError{Op: "scan dead letter", Err: err}
		}
		var entry Entry
		if err := json.Unmarshal(payload, &entry); err != nil {
			rows.Close()
			return nil, &PersistenceError{Op: "decode dead letter", Err: err}
		}
		entries = append(entries, entry)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, &PersistenceError{Op: "take dead letters", Err: err}
	}

	if err := tx.Commit(ctx); err != nil {
		return nil, &PersistenceError{Op: "commit take dead letters", Err: err}
	}
	return entries, nil
}

func filterClause(f Filter) (string, []any) {
	clauses := []string{"organization_id = $1"}
	args := []any{f.OrganizationID}

	add := func(clause string, value any) {
		args = append(args, value)
		clauses = append(clauses, fmt.Sprintf(clause, len(args)))
	}

	if f.UserID != "" {
		add("user_id = $%d", f.UserID)
	}
	if f.Action != "" {
		add("action = $%d", f.Action)
	}
	if f.Resource != "" {
		add("resource = $%d", f.Resource)
	}
	if f.ResourceID != "" {
		add("resource_id = $%d", f.ResourceID)
	}
	if f.DateFrom != nil {
		add("timestamp >= $%d", *f.DateFrom)
	}
	if f.DateTo != nil {
		add("timestamp <= $%d", *f.DateTo)
	}

	return strings.Join(clauses, " AND "), args
}

func nullableJSON(raw json.RawMessage) any {
	if len(raw) == 0 {
		return nil
	}
	return string(raw)
}

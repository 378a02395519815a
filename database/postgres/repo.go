// Package postgres implements the record store using PostgreSQL
package postgres

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/sagarc03/ucs"
)

const selectColumns = `file_id, state, file_name, expected_size, checksum, correlation_id,
	current_upload_id, attempts, outbox, last_event_sequence, deletion_confirmed,
	version, created_at, updated_at`

type Repo struct {
	pool      *pgxpool.Pool
	tableName string
	now       func() time.Time
}

func NewRepo(pool *pgxpool.Pool, tables ucs.Tables) (*Repo, error) {
	if err := tables.Validate(); err != nil {
		return nil, fmt.Errorf("new repo: %w", err)
	}

	return &Repo{
		pool:      pool,
		tableName: pgx.Identifier{tables.Records}.Sanitize(),
		// TIMESTAMPTZ keeps microseconds; truncating keeps returned values
		// identical to what a later read yields.
		now: func() time.Time { return time.Now().UTC().Truncate(time.Microsecond) },
	}, nil
}

// Ping verifies database connectivity
func (r *Repo) Ping(ctx context.Context) error {
	return r.pool.Ping(ctx)
}

func (r *Repo) Get(ctx context.Context, fileID string) (ucs.UploadRecord, error) {
	query := fmt.Sprintf(`SELECT %s FROM %s WHERE file_id = $1`, selectColumns, r.tableName)

	rec, err := scanRecord(r.pool.QueryRow(ctx, query, fileID))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return ucs.UploadRecord{}, ucs.ErrNotFound
		}
		return ucs.UploadRecord{}, fmt.Errorf("get: %w: %w", ucs.ErrStoreUnavailable, err)
	}
	return rec, nil
}

func (r *Repo) CreateIfAbsent(ctx context.Context, reg ucs.Registration) (ucs.UploadRecord, bool, error) {
	rec := ucs.NewUploadRecord(reg, r.now())
	attempts, outbox, err := encodeLists(rec)
	if err != nil {
		return ucs.UploadRecord{}, false, fmt.Errorf("create: %w", err)
	}

	query := fmt.Sprintf(`
		INSERT INTO %s (file_id, state, file_name, expected_size, checksum, correlation_id,
			current_upload_id, attempts, outbox, last_event_sequence, deletion_confirmed,
			version, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14)
		ON CONFLICT (file_id) DO NOTHING
	`, r.tableName)

	tag, err := r.pool.Exec(ctx, query,
		rec.FileID, string(rec.State), rec.FileName, rec.ExpectedSize, rec.Checksum, rec.CorrelationID,
		rec.CurrentUploadID, attempts, outbox, rec.LastEventSequence, rec.DeletionConfirmed,
		rec.Version, rec.CreatedAt, rec.UpdatedAt,
	)
	if err != nil {
		return ucs.UploadRecord{}, false, fmt.Errorf("create: %w: %w", ucs.ErrStoreUnavailable, err)
	}

	if tag.RowsAffected() == 1 {
		return rec, true, nil
	}

	existing, err := r.Get(ctx, reg.FileID)
	if err != nil {
		return ucs.UploadRecord{}, false, fmt.Errorf("create: load existing: %w", err)
	}
	return existing, false, nil
}

func (r *Repo) CompareAndUpdate(ctx context.Context, fileID string, expectedVersion int64, mutate func(*ucs.UploadRecord) error) (ucs.UploadRecord, error) {
	tx, err := r.pool.Begin(ctx)
	if err != nil {
		return ucs.UploadRecord{}, fmt.Errorf("compare and update: begin: %w: %w", ucs.ErrStoreUnavailable, err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	query := fmt.Sprintf(`SELECT %s FROM %s WHERE file_id = $1 FOR UPDATE`, selectColumns, r.tableName)
	cur, err := scanRecord(tx.QueryRow(ctx, query, fileID))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return ucs.UploadRecord{}, ucs.ErrNotFound
		}
		return ucs.UploadRecord{}, fmt.Errorf("compare and update: %w: %w", ucs.ErrStoreUnavailable, err)
	}
	if cur.Version != expectedVersion {
		return ucs.UploadRecord{}, fmt.Errorf("compare and update %s: %w", fileID, ucs.ErrVersionConflict)
	}

	next := cur.Clone()
	if err := mutate(&next); err != nil {
		return ucs.UploadRecord{}, err
	}
	next.FileID = cur.FileID
	next.CreatedAt = cur.CreatedAt
	next.Version = cur.Version + 1
	next.UpdatedAt = r.now()

	attempts, outbox, err := encodeLists(next)
	if err != nil {
		return ucs.UploadRecord{}, fmt.Errorf("compare and update: %w", err)
	}

	update := fmt.Sprintf(`
		UPDATE %s SET state = $1, file_name = $2, expected_size = $3, checksum = $4,
			correlation_id = $5, current_upload_id = $6, attempts = $7, outbox = $8,
			last_event_sequence = $9, deletion_confirmed = $10, version = $11, updated_at = $12
		WHERE file_id = $13 AND version = $14
	`, r.tableName)

	tag, err := tx.Exec(ctx, update,
		string(next.State), next.FileName, next.ExpectedSize, next.Checksum,
		next.CorrelationID, next.CurrentUploadID, attempts, outbox,
		next.LastEventSequence, next.DeletionConfirmed, next.Version, next.UpdatedAt,
		fileID, expectedVersion,
	)
	if err != nil {
		return ucs.UploadRecord{}, fmt.Errorf("compare and update: %w: %w", ucs.ErrStoreUnavailable, err)
	}
	if tag.RowsAffected() == 0 {
		return ucs.UploadRecord{}, fmt.Errorf("compare and update %s: %w", fileID, ucs.ErrVersionConflict)
	}

	if err := tx.Commit(ctx); err != nil {
		return ucs.UploadRecord{}, fmt.Errorf("compare and update: commit: %w: %w", ucs.ErrStoreUnavailable, err)
	}

	return next, nil
}

func (r *Repo) List(ctx context.Context, q ucs.ListQuery) (ucs.ListResult, error) {
	cursor, err := ucs.DecodeCursor(q.Cursor)
	if err != nil {
		return ucs.ListResult{}, fmt.Errorf("list: %w: %w", ucs.ErrInvalidInput, err)
	}
	limit := ucs.NormalizeLimit(q.Limit)

	query := fmt.Sprintf(`SELECT %s FROM %s WHERE TRUE`, selectColumns, r.tableName)
	var args []any

	if q.State != "" {
		args = append(args, string(q.State))
		query += fmt.Sprintf(` AND state = $%d`, len(args))
	}

	if q.Cursor != "" {
		args = append(args, cursor.CreatedAt, cursor.FileID)
		query += fmt.Sprintf(` AND (created_at, file_id) > ($%d, $%d)`, len(args)-1, len(args))
	}

	args = append(args, limit+1)
	query += fmt.Sprintf(` ORDER BY created_at, file_id LIMIT $%d`, len(args))

	rows, err := r.pool.Query(ctx, query, args...)
	if err != nil {
		return ucs.ListResult{}, fmt.Errorf("list: %w: %w", ucs.ErrStoreUnavailable, err)
	}
	defer rows.Close()

	items := make([]ucs.UploadRecord, 0, limit)
	for rows.Next() {
		rec, err := scanRecord(rows)
		if err != nil {
			return ucs.ListResult{}, fmt.Errorf("list: scan: %w", err)
		}
		items = append(items, rec)
	}
	if err := rows.Err(); err != nil {
		return ucs.ListResult{}, fmt.Errorf("list: rows: %w", err)
	}

	var next string
	if len(items) > limit {
		items = items[:limit]
		last := items[limit-1]
		next = ucs.EncodeCursor(last.CreatedAt, last.FileID)
	}

	return ucs.ListResult{Items: items, NextCursor: next}, nil
}

func scanRecord(row pgx.Row) (ucs.UploadRecord, error) {
	var rec ucs.UploadRecord
	var state string
	var attempts, outbox []byte

	err := row.Scan(
		&rec.FileID, &state, &rec.FileName, &rec.ExpectedSize, &rec.Checksum, &rec.CorrelationID,
		&rec.CurrentUploadID, &attempts, &outbox, &rec.LastEventSequence, &rec.DeletionConfirmed,
		&rec.Version, &rec.CreatedAt, &rec.UpdatedAt,
	)
	if err != nil {
		return ucs.UploadRecord{}, err
	}

	rec.State = ucs.State(state)
	rec.CreatedAt = rec.CreatedAt.UTC()
	rec.UpdatedAt = rec.UpdatedAt.UTC()

	if err := json.Unmarshal(attempts, &rec.Attempts); err != nil {
		return ucs.UploadRecord{}, fmt.Errorf("decode attempts: %w", err)
	}
	if err := json.Unmarshal(outbox, &rec.Outbox); err != nil {
		return ucs.UploadRecord{}, fmt.Errorf("decode outbox: %w", err)
	}
	if len(rec.Outbox) == 0 {
		rec.Outbox = nil
	}

	return rec, nil
}

func encodeLists(rec ucs.UploadRecord) ([]byte, []byte, error) {
	attempts := rec.Attempts
	if attempts == nil {
		attempts = []ucs.UploadAttempt{}
	}
	a, err := json.Marshal(attempts)
	if err != nil {
		return nil, nil, fmt.Errorf("encode attempts: %w", err)
	}

	outbox := rec.Outbox
	if outbox == nil {
		outbox = []ucs.OutboundEvent{}
	}
	o, err := json.Marshal(outbox)
	if err != nil {
		return nil, nil, fmt.Errorf("encode outbox: %w", err)
	}

	return a, o, nil
}

// Package sqlite implements the record store using SQLite
package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/sagarc03/ucs"
)

// timeLayout is fixed width so that text comparison orders like time.
const timeLayout = "2006-01-02T15:04:05.000000000Z"

const selectColumns = `file_id, state, file_name, expected_size, checksum, correlation_id,
	current_upload_id, attempts, outbox, last_event_sequence, deletion_confirmed,
	version, created_at, updated_at`

type queryer interface {
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

type Repo struct {
	db        *sql.DB
	tableName string
	now       func() time.Time
}

// NewRepo creates a record store on an open database. Tables must already
// be migrated.
func NewRepo(db *sql.DB, tables ucs.Tables) (*Repo, error) {
	if err := tables.Validate(); err != nil {
		return nil, fmt.Errorf("new repo: %w", err)
	}
	return &Repo{
		db:        db,
		tableName: quoteIdentifier(tables.Records),
		now:       func() time.Time { return time.Now().UTC() },
	}, nil
}

func (r *Repo) Get(ctx context.Context, fileID string) (ucs.UploadRecord, error) {
	rec, err := r.get(ctx, r.db, fileID)
	if err != nil {
		if errors.Is(err, ucs.ErrNotFound) {
			return ucs.UploadRecord{}, err
		}
		return ucs.UploadRecord{}, fmt.Errorf("get: %w: %w", ucs.ErrStoreUnavailable, err)
	}
	return rec, nil
}

func (r *Repo) get(ctx context.Context, q queryer, fileID string) (ucs.UploadRecord, error) {
	query := fmt.Sprintf(`SELECT %s FROM %s WHERE file_id = ?`, selectColumns, r.tableName) //nolint:gosec // G201: table name is validated

	rec, err := scanRecord(q.QueryRowContext(ctx, query, fileID))
	if errors.Is(err, sql.ErrNoRows) {
		return ucs.UploadRecord{}, ucs.ErrNotFound
	}
	return rec, err
}

func (r *Repo) CreateIfAbsent(ctx context.Context, reg ucs.Registration) (ucs.UploadRecord, bool, error) {
	rec := ucs.NewUploadRecord(reg, r.now())
	attempts, outbox, err := encodeLists(rec)
	if err != nil {
		return ucs.UploadRecord{}, false, fmt.Errorf("create: %w", err)
	}

	insert := fmt.Sprintf( //nolint:gosec // G201: table name is validated
		`INSERT INTO %s (file_id, state, file_name, expected_size, checksum, correlation_id,
			current_upload_id, attempts, outbox, last_event_sequence, deletion_confirmed,
			version, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (file_id) DO NOTHING`, r.tableName)

	res, err := r.db.ExecContext(ctx, insert,
		rec.FileID, string(rec.State), rec.FileName, rec.ExpectedSize, rec.Checksum, rec.CorrelationID,
		rec.CurrentUploadID, attempts, outbox, rec.LastEventSequence, rec.DeletionConfirmed,
		rec.Version, rec.CreatedAt.Format(timeLayout), rec.UpdatedAt.Format(timeLayout),
	)
	if err != nil {
		return ucs.UploadRecord{}, false, fmt.Errorf("create: %w: %w", ucs.ErrStoreUnavailable, err)
	}

	n, err := res.RowsAffected()
	if err != nil {
		return ucs.UploadRecord{}, false, fmt.Errorf("create: rows affected: %w", err)
	}
	if n == 1 {
		return rec, true, nil
	}

	existing, err := r.Get(ctx, reg.FileID)
	if err != nil {
		return ucs.UploadRecord{}, false, fmt.Errorf("create: load existing: %w", err)
	}
	return existing, false, nil
}

func (r *Repo) CompareAndUpdate(ctx context.Context, fileID string, expectedVersion int64, mutate func(*ucs.UploadRecord) error) (ucs.UploadRecord, error) {
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return ucs.UploadRecord{}, fmt.Errorf("compare and update: begin: %w: %w", ucs.ErrStoreUnavailable, err)
	}
	defer func() { _ = tx.Rollback() }()

	cur, err := r.get(ctx, tx, fileID)
	if err != nil {
		return ucs.UploadRecord{}, err
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

	update := fmt.Sprintf( //nolint:gosec // G201: table name is validated
		`UPDATE %s SET state = ?, file_name = ?, expected_size = ?, checksum = ?, correlation_id = ?,
			current_upload_id = ?, attempts = ?, outbox = ?, last_event_sequence = ?,
			deletion_confirmed = ?, version = ?, updated_at = ?
		WHERE file_id = ? AND version = ?`, r.tableName)

	res, err := tx.ExecContext(ctx, update,
		string(next.State), next.FileName, next.ExpectedSize, next.Checksum, next.CorrelationID,
		next.CurrentUploadID, attempts, outbox, next.LastEventSequence,
		next.DeletionConfirmed, next.Version, next.UpdatedAt.Format(timeLayout),
		fileID, expectedVersion,
	)
	if err != nil {
		return ucs.UploadRecord{}, fmt.Errorf("compare and update: %w: %w", ucs.ErrStoreUnavailable, err)
	}

	n, err := res.RowsAffected()
	if err != nil {
		return ucs.UploadRecord{}, fmt.Errorf("compare and update: rows affected: %w", err)
	}
	if n == 0 {
		return ucs.UploadRecord{}, fmt.Errorf("compare and update %s: %w", fileID, ucs.ErrVersionConflict)
	}

	if err := tx.Commit(); err != nil {
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

	query := fmt.Sprintf(`SELECT %s FROM %s WHERE 1 = 1`, selectColumns, r.tableName) //nolint:gosec // G201: table name is validated
	var args []any

	if q.State != "" {
		query += ` AND state = ?`
		args = append(args, string(q.State))
	}

	if q.Cursor != "" {
		ts := cursor.CreatedAt.UTC().Format(timeLayout)
		query += ` AND (created_at > ? OR (created_at = ? AND file_id > ?))`
		args = append(args, ts, ts, cursor.FileID)
	}

	query += ` ORDER BY created_at, file_id LIMIT ?`
	args = append(args, limit+1)

	rows, err := r.db.QueryContext(ctx, query, args...)
	if err != nil {
		return ucs.ListResult{}, fmt.Errorf("list: %w: %w", ucs.ErrStoreUnavailable, err)
	}
	defer func() { _ = rows.Close() }()

	items := make([]ucs.UploadRecord, 0, limit)
	for rows.Next() {
		rec, err := scanRecord(rows)
		if err != nil {
			return ucs.ListResult{}, fmt.Errorf("list: %w", err)
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

type scanner interface {
	Scan(dest ...any) error
}

func scanRecord(row scanner) (ucs.UploadRecord, error) {
	var rec ucs.UploadRecord
	var state, attempts, outbox, createdAt, updatedAt string

	err := row.Scan(
		&rec.FileID, &state, &rec.FileName, &rec.ExpectedSize, &rec.Checksum, &rec.CorrelationID,
		&rec.CurrentUploadID, &attempts, &outbox, &rec.LastEventSequence, &rec.DeletionConfirmed,
		&rec.Version, &createdAt, &updatedAt,
	)
	if err != nil {
		return ucs.UploadRecord{}, err
	}

	rec.State = ucs.State(state)

	if err := json.Unmarshal([]byte(attempts), &rec.Attempts); err != nil {
		return ucs.UploadRecord{}, fmt.Errorf("decode attempts: %w", err)
	}
	if err := json.Unmarshal([]byte(outbox), &rec.Outbox); err != nil {
		return ucs.UploadRecord{}, fmt.Errorf("decode outbox: %w", err)
	}
	if len(rec.Outbox) == 0 {
		rec.Outbox = nil
	}

	if rec.CreatedAt, err = time.Parse(timeLayout, createdAt); err != nil {
		return ucs.UploadRecord{}, fmt.Errorf("parse created_at: %w", err)
	}
	if rec.UpdatedAt, err = time.Parse(timeLayout, updatedAt); err != nil {
		return ucs.UploadRecord{}, fmt.Errorf("parse updated_at: %w", err)
	}

	return rec, nil
}

func encodeLists(rec ucs.UploadRecord) (string, string, error) {
	attempts := rec.Attempts
	if attempts == nil {
		attempts = []ucs.UploadAttempt{}
	}
	a, err := json.Marshal(attempts)
	if err != nil {
		return "", "", fmt.Errorf("encode attempts: %w", err)
	}

	outbox := rec.Outbox
	if outbox == nil {
		outbox = []ucs.OutboundEvent{}
	}
	o, err := json.Marshal(outbox)
	if err != nil {
		return "", "", fmt.Errorf("encode outbox: %w", err)
	}

	return string(a), string(o), nil
}

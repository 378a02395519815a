// Package memory implements the record store in process memory. Records do
// not survive a restart; it backs tests and single-process development.
package memory

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/sagarc03/ucs"
)

type Store struct {
	mu      sync.Mutex
	records map[string]ucs.UploadRecord
	now     func() time.Time
}

func New() *Store {
	return &Store{
		records: make(map[string]ucs.UploadRecord),
		now:     func() time.Time { return time.Now().UTC() },
	}
}

func (s *Store) Get(ctx context.Context, fileID string) (ucs.UploadRecord, error) {
	if err := ctx.Err(); err != nil {
		return ucs.UploadRecord{}, fmt.Errorf("get: %w", err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	rec, ok := s.records[fileID]
	if !ok {
		return ucs.UploadRecord{}, ucs.ErrNotFound
	}
	return rec.Clone(), nil
}

func (s *Store) CreateIfAbsent(ctx context.Context, reg ucs.Registration) (ucs.UploadRecord, bool, error) {
	if err := ctx.Err(); err != nil {
		return ucs.UploadRecord{}, false, fmt.Errorf("create: %w", err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if existing, ok := s.records[reg.FileID]; ok {
		return existing.Clone(), false, nil
	}

	rec := ucs.NewUploadRecord(reg, s.now())
	s.records[reg.FileID] = rec
	return rec.Clone(), true, nil
}

func (s *Store) CompareAndUpdate(ctx context.Context, fileID string, expectedVersion int64, mutate func(*ucs.UploadRecord) error) (ucs.UploadRecord, error) {
	if err := ctx.Err(); err != nil {
		return ucs.UploadRecord{}, fmt.Errorf("compare and update: %w", err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	cur, ok := s.records[fileID]
	if !ok {
		return ucs.UploadRecord{}, ucs.ErrNotFound
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
	next.UpdatedAt = s.now()

	s.records[fileID] = next
	return next.Clone(), nil
}

func (s *Store) List(ctx context.Context, q ucs.ListQuery) (ucs.ListResult, error) {
	if err := ctx.Err(); err != nil {
		return ucs.ListResult{}, fmt.Errorf("list: %w", err)
	}

	cursor, err := ucs.DecodeCursor(q.Cursor)
	if err != nil {
		return ucs.ListResult{}, fmt.Errorf("list: %w: %w", ucs.ErrInvalidInput, err)
	}
	limit := ucs.NormalizeLimit(q.Limit)

	s.mu.Lock()
	all := make([]ucs.UploadRecord, 0, len(s.records))
	for _, rec := range s.records {
		if q.State != "" && rec.State != q.State {
			continue
		}
		all = append(all, rec.Clone())
	}
	s.mu.Unlock()

	sort.Slice(all, func(i, j int) bool {
		if !all[i].CreatedAt.Equal(all[j].CreatedAt) {
			return all[i].CreatedAt.Before(all[j].CreatedAt)
		}
		return all[i].FileID < all[j].FileID
	})

	items := make([]ucs.UploadRecord, 0, limit)
	for _, rec := range all {
		if q.Cursor != "" && !after(rec, cursor) {
			continue
		}
		if len(items) == limit {
			last := items[len(items)-1]
			return ucs.ListResult{Items: items, NextCursor: ucs.EncodeCursor(last.CreatedAt, last.FileID)}, nil
		}
		items = append(items, rec)
	}

	return ucs.ListResult{Items: items}, nil
}

func after(rec ucs.UploadRecord, c ucs.Cursor) bool {
	if rec.CreatedAt.Equal(c.CreatedAt) {
		return rec.FileID > c.FileID
	}
	return rec.CreatedAt.After(c.CreatedAt)
}

// Package storetest holds the behavior every ucs.RecordStore must share.
// Backend packages run it from their own tests.
package storetest

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sagarc03/ucs"
)

// Factory returns an empty store. Cleanup is registered on t.
type Factory func(t *testing.T) ucs.RecordStore

func registration(fileID string) ucs.Registration {
	return ucs.Registration{
		FileID:        fileID,
		FileName:      fileID + ".bin",
		ExpectedSize:  1024,
		Checksum:      "sha256:abc",
		CorrelationID: "corr-" + fileID,
		Sequence:      1,
	}
}

// Run executes the shared record store tests.
func Run(t *testing.T, newStore Factory) {
	t.Run("get unknown file", func(t *testing.T) {
		store := newStore(t)

		_, err := store.Get(context.Background(), "missing")
		assert.ErrorIs(t, err, ucs.ErrNotFound)
	})

	t.Run("create if absent", func(t *testing.T) {
		store := newStore(t)
		ctx := context.Background()

		rec, created, err := store.CreateIfAbsent(ctx, registration("f1"))
		require.NoError(t, err)
		assert.True(t, created)
		assert.Equal(t, ucs.StatePending, rec.State)
		assert.Equal(t, int64(1), rec.Version)
		assert.Equal(t, int64(1), rec.LastEventSequence)
		assert.Equal(t, "corr-f1", rec.CorrelationID)

		other := registration("f1")
		other.FileName = "different.bin"
		existing, created, err := store.CreateIfAbsent(ctx, other)
		require.NoError(t, err)
		assert.False(t, created)
		assert.Equal(t, "f1.bin", existing.FileName)
		assert.Equal(t, int64(1), existing.Version)

		got, err := store.Get(ctx, "f1")
		require.NoError(t, err)
		assert.Equal(t, "f1.bin", got.FileName)
		assert.Equal(t, int64(1024), got.ExpectedSize)
		assert.Empty(t, got.Attempts)
		assert.Empty(t, got.Outbox)
	})

	t.Run("compare and update persists every field", func(t *testing.T) {
		store := newStore(t)
		ctx := context.Background()

		_, _, err := store.CreateIfAbsent(ctx, registration("f1"))
		require.NoError(t, err)

		created := time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)
		updated, err := store.CompareAndUpdate(ctx, "f1", 1, func(r *ucs.UploadRecord) error {
			r.State = ucs.StateUploaded
			r.CurrentUploadID = "u1"
			r.LastEventSequence = 4
			r.Attempts = append(r.Attempts, ucs.UploadAttempt{
				UploadID:  "u1",
				ObjectKey: "f1/u1",
				CreatedAt: created,
				Outcome:   ucs.OutcomeSucceeded,
			})
			r.Outbox = append(r.Outbox, ucs.OutboundEvent{
				EventID: "e1",
				Kind:    ucs.KindUploadReceived,
				FileID:  "f1",
			})
			return nil
		})
		require.NoError(t, err)
		assert.Equal(t, int64(2), updated.Version)

		got, err := store.Get(ctx, "f1")
		require.NoError(t, err)
		assert.Equal(t, ucs.StateUploaded, got.State)
		assert.Equal(t, "u1", got.CurrentUploadID)
		assert.Equal(t, int64(4), got.LastEventSequence)
		assert.Equal(t, int64(2), got.Version)
		require.Len(t, got.Attempts, 1)
		assert.Equal(t, "f1/u1", got.Attempts[0].ObjectKey)
		assert.True(t, created.Equal(got.Attempts[0].CreatedAt))
		assert.Equal(t, ucs.OutcomeSucceeded, got.Attempts[0].Outcome)
		require.Len(t, got.Outbox, 1)
		assert.Equal(t, "e1", got.Outbox[0].EventID)
	})

	t.Run("compare and update rejects stale version", func(t *testing.T) {
		store := newStore(t)
		ctx := context.Background()

		_, _, err := store.CreateIfAbsent(ctx, registration("f1"))
		require.NoError(t, err)

		_, err = store.CompareAndUpdate(ctx, "f1", 1, func(r *ucs.UploadRecord) error {
			r.State = ucs.StateRejected
			return nil
		})
		require.NoError(t, err)

		_, err = store.CompareAndUpdate(ctx, "f1", 1, func(r *ucs.UploadRecord) error {
			r.State = ucs.StateAccepted
			return nil
		})
		assert.ErrorIs(t, err, ucs.ErrVersionConflict)

		got, err := store.Get(ctx, "f1")
		require.NoError(t, err)
		assert.Equal(t, ucs.StateRejected, got.State)
	})

	t.Run("compare and update discards on mutate error", func(t *testing.T) {
		store := newStore(t)
		ctx := context.Background()

		_, _, err := store.CreateIfAbsent(ctx, registration("f1"))
		require.NoError(t, err)

		boom := errors.New("boom")
		_, err = store.CompareAndUpdate(ctx, "f1", 1, func(r *ucs.UploadRecord) error {
			r.State = ucs.StateAccepted
			return boom
		})
		assert.ErrorIs(t, err, boom)

		got, err := store.Get(ctx, "f1")
		require.NoError(t, err)
		assert.Equal(t, ucs.StatePending, got.State)
		assert.Equal(t, int64(1), got.Version)
	})

	t.Run("compare and update unknown file", func(t *testing.T) {
		store := newStore(t)

		_, err := store.CompareAndUpdate(context.Background(), "missing", 1, func(*ucs.UploadRecord) error { return nil })
		assert.ErrorIs(t, err, ucs.ErrNotFound)
	})

	t.Run("concurrent updates are serialized", func(t *testing.T) {
		store := newStore(t)
		ctx := context.Background()

		_, _, err := store.CreateIfAbsent(ctx, registration("f1"))
		require.NoError(t, err)

		const writers = 8
		var wg sync.WaitGroup
		for range writers {
			wg.Add(1)
			go func() {
				defer wg.Done()
				for {
					cur, err := store.Get(ctx, "f1")
					if err != nil {
						return
					}
					_, err = store.CompareAndUpdate(ctx, "f1", cur.Version, func(r *ucs.UploadRecord) error {
						r.LastEventSequence++
						return nil
					})
					if !errors.Is(err, ucs.ErrVersionConflict) {
						return
					}
				}
			}()
		}
		wg.Wait()

		got, err := store.Get(ctx, "f1")
		require.NoError(t, err)
		assert.Equal(t, int64(1+writers), got.LastEventSequence)
		assert.Equal(t, int64(1+writers), got.Version)
	})

	t.Run("list paginates in creation order", func(t *testing.T) {
		store := newStore(t)
		ctx := context.Background()

		for i := range 5 {
			_, _, err := store.CreateIfAbsent(ctx, registration(fmt.Sprintf("f%d", i)))
			require.NoError(t, err)
		}

		var seen []string
		cursor := ""
		for {
			page, err := store.List(ctx, ucs.ListQuery{Limit: 2, Cursor: cursor})
			require.NoError(t, err)
			assert.LessOrEqual(t, len(page.Items), 2)
			for _, rec := range page.Items {
				seen = append(seen, rec.FileID)
			}
			if page.NextCursor == "" {
				break
			}
			cursor = page.NextCursor
		}

		assert.ElementsMatch(t, []string{"f0", "f1", "f2", "f3", "f4"}, seen)
		assert.Len(t, seen, 5)
	})

	t.Run("list filters by state", func(t *testing.T) {
		store := newStore(t)
		ctx := context.Background()

		for _, id := range []string{"a", "b", "c"} {
			_, _, err := store.CreateIfAbsent(ctx, registration(id))
			require.NoError(t, err)
		}
		_, err := store.CompareAndUpdate(ctx, "b", 1, func(r *ucs.UploadRecord) error {
			r.State = ucs.StateDeletionRequested
			return nil
		})
		require.NoError(t, err)

		page, err := store.List(ctx, ucs.ListQuery{State: ucs.StateDeletionRequested})
		require.NoError(t, err)
		require.Len(t, page.Items, 1)
		assert.Equal(t, "b", page.Items[0].FileID)
		assert.Empty(t, page.NextCursor)
	})

	t.Run("list rejects malformed cursor", func(t *testing.T) {
		store := newStore(t)

		_, err := store.List(context.Background(), ucs.ListQuery{Cursor: "!!!"})
		assert.ErrorIs(t, err, ucs.ErrInvalidInput)
	})
}

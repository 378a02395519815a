package filesystem_test

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sagarc03/ucs"
	"github.com/sagarc03/ucs/filesystem"
)

func newStore(t *testing.T) (*filesystem.Store, string) {
	t.Helper()
	tempDir := t.TempDir()
	root, err := os.OpenRoot(tempDir)
	require.NoError(t, err)
	t.Cleanup(func() { _ = root.Close() })
	return filesystem.NewFileStorage(root), tempDir
}

func TestStore_Get_Success(t *testing.T) {
	store, dir := newStore(t)

	content := []byte("test content")
	require.NoError(t, os.WriteFile(filepath.Join(dir, "test.txt"), content, 0o644))

	result, info, err := store.Get(context.Background(), "test.txt")
	require.NoError(t, err)
	defer func() { _ = result.Close() }()

	readContent, err := io.ReadAll(result)
	assert.NoError(t, err)
	assert.Equal(t, content, readContent)
	assert.Equal(t, "test.txt", info.Key)
	assert.Equal(t, int64(len(content)), info.Size)
	assert.False(t, info.ModifiedAt.IsZero())
}

func TestStore_Get_ContextCanceled(t *testing.T) {
	store, _ := newStore(t)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	result, _, err := store.Get(ctx, "test.txt")
	assert.Nil(t, result)
	assert.Equal(t, context.Canceled, err)
}

func TestStore_Get_NotFound(t *testing.T) {
	store, dir := newStore(t)
	require.NoError(t, os.Mkdir(filepath.Join(dir, "folder"), 0o755))

	for _, key := range []string{"nonexistent.txt", "folder"} {
		result, _, err := store.Get(context.Background(), key)
		assert.Nil(t, result)
		assert.ErrorIs(t, err, ucs.ErrNotFound, key)
	}
}

func TestStore_Exists(t *testing.T) {
	store, dir := newStore(t)
	require.NoError(t, os.MkdirAll(filepath.Join(dir, "f1"), 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "f1", "u1"), []byte("x"), 0o644))
	ctx := context.Background()

	exists, err := store.Exists(ctx, "f1/u1")
	require.NoError(t, err)
	assert.True(t, exists)

	exists, err = store.Exists(ctx, "f1/u2")
	require.NoError(t, err)
	assert.False(t, exists)

	exists, err = store.Exists(ctx, "f1")
	require.NoError(t, err)
	assert.False(t, exists, "directories are not objects")
}

func TestStore_Write_Success(t *testing.T) {
	store, dir := newStore(t)

	content := []byte("hello world")
	result, err := store.Write(context.Background(), "inbox/f1/u1", bytes.NewReader(content))
	require.NoError(t, err)

	sum := sha256.Sum256(content)
	assert.Equal(t, int64(len(content)), result.BytesWritten)
	assert.Equal(t, hex.EncodeToString(sum[:]), result.ETag)

	written, err := os.ReadFile(filepath.Join(dir, "inbox", "f1", "u1"))
	require.NoError(t, err)
	assert.Equal(t, content, written)
}

func TestStore_Write_Overwrite(t *testing.T) {
	store, dir := newStore(t)
	ctx := context.Background()

	_, err := store.Write(ctx, "key", strings.NewReader("first"))
	require.NoError(t, err)
	_, err = store.Write(ctx, "key", strings.NewReader("second"))
	require.NoError(t, err)

	written, err := os.ReadFile(filepath.Join(dir, "key"))
	require.NoError(t, err)
	assert.Equal(t, "second", string(written))
}

func TestStore_Write_ContextCanceledBefore(t *testing.T) {
	store, dir := newStore(t)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := store.Write(ctx, "key", strings.NewReader("data"))
	assert.Equal(t, context.Canceled, err)

	entries, err := os.ReadDir(dir)
	require.NoError(t, err)
	assert.Empty(t, entries)
}

type cancelingReader struct {
	cancel context.CancelFunc
	reads  int
}

func (r *cancelingReader) Read(p []byte) (int, error) {
	r.reads++
	if r.reads > 1 {
		r.cancel()
	}
	n := copy(p, "chunk")
	return n, nil
}

func TestStore_Write_ContextCanceledDuringCopy(t *testing.T) {
	store, dir := newStore(t)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	_, err := store.Write(ctx, "key", &cancelingReader{cancel: cancel})
	assert.ErrorIs(t, err, context.Canceled)

	entries, err := os.ReadDir(dir)
	require.NoError(t, err)
	assert.Empty(t, entries, "temp file must be removed")
}

func TestStore_Delete(t *testing.T) {
	store, dir := newStore(t)
	ctx := context.Background()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "key"), []byte("x"), 0o644))

	require.NoError(t, store.Delete(ctx, "key"))
	assert.ErrorIs(t, store.Delete(ctx, "key"), ucs.ErrNotFound)

	_, err := os.Stat(filepath.Join(dir, "key"))
	assert.True(t, os.IsNotExist(err))
}

func TestStore_Delete_ContextCanceled(t *testing.T) {
	store, _ := newStore(t)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	assert.Equal(t, context.Canceled, store.Delete(ctx, "key"))
}

func TestStore_List(t *testing.T) {
	store, _ := newStore(t)
	ctx := context.Background()

	for _, key := range []string{"inbox/f1/u1", "inbox/f1/u2", "inbox/f2/u1", "other/f3/u1"} {
		_, err := store.Write(ctx, key, strings.NewReader(key))
		require.NoError(t, err)
	}

	objects, err := store.List(ctx, "inbox/")
	require.NoError(t, err)

	keys := make([]string, 0, len(objects))
	for _, o := range objects {
		keys = append(keys, o.Key)
		assert.Equal(t, int64(len(o.Key)), o.Size)
	}
	assert.ElementsMatch(t, []string{"inbox/f1/u1", "inbox/f1/u2", "inbox/f2/u1"}, keys)

	all, err := store.List(ctx, "")
	require.NoError(t, err)
	assert.Len(t, all, 4)
}

func TestStore_List_SkipsTempFiles(t *testing.T) {
	store, dir := newStore(t)
	require.NoError(t, os.WriteFile(filepath.Join(dir, ".t0b7f4c3a-2d8e-4a3b-9c1d-5e6f7a8b9c0d"), []byte("partial"), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(dir, ".hidden"), []byte("kept"), 0o644))

	objects, err := store.List(context.Background(), "")
	require.NoError(t, err)
	require.Len(t, objects, 1)
	assert.Equal(t, ".hidden", objects[0].Key)
}

func TestStore_List_MissingPrefix(t *testing.T) {
	store, _ := newStore(t)

	objects, err := store.List(context.Background(), "inbox/")
	require.NoError(t, err)
	assert.Empty(t, objects)
}

func TestStore_List_ContextCanceled(t *testing.T) {
	store, _ := newStore(t)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := store.List(ctx, "")
	assert.Equal(t, context.Canceled, err)
}

func TestStore_ConcurrentWrites(t *testing.T) {
	store, _ := newStore(t)
	ctx := context.Background()

	var wg sync.WaitGroup
	for i := range 10 {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, err := store.Write(ctx, fmt.Sprintf("inbox/f%d/u1", i), strings.NewReader("data"))
			assert.NoError(t, err)
		}(i)
	}
	wg.Wait()

	objects, err := store.List(ctx, "inbox")
	require.NoError(t, err)
	assert.Len(t, objects, 10)
}

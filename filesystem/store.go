// Package filesystem provides a local inbox backend. Objects are stored as
// plain files below a sandboxed root, written atomically through a temp
// file and rename.
package filesystem

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"log/slog"
	"os"
	"path"
	"path/filepath"
	"strings"

	"github.com/google/uuid"
	"github.com/sagarc03/ucs"
)

// Store provides file system storage operations.
type Store struct {
	root *os.Root
}

// NewFileStorage creates a new Store with the given root directory.
// The root provides sandboxed file operations preventing path traversal.
func NewFileStorage(root *os.Root) *Store {
	return &Store{root: root}
}

// Get opens an object for reading. Returns ucs.ErrNotFound if it does not exist.
func (s *Store) Get(ctx context.Context, key string) (io.ReadSeekCloser, ucs.ObjectInfo, error) {
	if err := ctx.Err(); err != nil {
		return nil, ucs.ObjectInfo{}, err
	}

	f, err := s.root.Open(key)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, ucs.ObjectInfo{}, ucs.ErrNotFound
		}
		return nil, ucs.ObjectInfo{}, fmt.Errorf("open object: %w", err)
	}

	info, err := f.Stat()
	if err != nil {
		_ = f.Close()
		return nil, ucs.ObjectInfo{}, fmt.Errorf("stat object: %w", err)
	}
	if info.IsDir() {
		_ = f.Close()
		return nil, ucs.ObjectInfo{}, ucs.ErrNotFound
	}

	return f, ucs.ObjectInfo{Key: key, Size: info.Size(), ModifiedAt: info.ModTime().UTC()}, nil
}

// Exists reports whether a regular file is stored under key.
func (s *Store) Exists(ctx context.Context, key string) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, err
	}

	info, err := s.root.Stat(key)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return false, nil
		}
		return false, fmt.Errorf("stat object: %w", err)
	}
	return !info.IsDir(), nil
}

type ctxReader struct {
	ctx context.Context
	r   io.Reader
}

func (r *ctxReader) Read(p []byte) (n int, err error) {
	if err := r.ctx.Err(); err != nil {
		return 0, err
	}
	return r.r.Read(p)
}

// Write atomically writes content under key using a temp file and rename.
// It creates intermediate directories as needed and returns the number of
// bytes written and a SHA256-based etag. The operation respects context
// cancellation.
func (s *Store) Write(ctx context.Context, key string, content io.Reader) (ucs.WriteResult, error) {
	if ctxErr := ctx.Err(); ctxErr != nil {
		return ucs.WriteResult{}, ctxErr
	}

	tmpFile := tmpFileName()
	t, createErr := s.root.Create(tmpFile)
	if createErr != nil {
		return ucs.WriteResult{}, fmt.Errorf("could not open temp file: %w", createErr)
	}

	success := false
	defer func() {
		if closeErr := t.Close(); closeErr != nil {
			slog.Warn("failed to close tmp file", "err", closeErr)
		}
		if !success {
			if rmErr := s.root.Remove(tmpFile); rmErr != nil {
				slog.Warn("failed to remove tmp file", "err", rmErr)
			}
		}
	}()

	h := sha256.New()
	w := io.MultiWriter(h, t)

	written, err := io.Copy(w, &ctxReader{ctx: ctx, r: content})
	if err != nil {
		return ucs.WriteResult{}, fmt.Errorf("could not copy object contents: %w", err)
	}

	if err := t.Sync(); err != nil {
		return ucs.WriteResult{}, fmt.Errorf("could not sync written object: %w", err)
	}

	if destDir := path.Dir(key); destDir != "." {
		if err := s.root.MkdirAll(destDir, 0o755); err != nil {
			return ucs.WriteResult{}, fmt.Errorf("could not create intermediate directories: %w", err)
		}
	}

	if renameErr := s.root.Rename(tmpFile, key); renameErr != nil {
		return ucs.WriteResult{}, fmt.Errorf("failed to rename object: %w", renameErr)
	}

	success = true
	return ucs.WriteResult{BytesWritten: written, ETag: hex.EncodeToString(h.Sum(nil))}, nil
}

// Delete removes an object. Returns ucs.ErrNotFound if it does not exist.
func (s *Store) Delete(ctx context.Context, key string) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	if err := s.root.Remove(key); err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return ucs.ErrNotFound
		}
		return fmt.Errorf("could not delete object: %w", err)
	}
	return nil
}

// Compose concatenates parts into key and removes them. When the parts are
// already gone and key exists, an earlier compose finished and nothing is
// done.
func (s *Store) Compose(ctx context.Context, key string, parts []string) error {
	if len(parts) == 0 {
		return fmt.Errorf("compose %s: no parts", key)
	}

	for i, part := range parts {
		ok, err := s.Exists(ctx, part)
		if err != nil {
			return err
		}
		if ok {
			continue
		}
		if i == 0 {
			if done, err := s.Exists(ctx, key); err != nil || done {
				return err
			}
		}
		return fmt.Errorf("compose %s: part %s: %w", key, part, ucs.ErrNotFound)
	}

	r := &partsReader{root: s.root, keys: parts}
	defer r.Close()
	if _, err := s.Write(ctx, key, r); err != nil {
		return fmt.Errorf("compose %s: %w", key, err)
	}

	for _, part := range parts {
		if err := s.Delete(ctx, part); err != nil && !errors.Is(err, ucs.ErrNotFound) {
			slog.Warn("failed to remove composed part", "key", part, "err", err)
		}
	}
	return nil
}

// partsReader reads files one after another, opening each only when the
// previous one is exhausted.
type partsReader struct {
	root *os.Root
	keys []string
	cur  *os.File
}

func (r *partsReader) Read(p []byte) (int, error) {
	for {
		if r.cur == nil {
			if len(r.keys) == 0 {
				return 0, io.EOF
			}
			f, err := r.root.Open(r.keys[0])
			if err != nil {
				if errors.Is(err, os.ErrNotExist) {
					return 0, fmt.Errorf("part %s: %w", r.keys[0], ucs.ErrNotFound)
				}
				return 0, err
			}
			r.cur, r.keys = f, r.keys[1:]
		}

		n, err := r.cur.Read(p)
		if errors.Is(err, io.EOF) {
			_ = r.cur.Close()
			r.cur = nil
			if n > 0 {
				return n, nil
			}
			continue
		}
		return n, err
	}
}

func (r *partsReader) Close() {
	if r.cur != nil {
		_ = r.cur.Close()
	}
}

// List walks the directory for prefix and returns every stored object below
// it. Temp files of in-progress writes are skipped.
func (s *Store) List(ctx context.Context, prefix string) ([]ucs.ObjectInfo, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	dir := strings.Trim(prefix, "/")
	if dir == "" {
		dir = "."
	}

	var objects []ucs.ObjectInfo
	err := s.walkDir(ctx, dir, &objects)
	if errors.Is(err, fs.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to list objects: %w", err)
	}

	return objects, nil
}

func (s *Store) walkDir(ctx context.Context, dir string, objects *[]ucs.ObjectInfo) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	entries, err := fs.ReadDir(s.root.FS(), dir)
	if err != nil {
		return err
	}

	for _, entry := range entries {
		if err := ctx.Err(); err != nil {
			return err
		}

		entryPath := path.Join(dir, entry.Name())

		if entry.IsDir() {
			if err := s.walkDir(ctx, entryPath, objects); err != nil {
				return err
			}
			continue
		}

		if isTmpFile(entry.Name()) {
			continue
		}

		info, err := entry.Info()
		if err != nil {
			return fmt.Errorf("walk dir: %w", err)
		}

		*objects = append(*objects, ucs.ObjectInfo{
			Key:        filepath.ToSlash(entryPath),
			Size:       info.Size(),
			ModifiedAt: info.ModTime().UTC(),
		})
	}

	return nil
}

func tmpFileName() string {
	return fmt.Sprintf(".t%s", uuid.New().String())
}

func isTmpFile(name string) bool {
	if !strings.HasPrefix(name, ".t") {
		return false
	}
	_, err := uuid.Parse(name[2:])
	return err == nil
}

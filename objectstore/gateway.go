// Package objectstore issues presigned credentials for the inbox bucket and
// performs the object operations the coordinator needs on it.
//
// A Gateway combines a Presigner, which produces the URLs handed to clients,
// with a Backend holding the objects. Transient backend failures are retried
// with exponential backoff; failures that persist are reported as
// ucs.ErrStorageUnavailable, permission failures as ucs.ErrStorageDenied.
package objectstore

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"net/http"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v4"

	"github.com/sagarc03/ucs"
)

// Backend holds inbox objects. Keys are "<bucket>/<object key>".
type Backend interface {
	Exists(ctx context.Context, key string) (bool, error)
	// Delete removes an object. An absent object may return ucs.ErrNotFound.
	Delete(ctx context.Context, key string) error
	List(ctx context.Context, prefix string) ([]ucs.ObjectInfo, error)
	// Compose joins parts into key and removes them. A missing part returns
	// ucs.ErrNotFound unless key already holds the composed object.
	Compose(ctx context.Context, key string, parts []string) error
}

// Presigner produces time-limited URLs for a path. *stowry.Client from
// stowry-go satisfies it.
type Presigner interface {
	PresignPut(key string, expires int) string
	PresignGet(key string, expires int) string
}

type RetryConfig struct {
	MaxRetries      uint64
	InitialInterval time.Duration
	MaxInterval     time.Duration
}

type Config struct {
	Bucket string
	Retry  RetryConfig
	Now    func() time.Time
}

// Gateway implements ucs.ObjectStorage for a single bucket.
type Gateway struct {
	bucket    string
	backend   Backend
	presigner Presigner
	retry     RetryConfig
	now       func() time.Time
}

func NewGateway(backend Backend, presigner Presigner, cfg Config) (*Gateway, error) {
	if backend == nil || presigner == nil {
		return nil, errors.New("new gateway: backend and presigner are required")
	}
	if cfg.Bucket == "" || strings.Contains(cfg.Bucket, "/") {
		return nil, fmt.Errorf("new gateway: %w: invalid bucket %q", ucs.ErrInvalidInput, cfg.Bucket)
	}
	if cfg.Retry.InitialInterval <= 0 {
		cfg.Retry.InitialInterval = 100 * time.Millisecond
	}
	if cfg.Retry.MaxInterval <= 0 {
		cfg.Retry.MaxInterval = 2 * time.Second
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	return &Gateway{
		bucket:    cfg.Bucket,
		backend:   backend,
		presigner: presigner,
		retry:     cfg.Retry,
		now:       cfg.Now,
	}, nil
}

func (g *Gateway) IssueUploadCredential(ctx context.Context, bucket, key string, ttl time.Duration) (ucs.Credential, error) {
	return g.issue(ctx, http.MethodPut, bucket, key, ttl)
}

func (g *Gateway) IssueDownloadCredential(ctx context.Context, bucket, key string, ttl time.Duration) (ucs.Credential, error) {
	return g.issue(ctx, http.MethodGet, bucket, key, ttl)
}

func (g *Gateway) issue(ctx context.Context, method, bucket, key string, ttl time.Duration) (ucs.Credential, error) {
	if err := ctx.Err(); err != nil {
		return ucs.Credential{}, err
	}
	if err := g.checkBucket(bucket); err != nil {
		return ucs.Credential{}, err
	}
	if key == "" {
		return ucs.Credential{}, fmt.Errorf("issue credential: %w: empty key", ucs.ErrInvalidInput)
	}

	expires := int(ttl / time.Second)
	expires = max(1, min(expires, ucs.MaxExpiresSeconds))

	path := "/" + g.backendKey(key)
	var url string
	if method == http.MethodPut {
		url = g.presigner.PresignPut(path, expires)
	} else {
		url = g.presigner.PresignGet(path, expires)
	}

	return ucs.Credential{
		URL:       url,
		Method:    method,
		Bucket:    bucket,
		Key:       key,
		ExpiresAt: g.now().UTC().Add(time.Duration(expires) * time.Second),
	}, nil
}

func (g *Gateway) ObjectExists(ctx context.Context, bucket, key string) (bool, error) {
	if err := g.checkBucket(bucket); err != nil {
		return false, err
	}

	var exists bool
	err := g.do(ctx, "object exists", func() error {
		var err error
		exists, err = g.backend.Exists(ctx, g.backendKey(key))
		return err
	})
	return exists, err
}

// DeleteObject removes an object. Deleting an absent object succeeds.
func (g *Gateway) DeleteObject(ctx context.Context, bucket, key string) error {
	if err := g.checkBucket(bucket); err != nil {
		return err
	}

	return g.do(ctx, "delete object", func() error {
		err := g.backend.Delete(ctx, g.backendKey(key))
		if errors.Is(err, ucs.ErrNotFound) {
			return nil
		}
		return err
	})
}

// ComposeObject joins uploaded parts into key.
func (g *Gateway) ComposeObject(ctx context.Context, bucket, key string, parts []string) error {
	if err := g.checkBucket(bucket); err != nil {
		return err
	}

	backendParts := make([]string, len(parts))
	for i, p := range parts {
		backendParts[i] = g.backendKey(p)
	}
	return g.do(ctx, "compose object", func() error {
		return g.backend.Compose(ctx, g.backendKey(key), backendParts)
	})
}

// ListObjects returns the objects below prefix with keys relative to the
// bucket.
func (g *Gateway) ListObjects(ctx context.Context, bucket, prefix string) ([]ucs.ObjectInfo, error) {
	if err := g.checkBucket(bucket); err != nil {
		return nil, err
	}

	var objects []ucs.ObjectInfo
	err := g.do(ctx, "list objects", func() error {
		var err error
		objects, err = g.backend.List(ctx, g.backendKey(prefix))
		return err
	})
	if err != nil {
		return nil, err
	}

	bucketPrefix := g.bucket + "/"
	out := make([]ucs.ObjectInfo, 0, len(objects))
	for _, o := range objects {
		if !strings.HasPrefix(o.Key, bucketPrefix) {
			continue
		}
		o.Key = strings.TrimPrefix(o.Key, bucketPrefix)
		out = append(out, o)
	}
	return out, nil
}

func (g *Gateway) checkBucket(bucket string) error {
	if bucket != g.bucket {
		return fmt.Errorf("%w: unknown bucket %q", ucs.ErrStorageDenied, bucket)
	}
	return nil
}

func (g *Gateway) backendKey(key string) string {
	return g.bucket + "/" + strings.TrimPrefix(key, "/")
}

// do runs op with exponential backoff. Denied, missing and cancelled
// operations are not retried.
func (g *Gateway) do(ctx context.Context, name string, op func() error) error {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = g.retry.InitialInterval
	b.MaxInterval = g.retry.MaxInterval
	b.MaxElapsedTime = 0

	err := backoff.Retry(func() error {
		err := op()
		if err == nil {
			return nil
		}
		if isDenied(err) || errors.Is(err, ucs.ErrNotFound) || ctx.Err() != nil {
			return backoff.Permanent(err)
		}
		return err
	}, backoff.WithContext(backoff.WithMaxRetries(b, g.retry.MaxRetries), ctx))
	if err == nil {
		return nil
	}

	switch {
	case isDenied(err):
		if errors.Is(err, ucs.ErrStorageDenied) {
			return fmt.Errorf("%s: %w", name, err)
		}
		return fmt.Errorf("%s: %w: %w", name, ucs.ErrStorageDenied, err)
	case errors.Is(err, ucs.ErrStorageUnavailable), errors.Is(err, ucs.ErrNotFound):
		return fmt.Errorf("%s: %w", name, err)
	default:
		return fmt.Errorf("%s: %w: %w", name, ucs.ErrStorageUnavailable, err)
	}
}

func isDenied(err error) bool {
	return errors.Is(err, ucs.ErrStorageDenied) || errors.Is(err, fs.ErrPermission)
}

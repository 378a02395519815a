package objectstore

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	stowry "github.com/sagarc03/stowry-go"

	"github.com/sagarc03/ucs"
)

const (
	// DefaultTimeout is the default HTTP client timeout.
	DefaultTimeout = 30 * time.Second

	// signExpires is the lifetime of URLs the backend signs for itself.
	signExpires = 60
)

// StowryBackend keeps inbox objects on a remote stowry server. Requests are
// authenticated with stowry-go presigned URLs.
type StowryBackend struct {
	endpoint   string
	accessKey  string
	secretKey  string
	signer     *stowry.Client
	httpClient *http.Client
}

// NewStowryBackend returns the backend together with the signer, which also
// serves as the Presigner for client credentials.
func NewStowryBackend(endpoint, accessKey, secretKey string, httpClient *http.Client) (*StowryBackend, *stowry.Client) {
	endpoint = strings.TrimSuffix(endpoint, "/")
	if httpClient == nil {
		httpClient = &http.Client{Timeout: DefaultTimeout}
	}
	signer := stowry.NewClient(endpoint, accessKey, secretKey)
	return &StowryBackend{
		endpoint:   endpoint,
		accessKey:  accessKey,
		secretKey:  secretKey,
		signer:     signer,
		httpClient: httpClient,
	}, signer
}

// Exists probes the object with a presigned GET: the server exposes no HEAD
// route. Only the status is used; the body is closed without being read.
func (b *StowryBackend) Exists(ctx context.Context, key string) (bool, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, b.signer.PresignGet("/"+key, signExpires), nil)
	if err != nil {
		return false, fmt.Errorf("create request: %w", err)
	}

	resp, err := b.httpClient.Do(req)
	if err != nil {
		return false, fmt.Errorf("%w: %w", ucs.ErrStorageUnavailable, err)
	}
	defer func() { _ = resp.Body.Close() }()

	switch {
	case resp.StatusCode == http.StatusOK:
		return true, nil
	case resp.StatusCode == http.StatusNotFound:
		return false, nil
	default:
		return false, statusError(resp)
	}
}

func (b *StowryBackend) Delete(ctx context.Context, key string) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodDelete, b.signer.PresignDelete("/"+key, signExpires), nil)
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}

	resp, err := b.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("%w: %w", ucs.ErrStorageUnavailable, err)
	}
	defer func() { _ = resp.Body.Close() }()

	switch resp.StatusCode {
	case http.StatusOK, http.StatusNoContent:
		return nil
	case http.StatusNotFound:
		return ucs.ErrNotFound
	default:
		return statusError(resp)
	}
}

// Compose streams the parts, in order, into a single PUT of key and then
// deletes them.
func (b *StowryBackend) Compose(ctx context.Context, key string, parts []string) error {
	if len(parts) == 0 {
		return fmt.Errorf("compose %s: no parts", key)
	}

	ok, err := b.Exists(ctx, parts[0])
	if err != nil {
		return err
	}
	if !ok {
		done, err := b.Exists(ctx, key)
		if err != nil || done {
			return err
		}
		return fmt.Errorf("compose %s: part %s: %w", key, parts[0], ucs.ErrNotFound)
	}

	pr, pw := io.Pipe()
	copyErr := make(chan error, 1)
	go func() {
		err := b.copyParts(ctx, pw, parts)
		_ = pw.CloseWithError(err)
		copyErr <- err
	}()

	req, err := http.NewRequestWithContext(ctx, http.MethodPut, b.signer.PresignPut("/"+key, signExpires), pr)
	if err != nil {
		_ = pr.CloseWithError(err)
		<-copyErr
		return fmt.Errorf("create request: %w", err)
	}

	resp, err := b.httpClient.Do(req)
	_ = pr.CloseWithError(io.ErrClosedPipe)
	if cErr := <-copyErr; cErr != nil && !errors.Is(cErr, io.ErrClosedPipe) {
		if resp != nil {
			_ = resp.Body.Close()
		}
		return fmt.Errorf("compose %s: %w", key, cErr)
	}
	if err != nil {
		return fmt.Errorf("%w: %w", ucs.ErrStorageUnavailable, err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode != http.StatusOK && resp.StatusCode != http.StatusCreated && resp.StatusCode != http.StatusNoContent {
		return statusError(resp)
	}

	for _, part := range parts {
		if err := b.Delete(ctx, part); err != nil && !errors.Is(err, ucs.ErrNotFound) {
			return fmt.Errorf("compose %s: remove part: %w", key, err)
		}
	}
	return nil
}

func (b *StowryBackend) copyParts(ctx context.Context, w io.Writer, parts []string) error {
	for _, part := range parts {
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, b.signer.PresignGet("/"+part, signExpires), nil)
		if err != nil {
			return fmt.Errorf("create request: %w", err)
		}

		resp, err := b.httpClient.Do(req)
		if err != nil {
			return fmt.Errorf("%w: %w", ucs.ErrStorageUnavailable, err)
		}

		switch resp.StatusCode {
		case http.StatusOK:
			_, err = io.Copy(w, resp.Body)
		case http.StatusNotFound:
			err = fmt.Errorf("part %s: %w", part, ucs.ErrNotFound)
		default:
			err = statusError(resp)
		}
		_ = resp.Body.Close()
		if err != nil {
			return err
		}
	}
	return nil
}

type listResponse struct {
	Items []struct {
		Path          string    `json:"path"`
		FileSizeBytes int64     `json:"file_size_bytes"`
		UpdatedAt     time.Time `json:"updated_at"`
	} `json:"items"`
	NextCursor string `json:"next_cursor,omitempty"`
}

// List fetches every page of the server's object listing for prefix.
func (b *StowryBackend) List(ctx context.Context, prefix string) ([]ucs.ObjectInfo, error) {
	var objects []ucs.ObjectInfo
	cursor := ""

	for {
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, b.presignList(prefix, cursor), nil)
		if err != nil {
			return nil, fmt.Errorf("create request: %w", err)
		}

		page, err := b.fetchList(req)
		if err != nil {
			return nil, err
		}

		for _, item := range page.Items {
			objects = append(objects, ucs.ObjectInfo{
				Key:        strings.TrimPrefix(item.Path, "/"),
				Size:       item.FileSizeBytes,
				ModifiedAt: item.UpdatedAt,
			})
		}

		if page.NextCursor == "" {
			return objects, nil
		}
		cursor = page.NextCursor
	}
}

func (b *StowryBackend) fetchList(req *http.Request) (listResponse, error) {
	resp, err := b.httpClient.Do(req)
	if err != nil {
		return listResponse{}, fmt.Errorf("%w: %w", ucs.ErrStorageUnavailable, err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode != http.StatusOK {
		return listResponse{}, statusError(resp)
	}

	var page listResponse
	if err := json.NewDecoder(resp.Body).Decode(&page); err != nil {
		return listResponse{}, fmt.Errorf("decode list response: %w", err)
	}
	return page, nil
}

// presignList signs a listing request. stowry-go has no helper for it.
func (b *StowryBackend) presignList(prefix, cursor string) string {
	timestamp := time.Now().Unix()
	path := "/"
	sig := stowry.Sign(b.secretKey, http.MethodGet, path, timestamp, signExpires)

	query := url.Values{}
	query.Set(stowry.StowryCredentialParam, b.accessKey)
	query.Set(stowry.StowryDateParam, strconv.FormatInt(timestamp, 10))
	query.Set(stowry.StowryExpiresParam, strconv.Itoa(signExpires))
	query.Set(stowry.StowrySignatureParam, sig)
	query.Set("limit", "1000")
	if prefix != "" {
		query.Set("prefix", prefix)
	}
	if cursor != "" {
		query.Set("cursor", cursor)
	}

	return b.endpoint + path + "?" + query.Encode()
}

func statusError(resp *http.Response) error {
	body, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
	msg := strings.TrimSpace(string(body))

	switch {
	case resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden:
		return fmt.Errorf("%w: status %d: %s", ucs.ErrStorageDenied, resp.StatusCode, msg)
	case resp.StatusCode >= 500 || resp.StatusCode == http.StatusTooManyRequests:
		return fmt.Errorf("%w: status %d: %s", ucs.ErrStorageUnavailable, resp.StatusCode, msg)
	default:
		return fmt.Errorf("unexpected status %d: %s", resp.StatusCode, msg)
	}
}

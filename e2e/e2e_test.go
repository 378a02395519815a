package e2e_test

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sagarc03/ucs"
)

// TestE2E_Lifecycle_SQLite runs an upload from registration to deletion using SQLite.
func TestE2E_Lifecycle_SQLite(t *testing.T) {
	storageDir := t.TempDir()
	dbPath := filepath.Join(t.TempDir(), "test.db")

	baseURL, configPath, cleanup := startServer(t, ServerConfig{
		Port:        getOpenPort(t),
		DBType:      "sqlite",
		DBDSN:       dbPath,
		StoragePath: storageDir,
		AuthRead:    "public",
		AuthWrite:   "public",
	})
	defer cleanup()

	runLifecycleTests(t, baseURL, configPath)
}

// TestE2E_Lifecycle_Postgres runs an upload from registration to deletion using PostgreSQL.
func TestE2E_Lifecycle_Postgres(t *testing.T) {
	dsn := getSharedPostgresDatabase(t)
	storageDir := t.TempDir()

	baseURL, configPath, cleanup := startServer(t, ServerConfig{
		Port:        getOpenPort(t),
		DBType:      "postgres",
		DBDSN:       dsn,
		StoragePath: storageDir,
		AuthRead:    "public",
		AuthWrite:   "public",
	})
	defer cleanup()

	runLifecycleTests(t, baseURL, configPath)
}

// runLifecycleTests contains the shared lifecycle test logic.
func runLifecycleTests(t *testing.T, baseURL, configPath string) {
	t.Helper()
	client := &http.Client{Timeout: 10 * time.Second}
	content := []byte("Hello, World!")
	fileID := "doc-" + strings.ReplaceAll(t.Name(), "/", "-")

	var grant ucs.AttemptGrant
	var download ucs.Credential

	t.Run("metadata registration creates a pending record", func(t *testing.T) {
		status := postEvent(t, client, baseURL, event("metadata_registered", fileID, 1, map[string]any{
			"file_name":     "hello.txt",
			"expected_size": len(content),
		}))
		assert.Equal(t, http.StatusAccepted, status)

		resp, err := client.Get(baseURL + "/files/" + fileID)
		require.NoError(t, err)
		require.Equal(t, http.StatusOK, resp.StatusCode)

		var rec ucs.UploadRecord
		decodeJSON(t, resp, &rec)
		assert.Equal(t, ucs.StatePending, rec.State)
		assert.Equal(t, "hello.txt", rec.FileName)
	})

	t.Run("duplicate registration is accepted", func(t *testing.T) {
		status := postEvent(t, client, baseURL, event("metadata_registered", fileID, 1, map[string]any{
			"file_name":     "hello.txt",
			"expected_size": len(content),
		}))
		assert.Equal(t, http.StatusAccepted, status)
	})

	t.Run("attempt returns an upload credential", func(t *testing.T) {
		resp, err := client.Post(baseURL+"/files/"+fileID+"/uploads", "application/json", nil)
		require.NoError(t, err)
		require.Equal(t, http.StatusCreated, resp.StatusCode)

		decodeJSON(t, resp, &grant)
		assert.Equal(t, fileID, grant.FileID)
		assert.NotEmpty(t, grant.UploadID)
		assert.Equal(t, http.MethodPut, grant.Credential.Method)
		assert.Equal(t, "inbox", grant.Credential.Bucket)
		assert.Equal(t, fileID+"/"+grant.UploadID, grant.Credential.Key)
	})

	t.Run("PUT to the credential stores the object", func(t *testing.T) {
		require.NotEmpty(t, grant.Credential.URL)

		req, err := http.NewRequest(grant.Credential.Method, grant.Credential.URL, bytes.NewReader(content))
		require.NoError(t, err)

		resp, err := client.Do(req)
		require.NoError(t, err)
		defer resp.Body.Close()

		assert.Equal(t, http.StatusOK, resp.StatusCode)
		assert.NotEmpty(t, resp.Header.Get("ETag"))
	})

	t.Run("unsigned PUT is rejected", func(t *testing.T) {
		req, err := http.NewRequest(http.MethodPut, baseURL+"/inbox/"+fileID+"/forged", bytes.NewReader(content))
		require.NoError(t, err)

		resp, err := client.Do(req)
		require.NoError(t, err)
		defer resp.Body.Close()

		assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
	})

	t.Run("upload completion moves the record to UPLOADED", func(t *testing.T) {
		status := postEvent(t, client, baseURL, event("upload_completed", fileID, 2, map[string]any{
			"upload_attempt_id": grant.UploadID,
		}))
		assert.Equal(t, http.StatusAccepted, status)

		resp, err := client.Get(baseURL + "/files/" + fileID + "/uploads/" + grant.UploadID)
		require.NoError(t, err)
		require.Equal(t, http.StatusOK, resp.StatusCode)

		var attempt ucs.UploadAttempt
		decodeJSON(t, resp, &attempt)
		assert.Equal(t, ucs.OutcomeSucceeded, attempt.Outcome)
		assert.NotNil(t, attempt.CompletedAt)
	})

	t.Run("download credential reads the uploaded bytes", func(t *testing.T) {
		resp, err := client.Get(baseURL + "/files/" + fileID + "/download")
		require.NoError(t, err)
		require.Equal(t, http.StatusOK, resp.StatusCode)
		decodeJSON(t, resp, &download)
		assert.Equal(t, http.MethodGet, download.Method)

		obj, err := client.Get(download.URL)
		require.NoError(t, err)
		defer obj.Body.Close()

		require.Equal(t, http.StatusOK, obj.StatusCode)
		body, err := io.ReadAll(obj.Body)
		require.NoError(t, err)
		assert.Equal(t, content, body)
	})

	t.Run("acceptance finalizes the record", func(t *testing.T) {
		status := postEvent(t, client, baseURL, event("upload_accepted", fileID, 3, nil))
		assert.Equal(t, http.StatusAccepted, status)

		resp, err := client.Get(baseURL + "/files/" + fileID)
		require.NoError(t, err)
		var rec ucs.UploadRecord
		decodeJSON(t, resp, &rec)
		assert.Equal(t, ucs.StateAccepted, rec.State)
	})

	t.Run("a new attempt on an accepted file conflicts", func(t *testing.T) {
		resp, err := client.Post(baseURL+"/files/"+fileID+"/uploads", "application/json", nil)
		require.NoError(t, err)
		defer resp.Body.Close()

		assert.Equal(t, http.StatusConflict, resp.StatusCode)
	})

	t.Run("records command lists the file", func(t *testing.T) {
		out := runCommand(t, configPath, "records", "--json", "--state", "ACCEPTED")

		var result ucs.ListResult
		require.NoError(t, json.Unmarshal([]byte(out), &result))

		var ids []string
		for _, rec := range result.Items {
			ids = append(ids, rec.FileID)
		}
		assert.Contains(t, ids, fileID)
	})

	t.Run("deletion removes the object", func(t *testing.T) {
		status := postEvent(t, client, baseURL, event("deletion_requested", fileID, 4, nil))
		assert.Equal(t, http.StatusAccepted, status)

		resp, err := client.Get(baseURL + "/files/" + fileID)
		require.NoError(t, err)
		var rec ucs.UploadRecord
		decodeJSON(t, resp, &rec)
		assert.Equal(t, ucs.StateDeletionRequested, rec.State)
		assert.True(t, rec.DeletionConfirmed)

		obj, err := client.Get(download.URL)
		require.NoError(t, err)
		defer obj.Body.Close()
		assert.Equal(t, http.StatusNotFound, obj.StatusCode)
	})

	t.Run("stale sequence is acknowledged", func(t *testing.T) {
		status := postEvent(t, client, baseURL, event("upload_accepted", fileID, 3, nil))
		assert.Equal(t, http.StatusAccepted, status)
	})
}

// TestE2E_RejectAndRetry tests that a rejected upload can be retried.
func TestE2E_RejectAndRetry(t *testing.T) {
	storageDir := t.TempDir()
	dbPath := filepath.Join(t.TempDir(), "test.db")

	baseURL, configPath, cleanup := startServer(t, ServerConfig{
		Port:        getOpenPort(t),
		DBType:      "sqlite",
		DBDSN:       dbPath,
		StoragePath: storageDir,
		AuthRead:    "public",
		AuthWrite:   "public",
	})
	defer cleanup()

	client := &http.Client{Timeout: 10 * time.Second}
	const fileID = "retry-me"

	upload := func(t *testing.T) ucs.AttemptGrant {
		t.Helper()

		resp, err := client.Post(baseURL+"/files/"+fileID+"/uploads", "application/json", nil)
		require.NoError(t, err)
		require.Equal(t, http.StatusCreated, resp.StatusCode)

		var grant ucs.AttemptGrant
		decodeJSON(t, resp, &grant)

		req, err := http.NewRequest(http.MethodPut, grant.Credential.URL, strings.NewReader("payload"))
		require.NoError(t, err)
		put, err := client.Do(req)
		require.NoError(t, err)
		put.Body.Close()
		require.Equal(t, http.StatusOK, put.StatusCode)

		return grant
	}

	require.Equal(t, http.StatusAccepted, postEvent(t, client, baseURL, event("metadata_registered", fileID, 1, nil)))

	first := upload(t)
	require.Equal(t, http.StatusAccepted, postEvent(t, client, baseURL,
		event("upload_completed", fileID, 2, map[string]any{"upload_attempt_id": first.UploadID})))
	require.Equal(t, http.StatusAccepted, postEvent(t, client, baseURL,
		event("upload_rejected", fileID, 3, map[string]any{"reason": "checksum mismatch"})))

	t.Run("rejected upload is reported as stale", func(t *testing.T) {
		out := runCommand(t, configPath, "inspect", "--json")

		var report struct {
			Stale []ucs.StaleObject `json:"stale"`
		}
		require.NoError(t, json.Unmarshal([]byte(out), &report))
		require.Len(t, report.Stale, 1)
		assert.Equal(t, first.UploadID, report.Stale[0].UploadID)
		assert.Equal(t, ucs.StaleRejectedUpload, report.Stale[0].Reason)
	})

	second := upload(t)
	assert.NotEqual(t, first.UploadID, second.UploadID)
	assert.Empty(t, second.Superseded)

	t.Run("a second attempt supersedes an in-flight one", func(t *testing.T) {
		third := upload(t)
		assert.Equal(t, second.UploadID, third.Superseded)

		// Completion of the superseded attempt is acknowledged but ignored
		status := postEvent(t, client, baseURL,
			event("upload_completed", fileID, 4, map[string]any{"upload_attempt_id": second.UploadID}))
		assert.Equal(t, http.StatusAccepted, status)

		resp, err := client.Get(baseURL + "/files/" + fileID)
		require.NoError(t, err)
		var rec ucs.UploadRecord
		decodeJSON(t, resp, &rec)
		assert.Equal(t, ucs.StatePending, rec.State)
		assert.Equal(t, third.UploadID, rec.CurrentUploadID)
	})
}

// TestE2E_MultipartUpload uploads a file in parts and reads it back whole.
func TestE2E_MultipartUpload(t *testing.T) {
	storageDir := t.TempDir()
	dbPath := filepath.Join(t.TempDir(), "test.db")

	baseURL, _, cleanup := startServer(t, ServerConfig{
		Port:        getOpenPort(t),
		DBType:      "sqlite",
		DBDSN:       dbPath,
		StoragePath: storageDir,
		AuthRead:    "public",
		AuthWrite:   "public",
	})
	defer cleanup()

	client := &http.Client{Timeout: 10 * time.Second}
	parts := [][]byte{[]byte("first part, "), []byte("second part")}

	require.Equal(t, http.StatusAccepted, postEvent(t, client, baseURL, event("metadata_registered", "multi", 1, map[string]any{
		"file_name": "multi.bin",
	})))

	resp, err := client.Post(baseURL+"/files/multi/uploads", "application/json", nil)
	require.NoError(t, err)
	require.Equal(t, http.StatusCreated, resp.StatusCode)
	var grant ucs.AttemptGrant
	decodeJSON(t, resp, &grant)
	assert.Equal(t, ucs.DefaultPartSize, grant.PartSize)

	for i, data := range parts {
		resp, err := client.Post(fmt.Sprintf("%s/files/multi/uploads/%s/parts/%d", baseURL, grant.UploadID, i+1), "application/json", nil)
		require.NoError(t, err)
		require.Equal(t, http.StatusCreated, resp.StatusCode)
		var cred ucs.Credential
		decodeJSON(t, resp, &cred)

		req, err := http.NewRequest(cred.Method, cred.URL, bytes.NewReader(data))
		require.NoError(t, err)
		put, err := client.Do(req)
		require.NoError(t, err)
		_ = put.Body.Close()
		require.Equal(t, http.StatusOK, put.StatusCode)
	}

	require.Equal(t, http.StatusAccepted, postEvent(t, client, baseURL, event("upload_completed", "multi", 2, map[string]any{
		"upload_attempt_id": grant.UploadID,
	})))

	resp, err = client.Get(baseURL + "/files/multi/download")
	require.NoError(t, err)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var download ucs.Credential
	decodeJSON(t, resp, &download)

	obj, err := client.Get(download.URL)
	require.NoError(t, err)
	defer obj.Body.Close()
	require.Equal(t, http.StatusOK, obj.StatusCode)
	body, err := io.ReadAll(obj.Body)
	require.NoError(t, err)
	assert.Equal(t, "first part, second part", string(body))
}

// TestE2E_InvalidEvents tests that malformed and conflicting events are refused.
func TestE2E_InvalidEvents(t *testing.T) {
	storageDir := t.TempDir()
	dbPath := filepath.Join(t.TempDir(), "test.db")

	baseURL, _, cleanup := startServer(t, ServerConfig{
		Port:        getOpenPort(t),
		DBType:      "sqlite",
		DBDSN:       dbPath,
		StoragePath: storageDir,
		AuthRead:    "public",
		AuthWrite:   "public",
	})
	defer cleanup()

	client := &http.Client{Timeout: 10 * time.Second}

	require.Equal(t, http.StatusAccepted, postEvent(t, client, baseURL,
		event("metadata_registered", "f1", 1, map[string]any{"file_name": "a.txt"})))

	tests := []struct {
		name   string
		body   []byte
		status int
	}{
		{"not json", []byte("{"), http.StatusBadRequest},
		{"unknown type", event("file_renamed", "f1", 2, nil), http.StatusBadRequest},
		{"conflicting metadata", event("metadata_registered", "f1", 1, map[string]any{"file_name": "b.txt"}), http.StatusConflict},
		{"event for an unregistered file", event("upload_accepted", "nope", 1, nil), http.StatusConflict},
		{"accept before any attempt", event("upload_accepted", "f1", 2, nil), http.StatusConflict},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.status, postEvent(t, client, baseURL, tt.body))
		})
	}

	t.Run("unknown file status is 404", func(t *testing.T) {
		resp, err := client.Get(baseURL + "/files/nope")
		require.NoError(t, err)
		defer resp.Body.Close()
		assert.Equal(t, http.StatusNotFound, resp.StatusCode)
	})
}

// TestE2E_PrivateWrite tests that write routes require a signature.
func TestE2E_PrivateWrite(t *testing.T) {
	storageDir := t.TempDir()
	dbPath := filepath.Join(t.TempDir(), "test.db")
	key := AuthKey{AccessKey: "AKIAE2E", SecretKey: "e2esecret"}

	baseURL, _, cleanup := startServer(t, ServerConfig{
		Port:        getOpenPort(t),
		DBType:      "sqlite",
		DBDSN:       dbPath,
		StoragePath: storageDir,
		AuthRead:    "public",
		AuthWrite:   "private",
		AuthKeys:    []AuthKey{key},
	})
	defer cleanup()

	client := &http.Client{Timeout: 10 * time.Second}
	body := event("metadata_registered", "signed", 1, nil)

	t.Run("unsigned event is rejected", func(t *testing.T) {
		assert.Equal(t, http.StatusUnauthorized, postEvent(t, client, baseURL, body))
	})

	t.Run("signed event is accepted", func(t *testing.T) {
		signed := presign(baseURL, http.MethodPost, "/events", key)

		resp, err := client.Post(signed, "application/json", bytes.NewReader(body))
		require.NoError(t, err)
		defer resp.Body.Close()
		assert.Equal(t, http.StatusAccepted, resp.StatusCode)
	})

	t.Run("wrong secret is rejected", func(t *testing.T) {
		signed := presign(baseURL, http.MethodPost, "/files/signed/uploads", AuthKey{AccessKey: key.AccessKey, SecretKey: "wrong"})

		resp, err := client.Post(signed, "application/json", nil)
		require.NoError(t, err)
		defer resp.Body.Close()
		assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
	})

	t.Run("reads stay public", func(t *testing.T) {
		resp, err := client.Get(baseURL + "/files/signed")
		require.NoError(t, err)
		defer resp.Body.Close()
		assert.Equal(t, http.StatusOK, resp.StatusCode)
	})
}

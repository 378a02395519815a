package e2e_test

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"os"
	"os/exec"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"syscall"
	"testing"
	"time"

	stowry "github.com/sagarc03/stowry-go"
	"github.com/stretchr/testify/require"
)

var (
	binaryPath     string
	binaryBuildErr error
	binaryOnce     sync.Once
	sharedTempDir  string
)

// TestMain sets up and tears down shared test resources.
func TestMain(m *testing.M) {
	// Create shared temp directory for the binary
	var err error
	sharedTempDir, err = os.MkdirTemp("", "ucs-e2e-*")
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to create temp dir: %v\n", err)
		os.Exit(1)
	}

	// Run tests
	code := m.Run()

	// Cleanup shared temp directory
	_ = os.RemoveAll(sharedTempDir)

	os.Exit(code)
}

// AuthKey represents an access key pair for authentication.
type AuthKey struct {
	AccessKey string
	SecretKey string
}

// ServerConfig holds configuration for starting the ucs server.
type ServerConfig struct {
	Port        int
	DBType      string // sqlite, postgres
	DBDSN       string
	StoragePath string
	AuthRead    string    // public, private
	AuthWrite   string    // public, private
	AuthKeys    []AuthKey // Access keys for private auth
}

// buildBinary compiles the ucs binary once per test run.
// Returns the path to the compiled binary.
func buildBinary(t *testing.T) string {
	t.Helper()

	binaryOnce.Do(func() {
		binaryPath = filepath.Join(sharedTempDir, "ucs")

		cmd := exec.Command("go", "build", "-o", binaryPath, "./cmd/ucs")
		cmd.Dir = getProjectRoot(t)
		output, err := cmd.CombinedOutput()
		if err != nil {
			binaryBuildErr = fmt.Errorf("build binary: %w\nOutput: %s", err, output)
			return
		}
	})

	if binaryBuildErr != nil {
		t.Fatalf("failed to build binary: %v", binaryBuildErr)
	}

	return binaryPath
}

// getProjectRoot returns the root directory of the ucs project.
func getProjectRoot(t *testing.T) string {
	t.Helper()

	// Find the go.mod file to determine project root
	dir, err := os.Getwd()
	require.NoError(t, err, "get working directory")

	for {
		if _, err := os.Stat(filepath.Join(dir, "go.mod")); err == nil {
			return dir
		}
		parent := filepath.Dir(dir)
		if parent == dir {
			t.Fatal("could not find project root (go.mod)")
		}
		dir = parent
	}
}

// createConfigFile creates a temporary config file for the server.
// Returns the path to the config file.
func createConfigFile(t *testing.T, cfg ServerConfig) string {
	t.Helper()

	var sb strings.Builder
	fmt.Fprintf(&sb, `server:
  port: %d
  shutdown_timeout: 5s

database:
  type: %s
  dsn: "%s"

storage:
  backend: filesystem
  bucket: inbox
  path: "%s"
  endpoint: "http://localhost:%d"
  access_key: AKIAINBOX
  secret_key: inboxsecret

bus:
  driver: memory

retry:
  ordering:
    max_retries: 3
    initial_interval: 50ms
    max_interval: 200ms

auth:
  read: %s
  write: %s
  aws:
    region: us-east-1
    service: s3
`,
		cfg.Port,
		cfg.DBType,
		cfg.DBDSN,
		cfg.StoragePath,
		cfg.Port,
		cfg.AuthRead,
		cfg.AuthWrite,
	)

	// Add auth keys if provided
	if len(cfg.AuthKeys) > 0 {
		sb.WriteString("  keys:\n    inline:\n")
		for _, key := range cfg.AuthKeys {
			fmt.Fprintf(&sb, "      - access_key: %s\n        secret_key: %s\n", key.AccessKey, key.SecretKey)
		}
	}

	sb.WriteString("\nlog:\n  level: error\n")

	configPath := filepath.Join(t.TempDir(), "config.yaml")
	err := os.WriteFile(configPath, []byte(sb.String()), 0o600)
	require.NoError(t, err, "write config file")

	return configPath
}

// runCommand runs a ucs subcommand against the config file and returns its
// standard output.
func runCommand(t *testing.T, configPath string, args ...string) string {
	t.Helper()

	binary := buildBinary(t)

	cmd := exec.Command(binary, append(args, "--config", configPath)...)
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr
	err := cmd.Run()
	require.NoError(t, err, "ucs %s: %s", strings.Join(args, " "), stderr.String())

	return stdout.String()
}

// startServer migrates the database and starts the ucs binary with the given
// configuration. Returns the base URL, the config file path and a cleanup
// function that must be called to stop the server.
func startServer(t *testing.T, cfg ServerConfig) (string, string, func()) {
	t.Helper()

	configPath := createConfigFile(t, cfg)

	// Initialize the database before starting the server
	runCommand(t, configPath, "migrate")

	cmd := exec.Command(buildBinary(t), "serve", "--config", configPath)

	// Capture output for debugging
	cmd.Stdout = os.Stdout
	cmd.Stderr = os.Stderr

	err := cmd.Start()
	require.NoError(t, err, "start server")

	baseURL := fmt.Sprintf("http://localhost:%d", cfg.Port)

	// Wait for server to be ready
	waitForServer(t, baseURL, 10*time.Second)

	cleanup := func() {
		if cmd.Process != nil {
			_ = cmd.Process.Signal(syscall.SIGTERM)
			_ = cmd.Wait()
		}
	}

	return baseURL, configPath, cleanup
}

// waitForServer polls the health endpoint until it responds or times out.
func waitForServer(t *testing.T, baseURL string, timeout time.Duration) {
	t.Helper()

	deadline := time.Now().Add(timeout)
	client := &http.Client{Timeout: 1 * time.Second}

	for time.Now().Before(deadline) {
		resp, err := client.Get(baseURL + "/health")
		if err == nil {
			resp.Body.Close()
			if resp.StatusCode == http.StatusOK {
				return // Server is ready
			}
		}
		time.Sleep(100 * time.Millisecond)
	}

	t.Fatalf("server failed to start within %v", timeout)
}

// getOpenPort finds an available TCP port.
func getOpenPort(t *testing.T) int {
	t.Helper()

	l, err := net.Listen("tcp", ":0")
	require.NoError(t, err, "find open port")

	addr := l.Addr().(*net.TCPAddr)
	port := addr.Port

	err = l.Close()
	require.NoError(t, err, "close port")

	return port
}

// event builds an inbound envelope.
func event(kind, fileID string, seq int64, payload map[string]any) []byte {
	env := map[string]any{
		"event_id":       fmt.Sprintf("%s-%s-%d", fileID, kind, seq),
		"type":           kind,
		"file_id":        fileID,
		"sequence":       seq,
		"correlation_id": "corr-" + fileID,
		"occurred_at":    time.Now().UTC().Format(time.RFC3339Nano),
	}
	if payload != nil {
		env["payload"] = payload
	}
	data, _ := json.Marshal(env)
	return data
}

// postEvent sends an event through the HTTP ingress and returns the status
// code.
func postEvent(t *testing.T, client *http.Client, baseURL string, body []byte) int {
	t.Helper()

	resp, err := client.Post(baseURL+"/events", "application/json", bytes.NewReader(body))
	require.NoError(t, err)
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, resp.Body)

	return resp.StatusCode
}

// presign signs method and path the way stowry-go clients do, for any HTTP
// method.
func presign(baseURL, method, path string, key AuthKey) string {
	const expires = 300
	timestamp := time.Now().Unix()

	query := url.Values{}
	query.Set(stowry.StowryCredentialParam, key.AccessKey)
	query.Set(stowry.StowryDateParam, strconv.FormatInt(timestamp, 10))
	query.Set(stowry.StowryExpiresParam, strconv.Itoa(expires))
	query.Set(stowry.StowrySignatureParam, stowry.Sign(key.SecretKey, method, path, timestamp, expires))
	return baseURL + path + "?" + query.Encode()
}

// decodeJSON reads the response body into v and closes it.
func decodeJSON(t *testing.T, resp *http.Response, v any) {
	t.Helper()
	defer resp.Body.Close()
	require.NoError(t, json.NewDecoder(resp.Body).Decode(v))
}

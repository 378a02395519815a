package config_test

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/spf13/pflag"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sagarc03/ucs/config"
)

func writeConfig(t *testing.T, name, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
	return path
}

func TestLoad_Defaults(t *testing.T) {
	// Load with no config files should use defaults
	cfg, err := config.Load(nil, nil)
	require.NoError(t, err)

	assert.Equal(t, "dev", cfg.Env)
	assert.False(t, cfg.IsProd())
	assert.Equal(t, 5708, cfg.Server.Port)
	assert.Equal(t, 30*time.Second, cfg.Server.ShutdownTimeout)
	assert.Equal(t, "sqlite", cfg.Database.Type)
	assert.Equal(t, "ucs.db", cfg.Database.DSN)
	assert.Equal(t, "upload_records", cfg.Database.Tables.Records)
	assert.Equal(t, "filesystem", cfg.Storage.Backend)
	assert.Equal(t, "inbox", cfg.Storage.Bucket)
	assert.Equal(t, "./data", cfg.Storage.Path)
	assert.Equal(t, 15*time.Minute, cfg.Credentials.UploadTTL)
	assert.Equal(t, 5*time.Minute, cfg.Credentials.DownloadTTL)
	assert.Equal(t, "memory", cfg.Bus.Driver)
	assert.Equal(t, "ucs.inbound", cfg.Bus.InboundStream)
	assert.Equal(t, "ucs.outbound", cfg.Bus.OutboundStream)
	assert.Equal(t, "ucs.inbound.dlq", cfg.Bus.DeadLetterStream)
	assert.Equal(t, 4, cfg.Bus.Workers)
	assert.Equal(t, 10*time.Second, cfg.Coordinator.OperationTimeout)
	assert.Equal(t, 5, cfg.Coordinator.MaxConflictRetries)
	assert.Equal(t, uint64(5), cfg.Retry.Ordering.MaxRetries)
	assert.Equal(t, 200*time.Millisecond, cfg.Retry.Ordering.InitialInterval)
	assert.Equal(t, uint64(3), cfg.Retry.Transient.MaxRetries)
	assert.Equal(t, "public", cfg.Auth.Read)
	assert.Equal(t, "public", cfg.Auth.Write)
	assert.Equal(t, "us-east-1", cfg.Auth.AWS.Region)
	assert.Equal(t, "s3", cfg.Auth.AWS.Service)
	assert.Empty(t, cfg.Log.Level)
}

func TestLoad_ConfigFile(t *testing.T) {
	configPath := writeConfig(t, "config.yaml", `
env: production
server:
  port: 8080
database:
  type: postgres
  dsn: postgres://localhost/test
  tables:
    records: custom_records
storage:
  backend: stowry
  bucket: uploads
  endpoint: https://objects.example.com
  access_key: AKIASTORAGE
  secret_key: storagesecret
credentials:
  upload_ttl: 30m
  download_ttl: 1m
bus:
  driver: redis
  redis:
    addr: redis:6379
    db: 2
  workers: 8
  block: 500ms
auth:
  read: private
  write: private
  aws:
    region: eu-west-1
    service: custom
log:
  level: warn
`)

	cfg, err := config.Load([]string{configPath}, nil)
	require.NoError(t, err)

	assert.True(t, cfg.IsProd())
	assert.Equal(t, 8080, cfg.Server.Port)
	assert.Equal(t, "postgres", cfg.Database.Type)
	assert.Equal(t, "postgres://localhost/test", cfg.Database.DSN)
	assert.Equal(t, "custom_records", cfg.Database.Tables.Records)
	assert.Equal(t, "stowry", cfg.Storage.Backend)
	assert.Equal(t, "uploads", cfg.Storage.Bucket)
	assert.Equal(t, "https://objects.example.com", cfg.Storage.Endpoint)
	assert.Equal(t, "AKIASTORAGE", cfg.Storage.AccessKey)
	assert.Equal(t, "storagesecret", cfg.Storage.SecretKey)
	assert.Equal(t, 30*time.Minute, cfg.Credentials.UploadTTL)
	assert.Equal(t, time.Minute, cfg.Credentials.DownloadTTL)
	assert.Equal(t, "redis", cfg.Bus.Driver)
	assert.Equal(t, "redis:6379", cfg.Bus.Redis.Addr)
	assert.Equal(t, 2, cfg.Bus.Redis.DB)
	assert.Equal(t, 8, cfg.Bus.Workers)
	assert.Equal(t, 500*time.Millisecond, cfg.Bus.Block)
	assert.Equal(t, "private", cfg.Auth.Read)
	assert.Equal(t, "private", cfg.Auth.Write)
	assert.Equal(t, "eu-west-1", cfg.Auth.AWS.Region)
	assert.Equal(t, "custom", cfg.Auth.AWS.Service)
	assert.Equal(t, "warn", cfg.Log.Level)
}

func TestLoad_ConfigFileMerge(t *testing.T) {
	basePath := writeConfig(t, "base.yaml", `
server:
  port: 5708
database:
  type: sqlite
  dsn: ucs.db
auth:
  read: public
  write: public
`)

	overridePath := writeConfig(t, "override.yaml", `
server:
  port: 9000
auth:
  read: private
`)

	// Load with merge (later files override earlier)
	cfg, err := config.Load([]string{basePath, overridePath}, nil)
	require.NoError(t, err)

	// Overridden values
	assert.Equal(t, 9000, cfg.Server.Port)
	assert.Equal(t, "private", cfg.Auth.Read)

	// Preserved values from base
	assert.Equal(t, "public", cfg.Auth.Write)
	assert.Equal(t, "sqlite", cfg.Database.Type)
}

func TestLoad_ValidationErrors(t *testing.T) {
	tests := []struct {
		name    string
		content string
	}{
		{
			name: "invalid port",
			content: `
server:
  port: 99999
`,
		},
		{
			name: "invalid auth mode",
			content: `
auth:
  read: invalid
`,
		},
		{
			name: "unknown database type",
			content: `
database:
  type: mongo
`,
		},
		{
			name: "unknown storage backend",
			content: `
storage:
  backend: s3
`,
		},
		{
			name: "bucket with slash",
			content: `
storage:
  bucket: a/b
`,
		},
		{
			name: "reserved bucket",
			content: `
storage:
  bucket: files
`,
		},
		{
			name: "stowry backend without keys",
			content: `
storage:
  backend: stowry
  endpoint: https://objects.example.com
`,
		},
		{
			name: "unknown bus driver",
			content: `
bus:
  driver: kafka
`,
		},
		{
			name: "redis bus without address",
			content: `
bus:
  driver: redis
  redis:
    addr: ""
`,
		},
		{
			name: "redis key backend without redis bus",
			content: `
auth:
  keys:
    redis_hash: ucs:keys
`,
		},
		{
			name: "upload ttl too long",
			content: `
credentials:
  upload_ttl: 200h
`,
		},
		{
			name: "max interval below initial",
			content: `
retry:
  ordering:
    initial_interval: 1s
    max_interval: 100ms
`,
		},
		{
			name: "invalid table name",
			content: `
database:
  tables:
    records: "bad-name;"
`,
		},
		{
			name: "invalid log level",
			content: `
log:
  level: verbose
`,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			configPath := writeConfig(t, "config.yaml", tt.content)

			_, err := config.Load([]string{configPath}, nil)
			require.Error(t, err)
			assert.Contains(t, err.Error(), "validate config")
		})
	}
}

func TestLoad_MemoryDatabaseWithoutDSN(t *testing.T) {
	configPath := writeConfig(t, "config.yaml", `
database:
  type: memory
  dsn: ""
`)

	cfg, err := config.Load([]string{configPath}, nil)
	require.NoError(t, err)
	assert.Equal(t, "memory", cfg.Database.Type)
}

func TestLoad_WithInlineKeys(t *testing.T) {
	configPath := writeConfig(t, "config.yaml", `
auth:
  read: private
  write: private
  keys:
    inline:
      - access_key: AKIATEST123
        secret_key: secretkey123
      - access_key: AKIATEST456
        secret_key: secretkey456
`)

	cfg, err := config.Load([]string{configPath}, nil)
	require.NoError(t, err)

	require.Len(t, cfg.Auth.Keys.Inline, 2)
	assert.Equal(t, "AKIATEST123", cfg.Auth.Keys.Inline[0].AccessKey)
	assert.Equal(t, "secretkey123", cfg.Auth.Keys.Inline[0].SecretKey)
	assert.Equal(t, "AKIATEST456", cfg.Auth.Keys.Inline[1].AccessKey)
	assert.Equal(t, "secretkey456", cfg.Auth.Keys.Inline[1].SecretKey)
}

func TestLoad_WithCORS(t *testing.T) {
	configPath := writeConfig(t, "config.yaml", `
cors:
  enabled: true
  allowed_origins:
    - https://example.com
    - https://app.example.com
  allowed_methods:
    - GET
    - POST
  allowed_headers:
    - Content-Type
  max_age: 600
`)

	cfg, err := config.Load([]string{configPath}, nil)
	require.NoError(t, err)

	assert.True(t, cfg.CORS.Enabled)
	assert.Equal(t, []string{"https://example.com", "https://app.example.com"}, cfg.CORS.AllowedOrigins)
	assert.Equal(t, []string{"GET", "POST"}, cfg.CORS.AllowedMethods)
	assert.Equal(t, []string{"Content-Type"}, cfg.CORS.AllowedHeaders)
	assert.Equal(t, 600, cfg.CORS.MaxAge)
}

func TestLoad_EnvironmentVariables(t *testing.T) {
	// Set environment variables
	t.Setenv("UCS_SERVER_PORT", "9090")
	t.Setenv("UCS_DATABASE_TYPE", "postgres")
	t.Setenv("UCS_AUTH_READ", "private")
	t.Setenv("UCS_BUS_DRIVER", "redis")
	t.Setenv("UCS_BUS_REDIS_ADDR", "cache:6380")
	t.Setenv("UCS_CREDENTIALS_UPLOAD_TTL", "45m")

	cfg, err := config.Load(nil, nil)
	require.NoError(t, err)

	assert.Equal(t, 9090, cfg.Server.Port)
	assert.Equal(t, "postgres", cfg.Database.Type)
	assert.Equal(t, "private", cfg.Auth.Read)
	assert.Equal(t, "redis", cfg.Bus.Driver)
	assert.Equal(t, "cache:6380", cfg.Bus.Redis.Addr)
	assert.Equal(t, 45*time.Minute, cfg.Credentials.UploadTTL)
}

func TestLoad_Flags(t *testing.T) {
	configPath := writeConfig(t, "config.yaml", `
database:
  type: postgres
  dsn: postgres://localhost/test
`)

	flags := pflag.NewFlagSet("test", pflag.ContinueOnError)
	flags.String("db-type", "", "")
	flags.String("db-dsn", "", "")
	flags.String("bus-driver", "", "")
	flags.Int("port", 5708, "")
	require.NoError(t, flags.Parse([]string{"--db-type=sqlite", "--db-dsn=other.db", "--port=7000"}))

	t.Setenv("UCS_SERVER_PORT", "9090")

	cfg, err := config.Load([]string{configPath}, flags)
	require.NoError(t, err)

	// Flags beat both the file and the environment
	assert.Equal(t, "sqlite", cfg.Database.Type)
	assert.Equal(t, "other.db", cfg.Database.DSN)
	assert.Equal(t, 7000, cfg.Server.Port)

	// Unset flags do not override defaults
	assert.Equal(t, "memory", cfg.Bus.Driver)
}

func TestFromContext(t *testing.T) {
	_, err := config.FromContext(context.Background())
	require.Error(t, err)

	cfg, err := config.Load(nil, nil)
	require.NoError(t, err)

	got, err := config.FromContext(config.WithContext(context.Background(), cfg))
	require.NoError(t, err)
	assert.Same(t, cfg, got)
}

// Package config provides configuration loading and validation for ucs.
//
// The package handles YAML configuration files, environment variables, and CLI flags
// with automatic merging and validation using go-playground/validator.
//
// # Configuration Precedence
//
// Values are loaded in this order (later sources override earlier ones):
//
//  1. Default values
//  2. Configuration file(s) - multiple files merged left-to-right
//  3. Environment variables (UCS_ prefix)
//  4. CLI flags
//
// # Usage
//
//	cfg, err := config.Load([]string{"config.yaml"}, cmd.Flags())
//	if err != nil {
//	    log.Fatal(err)
//	}
//
//	// Store in context for subcommands
//	ctx = config.WithContext(ctx, cfg)
//
//	// Retrieve later
//	cfg, err = config.FromContext(ctx)
//
// # Environment Variables
//
// All config keys map to environment variables with UCS_ prefix:
//   - server.port → UCS_SERVER_PORT
//   - bus.redis.addr → UCS_BUS_REDIS_ADDR
//   - credentials.upload_ttl → UCS_CREDENTIALS_UPLOAD_TTL
//
// # Configuration Structure
//
// The Config struct contains:
//   - Server: port and shutdown timeout
//   - Database: type (sqlite, postgres, memory), DSN, and table names
//   - Storage: inbox backend (filesystem, stowry), bucket, and signing keys
//   - Credentials: upload and download URL lifetimes
//   - Bus: message bus driver (redis, memory), streams, and consumer tuning
//   - Coordinator: per-operation timeout and version conflict retries
//   - Retry: storage, ordering and transient retry budgets
//   - Auth: access control (read/write), AWS settings, and keys
//   - CORS: cross-origin resource sharing settings
//   - Log: logging level
//
// # Validation
//
// Configuration is validated using struct tags, then for combinations:
//   - The stowry backend needs storage keys
//   - With the filesystem backend the bucket cannot shadow an API route
//   - The redis bus needs an address, and the redis key backend needs the redis bus
package config

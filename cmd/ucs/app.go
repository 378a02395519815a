package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"strings"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	stowry "github.com/sagarc03/stowry-go"

	"github.com/sagarc03/ucs"
	"github.com/sagarc03/ucs/config"
	"github.com/sagarc03/ucs/eventbus"
	"github.com/sagarc03/ucs/filesystem"
	"github.com/sagarc03/ucs/keybackend"
	"github.com/sagarc03/ucs/objectstore"
)

// inbox is the object storage side of the service.
type inbox struct {
	gateway *objectstore.Gateway
	// files is set with the filesystem backend, which this process serves
	// itself.
	files    *filesystem.Store
	verifier ucs.RequestVerifier
	close    func()
}

func openInbox(cfg *config.Config) (*inbox, error) {
	sc := cfg.Storage
	retry := objectstore.RetryConfig{
		MaxRetries:      cfg.Retry.Storage.MaxRetries,
		InitialInterval: cfg.Retry.Storage.InitialInterval,
		MaxInterval:     cfg.Retry.Storage.MaxInterval,
	}

	if sc.Backend == "stowry" {
		backend, signer := objectstore.NewStowryBackend(sc.Endpoint, sc.AccessKey, sc.SecretKey, nil)
		gw, err := objectstore.NewGateway(backend, signer, objectstore.Config{Bucket: sc.Bucket, Retry: retry})
		if err != nil {
			return nil, err
		}
		return &inbox{gateway: gw, close: func() {}}, nil
	}

	accessKey, secretKey := sc.AccessKey, sc.SecretKey
	if accessKey == "" || secretKey == "" {
		accessKey = "ucs-" + strings.ReplaceAll(uuid.NewString(), "-", "")[:16]
		secretKey = uuid.NewString()
		slog.Warn("storage keys not configured, using ephemeral keys; issued URLs stop working on restart")
	}

	if err := os.MkdirAll(sc.Path, 0o750); err != nil {
		return nil, fmt.Errorf("create storage directory: %w", err)
	}

	root, err := os.OpenRoot(sc.Path)
	if err != nil {
		return nil, fmt.Errorf("open storage root: %w", err)
	}

	files := filesystem.NewFileStorage(root)
	signer := stowry.NewClient(strings.TrimSuffix(sc.Endpoint, "/"), accessKey, secretKey)

	gw, err := objectstore.NewGateway(files, signer, objectstore.Config{Bucket: sc.Bucket, Retry: retry})
	if err != nil {
		_ = root.Close()
		return nil, err
	}

	keys := keybackend.NewMapSecretStore(map[string]string{accessKey: secretKey})
	return &inbox{
		gateway:  gw,
		files:    files,
		verifier: ucs.NewNativeSignatureVerifier(keys),
		close:    func() { _ = root.Close() },
	}, nil
}

// newRedisClient returns nil unless the bus runs on Redis.
func newRedisClient(ctx context.Context, cfg *config.Config) (*redis.Client, error) {
	if cfg.Bus.Driver != "redis" {
		return nil, nil
	}

	client := redis.NewClient(&redis.Options{
		Addr:     cfg.Bus.Redis.Addr,
		Password: cfg.Bus.Redis.Password,
		DB:       cfg.Bus.Redis.DB,
	})
	if err := eventbus.Ping(ctx, client); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("connect redis: %w", err)
	}
	return client, nil
}

func newPublisher(cfg *config.Config, client *redis.Client) (ucs.EventPublisher, error) {
	if client == nil {
		return eventbus.NewMemoryPublisher(slog.Default()), nil
	}
	return eventbus.NewRedisPublisher(client, cfg.Bus.OutboundStream, cfg.Bus.MaxLen)
}

func newCoordinator(cfg *config.Config, store ucs.RecordStore, storage ucs.ObjectStorage, publisher ucs.EventPublisher, observer ucs.Observer) (*ucs.Coordinator, error) {
	return ucs.NewCoordinator(store, storage, publisher, ucs.CoordinatorConfig{
		Bucket:             cfg.Storage.Bucket,
		UploadTTL:          cfg.Credentials.UploadTTL,
		DownloadTTL:        cfg.Credentials.DownloadTTL,
		OperationTimeout:   cfg.Coordinator.OperationTimeout,
		MaxConflictRetries: cfg.Coordinator.MaxConflictRetries,
		Logger:             slog.Default(),
		Observer:           observer,
	})
}

func newDispatcher(cfg *config.Config, handler eventbus.Handler, recorder eventbus.Recorder) *eventbus.Dispatcher {
	return eventbus.NewDispatcher(handler, eventbus.DispatcherConfig{
		Ordering:  retryPolicy(cfg.Retry.Ordering),
		Transient: retryPolicy(cfg.Retry.Transient),
		Logger:    slog.Default(),
		Recorder:  recorder,
	})
}

func retryPolicy(p config.RetryPolicy) eventbus.RetryPolicy {
	return eventbus.RetryPolicy{
		MaxRetries:      p.MaxRetries,
		InitialInterval: p.InitialInterval,
		MaxInterval:     p.MaxInterval,
	}
}

func consumerName(cfg *config.Config) string {
	if cfg.Bus.Consumer != "" {
		return cfg.Bus.Consumer
	}
	host, err := os.Hostname()
	if err != nil || host == "" {
		return "ucs-" + uuid.NewString()[:8]
	}
	return host
}

// healthCheck reports whether the record store and the bus are reachable.
func healthCheck(store ucs.RecordStore, client *redis.Client) func(context.Context) error {
	return func(ctx context.Context) error {
		if _, err := store.Get(ctx, "health-check"); err != nil && !errors.Is(err, ucs.ErrNotFound) {
			return err
		}
		if client != nil {
			return eventbus.Ping(ctx, client)
		}
		return nil
	}
}

// redisCmdable keeps a nil *redis.Client from becoming a non-nil interface.
func redisCmdable(client *redis.Client) redis.Cmdable {
	if client == nil {
		return nil
	}
	return client
}

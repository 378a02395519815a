package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/sagarc03/ucs"
	"github.com/sagarc03/ucs/config"
	"github.com/sagarc03/ucs/database"
	"github.com/sagarc03/ucs/eventbus"
	ucshttp "github.com/sagarc03/ucs/http"
	"github.com/sagarc03/ucs/keybackend"
	"github.com/sagarc03/ucs/metrics"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the coordinator",
	Long: `Start the HTTP API and, with the redis bus, the inbound event consumer.

With the filesystem backend the inbox bucket is served by this process under
/<bucket>, so presigned URLs point back at storage.endpoint. With the memory
bus inbound events are accepted on POST /events.`,
	RunE: runServe,
}

func init() {
	serveCmd.Flags().Int("port", 5708, "HTTP server port")
	rootCmd.AddCommand(serveCmd)
}

func runServe(cmd *cobra.Command, args []string) error {
	ctx, cancel := context.WithCancel(cmd.Context())
	defer cancel()

	cfg, err := config.FromContext(ctx)
	if err != nil {
		return err
	}

	store, closeDB, err := database.Connect(ctx, cfg.Database)
	if err != nil {
		return fmt.Errorf("connect database: %w", err)
	}
	defer closeDB()
	slog.Info("connected to database", "type", cfg.Database.Type)

	box, err := openInbox(cfg)
	if err != nil {
		return fmt.Errorf("open inbox: %w", err)
	}
	defer box.close()

	rdb, err := newRedisClient(ctx, cfg)
	if err != nil {
		return err
	}
	if rdb != nil {
		defer func() { _ = rdb.Close() }()
	}

	m := metrics.New(nil)

	publisher, err := newPublisher(cfg, rdb)
	if err != nil {
		return fmt.Errorf("create publisher: %w", err)
	}

	coordinator, err := newCoordinator(cfg, store, box.gateway, publisher, m)
	if err != nil {
		return fmt.Errorf("create coordinator: %w", err)
	}
	dispatcher := newDispatcher(cfg, coordinator, m)

	var readVerifier, writeVerifier ucs.RequestVerifier
	if cfg.Auth.Read == "private" || cfg.Auth.Write == "private" {
		secrets, err := keybackend.NewSecretStore(cfg.Auth.Keys, redisCmdable(rdb))
		if err != nil {
			return fmt.Errorf("load access keys: %w", err)
		}
		verifier := ucs.NewSignatureVerifier(cfg.Auth.AWS.Region, cfg.Auth.AWS.Service, secrets)
		if cfg.Auth.Read == "private" {
			readVerifier = verifier
		}
		if cfg.Auth.Write == "private" {
			writeVerifier = verifier
		}
	}

	handlerConfig := ucshttp.HandlerConfig{
		ReadVerifier:  readVerifier,
		WriteVerifier: writeVerifier,
		CORS:          cfg.CORS,
		Records:       store,
		Metrics:       m.Handler(),
		Middleware:    []func(http.Handler) http.Handler{m.Middleware},
		Health:        healthCheck(store, rdb),
	}
	if rdb == nil {
		handlerConfig.Events = dispatcher
	}
	if box.files != nil {
		handlerConfig.Inbox = ucshttp.NewInboxHandler(cfg.Storage.Bucket, box.files, box.verifier).Router()
		handlerConfig.InboxBucket = cfg.Storage.Bucket
	}

	handler := ucshttp.NewHandler(&handlerConfig, coordinator)

	var wg sync.WaitGroup
	if rdb != nil {
		consumer, err := eventbus.NewConsumer(rdb, dispatcher, eventbus.ConsumerConfig{
			Stream:           cfg.Bus.InboundStream,
			Group:            cfg.Bus.Group,
			Consumer:         consumerName(cfg),
			DeadLetterStream: cfg.Bus.DeadLetterStream,
			Workers:          cfg.Bus.Workers,
			BatchSize:        cfg.Bus.BatchSize,
			Block:            cfg.Bus.Block,
			ClaimInterval:    cfg.Bus.ClaimInterval,
			ClaimMinIdle:     cfg.Bus.ClaimMinIdle,
			Logger:           slog.Default(),
		})
		if err != nil {
			return fmt.Errorf("create consumer: %w", err)
		}
		if err := consumer.Setup(ctx); err != nil {
			return fmt.Errorf("setup consumer: %w", err)
		}

		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := consumer.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
				slog.Error("consumer stopped", "err", err)
			}
		}()
	}

	addr := fmt.Sprintf(":%d", cfg.Server.Port)

	server := &http.Server{
		Addr:         addr,
		Handler:      handler.Router(),
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 30 * time.Second,
		IdleTimeout:  120 * time.Second,
	}

	go func() {
		sigCh := make(chan os.Signal, 1)
		signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
		select {
		case <-sigCh:
		case <-ctx.Done():
		}

		slog.Info("shutting down server...")
		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
		defer shutdownCancel()

		if err := server.Shutdown(shutdownCtx); err != nil {
			slog.Error("server shutdown error", "err", err)
		}
		cancel()
	}()

	slog.Info("starting server",
		"addr", addr,
		"bucket", cfg.Storage.Bucket,
		"storage", cfg.Storage.Backend,
		"bus", cfg.Bus.Driver,
	)
	if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		cancel()
		wg.Wait()
		return fmt.Errorf("server error: %w", err)
	}

	<-ctx.Done()
	wg.Wait()
	return nil
}

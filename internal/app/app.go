// Package app initializes and holds long-lived application services,
// acting as a dependency injection container.
package app

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"github.com/tbellam/mapextract/internal/artifacts"
	"github.com/tbellam/mapextract/internal/config"
	"github.com/tbellam/mapextract/internal/events"
	"github.com/tbellam/mapextract/internal/logging"
	"github.com/tbellam/mapextract/internal/pipeline"
)

// closer pairs an injected service with its shutdown hook.
type closer interface {
	Close() error
}

// App holds the shared, long-lived services: logger, completion event
// publisher, and artifact store. It is built once at startup and handed
// to the components that need it.
type App struct {
	logger    *zap.Logger
	events    pipeline.CompletionPublisher
	artifacts pipeline.ArtifactStore
	closers   []closer
}

// Logger returns the shared zap logger.
func (a *App) Logger() *zap.Logger {
	return a.logger
}

// Events returns the completion event publisher.
func (a *App) Events() pipeline.CompletionPublisher {
	return a.events
}

// Artifacts returns the artifact store for result mirroring.
func (a *App) Artifacts() pipeline.ArtifactStore {
	return a.artifacts
}

// New builds the service container from configuration, failing fast when
// any configured backend is unreachable.
func New(ctx context.Context, cfg config.Config) (*App, error) {
	logger, err := logging.New(cfg.Logging.Development)
	if err != nil {
		return nil, fmt.Errorf("init logger: %w", err)
	}

	a := &App{logger: logger}

	if cfg.PubSub.ProjectID != "" && cfg.PubSub.TopicName != "" {
		logger.Info("using pubsub completion events",
			zap.String("project", cfg.PubSub.ProjectID),
			zap.String("topic", cfg.PubSub.TopicName))
		pub, err := events.NewPubSubPublisher(ctx, cfg.PubSub.ProjectID, cfg.PubSub.TopicName, logger)
		if err != nil {
			return nil, fmt.Errorf("init events: %w", err)
		}
		a.events = pub
		a.closers = append(a.closers, pub)
	} else {
		logger.Info("completion events disabled")
		a.events = events.NoopPublisher{}
	}

	if cfg.Storage.GCSBucket != "" {
		logger.Info("mirroring artifacts to gcs", zap.String("bucket", cfg.Storage.GCSBucket))
		store, err := artifacts.NewGCSStore(ctx, cfg.Storage.GCSBucket, logger)
		if err != nil {
			return nil, fmt.Errorf("init artifact store: %w", err)
		}
		a.artifacts = store
		a.closers = append(a.closers, store)
	} else {
		logger.Info("artifact mirroring disabled")
		a.artifacts = artifacts.NoopStore{}
	}

	return a, nil
}

// Close shuts down every service the container owns.
func (a *App) Close() {
	for _, c := range a.closers {
		if err := c.Close(); err != nil {
			a.logger.Warn("service shutdown failed", zap.Error(err))
		}
	}
	//nolint:errcheck // best-effort flush
	_ = a.logger.Sync()
}

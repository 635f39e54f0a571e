// Package events publishes term-completion notifications so downstream
// consumers can pick up result files as soon as they land.
package events

import (
	"context"
	"encoding/json"
	"fmt"

	"cloud.google.com/go/pubsub"
	"go.uber.org/zap"
	"google.golang.org/api/option"

	"github.com/tbellam/mapextract/internal/pipeline"
)

// PubSubPublisher emits completion events to a Google Cloud Pub/Sub
// topic. It implements pipeline.CompletionPublisher.
type PubSubPublisher struct {
	client *pubsub.Client
	topic  *pubsub.Topic
	logger *zap.Logger
}

// NewPubSubPublisher connects to Pub/Sub using Application Default
// Credentials and verifies the topic exists before returning.
func NewPubSubPublisher(ctx context.Context, projectID, topicID string, logger *zap.Logger, opts ...option.ClientOption) (*PubSubPublisher, error) {
	client, err := pubsub.NewClient(ctx, projectID, opts...)
	if err != nil {
		return nil, fmt.Errorf("create pubsub client: %w", err)
	}

	topic := client.Topic(topicID)
	exists, err := topic.Exists(ctx)
	if err != nil {
		if closeErr := client.Close(); closeErr != nil {
			logger.Warn("closing pubsub client after topic check failure", zap.Error(closeErr))
		}
		return nil, fmt.Errorf("check pubsub topic %q: %w", topicID, err)
	}
	if !exists {
		if closeErr := client.Close(); closeErr != nil {
			logger.Warn("closing pubsub client after topic check failure", zap.Error(closeErr))
		}
		return nil, fmt.Errorf("pubsub topic %q does not exist in project %q", topicID, projectID)
	}

	return &PubSubPublisher{client: client, topic: topic, logger: logger}, nil
}

// TermCompleted publishes the event as JSON. The send is asynchronous;
// the Pub/Sub client batches and retries in the background, and a failed
// send surfaces as a logged warning rather than a run error.
func (p *PubSubPublisher) TermCompleted(ctx context.Context, ev pipeline.TermEvent) error {
	data, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("encode term event: %w", err)
	}
	res := p.topic.Publish(ctx, &pubsub.Message{
		Data: data,
		Attributes: map[string]string{
			"run_id": ev.RunID,
			"term":   ev.Term,
		},
	})
	go func() {
		// Background context: the send outlives the caller's ctx.
		if _, err := res.Get(context.Background()); err != nil {
			p.logger.Warn("term event publish failed",
				zap.String("term", ev.Term),
				zap.String("run_id", ev.RunID),
				zap.Error(err),
			)
		}
	}()
	return nil
}

// Close flushes pending messages and closes the client.
func (p *PubSubPublisher) Close() error {
	p.topic.Stop()
	if err := p.client.Close(); err != nil {
		return fmt.Errorf("close pubsub client: %w", err)
	}
	return nil
}

// NoopPublisher discards completion events. Used when eventing is not
// configured.
type NoopPublisher struct{}

// TermCompleted does nothing.
func (NoopPublisher) TermCompleted(context.Context, pipeline.TermEvent) error { return nil }

// Close does nothing.
func (NoopPublisher) Close() error { return nil }

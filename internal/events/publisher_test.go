// Package events_test contains unit tests for the events package.
package events_test

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"cloud.google.com/go/pubsub"
	"cloud.google.com/go/pubsub/pstest"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"
	"google.golang.org/api/option"
	"google.golang.org/grpc"

	"github.com/tbellam/mapextract/internal/events"
	"github.com/tbellam/mapextract/internal/pipeline"
)

func newFakePubSub(t *testing.T) (*pstest.Server, *pubsub.Client, option.ClientOption) {
	t.Helper()
	srv := pstest.NewServer()
	t.Cleanup(func() { srv.Close() })

	conn, err := grpc.Dial(srv.Addr, grpc.WithInsecure())
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })

	opt := option.WithGRPCConn(conn)
	client, err := pubsub.NewClient(context.Background(), "project-id", opt)
	require.NoError(t, err)
	t.Cleanup(func() { client.Close() })

	return srv, client, opt
}

func TestPubSubPublisher_PublishAndClose(t *testing.T) {
	ctx := context.Background()
	_, admin, opt := newFakePubSub(t)

	topic, err := admin.CreateTopic(ctx, "term-done")
	require.NoError(t, err)
	sub, err := admin.CreateSubscription(ctx, "sub-id", pubsub.SubscriptionConfig{Topic: topic})
	require.NoError(t, err)

	pub, err := events.NewPubSubPublisher(ctx, "project-id", "term-done", zap.NewNop(), opt)
	require.NoError(t, err)

	ev := pipeline.TermEvent{
		RunID:       "run-1",
		Term:        "cafes",
		Count:       2,
		ResultPath:  "results/cafes.json",
		CompletedAt: time.Now().UTC(),
	}
	require.NoError(t, pub.TermCompleted(ctx, ev))

	recvCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	c := make(chan *pubsub.Message, 1)
	go func() {
		_ = sub.Receive(recvCtx, func(_ context.Context, msg *pubsub.Message) {
			c <- msg
			msg.Ack()
		})
	}()

	select {
	case msg := <-c:
		assert.Equal(t, "run-1", msg.Attributes["run_id"])
		assert.Equal(t, "cafes", msg.Attributes["term"])
		var got pipeline.TermEvent
		require.NoError(t, json.Unmarshal(msg.Data, &got))
		assert.Equal(t, ev.Term, got.Term)
		assert.Equal(t, ev.Count, got.Count)
		assert.Equal(t, ev.ResultPath, got.ResultPath)
	case <-time.After(5 * time.Second):
		t.Fatal("completion event never arrived")
	}

	assert.NoError(t, pub.Close())
}

func TestPubSubPublisher_MissingTopicFailsFast(t *testing.T) {
	ctx := context.Background()
	_, _, opt := newFakePubSub(t)

	_, err := events.NewPubSubPublisher(ctx, "project-id", "no-such-topic", zap.NewNop(), opt)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "no-such-topic")
}

func TestPubSubPublisher_PublishFailureIsLogged(t *testing.T) {
	ctx := context.Background()
	_, admin, opt := newFakePubSub(t)

	topic, err := admin.CreateTopic(ctx, "term-done")
	require.NoError(t, err)

	core, logs := observer.New(zapcore.WarnLevel)
	pub, err := events.NewPubSubPublisher(ctx, "project-id", "term-done", zap.New(core), opt)
	require.NoError(t, err)

	// Deleting the topic makes the asynchronous send fail on delivery.
	require.NoError(t, topic.Delete(ctx))

	require.NoError(t, pub.TermCompleted(ctx, pipeline.TermEvent{RunID: "run-1", Term: "cafes"}))
	require.Eventually(t, func() bool {
		return logs.FilterMessage("term event publish failed").Len() > 0
	}, 5*time.Second, 10*time.Millisecond, "a failed send must surface in the log")
}

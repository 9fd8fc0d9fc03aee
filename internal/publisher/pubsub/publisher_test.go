package pubsub

import (
	"context"
	"testing"

	"cloud.google.com/go/pubsub"
	"cloud.google.com/go/pubsub/pstest"
	"github.com/stretchr/testify/require"
	"google.golang.org/api/option"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
)

func newTestClient(t *testing.T) *pubsub.Client {
	t.Helper()
	srv := pstest.NewServer()
	t.Cleanup(func() { _ = srv.Close() })

	conn, err := grpc.NewClient(srv.Addr, grpc.WithTransportCredentials(insecure.NewCredentials()))
	require.NoError(t, err)
	t.Cleanup(func() { _ = conn.Close() })

	client, err := pubsub.NewClient(context.Background(), "project-id", option.WithGRPCConn(conn))
	require.NoError(t, err)
	t.Cleanup(func() { _ = client.Close() })
	return client
}

func TestPublisherPublishesTaggedJSON(t *testing.T) {
	ctx := context.Background()
	client := newTestClient(t)

	topic, err := client.CreateTopic(ctx, "jobs")
	require.NoError(t, err)
	sub, err := client.CreateSubscription(ctx, "jobs-sub", pubsub.SubscriptionConfig{Topic: topic})
	require.NoError(t, err)

	pub, err := NewWithClient(ctx, client, "jobs")
	require.NoError(t, err)

	id, err := pub.Publish(ctx, "job.completed", map[string]any{"jobId": "job-1", "rating": 15000})
	require.NoError(t, err)
	require.NotEmpty(t, id)
	require.NoError(t, pub.Close())

	recvCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	received := make(chan *pubsub.Message, 1)
	go func() {
		_ = sub.Receive(recvCtx, func(_ context.Context, msg *pubsub.Message) {
			msg.Ack()
			select {
			case received <- msg:
			default:
			}
			cancel()
		})
	}()

	msg := <-received
	require.Equal(t, "job.completed", msg.Attributes[EventAttribute])
	require.JSONEq(t, `{"jobId":"job-1","rating":15000}`, string(msg.Data))
}

func TestNewWithClientRequiresTopic(t *testing.T) {
	client := newTestClient(t)

	_, err := NewWithClient(context.Background(), client, "missing")
	require.ErrorContains(t, err, "does not exist")

	_, err = NewWithClient(context.Background(), nil, "jobs")
	require.Error(t, err)
}

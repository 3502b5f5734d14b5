package pubsub

import (
	"context"
	"encoding/json"
	"testing"

	"cloud.google.com/go/pubsub"
	"cloud.google.com/go/pubsub/pstest"
	"github.com/stretchr/testify/require"
	"google.golang.org/api/option"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
)

func newFakePublisher(t *testing.T) (*Publisher, *pstest.Server) {
	t.Helper()

	srv := pstest.NewServer()
	t.Cleanup(func() { _ = srv.Close() })

	conn, err := grpc.NewClient(srv.Addr, grpc.WithTransportCredentials(insecure.NewCredentials()))
	require.NoError(t, err)

	ctx := context.Background()
	client, err := pubsub.NewClient(ctx, "crawl-project", option.WithGRPCConn(conn))
	require.NoError(t, err)
	topic, err := client.CreateTopic(ctx, "pages-saved")
	require.NoError(t, err)

	pub := New(client, topic)
	t.Cleanup(func() { _ = pub.Close() })
	return pub, srv
}

func TestPublishSendsJSON(t *testing.T) {
	t.Parallel()

	pub, srv := newFakePublisher(t)
	id, err := pub.Publish(context.Background(), "page_saved", map[string]any{
		"url":   "https://www.carzone.ie/cars",
		"index": 1,
	})
	require.NoError(t, err)
	require.NotEmpty(t, id)

	msgs := srv.Messages()
	require.Len(t, msgs, 1)
	require.Equal(t, "page_saved", msgs[0].Attributes["event_type"])

	var body map[string]any
	require.NoError(t, json.Unmarshal(msgs[0].Data, &body))
	require.Equal(t, "https://www.carzone.ie/cars", body["url"])
	require.InDelta(t, 1, body["index"], 0.001)
}

func TestPublishRejectsUnmarshalable(t *testing.T) {
	t.Parallel()

	pub, _ := newFakePublisher(t)
	_, err := pub.Publish(context.Background(), "page_saved", make(chan int))
	require.ErrorContains(t, err, "marshal payload")
}

func TestUnconfiguredPublisher(t *testing.T) {
	t.Parallel()

	var pub *Publisher
	_, err := pub.Publish(context.Background(), "page_saved", nil)
	require.Error(t, err)
	require.NoError(t, pub.Close())

	_, err = Dial(context.Background(), "", "topic")
	require.Error(t, err)
}

package memory

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestPublisherStoresMessages(t *testing.T) {
	t.Parallel()

	pub := New()
	id1, err := pub.Publish(context.Background(), "page_saved", map[string]string{"url": "https://www.carzone.ie/cars"})
	require.NoError(t, err)
	require.Equal(t, "memory-1", id1)
	id2, err := pub.Publish(context.Background(), "crawl_finished", "payload")
	require.NoError(t, err)
	require.Equal(t, "memory-2", id2)

	msgs := pub.Messages()
	require.Len(t, msgs, 2)
	require.Equal(t, "page_saved", msgs[0].EventType)
	require.Equal(t, "crawl_finished", msgs[1].EventType)

	msgs[0].EventType = "modified"
	require.Equal(t, "page_saved", pub.Messages()[0].EventType, "Messages must return a copy")
	require.NoError(t, pub.Close())
}

package events

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestInProcessBusDeliversToSubscriber(t *testing.T) {
	bus := NewInProcessBus()

	received := make(chan ScanCompleted, 1)
	_, err := bus.Subscribe(TopicScanCompleted, func(payload []byte) {
		var sc ScanCompleted
		require.NoError(t, json.Unmarshal(payload, &sc))
		received <- sc
	})
	require.NoError(t, err)

	require.NoError(t, bus.Publish(TopicScanCompleted, ScanCompleted{BlobID: "b1", Verdict: "clean", ScannedAt: time.Now()}))

	select {
	case sc := <-received:
		require.Equal(t, "b1", sc.BlobID)
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for event")
	}
}

func TestInProcessBusUnsubscribeStopsDelivery(t *testing.T) {
	bus := NewInProcessBus()

	var count int
	unsubscribe, err := bus.Subscribe(TopicFileUploaded, func([]byte) { count++ })
	require.NoError(t, err)

	require.NoError(t, bus.Publish(TopicFileUploaded, FileUploaded{UserFileID: "f1"}))
	unsubscribe()
	require.NoError(t, bus.Publish(TopicFileUploaded, FileUploaded{UserFileID: "f2"}))

	require.Equal(t, 1, count)
}

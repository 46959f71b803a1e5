package broadcaster

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/go-redis/redis/v8"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"biomonitor-core/internal/models"
)

func setupBroadcaster(t *testing.T) (*miniredis.Miniredis, *redis.Client, *RedisBroadcaster) {
	mr := miniredis.RunT(t)

	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { client.Close() })

	return mr, client, NewRedisBroadcaster(client, zap.NewNop())
}

func testPayload(alertID, reactorID string) *models.AlertPayload {
	return &models.AlertPayload{
		AlertID:        alertID,
		ReactorID:      reactorID,
		ReactorName:    "Bioreactor A",
		FieldName:      "temperature",
		Severity:       models.SeverityCritical,
		Message:        "temperature > 37 breached (current: 38.5)",
		CurrentValue:   38.5,
		ThresholdValue: 37.0,
		CreatedAt:      time.Now(),
	}
}

func TestChannelFor(t *testing.T) {
	assert.Equal(t, "biomonitor:reactor:reactor-1:alerts", ChannelFor("reactor-1"))
}

func TestPublish_DeliversEnvelopeToReactorChannel(t *testing.T) {
	_, client, b := setupBroadcaster(t)
	ctx := context.Background()

	sub := client.Subscribe(ctx, ChannelFor("reactor-1"))
	defer sub.Close()

	// 等待订阅建立
	_, err := sub.Receive(ctx)
	require.NoError(t, err)

	require.NoError(t, b.Publish(ctx, "reactor-1", EventAlertCreated, testPayload("alert-1", "reactor-1")))

	select {
	case msg := <-sub.Channel():
		var env struct {
			EventType string               `json:"event_type"`
			ReactorID string               `json:"reactor_id"`
			Alert     *models.AlertPayload `json:"alert"`
		}
		require.NoError(t, json.Unmarshal([]byte(msg.Payload), &env))
		assert.Equal(t, EventAlertCreated, env.EventType)
		assert.Equal(t, "reactor-1", env.ReactorID)
		require.NotNil(t, env.Alert)
		assert.Equal(t, "alert-1", env.Alert.AlertID)
		assert.Equal(t, "Bioreactor A", env.Alert.ReactorName)
		assert.Equal(t, 38.5, env.Alert.CurrentValue)
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for published alert")
	}
}

func TestPublish_ChannelPerReactor(t *testing.T) {
	_, client, b := setupBroadcaster(t)
	ctx := context.Background()

	sub := client.Subscribe(ctx, ChannelFor("reactor-2"))
	defer sub.Close()

	_, err := sub.Receive(ctx)
	require.NoError(t, err)

	// 发布到 reactor-1 的事件不出现在 reactor-2 的频道
	require.NoError(t, b.Publish(ctx, "reactor-1", EventAlertCreated, testPayload("alert-1", "reactor-1")))

	select {
	case msg := <-sub.Channel():
		t.Fatalf("unexpected message on reactor-2 channel: %s", msg.Payload)
	case <-time.After(200 * time.Millisecond):
	}
}

func TestPublish_Validation(t *testing.T) {
	_, _, b := setupBroadcaster(t)
	ctx := context.Background()

	err := b.Publish(ctx, "", EventAlertCreated, testPayload("alert-1", "reactor-1"))
	assert.Error(t, err)
	assert.Contains(t, err.Error(), "reactor_id is required")

	err = b.Publish(ctx, "reactor-1", EventAlertCreated, nil)
	assert.Error(t, err)
	assert.Contains(t, err.Error(), "payload is required")
}

func TestNopBroadcaster(t *testing.T) {
	var b NopBroadcaster
	assert.NoError(t, b.Publish(context.Background(), "reactor-1", EventAlertUpdated, testPayload("alert-1", "reactor-1")))
}

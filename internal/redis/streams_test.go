package redis

import (
	"context"
	"encoding/json"
	"testing"

	"github.com/alicebob/miniredis/v2"
	"github.com/go-redis/redis/v8"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func setupStreamClient(t *testing.T) *redis.Client {
	mr := miniredis.RunT(t)

	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { client.Close() })

	return client
}

func TestPublishAndReadFromStream(t *testing.T) {
	client := setupStreamClient(t)
	ctx := context.Background()

	stream := "biomonitor:readings"
	group := "biomonitor-core"

	require.NoError(t, CreateConsumerGroup(ctx, client, stream, group))

	payload := map[string]interface{}{
		"reactor_id": "reactor-1",
		"field_name": "temperature",
		"value":      38.5,
	}
	id, err := PublishJSONToStream(ctx, client, stream, payload)
	require.NoError(t, err)
	assert.NotEmpty(t, id)

	messages, err := ReadFromStream(ctx, client, stream, group, "consumer-1", 10)
	require.NoError(t, err)
	require.Len(t, messages, 1)
	assert.Equal(t, id, messages[0].ID)

	// data 字段携带 JSON 载荷
	raw, ok := messages[0].Values["data"].(string)
	require.True(t, ok)

	var decoded map[string]interface{}
	require.NoError(t, json.Unmarshal([]byte(raw), &decoded))
	assert.Equal(t, "reactor-1", decoded["reactor_id"])
	assert.Equal(t, 38.5, decoded["value"])

	require.NoError(t, AckMessage(ctx, client, stream, group, messages[0].ID))
}

func TestReadPendingFromStream_ReturnsUnackedMessages(t *testing.T) {
	client := setupStreamClient(t)
	ctx := context.Background()

	stream := "biomonitor:readings"
	group := "biomonitor-core"
	consumer := "consumer-1"

	require.NoError(t, CreateConsumerGroup(ctx, client, stream, group))

	id1, err := PublishJSONToStream(ctx, client, stream, map[string]interface{}{"reactor_id": "reactor-1"})
	require.NoError(t, err)
	id2, err := PublishJSONToStream(ctx, client, stream, map[string]interface{}{"reactor_id": "reactor-2"})
	require.NoError(t, err)

	// 读取但不确认：两条都留在 pending 列表
	messages, err := ReadFromStream(ctx, client, stream, group, consumer, 10)
	require.NoError(t, err)
	require.Len(t, messages, 2)

	pending, err := ReadPendingFromStream(ctx, client, stream, group, consumer, "0", 10)
	require.NoError(t, err)
	require.Len(t, pending, 2)
	assert.Equal(t, id1, pending[0].ID)
	assert.Equal(t, id2, pending[1].ID)

	// 确认第一条后只剩第二条
	require.NoError(t, AckMessage(ctx, client, stream, group, id1))

	pending, err = ReadPendingFromStream(ctx, client, stream, group, consumer, "0", 10)
	require.NoError(t, err)
	require.Len(t, pending, 1)
	assert.Equal(t, id2, pending[0].ID)

	// 按最后一条 ID 翻页：之后无更多 pending
	pending, err = ReadPendingFromStream(ctx, client, stream, group, consumer, id2, 10)
	require.NoError(t, err)
	assert.Empty(t, pending)
}

func TestCreateConsumerGroup_Idempotent(t *testing.T) {
	client := setupStreamClient(t)
	ctx := context.Background()

	// 重复创建同一个组不报错
	require.NoError(t, CreateConsumerGroup(ctx, client, "s", "g"))
	require.NoError(t, CreateConsumerGroup(ctx, client, "s", "g"))
}

package tabsync

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fairyhunter13/marketplace-sync/internal/querycache"
)

func TestMessageWireFormat(t *testing.T) {
	msg := NewMessage("tab-1", PurchaseUpdate{ProductID: "p1", NewQuantity: 4}, time.UnixMilli(1700000000000))
	b, err := json.Marshal(msg)
	require.NoError(t, err)
	assert.JSONEq(t, `{"type":"PURCHASE_UPDATE","payload":{"productId":"p1","newQuantity":4},"timestamp":1700000000000,"originId":"tab-1"}`, string(b))

	var got Message
	require.NoError(t, json.Unmarshal(b, &got))
	assert.Equal(t, msg, got)
}

func TestMessageDecodesCacheInvalidateKeys(t *testing.T) {
	raw := `{"type":"CACHE_INVALIDATE","payload":{"keyPaths":[["products"],["product","p9"]]},"timestamp":1,"originId":"tab-2"}`
	var got Message
	require.NoError(t, json.Unmarshal([]byte(raw), &got))
	inv, ok := got.Payload.(CacheInvalidate)
	require.True(t, ok)
	assert.Equal(t, []querycache.Key{querycache.ProductsKey, querycache.ProductKey("p9")}, inv.Keys)
}

func TestMessageDecodeRejects(t *testing.T) {
	cases := map[string]string{
		"unknown type":    `{"type":"NOPE","payload":{},"timestamp":1,"originId":"x"}`,
		"missing payload": `{"type":"SYNC_REQUEST","timestamp":1,"originId":"x"}`,
		"missing origin":  `{"type":"SYNC_REQUEST","payload":{"requesterId":"x"},"timestamp":1}`,
		"not json":        `{{`,
	}
	for name, raw := range cases {
		t.Run(name, func(t *testing.T) {
			var m Message
			assert.Error(t, json.Unmarshal([]byte(raw), &m))
		})
	}
}

func TestMarshalWithoutPayloadFails(t *testing.T) {
	_, err := json.Marshal(Message{OriginID: "x"})
	assert.Error(t, err)
}

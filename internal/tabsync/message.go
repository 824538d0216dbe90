// Package tabsync coordinates sessions that share a kv.Store: it elects one
// leader among them, relays cache hints over a write-then-clear broadcast
// slot and applies incoming hints to the local query cache.
//
// Every signal handled here is a hint. The server remains the only source of
// truth, so every failure in this package is logged and swallowed.
package tabsync

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/fairyhunter13/marketplace-sync/internal/querycache"
)

// MessageType tags a broadcast message.
type MessageType string

const (
	TypeProductUpdate   MessageType = "PRODUCT_UPDATE"
	TypeCacheInvalidate MessageType = "CACHE_INVALIDATE"
	TypePurchaseUpdate  MessageType = "PURCHASE_UPDATE"
	TypeSyncRequest     MessageType = "SYNC_REQUEST"
)

// Payload is the closed set of message bodies. Each implementation reports
// the type tag it travels under.
type Payload interface {
	Type() MessageType
}

// ProductUpdate announces that a listing changed in ways other sessions
// should refetch.
type ProductUpdate struct {
	ProductID string         `json:"productId"`
	Fields    map[string]any `json:"updateFields,omitempty"`
}

// CacheInvalidate lists the cache keys receivers must invalidate.
type CacheInvalidate struct {
	Keys []querycache.Key `json:"keyPaths"`
}

// PurchaseUpdate carries a product's speculative or restored quantity.
type PurchaseUpdate struct {
	ProductID   string `json:"productId"`
	NewQuantity int64  `json:"newQuantity"`
}

// SyncRequest asks the leader to push a fresh invalidation.
type SyncRequest struct {
	RequesterID string `json:"requesterId"`
}

func (ProductUpdate) Type() MessageType   { return TypeProductUpdate }
func (CacheInvalidate) Type() MessageType { return TypeCacheInvalidate }
func (PurchaseUpdate) Type() MessageType  { return TypePurchaseUpdate }
func (SyncRequest) Type() MessageType     { return TypeSyncRequest }

// Message is one broadcast. Timestamp is Unix milliseconds.
type Message struct {
	Payload   Payload
	Timestamp int64
	OriginID  string
}

// NewMessage stamps p with the current time and origin.
func NewMessage(origin string, p Payload, now time.Time) Message {
	return Message{Payload: p, Timestamp: now.UnixMilli(), OriginID: origin}
}

// Type returns the tag of the carried payload.
func (m Message) Type() MessageType {
	if m.Payload == nil {
		return ""
	}
	return m.Payload.Type()
}

type wireMessage struct {
	Type      MessageType     `json:"type"`
	Payload   json.RawMessage `json:"payload"`
	Timestamp int64           `json:"timestamp"`
	OriginID  string          `json:"originId"`
}

// MarshalJSON encodes the message with its type tag alongside the payload.
func (m Message) MarshalJSON() ([]byte, error) {
	if m.Payload == nil {
		return nil, fmt.Errorf("tabsync: message without payload")
	}
	body, err := json.Marshal(m.Payload)
	if err != nil {
		return nil, err
	}
	return json.Marshal(wireMessage{
		Type:      m.Payload.Type(),
		Payload:   body,
		Timestamp: m.Timestamp,
		OriginID:  m.OriginID,
	})
}

// UnmarshalJSON decodes a tagged message, rejecting unknown tags.
func (m *Message) UnmarshalJSON(b []byte) error {
	var w wireMessage
	if err := json.Unmarshal(b, &w); err != nil {
		return err
	}
	var p Payload
	var err error
	switch w.Type {
	case TypeProductUpdate:
		var v ProductUpdate
		err = decodePayload(w.Payload, &v)
		p = v
	case TypeCacheInvalidate:
		var v CacheInvalidate
		err = decodePayload(w.Payload, &v)
		p = v
	case TypePurchaseUpdate:
		var v PurchaseUpdate
		err = decodePayload(w.Payload, &v)
		p = v
	case TypeSyncRequest:
		var v SyncRequest
		err = decodePayload(w.Payload, &v)
		p = v
	default:
		return fmt.Errorf("tabsync: unknown message type %q", w.Type)
	}
	if err != nil {
		return fmt.Errorf("tabsync: decode %s payload: %w", w.Type, err)
	}
	if w.OriginID == "" {
		return fmt.Errorf("tabsync: message without originId")
	}
	*m = Message{Payload: p, Timestamp: w.Timestamp, OriginID: w.OriginID}
	return nil
}

func decodePayload(raw json.RawMessage, v any) error {
	if len(raw) == 0 || string(raw) == "null" {
		return fmt.Errorf("missing payload")
	}
	return json.Unmarshal(raw, v)
}

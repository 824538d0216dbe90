// Package kv defines the shared key-value port that sessions use to
// coordinate, together with an in-process and a Redis implementation.
//
// Every value held here is advisory: a lost write or notification must
// only ever delay convergence, never corrupt business data.
package kv

import (
	"context"
	"errors"
)

// ErrClosed is returned by operations on a store that has been closed.
var ErrClosed = errors.New("kv: store closed")

// Change describes a value transition observed on a key. Value is empty
// when the key was deleted.
type Change struct {
	Key   string
	Value string
}

// Store is the shared key-value broadcast port.
//
// Subscribers are notified of changes made through other handles of the
// same shared store, never of their own writes.
type Store interface {
	Get(ctx context.Context, key string) (value string, ok bool, err error)
	Set(ctx context.Context, key, value string) error
	Delete(ctx context.Context, key string) error
	Subscribe(key string, fn func(Change)) (unsubscribe func())
}

// Swapper is implemented by stores that can atomically replace a value.
// An empty old value means the key must be absent.
type Swapper interface {
	CompareAndSwap(ctx context.Context, key, old, next string) (bool, error)
}

package kv

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"time"

	"github.com/go-redis/redis/v8"
	"github.com/google/uuid"

	"github.com/fairyhunter13/marketplace-sync/internal/obs"
)

// RedisStore backs the shared port with Redis so sessions in different
// processes can coordinate. Values live in plain string keys; change
// notifications travel on a pub/sub channel tagged with the writer's handle
// id so a handle never hears its own writes.
type RedisStore struct {
	client  *redis.Client
	channel string
	id      string

	mu       sync.Mutex
	handlers map[string][]*subscription
	nextID   uint64
	pubsub   *redis.PubSub
	cancel   context.CancelFunc
	done     chan struct{}
	closed   bool
}

var (
	_ Store   = (*RedisStore)(nil)
	_ Swapper = (*RedisStore)(nil)
)

type envelope struct {
	Key    string `json:"k"`
	Value  string `json:"v,omitempty"`
	Origin string `json:"o"`
}

var errValueMismatch = errors.New("kv: value mismatch")

const subscribeConfirmTimeout = 2 * time.Second

// NewRedisStore creates a handle using client. Notifications are exchanged
// on channel, which all cooperating handles must share.
func NewRedisStore(client *redis.Client, channel string) *RedisStore {
	return &RedisStore{
		client:   client,
		channel:  channel,
		id:       uuid.NewString(),
		handlers: make(map[string][]*subscription),
	}
}

// Get returns the current value of key.
func (r *RedisStore) Get(ctx context.Context, key string) (string, bool, error) {
	v, err := r.client.Get(ctx, key).Result()
	if errors.Is(err, redis.Nil) {
		return "", false, nil
	}
	if err != nil {
		return "", false, err
	}
	return v, true, nil
}

// Set writes value under key and announces the change.
func (r *RedisStore) Set(ctx context.Context, key, value string) error {
	if err := r.client.Set(ctx, key, value, 0).Err(); err != nil {
		return err
	}
	return r.announce(ctx, key, value)
}

// Delete removes key and announces the change.
func (r *RedisStore) Delete(ctx context.Context, key string) error {
	if err := r.client.Del(ctx, key).Err(); err != nil {
		return err
	}
	return r.announce(ctx, key, "")
}

// CompareAndSwap uses WATCH/MULTI so the swap fails if another writer
// touched key between the read and the write.
func (r *RedisStore) CompareAndSwap(ctx context.Context, key, old, next string) (bool, error) {
	err := r.client.Watch(ctx, func(tx *redis.Tx) error {
		cur, err := tx.Get(ctx, key).Result()
		had := true
		if errors.Is(err, redis.Nil) {
			cur, had = "", false
		} else if err != nil {
			return err
		}
		if (old == "" && had) || (old != "" && (!had || cur != old)) {
			return errValueMismatch
		}
		_, err = tx.TxPipelined(ctx, func(p redis.Pipeliner) error {
			p.Set(ctx, key, next, 0)
			return nil
		})
		return err
	}, key)
	switch {
	case err == nil:
	case errors.Is(err, errValueMismatch), errors.Is(err, redis.TxFailedErr):
		return false, nil
	default:
		return false, err
	}
	return true, r.announce(ctx, key, next)
}

func (r *RedisStore) announce(ctx context.Context, key, value string) error {
	b, err := json.Marshal(envelope{Key: key, Value: value, Origin: r.id})
	if err != nil {
		return err
	}
	return r.client.Publish(ctx, r.channel, b).Err()
}

// Subscribe registers fn for changes to key announced by other handles. The
// first subscription starts the pub/sub receive loop.
func (r *RedisStore) Subscribe(key string, fn func(Change)) func() {
	r.mu.Lock()
	r.nextID++
	s := &subscription{id: r.nextID, fn: fn}
	r.handlers[key] = append(r.handlers[key], s)
	if r.pubsub == nil && !r.closed {
		ctx, cancel := context.WithCancel(context.Background())
		r.cancel = cancel
		r.pubsub = r.client.Subscribe(ctx, r.channel)
		wctx, wcancel := context.WithTimeout(ctx, subscribeConfirmTimeout)
		if _, err := r.pubsub.Receive(wctx); err != nil {
			obs.With("kv_redis").Warn("kv_subscribe_unconfirmed", "channel", r.channel, "error", err)
		}
		wcancel()
		r.done = make(chan struct{})
		go r.receive(r.pubsub, r.done)
	}
	r.mu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			r.mu.Lock()
			defer r.mu.Unlock()
			list := r.handlers[key]
			for i, h := range list {
				if h.id == s.id {
					r.handlers[key] = append(list[:i:i], list[i+1:]...)
					break
				}
			}
			if len(r.handlers[key]) == 0 {
				delete(r.handlers, key)
			}
		})
	}
}

func (r *RedisStore) receive(ps *redis.PubSub, done chan struct{}) {
	defer close(done)
	log := obs.With("kv_redis")
	for msg := range ps.Channel() {
		var env envelope
		if err := json.Unmarshal([]byte(msg.Payload), &env); err != nil {
			log.Warn("kv_notify_decode_failed", "error", err)
			continue
		}
		if env.Origin == r.id {
			continue
		}
		r.mu.Lock()
		var fns []func(Change)
		for _, s := range r.handlers[env.Key] {
			fns = append(fns, s.fn)
		}
		r.mu.Unlock()
		notify(fns, Change{Key: env.Key, Value: env.Value})
	}
}

// Close stops the receive loop. The underlying client is left open; it is
// owned by the caller.
func (r *RedisStore) Close() error {
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return nil
	}
	r.closed = true
	ps, cancel, done := r.pubsub, r.cancel, r.done
	r.handlers = make(map[string][]*subscription)
	r.mu.Unlock()

	if ps == nil {
		return nil
	}
	cancel()
	err := ps.Close()
	<-done
	return err
}

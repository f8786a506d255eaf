package cache

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/nats-io/nats.go/jetstream"
)

// NatsChannel backs the causal handoff with a JetStream KV bucket so
// producers and consumers in different processes share it. TTL is set
// at the bucket level.
type NatsChannel struct {
	nc *nats.Conn
	kv jetstream.KeyValue
}

func NewNatsChannel(ctx context.Context, natsURL, bucket string, ttl time.Duration) (*NatsChannel, error) {
	nc, err := nats.Connect(natsURL)
	if err != nil {
		return nil, fmt.Errorf("connect to NATS: %w", err)
	}
	js, err := jetstream.New(nc)
	if err != nil {
		nc.Close()
		return nil, fmt.Errorf("create JetStream context: %w", err)
	}
	config := jetstream.KeyValueConfig{Bucket: bucket}
	if ttl > 0 {
		config.TTL = ttl
	}
	kv, err := js.CreateKeyValue(ctx, config)
	if err != nil {
		nc.Close()
		return nil, fmt.Errorf("create KV bucket: %w", err)
	}
	return &NatsChannel{nc: nc, kv: kv}, nil
}

func (c *NatsChannel) Get(ctx context.Context, key string) ([]byte, bool, error) {
	entry, err := c.kv.Get(ctx, key)
	if errors.Is(err, jetstream.ErrKeyNotFound) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("get key %s: %w", key, err)
	}
	return entry.Value(), true, nil
}

func (c *NatsChannel) Put(ctx context.Context, key string, value []byte) error {
	if _, err := c.kv.Put(ctx, key, value); err != nil {
		return fmt.Errorf("put key %s: %w", key, err)
	}
	return nil
}

func (c *NatsChannel) Delete(ctx context.Context, key string) error {
	err := c.kv.Delete(ctx, key)
	if err != nil && !errors.Is(err, jetstream.ErrKeyNotFound) {
		return fmt.Errorf("delete key %s: %w", key, err)
	}
	return nil
}

func (c *NatsChannel) Close() error {
	c.nc.Close()
	return nil
}

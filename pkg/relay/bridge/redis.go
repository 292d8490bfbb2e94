// Package bridge fans relay frames out across relay instances over Redis
// pub/sub.
package bridge

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

// DefaultPrefix is prepended to the session id to form the channel name.
const DefaultPrefix = "vai:relay:"

type envelope struct {
	Origin string `json:"origin"`
	Frame  []byte `json:"frame"`
}

// Redis publishes every locally received frame to <prefix><session> and
// delivers frames published by other instances. Frames carry the publishing
// instance id so an instance never re-delivers its own frames.
type Redis struct {
	client redis.UniversalClient
	prefix string
	origin string
	logger *slog.Logger
}

func NewRedis(client redis.UniversalClient, prefix string, logger *slog.Logger) *Redis {
	if prefix == "" {
		prefix = DefaultPrefix
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Redis{
		client: client,
		prefix: prefix,
		origin: uuid.NewString(),
		logger: logger,
	}
}

// Dial connects to the Redis server at url (redis://...).
func Dial(ctx context.Context, url, prefix string, logger *slog.Logger) (*Redis, error) {
	opts, err := redis.ParseURL(url)
	if err != nil {
		return nil, fmt.Errorf("parse redis url: %w", err)
	}
	client := redis.NewClient(opts)
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("ping redis: %w", err)
	}
	return NewRedis(client, prefix, logger), nil
}

// Origin returns this instance's id.
func (b *Redis) Origin() string { return b.origin }

func (b *Redis) Publish(ctx context.Context, sessionID string, frame []byte) error {
	payload, err := b.encode(frame)
	if err != nil {
		return err
	}
	return b.client.Publish(ctx, b.prefix+sessionID, payload).Err()
}

func (b *Redis) Run(ctx context.Context, deliver func(sessionID string, frame []byte)) error {
	sub := b.client.PSubscribe(ctx, b.prefix+"*")
	defer sub.Close()
	if _, err := sub.Receive(ctx); err != nil {
		return fmt.Errorf("subscribe %s*: %w", b.prefix, err)
	}
	b.logger.Info("relay bridge subscribed", "pattern", b.prefix+"*", "origin", b.origin)

	ch := sub.Channel()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case msg, ok := <-ch:
			if !ok {
				return nil
			}
			sessionID, frame, ok := b.decode(msg.Channel, msg.Payload)
			if !ok {
				continue
			}
			deliver(sessionID, frame)
		}
	}
}

func (b *Redis) Close() error {
	return b.client.Close()
}

func (b *Redis) encode(frame []byte) (string, error) {
	data, err := json.Marshal(envelope{Origin: b.origin, Frame: frame})
	if err != nil {
		return "", fmt.Errorf("encode bridge envelope: %w", err)
	}
	return string(data), nil
}

// decode returns the session and frame of a message published by another
// instance. Own messages and garbage are rejected.
func (b *Redis) decode(channel, payload string) (string, []byte, bool) {
	sessionID, ok := strings.CutPrefix(channel, b.prefix)
	if !ok || sessionID == "" {
		return "", nil, false
	}
	var env envelope
	if err := json.Unmarshal([]byte(payload), &env); err != nil {
		b.logger.Warn("dropping malformed bridge message", "channel", channel, "error", err)
		return "", nil, false
	}
	if env.Origin == b.origin {
		return "", nil, false
	}
	return sessionID, env.Frame, true
}

// Package mailbox delivers mailbox messages to agents through Redis Streams,
// for agents that read their inbox from Redis instead of (or in addition
// to) the gateway WebSocket.
package mailbox

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/jkaninda/taskforge/internal/config"
	"github.com/jkaninda/taskforge/internal/orchestrator"
)

const (
	defaultStreamPrefix = "taskforge:mailbox:"
	defaultMaxLen       = 1000
	readBlock           = 2 * time.Second
)

// RedisMailbox appends messages to one stream per agent. It implements
// orchestrator.Deliverer; Subscribe is the agent-side reader.
type RedisMailbox struct {
	rdb    *redis.Client
	prefix string
	maxLen int64
	logger *slog.Logger
}

// NewRedisMailbox connects to redisURL and verifies the connection.
func NewRedisMailbox(ctx context.Context, cfg *config.MailboxConfig, logger *slog.Logger) (*RedisMailbox, error) {
	if cfg == nil || cfg.RedisURL == "" {
		return nil, errors.New("mailbox: redis_url is required")
	}
	opts, err := redis.ParseURL(cfg.RedisURL)
	if err != nil {
		return nil, fmt.Errorf("parsing redis url: %w", err)
	}
	rdb := redis.NewClient(opts)
	if err := rdb.Ping(ctx).Err(); err != nil {
		_ = rdb.Close()
		return nil, fmt.Errorf("redis ping: %w", err)
	}
	return newRedisMailbox(rdb, cfg, logger), nil
}

func newRedisMailbox(rdb *redis.Client, cfg *config.MailboxConfig, logger *slog.Logger) *RedisMailbox {
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	m := &RedisMailbox{
		rdb:    rdb,
		prefix: defaultStreamPrefix,
		maxLen: defaultMaxLen,
		logger: logger,
	}
	if cfg != nil {
		if cfg.StreamPrefix != "" {
			m.prefix = cfg.StreamPrefix
		}
		if cfg.MaxLen > 0 {
			m.maxLen = cfg.MaxLen
		}
	}
	return m
}

// Stream returns the stream key holding agentName's inbox.
func (m *RedisMailbox) Stream(agentName string) string {
	return m.prefix + agentName
}

// Deliver appends msg to the agent's stream, trimming it to roughly maxLen
// entries.
func (m *RedisMailbox) Deliver(ctx context.Context, agentName string, msg orchestrator.Message) error {
	data, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("encoding message: %w", err)
	}

	stream := m.Stream(agentName)
	id, err := m.rdb.XAdd(ctx, &redis.XAddArgs{
		Stream: stream,
		MaxLen: m.maxLen,
		Approx: true,
		Values: map[string]interface{}{
			"data":    string(data),
			"team_id": msg.TeamID,
			"task_id": msg.TaskID.String(),
		},
	}).Result()
	if err != nil {
		return fmt.Errorf("publish to %s: %w", stream, err)
	}

	m.logger.DebugContext(ctx, "mailbox message published",
		slog.String("stream", stream),
		slog.String("entry_id", id),
		slog.String("message_id", msg.ID.String()),
		slog.String("type", string(msg.Type)),
	)
	return nil
}

// Subscribe reads agentName's stream from the current tail onwards. The
// channel closes when ctx is cancelled.
func (m *RedisMailbox) Subscribe(ctx context.Context, agentName string) <-chan orchestrator.Message {
	ch := make(chan orchestrator.Message, 16)
	stream := m.Stream(agentName)

	go func() {
		defer close(ch)
		lastID := "$"

		for {
			if ctx.Err() != nil {
				return
			}

			results, err := m.rdb.XRead(ctx, &redis.XReadArgs{
				Streams: []string{stream, lastID},
				Count:   10,
				Block:   readBlock,
			}).Result()
			if err != nil {
				if ctx.Err() != nil {
					return
				}
				if !errors.Is(err, redis.Nil) {
					m.logger.Warn("mailbox read failed",
						slog.String("stream", stream),
						slog.String("error", err.Error()),
					)
					// Avoid a hot loop while redis is unreachable.
					select {
					case <-ctx.Done():
						return
					case <-time.After(readBlock):
					}
				}
				continue
			}

			for _, r := range results {
				for _, entry := range r.Messages {
					lastID = entry.ID
					data, ok := entry.Values["data"].(string)
					if !ok {
						continue
					}
					var msg orchestrator.Message
					if err := json.Unmarshal([]byte(data), &msg); err != nil {
						m.logger.Warn("skipping malformed mailbox entry",
							slog.String("stream", stream),
							slog.String("entry_id", entry.ID),
						)
						continue
					}
					select {
					case ch <- msg:
					case <-ctx.Done():
						return
					}
				}
			}
		}
	}()

	return ch
}

// Ping checks the redis connection, for readiness probes.
func (m *RedisMailbox) Ping(ctx context.Context) error {
	return m.rdb.Ping(ctx).Err()
}

// Close shuts down the Redis connection.
func (m *RedisMailbox) Close() error {
	return m.rdb.Close()
}

var _ orchestrator.Deliverer = (*RedisMailbox)(nil)

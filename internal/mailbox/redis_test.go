package mailbox

import (
	"context"
	"testing"

	"github.com/redis/go-redis/v9"

	"github.com/jkaninda/taskforge/internal/config"
)

func TestNewRedisMailbox_RequiresURL(t *testing.T) {
	if _, err := NewRedisMailbox(context.Background(), &config.MailboxConfig{Driver: "redis"}, nil); err == nil {
		t.Fatal("expected error without redis_url")
	}
	if _, err := NewRedisMailbox(context.Background(), nil, nil); err == nil {
		t.Fatal("expected error with nil config")
	}
}

func TestNewRedisMailbox_BadURL(t *testing.T) {
	_, err := NewRedisMailbox(context.Background(), &config.MailboxConfig{RedisURL: "http://not-redis"}, nil)
	if err == nil {
		t.Fatal("expected error for a non-redis url")
	}
}

func TestRedisMailbox_Defaults(t *testing.T) {
	rdb := redis.NewClient(&redis.Options{Addr: "localhost:0"})
	defer rdb.Close()

	m := newRedisMailbox(rdb, nil, nil)
	if m.maxLen != defaultMaxLen {
		t.Errorf("max len = %d, want %d", m.maxLen, defaultMaxLen)
	}
	if got := m.Stream("worker-1"); got != "taskforge:mailbox:worker-1" {
		t.Errorf("stream = %q", got)
	}

	m = newRedisMailbox(rdb, &config.MailboxConfig{StreamPrefix: "tf:", MaxLen: 50}, nil)
	if m.maxLen != 50 || m.Stream("a") != "tf:a" {
		t.Errorf("configured mailbox = prefix %q, max len %d", m.prefix, m.maxLen)
	}
}

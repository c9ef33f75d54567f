package push

import (
	"context"
	"encoding/json"
	"time"

	"github.com/redis/go-redis/v9"
)

// DefaultRedisQueue は通知を積むデフォルトのリストキー。
const DefaultRedisQueue = "quoteday:push"

// RedisTransport は通知をRedisのリストに積み、外部の送信プロセスに引き渡す。
// LPUSHで積むため、送信プロセスが停止中でも通知は失われず、BRPOPで古い順に取り出せる。
type RedisTransport struct {
	client redis.UniversalClient
	queue  string
}

// NewRedisTransport はRedisTransportを生成する。queueが空の場合はDefaultRedisQueueを使う。
func NewRedisTransport(client redis.UniversalClient, queue string) *RedisTransport {
	if queue == "" {
		queue = DefaultRedisQueue
	}
	return &RedisTransport{client: client, queue: queue}
}

// Name はトランスポート名を返す。
func (t *RedisTransport) Name() string {
	return "redis"
}

type redisEnvelope struct {
	Token    string    `json:"token"`
	Message  Message   `json:"message"`
	QueuedAt time.Time `json:"queued_at"`
}

// Send は通知をJSONでキューに積む。積めた時点で引き渡し完了とする。
func (t *RedisTransport) Send(ctx context.Context, token string, msg Message) error {
	if token == "" {
		return terminal(t.Name(), 0, "", ErrEmptyToken)
	}

	payload, err := json.Marshal(redisEnvelope{Token: token, Message: msg, QueuedAt: time.Now().UTC()})
	if err != nil {
		return terminal(t.Name(), 0, "marshal", err)
	}

	if err := t.client.LPush(ctx, t.queue, payload).Err(); err != nil {
		return wrapSendError(t.Name(), err)
	}
	return nil
}

var _ Transport = (*RedisTransport)(nil)

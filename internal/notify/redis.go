package notify

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"session-trader/internal/models"
)

// outboxMaxLen caps the notification list so an absent consumer cannot grow
// it without bound.
const outboxMaxLen = 1000

// RedisConfig configures the Redis command queue.
type RedisConfig struct {
	Addr      string
	Password  string
	DB        int
	KeyPrefix string
}

// RedisNotifier exchanges messages with a chat gateway through Redis lists:
// <prefix>:notifications and <prefix>:results are outboxes the gateway pops,
// <prefix>:commands is the inbox this side drains.
type RedisNotifier struct {
	rdb    *redis.Client
	prefix string
	logger zerolog.Logger
}

var _ Notifier = (*RedisNotifier)(nil)

// NewRedisNotifier connects and pings Redis.
func NewRedisNotifier(ctx context.Context, cfg RedisConfig, logger zerolog.Logger) (*RedisNotifier, error) {
	rdb := redis.NewClient(&redis.Options{
		Addr:     cfg.Addr,
		Password: cfg.Password,
		DB:       cfg.DB,
	})
	if err := rdb.Ping(ctx).Err(); err != nil {
		_ = rdb.Close()
		return nil, fmt.Errorf("redis: ping: %w", err)
	}
	return newRedisNotifier(rdb, cfg.KeyPrefix, logger), nil
}

func newRedisNotifier(rdb *redis.Client, prefix string, logger zerolog.Logger) *RedisNotifier {
	if prefix == "" {
		prefix = "session-trader"
	}
	return &RedisNotifier{
		rdb:    rdb,
		prefix: strings.TrimSuffix(prefix, ":"),
		logger: logger.With().Str("component", "redis_notify").Logger(),
	}
}

func (r *RedisNotifier) key(name string) string {
	return r.prefix + ":" + name
}

type redisMessage struct {
	ChatID int64  `json:"chat_id,omitempty"`
	Text   string `json:"text"`
	SentAt string `json:"sent_at"`
}

func (r *RedisNotifier) push(ctx context.Context, list string, msg redisMessage) error {
	msg.SentAt = time.Now().UTC().Format(time.RFC3339)
	payload, err := json.Marshal(msg)
	if err != nil {
		return err
	}
	_, err = r.rdb.Pipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.RPush(ctx, r.key(list), payload)
		pipe.LTrim(ctx, r.key(list), -outboxMaxLen, -1)
		return nil
	})
	if err != nil {
		return fmt.Errorf("redis: push %s: %w", list, err)
	}
	return nil
}

func (r *RedisNotifier) Notify(ctx context.Context, text string) error {
	if text == "" {
		return nil
	}
	return r.push(ctx, "notifications", redisMessage{Text: text})
}

func (r *RedisNotifier) SendResult(ctx context.Context, chatID int64, text string) error {
	if chatID == 0 || text == "" {
		return nil
	}
	return r.push(ctx, "results", redisMessage{ChatID: chatID, Text: text})
}

// PollCommands reads and deletes the inbox in one MULTI/EXEC so commands
// pushed concurrently are never lost or read twice.
func (r *RedisNotifier) PollCommands(ctx context.Context) ([]models.Command, error) {
	var lrange *redis.StringSliceCmd
	_, err := r.rdb.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		lrange = pipe.LRange(ctx, r.key("commands"), 0, -1)
		pipe.Del(ctx, r.key("commands"))
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("redis: drain commands: %w", err)
	}
	return r.decodeCommands(lrange.Val()), nil
}

func (r *RedisNotifier) decodeCommands(raw []string) []models.Command {
	cmds := make([]models.Command, 0, len(raw))
	for _, item := range raw {
		var c relayCommand
		if err := json.Unmarshal([]byte(item), &c); err != nil {
			r.logger.Warn().Err(err).Str("payload", item).Msg("Dropping malformed command")
			continue
		}
		cmds = append(cmds, c.command())
	}
	return cmds
}

// Close closes the Redis connection.
func (r *RedisNotifier) Close() error {
	return r.rdb.Close()
}

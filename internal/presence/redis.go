package presence

import (
	"context"
	"fmt"
	"sort"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"
)

// RedisConfig holds Redis connection configuration.
type RedisConfig struct {
	Address  string        `mapstructure:"address"`
	Password string        `mapstructure:"password"`
	DB       int           `mapstructure:"db"`
	Prefix   string        `mapstructure:"prefix"`
	TTL      time.Duration `mapstructure:"ttl"`
}

// Redis stores presence counters in one hash per room:
//
//	<prefix>:room:<room>:users  HASH user -> connection count
type Redis struct {
	client *redis.Client
	prefix string
	ttl    time.Duration
}

var _ Tracker = (*Redis)(nil)

// leaveScript decrements a counter and removes the field once it reaches zero.
var leaveScript = redis.NewScript(`
local n = redis.call("HINCRBY", KEYS[1], ARGV[1], -1)
if n <= 0 then
	redis.call("HDEL", KEYS[1], ARGV[1])
	n = 0
end
return n
`)

// NewRedis connects to Redis and verifies the connection.
func NewRedis(ctx context.Context, cfg RedisConfig) (*Redis, error) {
	client := redis.NewClient(&redis.Options{
		Addr:     cfg.Address,
		Password: cfg.Password,
		DB:       cfg.DB,
	})
	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := client.Ping(pingCtx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("connect to redis: %w", err)
	}
	return NewRedisFromClient(client, cfg.Prefix, cfg.TTL), nil
}

// NewRedisFromClient wraps an existing client.
func NewRedisFromClient(client *redis.Client, prefix string, ttl time.Duration) *Redis {
	if prefix == "" {
		prefix = "chatcore:presence"
	}
	if ttl <= 0 {
		ttl = 24 * time.Hour
	}
	return &Redis{client: client, prefix: prefix, ttl: ttl}
}

func (r *Redis) roomKey(room string) string {
	return fmt.Sprintf("%s:room:%s:users", r.prefix, room)
}

func (r *Redis) Join(ctx context.Context, room, user string) (int, error) {
	key := r.roomKey(room)
	pipe := r.client.TxPipeline()
	incr := pipe.HIncrBy(ctx, key, user, 1)
	pipe.Expire(ctx, key, r.ttl)
	if _, err := pipe.Exec(ctx); err != nil {
		return 0, err
	}
	return int(incr.Val()), nil
}

func (r *Redis) Leave(ctx context.Context, room, user string) (int, error) {
	n, err := leaveScript.Run(ctx, r.client, []string{r.roomKey(room)}, user).Int()
	if err != nil {
		return 0, err
	}
	return n, nil
}

func (r *Redis) Online(ctx context.Context, room string) ([]string, error) {
	counts, err := r.client.HGetAll(ctx, r.roomKey(room)).Result()
	if err != nil {
		return nil, err
	}
	users := make([]string, 0, len(counts))
	for user, raw := range counts {
		if n, err := strconv.Atoi(raw); err == nil && n > 0 {
			users = append(users, user)
		}
	}
	sort.Strings(users)
	return users, nil
}

func (r *Redis) Close() error {
	return r.client.Close()
}

package convo

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	configpkg "github.com/sitequery/sitequery/config"
)

// Turn is one completed exchange in a conversation.
type Turn struct {
	Query       string    `json:"query"`
	Decontext   string    `json:"decontextualized,omitempty"`
	Answer      string    `json:"answer,omitempty"`
	CompletedAt time.Time `json:"completed_at"`
}

// Store keeps conversation history and remembered facts in Redis so
// follow-up queries can be decontextualized against prior turns.
type Store struct {
	client *redis.Client
	ttl    time.Duration
}

func Conn(ctx context.Context, cfg configpkg.RedisConfig) (*redis.Client, error) {
	client := redis.NewClient(&redis.Options{
		Addr:        fmt.Sprintf("%s:%s", cfg.Host, cfg.Port),
		DialTimeout: cfg.Timeout,
		Password:    cfg.Password,
		DB:          cfg.DB,
	})

	pong, err := client.Ping(ctx).Result()
	if err != nil {
		return nil, err
	}
	if pong != "PONG" {
		return nil, fmt.Errorf("expected PONG, got %s", pong)
	}

	return client, nil
}

func New(ctx context.Context, cfg configpkg.RedisConfig) (*Store, error) {
	client, err := Conn(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("connecting to redis: %w", err)
	}
	return NewWithClient(client, cfg.TTL), nil
}

func NewWithClient(client *redis.Client, ttl time.Duration) *Store {
	if ttl <= 0 {
		ttl = 24 * time.Hour
	}
	return &Store{client: client, ttl: ttl}
}

func turnsKey(id string) string  { return "convo:" + id + ":turns" }
func memoryKey(id string) string { return "convo:" + id + ":memory" }

func (s *Store) AppendTurn(ctx context.Context, conversationID string, turn Turn) error {
	if turn.CompletedAt.IsZero() {
		turn.CompletedAt = time.Now()
	}
	data, err := json.Marshal(turn)
	if err != nil {
		return err
	}
	key := turnsKey(conversationID)
	if err := s.client.RPush(ctx, key, data).Err(); err != nil {
		return err
	}
	return s.client.Expire(ctx, key, s.ttl).Err()
}

// Turns returns up to limit most recent turns, oldest first.
func (s *Store) Turns(ctx context.Context, conversationID string, limit int) ([]Turn, error) {
	if limit <= 0 {
		limit = 20
	}
	vals, err := s.client.LRange(ctx, turnsKey(conversationID), int64(-limit), -1).Result()
	if err != nil {
		return nil, err
	}
	turns := make([]Turn, 0, len(vals))
	for _, v := range vals {
		var t Turn
		if err := json.Unmarshal([]byte(v), &t); err != nil {
			return nil, err
		}
		turns = append(turns, t)
	}
	return turns, nil
}

func (s *Store) Remember(ctx context.Context, conversationID, key, value string) error {
	k := memoryKey(conversationID)
	if err := s.client.HSet(ctx, k, key, value).Err(); err != nil {
		return err
	}
	return s.client.Expire(ctx, k, s.ttl).Err()
}

func (s *Store) Remembered(ctx context.Context, conversationID string) (map[string]string, error) {
	return s.client.HGetAll(ctx, memoryKey(conversationID)).Result()
}

func (s *Store) Forget(ctx context.Context, conversationID, key string) error {
	return s.client.HDel(ctx, memoryKey(conversationID), key).Err()
}

func (s *Store) Clear(ctx context.Context, conversationID string) error {
	return s.client.Del(ctx, turnsKey(conversationID), memoryKey(conversationID)).Err()
}

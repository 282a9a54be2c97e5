// Package redis keeps session window trackers in Redis so several engine
// processes can share them. Active sessions are indexed in a sorted set by
// last turn time for the idle sweep.
package redis

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"

	"github.com/go-redis/redis/v8"

	"github.com/dotsetgreg/personamem/pkg/memory"
)

// Config selects the Redis server.
type Config struct {
	Addr     string
	Password string
	DB       int
	// Prefix namespaces every key. Defaults to "personamem".
	Prefix string
}

// Store implements memory.SessionStateStore.
type Store struct {
	client *redis.Client
	prefix string
}

func New(ctx context.Context, cfg Config) (*Store, error) {
	if strings.TrimSpace(cfg.Addr) == "" {
		return nil, fmt.Errorf("redis address is required")
	}
	if cfg.Prefix == "" {
		cfg.Prefix = "personamem"
	}
	client := redis.NewClient(&redis.Options{
		Addr:     cfg.Addr,
		Password: cfg.Password,
		DB:       cfg.DB,
	})
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("connect to redis: %w", err)
	}
	return &Store{client: client, prefix: cfg.Prefix}, nil
}

func member(botID, userID string) string {
	return botID + "\x00" + userID
}

func (s *Store) stateKey(botID, userID string) string {
	return s.prefix + ":session:" + botID + ":" + userID
}

func (s *Store) activeKey() string {
	return s.prefix + ":sessions:active"
}

func (s *Store) GetSessionState(ctx context.Context, botID, userID string) (memory.SessionState, bool, error) {
	raw, err := s.client.Get(ctx, s.stateKey(botID, userID)).Bytes()
	if errors.Is(err, redis.Nil) {
		return memory.SessionState{}, false, nil
	}
	if err != nil {
		return memory.SessionState{}, false, fmt.Errorf("get session state: %w", err)
	}
	var st memory.SessionState
	if err := json.Unmarshal(raw, &st); err != nil {
		return memory.SessionState{}, false, fmt.Errorf("decode session state: %w", err)
	}
	return st, true, nil
}

func (s *Store) PutSessionState(ctx context.Context, st memory.SessionState) error {
	raw, err := json.Marshal(st)
	if err != nil {
		return fmt.Errorf("encode session state: %w", err)
	}
	_, err = s.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.Set(ctx, s.stateKey(st.BotID, st.UserID), raw, 0)
		if st.Status == memory.SessionActive {
			pipe.ZAdd(ctx, s.activeKey(), &redis.Z{Score: float64(st.UpdatedAtMS), Member: member(st.BotID, st.UserID)})
		} else {
			pipe.ZRem(ctx, s.activeKey(), member(st.BotID, st.UserID))
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("put session state: %w", err)
	}
	return nil
}

func (s *Store) DeleteSessionState(ctx context.Context, botID, userID string) error {
	_, err := s.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.Del(ctx, s.stateKey(botID, userID))
		pipe.ZRem(ctx, s.activeKey(), member(botID, userID))
		return nil
	})
	if err != nil {
		return fmt.Errorf("delete session state: %w", err)
	}
	return nil
}

func (s *Store) ListIdleSessions(ctx context.Context, cutoffMS int64, limit int) ([]memory.SessionState, error) {
	if limit <= 0 {
		limit = 256
	}
	members, err := s.client.ZRangeByScore(ctx, s.activeKey(), &redis.ZRangeBy{
		Min:   "-inf",
		Max:   strconv.FormatInt(cutoffMS, 10),
		Count: int64(limit),
	}).Result()
	if err != nil {
		return nil, fmt.Errorf("list idle sessions: %w", err)
	}
	out := make([]memory.SessionState, 0, len(members))
	for _, m := range members {
		botID, userID, ok := strings.Cut(m, "\x00")
		if !ok {
			continue
		}
		st, found, err := s.GetSessionState(ctx, botID, userID)
		if err != nil {
			return nil, err
		}
		if !found || st.Status != memory.SessionActive {
			continue
		}
		out = append(out, st)
	}
	return out, nil
}

func (s *Store) Close() error {
	return s.client.Close()
}

var _ memory.SessionStateStore = (*Store)(nil)

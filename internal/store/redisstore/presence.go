// Package redisstore provides a Redis-backed store.PresenceStore so presence rows can be
// shared by every node without touching the relational store.
package redisstore

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/vovakirdan/relaychat-server/internal/store"
)

const keyPrefix = "relaychat:presence:"

// PresenceStore keeps one hash per user: online flag and last-seen in unix millis.
type PresenceStore struct {
	rdb redis.UniversalClient
}

var _ store.PresenceStore = (*PresenceStore)(nil)

// NewPresenceStore wraps an existing client.
func NewPresenceStore(rdb redis.UniversalClient) *PresenceStore {
	return &PresenceStore{rdb: rdb}
}

func presenceKey(userID int64) string {
	return keyPrefix + strconv.FormatInt(userID, 10)
}

// UpsertPresence writes the presence hash for userID.
func (p *PresenceStore) UpsertPresence(ctx context.Context, userID int64, online bool, lastSeen time.Time) error {
	flag := "0"
	if online {
		flag = "1"
	}
	if err := p.rdb.HSet(ctx, presenceKey(userID), "online", flag, "last_seen", lastSeen.UnixMilli()).Err(); err != nil {
		return fmt.Errorf("redis hset presence: %w", err)
	}
	return nil
}

// GetPresence reads all requested hashes in a single pipeline round trip.
func (p *PresenceStore) GetPresence(ctx context.Context, userIDs []int64) (map[int64]store.Presence, error) {
	result := make(map[int64]store.Presence, len(userIDs))
	if len(userIDs) == 0 {
		return result, nil
	}

	cmds := make([]*redis.MapStringStringCmd, len(userIDs))
	_, err := p.rdb.Pipelined(ctx, func(pipe redis.Pipeliner) error {
		for i, id := range userIDs {
			cmds[i] = pipe.HGetAll(ctx, presenceKey(id))
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("redis pipeline presence: %w", err)
	}

	for i, cmd := range cmds {
		fields := cmd.Val()
		if len(fields) == 0 {
			continue
		}
		pr := store.Presence{UserID: userIDs[i], Online: fields["online"] == "1"}
		if ms, err := strconv.ParseInt(fields["last_seen"], 10, 64); err == nil {
			ts := time.UnixMilli(ms).UTC()
			pr.LastSeen = &ts
		}
		result[userIDs[i]] = pr
	}
	return result, nil
}

// ResetPresence flips every presence hash to offline, keeping last_seen.
func (p *PresenceStore) ResetPresence(ctx context.Context) (int64, error) {
	var (
		cursor uint64
		n      int64
	)
	for {
		keys, next, err := p.rdb.Scan(ctx, cursor, keyPrefix+"*", 200).Result()
		if err != nil {
			return n, fmt.Errorf("redis scan presence: %w", err)
		}
		if len(keys) > 0 {
			_, err := p.rdb.Pipelined(ctx, func(pipe redis.Pipeliner) error {
				for _, key := range keys {
					pipe.HSet(ctx, key, "online", "0")
				}
				return nil
			})
			if err != nil {
				return n, fmt.Errorf("redis reset presence: %w", err)
			}
			n += int64(len(keys))
		}
		if next == 0 {
			return n, nil
		}
		cursor = next
	}
}

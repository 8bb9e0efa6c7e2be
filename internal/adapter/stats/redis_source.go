// Package stats implements domain.StatsSource against the panel's Redis
// cache. The panel's node agents write per-server load snapshots into a
// hash; this source only reads them.
package stats

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sort"

	"github.com/redis/go-redis/v9"
	"github.com/vpnpanel/realtime/internal/domain"
)

const serversKey = "monitoring:servers"

// RedisLoadSource reads the current monitoring snapshot from Redis.
type RedisLoadSource struct {
	rdb *redis.Client
}

var _ domain.StatsSource = (*RedisLoadSource)(nil)

func NewRedisLoadSource(rdb *redis.Client) *RedisLoadSource {
	return &RedisLoadSource{rdb: rdb}
}

// Sample returns the load figures for every server in the snapshot,
// sorted by name. Entries that fail to decode are skipped.
func (s *RedisLoadSource) Sample(ctx context.Context) ([]domain.ServerLoad, error) {
	entries, err := s.rdb.HGetAll(ctx, serversKey).Result()
	if err != nil {
		return nil, fmt.Errorf("read monitoring snapshot: %w", err)
	}

	loads := make([]domain.ServerLoad, 0, len(entries))
	for name, data := range entries {
		var load domain.ServerLoad
		if err := json.Unmarshal([]byte(data), &load); err != nil {
			slog.Warn("Skipping undecodable server load entry", "server", name, "error", err)
			continue
		}
		if load.Name == "" {
			load.Name = name
		}
		loads = append(loads, load)
	}

	sort.Slice(loads, func(i, j int) bool { return loads[i].Name < loads[j].Name })
	return loads, nil
}

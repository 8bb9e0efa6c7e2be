// Package coordination tracks sibling instances and elects a sampling
// leader through Redis.
package coordination

import (
	"context"
	"encoding/json"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/redis/go-redis/v9"
)

const (
	instancesKey = "realtime:instances"
	// An instance without a heartbeat for this long is considered gone.
	instanceTTL = 60 * time.Second
)

// InstanceRegistry tracks active service instances in a shared Redis hash.
// Each instance heartbeats periodically; stale entries are filtered on read.
type InstanceRegistry struct {
	rdb        *redis.Client
	instanceID string
	heartbeat  time.Duration
	version    string
	clock      clockwork.Clock
}

// InstanceInfo holds metadata about one instance.
type InstanceInfo struct {
	InstanceID string `json:"instance_id"`
	Timestamp  int64  `json:"timestamp"`
	Version    string `json:"version"`
}

func NewInstanceRegistry(rdb *redis.Client, instanceID string, heartbeat time.Duration, version string, clock clockwork.Clock) *InstanceRegistry {
	return &InstanceRegistry{
		rdb:        rdb,
		instanceID: instanceID,
		heartbeat:  heartbeat,
		version:    version,
		clock:      clock,
	}
}

// Start registers immediately, then heartbeats on the ticker interval.
// Blocks until ctx is cancelled, then unregisters and returns.
func (r *InstanceRegistry) Start(ctx context.Context) {
	r.register(ctx)

	ticker := r.clock.NewTicker(r.heartbeat)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.Chan():
			r.register(ctx)
		case <-ctx.Done():
			r.unregister()
			return
		}
	}
}

func (r *InstanceRegistry) register(ctx context.Context) {
	info := InstanceInfo{
		InstanceID: r.instanceID,
		Timestamp:  r.clock.Now().Unix(),
		Version:    r.version,
	}

	data, err := json.Marshal(info)
	if err != nil {
		return
	}

	r.rdb.HSet(ctx, instancesKey, r.instanceID, data)
}

func (r *InstanceRegistry) unregister() {
	r.rdb.HDel(context.Background(), instancesKey, r.instanceID)
}

// ActiveInstances returns every instance with a recent heartbeat.
func (r *InstanceRegistry) ActiveInstances(ctx context.Context) ([]InstanceInfo, error) {
	entries, err := r.rdb.HGetAll(ctx, instancesKey).Result()
	if err != nil {
		return nil, err
	}

	infos := []InstanceInfo{}
	now := r.clock.Now().Unix()

	for _, data := range entries {
		var info InstanceInfo
		if err := json.Unmarshal([]byte(data), &info); err != nil {
			continue
		}
		if now-info.Timestamp < int64(instanceTTL.Seconds()) {
			infos = append(infos, info)
		}
	}

	return infos, nil
}

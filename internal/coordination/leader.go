package coordination

import (
	"context"
	"errors"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/redis/go-redis/v9"
)

// ErrNotLeader is returned by RenewLease when this instance lost the lock.
var ErrNotLeader = errors.New("not leader")

// LeaderElection implements single-leader election using Redis SETNX.
// The leader holds a key with a TTL; if the leader crashes, the key expires
// and another instance acquires it.
type LeaderElection struct {
	rdb        *redis.Client
	instanceID string
	key        string
	ttl        time.Duration
}

func NewLeaderElection(rdb *redis.Client, instanceID, key string, ttl time.Duration) *LeaderElection {
	return &LeaderElection{rdb: rdb, instanceID: instanceID, key: key, ttl: ttl}
}

// TryBecomeLeader attempts to acquire leadership.
func (l *LeaderElection) TryBecomeLeader(ctx context.Context) (bool, error) {
	return l.rdb.SetNX(ctx, l.key, l.instanceID, l.ttl).Result()
}

// RenewLease extends the TTL. Only succeeds while this instance holds the
// lock; the Lua script makes check-and-renew atomic.
func (l *LeaderElection) RenewLease(ctx context.Context) error {
	script := `
	if redis.call("GET", KEYS[1]) == ARGV[1] then
		return redis.call("EXPIRE", KEYS[1], ARGV[2])
	else
		return 0
	end
	`

	result, err := l.rdb.Eval(ctx, script, []string{l.key}, l.instanceID, int(l.ttl.Seconds())).Result()
	if err != nil {
		return err
	}
	if result == int64(0) {
		return ErrNotLeader
	}
	return nil
}

// ReleaseLease voluntarily gives up leadership during graceful shutdown.
func (l *LeaderElection) ReleaseLease(ctx context.Context) error {
	script := `
	if redis.call("GET", KEYS[1]) == ARGV[1] then
		return redis.call("DEL", KEYS[1])
	else
		return 0
	end
	`

	return l.rdb.Eval(ctx, script, []string{l.key}, l.instanceID).Err()
}

// Leadership maintains the election in a background loop and caches the
// outcome so hot paths can consult it without a Redis round-trip.
type Leadership struct {
	election *LeaderElection
	clock    clockwork.Clock
	interval time.Duration
	isLeader atomic.Bool
}

// NewLeadership wraps an election. interval should be well under the
// election TTL so a healthy leader never loses its lease.
func NewLeadership(election *LeaderElection, clock clockwork.Clock, interval time.Duration) *Leadership {
	return &Leadership{election: election, clock: clock, interval: interval}
}

// IsLeader reports the cached election outcome.
func (l *Leadership) IsLeader() bool {
	return l.isLeader.Load()
}

// Start runs the acquire/renew loop. Blocks until ctx is cancelled, then
// releases the lease if held.
func (l *Leadership) Start(ctx context.Context) {
	l.tick(ctx)

	ticker := l.clock.NewTicker(l.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.Chan():
			l.tick(ctx)
		case <-ctx.Done():
			if l.isLeader.Load() {
				releaseCtx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
				if err := l.election.ReleaseLease(releaseCtx); err != nil {
					slog.Warn("Failed to release leadership", "error", err)
				}
				cancel()
				l.isLeader.Store(false)
			}
			return
		}
	}
}

func (l *Leadership) tick(ctx context.Context) {
	if l.isLeader.Load() {
		err := l.election.RenewLease(ctx)
		if err == nil {
			return
		}
		l.isLeader.Store(false)
		if errors.Is(err, ErrNotLeader) {
			slog.Warn("Lost leadership")
		} else {
			slog.Warn("Failed to renew leadership lease", "error", err)
		}
		return
	}

	acquired, err := l.election.TryBecomeLeader(ctx)
	if err != nil {
		slog.Debug("Leadership acquisition failed", "error", err)
		return
	}
	if acquired {
		slog.Info("Acquired leadership")
		l.isLeader.Store(true)
	}
}

// Package tunables holds the dispatch timing and sizing knobs loaded
// from the settings store.
package tunables

import (
	"context"
	"sync/atomic"
	"time"

	"github.com/taskmux/taskmux/internal/broker/store"
)

// Default values (durations in seconds).
const (
	DefaultAuthTimeout            = 10
	DefaultHeartbeatInterval      = 30
	DefaultClientTimeout          = 90
	DefaultInitialLease           = 60
	DefaultAckExtend              = 270
	DefaultProgressReset          = 120
	DefaultLeaseCap               = 1800
	DefaultMaxPendingPerWorkspace = 100
	DefaultCompletedMax           = 1000
	DefaultMaxAttempts            = 3
)

// Config holds tunable values loaded from the settings store.
// Durations are stored as nanoseconds so overrides below one second
// work. All methods are safe for concurrent use.
type Config struct {
	authTimeout            atomic.Int64
	heartbeatInterval      atomic.Int64
	clientTimeout          atomic.Int64
	initialLease           atomic.Int64
	ackExtend              atomic.Int64
	progressReset          atomic.Int64
	leaseCap               atomic.Int64
	maxPendingPerWorkspace atomic.Int64
	completedMax           atomic.Int64
	maxAttempts            atomic.Int64
}

// New returns a Config with all defaults. Used by tests and as the
// base before a store is available.
func New() *Config {
	c := &Config{}
	c.refresh(store.Settings{})
	return c
}

// NewFromStore loads the tunables from the settings row.
func NewFromStore(ctx context.Context, s *store.Store) (*Config, error) {
	set, err := s.GetSettings(ctx)
	if err != nil {
		return nil, err
	}

	c := &Config{}
	c.refresh(set)
	return c, nil
}

// Refresh updates the values from a settings row.
func (c *Config) Refresh(set store.Settings) {
	c.refresh(set)
}

func (c *Config) refresh(set store.Settings) {
	c.authTimeout.Store(clampSeconds(set.AuthTimeoutSeconds, DefaultAuthTimeout))
	c.heartbeatInterval.Store(clampSeconds(set.HeartbeatIntervalSeconds, DefaultHeartbeatInterval))
	c.clientTimeout.Store(clampSeconds(set.ClientTimeoutSeconds, DefaultClientTimeout))
	c.initialLease.Store(clampSeconds(set.InitialLeaseSeconds, DefaultInitialLease))
	c.ackExtend.Store(clampSeconds(set.AckExtendSeconds, DefaultAckExtend))
	c.progressReset.Store(clampSeconds(set.ProgressResetSeconds, DefaultProgressReset))
	c.leaseCap.Store(clampSeconds(set.LeaseCapSeconds, DefaultLeaseCap))
	c.maxPendingPerWorkspace.Store(clampCount(set.MaxPendingPerWorkspace, DefaultMaxPendingPerWorkspace))
	c.completedMax.Store(clampCount(set.CompletedMax, DefaultCompletedMax))
	c.maxAttempts.Store(clampCount(set.MaxAttempts, DefaultMaxAttempts))
}

// AuthTimeout is how long an agent session may stay unauthenticated.
func (c *Config) AuthTimeout() time.Duration {
	return time.Duration(c.authTimeout.Load())
}

// HeartbeatInterval is the expected agent ping cadence.
func (c *Config) HeartbeatInterval() time.Duration {
	return time.Duration(c.heartbeatInterval.Load())
}

// ClientTimeout is how long a session may go without a heartbeat
// before the sweeper evicts it.
func (c *Config) ClientTimeout() time.Duration {
	return time.Duration(c.clientTimeout.Load())
}

// InitialLease is the lease granted to a fresh reservation.
func (c *Config) InitialLease() time.Duration {
	return time.Duration(c.initialLease.Load())
}

// AckExtend is added to the lease deadline when a task is acked.
func (c *Config) AckExtend() time.Duration {
	return time.Duration(c.ackExtend.Load())
}

// ProgressReset is the fresh lease window granted by a progress report.
func (c *Config) ProgressReset() time.Duration {
	return time.Duration(c.progressReset.Load())
}

// LeaseCap bounds the cumulative lease time of a single reservation.
func (c *Config) LeaseCap() time.Duration {
	return time.Duration(c.leaseCap.Load())
}

// MaxPendingPerWorkspace bounds each workspace's pending queue.
func (c *Config) MaxPendingPerWorkspace() int {
	return int(c.maxPendingPerWorkspace.Load())
}

// CompletedMax bounds the completed-task ring.
func (c *Config) CompletedMax() int {
	return int(c.completedMax.Load())
}

// MaxAttempts bounds delivery attempts per task.
func (c *Config) MaxAttempts() int {
	return int(c.maxAttempts.Load())
}

// SetAuthTimeout overrides the auth timeout.
func (c *Config) SetAuthTimeout(d time.Duration) { c.authTimeout.Store(int64(d)) }

// SetHeartbeatInterval overrides the heartbeat interval.
func (c *Config) SetHeartbeatInterval(d time.Duration) { c.heartbeatInterval.Store(int64(d)) }

// SetClientTimeout overrides the client timeout.
func (c *Config) SetClientTimeout(d time.Duration) { c.clientTimeout.Store(int64(d)) }

// SetInitialLease overrides the initial lease.
func (c *Config) SetInitialLease(d time.Duration) { c.initialLease.Store(int64(d)) }

// SetAckExtend overrides the ack extension.
func (c *Config) SetAckExtend(d time.Duration) { c.ackExtend.Store(int64(d)) }

// SetProgressReset overrides the progress reset window.
func (c *Config) SetProgressReset(d time.Duration) { c.progressReset.Store(int64(d)) }

// SetLeaseCap overrides the cumulative lease cap.
func (c *Config) SetLeaseCap(d time.Duration) { c.leaseCap.Store(int64(d)) }

// SetMaxPendingPerWorkspace overrides the pending queue bound.
func (c *Config) SetMaxPendingPerWorkspace(n int) { c.maxPendingPerWorkspace.Store(int64(n)) }

// SetCompletedMax overrides the completed ring size.
func (c *Config) SetCompletedMax(n int) { c.completedMax.Store(int64(n)) }

// SetMaxAttempts overrides the delivery attempt bound.
func (c *Config) SetMaxAttempts(n int) { c.maxAttempts.Store(int64(n)) }

func clampSeconds(val, defaultVal int64) int64 {
	if val <= 0 {
		val = defaultVal
	}
	return val * int64(time.Second)
}

func clampCount(val, defaultVal int64) int64 {
	if val <= 0 {
		return defaultVal
	}
	return val
}

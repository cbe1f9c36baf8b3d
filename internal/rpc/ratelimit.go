package rpc

import (
	"fmt"
	"sync"
	"time"

	"golang.org/x/time/rate"
	"mapeo.dev/go/mapeo/internal/protocol"
)

// RateLimitConfig defines the pace of inbound rpc messages
type RateLimitConfig struct {
	// Per-peer limits
	PeerMessagesPerSecond float64
	PeerBurst             int

	// Per-message-type limits, per peer
	TypeLimits map[protocol.MessageType]TypeLimit

	// Across all peers
	GlobalMessagesPerSecond float64
	GlobalBurst             int
}

// TypeLimit defines rate limit for a specific message type
type TypeLimit struct {
	PerMinute int
	Burst     int
}

// DefaultRateLimitConfig returns the limits used when none are configured.
func DefaultRateLimitConfig() *RateLimitConfig {
	return &RateLimitConfig{
		PeerMessagesPerSecond: 50,
		PeerBurst:             100,

		// Invites are user actions. Acks and device info follow them.
		TypeLimits: map[protocol.MessageType]TypeLimit{
			protocol.MsgInvite:             {PerMinute: 60, Burst: 20},
			protocol.MsgInviteCancel:       {PerMinute: 60, Burst: 20},
			protocol.MsgInviteResponse:     {PerMinute: 60, Burst: 20},
			protocol.MsgProjectJoinDetails: {PerMinute: 60, Burst: 20},
			protocol.MsgDeviceInfo:         {PerMinute: 30, Burst: 5},
		},

		GlobalMessagesPerSecond: 500,
		GlobalBurst:             1000,
	}
}

// RateLimiter paces inbound messages per peer, per type and globally.
type RateLimiter struct {
	config *RateLimitConfig

	globalLimiter *rate.Limiter

	peerLimiters     sync.Map // device ID -> *rate.Limiter
	peerTypeLimiters sync.Map // "deviceID:type" -> *rate.Limiter

	mu        sync.RWMutex
	throttled map[string]int64
}

// NewRateLimiter creates a new rate limiter
func NewRateLimiter(config *RateLimitConfig) *RateLimiter {
	if config == nil {
		config = DefaultRateLimitConfig()
	}

	return &RateLimiter{
		config:        config,
		globalLimiter: rate.NewLimiter(rate.Limit(config.GlobalMessagesPerSecond), config.GlobalBurst),
		throttled:     make(map[string]int64),
	}
}

// Reserve takes a token for a message of type t from deviceID and returns
// how long the message must wait before it is handled. Messages are never
// dropped: a peer over its limit is slowed down.
func (rl *RateLimiter) Reserve(deviceID string, t protocol.MessageType) time.Duration {
	delay := reserve(rl.globalLimiter)
	delay = max(delay, reserve(rl.getPeerLimiter(deviceID)))
	if l := rl.getTypeLimiter(deviceID, t); l != nil {
		delay = max(delay, reserve(l))
	}

	if delay > 0 {
		rl.recordThrottle(deviceID)
	}
	return delay
}

// reserve returns the wait for one token. A limiter that can never grant
// a token does not limit.
func reserve(l *rate.Limiter) time.Duration {
	r := l.Reserve()
	if !r.OK() {
		return 0
	}
	return r.Delay()
}

func (rl *RateLimiter) getPeerLimiter(deviceID string) *rate.Limiter {
	if limiter, ok := rl.peerLimiters.Load(deviceID); ok {
		return limiter.(*rate.Limiter)
	}
	limiter, _ := rl.peerLimiters.LoadOrStore(deviceID, rate.NewLimiter(
		rate.Limit(rl.config.PeerMessagesPerSecond),
		rl.config.PeerBurst,
	))
	return limiter.(*rate.Limiter)
}

func (rl *RateLimiter) getTypeLimiter(deviceID string, t protocol.MessageType) *rate.Limiter {
	key := fmt.Sprintf("%s:%s", deviceID, t)
	if limiter, ok := rl.peerTypeLimiters.Load(key); ok {
		return limiter.(*rate.Limiter)
	}

	typeLimit, exists := rl.config.TypeLimits[t]
	if !exists {
		return nil
	}

	perSecond := float64(typeLimit.PerMinute) / 60.0
	limiter, _ := rl.peerTypeLimiters.LoadOrStore(key, rate.NewLimiter(rate.Limit(perSecond), typeLimit.Burst))
	return limiter.(*rate.Limiter)
}

func (rl *RateLimiter) recordThrottle(deviceID string) {
	rl.mu.Lock()
	defer rl.mu.Unlock()
	rl.throttled[deviceID]++
}

// RemovePeer cleans up limiters for a device with no remaining connections.
func (rl *RateLimiter) RemovePeer(deviceID string) {
	rl.peerLimiters.Delete(deviceID)
	for t := range rl.config.TypeLimits {
		rl.peerTypeLimiters.Delete(fmt.Sprintf("%s:%s", deviceID, t))
	}
}

// ThrottleCount returns the number of delayed messages for a device.
func (rl *RateLimiter) ThrottleCount(deviceID string) int64 {
	rl.mu.RLock()
	defer rl.mu.RUnlock()
	return rl.throttled[deviceID]
}

// TotalThrottled returns the number of delayed messages across all devices.
func (rl *RateLimiter) TotalThrottled() int64 {
	rl.mu.RLock()
	defer rl.mu.RUnlock()
	var n int64
	for _, c := range rl.throttled {
		n += c
	}
	return n
}

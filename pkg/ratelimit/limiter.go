package ratelimit

import (
	"context"
	"fmt"
	"sync"

	"golang.org/x/time/rate"
)

// MultiLimiter manages multiple rate limiters for different services
type MultiLimiter struct {
	limiters map[string]*rate.Limiter
	mu       sync.RWMutex
}

// NewMultiLimiter creates a new multi-limiter
func NewMultiLimiter() *MultiLimiter {
	return &MultiLimiter{
		limiters: make(map[string]*rate.Limiter),
	}
}

// AddLimiter adds a new rate limiter for a service
// requestsPerSecond: the rate limit (e.g., 10 means 10 requests per second)
// burst: maximum burst size
func (m *MultiLimiter) AddLimiter(name string, requestsPerSecond float64, burst int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.limiters[name] = rate.NewLimiter(rate.Limit(requestsPerSecond), burst)
}

// Wait blocks until the limiter allows an event
func (m *MultiLimiter) Wait(ctx context.Context, name string) error {
	m.mu.RLock()
	limiter, ok := m.limiters[name]
	m.mu.RUnlock()

	if !ok {
		return fmt.Errorf("limiter %s not found", name)
	}

	return limiter.Wait(ctx)
}

// Allow reports whether an event may happen now
func (m *MultiLimiter) Allow(name string) bool {
	m.mu.RLock()
	limiter, ok := m.limiters[name]
	m.mu.RUnlock()

	if !ok {
		return false
	}

	return limiter.Allow()
}

// Reserve returns a reservation for a future event
func (m *MultiLimiter) Reserve(name string) (*rate.Reservation, error) {
	m.mu.RLock()
	limiter, ok := m.limiters[name]
	m.mu.RUnlock()

	if !ok {
		return nil, fmt.Errorf("limiter %s not found", name)
	}

	return limiter.Reserve(), nil
}

// Outbound limiter names
const (
	LimiterAppStore   = "appstore"
	LimiterGooglePlay = "googleplay"
	LimiterAnthropic  = "anthropic"
	LimiterTelegram   = "telegram"
)

// PacingConfig holds requests-per-second and burst for each outbound service
type PacingConfig struct {
	AppStoreRPS        float64
	AppStoreBurst      int
	GooglePlayRPS      float64
	GooglePlayBurst    int
	AnthropicPerMinute int
	TelegramRPS        float64
}

// NewDefaultLimiter creates a limiter with default outbound pacing
func NewDefaultLimiter() *MultiLimiter {
	return NewPacingLimiter(PacingConfig{
		AppStoreRPS:        5,
		AppStoreBurst:      5,
		GooglePlayRPS:      2,
		GooglePlayBurst:    4,
		AnthropicPerMinute: 10,
		TelegramRPS:        1,
	})
}

// NewPacingLimiter creates a limiter from explicit pacing settings
func NewPacingLimiter(cfg PacingConfig) *MultiLimiter {
	m := NewMultiLimiter()

	// App Store Connect allows roughly 3600 requests/hour per key
	m.AddLimiter(LimiterAppStore, cfg.AppStoreRPS, max(cfg.AppStoreBurst, 1))

	// Play Developer API reply/list quota is per project; stay well below it
	m.AddLimiter(LimiterGooglePlay, cfg.GooglePlayRPS, max(cfg.GooglePlayBurst, 1))

	m.AddLimiter(LimiterAnthropic, float64(cfg.AnthropicPerMinute)/60, 2)

	// Telegram: ~30 msgs/sec globally, 1/sec per chat
	m.AddLimiter(LimiterTelegram, cfg.TelegramRPS, 3)

	return m
}

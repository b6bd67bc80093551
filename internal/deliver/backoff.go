package deliver

import (
	"crypto/sha256"
	"encoding/binary"
	"fmt"
	"math"
	"time"
)

// BackoffConfig configures retry delays for failed deliveries.
type BackoffConfig struct {
	Base        time.Duration
	Factor      float64
	Cap         time.Duration
	Jitter      bool
	MaxAttempts int
}

// DefaultBackoff is the delivery retry policy: 1s base, doubling, ±25%
// jitter, capped at 5 minutes, five attempts total.
func DefaultBackoff() BackoffConfig {
	return BackoffConfig{
		Base:        time.Second,
		Factor:      2.0,
		Cap:         5 * time.Minute,
		Jitter:      true,
		MaxAttempts: 5,
	}
}

func (c BackoffConfig) withDefaults() BackoffConfig {
	def := DefaultBackoff()
	if c.Base <= 0 {
		c.Base = def.Base
	}
	if c.Factor <= 0 {
		c.Factor = def.Factor
	}
	if c.Cap <= 0 {
		c.Cap = def.Cap
	}
	if c.MaxAttempts <= 0 {
		c.MaxAttempts = def.MaxAttempts
	}
	return c
}

// Delay returns the pause before retry number attempt (1-indexed: the first
// retry is attempt=1). Jitter is deterministic per seed so tests and replays
// see stable schedules.
func Delay(attempt int, cfg BackoffConfig, jitterSeed string) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	base := float64(cfg.Base) * math.Pow(cfg.Factor, float64(attempt-1))
	if cfg.Cap > 0 {
		base = math.Min(base, float64(cfg.Cap))
	}
	if cfg.Jitter {
		// ±25%, applied after capping.
		base *= 0.75 + 0.5*jitterUnit(jitterSeed)
	}
	if base < 0 {
		base = 0
	}
	return time.Duration(base)
}

// jitterUnit maps a seed to [0,1).
func jitterUnit(seed string) float64 {
	sum := sha256.Sum256([]byte(seed))
	u := binary.BigEndian.Uint64(sum[:8])
	return float64(u) / float64(^uint64(0))
}

func retrySeed(eventID, routeName string, attempt int) string {
	return fmt.Sprintf("%s:%s:%d", eventID, routeName, attempt)
}

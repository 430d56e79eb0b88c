package detector

import "time"

// Defaults for Config fields left at zero.
const (
	DefaultCooldown               = 10 * time.Second
	DefaultIndicatorDuration      = 3 * time.Second
	DefaultInitialBackoff         = 100 * time.Millisecond
	DefaultMaxBackoff             = 5 * time.Second
	DefaultMaxConsecutiveFailures = 50
)

// Config tunes a Loop.
type Config struct {
	// Cooldown is the minimum spacing between OnFallDetected calls.
	Cooldown time.Duration
	// IndicatorDuration is how long Indicator stays lit after a firing.
	IndicatorDuration time.Duration

	InitialBackoff         time.Duration
	MaxBackoff             time.Duration
	MaxConsecutiveFailures int

	// FrameInterval paces successful frames. Zero runs as fast as the
	// source delivers.
	FrameInterval time.Duration
}

// DefaultConfig returns the production defaults.
func DefaultConfig() Config {
	return Config{}.withDefaults()
}

func (c Config) withDefaults() Config {
	if c.Cooldown <= 0 {
		c.Cooldown = DefaultCooldown
	}
	if c.IndicatorDuration <= 0 {
		c.IndicatorDuration = DefaultIndicatorDuration
	}
	if c.InitialBackoff <= 0 {
		c.InitialBackoff = DefaultInitialBackoff
	}
	if c.MaxBackoff <= 0 {
		c.MaxBackoff = DefaultMaxBackoff
	}
	if c.MaxBackoff < c.InitialBackoff {
		c.MaxBackoff = c.InitialBackoff
	}
	if c.MaxConsecutiveFailures <= 0 {
		c.MaxConsecutiveFailures = DefaultMaxConsecutiveFailures
	}
	return c
}

package session

import "time"

// BackoffConfig defines retry backoff behavior.
type BackoffConfig struct {
	InitialDelay time.Duration
	Multiplier   float64
	MaxDelay     time.Duration
	Jitter       bool
}

// Config defines transport timeouts shared by the receiver and sender.
type Config struct {
	ConnectTimeout    time.Duration
	ReadTimeout       time.Duration
	WriteTimeout      time.Duration
	KeepAlive         time.Duration
	ReconnectInterval time.Duration
	Backoff           BackoffConfig
}

// DefaultConfig mirrors the producer defaults: 5s connect, 10s send, 5s reconnect spacing.
// ReadTimeout is zero, which leaves receiver reads unbounded.
func DefaultConfig() Config {
	return Config{
		ConnectTimeout:    5 * time.Second,
		ReadTimeout:       0,
		WriteTimeout:      10 * time.Second,
		KeepAlive:         10 * time.Second,
		ReconnectInterval: 5 * time.Second,
		Backoff: BackoffConfig{
			InitialDelay: 250 * time.Millisecond,
			Multiplier:   2.0,
			MaxDelay:     5 * time.Second,
			Jitter:       true,
		},
	}
}

// WithDefaults fills zero-valued dial/write fields from DefaultConfig.
// ReadTimeout and KeepAlive keep their zero meaning.
func (c Config) WithDefaults() Config {
	def := DefaultConfig()
	if c.ConnectTimeout <= 0 {
		c.ConnectTimeout = def.ConnectTimeout
	}
	if c.WriteTimeout <= 0 {
		c.WriteTimeout = def.WriteTimeout
	}
	if c.ReconnectInterval < 0 {
		c.ReconnectInterval = 0
	}
	if c.Backoff.InitialDelay <= 0 && c.Backoff.MaxDelay <= 0 {
		c.Backoff = def.Backoff
	}
	return c
}

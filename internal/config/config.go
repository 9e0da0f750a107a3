package config

import (
	"errors"
	"fmt"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/BurntSushi/toml"
	"github.com/danmuck/mqlink/internal/protocol/frame"
	"github.com/danmuck/mqlink/internal/receiver"
	"github.com/danmuck/mqlink/internal/sender"
)

var ErrInvalid = errors.New("config: invalid")

// ReceiverFile is the on-disk receiver configuration. Durations are Go duration strings.
type ReceiverFile struct {
	Host              string   `toml:"host"`
	Port              int      `toml:"port"`
	ReadTimeout       string   `toml:"read_timeout"`
	MaxFrameBytes     uint32   `toml:"max_frame_bytes"`
	MaxQueueNameBytes uint32   `toml:"max_queue_name_bytes"`
	ReportEvery       int      `toml:"report_every"`
	DrainTimeout      string   `toml:"drain_timeout"`
	StatusAddr        string   `toml:"status_addr"`
	StatusCORSOrigins []string `toml:"status_cors_origins"`
}

// Receiver is the resolved receiver process configuration.
type Receiver struct {
	Listener          receiver.Config
	StatusAddr        string
	StatusCORSOrigins []string
}

func DefaultReceiver() Receiver {
	return Receiver{Listener: receiver.DefaultConfig()}
}

// File renders cfg in its on-disk shape.
func (r Receiver) File() ReceiverFile {
	return ReceiverFile{
		Host:              r.Listener.Host,
		Port:              r.Listener.Port,
		ReadTimeout:       r.Listener.ReadTimeout.String(),
		MaxFrameBytes:     r.Listener.Limits.MaxFrameBytes,
		MaxQueueNameBytes: r.Listener.Limits.MaxQueueNameBytes,
		ReportEvery:       r.Listener.ReportEvery,
		DrainTimeout:      r.Listener.DrainTimeout.String(),
		StatusAddr:        r.StatusAddr,
		StatusCORSOrigins: r.StatusCORSOrigins,
	}
}

// LoadReceiver overlays the keys present in path onto DefaultReceiver.
func LoadReceiver(path string) (Receiver, error) {
	cfg := DefaultReceiver()

	var raw ReceiverFile
	meta, err := toml.DecodeFile(path, &raw)
	if err != nil {
		return Receiver{}, fmt.Errorf("load receiver config: %w", err)
	}
	if undecoded := meta.Undecoded(); len(undecoded) > 0 {
		return Receiver{}, fmt.Errorf("%w: unknown key %q in %s", ErrInvalid, undecoded[0].String(), path)
	}

	if meta.IsDefined("host") {
		cfg.Listener.Host = strings.TrimSpace(raw.Host)
	}
	if meta.IsDefined("port") {
		cfg.Listener.Port = raw.Port
	}
	if meta.IsDefined("read_timeout") {
		if cfg.Listener.ReadTimeout, err = parseDuration("read_timeout", raw.ReadTimeout); err != nil {
			return Receiver{}, err
		}
	}
	if meta.IsDefined("max_frame_bytes") {
		cfg.Listener.Limits.MaxFrameBytes = raw.MaxFrameBytes
	}
	if meta.IsDefined("max_queue_name_bytes") {
		cfg.Listener.Limits.MaxQueueNameBytes = raw.MaxQueueNameBytes
	}
	if meta.IsDefined("report_every") {
		cfg.Listener.ReportEvery = raw.ReportEvery
	}
	if meta.IsDefined("drain_timeout") {
		if cfg.Listener.DrainTimeout, err = parseDuration("drain_timeout", raw.DrainTimeout); err != nil {
			return Receiver{}, err
		}
	}
	if meta.IsDefined("status_addr") {
		cfg.StatusAddr = strings.TrimSpace(raw.StatusAddr)
	}
	if meta.IsDefined("status_cors_origins") {
		cfg.StatusCORSOrigins = normalizeList(raw.StatusCORSOrigins)
	}

	if err := ValidateReceiver(cfg); err != nil {
		return Receiver{}, err
	}
	return cfg, nil
}

func ValidateReceiver(cfg Receiver) error {
	l := cfg.Listener
	if strings.TrimSpace(l.Host) == "" {
		return fmt.Errorf("%w: receiver host is required", ErrInvalid)
	}
	if l.Port < 0 || l.Port > 65535 {
		return fmt.Errorf("%w: receiver port %d out of range", ErrInvalid, l.Port)
	}
	if err := validateLimits(l.Limits); err != nil {
		return err
	}
	if l.ReadTimeout < 0 || l.DrainTimeout < 0 {
		return fmt.Errorf("%w: timeouts must not be negative", ErrInvalid)
	}
	if l.ReportEvery < 0 {
		return fmt.Errorf("%w: report_every must not be negative", ErrInvalid)
	}
	return nil
}

// SenderFile is the on-disk sender configuration.
type SenderFile struct {
	Host               string `toml:"host"`
	Port               int    `toml:"port"`
	ConnectTimeout     string `toml:"connect_timeout"`
	WriteTimeout       string `toml:"write_timeout"`
	KeepAlive          string `toml:"keepalive"`
	ReconnectInterval  string `toml:"reconnect_interval"`
	MaxConnectAttempts int    `toml:"max_connect_attempts"`
	DailyQueue         string `toml:"daily_queue"`
	RealtimeQueue      string `toml:"realtime_queue"`
	ExRightsQueue      string `toml:"ex_rights_queue"`
	MarketTableQueue   string `toml:"market_table_queue"`
}

// Sender is the resolved sender process configuration.
type Sender struct {
	Client sender.Config
	Queues sender.Queues
}

func DefaultSender() Sender {
	return Sender{Client: sender.DefaultConfig(), Queues: sender.DefaultQueues()}
}

func (s Sender) File() SenderFile {
	return SenderFile{
		Host:               s.Client.Host,
		Port:               s.Client.Port,
		ConnectTimeout:     s.Client.Session.ConnectTimeout.String(),
		WriteTimeout:       s.Client.Session.WriteTimeout.String(),
		KeepAlive:          s.Client.Session.KeepAlive.String(),
		ReconnectInterval:  s.Client.Session.ReconnectInterval.String(),
		MaxConnectAttempts: s.Client.MaxConnectAttempts,
		DailyQueue:         s.Queues.Daily,
		RealtimeQueue:      s.Queues.Realtime,
		ExRightsQueue:      s.Queues.ExRights,
		MarketTableQueue:   s.Queues.MarketTable,
	}
}

// LoadSender overlays the keys present in path onto DefaultSender.
func LoadSender(path string) (Sender, error) {
	cfg := DefaultSender()

	var raw SenderFile
	meta, err := toml.DecodeFile(path, &raw)
	if err != nil {
		return Sender{}, fmt.Errorf("load sender config: %w", err)
	}
	if undecoded := meta.Undecoded(); len(undecoded) > 0 {
		return Sender{}, fmt.Errorf("%w: unknown key %q in %s", ErrInvalid, undecoded[0].String(), path)
	}

	if meta.IsDefined("host") {
		cfg.Client.Host = strings.TrimSpace(raw.Host)
	}
	if meta.IsDefined("port") {
		cfg.Client.Port = raw.Port
	}
	durations := []struct {
		key string
		raw string
		dst *time.Duration
	}{
		{"connect_timeout", raw.ConnectTimeout, &cfg.Client.Session.ConnectTimeout},
		{"write_timeout", raw.WriteTimeout, &cfg.Client.Session.WriteTimeout},
		{"keepalive", raw.KeepAlive, &cfg.Client.Session.KeepAlive},
		{"reconnect_interval", raw.ReconnectInterval, &cfg.Client.Session.ReconnectInterval},
	}
	for _, d := range durations {
		if !meta.IsDefined(d.key) {
			continue
		}
		if *d.dst, err = parseDuration(d.key, d.raw); err != nil {
			return Sender{}, err
		}
	}
	if meta.IsDefined("max_connect_attempts") {
		cfg.Client.MaxConnectAttempts = raw.MaxConnectAttempts
	}
	queues := []struct {
		key string
		raw string
		dst *string
	}{
		{"daily_queue", raw.DailyQueue, &cfg.Queues.Daily},
		{"realtime_queue", raw.RealtimeQueue, &cfg.Queues.Realtime},
		{"ex_rights_queue", raw.ExRightsQueue, &cfg.Queues.ExRights},
		{"market_table_queue", raw.MarketTableQueue, &cfg.Queues.MarketTable},
	}
	for _, q := range queues {
		if meta.IsDefined(q.key) {
			*q.dst = strings.TrimSpace(q.raw)
		}
	}

	if err := ValidateSender(cfg); err != nil {
		return Sender{}, err
	}
	return cfg, nil
}

func ValidateSender(cfg Sender) error {
	c := cfg.Client
	if strings.TrimSpace(c.Host) == "" {
		return fmt.Errorf("%w: sender host is required", ErrInvalid)
	}
	if c.Port <= 0 || c.Port > 65535 {
		return fmt.Errorf("%w: sender port %d out of range", ErrInvalid, c.Port)
	}
	s := c.Session
	if s.ConnectTimeout < 0 || s.WriteTimeout < 0 || s.KeepAlive < 0 || s.ReconnectInterval < 0 {
		return fmt.Errorf("%w: timeouts must not be negative", ErrInvalid)
	}
	if c.MaxConnectAttempts < 0 {
		return fmt.Errorf("%w: max_connect_attempts must not be negative", ErrInvalid)
	}
	named := map[string]string{
		"daily_queue":        cfg.Queues.Daily,
		"realtime_queue":     cfg.Queues.Realtime,
		"ex_rights_queue":    cfg.Queues.ExRights,
		"market_table_queue": cfg.Queues.MarketTable,
	}
	for key, name := range named {
		if name == "" || !utf8.ValidString(name) {
			return fmt.Errorf("%w: %s must be a non-empty UTF-8 name", ErrInvalid, key)
		}
		if limit := c.Limits.MaxQueueNameBytes; limit > 0 && uint32(len(name)) > limit {
			return fmt.Errorf("%w: %s exceeds %d bytes", ErrInvalid, key, limit)
		}
	}
	return nil
}

func validateLimits(l frame.Limits) error {
	if l.MaxFrameBytes == 0 || l.MaxQueueNameBytes == 0 {
		return fmt.Errorf("%w: frame limits must be positive", ErrInvalid)
	}
	if l.MaxQueueNameBytes+frame.LengthFieldLen > l.MaxFrameBytes {
		return fmt.Errorf("%w: max_queue_name_bytes=%d does not fit in max_frame_bytes=%d",
			ErrInvalid, l.MaxQueueNameBytes, l.MaxFrameBytes)
	}
	return nil
}

func parseDuration(key, raw string) (time.Duration, error) {
	d, err := time.ParseDuration(strings.TrimSpace(raw))
	if err != nil {
		return 0, fmt.Errorf("parse %s: %w", key, err)
	}
	return d, nil
}

func normalizeList(in []string) []string {
	out := make([]string, 0, len(in))
	for _, v := range in {
		if v = strings.TrimSpace(v); v != "" {
			out = append(out, v)
		}
	}
	if len(out) == 0 {
		return nil
	}
	return out
}

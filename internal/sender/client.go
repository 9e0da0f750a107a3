// Package sender is the producer side of the framing protocol: a reconnecting
// TCP client and a publisher that routes typed record batches to queue names.
package sender

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math/rand"
	"net"
	"strconv"
	"sync"
	"time"

	"github.com/danmuck/mqlink/internal/logging"
	"github.com/danmuck/mqlink/internal/protocol/frame"
	"github.com/danmuck/mqlink/internal/protocol/session"
	"github.com/danmuck/mqlink/internal/records"
)

const DefaultTestQueue = "test_queue"

var (
	ErrReconnectThrottled = errors.New("sender: reconnect attempted too soon")
	ErrClientClosed       = errors.New("sender: client closed")
)

// Config configures a Client.
type Config struct {
	Host               string
	Port               int
	Session            session.Config
	MaxConnectAttempts int
	Limits             frame.Limits
}

func DefaultConfig() Config {
	return Config{
		Host:               "127.0.0.1",
		Port:               5678,
		Session:            session.DefaultConfig(),
		MaxConnectAttempts: 3,
		Limits:             frame.DefaultLimits(),
	}
}

func (c Config) Addr() string {
	return net.JoinHostPort(c.Host, strconv.Itoa(c.Port))
}

// Client holds at most one connection to a receiver. Frames are written whole
// under a lock, so one Client may be shared by several goroutines.
type Client struct {
	cfg Config
	rng *rand.Rand
	now func() time.Time

	mu          sync.Mutex
	conn        net.Conn
	lastAttempt time.Time
	closed      bool
}

func NewClient(cfg Config) *Client {
	cfg.Session = cfg.Session.WithDefaults()
	if cfg.Limits == (frame.Limits{}) {
		cfg.Limits = frame.DefaultLimits()
	}
	return &Client{
		cfg: cfg,
		rng: rand.New(rand.NewSource(time.Now().UnixNano())),
		now: time.Now,
	}
}

func (c *Client) Addr() string {
	return c.cfg.Addr()
}

// Connected reports whether a connection is currently held.
func (c *Client) Connected() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.conn != nil
}

// Connect dials if no connection is held. Attempts are spaced by the backoff
// policy up to MaxConnectAttempts, and a new round is refused until
// ReconnectInterval has passed since the previous one.
func (c *Client) Connect(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.ensureConn(ctx)
}

func (c *Client) ensureConn(ctx context.Context) error {
	if c.closed {
		return ErrClientClosed
	}
	if c.conn != nil {
		return nil
	}
	now := c.now()
	if !c.lastAttempt.IsZero() && now.Sub(c.lastAttempt) < c.cfg.Session.ReconnectInterval {
		return ErrReconnectThrottled
	}
	c.lastAttempt = now

	var attempt int
	for {
		attempt++
		conn, err := c.dial(ctx)
		if err == nil {
			c.conn = conn
			logging.Infof("sender.Client.Connect addr=%q attempt=%d", c.cfg.Addr(), attempt)
			return nil
		}
		logging.Warnf("sender.Client.Connect attempt=%d addr=%q err=%v", attempt, c.cfg.Addr(), err)
		if !c.shouldRetry(attempt) {
			return err
		}
		if err := session.SleepBackoff(ctx, c.cfg.Session.Backoff, attempt, c.rng); err != nil {
			return err
		}
	}
}

func (c *Client) dial(ctx context.Context) (net.Conn, error) {
	dialer := net.Dialer{
		Timeout:   c.cfg.Session.ConnectTimeout,
		KeepAlive: c.cfg.Session.KeepAlive,
	}
	conn, err := dialer.DialContext(ctx, "tcp", c.cfg.Addr())
	if err != nil {
		return nil, &session.ConnectionError{Op: "dial", Remote: c.cfg.Addr(), Err: err}
	}
	if tcp, ok := conn.(*net.TCPConn); ok {
		_ = tcp.SetNoDelay(true)
	}
	return conn, nil
}

func (c *Client) shouldRetry(attempt int) bool {
	if c.cfg.MaxConnectAttempts <= 0 {
		return true
	}
	return attempt < c.cfg.MaxConnectAttempts
}

// SendRaw writes one frame carrying payload as-is and returns its wire size.
// A write failure drops the connection; the next send redials.
func (c *Client) SendRaw(ctx context.Context, queue string, payload []byte) (int, error) {
	f := frame.Frame{QueueName: queue, Payload: payload}

	c.mu.Lock()
	defer c.mu.Unlock()
	if err := c.ensureConn(ctx); err != nil {
		return 0, err
	}
	if c.cfg.Session.WriteTimeout > 0 {
		_ = c.conn.SetWriteDeadline(time.Now().Add(c.cfg.Session.WriteTimeout))
	}
	if err := frame.WriteFrame(c.conn, f, c.cfg.Limits); err != nil {
		if isCodecError(err) {
			return 0, err
		}
		_ = c.dropLocked()
		return 0, &session.ConnectionError{Op: "write", Remote: c.cfg.Addr(), Err: err}
	}
	return f.WireSize(), nil
}

func isCodecError(err error) bool {
	return errors.Is(err, frame.ErrFrameTooLarge) || errors.Is(err, frame.ErrQueueNameTooLarge)
}

// Send marshals payload as JSON and writes it as one frame.
func (c *Client) Send(ctx context.Context, queue string, payload any) (int, error) {
	body, err := json.Marshal(payload)
	if err != nil {
		return 0, fmt.Errorf("sender: marshal payload for %q: %w", queue, err)
	}
	return c.SendRaw(ctx, queue, body)
}

// SendRecords wraps recs in the {"records": [...]} envelope.
func SendRecords[T any](ctx context.Context, c *Client, queue string, recs []T) (int, error) {
	return c.Send(ctx, queue, records.Batch[T]{Records: recs})
}

// TestBatch builds the diagnostic payload with count numbered records.
func TestBatch(count int, now time.Time) records.Batch[records.TestRecord] {
	batch := records.Batch[records.TestRecord]{
		Type:      "test",
		Records:   make([]records.TestRecord, 0, count),
		Timestamp: now.Format("2006-01-02T15:04:05"),
	}
	for i := 1; i <= count; i++ {
		batch.Records = append(batch.Records, records.TestRecord{
			TestID:      i,
			TestTime:    now.Format(time.RFC3339Nano),
			TestMessage: fmt.Sprintf("test message %d", i),
			Source:      "mqsend",
		})
	}
	return batch
}

// SendTest sends one test payload with count records.
func (c *Client) SendTest(ctx context.Context, queue string, count int) (int, error) {
	if queue == "" {
		queue = DefaultTestQueue
	}
	return c.Send(ctx, queue, TestBatch(count, c.now()))
}

// Probe dials a fresh connection and closes it, leaving any held connection alone.
func (c *Client) Probe(ctx context.Context) error {
	conn, err := c.dial(ctx)
	if err != nil {
		return err
	}
	return conn.Close()
}

// Close drops the connection and refuses further sends.
func (c *Client) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.closed = true
	return c.dropLocked()
}

func (c *Client) dropLocked() error {
	if c.conn == nil {
		return nil
	}
	err := c.conn.Close()
	c.conn = nil
	return err
}

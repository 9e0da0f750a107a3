package receiver

import (
	"context"
	"errors"
	"fmt"
	"net"
	"strconv"
	"sync"
	"time"

	"github.com/danmuck/mqlink/internal/diag"
	"github.com/danmuck/mqlink/internal/dispatch"
	"github.com/danmuck/mqlink/internal/logging"
	"github.com/danmuck/mqlink/internal/observability"
	"github.com/danmuck/mqlink/internal/protocol/frame"
	"github.com/danmuck/mqlink/internal/stats"
)

const DefaultPort = 5678

var (
	ErrLifecycleOrder = errors.New("receiver: invalid lifecycle transition")
	ErrNotListening   = errors.New("receiver: not listening")
)

// Phase is the listener lifecycle state.
type Phase string

const (
	PhaseIdle      Phase = "idle"
	PhaseListening Phase = "listening"
	PhaseStopped   Phase = "stopped"
)

// Config configures the receiving side of the protocol.
type Config struct {
	Host         string
	Port         int
	Limits       frame.Limits
	ReadTimeout  time.Duration
	DrainTimeout time.Duration
	ReportEvery  int
}

// DefaultConfig binds every interface on the default port with no receive timeout.
func DefaultConfig() Config {
	return Config{
		Host:         "0.0.0.0",
		Port:         DefaultPort,
		Limits:       frame.DefaultLimits(),
		ReadTimeout:  0,
		DrainTimeout: 5 * time.Second,
		ReportEvery:  stats.DefaultReportEvery,
	}
}

// Addr is the host:port the listener binds.
func (c Config) Addr() string {
	return net.JoinHostPort(c.Host, strconv.Itoa(c.Port))
}

// Status reports the listener phase and traffic totals.
type Status struct {
	Phase  Phase                `json:"phase"`
	Addr   string               `json:"addr"`
	Totals stats.TotalsSnapshot `json:"totals"`
}

// Listener accepts connections and runs one reader and dispatch pipeline per
// connection. A failure on one connection closes only that connection.
type Listener struct {
	cfg        Config
	agg        *stats.Aggregator
	totals     *stats.Totals
	dispatcher *dispatch.Dispatcher
	sink       diag.Sink
	now        func() time.Time

	mu      sync.Mutex
	phase   Phase
	ln      net.Listener
	closing bool
	forced  bool
	conns   map[string]net.Conn
	wg      sync.WaitGroup
}

// Option customises a Listener.
type Option func(*Listener)

// WithClock replaces time.Now for event and aggregate timestamps.
func WithClock(now func() time.Time) Option {
	return func(l *Listener) {
		if now != nil {
			l.now = now
		}
	}
}

// WithAggregator shares an existing aggregator instead of creating one.
func WithAggregator(agg *stats.Aggregator) Option {
	return func(l *Listener) {
		if agg != nil {
			l.agg = agg
		}
	}
}

// New builds an idle listener. sink may be nil.
func New(cfg Config, sink diag.Sink, opts ...Option) *Listener {
	if sink == nil {
		sink = diag.Fanout{}
	}
	l := &Listener{
		cfg:    cfg,
		totals: &stats.Totals{},
		sink:   sink,
		now:    time.Now,
		phase:  PhaseIdle,
		conns:  make(map[string]net.Conn),
	}
	for _, opt := range opts {
		opt(l)
	}
	if l.agg == nil {
		l.agg = stats.NewAggregator(cfg.ReportEvery)
	}
	l.dispatcher = dispatch.New(l.agg, dispatch.WithClock(l.now))
	return l
}

func (l *Listener) Aggregator() *stats.Aggregator {
	return l.agg
}

func (l *Listener) Totals() *stats.Totals {
	return l.totals
}

// StatsDump captures the aggregate and totals for reporting.
func (l *Listener) StatsDump() diag.StatsDump {
	return diag.StatsDump{
		Categories: l.agg.Snapshot(),
		Totals:     l.totals.Snapshot(),
	}
}

func (l *Listener) Status() Status {
	l.mu.Lock()
	phase := l.phase
	addr := l.cfg.Addr()
	if l.ln != nil {
		addr = l.ln.Addr().String()
	}
	l.mu.Unlock()
	return Status{Phase: phase, Addr: addr, Totals: l.totals.Snapshot()}
}

// Addr returns the bound address once listening.
func (l *Listener) Addr() net.Addr {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.ln == nil {
		return nil
	}
	return l.ln.Addr()
}

// Listen binds the socket and transitions idle->listening. A bind failure is the
// only error that prevents the listener from starting.
func (l *Listener) Listen(ctx context.Context) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.phase != PhaseIdle {
		return transitionError(l.phase, PhaseListening)
	}
	var lc net.ListenConfig
	ln, err := lc.Listen(ctx, "tcp", l.cfg.Addr())
	if err != nil {
		return fmt.Errorf("receiver: bind %s: %w", l.cfg.Addr(), err)
	}
	l.ln = ln
	l.phase = PhaseListening
	logging.Infof("receiver.Listener.Listen addr=%q max_frame=%d max_queue_name=%d read_timeout=%s",
		ln.Addr().String(), l.cfg.Limits.MaxFrameBytes, l.cfg.Limits.MaxQueueNameBytes, l.cfg.ReadTimeout)
	l.sink.Emit(diag.Event{Time: l.now(), Kind: diag.KindListening, Remote: ln.Addr().String()})
	return nil
}

// ListenAndServe binds and serves until ctx is cancelled.
func (l *Listener) ListenAndServe(ctx context.Context) error {
	if err := l.Listen(ctx); err != nil {
		return err
	}
	return l.Serve(ctx)
}

// Serve runs the accept loop until ctx is cancelled or accept fails for good.
// On stop the listening socket closes first, open connections get DrainTimeout
// to finish, and the rest are closed.
func (l *Listener) Serve(ctx context.Context) error {
	l.mu.Lock()
	ln := l.ln
	listening := l.phase == PhaseListening
	l.mu.Unlock()
	if !listening || ln == nil {
		return ErrNotListening
	}

	stopAccept := make(chan struct{})
	go func() {
		select {
		case <-ctx.Done():
			_ = ln.Close()
		case <-stopAccept:
		}
	}()

	err := l.acceptLoop(ctx, ln)
	close(stopAccept)
	l.mu.Lock()
	l.closing = true
	l.mu.Unlock()
	_ = ln.Close()
	l.drain()

	l.mu.Lock()
	l.phase = PhaseStopped
	l.mu.Unlock()

	dump := l.StatsDump()
	l.sink.Emit(diag.Event{Time: l.now(), Kind: diag.KindStats, Stats: &dump})
	l.sink.Emit(diag.Event{Time: l.now(), Kind: diag.KindStopped})
	logging.Infof("receiver.Listener.Serve stopped frames=%d bytes=%d connections=%d",
		dump.Totals.Frames, dump.Totals.Bytes, dump.Totals.Connections)
	return err
}

func (l *Listener) acceptLoop(ctx context.Context, ln net.Listener) error {
	var delay time.Duration
	for {
		conn, err := ln.Accept()
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			if errors.Is(err, net.ErrClosed) {
				return fmt.Errorf("receiver: accept: %w", err)
			}
			// Resource exhaustion (EMFILE and friends) is transient; back off and keep accepting.
			delay = nextAcceptDelay(delay)
			l.sink.Emit(diag.Event{Time: l.now(), Kind: diag.KindConnError, Error: "accept: " + err.Error()})
			observability.RecordReceiveError("accept")
			select {
			case <-ctx.Done():
				return nil
			case <-time.After(delay):
			}
			continue
		}
		delay = 0
		l.wg.Add(1)
		go l.serveConn(conn)
	}
}

func nextAcceptDelay(prev time.Duration) time.Duration {
	if prev == 0 {
		return 5 * time.Millisecond
	}
	if next := prev * 2; next < time.Second {
		return next
	}
	return time.Second
}

// drain waits for open connections, then force-closes whatever is left.
func (l *Listener) drain() {
	done := make(chan struct{})
	go func() {
		l.wg.Wait()
		close(done)
	}()

	if l.cfg.DrainTimeout > 0 {
		timer := time.NewTimer(l.cfg.DrainTimeout)
		defer timer.Stop()
		select {
		case <-done:
			return
		case <-timer.C:
		}
	}

	l.mu.Lock()
	l.forced = true
	remaining := len(l.conns)
	for _, conn := range l.conns {
		_ = conn.Close()
	}
	l.mu.Unlock()
	if remaining > 0 {
		logging.Warnf("receiver.Listener.drain closing connections=%d", remaining)
	}
	<-done
}

// track registers conn for drain. A connection that shows up after the force-close
// pass is closed immediately.
func (l *Listener) track(id string, conn net.Conn) {
	l.mu.Lock()
	l.conns[id] = conn
	if l.forced {
		_ = conn.Close()
	}
	l.mu.Unlock()
}

func (l *Listener) untrack(id string) {
	l.mu.Lock()
	delete(l.conns, id)
	l.mu.Unlock()
}

func (l *Listener) stopping() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.closing
}

func transitionError(from, to Phase) error {
	return fmt.Errorf("%w: %s -> %s", ErrLifecycleOrder, from, to)
}

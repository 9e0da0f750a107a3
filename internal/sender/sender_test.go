package sender

import (
	"context"
	"encoding/json"
	"errors"
	"net"
	"testing"
	"time"

	"github.com/danmuck/mqlink/internal/diag"
	"github.com/danmuck/mqlink/internal/dispatch"
	"github.com/danmuck/mqlink/internal/protocol/frame"
	"github.com/danmuck/mqlink/internal/protocol/session"
	"github.com/danmuck/mqlink/internal/receiver"
	"github.com/danmuck/mqlink/internal/testutil/testlog"
)

// sink accepts one connection and forwards every frame it reads.
func sink(t *testing.T) (Config, <-chan frame.Frame) {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	t.Cleanup(func() { _ = ln.Close() })

	frames := make(chan frame.Frame, 16)
	go func() {
		defer close(frames)
		conn, err := ln.Accept()
		if err != nil {
			return
		}
		defer conn.Close()
		r := session.NewReader(conn, frame.DefaultLimits(), 0)
		for {
			f, err := r.Next()
			if err != nil {
				return
			}
			frames <- f
		}
	}()
	return testConfig(ln.Addr().(*net.TCPAddr)), frames
}

func testConfig(addr *net.TCPAddr) Config {
	cfg := DefaultConfig()
	cfg.Host = addr.IP.String()
	cfg.Port = addr.Port
	cfg.Session.ConnectTimeout = time.Second
	cfg.Session.ReconnectInterval = 0
	cfg.Session.Backoff = session.BackoffConfig{InitialDelay: time.Millisecond, Multiplier: 2, MaxDelay: 5 * time.Millisecond}
	return cfg
}

// closedAddr returns an address nothing listens on.
func closedAddr(t *testing.T) *net.TCPAddr {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	addr := ln.Addr().(*net.TCPAddr)
	_ = ln.Close()
	return addr
}

func recv(t *testing.T, frames <-chan frame.Frame) frame.Frame {
	t.Helper()
	select {
	case f, ok := <-frames:
		if !ok {
			t.Fatalf("sink closed before a frame arrived")
		}
		return f
	case <-time.After(2 * time.Second):
		t.Fatalf("timed out waiting for frame")
	}
	return frame.Frame{}
}

func TestClientSendTest(t *testing.T) {
	testlog.Start(t)
	cfg, frames := sink(t)
	c := NewClient(cfg)
	defer c.Close()

	n, err := c.SendTest(context.Background(), "", 3)
	if err != nil {
		t.Fatalf("send test: %v", err)
	}
	f := recv(t, frames)
	if f.QueueName != DefaultTestQueue || n != f.WireSize() {
		t.Fatalf("unexpected frame: queue=%q wire=%d sent=%d", f.QueueName, f.WireSize(), n)
	}
	var body struct {
		Type    string           `json:"type"`
		Records []map[string]any `json:"records"`
	}
	if err := json.Unmarshal(f.Payload, &body); err != nil {
		t.Fatalf("decode payload: %v", err)
	}
	if body.Type != "test" || len(body.Records) != 3 || body.Records[2]["test_id"].(float64) != 3 {
		t.Fatalf("unexpected test payload: %s", f.Payload)
	}
	if !c.Connected() {
		t.Fatalf("client should hold the connection after a send")
	}
}

func TestClientSendRecordsEnvelope(t *testing.T) {
	testlog.Start(t)
	cfg, frames := sink(t)
	c := NewClient(cfg)
	defer c.Close()

	if _, err := SendRecords(context.Background(), c, "orders", []map[string]int{{"qty": 1}, {"qty": 2}}); err != nil {
		t.Fatalf("send records: %v", err)
	}
	f := recv(t, frames)
	v, err := dispatch.DecodePayload(f.Payload)
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if got := len(dispatch.ExtractRecords(v)); got != 2 {
		t.Fatalf("unexpected record count: %d", got)
	}
}

func TestClientRejectsOversizedQueueNameWithoutDropping(t *testing.T) {
	testlog.Start(t)
	cfg, frames := sink(t)
	cfg.Limits = frame.Limits{MaxFrameBytes: 1 << 20, MaxQueueNameBytes: 8}
	c := NewClient(cfg)
	defer c.Close()

	if _, err := c.SendRaw(context.Background(), "short", []byte(`{}`)); err != nil {
		t.Fatalf("send: %v", err)
	}
	recv(t, frames)
	if _, err := c.SendRaw(context.Background(), "a_very_long_queue", []byte(`{}`)); !errors.Is(err, frame.ErrQueueNameTooLarge) {
		t.Fatalf("expected ErrQueueNameTooLarge, got %v", err)
	}
	if !c.Connected() {
		t.Fatalf("codec rejection must not drop the connection")
	}
}

func TestClientConnectRetriesThenThrottles(t *testing.T) {
	testlog.Start(t)
	cfg := testConfig(closedAddr(t))
	cfg.MaxConnectAttempts = 3
	cfg.Session.ReconnectInterval = time.Hour
	c := NewClient(cfg)
	defer c.Close()

	err := c.Connect(context.Background())
	var ce *session.ConnectionError
	if !errors.As(err, &ce) || ce.Op != "dial" {
		t.Fatalf("expected dial ConnectionError, got %v", err)
	}
	if err := c.Connect(context.Background()); !errors.Is(err, ErrReconnectThrottled) {
		t.Fatalf("expected ErrReconnectThrottled, got %v", err)
	}
}

func TestClientConnectHonorsContext(t *testing.T) {
	testlog.Start(t)
	cfg := testConfig(closedAddr(t))
	cfg.MaxConnectAttempts = 0
	cfg.Session.Backoff = session.BackoffConfig{InitialDelay: time.Hour}
	c := NewClient(cfg)

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	if err := c.Connect(ctx); !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("expected deadline exceeded, got %v", err)
	}
}

func TestClientClosed(t *testing.T) {
	testlog.Start(t)
	cfg, _ := sink(t)
	c := NewClient(cfg)
	if err := c.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}
	if _, err := c.SendTest(context.Background(), "", 1); !errors.Is(err, ErrClientClosed) {
		t.Fatalf("expected ErrClientClosed, got %v", err)
	}
}

func TestClientProbe(t *testing.T) {
	testlog.Start(t)
	cfg, _ := sink(t)
	if err := NewClient(cfg).Probe(context.Background()); err != nil {
		t.Fatalf("probe: %v", err)
	}
	if err := NewClient(testConfig(closedAddr(t))).Probe(context.Background()); err == nil {
		t.Fatalf("expected probe failure against a closed port")
	}
}

func TestPublisherRoutesAndCounts(t *testing.T) {
	testlog.Start(t)
	cfg, frames := sink(t)
	events := &diag.Recorder{}
	p := NewPublisher(NewClient(cfg), DefaultQueues(), events)
	now := time.Date(2024, 1, 2, 15, 0, 0, 0, time.UTC)
	p.now = func() time.Time { return now }

	if err := p.PublishDaily(context.Background(), SampleDailyBars(now)); err != nil {
		t.Fatalf("publish daily: %v", err)
	}
	if err := p.PublishMarketTable(context.Background(), nil); err != nil {
		t.Fatalf("empty batch: %v", err)
	}

	f := recv(t, frames)
	if f.QueueName != "daily_data_queue" || dispatch.Classify(f.QueueName) != dispatch.Daily {
		t.Fatalf("unexpected queue: %q", f.QueueName)
	}
	got := p.Stats()[dispatch.Daily]
	if got.Records != 2 || got.Bytes != uint64(f.WireSize()) || !got.LastUpdate.Equal(now) {
		t.Fatalf("unexpected sender stats: %+v", got)
	}
	if mt := p.Stats()[dispatch.MarketTable]; mt.Records != 0 {
		t.Fatalf("empty batch must not count: %+v", mt)
	}
	if sent := events.OfKind(diag.KindSent); len(sent) != 1 || sent[0].Records != 2 {
		t.Fatalf("unexpected sent events: %+v", sent)
	}
}

func TestPublisherCountsFailures(t *testing.T) {
	testlog.Start(t)
	cfg := testConfig(closedAddr(t))
	cfg.MaxConnectAttempts = 1
	events := &diag.Recorder{}
	p := NewPublisher(NewClient(cfg), DefaultQueues(), events)

	if err := p.PublishRealtime(context.Background(), SampleRealtimeQuotes(time.Now())); err == nil {
		t.Fatalf("expected publish failure")
	}
	if rt := p.Stats()[dispatch.Realtime]; rt.Errors != 1 || rt.Records != 0 {
		t.Fatalf("unexpected realtime stats: %+v", rt)
	}
	if errs := events.OfKind(diag.KindSendError); len(errs) != 1 || errs[0].Queue != "realtime_data_queue" {
		t.Fatalf("unexpected send_error events: %+v", errs)
	}
}

func TestPublisherToReceiver(t *testing.T) {
	testlog.Start(t)
	rcfg := receiver.DefaultConfig()
	rcfg.Host = "127.0.0.1"
	rcfg.Port = 0
	events := &diag.Recorder{}
	l := receiver.New(rcfg, events)
	ctx, cancel := context.WithCancel(context.Background())
	if err := l.Listen(ctx); err != nil {
		t.Fatalf("listen: %v", err)
	}
	done := make(chan error, 1)
	go func() { done <- l.Serve(ctx) }()
	defer func() {
		cancel()
		<-done
	}()

	addr := l.Addr().(*net.TCPAddr)
	cfg := DefaultConfig()
	cfg.Host = "127.0.0.1"
	cfg.Port = addr.Port
	client := NewClient(cfg)
	defer client.Close()
	p := NewPublisher(client, DefaultQueues(), nil)

	now := time.Now()
	steps := []func() error{
		func() error { return p.PublishDaily(ctx, SampleDailyBars(now)) },
		func() error { return p.PublishRealtime(ctx, SampleRealtimeQuotes(now)) },
		func() error { return p.PublishExRights(ctx, SampleExRights(now)) },
		func() error { return p.PublishMarketTable(ctx, SampleMarketTable(now)) },
	}
	for i, step := range steps {
		if err := step(); err != nil {
			t.Fatalf("step %d: %v", i, err)
		}
	}

	deadline := time.Now().Add(2 * time.Second)
	for len(events.OfKind(diag.KindFrame)) < len(steps) && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}
	received := l.Aggregator().Snapshot()
	sent := p.Stats()
	for _, c := range dispatch.Categories {
		if received[c].Records != sent[c].Records || received[c].Bytes != sent[c].Bytes {
			t.Fatalf("%s: received=%+v sent=%+v", c, received[c], sent[c])
		}
	}
	frames := events.OfKind(diag.KindFrame)
	if frames[0].Sample != "SH600000 | "+now.Format("2006-01-02") {
		t.Fatalf("unexpected daily sample: %q", frames[0].Sample)
	}
	if frames[1].Sample != "SH600000 | price: 10.55" {
		t.Fatalf("unexpected realtime sample: %q", frames[1].Sample)
	}
	if got := l.Totals().Snapshot().Frames; got != uint64(len(steps)) {
		t.Fatalf("unexpected frame total: %+v", l.Totals().Snapshot())
	}
}

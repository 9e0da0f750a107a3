package receiver

import (
	"context"
	"errors"
	"net"
	"sync"
	"testing"
	"time"

	"github.com/danmuck/mqlink/internal/diag"
	"github.com/danmuck/mqlink/internal/dispatch"
	"github.com/danmuck/mqlink/internal/protocol/frame"
	"github.com/danmuck/mqlink/internal/testutil/testlog"
)

type harness struct {
	l      *Listener
	events *diag.Recorder
	cancel context.CancelFunc
	done   chan error
}

func startListener(t *testing.T, mutate func(*Config), opts ...Option) *harness {
	t.Helper()
	cfg := DefaultConfig()
	cfg.Host = "127.0.0.1"
	cfg.Port = 0
	cfg.DrainTimeout = 100 * time.Millisecond
	if mutate != nil {
		mutate(&cfg)
	}
	events := &diag.Recorder{}
	l := New(cfg, events, opts...)
	ctx, cancel := context.WithCancel(context.Background())
	if err := l.Listen(ctx); err != nil {
		cancel()
		t.Fatalf("listen: %v", err)
	}
	h := &harness{l: l, events: events, cancel: cancel, done: make(chan error, 1)}
	go func() {
		h.done <- l.Serve(ctx)
	}()
	t.Cleanup(func() { h.stop(t) })
	return h
}

func (h *harness) stop(t *testing.T) {
	t.Helper()
	h.cancel()
	select {
	case err := <-h.done:
		if err != nil {
			t.Fatalf("serve returned error: %v", err)
		}
	case <-time.After(3 * time.Second):
		t.Fatalf("listener did not stop")
	}
}

func (h *harness) dial(t *testing.T) net.Conn {
	t.Helper()
	conn, err := net.DialTimeout("tcp", h.l.Addr().String(), time.Second)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	t.Cleanup(func() { _ = conn.Close() })
	return conn
}

func (h *harness) waitFor(t *testing.T, kind diag.Kind, n int) []diag.Event {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if got := h.events.OfKind(kind); len(got) >= n {
			return got
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %d %s events; have %+v", n, kind, h.events.Events())
	return nil
}

func send(t *testing.T, conn net.Conn, queue, payload string) {
	t.Helper()
	if _, err := conn.Write(frame.Encode(queue, []byte(payload))); err != nil {
		t.Fatalf("write frame: %v", err)
	}
}

func TestListenerTestQueueIsUnclassified(t *testing.T) {
	testlog.Start(t)
	h := startListener(t, nil)
	conn := h.dial(t)

	send(t, conn, "test_queue", `{"type":"test","records":[{"test_id":1,"message":"hello"}],"timestamp":"2024-01-01T00:00:00"}`)
	ev := h.waitFor(t, diag.KindFrame, 1)[0]

	if ev.Category != dispatch.Unclassified.String() || ev.Records != 1 || ev.Queue != "test_queue" {
		t.Fatalf("unexpected frame event: %+v", ev)
	}
	if len(ev.Preview) != 1 || ev.Preview[0] != "message=hello, test_id=1" {
		t.Fatalf("unexpected test preview: %v", ev.Preview)
	}
	if active := h.l.Aggregator().Snapshot().Active(); len(active) != 0 {
		t.Fatalf("aggregate must not change for unclassified frames: %v", active)
	}
	totals := h.l.Totals().Snapshot()
	if totals.Frames != 1 || totals.Unclassified != 1 {
		t.Fatalf("unexpected totals: %+v", totals)
	}
}

func TestListenerAggregatesBackToBackDailyFrames(t *testing.T) {
	testlog.Start(t)
	var mu sync.Mutex
	tick := time.Date(2024, 1, 2, 9, 30, 0, 0, time.UTC)
	clock := func() time.Time {
		mu.Lock()
		defer mu.Unlock()
		tick = tick.Add(time.Millisecond)
		return tick
	}
	h := startListener(t, nil, WithClock(clock))
	conn := h.dial(t)

	send(t, conn, "daily_bars", `{"type":"daily","records":[{},{},{}]}`)
	send(t, conn, "daily_bars", `{"type":"daily","records":[{},{},{},{},{},{},{}]}`)
	frames := h.waitFor(t, diag.KindFrame, 2)

	got, _ := h.l.Aggregator().Get(dispatch.Daily)
	if got.Records != 10 {
		t.Fatalf("unexpected daily records: %+v", got)
	}
	wantBytes := uint64(frames[0].Bytes + frames[1].Bytes)
	if got.Bytes != wantBytes {
		t.Fatalf("unexpected daily bytes: got=%d want=%d", got.Bytes, wantBytes)
	}
	if !got.LastUpdate.Equal(frames[1].Time) {
		t.Fatalf("last update should match the second frame: got=%v want=%v", got.LastUpdate, frames[1].Time)
	}
}

func TestListenerDecodeErrorKeepsConnection(t *testing.T) {
	testlog.Start(t)
	h := startListener(t, nil)
	conn := h.dial(t)

	send(t, conn, "realtime_quotes", `{"records":[`)
	send(t, conn, "realtime_quotes", `[{"stock_code":"SH600000","new_price":10.5}]`)

	decodeErrs := h.waitFor(t, diag.KindDecodeError, 1)
	if decodeErrs[0].Queue != "realtime_quotes" || decodeErrs[0].Sample == "" {
		t.Fatalf("unexpected decode error event: %+v", decodeErrs[0])
	}
	ev := h.waitFor(t, diag.KindFrame, 1)[0]
	if ev.Sample != "SH600000 | price: 10.5" {
		t.Fatalf("unexpected sample: %q", ev.Sample)
	}
	if closed := h.events.OfKind(diag.KindClosed); len(closed) != 0 {
		t.Fatalf("decode error must not close the connection: %+v", closed)
	}
	totals := h.l.Totals().Snapshot()
	if totals.DecodeErrors != 1 || totals.Frames != 2 || totals.Messages != 1 {
		t.Fatalf("unexpected totals: %+v", totals)
	}
	rt, _ := h.l.Aggregator().Get(dispatch.Realtime)
	if rt.Records != 1 {
		t.Fatalf("unexpected realtime counter: %+v", rt)
	}
}

func TestListenerMalformedHeaderClosesOnlyThatConnection(t *testing.T) {
	testlog.Start(t)
	h := startListener(t, nil)
	bad := h.dial(t)
	good := h.dial(t)
	h.waitFor(t, diag.KindConnected, 2)

	if _, err := bad.Write(frame.EncodeHeader(frame.Header{TotalLen: 2, QueueNameLen: 10})); err != nil {
		t.Fatalf("write header: %v", err)
	}
	closed := h.waitFor(t, diag.KindClosed, 1)
	if closed[0].Error != "malformed frame" {
		t.Fatalf("unexpected close reason: %+v", closed[0])
	}
	if errs := h.events.OfKind(diag.KindConnError); len(errs) != 1 {
		t.Fatalf("expected one connection error, got %+v", errs)
	}

	send(t, good, "market_table_queue", `[{"stock_code":"SZ000001","stock_name":"PA Bank"}]`)
	ev := h.waitFor(t, diag.KindFrame, 1)[0]
	if ev.Category != dispatch.MarketTable.String() {
		t.Fatalf("unexpected category: %+v", ev)
	}

	// The listener still accepts new peers.
	late := h.dial(t)
	send(t, late, "ex_rights_data_queue", `{"records":[{"stock_code":"SH600000"}]}`)
	h.waitFor(t, diag.KindFrame, 2)
}

func TestListenerPeerCloseMidFrame(t *testing.T) {
	testlog.Start(t)
	h := startListener(t, nil)
	conn := h.dial(t)

	wire := frame.Encode("daily_bars", []byte(`{"records":[{}]}`))
	if _, err := conn.Write(wire[:len(wire)-3]); err != nil {
		t.Fatalf("write: %v", err)
	}
	_ = conn.Close()

	closed := h.waitFor(t, diag.KindClosed, 1)[0]
	if closed.Error != "peer closed mid-frame" {
		t.Fatalf("unexpected close reason: %+v", closed)
	}
	if errs := h.events.OfKind(diag.KindConnError); len(errs) != 0 {
		t.Fatalf("peer close is not an error: %+v", errs)
	}
	if frames := h.l.Totals().Snapshot().Frames; frames != 0 {
		t.Fatalf("partial frame must not be dispatched: %d", frames)
	}
}

func TestListenerReceiveTimeoutEndsConnection(t *testing.T) {
	testlog.Start(t)
	h := startListener(t, func(cfg *Config) { cfg.ReadTimeout = 30 * time.Millisecond })
	h.dial(t)

	closed := h.waitFor(t, diag.KindClosed, 1)[0]
	if closed.Error != "receive timeout" {
		t.Fatalf("unexpected close reason: %+v", closed)
	}
	errs := h.events.OfKind(diag.KindConnError)
	if len(errs) != 1 || errs[0].Error != "receive timeout" {
		t.Fatalf("timeout should be reported once: %+v", errs)
	}
}

func TestListenerStatsDumpOnInterval(t *testing.T) {
	testlog.Start(t)
	h := startListener(t, func(cfg *Config) { cfg.ReportEvery = 5 })
	conn := h.dial(t)

	send(t, conn, "daily_bars", `{"records":[{},{},{}]}`)
	send(t, conn, "daily_bars", `{"records":[{},{},{}]}`)
	dumps := h.waitFor(t, diag.KindStats, 1)
	if dumps[0].Stats == nil || dumps[0].Stats.Categories[dispatch.Daily].Records != 6 {
		t.Fatalf("unexpected stats dump: %+v", dumps[0])
	}
}

func TestListenerLifecycle(t *testing.T) {
	testlog.Start(t)
	cfg := DefaultConfig()
	cfg.Host = "127.0.0.1"
	cfg.Port = 0
	l := New(cfg, nil)

	if err := l.Serve(context.Background()); !errors.Is(err, ErrNotListening) {
		t.Fatalf("expected ErrNotListening, got %v", err)
	}
	if l.Status().Phase != PhaseIdle {
		t.Fatalf("unexpected phase: %s", l.Status().Phase)
	}

	ctx, cancel := context.WithCancel(context.Background())
	if err := l.Listen(ctx); err != nil {
		t.Fatalf("listen: %v", err)
	}
	if err := l.Listen(ctx); !errors.Is(err, ErrLifecycleOrder) {
		t.Fatalf("expected ErrLifecycleOrder, got %v", err)
	}
	done := make(chan error, 1)
	go func() { done <- l.Serve(ctx) }()
	cancel()
	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("serve: %v", err)
		}
	case <-time.After(3 * time.Second):
		t.Fatalf("serve did not return")
	}
	if l.Status().Phase != PhaseStopped {
		t.Fatalf("unexpected phase after stop: %s", l.Status().Phase)
	}
}

func TestListenerBindFailure(t *testing.T) {
	testlog.Start(t)
	h := startListener(t, nil)
	cfg := DefaultConfig()
	cfg.Host = "127.0.0.1"
	cfg.Port = h.l.Addr().(*net.TCPAddr).Port
	if err := New(cfg, nil).Listen(context.Background()); err == nil {
		t.Fatalf("expected bind failure on a port in use")
	}
}

func TestListenerDrainsThenForceCloses(t *testing.T) {
	testlog.Start(t)
	events := &diag.Recorder{}
	cfg := DefaultConfig()
	cfg.Host = "127.0.0.1"
	cfg.Port = 0
	cfg.DrainTimeout = 50 * time.Millisecond
	l := New(cfg, events)

	ctx, cancel := context.WithCancel(context.Background())
	if err := l.Listen(ctx); err != nil {
		t.Fatalf("listen: %v", err)
	}
	done := make(chan error, 1)
	go func() { done <- l.Serve(ctx) }()

	conn, err := net.Dial("tcp", l.Addr().String())
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer conn.Close()
	deadline := time.Now().Add(2 * time.Second)
	for len(events.OfKind(diag.KindConnected)) == 0 && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}

	cancel()
	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("serve: %v", err)
		}
	case <-time.After(3 * time.Second):
		t.Fatalf("serve did not return after drain timeout")
	}

	closed := events.OfKind(diag.KindClosed)
	if len(closed) != 1 || closed[0].Error != "listener stopped" {
		t.Fatalf("idle connection should be closed by the listener: %+v", closed)
	}
	if stopped := events.OfKind(diag.KindStopped); len(stopped) != 1 {
		t.Fatalf("expected stopped event, got %+v", stopped)
	}
	if dumps := events.OfKind(diag.KindStats); len(dumps) != 1 {
		t.Fatalf("expected final stats dump, got %d", len(dumps))
	}
	if active := l.Totals().Snapshot().Active; active != 0 {
		t.Fatalf("active connections after stop: %d", active)
	}
}

package main

import (
	"context"
	"net"
	"strconv"
	"testing"
	"time"

	"github.com/danmuck/mqlink/internal/diag"
	"github.com/danmuck/mqlink/internal/dispatch"
	"github.com/danmuck/mqlink/internal/receiver"
	"github.com/danmuck/mqlink/internal/sender"
	"github.com/danmuck/mqlink/internal/testutil/testlog"
)

func TestParseArgsPositionals(t *testing.T) {
	testlog.Start(t)
	opts, err := parseArgs(nil)
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if opts.cfg.Client.Host != "127.0.0.1" || opts.cfg.Client.Port != 5678 || opts.count != 1 {
		t.Fatalf("unexpected defaults: %+v", opts)
	}
	if opts.queue != sender.DefaultTestQueue {
		t.Fatalf("unexpected queue: %q", opts.queue)
	}

	opts, err = parseArgs([]string{"--samples", "10.0.2.2", "6000", "5"})
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if opts.cfg.Client.Host != "10.0.2.2" || opts.cfg.Client.Port != 6000 || opts.count != 5 || !opts.samples {
		t.Fatalf("positionals not applied: %+v", opts)
	}
}

func TestParseArgsRejects(t *testing.T) {
	testlog.Start(t)
	cases := [][]string{
		{"host", "port"},
		{"host", "5678", "0"},
		{"host", "5678", "many"},
		{"host", "5678", "1", "extra"},
		{"host", "0"},
	}
	for _, args := range cases {
		if _, err := parseArgs(args); err == nil {
			t.Fatalf("expected error for %v", args)
		}
	}
}

func TestSendToReceiver(t *testing.T) {
	testlog.Start(t)
	rcfg := receiver.DefaultConfig()
	rcfg.Host = "127.0.0.1"
	rcfg.Port = 0
	events := &diag.Recorder{}
	l := receiver.New(rcfg, events)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	if err := l.Listen(ctx); err != nil {
		t.Fatalf("listen: %v", err)
	}
	go func() { _ = l.Serve(ctx) }()

	opts, err := parseArgs([]string{"--samples", "127.0.0.1", strconv.Itoa(l.Addr().(*net.TCPAddr).Port), "2"})
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if err := send(ctx, opts); err != nil {
		t.Fatalf("send: %v", err)
	}

	deadline := time.Now().Add(2 * time.Second)
	for len(events.OfKind(diag.KindFrame)) < 5 && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}
	frames := events.OfKind(diag.KindFrame)
	if len(frames) != 5 {
		t.Fatalf("expected test frame plus four sample batches, got %d", len(frames))
	}
	if frames[0].Queue != sender.DefaultTestQueue || frames[0].Records != 2 || len(frames[0].Preview) != 2 {
		t.Fatalf("unexpected test frame: %+v", frames[0])
	}
	if active := l.Aggregator().Snapshot().Active(); len(active) != len(dispatch.Categories) {
		t.Fatalf("every category should have received a batch: %v", active)
	}
}

func TestProbe(t *testing.T) {
	testlog.Start(t)
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	defer ln.Close()
	go func() {
		if conn, err := ln.Accept(); err == nil {
			_ = conn.Close()
		}
	}()

	opts, err := parseArgs([]string{"--probe", "127.0.0.1", strconv.Itoa(ln.Addr().(*net.TCPAddr).Port)})
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if err := send(context.Background(), opts); err != nil {
		t.Fatalf("probe: %v", err)
	}
}

package sender

import (
	"context"
	"time"

	"github.com/danmuck/mqlink/internal/diag"
	"github.com/danmuck/mqlink/internal/dispatch"
	"github.com/danmuck/mqlink/internal/logging"
	"github.com/danmuck/mqlink/internal/observability"
	"github.com/danmuck/mqlink/internal/records"
	"github.com/danmuck/mqlink/internal/stats"
)

// Queues names the destination queue of each category.
type Queues struct {
	Daily       string
	Realtime    string
	ExRights    string
	MarketTable string
}

func DefaultQueues() Queues {
	return Queues{
		Daily:       "daily_data_queue",
		Realtime:    "realtime_data_queue",
		ExRights:    "ex_rights_data_queue",
		MarketTable: "market_table_queue",
	}
}

// For returns the queue name configured for c, empty for Unclassified.
func (q Queues) For(c dispatch.Category) string {
	switch c {
	case dispatch.Daily:
		return q.Daily
	case dispatch.Realtime:
		return q.Realtime
	case dispatch.ExRights:
		return q.ExRights
	case dispatch.MarketTable:
		return q.MarketTable
	default:
		return ""
	}
}

// Publisher sends typed batches over a Client and keeps per-category sent
// statistics in the same shape the receiver aggregates.
type Publisher struct {
	client *Client
	queues Queues
	stats  *stats.Aggregator
	sink   diag.Sink
	now    func() time.Time
}

// NewPublisher builds a Publisher. sink may be nil.
func NewPublisher(client *Client, queues Queues, sink diag.Sink) *Publisher {
	if sink == nil {
		sink = diag.Fanout{}
	}
	return &Publisher{
		client: client,
		queues: queues,
		stats:  stats.NewAggregator(0),
		sink:   sink,
		now:    time.Now,
	}
}

// Stats snapshots records, bytes, last send time and failures per category.
func (p *Publisher) Stats() stats.Snapshot {
	return p.stats.Snapshot()
}

func (p *Publisher) PublishDaily(ctx context.Context, bars []records.DailyBar) error {
	return publish(ctx, p, dispatch.Daily, "daily", bars)
}

func (p *Publisher) PublishRealtime(ctx context.Context, quotes []records.RealtimeQuote) error {
	return publish(ctx, p, dispatch.Realtime, "realtime", quotes)
}

func (p *Publisher) PublishExRights(ctx context.Context, rows []records.ExRights) error {
	return publish(ctx, p, dispatch.ExRights, "ex_rights", rows)
}

func (p *Publisher) PublishMarketTable(ctx context.Context, rows []records.MarketTableEntry) error {
	return publish(ctx, p, dispatch.MarketTable, "market_table", rows)
}

// publish sends one batch. An empty batch is not sent.
func publish[T any](ctx context.Context, p *Publisher, c dispatch.Category, kind string, recs []T) error {
	if len(recs) == 0 {
		return nil
	}
	queue := p.queues.For(c)
	now := p.now()
	batch := records.Batch[T]{
		Type:      kind,
		Records:   recs,
		Timestamp: now.Format("2006-01-02T15:04:05"),
	}

	n, err := p.client.Send(ctx, queue, batch)
	if err != nil {
		p.stats.RecordError(c)
		observability.RecordSend(c.String(), len(recs), false)
		logging.Warnf("sender.Publisher.publish category=%s queue=%q records=%d err=%v", c, queue, len(recs), err)
		p.sink.Emit(diag.Event{
			Time:     now,
			Kind:     diag.KindSendError,
			Remote:   p.client.Addr(),
			Queue:    queue,
			Category: c.String(),
			Records:  len(recs),
			Error:    err.Error(),
		})
		return err
	}

	p.stats.Record(c, len(recs), n, now)
	observability.RecordSend(c.String(), len(recs), true)
	p.sink.Emit(diag.Event{
		Time:     now,
		Kind:     diag.KindSent,
		Remote:   p.client.Addr(),
		Queue:    queue,
		Category: c.String(),
		Records:  len(recs),
		Bytes:    n,
	})
	return nil
}

package receiver

import (
	"errors"
	"fmt"
	"net"

	"github.com/danmuck/mqlink/internal/diag"
	"github.com/danmuck/mqlink/internal/dispatch"
	"github.com/danmuck/mqlink/internal/logging"
	"github.com/danmuck/mqlink/internal/observability"
	"github.com/danmuck/mqlink/internal/protocol/frame"
	"github.com/danmuck/mqlink/internal/protocol/session"
	"github.com/danmuck/mqlink/internal/records"
	"github.com/google/uuid"
)

// serveConn owns one accepted connection: reader, dispatch, diagnostics.
// It always closes the connection and never takes the listener down.
func (l *Listener) serveConn(conn net.Conn) {
	defer l.wg.Done()

	id := uuid.NewString()
	remote := conn.RemoteAddr().String()
	l.track(id, conn)
	active := l.totals.ConnectionOpened()
	observability.SetActiveConnections(active)
	l.sink.Emit(diag.Event{Time: l.now(), Kind: diag.KindConnected, ConnID: id, Remote: remote})

	reader := session.NewReader(conn, l.cfg.Limits, l.cfg.ReadTimeout)
	reason := "peer closed"
	defer func() {
		if rec := recover(); rec != nil {
			reason = fmt.Sprintf("panic: %v", rec)
			logging.Errorf("receiver.Listener.serveConn panic conn=%s remote=%q err=%v", id, remote, rec)
			observability.RecordReceiveError("panic")
		}
		_ = conn.Close()
		l.untrack(id)
		active := l.totals.ConnectionClosed()
		observability.SetActiveConnections(active)
		l.sink.Emit(diag.Event{
			Time:    l.now(),
			Kind:    diag.KindClosed,
			ConnID:  id,
			Remote:  remote,
			Records: int(reader.Frames()),
			Bytes:   int(reader.BytesRead()),
			Error:   reason,
		})
	}()

	for {
		f, err := reader.Next()
		if err != nil {
			reason = l.endReason(id, remote, err)
			return
		}
		l.handleFrame(id, remote, f)
	}
}

func (l *Listener) handleFrame(id, remote string, f frame.Frame) {
	l.totals.FrameReceived(f.WireSize())

	res, err := l.dispatcher.Handle(f)
	if err != nil {
		l.totals.DecodeFailed()
		observability.RecordReceiveError("decode")
		var pde *dispatch.PayloadDecodeError
		preview := ""
		if errors.As(err, &pde) {
			preview = pde.Preview
		}
		l.sink.Emit(diag.Event{
			Time:     res.At,
			Kind:     diag.KindDecodeError,
			ConnID:   id,
			Remote:   remote,
			Queue:    f.QueueName,
			Category: res.Category.String(),
			Bytes:    res.Bytes,
			Sample:   preview,
			Error:    err.Error(),
		})
		return
	}

	l.totals.MessageDecoded(res.Category == dispatch.Unclassified)
	observability.RecordFrame(res.Category.String(), res.Records, res.Bytes)

	ev := diag.Event{
		Time:     res.At,
		Kind:     diag.KindFrame,
		ConnID:   id,
		Remote:   remote,
		Queue:    res.Queue,
		Category: res.Category.String(),
		Records:  res.Records,
		Bytes:    res.Bytes,
		Sample:   res.Sample,
	}
	for _, rec := range res.Preview {
		if m, ok := rec.(map[string]any); ok {
			ev.Preview = append(ev.Preview, records.Preview(m, 0))
			continue
		}
		ev.Preview = append(ev.Preview, records.FormatValue(rec))
	}
	l.sink.Emit(ev)

	if res.DumpDue {
		dump := l.StatsDump()
		l.sink.Emit(diag.Event{Time: res.At, Kind: diag.KindStats, Stats: &dump})
	}
}

// endReason classifies why the reader stopped and reports anything abnormal.
func (l *Listener) endReason(id, remote string, err error) string {
	switch {
	case errors.Is(err, frame.ErrTruncatedFrame):
		return "peer closed mid-frame"
	case session.IsPeerClose(err):
		return "peer closed"
	case session.IsTimeout(err):
		l.connError(id, remote, "timeout", "receive timeout")
		return "receive timeout"
	case errors.Is(err, frame.ErrMalformedHeader),
		errors.Is(err, frame.ErrFrameTooLarge),
		errors.Is(err, frame.ErrQueueNameTooLarge),
		errors.Is(err, frame.ErrInvalidQueueName):
		l.connError(id, remote, "malformed", err.Error())
		return "malformed frame"
	case errors.Is(err, net.ErrClosed) && l.stopping():
		return "listener stopped"
	default:
		l.connError(id, remote, "connection", err.Error())
		return "connection error"
	}
}

func (l *Listener) connError(id, remote, kind, msg string) {
	observability.RecordReceiveError(kind)
	l.sink.Emit(diag.Event{Time: l.now(), Kind: diag.KindConnError, ConnID: id, Remote: remote, Error: msg})
}

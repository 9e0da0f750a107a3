package session

import (
	"encoding/binary"
	"errors"
	"io"
	"net"
	"time"

	"github.com/danmuck/mqlink/internal/protocol/frame"
)

// ErrReaderDone is returned by a Reader whose stream already ended.
var ErrReaderDone = errors.New("session: reader finished")

// deadlineSetter is the subset of net.Conn the Reader needs for receive timeouts.
type deadlineSetter interface {
	SetReadDeadline(t time.Time) error
}

// Reader pulls complete frames off one byte stream in arrival order.
// It is not safe for concurrent use and cannot be restarted once it ends.
type Reader struct {
	src         io.Reader
	remote      string
	limits      frame.Limits
	readTimeout time.Duration

	bytesRead uint64
	frames    uint64
	done      bool
}

// NewReader wraps src. When src is a net.Conn and readTimeout is positive, every
// RecvExact call is bounded by that timeout.
func NewReader(src io.Reader, limits frame.Limits, readTimeout time.Duration) *Reader {
	r := &Reader{
		src:         src,
		limits:      limits,
		readTimeout: readTimeout,
	}
	if conn, ok := src.(net.Conn); ok && conn.RemoteAddr() != nil {
		r.remote = conn.RemoteAddr().String()
	}
	return r
}

// Remote is the peer address, empty for non-socket sources.
func (r *Reader) Remote() string {
	return r.remote
}

// BytesRead counts every byte consumed from the stream, including partial frames.
func (r *Reader) BytesRead() uint64 {
	return r.bytesRead
}

// Frames counts complete frames returned by Next.
func (r *Reader) Frames() uint64 {
	return r.frames
}

// RecvExact blocks until exactly n bytes arrive. It returns io.EOF when the peer
// closes before n bytes are collected and a *ConnectionError for any read failure,
// including a receive timeout.
func (r *Reader) RecvExact(n int) ([]byte, error) {
	if r.done {
		return nil, ErrReaderDone
	}
	buf := make([]byte, n)
	if n == 0 {
		return buf, nil
	}
	if err := r.armDeadline(); err != nil {
		return nil, &ConnectionError{Op: "set deadline", Remote: r.remote, Err: err}
	}
	got, err := io.ReadFull(r.src, buf)
	r.bytesRead += uint64(got)
	switch {
	case err == nil:
		return buf, nil
	case errors.Is(err, io.EOF), errors.Is(err, io.ErrUnexpectedEOF):
		return nil, io.EOF
	default:
		return nil, &ConnectionError{Op: "read", Remote: r.remote, Err: err}
	}
}

// Next returns the next complete frame. It returns io.EOF when the stream ends on a
// frame boundary and frame.ErrTruncatedFrame when it ends inside a frame; both mean
// the peer closed and the Reader is finished. Header violations and connection
// errors also finish the Reader.
func (r *Reader) Next() (frame.Frame, error) {
	if r.done {
		return frame.Frame{}, ErrReaderDone
	}
	f, err := r.next()
	if err != nil {
		r.done = true
		return frame.Frame{}, err
	}
	r.frames++
	return f, nil
}

func (r *Reader) next() (frame.Frame, error) {
	start := r.bytesRead
	ended := func(err error) error {
		if errors.Is(err, io.EOF) && r.bytesRead > start {
			return frame.ErrTruncatedFrame
		}
		return err
	}

	totalBuf, err := r.RecvExact(frame.LengthFieldLen)
	if err != nil {
		return frame.Frame{}, ended(err)
	}
	qnBuf, err := r.RecvExact(frame.LengthFieldLen)
	if err != nil {
		return frame.Frame{}, ended(err)
	}
	h, err := frame.ValidateLengths(binary.BigEndian.Uint32(totalBuf), binary.BigEndian.Uint32(qnBuf))
	if err != nil {
		return frame.Frame{}, err
	}
	if err := r.limits.Check(h); err != nil {
		return frame.Frame{}, err
	}

	queueName, err := r.RecvExact(int(h.QueueNameLen))
	if err != nil {
		return frame.Frame{}, ended(err)
	}
	payload, err := r.RecvExact(int(h.PayloadLen()))
	if err != nil {
		return frame.Frame{}, ended(err)
	}
	return frame.Assemble(h, queueName, payload)
}

func (r *Reader) armDeadline() error {
	if r.readTimeout <= 0 {
		return nil
	}
	ds, ok := r.src.(deadlineSetter)
	if !ok {
		return nil
	}
	return ds.SetReadDeadline(time.Now().Add(r.readTimeout))
}

// IsPeerClose reports whether err from Next means the peer closed the stream,
// at a frame boundary or inside a frame.
func IsPeerClose(err error) bool {
	return errors.Is(err, io.EOF) || errors.Is(err, frame.ErrTruncatedFrame)
}

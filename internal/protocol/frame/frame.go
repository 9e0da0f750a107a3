package frame

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"unicode/utf8"
)

const (
	// LengthFieldLen is the size of each of the two big-endian length prefixes.
	LengthFieldLen = 4
	// HeaderLen covers total_length and queue_name_length.
	HeaderLen = 2 * LengthFieldLen
)

var (
	ErrMalformedHeader    = errors.New("frame: malformed header")
	ErrTruncatedFrame     = errors.New("frame: truncated frame")
	ErrFrameTooLarge      = errors.New("frame: frame too large")
	ErrQueueNameTooLarge  = errors.New("frame: queue name too large")
	ErrInvalidQueueName   = errors.New("frame: queue name is not valid utf-8")
	ErrTrailingFrameBytes = errors.New("frame: trailing bytes after frame")
)

// Header is the fixed 8-byte length prefix. TotalLen excludes its own 4 bytes.
type Header struct {
	TotalLen     uint32
	QueueNameLen uint32
}

// PayloadLen is only meaningful for a header accepted by DecodeHeader.
func (h Header) PayloadLen() uint32 {
	return h.TotalLen - LengthFieldLen - h.QueueNameLen
}

// WireSize is the number of bytes the frame occupies on the stream.
func (h Header) WireSize() uint64 {
	return uint64(h.TotalLen) + LengthFieldLen
}

// Frame is one complete queue-addressed message.
type Frame struct {
	QueueName string
	Payload   []byte
}

func (f Frame) Header() Header {
	qn := uint32(len(f.QueueName))
	return Header{
		TotalLen:     LengthFieldLen + qn + uint32(len(f.Payload)),
		QueueNameLen: qn,
	}
}

// WireSize is the encoded length of f in bytes.
func (f Frame) WireSize() int {
	return HeaderLen + len(f.QueueName) + len(f.Payload)
}

// Limits constrains decode memory use. Zero fields mean unbounded.
type Limits struct {
	MaxFrameBytes     uint32
	MaxQueueNameBytes uint32
}

func DefaultLimits() Limits {
	return Limits{
		MaxFrameBytes:     64 * 1024 * 1024,
		MaxQueueNameBytes: 1024,
	}
}

// Check applies l to a header that already passed DecodeHeader.
func (l Limits) Check(h Header) error {
	if l.MaxQueueNameBytes > 0 && h.QueueNameLen > l.MaxQueueNameBytes {
		return fmt.Errorf("%w: queue_name_length=%d max=%d", ErrQueueNameTooLarge, h.QueueNameLen, l.MaxQueueNameBytes)
	}
	if l.MaxFrameBytes > 0 && h.TotalLen > l.MaxFrameBytes {
		return fmt.Errorf("%w: total_length=%d max=%d", ErrFrameTooLarge, h.TotalLen, l.MaxFrameBytes)
	}
	return nil
}

// Encode returns the wire bytes for queueName and payload.
func Encode(queueName string, payload []byte) []byte {
	f := Frame{QueueName: queueName, Payload: payload}
	buf := make([]byte, f.WireSize())
	putHeader(buf, f.Header())
	n := copy(buf[HeaderLen:], queueName)
	copy(buf[HeaderLen+n:], payload)
	return buf
}

// EncodeHeader writes h into an 8-byte slice without validation.
func EncodeHeader(h Header) []byte {
	buf := make([]byte, HeaderLen)
	putHeader(buf, h)
	return buf
}

func putHeader(buf []byte, h Header) {
	binary.BigEndian.PutUint32(buf[0:4], h.TotalLen)
	binary.BigEndian.PutUint32(buf[4:8], h.QueueNameLen)
}

// DecodeHeader parses the first 8 bytes of b. It rejects headers whose declared
// queue name does not fit inside total_length.
func DecodeHeader(b []byte) (Header, error) {
	if len(b) < HeaderLen {
		return Header{}, fmt.Errorf("%w: need %d bytes, have %d", ErrMalformedHeader, HeaderLen, len(b))
	}
	h := Header{
		TotalLen:     binary.BigEndian.Uint32(b[0:4]),
		QueueNameLen: binary.BigEndian.Uint32(b[4:8]),
	}
	if err := validateHeader(h); err != nil {
		return Header{}, err
	}
	return h, nil
}

// ValidateLengths checks the two length fields after they were read separately.
func ValidateLengths(totalLen, queueNameLen uint32) (Header, error) {
	h := Header{TotalLen: totalLen, QueueNameLen: queueNameLen}
	if err := validateHeader(h); err != nil {
		return Header{}, err
	}
	return h, nil
}

func validateHeader(h Header) error {
	if uint64(h.TotalLen) < uint64(LengthFieldLen)+uint64(h.QueueNameLen) {
		return fmt.Errorf("%w: total_length=%d < 4+queue_name_length=%d", ErrMalformedHeader, h.TotalLen, h.QueueNameLen)
	}
	return nil
}

// Decode parses exactly one frame from b.
func Decode(b []byte) (Frame, error) {
	h, err := DecodeHeader(b)
	if err != nil {
		return Frame{}, err
	}
	rest := b[HeaderLen:]
	body := uint64(h.TotalLen) - LengthFieldLen
	if uint64(len(rest)) < body {
		return Frame{}, fmt.Errorf("%w: need %d body bytes, have %d", ErrTruncatedFrame, body, len(rest))
	}
	if uint64(len(rest)) > body {
		return Frame{}, ErrTrailingFrameBytes
	}
	return split(h, rest)
}

// Assemble builds a frame from separately read queue name and payload bytes.
func Assemble(h Header, queueName, payload []byte) (Frame, error) {
	if uint32(len(queueName)) != h.QueueNameLen || uint32(len(payload)) != h.PayloadLen() {
		return Frame{}, ErrTruncatedFrame
	}
	if !utf8.Valid(queueName) {
		return Frame{}, ErrInvalidQueueName
	}
	return Frame{QueueName: string(queueName), Payload: payload}, nil
}

func split(h Header, body []byte) (Frame, error) {
	qn := body[:h.QueueNameLen]
	payload := make([]byte, h.PayloadLen())
	copy(payload, body[h.QueueNameLen:])
	return Assemble(h, qn, payload)
}

// ReadFrame reads one frame from r. A clean end of stream before any header byte
// returns io.EOF; an end of stream inside a frame returns ErrTruncatedFrame.
func ReadFrame(r io.Reader, limits Limits) (Frame, error) {
	var fixed [HeaderLen]byte
	if _, err := io.ReadFull(r, fixed[:]); err != nil {
		if errors.Is(err, io.EOF) {
			return Frame{}, io.EOF
		}
		if errors.Is(err, io.ErrUnexpectedEOF) {
			return Frame{}, ErrTruncatedFrame
		}
		return Frame{}, err
	}
	h, err := DecodeHeader(fixed[:])
	if err != nil {
		return Frame{}, err
	}
	if err := limits.Check(h); err != nil {
		return Frame{}, err
	}
	body := make([]byte, h.TotalLen-LengthFieldLen)
	if _, err := io.ReadFull(r, body); err != nil {
		if errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) {
			return Frame{}, ErrTruncatedFrame
		}
		return Frame{}, err
	}
	return split(h, body)
}

// WriteFrame writes f to w as a single buffer.
func WriteFrame(w io.Writer, f Frame, limits Limits) error {
	h := f.Header()
	if uint64(len(f.QueueName)) > uint64(^uint32(0)) ||
		uint64(len(f.Payload))+uint64(len(f.QueueName))+LengthFieldLen > uint64(^uint32(0)) {
		return ErrFrameTooLarge
	}
	if err := limits.Check(h); err != nil {
		return err
	}
	_, err := w.Write(Encode(f.QueueName, f.Payload))
	return err
}

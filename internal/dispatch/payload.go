package dispatch

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"unicode/utf8"

	"github.com/danmuck/mqlink/internal/records"
)

const previewBytes = 100

var errTrailingJSON = errors.New("trailing data after JSON value")

// PayloadDecodeError is a JSON failure on an otherwise well-framed payload.
// It is local to one frame; the connection keeps reading.
type PayloadDecodeError struct {
	Queue   string
	Length  int
	Preview string
	Err     error
}

func (e *PayloadDecodeError) Error() string {
	return fmt.Sprintf("dispatch: decode payload queue=%q len=%d: %v", e.Queue, e.Length, e.Err)
}

func (e *PayloadDecodeError) Unwrap() error {
	return e.Err
}

// DecodePayload parses one JSON value, keeping numbers as json.Number.
func DecodePayload(payload []byte) (any, error) {
	if !utf8.Valid(payload) {
		return nil, errors.New("payload is not valid utf-8")
	}
	dec := json.NewDecoder(bytes.NewReader(payload))
	dec.UseNumber()
	var v any
	if err := dec.Decode(&v); err != nil {
		return nil, err
	}
	if _, err := dec.Token(); err != io.EOF {
		return nil, errTrailingJSON
	}
	return v, nil
}

// ExtractRecords returns the record sequence of a decoded payload: the "records"
// field of an object, or the payload itself when it is an array. Any other shape
// yields no records.
func ExtractRecords(v any) []any {
	switch x := v.(type) {
	case map[string]any:
		if recs, ok := x["records"].([]any); ok {
			return recs
		}
		return nil
	case []any:
		return x
	default:
		return nil
	}
}

// payloadType returns the optional top-level "type" tag.
func payloadType(v any) string {
	obj, ok := v.(map[string]any)
	if !ok {
		return ""
	}
	s, _ := obj["type"].(string)
	return s
}

// Sample renders the first record the way operators expect for each category.
func Sample(c Category, first any) string {
	rec, ok := first.(records.Record)
	if !ok {
		s := records.FormatValue(first)
		if len(s) > previewBytes {
			s = s[:previewBytes]
		}
		return s
	}
	switch c {
	case Daily:
		return records.Field(rec, "stock_code") + " | " + records.Field(rec, "trade_date")
	case Realtime:
		return records.Field(rec, "stock_code") + " | price: " + records.Field(rec, "new_price")
	case MarketTable:
		return records.Field(rec, "stock_code") + " | " + records.Field(rec, "stock_name")
	default:
		return records.Preview(rec, 3)
	}
}

func preview(payload []byte) string {
	if len(payload) > previewBytes {
		payload = payload[:previewBytes]
	}
	return string(bytes.ToValidUTF8(payload, []byte("?")))
}

// Package records describes the JSON record shapes carried in queue payloads.
//
// Receivers treat records as open maps; the typed shapes here are what producers
// emit for each data category.
package records

import (
	"encoding/json"
	"fmt"
	"sort"
	"strings"

	"github.com/shopspring/decimal"
)

func init() {
	// Producers put prices on the wire as bare JSON numbers.
	decimal.MarshalJSONWithoutQuotes = true
}

// Record is one decoded entry of a payload's records sequence.
type Record = map[string]any

// Batch is the conventional payload envelope.
type Batch[T any] struct {
	Type      string `json:"type,omitempty"`
	Records   []T    `json:"records"`
	Timestamp string `json:"timestamp,omitempty"`
}

// DailyBar is one stock's daily OHLC bar.
type DailyBar struct {
	StockCode     string          `json:"stock_code"`
	MarketCode    int             `json:"market_code"`
	TradeDate     string          `json:"trade_date"`
	TradeDateTime string          `json:"trade_datetime"`
	TimeStamp     int64           `json:"time_stamp"`
	OpenPrice     decimal.Decimal `json:"open_price"`
	HighPrice     decimal.Decimal `json:"high_price"`
	LowPrice      decimal.Decimal `json:"low_price"`
	ClosePrice    decimal.Decimal `json:"close_price"`
	Volume        decimal.Decimal `json:"volume"`
	Amount        decimal.Decimal `json:"amount"`
	AdvanceCount  *int            `json:"advance_count"`
	DeclineCount  *int            `json:"decline_count"`
}

// RealtimeQuote is one snapshot of a stock's live quote with five-level depth.
type RealtimeQuote struct {
	StockCode  string            `json:"stock_code"`
	StockName  string            `json:"stock_name"`
	MarketCode int               `json:"market_code"`
	UpdateTime string            `json:"update_time"`
	TimeStamp  int64             `json:"time_stamp"`
	LastClose  decimal.Decimal   `json:"last_close"`
	Open       decimal.Decimal   `json:"open"`
	High       decimal.Decimal   `json:"high"`
	Low        decimal.Decimal   `json:"low"`
	NewPrice   decimal.Decimal   `json:"new_price"`
	Volume     decimal.Decimal   `json:"volume"`
	Amount     decimal.Decimal   `json:"amount"`
	BuyPrice   []decimal.Decimal `json:"buy_price"`
	BuyVolume  []decimal.Decimal `json:"buy_volume"`
	SellPrice  []decimal.Decimal `json:"sell_price"`
	SellVolume []decimal.Decimal `json:"sell_volume"`
}

// ExRights is one ex-rights/ex-dividend adjustment.
type ExRights struct {
	StockCode        string          `json:"stock_code"`
	MarketCode       int             `json:"market_code"`
	ExRightsDate     string          `json:"ex_rights_date"`
	ExRightsDateTime string          `json:"ex_rights_datetime"`
	TimeStamp        int64           `json:"time_stamp"`
	GivePer10Shares  decimal.Decimal `json:"give_per_10_shares"`
	PeiPer10Shares   decimal.Decimal `json:"pei_per_10_shares"`
	PeiPrice         decimal.Decimal `json:"pei_price"`
	ProfitPerShare   decimal.Decimal `json:"profit_per_share"`
}

// MarketTableEntry is one row of the exchange code table.
type MarketTableEntry struct {
	StockCode  string `json:"stock_code"`
	StockName  string `json:"stock_name"`
	MarketCode int    `json:"market_code"`
	UpdateTime string `json:"update_time"`
}

// TestRecord is the record shape of diagnostic test payloads.
type TestRecord struct {
	TestID      int    `json:"test_id"`
	TestTime    string `json:"test_time"`
	TestMessage string `json:"test_message"`
	Source      string `json:"source"`
}

// DailyFields are the keys a daily bar record is expected to carry.
var DailyFields = []string{
	"stock_code", "trade_date", "open_price", "high_price",
	"low_price", "close_price", "volume", "amount",
}

// CheckDailyFields splits DailyFields into those present in rec and those missing.
func CheckDailyFields(rec Record) (found, missing []string) {
	for _, key := range DailyFields {
		if _, ok := rec[key]; ok {
			found = append(found, key)
		} else {
			missing = append(missing, key)
		}
	}
	return found, missing
}

// LooksLikeDailyBar is a key-presence heuristic, not a schema check.
func LooksLikeDailyBar(rec Record) bool {
	_, missing := CheckDailyFields(rec)
	return len(missing) == 0
}

// Field renders rec[key] for display, or "N/A" when absent.
func Field(rec Record, key string) string {
	v, ok := rec[key]
	if !ok || v == nil {
		return "N/A"
	}
	return FormatValue(v)
}

// FormatValue renders a decoded JSON value. Numbers are normalised through decimal
// so 10.50 and 10.5 print the same.
func FormatValue(v any) string {
	switch x := v.(type) {
	case string:
		return x
	case json.Number:
		if d, err := decimal.NewFromString(x.String()); err == nil {
			return d.String()
		}
		return x.String()
	case float64:
		return decimal.NewFromFloat(x).String()
	case nil:
		return "null"
	case map[string]any, []any:
		b, err := json.Marshal(x)
		if err != nil {
			return fmt.Sprint(x)
		}
		return string(b)
	default:
		return fmt.Sprint(x)
	}
}

// Preview renders the first n fields of rec as "k=v" pairs in key order.
func Preview(rec Record, n int) string {
	keys := make([]string, 0, len(rec))
	for k := range rec {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	if n > 0 && len(keys) > n {
		keys = keys[:n]
	}
	parts := make([]string, 0, len(keys))
	for _, k := range keys {
		parts = append(parts, k+"="+FormatValue(rec[k]))
	}
	return strings.Join(parts, ", ")
}

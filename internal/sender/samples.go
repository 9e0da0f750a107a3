package sender

import (
	"time"

	"github.com/danmuck/mqlink/internal/records"
	"github.com/shopspring/decimal"
)

// Sample batches give mqsend something realistic to push through every category.

func SampleDailyBars(now time.Time) []records.DailyBar {
	day := now.Format("2006-01-02")
	return []records.DailyBar{
		{
			StockCode:     "SH600000",
			MarketCode:    1,
			TradeDate:     day,
			TradeDateTime: day + " 00:00:00",
			TimeStamp:     now.Unix(),
			OpenPrice:     decimal.RequireFromString("10.12"),
			HighPrice:     decimal.RequireFromString("10.58"),
			LowPrice:      decimal.RequireFromString("10.01"),
			ClosePrice:    decimal.RequireFromString("10.50"),
			Volume:        decimal.NewFromInt(1250300),
			Amount:        decimal.RequireFromString("13002117.25"),
		},
		{
			StockCode:     "SZ000001",
			MarketCode:    0,
			TradeDate:     day,
			TradeDateTime: day + " 00:00:00",
			TimeStamp:     now.Unix(),
			OpenPrice:     decimal.RequireFromString("11.20"),
			HighPrice:     decimal.RequireFromString("11.35"),
			LowPrice:      decimal.RequireFromString("11.02"),
			ClosePrice:    decimal.RequireFromString("11.08"),
			Volume:        decimal.NewFromInt(980200),
			Amount:        decimal.RequireFromString("10912004.10"),
		},
	}
}

func SampleRealtimeQuotes(now time.Time) []records.RealtimeQuote {
	levels := func(base string, step string) []decimal.Decimal {
		b, s := decimal.RequireFromString(base), decimal.RequireFromString(step)
		out := make([]decimal.Decimal, 5)
		for i := range out {
			out[i] = b.Add(s.Mul(decimal.NewFromInt(int64(i))))
		}
		return out
	}
	return []records.RealtimeQuote{{
		StockCode:  "SH600000",
		StockName:  "PF Bank",
		MarketCode: 1,
		UpdateTime: now.Format("2006-01-02 15:04:05"),
		TimeStamp:  now.Unix(),
		LastClose:  decimal.RequireFromString("10.50"),
		Open:       decimal.RequireFromString("10.52"),
		High:       decimal.RequireFromString("10.61"),
		Low:        decimal.RequireFromString("10.47"),
		NewPrice:   decimal.RequireFromString("10.55"),
		Volume:     decimal.NewFromInt(320100),
		Amount:     decimal.RequireFromString("3377055.00"),
		BuyPrice:   levels("10.55", "-0.01"),
		BuyVolume:  levels("1200", "300"),
		SellPrice:  levels("10.56", "0.01"),
		SellVolume: levels("900", "250"),
	}}
}

func SampleExRights(now time.Time) []records.ExRights {
	day := now.Format("2006-01-02")
	return []records.ExRights{{
		StockCode:        "SH600000",
		MarketCode:       1,
		ExRightsDate:     day,
		ExRightsDateTime: day + " 00:00:00",
		TimeStamp:        now.Unix(),
		GivePer10Shares:  decimal.Zero,
		PeiPer10Shares:   decimal.Zero,
		PeiPrice:         decimal.Zero,
		ProfitPerShare:   decimal.RequireFromString("0.41"),
	}}
}

func SampleMarketTable(now time.Time) []records.MarketTableEntry {
	at := now.Format("2006-01-02 15:04:05")
	return []records.MarketTableEntry{
		{StockCode: "SH600000", StockName: "PF Bank", MarketCode: 1, UpdateTime: at},
		{StockCode: "SZ000001", StockName: "PA Bank", MarketCode: 0, UpdateTime: at},
	}
}

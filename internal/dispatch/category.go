package dispatch

import (
	"fmt"
	"strings"
)

// Category is the data family a queue name belongs to.
type Category uint8

const (
	Unclassified Category = iota
	Daily
	Realtime
	ExRights
	MarketTable
)

// Categories lists the aggregated categories in reporting order.
var Categories = [...]Category{Daily, Realtime, ExRights, MarketTable}

// Classify maps a queue name to its category by case-sensitive substring match.
// The first match in priority order wins, so "nondaily_archive" is Daily.
func Classify(queue string) Category {
	switch {
	case strings.Contains(queue, "daily"):
		return Daily
	case strings.Contains(queue, "realtime"):
		return Realtime
	case strings.Contains(queue, "ex_rights"):
		return ExRights
	case strings.Contains(queue, "market_table"), strings.Contains(queue, "code_table"):
		return MarketTable
	default:
		return Unclassified
	}
}

// Aggregated reports whether c contributes to category statistics.
func (c Category) Aggregated() bool {
	return c != Unclassified && c <= MarketTable
}

func (c Category) String() string {
	switch c {
	case Daily:
		return "daily"
	case Realtime:
		return "realtime"
	case ExRights:
		return "ex_rights"
	case MarketTable:
		return "market_table"
	default:
		return "unclassified"
	}
}

func (c Category) MarshalText() ([]byte, error) {
	return []byte(c.String()), nil
}

func (c *Category) UnmarshalText(b []byte) error {
	parsed, ok := ParseCategory(string(b))
	if !ok {
		return fmt.Errorf("dispatch: unknown category %q", string(b))
	}
	*c = parsed
	return nil
}

// ParseCategory is the inverse of Category.String.
func ParseCategory(s string) (Category, bool) {
	switch strings.TrimSpace(s) {
	case "daily":
		return Daily, true
	case "realtime":
		return Realtime, true
	case "ex_rights":
		return ExRights, true
	case "market_table":
		return MarketTable, true
	case "unclassified":
		return Unclassified, true
	default:
		return Unclassified, false
	}
}

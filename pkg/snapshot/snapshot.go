// Package snapshot turns the tail of an archive file into the newest
// logical market-data record for a symbol. Parsing is entirely
// format-specific and lives here; the Archive Reader stays format-agnostic.
package snapshot

import (
	"time"

	"github.com/cuemby/bridge/pkg/registry"
	"github.com/shopspring/decimal"
)

// Tick is a point-in-time market data record. Price/volume fields are
// pointers so "absent" is distinguishable from zero.
type Tick struct {
	Identifier       registry.Identifier
	EventTime        time.Time
	Last             *decimal.Decimal
	Bid              *decimal.Decimal
	Ask              *decimal.Decimal
	LastVolume       *int64
	CumulativeVolume *int64
	Source           string
}

// FieldNames lists every diffable field on Tick, in a stable order, so the
// Delta Engine can iterate deterministically.
var FieldNames = []string{"last", "bid", "ask", "last_volume", "cumulative_volume"}

// Field returns the named field's current value (nil if absent).
func (t Tick) Field(name string) any {
	switch name {
	case "last":
		return t.Last
	case "bid":
		return t.Bid
	case "ask":
		return t.Ask
	case "last_volume":
		return t.LastVolume
	case "cumulative_volume":
		return t.CumulativeVolume
	default:
		return nil
	}
}

// fifo.go consolidates raw fills into round-trip trade records.
//
// Fills are matched first-in-first-out: an opposing fill closes the oldest
// open lot first, partially when quantities differ. A fill larger than the
// open interest closes everything and opens a new lot in the other direction
// with the remainder (position reversal). The function is pure; callers
// persist the records and feed strategy stats from them.
package orders

import (
	"fmt"
	"sort"
	"time"

	"topstepx-engine/pkg/types"
)

type openLot struct {
	side       types.Side
	qty        int
	price      float64
	openedAt   time.Time
	feePerUnit float64
}

// ConsolidateFIFO turns one symbol's fills into TradeRecords. pointValue
// converts price distance into currency. Fills are processed in timestamp
// order regardless of input order; records carry the opening side.
func ConsolidateFIFO(fills []types.Fill, pointValue float64, strategyName string) []types.TradeRecord {
	if len(fills) == 0 {
		return nil
	}
	sorted := append([]types.Fill(nil), fills...)
	sort.SliceStable(sorted, func(i, j int) bool {
		return sorted[i].Timestamp.Before(sorted[j].Timestamp)
	})

	var lots []openLot
	var trades []types.TradeRecord
	// seq disambiguates trades closed by the same exit fill; the exit
	// timestamp in the ID keeps records from separate consolidations distinct.
	seq := 0

	for _, f := range sorted {
		if f.Quantity <= 0 {
			continue
		}
		qty := f.Quantity
		feePerUnit := f.Fees / float64(f.Quantity)

		// Close opposing lots FIFO.
		for qty > 0 && len(lots) > 0 && lots[0].side != f.Side {
			lot := &lots[0]
			matched := qty
			if lot.qty < matched {
				matched = lot.qty
			}

			sign := 1.0
			if lot.side == types.SELL {
				sign = -1.0
			}
			gross := (f.Price - lot.price) * sign * float64(matched) * pointValue
			fees := (lot.feePerUnit + feePerUnit) * float64(matched)

			seq++
			trades = append(trades, types.TradeRecord{
				ID:           fmt.Sprintf("%s-%s-%d-%d", f.AccountID, f.Symbol, f.Timestamp.UnixNano(), seq),
				AccountID:    f.AccountID,
				StrategyName: strategyName,
				Symbol:       f.Symbol,
				Side:         lot.side,
				Quantity:     matched,
				EntryPrice:   lot.price,
				ExitPrice:    f.Price,
				EntryTime:    lot.openedAt,
				ExitTime:     f.Timestamp,
				GrossPnL:     gross,
				Fees:         fees,
				NetPnL:       gross - fees,
			})

			lot.qty -= matched
			qty -= matched
			if lot.qty == 0 {
				lots = lots[1:]
			}
		}

		// Remainder opens (or extends) same-side interest.
		if qty > 0 {
			lots = append(lots, openLot{
				side:       f.Side,
				qty:        qty,
				price:      f.Price,
				openedAt:   f.Timestamp,
				feePerUnit: feePerUnit,
			})
		}
	}
	return trades
}

// OpenInterest reports the residual unmatched quantity after consolidation,
// signed by side (positive long, negative short).
func OpenInterest(fills []types.Fill) int {
	net := 0
	for _, f := range fills {
		net += f.Quantity * int(f.Side.Sign())
	}
	return net
}

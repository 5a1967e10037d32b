// Package labels turns the snapshot log into supervised training rows by
// attaching the realized next-tick price return to every asset snapshot.
package labels

import (
	"bytes"
	"encoding/json"
	"fmt"
	"math"
	"os"
	"sort"

	"github.com/shopspring/decimal"
)

// Tick is one closing price observation.
type Tick struct {
	TS    float64
	Close decimal.Decimal
}

type rawTick struct {
	TS    json.Number `json:"ts"`
	Close json.Number `json:"close"`
}

// PriceBook holds per-asset ticks sorted by time.
type PriceBook map[string][]Tick

// LoadPrices reads {"BTC": [{"ts": unix, "close": price}, ...], ...}.
func LoadPrices(path string) (PriceBook, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read price file: %w", err)
	}
	return ParsePrices(data)
}

// ParsePrices decodes a price document. Prices keep their exact decimal form.
// Duplicate timestamps keep the last close given.
func ParsePrices(data []byte) (PriceBook, error) {
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.UseNumber()

	var raw map[string][]rawTick
	if err := dec.Decode(&raw); err != nil {
		return nil, fmt.Errorf("invalid price file: %w", err)
	}

	book := make(PriceBook, len(raw))
	for asset, rows := range raw {
		byTS := make(map[float64]decimal.Decimal, len(rows))
		for i, r := range rows {
			ts, err := r.TS.Float64()
			if err != nil || math.IsNaN(ts) || math.IsInf(ts, 0) {
				return nil, fmt.Errorf("%s[%d]: invalid ts %q", asset, i, r.TS)
			}
			price, err := decimal.NewFromString(r.Close.String())
			if err != nil {
				return nil, fmt.Errorf("%s[%d]: invalid close %q: %w", asset, i, r.Close, err)
			}
			byTS[ts] = price
		}
		ticks := make([]Tick, 0, len(byTS))
		for ts, price := range byTS {
			ticks = append(ticks, Tick{TS: ts, Close: price})
		}
		sort.Slice(ticks, func(i, j int) bool { return ticks[i].TS < ticks[j].TS })
		book[asset] = ticks
	}
	return book, nil
}

// Label returns the simple return (p1-p0)/p0 where p1 is the first tick strictly
// after ts and p0 the tick just before it. Snapshot times are truncated to whole
// seconds first. The result is nil when the asset is unknown, there is no later
// tick, no earlier tick brackets ts, or p0 is not positive.
func (b PriceBook) Label(asset string, ts float64) *float64 {
	ticks, ok := b[asset]
	if !ok || len(ticks) == 0 {
		return nil
	}
	at := math.Trunc(ts)

	next := sort.Search(len(ticks), func(i int) bool { return ticks[i].TS > at })
	if next >= len(ticks) || next == 0 {
		return nil
	}
	p0, p1 := ticks[next-1].Close, ticks[next].Close
	if !p0.IsPositive() {
		return nil
	}

	ret, _ := p1.Sub(p0).Div(p0).Float64()
	return &ret
}

package labels

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"sort"

	"github.com/sirupsen/logrus"

	"github.com/irfndi/coin-rag/internal/models"
)

const maxSnapshotLine = 64 << 20

// Stats summarizes one labeling pass.
type Stats struct {
	Snapshots int `json:"snapshots"`
	Rows      int `json:"rows"`
	Labeled   int `json:"labeled"`
	Unlabeled int `json:"unlabeled"`
	Skipped   int `json:"skipped"`
}

// Generator writes one labeled row per asset of every snapshot read.
type Generator struct {
	prices PriceBook
	logger *logrus.Logger
}

// NewGenerator creates a generator over prices.
func NewGenerator(prices PriceBook, logger *logrus.Logger) *Generator {
	if logger == nil {
		logger = logrus.New()
	}
	return &Generator{prices: prices, logger: logger}
}

// Generate streams the snapshot log from r and writes JSON lines to w.
// Malformed lines are skipped and counted; write errors abort the pass.
func (g *Generator) Generate(ctx context.Context, r io.Reader, w io.Writer) (Stats, error) {
	var stats Stats

	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 64*1024), maxSnapshotLine)
	out := bufio.NewWriter(w)
	enc := json.NewEncoder(out)

	line := 0
	for scanner.Scan() {
		line++
		if err := ctx.Err(); err != nil {
			return stats, err
		}
		raw := scanner.Bytes()
		if len(raw) == 0 {
			continue
		}

		var snap models.Snapshot
		if err := json.Unmarshal(raw, &snap); err != nil || snap.Profiles == nil {
			stats.Skipped++
			g.logger.WithField("line", line).WithError(err).Warn("Skipping malformed snapshot line")
			continue
		}
		stats.Snapshots++

		assets := make([]string, 0, len(snap.Profiles))
		for asset := range snap.Profiles {
			assets = append(assets, asset)
		}
		sort.Strings(assets)

		for _, asset := range assets {
			p := snap.Profiles[asset]
			if p == nil {
				continue
			}
			row := models.LabeledRow{
				TS:       snap.TS,
				RunID:    snap.RunID,
				Coin:     asset,
				Features: p.ScoreBreakdown.Vector(),
				Mask:     p.Mask().Ints(),
				Score:    p.Score,
				Label:    g.prices.Label(asset, snap.TS),
			}
			if err := enc.Encode(row); err != nil {
				return stats, fmt.Errorf("failed to write labeled row: %w", err)
			}
			stats.Rows++
			if row.Label != nil {
				stats.Labeled++
			} else {
				stats.Unlabeled++
			}
		}
	}
	if err := scanner.Err(); err != nil {
		return stats, fmt.Errorf("failed to read snapshot log: %w", err)
	}
	if err := out.Flush(); err != nil {
		return stats, fmt.Errorf("failed to flush labeled rows: %w", err)
	}

	g.logger.WithFields(logrus.Fields{
		"snapshots": stats.Snapshots,
		"rows":      stats.Rows,
		"labeled":   stats.Labeled,
		"skipped":   stats.Skipped,
	}).Info("Labels generated")
	return stats, nil
}

// Generate is a convenience wrapper around NewGenerator(prices, nil).Generate.
func Generate(ctx context.Context, r io.Reader, prices PriceBook, w io.Writer) (Stats, error) {
	return NewGenerator(prices, nil).Generate(ctx, r, w)
}

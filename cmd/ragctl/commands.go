package main

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"

	"github.com/irfndi/coin-rag/internal/api/handlers"
	"github.com/irfndi/coin-rag/internal/app"
	"github.com/irfndi/coin-rag/internal/canon"
	"github.com/irfndi/coin-rag/internal/database"
	"github.com/irfndi/coin-rag/internal/labels"
	"github.com/irfndi/coin-rag/internal/models"
)

func newBuildCmd(c *cli) *cobra.Command {
	return &cobra.Command{
		Use:   "build",
		Short: "Rebuild the index from the current inputs",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			a, err := c.open(ctx)
			if err != nil {
				return err
			}
			defer a.Close()

			res, err := a.Service.Build(ctx)
			if err != nil {
				return fmt.Errorf("index build failed: %w", err)
			}
			if c.jsonOut {
				return writeJSON(cmd.OutOrStdout(), res)
			}
			printBuild(cmd.OutOrStdout(), res, a.Service.Current())
			return nil
		},
	}
}

func newTopCmd(c *cli) *cobra.Command {
	k := handlers.DefaultTopK
	cmd := &cobra.Command{
		Use:   "top",
		Short: "Print the highest-ranked assets",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			if k < 1 {
				return fmt.Errorf("k must be a positive integer, got %d", k)
			}
			ctx := cmd.Context()
			a, err := c.openIndex(ctx)
			if err != nil {
				return err
			}
			defer a.Close()

			ix := a.Service.Current()
			top := ix.Top(k)
			if c.jsonOut {
				return writeJSON(cmd.OutOrStdout(), handlers.TopResponse{
					RunID:     ix.RunID,
					UpdatedAt: models.UnixSeconds(ix.UpdatedAt),
					Count:     len(top),
					Results:   top,
				})
			}
			printTop(cmd.OutOrStdout(), ix, top)
			return nil
		},
	}
	cmd.Flags().IntVarP(&k, "k", "k", handlers.DefaultTopK, "Number of assets to print")
	return cmd
}

func newExplainCmd(c *cli) *cobra.Command {
	return &cobra.Command{
		Use:   "explain <coin>",
		Short: "Explain one asset's score",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			a, err := c.openIndex(ctx)
			if err != nil {
				return err
			}
			defer a.Close()

			exp := a.Service.Explain(args[0])
			if c.jsonOut {
				if err := writeJSON(cmd.OutOrStdout(), exp); err != nil {
					return err
				}
			} else {
				printExplain(cmd.OutOrStdout(), exp)
			}
			if !exp.Found {
				return fmt.Errorf("coin %q not found", args[0])
			}
			return nil
		},
	}
}

// HistoryResponse is the JSON form of ragctl history.
type HistoryResponse struct {
	Coin      string                    `json:"coin"`
	LatestRun string                    `json:"latest_run,omitempty"`
	LatestAt  *time.Time                `json:"latest_at,omitempty"`
	Records   []database.SnapshotRecord `json:"records"`
}

func newHistoryCmd(c *cli) *cobra.Command {
	limit := 50
	cmd := &cobra.Command{
		Use:   "history <coin>",
		Short: "Print an asset's stored snapshots from PostgreSQL, newest first",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if limit < 1 {
				return fmt.Errorf("limit must be a positive integer, got %d", limit)
			}
			ctx := cmd.Context()
			a, err := c.open(ctx, app.WithReadOnly())
			if err != nil {
				return err
			}
			defer a.Close()
			if a.Snapshots == nil {
				return errNoDatabase
			}

			coin, ok := canon.Canonicalize(args[0])
			if !ok {
				coin = strings.ToUpper(strings.TrimSpace(args[0]))
			}
			resp := HistoryResponse{Coin: coin}
			runID, at, found, err := a.Snapshots.LatestRun(ctx)
			if err != nil {
				return err
			}
			if found {
				resp.LatestRun, resp.LatestAt = runID, &at
			}
			if resp.Records, err = a.Snapshots.History(ctx, coin, limit); err != nil {
				return err
			}
			if resp.Records == nil {
				resp.Records = []database.SnapshotRecord{}
			}

			if c.jsonOut {
				return writeJSON(cmd.OutOrStdout(), resp)
			}
			printHistory(cmd.OutOrStdout(), resp)
			return nil
		},
	}
	cmd.Flags().IntVar(&limit, "limit", limit, "Maximum number of snapshots to print")
	return cmd
}

func newPruneCmd(c *cli) *cobra.Command {
	var olderThan time.Duration
	cmd := &cobra.Command{
		Use:   "prune",
		Short: "Delete stored snapshots older than a duration from PostgreSQL",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			if olderThan <= 0 {
				return errors.New("--older-than must be a positive duration")
			}
			ctx := cmd.Context()
			a, err := c.open(ctx, app.WithReadOnly())
			if err != nil {
				return err
			}
			defer a.Close()
			if a.Snapshots == nil {
				return errNoDatabase
			}

			before := time.Now().Add(-olderThan)
			n, err := a.Snapshots.Prune(ctx, before)
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Pruned %s snapshot rows older than %s\n",
				humanize.Comma(n), before.Format(time.RFC3339))
			return nil
		},
	}
	cmd.Flags().DurationVar(&olderThan, "older-than", 0, "Age of the oldest snapshot to keep, e.g. 720h")
	return cmd
}

func newCacheCmd(c *cli) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "cache",
		Short: "Inspect or clear the Redis leaderboard mirror",
	}
	cmd.AddCommand(&cobra.Command{
		Use:   "status",
		Short: "Print which run is mirrored",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			a, err := c.open(ctx, app.WithReadOnly())
			if err != nil {
				return err
			}
			defer a.Close()
			if a.Leaderboard == nil {
				return errNoRedis
			}
			meta, found, err := a.Leaderboard.Meta(ctx)
			if err != nil {
				return err
			}
			if c.jsonOut {
				return writeJSON(cmd.OutOrStdout(), meta)
			}
			if !found {
				fmt.Fprintln(cmd.OutOrStdout(), "Nothing mirrored")
				return nil
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Run %s, %s coins, updated %s\n",
				meta.RunID, humanize.Comma(int64(meta.CoinsIndexed)), humanize.Time(models.FromUnixSeconds(meta.UpdatedAt)))
			return nil
		},
	})
	cmd.AddCommand(&cobra.Command{
		Use:   "clear",
		Short: "Delete every mirrored leaderboard key",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			a, err := c.open(ctx, app.WithReadOnly())
			if err != nil {
				return err
			}
			defer a.Close()
			if a.Leaderboard == nil {
				return errNoRedis
			}
			if err := a.Leaderboard.Clear(ctx); err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), "Leaderboard cache cleared")
			return nil
		},
	})
	return cmd
}

func newLabelsCmd(c *cli) *cobra.Command {
	var snapshots, prices, out string
	cmd := &cobra.Command{
		Use:   "labels",
		Short: "Join the snapshot log with prices into labeled training rows",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			if prices == "" {
				return errors.New("--prices is required")
			}
			if snapshots == "" {
				cfg, err := c.loadConfig()
				if err != nil {
					return fmt.Errorf("failed to load configuration: %w", err)
				}
				snapshots = cfg.RAG.SnapshotPath
			}

			book, err := labels.LoadPrices(prices)
			if err != nil {
				return err
			}
			in, err := os.Open(snapshots)
			if err != nil {
				return fmt.Errorf("failed to open snapshots: %w", err)
			}
			defer in.Close()

			var w io.Writer = cmd.OutOrStdout()
			if out != "" && out != "-" {
				f, err := os.Create(out)
				if err != nil {
					return fmt.Errorf("failed to create output: %w", err)
				}
				defer f.Close()
				w = f
			}

			stats, err := labels.Generate(cmd.Context(), in, book, w)
			if err != nil {
				return err
			}
			if out != "" && out != "-" {
				fmt.Fprintf(cmd.ErrOrStderr(), "%s snapshots, %s rows (%s labeled, %s unlabeled), %s lines skipped\n",
					humanize.Comma(int64(stats.Snapshots)),
					humanize.Comma(int64(stats.Rows)),
					humanize.Comma(int64(stats.Labeled)),
					humanize.Comma(int64(stats.Unlabeled)),
					humanize.Comma(int64(stats.Skipped)))
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&snapshots, "snapshots", "", "Snapshot log (default: configured snapshot path)")
	cmd.Flags().StringVar(&prices, "prices", "", "Price history JSON")
	cmd.Flags().StringVar(&out, "out", "", "Output file (default: stdout)")
	return cmd
}

var (
	errNoDatabase = errors.New("postgres is not configured or unreachable")
	errNoRedis    = errors.New("redis is not configured or unreachable")
)

func writeJSON(w io.Writer, v interface{}) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func printBuild(w io.Writer, res *models.BuildResult, ix *models.Index) {
	fmt.Fprintf(w, "Indexed %s coins in run %s (%s)\n", humanize.Comma(int64(res.CoinsIndexed)), res.RunID, res.Mode)
	if ix != nil {
		fmt.Fprintf(w, "Updated %s\n", humanize.Time(ix.UpdatedAt))
	}
	tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
	fmt.Fprintln(tw, "SOURCE\tSTATUS\tERROR")
	for _, s := range res.Sources {
		fmt.Fprintf(tw, "%s\t%s\t%s\n", s.Source, s.Status, s.Error)
	}
	_ = tw.Flush()
	if res.ArtifactDir != "" {
		fmt.Fprintf(w, "Artifacts: %s\n", res.ArtifactDir)
	}
	for _, warning := range res.Warnings {
		fmt.Fprintf(w, "warning: %s\n", warning)
	}
}

func printTop(w io.Writer, ix *models.Index, top []*models.AssetProfile) {
	fmt.Fprintf(w, "Run %s, updated %s\n", ix.RunID, humanize.Time(ix.UpdatedAt))
	tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
	fmt.Fprintln(tw, "RANK\tCOIN\tSCORE\tCONFIDENCE\tEVIDENCE\tSOURCES")
	for i, p := range top {
		fmt.Fprintf(tw, "%d\t%s\t%+.4f\t%.3f\t%d\t%s\n",
			i+1, p.Asset, p.Score, p.Confidence, p.Evidence, strings.Join(p.UniqueSources(), ","))
	}
	_ = tw.Flush()
}

func printHistory(w io.Writer, resp HistoryResponse) {
	if resp.LatestAt != nil {
		fmt.Fprintf(w, "Latest stored run %s, %s\n", resp.LatestRun, humanize.Time(*resp.LatestAt))
	}
	if len(resp.Records) == 0 {
		fmt.Fprintf(w, "%s: no stored snapshots\n", resp.Coin)
		return
	}
	tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
	fmt.Fprintln(tw, "TIME\tRUN\tRANK\tSCORE\tCONFIDENCE\tEVIDENCE\tMODE")
	for _, r := range resp.Records {
		fmt.Fprintf(tw, "%s\t%s\t%d\t%+.4f\t%.3f\t%d\t%s\n",
			r.TS.Format(time.RFC3339), r.RunID, r.Rank, r.Score, r.Confidence, r.Evidence, r.Mode)
	}
	_ = tw.Flush()
}

func printExplain(w io.Writer, exp models.Explanation) {
	if !exp.Found {
		fmt.Fprintf(w, "%s: not in the current index\n", exp.Coin)
		return
	}
	fmt.Fprintf(w, "%s  score %+.4f  confidence %.3f  evidence %d  (%s)\n",
		exp.Coin, exp.Score, exp.Confidence, exp.Evidence, exp.Mode)
	fmt.Fprintf(w, "why: %s\n", exp.Why)
	fmt.Fprintf(w, "sources: %s\n", strings.Join(exp.Sources, ", "))
}

package main

import (
	"context"
	"fmt"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"

	"github.com/irfndi/coin-rag/internal/app"
	"github.com/irfndi/coin-rag/internal/config"
)

// cli carries state shared by the subcommands.
type cli struct {
	loadConfig func() (*config.Config, error)
	appOptions []app.Option
	jsonOut    bool
}

func newRootCmd(c *cli) *cobra.Command {
	if c == nil {
		c = &cli{loadConfig: config.Load}
	}

	root := &cobra.Command{
		Use:   "ragctl",
		Short: "Build and inspect the crypto RAG index",
		Long: `ragctl runs one index build over the analysis outputs in the data
directory and prints the leaderboard, explains a single asset, or turns
the snapshot log into a labeled training set.

top and explain read the index last mirrored to Redis when one is
configured, and otherwise score the inputs in memory without writing
the snapshot log, artifacts or mirrors. Only build publishes.

Examples:
  ragctl build
  ragctl top -k 5
  ragctl explain bitcoin
  ragctl history BTC --limit 20
  ragctl prune --older-than 720h
  ragctl cache status
  ragctl cache clear
  ragctl labels --prices prices.json --out labeled.jsonl`,
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.PersistentFlags().BoolVar(&c.jsonOut, "json", false, "Print JSON instead of a table")

	root.AddCommand(
		newBuildCmd(c),
		newTopCmd(c),
		newExplainCmd(c),
		newHistoryCmd(c),
		newPruneCmd(c),
		newCacheCmd(c),
		newLabelsCmd(c),
	)
	return root
}

// open loads configuration and wires an App. Callers must Close it.
func (c *cli) open(ctx context.Context, extra ...app.Option) (*app.App, error) {
	_ = godotenv.Load()
	cfg, err := c.loadConfig()
	if err != nil {
		return nil, fmt.Errorf("failed to load configuration: %w", err)
	}
	opts := append(append([]app.Option{}, c.appOptions...), extra...)
	return app.New(ctx, cfg, opts...)
}

// openIndex opens a read-only App whose service holds an index: the one
// mirrored to Redis when available, else one scored in memory from the inputs.
func (c *cli) openIndex(ctx context.Context) (*app.App, error) {
	a, err := c.open(ctx, app.WithReadOnly())
	if err != nil {
		return nil, err
	}
	ok, err := a.LoadMirrored(ctx)
	if err != nil {
		a.Logger.WithComponent("ragctl").Warn("Mirrored index unreadable, scoring inputs", "error", err.Error())
	}
	if ok {
		return a, nil
	}
	if _, err := a.Service.Build(ctx); err != nil {
		a.Close()
		return nil, fmt.Errorf("index build failed: %w", err)
	}
	return a, nil
}

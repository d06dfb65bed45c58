// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// tidemark-inspect prints the contents of a tidemark batch store:
// one line per stored batch and a totals line. It is the companion to
// observe mode, where delivered batches stay in the store for a while
// so they can be looked at.
package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"text/tabwriter"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/spf13/pflag"

	"github.com/bureau-foundation/tidemark/lib/batchstore"
	"github.com/bureau-foundation/tidemark/lib/clock"
	"github.com/bureau-foundation/tidemark/lib/config"
	"github.com/bureau-foundation/tidemark/lib/process"
	"github.com/bureau-foundation/tidemark/lib/version"
)

func main() {
	process.Exit(run(os.Args[1:], os.Stdout))
}

type options struct {
	session    string
	jsonOutput bool
}

func run(args []string, stdout io.Writer) error {
	var (
		configPath  string
		storePath   string
		opts        options
		showVersion bool
	)
	flagSet := pflag.NewFlagSet("tidemark-inspect", pflag.ContinueOnError)
	flagSet.StringVarP(&configPath, "config", "c", "", "agent config file; default $"+config.EnvVar)
	flagSet.StringVar(&storePath, "store", "", "batch store file (overrides store.path)")
	flagSet.StringVarP(&opts.session, "session", "s", "", "only show this session")
	flagSet.BoolVar(&opts.jsonOutput, "json", false, "print JSON instead of a table")
	flagSet.BoolVar(&showVersion, "version", false, "print version information and exit")
	if err := flagSet.Parse(args); err != nil {
		if errors.Is(err, pflag.ErrHelp) {
			return err
		}
		return &process.UsageError{Err: err}
	}
	if showVersion {
		version.Print(stdout, "tidemark-inspect")
		return nil
	}

	if storePath == "" {
		cfg, err := config.Load(configPath)
		if err != nil {
			return err
		}
		storePath = cfg.Store.Path
	}
	if _, err := os.Stat(storePath); err != nil {
		return fmt.Errorf("batch store: %w", err)
	}

	store, err := batchstore.Open(batchstore.Config{Path: storePath, PoolSize: 1, Clock: clock.Real()})
	if err != nil {
		return err
	}
	defer store.Close()

	return inspect(context.Background(), stdout, store, opts, time.Now())
}

// report is the JSON form of the output.
type report struct {
	Batches []batchstore.Summary `json:"batches"`
	Stats   batchstore.Stats     `json:"stats"`
}

func inspect(ctx context.Context, w io.Writer, store *batchstore.Store, opts options, now time.Time) error {
	summaries, err := store.List(ctx, opts.session)
	if err != nil {
		return err
	}
	stats, err := store.Stats(ctx)
	if err != nil {
		return err
	}

	if opts.jsonOutput {
		encoder := json.NewEncoder(w)
		encoder.SetIndent("", "  ")
		return encoder.Encode(report{Batches: summaries, Stats: stats})
	}

	table := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
	fmt.Fprintln(table, "SESSION\tSEQ\tCREATED\tSENT\tEVENTS\tSIZE")
	for _, summary := range summaries {
		sent := "pending"
		if summary.SentAt != nil {
			sent = humanize.RelTime(*summary.SentAt, now, "ago", "from now")
		}
		fmt.Fprintf(table, "%s\t%d\t%s\t%s\t%d\t%s\n",
			summary.SessionID,
			summary.Seq,
			humanize.RelTime(summary.CreatedAt, now, "ago", "from now"),
			sent,
			summary.EventCount,
			humanize.IBytes(uint64(summary.SizeBytes)),
		)
	}
	if err := table.Flush(); err != nil {
		return err
	}

	fmt.Fprintf(w, "\n%s in %s (%s pending, %s sent), %s events, %s\n",
		plural(stats.Batches, "batch", "batches"),
		plural(stats.Sessions, "session", "sessions"),
		humanize.Comma(int64(stats.Pending)),
		humanize.Comma(int64(stats.Sent)),
		humanize.Comma(int64(stats.Events)),
		humanize.IBytes(uint64(stats.Bytes)),
	)
	if !stats.Oldest.IsZero() {
		fmt.Fprintf(w, "oldest batch created %s\n", humanize.RelTime(stats.Oldest, now, "ago", "from now"))
	}
	return nil
}

func plural(n int, singular, pluralForm string) string {
	if n == 1 {
		return "1 " + singular
	}
	return humanize.Comma(int64(n)) + " " + pluralForm
}

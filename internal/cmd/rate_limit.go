package cmd

import (
	"errors"
	"strings"

	"github.com/spf13/cobra"

	"github.com/atelierhq/atelier/internal/core/store"
)

var rateLimitCmd = &cobra.Command{
	Use:   "rate-limit",
	Short: "Inspect and reset per-caller rate windows",
}

// counterFlags select caller keys for counter admin commands.
type counterFlags struct {
	all    bool
	key    string
	prefix string
	yes    bool
	dryRun bool
}

func (f *counterFlags) registerSelection(cmd *cobra.Command, verb string) {
	cmd.Flags().BoolVar(&f.all, "all", false, verb+" every caller")
	cmd.Flags().StringVar(&f.key, "key", "", verb+" a single caller key (exact match)")
	cmd.Flags().StringVar(&f.prefix, "prefix", "", verb+" caller keys with matching prefix")
}

func (f *counterFlags) registerConfirmation(cmd *cobra.Command) {
	cmd.Flags().BoolVar(&f.yes, "yes", false, "Confirm destructive reset")
	cmd.Flags().BoolVar(&f.dryRun, "dry-run", false, "Show what would be deleted")
}

// listQuery selects every caller when no selector is given.
func (f *counterFlags) listQuery() store.CounterQuery {
	q := f.query()
	if q.Key == "" && q.Prefix == "" {
		q.All = true
	}
	return q
}

// resetQuery requires an explicit selector, and --yes or --dry-run with --all.
func (f *counterFlags) resetQuery() (store.CounterQuery, error) {
	q := f.query()
	if err := q.Validate(); err != nil {
		return q, err
	}
	if q.All && !f.yes && !f.dryRun {
		return q, errors.New("--all requires --yes (or use --dry-run)")
	}
	return q, nil
}

func (f *counterFlags) query() store.CounterQuery {
	return store.CounterQuery{
		All:    f.all,
		Key:    strings.TrimSpace(f.key),
		Prefix: strings.TrimSpace(f.prefix),
	}
}

func init() {
	rateLimitCmd.AddCommand(rateLimitListCmd)
	rateLimitCmd.AddCommand(rateLimitResetCmd)
	rootCmd.AddCommand(rateLimitCmd)
}

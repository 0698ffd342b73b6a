package cmd

import (
	"context"
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/spf13/cobra"

	"github.com/masahif/catalogferry/internal/config"
	"github.com/masahif/catalogferry/internal/crawler"
	"github.com/masahif/catalogferry/internal/gate"
	"github.com/masahif/catalogferry/internal/storage"
)

// ErrNothingToReset is returned when reset is called without a selector
var ErrNothingToReset = errors.New("choose at least one of --failed-pages, --all-pages, --failed-items, --stale")

var resetCmd = &cobra.Command{
	Use:   "reset",
	Short: "Return pages or items to pending so the next run picks them up",
	Long: `Completed and failed records are never retried automatically. reset is
the explicit way to make the next discover or process run fetch them again.`,
	Args: cobra.NoArgs,
	RunE: runReset,
}

// resetOptions selects what reset touches
type resetOptions struct {
	FailedPages bool
	AllPages    bool
	FailedItems bool
	Stale       time.Duration
}

func init() {
	resetCmd.Flags().Bool("failed-pages", false, "Reset failed index pages")
	resetCmd.Flags().Bool("all-pages", false, "Reset every index page, completed ones included")
	resetCmd.Flags().Bool("failed-items", false, "Reset items whose processing failed")
	resetCmd.Flags().Duration("stale", 0, "Reset items started longer ago than this without an outcome")
}

func runReset(cmd *cobra.Command, args []string) error {
	var opts resetOptions
	opts.FailedPages, _ = cmd.Flags().GetBool("failed-pages")
	opts.AllPages, _ = cmd.Flags().GetBool("all-pages")
	opts.FailedItems, _ = cmd.Flags().GetBool("failed-items")
	opts.Stale, _ = cmd.Flags().GetDuration("stale")

	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	ctx := cmd.Context()
	if ctx == nil {
		ctx = context.Background()
	}
	return resetStore(ctx, cmd.OutOrStdout(), cfg, opts)
}

func resetStore(ctx context.Context, w io.Writer, cfg *config.Config, opts resetOptions) error {
	if !opts.FailedPages && !opts.AllPages && !opts.FailedItems && opts.Stale <= 0 {
		return ErrNothingToReset
	}

	// Hold the locks of the stages whose records change
	if opts.FailedPages || opts.AllPages {
		unlock, err := lockStage(cfg.LockDir(), gate.StageDiscovery)
		if err != nil {
			return err
		}
		defer unlock()
	}
	if opts.FailedItems || opts.Stale > 0 {
		unlock, err := lockStage(cfg.LockDir(), gate.StageDetail)
		if err != nil {
			return err
		}
		defer unlock()
	}

	store, err := storage.OpenExisting(ctx, cfg.DBPath())
	if err != nil {
		return err
	}
	defer store.Close()

	switch {
	case opts.AllPages:
		n, err := store.ResetPages(ctx, crawler.PageStatusInProgress, crawler.PageStatusCompleted, crawler.PageStatusFailed)
		if err != nil {
			return err
		}
		fmt.Fprintf(w, "Reset %d pages\n", n)
	case opts.FailedPages:
		n, err := store.ResetPages(ctx, crawler.PageStatusFailed)
		if err != nil {
			return err
		}
		fmt.Fprintf(w, "Reset %d failed pages\n", n)
	}

	if opts.FailedItems {
		n, err := store.ResetFailedItems(ctx)
		if err != nil {
			return err
		}
		fmt.Fprintf(w, "Reset %d failed items\n", n)
	}

	if opts.Stale > 0 {
		n, err := store.ResetStaleProcessing(ctx, opts.Stale)
		if err != nil {
			return err
		}
		fmt.Fprintf(w, "Reset %d items stuck in processing for more than %s\n", n, opts.Stale)
	}

	return nil
}

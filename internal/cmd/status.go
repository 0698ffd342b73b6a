package cmd

import (
	"context"
	"fmt"
	"io"
	"os"
	"strconv"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/jedib0t/go-pretty/v6/text"
	"github.com/spf13/cobra"

	"github.com/masahif/catalogferry/internal/config"
	"github.com/masahif/catalogferry/internal/crawler"
	"github.com/masahif/catalogferry/internal/gate"
	"github.com/masahif/catalogferry/internal/storage"
)

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show page and item progress and which stages have completed",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return err
		}
		ctx := cmd.Context()
		if ctx == nil {
			ctx = context.Background()
		}
		if listItems, _ := cmd.Flags().GetBool("items"); listItems {
			return printItems(ctx, cmd.OutOrStdout(), cfg)
		}
		return printStatus(ctx, cmd.OutOrStdout(), cfg, time.Now())
	},
}

func init() {
	statusCmd.Flags().Bool("items", false, "List every work item with its processing and validation state")
}

type columnAlignment int

const (
	alignLeft columnAlignment = iota
	alignRight
)

func renderTable(headers []string, rows [][]string, aligns []columnAlignment) string {
	columns := len(headers)
	if columns == 0 {
		return ""
	}

	tw := table.NewWriter()
	tw.SetStyle(table.StyleRounded)

	header := make(table.Row, columns)
	for i := 0; i < columns; i++ {
		header[i] = headers[i]
	}
	tw.AppendHeader(header)

	for _, row := range rows {
		r := make(table.Row, columns)
		for i := 0; i < columns; i++ {
			if i < len(row) {
				r[i] = row[i]
			} else {
				r[i] = ""
			}
		}
		tw.AppendRow(r)
	}

	columnConfigs := make([]table.ColumnConfig, 0, columns)
	for i := 0; i < columns; i++ {
		align := text.AlignLeft
		if i < len(aligns) && aligns[i] == alignRight {
			align = text.AlignRight
		}
		columnConfigs = append(columnConfigs, table.ColumnConfig{
			Number:      i + 1,
			Align:       align,
			AlignHeader: text.AlignLeft,
		})
	}
	tw.SetColumnConfigs(columnConfigs)

	return tw.Render()
}

func printStatus(ctx context.Context, w io.Writer, cfg *config.Config, now time.Time) error {
	store, err := storage.OpenExisting(ctx, cfg.DBPath())
	if err != nil {
		return err
	}
	defer store.Close()

	stats, err := store.Stats(ctx)
	if err != nil {
		return err
	}
	total, err := store.GetMeta(ctx, "catalog_total")
	if err != nil {
		return err
	}

	fmt.Fprintf(w, "Store: %s\n", cfg.DBPath())
	if total != "" {
		if n, err := strconv.Atoi(total); err == nil {
			fmt.Fprintf(w, "Catalog size: %s items\n", humanize.Comma(int64(n)))
		}
	}
	fmt.Fprintln(w)

	pageRows := [][]string{}
	for _, status := range []crawler.PageStatus{
		crawler.PageStatusPending,
		crawler.PageStatusInProgress,
		crawler.PageStatusCompleted,
		crawler.PageStatusFailed,
	} {
		pageRows = append(pageRows, []string{string(status), humanize.Comma(int64(stats.Pages[status]))})
	}
	pageRows = append(pageRows, []string{"total", humanize.Comma(int64(stats.PagesTotal))})
	fmt.Fprintln(w, renderTable([]string{"Pages", "Count"}, pageRows, []columnAlignment{alignLeft, alignRight}))
	fmt.Fprintln(w)

	itemRows := [][]string{
		{"discovered", humanize.Comma(int64(stats.ItemsTotal))},
		{"not started", humanize.Comma(int64(stats.ItemsPending))},
		{"in flight", humanize.Comma(int64(stats.ItemsInFlight))},
		{"succeeded", humanize.Comma(int64(stats.ItemsSucceeded))},
		{"failed", humanize.Comma(int64(stats.ItemsFailed))},
		{"validated", humanize.Comma(int64(stats.ItemsValidated))},
		{"valid", humanize.Comma(int64(stats.ItemsValid))},
		{"average quality", fmt.Sprintf("%.1f", stats.AvgQuality)},
	}
	fmt.Fprintln(w, renderTable([]string{"Items", "Count"}, itemRows, []columnAlignment{alignLeft, alignRight}))
	fmt.Fprintln(w)

	fmt.Fprintln(w, renderTable(
		[]string{"Stage", "Signal", "Completed", "Succeeded", "Failed"},
		signalRows(cfg, now),
		[]columnAlignment{alignLeft, alignLeft, alignLeft, alignRight, alignRight},
	))
	return nil
}

func signalRows(cfg *config.Config, now time.Time) [][]string {
	rows := [][]string{}
	for _, stage := range []string{gate.StageDiscovery, gate.StageDetail, gate.StageValidation} {
		path := cfg.SignalPath(stage)
		sig, err := gate.Read(path)
		switch {
		case os.IsNotExist(err):
			rows = append(rows, []string{stage, "waiting", "-", "-", "-"})
		case err != nil:
			rows = append(rows, []string{stage, "unreadable", "-", "-", "-"})
		default:
			rows = append(rows, []string{
				stage,
				sig.Status,
				humanize.RelTime(sig.CompletedAt, now, "ago", "from now"),
				humanize.Comma(int64(sig.SuccessCount)),
				humanize.Comma(int64(sig.FailureCount)),
			})
		}
	}
	return rows
}

// printItems lists work items in discovery order
func printItems(ctx context.Context, w io.Writer, cfg *config.Config) error {
	store, err := storage.OpenExisting(ctx, cfg.DBPath())
	if err != nil {
		return err
	}
	defer store.Close()

	items, err := store.ListWorkItems(ctx)
	if err != nil {
		return err
	}

	rows := make([][]string, 0, len(items))
	for _, item := range items {
		quality := "-"
		if item.Validation.Quality != nil {
			quality = fmt.Sprintf("%.1f", *item.Validation.Quality)
		}
		rows = append(rows, []string{
			item.ID,
			item.Name,
			strconv.Itoa(item.DiscoveryPage),
			processingState(item.Processing),
			validationState(item.Validation),
			quality,
		})
	}

	fmt.Fprintln(w, renderTable(
		[]string{"ID", "Name", "Page", "Processing", "Validation", "Quality"},
		rows,
		[]columnAlignment{alignLeft, alignLeft, alignRight, alignLeft, alignLeft, alignRight},
	))
	fmt.Fprintf(w, "%s items\n", humanize.Comma(int64(len(items))))
	return nil
}

func processingState(p crawler.ProcessingState) string {
	switch {
	case p.StartedAt == nil:
		return "not started"
	case p.CompletedAt == nil:
		return "in flight"
	case p.Success != nil && *p.Success:
		return "succeeded"
	default:
		return "failed"
	}
}

func validationState(v crawler.ValidationState) string {
	switch {
	case v.Valid == nil:
		return "-"
	case *v.Valid:
		return "valid"
	default:
		return "invalid"
	}
}

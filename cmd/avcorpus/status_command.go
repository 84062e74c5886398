package main

import (
	"fmt"
	"strconv"
	"time"

	"github.com/spf13/cobra"
	"github.com/timmy/avcorpus/internal/domain"
	"github.com/timmy/avcorpus/internal/repository"
)

func newStatusCommand(ctx *commandContext) *cobra.Command {
	var runLimit int

	cmd := &cobra.Command{
		Use:   "status",
		Short: "Show item counts per status and recent runs",
		RunE: func(cmd *cobra.Command, args []string) error {
			db, closeDB, err := ctx.openDB()
			if err != nil {
				return err
			}
			defer closeDB()

			items := repository.NewItemStateRepository(db)
			counts, err := items.CountByStatus(cmd.Context())
			if err != nil {
				return err
			}
			runs, err := repository.NewRunRepository(db).List(cmd.Context(), runLimit)
			if err != nil {
				return err
			}

			out := cmd.OutOrStdout()
			fmt.Fprintln(out, renderCounts(counts))
			if len(runs) > 0 {
				fmt.Fprintln(out, renderRuns(runs))
			}
			return nil
		},
	}
	cmd.Flags().IntVar(&runLimit, "runs", 5, "Number of recent runs to list")
	return cmd
}

func renderCounts(counts domain.StatusCounts) string {
	total := counts.Total()
	rows := make([][]string, 0, len(domain.AllStatuses)+1)
	for _, status := range domain.AllStatuses {
		n := counts[status]
		rows = append(rows, []string{string(status), strconv.FormatInt(n, 10), percent(n, total)})
	}
	rows = append(rows, []string{"total", strconv.FormatInt(total, 10), ""})
	return renderTable([]string{"Status", "Items", "Share"}, rows, []columnAlignment{alignLeft, alignRight, alignRight})
}

func renderRuns(runs []domain.Run) string {
	rows := make([][]string, 0, len(runs))
	for _, r := range runs {
		finished := "-"
		if r.FinishedAt != nil {
			finished = r.FinishedAt.Sub(r.StartedAt).Round(time.Second).String()
		}
		rows = append(rows, []string{
			shortID(r.ID),
			r.Host,
			string(r.Status),
			r.StartedAt.Local().Format("2006-01-02 15:04"),
			finished,
			strconv.FormatInt(r.Committed, 10),
			strconv.FormatInt(r.Dead, 10),
		})
	}
	return renderTable(
		[]string{"Run", "Host", "Status", "Started", "Took", "Committed", "Dead"},
		rows,
		[]columnAlignment{alignLeft, alignLeft, alignLeft, alignLeft, alignRight, alignRight, alignRight},
	)
}

func percent(n, total int64) string {
	if total == 0 {
		return "-"
	}
	return fmt.Sprintf("%.1f%%", float64(n)*100/float64(total))
}

func shortID(id string) string {
	if len(id) > 8 {
		return id[:8]
	}
	return id
}

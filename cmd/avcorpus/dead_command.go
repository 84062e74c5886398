package main

import (
	"fmt"
	"strconv"

	"github.com/spf13/cobra"
	"github.com/timmy/avcorpus/internal/domain"
	"github.com/timmy/avcorpus/internal/repository"
	"github.com/timmy/avcorpus/internal/service"
)

func newDeadCommand(ctx *commandContext) *cobra.Command {
	var limit int
	var class string

	cmd := &cobra.Command{
		Use:   "dead",
		Short: "List items that will not be retried, with their last error",
		RunE: func(cmd *cobra.Command, args []string) error {
			db, closeDB, err := ctx.openDB()
			if err != nil {
				return err
			}
			defer closeDB()

			var dead []service.DeadItem
			var total int64
			err = repository.NewItemStateRepository(db).Scan(cmd.Context(), domain.ItemStatusDead, func(batch []domain.ItemState) error {
				for _, st := range batch {
					if class != "" && string(st.LastErrorClass) != class {
						continue
					}
					total++
					if limit > 0 && len(dead) >= limit {
						continue
					}
					dead = append(dead, service.DeadItem{
						ID:          st.ID,
						Class:       st.LastErrorClass,
						Attempts:    st.Attempts,
						LastError:   st.LastError,
						LastAttempt: st.LastAttemptedAt,
					})
				}
				return nil
			})
			if err != nil {
				return err
			}
			if total == 0 {
				fmt.Fprintln(cmd.OutOrStdout(), "No dead items.")
				return nil
			}
			fmt.Fprintln(cmd.OutOrStdout(), renderDeadItems(dead, total))
			return nil
		},
	}
	cmd.Flags().IntVarP(&limit, "limit", "n", 100, "Maximum rows to print (0 prints all)")
	cmd.Flags().StringVar(&class, "class", "", "Only list items dead with this error class")
	return cmd
}

func renderDeadItems(items []service.DeadItem, total int64) string {
	rows := make([][]string, 0, len(items))
	for _, d := range items {
		last := "-"
		if d.LastAttempt != nil {
			last = d.LastAttempt.Local().Format("2006-01-02 15:04")
		}
		rows = append(rows, []string{d.ID, string(d.Class), strconv.Itoa(d.Attempts), last, clip(d.LastError, 80)})
	}
	out := renderTable(
		[]string{"Item", "Class", "Attempts", "Last attempt", "Last error"},
		rows,
		[]columnAlignment{alignLeft, alignLeft, alignRight, alignLeft, alignLeft},
	)
	if shown := int64(len(items)); shown < total {
		out += fmt.Sprintf("\n%d of %d dead items shown", shown, total)
	}
	return out
}

func clip(s string, n int) string {
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return string(r[:n-1]) + "…"
}

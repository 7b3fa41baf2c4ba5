package app

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/google/uuid"
)

// Show prints recent runs, or the tick summaries of one run.
func (a *App) Show(ctx context.Context, opts ShowOptions, out io.Writer) error {
	store, closeStore, err := a.openStore(ctx)
	if err != nil {
		return err
	}
	if store == nil {
		return errors.New("database not configured; cannot show runs")
	}
	if closeStore != nil {
		defer closeStore()
	}

	writer := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)

	if opts.RunID == uuid.Nil {
		runs, err := store.ListRuns(ctx, opts.Limit)
		if err != nil {
			return err
		}
		if len(runs) == 0 {
			fmt.Fprintln(out, "no runs found")
			return nil
		}
		fmt.Fprintln(writer, "Run\tName\tStatus\tLast tick\tCreated (UTC)\tError")
		for _, run := range runs {
			errMsg := ""
			if run.Error != nil {
				errMsg = sanitizeInline(*run.Error)
			}
			fmt.Fprintf(writer, "%s\t%s\t%s\t%d\t%s\t%s\n",
				run.ID,
				run.Name,
				run.Status,
				run.LastTick,
				run.CreatedAt.UTC().Format(time.RFC3339),
				errMsg,
			)
		}
		return writer.Flush()
	}

	summaries, err := store.ListSummaries(ctx, opts.RunID, opts.Limit)
	if err != nil {
		return err
	}
	if len(summaries) == 0 {
		fmt.Fprintln(out, "no ticks found")
		return nil
	}

	fmt.Fprintln(writer, "Tick\tEvents\tSettled\tValue\tCentral\tInternal\tCosts\tEOD")
	for _, s := range summaries {
		eod := ""
		if s.EndOfDay {
			eod = "yes"
		}
		fmt.Fprintf(writer, "%d\t%d\t%d\t%s\t%d\t%d\t%s\t%s\n",
			s.Tick,
			s.EventCount,
			s.Settled,
			s.SettledValue.StringFixed(2),
			s.CentralQueued,
			s.InternalQueued,
			s.Costs.StringFixed(2),
			eod,
		)
	}
	return writer.Flush()
}

func sanitizeInline(v string) string {
	cleaned := strings.ReplaceAll(v, "\n", " ")
	cleaned = strings.ReplaceAll(cleaned, "\r", " ")
	return cleaned
}

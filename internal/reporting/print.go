package reporting

import (
	"fmt"
	"io"
	"strings"
	"text/tabwriter"
	"time"

	"universe-state/internal/builder"
	"universe-state/internal/verification"
)

func newTable(w io.Writer) *tabwriter.Writer {
	return tabwriter.NewWriter(w, 0, 0, 2, ' ', tabwriter.AlignRight)
}

func inspectPrint(w io.Writer, t *InspectTable) error {
	fmt.Fprintf(w, "universe %d  instrument %d  duration %s  (%d/%d periods found)\n",
		t.UniverseID, t.InstrumentID, t.Duration, t.Found(), len(t.Rows))

	tw := newTable(w)
	fmt.Fprint(tw, "period_end\tstatus\t")
	for _, f := range t.Fields {
		fmt.Fprint(tw, f+"\t")
	}
	fmt.Fprintln(tw)
	for _, r := range t.Rows {
		fmt.Fprintf(tw, "%s\t%s\t", r.PeriodEnd.UTC().Format("2006-01-02 15:04"), statusOf(r))
		for _, f := range t.Fields {
			cell := "-"
			if r.Found {
				if v, ok := r.Values[f]; ok {
					cell = formatValue(v, 4)
				}
			}
			fmt.Fprint(tw, cell+"\t")
		}
		fmt.Fprintln(tw)
	}
	return tw.Flush()
}

func buildPrint(w io.Writer, r *builder.BuildReport) error {
	fmt.Fprintf(w, "build %s  universe %d  %s..%s  [%s]  status=%s\n",
		r.RunID, r.UniverseID, r.Start.Format(time.DateOnly), r.End.Format(time.DateOnly),
		strings.Join(r.Durations, ","), r.Status())
	fmt.Fprintf(w, "written=%d deleted=%d skipped_not_member=%d gaps=%d failures=%d elapsed=%s\n",
		r.StatesWritten, r.StatesDeleted, r.SkippedNotMember, len(r.Gaps), len(r.Failures), r.Elapsed().Round(time.Millisecond))
	if r.Fatal != "" {
		fmt.Fprintf(w, "fatal: %s\n", r.Fatal)
	}
	for _, f := range r.Failures {
		fmt.Fprintf(w, "  FAILED instrument=%d duration=%s kind=%s at=%s truncated=%d: %s\n",
			f.InstrumentID, f.Duration, f.Kind, formatTime(f.PeriodEnd), f.Truncated, f.Error)
	}
	return nil
}

func verificationPrint(w io.Writer, r *verification.VerificationReport) error {
	fmt.Fprintf(w, "verify universe %d  %s..%s  lineages=%d matched=%d divergent_periods=%d\n",
		r.UniverseID, r.Start.Format(time.DateOnly), r.End.Format(time.DateOnly),
		r.TotalLineages, r.MatchedLineages, r.DivergentPeriods)

	tw := newTable(w)
	fmt.Fprintln(tw, "instrument\tduration\tchecked\tmatched\tresult\t")
	for _, res := range r.Results {
		result := "ok"
		switch {
		case res.Error != "":
			result = "error: " + res.Error
		case !res.Match():
			result = fmt.Sprintf("%d divergent", len(res.Divergences))
		}
		fmt.Fprintf(tw, "%d\t%s\t%d\t%d\t%s\t\n", res.Series.InstrumentID, res.Series.Duration, res.Checked, res.Matched, result)
	}
	if err := tw.Flush(); err != nil {
		return err
	}
	for _, res := range r.Results {
		for _, d := range res.Divergences {
			fmt.Fprintf(w, "  %d %s %s %s: %s\n", res.Series.InstrumentID, res.Series.Duration,
				formatTime(d.PeriodEnd), d.Kind, divergenceDetail(d))
		}
	}
	return nil
}

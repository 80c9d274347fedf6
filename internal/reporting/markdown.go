package reporting

import (
	"fmt"
	"strings"
	"time"

	"universe-state/internal/builder"
	"universe-state/internal/verification"
)

func inspectMarkdown(t *InspectTable) string {
	var sb strings.Builder

	sb.WriteString(fmt.Sprintf("# Instrument %d, %s\n\n", t.InstrumentID, t.Duration))
	if !t.GeneratedAt.IsZero() {
		sb.WriteString(fmt.Sprintf("Generated: %s\n\n", t.GeneratedAt.Format(time.RFC3339)))
	}
	sb.WriteString(fmt.Sprintf("Universe: %d | Periods: %d | Found: %d\n\n", t.UniverseID, len(t.Rows), t.Found()))

	if len(t.Rows) == 0 {
		sb.WriteString("No periods in range.\n")
		return sb.String()
	}

	sb.WriteString("| Period End | Status |")
	for _, f := range t.Fields {
		sb.WriteString(" " + f + " |")
	}
	sb.WriteString("\n|------------|--------|")
	for range t.Fields {
		sb.WriteString("---|")
	}
	sb.WriteString("\n")

	for _, r := range t.Rows {
		sb.WriteString(fmt.Sprintf("| %s | %s |", formatTime(r.PeriodEnd), statusOf(r)))
		for _, f := range t.Fields {
			cell := "-"
			if r.Found {
				if v, ok := r.Values[f]; ok {
					cell = formatValue(v, 4)
				}
			}
			sb.WriteString(" " + cell + " |")
		}
		sb.WriteString("\n")
	}
	return sb.String()
}

func buildMarkdown(r *builder.BuildReport) string {
	var sb strings.Builder

	sb.WriteString("# Build Report\n\n")
	sb.WriteString("| Metric | Value |\n")
	sb.WriteString("|--------|-------|\n")
	sb.WriteString(fmt.Sprintf("| Run | %s |\n", r.RunID))
	sb.WriteString(fmt.Sprintf("| Universe | %d |\n", r.UniverseID))
	sb.WriteString(fmt.Sprintf("| Range | %s .. %s |\n", r.Start.Format(time.DateOnly), r.End.Format(time.DateOnly)))
	sb.WriteString(fmt.Sprintf("| Durations | %s |\n", strings.Join(r.Durations, ", ")))
	sb.WriteString(fmt.Sprintf("| Status | %s |\n", r.Status()))
	sb.WriteString(fmt.Sprintf("| States Written | %d |\n", r.StatesWritten))
	sb.WriteString(fmt.Sprintf("| States Deleted | %d |\n", r.StatesDeleted))
	sb.WriteString(fmt.Sprintf("| Skipped (not member) | %d |\n", r.SkippedNotMember))
	sb.WriteString(fmt.Sprintf("| Gaps | %d |\n", len(r.Gaps)))
	sb.WriteString(fmt.Sprintf("| Elapsed | %s |\n", r.Elapsed().Round(time.Millisecond)))
	sb.WriteString("\n")

	if r.Fatal != "" {
		sb.WriteString("## Fatal\n\n")
		sb.WriteString(r.Fatal + "\n\n")
	}

	if len(r.Failures) > 0 {
		sb.WriteString("## Failures\n\n")
		sb.WriteString("| Instrument | Duration | Kind | Stopped At | Last Built | Error |\n")
		sb.WriteString("|------------|----------|------|------------|------------|-------|\n")
		for _, f := range r.Failures {
			last := "-"
			if f.LastBuilt != nil {
				last = formatTime(*f.LastBuilt)
			}
			sb.WriteString(fmt.Sprintf("| %d | %s | %s | %s | %s | %s |\n",
				f.InstrumentID, f.Duration, f.Kind, formatTime(f.PeriodEnd), last, escapePipes(f.Error)))
		}
		sb.WriteString("\n")
	}

	if len(r.Gaps) > 0 {
		sb.WriteString("## Gaps\n\n")
		sb.WriteString("| Instrument | Duration | Period End | Open | Reason |\n")
		sb.WriteString("|------------|----------|------------|------|--------|\n")
		for _, g := range r.Gaps {
			sb.WriteString(fmt.Sprintf("| %d | %s | %s | %t | %s |\n",
				g.InstrumentID, g.Duration, formatTime(g.PeriodEnd), g.Open, escapePipes(g.Reason)))
		}
		sb.WriteString("\n")
	}
	return sb.String()
}

func verificationMarkdown(r *verification.VerificationReport) string {
	var sb strings.Builder

	sb.WriteString("# Determinism Verification\n\n")
	sb.WriteString(fmt.Sprintf("Universe: %d | Range: %s .. %s\n\n",
		r.UniverseID, r.Start.Format(time.DateOnly), r.End.Format(time.DateOnly)))
	sb.WriteString(fmt.Sprintf("Lineages: %d | Matched: %d | Divergent periods: %d\n\n",
		r.TotalLineages, r.MatchedLineages, r.DivergentPeriods))

	if r.OK() {
		sb.WriteString("**All lineages match.**\n")
		return sb.String()
	}

	sb.WriteString("| Instrument | Duration | Period End | Kind | Detail |\n")
	sb.WriteString("|------------|----------|------------|------|--------|\n")
	for _, res := range r.Results {
		if res.Error != "" {
			sb.WriteString(fmt.Sprintf("| %d | %s | - | error | %s |\n", res.Series.InstrumentID, res.Series.Duration, escapePipes(res.Error)))
		}
		for _, d := range res.Divergences {
			sb.WriteString(fmt.Sprintf("| %d | %s | %s | %s | %s |\n",
				res.Series.InstrumentID, res.Series.Duration, formatTime(d.PeriodEnd), d.Kind, escapePipes(divergenceDetail(d))))
		}
	}
	return sb.String()
}

func divergenceDetail(d verification.PeriodDivergence) string {
	if len(d.Fields) == 0 {
		return d.Reason
	}
	parts := make([]string, len(d.Fields))
	for i, f := range d.Fields {
		parts[i] = fmt.Sprintf("%s: %s != %s", f.Field, formatAny(f.Expected), formatAny(f.Actual))
	}
	return strings.Join(parts, "; ")
}

func escapePipes(s string) string {
	return strings.ReplaceAll(s, "|", `\|`)
}

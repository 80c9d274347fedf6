package reporting

import (
	"encoding/csv"
	"io"
	"strconv"

	"universe-state/internal/builder"
	"universe-state/internal/verification"
)

// inspectCSV writes one row per period. Undefined and missing values are
// empty cells; full float precision is kept.
func inspectCSV(w io.Writer, t *InspectTable) error {
	cw := csv.NewWriter(w)
	header := append([]string{"period_end", "status"}, t.Fields...)
	if err := cw.Write(header); err != nil {
		return err
	}
	for _, r := range t.Rows {
		rec := make([]string, 0, len(header))
		rec = append(rec, formatTime(r.PeriodEnd), statusOf(r))
		for _, f := range t.Fields {
			cell := ""
			if r.Found {
				if v, ok := r.Values[f]; ok && v.Defined {
					cell = strconv.FormatFloat(v.V, 'f', -1, 64)
				}
			}
			rec = append(rec, cell)
		}
		if err := cw.Write(rec); err != nil {
			return err
		}
	}
	cw.Flush()
	return cw.Error()
}

// buildCSV writes one row per unit.
func buildCSV(w io.Writer, r *builder.BuildReport) error {
	cw := csv.NewWriter(w)
	_ = cw.Write([]string{"run_id", "instrument_id", "duration", "periods", "states_written", "gaps", "skipped_not_member", "failed"})
	for _, u := range r.Units {
		_ = cw.Write([]string{
			r.RunID,
			strconv.FormatInt(int64(u.InstrumentID), 10),
			u.Duration,
			strconv.Itoa(u.Periods),
			strconv.Itoa(u.StatesWritten),
			strconv.Itoa(u.Gaps),
			strconv.Itoa(u.SkippedNotMember),
			strconv.FormatBool(u.Failed),
		})
	}
	cw.Flush()
	return cw.Error()
}

// verificationCSV writes one row per divergent field, or per divergent
// period when no field detail exists.
func verificationCSV(w io.Writer, r *verification.VerificationReport) error {
	cw := csv.NewWriter(w)
	_ = cw.Write([]string{"instrument_id", "duration", "period_end", "kind", "field", "stored", "replayed", "reason"})
	for _, res := range r.Results {
		inst := strconv.FormatInt(int64(res.Series.InstrumentID), 10)
		if res.Error != "" {
			_ = cw.Write([]string{inst, res.Series.Duration, "", "error", "", "", "", res.Error})
		}
		for _, d := range res.Divergences {
			if len(d.Fields) == 0 {
				_ = cw.Write([]string{inst, res.Series.Duration, formatTime(d.PeriodEnd), string(d.Kind), "", "", "", d.Reason})
				continue
			}
			for _, f := range d.Fields {
				_ = cw.Write([]string{inst, res.Series.Duration, formatTime(d.PeriodEnd), string(d.Kind), f.Field, formatAny(f.Expected), formatAny(f.Actual), d.Reason})
			}
		}
	}
	cw.Flush()
	return cw.Error()
}

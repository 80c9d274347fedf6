package reporting

import (
	"fmt"
	"io"
	"math"
	"strconv"
	"time"

	"universe-state/internal/builder"
	"universe-state/internal/domain"
	"universe-state/internal/verification"
)

// Mode selects an output format.
type Mode string

const (
	ModePrint    Mode = "print"
	ModeCSV      Mode = "csv"
	ModeMarkdown Mode = "markdown"
)

// ParseMode validates a mode name; empty selects print.
func ParseMode(s string) (Mode, error) {
	switch m := Mode(s); m {
	case "":
		return ModePrint, nil
	case ModePrint, ModeCSV, ModeMarkdown:
		return m, nil
	}
	return "", fmt.Errorf("unknown output mode %q (want print, csv or markdown)", s)
}

// InspectTable is an InspectRange answer with the request that produced it.
type InspectTable struct {
	GeneratedAt  time.Time
	UniverseID   domain.UniverseID
	InstrumentID domain.InstrumentID
	Duration     string
	Fields       []string
	Rows         []builder.InspectRow
}

// Found counts rows that have a State.
func (t *InspectTable) Found() int {
	n := 0
	for _, r := range t.Rows {
		if r.Found {
			n++
		}
	}
	return n
}

// RenderInspect writes an InspectTable in the given mode.
func RenderInspect(w io.Writer, mode Mode, t *InspectTable) error {
	switch mode {
	case ModeCSV:
		return inspectCSV(w, t)
	case ModeMarkdown:
		_, err := io.WriteString(w, inspectMarkdown(t))
		return err
	default:
		return inspectPrint(w, t)
	}
}

// RenderBuild writes a BuildReport in the given mode.
func RenderBuild(w io.Writer, mode Mode, r *builder.BuildReport) error {
	switch mode {
	case ModeCSV:
		return buildCSV(w, r)
	case ModeMarkdown:
		_, err := io.WriteString(w, buildMarkdown(r))
		return err
	default:
		return buildPrint(w, r)
	}
}

// RenderVerification writes a VerificationReport in the given mode.
func RenderVerification(w io.Writer, mode Mode, r *verification.VerificationReport) error {
	switch mode {
	case ModeCSV:
		return verificationCSV(w, r)
	case ModeMarkdown:
		_, err := io.WriteString(w, verificationMarkdown(r))
		return err
	default:
		return verificationPrint(w, r)
	}
}

// undefinedText marks an Undefined value in human-readable output.
const undefinedText = "undef"

func formatValue(v domain.Value, precision int) string {
	if !v.Defined {
		return undefinedText
	}
	if math.IsInf(v.V, 0) || math.IsNaN(v.V) {
		return strconv.FormatFloat(v.V, 'g', -1, 64)
	}
	return strconv.FormatFloat(v.V, 'f', precision, 64)
}

func formatAny(v any) string {
	switch x := v.(type) {
	case nil:
		return ""
	case domain.Value:
		return formatValue(x, -1)
	case float64:
		return strconv.FormatFloat(x, 'f', -1, 64)
	case time.Time:
		return x.UTC().Format(time.RFC3339)
	default:
		return fmt.Sprint(x)
	}
}

func formatTime(t time.Time) string {
	if t.IsZero() {
		return ""
	}
	return t.UTC().Format(time.RFC3339)
}

func statusOf(r builder.InspectRow) string {
	if !r.Found {
		return "not_found"
	}
	return string(r.Status)
}

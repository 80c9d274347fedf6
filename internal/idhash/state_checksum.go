// Package idhash computes deterministic content hashes of persisted States.
package idhash

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"sort"
	"strconv"
	"strings"

	"universe-state/internal/domain"
)

// StateChecksum computes a deterministic checksum of a State using SHA256.
// Formula: SHA256(universe|instrument|duration|period_start|period_end|open|high|low|close|volume|status|name=value;...)
// Indicators are hashed in name order and Undefined values hash as "-".
// Returns hex-encoded hash (64 characters).
func StateChecksum(st *domain.State) string {
	hash := sha256.Sum256([]byte(canonical(st)))
	return hex.EncodeToString(hash[:])
}

// LineageDigest hashes the checksums of states in the order given.
// Two lineages built from the same inputs have the same digest.
func LineageDigest(states []*domain.State) string {
	h := sha256.New()
	for _, st := range states {
		h.Write([]byte(StateChecksum(st)))
		h.Write([]byte{'\n'})
	}
	return hex.EncodeToString(h.Sum(nil))
}

func canonical(st *domain.State) string {
	var b strings.Builder
	fmt.Fprintf(&b, "%d|%d|%s|%d|%d|%s|%s|%s|%s|%s|%s|",
		st.UniverseID,
		st.InstrumentID,
		st.Duration,
		st.PeriodStart.UnixNano(),
		st.PeriodEnd.UnixNano(),
		formatFloat(st.Open),
		formatFloat(st.High),
		formatFloat(st.Low),
		formatFloat(st.Close),
		formatFloat(st.Volume),
		st.Status,
	)

	names := make([]string, 0, len(st.Indicators))
	for name := range st.Indicators {
		names = append(names, name)
	}
	sort.Strings(names)
	for _, name := range names {
		b.WriteString(name)
		b.WriteByte('=')
		if v := st.Indicators[name]; v.Defined {
			b.WriteString(formatFloat(v.V))
		} else {
			b.WriteByte('-')
		}
		b.WriteByte(';')
	}
	return b.String()
}

func formatFloat(f float64) string {
	return strconv.FormatFloat(f, 'g', -1, 64)
}

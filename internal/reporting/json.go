package reporting

import (
	"encoding/json"
	"io"

	"github.com/xkilldash9x/emulate-cli/api/schemas"
	"github.com/xkilldash9x/emulate-cli/internal/results"
)

// JSONReporter writes one indented JSON document per call.
type JSONReporter struct {
	w   io.WriteCloser
	enc *json.Encoder
}

// NewJSONReporter takes ownership of w.
func NewJSONReporter(w io.WriteCloser) *JSONReporter {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return &JSONReporter{w: w, enc: enc}
}

// WriteSession encodes the cumulative report as is.
func (r *JSONReporter) WriteSession(report *schemas.CumulativeReport) error {
	return r.enc.Encode(report)
}

type comparisonDoc struct {
	Before      string                 `json:"before"`
	After       string                 `json:"after"`
	BeforeStats schemas.ExecutionStats `json:"before_stats"`
	AfterStats  schemas.ExecutionStats `json:"after_stats"`
	Improvement float64                `json:"improvement"`
	Fixed       []string               `json:"fixed"`
	Regressed   []string               `json:"regressed"`
}

// WriteComparison encodes the comparison with its stage labels.
func (r *JSONReporter) WriteComparison(before, after string, cmp *results.Comparison) error {
	return r.enc.Encode(comparisonDoc{
		Before:      before,
		After:       after,
		BeforeStats: cmp.Before,
		AfterStats:  cmp.After,
		Improvement: cmp.Improvement,
		Fixed:       nonNil(cmp.Fixed),
		Regressed:   nonNil(cmp.Regressed),
	})
}

// Close releases the underlying writer.
func (r *JSONReporter) Close() error {
	return r.w.Close()
}

func nonNil(s []string) []string {
	if s == nil {
		return []string{}
	}
	return s
}

package reporting

import (
	"fmt"
	"io"
	"strings"
	"text/tabwriter"

	"github.com/xkilldash9x/emulate-cli/api/schemas"
	"github.com/xkilldash9x/emulate-cli/internal/results"
)

const rule = "----------------------------------------------------------------------"

// TextReporter renders aligned tables for an operator's terminal.
type TextReporter struct {
	w io.WriteCloser
}

// NewTextReporter takes ownership of w.
func NewTextReporter(w io.WriteCloser) *TextReporter {
	return &TextReporter{w: w}
}

// WriteSession prints the corrections of every round followed by the
// success-rate table of all executions.
func (r *TextReporter) WriteSession(report *schemas.CumulativeReport) error {
	var b strings.Builder

	for _, round := range report.RetryAttempts {
		fmt.Fprintf(&b, "Round %d: %d/%d corrected\n", round.RoundNumber, round.Summary.Corrected, round.Summary.TotalFailed)
		if len(round.Corrections) == 0 {
			continue
		}
		tw := tabwriter.NewWriter(&b, 0, 0, 2, ' ', 0)
		fmt.Fprintln(tw, "  ABILITY\tCATEGORY\tRESULT\tDETAIL")
		for _, c := range round.Corrections {
			result, detail := "skipped", c.Reason
			if c.Success {
				result, detail = "fixed", c.FixedCommand
			}
			fmt.Fprintf(tw, "  %s\t%s\t%s\t%s\n", orID(c.AbilityName, c.AbilityID), c.FailureType, result, oneLine(detail, 60))
		}
		if err := tw.Flush(); err != nil {
			return err
		}
	}
	if len(report.RetryAttempts) > 0 {
		b.WriteString("\n")
	}

	b.WriteString("Self-correction result\n")
	b.WriteString(rule + "\n")
	tw := tabwriter.NewWriter(&b, 0, 0, 2, ' ', 0)
	fmt.Fprintln(tw, "STAGE\tTOTAL\tSUCCESS\tFAILED\tSUCCESS RATE")

	initial := report.InitialExecution
	executed := executedRounds(report)
	label := "Initial"
	if len(executed) == 0 {
		label = "Initial (final)"
	}
	writeStatsRow(tw, label, initial)
	for _, round := range executed {
		writeStatsRow(tw, fmt.Sprintf("Retry %d", round.RoundNumber), *round.ExecutionResult)
	}
	if err := tw.Flush(); err != nil {
		return err
	}
	b.WriteString(rule + "\n")

	final := report.LatestStats()
	if len(executed) > 0 {
		delta := final.SuccessRate - initial.SuccessRate
		switch {
		case delta > 0:
			fmt.Fprintf(&b, "Improvement: +%.1f%% (%d -> %d successful)\n", delta, initial.Success, final.Success)
		case delta < 0:
			fmt.Fprintf(&b, "Change: %.1f%%\n", delta)
		default:
			b.WriteString("Change: none\n")
		}
		fmt.Fprintf(&b, "Final success rate: %.1f%% (%d/%d successful)\n", final.SuccessRate, final.Success, final.TotalAbilities)
		fmt.Fprintf(&b, "Retries: %d\n", len(executed))
	} else {
		fmt.Fprintf(&b, "Final success rate: %.1f%% (%d/%d successful)\n", final.SuccessRate, final.Success, final.TotalAbilities)
		b.WriteString("Retries: none\n")
	}
	fmt.Fprintf(&b, "Termination: %s\n", orID(string(report.TerminationReason), "in progress"))

	_, err := io.WriteString(r.w, b.String())
	return err
}

// WriteComparison prints two executions side by side.
func (r *TextReporter) WriteComparison(before, after string, cmp *results.Comparison) error {
	var b strings.Builder
	tw := tabwriter.NewWriter(&b, 0, 0, 2, ' ', 0)
	fmt.Fprintln(tw, "STAGE\tTOTAL\tSUCCESS\tFAILED\tSUCCESS RATE")
	writeStatsRow(tw, before, cmp.Before)
	writeStatsRow(tw, after, cmp.After)
	if err := tw.Flush(); err != nil {
		return err
	}
	b.WriteString(rule + "\n")
	fmt.Fprintf(&b, "Improvement: %+.1f%%\n", cmp.Improvement)
	if len(cmp.Fixed) > 0 {
		fmt.Fprintf(&b, "Fixed: %s\n", strings.Join(cmp.Fixed, ", "))
	}
	if len(cmp.Regressed) > 0 {
		fmt.Fprintf(&b, "Regressed: %s\n", strings.Join(cmp.Regressed, ", "))
	}
	_, err := io.WriteString(r.w, b.String())
	return err
}

// Close releases the underlying writer.
func (r *TextReporter) Close() error {
	return r.w.Close()
}

func writeStatsRow(w io.Writer, label string, s schemas.ExecutionStats) {
	fmt.Fprintf(w, "%s\t%d\t%d\t%d\t%.1f%%\n", label, s.TotalAbilities, s.Success, s.Failed, s.SuccessRate)
}

// executedRounds returns the rounds that re-ran the adversary.
func executedRounds(report *schemas.CumulativeReport) []schemas.RoundReport {
	var out []schemas.RoundReport
	for _, round := range report.RetryAttempts {
		if round.ExecutionResult != nil {
			out = append(out, round)
		}
	}
	return out
}

func orID(name, id string) string {
	if strings.TrimSpace(name) != "" {
		return name
	}
	return id
}

// oneLine flattens s and shortens it to at most n runes.
func oneLine(s string, n int) string {
	s = strings.Join(strings.Fields(s), " ")
	runes := []rune(s)
	if len(runes) <= n {
		return s
	}
	return string(runes[:n-3]) + "..."
}

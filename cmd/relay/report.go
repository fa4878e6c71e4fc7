package main

import (
	"fmt"
	"io"
	"text/tabwriter"
	"time"

	"github.com/blockedby/tg-relay/internal/runner"
)

// printReport writes one row per pair followed by the run totals.
func printReport(out io.Writer, r *runner.Report) {
	w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "SOURCE\tMODE\tFETCHED\tUNITS\tFORWARDED\tUPLOADED\tFAILED\tNOTE")
	for _, p := range r.Pairs {
		note := p.SkipReason
		if note == "" && p.Gaps > 0 {
			note = fmt.Sprintf("%d gaps", p.Gaps)
		}
		fmt.Fprintf(w, "%s\t%s\t%d\t%d\t%d\t%d\t%d\t%s\n",
			pairName(p), orDash(p.Mode), p.Fetched, p.Units,
			p.Summary.Forwarded, p.Summary.Uploaded,
			p.Summary.DownloadFailed+p.Summary.SendFailed, note)
	}
	_ = w.Flush()

	s := r.Summary
	fmt.Fprintf(out, "\n%d units, %d delivered, %d skipped, %d failed, %d bytes staged in %s\n",
		s.Units, s.Satisfied, s.Skipped, s.DownloadFailed+s.SendFailed, s.Bytes, r.Duration.Round(time.Second))
}

func pairName(p runner.PairReport) string {
	if p.Title != "" {
		return fmt.Sprintf("%s (%s)", p.Source, p.Title)
	}
	return p.Source
}

func orDash(s string) string {
	if s == "" {
		return "-"
	}
	return s
}

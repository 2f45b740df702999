package main

import (
	"encoding/json"
	"fmt"
	"io"
	"sort"
	"strings"
	"text/tabwriter"
	"time"

	"qmesh/internal/engine"
)

func writeReportJSON(w io.Writer, r *engine.BatchReport) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(r)
}

func writeSummary(w io.Writer, r *engine.BatchReport) {
	fmt.Fprintf(w, "peers: %d  ok: %d  failed: %d  retries: %d (%d recovered)\n",
		len(r.Results), r.SuccessfulCount, r.FailedCount, r.RetryStats.TotalRetries, r.RetryStats.RetrySuccesses)
	fmt.Fprintf(w, "total: %s  avg/peer: %s  success: %.1f%%\n",
		roundDur(r.TotalTime), roundDur(r.AverageTime), 100*r.SuccessRate())
	if len(r.FailuresByKind) > 0 {
		kinds := make([]string, 0, len(r.FailuresByKind))
		for k, n := range r.FailuresByKind {
			kinds = append(kinds, fmt.Sprintf("%s=%d", k, n))
		}
		sort.Strings(kinds)
		fmt.Fprintf(w, "failures: %s\n", strings.Join(kinds, " "))
	}
}

func writeReport(w io.Writer, r *engine.BatchReport) {
	writeSummary(w, r)
	tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
	fmt.Fprintln(tw, "PEER\tSTATUS\tRETRIES\tTIME\tDETAIL")
	for _, o := range r.Results {
		status, detail := "ok", ""
		if o.Success {
			detail = fmt.Sprintf("bits=%d fidelity=%.3f id=%s", o.Channel.SecurityLevel, o.Channel.Fidelity, o.Channel.ID)
		} else {
			status = "FAILED"
			detail = o.Error
		}
		fmt.Fprintf(tw, "%s\t%s\t%d\t%s\t%s\n", o.PeerID, status, o.RetryAttempts, roundDur(o.EstablishmentTime), detail)
	}
	_ = tw.Flush()
	if failed := r.FailedPeers(); len(failed) > 0 {
		fmt.Fprintf(w, "retry with: qmesh establish %s\n", strings.Join(failed, " "))
	}
}

func roundDur(d time.Duration) time.Duration {
	switch {
	case d >= time.Second:
		return d.Round(time.Millisecond)
	case d >= time.Millisecond:
		return d.Round(10 * time.Microsecond)
	default:
		return d
	}
}

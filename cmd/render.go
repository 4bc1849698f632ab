package cmd

import (
	"fmt"
	"io"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/fatih/color"

	"github.com/ASUSFX80/Crawl-DB/internal/crawler"
	"github.com/ASUSFX80/Crawl-DB/internal/pipeline"
	"github.com/ASUSFX80/Crawl-DB/internal/progress"
)

func statusColor(status string) *color.Color {
	switch status {
	case string(pipeline.StatusDone), string(crawler.CheckpointDone):
		return color.New(color.FgGreen)
	case string(pipeline.StatusSkipped), string(crawler.CheckpointPending):
		return color.New(color.FgCyan)
	case string(pipeline.StatusStopped), string(pipeline.StatusBlocked), string(crawler.CheckpointInProgress):
		return color.New(color.FgYellow)
	case string(pipeline.StatusFailed):
		return color.New(color.FgRed)
	default:
		return color.New(color.Reset)
	}
}

func printReport(w io.Writer, report pipeline.Report) {
	fmt.Fprintf(w, "run %s  %s\n", report.RunID, report.Summary())
	tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
	fmt.Fprintln(tw, "SCOPE\tSTAGE\tKEY\tSTATUS\tPROCESSED\tSKIPPED\tCURSOR\tTOOK\tERROR")
	for _, res := range report.Results {
		fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%s\t%s\t%d\t%s\t%s\n",
			res.Scope,
			res.Stage,
			res.ScopeKey,
			statusColor(string(res.Status)).Sprint(res.Status),
			humanize.Comma(int64(res.Processed)),
			humanize.Comma(int64(res.Skipped)),
			res.Cursor,
			res.Duration.Round(time.Millisecond),
			res.Error,
		)
	}
	_ = tw.Flush()
}

func printCheckpoints(w io.Writer, cps []crawler.Checkpoint) {
	tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
	fmt.Fprintln(tw, "STAGE\tSCOPE\tKEY\tSTATUS\tCURSOR\tUPDATED\tREASON")
	for _, cp := range cps {
		updated := "-"
		if !cp.UpdatedAt.IsZero() {
			updated = humanize.Time(cp.UpdatedAt)
		}
		fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%d\t%s\t%s\n",
			cp.Stage,
			cp.Scope,
			cp.Key,
			statusColor(string(cp.Status)).Sprint(cp.Status),
			cp.Cursor,
			updated,
			cp.Reason,
		)
	}
	_ = tw.Flush()
}

func printHistory(w io.Writer, events []progress.Event) {
	tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
	fmt.Fprintln(tw, "TIME\tKIND\tSTAGE\tSCOPE\tENTITY\tDETAIL")
	for _, evt := range events {
		fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%s\t%s\n",
			evt.TS.Local().Format(time.DateTime),
			kindColor(evt.Kind).Sprint(evt.Kind),
			evt.Stage,
			evt.Scope,
			evt.Entity,
			eventDetail(evt),
		)
	}
	_ = tw.Flush()
}

func kindColor(kind progress.Kind) *color.Color {
	switch kind {
	case progress.KindStageDone, progress.KindRunDone, progress.KindExport:
		return color.New(color.FgGreen)
	case progress.KindStageFailed:
		return color.New(color.FgRed)
	case progress.KindStageStopped, progress.KindItemSkipped, progress.KindRetry:
		return color.New(color.FgYellow)
	case progress.KindStageStart, progress.KindRunStart:
		return color.New(color.FgBlue)
	default:
		return color.New(color.Reset)
	}
}

func eventDetail(evt progress.Event) string {
	var parts []string
	if evt.URL != "" {
		parts = append(parts, evt.URL)
	}
	if evt.StatusCode != 0 {
		parts = append(parts, fmt.Sprintf("status=%d", evt.StatusCode))
	}
	if evt.Bytes > 0 {
		parts = append(parts, humanize.Bytes(uint64(evt.Bytes)))
	}
	if evt.Dur > 0 {
		parts = append(parts, evt.Dur.Round(time.Millisecond).String())
	}
	if evt.Note != "" {
		parts = append(parts, evt.Note)
	}
	return strings.Join(parts, " ")
}

// progressPrinter renders live history for an interactive run.
type progressPrinter struct {
	w       io.Writer
	fetches int
	bytes   int64
}

// consume prints evt when it is worth a line and reports whether the run
// is over.
func (p *progressPrinter) consume(evt progress.Event) bool {
	switch evt.Kind {
	case progress.KindFetch:
		p.fetches++
		p.bytes += evt.Bytes
	case progress.KindStageStart, progress.KindStageDone, progress.KindStageFailed,
		progress.KindStageStopped, progress.KindStageSkipped, progress.KindItemSkipped,
		progress.KindRetry, progress.KindExport:
		label := evt.Scope + "/" + evt.Stage
		if evt.Entity != "" {
			label += " " + evt.Entity
		}
		fmt.Fprintf(p.w, "%s %s %s\n", kindColor(evt.Kind).Sprintf("%-14s", evt.Kind), label, eventDetail(evt))
	case progress.KindRunDone:
		return true
	}
	return false
}

func (p *progressPrinter) summary() string {
	return fmt.Sprintf("%s fetches, %s downloaded", humanize.Comma(int64(p.fetches)), humanize.Bytes(uint64(p.bytes)))
}

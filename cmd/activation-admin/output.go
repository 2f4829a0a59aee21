package main

import (
	"fmt"
	"io"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/dustin/go-humanize/english"

	"licensecore/internal/activation"
	"licensecore/internal/audit"
)

func plural(n int, noun string) string {
	return english.Plural(n, noun, "")
}

func formatBytes(n int64) string {
	if n < 0 {
		n = 0
	}
	return humanize.Bytes(uint64(n))
}

// displayStatus marks active codes whose validity has already lapsed; the
// ledger only rewrites their status on the next redemption attempt.
func displayStatus(c activation.Code, now time.Time) string {
	if c.Status == activation.StatusActive && c.ExpiredAt(now) {
		return "active (lapsed)"
	}
	return string(c.Status)
}

func relative(t, now time.Time) string {
	return humanize.RelTime(t, now, "ago", "from now")
}

func printCodeTable(w io.Writer, codes []activation.Code, now time.Time) error {
	tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
	fmt.Fprintln(tw, "CODE\tSTATUS\tUSES\tEXPIRES\tCREATED")
	for _, c := range codes {
		fmt.Fprintf(tw, "%s\t%s\t%d/%d\t%s (%s)\t%s\n",
			c.Code,
			displayStatus(c, now),
			c.UsedCount, c.MaxUses,
			c.ExpiresAt.Local().Format(time.DateOnly), relative(c.ExpiresAt, now),
			relative(c.CreatedAt, now))
	}
	return tw.Flush()
}

func printCode(w io.Writer, c activation.Code, now time.Time) {
	fmt.Fprintf(w, "Code:      %s\n", c.Code)
	fmt.Fprintf(w, "Status:    %s\n", displayStatus(c, now))
	fmt.Fprintf(w, "Created:   %s (%s)\n", c.CreatedAt.Local().Format(time.DateTime), relative(c.CreatedAt, now))
	fmt.Fprintf(w, "Expires:   %s (%s)\n", c.ExpiresAt.Local().Format(time.DateTime), relative(c.ExpiresAt, now))
	fmt.Fprintf(w, "Uses:      %d of %d, %d remaining\n", c.UsedCount, c.MaxUses, c.Remaining())
	if len(c.Devices) == 0 {
		fmt.Fprintln(w, "Devices:   none")
		return
	}
	fmt.Fprintf(w, "Devices:   %s\n", strings.Join(c.Devices, "\n           "))
}

func printStats(w io.Writer, path string, s activation.Stats) {
	fmt.Fprintf(w, "Ledger:    %s\n", path)
	fmt.Fprintf(w, "Total:     %s\n", humanize.Comma(int64(s.Total)))
	fmt.Fprintf(w, "Active:    %s\n", humanize.Comma(int64(s.Active)))
	fmt.Fprintf(w, "Expired:   %s\n", humanize.Comma(int64(s.Expired)))
	fmt.Fprintf(w, "Revoked:   %s\n", humanize.Comma(int64(s.Revoked)))
	fmt.Fprintf(w, "Used:      %s\n", humanize.Comma(int64(s.Used)))
	if s.Damaged > 0 {
		fmt.Fprintf(w, "Damaged:   %s (run repair)\n", humanize.Comma(int64(s.Damaged)))
	}
}

func printEvents(w io.Writer, events []audit.Event, now time.Time) error {
	tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
	fmt.Fprintln(tw, "WHEN\tACTION\tOUTCOME\tSUBJECT\tDEVICE\tREASON")
	for _, e := range events {
		fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%s\t%s\n",
			relative(e.Timestamp, now), e.Action, e.Outcome, e.Subject, orDash(e.Device), orDash(e.Reason))
	}
	return tw.Flush()
}

func orDash(s string) string {
	if s == "" {
		return "-"
	}
	return s
}

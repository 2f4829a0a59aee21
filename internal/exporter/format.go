package exporter

import (
	"strconv"
	"strings"
	"time"
)

// timeLayout is what spreadsheets parse without a custom format.
const timeLayout = "2006-01-02 15:04:05"

// formatTime formats t in UTC, or returns an empty cell for the zero time.
func formatTime(t time.Time) string {
	if t.IsZero() {
		return ""
	}
	return t.UTC().Format(timeLayout)
}

// formatInt formats an int value for CSV output
func formatInt(i int) string {
	return strconv.Itoa(i)
}

// formatDevices joins bound devices with "; " so a cell stays readable.
func formatDevices(devices []string) string {
	return strings.Join(devices, "; ")
}

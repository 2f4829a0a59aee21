package exporter

import (
	"fmt"
	"path/filepath"
	"strings"
	"time"

	"licensecore/internal/activation"
	"licensecore/internal/config"
)

// Format selects the output file type.
type Format string

const (
	FormatAuto Format = ""
	FormatCSV  Format = "csv"
	FormatXLSX Format = "xlsx"
)

// ParseFormat accepts "csv", "xlsx" or "" (decide from the file extension).
func ParseFormat(s string) (Format, error) {
	switch f := Format(strings.ToLower(strings.TrimSpace(s))); f {
	case FormatAuto, FormatCSV, FormatXLSX:
		return f, nil
	default:
		return "", fmt.Errorf("unsupported export format %q", s)
	}
}

// LedgerHeaders are the column titles of a ledger export.
var LedgerHeaders = []string{"Code", "Status", "Created", "Expires", "Used", "Max Uses", "Remaining", "Devices"}

// ledgerNumeric marks the Used, Max Uses and Remaining columns.
var ledgerNumeric = map[int]bool{4: true, 5: true, 6: true}

// LedgerRows flattens codes into export records in the given order.
func LedgerRows(codes []activation.Code) [][]string {
	rows := make([][]string, 0, len(codes))
	for i := range codes {
		c := &codes[i]
		rows = append(rows, []string{
			c.Code,
			string(c.Status),
			formatTime(c.CreatedAt),
			formatTime(c.ExpiresAt),
			formatInt(c.UsedCount),
			formatInt(c.MaxUses),
			formatInt(c.Remaining()),
			formatDevices(c.Devices),
		})
	}
	return rows
}

// DefaultFileName names an export by its timestamp.
func DefaultFileName(now time.Time, format Format) string {
	if format == FormatAuto {
		format = FormatCSV
	}
	return fmt.Sprintf("activation_codes_%s.%s", now.UTC().Format("20060102_150405"), format)
}

// ExportLedger writes codes to filePath and returns the resolved path. With
// FormatAuto the extension decides; anything but .xlsx is written as CSV.
// Workbooks always carry the .xlsx extension, which is appended if missing.
func ExportLedger(paths *config.Paths, codes []activation.Code, filePath string, format Format) (string, error) {
	isXLSX := strings.EqualFold(filepath.Ext(filePath), ".xlsx")
	if format == FormatAuto {
		format = FormatCSV
		if isXLSX {
			format = FormatXLSX
		}
	}
	if format == FormatXLSX && !isXLSX {
		filePath += ".xlsx"
	}

	w := NewCSVWriter(paths)
	rows := LedgerRows(codes)
	switch format {
	case FormatXLSX:
		return w.WriteXLSX(filePath, LedgerHeaders, rows, ledgerNumeric)
	default:
		stream, err := w.CreateStreamWriter(filePath, LedgerHeaders)
		if err != nil {
			return "", err
		}
		for _, row := range rows {
			if err := stream.WriteRecord(row); err != nil {
				stream.Close()
				return "", fmt.Errorf("failed to write record: %w", err)
			}
		}
		if err := stream.Close(); err != nil {
			return "", err
		}
		return stream.Path(), nil
	}
}

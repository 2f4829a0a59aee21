package exporter

import (
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strconv"

	"github.com/xuri/excelize/v2"
)

// LedgerSheet is the name of the single worksheet in an XLSX export.
const LedgerSheet = "Activation Codes"

// WriteXLSX writes headers and records to a one-sheet workbook and returns
// the resolved path. Numeric columns listed in numeric are stored as numbers.
func (w *CSVWriter) WriteXLSX(filePath string, headers []string, records [][]string, numeric map[int]bool) (string, error) {
	fullPath := w.resolvePath(filePath)

	w.logger.Info("Writing XLSX file",
		slog.String("file_path", filePath),
		slog.String("full_path", fullPath),
		slog.Int("record_count", len(records)))

	if err := os.MkdirAll(filepath.Dir(fullPath), 0o755); err != nil {
		return "", fmt.Errorf("failed to create directory: %w", err)
	}

	f := excelize.NewFile()
	defer f.Close()

	if err := f.SetSheetName(f.GetSheetName(0), LedgerSheet); err != nil {
		return "", fmt.Errorf("failed to name sheet: %w", err)
	}

	if err := setRow(f, 1, headers, nil); err != nil {
		return "", err
	}
	for i, record := range records {
		if err := setRow(f, i+2, record, numeric); err != nil {
			return "", fmt.Errorf("failed to write record %d: %w", i, err)
		}
	}

	if len(headers) > 0 {
		last, err := excelize.ColumnNumberToName(len(headers))
		if err != nil {
			return "", err
		}
		if err := f.SetColWidth(LedgerSheet, "A", last, 22); err != nil {
			return "", fmt.Errorf("failed to size columns: %w", err)
		}
	}

	if err := f.SaveAs(fullPath); err != nil {
		return "", fmt.Errorf("failed to save workbook: %w", err)
	}
	return fullPath, nil
}

func setRow(f *excelize.File, row int, values []string, numeric map[int]bool) error {
	for colIdx, val := range values {
		col, err := excelize.ColumnNumberToName(colIdx + 1)
		if err != nil {
			return err
		}
		cell := fmt.Sprintf("%s%d", col, row)
		var v interface{} = val
		if numeric[colIdx] {
			if n, err := strconv.Atoi(val); err == nil {
				v = n
			}
		}
		if err := f.SetCellValue(LedgerSheet, cell, v); err != nil {
			return err
		}
	}
	return nil
}

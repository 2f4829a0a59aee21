// Package exporter writes the activation ledger to files an operator can open
// in a spreadsheet.
//
// CSVWriter: Core CSV writing functionality with support for headers, streaming,
// and UTF-8 BOM for Excel compatibility.
//
// XLSX export builds a single-sheet workbook with excelize.
//
// Example usage:
//
//	codes, _ := ledger.List(ctx)
//	path, err := exporter.ExportLedger(paths, codes, "codes.xlsx", exporter.FormatAuto)
package exporter

// Package sheet reads title rows out of uploaded files and writes exports.
package sheet

import (
	"bytes"
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"path/filepath"
	"strings"

	"github.com/xuri/excelize/v2"
)

// ErrUnsupportedFormat is returned for files that are not csv, xlsx or txt.
var ErrUnsupportedFormat = errors.New("unsupported file format")

type Format string

const (
	FormatCSV  Format = "csv"
	FormatXLSX Format = "xlsx"
	FormatText Format = "txt"
)

// DetectFormat picks the reader from the file extension.
func DetectFormat(filename string) (Format, error) {
	switch strings.ToLower(filepath.Ext(strings.TrimSpace(filename))) {
	case ".csv":
		return FormatCSV, nil
	case ".xlsx", ".xlsm":
		return FormatXLSX, nil
	case ".txt", ".text":
		return FormatText, nil
	default:
		return "", fmt.Errorf("%q: %w", filename, ErrUnsupportedFormat)
	}
}

// ReadRows returns the first-column values of a spreadsheet, or every line
// of a text file. CSV and XLSX files carry a header row which is skipped.
// Blank cells and literal "nan" cells are dropped.
func ReadRows(filename string, data []byte) ([]string, error) {
	format, err := DetectFormat(filename)
	if err != nil {
		return nil, err
	}

	var cells []string
	switch format {
	case FormatCSV:
		cells, err = readCSV(data)
	case FormatXLSX:
		cells, err = readXLSX(data)
	case FormatText:
		cells = readText(data)
	}
	if err != nil {
		return nil, err
	}
	return cleanCells(cells), nil
}

func readCSV(data []byte) ([]string, error) {
	reader := csv.NewReader(bytes.NewReader(bytes.TrimPrefix(data, []byte("\ufeff"))))
	reader.FieldsPerRecord = -1
	reader.LazyQuotes = true

	var (
		cells  []string
		header = true
	)
	for {
		record, err := reader.Read()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("read csv: %w", err)
		}
		if header {
			header = false
			continue
		}
		if len(record) == 0 {
			continue
		}
		cells = append(cells, record[0])
	}
	return cells, nil
}

func readXLSX(data []byte) ([]string, error) {
	book, err := excelize.OpenReader(bytes.NewReader(data))
	if err != nil {
		return nil, fmt.Errorf("open xlsx: %w", err)
	}
	defer func() {
		_ = book.Close()
	}()

	sheets := book.GetSheetList()
	if len(sheets) == 0 {
		return nil, fmt.Errorf("open xlsx: workbook has no sheets")
	}
	rows, err := book.GetRows(sheets[0])
	if err != nil {
		return nil, fmt.Errorf("read sheet %q: %w", sheets[0], err)
	}

	cells := make([]string, 0, len(rows))
	for i, row := range rows {
		if i == 0 || len(row) == 0 {
			continue
		}
		cells = append(cells, row[0])
	}
	return cells, nil
}

func readText(data []byte) []string {
	text := strings.TrimPrefix(string(data), "\ufeff")
	return strings.Split(strings.ReplaceAll(text, "\r\n", "\n"), "\n")
}

func cleanCells(cells []string) []string {
	out := make([]string, 0, len(cells))
	for _, cell := range cells {
		value := strings.TrimSpace(cell)
		if value == "" || strings.EqualFold(value, "nan") {
			continue
		}
		out = append(out, value)
	}
	return out
}

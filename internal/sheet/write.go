package sheet

import (
	"encoding/csv"
	"fmt"
	"io"
	"strconv"
	"time"

	"github.com/xuri/excelize/v2"

	"horse.fit/clearoid/internal/dedup"
)

var exportHeader = []string{"id", "title", "normalized", "canonical_key", "is_duplicate", "created_at"}

func exportRow(record dedup.TitleRecord) []string {
	return []string{
		strconv.FormatInt(record.ID, 10),
		record.RawText,
		record.NormalizedText,
		record.CanonicalKey,
		strconv.FormatBool(record.IsDuplicate),
		record.CreatedAt.UTC().Format(time.RFC3339),
	}
}

func WriteCSV(w io.Writer, records []dedup.TitleRecord) error {
	out := csv.NewWriter(w)
	if err := out.Write(exportHeader); err != nil {
		return fmt.Errorf("write csv header: %w", err)
	}
	for _, record := range records {
		if err := out.Write(exportRow(record)); err != nil {
			return fmt.Errorf("write csv row %d: %w", record.ID, err)
		}
	}
	out.Flush()
	if err := out.Error(); err != nil {
		return fmt.Errorf("flush csv: %w", err)
	}
	return nil
}

const exportSheet = "Sheet1"

// WriteXLSX streams records into a single-sheet workbook.
func WriteXLSX(w io.Writer, records []dedup.TitleRecord) error {
	book := excelize.NewFile()
	defer func() {
		_ = book.Close()
	}()

	stream, err := book.NewStreamWriter(exportSheet)
	if err != nil {
		return fmt.Errorf("create xlsx stream: %w", err)
	}
	if err := stream.SetColWidth(2, 4, 48); err != nil {
		return fmt.Errorf("size xlsx columns: %w", err)
	}

	if err := stream.SetRow("A1", toCells(exportHeader)); err != nil {
		return fmt.Errorf("write xlsx header: %w", err)
	}
	for i, record := range records {
		cell, err := excelize.CoordinatesToCellName(1, i+2)
		if err != nil {
			return err
		}
		row := []any{
			record.ID,
			record.RawText,
			record.NormalizedText,
			record.CanonicalKey,
			strconv.FormatBool(record.IsDuplicate),
			record.CreatedAt.UTC().Format(time.RFC3339),
		}
		if err := stream.SetRow(cell, row); err != nil {
			return fmt.Errorf("write xlsx row %d: %w", record.ID, err)
		}
	}
	if err := stream.Flush(); err != nil {
		return fmt.Errorf("flush xlsx: %w", err)
	}
	if err := book.Write(w); err != nil {
		return fmt.Errorf("write xlsx: %w", err)
	}
	return nil
}

func toCells(values []string) []any {
	out := make([]any, len(values))
	for i, v := range values {
		out[i] = v
	}
	return out
}

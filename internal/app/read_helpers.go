package app

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"os"
	"strconv"
	"strings"
	"text/tabwriter"
	"time"
	"unicode/utf8"

	"horse.fit/clearoid/internal/cli"
	"horse.fit/clearoid/internal/dedup"
)

const (
	outputFormatTable = "table"
	outputFormatJSON  = "json"

	tableTitleWidth = 60
)

// commandFlags are shared by every one-shot command.
type commandFlags struct {
	envLoader *cli.EnvLoader
	format    *string
	timeout   *time.Duration
}

func addCommandFlags(fs *flag.FlagSet, defaultTimeout time.Duration) *commandFlags {
	return &commandFlags{
		envLoader: cli.AddEnvFlag(fs, ".env", "Path to the .env file"),
		format:    fs.String("format", outputFormatTable, "Output format: table or json"),
		timeout:   fs.Duration("timeout", defaultTimeout, "Command timeout"),
	}
}

func (f *commandFlags) outputFormat() (string, error) {
	return parseOutputFormat(*f.format, outputFormatTable)
}

// open wires services under a context bounded by --timeout.
func (f *commandFlags) open() (context.Context, context.CancelFunc, *services, error) {
	timeout := *f.timeout
	if timeout <= 0 {
		timeout = 30 * time.Second
	}

	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	rt, err := openServices(ctx, f.envLoader, servicesOptions{})
	if err != nil {
		cancel()
		return nil, nil, nil, err
	}
	return ctx, func() {
		rt.close()
		cancel()
	}, rt, nil
}

func parseOutputFormat(raw, defaultFormat string) (string, error) {
	format := strings.TrimSpace(strings.ToLower(raw))
	if format == "" {
		format = strings.TrimSpace(strings.ToLower(defaultFormat))
	}
	switch format {
	case outputFormatTable, outputFormatJSON:
		return format, nil
	default:
		return "", fmt.Errorf("--format must be table or json")
	}
}

// titleArg joins positional args so unquoted titles work.
func titleArg(fs *flag.FlagSet) string {
	return strings.TrimSpace(strings.Join(fs.Args(), " "))
}

func parseIDs(values []string) ([]int64, error) {
	ids := make([]int64, 0, len(values))
	for _, value := range values {
		for _, part := range strings.Split(value, ",") {
			part = strings.TrimSpace(part)
			if part == "" {
				continue
			}
			id, err := strconv.ParseInt(part, 10, 64)
			if err != nil || id < 1 {
				return nil, fmt.Errorf("invalid id %q", part)
			}
			ids = append(ids, id)
		}
	}
	return ids, nil
}

func truncateForTable(value string, maxLen int) string {
	trimmed := strings.TrimSpace(value)
	if maxLen <= 0 {
		return trimmed
	}
	if utf8.RuneCountInString(trimmed) <= maxLen {
		return trimmed
	}

	runes := []rune(trimmed)
	if maxLen <= 3 {
		return string(runes[:maxLen])
	}
	return string(runes[:maxLen-3]) + "..."
}

func formatUTCTimestamp(value time.Time) string {
	if value.IsZero() {
		return ""
	}
	return value.UTC().Format(time.RFC3339)
}

func formatUTCTimestampPtr(value *time.Time) string {
	if value == nil || value.IsZero() {
		return ""
	}
	return value.UTC().Format(time.RFC3339)
}

func formatScore(score float64) string {
	return strconv.FormatFloat(score, 'f', 3, 64)
}

func printJSON(value any) error {
	encoder := json.NewEncoder(os.Stdout)
	encoder.SetIndent("", "  ")
	return encoder.Encode(value)
}

func writeTable(headers []string, rows [][]string) error {
	writer := tabwriter.NewWriter(os.Stdout, 0, 8, 2, ' ', 0)
	if _, err := fmt.Fprintln(writer, strings.Join(headers, "\t")); err != nil {
		return err
	}
	for _, row := range rows {
		if _, err := fmt.Fprintln(writer, strings.Join(row, "\t")); err != nil {
			return err
		}
	}
	return writer.Flush()
}

func writeTitleTable(records []dedup.TitleRecord) error {
	rows := make([][]string, 0, len(records))
	for _, record := range records {
		rows = append(rows, []string{
			strconv.FormatInt(record.ID, 10),
			truncateForTable(record.RawText, tableTitleWidth),
			strconv.FormatBool(record.IsDuplicate),
			truncateForTable(record.CanonicalKey, tableTitleWidth),
			formatUTCTimestamp(record.CreatedAt),
		})
	}
	return writeTable([]string{"ID", "TITLE", "DUPLICATE", "CANONICAL_KEY", "CREATED_AT"}, rows)
}

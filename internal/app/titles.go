package app

import (
	"bufio"
	"errors"
	"flag"
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"
	"time"

	"horse.fit/clearoid/internal/dedup"
)

const titleCommandTimeout = 60 * time.Second

func runSubmit(args []string) int {
	fs := flag.NewFlagSet("submit", flag.ContinueOnError)
	fs.SetOutput(os.Stderr)
	common := addCommandFlags(fs, titleCommandTimeout)

	if err := fs.Parse(args); err != nil {
		if errors.Is(err, flag.ErrHelp) {
			return 0
		}
		return 2
	}
	title := titleArg(fs)
	if title == "" {
		fmt.Fprintln(os.Stderr, "Usage: clearoid submit [flags] <title>")
		return 2
	}
	format, err := common.outputFormat()
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		return 2
	}

	ctx, done, rt, err := common.open()
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		return 1
	}
	defer done()

	record, err := rt.engine.Submit(ctx, title)
	if err != nil {
		rt.logger.Error().Err(err).Msg("submit failed")
		fmt.Fprintf(os.Stderr, "Submit failed: %v\n", err)
		return 1
	}

	if format == outputFormatJSON {
		return exitOnPrintError(printJSON(record))
	}
	verdict := "new"
	if record.IsDuplicate {
		verdict = "duplicate of " + strconv.Quote(record.CanonicalKey)
	}
	fmt.Printf("stored id=%d %s\n", record.ID, verdict)
	return 0
}

func runCheck(args []string) int {
	fs := flag.NewFlagSet("check", flag.ContinueOnError)
	fs.SetOutput(os.Stderr)
	common := addCommandFlags(fs, titleCommandTimeout)

	if err := fs.Parse(args); err != nil {
		if errors.Is(err, flag.ErrHelp) {
			return 0
		}
		return 2
	}
	title := titleArg(fs)
	if title == "" {
		fmt.Fprintln(os.Stderr, "Usage: clearoid check [flags] <title>")
		return 2
	}
	format, err := common.outputFormat()
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		return 2
	}

	ctx, done, rt, err := common.open()
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		return 1
	}
	defer done()

	result, err := rt.engine.Check(ctx, title)
	if err != nil {
		rt.logger.Error().Err(err).Msg("check failed")
		fmt.Fprintf(os.Stderr, "Check failed: %v\n", err)
		return 1
	}

	if format == outputFormatJSON {
		return exitOnPrintError(printJSON(result))
	}
	return exitOnPrintError(writeTable(
		[]string{"DUPLICATE", "SCORE", "MATCH_ID", "MATCH", "CANONICAL_KEY"},
		[][]string{{
			strconv.FormatBool(result.IsDuplicate),
			formatScore(result.Score),
			formatOptionalID(result.MatchID),
			truncateForTable(result.MatchText, tableTitleWidth),
			truncateForTable(result.CanonicalKey, tableTitleWidth),
		}},
	))
}

func runSimilar(args []string) int {
	fs := flag.NewFlagSet("similar", flag.ContinueOnError)
	fs.SetOutput(os.Stderr)
	common := addCommandFlags(fs, titleCommandTimeout)
	threshold := fs.Float64("threshold", 0, "Minimum score (defaults to SIMILAR_THRESHOLD)")

	if err := fs.Parse(args); err != nil {
		if errors.Is(err, flag.ErrHelp) {
			return 0
		}
		return 2
	}
	title := titleArg(fs)
	if title == "" {
		fmt.Fprintln(os.Stderr, "Usage: clearoid similar [flags] <title>")
		return 2
	}
	if *threshold < 0 || *threshold > 1 {
		fmt.Fprintln(os.Stderr, "--threshold must be between 0 and 1")
		return 2
	}
	format, err := common.outputFormat()
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		return 2
	}

	ctx, done, rt, err := common.open()
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		return 1
	}
	defer done()

	matches, err := rt.engine.Similar(ctx, title, *threshold)
	if err != nil {
		rt.logger.Error().Err(err).Msg("similar failed")
		fmt.Fprintf(os.Stderr, "Similar failed: %v\n", err)
		return 1
	}

	if format == outputFormatJSON {
		type similarItem struct {
			dedup.TitleRecord
			Score float64 `json:"score"`
		}
		items := make([]similarItem, 0, len(matches))
		for _, match := range matches {
			items = append(items, similarItem{TitleRecord: match.Record, Score: match.Score})
		}
		return exitOnPrintError(printJSON(items))
	}

	rows := make([][]string, 0, len(matches))
	for _, match := range matches {
		rows = append(rows, []string{
			formatScore(match.Score),
			strconv.FormatInt(match.Record.ID, 10),
			truncateForTable(match.Record.RawText, tableTitleWidth),
			strconv.FormatBool(match.Record.IsDuplicate),
		})
	}
	return exitOnPrintError(writeTable([]string{"SCORE", "ID", "TITLE", "DUPLICATE"}, rows))
}

func runEdit(args []string) int {
	fs := flag.NewFlagSet("edit", flag.ContinueOnError)
	fs.SetOutput(os.Stderr)
	common := addCommandFlags(fs, titleCommandTimeout)
	id := fs.Int64("id", 0, "Title id to edit")

	if err := fs.Parse(args); err != nil {
		if errors.Is(err, flag.ErrHelp) {
			return 0
		}
		return 2
	}
	title := titleArg(fs)
	if *id < 1 || title == "" {
		fmt.Fprintln(os.Stderr, "Usage: clearoid edit --id <id> [flags] <new title>")
		return 2
	}
	format, err := common.outputFormat()
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		return 2
	}

	ctx, done, rt, err := common.open()
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		return 1
	}
	defer done()

	record, err := rt.engine.Edit(ctx, *id, title)
	if err != nil {
		rt.logger.Error().Err(err).Int64("title_id", *id).Msg("edit failed")
		fmt.Fprintf(os.Stderr, "Edit failed: %v\n", err)
		return 1
	}

	if format == outputFormatJSON {
		return exitOnPrintError(printJSON(record))
	}
	return exitOnPrintError(writeTitleTable([]dedup.TitleRecord{record}))
}

func runDelete(args []string) int {
	fs := flag.NewFlagSet("delete", flag.ContinueOnError)
	fs.SetOutput(os.Stderr)
	common := addCommandFlags(fs, titleCommandTimeout)
	all := fs.Bool("all", false, "Delete every stored title")
	force := fs.Bool("force", false, "Required together with --all")
	yes := fs.Bool("yes", false, "Skip the confirmation prompt")

	if err := fs.Parse(args); err != nil {
		if errors.Is(err, flag.ErrHelp) {
			return 0
		}
		return 2
	}

	var ids []int64
	if *all {
		if fs.NArg() != 0 {
			fmt.Fprintln(os.Stderr, "--all does not accept ids")
			return 2
		}
		if !*force {
			fmt.Fprintln(os.Stderr, "--all requires --force")
			return 2
		}
		if !*yes {
			ok, err := confirmDangerousAction("Delete every stored title?")
			if err != nil {
				fmt.Fprintf(os.Stderr, "Failed to read confirmation: %v\n", err)
				return 1
			}
			if !ok {
				fmt.Fprintln(os.Stderr, "Cancelled")
				return 1
			}
		}
	} else {
		parsed, err := parseIDs(fs.Args())
		if err != nil {
			fmt.Fprintln(os.Stderr, err)
			return 2
		}
		if len(parsed) == 0 {
			fmt.Fprintln(os.Stderr, "Usage: clearoid delete [flags] <id>[,<id>...] | --all --force")
			return 2
		}
		ids = parsed
	}

	ctx, done, rt, err := common.open()
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		return 1
	}
	defer done()

	var deleted int64
	if *all {
		deleted, err = rt.engine.DeleteAll(ctx)
	} else {
		var n int
		n, err = rt.engine.Delete(ctx, ids...)
		deleted = int64(n)
	}
	if err != nil {
		rt.logger.Error().Err(err).Msg("delete failed")
		fmt.Fprintf(os.Stderr, "Delete failed: %v\n", err)
		return 1
	}

	rt.logger.Info().Int64("deleted", deleted).Bool("all", *all).Msg("titles deleted")
	fmt.Printf("deleted=%d\n", deleted)
	return 0
}

func confirmDangerousAction(prompt string) (bool, error) {
	return confirmFrom(os.Stdin, prompt)
}

func confirmFrom(in io.Reader, prompt string) (bool, error) {
	fmt.Fprintf(os.Stderr, "%s [y/N]: ", strings.TrimSpace(prompt))
	reader := bufio.NewReader(in)
	line, err := reader.ReadString('\n')
	if err != nil && !errors.Is(err, io.EOF) {
		return false, err
	}

	switch strings.ToLower(strings.TrimSpace(line)) {
	case "y", "yes":
		return true, nil
	default:
		return false, nil
	}
}

func formatOptionalID(id int64) string {
	if id == 0 {
		return ""
	}
	return strconv.FormatInt(id, 10)
}

func exitOnPrintError(err error) int {
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to write output: %v\n", err)
		return 1
	}
	return 0
}

package app

import (
	"errors"
	"flag"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"time"

	"horse.fit/clearoid/internal/dedup"
	"horse.fit/clearoid/internal/sheet"
	"horse.fit/clearoid/internal/storage"
)

func runIngest(args []string) int {
	fs := flag.NewFlagSet("ingest", flag.ContinueOnError)
	fs.SetOutput(os.Stderr)
	common := addCommandFlags(fs, 30*time.Minute)
	force := fs.Bool("force", false, "Process the file even if the same content was ingested before")
	showClusters := fs.Bool("clusters", false, "Print in-file duplicate clusters after the summary")

	if err := fs.Parse(args); err != nil {
		if errors.Is(err, flag.ErrHelp) {
			return 0
		}
		return 2
	}
	if fs.NArg() != 1 {
		fmt.Fprintln(os.Stderr, "Usage: clearoid ingest [flags] <file.csv|file.xlsx|file.txt>")
		return 2
	}
	format, err := common.outputFormat()
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		return 2
	}

	path := strings.TrimSpace(fs.Arg(0))
	filename := filepath.Base(path)
	if _, err := sheet.DetectFormat(filename); err != nil {
		fmt.Fprintln(os.Stderr, err)
		return 2
	}
	data, err := os.ReadFile(path)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to read %s: %v\n", path, err)
		return 1
	}
	rows, err := sheet.ReadRows(filename, data)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to parse %s: %v\n", path, err)
		return 1
	}
	if len(rows) == 0 {
		fmt.Fprintf(os.Stderr, "%s contains no titles\n", path)
		return 1
	}

	ctx, done, rt, err := common.open()
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		return 1
	}
	defer done()

	if int64(len(data)) > rt.cfg.UploadMaxBytes {
		fmt.Fprintf(os.Stderr, "%s exceeds UPLOAD_MAX_BYTES (%d)\n", path, rt.cfg.UploadMaxBytes)
		return 1
	}

	fingerprint := storage.Fingerprint(data)
	archiveKey := ""
	if archive, err := rt.buildArchive(ctx); err != nil {
		rt.logger.Warn().Err(err).Msg("archive unavailable; continuing without a copy")
	} else if archiveKey, err = archive.Put(ctx, fingerprint, filename, data); err != nil {
		rt.logger.Warn().Err(err).Str("fingerprint", fingerprint).Msg("archive upload failed")
		archiveKey = ""
	}

	outcome, err := rt.engine.IngestBatch(ctx, dedup.BatchRequest{
		Rows:           rows,
		Fingerprint:    fingerprint,
		Filename:       filename,
		ArchiveKey:     archiveKey,
		AllowReprocess: *force,
	})
	if err != nil {
		rt.logger.Error().Err(err).Str("file", path).Msg("ingest failed")
		fmt.Fprintf(os.Stderr, "Ingest failed: %v\n", err)
		return 1
	}

	if format == outputFormatJSON {
		return exitOnPrintError(printJSON(outcome))
	}
	if outcome.AlreadyProcessed {
		fmt.Printf("already processed as run %s on %s (use --force to reprocess)\n",
			outcome.Run.ID, formatUTCTimestamp(outcome.Run.CreatedAt))
	}
	if code := exitOnPrintError(writeRunTable([]dedup.BatchRun{outcome.Run})); code != 0 {
		return code
	}
	if *showClusters {
		return exitOnPrintError(writeRunClusters(outcome.Run))
	}
	return 0
}

func writeRunTable(runs []dedup.BatchRun) error {
	rows := make([][]string, 0, len(runs))
	for _, run := range runs {
		rows = append(rows, []string{
			run.ID,
			truncateForTable(run.Filename, 40),
			string(run.Status),
			strconv.Itoa(run.Processed),
			strconv.Itoa(run.Saved),
			strconv.Itoa(run.Duplicates),
			strconv.Itoa(run.Failed),
			formatUTCTimestamp(run.CreatedAt),
			formatUTCTimestampPtr(run.CompletedAt),
		})
	}
	return writeTable(
		[]string{"RUN_ID", "FILE", "STATUS", "PROCESSED", "SAVED", "DUPLICATES", "FAILED", "CREATED_AT", "COMPLETED_AT"},
		rows,
	)
}

func writeRunClusters(run dedup.BatchRun) error {
	keys := make([]string, 0, len(run.Clusters))
	for key := range run.Clusters {
		keys = append(keys, key)
	}
	sort.Strings(keys)

	rows := make([][]string, 0, len(keys))
	for _, key := range keys {
		members := run.Clusters[key]
		rows = append(rows, []string{
			truncateForTable(key, tableTitleWidth),
			strconv.Itoa(len(members)),
			truncateForTable(strings.Join(members, " | "), 2*tableTitleWidth),
		})
	}
	for _, failure := range run.Failures {
		rows = append(rows, []string{
			"row " + strconv.Itoa(failure.Row) + " failed",
			"",
			truncateForTable(failure.Error, 2*tableTitleWidth),
		})
	}
	return writeTable([]string{"NORMALIZED", "ROWS", "MEMBERS"}, rows)
}

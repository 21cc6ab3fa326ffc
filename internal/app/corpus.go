package app

import (
	"errors"
	"flag"
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"
	"time"

	"horse.fit/clearoid/internal/dedup"
	"horse.fit/clearoid/internal/sheet"
)

const (
	readCommandTimeout  = 30 * time.Second
	defaultRunListLimit = 20
)

func runClusters(args []string) int {
	fs := flag.NewFlagSet("clusters", flag.ContinueOnError)
	fs.SetOutput(os.Stderr)
	common := addCommandFlags(fs, readCommandTimeout)
	key := fs.String("key", "", "Show the members of one cluster by canonical key")
	limit := fs.Int("limit", 50, "Maximum clusters to print (0 prints all)")

	if err := fs.Parse(args); err != nil {
		if errors.Is(err, flag.ErrHelp) {
			return 0
		}
		return 2
	}
	format, err := common.outputFormat()
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		return 2
	}
	if *limit < 0 {
		fmt.Fprintln(os.Stderr, "--limit must be >= 0")
		return 2
	}

	ctx, done, rt, err := common.open()
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		return 1
	}
	defer done()

	if strings.TrimSpace(*key) != "" {
		members, err := rt.engine.Cluster(ctx, *key)
		if err != nil {
			fmt.Fprintf(os.Stderr, "Cluster lookup failed: %v\n", err)
			return 1
		}
		if format == outputFormatJSON {
			return exitOnPrintError(printJSON(members))
		}
		return exitOnPrintError(writeTitleTable(members))
	}

	clusters, err := rt.engine.ListClusters(ctx)
	if err != nil {
		rt.logger.Error().Err(err).Msg("list clusters failed")
		fmt.Fprintf(os.Stderr, "List clusters failed: %v\n", err)
		return 1
	}
	if *limit > 0 && len(clusters) > *limit {
		clusters = clusters[:*limit]
	}

	if format == outputFormatJSON {
		return exitOnPrintError(printJSON(clusters))
	}
	rows := make([][]string, 0, len(clusters))
	for _, cluster := range clusters {
		rows = append(rows, []string{
			strconv.Itoa(cluster.Size),
			strconv.FormatInt(cluster.PrimaryID, 10),
			truncateForTable(cluster.DisplayText, tableTitleWidth),
			truncateForTable(cluster.CanonicalKey, tableTitleWidth),
		})
	}
	return exitOnPrintError(writeTable([]string{"SIZE", "PRIMARY_ID", "DISPLAY", "CANONICAL_KEY"}, rows))
}

func runExport(args []string) int {
	fs := flag.NewFlagSet("export", flag.ContinueOnError)
	fs.SetOutput(os.Stderr)
	common := addCommandFlags(fs, 5*time.Minute)
	scope := fs.String("scope", string(dedup.ScopeAll), "all, duplicates, unique or ids")
	idsRaw := fs.String("ids", "", "Comma-separated ids for --scope ids")
	fileFormat := fs.String("file-format", "csv", "csv or xlsx")
	out := fs.String("out", "", "Output file (defaults to stdout for csv)")

	if err := fs.Parse(args); err != nil {
		if errors.Is(err, flag.ErrHelp) {
			return 0
		}
		return 2
	}

	exportScope, err := parseExportScope(*scope, *idsRaw)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		return 2
	}
	kind := strings.ToLower(strings.TrimSpace(*fileFormat))
	if kind != "csv" && kind != "xlsx" {
		fmt.Fprintln(os.Stderr, "--file-format must be csv or xlsx")
		return 2
	}
	outPath := strings.TrimSpace(*out)
	if kind == "xlsx" && outPath == "" {
		fmt.Fprintln(os.Stderr, "--out is required for xlsx")
		return 2
	}

	ctx, done, rt, err := common.open()
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		return 1
	}
	defer done()

	records, err := rt.engine.ExportSelection(ctx, exportScope)
	if err != nil {
		rt.logger.Error().Err(err).Msg("export failed")
		fmt.Fprintf(os.Stderr, "Export failed: %v\n", err)
		return 1
	}

	var w io.Writer = os.Stdout
	if outPath != "" {
		file, err := os.Create(outPath)
		if err != nil {
			fmt.Fprintf(os.Stderr, "Failed to create %s: %v\n", outPath, err)
			return 1
		}
		defer file.Close()
		w = file
	}

	if kind == "xlsx" {
		err = sheet.WriteXLSX(w, records)
	} else {
		err = sheet.WriteCSV(w, records)
	}
	if err != nil {
		fmt.Fprintf(os.Stderr, "Export failed: %v\n", err)
		return 1
	}

	rt.logger.Info().
		Str("scope", string(exportScope.Kind)).
		Str("format", kind).
		Int("rows", len(records)).
		Msg("export written")
	return 0
}

func parseExportScope(rawScope, rawIDs string) (dedup.ExportScope, error) {
	kind := dedup.ScopeKind(strings.ToLower(strings.TrimSpace(rawScope)))
	switch kind {
	case dedup.ScopeAll, dedup.ScopeDuplicates, dedup.ScopeUnique:
		if strings.TrimSpace(rawIDs) != "" {
			return dedup.ExportScope{}, fmt.Errorf("--ids is only valid with --scope ids")
		}
		return dedup.ExportScope{Kind: kind}, nil
	case dedup.ScopeIDs:
		ids, err := parseIDs([]string{rawIDs})
		if err != nil {
			return dedup.ExportScope{}, err
		}
		if len(ids) == 0 {
			return dedup.ExportScope{}, fmt.Errorf("--scope ids requires --ids")
		}
		return dedup.ExportScope{Kind: kind, IDs: ids}, nil
	default:
		return dedup.ExportScope{}, fmt.Errorf("--scope must be all, duplicates, unique or ids")
	}
}

func runRuns(args []string) int {
	fs := flag.NewFlagSet("runs", flag.ContinueOnError)
	fs.SetOutput(os.Stderr)
	common := addCommandFlags(fs, readCommandTimeout)
	limit := fs.Int("limit", defaultRunListLimit, "Maximum runs to list")
	showClusters := fs.Bool("clusters", false, "With a run id, print its clusters and failures")

	if err := fs.Parse(args); err != nil {
		if errors.Is(err, flag.ErrHelp) {
			return 0
		}
		return 2
	}
	if fs.NArg() > 1 {
		fmt.Fprintln(os.Stderr, "Usage: clearoid runs [flags] [run-id]")
		return 2
	}
	if *limit < 1 || *limit > dedup.MaxPageLimit {
		fmt.Fprintf(os.Stderr, "--limit must be between 1 and %d\n", dedup.MaxPageLimit)
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

	if fs.NArg() == 1 {
		run, err := rt.engine.GetBatchRun(ctx, strings.TrimSpace(fs.Arg(0)))
		if err != nil {
			fmt.Fprintf(os.Stderr, "Run lookup failed: %v\n", err)
			return 1
		}
		if format == outputFormatJSON {
			return exitOnPrintError(printJSON(run))
		}
		if code := exitOnPrintError(writeRunTable([]dedup.BatchRun{run})); code != 0 || !*showClusters {
			return code
		}
		return exitOnPrintError(writeRunClusters(run))
	}

	runs, err := rt.engine.ListBatchRuns(ctx, *limit)
	if err != nil {
		rt.logger.Error().Err(err).Msg("list runs failed")
		fmt.Fprintf(os.Stderr, "List runs failed: %v\n", err)
		return 1
	}
	if format == outputFormatJSON {
		return exitOnPrintError(printJSON(runs))
	}
	return exitOnPrintError(writeRunTable(runs))
}

func runStats(args []string) int {
	fs := flag.NewFlagSet("stats", flag.ContinueOnError)
	fs.SetOutput(os.Stderr)
	common := addCommandFlags(fs, readCommandTimeout)

	if err := fs.Parse(args); err != nil {
		if errors.Is(err, flag.ErrHelp) {
			return 0
		}
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

	stats, err := rt.engine.Stats(ctx)
	if err != nil {
		rt.logger.Error().Err(err).Msg("stats failed")
		fmt.Fprintf(os.Stderr, "Stats failed: %v\n", err)
		return 1
	}
	if format == outputFormatJSON {
		return exitOnPrintError(printJSON(stats))
	}

	fmt.Printf("total=%d duplicates=%d unique=%d clusters=%d avg_title_length=%.1f\n",
		stats.Total, stats.Duplicates, stats.Unique, stats.Clusters, stats.AvgTitleLength)
	if len(stats.TopClusters) > 0 {
		fmt.Println()
		rows := make([][]string, 0, len(stats.TopClusters))
		for _, top := range stats.TopClusters {
			rows = append(rows, []string{strconv.Itoa(top.Count), truncateForTable(top.CanonicalKey, tableTitleWidth)})
		}
		if err := writeTable([]string{"COUNT", "CANONICAL_KEY"}, rows); err != nil {
			return exitOnPrintError(err)
		}
	}
	if len(stats.Recent) > 0 {
		fmt.Println()
		return exitOnPrintError(writeTitleTable(stats.Recent))
	}
	return 0
}

func runReconcile(args []string) int {
	fs := flag.NewFlagSet("reconcile", flag.ContinueOnError)
	fs.SetOutput(os.Stderr)
	common := addCommandFlags(fs, 30*time.Minute)

	if err := fs.Parse(args); err != nil {
		if errors.Is(err, flag.ErrHelp) {
			return 0
		}
		return 2
	}

	ctx, done, rt, err := common.open()
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		return 1
	}
	defer done()

	started := time.Now()
	changed, err := rt.engine.ReconcileAll(ctx)
	if err != nil {
		rt.logger.Error().Err(err).Msg("reconcile failed")
		fmt.Fprintf(os.Stderr, "Reconcile failed: %v\n", err)
		return 1
	}

	rt.logger.Info().
		Int("changed", changed).
		Dur("elapsed", time.Since(started)).
		Msg("reconcile finished")
	fmt.Printf("reconcile changed=%d\n", changed)
	return 0
}

package app

import (
	"fmt"
	"os"
	"strings"
)

// Run executes the CLI command and returns a process exit code.
func Run(args []string) int {
	if len(args) == 0 {
		printUsage()
		return 2
	}

	switch strings.ToLower(strings.TrimSpace(args[0])) {
	case "help", "--help", "-h":
		printUsage()
		return 0
	case "serve":
		return runServe(args[1:])
	case "worker":
		return runWorker(args[1:])
	case "submit":
		return runSubmit(args[1:])
	case "check":
		return runCheck(args[1:])
	case "similar":
		return runSimilar(args[1:])
	case "edit":
		return runEdit(args[1:])
	case "delete":
		return runDelete(args[1:])
	case "ingest":
		return runIngest(args[1:])
	case "clusters":
		return runClusters(args[1:])
	case "export":
		return runExport(args[1:])
	case "runs":
		return runRuns(args[1:])
	case "stats":
		return runStats(args[1:])
	case "reconcile":
		return runReconcile(args[1:])
	case "validate":
		return runValidate(args[1:])
	case "health":
		return runHealth(args[1:])
	case "daemon":
		return runDaemon(args[1:])
	default:
		fmt.Fprintf(os.Stderr, "unknown command: %s\n\n", args[0])
		printUsage()
		return 2
	}
}

func printUsage() {
	fmt.Fprintln(os.Stderr, "clearoid CLI")
	fmt.Fprintln(os.Stderr, "")
	fmt.Fprintln(os.Stderr, "Usage:")
	fmt.Fprintln(os.Stderr, "  clearoid <command> [flags]")
	fmt.Fprintln(os.Stderr, "")
	fmt.Fprintln(os.Stderr, "Commands:")
	fmt.Fprintln(os.Stderr, "  serve      Start the HTTP API with an in-process batch worker")
	fmt.Fprintln(os.Stderr, "  worker     Consume queued batch runs from Redis")
	fmt.Fprintln(os.Stderr, "  submit     Store one title and report whether it is a duplicate")
	fmt.Fprintln(os.Stderr, "  check      Report the closest stored title without storing")
	fmt.Fprintln(os.Stderr, "  similar    List stored titles above a similarity threshold")
	fmt.Fprintln(os.Stderr, "  edit       Replace the text of a stored title")
	fmt.Fprintln(os.Stderr, "  delete     Delete titles by id, or all titles with --all")
	fmt.Fprintln(os.Stderr, "  ingest     Deduplicate a .csv, .xlsx or .txt file")
	fmt.Fprintln(os.Stderr, "  clusters   List duplicate clusters or the members of one")
	fmt.Fprintln(os.Stderr, "  export     Write titles to CSV or xlsx")
	fmt.Fprintln(os.Stderr, "  runs       List batch runs or show one")
	fmt.Fprintln(os.Stderr, "  stats      Show corpus statistics")
	fmt.Fprintln(os.Stderr, "  reconcile  Recompute primaries and duplicate flags for every cluster")
	fmt.Fprintln(os.Stderr, "  validate   Validate batch request JSON files against the schema")
	fmt.Fprintln(os.Stderr, "  health     Verify store, embedder and redis connectivity")
	fmt.Fprintln(os.Stderr, "  daemon     Install systemd units for serve and worker")
	fmt.Fprintln(os.Stderr, "")
	fmt.Fprintln(os.Stderr, "Use \"clearoid <command> -h\" for command-specific flags.")
}

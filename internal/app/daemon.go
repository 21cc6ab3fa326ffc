package app

import (
	"errors"
	"flag"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
)

const (
	daemonServeUnitName  = "clearoid-serve.service"
	daemonWorkerUnitName = "clearoid-worker.service"
	systemdUnitDir       = "/etc/systemd/system"
)

var daemonUnitNames = []string{
	daemonServeUnitName,
	daemonWorkerUnitName,
}

type unitSpec struct {
	Description string
	After       string
	User        string
	WorkDir     string
	ExecStart   string
	EnvFile     string
}

func runDaemon(args []string) int {
	if len(args) == 0 {
		printDaemonUsage()
		return 2
	}

	action := strings.ToLower(strings.TrimSpace(args[0]))
	switch action {
	case "help", "-h", "--help":
		printDaemonUsage()
		return 0
	case "install":
		return runDaemonInstall(args[1:])
	case "uninstall":
		return runDaemonUninstall(args[1:])
	case "start", "stop", "restart":
		return runDaemonServiceAction(action, args[1:], true)
	case "status":
		return runDaemonServiceAction(action, args[1:], false)
	default:
		fmt.Fprintf(os.Stderr, "unknown daemon action: %s\n\n", args[0])
		printDaemonUsage()
		return 2
	}
}

func runDaemonInstall(args []string) int {
	fs := flag.NewFlagSet("daemon install", flag.ContinueOnError)
	fs.SetOutput(os.Stderr)

	defaultUser := strings.TrimSpace(os.Getenv("USER"))
	if defaultUser == "" {
		defaultUser = "root"
	}

	userName := fs.String("user", defaultUser, "Run services as this Linux user")
	workDir := fs.String("workdir", "", "Working directory holding .env (defaults to cwd)")
	binary := fs.String("binary", "", "Path to the clearoid binary (defaults to this executable)")

	if err := fs.Parse(args); err != nil {
		if errors.Is(err, flag.ErrHelp) {
			return 0
		}
		return 2
	}
	if fs.NArg() != 0 {
		fmt.Fprintln(os.Stderr, "daemon install does not accept positional args")
		return 2
	}
	if strings.TrimSpace(*userName) == "" {
		fmt.Fprintln(os.Stderr, "--user must not be empty")
		return 2
	}
	if err := requireRoot("install"); err != nil {
		fmt.Fprintln(os.Stderr, err)
		return 1
	}

	dir, err := resolveWorkDir(*workDir)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to resolve --workdir: %v\n", err)
		return 2
	}
	binPath, err := resolveBinary(*binary)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to resolve --binary: %v\n", err)
		return 2
	}

	envFile := filepath.Join(dir, ".env")
	units := map[string]unitSpec{
		daemonServeUnitName: {
			Description: "clearoid title dedup API",
			After:       "network.target postgresql.service redis.service",
			User:        strings.TrimSpace(*userName),
			WorkDir:     dir,
			ExecStart:   binPath + " serve --env " + envFile,
			EnvFile:     envFile,
		},
		daemonWorkerUnitName: {
			Description: "clearoid batch worker",
			After:       "network.target postgresql.service redis.service " + daemonServeUnitName,
			User:        strings.TrimSpace(*userName),
			WorkDir:     dir,
			ExecStart:   binPath + " worker --env " + envFile,
			EnvFile:     envFile,
		},
	}

	for _, name := range daemonUnitNames {
		if err := writeUnitFile(name, buildUnitFile(units[name])); err != nil {
			fmt.Fprintf(os.Stderr, "Failed to write %s: %v\n", name, err)
			return 1
		}
	}
	if err := runSystemctl("daemon-reload"); err != nil {
		fmt.Fprintf(os.Stderr, "Failed to reload systemd units: %v\n", err)
		return 1
	}

	enableArgs := append([]string{"enable"}, daemonUnitNames...)
	if err := runSystemctl(enableArgs...); err != nil {
		fmt.Fprintf(os.Stderr, "Failed to enable services: %v\n", err)
		return 1
	}

	fmt.Printf("Installed %s\n", strings.Join(daemonUnitNames, " and "))
	fmt.Println("The worker unit only has work when REDIS_URL is set.")
	fmt.Println("Run `clearoid daemon start` to start them now.")
	return 0
}

func runDaemonUninstall(args []string) int {
	fs := flag.NewFlagSet("daemon uninstall", flag.ContinueOnError)
	fs.SetOutput(os.Stderr)

	if err := fs.Parse(args); err != nil {
		if errors.Is(err, flag.ErrHelp) {
			return 0
		}
		return 2
	}
	if fs.NArg() != 0 {
		fmt.Fprintln(os.Stderr, "daemon uninstall does not accept positional args")
		return 2
	}
	if err := requireRoot("uninstall"); err != nil {
		fmt.Fprintln(os.Stderr, err)
		return 1
	}

	stopArgs := append([]string{"stop"}, daemonUnitNames...)
	if err := runSystemctl(stopArgs...); err != nil {
		fmt.Fprintf(os.Stderr, "Warning: failed to stop one or more services: %v\n", err)
	}

	disableArgs := append([]string{"disable"}, daemonUnitNames...)
	if err := runSystemctl(disableArgs...); err != nil {
		fmt.Fprintf(os.Stderr, "Warning: failed to disable one or more services: %v\n", err)
	}

	for _, unitName := range daemonUnitNames {
		unitPath := filepath.Join(systemdUnitDir, unitName)
		if err := os.Remove(unitPath); err != nil && !errors.Is(err, os.ErrNotExist) {
			fmt.Fprintf(os.Stderr, "Failed to remove %s: %v\n", unitPath, err)
			return 1
		}
	}

	if err := runSystemctl("daemon-reload"); err != nil {
		fmt.Fprintf(os.Stderr, "Failed to reload systemd units: %v\n", err)
		return 1
	}

	fmt.Printf("Removed %s\n", strings.Join(daemonUnitNames, " and "))
	return 0
}

func runDaemonServiceAction(action string, args []string, requireRootPrivileges bool) int {
	fs := flag.NewFlagSet("daemon "+action, flag.ContinueOnError)
	fs.SetOutput(os.Stderr)

	if err := fs.Parse(args); err != nil {
		if errors.Is(err, flag.ErrHelp) {
			return 0
		}
		return 2
	}
	if fs.NArg() != 0 {
		fmt.Fprintf(os.Stderr, "daemon %s does not accept positional args\n", action)
		return 2
	}
	if requireRootPrivileges {
		if err := requireRoot(action); err != nil {
			fmt.Fprintln(os.Stderr, err)
			return 1
		}
	}

	systemctlArgs := make([]string, 0, 2+len(daemonUnitNames))
	systemctlArgs = append(systemctlArgs, action)
	if action == "status" {
		systemctlArgs = append(systemctlArgs, "--no-pager")
	}
	systemctlArgs = append(systemctlArgs, daemonUnitNames...)

	if err := runSystemctl(systemctlArgs...); err != nil {
		fmt.Fprintf(os.Stderr, "Failed to %s services: %v\n", action, err)
		return 1
	}
	return 0
}

func requireRoot(action string) error {
	if os.Geteuid() == 0 {
		return nil
	}
	return fmt.Errorf("daemon %s requires root privileges; run with sudo: sudo clearoid daemon %s", action, action)
}

func resolveWorkDir(raw string) (string, error) {
	trimmed := strings.TrimSpace(raw)
	if trimmed == "" {
		cwd, err := os.Getwd()
		if err != nil {
			return "", err
		}
		trimmed = cwd
	}
	absPath, err := filepath.Abs(trimmed)
	if err != nil {
		return "", fmt.Errorf("normalize path %q: %w", trimmed, err)
	}
	if !isDir(absPath) {
		return "", fmt.Errorf("%q is not a directory", absPath)
	}
	return absPath, nil
}

func resolveBinary(raw string) (string, error) {
	trimmed := strings.TrimSpace(raw)
	if trimmed == "" {
		exePath, err := os.Executable()
		if err != nil {
			return "", err
		}
		if resolved, err := filepath.EvalSymlinks(exePath); err == nil {
			exePath = resolved
		}
		return exePath, nil
	}
	absPath, err := filepath.Abs(trimmed)
	if err != nil {
		return "", fmt.Errorf("normalize path %q: %w", trimmed, err)
	}
	info, err := os.Stat(absPath)
	if err != nil {
		return "", err
	}
	if info.IsDir() || info.Mode()&0o111 == 0 {
		return "", fmt.Errorf("%q is not an executable file", absPath)
	}
	return absPath, nil
}

func isDir(path string) bool {
	info, err := os.Stat(path)
	if err != nil {
		return false
	}
	return info.IsDir()
}

func buildUnitFile(spec unitSpec) string {
	lines := []string{
		"[Unit]",
		"Description=" + spec.Description,
		"After=" + spec.After,
		"",
		"[Service]",
		"Type=simple",
		"User=" + spec.User,
		"WorkingDirectory=" + spec.WorkDir,
	}
	if spec.EnvFile != "" {
		// "-" keeps the unit startable before .env exists.
		lines = append(lines, "EnvironmentFile=-"+spec.EnvFile)
	}
	lines = append(lines,
		"ExecStart="+spec.ExecStart,
		"Restart=on-failure",
		"RestartSec=5",
		"",
		"[Install]",
		"WantedBy=multi-user.target",
		"",
	)
	return strings.Join(lines, "\n")
}

func writeUnitFile(name, content string) error {
	unitPath := filepath.Join(systemdUnitDir, name)
	return os.WriteFile(unitPath, []byte(content), 0o644)
}

func runSystemctl(args ...string) error {
	cmd := exec.Command("systemctl", args...)
	cmd.Stdout = os.Stdout
	cmd.Stderr = os.Stderr

	if err := cmd.Run(); err != nil {
		return fmt.Errorf("systemctl %s: %w", strings.Join(args, " "), err)
	}
	return nil
}

func printDaemonUsage() {
	fmt.Fprintln(os.Stderr, "clearoid daemon")
	fmt.Fprintln(os.Stderr, "")
	fmt.Fprintln(os.Stderr, "Usage:")
	fmt.Fprintln(os.Stderr, "  clearoid daemon <action> [flags]")
	fmt.Fprintln(os.Stderr, "")
	fmt.Fprintln(os.Stderr, "Actions:")
	fmt.Fprintln(os.Stderr, "  install     Write unit files, daemon-reload, and enable services on boot")
	fmt.Fprintln(os.Stderr, "  uninstall   Stop, disable, and remove unit files")
	fmt.Fprintln(os.Stderr, "  start       Start serve and worker")
	fmt.Fprintln(os.Stderr, "  stop        Stop serve and worker")
	fmt.Fprintln(os.Stderr, "  restart     Restart serve and worker")
	fmt.Fprintln(os.Stderr, "  status      Show status for both services")
	fmt.Fprintln(os.Stderr, "")
	fmt.Fprintln(os.Stderr, "Install flags:")
	fmt.Fprintln(os.Stderr, "  --user <name>       Service user (default: $USER)")
	fmt.Fprintln(os.Stderr, "  --workdir <path>    Directory holding .env (default: cwd)")
	fmt.Fprintln(os.Stderr, "  --binary <path>     clearoid binary (default: this executable)")
}

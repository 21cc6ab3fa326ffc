package cli

import (
	"errors"
	"flag"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"strings"

	"github.com/joho/godotenv"
)

// ErrEnvFileNotFound is returned when no candidate .env file could be loaded.
// Commands treat it as a warning because the process environment may already
// carry the configuration.
var ErrEnvFileNotFound = errors.New("env file not found")

var overrideVars = []string{"CLEAROID_ENV_FILE", "ENV_FILE"}

// EnvLoader loads .env files with a predictable override order.
type EnvLoader struct {
	value       *string
	defaultPath string
}

// AddEnvFlag registers an --env flag and returns an EnvLoader.
func AddEnvFlag(fs *flag.FlagSet, defaultPath, description string) *EnvLoader {
	if fs == nil {
		fs = flag.CommandLine
	}
	if defaultPath == "" {
		defaultPath = ".env"
	}
	if description == "" {
		description = "Path to the .env file"
	}

	value := fs.String("env", defaultPath, description)
	return &EnvLoader{
		value:       value,
		defaultPath: defaultPath,
	}
}

// Candidates lists the files Load will try, in order.
func (l *EnvLoader) Candidates() []string {
	if l == nil {
		return nil
	}

	out := make([]string, 0, 5)
	seen := make(map[string]struct{}, 5)
	add := func(path string) {
		path = strings.TrimSpace(path)
		if path == "" {
			return
		}
		if _, ok := seen[path]; ok {
			return
		}
		seen[path] = struct{}{}
		out = append(out, path)
	}

	for _, envVar := range overrideVars {
		add(os.Getenv(envVar))
	}

	requested := strings.TrimSpace(derefString(l.value))
	if requested == "" {
		requested = l.defaultPath
	}
	add(requested)
	if base := filepath.Base(requested); base != "." && base != requested {
		add(base)
	}
	add(l.defaultPath)
	return out
}

// Load resolves and loads environment variables using the configured flag value.
func (l *EnvLoader) Load() (string, error) {
	if l == nil {
		return "", fmt.Errorf("env loader is nil")
	}

	log.SetOutput(os.Stderr)

	candidates := l.Candidates()
	for _, path := range candidates {
		if err := godotenv.Overload(path); err == nil {
			log.Printf("Loaded environment from: %s", path)
			return path, nil
		}
	}

	return "", fmt.Errorf("%w: tried %s", ErrEnvFileNotFound, strings.Join(candidates, ", "))
}

func derefString(p *string) string {
	if p == nil {
		return ""
	}
	return *p
}

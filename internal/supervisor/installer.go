// installer.go encapsulates all package-manager interaction. No other file
// may invoke npm directly — the supervisor asks the installer to ensure a
// package is present and to resolve the command that launches it.
package supervisor

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"go.uber.org/zap"
)

// ErrInstall wraps package installation failures. No server record persists
// after an install failure.
var ErrInstall = errors.New("supervisor: package install failed")

// installer installs registry packages under a private prefix and resolves
// their binary shims.
type installer struct {
	dir     string
	timeout time.Duration
	logger  *zap.Logger
}

func newInstaller(dir string, timeout time.Duration, logger *zap.Logger) *installer {
	return &installer{dir: dir, timeout: timeout, logger: logger}
}

// packageDir is where npm materialises the package under our prefix.
func (i *installer) packageDir(spec PackageSpec) string {
	return filepath.Join(i.dir, "node_modules", filepath.FromSlash(spec.Name))
}

// installed reports whether the package is already present on disk.
// Installed packages persist across orchestrator restarts — that is the
// package manager's state, not ours.
func (i *installer) installed(spec PackageSpec) bool {
	_, err := os.Stat(filepath.Join(i.packageDir(spec), "package.json"))
	return err == nil
}

// ensure installs the package if absent. The install runs to completion
// before returning and is bounded by the configured timeout.
func (i *installer) ensure(ctx context.Context, spec PackageSpec) error {
	if i.installed(spec) {
		return nil
	}

	if err := os.MkdirAll(i.dir, 0o750); err != nil {
		return fmt.Errorf("%w: create install dir: %v", ErrInstall, err)
	}

	ctx, cancel := context.WithTimeout(ctx, i.timeout)
	defer cancel()

	start := time.Now()
	cmd := exec.CommandContext(ctx, "npm", "install",
		"--prefix", i.dir,
		"--no-fund", "--no-audit", "--loglevel", "error",
		spec.String(),
	)
	var output bytes.Buffer
	cmd.Stdout = &output
	cmd.Stderr = &output

	i.logger.Info("installing package",
		zap.String("package", spec.String()),
		zap.String("prefix", i.dir))

	if err := cmd.Run(); err != nil {
		if ctx.Err() != nil {
			return fmt.Errorf("%w: %s: install timed out after %s", ErrInstall, spec.String(), i.timeout)
		}
		return fmt.Errorf("%w: %s: %v: %s", ErrInstall, spec.String(), err, tail(output.String(), 500))
	}

	i.logger.Info("package installed",
		zap.String("package", spec.String()),
		zap.Duration("took", time.Since(start)))
	return nil
}

// resolve returns the command and arguments that launch the package's
// server. It prefers the installed binary shim (node_modules/.bin/<name>);
// if the package declares no bin, it falls back to the package manager's
// runner so the package's own start logic applies.
func (i *installer) resolve(spec PackageSpec) (string, []string, error) {
	manifestPath := filepath.Join(i.packageDir(spec), "package.json")
	data, err := os.ReadFile(manifestPath)
	if err != nil {
		return "", nil, fmt.Errorf("supervisor: read package manifest: %w", err)
	}

	var manifest struct {
		Name string          `json:"name"`
		Bin  json.RawMessage `json:"bin"`
	}
	if err := json.Unmarshal(data, &manifest); err != nil {
		return "", nil, fmt.Errorf("supervisor: parse package manifest: %w", err)
	}

	if shim := i.binShim(spec, manifest.Bin); shim != "" {
		return shim, nil, nil
	}

	// No usable shim — let the package manager's runner figure it out.
	return "npx", []string{"--prefix", i.dir, "--yes", spec.String()}, nil
}

// binShim picks a shim path from the manifest's bin field, which is either a
// string (single binary named after the package) or a map of name → script.
func (i *installer) binShim(spec PackageSpec, bin json.RawMessage) string {
	if len(bin) == 0 {
		return ""
	}
	binDir := filepath.Join(i.dir, "node_modules", ".bin")

	var single string
	if err := json.Unmarshal(bin, &single); err == nil {
		return i.existingShim(filepath.Join(binDir, baseName(spec.Name)))
	}

	var multi map[string]string
	if err := json.Unmarshal(bin, &multi); err != nil || len(multi) == 0 {
		return ""
	}
	// Prefer the shim named after the package, else the first sorted name
	// so resolution stays deterministic.
	if _, ok := multi[baseName(spec.Name)]; ok {
		return i.existingShim(filepath.Join(binDir, baseName(spec.Name)))
	}
	names := make([]string, 0, len(multi))
	for name := range multi {
		names = append(names, name)
	}
	sort.Strings(names)
	return i.existingShim(filepath.Join(binDir, names[0]))
}

func (i *installer) existingShim(path string) string {
	if _, err := os.Stat(path); err != nil {
		i.logger.Debug("binary shim missing, falling back to runner", zap.String("path", path))
		return ""
	}
	return path
}

// baseName strips a scope prefix: "@acme/mcp-tools" → "mcp-tools".
func baseName(pkg string) string {
	if idx := strings.LastIndex(pkg, "/"); idx >= 0 {
		return pkg[idx+1:]
	}
	return pkg
}

// tail returns at most n trailing bytes of s, for embedding command output
// in error messages without flooding logs.
func tail(s string, n int) string {
	s = strings.TrimSpace(s)
	if len(s) <= n {
		return s
	}
	return "…" + s[len(s)-n:]
}

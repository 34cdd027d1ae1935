package claudecli

import (
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strings"

	"github.com/novahq/nova/internal/plugin"
	"github.com/novahq/nova/pkg/claudecode"
)

// binaryName is the CLI executable looked up on PATH.
const binaryName = "claude"

// candidatePaths returns the ordered absolute locations checked before the
// PATH lookup. Installer layouts differ across platforms and versions.
func candidatePaths() []string {
	home, _ := os.UserHomeDir()
	paths := []string{
		"/usr/local/bin/claude",
		"/opt/homebrew/bin/claude",
	}
	if home != "" {
		paths = append(paths,
			filepath.Join(home, ".claude", "local", "claude"),
			filepath.Join(home, ".local", "bin", "claude"),
			filepath.Join(home, ".npm-global", "bin", "claude"),
		)
	}
	return paths
}

// resolveBinaryFn locates the CLI executable. A package variable so tests
// can substitute a stub binary.
var resolveBinaryFn = resolveBinary

// resolveBinary locates the CLI executable. Absence is a start-time error:
// the session transitions to error before any subprocess exists.
func resolveBinary() (string, error) {
	for _, p := range candidatePaths() {
		if info, err := os.Stat(p); err == nil && !info.IsDir() {
			return p, nil
		}
	}
	if p, err := exec.LookPath(binaryName); err == nil {
		return p, nil
	}
	return "", fmt.Errorf("claude binary not found in known locations or PATH")
}

// buildArgs translates invoke options into the CLI argument list.
// The session runs in single-prompt mode: the prompt is passed with the
// print flag and the process exits after one exchange.
func buildArgs(opts plugin.InvokeOptions) []string {
	args := []string{
		"--print", opts.Prompt,
		"--output-format", "stream-json",
		"--verbose",
		"--include-partial-messages",
	}

	if opts.AgentID != "" {
		args = append(args, "--model", opts.AgentID)
	}

	args = append(args, "--permission-mode", effectivePermissionMode(opts))

	if opts.ResumeSessionID != "" {
		args = append(args, "--resume", opts.ResumeSessionID)
		if opts.ForkSession {
			args = append(args, "--fork-session")
		}
	}

	if len(opts.AllowedTools) > 0 {
		args = append(args, "--allowedTools", strings.Join(opts.AllowedTools, ","))
	}
	if len(opts.DisallowedTools) > 0 {
		args = append(args, "--disallowedTools", strings.Join(opts.DisallowedTools, ","))
	}

	return args
}

// effectivePermissionMode resolves the permission mode with the legacy
// bypass_mode boolean taking precedence when present: false maps to
// "default", true to "bypassPermissions". Unset and unknown modes fall
// back to "bypassPermissions".
func effectivePermissionMode(opts plugin.InvokeOptions) string {
	if opts.BypassMode != nil {
		if *opts.BypassMode {
			return claudecode.PermissionModeBypassPermissions
		}
		return claudecode.PermissionModeDefault
	}
	if claudecode.ValidPermissionMode(opts.PermissionMode) {
		return opts.PermissionMode
	}
	return claudecode.PermissionModeBypassPermissions
}

// sessionEnv extends the parent environment with terminal settings that
// keep the CLI's output machine-parseable under a PTY.
func sessionEnv() []string {
	env := os.Environ()
	env = append(env,
		"TERM=xterm-256color",
		"NO_COLOR=1",
		"FORCE_COLOR=0",
	)
	return env
}

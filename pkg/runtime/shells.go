// Package runtime implements the interactive (PTY) lane: a persistent child
// shell per scenario driven through a pseudoterminal, with output folded
// into the stream tail and an in-memory screen model.
package runtime

import (
	"fmt"
	"os/exec"
	"runtime"
)

// BuildShellCommand resolves a shell selector into an argv that runs one
// command string and exits.
func BuildShellCommand(command, shell string) ([]string, error) {
	switch shell {
	case "pwsh", "powershell":
		return []string{"powershell", "-NoProfile", "-Command", command}, nil
	case "cmd":
		return []string{"cmd", "/C", command}, nil
	case "bash", "zsh", "fish", "sh":
		return []string{shell, "-lc", command}, nil
	}

	if runtime.GOOS == "windows" {
		if _, err := exec.LookPath("powershell"); err == nil {
			return []string{"powershell", "-NoProfile", "-Command", command}, nil
		}
		return []string{"cmd", "/C", command}, nil
	}
	if _, err := exec.LookPath("bash"); err == nil {
		return []string{"bash", "-lc", command}, nil
	}
	if _, err := exec.LookPath("sh"); err == nil {
		return []string{"sh", "-lc", command}, nil
	}
	return nil, fmt.Errorf("no supported shell found (expected bash/sh on POSIX)")
}

// InteractiveShellArgv resolves the persistent shell spawned on the PTY.
func InteractiveShellArgv(shell string) ([]string, error) {
	switch shell {
	case "", "auto":
		if _, err := exec.LookPath("bash"); err == nil {
			return []string{"bash", "--norc", "-i"}, nil
		}
		if _, err := exec.LookPath("sh"); err == nil {
			return []string{"sh", "-i"}, nil
		}
		return nil, fmt.Errorf("no supported shell found (expected bash/sh on POSIX)")
	case "bash":
		return []string{"bash", "--norc", "-i"}, nil
	case "zsh":
		return []string{"zsh", "-f", "-i"}, nil
	case "fish":
		return []string{"fish", "-i"}, nil
	default:
		return nil, fmt.Errorf("shell %q is not supported for the pty lane", shell)
	}
}

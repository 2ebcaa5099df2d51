package runtime

import (
	"context"
	"fmt"
	"os/exec"
	"time"
)

// RunSetupCommand executes one preinstall or scenario-setup command through
// the resolved shell with a hard timeout. The combined output and exit code
// are returned; a timeout reports exit code 124 like the shells do.
func RunSetupCommand(ctx context.Context, command, shell, cwd string, timeout time.Duration) (string, int, error) {
	argv, err := BuildShellCommand(command, shell)
	if err != nil {
		return "", -1, err
	}
	runCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	cmd := exec.CommandContext(runCtx, argv[0], argv[1:]...)
	cmd.Dir = cwd
	out, err := cmd.CombinedOutput()
	if runCtx.Err() == context.DeadlineExceeded {
		output := fmt.Sprintf("command timed out after %s: %s\n%s", timeout, command, out)
		return output, 124, nil
	}
	if err != nil {
		if exitErr, ok := err.(*exec.ExitError); ok {
			return string(out), exitErr.ExitCode(), nil
		}
		return string(out), -1, err
	}
	return string(out), 0, nil
}

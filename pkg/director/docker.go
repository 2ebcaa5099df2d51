package director

import (
	"bufio"
	"context"
	"crypto/sha256"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"sort"
	"strings"
)

// containerWorkspace is where the screenplay directory is mounted inside the
// container.
const containerWorkspace = "/workspace"

// imagePrefix names images this tool builds, so retention pruning never
// touches anything else.
const imagePrefix = "terminal-demo-studio"

// DockerReachable reports whether a container runtime is present and its
// daemon answers.
func DockerReachable() error {
	if _, err := exec.LookPath("docker"); err != nil {
		return fmt.Errorf("docker binary not found in PATH")
	}
	cmd := exec.Command("docker", "info", "--format", "{{.ServerVersion}}")
	out, err := cmd.CombinedOutput()
	if err != nil {
		return fmt.Errorf("docker daemon not reachable: %s", strings.TrimSpace(string(out)))
	}
	return nil
}

// ComputeImageTag derives a deterministic tag from the image build inputs so
// a changed Dockerfile produces a fresh image.
func ComputeImageTag(projectRoot string) (string, error) {
	h := sha256.New()
	for _, name := range []string{"Dockerfile", "go.mod"} {
		data, err := os.ReadFile(filepath.Join(projectRoot, name))
		if err != nil {
			if os.IsNotExist(err) {
				continue
			}
			return "", err
		}
		h.Write([]byte(name))
		h.Write(data)
	}
	return fmt.Sprintf("%s:%x", imagePrefix, h.Sum(nil)[:8]), nil
}

func imageExists(tag string) bool {
	err := exec.Command("docker", "image", "inspect", tag).Run()
	return err == nil
}

// EnsureImage builds the runner image when the project ships a Dockerfile,
// then prunes old images beyond the retention count. Without a Dockerfile the
// pre-loaded :latest image is assumed.
func EnsureImage(projectRoot string, rebuild bool, retention int) (string, error) {
	if _, err := os.Stat(filepath.Join(projectRoot, "Dockerfile")); err != nil {
		return imagePrefix + ":latest", nil
	}
	tag, err := ComputeImageTag(projectRoot)
	if err != nil {
		return "", err
	}
	if rebuild || !imageExists(tag) {
		cmd := exec.Command("docker", "build", "-t", tag, projectRoot)
		out, err := cmd.CombinedOutput()
		if err != nil {
			return "", fmt.Errorf("docker build: %w\n%s", err, strings.TrimSpace(string(out)))
		}
	}
	pruneImages(retention, tag)
	return tag, nil
}

// pruneImages removes stale tool images past the retention count, newest
// first, never the active tag.
func pruneImages(retention int, keepTag string) {
	out, err := exec.Command(
		"docker", "images", "--format", "{{.CreatedAt}}\t{{.Repository}}:{{.Tag}}",
		imagePrefix,
	).Output()
	if err != nil {
		return
	}
	type entry struct{ created, tag string }
	var entries []entry
	for _, line := range strings.Split(strings.TrimSpace(string(out)), "\n") {
		parts := strings.SplitN(line, "\t", 2)
		if len(parts) != 2 || parts[1] == keepTag {
			continue
		}
		entries = append(entries, entry{created: parts[0], tag: parts[1]})
	}
	sort.Slice(entries, func(i, j int) bool { return entries[i].created > entries[j].created })
	if retention < 1 {
		retention = 1
	}
	for i, e := range entries {
		if i < retention-1 {
			continue
		}
		_ = exec.Command("docker", "rmi", e.tag).Run()
	}
}

// hardeningFlags assembles the docker run safety flags from the frozen
// configuration.
func hardeningFlags(cfg *Config) []string {
	var flags []string
	if cfg.DockerHardening {
		flags = append(flags,
			"--security-opt", "no-new-privileges",
			"--cap-drop", "ALL",
			"--pids-limit", fmt.Sprintf("%d", cfg.DockerPidsLimit),
		)
	}
	if cfg.DockerNetwork != "" {
		flags = append(flags, "--network", cfg.DockerNetwork)
	}
	if cfg.DockerReadOnly {
		flags = append(flags, "--read-only", "--tmpfs", "/tmp")
	}
	return flags
}

// RunInDocker executes the run inside the container image, mirroring stdout
// with container paths rewritten back to host paths. Returns the container
// process exit code.
func RunInDocker(ctx context.Context, screenplayPath string, mode Mode, cfg *Config) (int, error) {
	projectRoot := cfg.WorkDir
	tag, err := EnsureImage(projectRoot, false, cfg.DockerImageRetention)
	if err != nil {
		return 0, err
	}

	hostDir := filepath.Dir(screenplayPath)
	argv := []string{
		"run", "--rm",
		"-v", hostDir + ":" + containerWorkspace,
		"-e", "TERMINAL_DEMO_STUDIO_IN_CONTAINER=1",
	}
	argv = append(argv, hardeningFlags(cfg)...)
	argv = append(argv, tag,
		"run", containerWorkspace+"/"+filepath.Base(screenplayPath),
		"--local",
	)
	if mode != "" && mode != ModeAuto {
		argv = append(argv, "--mode", string(mode))
	}

	cmd := exec.CommandContext(ctx, "docker", argv...)
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return 0, err
	}
	cmd.Stderr = os.Stderr
	if err := cmd.Start(); err != nil {
		return 0, fmt.Errorf("docker run: %w", err)
	}

	scanner := bufio.NewScanner(stdout)
	for scanner.Scan() {
		fmt.Println(rewriteContainerPaths(scanner.Text(), hostDir))
	}
	if err := cmd.Wait(); err != nil {
		if exitErr, ok := err.(*exec.ExitError); ok {
			return exitErr.ExitCode(), nil
		}
		return 0, err
	}
	return 0, nil
}

// rewriteContainerPaths maps /workspace paths in the KEY=VALUE contract back
// to the host filesystem.
func rewriteContainerPaths(line, hostDir string) string {
	return strings.ReplaceAll(line, containerWorkspace, hostDir)
}

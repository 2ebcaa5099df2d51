// Package video implements the visual lane: a real terminal emulator on a
// virtual display, driven over a private remote-control socket while a
// screen-video encoder records the display.
package video

import (
	"context"
	"fmt"
	"os/exec"
	"strings"
	"time"
)

// Remote is a kitty remote-control client bound to one private socket.
type Remote struct {
	SocketTarget string
	Env          []string

	// run is replaceable in tests.
	run func(ctx context.Context, argv, env []string) (string, error)
}

// NewRemote builds a client for the given unix socket target.
func NewRemote(socketTarget string, env []string) *Remote {
	return &Remote{
		SocketTarget: socketTarget,
		Env:          env,
		run:          runProcess,
	}
}

func runProcess(ctx context.Context, argv, env []string) (string, error) {
	cmd := exec.CommandContext(ctx, argv[0], argv[1:]...)
	cmd.Env = env
	out, err := cmd.CombinedOutput()
	if err != nil {
		message := strings.TrimSpace(string(out))
		if message == "" {
			message = "kitten call failed"
		}
		return "", fmt.Errorf("%s", message)
	}
	return string(out), nil
}

func (r *Remote) kitten(ctx context.Context, timeout time.Duration, args ...string) (string, error) {
	callCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	argv := append([]string{"kitten", "@", "--to", r.SocketTarget}, args...)
	return r.run(callCtx, argv, r.Env)
}

// WaitReady polls the remote-control channel until the emulator answers.
func (r *Remote) WaitReady(ctx context.Context, timeout time.Duration) error {
	deadline := time.Now().Add(timeout)
	lastErr := fmt.Errorf("kitty remote control not ready")
	for time.Now().Before(deadline) {
		if err := ctx.Err(); err != nil {
			return err
		}
		if _, err := r.kitten(ctx, 2*time.Second, "ls"); err == nil {
			return nil
		} else {
			lastErr = err
		}
		time.Sleep(150 * time.Millisecond)
	}
	return lastErr
}

// SendText types text into the focused window.
func (r *Remote) SendText(ctx context.Context, value string) error {
	_, err := r.kitten(ctx, 5*time.Second, "send-text", value)
	return err
}

// SendKey dispatches a normalized key token.
func (r *Remote) SendKey(ctx context.Context, token string) error {
	_, err := r.kitten(ctx, 5*time.Second, "send-key", NormalizeKeyToken(token))
	return err
}

// GetText asks the emulator for its text buffer.
func (r *Remote) GetText(ctx context.Context) (string, error) {
	return r.kitten(ctx, 5*time.Second, "get-text")
}

// keyTokenMap normalizes document key names to the emulator vocabulary.
var keyTokenMap = map[string]string{
	"enter": "enter", "return": "enter",
	"tab":       "tab",
	"up":        "up",
	"down":      "down",
	"left":      "left",
	"right":     "right",
	"esc":       "esc",
	"escape":    "esc",
	"backspace": "backspace",
	"space":     "space",
}

// NormalizeKeyToken lowercases and maps a key or chord token.
func NormalizeKeyToken(value string) string {
	token := strings.TrimSpace(value)
	if strings.Contains(token, "+") {
		parts := strings.Split(token, "+")
		normalized := make([]string, 0, len(parts))
		for _, part := range parts {
			part = strings.ToLower(strings.TrimSpace(part))
			if part == "" {
				continue
			}
			if mapped, ok := keyTokenMap[part]; ok {
				part = mapped
			}
			normalized = append(normalized, part)
		}
		return strings.Join(normalized, "+")
	}
	if mapped, ok := keyTokenMap[strings.ToLower(token)]; ok {
		return mapped
	}
	return token
}

package video

import (
	"context"
	"errors"
	"strings"
	"testing"
)

func TestNormalizeKeyToken(t *testing.T) {
	cases := map[string]string{
		"enter":     "enter",
		"Return":    "enter",
		"ESC":       "esc",
		"escape":    "esc",
		"Tab":       "tab",
		"up":        "up",
		"ctrl+c":    "ctrl+c",
		"Ctrl + C":  "ctrl+c",
		"alt+f4":    "alt+f4",
		"ctrl+Esc":  "ctrl+esc",
		"PageDown":  "PageDown", // unknown tokens pass through
		" spaced  ": "spaced",
	}
	for in, want := range cases {
		if got := NormalizeKeyToken(in); got != want {
			t.Errorf("NormalizeKeyToken(%q) = %q, want %q", in, got, want)
		}
	}
}

func fakeRemote(responses map[string]string, fail bool) (*Remote, *[][]string) {
	var calls [][]string
	r := NewRemote("unix:/tmp/fake.sock", nil)
	r.run = func(ctx context.Context, argv, env []string) (string, error) {
		calls = append(calls, argv)
		if fail {
			return "", errors.New("remote unavailable")
		}
		key := strings.Join(argv[4:], " ")
		return responses[key], nil
	}
	return r, &calls
}

func TestRemoteSendKeyNormalizes(t *testing.T) {
	r, calls := fakeRemote(nil, false)
	if err := r.SendKey(context.Background(), "Escape"); err != nil {
		t.Fatalf("send: %v", err)
	}
	argv := (*calls)[0]
	if argv[len(argv)-1] != "esc" {
		t.Errorf("key not normalized: %v", argv)
	}
	if argv[0] != "kitten" || argv[2] != "--to" || argv[3] != "unix:/tmp/fake.sock" {
		t.Errorf("socket routing wrong: %v", argv)
	}
}

func TestRemoteGetText(t *testing.T) {
	r, _ := fakeRemote(map[string]string{"get-text": "screen body"}, false)
	text, err := r.GetText(context.Background())
	if err != nil {
		t.Fatalf("get-text: %v", err)
	}
	if text != "screen body" {
		t.Errorf("got %q", text)
	}
}

func TestScreenSourceKeepsLastGoodSnapshot(t *testing.T) {
	r, _ := fakeRemote(map[string]string{"get-text": "first"}, false)
	source := &screenSource{ctx: context.Background(), remote: r}
	if snap := source.Snapshot(); snap.Screen != "first" {
		t.Fatalf("got %q", snap.Screen)
	}

	r.run = func(context.Context, []string, []string) (string, error) {
		return "", errors.New("emulator gone")
	}
	if snap := source.Snapshot(); snap.Screen != "first" {
		t.Errorf("stale snapshot not kept: %q", snap.Screen)
	}
}

func TestDisplayIDStableForIndex(t *testing.T) {
	a := displayID(0)
	b := displayID(1)
	if a == b {
		t.Errorf("scenario displays must differ: %s %s", a, b)
	}
	if !strings.HasPrefix(a, ":") {
		t.Errorf("display id shape: %s", a)
	}
}

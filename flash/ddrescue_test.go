package flash

import (
	"context"
	"os"
	"os/exec"
	"path/filepath"
	"testing"
	"time"

	janus "github.com/maksidze/janus"
)

func TestParseSizeString(t *testing.T) {
	cases := map[string]int64{
		"1234 MB":  1234 * 1000 * 1000,
		"1.5 GiB":  int64(1.5 * 1024 * 1024 * 1024),
		"0 B":      0,
		"512 KiB":  512 * 1024,
		"garbage":  0,
		"12 flops": 0,
	}
	for in, want := range cases {
		if got := parseSizeString(in); got != want {
			t.Errorf("parseSizeString(%q) = %d, want %d", in, got, want)
		}
	}
}

func TestParseRescueLine(t *testing.T) {
	start := time.Now().Add(-time.Second)
	line := "rescued:   500 MB,  errsize:       0 B,  current rate:   45 MB/s"
	update, ok := parseRescueLine(line, 1000*1000*1000, start)
	if !ok {
		t.Fatal("expected an update")
	}
	if update.Progress != 0.5 {
		t.Fatalf("progress = %f, want 0.5", update.Progress)
	}
	if update.SpeedBytes != 45*1000*1000 {
		t.Fatalf("speed = %f, want 45 MB/s", update.SpeedBytes)
	}
	if update.EtaSec <= 0 {
		t.Fatalf("eta = %f, want positive", update.EtaSec)
	}
}

func TestParseRescueLineIgnoresOtherOutput(t *testing.T) {
	for _, line := range []string{
		"GNU ddrescue 1.27",
		"ipos:    1234 MB,   errors:       0",
		"Finished",
	} {
		if _, ok := parseRescueLine(line, 1000, time.Now()); ok {
			t.Fatalf("line %q should not produce an update", line)
		}
	}
}

func TestRescueWriteDrivesDdrescue(t *testing.T) {
	dir := t.TempDir()
	image := filepath.Join(dir, "test.img")
	if err := os.WriteFile(image, make([]byte, 1000), 0o644); err != nil {
		t.Fatal(err)
	}

	r := NewRunner(Config{RescueWriter: true}, nil)
	var names []string
	r.command = func(ctx context.Context, name string, args ...string) *exec.Cmd {
		names = append(names, name)
		return exec.CommandContext(ctx, "/bin/sh", "-c",
			`printf 'rescued:   500 B,  errsize: 0 B,  current rate: 500 B/s\nFinished\n'; exit 0`)
	}
	r.run = func(context.Context, string, ...string) ([]byte, error) { return nil, nil }

	var updates []janus.StageUpdate
	ok := r.Write(context.Background(), image, filepath.Join(dir, "device"),
		func(u janus.StageUpdate) { updates = append(updates, u) },
		func(string) {}, make(chan struct{}))
	if !ok {
		t.Fatal("rescue Write = false")
	}
	if len(names) != 1 || names[0] != "ddrescue" {
		t.Fatalf("commands = %v, want [ddrescue]", names)
	}
	if len(updates) < 2 {
		t.Fatalf("updates = %+v, want rescued line plus final", updates)
	}
	if updates[0].Progress != 0.5 {
		t.Fatalf("first progress = %f, want 0.5", updates[0].Progress)
	}
	if updates[len(updates)-1].Progress != 1.0 {
		t.Fatalf("final progress = %f, want 1.0", updates[len(updates)-1].Progress)
	}
}

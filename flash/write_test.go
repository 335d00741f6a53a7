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

// fakeWriteRunner substitutes the dd invocation with a shell script and
// disables the final sync.
func fakeWriteRunner(t *testing.T, ddScript string) *Runner {
	t.Helper()
	r := NewRunner(Config{}, nil)
	r.command = func(ctx context.Context, name string, args ...string) *exec.Cmd {
		if name != "dd" {
			t.Fatalf("unexpected command %s", name)
		}
		return exec.CommandContext(ctx, "/bin/sh", "-c", ddScript)
	}
	r.run = func(context.Context, string, ...string) ([]byte, error) { return nil, nil }
	return r
}

func TestWriteRawImageSuccess(t *testing.T) {
	dir := t.TempDir()
	image := filepath.Join(dir, "test.img")
	if err := os.WriteFile(image, make([]byte, 1048576), 0o644); err != nil {
		t.Fatal(err)
	}

	// Emit two dd-style progress lines on stderr, then exit 0.
	script := `printf '524288 bytes (524 kB, 512 KiB) copied, 1 s, 524 kB/s\r' >&2
printf '1048576 bytes (1.0 MB, 1.0 MiB) copied, 2 s, 524 kB/s\n' >&2
exit 0`
	r := fakeWriteRunner(t, script)

	var updates []janus.StageUpdate
	var logs []string
	ok := r.Write(context.Background(), image, filepath.Join(dir, "device"),
		func(u janus.StageUpdate) { updates = append(updates, u) },
		func(l string) { logs = append(logs, l) },
		make(chan struct{}))
	if !ok {
		t.Fatalf("Write = false, logs: %v", logs)
	}
	if len(updates) < 3 {
		t.Fatalf("updates = %d, want parsed lines plus final", len(updates))
	}
	final := updates[len(updates)-1]
	if final.Progress != 1.0 || final.EtaHuman != "done" {
		t.Fatalf("final update = %+v", final)
	}
	mid := updates[0]
	if mid.Progress < 0.49 || mid.Progress > 0.51 {
		t.Fatalf("first parsed progress = %f, want ~0.5", mid.Progress)
	}
}

func TestWriteFailurePropagates(t *testing.T) {
	dir := t.TempDir()
	image := filepath.Join(dir, "test.img")
	if err := os.WriteFile(image, []byte("data"), 0o644); err != nil {
		t.Fatal(err)
	}

	script := `printf "dd: error writing '/dev/sdx': No space left on device\n" >&2
exit 1`
	r := fakeWriteRunner(t, script)

	var logs []string
	ok := r.Write(context.Background(), image, "/dev/sdx",
		func(janus.StageUpdate) {}, func(l string) { logs = append(logs, l) },
		make(chan struct{}))
	if ok {
		t.Fatal("Write = true for failing dd")
	}
	if len(logs) == 0 {
		t.Fatal("expected error lines in the log tail")
	}
}

func TestWriteKillSignalTerminatesChild(t *testing.T) {
	dir := t.TempDir()
	image := filepath.Join(dir, "test.img")
	if err := os.WriteFile(image, []byte("data"), 0o644); err != nil {
		t.Fatal(err)
	}

	r := fakeWriteRunner(t, "sleep 10")

	killSig := make(chan struct{})
	done := make(chan bool, 1)
	start := time.Now()
	go func() {
		done <- r.Write(context.Background(), image, "/dev/null",
			func(janus.StageUpdate) {}, func(string) {}, killSig)
	}()

	time.Sleep(100 * time.Millisecond)
	close(killSig)

	select {
	case ok := <-done:
		if ok {
			t.Fatal("cancelled Write must return false")
		}
		if elapsed := time.Since(start); elapsed > 3*time.Second {
			t.Fatalf("cancellation took %v, child not killed promptly", elapsed)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("Write did not return after kill signal")
	}
}

func TestWriteSelectsDecompressor(t *testing.T) {
	dir := t.TempDir()
	image := filepath.Join(dir, "test.img.xz")
	if err := os.WriteFile(image, []byte("compressed"), 0o644); err != nil {
		t.Fatal(err)
	}

	var names []string
	r := NewRunner(Config{}, nil)
	r.command = func(ctx context.Context, name string, args ...string) *exec.Cmd {
		names = append(names, name)
		return exec.CommandContext(ctx, "/bin/sh", "-c", "cat >/dev/null; exit 0")
	}
	r.run = func(context.Context, string, ...string) ([]byte, error) { return nil, nil }

	ok := r.Write(context.Background(), image, filepath.Join(dir, "device"),
		func(janus.StageUpdate) {}, func(string) {}, make(chan struct{}))
	if !ok {
		t.Fatal("Write = false")
	}
	if len(names) != 2 || names[0] != "xzcat" || names[1] != "dd" {
		t.Fatalf("commands = %v, want [xzcat dd]", names)
	}
}

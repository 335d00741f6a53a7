package flash

import (
	"context"
	"os/exec"
	"testing"

	janus "github.com/maksidze/janus"
)

const lsblkPartsFixture = `{
  "blockdevices": [
    {"name": "sdb", "type": "disk", "children": [
      {"name": "sdb1", "type": "part", "fstype": "vfat"},
      {"name": "sdb2", "type": "part", "fstype": "ext4"}
    ]}
  ]
}`

// exitError produces a real exit-status-1 error. exec.ExitError cannot
// be constructed with a code directly, so run the `false` binary.
func exitError(t *testing.T) *exec.ExitError {
	t.Helper()
	err := exec.Command("false").Run()
	exitErr, ok := err.(*exec.ExitError)
	if !ok {
		t.Fatalf("running false did not produce ExitError: %v", err)
	}
	return exitErr
}

func newStubRunner(output string, runErr error, calls *[][]string) *Runner {
	r := NewRunner(Config{}, nil)
	r.output = func(_ context.Context, name string, args ...string) ([]byte, error) {
		return []byte(output), nil
	}
	r.run = func(_ context.Context, name string, args ...string) ([]byte, error) {
		if calls != nil {
			*calls = append(*calls, append([]string{name}, args...))
		}
		return []byte("CHANGED"), runErr
	}
	return r
}

func TestExpandGrowsLastPartition(t *testing.T) {
	var calls [][]string
	r := newStubRunner(lsblkPartsFixture, nil, &calls)

	ok := r.Expand(context.Background(), "/dev/sdb",
		func(janus.StageUpdate) {}, func(string) {}, make(chan struct{}))
	if !ok {
		t.Fatal("Expand = false, want true")
	}
	if len(calls) != 1 {
		t.Fatalf("calls = %v, want one growpart invocation", calls)
	}
	want := []string{"growpart", "/dev/sdb", "2"}
	for i, arg := range want {
		if calls[0][i] != arg {
			t.Fatalf("growpart call = %v, want %v", calls[0], want)
		}
	}
}

func TestExpandNoChangeIsSuccess(t *testing.T) {
	r := newStubRunner(lsblkPartsFixture, exitError(t), nil)
	ok := r.Expand(context.Background(), "/dev/sdb",
		func(janus.StageUpdate) {}, func(string) {}, make(chan struct{}))
	if !ok {
		t.Fatal("growpart NOCHANGE (exit 1) must count as success")
	}
}

func TestExpandMissingToolIsWarning(t *testing.T) {
	r := newStubRunner(lsblkPartsFixture, &exec.Error{Name: "growpart", Err: exec.ErrNotFound}, nil)
	var logs []string
	ok := r.Expand(context.Background(), "/dev/sdb",
		func(janus.StageUpdate) {}, func(l string) { logs = append(logs, l) }, make(chan struct{}))
	if !ok {
		t.Fatal("missing growpart must be non-fatal")
	}
	found := false
	for _, l := range logs {
		if l == "WARN: growpart not found, skipping expand" {
			found = true
		}
	}
	if !found {
		t.Fatalf("expected warning line, logs: %v", logs)
	}
}

func TestExpandNoPartitionsIsWarning(t *testing.T) {
	var calls [][]string
	r := newStubRunner(`{"blockdevices": [{"name": "sdb", "type": "disk"}]}`, nil, &calls)
	ok := r.Expand(context.Background(), "/dev/sdb",
		func(janus.StageUpdate) {}, func(string) {}, make(chan struct{}))
	if !ok {
		t.Fatal("no partitions must be non-fatal")
	}
	if len(calls) != 0 {
		t.Fatalf("growpart should not run without partitions, calls: %v", calls)
	}
}

func TestResizeRunsFsckThenResize2fs(t *testing.T) {
	var calls [][]string
	r := newStubRunner(lsblkPartsFixture, nil, &calls)

	ok := r.Resize(context.Background(), "/dev/sdb",
		func(janus.StageUpdate) {}, func(string) {}, make(chan struct{}))
	if !ok {
		t.Fatal("Resize = false, want true")
	}
	if len(calls) != 2 {
		t.Fatalf("calls = %v, want e2fsck then resize2fs", calls)
	}
	if calls[0][0] != "e2fsck" || calls[1][0] != "resize2fs" {
		t.Fatalf("call order = %v", calls)
	}
	if calls[1][1] != "/dev/sdb2" {
		t.Fatalf("resize2fs target = %s, want /dev/sdb2", calls[1][1])
	}
}

func TestResizeSkipsNonExtFilesystem(t *testing.T) {
	fixture := `{"blockdevices": [
		{"name": "sdb", "type": "disk", "children": [
			{"name": "sdb1", "type": "part", "fstype": "vfat"}
		]}
	]}`
	var calls [][]string
	r := newStubRunner(fixture, nil, &calls)

	ok := r.Resize(context.Background(), "/dev/sdb",
		func(janus.StageUpdate) {}, func(string) {}, make(chan struct{}))
	if !ok {
		t.Fatal("non-ext filesystem must be non-fatal")
	}
	if len(calls) != 0 {
		t.Fatalf("no tools should run for vfat, calls: %v", calls)
	}
}

func TestPostProcessCancelledBeforeStart(t *testing.T) {
	killSig := make(chan struct{})
	close(killSig)
	r := newStubRunner(lsblkPartsFixture, nil, nil)

	if r.Expand(context.Background(), "/dev/sdb", func(janus.StageUpdate) {}, func(string) {}, killSig) {
		t.Fatal("Expand must refuse to start after kill")
	}
	if r.Resize(context.Background(), "/dev/sdb", func(janus.StageUpdate) {}, func(string) {}, killSig) {
		t.Fatal("Resize must refuse to start after kill")
	}
}

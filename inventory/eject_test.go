package inventory

import (
	"context"
	"os/exec"
	"testing"
)

const lsblkMountedFixture = `{
  "blockdevices": [
    {"name": "sdb", "type": "disk", "children": [
      {"name": "sdb1", "type": "part", "mountpoint": "/media/boot"},
      {"name": "sdb2", "type": "part", "mountpoint": ""}
    ]}
  ]
}`

func TestUnmountUnmountsMountedChildren(t *testing.T) {
	svc := New(Config{ImagesDir: t.TempDir(), ByPathDir: t.TempDir()}, nil)
	svc.output = func(_ context.Context, name string, _ ...string) ([]byte, error) {
		return []byte(lsblkMountedFixture), nil
	}
	var umounted []string
	svc.run = func(_ context.Context, name string, args ...string) ([]byte, error) {
		if name != "umount" {
			t.Fatalf("unexpected command %s", name)
		}
		umounted = append(umounted, args[0])
		return nil, nil
	}

	if err := svc.Unmount(context.Background(), "/dev/sdb"); err != nil {
		t.Fatal(err)
	}
	if len(umounted) != 1 || umounted[0] != "/dev/sdb1" {
		t.Fatalf("umounted = %v, want [/dev/sdb1]", umounted)
	}
}

func TestEjectFallsBackWhenUdisksctlMissing(t *testing.T) {
	svc := New(Config{ImagesDir: t.TempDir(), ByPathDir: t.TempDir()}, nil)
	svc.output = func(_ context.Context, name string, _ ...string) ([]byte, error) {
		return []byte(`{"blockdevices": []}`), nil
	}
	var calls []string
	svc.run = func(_ context.Context, name string, args ...string) ([]byte, error) {
		calls = append(calls, name)
		if name == "udisksctl" {
			return nil, &exec.Error{Name: "udisksctl", Err: exec.ErrNotFound}
		}
		return nil, nil
	}

	if err := svc.Eject(context.Background(), "/dev/sdb"); err != nil {
		t.Fatal(err)
	}
	if len(calls) != 2 || calls[0] != "udisksctl" || calls[1] != "eject" {
		t.Fatalf("calls = %v, want [udisksctl eject]", calls)
	}
}

func TestEjectReportsUdisksctlFailure(t *testing.T) {
	svc := New(Config{ImagesDir: t.TempDir(), ByPathDir: t.TempDir()}, nil)
	svc.output = func(_ context.Context, name string, _ ...string) ([]byte, error) {
		return []byte(`{"blockdevices": []}`), nil
	}
	svc.run = func(_ context.Context, name string, args ...string) ([]byte, error) {
		return []byte("Error powering off drive"), &exec.ExitError{}
	}

	if err := svc.Eject(context.Background(), "/dev/sdb"); err == nil {
		t.Fatal("expected power-off failure to propagate")
	}
}

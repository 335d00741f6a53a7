package flash

import (
	"context"
	"errors"
	"fmt"
	"os/exec"
	"strings"
	"time"

	janus "github.com/maksidze/janus"
)

// Resize grows the filesystem on the last partition to fill it. Only
// ext2/ext3/ext4 are handled; anything else is a warning and counts as
// success. A forced fsck runs first because resize2fs refuses dirty
// filesystems; its outcome is deliberately ignored.
func (r *Runner) Resize(ctx context.Context, device string, onUpdate UpdateFunc, logf LogFunc, killSig <-chan struct{}) bool {
	if killed(killSig) {
		return false
	}
	onUpdate(janus.StageUpdate{Progress: 0})

	last, err := r.lastPartition(ctx, device, "NAME,FSTYPE,TYPE")
	if err != nil {
		logf(fmt.Sprintf("ERROR resize: %v", err))
		onUpdate(janus.StageUpdate{Progress: 1.0})
		return false
	}
	if last == nil {
		logf("WARN: no partitions found, skipping resize")
		onUpdate(janus.StageUpdate{Progress: 1.0})
		return true
	}

	switch last.FSType {
	case "ext2", "ext3", "ext4":
	default:
		logf(fmt.Sprintf("WARN: filesystem is %q, resize2fs only works with ext*, skipping", last.FSType))
		onUpdate(janus.StageUpdate{Progress: 1.0})
		return true
	}

	partDev := "/dev/" + last.Name

	fsckCtx, fsckCancel := context.WithTimeout(ctx, 120*time.Second)
	if out, err := r.run(fsckCtx, "e2fsck", "-f", "-y", partDev); err != nil {
		// Outcome ignored: resize2fs is the authority on whether the
		// filesystem is usable.
		logf(fmt.Sprintf("WARN: e2fsck: %v %s", err, strings.TrimSpace(string(out))))
	}
	fsckCancel()

	logf("$ resize2fs " + partDev)
	rsCtx, rsCancel := context.WithTimeout(ctx, 120*time.Second)
	defer rsCancel()
	out, err := r.run(rsCtx, "resize2fs", partDev)
	if text := strings.TrimSpace(string(out)); text != "" {
		logf(text)
	}
	onUpdate(janus.StageUpdate{Progress: 1.0})

	if err == nil {
		return true
	}
	if errors.Is(err, exec.ErrNotFound) {
		logf("WARN: resize2fs not found, skipping")
		return true
	}
	logf(fmt.Sprintf("ERROR resize: %v", err))
	return false
}

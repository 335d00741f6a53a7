package flash

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os/exec"
	"regexp"
	"strings"
	"time"

	janus "github.com/maksidze/janus"
)

var partitionNumberRe = regexp.MustCompile(`(\d+)$`)

type lsblkNode struct {
	Name     string      `json:"name"`
	Type     string      `json:"type"`
	FSType   string      `json:"fstype"`
	Children []lsblkNode `json:"children"`
}

type lsblkTree struct {
	BlockDevices []lsblkNode `json:"blockdevices"`
}

// lastPartition returns the final partition of the device, or nil when
// the device has none.
func (r *Runner) lastPartition(ctx context.Context, device string, columns string) (*lsblkNode, error) {
	lsCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()

	raw, err := r.output(lsCtx, "lsblk", "-J", "-n", "-o", columns, device)
	if err != nil {
		return nil, fmt.Errorf("lsblk %s failed: %w", device, err)
	}
	var tree lsblkTree
	if err := json.Unmarshal(raw, &tree); err != nil {
		return nil, fmt.Errorf("failed to parse lsblk output: %w", err)
	}

	var last *lsblkNode
	for _, dev := range tree.BlockDevices {
		for i := range dev.Children {
			if dev.Children[i].Type == "part" {
				last = &dev.Children[i]
			}
		}
	}
	return last, nil
}

// Expand grows the last partition of the device to fill the media using
// growpart. Missing tool or missing partitions are warnings, not
// failures: the flashed image is still usable as written.
func (r *Runner) Expand(ctx context.Context, device string, onUpdate UpdateFunc, logf LogFunc, killSig <-chan struct{}) bool {
	if killed(killSig) {
		return false
	}
	onUpdate(janus.StageUpdate{Progress: 0})

	last, err := r.lastPartition(ctx, device, "NAME,TYPE")
	if err != nil {
		logf(fmt.Sprintf("ERROR expand: %v", err))
		onUpdate(janus.StageUpdate{Progress: 1.0})
		return false
	}
	if last == nil {
		logf("WARN: no partitions found, skipping expand")
		onUpdate(janus.StageUpdate{Progress: 1.0})
		return true
	}

	partNum := "1"
	if m := partitionNumberRe.FindStringSubmatch(last.Name); m != nil {
		partNum = m[1]
	}

	logf(fmt.Sprintf("$ growpart %s %s", device, partNum))
	growCtx, cancel := context.WithTimeout(ctx, 60*time.Second)
	defer cancel()
	out, err := r.run(growCtx, "growpart", device, partNum)
	if text := strings.TrimSpace(string(out)); text != "" {
		logf(text)
	}
	onUpdate(janus.StageUpdate{Progress: 1.0})

	if err == nil {
		return true
	}
	if errors.Is(err, exec.ErrNotFound) {
		logf("WARN: growpart not found, skipping expand")
		return true
	}
	var exitErr *exec.ExitError
	if errors.As(err, &exitErr) && exitErr.ExitCode() == 1 {
		// growpart exit 1 is NOCHANGE: already at full size.
		return true
	}
	logf(fmt.Sprintf("ERROR expand: %v", err))
	return false
}

package flash

import (
	"context"
	"fmt"
	"os"
	"os/exec"
	"strings"
	"time"

	"github.com/jesseduffield/kill"

	janus "github.com/maksidze/janus"
)

// decompressors maps a source suffix to the tool that streams the
// decompressed image to stdout. Anything not listed is copied raw.
var decompressors = map[string][]string{
	".xz":  {"xzcat"},
	".gz":  {"gunzip", "-c"},
	".bz2": {"bzcat"},
	".zst": {"zstdcat"},
}

// Write copies the image onto the device and reports incremental
// progress parsed from dd's diagnostic stream. Compressed sources are
// decompressed through a pipe into dd; raw sources go straight in (or
// through ddrescue when the rescue writer is configured).
//
// Returns true on success. A fired kill signal terminates the child
// process tree and returns false with no retry obligation.
func (r *Runner) Write(ctx context.Context, imagePath, device string, onUpdate UpdateFunc, logf LogFunc, killSig <-chan struct{}) bool {
	info, err := os.Stat(imagePath)
	if err != nil {
		logf(fmt.Sprintf("ERROR: cannot stat image: %v", err))
		return false
	}
	imageSize := info.Size()

	var decomp []string
	for suffix, tool := range decompressors {
		if strings.HasSuffix(strings.ToLower(imagePath), suffix) {
			decomp = tool
			break
		}
	}

	if decomp == nil && r.cfg.RescueWriter {
		return r.rescueWrite(ctx, imagePath, device, imageSize, onUpdate, logf, killSig)
	}

	ddArgs := []string{"of=" + device, "bs=" + r.cfg.BlockSize, "conv=fsync", "status=progress"}
	var dcCmd *exec.Cmd
	if decomp == nil {
		ddArgs = append([]string{"if=" + imagePath}, ddArgs...)
	} else {
		dcCmd = r.command(ctx, decomp[0], append(decomp[1:], imagePath)...)
	}
	ddCmd := r.command(ctx, "dd", ddArgs...)

	if dcCmd != nil {
		logf(fmt.Sprintf("$ %s %s | dd %s", decomp[0], imagePath, strings.Join(ddArgs, " ")))
		stdout, err := dcCmd.StdoutPipe()
		if err != nil {
			logf(fmt.Sprintf("ERROR: %v", err))
			return false
		}
		ddCmd.Stdin = stdout
	} else {
		logf("$ dd " + strings.Join(ddArgs, " "))
	}

	stderr, err := ddCmd.StderrPipe()
	if err != nil {
		logf(fmt.Sprintf("ERROR: %v", err))
		return false
	}

	// Group the children so a kill takes the whole process tree down.
	kill.PrepareForChildren(ddCmd)
	if dcCmd != nil {
		kill.PrepareForChildren(dcCmd)
	}

	if dcCmd != nil {
		if err := dcCmd.Start(); err != nil {
			logf(fmt.Sprintf("ERROR: failed to start %s: %v", decomp[0], err))
			return false
		}
	}
	if err := ddCmd.Start(); err != nil {
		logf(fmt.Sprintf("ERROR: failed to start dd: %v", err))
		if dcCmd != nil {
			r.killProcess(dcCmd)
			dcCmd.Wait()
		}
		return false
	}

	start := time.Now()
	lines := make(chan string)
	go func() {
		defer close(lines)
		scanner := progressScanner(stderr)
		for scanner.Scan() {
			if line := strings.TrimSpace(scanner.Text()); line != "" {
				lines <- line
			}
		}
	}()

	cancelled := false
	var lastLine string
read:
	for {
		select {
		case <-killSig:
			logf("CANCELLED: killing dd process")
			r.killProcess(ddCmd)
			if dcCmd != nil {
				r.killProcess(dcCmd)
			}
			cancelled = true
			break read
		case <-ctx.Done():
			logf("CANCELLED: context done, killing dd process")
			r.killProcess(ddCmd)
			if dcCmd != nil {
				r.killProcess(dcCmd)
			}
			cancelled = true
			break read
		case line, ok := <-lines:
			if !ok {
				break read
			}
			lastLine = line
			logf(line)
			if update, ok := parseDDLine(line, imageSize, start); ok {
				onUpdate(update)
			}
		}
	}

	// Drain the reader before Wait so the pipe is fully consumed.
	for range lines {
	}
	ddErr := ddCmd.Wait()
	var dcErr error
	if dcCmd != nil {
		dcErr = dcCmd.Wait()
	}

	if cancelled {
		return false
	}
	if ddErr != nil {
		msg := lastLine
		if msg == "" {
			msg = fmt.Sprintf("dd exited: %v", ddErr)
		}
		logf("ERROR: " + msg)
		return false
	}
	if dcErr != nil {
		logf(fmt.Sprintf("ERROR: decompressor failed: %v", dcErr))
		return false
	}

	syncCtx, cancel := context.WithTimeout(ctx, 30*time.Second)
	defer cancel()
	if out, err := r.run(syncCtx, "sync"); err != nil {
		logf(fmt.Sprintf("WARN: sync: %v %s", err, strings.TrimSpace(string(out))))
	}

	onUpdate(janus.StageUpdate{Progress: 1.0, SpeedHuman: "--", EtaHuman: "done"})
	return true
}

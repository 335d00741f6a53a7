package flash

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os/exec"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/jesseduffield/kill"

	janus "github.com/maksidze/janus"
)

// ddrescue reports progress on merged stdout/stderr, e.g.
//
//	rescued:   1234 MB,  errsize:       0 B,  current rate:   45 MB/s
var (
	rescuedRe = regexp.MustCompile(`(?i)rescued:\s+([\d.]+\s*\w+)`)
	rateRe    = regexp.MustCompile(`(?i)current rate:\s+([\d.]+\s*\w+)/s`)
)

var sizeUnits = map[string]float64{
	"B":   1,
	"kB":  1000, "KB": 1024, "KiB": 1024,
	"MB": 1000 * 1000, "MiB": 1024 * 1024,
	"GB": 1000 * 1000 * 1000, "GiB": 1024 * 1024 * 1024,
	"TB": 1000 * 1000 * 1000 * 1000, "TiB": 1024 * 1024 * 1024 * 1024,
}

// parseSizeString converts a ddrescue size like "1.23 GB" to bytes.
// Returns 0 when the string is not understood.
func parseSizeString(s string) int64 {
	fields := strings.Fields(strings.TrimSpace(s))
	if len(fields) != 2 {
		return 0
	}
	value, err := strconv.ParseFloat(fields[0], 64)
	if err != nil {
		return 0
	}
	unit, ok := sizeUnits[fields[1]]
	if !ok {
		return 0
	}
	return int64(value * unit)
}

// parseRescueLine derives a progress update from one ddrescue output
// line. Returns false for lines without a rescued byte count.
func parseRescueLine(line string, totalBytes int64, start time.Time) (janus.StageUpdate, bool) {
	m := rescuedRe.FindStringSubmatch(line)
	if m == nil || totalBytes <= 0 {
		return janus.StageUpdate{}, false
	}
	rescued := parseSizeString(m[1])

	progress := float64(rescued) / float64(totalBytes)
	if progress > 1.0 {
		progress = 1.0
	}

	var speed float64
	if rm := rateRe.FindStringSubmatch(line); rm != nil {
		speed = float64(parseSizeString(rm[1]))
	} else if elapsed := time.Since(start).Seconds(); elapsed > 0 {
		speed = float64(rescued) / elapsed
	}
	var eta float64
	if speed > 0 {
		eta = float64(totalBytes-rescued) / speed
		if eta < 0 {
			eta = 0
		}
	}
	return janus.StageUpdate{
		Progress:    progress,
		CopiedBytes: rescued,
		SpeedBytes:  speed,
		SpeedHuman:  janus.HumanSpeed(speed),
		EtaSec:      eta,
		EtaHuman:    janus.HumanETA(eta),
	}, true
}

// rescueWrite copies a raw image with ddrescue, which keeps going over
// unreadable sectors where dd would abort. Progress comes from the
// rescued-byte counter.
func (r *Runner) rescueWrite(ctx context.Context, imagePath, device string, imageSize int64, onUpdate UpdateFunc, logf LogFunc, killSig <-chan struct{}) bool {
	cmd := r.command(ctx, "ddrescue", "--force", "-v", imagePath, device)
	logf(fmt.Sprintf("$ ddrescue --force -v %s %s", imagePath, device))

	pr, pw := io.Pipe()
	cmd.Stdout = pw
	cmd.Stderr = pw

	kill.PrepareForChildren(cmd)
	if err := cmd.Start(); err != nil {
		if errors.Is(err, exec.ErrNotFound) {
			logf("ERROR: ddrescue not found; install gddrescue or disable the rescue writer")
		} else {
			logf(fmt.Sprintf("ERROR: failed to start ddrescue: %v", err))
		}
		return false
	}

	waitCh := make(chan error, 1)
	go func() {
		waitCh <- cmd.Wait()
		pw.Close()
	}()

	start := time.Now()
	lines := make(chan string)
	go func() {
		defer close(lines)
		scanner := progressScanner(pr)
		for scanner.Scan() {
			if line := strings.TrimSpace(scanner.Text()); line != "" {
				lines <- line
			}
		}
	}()

	cancelled := false
read:
	for {
		select {
		case <-killSig:
			logf("CANCELLED: killing ddrescue process")
			r.killProcess(cmd)
			cancelled = true
			break read
		case <-ctx.Done():
			r.killProcess(cmd)
			cancelled = true
			break read
		case line, ok := <-lines:
			if !ok {
				break read
			}
			logf(line)
			if update, ok := parseRescueLine(line, imageSize, start); ok {
				onUpdate(update)
			}
		}
	}

	for range lines {
	}
	err := <-waitCh

	if cancelled {
		return false
	}
	if err != nil {
		logf(fmt.Sprintf("ERROR: ddrescue exited: %v", err))
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

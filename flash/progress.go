package flash

import (
	"bufio"
	"bytes"
	"io"
	"regexp"
	"strconv"
	"strings"
	"time"

	janus "github.com/maksidze/janus"
)

// ddBytesRe extracts the copied byte count from dd's status=progress
// stream, e.g. "1073741824 bytes (1.1 GB, 1.0 GiB) copied, 10 s, 107 MB/s".
// Some locales group digits with spaces, hence the permissive class.
var ddBytesRe = regexp.MustCompile(`(?i)(\d[\d\s]*)\s+bytes?\b.*copied`)

// parseDDLine derives a progress update from one dd status line.
// Returns false when the line carries no byte count.
func parseDDLine(line string, imageSize int64, start time.Time) (janus.StageUpdate, bool) {
	m := ddBytesRe.FindStringSubmatch(line)
	if m == nil || imageSize <= 0 {
		return janus.StageUpdate{}, false
	}
	digits := strings.Map(func(r rune) rune {
		if r >= '0' && r <= '9' {
			return r
		}
		return -1
	}, m[1])
	copied, err := strconv.ParseInt(digits, 10, 64)
	if err != nil {
		return janus.StageUpdate{}, false
	}

	progress := float64(copied) / float64(imageSize)
	if progress > 1.0 {
		progress = 1.0
	}
	elapsed := time.Since(start).Seconds()
	var speed float64
	if elapsed > 0 {
		speed = float64(copied) / elapsed
	}
	var eta float64
	if speed > 0 {
		eta = float64(imageSize-copied) / speed
		if eta < 0 {
			eta = 0
		}
	}
	return janus.StageUpdate{
		Progress:    progress,
		CopiedBytes: copied,
		SpeedBytes:  speed,
		SpeedHuman:  janus.HumanSpeed(speed),
		EtaSec:      eta,
		EtaHuman:    janus.HumanETA(eta),
	}, true
}

// scanProgressLines splits on both \n and \r so dd's carriage-return
// progress updates surface as individual lines.
func scanProgressLines(data []byte, atEOF bool) (advance int, token []byte, err error) {
	if atEOF && len(data) == 0 {
		return 0, nil, nil
	}
	if i := bytes.IndexAny(data, "\r\n"); i >= 0 {
		return i + 1, data[:i], nil
	}
	if atEOF {
		return len(data), data, nil
	}
	return 0, nil, nil
}

// progressScanner wraps a diagnostic stream with the \r-aware split.
func progressScanner(r io.Reader) *bufio.Scanner {
	s := bufio.NewScanner(r)
	s.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	s.Split(scanProgressLines)
	return s
}

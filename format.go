package janus

import (
	"fmt"
)

// HumanSize renders a byte count with 1024-based units (B .. PB).
func HumanSize(n int64) string {
	v := float64(n)
	for _, unit := range []string{"B", "KB", "MB", "GB", "TB"} {
		if v < 1024 {
			if unit == "B" {
				return fmt.Sprintf("%d %s", int64(v), unit)
			}
			return fmt.Sprintf("%.1f %s", v, unit)
		}
		v /= 1024
	}
	return fmt.Sprintf("%.1f PB", v)
}

// HumanSpeed renders a transfer rate in B/s .. GB/s.
func HumanSpeed(bps float64) string {
	switch {
	case bps < 1024:
		return fmt.Sprintf("%.0f B/s", bps)
	case bps < 1024*1024:
		return fmt.Sprintf("%.1f KB/s", bps/1024)
	case bps < 1024*1024*1024:
		return fmt.Sprintf("%.1f MB/s", bps/(1024*1024))
	default:
		return fmt.Sprintf("%.2f GB/s", bps/(1024*1024*1024))
	}
}

// HumanETA renders a remaining-time estimate as h:mm:ss (or m:ss below
// an hour). Non-positive estimates render as "--:--".
func HumanETA(secs float64) string {
	if secs <= 0 {
		return "--:--"
	}
	total := int(secs)
	m, s := total/60, total%60
	h, m := m/60, m%60
	if h > 0 {
		return fmt.Sprintf("%d:%02d:%02d", h, m, s)
	}
	return fmt.Sprintf("%d:%02d", m, s)
}

package inventory

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strconv"
	"strings"

	janus "github.com/maksidze/janus"
)

// lsblk output columns requested for drive enumeration.
const lsblkColumns = "NAME,SIZE,TYPE,MOUNTPOINT,MOUNTPOINTS,VENDOR,MODEL,SERIAL,TRAN,RM,HOTPLUG"

// flexInt64 tolerates lsblk versions that emit sizes as JSON strings.
type flexInt64 int64

func (v *flexInt64) UnmarshalJSON(data []byte) error {
	s := strings.Trim(string(data), `"`)
	if s == "" || s == "null" {
		*v = 0
		return nil
	}
	n, err := strconv.ParseInt(s, 10, 64)
	if err != nil {
		return fmt.Errorf("invalid numeric field %q: %w", s, err)
	}
	*v = flexInt64(n)
	return nil
}

// flexBool tolerates lsblk versions that emit flags as "0"/"1" strings.
type flexBool bool

func (v *flexBool) UnmarshalJSON(data []byte) error {
	switch strings.Trim(string(data), `"`) {
	case "1", "true":
		*v = true
	default:
		*v = false
	}
	return nil
}

type lsblkDevice struct {
	Name       string    `json:"name"`
	Size       flexInt64 `json:"size"`
	Type       string    `json:"type"`
	Mountpoint string    `json:"mountpoint"`
	// lsblk reports unmounted nodes as [null], hence the pointers.
	Mountpoints []*string     `json:"mountpoints"`
	Vendor      string        `json:"vendor"`
	Model       string        `json:"model"`
	Serial      string        `json:"serial"`
	Tran        string        `json:"tran"`
	RM          flexBool      `json:"rm"`
	Hotplug     flexBool      `json:"hotplug"`
	FSType      string        `json:"fstype"`
	Children    []lsblkDevice `json:"children"`
}

type lsblkReport struct {
	BlockDevices []lsblkDevice `json:"blockdevices"`
}

// rootDeviceRe reduces a root partition source to its parent disk,
// e.g. /dev/sda1 → /dev/sda, /dev/mmcblk0p1 → /dev/mmcblk0.
var rootDeviceRe = regexp.MustCompile(`^(/dev/(?:sd[a-z]+|nvme\d+n\d+|mmcblk\d+))`)

// ListDrives enumerates whole-disk block devices. Each Drive is a fresh
// snapshot enriched with the by-path topology link and a system-disk
// classification (the device backing "/" must never be flashed).
func (s *Service) ListDrives(ctx context.Context, removableOnly bool) ([]janus.Drive, error) {
	ctx, cancel := context.WithTimeout(ctx, discoveryTimeout)
	defer cancel()

	raw, err := s.outputWithRetry(ctx, "lsblk", "-J", "-b", "-o", lsblkColumns)
	if err != nil {
		s.logger.WithError(err).Error("lsblk failed")
		return nil, fmt.Errorf("lsblk failed: %w", err)
	}

	var report lsblkReport
	if err := json.Unmarshal(raw, &report); err != nil {
		return nil, fmt.Errorf("failed to parse lsblk output: %w", err)
	}

	rootDev := s.rootDevice(ctx)
	byPath := s.byPathMap()

	var drives []janus.Drive
	for _, dev := range report.BlockDevices {
		if dev.Type != "disk" {
			continue
		}
		devPath := "/dev/" + dev.Name
		removable := bool(dev.RM) || bool(dev.Hotplug)
		if removableOnly && !removable {
			continue
		}

		mounts := collectMountpoints(dev)
		isSystem := devPath == rootDev
		for _, mp := range mounts {
			if mp == "/" {
				isSystem = true
			}
		}

		drives = append(drives, janus.Drive{
			DevicePath:  devPath,
			ByPath:      byPath[devPath],
			Model:       strings.TrimSpace(dev.Model),
			Serial:      strings.TrimSpace(dev.Serial),
			Vendor:      strings.TrimSpace(dev.Vendor),
			SizeBytes:   int64(dev.Size),
			SizeHuman:   janus.HumanSize(int64(dev.Size)),
			Removable:   removable,
			Mounted:     len(mounts) > 0,
			Mountpoints: mounts,
			UsbSpeed:    dev.Tran,
			PortPath:    byPath[devPath],
			IsSystem:    isSystem,
		})
	}
	return drives, nil
}

// collectMountpoints gathers child partition mountpoints plus the
// disk's own (rare, but a filesystem can sit directly on the disk).
func collectMountpoints(dev lsblkDevice) []string {
	var mounts []string
	seen := make(map[string]bool)
	add := func(mp string) {
		if mp != "" && !seen[mp] {
			seen[mp] = true
			mounts = append(mounts, mp)
		}
	}
	for _, child := range dev.Children {
		add(child.Mountpoint)
		for _, mp := range child.Mountpoints {
			if mp != nil {
				add(*mp)
			}
		}
	}
	add(dev.Mountpoint)
	return mounts
}

// rootDevice returns the disk backing "/", or "" when undeterminable.
func (s *Service) rootDevice(ctx context.Context) string {
	ctx, cancel := context.WithTimeout(ctx, findmntTimeout)
	defer cancel()

	out, err := s.output(ctx, "findmnt", "-n", "-o", "SOURCE", "/")
	if err != nil {
		s.logger.WithError(err).Debug("findmnt failed, cannot identify root device")
		return ""
	}
	source := strings.TrimSpace(string(out))
	if m := rootDeviceRe.FindStringSubmatch(source); m != nil {
		return m[1]
	}
	return source
}

// byPathMap maps resolved kernel device paths back to their stable
// /dev/disk/by-path links.
func (s *Service) byPathMap() map[string]string {
	result := make(map[string]string)
	entries, err := os.ReadDir(s.cfg.ByPathDir)
	if err != nil {
		return result
	}
	for _, entry := range entries {
		link := filepath.Join(s.cfg.ByPathDir, entry.Name())
		target, err := filepath.EvalSymlinks(link)
		if err != nil {
			continue
		}
		result[target] = link
	}
	return result
}

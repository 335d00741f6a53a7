package inventory

import (
	"context"
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"strconv"
	"strings"

	"github.com/samber/lo"

	janus "github.com/maksidze/janus"
)

var (
	// partitionSuffixRe matches by-path names that refer to a
	// partition rather than the whole disk.
	partitionSuffixRe = regexp.MustCompile(`-part\d+$`)
	lunPartitionRe    = regexp.MustCompile(`lun-\d+-part\d+$`)

	// usbTopologyRe extracts the <bus>:<port> pair from a by-path name
	// like pci-0000:00:14.0-usb-0:3:1.0-scsi-0:0:0:0.
	usbTopologyRe = regexp.MustCompile(`usb[v23]*-(\d+):(\d+)`)
	usbAliasRe    = regexp.MustCompile(`usb[v23]*-(\d+:\d+(?:\.\d+)?)`)
)

// ListPorts returns the legacy flat listing: every by-path link with
// the device it currently resolves to.
func (s *Service) ListPorts(ctx context.Context) ([]janus.PortEntry, error) {
	entries, err := os.ReadDir(s.cfg.ByPathDir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, err
	}
	sort.Slice(entries, func(i, j int) bool { return entries[i].Name() < entries[j].Name() })

	var ports []janus.PortEntry
	for _, entry := range entries {
		link := filepath.Join(s.cfg.ByPathDir, entry.Name())
		target, err := filepath.EvalSymlinks(link)
		if err != nil {
			continue
		}
		ports = append(ports, janus.PortEntry{PortPath: link, Device: target})
	}
	return ports, nil
}

// ListPhysicalPorts returns one entry per physical USB port (partition
// links are dropped), each annotated with the drive currently attached
// there, its USB generation, and a short human alias.
func (s *Service) ListPhysicalPorts(ctx context.Context) ([]janus.Port, error) {
	entries, err := os.ReadDir(s.cfg.ByPathDir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, err
	}
	sort.Slice(entries, func(i, j int) bool { return entries[i].Name() < entries[j].Name() })

	drives, err := s.ListDrives(ctx, false)
	if err != nil {
		return nil, err
	}
	byByPath := lo.KeyBy(
		lo.Filter(drives, func(d janus.Drive, _ int) bool { return d.ByPath != "" }),
		func(d janus.Drive) string { return d.ByPath },
	)

	seen := make(map[string]bool)
	var ports []janus.Port
	for _, entry := range entries {
		name := entry.Name()
		if partitionSuffixRe.MatchString(name) || lunPartitionRe.MatchString(name) {
			continue
		}
		portPath := filepath.Join(s.cfg.ByPathDir, name)
		if seen[portPath] {
			continue
		}
		seen[portPath] = true

		target, _ := filepath.EvalSymlinks(portPath)

		drive, ok := byByPath[portPath]
		if !ok && target != "" {
			for _, d := range drives {
				if d.DevicePath == target {
					drive, ok = d, true
					break
				}
			}
		}

		port := janus.Port{
			PortPath: portPath,
			Alias:    shortPortAlias(portPath),
			UsbSpeed: s.usbSpeedFromPath(portPath),
			Occupied: ok,
		}
		if ok {
			port.DevicePath = drive.DevicePath
			port.DeviceModel = drive.Model
			port.DeviceSize = drive.SizeHuman
			port.DeviceSerial = drive.Serial
			port.DeviceVendor = drive.Vendor
			port.Removable = drive.Removable
			port.IsSystem = drive.IsSystem
		}
		ports = append(ports, port)
	}
	return ports, nil
}

// usbSpeedFromPath classifies the USB generation of a port. Topology
// version markers in the path string win; otherwise the sysfs
// link-speed of the attached device decides (≥5000 Mb/s → 3.2,
// ≥480 → 2.0, else 1.1).
func (s *Service) usbSpeedFromPath(portPath string) string {
	lower := strings.ToLower(portPath)
	if strings.Contains(lower, "usb3") || strings.Contains(lower, "usbv3") {
		return "3.0"
	}
	if strings.Contains(lower, "usb2") || strings.Contains(lower, "usbv2") {
		return "2.0"
	}

	if m := usbTopologyRe.FindStringSubmatch(portPath); m != nil {
		speedFile := filepath.Join(s.cfg.SysUSBDir, m[1]+"-"+m[2], "speed")
		if data, err := os.ReadFile(speedFile); err == nil {
			if mbps, err := strconv.Atoi(strings.TrimSpace(string(data))); err == nil {
				switch {
				case mbps >= 5000:
					return "3.2"
				case mbps >= 480:
					return "2.0"
				default:
					return "1.1"
				}
			}
		}
	}
	return "unknown"
}

// shortPortAlias renders a compact operator-facing name for a port,
// e.g. "USB 0:3". Falls back to the trailing 20 characters when no
// topology pair is present.
func shortPortAlias(portPath string) string {
	name := filepath.Base(portPath)
	if m := usbAliasRe.FindStringSubmatch(name); m != nil {
		return "USB " + m[1]
	}
	if len(name) > 20 {
		return name[len(name)-20:]
	}
	return name
}

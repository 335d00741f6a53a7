package inventory

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os/exec"

	"github.com/sirupsen/logrus"
)

// Unmount unmounts every mounted child of the device (and the device
// itself if a filesystem sits directly on it).
func (s *Service) Unmount(ctx context.Context, devicePath string) error {
	lsCtx, cancel := context.WithTimeout(ctx, discoveryTimeout)
	defer cancel()

	raw, err := s.output(lsCtx, "lsblk", "-J", "-n", "-o", "NAME,MOUNTPOINT", devicePath)
	if err != nil {
		return fmt.Errorf("lsblk %s failed: %w", devicePath, err)
	}
	var report lsblkReport
	if err := json.Unmarshal(raw, &report); err != nil {
		return fmt.Errorf("failed to parse lsblk output: %w", err)
	}

	for _, dev := range report.BlockDevices {
		nodes := dev.Children
		if len(nodes) == 0 {
			nodes = []lsblkDevice{dev}
		}
		for _, node := range nodes {
			if node.Mountpoint == "" {
				continue
			}
			target := "/dev/" + node.Name
			umCtx, umCancel := context.WithTimeout(ctx, unmountTimeout)
			out, err := s.run(umCtx, "umount", target)
			umCancel()
			if err != nil {
				s.logger.WithFields(logrus.Fields{
					"device": target,
					"output": string(out),
				}).WithError(err).Warn("umount failed")
				return fmt.Errorf("umount %s failed: %w (output: %s)", target, err, string(out))
			}
			s.logger.WithField("device", target).Info("unmounted")
		}
	}
	return nil
}

// Eject unmounts the device and powers it off. udisksctl is preferred
// because it detaches the USB device cleanly; when it is not installed
// the classic eject tool is used instead.
func (s *Service) Eject(ctx context.Context, devicePath string) error {
	if err := s.Unmount(ctx, devicePath); err != nil {
		return fmt.Errorf("unmount failed: %w", err)
	}

	ejCtx, cancel := context.WithTimeout(ctx, ejectTimeout)
	defer cancel()

	out, err := s.run(ejCtx, "udisksctl", "power-off", "-b", devicePath, "--no-user-interaction")
	if err == nil {
		s.logger.WithField("device", devicePath).Info("device powered off")
		return nil
	}
	if !errors.Is(err, exec.ErrNotFound) {
		return fmt.Errorf("udisksctl power-off failed: %w (output: %s)", err, string(out))
	}

	// udisksctl not installed; fall back to eject.
	fbCtx, fbCancel := context.WithTimeout(ctx, ejectTimeout)
	defer fbCancel()
	out, err = s.run(fbCtx, "eject", devicePath)
	if err != nil {
		return fmt.Errorf("eject failed: %w (output: %s)", err, string(out))
	}
	s.logger.WithField("device", devicePath).Info("device ejected")
	return nil
}

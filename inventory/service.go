// Package inventory enumerates block devices, physical USB ports and
// flashable images, and wraps the unmount/eject helpers the job
// pipeline relies on.
//
// All device knowledge comes from external tools (lsblk, findmnt,
// umount, udisksctl) and the /dev/disk/by-path and sysfs trees; nothing
// is cached between calls, so every listing is a fresh snapshot of the
// machine.
package inventory

import (
	"context"
	"os"
	"os/exec"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/sirupsen/logrus"
)

// ImagesDirEnv overrides the images directory location.
const ImagesDirEnv = "JANUS_IMAGES_DIR"

const (
	discoveryTimeout = 10 * time.Second
	unmountTimeout   = 15 * time.Second
	ejectTimeout     = 15 * time.Second
	findmntTimeout   = 5 * time.Second
)

// Config points the service at the host facilities it reads. Zero
// values select the real system paths.
type Config struct {
	// ImagesDir is the directory scanned for flashable images. When
	// empty, the JANUS_IMAGES_DIR environment variable and then
	// "./images" are used.
	ImagesDir string

	// ByPathDir is the topology-stable device link directory.
	ByPathDir string

	// SysUSBDir is the sysfs USB device tree used for link-speed
	// classification.
	SysUSBDir string
}

// Service answers inventory queries.
type Service struct {
	cfg    Config
	logger logrus.FieldLogger

	// output and run are indirections over exec so tests can stub the
	// external tools. output captures stdout only (JSON parsing); run
	// captures combined output (actions whose diagnostics matter).
	output func(ctx context.Context, name string, args ...string) ([]byte, error)
	run    func(ctx context.Context, name string, args ...string) ([]byte, error)
}

// New creates an inventory service.
func New(cfg Config, logger logrus.FieldLogger) *Service {
	if logger == nil {
		logger = logrus.StandardLogger()
	}
	if cfg.ImagesDir == "" {
		if env := os.Getenv(ImagesDirEnv); env != "" {
			cfg.ImagesDir = env
		} else {
			cfg.ImagesDir = "images"
		}
	}
	if cfg.ByPathDir == "" {
		cfg.ByPathDir = "/dev/disk/by-path"
	}
	if cfg.SysUSBDir == "" {
		cfg.SysUSBDir = "/sys/bus/usb/devices"
	}
	return &Service{
		cfg:    cfg,
		logger: logger.WithField("component", "inventory"),
		output: func(ctx context.Context, name string, args ...string) ([]byte, error) {
			return exec.CommandContext(ctx, name, args...).Output()
		},
		run: func(ctx context.Context, name string, args ...string) ([]byte, error) {
			return exec.CommandContext(ctx, name, args...).CombinedOutput()
		},
	}
}

// ImagesDir returns the resolved images directory.
func (s *Service) ImagesDir() string {
	return s.cfg.ImagesDir
}

// outputWithRetry runs a discovery command, retrying transient failures
// once with exponential backoff. udev storms during mass replug can
// make lsblk fail spuriously for a moment.
func (s *Service) outputWithRetry(ctx context.Context, name string, args ...string) ([]byte, error) {
	var out []byte
	op := func() error {
		var err error
		out, err = s.output(ctx, name, args...)
		return err
	}
	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = 200 * time.Millisecond
	err := backoff.Retry(op, backoff.WithContext(backoff.WithMaxRetries(bo, 1), ctx))
	return out, err
}

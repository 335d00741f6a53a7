package inventory

import (
	"os"
	"path/filepath"
	"sort"
	"strings"

	janus "github.com/maksidze/janus"
)

// imageSuffixes is the set of recognized image file endings. Compound
// entries (".img.xz") are matched against the full suffix chain before
// falling back to the final suffix, so "raspios.img.xz" classifies as
// img.xz rather than xz.
var imageSuffixes = map[string]bool{
	".img":     true,
	".iso":     true,
	".img.xz":  true,
	".img.gz":  true,
	".img.bz2": true,
	".img.zst": true,
}

// ListImages scans the images directory and returns recognized image
// files sorted by name. The directory is created if missing so a fresh
// install starts with an empty, valid catalog.
func (s *Service) ListImages() ([]janus.Image, error) {
	if err := os.MkdirAll(s.cfg.ImagesDir, 0o755); err != nil {
		return nil, err
	}
	entries, err := os.ReadDir(s.cfg.ImagesDir)
	if err != nil {
		return nil, err
	}

	var images []janus.Image
	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}
		imgType, ok := classifyImage(entry.Name())
		if !ok {
			continue
		}
		info, err := entry.Info()
		if err != nil {
			continue
		}
		images = append(images, janus.Image{
			Name:      entry.Name(),
			Path:      filepath.Join(s.cfg.ImagesDir, entry.Name()),
			SizeBytes: info.Size(),
			SizeHuman: janus.HumanSize(info.Size()),
			Mtime:     janus.UnixTime(info.ModTime()),
			ImgType:   imgType,
		})
	}
	sort.Slice(images, func(i, j int) bool { return images[i].Name < images[j].Name })
	return images, nil
}

// FindImage resolves an image by name, or nil if absent.
func (s *Service) FindImage(name string) (*janus.Image, error) {
	images, err := s.ListImages()
	if err != nil {
		return nil, err
	}
	for i := range images {
		if images[i].Name == name {
			return &images[i], nil
		}
	}
	return nil, nil
}

// classifyImage reports the image type for a file name, matching the
// full suffix chain first and the final suffix as a fallback.
func classifyImage(name string) (string, bool) {
	idx := strings.Index(name, ".")
	if idx < 0 {
		return "", false
	}
	chain := strings.ToLower(name[idx:])
	if imageSuffixes[chain] {
		return strings.TrimPrefix(chain, "."), true
	}
	ext := strings.ToLower(filepath.Ext(name))
	if imageSuffixes[ext] {
		return strings.TrimPrefix(ext, "."), true
	}
	return "", false
}

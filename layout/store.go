// Package layout persists the operator grid: which cell label maps to
// which physical USB port.
package layout

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"

	"github.com/sirupsen/logrus"

	janus "github.com/maksidze/janus"
)

const layoutFile = "layout.json"

// Store reads and writes the layout file under a data directory. The
// file is the only state Janus keeps across restarts, and operators
// edit exported copies by hand, so it stays pretty-printed JSON.
type Store struct {
	dir    string
	logger logrus.FieldLogger
}

// NewStore creates a store rooted at dataDir. The directory is created
// lazily on first write.
func NewStore(dataDir string, logger logrus.FieldLogger) *Store {
	if logger == nil {
		logger = logrus.StandardLogger()
	}
	return &Store{
		dir:    dataDir,
		logger: logger.WithField("component", "layout"),
	}
}

// Default returns the 2×4 starter grid labelled A1..B4. Cells are
// enabled but unbound until the operator assigns ports.
func Default() janus.Layout {
	const rows, cols = 2, 4
	cells := make([]janus.Cell, 0, rows*cols)
	for r := 0; r < rows; r++ {
		for c := 0; c < cols; c++ {
			label := fmt.Sprintf("%c%d", 'A'+r, c+1)
			cells = append(cells, janus.Cell{
				CellID:  label,
				Label:   label,
				UsbHint: janus.UsbUnknown,
				Enabled: true,
			})
		}
	}
	return janus.Layout{
		SchemaVersion: 1,
		Rows:          rows,
		Cols:          cols,
		CellSize:      "normal",
		Cells:         cells,
	}
}

// Current loads the layout. A missing file synthesizes and persists the
// default grid; a corrupt file logs a warning and returns the default
// without touching the file on disk, so the operator can still recover
// it by hand.
func (s *Store) Current() janus.Layout {
	path := filepath.Join(s.dir, layoutFile)
	data, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		layout := Default()
		if err := s.Save(layout); err != nil {
			s.logger.WithError(err).Warn("failed to persist default layout")
		}
		return layout
	}
	if err != nil {
		s.logger.WithError(err).Warn("failed to read layout file, using default")
		return Default()
	}

	var layout janus.Layout
	if err := json.Unmarshal(data, &layout); err != nil {
		s.logger.WithError(err).Warn("failed to parse layout file, using default")
		return Default()
	}
	return layout
}

// Save validates and persists the layout atomically (temp file plus
// rename), so a crash mid-write never leaves a torn layout.json.
func (s *Store) Save(layout janus.Layout) error {
	if err := validate(layout); err != nil {
		return err
	}
	if err := os.MkdirAll(s.dir, 0o755); err != nil {
		return fmt.Errorf("failed to create data directory: %w", err)
	}

	data, err := json.MarshalIndent(layout, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to encode layout: %w", err)
	}

	path := filepath.Join(s.dir, layoutFile)
	tmp, err := os.CreateTemp(s.dir, layoutFile+".*")
	if err != nil {
		return fmt.Errorf("failed to create temp layout file: %w", err)
	}
	defer os.Remove(tmp.Name())

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return fmt.Errorf("failed to write layout: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("failed to close temp layout file: %w", err)
	}
	if err := os.Rename(tmp.Name(), path); err != nil {
		return fmt.Errorf("failed to replace layout file: %w", err)
	}

	s.logger.WithField("cells", len(layout.Cells)).Info("layout saved")
	return nil
}

// ExportBytes returns the current layout as pretty-printed JSON, the
// format served by the export endpoint.
func (s *Store) ExportBytes() ([]byte, error) {
	data, err := json.MarshalIndent(s.Current(), "", "  ")
	if err != nil {
		return nil, fmt.Errorf("failed to encode layout: %w", err)
	}
	return data, nil
}

// Import parses raw layout JSON and replaces the stored layout.
func (s *Store) Import(raw []byte) (janus.Layout, error) {
	var layout janus.Layout
	if err := json.Unmarshal(raw, &layout); err != nil {
		return janus.Layout{}, fmt.Errorf("invalid layout JSON: %w", err)
	}
	if err := s.Save(layout); err != nil {
		return janus.Layout{}, err
	}
	return layout, nil
}

func validate(layout janus.Layout) error {
	seen := make(map[string]bool, len(layout.Cells))
	for _, cell := range layout.Cells {
		if cell.CellID == "" {
			return fmt.Errorf("layout contains a cell with an empty cell_id")
		}
		if seen[cell.CellID] {
			return fmt.Errorf("duplicate cell_id %q in layout", cell.CellID)
		}
		seen[cell.CellID] = true
	}
	return nil
}

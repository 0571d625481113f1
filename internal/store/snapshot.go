package store

import (
	"encoding/json"
	"os"
	"path/filepath"
	"sort"
	"sync"

	"github.com/rs/zerolog"

	"session-trader/internal/errors"
	"session-trader/internal/models"
)

// FileSnapshot stores open positions as a JSON object keyed by symbol.
// Writes go to a temporary file that is renamed into place.
type FileSnapshot struct {
	path   string
	logger zerolog.Logger
	mu     sync.Mutex
}

var _ Snapshotter = (*FileSnapshot)(nil)

// NewFileSnapshot returns a snapshotter writing to path.
func NewFileSnapshot(path string, logger zerolog.Logger) *FileSnapshot {
	return &FileSnapshot{
		path:   path,
		logger: logger.With().Str("component", "snapshot").Logger(),
	}
}

// Path returns the snapshot file location.
func (f *FileSnapshot) Path() string {
	return f.path
}

// Save writes every position in the map.
func (f *FileSnapshot) Save(positions map[string]*models.Position) error {
	records := make(map[string]models.PositionRecord, len(positions))
	for symbol, p := range positions {
		records[symbol] = p.ToRecord()
	}
	data, err := json.MarshalIndent(records, "", "  ")
	if err != nil {
		return err
	}

	f.mu.Lock()
	defer f.mu.Unlock()

	if err := os.MkdirAll(filepath.Dir(f.path), 0755); err != nil {
		return err
	}
	tmp, err := os.CreateTemp(filepath.Dir(f.path), ".positions-*.json")
	if err != nil {
		return err
	}
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmp.Name())
		return err
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmp.Name())
		return err
	}
	return os.Rename(tmp.Name(), f.path)
}

// Load reads the snapshot. A missing file is an empty snapshot; records
// that fail to decode are skipped and logged.
func (f *FileSnapshot) Load() (map[string]*models.Position, error) {
	f.mu.Lock()
	data, err := os.ReadFile(f.path)
	f.mu.Unlock()

	positions := make(map[string]*models.Position)
	if errors.Is(err, os.ErrNotExist) {
		return positions, nil
	}
	if err != nil {
		return nil, err
	}

	var records map[string]models.PositionRecord
	if err := json.Unmarshal(data, &records); err != nil {
		return nil, errors.Wrapf(err, "decode %s", f.path)
	}

	symbols := make([]string, 0, len(records))
	for symbol := range records {
		symbols = append(symbols, symbol)
	}
	sort.Strings(symbols)

	for _, symbol := range symbols {
		p, err := models.PositionFromRecord(records[symbol])
		if err != nil {
			f.logger.Warn().Err(err).Str("symbol", symbol).Msg("Skipping unreadable snapshot record")
			continue
		}
		positions[symbol] = p
	}
	return positions, nil
}

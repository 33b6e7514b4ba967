package persistence

import (
	"dca-grid-bot-go/internal/models"
	"sync"
)

// ModeRecord is the persisted mode of one (symbol, position side).
type ModeRecord struct {
	Symbol       string              `json:"symbol"`
	PositionSide models.PositionSide `json:"position_side"`
	Mode         models.Mode         `json:"mode"`
}

// ModeRepository defines the interface for mode persistence.
// It abstracts the underlying storage mechanism (e.g., BadgerDB, in-memory)
// from the dispatcher so that restarts resume the last mode.
type ModeRepository interface {
	// SaveMode atomically saves the mode for a key.
	SaveMode(symbol string, side models.PositionSide, mode models.Mode) error

	// LoadMode loads the mode for a key.
	// If no mode is stored, it returns ("", nil).
	LoadMode(symbol string, side models.PositionSide) (models.Mode, error)

	// LoadAll returns every stored mode.
	LoadAll() ([]ModeRecord, error)
}

// MemoryModeRepository keeps modes in process memory.
type MemoryModeRepository struct {
	mu    sync.RWMutex
	modes map[string]ModeRecord
}

func NewMemoryModeRepository() *MemoryModeRepository {
	return &MemoryModeRepository{modes: make(map[string]ModeRecord)}
}

func (r *MemoryModeRepository) SaveMode(symbol string, side models.PositionSide, mode models.Mode) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.modes[symbol+"/"+string(side)] = ModeRecord{Symbol: symbol, PositionSide: side, Mode: mode}
	return nil
}

func (r *MemoryModeRepository) LoadMode(symbol string, side models.PositionSide) (models.Mode, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.modes[symbol+"/"+string(side)].Mode, nil
}

func (r *MemoryModeRepository) LoadAll() ([]ModeRecord, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]ModeRecord, 0, len(r.modes))
	for _, rec := range r.modes {
		out = append(out, rec)
	}
	return out, nil
}

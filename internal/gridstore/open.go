package gridstore

import (
	"dca-grid-bot-go/internal/models"
	"fmt"
	"os"
	"path/filepath"

	"github.com/dgraph-io/badger/v3"
)

// Open builds the backend selected by cfg. The badger backend reuses db,
// which must be non-nil for it.
func Open(cfg models.GridStoreConfig, db *badger.DB) (Store, error) {
	switch cfg.Backend {
	case "memory":
		return NewMemoryStore(), nil
	case "badger":
		if db == nil {
			return nil, fmt.Errorf("badger grid store needs an open database")
		}
		return NewBadgerStore(db), nil
	case "sqlite":
		path := cfg.Path
		if path == "" {
			path = "data/grid.db"
		}
		if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
			return nil, fmt.Errorf("create grid store dir: %w", err)
		}
		return OpenSQLStore(path)
	}
	return nil, fmt.Errorf("unknown grid store backend %q", cfg.Backend)
}

package persistence

import (
	"dca-grid-bot-go/internal/models"
	"encoding/json"
	"errors"
	"os"

	"github.com/dgraph-io/badger/v3"
)

const modePrefix = "mode/"

// OpenBadger opens the BadgerDB database shared by the mode repository and
// the badger grid store.
func OpenBadger(dbPath string) (*badger.DB, error) {
	if err := os.MkdirAll(dbPath, 0o755); err != nil {
		return nil, err
	}
	opts := badger.DefaultOptions(dbPath)
	// For this use case, we can disable Badger's own logging to keep our app's logs clean.
	// Errors will still be returned from DB operations.
	opts.Logger = nil
	return badger.Open(opts)
}

// badgerModeRepository is the BadgerDB implementation of the ModeRepository.
type badgerModeRepository struct {
	db *badger.DB
}

// NewBadgerModeRepository creates a repository on an open database.
func NewBadgerModeRepository(db *badger.DB) ModeRepository {
	return &badgerModeRepository{db: db}
}

func modeKey(symbol string, side models.PositionSide) []byte {
	return []byte(modePrefix + symbol + "/" + string(side))
}

// SaveMode marshals the record into JSON and saves it under the key.
func (r *badgerModeRepository) SaveMode(symbol string, side models.PositionSide, mode models.Mode) error {
	data, err := json.Marshal(ModeRecord{Symbol: symbol, PositionSide: side, Mode: mode})
	if err != nil {
		return err
	}
	return r.db.Update(func(txn *badger.Txn) error {
		return txn.Set(modeKey(symbol, side), data)
	})
}

// LoadMode returns ("", nil) when the key is not found.
func (r *badgerModeRepository) LoadMode(symbol string, side models.PositionSide) (models.Mode, error) {
	var rec ModeRecord
	err := r.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get(modeKey(symbol, side))
		if err != nil {
			// We return the specific error to check it outside the transaction.
			return err
		}
		return item.Value(func(val []byte) error {
			if len(val) == 0 {
				return errors.New("mode value is empty in database")
			}
			return json.Unmarshal(val, &rec)
		})
	})
	if errors.Is(err, badger.ErrKeyNotFound) {
		return "", nil
	}
	if err != nil {
		return "", err
	}
	return rec.Mode, nil
}

func (r *badgerModeRepository) LoadAll() ([]ModeRecord, error) {
	var out []ModeRecord
	err := r.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.Prefix = []byte(modePrefix)
		it := txn.NewIterator(opts)
		defer it.Close()
		for it.Rewind(); it.Valid(); it.Next() {
			var rec ModeRecord
			if err := it.Item().Value(func(val []byte) error {
				return json.Unmarshal(val, &rec)
			}); err != nil {
				return err
			}
			out = append(out, rec)
		}
		return nil
	})
	return out, err
}

package persistence

import (
	"encoding/json"
	"errors"

	"grid-trader-go/internal/models"

	"github.com/dgraph-io/badger/v3"
)

// badgerRepository is the BadgerDB implementation of the StateRepository.
// Several independent bots share one database; each bot owns its own key.
type badgerRepository struct {
	db *badger.DB
}

// NewBadgerRepository opens (or creates) a BadgerDB database at dbPath.
func NewBadgerRepository(dbPath string) (StateRepository, error) {
	opts := badger.DefaultOptions(dbPath)
	// Badger's own logging is noisy; errors still surface from DB operations.
	opts.Logger = nil

	db, err := badger.Open(opts)
	if err != nil {
		return nil, err
	}
	return &badgerRepository{db: db}, nil
}

func snapshotKey(botID string) []byte {
	return []byte("ledger/" + botID)
}

// SaveSnapshot marshals the snapshot to JSON and stores it under the bot's key.
func (r *badgerRepository) SaveSnapshot(snap *models.LedgerSnapshot) error {
	data, err := json.Marshal(snap)
	if err != nil {
		return err
	}
	return r.db.Update(func(txn *badger.Txn) error {
		return txn.Set(snapshotKey(snap.BotID), data)
	})
}

// LoadSnapshot returns the stored snapshot for botID, or (nil, nil) when the
// bot has never been persisted.
func (r *badgerRepository) LoadSnapshot(botID string) (*models.LedgerSnapshot, error) {
	var snap models.LedgerSnapshot

	err := r.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get(snapshotKey(botID))
		if err != nil {
			return err
		}
		return item.Value(func(val []byte) error {
			if len(val) == 0 {
				return errors.New("snapshot value is empty in database")
			}
			return json.Unmarshal(val, &snap)
		})
	})

	if errors.Is(err, badger.ErrKeyNotFound) {
		return nil, nil // expected "no state yet" case
	}
	if err != nil {
		return nil, err
	}
	return &snap, nil
}

// Close gracefully closes the database.
func (r *badgerRepository) Close() error {
	return r.db.Close()
}

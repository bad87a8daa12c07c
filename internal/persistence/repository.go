package persistence

import "grid-trader-go/internal/models"

// StateRepository defines the interface for ledger snapshot persistence.
// It abstracts the underlying storage mechanism from the engine so tests can
// substitute an in-memory implementation.
type StateRepository interface {
	// SaveSnapshot atomically saves one bot's ledger snapshot, keyed by BotID.
	SaveSnapshot(snap *models.LedgerSnapshot) error

	// LoadSnapshot loads the snapshot for the given bot.
	// If none is stored, it returns (nil, nil).
	LoadSnapshot(botID string) (*models.LedgerSnapshot, error)

	// Close gracefully closes the underlying store.
	Close() error
}

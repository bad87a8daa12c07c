// Package ledger implements the in-memory order ledger: one slot per grid
// level, owned exclusively by a single engine instance. Isolation between bot
// instances is by construction (no shared memory), so the ledger is
// deliberately unsynchronized.
package ledger

import (
	"sort"
	"time"

	"grid-trader-go/internal/models"
)

// OrderLedger records at most one order slot per grid level.
type OrderLedger struct {
	levels []models.GridLevel
	slots  map[int]*models.OrderSlot
}

// New creates a ledger over an immutable set of grid levels.
func New(levels []models.GridLevel) *OrderLedger {
	ls := make([]models.GridLevel, len(levels))
	copy(ls, levels)
	return &OrderLedger{
		levels: ls,
		slots:  make(map[int]*models.OrderSlot, len(levels)),
	}
}

// Levels returns the grid levels the ledger is built over.
func (l *OrderLedger) Levels() []models.GridLevel {
	return l.levels
}

// Level returns the grid level at index i.
func (l *OrderLedger) Level(i int) (models.GridLevel, bool) {
	if i < 0 || i >= len(l.levels) {
		return models.GridLevel{}, false
	}
	return l.levels[i], true
}

// Put installs the slot at its level, replacing whatever slot was there.
func (l *OrderLedger) Put(slot models.OrderSlot) {
	s := slot
	l.slots[s.LevelIndex] = &s
}

// Get returns a copy of the slot at level i, if any.
func (l *OrderLedger) Get(i int) (models.OrderSlot, bool) {
	s, ok := l.slots[i]
	if !ok {
		return models.OrderSlot{}, false
	}
	return *s, true
}

// MarkFilled transitions the slot at level i to Filled and clears its broker
// order id. Returns the slot as it was before the transition.
func (l *OrderLedger) MarkFilled(i int) (models.OrderSlot, bool) {
	s, ok := l.slots[i]
	if !ok {
		return models.OrderSlot{}, false
	}
	before := *s
	s.Status = models.SlotFilled
	s.BrokerOrderID = ""
	return before, true
}

// MarkCancelled transitions the slot at level i to Cancelled and clears its
// broker order id.
func (l *OrderLedger) MarkCancelled(i int) {
	if s, ok := l.slots[i]; ok {
		s.Status = models.SlotCancelled
		s.BrokerOrderID = ""
	}
}

// Abandon records the level as holding no live order: the slot is installed
// (or replaces a stale one) with status None and no order ids. Side and size
// are kept for reporting.
func (l *OrderLedger) Abandon(slot models.OrderSlot) {
	s := slot
	s.Status = models.SlotNone
	s.BrokerOrderID = ""
	s.ClientOrderID = ""
	l.slots[s.LevelIndex] = &s
}

// Pending returns copies of all pending slots in ascending level order.
func (l *OrderLedger) Pending() []models.OrderSlot {
	var out []models.OrderSlot
	for _, s := range l.slots {
		if s.Status == models.SlotPending {
			out = append(out, *s)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].LevelIndex < out[j].LevelIndex })
	return out
}

// Clear drops every slot; used after a breach has torn the ladder down.
func (l *OrderLedger) Clear() {
	l.slots = make(map[int]*models.OrderSlot, len(l.levels))
}

// Snapshot produces a persistable copy of the ledger plus engine metadata.
func (l *OrderLedger) Snapshot(botID, symbol string, state models.EngineState, position float64) *models.LedgerSnapshot {
	slots := make(map[int]models.OrderSlot, len(l.slots))
	for i, s := range l.slots {
		slots[i] = *s
	}
	levels := make([]models.GridLevel, len(l.levels))
	copy(levels, l.levels)
	return &models.LedgerSnapshot{
		BotID:          botID,
		Symbol:         symbol,
		Version:        models.SnapshotVersion,
		State:          state,
		Levels:         levels,
		Slots:          slots,
		Position:       position,
		LastUpdateTime: time.Now(),
	}
}

// Restore replaces the ledger contents with the slots from a snapshot.
func (l *OrderLedger) Restore(snap *models.LedgerSnapshot) {
	l.slots = make(map[int]*models.OrderSlot, len(snap.Slots))
	for i, s := range snap.Slots {
		slot := s
		l.slots[i] = &slot
	}
}

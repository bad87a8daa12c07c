package engine

import (
	"fmt"
	"testing"

	"grid-trader-go/internal/broker"
	"grid-trader-go/internal/models"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeBroker is a scripted in-memory broker for driving the engine through
// its state machine without any network.
type fakeBroker struct {
	quote    float64
	quoteErr error
	equity   float64

	nextID     int
	orders     map[string]*fakeOrder
	submitErrs []error // consumed one per SubmitLimitOrder call

	limitCalls     int
	marketAttempts int
	marketCalls    []fakeMarketCall
	marketErrs     []error // consumed one per SubmitMarketOrder call
	cancelled      []string
}

type fakeOrder struct {
	side   models.Side
	size   models.OrderSize
	price  float64
	status models.OrderStatus
}

type fakeMarketCall struct {
	side models.Side
	size models.OrderSize
}

func newFakeBroker() *fakeBroker {
	return &fakeBroker{quote: 105, equity: 10000, orders: make(map[string]*fakeOrder)}
}

func (f *fakeBroker) Name() string { return "fake" }

func (f *fakeBroker) GetQuote(symbol string) (float64, error) {
	if f.quoteErr != nil {
		return 0, f.quoteErr
	}
	return f.quote, nil
}

func (f *fakeBroker) GetAccountEquity() (float64, error) { return f.equity, nil }

func (f *fakeBroker) SubmitLimitOrder(symbol, clientOrderID string, side models.Side, size models.OrderSize, price float64) (string, error) {
	f.limitCalls++
	if len(f.submitErrs) > 0 {
		err := f.submitErrs[0]
		f.submitErrs = f.submitErrs[1:]
		if err != nil {
			return "", err
		}
	}
	f.nextID++
	id := fmt.Sprintf("o-%d", f.nextID)
	f.orders[id] = &fakeOrder{side: side, size: size, price: price, status: models.OrderPending}
	return id, nil
}

func (f *fakeBroker) SubmitMarketOrder(symbol, clientOrderID string, side models.Side, size models.OrderSize) (string, error) {
	f.marketAttempts++
	if len(f.marketErrs) > 0 {
		err := f.marketErrs[0]
		f.marketErrs = f.marketErrs[1:]
		if err != nil {
			return "", err
		}
	}
	f.marketCalls = append(f.marketCalls, fakeMarketCall{side: side, size: size})
	f.nextID++
	return fmt.Sprintf("m-%d", f.nextID), nil
}

func (f *fakeBroker) GetOrderStatus(symbol, orderID string) (models.OrderStatus, error) {
	o, ok := f.orders[orderID]
	if !ok {
		return models.OrderUnknown, nil
	}
	return o.status, nil
}

func (f *fakeBroker) CancelOrder(symbol, orderID string) error {
	f.cancelled = append(f.cancelled, orderID)
	if o, ok := f.orders[orderID]; ok && o.status == models.OrderPending {
		o.status = models.OrderCancelled
	}
	return nil
}

func (f *fakeBroker) Close() error { return nil }

// fill marks the broker-side order at the given grid level as filled.
func (f *fakeBroker) fill(t *testing.T, e *GridEngine, levelIndex int) {
	t.Helper()
	slot, ok := e.Snapshot().Slots[levelIndex]
	require.True(t, ok, "no slot at level %d", levelIndex)
	require.Equal(t, models.SlotPending, slot.Status)
	o, ok := f.orders[slot.BrokerOrderID]
	require.True(t, ok, "no broker order for slot at level %d", levelIndex)
	o.status = models.OrderFilled
}

// fakeRepo is an in-memory StateRepository.
type fakeRepo struct {
	snaps map[string]*models.LedgerSnapshot
}

func newFakeRepo() *fakeRepo {
	return &fakeRepo{snaps: make(map[string]*models.LedgerSnapshot)}
}

func (r *fakeRepo) SaveSnapshot(snap *models.LedgerSnapshot) error {
	r.snaps[snap.BotID] = snap
	return nil
}

func (r *fakeRepo) LoadSnapshot(botID string) (*models.LedgerSnapshot, error) {
	return r.snaps[botID], nil
}

func (r *fakeRepo) Close() error { return nil }

func testConfig() *models.GridConfig {
	return &models.GridConfig{
		Symbol:    "TESTUSD",
		RangeLow:  100,
		RangeHigh: 110,
		GridCount: 6, // levels at 100 102 104 106 108 110
		Sizing:    models.Sizing{FixedQuantity: 1},
		// keep retry backoff out of test runtime
		RetryInitialDelayMs: 1,
	}
}

func seededEngine(t *testing.T, fb *fakeBroker) *GridEngine {
	t.Helper()
	e, err := New(testConfig(), fb, nil)
	require.NoError(t, err)
	require.NoError(t, e.Seed())
	return e
}

func slotAt(t *testing.T, e *GridEngine, i int) models.OrderSlot {
	t.Helper()
	slot, ok := e.Snapshot().Slots[i]
	require.True(t, ok, "no slot at level %d", i)
	return slot
}

func TestSeed_SidesAroundQuote(t *testing.T) {
	fb := newFakeBroker()
	fb.quote = 105
	e := seededEngine(t, fb)

	assert.Equal(t, models.StateActive, e.State())
	assert.Equal(t, 6, fb.limitCalls)

	// Buys strictly below the quote, sells at or above it.
	for i := 0; i <= 2; i++ {
		assert.Equal(t, models.Buy, slotAt(t, e, i).Side, "level %d", i)
	}
	for i := 3; i <= 5; i++ {
		assert.Equal(t, models.Sell, slotAt(t, e, i).Side, "level %d", i)
	}
}

func TestSeed_QuoteOnLevelPlacesSell(t *testing.T) {
	fb := newFakeBroker()
	fb.quote = 104 // exactly on level 2
	e := seededEngine(t, fb)

	assert.Equal(t, models.Buy, slotAt(t, e, 1).Side)
	assert.Equal(t, models.Sell, slotAt(t, e, 2).Side)
}

func TestSeed_AllocationSizing(t *testing.T) {
	fb := newFakeBroker()
	fb.equity = 12000
	cfg := testConfig()
	cfg.Sizing = models.Sizing{AllocationFraction: 0.6}
	e, err := New(cfg, fb, nil)
	require.NoError(t, err)
	require.NoError(t, e.Seed())

	// 0.6 * 12000 / 6 = 1200 notional per level.
	for i := 0; i < 6; i++ {
		assert.InDelta(t, 1200.0, slotAt(t, e, i).Size.Notional, 1e-9)
	}
}

func TestSeed_OnlyFromSeedingState(t *testing.T) {
	fb := newFakeBroker()
	e := seededEngine(t, fb)
	assert.Error(t, e.Seed())
}

func TestCycle_BuyFillFlipsToSellAbove(t *testing.T) {
	fb := newFakeBroker()
	e := seededEngine(t, fb)

	// Make room at level 3 first: the seeded sell there fills.
	fb.fill(t, e, 3)
	e.Cycle()
	assert.Equal(t, models.SlotFilled, slotAt(t, e, 3).Status)
	assert.InDelta(t, -1.0, e.Position(), 1e-9)

	// Now the buy at level 2 fills and flips into a sell at level 3.
	fb.fill(t, e, 2)
	e.Cycle()

	assert.Equal(t, models.SlotFilled, slotAt(t, e, 2).Status)
	counter := slotAt(t, e, 3)
	assert.Equal(t, models.SlotPending, counter.Status)
	assert.Equal(t, models.Sell, counter.Side)
	assert.InDelta(t, 0.0, e.Position(), 1e-9)
}

func TestCycle_SellFillSkipsOccupiedLevel(t *testing.T) {
	fb := newFakeBroker()
	e := seededEngine(t, fb)
	placed := fb.limitCalls

	// Sell at level 3 fills; level 2 still holds a live buy, so no
	// counter-order is placed there.
	fb.fill(t, e, 3)
	e.Cycle()

	assert.Equal(t, placed, fb.limitCalls)
	assert.Equal(t, models.SlotPending, slotAt(t, e, 2).Status)
	assert.Equal(t, models.Buy, slotAt(t, e, 2).Side)
}

func TestCycle_EdgeFillHasNoCounterOrder(t *testing.T) {
	fb := newFakeBroker()
	e := seededEngine(t, fb)
	placed := fb.limitCalls

	fb.fill(t, e, 5) // top level sell
	e.Cycle()

	assert.Equal(t, placed, fb.limitCalls)
	assert.Equal(t, models.SlotFilled, slotAt(t, e, 5).Status)
	assert.Equal(t, models.StateActive, e.State())
}

func TestCycle_RepollDoesNotDuplicate(t *testing.T) {
	fb := newFakeBroker()
	e := seededEngine(t, fb)

	fb.fill(t, e, 3)
	e.Cycle()
	placed := fb.limitCalls
	position := e.Position()

	// The fill was consumed; further cycles must not process it again.
	e.Cycle()
	e.Cycle()

	assert.Equal(t, placed, fb.limitCalls)
	assert.Equal(t, position, e.Position())
}

func TestCycle_TransientQuoteFailureDoesNotAdvance(t *testing.T) {
	fb := newFakeBroker()
	e := seededEngine(t, fb)

	fb.fill(t, e, 3)
	fb.quoteErr = &broker.UnavailableError{Venue: "fake", Cause: fmt.Errorf("timeout")}
	e.Cycle()

	// The fill stays unprocessed until a quote comes back.
	assert.Equal(t, models.SlotPending, slotAt(t, e, 3).Status)
	assert.Equal(t, models.StateActive, e.State())

	fb.quoteErr = nil
	e.Cycle()
	assert.Equal(t, models.SlotFilled, slotAt(t, e, 3).Status)
}

func TestCycle_VenueCancelledOrderIsRecorded(t *testing.T) {
	fb := newFakeBroker()
	e := seededEngine(t, fb)

	slot := slotAt(t, e, 0)
	fb.orders[slot.BrokerOrderID].status = models.OrderCancelled
	e.Cycle()

	assert.Equal(t, models.SlotCancelled, slotAt(t, e, 0).Status)
	assert.Equal(t, models.StateActive, e.State())
}

func TestPlaceSlot_RejectedDegradesSingleLevel(t *testing.T) {
	fb := newFakeBroker()
	// First submission is permanently rejected, the rest succeed.
	fb.submitErrs = []error{&broker.RejectedError{Venue: "fake", Code: 42, Msg: "bad order"}}

	e := seededEngine(t, fb)

	assert.Equal(t, models.StateActive, e.State())
	assert.Equal(t, models.SlotNone, slotAt(t, e, 0).Status)
	// A rejection is not retried.
	assert.Equal(t, 6, fb.limitCalls)
	assert.Len(t, e.Snapshot().Slots, 6)
}

func TestPlaceSlot_TransientFailureIsRetried(t *testing.T) {
	fb := newFakeBroker()
	fb.submitErrs = []error{
		&broker.UnavailableError{Venue: "fake", Cause: fmt.Errorf("timeout")},
		&broker.UnavailableError{Venue: "fake", Cause: fmt.Errorf("timeout")},
	}

	e := seededEngine(t, fb)

	// Two extra attempts for level 0, then all six slots are live.
	assert.Equal(t, 8, fb.limitCalls)
	assert.Equal(t, models.SlotPending, slotAt(t, e, 0).Status)
}

func TestBreach_TopStopTearsDownAndTerminates(t *testing.T) {
	fb := newFakeBroker()
	e := seededEngine(t, fb)

	// Build a long position first: buy at level 2 fills, then its counter
	// sell at level 3 never fills.
	fb.fill(t, e, 3)
	e.Cycle()
	fb.fill(t, e, 2)
	e.Cycle()
	fb.fill(t, e, 1)
	e.Cycle()
	require.InDelta(t, 1.0, e.Position(), 1e-9)

	fb.quote = 112.5 // default top stop is 112
	e.Cycle()

	assert.Equal(t, models.StateTerminated, e.State())
	assert.NotEmpty(t, fb.cancelled)

	// The net position was market-flattened with a sell.
	require.Len(t, fb.marketCalls, 1)
	assert.Equal(t, models.Sell, fb.marketCalls[0].side)
	assert.InDelta(t, 1.0, fb.marketCalls[0].size.Quantity, 1e-9)
	assert.InDelta(t, 0.0, e.Position(), 1e-9)

	// The ladder is gone and the engine never trades again.
	assert.Empty(t, e.Snapshot().Slots)
	fb.quote = 105
	e.Cycle()
	assert.Equal(t, models.StateTerminated, e.State())
}

func TestBreach_BottomStopFlatPositionNoMarketOrder(t *testing.T) {
	fb := newFakeBroker()
	e := seededEngine(t, fb)

	fb.quote = 97.5 // default bottom stop is 98
	e.Cycle()

	assert.Equal(t, models.StateTerminated, e.State())
	assert.Empty(t, fb.marketCalls)
	// Every seeded order was cancelled on the way out.
	assert.Len(t, fb.cancelled, 6)
}

func TestBreach_TakesPrecedenceOverFills(t *testing.T) {
	fb := newFakeBroker()
	e := seededEngine(t, fb)
	placed := fb.limitCalls

	// A fill and a breach arrive in the same cycle: breach wins, the fill
	// is never flipped into a counter-order.
	fb.fill(t, e, 3)
	fb.quote = 113
	e.Cycle()

	assert.Equal(t, models.StateTerminated, e.State())
	assert.Equal(t, placed, fb.limitCalls)
}

func TestBreach_FlattenRetriesAfterFailures(t *testing.T) {
	fb := newFakeBroker()
	e := seededEngine(t, fb)

	fb.fill(t, e, 2)
	e.Cycle()
	require.InDelta(t, 1.0, e.Position(), 1e-9)

	// The first two market orders fail; the third goes through.
	fb.marketErrs = []error{
		&broker.UnavailableError{Venue: "fake", Cause: fmt.Errorf("timeout")},
		&broker.UnavailableError{Venue: "fake", Cause: fmt.Errorf("timeout")},
	}
	fb.quote = 113
	e.Cycle()

	assert.Equal(t, models.StateTerminated, e.State())
	assert.Equal(t, 3, fb.marketAttempts)
	require.Len(t, fb.marketCalls, 1)
	assert.Equal(t, models.Sell, fb.marketCalls[0].side)
	assert.InDelta(t, 1.0, fb.marketCalls[0].size.Quantity, 1e-9)
	assert.InDelta(t, 0.0, e.Position(), 1e-9)
}

func TestBreach_FlattenExhaustionKeepsPosition(t *testing.T) {
	fb := newFakeBroker()
	e := seededEngine(t, fb)

	fb.fill(t, e, 2)
	e.Cycle()
	require.InDelta(t, 1.0, e.Position(), 1e-9)

	for i := 0; i < flattenMaxAttempts; i++ {
		fb.marketErrs = append(fb.marketErrs,
			&broker.UnavailableError{Venue: "fake", Cause: fmt.Errorf("timeout")})
	}
	fb.quote = 113
	e.Cycle()

	// Every attempt was spent; the position is left open for an operator
	// and the engine still terminates instead of trading on.
	assert.Equal(t, flattenMaxAttempts, fb.marketAttempts)
	assert.Empty(t, fb.marketCalls)
	assert.InDelta(t, 1.0, e.Position(), 1e-9)
	assert.Equal(t, models.StateTerminated, e.State())
}

func TestBreach_FillBeatingCancelCountsInPosition(t *testing.T) {
	fb := newFakeBroker()
	e := seededEngine(t, fb)

	// The buy at level 2 fills at the venue in the same instant the price
	// breaches: the cancel sweep must catch the fill via the final status
	// poll and flatten it.
	fb.fill(t, e, 2)
	fb.quote = 113
	e.Cycle()

	assert.Equal(t, models.StateTerminated, e.State())
	require.Len(t, fb.marketCalls, 1)
	assert.Equal(t, models.Sell, fb.marketCalls[0].side)
	assert.InDelta(t, 1.0, fb.marketCalls[0].size.Quantity, 1e-9)
	assert.InDelta(t, 0.0, e.Position(), 1e-9)
}

func TestShutdown_CancelsWithoutFlattening(t *testing.T) {
	fb := newFakeBroker()
	e := seededEngine(t, fb)

	fb.fill(t, e, 2)
	e.Cycle()
	require.InDelta(t, 1.0, e.Position(), 1e-9)

	e.Shutdown()

	assert.Equal(t, models.StateTerminated, e.State())
	assert.NotEmpty(t, fb.cancelled)
	// An explicit stop keeps the position; only a breach flattens.
	assert.Empty(t, fb.marketCalls)
	assert.InDelta(t, 1.0, e.Position(), 1e-9)

	// Idempotent.
	cancelled := len(fb.cancelled)
	e.Shutdown()
	assert.Len(t, fb.cancelled, cancelled)
}

func TestNewFromDefaults_DerivesRangeFromQuote(t *testing.T) {
	fb := newFakeBroker()
	fb.quote = 105
	cfg := testConfig()
	cfg.RangeLow, cfg.RangeHigh = 0, 0

	e, err := NewFromDefaults(cfg, 5, fb, nil)
	require.NoError(t, err)

	levels := e.Snapshot().Levels
	assert.InDelta(t, 100.0, levels[0].Price, 1e-9)
	assert.InDelta(t, 110.0, levels[len(levels)-1].Price, 1e-9)
}

func TestNewFromDefaults_RejectsBadInputs(t *testing.T) {
	fb := newFakeBroker()

	cfg := testConfig()
	cfg.RangeLow, cfg.RangeHigh = 0, 0
	_, err := NewFromDefaults(cfg, 0, fb, nil)
	assert.Error(t, err)

	// Explicit range and grid_height are mutually exclusive.
	_, err = NewFromDefaults(testConfig(), 5, fb, nil)
	assert.Error(t, err)
}

func TestNew_RestoresActiveSnapshot(t *testing.T) {
	fb := newFakeBroker()
	repo := newFakeRepo()

	e1, err := New(testConfig(), fb, repo)
	require.NoError(t, err)
	require.NoError(t, e1.Seed())
	fb.fill(t, e1, 2)
	e1.Cycle()

	// A fresh engine over the same repo picks the ladder back up instead
	// of reseeding.
	e2, err := New(testConfig(), fb, repo)
	require.NoError(t, err)

	assert.Equal(t, models.StateActive, e2.State())
	assert.Equal(t, e1.Position(), e2.Position())
	assert.Equal(t, len(e1.Snapshot().Slots), len(e2.Snapshot().Slots))
}

func TestNew_IgnoresSnapshotWithDifferentGrid(t *testing.T) {
	fb := newFakeBroker()
	repo := newFakeRepo()

	e1, err := New(testConfig(), fb, repo)
	require.NoError(t, err)
	require.NoError(t, e1.Seed())

	cfg := testConfig()
	cfg.RangeLow, cfg.RangeHigh = 90, 120
	cfg.TopStop, cfg.BottomStop = 130, 80
	e2, err := New(cfg, fb, repo)
	require.NoError(t, err)

	assert.Equal(t, models.StateSeeding, e2.State())
}

func TestNew_InvalidConfig(t *testing.T) {
	fb := newFakeBroker()

	cfg := testConfig()
	cfg.RangeLow, cfg.RangeHigh = 110, 100
	_, err := New(cfg, fb, nil)
	var rangeErr *models.InvalidRangeError
	require.ErrorAs(t, err, &rangeErr)

	cfg = testConfig()
	cfg.Sizing = models.Sizing{}
	_, err = New(cfg, fb, nil)
	var sizingErr *models.SizingConfigError
	require.ErrorAs(t, err, &sizingErr)
}

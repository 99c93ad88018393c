package storage

import (
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/openrange-labs/daybreak/internal/models"
)

// TestInterface tests the storage interface with both implementations
func TestInterface(t *testing.T) {
	// Test with MockStorage
	t.Run("MockStorage", func(t *testing.T) {
		storage := NewMockStorage()
		testInterface(t, storage)
	})

	// Test with JSONStorage (using temporary file)
	t.Run("JSONStorage", func(t *testing.T) {
		tmpDir := t.TempDir()
		tmpFile := fmt.Sprintf("%s/test_positions_%d.json", tmpDir, time.Now().UnixNano())

		storage, err := NewJSONStorage(tmpFile)
		if err != nil {
			t.Fatalf("Failed to create JSON storage: %v", err)
		}
		testInterface(t, storage)
	})
}

// testInterface runs common tests on any storage implementation
func testInterface(t *testing.T, storage Interface) {
	// Test initial state
	if got := storage.GetOpenPositions(); len(got) != 0 {
		t.Errorf("Expected no open positions initially, got %d", len(got))
	}
	if got := storage.GetOpenOptionPositions(); len(got) != 0 {
		t.Errorf("Expected no open option positions initially, got %d", len(got))
	}
	if storage.GetCompoundState() != nil {
		t.Error("Expected no compound state initially")
	}

	// Create a test position and walk it to breakeven
	entryTime := time.Now().Add(-time.Hour)
	testPos := models.NewPosition("test-123", "TQQQ", models.SideLong,
		models.SignalSO, models.ModeBalanced, 100, 62.50, entryTime)
	testPos.CurrentStopLoss = 61.80
	testPos.CapitalAllocated = 6250

	if err := testPos.TransitionStealth(models.StateArmed, "aged"); err != nil {
		t.Fatalf("Failed to transition position to armed: %v", err)
	}
	if err := testPos.TransitionStealth(models.StateBreakeven, "breakeven_reached"); err != nil {
		t.Fatalf("Failed to transition position to breakeven: %v", err)
	}
	testPos.CurrentStopLoss = 62.51

	if err := storage.UpsertPosition(testPos); err != nil {
		t.Fatalf("Failed to upsert position: %v", err)
	}

	// Test getting the position back
	retrieved, err := storage.GetPositionByID("test-123")
	if err != nil {
		t.Fatalf("Failed to get position: %v", err)
	}
	if retrieved.ID != testPos.ID {
		t.Errorf("Expected position ID %s, got %s", testPos.ID, retrieved.ID)
	}
	if retrieved.CurrentStealth() != models.StateBreakeven {
		t.Errorf("Expected stealth state %s, got %s", models.StateBreakeven, retrieved.CurrentStealth())
	}
	if !retrieved.BreakevenAchieved {
		t.Error("Expected BreakevenAchieved after the transition")
	}

	// Mutate the returned copy; storage should be unaffected.
	retrieved.CurrentPrice = 999
	again, err := storage.GetPositionByID("test-123")
	if err != nil {
		t.Fatalf("Failed to re-read position: %v", err)
	}
	if again.CurrentPrice == 999 {
		t.Error("GetPositionByID leaked internal state (mutation visible)")
	}

	// Unknown IDs report the sentinel.
	if _, err := storage.GetPositionByID("nope"); !errors.Is(err, ErrPositionNotFound) {
		t.Errorf("Expected ErrPositionNotFound, got %v", err)
	}

	// Test closing the position
	finalPnL := 150.0
	if err := storage.ClosePosition("test-123", finalPnL, "hard_stop"); err != nil {
		t.Fatalf("Failed to close position: %v", err)
	}
	if got := storage.GetOpenPositions(); len(got) != 0 {
		t.Errorf("Expected no open positions after closing, got %d", len(got))
	}

	history := storage.GetHistory()
	if len(history) != 1 {
		t.Fatalf("Expected 1 position in history, got %d", len(history))
	}
	closed := history[0]
	if closed.ID != testPos.ID {
		t.Errorf("Expected position ID %s in history, got %s", testPos.ID, closed.ID)
	}
	if closed.Status != models.StatusClosed {
		t.Errorf("Expected closed status in history, got %s", closed.Status)
	}
	if closed.ExitReason != "hard_stop" {
		t.Errorf("Expected exit reason 'hard_stop', got %q", closed.ExitReason)
	}
	if closed.ExitTime.IsZero() {
		t.Error("Expected exit time to be set")
	}
	if closed.RealizedPnL != finalPnL {
		t.Errorf("Expected final P&L %f, got %f", finalPnL, closed.RealizedPnL)
	}
	if closed.Quantity != 0 {
		t.Errorf("Expected zero remaining quantity, got %d", closed.Quantity)
	}

	// Daily P&L lands on the position's trading date.
	if got := storage.GetDailyPnL(testPos.TradingDate); got != finalPnL {
		t.Errorf("Expected daily P&L %f on %s, got %f", finalPnL, testPos.TradingDate, got)
	}

	// Test statistics
	stats := storage.GetStatistics()
	if stats.TotalTrades != 1 {
		t.Errorf("Expected 1 total trade, got %d", stats.TotalTrades)
	}
	if stats.WinningTrades != 1 {
		t.Errorf("Expected 1 winning trade, got %d", stats.WinningTrades)
	}
	if stats.TotalPnL != finalPnL {
		t.Errorf("Expected total P&L %f, got %f", finalPnL, stats.TotalPnL)
	}

	testORBAndSignals(t, storage)
	testOptionPositions(t, storage)
	testCompoundState(t, storage)
}

func testORBAndSignals(t *testing.T, storage Interface) {
	bar := models.Candle{
		Start:  time.Date(2026, 3, 2, 9, 30, 0, 0, time.UTC),
		End:    time.Date(2026, 3, 2, 9, 45, 0, 0, time.UTC),
		Open:   62.00,
		High:   62.80,
		Low:    61.90,
		Close:  62.60,
		Volume: 1_200_000,
	}
	orb, err := models.NewORBData("TQQQ", "2026-03-02", bar)
	if err != nil {
		t.Fatalf("Failed to build opening range: %v", err)
	}

	if err := storage.SaveORB(orb); err != nil {
		t.Fatalf("Failed to save opening range: %v", err)
	}
	got, err := storage.GetORB("TQQQ", "2026-03-02")
	if err != nil {
		t.Fatalf("Failed to get opening range: %v", err)
	}
	if got.High != 62.80 || got.Low != 61.90 {
		t.Errorf("Opening range round trip mismatch: high %f low %f", got.High, got.Low)
	}

	// The range is write-once per symbol and date.
	if err := storage.SaveORB(orb); err == nil {
		t.Error("Expected error on second capture of the same opening range")
	}

	if _, err := storage.GetORB("SQQQ", "2026-03-02"); !errors.Is(err, ErrORBNotFound) {
		t.Errorf("Expected ErrORBNotFound, got %v", err)
	}

	sig := &models.ORBSignal{
		Ticker:      "TQQQ",
		TradingDate: "2026-03-02",
		Type:        models.SignalSO,
		Side:        models.SideLong,
		PriceAtEmit: 62.95,
		Confidence:  0.82,
		EmittedAt:   time.Date(2026, 3, 2, 10, 15, 0, 0, time.UTC),
		ORB:         orb,
	}
	if err := storage.RecordSignal(sig); err != nil {
		t.Fatalf("Failed to record signal: %v", err)
	}
	if err := storage.RecordSignal(sig); err == nil {
		t.Error("Expected error recording a duplicate SO for the same day")
	}

	orr := *sig
	orr.Type = models.SignalORR
	if err := storage.RecordSignal(&orr); err != nil {
		t.Fatalf("Failed to record ORR after SO: %v", err)
	}

	emitted := storage.SignalsEmitted("TQQQ", "2026-03-02")
	if len(emitted) != 2 {
		t.Fatalf("Expected 2 emitted signal types, got %d", len(emitted))
	}
	if emitted[0] != models.SignalSO || emitted[1] != models.SignalORR {
		t.Errorf("Unexpected emitted order: %v", emitted)
	}
	if got := storage.SignalsEmitted("TQQQ", "2026-03-03"); len(got) != 0 {
		t.Errorf("Expected empty ledger for a fresh date, got %v", got)
	}
}

func testOptionPositions(t *testing.T, storage Interface) {
	entry := time.Now().Add(-20 * time.Minute)
	lotto := &models.OptionsPosition{
		ID:         "odte-1",
		Underlying: "SPY",
		Structure:  models.StructureLotto,
		Side:       models.SideLong,
		Quantity:   2,
		InitialQty: 2,
		EntryPrice: 0.40,
		EntryTime:  entry,
		Status:     models.StatusOpen,
		Lotto: &models.OptionContract{
			Symbol:     "SPY260302C00640000",
			Underlying: "SPY",
			Strike:     640,
			Kind:       models.KindCall,
			Bid:        0.38,
			Ask:        0.42,
		},
	}

	if err := storage.UpsertOptionPosition(lotto); err != nil {
		t.Fatalf("Failed to upsert option position: %v", err)
	}
	open := storage.GetOpenOptionPositions()
	if len(open) != 1 {
		t.Fatalf("Expected 1 open option position, got %d", len(open))
	}
	if open[0].ID != "odte-1" {
		t.Errorf("Expected option position odte-1, got %s", open[0].ID)
	}

	if err := storage.CloseOptionPosition("odte-1", -80, "lotto_stop"); err != nil {
		t.Fatalf("Failed to close option position: %v", err)
	}
	if got := storage.GetOpenOptionPositions(); len(got) != 0 {
		t.Errorf("Expected no open option positions after close, got %d", len(got))
	}

	hist := storage.GetOptionsHistory()
	if len(hist) != 1 {
		t.Fatalf("Expected 1 option position in history, got %d", len(hist))
	}
	if hist[0].Status != models.StatusClosed || hist[0].ExitReason != "lotto_stop" {
		t.Errorf("Option close metadata wrong: status %s reason %q", hist[0].Status, hist[0].ExitReason)
	}

	// The loss joins the shared statistics: 1 win + 1 loss = 50% win rate.
	stats := storage.GetStatistics()
	if stats.TotalTrades != 2 {
		t.Errorf("Expected 2 total trades, got %d", stats.TotalTrades)
	}
	if stats.LosingTrades != 1 {
		t.Errorf("Expected 1 losing trade, got %d", stats.LosingTrades)
	}
	if stats.WinRate != 50 {
		t.Errorf("Expected 50%% win rate, got %f", stats.WinRate)
	}
}

func testCompoundState(t *testing.T, storage Interface) {
	state := models.NewCompoundState(10_000, time.Now())
	state.CurrentCapital = 10_150
	state.LastTradingDay = "2026-03-02"
	state.Days = append(state.Days, models.DayResult{
		Date:         "2026-03-02",
		StartCapital: 10_000,
		EndCapital:   10_150,
		PnL:          150,
		ReturnPct:    1.5,
		Trades:       1,
	})

	if err := storage.SetCompoundState(state); err != nil {
		t.Fatalf("Failed to set compound state: %v", err)
	}
	got := storage.GetCompoundState()
	if got == nil {
		t.Fatal("Expected compound state, got nil")
	}
	if got.CurrentCapital != 10_150 {
		t.Errorf("Expected current capital 10150, got %f", got.CurrentCapital)
	}
	if len(got.Days) != 1 {
		t.Fatalf("Expected 1 day result, got %d", len(got.Days))
	}

	// Mutating the copy must not touch stored state.
	got.CurrentCapital = 1
	got.Days[0].PnL = -999
	again := storage.GetCompoundState()
	if again.CurrentCapital == 1 || again.Days[0].PnL == -999 {
		t.Error("GetCompoundState leaked internal state (mutation visible)")
	}

	// Invalid ledgers are rejected.
	if err := storage.SetCompoundState(&models.CompoundState{}); err == nil {
		t.Error("Expected error setting a ledger with zero base capital")
	}
}

// TestMockStorageSpecificFeatures tests mock-specific features
func TestMockStorageSpecificFeatures(t *testing.T) {
	mock := NewMockStorage()

	// Test error injection
	testErr := &MockError{"test save error"}
	mock.SetSaveError(testErr)

	err := mock.Save()
	if err != testErr {
		t.Errorf("Expected injected save error, got %v", err)
	}

	// Test call counting
	mock.SetSaveError(nil) // Reset error
	err = mock.Save()
	if err != nil {
		t.Errorf("Unexpected save error: %v", err)
	}
	err = mock.Save()
	if err != nil {
		t.Errorf("Unexpected save error: %v", err)
	}

	if mock.GetSaveCallCount() != 3 { // 2 new + 1 from error test
		t.Errorf("Expected 3 save calls, got %d", mock.GetSaveCallCount())
	}

	// Test manual data setup
	testDate := "2026-01-15"
	testPnL := 125.50
	mock.SetDailyPnL(testDate, testPnL)

	retrievedPnL := mock.GetDailyPnL(testDate)
	if retrievedPnL != testPnL {
		t.Errorf("Expected daily P&L %f, got %f", testPnL, retrievedPnL)
	}
}

// MockError is a simple error type for testing
type MockError struct {
	message string
}

func (e *MockError) Error() string {
	return e.message
}

// TestInterfaceCompliance ensures all implementations satisfy the interface
func TestInterfaceCompliance(t *testing.T) {
	// Test that both implementations satisfy the interface
	var _ Interface = (*MockStorage)(nil)
	var _ Interface = (*JSONStorage)(nil)

	// Test factory function
	tmpFile := fmt.Sprintf("%s/factory.json", t.TempDir())
	storage, err := NewStorage(tmpFile)
	if err != nil {
		t.Fatalf("Factory function failed: %v", err)
	}

	// Ensure factory returns the interface
	_ = storage
}

package monitor

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"

	"signal-trading-bot/config"
	"signal-trading-bot/internal/database"
	"signal-trading-bot/internal/exchange"
	"signal-trading-bot/internal/vault"
)

func dec(s string) decimal.Decimal {
	d, err := decimal.NewFromString(s)
	if err != nil {
		panic(err)
	}
	return d
}

func TestUnrealizedPnL(t *testing.T) {
	tests := []struct {
		name     string
		side     string
		entry    string
		current  string
		quantity string
		want     string
	}{
		{"long profit", database.SideLong, "100", "110", "2", "20"},
		{"long loss", database.SideLong, "100", "90", "2", "-20"},
		{"short profit", database.SideShort, "100", "90", "2", "20"},
		{"short loss", database.SideShort, "100", "110", "2", "-20"},
		{"flat at entry", database.SideLong, "100", "100", "5", "0"},
		{"fractional quantity", database.SideLong, "30000.50", "30001.00", "0.001", "0.0005"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := UnrealizedPnL(tt.side, dec(tt.entry), dec(tt.current), dec(tt.quantity))
			if !got.Equal(dec(tt.want)) {
				t.Errorf("UnrealizedPnL(%s, %s, %s, %s) = %s, want %s",
					tt.side, tt.entry, tt.current, tt.quantity, got, tt.want)
			}
		})
	}
}

func TestEvaluateTriggers(t *testing.T) {
	long := &database.Position{
		Side:          database.SideLong,
		StopLoss:      dec("95"),
		TakeProfit:    dec("110"),
		HasStopLoss:   true,
		HasTakeProfit: true,
	}
	short := &database.Position{
		Side:          database.SideShort,
		StopLoss:      dec("105"),
		TakeProfit:    dec("90"),
		HasStopLoss:   true,
		HasTakeProfit: true,
	}
	unprotected := &database.Position{Side: database.SideLong}

	tests := []struct {
		name       string
		pos        *database.Position
		price      string
		wantReason string
		wantHit    bool
	}{
		{"long above sl below tp", long, "100", "", false},
		{"long hits sl exactly", long, "95", database.CloseReasonStopLoss, true},
		{"long just above sl", long, "95.01", "", false},
		{"long below sl", long, "94", database.CloseReasonStopLoss, true},
		{"long hits tp exactly", long, "110", database.CloseReasonTakeProfit, true},
		{"long above tp", long, "111", database.CloseReasonTakeProfit, true},
		{"short between levels", short, "100", "", false},
		{"short hits sl exactly", short, "105", database.CloseReasonStopLoss, true},
		{"short just below sl", short, "104.99", "", false},
		{"short hits tp exactly", short, "90", database.CloseReasonTakeProfit, true},
		{"short below tp", short, "89", database.CloseReasonTakeProfit, true},
		{"no levels never triggers", unprotected, "1", "", false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			reason, hit := EvaluateTriggers(tt.pos, dec(tt.price))
			if hit != tt.wantHit || reason != tt.wantReason {
				t.Errorf("EvaluateTriggers at %s = (%q, %v), want (%q, %v)",
					tt.price, reason, hit, tt.wantReason, tt.wantHit)
			}
		})
	}
}

// fakeStore implements Store in memory.
type fakeStore struct {
	mu        sync.Mutex
	positions []*database.Position
	creds     map[int64]*database.ExchangeCredential
	updates   int
	closeErr  error
}

func (f *fakeStore) ListOpenPositions(ctx context.Context) ([]*database.Position, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var open []*database.Position
	for _, p := range f.positions {
		if p.Status == database.PositionStatusOpen {
			open = append(open, p)
		}
	}
	return open, nil
}

func (f *fakeStore) GetCredential(ctx context.Context, id int64) (*database.ExchangeCredential, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.creds[id], nil
}

func (f *fakeStore) UpdatePositionPrice(ctx context.Context, id int64, price, pnl decimal.Decimal) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.updates++
	for _, p := range f.positions {
		if p.ID == id && p.Status == database.PositionStatusOpen {
			p.CurrentPrice = price
			p.PnL = pnl
		}
	}
	return nil
}

func (f *fakeStore) ClosePosition(ctx context.Context, id int64, closePrice, pnl decimal.Decimal, reason string) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.closeErr != nil {
		return false, f.closeErr
	}
	for _, p := range f.positions {
		if p.ID == id {
			if p.Status != database.PositionStatusOpen {
				return false, nil
			}
			p.Status = database.PositionStatusClosed
			p.CurrentPrice = closePrice
			p.PnL = pnl
			p.CloseReason = reason
			return true, nil
		}
	}
	return false, nil
}

// fakeAdapter implements exchange.Adapter with a fixed ticker price.
type fakeAdapter struct {
	price    decimal.Decimal
	closeErr map[string]error

	mu     sync.Mutex
	closed []string
}

func (f *fakeAdapter) Venue() string { return "fake" }

func (f *fakeAdapter) FetchBalance(ctx context.Context, creds exchange.Credentials) (decimal.Decimal, error) {
	return dec("1000"), nil
}

func (f *fakeAdapter) SetLeverage(ctx context.Context, creds exchange.Credentials, symbol string, leverage int) error {
	return nil
}

func (f *fakeAdapter) PlaceMarketOrder(ctx context.Context, creds exchange.Credentials, symbol, side string, quantity decimal.Decimal) (*exchange.OrderResult, error) {
	return &exchange.OrderResult{OrderID: "1", FillPrice: f.price}, nil
}

func (f *fakeAdapter) AttachStopLoss(ctx context.Context, creds exchange.Credentials, symbol, side string, quantity, stopPrice decimal.Decimal) error {
	return nil
}

func (f *fakeAdapter) AttachTakeProfit(ctx context.Context, creds exchange.Credentials, symbol, side string, quantity, takeProfitPrice decimal.Decimal) error {
	return nil
}

func (f *fakeAdapter) FetchTicker(ctx context.Context, symbol string) (decimal.Decimal, error) {
	return f.price, nil
}

func (f *fakeAdapter) ClosePosition(ctx context.Context, creds exchange.Credentials, req exchange.CloseRequest) (*exchange.CloseResult, error) {
	if err := f.closeErr[req.Symbol]; err != nil {
		return nil, err
	}
	f.mu.Lock()
	f.closed = append(f.closed, req.Symbol)
	f.mu.Unlock()
	pnl := f.price.Sub(req.EntryPrice).Mul(req.Quantity)
	if req.Side == database.SideShort {
		pnl = req.EntryPrice.Sub(f.price).Mul(req.Quantity)
	}
	return &exchange.CloseResult{ClosePrice: f.price, RealizedPnL: pnl}, nil
}

type fakeAdapters struct{ adapter exchange.Adapter }

func (f fakeAdapters) Get(venue string) (exchange.Adapter, error) { return f.adapter, nil }

type fakeOpener struct{}

func (fakeOpener) Decrypt(enc *vault.EncryptedCredentials) (*vault.Credentials, error) {
	return &vault.Credentials{APIKey: "k", APISecret: "s"}, nil
}

func testEngineConfig() config.EngineConfig {
	return config.EngineConfig{
		MonitorInterval: time.Second,
		FanOutWorkers:   4,
		AdapterTimeout:  time.Second,
	}
}

func openPosition(id int64, side, entry, sl, tp string) *database.Position {
	p := &database.Position{
		ID:           id,
		UserID:       id,
		CredentialID: 1,
		ExchangeID:   "fake",
		Symbol:       fmt.Sprintf("SYM%dUSDT", id),
		Side:         side,
		Quantity:     dec("1"),
		EntryPrice:   dec(entry),
		Status:       database.PositionStatusOpen,
	}
	if sl != "" {
		p.StopLoss = dec(sl)
		p.HasStopLoss = true
	}
	if tp != "" {
		p.TakeProfit = dec(tp)
		p.HasTakeProfit = true
	}
	return p
}

func TestRunOnceUpdatesPricesAndClosesTriggered(t *testing.T) {
	store := &fakeStore{
		positions: []*database.Position{
			openPosition(1, database.SideLong, "100", "95", "150"), // price 90: sl hit
			openPosition(2, database.SideLong, "80", "50", "150"),  // price 90: stays open
		},
		creds: map[int64]*database.ExchangeCredential{1: {ID: 1, ExchangeID: "fake"}},
	}
	adapter := &fakeAdapter{price: dec("90")}
	m := New(store, fakeOpener{}, fakeAdapters{adapter}, nil, nil, testEngineConfig(), zerolog.Nop())

	m.RunOnce(context.Background())

	if store.updates != 2 {
		t.Errorf("expected 2 price updates, got %d", store.updates)
	}
	if store.positions[0].Status != database.PositionStatusClosed {
		t.Error("position 1 should be closed by stop loss")
	}
	if store.positions[0].CloseReason != database.CloseReasonStopLoss {
		t.Errorf("close reason: got %q, want %q", store.positions[0].CloseReason, database.CloseReasonStopLoss)
	}
	if store.positions[1].Status != database.PositionStatusOpen {
		t.Error("position 2 should stay open")
	}
	if !store.positions[1].PnL.Equal(dec("10")) {
		t.Errorf("position 2 pnl: got %s, want 10", store.positions[1].PnL)
	}
}

func TestCloseAllOpenPositions(t *testing.T) {
	store := &fakeStore{
		positions: []*database.Position{
			openPosition(1, database.SideLong, "100", "", ""),
			openPosition(2, database.SideShort, "100", "", ""),
			openPosition(3, database.SideLong, "100", "", ""),
			openPosition(4, database.SideLong, "100", "", ""),
		},
		creds: map[int64]*database.ExchangeCredential{1: {ID: 1, ExchangeID: "fake"}},
	}
	adapter := &fakeAdapter{
		price:    dec("100"),
		closeErr: map[string]error{"SYM4USDT": fmt.Errorf("venue rejected")},
	}
	m := New(store, fakeOpener{}, fakeAdapters{adapter}, nil, nil, testEngineConfig(), zerolog.Nop())

	closed, failed, err := m.CloseAllOpenPositions(context.Background())
	if err != nil {
		t.Fatalf("CloseAllOpenPositions failed: %v", err)
	}
	if closed != 3 || failed != 1 {
		t.Errorf("tally: got closed=%d failed=%d, want closed=3 failed=1", closed, failed)
	}
	for _, p := range store.positions[:3] {
		if p.Status != database.PositionStatusClosed {
			t.Errorf("position %d should be closed", p.ID)
		}
		if p.CloseReason != database.CloseReasonAdminEmergency {
			t.Errorf("position %d close reason: got %q", p.ID, p.CloseReason)
		}
	}
	if store.positions[3].Status != database.PositionStatusOpen {
		t.Error("failed position should stay open for retry")
	}
}

func TestCloseLoserIsSilent(t *testing.T) {
	// Position already closed in the store: the conditional write loses and
	// no second close is recorded.
	pos := openPosition(1, database.SideLong, "100", "95", "")
	pos.Status = database.PositionStatusClosed
	pos.CloseReason = database.CloseReasonManual
	store := &fakeStore{
		positions: []*database.Position{pos},
		creds:     map[int64]*database.ExchangeCredential{1: {ID: 1, ExchangeID: "fake"}},
	}
	adapter := &fakeAdapter{price: dec("90")}
	m := New(store, fakeOpener{}, fakeAdapters{adapter}, nil, nil, testEngineConfig(), zerolog.Nop())

	if err := m.close(context.Background(), pos, database.CloseReasonStopLoss); err != nil {
		t.Fatalf("losing close should not error: %v", err)
	}
	if pos.CloseReason != database.CloseReasonManual {
		t.Errorf("close reason overwritten: got %q", pos.CloseReason)
	}
}

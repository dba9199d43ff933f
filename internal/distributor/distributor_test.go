package distributor

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

func testTradingConfig() config.TradingConfig {
	return config.TradingConfig{
		DefaultLeverage:            5,
		MaxLeverage:                50,
		DefaultPositionSizePercent: 2,
		MaxPositionSizePercent:     10,
		SignalExpiry:               5 * time.Minute,
	}
}

func testEngineConfig() config.EngineConfig {
	return config.EngineConfig{
		DistributorInterval: time.Second,
		FanOutWorkers:       4,
		AdapterTimeout:      time.Second,
	}
}

func validSignal() *database.Signal {
	return &database.Signal{
		ID:                  1,
		Symbol:              "BTCUSDT",
		Side:                database.SideLong,
		EntryPrice:          dec("30000"),
		StopLoss:            dec("29000"),
		TakeProfit:          dec("32000"),
		HasStopLoss:         true,
		HasTakeProfit:       true,
		Leverage:            10,
		PositionSizePercent: 5,
		Status:              database.SignalStatusPending,
		ExpiresAt:           time.Now().Add(time.Minute),
	}
}

func TestValidateSignal(t *testing.T) {
	bounds := testTradingConfig()

	if err := ValidateSignal(validSignal(), bounds); err != nil {
		t.Fatalf("valid signal rejected: %v", err)
	}

	tests := []struct {
		name      string
		mutate    func(*database.Signal)
		wantField string
	}{
		{"empty symbol", func(s *database.Signal) { s.Symbol = "" }, "symbol"},
		{"bad side", func(s *database.Signal) { s.Side = "up" }, "side"},
		{"zero entry", func(s *database.Signal) { s.EntryPrice = decimal.Zero }, "entry_price"},
		{"negative entry", func(s *database.Signal) { s.EntryPrice = dec("-1") }, "entry_price"},
		{"zero leverage", func(s *database.Signal) { s.Leverage = 0 }, "leverage"},
		{"excess leverage", func(s *database.Signal) { s.Leverage = 51 }, "leverage"},
		{"excess size", func(s *database.Signal) { s.PositionSizePercent = 11 }, "position_size_percent"},
		{"long sl above entry", func(s *database.Signal) { s.StopLoss = dec("31000") }, "stop_loss"},
		{"long tp below entry", func(s *database.Signal) { s.TakeProfit = dec("29500") }, "take_profit"},
		{"expired", func(s *database.Signal) { s.ExpiresAt = time.Now().Add(-time.Second) }, "expires_at"},
		{"short sl below entry", func(s *database.Signal) {
			s.Side = database.SideShort
			s.StopLoss = dec("29000")
			s.TakeProfit = dec("28000")
		}, "stop_loss"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			sig := validSignal()
			tt.mutate(sig)
			err := ValidateSignal(sig, bounds)
			if err == nil {
				t.Fatal("expected validation error")
			}
			vErr, ok := err.(*ValidationError)
			if !ok {
				t.Fatalf("expected *ValidationError, got %T", err)
			}
			if vErr.Field != tt.wantField {
				t.Errorf("field: got %q, want %q", vErr.Field, tt.wantField)
			}
		})
	}
}

// fakeStore implements Store in memory with claim semantics matching the
// repository's conditional writes.
type fakeStore struct {
	mu        sync.Mutex
	signals   map[int64]*database.Signal
	pairs     []database.EligiblePair
	positions []*database.Position
}

func (f *fakeStore) ExpireStaleSignals(ctx context.Context, now time.Time) (int64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var n int64
	for _, s := range f.signals {
		if s.Status == database.SignalStatusPending && !s.ExpiresAt.After(now) {
			s.Status = database.SignalStatusExpired
			n++
		}
	}
	return n, nil
}

func (f *fakeStore) ListPendingSignals(ctx context.Context, now time.Time) ([]*database.Signal, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var pending []*database.Signal
	for _, s := range f.signals {
		if s.Status == database.SignalStatusPending && s.ExpiresAt.After(now) {
			pending = append(pending, s)
		}
	}
	return pending, nil
}

func (f *fakeStore) ClaimSignal(ctx context.Context, id int64) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	s, ok := f.signals[id]
	if !ok || s.Status != database.SignalStatusPending {
		return false, nil
	}
	s.Status = database.SignalStatusProcessing
	return true, nil
}

func (f *fakeStore) MarkSignalProcessed(ctx context.Context, id int64) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	s, ok := f.signals[id]
	if !ok || s.Status != database.SignalStatusProcessing {
		return false, nil
	}
	s.Status = database.SignalStatusProcessed
	return true, nil
}

func (f *fakeStore) GetEligiblePairs(ctx context.Context) ([]database.EligiblePair, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.pairs, nil
}

func (f *fakeStore) CreatePosition(ctx context.Context, pos *database.Position) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	pos.ID = int64(len(f.positions) + 1)
	pos.Status = database.PositionStatusOpen
	f.positions = append(f.positions, pos)
	return nil
}

func (f *fakeStore) TouchCredential(ctx context.Context, id int64) error { return nil }

// fakeOpener rejects credentials whose encrypted key carries a marker.
type fakeOpener struct{}

func (fakeOpener) Decrypt(enc *vault.EncryptedCredentials) (*vault.Credentials, error) {
	if enc.APIKey == "corrupt" {
		return nil, &vault.CredentialError{Field: "api_key", Err: fmt.Errorf("decrypt failed")}
	}
	return &vault.Credentials{APIKey: enc.APIKey, APISecret: enc.APISecret}, nil
}

type fakeAdapter struct {
	balance     decimal.Decimal
	leverageErr error
	balanceWait time.Duration

	mu        sync.Mutex
	orders    int
	deadlines map[string]time.Time
}

func (f *fakeAdapter) Venue() string { return "fake" }

func (f *fakeAdapter) recordDeadline(ctx context.Context, call string) {
	dl, ok := ctx.Deadline()
	if !ok {
		return
	}
	f.mu.Lock()
	if f.deadlines == nil {
		f.deadlines = make(map[string]time.Time)
	}
	f.deadlines[call] = dl
	f.mu.Unlock()
}

func (f *fakeAdapter) FetchBalance(ctx context.Context, creds exchange.Credentials) (decimal.Decimal, error) {
	f.recordDeadline(ctx, "balance")
	if f.balanceWait > 0 {
		time.Sleep(f.balanceWait)
	}
	return f.balance, nil
}

func (f *fakeAdapter) SetLeverage(ctx context.Context, creds exchange.Credentials, symbol string, leverage int) error {
	f.recordDeadline(ctx, "leverage")
	return f.leverageErr
}

func (f *fakeAdapter) PlaceMarketOrder(ctx context.Context, creds exchange.Credentials, symbol, side string, quantity decimal.Decimal) (*exchange.OrderResult, error) {
	f.recordDeadline(ctx, "order")
	f.mu.Lock()
	f.orders++
	n := f.orders
	f.mu.Unlock()
	return &exchange.OrderResult{OrderID: fmt.Sprintf("ord-%d", n), FillPrice: dec("30000")}, nil
}

func (f *fakeAdapter) AttachStopLoss(ctx context.Context, creds exchange.Credentials, symbol, side string, quantity, stopPrice decimal.Decimal) error {
	return nil
}

func (f *fakeAdapter) AttachTakeProfit(ctx context.Context, creds exchange.Credentials, symbol, side string, quantity, takeProfitPrice decimal.Decimal) error {
	return nil
}

func (f *fakeAdapter) FetchTicker(ctx context.Context, symbol string) (decimal.Decimal, error) {
	return dec("30000"), nil
}

func (f *fakeAdapter) ClosePosition(ctx context.Context, creds exchange.Credentials, req exchange.CloseRequest) (*exchange.CloseResult, error) {
	return &exchange.CloseResult{ClosePrice: dec("30000")}, nil
}

type fakeAdapters struct{ adapter exchange.Adapter }

func (f fakeAdapters) Get(venue string) (exchange.Adapter, error) { return f.adapter, nil }

func pair(userID int64, apiKey string) database.EligiblePair {
	return database.EligiblePair{
		User: database.User{ID: userID, IsSubscribed: true, AutoTrade: true},
		Credential: database.ExchangeCredential{
			ID:                  userID,
			UserID:              userID,
			ExchangeID:          "fake",
			APIKeyEncrypted:     apiKey,
			APISecretEncrypted:  "enc-secret",
			Leverage:            5,
			PositionSizePercent: 2,
			AutoTrade:           true,
			IsActive:            true,
		},
	}
}

func newTestDistributor(store *fakeStore, adapter exchange.Adapter) *Distributor {
	return New(store, fakeOpener{}, fakeAdapters{adapter}, nil, nil,
		testTradingConfig(), testEngineConfig(), zerolog.Nop())
}

func TestFanOutIsolatesBadCredential(t *testing.T) {
	store := &fakeStore{
		signals: map[int64]*database.Signal{1: validSignal()},
		pairs: []database.EligiblePair{
			pair(1, "enc-key-1"),
			pair(2, "corrupt"),
			pair(3, "enc-key-3"),
		},
	}
	adapter := &fakeAdapter{balance: dec("1000")}
	d := newTestDistributor(store, adapter)

	d.RunOnce(context.Background())

	if got := len(store.positions); got != 2 {
		t.Fatalf("positions opened: got %d, want 2", got)
	}
	for _, pos := range store.positions {
		if pos.UserID == 2 {
			t.Error("position opened for the corrupt credential")
		}
	}
	if store.signals[1].Status != database.SignalStatusProcessed {
		t.Errorf("signal status: got %q, want processed", store.signals[1].Status)
	}
}

func TestQuantityUsesSignalOverrides(t *testing.T) {
	store := &fakeStore{
		signals: map[int64]*database.Signal{1: validSignal()},
		pairs:   []database.EligiblePair{pair(1, "enc-key-1")},
	}
	adapter := &fakeAdapter{balance: dec("1000")}
	d := newTestDistributor(store, adapter)

	d.RunOnce(context.Background())

	if len(store.positions) != 1 {
		t.Fatalf("expected 1 position, got %d", len(store.positions))
	}
	// 1000 * 5% * 10x / 30000 entry
	want := dec("1000").Mul(dec("5")).Div(dec("100")).Mul(dec("10")).Div(dec("30000"))
	if !store.positions[0].Quantity.Equal(want) {
		t.Errorf("quantity: got %s, want %s", store.positions[0].Quantity, want)
	}
}

func TestLeverageFailureStillPlacesOrder(t *testing.T) {
	store := &fakeStore{
		signals: map[int64]*database.Signal{1: validSignal()},
		pairs:   []database.EligiblePair{pair(1, "enc-key-1")},
	}
	adapter := &fakeAdapter{balance: dec("1000"), leverageErr: fmt.Errorf("leverage rejected")}
	d := newTestDistributor(store, adapter)

	d.RunOnce(context.Background())

	if adapter.orders != 1 {
		t.Fatalf("orders placed: got %d, want 1", adapter.orders)
	}
	if len(store.positions) != 1 {
		t.Fatalf("positions opened: got %d, want 1", len(store.positions))
	}
	if store.signals[1].Status != database.SignalStatusProcessed {
		t.Errorf("signal status: got %q, want processed", store.signals[1].Status)
	}
}

func TestEachAdapterCallGetsFreshTimeout(t *testing.T) {
	store := &fakeStore{
		signals: map[int64]*database.Signal{1: validSignal()},
		pairs:   []database.EligiblePair{pair(1, "enc-key-1")},
	}
	// The balance call burns wall time; a shared deadline would carry that
	// loss into the order call.
	adapter := &fakeAdapter{balance: dec("1000"), balanceWait: 20 * time.Millisecond}
	d := newTestDistributor(store, adapter)

	d.RunOnce(context.Background())

	balDL, ok := adapter.deadlines["balance"]
	if !ok {
		t.Fatal("balance call had no deadline")
	}
	orderDL, ok := adapter.deadlines["order"]
	if !ok {
		t.Fatal("order call had no deadline")
	}
	if !orderDL.After(balDL) {
		t.Errorf("order deadline %v not after balance deadline %v", orderDL, balDL)
	}
}

func TestInvalidSignalIsConsumedWithoutOrders(t *testing.T) {
	sig := validSignal()
	sig.Leverage = 99
	store := &fakeStore{
		signals: map[int64]*database.Signal{1: sig},
		pairs:   []database.EligiblePair{pair(1, "enc-key-1")},
	}
	adapter := &fakeAdapter{balance: dec("1000")}
	d := newTestDistributor(store, adapter)

	d.RunOnce(context.Background())

	if adapter.orders != 0 {
		t.Errorf("invalid signal placed %d order(s)", adapter.orders)
	}
	if len(store.positions) != 0 {
		t.Errorf("invalid signal opened %d position(s)", len(store.positions))
	}
	if store.signals[1].Status != database.SignalStatusProcessed {
		t.Errorf("invalid signal should still be consumed, status %q", store.signals[1].Status)
	}
}

func TestExpiredSignalNeverExecutes(t *testing.T) {
	sig := validSignal()
	sig.ExpiresAt = time.Now().Add(-time.Minute)
	store := &fakeStore{
		signals: map[int64]*database.Signal{1: sig},
		pairs:   []database.EligiblePair{pair(1, "enc-key-1")},
	}
	adapter := &fakeAdapter{balance: dec("1000")}
	d := newTestDistributor(store, adapter)

	d.RunOnce(context.Background())

	if adapter.orders != 0 {
		t.Errorf("expired signal placed %d order(s)", adapter.orders)
	}
	if store.signals[1].Status != database.SignalStatusExpired {
		t.Errorf("signal status: got %q, want expired", store.signals[1].Status)
	}
}

func TestClaimRaceHasOneWinner(t *testing.T) {
	store := &fakeStore{
		signals: map[int64]*database.Signal{1: validSignal()},
	}
	var wins int
	var mu sync.Mutex
	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			won, err := store.ClaimSignal(context.Background(), 1)
			if err != nil {
				t.Errorf("ClaimSignal failed: %v", err)
				return
			}
			if won {
				mu.Lock()
				wins++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()
	if wins != 1 {
		t.Errorf("claim winners: got %d, want exactly 1", wins)
	}
}

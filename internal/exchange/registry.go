package exchange

import (
	"fmt"
	"sort"
	"time"

	"signal-trading-bot/config"
)

// Registry holds one adapter per supported venue. Adapters are stateless with
// respect to credentials, so a single instance serves every user.
type Registry struct {
	adapters map[string]Adapter
}

// NewRegistry constructs every supported venue adapter with the configured
// base URLs and per-call timeout.
func NewRegistry(cfg config.ExchangeConfig, timeout time.Duration) *Registry {
	adapters := map[string]Adapter{
		VenueBinance: NewBinance(cfg.BinanceBaseURL, timeout),
		VenueBybit:   NewBybit(cfg.BybitBaseURL, timeout),
		VenueOKX:     NewOKX(cfg.OKXBaseURL, timeout),
		VenueBitget:  NewBitget(cfg.BitgetBaseURL, timeout),
		VenueMEXC:    NewMEXC(cfg.MEXCBaseURL, timeout),
		VenueGate:    NewGate(cfg.GateBaseURL, timeout),
	}
	return &Registry{adapters: adapters}
}

// Get returns the adapter for a venue.
func (r *Registry) Get(venue string) (Adapter, error) {
	adapter, ok := r.adapters[venue]
	if !ok {
		return nil, fmt.Errorf("unsupported exchange: %s", venue)
	}
	return adapter, nil
}

// Venues lists the supported venue identifiers.
func (r *Registry) Venues() []string {
	venues := make([]string, 0, len(r.adapters))
	for venue := range r.adapters {
		venues = append(venues, venue)
	}
	sort.Strings(venues)
	return venues
}

// IsSupported reports whether the venue has an adapter. Passphrase-requiring
// venues are called out so the connect flow can prompt for one.
func (r *Registry) IsSupported(venue string) bool {
	_, ok := r.adapters[venue]
	return ok
}

// RequiresPassphrase reports whether the venue signs with an API passphrase.
func RequiresPassphrase(venue string) bool {
	return venue == VenueOKX || venue == VenueBitget
}

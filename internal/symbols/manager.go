// Package symbols maintains the working set of instruments the pipeline
// streams: the top symbols per market by 24h notional, partitioned into
// bounded subscription groups.
package symbols

import (
	"context"
	"fmt"
	"sync"

	"github.com/rs/zerolog/log"

	"pulseintel/internal/events"
)

// Oracle resolves the venue's volume ranking. Satisfied by the catalog
// client; tests substitute a fixture.
type Oracle interface {
	TopByVolume(ctx context.Context, market string, limit int) ([]events.SymbolMeta, error)
}

// Ref identifies one (symbol, market) membership of the working set.
type Ref struct {
	Symbol string `json:"symbol"`
	Market string `json:"market"`
}

// Diff lists working-set membership changes produced by a reconcile pass.
type Diff struct {
	Added   []Ref
	Removed []Ref
}

// snapshot is an immutable view of the working set. Readers grab the pointer
// and never see partial updates.
type snapshot struct {
	markets  []string
	byMarket map[string][]events.SymbolMeta // ordered: desc notional, then symbol
	byRef    map[Ref]events.SymbolMeta
}

func emptySnapshot() *snapshot {
	return &snapshot{
		byMarket: make(map[string][]events.SymbolMeta),
		byRef:    make(map[Ref]events.SymbolMeta),
	}
}

// Manager owns the working set. All mutation goes through Reconcile under a
// single writer lock; reads are lock-free snapshot loads.
type Manager struct {
	oracle    Oracle
	minVolume float64

	writeMu sync.Mutex
	mu      sync.RWMutex
	snap    *snapshot
}

// NewManager builds a manager with an empty working set.
func NewManager(oracle Oracle, minVolume float64) *Manager {
	return &Manager{
		oracle:    oracle,
		minVolume: minVolume,
		snap:      emptySnapshot(),
	}
}

// Initialize populates the working set for the given markets. Equivalent to
// a reconcile from empty, so every selected symbol appears as Added.
func (m *Manager) Initialize(ctx context.Context, markets []string, perMarket int) (Diff, error) {
	return m.Reconcile(ctx, markets, perMarket)
}

// Reconcile recomputes the working set for the given market list and
// per-market cap, swaps the snapshot, and returns the membership diff.
func (m *Manager) Reconcile(ctx context.Context, markets []string, perMarket int) (Diff, error) {
	m.writeMu.Lock()
	defer m.writeMu.Unlock()

	next := emptySnapshot()
	next.markets = append([]string(nil), markets...)

	for _, market := range markets {
		ranked, err := m.oracle.TopByVolume(ctx, market, 0)
		if err != nil {
			return Diff{}, fmt.Errorf("rank %s symbols: %w", market, err)
		}
		selected := make([]events.SymbolMeta, 0, perMarket)
		for _, meta := range ranked {
			if meta.Notional24h < m.minVolume {
				// Ranked descending, so everything after this is below the
				// floor too.
				break
			}
			selected = append(selected, meta)
			if len(selected) == perMarket {
				break
			}
		}
		next.byMarket[market] = selected
		for _, meta := range selected {
			next.byRef[Ref{Symbol: meta.Symbol, Market: market}] = meta
		}
		log.Info().Str("market", market).Int("symbols", len(selected)).Msg("working set selected")
	}

	m.mu.RLock()
	prev := m.snap
	m.mu.RUnlock()

	diff := diffSnapshots(prev, next)

	m.mu.Lock()
	m.snap = next
	m.mu.Unlock()

	log.Info().Int("added", len(diff.Added)).Int("removed", len(diff.Removed)).Msg("working set reconciled")
	return diff, nil
}

// SymbolsFor returns the ordered working set for a market.
func (m *Manager) SymbolsFor(market string) []string {
	snap := m.load()
	metas := snap.byMarket[market]
	out := make([]string, len(metas))
	for i, meta := range metas {
		out[i] = meta.Symbol
	}
	return out
}

// Markets returns the active market list.
func (m *Manager) Markets() []string {
	return append([]string(nil), m.load().markets...)
}

// All returns every member of the working set across markets.
func (m *Manager) All() []events.SymbolMeta {
	snap := m.load()
	out := make([]events.SymbolMeta, 0, len(snap.byRef))
	for _, market := range snap.markets {
		out = append(out, snap.byMarket[market]...)
	}
	return out
}

// Top returns the first n working-set members of a market.
func (m *Manager) Top(market string, n int) []events.SymbolMeta {
	metas := m.load().byMarket[market]
	if n > 0 && len(metas) > n {
		metas = metas[:n]
	}
	return append([]events.SymbolMeta(nil), metas...)
}

// Meta looks up one instrument. The market may be empty, in which case the
// first market containing the symbol wins.
func (m *Manager) Meta(symbol, market string) (events.SymbolMeta, bool) {
	snap := m.load()
	if market != "" {
		meta, ok := snap.byRef[Ref{Symbol: symbol, Market: market}]
		return meta, ok
	}
	for _, mkt := range snap.markets {
		if meta, ok := snap.byRef[Ref{Symbol: symbol, Market: mkt}]; ok {
			return meta, true
		}
	}
	return events.SymbolMeta{}, false
}

// Contains reports working-set membership.
func (m *Manager) Contains(symbol, market string) bool {
	_, ok := m.load().byRef[Ref{Symbol: symbol, Market: market}]
	return ok
}

// Groups partitions a market's ordered working set into subscription groups
// of at most groupSize symbols.
func (m *Manager) Groups(market string, groupSize int) []events.SubscriptionGroup {
	ordered := m.SymbolsFor(market)
	if groupSize <= 0 || len(ordered) == 0 {
		return nil
	}
	groups := make([]events.SubscriptionGroup, 0, (len(ordered)+groupSize-1)/groupSize)
	for start := 0; start < len(ordered); start += groupSize {
		end := start + groupSize
		if end > len(ordered) {
			end = len(ordered)
		}
		groups = append(groups, events.SubscriptionGroup{
			ID:      events.GroupID(market, len(groups)),
			Market:  market,
			Symbols: append([]string(nil), ordered[start:end]...),
		})
	}
	return groups
}

// AllGroups partitions every active market.
func (m *Manager) AllGroups(groupSize int) []events.SubscriptionGroup {
	var groups []events.SubscriptionGroup
	for _, market := range m.Markets() {
		groups = append(groups, m.Groups(market, groupSize)...)
	}
	return groups
}

func (m *Manager) load() *snapshot {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.snap
}

func diffSnapshots(prev, next *snapshot) Diff {
	var d Diff
	for ref := range next.byRef {
		if _, ok := prev.byRef[ref]; !ok {
			d.Added = append(d.Added, ref)
		}
	}
	for ref := range prev.byRef {
		if _, ok := next.byRef[ref]; !ok {
			d.Removed = append(d.Removed, ref)
		}
	}
	return d
}

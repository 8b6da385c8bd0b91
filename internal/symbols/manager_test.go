package symbols

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"pulseintel/internal/events"
)

// rankedOracle serves a fixed, pre-ranked catalog per market.
type rankedOracle struct {
	ranked map[string][]events.SymbolMeta
	err    error
}

func (o *rankedOracle) TopByVolume(_ context.Context, market string, limit int) ([]events.SymbolMeta, error) {
	if o.err != nil {
		return nil, o.err
	}
	metas := o.ranked[market]
	if limit > 0 && len(metas) > limit {
		metas = metas[:limit]
	}
	return metas, nil
}

func meta(symbol, market string, notional float64) events.SymbolMeta {
	return events.SymbolMeta{Symbol: symbol, Market: market, Notional24h: notional}
}

func spotFixture() *rankedOracle {
	return &rankedOracle{ranked: map[string][]events.SymbolMeta{
		events.MarketSpot: {
			meta("BTCUSDT", "spot", 9e9),
			meta("ETHUSDT", "spot", 5e9),
			meta("SOLUSDT", "spot", 2e9),
			meta("DOGEUSDT", "spot", 5e5), // below the volume floor
		},
		events.MarketUSDTM: {
			meta("BTCUSDT", "usdtm", 8e9),
			meta("ETHUSDT", "usdtm", 4e9),
		},
	}}
}

func TestInitializeAppliesFloorAndCap(t *testing.T) {
	m := NewManager(spotFixture(), 1_000_000)

	diff, err := m.Initialize(context.Background(), []string{"spot"}, 2)
	require.NoError(t, err)

	assert.Equal(t, []string{"BTCUSDT", "ETHUSDT"}, m.SymbolsFor("spot"))
	assert.Len(t, diff.Added, 2)
	assert.Empty(t, diff.Removed)
}

func TestVolumeFloorExcludesThinSymbols(t *testing.T) {
	m := NewManager(spotFixture(), 1_000_000)

	_, err := m.Initialize(context.Background(), []string{"spot"}, 10)
	require.NoError(t, err)

	assert.Equal(t, []string{"BTCUSDT", "ETHUSDT", "SOLUSDT"}, m.SymbolsFor("spot"))
	assert.False(t, m.Contains("DOGEUSDT", "spot"))
}

func TestReconcileEmitsDiff(t *testing.T) {
	m := NewManager(spotFixture(), 1_000_000)
	_, err := m.Initialize(context.Background(), []string{"spot"}, 3)
	require.NoError(t, err)

	// Expand to two markets but shrink the per-market cap.
	diff, err := m.Reconcile(context.Background(), []string{"spot", "usdtm"}, 2)
	require.NoError(t, err)

	assert.ElementsMatch(t, []Ref{
		{Symbol: "BTCUSDT", Market: "usdtm"},
		{Symbol: "ETHUSDT", Market: "usdtm"},
	}, diff.Added)
	assert.ElementsMatch(t, []Ref{{Symbol: "SOLUSDT", Market: "spot"}}, diff.Removed)
}

func TestReconcileFailureLeavesSnapshotIntact(t *testing.T) {
	oracle := spotFixture()
	m := NewManager(oracle, 1_000_000)
	_, err := m.Initialize(context.Background(), []string{"spot"}, 3)
	require.NoError(t, err)

	oracle.err = errors.New("catalog down")
	_, err = m.Reconcile(context.Background(), []string{"spot", "usdtm"}, 2)
	require.Error(t, err)

	assert.Equal(t, []string{"BTCUSDT", "ETHUSDT", "SOLUSDT"}, m.SymbolsFor("spot"))
}

func TestGroupsPartitionInOrder(t *testing.T) {
	m := NewManager(spotFixture(), 0)
	_, err := m.Initialize(context.Background(), []string{"spot"}, 4)
	require.NoError(t, err)

	groups := m.Groups("spot", 3)
	require.Len(t, groups, 2)
	assert.Equal(t, "spot-g00", groups[0].ID)
	assert.Equal(t, []string{"BTCUSDT", "ETHUSDT", "SOLUSDT"}, groups[0].Symbols)
	assert.Equal(t, "spot-g01", groups[1].ID)
	assert.Equal(t, []string{"DOGEUSDT"}, groups[1].Symbols)
}

func TestAllGroupsSpanMarkets(t *testing.T) {
	m := NewManager(spotFixture(), 1_000_000)
	_, err := m.Initialize(context.Background(), []string{"spot", "usdtm"}, 10)
	require.NoError(t, err)

	groups := m.AllGroups(10)
	require.Len(t, groups, 2)
	assert.Equal(t, "spot", groups[0].Market)
	assert.Equal(t, "usdtm", groups[1].Market)
}

func TestMetaLookup(t *testing.T) {
	m := NewManager(spotFixture(), 1_000_000)
	_, err := m.Initialize(context.Background(), []string{"spot", "usdtm"}, 10)
	require.NoError(t, err)

	got, ok := m.Meta("BTCUSDT", "usdtm")
	require.True(t, ok)
	assert.Equal(t, 8e9, got.Notional24h)

	// Market omitted: first active market containing the symbol wins.
	got, ok = m.Meta("BTCUSDT", "")
	require.True(t, ok)
	assert.Equal(t, "spot", got.Market)

	_, ok = m.Meta("NOPEUSDT", "")
	assert.False(t, ok)
}

func TestZeroSymbolWorkingSet(t *testing.T) {
	m := NewManager(&rankedOracle{ranked: map[string][]events.SymbolMeta{}}, 1_000_000)
	_, err := m.Initialize(context.Background(), []string{"spot"}, 10)
	require.NoError(t, err)

	assert.Empty(t, m.SymbolsFor("spot"))
	assert.Empty(t, m.AllGroups(10))
}

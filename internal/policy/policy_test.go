package policy

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"pulseintel/internal/catalog"
	"pulseintel/internal/events"
	"pulseintel/internal/symbols"
)

type fakeValidator struct {
	creds catalog.Credentials
	fail  bool
}

func (f *fakeValidator) SetCredentials(c catalog.Credentials) { f.creds = c }
func (f *fakeValidator) Credentials() catalog.Credentials     { return f.creds }
func (f *fakeValidator) ValidateCredentials(context.Context) error {
	if f.fail {
		return errors.New("venue rejected credentials")
	}
	return nil
}

type fakeRates struct{ rps float64 }

func (f *fakeRates) UpdateBaseRate(rps float64) { f.rps = rps }

type fakeWorkingSet struct {
	markets   []string
	perMarket int
	calls     int
}

func (f *fakeWorkingSet) Reconcile(_ context.Context, markets []string, perMarket int) (symbols.Diff, error) {
	f.markets = markets
	f.perMarket = perMarket
	f.calls++
	return symbols.Diff{}, nil
}

func (f *fakeWorkingSet) AllGroups(int) []events.SubscriptionGroup {
	var groups []events.SubscriptionGroup
	for _, market := range f.markets {
		groups = append(groups, events.SubscriptionGroup{
			ID:      events.GroupID(market, 0),
			Market:  market,
			Symbols: []string{"BTCUSDT"},
		})
	}
	return groups
}

type fakeSupervisor struct {
	groups   []events.SubscriptionGroup
	books    bool
	restarts int
}

func (f *fakeSupervisor) Restart(groups []events.SubscriptionGroup, books bool) error {
	f.groups = groups
	f.books = books
	f.restarts++
	return nil
}

func validCreds() catalog.Credentials {
	return catalog.Credentials{
		APIKey:     "bg_live_key_0001",
		SecretKey:  "bg_secret_0001",
		Passphrase: "hunter2",
	}
}

func newFixture() (*Manager, *fakeValidator, *fakeRates, *fakeWorkingSet, *fakeSupervisor) {
	v := &fakeValidator{}
	r := &fakeRates{}
	ws := &fakeWorkingSet{}
	sup := &fakeSupervisor{}
	m := NewManager(v, r, ws, sup, nil, catalog.Credentials{})
	return m, v, r, ws, sup
}

func TestTierClassification(t *testing.T) {
	cases := []struct {
		name  string
		creds catalog.Credentials
		want  string
	}{
		{"empty", catalog.Credentials{}, TierPublic},
		{"sentinel key", catalog.Credentials{APIKey: "PUBLIC_ACCESS", SecretKey: "x", Passphrase: "y"}, TierPublic},
		{"short key", catalog.Credentials{APIKey: "short", SecretKey: "secret", Passphrase: "p"}, TierPublic},
		{"missing passphrase", catalog.Credentials{APIKey: "bg_live_key_0001", SecretKey: "s"}, TierPublic},
		{"complete", validCreds(), TierPrivileged},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			assert.Equal(t, tc.want, TierFor(tc.creds))
		})
	}
}

func TestProfileShapes(t *testing.T) {
	pub := PublicProfile()
	assert.Equal(t, float64(8), pub.RateRPS)
	assert.Equal(t, 10, pub.MaxSymbolsPerGroup)
	assert.Equal(t, []string{"spot", "usdtm"}, pub.Markets)
	assert.False(t, pub.Books)

	priv := PrivilegedProfile()
	assert.Equal(t, float64(120), priv.RateRPS)
	assert.Equal(t, 100, priv.MaxSymbolsPerGroup)
	assert.Len(t, priv.Markets, 4)
	assert.True(t, priv.Books)
	assert.Contains(t, priv.ResolutionsSec, 1)
}

func TestApplyPrivilegedFansOut(t *testing.T) {
	m, v, r, ws, sup := newFixture()

	profile, err := m.Apply(context.Background(), validCreds())
	require.NoError(t, err)

	assert.Equal(t, TierPrivileged, profile.Tier)
	assert.Equal(t, float64(120), r.rps)
	assert.Len(t, ws.markets, 4)
	assert.True(t, sup.books)
	assert.Equal(t, 1, sup.restarts)
	assert.Equal(t, validCreds(), v.creds)
	assert.Equal(t, TierPrivileged, m.Tier())
}

func TestApplyRollsBackOnValidationFailure(t *testing.T) {
	m, v, r, ws, sup := newFixture()
	v.fail = true

	before := m.Profile()
	_, err := m.Apply(context.Background(), validCreds())
	require.Error(t, err)

	assert.Equal(t, catalog.Credentials{}, v.creds, "previous credentials restored")
	assert.Equal(t, before, m.Profile(), "profile unchanged")
	assert.Zero(t, r.rps, "rate untouched")
	assert.Zero(t, ws.calls, "working set untouched")
	assert.Zero(t, sup.restarts, "sessions untouched")
}

func TestCredentialRoundTripRestoresTopology(t *testing.T) {
	m, _, _, ws, sup := newFixture()

	_, err := m.Apply(context.Background(), validCreds())
	require.NoError(t, err)
	privilegedGroups := sup.groups

	_, err = m.Reset(context.Background())
	require.NoError(t, err)
	assert.Equal(t, TierPublic, m.Tier())
	assert.False(t, sup.books)
	assert.Equal(t, []string{"spot", "usdtm"}, ws.markets)

	_, err = m.Apply(context.Background(), validCreds())
	require.NoError(t, err)
	assert.Equal(t, privilegedGroups, sup.groups, "same topology after A->B->A")
	assert.True(t, sup.books)
}

func TestMarketPinHoldsAcrossReset(t *testing.T) {
	v := &fakeValidator{}
	r := &fakeRates{}
	ws := &fakeWorkingSet{}
	sup := &fakeSupervisor{}
	m := NewManager(v, r, ws, sup, []string{"spot"}, catalog.Credentials{})

	_, err := m.Apply(context.Background(), validCreds())
	require.NoError(t, err)
	assert.Len(t, ws.markets, 4, "valid credentials lift the pin")

	_, err = m.Reset(context.Background())
	require.NoError(t, err)
	assert.Equal(t, []string{"spot"}, ws.markets, "reset reconciles back to the pinned subset")
}

func TestResetIsPublic(t *testing.T) {
	m, _, r, _, _ := newFixture()
	_, err := m.Apply(context.Background(), validCreds())
	require.NoError(t, err)

	profile, err := m.Reset(context.Background())
	require.NoError(t, err)
	assert.Equal(t, TierPublic, profile.Tier)
	assert.Equal(t, float64(8), r.rps)
}

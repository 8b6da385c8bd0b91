// Package policy derives the effective capability profile from the
// configured venue credentials and fans reconfiguration out to the rate
// limiters, the symbol manager, and the session supervisor.
package policy

import (
	"context"
	"fmt"
	"sync"

	"github.com/rs/zerolog/log"

	"pulseintel/internal/catalog"
	"pulseintel/internal/events"
	"pulseintel/internal/symbols"
)

// Tiers.
const (
	TierPublic     = "public"
	TierPrivileged = "privileged"
)

// minKeyLen is the shortest API key the venue issues; anything shorter is
// treated as a placeholder and kept on the public tier.
const minKeyLen = 10

// Profile is the effective limit set for the current tier.
type Profile struct {
	Tier                string   `json:"tier"`
	RateRPS             float64  `json:"rate_rps"`
	MaxSymbolsPerGroup  int      `json:"max_symbols_per_group"`
	MaxSymbolsPerMarket int      `json:"max_symbols_per_market"`
	ResolutionsSec      []int    `json:"resolutions_sec"`
	HistoryDays         int      `json:"history_days"`
	Markets             []string `json:"markets"`
	Books               bool     `json:"books"`
}

// PublicProfile is the default, credential-free limit set.
func PublicProfile() Profile {
	return Profile{
		Tier:                TierPublic,
		RateRPS:             8,
		MaxSymbolsPerGroup:  10,
		MaxSymbolsPerMarket: 30,
		ResolutionsSec:      []int{60, 300, 900, 3600},
		HistoryDays:         30,
		Markets:             []string{events.MarketSpot, events.MarketUSDTM},
		Books:               false,
	}
}

// PrivilegedProfile is the limit set unlocked by valid credentials.
func PrivilegedProfile() Profile {
	return Profile{
		Tier:                TierPrivileged,
		RateRPS:             120,
		MaxSymbolsPerGroup:  100,
		MaxSymbolsPerMarket: 100,
		ResolutionsSec:      []int{1, 5, 15, 60, 300, 900, 3600},
		HistoryDays:         365,
		Markets:             []string{events.MarketSpot, events.MarketUSDTM, events.MarketCoinM, events.MarketUSDCM},
		Books:               true,
	}
}

// TierFor classifies a credential triple. Privileged requires all three
// fields, a non-sentinel key, and a plausible key length.
func TierFor(creds catalog.Credentials) string {
	if creds.Signed() && len(creds.APIKey) >= minKeyLen {
		return TierPrivileged
	}
	return TierPublic
}

// ProfileFor returns the profile a credential triple earns.
func ProfileFor(creds catalog.Credentials) Profile {
	if TierFor(creds) == TierPrivileged {
		return PrivilegedProfile()
	}
	return PublicProfile()
}

// Validator exercises a credential triple against the venue. Satisfied by
// the catalog client.
type Validator interface {
	SetCredentials(creds catalog.Credentials)
	Credentials() catalog.Credentials
	ValidateCredentials(ctx context.Context) error
}

// RateUpdater hot-replaces the base rate of the ingestion buckets.
type RateUpdater interface {
	UpdateBaseRate(rps float64)
}

// WorkingSet is the symbol-manager surface the policy drives.
type WorkingSet interface {
	Reconcile(ctx context.Context, markets []string, perMarket int) (symbols.Diff, error)
	AllGroups(groupSize int) []events.SubscriptionGroup
}

// SessionSupervisor recreates the upstream sessions after a profile change.
// Sessions run under the supervisor's own lifecycle context, never the
// caller's.
type SessionSupervisor interface {
	Restart(groups []events.SubscriptionGroup, includeBooks bool) error
}

// Manager owns the active credential triple and profile. Apply is the only
// mutation path and validates before committing, so a failed update leaves
// the process exactly as it was.
type Manager struct {
	validator  Validator
	rates      RateUpdater
	workingSet WorkingSet
	sessions   SessionSupervisor
	marketPin  []string // operator-configured subset; empty means no pin

	mu      sync.RWMutex
	creds   catalog.Credentials
	profile Profile
}

// NewManager starts on the profile the initial credentials earn. The initial
// triple is trusted (it came from the environment); Apply validates later
// changes. marketPin restricts the public tier to a subset of its markets and
// holds across resets.
func NewManager(validator Validator, rates RateUpdater, workingSet WorkingSet,
	sessions SessionSupervisor, marketPin []string, initial catalog.Credentials) *Manager {
	return &Manager{
		validator:  validator,
		rates:      rates,
		workingSet: workingSet,
		sessions:   sessions,
		marketPin:  marketPin,
		creds:      initial,
		profile:    ProfileFor(initial),
	}
}

// MarketsFor intersects a profile's market set with the configured pin.
// Privileged profiles ignore the pin: valid credentials unlock everything the
// venue grants.
func (m *Manager) MarketsFor(profile Profile) []string {
	if profile.Tier == TierPrivileged || len(m.marketPin) == 0 {
		return profile.Markets
	}
	allowed := make(map[string]struct{}, len(profile.Markets))
	for _, mk := range profile.Markets {
		allowed[mk] = struct{}{}
	}
	out := make([]string, 0, len(m.marketPin))
	for _, mk := range m.marketPin {
		if _, ok := allowed[mk]; ok {
			out = append(out, mk)
		}
	}
	return out
}

// Profile returns the active profile.
func (m *Manager) Profile() Profile {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.profile
}

// Tier returns the active tier name.
func (m *Manager) Tier() string { return m.Profile().Tier }

// Apply validates the new triple, then commits it: limiter base rates, the
// symbol working set, and the session topology all move to the new profile.
// On validation failure the previous credentials are restored and an error
// returned; nothing downstream is touched.
func (m *Manager) Apply(ctx context.Context, creds catalog.Credentials) (Profile, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	prev := m.creds
	m.validator.SetCredentials(creds)
	if err := m.validator.ValidateCredentials(ctx); err != nil {
		m.validator.SetCredentials(prev)
		return m.profile, fmt.Errorf("credential validation: %w", err)
	}

	profile := ProfileFor(creds)
	markets := m.MarketsFor(profile)
	log.Info().Str("tier", profile.Tier).Float64("rate_rps", profile.RateRPS).
		Int("markets", len(markets)).Msg("capability profile applied")

	m.rates.UpdateBaseRate(profile.RateRPS)
	if _, err := m.workingSet.Reconcile(ctx, markets, profile.MaxSymbolsPerMarket); err != nil {
		return m.profile, fmt.Errorf("reconcile working set: %w", err)
	}
	groups := m.workingSet.AllGroups(profile.MaxSymbolsPerGroup)
	if err := m.sessions.Restart(groups, profile.Books); err != nil {
		return m.profile, fmt.Errorf("restart sessions: %w", err)
	}

	m.creds = creds
	m.profile = profile
	return profile, nil
}

// Reset reverts to the public tier.
func (m *Manager) Reset(ctx context.Context) (Profile, error) {
	return m.Apply(ctx, catalog.Credentials{})
}

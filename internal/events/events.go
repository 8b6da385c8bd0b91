// Package events defines the canonical market-data entities shared by the
// ingestion pipeline, the cache sink and the fan-out broker.
package events

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"strconv"
	"time"
)

// Market categories supported by the venue.
const (
	MarketSpot  = "spot"
	MarketUSDTM = "usdtm"
	MarketCoinM = "coinm"
	MarketUSDCM = "usdcm"
)

// Sides of a trade, always lower-case.
const (
	SideBuy  = "buy"
	SideSell = "sell"
)

// Trade is a single executed trade received from the venue. Instances are
// passed by value and never mutated after construction.
type Trade struct {
	Symbol      string    `json:"symbol"`
	Market      string    `json:"market"`
	Price       float64   `json:"price"`
	Size        float64   `json:"size"`
	Side        string    `json:"side"`
	TimestampMS int64     `json:"timestamp"`
	Timestamp   time.Time `json:"ts"`
	IngestedAt  time.Time `json:"ingested_at"`
}

// Hash returns the deduplication key for the trade: a SHA-256 over the
// identity fields. Two frames carrying the same symbol, market, source
// timestamp, price and size are considered the same trade.
func (t Trade) Hash() string {
	data := t.Symbol + ":" + t.Market + ":" +
		strconv.FormatInt(t.TimestampMS, 10) + ":" +
		strconv.FormatFloat(t.Price, 'f', -1, 64) + ":" +
		strconv.FormatFloat(t.Size, 'f', -1, 64)
	sum := sha256.Sum256([]byte(data))
	return hex.EncodeToString(sum[:])
}

// BookLevel is one price level of an order book side.
type BookLevel struct {
	Price float64 `json:"price"`
	Size  float64 `json:"size"`
}

// BookUpdate is a depth update for a symbol. Only the latest update per
// symbol is retained; stale books expire via TTL in the cache sink.
type BookUpdate struct {
	Symbol      string      `json:"symbol"`
	Market      string      `json:"market"`
	Bids        []BookLevel `json:"bids"`
	Asks        []BookLevel `json:"asks"`
	TimestampMS int64       `json:"timestamp"`
	Snapshot    bool        `json:"snapshot"`
}

// SymbolMeta describes one tradable instrument as reported by the venue
// catalog. Treated as immutable for the lifetime of a working set.
type SymbolMeta struct {
	Symbol      string  `json:"symbol"`
	Market      string  `json:"market"`
	BaseCoin    string  `json:"base_coin"`
	QuoteCoin   string  `json:"quote_coin"`
	Status      string  `json:"status"`
	MinSize     float64 `json:"min_size"`
	MaxSize     float64 `json:"max_size"`
	SizeTick    float64 `json:"size_tick"`
	PriceTick   float64 `json:"price_tick"`
	Notional24h float64 `json:"volume_24h"`
}

// SubscriptionGroup is a bounded, ordered set of symbols served by a single
// upstream streaming session. Groups are immutable; reconfiguration destroys
// and recreates them.
type SubscriptionGroup struct {
	ID      string   `json:"id"`
	Market  string   `json:"market"`
	Symbols []string `json:"symbols"`
}

// GroupID builds the stable identifier for the n-th group of a market.
func GroupID(market string, n int) string {
	return fmt.Sprintf("%s-g%02d", market, n)
}

package events

import (
	"testing"
	"time"
)

func TestTradeHashIdentity(t *testing.T) {
	base := Trade{Symbol: "BTCUSDT", Market: MarketSpot, Price: 30000, Size: 0.1, TimestampMS: 1700000000000}

	same := base
	same.Side = SideSell // side is not part of the identity
	same.IngestedAt = time.Now()
	if base.Hash() != same.Hash() {
		t.Error("hash must ignore non-identity fields")
	}

	diff := base
	diff.Price = 30000.1
	if base.Hash() == diff.Hash() {
		t.Error("hash must distinguish different prices")
	}

	otherMarket := base
	otherMarket.Market = MarketUSDTM
	if base.Hash() == otherMarket.Hash() {
		t.Error("hash must distinguish markets")
	}
}

func TestGroupID(t *testing.T) {
	if got := GroupID("spot", 0); got != "spot-g00" {
		t.Errorf("GroupID = %q, want spot-g00", got)
	}
	if got := GroupID("usdtm", 12); got != "usdtm-g12" {
		t.Errorf("GroupID = %q, want usdtm-g12", got)
	}
}

package domain

import (
	"fmt"
	"strings"

	"github.com/shopspring/decimal"
)

// Tier is a rung on the trust ladder. Tiers are ordered: a larger value is a
// more trusted tier.
type Tier int

const (
	TierStreamer Tier = iota
	TierBuilder
	TierTrusted
	TierElite
)

// TierSpec is the static reference data for a tier.
type TierSpec struct {
	Tier       Tier
	Name       string
	MaxAmount  decimal.Decimal
	MinSwaps   int
	Categories []Category
}

// tierLadder is ordered by MinSwaps. The first rung must have MinSwaps 0 so
// every count maps to a tier.
var tierLadder = []TierSpec{
	{
		Tier:      TierStreamer,
		Name:      "Streamer",
		MaxAmount: decimal.NewFromInt(50),
		MinSwaps:  0,
		Categories: []Category{
			CategoryElectric, CategoryGas, CategoryWater,
			CategoryInternet, CategoryPhone, CategoryStreaming,
		},
	},
	{
		Tier:      TierBuilder,
		Name:      "Builder",
		MaxAmount: decimal.NewFromInt(150),
		MinSwaps:  3,
		Categories: []Category{
			CategoryElectric, CategoryGas, CategoryWater,
			CategoryInternet, CategoryPhone, CategoryStreaming,
			CategoryInsurance,
		},
	},
	{
		Tier:      TierTrusted,
		Name:      "Trusted",
		MaxAmount: decimal.NewFromInt(300),
		MinSwaps:  10,
		Categories: []Category{
			CategoryElectric, CategoryGas, CategoryWater,
			CategoryInternet, CategoryPhone, CategoryStreaming,
			CategoryInsurance, CategoryAutoLoan,
		},
	},
	{
		Tier:      TierElite,
		Name:      "Elite",
		MaxAmount: decimal.NewFromInt(500),
		MinSwaps:  25,
		Categories: []Category{
			CategoryElectric, CategoryGas, CategoryWater,
			CategoryInternet, CategoryPhone, CategoryStreaming,
			CategoryInsurance, CategoryAutoLoan, CategoryRent,
		},
	},
}

// Tiers returns a copy of the ladder, lowest tier first.
func Tiers() []TierSpec {
	out := make([]TierSpec, len(tierLadder))
	copy(out, tierLadder)
	return out
}

// TierFor returns the highest tier whose threshold successfulSwaps meets.
// Negative counts are treated as zero.
func TierFor(successfulSwaps int) Tier {
	t := tierLadder[0].Tier
	for _, spec := range tierLadder {
		if successfulSwaps >= spec.MinSwaps {
			t = spec.Tier
		}
	}
	return t
}

// Spec returns the reference data for t.
func (t Tier) Spec() TierSpec {
	switch t {
	case TierStreamer, TierBuilder, TierTrusted, TierElite:
		return tierLadder[t]
	default:
		panic(fmt.Sprintf("domain: unknown tier %d", int(t)))
	}
}

func (t Tier) String() string {
	switch t {
	case TierStreamer, TierBuilder, TierTrusted, TierElite:
		return tierLadder[t].Name
	default:
		return fmt.Sprintf("Tier(%d)", int(t))
	}
}

// MarshalText encodes the tier by name.
func (t Tier) MarshalText() ([]byte, error) {
	return []byte(t.String()), nil
}

// UnmarshalText decodes a tier name, case-insensitively.
func (t *Tier) UnmarshalText(b []byte) error {
	for _, spec := range tierLadder {
		if strings.EqualFold(spec.Name, string(b)) {
			*t = spec.Tier
			return nil
		}
	}
	return fmt.Errorf("domain: unknown tier %q", b)
}

// Next returns the tier above t and whether one exists.
func (t Tier) Next() (Tier, bool) {
	if t >= TierElite {
		return t, false
	}
	return t + 1, true
}

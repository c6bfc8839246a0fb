package scoring

import (
	"errors"
	"strings"
)

// ErrInvalidTier is returned by ParseTier for unknown tier names.
var ErrInvalidTier = errors.New("scoring: invalid tier")

// Tier is a coarse risk bucket. TIER_1 is the lowest risk.
type Tier string

const (
	Tier1 Tier = "TIER_1"
	Tier2 Tier = "TIER_2"
	Tier3 Tier = "TIER_3"
)

// Tiers lists every tier from lowest to highest risk.
var Tiers = []Tier{Tier1, Tier2, Tier3}

func (t Tier) String() string { return string(t) }

// Valid reports whether t is one of the known tiers.
func (t Tier) Valid() bool {
	switch t {
	case Tier1, Tier2, Tier3:
		return true
	}
	return false
}

// ParseTier accepts "TIER_2", "tier_2" and "2".
func ParseTier(s string) (Tier, error) {
	s = strings.ToUpper(strings.TrimSpace(s))
	if len(s) == 1 {
		s = "TIER_" + s
	}
	t := Tier(s)
	if !t.Valid() {
		return "", ErrInvalidTier
	}
	return t, nil
}

// Classify maps a 0..100 risk score to a tier using the policy thresholds.
func (p Policy) Classify(score int) Tier {
	switch {
	case score <= p.Tiers.Tier1Max:
		return Tier1
	case score <= p.Tiers.Tier2Max:
		return Tier2
	default:
		return Tier3
	}
}

// ClassifyTier uses the default thresholds (30/70).
func ClassifyTier(score int) Tier {
	return DefaultPolicy().Classify(score)
}

func tierLine(t Tier) string {
	switch t {
	case Tier1:
		return "Low risk: premium pool access"
	case Tier2:
		return "Medium risk: standard pool access"
	default:
		return "High risk: opportunity pool access"
	}
}

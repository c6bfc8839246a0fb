package scoring

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"gopkg.in/yaml.v3"
)

// DefaultModelVersion is echoed in results scored by DefaultPolicy.
const DefaultModelVersion = "lightweight-lr-1.0"

// FallbackModelVersion is echoed in results from the rule-based fallback.
const FallbackModelVersion = "fallback-1.0"

// Weights are trust-signed: a positive weight pushes the linear score up,
// which lowers risk.
type Weights struct {
	TotalVolume          float64 `yaml:"total_volume" json:"total_volume"`
	UniqueCounterparties float64 `yaml:"unique_counterparties" json:"unique_counterparties"`
	AssetDiversity       float64 `yaml:"asset_diversity" json:"asset_diversity"`
	NightDayRatio        float64 `yaml:"night_day_ratio" json:"night_day_ratio"`
	VolumeCounterparty   float64 `yaml:"volume_counterparty" json:"volume_counterparty"`
	Bias                 float64 `yaml:"bias" json:"bias"`
}

// Range is the normalization constant for one feature. Scale is
// informational; normalization is clamp01(v / (Max - Min)).
type Range struct {
	Min   float64 `yaml:"min" json:"min"`
	Max   float64 `yaml:"max" json:"max"`
	Scale float64 `yaml:"scale" json:"scale"`
}

func (r Range) normalize(v float64) float64 {
	return clamp(v/(r.Max-r.Min), 0, 1)
}

type Normalization struct {
	TotalVolume          Range `yaml:"total_volume" json:"total_volume"`
	UniqueCounterparties Range `yaml:"unique_counterparties" json:"unique_counterparties"`
	AssetDiversity       Range `yaml:"asset_diversity" json:"asset_diversity"`
	NightDayRatio        Range `yaml:"night_day_ratio" json:"night_day_ratio"`
}

// Thresholds are inclusive upper bounds for TIER_1 and TIER_2.
type Thresholds struct {
	Tier1Max int `yaml:"tier1_max" json:"tier1_max"`
	Tier2Max int `yaml:"tier2_max" json:"tier2_max"`
}

type Bounds struct {
	Min int `yaml:"min" json:"min"`
	Max int `yaml:"max" json:"max"`
}

// Penalty is one cold-start rule.
type Penalty struct {
	Reason string `yaml:"reason" json:"reason"`
	Points int    `yaml:"points" json:"points"`
}

// ColdStart scores addresses with no observable activity.
type ColdStart struct {
	Enabled    bool      `yaml:"enabled" json:"enabled"`
	Confidence int       `yaml:"confidence" json:"confidence"`
	Penalties  []Penalty `yaml:"penalties" json:"penalties"`
}

// Policy is the full, tunable scoring table.
type Policy struct {
	Version            string        `yaml:"version" json:"version"`
	Weights            Weights       `yaml:"weights" json:"weights"`
	Normalization      Normalization `yaml:"normalization" json:"normalization"`
	Tiers              Thresholds    `yaml:"tiers" json:"tiers"`
	Confidence         Bounds        `yaml:"confidence" json:"confidence"`
	ColdStart          ColdStart     `yaml:"cold_start" json:"cold_start"`
	FallbackConfidence int           `yaml:"fallback_confidence" json:"fallback_confidence"`
}

// DefaultPolicy returns the built-in lightweight logistic model.
func DefaultPolicy() Policy {
	return Policy{
		Version: DefaultModelVersion,
		Weights: Weights{
			TotalVolume:          0.15,
			UniqueCounterparties: 0.25,
			AssetDiversity:       0.2,
			NightDayRatio:        -0.35,
			VolumeCounterparty:   0.1,
			Bias:                 0.45,
		},
		Normalization: Normalization{
			TotalVolume:          Range{Min: 0, Max: 10000, Scale: 100},
			UniqueCounterparties: Range{Min: 0, Max: 50, Scale: 10},
			AssetDiversity:       Range{Min: 1, Max: 10, Scale: 3},
			NightDayRatio:        Range{Min: 0, Max: 2, Scale: 0.5},
		},
		Tiers:      Thresholds{Tier1Max: 30, Tier2Max: 70},
		Confidence: Bounds{Min: 60, Max: 95},
		ColdStart: ColdStart{
			Enabled:    true,
			Confidence: 60,
			Penalties: []Penalty{
				{Reason: "Very low transaction activity", Points: 25},
				{Reason: "Single asset usage", Points: 20},
				{Reason: "No recent activity", Points: 15},
				{Reason: "Unknown transaction hours", Points: 5},
				{Reason: "No amount history", Points: 5},
				{Reason: "Default timing profile", Points: 3},
			},
		},
		FallbackConfidence: 75,
	}
}

// Validate checks that the policy can produce in-range results.
func (p Policy) Validate() error {
	var errs []error
	ranges := []struct {
		name string
		r    Range
	}{
		{"total_volume", p.Normalization.TotalVolume},
		{"unique_counterparties", p.Normalization.UniqueCounterparties},
		{"asset_diversity", p.Normalization.AssetDiversity},
		{"night_day_ratio", p.Normalization.NightDayRatio},
	}
	for _, nr := range ranges {
		if nr.r.Max <= nr.r.Min {
			errs = append(errs, fmt.Errorf("normalization.%s: max must exceed min", nr.name))
		}
	}
	if p.Tiers.Tier1Max < 0 || p.Tiers.Tier1Max >= p.Tiers.Tier2Max || p.Tiers.Tier2Max > 100 {
		errs = append(errs, fmt.Errorf("tiers: need 0 <= tier1_max < tier2_max <= 100, got %d/%d", p.Tiers.Tier1Max, p.Tiers.Tier2Max))
	}
	if p.Confidence.Min < 0 || p.Confidence.Min > p.Confidence.Max || p.Confidence.Max > 100 {
		errs = append(errs, fmt.Errorf("confidence: need 0 <= min <= max <= 100, got %d/%d", p.Confidence.Min, p.Confidence.Max))
	}
	if p.FallbackConfidence < 0 || p.FallbackConfidence > 100 {
		errs = append(errs, errors.New("fallback_confidence: must be within 0..100"))
	}
	if p.ColdStart.Enabled {
		if p.ColdStart.Confidence < 0 || p.ColdStart.Confidence > 100 {
			errs = append(errs, errors.New("cold_start.confidence: must be within 0..100"))
		}
		for i, pen := range p.ColdStart.Penalties {
			if pen.Points < 0 {
				errs = append(errs, fmt.Errorf("cold_start.penalties[%d]: points must not be negative", i))
			}
		}
	}
	return errors.Join(errs...)
}

// LoadPolicyFile reads a YAML or JSON policy over DefaultPolicy, so a file
// only needs the fields it overrides. The format is chosen by extension;
// anything other than .json is parsed as YAML.
func LoadPolicyFile(path string) (Policy, error) {
	p := DefaultPolicy()
	data, err := os.ReadFile(path)
	if err != nil {
		return Policy{}, fmt.Errorf("read policy: %w", err)
	}
	if strings.EqualFold(filepath.Ext(path), ".json") {
		err = json.Unmarshal(data, &p)
	} else {
		err = yaml.Unmarshal(data, &p)
	}
	if err != nil {
		return Policy{}, fmt.Errorf("parse policy %s: %w", path, err)
	}
	if err := p.Validate(); err != nil {
		return Policy{}, fmt.Errorf("invalid policy %s: %w", path, err)
	}
	return p, nil
}

// Package scoring turns a metrics vector into a 0..100 risk score, a tier,
// a confidence value and a short explanation.
//
// The primary model is a small logistic regression over four normalized
// features plus one interaction term. Addresses with no activity at all are
// scored by a cold-start penalty table instead, and any numeric failure in
// the logistic path falls back to fixed threshold rules. Score never fails.
package scoring

import (
	"fmt"
	"math"
	"sort"
	"time"

	"github.com/mbd888/risktier/internal/features"
)

// Method identifies which scorer produced a Result.
type Method string

const (
	MethodLogistic  Method = "logistic"
	MethodFallback  Method = "fallback"
	MethodColdStart Method = "cold_start"
)

// Feature names used in FeatureImportance.
const (
	FeatureVolume         = "total_volume"
	FeatureCounterparties = "unique_counterparties"
	FeatureAssets         = "asset_diversity"
	FeatureNight          = "night_day_ratio"
)

// Normalized holds each feature scaled into [0,1].
type Normalized struct {
	TotalVolume          float64 `json:"total_volume"`
	UniqueCounterparties float64 `json:"unique_counterparties"`
	AssetDiversity       float64 `json:"asset_diversity"`
	NightDayRatio        float64 `json:"night_day_ratio"`
}

func (n Normalized) values() []float64 {
	return []float64{n.TotalVolume, n.UniqueCounterparties, n.AssetDiversity, n.NightDayRatio}
}

// FeatureImpact is one feature's contribution. Trust is true when the
// feature's weight lowers risk.
type FeatureImpact struct {
	Feature    string  `json:"feature"`
	Value      float64 `json:"value"`
	Normalized float64 `json:"normalized"`
	Weight     float64 `json:"weight"`
	Impact     float64 `json:"impact"`
	Trust      bool    `json:"trust"`
}

// Result is a complete risk analysis.
type Result struct {
	RiskScore         int              `json:"risk_score"`
	Tier              Tier             `json:"tier"`
	Confidence        int              `json:"confidence"`
	Explanation       []string         `json:"explanation"`
	Recommendations   []string         `json:"recommendations"`
	FeatureImportance []FeatureImpact  `json:"feature_importance"`
	Normalized        Normalized       `json:"normalized"`
	RawMetrics        features.Metrics `json:"raw_metrics"`
	Method            Method           `json:"method"`
	ModelVersion      string           `json:"model_version"`
	ComputedAt        time.Time        `json:"computed_at"`
}

// Scorer applies a Policy. It holds no mutable state and is safe for
// concurrent use.
type Scorer struct {
	policy Policy
}

// New validates p and returns a scorer for it.
func New(p Policy) (*Scorer, error) {
	if err := p.Validate(); err != nil {
		return nil, fmt.Errorf("scoring: %w", err)
	}
	return &Scorer{policy: p}, nil
}

// Default returns a scorer for DefaultPolicy.
func Default() *Scorer {
	return &Scorer{policy: DefaultPolicy()}
}

// Policy returns the scorer's policy.
func (s *Scorer) Policy() Policy { return s.policy }

// Score is pure and deterministic: equal metrics yield equal results.
// ComputedAt is left zero for the caller to stamp.
func (s *Scorer) Score(m features.Metrics) (res Result) {
	defer func() {
		if r := recover(); r != nil {
			res = s.fallback(m)
		}
	}()

	if s.policy.ColdStart.Enabled && noActivity(m) {
		return s.coldStart(m)
	}
	res, ok := s.logistic(m)
	if !ok {
		return s.fallback(m)
	}
	return res
}

func noActivity(m features.Metrics) bool {
	return m.TotalPayments == 0 && m.TotalVolume == 0 &&
		m.UniqueCounterparties == 0 && m.AssetDiversity == 0 &&
		finite(m.NightDayRatio)
}

func (s *Scorer) normalize(m features.Metrics) Normalized {
	n := s.policy.Normalization
	return Normalized{
		TotalVolume:          n.TotalVolume.normalize(m.TotalVolume),
		UniqueCounterparties: n.UniqueCounterparties.normalize(float64(m.UniqueCounterparties)),
		AssetDiversity:       n.AssetDiversity.normalize(float64(m.AssetDiversity)),
		NightDayRatio:        n.NightDayRatio.normalize(m.NightDayRatio),
	}
}

func (s *Scorer) logistic(m features.Metrics) (Result, bool) {
	w := s.policy.Weights
	norm := s.normalize(m)

	linear := w.Bias +
		w.TotalVolume*norm.TotalVolume +
		w.UniqueCounterparties*norm.UniqueCounterparties +
		w.AssetDiversity*norm.AssetDiversity +
		w.NightDayRatio*norm.NightDayRatio +
		w.VolumeCounterparty*norm.TotalVolume*norm.UniqueCounterparties

	p := 1 / (1 + math.Exp(-linear))
	raw := (1 - p) * 100
	if !finite(linear) || !finite(raw) {
		return Result{}, false
	}
	score := int(math.Round(clamp(raw, 0, 100)))

	conf := (1 - variance(norm.values())) * 100
	if !finite(conf) {
		return Result{}, false
	}
	confidence := int(math.Round(clamp(conf, float64(s.policy.Confidence.Min), float64(s.policy.Confidence.Max))))

	tier := s.policy.Classify(score)
	impacts := s.importance(m, norm)
	return Result{
		RiskScore:         score,
		Tier:              tier,
		Confidence:        confidence,
		Explanation:       append([]string{tierLine(tier)}, explain(impacts)...),
		Recommendations:   recommend(m),
		FeatureImportance: impacts,
		Normalized:        norm,
		RawMetrics:        m,
		Method:            MethodLogistic,
		ModelVersion:      s.policy.Version,
	}, true
}

func (s *Scorer) importance(m features.Metrics, norm Normalized) []FeatureImpact {
	w := s.policy.Weights
	mk := func(name string, value, n, weight float64) FeatureImpact {
		return FeatureImpact{
			Feature:    name,
			Value:      value,
			Normalized: round2(n),
			Weight:     math.Abs(weight),
			Impact:     round2(math.Abs(weight) * n),
			Trust:      weight > 0,
		}
	}
	return []FeatureImpact{
		mk(FeatureVolume, m.TotalVolume, norm.TotalVolume, w.TotalVolume),
		mk(FeatureCounterparties, float64(m.UniqueCounterparties), norm.UniqueCounterparties, w.UniqueCounterparties),
		mk(FeatureAssets, float64(m.AssetDiversity), norm.AssetDiversity, w.AssetDiversity),
		mk(FeatureNight, m.NightDayRatio, norm.NightDayRatio, w.NightDayRatio),
	}
}

// explain returns phrases for the two highest-impact features. Ties keep
// the fixed feature order.
func explain(impacts []FeatureImpact) []string {
	ranked := make([]FeatureImpact, len(impacts))
	copy(ranked, impacts)
	sort.SliceStable(ranked, func(i, j int) bool { return ranked[i].Impact > ranked[j].Impact })
	if len(ranked) > 2 {
		ranked = ranked[:2]
	}

	var out []string
	for _, f := range ranked {
		if line := phrase(f); line != "" {
			out = append(out, line)
		}
	}
	return out
}

func phrase(f FeatureImpact) string {
	switch f.Feature {
	case FeatureVolume:
		if f.Trust && f.Value > 100 {
			return "High transaction volume increases trust"
		}
		return "Low transaction volume increases risk"
	case FeatureCounterparties:
		if f.Trust && f.Value > 5 {
			return "Diverse counterparties increase trust"
		}
		return "Few counterparties increase risk"
	case FeatureAssets:
		if f.Trust && f.Value > 2 {
			return "Asset diversity increases trust"
		}
		return "Single asset usage increases risk"
	case FeatureNight:
		if !f.Trust && f.Value > 0.5 {
			return "High night activity increases risk"
		}
	}
	return ""
}

func recommend(m features.Metrics) []string {
	var out []string
	if m.TotalVolume < 50 {
		out = append(out, "Increase transaction volume organically")
	}
	if m.UniqueCounterparties < 3 {
		out = append(out, "Transact with different counterparties")
	}
	if m.AssetDiversity < 2 {
		out = append(out, "Diversify transactions with different assets")
	}
	if m.NightDayRatio > 0.3 {
		out = append(out, "Make more transactions during daytime hours")
	}
	if len(out) == 0 {
		out = append(out, "Excellent! Your risk profile is in great condition")
	}
	return out
}

// coldStart sums the penalty table. Reasons are listed largest first.
func (s *Scorer) coldStart(m features.Metrics) Result {
	cs := s.policy.ColdStart
	total := 0
	penalties := make([]Penalty, len(cs.Penalties))
	copy(penalties, cs.Penalties)
	for _, p := range penalties {
		total += p.Points
	}
	sort.SliceStable(penalties, func(i, j int) bool { return penalties[i].Points > penalties[j].Points })

	score := int(clamp(float64(total), 0, 100))
	tier := s.policy.Classify(score)
	explanation := []string{tierLine(tier), "Insufficient transaction history in the analysis window"}
	for i, p := range penalties {
		if i == 2 {
			break
		}
		explanation = append(explanation, p.Reason)
	}

	norm := s.normalize(m)
	return Result{
		RiskScore:         score,
		Tier:              tier,
		Confidence:        cs.Confidence,
		Explanation:       explanation,
		Recommendations:   append([]string{"Build transaction history before committing a score"}, recommend(m)...),
		FeatureImportance: s.importance(m, norm),
		Normalized:        norm,
		RawMetrics:        m,
		Method:            MethodColdStart,
		ModelVersion:      s.policy.Version,
	}
}

// fallback is the rule-based scorer used when the logistic path cannot
// produce a finite result. Comparisons against NaN are false, so a NaN
// metric contributes nothing.
func (s *Scorer) fallback(m features.Metrics) Result {
	score := 50
	if m.TotalVolume > 100 {
		score -= 15
	}
	if m.UniqueCounterparties > 5 {
		score -= 10
	}
	if m.AssetDiversity > 2 {
		score -= 10
	}
	if m.NightDayRatio > 0.5 {
		score += 20
	}
	tier := s.policy.Classify(score)
	return Result{
		RiskScore:       score,
		Tier:            tier,
		Confidence:      s.policy.FallbackConfidence,
		Explanation:     []string{tierLine(tier), "Simple rule-based calculation was used"},
		Recommendations: []string{"Try again for more detailed analysis"},
		RawMetrics:      m,
		Method:          MethodFallback,
		ModelVersion:    FallbackModelVersion,
	}
}

func variance(vals []float64) float64 {
	if len(vals) == 0 {
		return 0
	}
	var sum float64
	for _, v := range vals {
		sum += v
	}
	mean := sum / float64(len(vals))
	var sq float64
	for _, v := range vals {
		sq += (v - mean) * (v - mean)
	}
	return sq / float64(len(vals))
}

func clamp(v, lo, hi float64) float64 {
	return math.Max(lo, math.Min(hi, v))
}

func finite(v float64) bool {
	return !math.IsNaN(v) && !math.IsInf(v, 0)
}

func round2(v float64) float64 {
	return math.Round(v*100) / 100
}

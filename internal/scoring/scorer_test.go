package scoring

import (
	"math"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mbd888/risktier/internal/features"
)

func TestScore_Fixture(t *testing.T) {
	m := features.Metrics{TotalVolume: 150, UniqueCounterparties: 6, AssetDiversity: 3, NightDayRatio: 0.1}

	res := Default().Score(m)

	assert.Equal(t, MethodLogistic, res.Method)
	assert.Equal(t, 37, res.RiskScore)
	assert.Equal(t, Tier2, res.Tier)
	assert.Equal(t, 95, res.Confidence)
	assert.Equal(t, []string{
		"Medium risk: standard pool access",
		"Asset diversity increases trust",
		"Diverse counterparties increase trust",
	}, res.Explanation)
	assert.Equal(t, []string{"Excellent! Your risk profile is in great condition"}, res.Recommendations)
	assert.Equal(t, DefaultModelVersion, res.ModelVersion)
	assert.Equal(t, m, res.RawMetrics)
	assert.InDelta(t, 0.015, res.Normalized.TotalVolume, 1e-9)
	assert.InDelta(t, 0.12, res.Normalized.UniqueCounterparties, 1e-9)
	assert.True(t, res.ComputedAt.IsZero())
}

func TestScore_Deterministic(t *testing.T) {
	s := Default()
	m := features.Metrics{TotalVolume: 5000, UniqueCounterparties: 25, AssetDiversity: 5, NightDayRatio: 1}
	first := s.Score(m)
	for i := 0; i < 5; i++ {
		assert.Equal(t, first, s.Score(m))
	}
	assert.Equal(t, 35, first.RiskScore)
}

func TestScore_Table(t *testing.T) {
	tests := []struct {
		name        string
		m           features.Metrics
		score       int
		tier        Tier
		confidence  int
		explanation []string
	}{
		{
			name:       "saturated safe",
			m:          features.Metrics{TotalVolume: 10000, UniqueCounterparties: 50, AssetDiversity: 10, TotalPayments: 300},
			score:      24,
			tier:       Tier1,
			confidence: 81,
			explanation: []string{
				"Low risk: premium pool access",
				"Diverse counterparties increase trust",
				"Asset diversity increases trust",
			},
		},
		{
			name:       "night heavy",
			m:          features.Metrics{AssetDiversity: 1, NightDayRatio: 2, TotalPayments: 3},
			score:      47,
			tier:       Tier2,
			confidence: 82,
			explanation: []string{
				"Medium risk: standard pool access",
				"High night activity increases risk",
				"Single asset usage increases risk",
			},
		},
		{
			name:       "huge values clamp",
			m:          features.Metrics{TotalVolume: 1e9, UniqueCounterparties: 1000, AssetDiversity: 100, TotalPayments: 1000},
			score:      24,
			tier:       Tier1,
			confidence: 81,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			res := Default().Score(tt.m)
			assert.Equal(t, MethodLogistic, res.Method)
			assert.Equal(t, tt.score, res.RiskScore)
			assert.Equal(t, tt.tier, res.Tier)
			assert.Equal(t, tt.confidence, res.Confidence)
			if tt.explanation != nil {
				assert.Equal(t, tt.explanation, res.Explanation)
			}
		})
	}
}

func TestScore_RangeAndTierConsistency(t *testing.T) {
	s := Default()
	p := s.Policy()
	for _, vol := range []float64{0, 1, 49, 150, 999, 10000, 50000} {
		for _, cp := range []int{0, 1, 3, 6, 50, 80} {
			for _, assets := range []int{0, 1, 2, 5, 12} {
				for _, night := range []float64{0, 0.2, 0.6, 2, 5} {
					m := features.Metrics{TotalVolume: vol, UniqueCounterparties: cp, AssetDiversity: assets, NightDayRatio: night}
					res := s.Score(m)
					require.GreaterOrEqual(t, res.RiskScore, 0)
					require.LessOrEqual(t, res.RiskScore, 100)
					require.Equal(t, p.Classify(res.RiskScore), res.Tier, "%+v", m)
					require.NotEmpty(t, res.Explanation)
					require.NotEmpty(t, res.Recommendations)
					if res.Method == MethodLogistic {
						require.GreaterOrEqual(t, res.Confidence, 60)
						require.LessOrEqual(t, res.Confidence, 95)
					}
				}
			}
		}
	}
}

func TestScore_MoreVolumeNeverRaisesRisk(t *testing.T) {
	s := Default()
	prev := 101
	for _, vol := range []float64{10, 100, 1000, 5000, 10000} {
		res := s.Score(features.Metrics{TotalVolume: vol, UniqueCounterparties: 4, AssetDiversity: 2})
		assert.LessOrEqual(t, res.RiskScore, prev)
		prev = res.RiskScore
	}
}

func TestScore_ColdStart(t *testing.T) {
	res := Default().Score(features.Metrics{})

	assert.Equal(t, MethodColdStart, res.Method)
	assert.Equal(t, 73, res.RiskScore)
	assert.Equal(t, Tier3, res.Tier)
	assert.Equal(t, 60, res.Confidence)
	assert.LessOrEqual(t, res.Confidence, 75)
	assert.Equal(t, []string{
		"High risk: opportunity pool access",
		"Insufficient transaction history in the analysis window",
		"Very low transaction activity",
		"Single asset usage",
	}, res.Explanation)
	assert.Equal(t, "Build transaction history before committing a score", res.Recommendations[0])
	assert.Contains(t, res.Recommendations, "Transact with different counterparties")
}

func TestScore_ColdStartDisabled(t *testing.T) {
	p := DefaultPolicy()
	p.ColdStart.Enabled = false
	s, err := New(p)
	require.NoError(t, err)

	res := s.Score(features.Metrics{})
	assert.Equal(t, MethodLogistic, res.Method)
	assert.Equal(t, 39, res.RiskScore)
}

func TestScore_NaNFallsBack(t *testing.T) {
	m := features.Metrics{TotalVolume: math.NaN(), UniqueCounterparties: 6, AssetDiversity: 3, NightDayRatio: 0.1}

	res := Default().Score(m)

	assert.Equal(t, MethodFallback, res.Method)
	assert.Equal(t, 30, res.RiskScore)
	assert.Equal(t, Tier1, res.Tier)
	assert.Equal(t, 75, res.Confidence)
	assert.Equal(t, FallbackModelVersion, res.ModelVersion)
	assert.Contains(t, res.Explanation, "Simple rule-based calculation was used")
	assert.Equal(t, []string{"Try again for more detailed analysis"}, res.Recommendations)
}

func TestScore_FallbackRules(t *testing.T) {
	s := Default()
	tests := []struct {
		m     features.Metrics
		score int
	}{
		{features.Metrics{NightDayRatio: math.NaN()}, 50},
		{features.Metrics{TotalVolume: 500, NightDayRatio: math.NaN()}, 35},
		{features.Metrics{TotalVolume: math.NaN(), UniqueCounterparties: 6, AssetDiversity: 3}, 30},
		{features.Metrics{TotalVolume: math.NaN(), NightDayRatio: 0.9}, 70},
	}
	for _, tt := range tests {
		res := s.Score(tt.m)
		assert.Equal(t, MethodFallback, res.Method)
		assert.Equal(t, tt.score, res.RiskScore)
	}
}

func TestClassify(t *testing.T) {
	tests := []struct {
		score int
		tier  Tier
	}{
		{0, Tier1}, {30, Tier1}, {31, Tier2}, {70, Tier2}, {71, Tier3}, {100, Tier3},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.tier, ClassifyTier(tt.score), "score %d", tt.score)
	}
}

func TestParseTier(t *testing.T) {
	for in, want := range map[string]Tier{"TIER_1": Tier1, "tier_2": Tier2, " 3 ": Tier3} {
		got, err := ParseTier(in)
		require.NoError(t, err)
		assert.Equal(t, want, got)
	}
	for _, in := range []string{"", "TIER_4", "gold"} {
		_, err := ParseTier(in)
		assert.ErrorIs(t, err, ErrInvalidTier)
	}
}

func TestPolicyValidate(t *testing.T) {
	require.NoError(t, DefaultPolicy().Validate())

	tests := []struct {
		name   string
		mutate func(*Policy)
		want   string
	}{
		{"inverted range", func(p *Policy) { p.Normalization.TotalVolume.Max = 0 }, "normalization.total_volume"},
		{"tier order", func(p *Policy) { p.Tiers.Tier1Max = 80 }, "tiers"},
		{"tier bound", func(p *Policy) { p.Tiers.Tier2Max = 120 }, "tiers"},
		{"confidence order", func(p *Policy) { p.Confidence.Min = 99 }, "confidence"},
		{"negative penalty", func(p *Policy) { p.ColdStart.Penalties[0].Points = -1 }, "cold_start.penalties[0]"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			p := DefaultPolicy()
			tt.mutate(&p)
			err := p.Validate()
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.want)

			_, err = New(p)
			assert.Error(t, err)
		})
	}
}

func TestLoadPolicyFile(t *testing.T) {
	dir := t.TempDir()

	yamlPath := filepath.Join(dir, "policy.yaml")
	require.NoError(t, os.WriteFile(yamlPath, []byte(`
version: tuned-2
tiers:
  tier1_max: 20
  tier2_max: 60
weights:
  bias: 0.5
`), 0o600))

	p, err := LoadPolicyFile(yamlPath)
	require.NoError(t, err)
	assert.Equal(t, "tuned-2", p.Version)
	assert.Equal(t, 20, p.Tiers.Tier1Max)
	assert.Equal(t, 0.5, p.Weights.Bias)
	// untouched fields keep their defaults
	assert.Equal(t, 0.25, p.Weights.UniqueCounterparties)
	assert.Equal(t, 10000.0, p.Normalization.TotalVolume.Max)
	assert.Len(t, p.ColdStart.Penalties, 6)

	jsonPath := filepath.Join(dir, "policy.json")
	require.NoError(t, os.WriteFile(jsonPath, []byte(`{"confidence":{"min":50,"max":90},"fallback_confidence":70}`), 0o600))
	p, err = LoadPolicyFile(jsonPath)
	require.NoError(t, err)
	assert.Equal(t, Bounds{Min: 50, Max: 90}, p.Confidence)
	assert.Equal(t, 70, p.FallbackConfidence)
	assert.Equal(t, DefaultModelVersion, p.Version)

	badPath := filepath.Join(dir, "bad.yaml")
	require.NoError(t, os.WriteFile(badPath, []byte("tiers:\n  tier1_max: 90\n"), 0o600))
	_, err = LoadPolicyFile(badPath)
	assert.ErrorContains(t, err, "invalid policy")

	_, err = LoadPolicyFile(filepath.Join(dir, "missing.yaml"))
	assert.ErrorContains(t, err, "read policy")
}

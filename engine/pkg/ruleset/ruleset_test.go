package ruleset

import (
	"os"
	"strings"
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"
)

func TestRuleset_Default_IsValid(t *testing.T) {
	t.Parallel()

	r := Default()
	require.NoError(t, r.Validate())
	require.Equal(t, "America/Sao_Paulo", r.Location().String())
	require.Len(t, r.Career.Ranks, 13)
	require.Equal(t, "Diamante Black", r.Career.Ranks[12].Name)
}

func TestRuleset_Default_DerivedAmounts(t *testing.T) {
	t.Parallel()

	r := Default()
	require.True(t, decimal.RequireFromString("108").Equal(r.CyclePayout()))
	require.True(t, decimal.RequireFromString("24.516").Equal(r.DepthPot()))
	require.True(t, decimal.RequireFromString("4.5").Equal(r.PoolPerCycle(r.Fidelity.PoolPct)))
	require.True(t, decimal.RequireFromString("16.2").Equal(r.PoolPerCycle(r.TopSigma.PoolPct)))
	require.True(t, decimal.RequireFromString("108").Equal(r.Points(r.CyclePayout())))
}

func TestRuleset_RankIndex(t *testing.T) {
	t.Parallel()

	r := Default()
	require.Equal(t, 0, r.RankIndex("bronze"))
	require.Equal(t, 5, r.RankIndex("topazio"))
	require.Equal(t, -1, r.RankIndex("platina"))
}

func TestRuleset_Load_File(t *testing.T) {
	t.Parallel()

	r, err := Load("testdata/sigma.yaml")
	require.NoError(t, err)
	require.Equal(t, "sigma-test", r.Version)
	require.Equal(t, FidelityWeightingEntries, r.Fidelity.Weighting)
	require.True(t, decimal.RequireFromString("360").Equal(r.Cycle.Base))
	require.Len(t, r.Depth.Weights, 6)
	require.True(t, decimal.RequireFromString("6.81").Equal(r.Depth.TotalPct))
	require.Len(t, r.Career.Ranks, 3)
	require.Equal(t, "Topázio", r.Career.Ranks[2].Name)
}

func TestRuleset_Load_RejectsBadWeights(t *testing.T) {
	t.Parallel()

	_, err := Load("testdata/bad_weights.yaml")
	require.Error(t, err)
	require.Contains(t, err.Error(), "depth weights: must sum to 100, got 95")
}

func TestRuleset_Load_MissingFile(t *testing.T) {
	t.Parallel()

	_, err := Load("testdata/does-not-exist.yaml")
	require.Error(t, err)
}

func TestRuleset_Parse_RejectsUnknownFields(t *testing.T) {
	t.Parallel()

	_, err := Parse([]byte("version: x\nreentry_cap: 3\n"))
	require.Error(t, err)
	require.Contains(t, err.Error(), "reentry_cap")
}

func TestRuleset_Parse_NormalizesRankNames(t *testing.T) {
	t.Parallel()

	data, err := os.ReadFile("testdata/sigma.yaml")
	require.NoError(t, err)
	decomposed := strings.Replace(string(data), "name: \"Top\u00e1zio\"", "name: \"Topa\u0301zio\"", 1)
	require.NotEqual(t, string(data), decomposed)

	r, err := Parse([]byte(decomposed))
	require.NoError(t, err)
	require.Equal(t, "Top\u00e1zio", r.Career.Ranks[2].Name)

	composed, err := Parse(data)
	require.NoError(t, err)
	require.Equal(t, composed.Career.Ranks[2].Name, r.Career.Ranks[2].Name)
}

func TestRuleset_LoadOrDefault(t *testing.T) {
	t.Parallel()

	r, err := LoadOrDefault("")
	require.NoError(t, err)
	require.Equal(t, DefaultVersion, r.Version)
}

func TestRuleset_Validate_Invariants(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name   string
		mutate func(r *Ruleset)
		want   string
	}{
		{
			name:   "pools exceed cycle base",
			mutate: func(r *Ruleset) { r.Cycle.PayoutPct = dec("90") },
			want:   "add up to 108.95%",
		},
		{
			name:   "depth weights do not sum to 100",
			mutate: func(r *Ruleset) { r.Depth.Weights = decs("10", "10") },
			want:   "depth weights: must sum to 100",
		},
		{
			name:   "top sigma weight count",
			mutate: func(r *Ruleset) { r.TopSigma.Weights = r.TopSigma.Weights[:9] },
			want:   "top sigma needs 10 weights",
		},
		{
			name:   "rank thresholds must increase",
			mutate: func(r *Ruleset) { r.Career.Ranks[3].RequiredCycles = 10 },
			want:   `rank "safira": required cycles must increase`,
		},
		{
			name:   "vmec line count",
			mutate: func(r *Ruleset) { r.Career.Ranks[3].MinDirects = 3 },
			want:   `rank "safira": vmec lists 2 lines but min directs is 3`,
		},
		{
			name:   "duplicate rank code",
			mutate: func(r *Ruleset) { r.Career.Ranks[1].Code = "bronze" },
			want:   `duplicate code "bronze"`,
		},
		{
			name:   "bad timezone",
			mutate: func(r *Ruleset) { r.Timezone = "Mars/Olympus" },
			want:   "invalid timezone",
		},
		{
			name:   "zero width",
			mutate: func(r *Ruleset) { r.Matrix.Width = 0 },
			want:   "matrix width must be positive",
		},
		{
			name:   "negative cap",
			mutate: func(r *Ruleset) { r.ReentryMonthlyCap = -1 },
			want:   "reentry monthly cap must not be negative",
		},
		{
			name:   "unknown fidelity weighting",
			mutate: func(r *Ruleset) { r.Fidelity.Weighting = "random" },
			want:   `unknown fidelity weighting "random"`,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			r := Default()
			tt.mutate(r)
			err := r.Validate()
			require.Error(t, err)
			require.Contains(t, err.Error(), tt.want)
		})
	}
}

package ruleset

import "github.com/shopspring/decimal"

const DefaultVersion = "sigma-2025.1"

func dec(s string) decimal.Decimal { return decimal.RequireFromString(s) }

func decs(ss ...string) []decimal.Decimal {
	out := make([]decimal.Decimal, len(ss))
	for i, s := range ss {
		out[i] = dec(s)
	}
	return out
}

// Default returns the validated SIGMA 1x6 plan.
func Default() *Ruleset {
	r := &Ruleset{
		Version:   DefaultVersion,
		Currency:  "BRL",
		Precision: 3,
		Timezone:  "America/Sao_Paulo",
		Cycle: Cycle{
			Base:      dec("360"),
			PayoutPct: dec("30"),
		},
		Matrix: Matrix{Width: 6, Depth: 6, LevelTarget: 1},
		Depth: DepthBonus{
			TotalPct: dec("6.81"),
			Weights:  decs("7", "8", "10", "15", "25", "35"),
		},
		Fidelity: Fidelity{
			PoolPct:      dec("1.25"),
			MinReentries: 2,
			Weighting:    FidelityWeightingEqual,
		},
		TopSigma: TopSigma{
			PoolPct: dec("4.5"),
			Weights: decs("2.0", "1.5", "1.2", "1.0", "0.8", "0.7", "0.6", "0.5", "0.4", "0.3"),
		},
		Career: Career{
			PoolPct: dec("6.39"),
			Ranks:   defaultRanks(),
		},
		DirectsRequired:       1,
		ReentryMonthlyCap:     10,
		PointsPerCurrencyUnit: dec("1"),
	}
	if err := r.Validate(); err != nil {
		panic(err)
	}
	return r
}

func defaultRanks() []Rank {
	return []Rank{
		{Code: "bronze", Name: "Bronze", RequiredCycles: 5, MinDirects: 0, Reward: dec("13.50")},
		{Code: "prata", Name: "Prata", RequiredCycles: 15, MinDirects: 1, VMEC: decs("100"), Reward: dec("40.50")},
		{Code: "ouro", Name: "Ouro", RequiredCycles: 70, MinDirects: 1, VMEC: decs("100"), Reward: dec("189.00")},
		{Code: "safira", Name: "Safira", RequiredCycles: 150, MinDirects: 2, VMEC: decs("60", "40"), Reward: dec("405.00")},
		{Code: "esmeralda", Name: "Esmeralda", RequiredCycles: 300, MinDirects: 2, VMEC: decs("60", "40"), Reward: dec("810.00")},
		{Code: "topazio", Name: "Topázio", RequiredCycles: 500, MinDirects: 2, VMEC: decs("60", "40"), Reward: dec("1350.00")},
		{Code: "rubi", Name: "Rubi", RequiredCycles: 750, MinDirects: 3, VMEC: decs("50", "30", "20"), Reward: dec("2025.00")},
		{Code: "diamante", Name: "Diamante", RequiredCycles: 1500, MinDirects: 3, VMEC: decs("50", "30", "20"), Reward: dec("4050.00")},
		{Code: "duplo_diamante", Name: "Duplo Diamante", RequiredCycles: 3000, MinDirects: 4, VMEC: decs("40", "30", "20", "10"), Reward: dec("18450.00")},
		{Code: "triplo_diamante", Name: "Triplo Diamante", RequiredCycles: 5000, MinDirects: 5, VMEC: decs("35", "25", "20", "10", "10"), Reward: dec("36450.00")},
		{Code: "diamante_red", Name: "Diamante Red", RequiredCycles: 15000, MinDirects: 6, VMEC: decs("30", "20", "18", "12", "10", "10"), Reward: dec("67500.00")},
		{Code: "diamante_blue", Name: "Diamante Blue", RequiredCycles: 25000, MinDirects: 6, VMEC: decs("30", "20", "18", "12", "10", "10"), Reward: dec("105300.00")},
		{Code: "diamante_black", Name: "Diamante Black", RequiredCycles: 50000, MinDirects: 6, VMEC: decs("30", "20", "18", "12", "10", "10"), Reward: dec("135000.00")},
	}
}

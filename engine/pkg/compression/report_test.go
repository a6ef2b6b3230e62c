package compression_test

import (
	"testing"
	"time"

	"github.com/sebdah/goldie/v2"

	"github.com/rsprolipsi/compensation/engine/pkg/compression"
)

func TestCompression_GenerateReport(t *testing.T) {
	t.Parallel()

	started := time.Date(2026, 10, 16, 15, 0, 0, 0, time.UTC)
	tests := []struct {
		name string
		res  compression.Result
	}{
		{
			name: "success",
			res: compression.Result{
				StartedAt:          started,
				Duration:           1500 * time.Millisecond,
				Period:             "2026-10",
				MatricesCompressed: 3,
				SlotsRedistributed: 2,
				NewMatricesCreated: 2,
				ReentriesForfeited: 1,
				CreditsApplied:     21,
				Success:            true,
			},
		},
		{
			name: "failed",
			res: compression.Result{
				StartedAt:          started,
				Duration:           42 * time.Millisecond,
				Period:             "2026-10",
				MatricesCompressed: 1,
				CreditsApplied:     6,
				CreditsFailed:      1,
				Errors: []string{
					"matrix m-1: credit m-1:depth_l2:2026-10: wallet unavailable",
					"failed to list pending overflow: connection refused",
				},
			},
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			g := goldie.New(t, goldie.WithFixtureDir("testdata/golden"), goldie.WithNameSuffix(".golden"))
			g.Assert(t, "report_"+tt.name, []byte(compression.GenerateReport(tt.res)))
		})
	}
}

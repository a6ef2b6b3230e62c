package compression

import (
	"fmt"
	"strings"
	"time"
)

const reportWidth = 70

// GenerateReport renders a pass result for operators. The layout is for
// reading, not parsing.
func GenerateReport(res Result) string {
	var b strings.Builder
	rule := strings.Repeat("=", reportWidth)
	thin := strings.Repeat("-", reportWidth)

	status := "SUCCESS"
	if !res.Success {
		status = "FAILED"
	}

	line := func(label string, value any) {
		fmt.Fprintf(&b, "%-24s%v\n", label+":", value)
	}

	b.WriteString(rule + "\n")
	b.WriteString("COMPRESSION REPORT\n")
	b.WriteString(rule + "\n")
	line("Started", res.StartedAt.UTC().Format(time.RFC3339))
	line("Duration", res.Duration.Round(time.Millisecond))
	line("Period", res.Period)
	line("Status", status)
	b.WriteString(thin + "\n")
	line("Matrices compressed", res.MatricesCompressed)
	line("Slots redistributed", res.SlotsRedistributed)
	line("New matrices created", res.NewMatricesCreated)
	line("Reentries forfeited", res.ReentriesForfeited)
	line("Credits applied", res.CreditsApplied)
	line("Credits failed", res.CreditsFailed)
	b.WriteString(thin + "\n")
	fmt.Fprintf(&b, "Errors (%d):\n", len(res.Errors))
	if len(res.Errors) == 0 {
		b.WriteString("  none\n")
	}
	for _, e := range res.Errors {
		b.WriteString("  - " + e + "\n")
	}
	b.WriteString(rule + "\n")
	return b.String()
}

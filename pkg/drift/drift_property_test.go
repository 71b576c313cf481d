//go:build property
// +build property

package drift_test

import (
	"testing"
	"time"

	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"

	"github.com/anumate/enforcement-core/pkg/drift"
	"github.com/anumate/enforcement-core/pkg/policy"
)

// Feeding identical evaluations indefinitely never raises an alert.
func TestSteadyTrafficProducesNoAlerts(t *testing.T) {
	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 50
	properties := gopter.NewProperties(parameters)

	properties.Property("identical evaluations produce zero drift alerts", prop.ForAll(
		func(total int, allowed bool, elapsedMS int) bool {
			current := time.Date(2026, 6, 1, 0, 0, 0, 0, time.UTC)
			detector := drift.NewDetector(drift.Options{}).
				WithClock(func() time.Time { return current })

			result := &policy.Result{
				PolicyName:   "steady",
				Allowed:      allowed,
				MatchedRules: []string{"r1"},
			}
			elapsed := time.Duration(elapsedMS) * time.Millisecond

			for i := 0; i < total; i++ {
				current = current.Add(time.Second)
				detector.RecordEvaluation("steady", result, elapsed)
				if i == 20 {
					detector.UpdateBaselines()
				}
			}
			return len(detector.ActiveAlerts("", "")) == 0
		},
		gen.IntRange(30, 300),
		gen.Bool(),
		gen.IntRange(1, 50),
	))

	properties.TestingRun(t)
}

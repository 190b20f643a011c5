// cmd/chaos/main.go
package main

import (
	"context"
	"fmt"
	"log"
	"time"

	"github.com/google/uuid"

	"reserva/internal/chaos"
	"reserva/internal/clock"
	"reserva/internal/engine"
	"reserva/internal/payment"
	"reserva/internal/resource"
)

// The drill runs against an in-process engine so a laptop can verify the
// concurrency invariants that would otherwise need a full load rig.
func main() {
	clk := clock.NewFixed(time.Now().UTC())
	flaky := payment.NewFlaky(approving{}, time.Now().UnixNano())

	eng, err := engine.New(engine.Config{
		Payments: flaky,
		Clock:    clk,
		HoldTTL:  time.Minute,
		// Generous conflict budget so the race drill admits close to full
		// capacity instead of burning contenders out early.
		AcquireAttempts: 10,
	})
	if err != nil {
		log.Fatalf("failed to build engine: %v", err)
	}
	defer eng.Close()

	ctx := context.Background()
	runner := chaos.NewRunner()

	race, err := eng.CreateResource("drill-race", 5, resource.PerSlot, 0)
	if err != nil {
		log.Fatalf("failed to create resource: %v", err)
	}
	outage, err := eng.CreateResource("drill-outage", 3, resource.PerSlot, 0)
	if err != nil {
		log.Fatalf("failed to create resource: %v", err)
	}
	storm, err := eng.CreateResource("drill-storm", 10, resource.PerSlot, 0)
	if err != nil {
		log.Fatalf("failed to create resource: %v", err)
	}

	experiments := []chaos.Experiment{
		chaos.ConcurrentBookingRace(eng, race.ID, "slot-1", 5, 100),
		chaos.PaymentOutageDrill(eng, flaky, outage.ID, "slot-1", 3),
		chaos.HoldExpiryStorm(eng, clk, storm.ID, "slot-1", 10, 10, time.Minute),
	}

	failed := 0
	for i, exp := range experiments {
		fmt.Printf("\nExperiment %d/%d: %s\n", i+1, len(experiments), exp.Name)
		fmt.Printf("Hypothesis: %s\n", exp.Hypothesis)

		result, err := runner.Run(ctx, exp)
		if err != nil {
			fmt.Printf("experiment failed to run: %v\n", err)
			failed++
			continue
		}
		printResult(result)
		if !result.HypothesisHeld {
			failed++
		}
	}

	if failed > 0 {
		log.Fatalf("%d of %d experiments failed", failed, len(experiments))
	}
	fmt.Printf("\nAll %d experiments passed.\n", len(experiments))
}

func printResult(result *chaos.Result) {
	if result.HypothesisHeld {
		fmt.Println("PASS: hypothesis held")
	} else {
		fmt.Println("FAIL: hypothesis violated")
		for _, msg := range result.FailedAssertions {
			fmt.Printf("   - %s\n", msg)
		}
	}
	for name, value := range result.Observations {
		fmt.Printf("   %s = %.0f\n", name, value)
	}
	if len(result.Violations) > 0 {
		fmt.Printf("   violations: %d\n", len(result.Violations))
		for _, v := range result.Violations {
			fmt.Printf("   - %s: expected %.2f, got %.2f\n", v.MetricName, v.Expected, v.Actual)
		}
	}
	fmt.Printf("   duration: %s\n", result.Duration)
}

type approving struct{}

func (approving) Capture(context.Context, uuid.UUID, float64) error { return nil }
func (approving) Refund(context.Context, uuid.UUID, float64) error  { return nil }

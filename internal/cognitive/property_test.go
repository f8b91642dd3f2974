package cognitive

import (
	"context"
	"fmt"
	"path/filepath"
	"testing"
	"time"

	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"

	"kait/internal/bus"
	"kait/internal/config"
)

// Property: for any interleaving of validate/contradict calls, reliability
// equals validations/(validations+contradictions), counters stay monotone,
// and readiness stays inside [0,1].
func TestReliabilityProperty(t *testing.T) {
	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 200
	properties := gopter.NewProperties(parameters)

	properties.Property("reliability follows the counters", prop.ForAll(
		func(ops []bool) bool {
			b := bus.New()
			defer b.Close()
			s, err := New(filepath.Join(t.TempDir(), "insights.json"),
				config.DefaultCognitiveConfig(), b)
			if err != nil {
				return false
			}
			defer s.Close()

			ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
			defer cancel()

			key, err := s.Upsert(ctx, UpsertRequest{
				Category:  CategoryWisdom,
				Statement: "Property subject statement for counter checks.",
				EventID:   "seed",
			})
			if err != nil {
				return false
			}

			validations, contradictions := 1, 0 // upsert counts as one
			for i, validate := range ops {
				id := fmt.Sprintf("op-%d", i)
				if validate {
					if err := s.Validate(ctx, key, id); err != nil {
						return false
					}
					validations++
				} else {
					if err := s.Contradict(ctx, key, id); err != nil {
						return false
					}
					contradictions++
				}
			}

			ins, ok := s.Get(ctx, key)
			if !ok {
				return false
			}
			if ins.Validations != validations || ins.Contradictions != contradictions {
				return false
			}
			want := float64(validations) / float64(validations+contradictions)
			if ins.Reliability != want {
				return false
			}
			if ins.AdvisoryReadiness < 0 || ins.AdvisoryReadiness > 1 {
				return false
			}
			return ins.Confidence >= 0 && ins.Confidence <= ins.Reliability
		},
		gen.SliceOf(gen.Bool()),
	))

	properties.TestingRun(t)
}

// Property: normalization makes key derivation case- and
// whitespace-insensitive.
func TestKeyNormalizationProperty(t *testing.T) {
	parameters := gopter.DefaultTestParameters()
	properties := gopter.NewProperties(parameters)

	properties.Property("padded and cased variants share a key", prop.ForAll(
		func(s string) bool {
			base := "use " + s + " carefully"
			variant := "  USE " + s + " CAREFULLY.  "
			return KeyFor(CategoryWisdom, base) == KeyFor(CategoryWisdom, variant)
		},
		gen.Identifier(),
	))

	properties.TestingRun(t)
}

package ratelimit

import (
	"sync"
	"testing"

	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"
)

// TestReserveNeverOverAllocatesProperty checks spec's no-two-concurrent-
// reservations-oversubscribe-the-limit invariant: however many goroutines
// race Reserve against the same key, the number of successful RPM
// reservations never exceeds the configured limit.
func TestReserveNeverOverAllocatesProperty(t *testing.T) {
	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 30
	properties := gopter.NewProperties(parameters)

	properties.Property("granted reservations never exceed RPMLimit", prop.ForAll(
		func(limit, attempts int) bool {
			store := NewMemoryStore()
			limits := Limits{RPMLimit: limit, TPMLimit: attempts * 1000}

			var wg sync.WaitGroup
			var mu sync.Mutex
			granted := 0
			for i := 0; i < attempts; i++ {
				wg.Add(1)
				go func() {
					defer wg.Done()
					ok, _, _, err := store.Reserve("k", limits, 1)
					if err != nil {
						return
					}
					if ok {
						mu.Lock()
						granted++
						mu.Unlock()
					}
				}()
			}
			wg.Wait()

			return granted <= limit
		},
		gen.IntRange(1, 20),
		gen.IntRange(1, 100),
	))

	properties.Property("granted reservations never exceed TPMLimit", prop.ForAll(
		func(tpmLimit, attempts int) bool {
			store := NewMemoryStore()
			limits := Limits{RPMLimit: attempts, TPMLimit: tpmLimit}

			var wg sync.WaitGroup
			var mu sync.Mutex
			spentTokens := 0
			const perCallTokens = 10
			for i := 0; i < attempts; i++ {
				wg.Add(1)
				go func() {
					defer wg.Done()
					ok, _, _, err := store.Reserve("k", limits, perCallTokens)
					if err != nil {
						return
					}
					if ok {
						mu.Lock()
						spentTokens += perCallTokens
						mu.Unlock()
					}
				}()
			}
			wg.Wait()

			return spentTokens <= tpmLimit
		},
		gen.IntRange(1, 200),
		gen.IntRange(1, 50),
	))

	properties.TestingRun(t)
}

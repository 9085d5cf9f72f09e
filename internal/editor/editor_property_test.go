package editor

import (
	"testing"

	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"

	"github.com/Nerivec/zigbee2mqtt-windfront-sub000/internal/clock"
)

// For any value equal to the confirmed device value with nothing pending,
// submit must be a no-op with zero sends.
func TestIdempotentNoOpSubmitProperty(t *testing.T) {
	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 100

	properties := gopter.NewProperties(parameters)

	properties.Property("submit of the device value never sends when idle", prop.ForAll(
		func(value int) bool {
			rec := &sendRecorder{}
			e := New(Options{Send: rec.send, Clock: clock.NewFake()})
			e.SetDeviceValue(value)

			accepted := e.Submit(value)
			return !accepted && rec.count() == 0 && !e.IsPending()
		},
		gen.Int(),
	))

	properties.Property("submit of a different value always sends exactly once", prop.ForAll(
		func(device, candidate int) bool {
			if device == candidate {
				return true
			}
			rec := &sendRecorder{}
			e := New(Options{Send: rec.send, Clock: clock.NewFake()})
			e.SetDeviceValue(device)

			accepted := e.Submit(candidate)
			return accepted && rec.count() == 1 && e.IsPending()
		},
		gen.Int(),
		gen.Int(),
	))

	properties.TestingRun(t)
}

// For any sequence of rapid overwrites, only an echo of the latest submitted
// value resolves the machine; every stale echo leaves it pending.
func TestOverwriteRaceGuardProperty(t *testing.T) {
	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 100

	properties := gopter.NewProperties(parameters)

	properties.Property("stale echoes never resolve an overwritten submission", prop.ForAll(
		func(values []int) bool {
			if len(values) < 2 {
				return true
			}
			// Distinct ascending submissions so every echo is unambiguous.
			seen := map[int]bool{}
			for _, v := range values {
				if seen[v] {
					return true
				}
				seen[v] = true
			}

			rec := &sendRecorder{}
			e := New(Options{Send: rec.send, Clock: clock.NewFake()})
			e.SetDeviceValue(-1 << 62)

			for _, v := range values {
				if !e.Submit(v) {
					return false
				}
			}

			latest := values[len(values)-1]
			for _, v := range values[:len(values)-1] {
				e.SetDeviceValue(v)
				if !e.IsPending() || e.IsConfirmed() || e.IsConflict() {
					return false
				}
			}

			e.SetDeviceValue(latest)
			return e.IsConfirmed() && !e.IsPending()
		},
		gen.SliceOfN(4, gen.IntRange(0, 1000)),
	))

	properties.Property("confirmation always clears sentValue and overwrite bookkeeping", prop.ForAll(
		func(device, submitted int) bool {
			if device == submitted {
				return true
			}
			rec := &sendRecorder{}
			e := New(Options{Send: rec.send, Clock: clock.NewFake()})
			e.SetDeviceValue(device)
			e.Submit(submitted)
			e.SetDeviceValue(submitted)

			_, pending := e.SentValue()
			return e.IsConfirmed() && !pending
		},
		gen.IntRange(0, 1000),
		gen.IntRange(0, 1000),
	))

	properties.TestingRun(t)
}

// Batched mode never reports pending or timed out, regardless of how much
// virtual time elapses.
func TestBatchedModeProperty(t *testing.T) {
	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 100

	properties := gopter.NewProperties(parameters)

	properties.Property("batched mode has no lifecycle tracking", prop.ForAll(
		func(values []int) bool {
			rec := &sendRecorder{}
			clk := clock.NewFake()
			e := New(Options{Send: rec.send, Clock: clk, Batched: true})
			e.SetDeviceValue(0)

			for _, v := range values {
				e.Submit(v)
				clk.Advance(2 * ConfirmTimeout)
				if e.IsPending() || e.IsTimedOut() {
					return false
				}
			}
			return rec.count() == len(values)
		},
		gen.SliceOf(gen.Int()),
	))

	properties.TestingRun(t)
}

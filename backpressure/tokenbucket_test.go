package backpressure_test

import (
	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	"github.com/NVIDIA/search-backpressure/backpressure"
)

var _ = Describe("TokenBucket", func() {
	It("starts full and allows up to burst requests before blocking", func() {
		now := int64(0)
		b := backpressure.NewTokenBucket(1, 3, func() int64 { return now })

		Expect(b.Request()).To(BeTrue())
		Expect(b.Request()).To(BeTrue())
		Expect(b.Request()).To(BeTrue())
		Expect(b.Request()).To(BeFalse())
	})

	It("refills proportionally to elapsed clock units, clamped at burst", func() {
		now := int64(0)
		b := backpressure.NewTokenBucket(1, 3, func() int64 { return now })
		for range 3 {
			b.Request()
		}
		Expect(b.Request()).To(BeFalse())

		now = 2 // +2 tokens at rate 1/unit
		Expect(b.Request()).To(BeTrue())
		Expect(b.Request()).To(BeTrue())
		Expect(b.Request()).To(BeFalse())

		now = 1000 // far more than enough to refill past burst
		Expect(b.Tokens()).To(BeNumerically("<", 3))
		_ = b.Request()
		Expect(b.Tokens()).To(BeNumerically("<=", 3))
	})

	It("panics on non-positive rate or burst", func() {
		Expect(func() { backpressure.NewTokenBucket(0, 1, func() int64 { return 0 }) }).To(Panic())
		Expect(func() { backpressure.NewTokenBucket(1, 0, func() int64 { return 0 }) }).To(Panic())
	})

	It("matches the closed-form refill bound across a sweep of (rate, burst, elapsed) triples", func() {
		triples := []struct {
			rate, burst float64
			elapsed     int64
		}{
			{rate: 1, burst: 3, elapsed: 0},
			{rate: 1, burst: 3, elapsed: 2},
			{rate: 1, burst: 3, elapsed: 1000},
			{rate: 0.5, burst: 10, elapsed: 7},
			{rate: 5, burst: 4, elapsed: 1},
			{rate: 2, burst: 1, elapsed: 100},
		}

		for _, tr := range triples {
			now := int64(0)
			b := backpressure.NewTokenBucket(tr.rate, tr.burst, func() int64 { return now })

			// Drain to 0 with no elapsed time, so the next refill starts
			// from a known baseline rather than from "already full".
			for b.Request() {
			}
			Expect(b.Tokens()).To(BeNumerically("~", 0, 1e-9))

			now = tr.elapsed
			refilled := min(0+float64(tr.elapsed)*tr.rate, tr.burst) // closed-form bound from §8
			ok := b.Request()

			want := refilled
			if refilled >= 1 {
				want--
			}
			Expect(ok).To(Equal(refilled >= 1), "rate=%v burst=%v elapsed=%v", tr.rate, tr.burst, tr.elapsed)
			Expect(b.Tokens()).To(BeNumerically("~", want, 1e-9), "rate=%v burst=%v elapsed=%v", tr.rate, tr.burst, tr.elapsed)
		}
	})
})

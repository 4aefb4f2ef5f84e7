package obs

import (
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
)

// NewSampler maps a sample rate to a parent-based sampler. Rates at or below
// zero never sample new roots; rates at or above one always do.
func NewSampler(rate float64) sdktrace.Sampler {
	var root sdktrace.Sampler
	switch {
	case rate <= 0:
		root = sdktrace.NeverSample()
	case rate >= 1:
		root = sdktrace.AlwaysSample()
	default:
		root = sdktrace.TraceIDRatioBased(rate)
	}
	return sdktrace.ParentBased(root)
}

// Package stats derives batch statistics from a completed iteration list.
//
// [Aggregate] is a pure function: it keeps no state between calls and walks
// the iterations in index order, so the same input always produces the same
// output regardless of the order in which iterations finished.
package stats

import (
	"github.com/HdrHistogram/hdrhistogram-go"
	"github.com/kursadbilgin/sampling-engine/internal/domain"
)

const (
	// Latencies are tracked in microseconds from 1µs up to one hour.
	histogramMinMicros  = 1
	histogramMaxMicros  = 3_600_000_000
	histogramSigFigures = 3
)

// Aggregate computes counts, success rate, token totals and latency
// statistics over iterations. Latency and token figures only consider
// successful iterations; latency fields stay nil when nothing was measured.
func Aggregate(iterations []domain.IterationResult) domain.BatchStatistics {
	out := domain.BatchStatistics{
		TotalIterations: len(iterations),
		RawResponses:    []string{},
	}
	if len(iterations) == 0 {
		return out
	}

	out.StatusCounts = make(map[domain.IterationStatus]int)
	latencies := make([]float64, 0, len(iterations))

	for i := range iterations {
		it := &iterations[i]
		out.StatusCounts[it.Status]++
		out.TotalRetries += it.RetryCount

		if !it.Succeeded() {
			continue
		}
		out.SuccessfulIterations++

		if it.Response != nil {
			out.RawResponses = append(out.RawResponses, it.Response.Content)
			if usage := it.Response.Usage; usage != nil {
				out.TotalPromptTokens += usage.PromptTokens
				out.TotalCompletionTokens += usage.CompletionTokens
				out.TotalTokens += usage.TotalTokens
			}
		}

		if latency, ok := latencyOf(it); ok {
			latencies = append(latencies, latency)
		}
	}

	out.FailedIterations = out.TotalIterations - out.SuccessfulIterations
	out.SuccessRate = float64(out.SuccessfulIterations) / float64(out.TotalIterations)

	if len(latencies) > 0 {
		applyLatency(&out, latencies)
	}

	return out
}

// latencyOf prefers the iteration wall-clock and falls back to the latency
// the provider client reported on the response.
func latencyOf(it *domain.IterationResult) (float64, bool) {
	if it.LatencyMs != nil {
		return *it.LatencyMs, true
	}
	if it.Response != nil && it.Response.LatencyMs != nil {
		return *it.Response.LatencyMs, true
	}
	return 0, false
}

func applyLatency(out *domain.BatchStatistics, latencies []float64) {
	minLatency := latencies[0]
	maxLatency := latencies[0]
	sum := 0.0

	hist := hdrhistogram.New(histogramMinMicros, histogramMaxMicros, histogramSigFigures)
	for _, l := range latencies {
		sum += l
		if l < minLatency {
			minLatency = l
		}
		if l > maxLatency {
			maxLatency = l
		}
		_ = hist.RecordValue(clampMicros(l))
	}

	avg := sum / float64(len(latencies))
	// Floating point summation can push the mean a hair outside [min, max]
	// when all samples are equal.
	if avg < minLatency {
		avg = minLatency
	}
	if avg > maxLatency {
		avg = maxLatency
	}

	out.MinLatencyMs = float64Ptr(minLatency)
	out.MaxLatencyMs = float64Ptr(maxLatency)
	out.AvgLatencyMs = float64Ptr(avg)
	out.P50LatencyMs = float64Ptr(quantileMs(hist, 50))
	out.P90LatencyMs = float64Ptr(quantileMs(hist, 90))
	out.P99LatencyMs = float64Ptr(quantileMs(hist, 99))
}

func clampMicros(ms float64) int64 {
	us := int64(ms * 1000)
	if us < histogramMinMicros {
		return histogramMinMicros
	}
	if us > histogramMaxMicros {
		return histogramMaxMicros
	}
	return us
}

func quantileMs(hist *hdrhistogram.Histogram, q float64) float64 {
	return float64(hist.ValueAtQuantile(q)) / 1000
}

func float64Ptr(v float64) *float64 {
	return &v
}

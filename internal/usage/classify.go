package usage

import (
	"regexp"
	"strings"

	"github.com/ongoingai/tooltelemetry/internal/telemetry"
)

type metricClass int

const (
	classIgnored metricClass = iota
	classLatency
	classInputTokens
	classOutputTokens
	classErrors
	classRequests
)

// Name families, checked in this order: latency, tokens, errors, requests.
var (
	latencyPattern = regexp.MustCompile(`(?i)(duration|latency|response[._]?time)`)
	tokenPattern   = regexp.MustCompile(`(?i)token`)
	inputPattern   = regexp.MustCompile(`(?i)(input|prompt)`)
	outputPattern  = regexp.MustCompile(`(?i)(output|completion)`)
	errorPattern   = regexp.MustCompile(`(?i)(error|fail|exception)`)
	requestPattern = regexp.MustCompile(`(?i)(request|calls?\b|invocation)`)
)

// Attribute keys consulted for token direction, in priority order.
var tokenTypeKeys = []string{"gen_ai.token.type", "token.type", "type"}

// modelKeys derive the grouping model for both strategies.
var modelKeys = []string{"gen_ai.request.model", "gen_ai.response.model", "model"}

const unknownModel = "unknown"

func classify(point telemetry.MetricPoint) metricClass {
	name := point.MetricName
	switch {
	case latencyPattern.MatchString(name):
		return classLatency
	case tokenPattern.MatchString(name):
		return tokenDirection(name, point.Attributes)
	case errorPattern.MatchString(name):
		return classErrors
	case requestPattern.MatchString(name):
		return classRequests
	}
	return classIgnored
}

// tokenDirection prefers an explicit token type attribute over the metric name.
func tokenDirection(name string, attrs map[string]string) metricClass {
	for _, key := range tokenTypeKeys {
		switch strings.ToLower(strings.TrimSpace(attrs[key])) {
		case "input", "prompt":
			return classInputTokens
		case "output", "completion":
			return classOutputTokens
		}
	}
	switch {
	case inputPattern.MatchString(name):
		return classInputTokens
	case outputPattern.MatchString(name):
		return classOutputTokens
	}
	return classIgnored
}

func modelKey(attrs map[string]string) string {
	for _, key := range modelKeys {
		if value := strings.TrimSpace(attrs[key]); value != "" {
			return value
		}
	}
	return unknownModel
}

// magnitude is the quantity a point contributes: the scalar for sum and
// gauge points, otherwise the count for request/error classes and the sum
// for token classes.
func magnitude(point telemetry.MetricPoint, class metricClass) (float64, bool) {
	if point.Kind == telemetry.MetricKindSum || point.Kind == telemetry.MetricKindGauge {
		return point.Scalar()
	}
	switch class {
	case classRequests, classErrors:
		if point.Count != nil {
			return float64(*point.Count), true
		}
	default:
		if point.Sum != nil {
			return *point.Sum, true
		}
	}
	return 0, false
}

// millisecondsPerUnit scales latency values to milliseconds. Unknown and
// empty units are taken as milliseconds.
func millisecondsPerUnit(unit string) float64 {
	switch strings.ToLower(strings.TrimSpace(unit)) {
	case "s", "sec", "second", "seconds":
		return 1000
	case "us", "µs", "microsecond", "microseconds":
		return 0.001
	case "ns", "nanosecond", "nanoseconds":
		return 0.000001
	}
	return 1
}

// scaleLatency returns a copy of a latency point with every value field in
// milliseconds.
func scaleLatency(point telemetry.MetricPoint) telemetry.MetricPoint {
	factor := millisecondsPerUnit(point.Unit)
	if factor == 1 {
		return point
	}
	scaled := point
	scaled.Unit = "ms"
	scaled.Sum = scaleFloat(point.Sum, factor)
	scaled.Min = scaleFloat(point.Min, factor)
	scaled.Max = scaleFloat(point.Max, factor)
	scaled.ValueDouble = scaleFloat(point.ValueDouble, factor)
	if point.ValueInt != nil {
		v := float64(*point.ValueInt) * factor
		scaled.ValueInt = nil
		scaled.ValueDouble = &v
	}
	if point.ExplicitBounds != nil {
		scaled.ExplicitBounds = make([]float64, len(point.ExplicitBounds))
		for i, b := range point.ExplicitBounds {
			scaled.ExplicitBounds[i] = b * factor
		}
	}
	return scaled
}

func scaleFloat(value *float64, factor float64) *float64 {
	if value == nil {
		return nil
	}
	v := *value * factor
	return &v
}

// Package observability provides OpenTelemetry metrics exported through
// Prometheus.
package observability

import (
	"strconv"
	"strings"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

const (
	attrMethod    = "method"
	attrRoute     = "route"
	attrStatus    = "status"
	attrJobStatus = "job_status"
	attrTier      = "tier"
)

// Cache tiers are a closed set, so their option values are built once.
var tierOptions = map[string]metric.MeasurementOption{
	"memory": metric.WithAttributeSet(attribute.NewSet(attribute.String(attrTier, "memory"))),
	"disk":   metric.WithAttributeSet(attribute.NewSet(attribute.String(attrTier, "disk"))),
}

func httpAttrs(method, route string, code int) metric.MeasurementOption {
	return metric.WithAttributes(
		attribute.String(attrMethod, method),
		attribute.String(attrRoute, routeLabel(route)),
		attribute.String(attrStatus, statusClass(code)),
	)
}

// routeLabel strips the method from a ServeMux pattern such as
// "GET /v1/jobs/{jobId}"; method is its own label.
func routeLabel(pattern string) string {
	if _, path, ok := strings.Cut(pattern, " "); ok {
		return path
	}
	return pattern
}

// statusClass groups codes as 2xx, 4xx, 5xx.
func statusClass(code int) string {
	return strconv.Itoa(code/100) + "xx"
}

func jobStatusAttrs(status string) metric.MeasurementOption {
	return metric.WithAttributes(attribute.String(attrJobStatus, status))
}

func tierAttrs(tier string) metric.MeasurementOption {
	if opt, ok := tierOptions[tier]; ok {
		return opt
	}
	return metric.WithAttributes(attribute.String(attrTier, tier))
}

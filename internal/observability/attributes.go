// Package observability exports job-watch and HTTP metrics through an
// OpenTelemetry meter backed by a Prometheus registry.
package observability

import (
	"fmt"
	"strings"

	"go.opentelemetry.io/otel/attribute"
)

// Attribute keys
const (
	attrKind   = "kind"
	attrState  = "state"
	attrReason = "reason"
	attrMethod = "method"
	attrRoute  = "route"
	attrStatus = "status"
)

func kindAttr(kind string) attribute.KeyValue {
	return attribute.String(attrKind, kind)
}

func stateAttr(state string) attribute.KeyValue {
	return attribute.String(attrState, state)
}

func reasonAttr(reason string) attribute.KeyValue {
	if reason == "" {
		reason = "none"
	}
	return attribute.String(attrReason, reason)
}

func methodAttr(method string) attribute.KeyValue {
	return attribute.String(attrMethod, method)
}

// routeAttr takes the matched route pattern when there is one, so job ids
// never become label values.
func routeAttr(route string) attribute.KeyValue {
	return attribute.String(attrRoute, normalizeRoute(route))
}

func statusAttr(code int) attribute.KeyValue {
	return attribute.String(attrStatus, fmt.Sprintf("%dxx", code/100))
}

func normalizeRoute(route string) string {
	if route == "" {
		return "unmatched"
	}
	if len(route) > 1 {
		route = strings.TrimRight(route, "/")
	}
	return route
}

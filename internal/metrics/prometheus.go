package metrics

import (
	"fmt"
	"sort"
	"strings"
)

// FormatPrometheus formats metrics in Prometheus text format.
// See: https://prometheus.io/docs/instrumenting/exposition_formats/
func FormatPrometheus(snap Snapshot) string {
	var sb strings.Builder

	scalar := func(name, kind, help string, value any) {
		fmt.Fprintf(&sb, "# HELP %s %s\n# TYPE %s %s\n%s %v\n\n", name, help, name, kind, name, value)
	}
	labeled := func(name, help, label string, values map[string]int64) {
		fmt.Fprintf(&sb, "# HELP %s %s\n# TYPE %s counter\n", name, help, name)
		for _, k := range sortedKeys(values) {
			fmt.Fprintf(&sb, "%s{%s=%q} %d\n", name, label, k, values[k])
		}
		sb.WriteString("\n")
	}

	scalar("creditgw_uptime_seconds", "gauge", "Time since the gateway started", snap.Uptime)
	labeled("creditgw_proxy_requests_total", "Proxy requests by terminal outcome", "outcome", snap.Requests)
	labeled("creditgw_proxy_responses_total", "Proxy responses by status code", "code", snap.Responses)
	scalar("creditgw_proxy_requests_in_progress", "gauge", "Proxy requests currently being processed", snap.InFlight)
	scalar("creditgw_proxy_request_duration_ms_total", "counter", "Total proxy request duration in milliseconds", snap.RequestDuration)
	scalar("creditgw_debits_total", "counter", "Requests charged to an account", snap.Debits)
	scalar("creditgw_debited_credits_total", "counter", "Credits debited for proxied requests", snap.DebitedTotal.String())
	scalar("creditgw_upstream_requests_total", "counter", "Forward attempts to the upstream API", snap.UpstreamRequests)
	scalar("creditgw_upstream_errors_total", "counter", "Forward attempts that failed or timed out", snap.UpstreamErrors)
	scalar("creditgw_upstream_latency_ms_total", "counter", "Total upstream latency in milliseconds", snap.UpstreamLatency)
	scalar("creditgw_audit_write_failures_total", "counter", "Audit records that could not be written", snap.AuditFailures)
	scalar("creditgw_audit_dropped_total", "counter", "Audit records dropped on a full queue", snap.AuditDropped)

	return sb.String()
}

func sortedKeys[T any](m map[string]T) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

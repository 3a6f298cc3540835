package collect

import "strings"

// MetricQuery is one templated PromQL query from the embedded catalog.
// Templates understand {{namespace}}, {{pod_prefix}} and {{deployment}}.
type MetricQuery struct {
	Name string
	Expr string
}

// queryCatalog maps an investigation category to its queries. The
// deployment and resource categories always run; the rest are selected by
// keywords in the alert name.
var queryCatalog = map[string][]MetricQuery{
	"deployment": {
		{
			Name: "deployment_replicas_unavailable",
			Expr: `kube_deployment_status_replicas_unavailable{namespace="{{namespace}}", deployment=~"{{deployment}}"}`,
		},
		{
			Name: "deployment_replicas_available",
			Expr: `kube_deployment_status_replicas_available{namespace="{{namespace}}", deployment=~"{{deployment}}"}`,
		},
	},
	"resource": {
		{
			Name: "container_memory_usage_percent",
			Expr: `100 * container_memory_working_set_bytes{namespace="{{namespace}}", pod=~"{{pod_prefix}}.*"} / container_spec_memory_limit_bytes{namespace="{{namespace}}", pod=~"{{pod_prefix}}.*"}`,
		},
		{
			Name: "container_cpu_throttling_ratio",
			Expr: `rate(container_cpu_cfs_throttled_periods_total{namespace="{{namespace}}", pod=~"{{pod_prefix}}.*"}[5m]) / rate(container_cpu_cfs_periods_total{namespace="{{namespace}}", pod=~"{{pod_prefix}}.*"}[5m])`,
		},
	},
	"crashloop": {
		{
			Name: "pod_restart_increase",
			Expr: `increase(kube_pod_container_status_restarts_total{namespace="{{namespace}}", pod=~"{{pod_prefix}}.*"}[15m])`,
		},
		{
			Name: "pod_waiting_crashloop",
			Expr: `kube_pod_container_status_waiting_reason{namespace="{{namespace}}", pod=~"{{pod_prefix}}.*", reason="CrashLoopBackOff"}`,
		},
	},
	"oom": {
		{
			Name: "container_oom_events",
			Expr: `increase(container_oom_events_total{namespace="{{namespace}}", pod=~"{{pod_prefix}}.*"}[15m])`,
		},
		{
			Name: "container_memory_usage_percent",
			Expr: `100 * container_memory_working_set_bytes{namespace="{{namespace}}", pod=~"{{pod_prefix}}.*"} / container_spec_memory_limit_bytes{namespace="{{namespace}}", pod=~"{{pod_prefix}}.*"}`,
		},
	},
	"error_rate": {
		{
			Name: "http_5xx_error_ratio",
			Expr: `sum(rate(http_requests_total{namespace="{{namespace}}", status=~"5.."}[5m])) / sum(rate(http_requests_total{namespace="{{namespace}}"}[5m]))`,
		},
	},
	"latency": {
		{
			Name: "http_latency_p99_seconds",
			Expr: `histogram_quantile(0.99, sum(rate(http_request_duration_seconds_bucket{namespace="{{namespace}}"}[5m])) by (le))`,
		},
	},
	"node": {
		{
			Name: "node_memory_usage_percent",
			Expr: `100 * (1 - node_memory_MemAvailable_bytes / node_memory_MemTotal_bytes)`,
		},
	},
	"hpa": {
		{
			Name: "hpa_at_max",
			Expr: `kube_horizontalpodautoscaler_status_current_replicas{namespace="{{namespace}}"} >= bool on(horizontalpodautoscaler) kube_horizontalpodautoscaler_spec_max_replicas{namespace="{{namespace}}"}`,
		},
	},
}

// alwaysCategories run for every incident regardless of the alert name.
var alwaysCategories = []string{"deployment", "resource"}

// keywordCategories selects extra catalog categories from the alert name.
var keywordCategories = []struct {
	keywords []string
	category string
}{
	{[]string{"crash", "restart"}, "crashloop"},
	{[]string{"oom", "memory"}, "oom"},
	{[]string{"error", "5xx"}, "error_rate"},
	{[]string{"latency", "slow"}, "latency"},
	{[]string{"node"}, "node"},
	{[]string{"hpa", "scaling"}, "hpa"},
}

// categoriesFor returns the catalog categories to run for an alert name,
// in catalog order with no duplicates.
func categoriesFor(alertName string) []string {
	lower := strings.ToLower(alertName)
	categories := append([]string{}, alwaysCategories...)
	seen := map[string]bool{"deployment": true, "resource": true}
	for _, kc := range keywordCategories {
		if seen[kc.category] {
			continue
		}
		for _, kw := range kc.keywords {
			if strings.Contains(lower, kw) {
				categories = append(categories, kc.category)
				seen[kc.category] = true
				break
			}
		}
	}
	return categories
}

// renderQuery substitutes template variables into a catalog expression.
func renderQuery(expr, namespace, podPrefix, deployment string) string {
	if podPrefix == "" {
		podPrefix = ".*"
	}
	if deployment == "" {
		deployment = ".*"
	}
	r := strings.NewReplacer(
		"{{namespace}}", namespace,
		"{{pod_prefix}}", podPrefix,
		"{{deployment}}", deployment,
	)
	return r.Replace(expr)
}

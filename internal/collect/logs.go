package collect

import (
	"context"
	"fmt"
	"regexp"
	"time"

	"github.com/incidentops/evidence-graph/internal/lokiclient"
	"github.com/incidentops/evidence-graph/internal/models"
)

// LogQuerier is the slice of the log store the collector needs.
type LogQuerier interface {
	QueryRange(ctx context.Context, query string, start, end time.Time, limit int) ([]lokiclient.Entry, error)
}

// LogsCollector pulls recent logs for the affected service and extracts
// error patterns and stack traces.
type LogsCollector struct {
	querier  LogQuerier
	maxLines int
}

// NewLogsCollector builds the collector. maxLines caps how many log lines
// are fetched per incident.
func NewLogsCollector(querier LogQuerier, maxLines int) *LogsCollector {
	return &LogsCollector{querier: querier, maxLines: maxLines}
}

// Name implements Collector.
func (c *LogsCollector) Name() string { return "logs" }

type logPattern struct {
	re       *regexp.Regexp
	category string
}

// errorPatterns are matched in order; the broad error catch-all comes
// first so anything mentioning an error classifies as one even when a
// narrower category would also match.
var errorPatterns = []logPattern{
	{regexp.MustCompile(`(?i)(error|err|exception|fail|failed|failure)`), "error"},
	{regexp.MustCompile(`(?i)(panic|fatal|critical)`), "critical"},
	{regexp.MustCompile(`(?i)(oomkilled|out of memory|outofmemoryerror)`), "oom"},
	{regexp.MustCompile(`(?i)(connection refused|connection reset|timeout|timed out)`), "network"},
	{regexp.MustCompile(`(?i)(permission denied|access denied|unauthorized|forbidden)`), "auth"},
	{regexp.MustCompile(`(?i)(no such file|not found|missing|does not exist)`), "missing"},
	{regexp.MustCompile(`(?i)(null pointer|nil pointer|nullpointerexception|segfault)`), "null_pointer"},
	{regexp.MustCompile(`(?i)(cannot connect|unable to connect|connection failed)`), "connection"},
	{regexp.MustCompile(`(?i)(disk full|no space left|storage.*full)`), "disk"},
	{regexp.MustCompile(`(?i)(tls|ssl|certificate|handshake)`), "tls"},
}

var stackTracePatterns = []*regexp.Regexp{
	regexp.MustCompile(`at\s+[\w.$]+\([\w.]+:\d+\)`),   // Java
	regexp.MustCompile(`File "[^"]+", line \d+`),       // Python
	regexp.MustCompile(`goroutine \d+ \[.+\]:`),        // Go
	regexp.MustCompile(`\s+at\s+.+\s+\(.+:\d+:\d+\)`),  // JavaScript
}

const (
	maxErrorSamples   = 10
	maxStackSamples   = 5
	errorSampleLength = 500
	stackSampleLength = 1000
)

// Collect implements Collector.
func (c *LogsCollector) Collect(ctx context.Context, req Request) (*Result, error) {
	inc := req.Incident
	res := &Result{Collector: c.Name()}

	selector := fmt.Sprintf(`{namespace=%q}`, inc.Namespace)
	if inc.Service != "" {
		selector = fmt.Sprintf(`{namespace=%q, app=%q}`, inc.Namespace, inc.Service)
	}

	entries, err := c.querier.QueryRange(ctx, selector, req.WindowStart, req.WindowEnd, c.maxLines)
	if err != nil {
		return nil, fmt.Errorf("query logs: %w", err)
	}

	analysis := analyzeLogs(entries)
	if analysis.totalLines == 0 {
		return res, nil
	}

	res.Evidence = append(res.Evidence, newEvidence(req, models.EvidenceLogErrors, c.Name(), inc.Service, inc.Namespace, analysis.strength(),
		map[string]interface{}{
			"total_lines":   analysis.totalLines,
			"error_count":   analysis.errorCount,
			"warning_count": analysis.warningCount,
			"categories":    analysis.categories,
			"error_samples": analysis.errorSamples,
			"stack_traces":  analysis.stackTraces,
		}))
	return res, nil
}

type logAnalysis struct {
	totalLines   int
	errorCount   int
	warningCount int
	categories   map[string]int
	errorSamples []string
	stackTraces  []string
}

func analyzeLogs(entries []lokiclient.Entry) *logAnalysis {
	a := &logAnalysis{categories: map[string]int{}}
	a.totalLines = len(entries)

	for _, entry := range entries {
		category := classifyLine(entry.Line)
		if category == "" {
			continue
		}
		a.categories[category]++
		if category == "error" || category == "critical" {
			a.errorCount++
			if len(a.errorSamples) < maxErrorSamples {
				a.errorSamples = append(a.errorSamples, truncate(entry.Line, errorSampleLength))
			}
		} else {
			a.warningCount++
		}

		if len(a.stackTraces) < maxStackSamples && matchesStackTrace(entry.Line) {
			a.stackTraces = append(a.stackTraces, truncate(entry.Line, stackSampleLength))
		}
	}
	return a
}

// classifyLine returns the first matching pattern category, or "".
func classifyLine(line string) string {
	for _, p := range errorPatterns {
		if p.re.MatchString(line) {
			return p.category
		}
	}
	return ""
}

func matchesStackTrace(line string) bool {
	for _, re := range stackTracePatterns {
		if re.MatchString(line) {
			return true
		}
	}
	return false
}

// strength grades the log evidence. An OOM or critical pattern dominates
// whatever the raw counts say.
func (a *logAnalysis) strength() float64 {
	var s float64
	switch {
	case a.errorCount > 10:
		s = 0.9
	case a.errorCount > 5:
		s = 0.8
	case a.errorCount > 0:
		s = 0.6
	case a.warningCount > 10:
		s = 0.5
	default:
		s = 0.3
	}
	if a.categories["oom"] > 0 || a.categories["critical"] > 0 {
		if s < 0.95 {
			s = 0.95
		}
	}
	return s
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n]
}

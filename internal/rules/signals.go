package rules

import (
	"strings"

	"github.com/incidentops/evidence-graph/internal/models"
)

// Signals is the flattened view of an evidence set that rule conditions
// check against. EvidenceIDs preserves insertion order.
type Signals struct {
	WaitingReasons    map[string]bool
	TerminatedReasons map[string]bool
	LogPatterns       map[string]bool
	HasRecentDeploy   bool
	HasImageChange    bool
	MemoryUsageHigh   bool
	HPAAtMax          bool
	LatencyHigh       bool
	NodeIssues        map[string][]string
	RestartCount      int
	ErrorCount        int
	EvidenceIDs       []string
}

// ExtractSignals folds an evidence set into Signals.
func ExtractSignals(evidence []models.Evidence) *Signals {
	s := &Signals{
		WaitingReasons:    map[string]bool{},
		TerminatedReasons: map[string]bool{},
		LogPatterns:       map[string]bool{},
		NodeIssues:        map[string][]string{},
	}

	for _, ev := range evidence {
		s.EvidenceIDs = append(s.EvidenceIDs, ev.ID)

		switch ev.Type {
		case models.EvidencePodStatus:
			s.processPod(ev.Data)
		case models.EvidenceRecentDeployment:
			if asBool(ev.Data["is_recent"]) {
				s.HasRecentDeploy = true
			}
		case models.EvidenceImageChange:
			if asBool(ev.Data["images_changed"]) {
				s.HasImageChange = true
			}
		case models.EvidenceLogErrors:
			s.processLogs(ev.Data)
		case models.EvidenceMetricAnomaly:
			s.processMetric(ev.Data)
		case models.EvidenceNodeStatus:
			s.processNode(ev.Data)
		}
	}
	return s
}

func (s *Signals) processPod(data map[string]interface{}) {
	if reason := asString(data["waiting_reason"]); reason != "" {
		s.WaitingReasons[reason] = true
	}
	if reason := asString(data["terminated_reason"]); reason != "" {
		s.TerminatedReasons[reason] = true
	}
	if restarts := int(asFloat(data["restart_count"])); restarts > s.RestartCount {
		s.RestartCount = restarts
	}
}

func (s *Signals) processLogs(data map[string]interface{}) {
	switch categories := data["categories"].(type) {
	case map[string]int:
		for cat := range categories {
			s.LogPatterns[cat] = true
		}
	case map[string]interface{}:
		for cat := range categories {
			s.LogPatterns[cat] = true
		}
	}
	s.ErrorCount += int(asFloat(data["error_count"]))
}

func (s *Signals) processMetric(data map[string]interface{}) {
	name := asString(data["query_name"])
	current := asFloat(data["current_value"])

	if strings.Contains(name, "memory") && asBool(data["is_anomalous"]) && current > 90 {
		s.MemoryUsageHigh = true
	}
	if strings.Contains(name, "hpa") && strings.Contains(name, "max") && current == 1 {
		s.HPAAtMax = true
	}
	if strings.Contains(name, "latency") && current > 1 {
		s.LatencyHigh = true
	}
}

func (s *Signals) processNode(data map[string]interface{}) {
	name := asString(data["node_name"])
	if name == "" {
		return
	}
	var issues []string
	switch raw := data["issues"].(type) {
	case []string:
		issues = raw
	case []interface{}:
		for _, item := range raw {
			issues = append(issues, asString(item))
		}
	}
	if len(issues) > 0 {
		s.NodeIssues[name] = issues
	}
}

// Evidence data crosses a JSON boundary inside the workflow, so numbers
// may arrive as float64 and typed values as interface{}.
func asString(v interface{}) string {
	s, _ := v.(string)
	return s
}

func asBool(v interface{}) bool {
	b, _ := v.(bool)
	return b
}

func asFloat(v interface{}) float64 {
	switch n := v.(type) {
	case float64:
		return n
	case float32:
		return float64(n)
	case int:
		return float64(n)
	case int32:
		return float64(n)
	case int64:
		return float64(n)
	}
	return 0
}

package internal

import "sort"

var priorityRank = map[string]int{
	"critical": 0,
	"high":     1,
	"medium":   2,
	"low":      3,
}

// buildRecommendations derives remediation steps from the fused verdict.
// Output is priority-ordered; ties keep emission order, which places the
// always-present intel refresh last.
func buildRecommendations(risk RiskAssessment, anomaly *AnomalyResult, threatType string) []Recommendation {
	var recs []Recommendation

	if risk.Score >= 80 {
		recs = append(recs,
			Recommendation{
				Action:      "immediate_investigation",
				Priority:    "critical",
				Automatable: false,
				Description: "Escalate to the on-call analyst for immediate triage",
			},
			Recommendation{
				Action:      "isolate_affected_assets",
				Priority:    "critical",
				Automatable: true,
				Description: "Quarantine assets that communicated with the indicator",
			})
	}

	if anomaly != nil && anomaly.IsAnomaly {
		recs = append(recs, Recommendation{
			Action:      "behavioral_analysis",
			Priority:    "high",
			Automatable: false,
			Description: "Review the deviating features against recent activity for this source",
		})
	}

	switch threatType {
	case "malware":
		recs = append(recs, Recommendation{
			Action:      "antivirus_scan",
			Priority:    "high",
			Automatable: true,
			Description: "Sweep exposed endpoints with updated signatures",
		})
	case "phishing":
		recs = append(recs, Recommendation{
			Action:      "user_awareness",
			Priority:    "medium",
			Automatable: true,
			Description: "Push a phishing advisory to targeted mailboxes",
		})
	}

	recs = append(recs, Recommendation{
		Action:      "update_threat_intelligence",
		Priority:    "low",
		Automatable: true,
		Description: "Propagate the indicator to subscribed feeds",
	})

	sort.SliceStable(recs, func(i, j int) bool {
		return priorityRank[recs[i].Priority] < priorityRank[recs[j].Priority]
	})
	return recs
}

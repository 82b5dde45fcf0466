package notify

import "impersonation-detector/internal/models"

// ClassifyPriority maps a detection's score and confidence to a notification priority.
func ClassifyPriority(score, confidence float64) models.Priority {
	switch {
	case score >= 0.9 && confidence >= 0.9:
		return models.PriorityCritical
	case score >= 0.7 && confidence >= 0.8:
		return models.PriorityHigh
	case score >= 0.5 && confidence >= 0.6:
		return models.PriorityMedium
	default:
		return models.PriorityLow
	}
}

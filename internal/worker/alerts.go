package worker

import (
	"strings"

	"edgeguard/internal/models"
)

var defaultCriticalClasses = []string{"fire", "smoke", "person", "danger"}

// buildAlerts flags detections of critical classes above minConfidence
func buildAlerts(dets []models.Detection, critical []string, minConfidence float64) []models.Alert {
	var alerts []models.Alert
	for _, d := range dets {
		if d.Confidence <= minConfidence || !isCritical(d.Class, critical) {
			continue
		}
		severity := "MEDIUM"
		action := "Monitor the area"
		if d.Confidence > 0.9 {
			severity = "HIGH"
			action = "Immediate response required"
		}
		alerts = append(alerts, models.Alert{
			Type:       "critical_detection",
			Class:      d.Class,
			Confidence: d.Confidence,
			Severity:   severity,
			Action:     action,
		})
	}
	return alerts
}

func isCritical(class string, critical []string) bool {
	class = strings.ToLower(class)
	for _, c := range critical {
		if strings.Contains(class, strings.ToLower(c)) {
			return true
		}
	}
	return false
}

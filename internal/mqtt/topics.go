package mqtt

import "strings"

// Topics holds the topic patterns; {device_id} is replaced per message
type Topics struct {
	Detection  string
	Alarm      string
	Health     string
	Task       string
	Supervisor string
	Status     string
}

// DefaultTopics returns the standard edgeguard topic layout
func DefaultTopics() Topics {
	return Topics{
		Detection:  "edgeguard/{device_id}/detection",
		Alarm:      "edgeguard/{device_id}/alarm",
		Health:     "edgeguard/{device_id}/health",
		Task:       "edgeguard/{device_id}/task",
		Supervisor: "edgeguard/supervisor/health",
		Status:     "edgeguard/status",
	}
}

// FormatTopic replaces {device_id} placeholder with actual device ID
func FormatTopic(topicPattern, deviceID string) string {
	return strings.ReplaceAll(topicPattern, "{device_id}", deviceID)
}

// WildcardTopic subscribes a pattern across all devices
func WildcardTopic(topicPattern string) string {
	return FormatTopic(topicPattern, "+")
}

// ExtractDeviceID extracts device ID from MQTT topic
// Example: "edgeguard/cam-01/detection" -> "cam-01"
func ExtractDeviceID(topic string) string {
	parts := strings.Split(topic, "/")
	if len(parts) >= 3 {
		return parts[1]
	}
	return ""
}

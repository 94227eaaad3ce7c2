package models

// TaskSpec binds a detection task to the model that serves it and to the
// alarm target evaluated on its events.
type TaskSpec struct {
	Name          string  `yaml:"name" json:"name"`
	Model         string  `yaml:"model" json:"model"`
	TargetClass   string  `yaml:"target_class" json:"target_class"`
	TargetClassID *int    `yaml:"target_class_id,omitempty" json:"target_class_id,omitempty"`
	Threshold     float64 `yaml:"threshold" json:"threshold"`
}

// DefaultTasks returns the built-in fire and leaves tasks
func DefaultTasks() map[string]TaskSpec {
	return map[string]TaskSpec{
		"fire": {
			Name:        "fire",
			Model:       "fire_detection",
			TargetClass: "fire",
			Threshold:   0.15,
		},
		"leaves": {
			Name:        "leaves",
			Model:       "yellow_leaves",
			TargetClass: "yellow",
			Threshold:   0.6,
		},
	}
}

package domain

import (
	"encoding/json"
	"time"
)

// ClimateState is a snapshot of one thermostat as published to consumers.
// Fields are pointers where the value may be unknown (a read never succeeded
// since startup).
type ClimateState struct {
	ID          string     `json:"id"`
	Name        string     `json:"name"`
	CurrentTemp *float64   `json:"current_temperature,omitempty"`
	TargetTemp  *float64   `json:"target_temperature,omitempty"`
	Mode        HVACMode   `json:"mode"`
	Preset      PresetMode `json:"preset"`
	Fan         FanMode    `json:"fan_mode"`
	Available   bool       `json:"available"`
	UpdatedAt   time.Time  `json:"updated_at"`
}

// ToJSON serializes the state for publishing.
func (s *ClimateState) ToJSON() ([]byte, error) {
	return json.Marshal(s)
}

// Clone returns a deep copy so callers can hand the snapshot across
// goroutine boundaries.
func (s *ClimateState) Clone() ClimateState {
	out := *s
	if s.CurrentTemp != nil {
		v := *s.CurrentTemp
		out.CurrentTemp = &v
	}
	if s.TargetTemp != nil {
		v := *s.TargetTemp
		out.TargetTemp = &v
	}
	return out
}

package livesync

import (
	"bytes"
	"encoding/json"
	"fmt"

	"narrative-engine/internal/models"
)

// Diff returns the top-level JSON fields of next that differ from prev.
// Fields that disappeared from next are sent as null.
func Diff(prev, next *models.Story) (map[string]json.RawMessage, error) {
	nextFields, err := topLevelFields(next)
	if err != nil {
		return nil, err
	}
	if prev == nil {
		return nextFields, nil
	}
	prevFields, err := topLevelFields(prev)
	if err != nil {
		return nil, err
	}

	out := make(map[string]json.RawMessage)
	for k, v := range nextFields {
		if old, ok := prevFields[k]; !ok || !bytes.Equal(old, v) {
			out[k] = v
		}
	}
	for k := range prevFields {
		if _, ok := nextFields[k]; !ok {
			out[k] = json.RawMessage("null")
		}
	}
	return out, nil
}

func topLevelFields(s *models.Story) (map[string]json.RawMessage, error) {
	raw, err := json.Marshal(s)
	if err != nil {
		return nil, fmt.Errorf("marshal story %s: %w", s.ID, err)
	}
	fields := make(map[string]json.RawMessage)
	if err := json.Unmarshal(raw, &fields); err != nil {
		return nil, fmt.Errorf("split story %s into fields: %w", s.ID, err)
	}
	return fields, nil
}

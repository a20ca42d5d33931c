package ingest

import "encoding/json"

// mergeMetadata shallow-merges incoming metadata onto existing metadata.
// Keys present in both sides take the incoming value; keys only in the
// stored side survive. The merge applies only when both sides are JSON
// objects — arrays and scalars are opaque and replace wholesale. When
// either side is absent the present side is returned as-is.
func mergeMetadata(existing string, incoming json.RawMessage) *string {
	incomingPresent := len(incoming) > 0 && string(incoming) != "null"
	if !incomingPresent {
		return nil
	}
	merged := string(incoming)
	if existing == "" || existing == "null" {
		return &merged
	}

	var existingObject map[string]json.RawMessage
	if err := json.Unmarshal([]byte(existing), &existingObject); err != nil || existingObject == nil {
		return &merged
	}
	var incomingObject map[string]json.RawMessage
	if err := json.Unmarshal(incoming, &incomingObject); err != nil || incomingObject == nil {
		return &merged
	}

	for key, value := range incomingObject {
		existingObject[key] = value
	}
	encoded, err := json.Marshal(existingObject)
	if err != nil {
		return &merged
	}
	merged = string(encoded)
	return &merged
}

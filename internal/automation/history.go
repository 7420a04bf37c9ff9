package automation

import (
	"github.com/goccy/go-json"

	"github.com/thebtf/surf/pkg/models"
)

// toPayload round-trips a value through JSON so ledger payloads hold
// only plain maps and scalars.
func toPayload(v any) models.JSONPayload {
	data, err := json.Marshal(v)
	if err != nil {
		return models.JSONPayload{}
	}
	var payload models.JSONPayload
	if err := json.Unmarshal(data, &payload); err != nil {
		return models.JSONPayload{}
	}
	return payload
}

// Payload converts a step into a ledger event payload.
func (s Step) Payload() models.JSONPayload {
	return toPayload(s)
}

// Summary converts a run history into the result event payload.
func (h *RunHistory) Summary() models.JSONPayload {
	payload := toPayload(h)
	payload["number_of_steps"] = h.StepCount()
	return payload
}

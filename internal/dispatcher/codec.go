package dispatcher

import (
	"encoding/json"
	"log"

	"github.com/srirohitha/jobqueue/internal/pipeline"
)

// decodeInput parses a Job's input_payload ({rows: [...], config: {...}}
// per spec §6) into a pipeline.Input. A malformed payload yields an empty
// Input rather than failing submit-time validation retroactively — by the
// time Complete runs, the payload was already accepted.
func decodeInput(raw string) pipeline.Input {
	var parsed struct {
		Rows   []map[string]any `json:"rows"`
		Config map[string]any   `json:"config"`
	}
	if raw != "" {
		if err := json.Unmarshal([]byte(raw), &parsed); err != nil {
			log.Printf("dispatcher: decode input_payload: %v", err)
		}
	}
	return pipeline.Input{Rows: parsed.Rows, Config: parsed.Config}
}

func encodeOutput(out pipeline.Output) string {
	data, err := json.Marshal(out)
	if err != nil {
		log.Printf("dispatcher: encode output_result: %v", err)
		return "{}"
	}
	return string(data)
}

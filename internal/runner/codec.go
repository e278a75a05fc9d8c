package runner

import (
	"encoding/json"
	"log"

	"github.com/srirohitha/jobqueue/internal/pipeline"
)

// decodeJobInput mirrors the dispatcher's own input_payload codec; kept
// as a separate copy here rather than exported from dispatcher so the
// runner package doesn't import dispatcher just for this, and the two
// callers (Dispatcher.Complete's synchronous run, the Runner's background
// run) can evolve the
// malformed-payload fallback independently if they ever need to.
func decodeJobInput(raw string) pipeline.Input {
	var parsed struct {
		Rows   []map[string]any `json:"rows"`
		Config map[string]any   `json:"config"`
	}
	if raw != "" {
		if err := json.Unmarshal([]byte(raw), &parsed); err != nil {
			log.Printf("runner: decode input_payload: %v", err)
		}
	}
	return pipeline.Input{Rows: parsed.Rows, Config: parsed.Config}
}

func encodeJobOutput(out pipeline.Output) string {
	data, err := json.Marshal(out)
	if err != nil {
		log.Printf("runner: encode output_result: %v", err)
		return "{}"
	}
	return string(data)
}

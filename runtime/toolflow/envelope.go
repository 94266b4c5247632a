package toolflow

import "time"

type (
	// Envelope is the standardized wrapper around a tool result. Tool
	// functions that already produce an Envelope return it as *Envelope and
	// it is recorded verbatim; any other return value is wrapped in a
	// success envelope tagged with the tool name. The explicit type replaces
	// runtime shape sniffing: a result is pre-enveloped if and only if it is
	// a *Envelope.
	Envelope struct {
		// Data is the tool's payload.
		Data any `json:"data"`
		// Status reports the outcome of the call.
		Status Status `json:"status"`
		// Metadata carries call-level annotations such as the tool name.
		Metadata map[string]any `json:"metadata,omitempty"`
	}

	// Status is the outcome portion of an Envelope.
	Status struct {
		// Success reports whether the call succeeded.
		Success bool `json:"success"`
		// Message optionally elaborates on the outcome.
		Message string `json:"message,omitempty"`
	}
)

// NewSuccessEnvelope wraps a raw tool result in a success envelope tagged
// with the producing tool and completion time.
func NewSuccessEnvelope(tool string, data any, now time.Time) *Envelope {
	return &Envelope{
		Data:   data,
		Status: Status{Success: true},
		Metadata: map[string]any{
			"tool":         tool,
			"completed_at": now.UTC().Format(time.RFC3339Nano),
		},
	}
}

package wire

import "maps"

// Payload is an opaque dispatch payload. The broker delivers it
// verbatim; only execution_id is required, and lease_id is injected on
// the reserve path.
type Payload map[string]any

// ExecutionID returns the payload's execution_id, or "".
func (p Payload) ExecutionID() string {
	return p.str("execution_id")
}

// AgentID returns the payload's agent_id, or "".
func (p Payload) AgentID() string {
	return p.str("agent_id")
}

func (p Payload) str(key string) string {
	s, _ := p[key].(string)
	return s
}

// Clone returns a shallow copy so annotations never mutate the
// caller's map.
func (p Payload) Clone() Payload {
	out := make(Payload, len(p)+2)
	maps.Copy(out, p)
	return out
}

// Result is the broker-side resolution of a dispatched task: either an
// agent-reported outcome or a broker-synthesized failure or timeout.
type Result struct {
	ExecutionID     string         `json:"execution_id"`
	Status          string         `json:"status"`
	Output          string         `json:"output,omitempty"`
	DurationSeconds float64        `json:"duration_seconds,omitempty"`
	ToolCalls       int            `json:"tool_calls,omitempty"`
	FilesModified   []string       `json:"files_modified,omitempty"`
	FilesCreated    []string       `json:"files_created,omitempty"`
	Error           string         `json:"error,omitempty"`
	Governance      map[string]any `json:"governance,omitempty"`
	Metadata        map[string]any `json:"metadata,omitempty"`
}

// Completed reports whether the result maps to a SUCCEEDED task.
func (r Result) Completed() bool {
	return r.Status == StatusCompleted
}

// WithMeta returns a copy of the result with one metadata entry set.
func (r Result) WithMeta(key string, value any) Result {
	meta := make(map[string]any, len(r.Metadata)+1)
	maps.Copy(meta, r.Metadata)
	meta[key] = value
	r.Metadata = meta
	return r
}

// Package wire defines the JSON frames exchanged with agent sessions
// and bridge control channels, plus the payload and result shapes
// shared across the dispatch pipeline.
package wire

// Frame type discriminators.
const (
	TypeAuthChallenge = "auth_challenge"
	TypeAuthResponse  = "auth_response"
	TypeAuthOK        = "auth_ok"
	TypeAuthFailed    = "auth_failed"
	TypeAck           = "ack"
	TypeProgress      = "progress"
	TypeResult        = "result"
	TypePing          = "ping"
	TypePong          = "pong"
	TypeResultAck     = "result_ack"
	TypeError         = "error"
	TypeAssign        = "assign"
	TypeUnassign      = "unassign"
)

// Error codes carried on error frames.
const (
	CodeAuthRequired = "AUTH_REQUIRED"
	CodeNotOwner     = "NOT_OWNER"
)

// Result status values with broker-defined meaning. Any status other
// than "completed" maps to a FAILED task.
const (
	StatusCompleted = "completed"
	StatusFailed    = "failed"
	StatusTimeout   = "timeout"
)

// AgentFrame is the inbound frame union from an agent session. Type
// selects which fields are meaningful.
type AgentFrame struct {
	Type string `json:"type"`

	// auth_response
	Token         string `json:"token,omitempty"`
	NonceResponse string `json:"nonce_response,omitempty"`

	// ack, progress, result
	ExecutionID string `json:"execution_id,omitempty"`

	// progress
	Progress *ProgressInfo `json:"progress,omitempty"`

	// result
	Status          string         `json:"status,omitempty"`
	Output          string         `json:"output,omitempty"`
	DurationSeconds float64        `json:"duration_seconds,omitempty"`
	ToolCalls       int            `json:"tool_calls,omitempty"`
	FilesModified   []string       `json:"files_modified,omitempty"`
	FilesCreated    []string       `json:"files_created,omitempty"`
	Error           string         `json:"error,omitempty"`
	Governance      map[string]any `json:"governance,omitempty"`
	Metadata        map[string]any `json:"metadata,omitempty"`
}

// ProgressInfo is the nested body of a progress frame.
type ProgressInfo struct {
	Percent *float64 `json:"percent,omitempty"`
	Message string   `json:"message,omitempty"`
}

// Result converts a result frame into the broker-side result form.
func (f *AgentFrame) Result() Result {
	return Result{
		ExecutionID:     f.ExecutionID,
		Status:          f.Status,
		Output:          f.Output,
		DurationSeconds: f.DurationSeconds,
		ToolCalls:       f.ToolCalls,
		FilesModified:   f.FilesModified,
		FilesCreated:    f.FilesCreated,
		Error:           f.Error,
		Governance:      f.Governance,
		Metadata:        f.Metadata,
	}
}

// AuthChallenge is sent immediately after accept in prod mode.
type AuthChallenge struct {
	Type  string `json:"type"`
	Nonce string `json:"nonce"`
}

// NewAuthChallenge builds a challenge frame.
func NewAuthChallenge(nonce string) AuthChallenge {
	return AuthChallenge{Type: TypeAuthChallenge, Nonce: nonce}
}

// AuthOK acknowledges a successful handshake.
type AuthOK struct {
	Type         string `json:"type"`
	ClientID     string `json:"client_id"`
	FlushedTasks int    `json:"flushed_tasks"`
}

// NewAuthOK builds an auth_ok frame.
func NewAuthOK(clientID string, flushed int) AuthOK {
	return AuthOK{Type: TypeAuthOK, ClientID: clientID, FlushedTasks: flushed}
}

// AuthFailed reports a rejected handshake. The error text is always
// generic.
type AuthFailed struct {
	Type  string `json:"type"`
	Error string `json:"error"`
}

// NewAuthFailed builds an auth_failed frame.
func NewAuthFailed() AuthFailed {
	return AuthFailed{Type: TypeAuthFailed, Error: "authentication rejected"}
}

// Pong replies to a ping. Ts is Unix milliseconds.
type Pong struct {
	Type string `json:"type"`
	Ts   int64  `json:"ts"`
}

// NewPong builds a pong frame.
func NewPong(ts int64) Pong {
	return Pong{Type: TypePong, Ts: ts}
}

// ResultAck confirms receipt of a result frame.
type ResultAck struct {
	Type        string `json:"type"`
	ExecutionID string `json:"execution_id"`
}

// NewResultAck builds a result_ack frame.
func NewResultAck(executionID string) ResultAck {
	return ResultAck{Type: TypeResultAck, ExecutionID: executionID}
}

// ErrorFrame reports a recoverable protocol-level failure to the
// agent without closing the session.
type ErrorFrame struct {
	Type  string `json:"type"`
	Error string `json:"error"`
	Code  string `json:"code"`
}

// NewErrorFrame builds an error frame.
func NewErrorFrame(code, msg string) ErrorFrame {
	return ErrorFrame{Type: TypeError, Error: msg, Code: code}
}

// BridgeEvent is a workspace assignment broadcast on the bridge
// control channel.
type BridgeEvent struct {
	Type        string `json:"type"`
	WorkspaceID string `json:"workspace_id"`
}

// NewAssign builds an assign event.
func NewAssign(workspaceID string) BridgeEvent {
	return BridgeEvent{Type: TypeAssign, WorkspaceID: workspaceID}
}

// NewUnassign builds an unassign event.
func NewUnassign(workspaceID string) BridgeEvent {
	return BridgeEvent{Type: TypeUnassign, WorkspaceID: workspaceID}
}

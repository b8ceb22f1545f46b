package wire_test

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/taskmux/taskmux/internal/broker/wire"
)

func TestAgentFrame_Result(t *testing.T) {
	raw := `{
		"type": "result",
		"execution_id": "e1",
		"status": "completed",
		"output": "done",
		"duration_seconds": 12.5,
		"tool_calls": 3,
		"files_modified": ["main.go"],
		"metadata": {"model": "large"}
	}`

	var f wire.AgentFrame
	require.NoError(t, json.Unmarshal([]byte(raw), &f))

	assert.Equal(t, wire.TypeResult, f.Type)

	r := f.Result()
	assert.Equal(t, "e1", r.ExecutionID)
	assert.True(t, r.Completed())
	assert.Equal(t, "done", r.Output)
	assert.Equal(t, 12.5, r.DurationSeconds)
	assert.Equal(t, 3, r.ToolCalls)
	assert.Equal(t, []string{"main.go"}, r.FilesModified)
	assert.Equal(t, map[string]any{"model": "large"}, r.Metadata)
}

func TestAgentFrame_Progress(t *testing.T) {
	raw := `{"type":"progress","execution_id":"e1","progress":{"percent":42.5,"message":"editing"}}`

	var f wire.AgentFrame
	require.NoError(t, json.Unmarshal([]byte(raw), &f))

	require.NotNil(t, f.Progress)
	require.NotNil(t, f.Progress.Percent)
	assert.Equal(t, 42.5, *f.Progress.Percent)
	assert.Equal(t, "editing", f.Progress.Message)
}

func TestAgentFrame_ProgressWithoutPercent(t *testing.T) {
	raw := `{"type":"progress","execution_id":"e1","progress":{"message":"thinking"}}`

	var f wire.AgentFrame
	require.NoError(t, json.Unmarshal([]byte(raw), &f))

	require.NotNil(t, f.Progress)
	assert.Nil(t, f.Progress.Percent)
}

func TestPayload_Clone(t *testing.T) {
	p := wire.Payload{"execution_id": "e1", "kind": "run"}

	c := p.Clone()
	c["lease_id"] = "l1"

	assert.Equal(t, "e1", c.ExecutionID())
	_, leaked := p["lease_id"]
	assert.False(t, leaked)
}

func TestPayload_MissingFields(t *testing.T) {
	p := wire.Payload{"execution_id": 42}

	// Non-string execution_id reads as empty.
	assert.Equal(t, "", p.ExecutionID())
	assert.Equal(t, "", p.AgentID())
}

func TestResult_WithMeta(t *testing.T) {
	r := wire.Result{ExecutionID: "e1", Status: wire.StatusCompleted}

	r2 := r.WithMeta("transport", "ws_push")
	assert.Equal(t, "ws_push", r2.Metadata["transport"])
	assert.Nil(t, r.Metadata)

	r3 := r2.WithMeta("client_id", "c1")
	assert.Equal(t, "ws_push", r3.Metadata["transport"])
	assert.Equal(t, "c1", r3.Metadata["client_id"])
}

func TestOutboundFrames(t *testing.T) {
	challenge, err := json.Marshal(wire.NewAuthChallenge("abc"))
	require.NoError(t, err)
	assert.JSONEq(t, `{"type":"auth_challenge","nonce":"abc"}`, string(challenge))

	ok, err := json.Marshal(wire.NewAuthOK("c1", 2))
	require.NoError(t, err)
	assert.JSONEq(t, `{"type":"auth_ok","client_id":"c1","flushed_tasks":2}`, string(ok))

	pong, err := json.Marshal(wire.NewPong(1756100000000))
	require.NoError(t, err)
	assert.JSONEq(t, `{"type":"pong","ts":1756100000000}`, string(pong))

	assign, err := json.Marshal(wire.NewAssign("ws-1"))
	require.NoError(t, err)
	assert.JSONEq(t, `{"type":"assign","workspace_id":"ws-1"}`, string(assign))
}

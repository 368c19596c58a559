package runtime

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/cascaderun/cascade/eventsink"
	"github.com/cascaderun/cascade/toolregistry"
	"github.com/cascaderun/cascade/trace"
)

func TestMustMarshalRoundTrips(t *testing.T) {
	raw := mustMarshal(map[string]string{"a": "b"})
	var out map[string]string
	require := assert.New(t)
	require.NoError(json.Unmarshal(raw, &out))
	require.Equal("b", out["a"])
}

func TestMustMarshalUnmarshalableFallsBackToMarker(t *testing.T) {
	raw := mustMarshal(make(chan int))
	var out map[string]string
	assert.NoError(t, json.Unmarshal(raw, &out))
	assert.Contains(t, out, "marshal_error")
}

func TestExtractRecordTextPlainStringPayload(t *testing.T) {
	rec := eventsink.Record{NodeType: trace.NodeWard, Payload: mustMarshal("hello")}
	assert.Equal(t, "hello", extractRecordText(rec))
}

func TestExtractRecordTextToolResultPrefersContent(t *testing.T) {
	rec := eventsink.Record{
		NodeType: trace.NodeToolResult,
		Payload:  mustMarshal(toolregistry.Result{Content: "rendered", Value: "raw"}),
	}
	assert.Equal(t, "rendered", extractRecordText(rec))
}

func TestExtractRecordTextToolResultFallsBackToValue(t *testing.T) {
	rec := eventsink.Record{
		NodeType: trace.NodeToolResult,
		Payload:  mustMarshal(toolregistry.Result{Value: 42}),
	}
	assert.Equal(t, "42", extractRecordText(rec))
}

func TestExtractRecordTextAgentPayloadJoinsParts(t *testing.T) {
	payload := []byte(`{"Message":{"Parts":[{"Text":"hello "},{"Text":"world"}]}}`)
	rec := eventsink.Record{NodeType: trace.NodeAgent, Payload: payload}
	assert.Equal(t, "hello world", extractRecordText(rec))
}

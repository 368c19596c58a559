package runtime

import (
	"encoding/json"
	"fmt"

	"github.com/cascaderun/cascade/eventsink"
	"github.com/cascaderun/cascade/toolregistry"
	"github.com/cascaderun/cascade/trace"
)

// mustMarshal renders v as the canonical JSON payload stored on an Event
// Record. Every value passed here (a Response, a ToolUsePart, a
// toolregistry.Result, a ward.Outcome) is produced by this package and is
// always marshalable; a failure indicates a programming error, not bad
// input, so it is folded into an inline error marker rather than panicking
// mid-event-stream.
func mustMarshal(v any) json.RawMessage {
	raw, err := json.Marshal(v)
	if err != nil {
		raw, _ = json.Marshal(map[string]string{"marshal_error": err.Error()})
	}
	return raw
}

// extractRecordText recovers the display text of a hydrated Event Record
// for inter-phase context injection, dispatching on NodeType since each
// kind of event marshals a different payload shape (spec.md §4.7
// "hydrated back to full originals").
func extractRecordText(rec eventsink.Record) string {
	switch rec.NodeType {
	case trace.NodeAgent, trace.NodeTurn:
		var resp modelResponsePayload
		if err := json.Unmarshal(rec.Payload, &resp); err == nil {
			return resp.Message.text()
		}
	case trace.NodeToolResult:
		var res toolregistry.Result
		if err := json.Unmarshal(rec.Payload, &res); err == nil {
			if res.Content != nil {
				return fmt.Sprintf("%v", res.Content)
			}
			return fmt.Sprintf("%v", res.Value)
		}
	}
	var s string
	if err := json.Unmarshal(rec.Payload, &s); err == nil {
		return s
	}
	return string(rec.Payload)
}

// modelResponsePayload mirrors the subset of modelclient.Response's JSON
// shape this package needs without importing modelclient here, since a
// hydrated agent-event payload was marshaled from a Response but only its
// text content matters to a consuming phase.
type modelResponsePayload struct {
	Message struct {
		Parts []struct {
			Text string `json:"Text"`
		} `json:"Parts"`
	} `json:"Message"`
}

func (m modelResponsePayload) text() string {
	var out string
	for _, p := range m.Message.Parts {
		out += p.Text
	}
	return out
}

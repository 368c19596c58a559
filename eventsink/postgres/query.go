package postgres

import (
	stdsql "database/sql"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/cascaderun/cascade/eventsink"
	"github.com/cascaderun/cascade/trace"
)

const selectCols = `ts, session_id, trace_id, parent_id, parent_session_id, node_type,
	role, depth, cascade_id, phase_name, sounding_index, is_winner,
	reforge_step, attempt_number, turn_number, model, provider_request_id,
	tokens_in, tokens_out, cost, duration_ms, payload, content_hash,
	metadata, semantic_actor`

func buildWhere(q eventsink.Query) (string, []any) {
	var clauses []string
	var args []any
	add := func(clause string, arg any) {
		args = append(args, arg)
		clauses = append(clauses, fmt.Sprintf(clause, len(args)))
	}
	if q.SessionID != "" {
		add("session_id = $%d", q.SessionID)
	}
	if q.TraceID != "" {
		add("trace_id = $%d", string(q.TraceID))
	}
	if q.PhaseName != "" {
		add("phase_name = $%d", q.PhaseName)
	}
	if q.ContentHash != "" {
		add("content_hash = $%d", q.ContentHash)
	}
	if !q.Since.IsZero() {
		add("ts > $%d", q.Since)
	}
	if len(q.NodeTypes) > 0 {
		placeholders := make([]string, len(q.NodeTypes))
		for i, nt := range q.NodeTypes {
			args = append(args, string(nt))
			placeholders[i] = fmt.Sprintf("$%d", len(args))
		}
		clauses = append(clauses, "node_type IN ("+strings.Join(placeholders, ",")+")")
	}
	if len(clauses) == 0 {
		return "", nil
	}
	return " WHERE " + strings.Join(clauses, " AND "), args
}

func scanRecords(rows *stdsql.Rows) ([]eventsink.Record, error) {
	var out []eventsink.Record
	for rows.Next() {
		var (
			rec               eventsink.Record
			traceID, parentID string
			nodeType          string
			meta              []byte
		)
		var ts time.Time
		if err := rows.Scan(
			&ts, &rec.SessionID, &traceID, &parentID, &rec.ParentSessionID, &nodeType,
			&rec.Role, &rec.Depth, &rec.CascadeID, &rec.PhaseName, &rec.SoundingIndex, &rec.IsWinner,
			&rec.ReforgeStep, &rec.AttemptNumber, &rec.TurnNumber, &rec.Model, &rec.ProviderRequestID,
			&rec.TokensIn, &rec.TokensOut, &rec.Cost, &rec.DurationMS, &rec.Payload, &rec.ContentHash,
			&meta, &rec.SemanticActor,
		); err != nil {
			return nil, fmt.Errorf("scan event record: %w", err)
		}
		rec.Timestamp = ts
		rec.TraceID = trace.ID(traceID)
		rec.ParentID = trace.ID(parentID)
		rec.NodeType = trace.NodeType(nodeType)
		if len(meta) > 0 {
			_ = json.Unmarshal(meta, &rec.Metadata)
		}
		out = append(out, rec)
	}
	return out, rows.Err()
}

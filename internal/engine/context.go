package engine

import (
	"encoding/json"
	"time"

	"github.com/rendis/wajourney/internal/store"
)

// BuildContext rebuilds the interpolation context of an execution from its
// persisted variables. The result has the roots contact, variables,
// last_reply and campaign; absent parts are nil.
func BuildContext(exec *store.Execution) map[string]any {
	v := exec.Variables
	ctx := map[string]any{
		"contact":    nonNilMap(v.Contact),
		"variables":  nonNilMap(v.Variables),
		"last_reply": nil,
		"campaign":   nil,
	}

	reply := v.LastReply
	if reply == nil {
		reply = exec.LastReply
	}
	if reply != nil {
		ctx["last_reply"] = replyMap(reply)
	}
	if v.Campaign != nil {
		ctx["campaign"] = map[string]any{"id": v.Campaign.ID, "name": v.Campaign.Name}
	}
	return ctx
}

func replyMap(r *store.LastReply) map[string]any {
	out := map[string]any{
		"body":        r.Body,
		"message_id":  r.MessageID,
		"received_at": r.ReceivedAt.UTC().Format(time.RFC3339),
	}
	if r.Interactive != nil {
		// Round-trip so nested form data reads like the rest of the context.
		var m map[string]any
		if b, err := json.Marshal(r.Interactive); err == nil && json.Unmarshal(b, &m) == nil {
			out["interactive"] = m
			if id, ok := m["button_id"]; ok {
				out["button_id"] = id
			}
		}
	}
	return out
}

// mergeVariables returns vars with updates applied, leaving vars unchanged.
func mergeVariables(vars store.ExecutionVariables, updates map[string]any) store.ExecutionVariables {
	merged := make(map[string]any, len(vars.Variables)+len(updates))
	for k, val := range vars.Variables {
		merged[k] = val
	}
	for k, val := range updates {
		merged[k] = val
	}
	vars.Variables = merged
	return vars
}

func nonNilMap(m map[string]any) map[string]any {
	if m == nil {
		return map[string]any{}
	}
	return m
}
